package ring

import "fmt"

const carbonReplicasPerNode = 100

// Carbon is the carbon_ch variant: the replica key for replica i is the
// literal string `('IP', 'INSTANCE'|None):i`, deliberately matching the
// Python carbon reference implementation for wire compatibility, hashed with
// the top two bytes of MD5.
type Carbon struct {
	entries []entry
	nodes   []Node
}

func NewCarbon(nodes []Node) *Carbon {
	c := &Carbon{nodes: dedupNodes(nodes)}
	c.entries = buildEntries(c.nodes, carbonReplicasPerNode, carbonKey, md5Top16)
	return c
}

func carbonKey(n Node, replica int) []byte {
	inst := "None"
	if n.Instance() != "" {
		inst = fmt.Sprintf("'%s'", n.Instance())
	}
	return []byte(fmt.Sprintf("('%s', %s):%d", n.IP(), inst, replica))
}

func (c *Carbon) GetNodes(metric []byte, replicas int) []Node {
	return lookup(c.entries, md5Top16(metric), replicas)
}

func (c *Carbon) Nodes() []Node { return c.nodes }

func dedupNodes(nodes []Node) []Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		k := n.IP() + "|" + fmt.Sprint(n.Port()) + "|" + n.Instance()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, n)
	}
	return out
}
