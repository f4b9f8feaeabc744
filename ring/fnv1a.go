package ring

import "fmt"

const fnv1aReplicasPerNode = 100

// FNV1a is the fnv1a_ch variant: the replica key for replica i is
// "i-IP:PORT", or "i-INSTANCE" when an instance label is set, hashed with
// FNV-1a-32 folded to 16 bits via (h>>16) ^ (h&0xFFFF).
type FNV1a struct {
	entries []entry
	nodes   []Node
}

func NewFNV1a(nodes []Node) *FNV1a {
	f := &FNV1a{nodes: dedupNodes(nodes)}
	f.entries = buildEntries(f.nodes, fnv1aReplicasPerNode, fnv1aKey, fnv1aFold16)
	return f
}

func fnv1aKey(n Node, replica int) []byte {
	if n.Instance() != "" {
		return []byte(fmt.Sprintf("%d-%s", replica, n.Instance()))
	}
	return []byte(fmt.Sprintf("%d-%s:%d", replica, n.IP(), n.Port()))
}

func (f *FNV1a) GetNodes(metric []byte, replicas int) []Node {
	return lookup(f.entries, fnv1aFold16(metric), replicas)
}

func (f *FNV1a) Nodes() []Node { return f.nodes }
