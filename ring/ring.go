// Package ring implements the three consistent-hash variants of spec C3:
// carbon_ch, fnv1a_ch and jump_fnv1a_ch. All three share the Ring interface;
// GetNodes returns the replica set for a metric name, deduplicated and in
// ring order.
package ring

import (
	"crypto/md5"
	"sort"
	"strconv"

	gojump "github.com/dgryski/go-jump"
)

// Node is anything that can be placed on a ring: a server descriptor.
// destination.Destination implements this directly.
type Node interface {
	IP() string
	Port() int
	Instance() string
}

// Ring selects replica sets of Nodes for a metric name.
type Ring interface {
	// GetNodes returns up to replicas distinct nodes for metric, in a
	// deterministic order that depends only on metric and the current
	// server membership.
	GetNodes(metric []byte, replicas int) []Node
	// Nodes returns the full, deduplicated node set backing the ring.
	Nodes() []Node
}

func fnv1a32(data []byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range data {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

func fnv1a64(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// nodeLess orders servers by IP, then instance, then port; buildEntries uses
// it so duplicate positions collapse to the lexicographically-first server,
// as required by spec §4.3.
func nodeLess(a, b Node) bool {
	if a.IP() != b.IP() {
		return a.IP() < b.IP()
	}
	if a.Instance() != b.Instance() {
		return a.Instance() < b.Instance()
	}
	return a.Port() < b.Port()
}

type entry struct {
	pos  uint16
	node Node
}

func buildEntries(nodes []Node, replicasPerNode int, key func(n Node, replica int) []byte, hash func([]byte) uint16) []entry {
	entries := make([]entry, 0, len(nodes)*replicasPerNode)
	for _, n := range nodes {
		for r := 0; r < replicasPerNode; r++ {
			entries = append(entries, entry{pos: hash(key(n, r)), node: n})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pos != entries[j].pos {
			return entries[i].pos < entries[j].pos
		}
		return nodeLess(entries[i].node, entries[j].node)
	})
	// collapse duplicate positions to the lexicographically-first node
	out := entries[:0:0]
	var lastPos uint16
	havePos := false
	for _, e := range entries {
		if havePos && e.pos == lastPos {
			continue
		}
		out = append(out, e)
		lastPos = e.pos
		havePos = true
	}
	return out
}

func md5Top16(data []byte) uint16 {
	sum := md5.Sum(data)
	return uint16(sum[0])<<8 | uint16(sum[1])
}

func fnv1aFold16(data []byte) uint16 {
	h := fnv1a32(data)
	return uint16((h >> 16) ^ (h & 0xFFFF))
}

// lookup finds the first entry with pos >= hash(key) (wrapping), then walks
// forward collecting up to replicas distinct nodes.
func lookup(entries []entry, hash uint16, replicas int) []Node {
	if len(entries) == 0 {
		return nil
	}
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].pos >= hash })
	if idx == len(entries) {
		idx = 0
	}
	out := make([]Node, 0, replicas)
	seen := make(map[string]bool, replicas)
	for i := 0; i < len(entries) && len(out) < replicas; i++ {
		e := entries[(idx+i)%len(entries)]
		k := e.node.IP() + "|" + strconv.Itoa(e.node.Port()) + "|" + nodeKey(e.node)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e.node)
	}
	return out
}

func nodeKey(n Node) string {
	if n.Instance() != "" {
		return n.Instance()
	}
	return n.IP()
}

// nextJumpHash produces jump_fnv1a_ch's extra-replica sequence: extra
// replicas come from re-hashing via an xorshift+multiplier and removing the
// chosen bucket, per spec §4.3.
func nextJumpHash(h uint64) uint64 {
	h ^= h >> 12
	h ^= h << 25
	h ^= h >> 27
	return h * 2685821657736338717
}

// JumpBucket exposes the jump consistent-hash function for a given number
// of buckets, as used by jump_fnv1a_ch.
func JumpBucket(key uint64, numBuckets int) int {
	return int(gojump.Hash(key, int32(numBuckets)))
}
