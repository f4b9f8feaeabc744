package ring

// JumpFNV1a is the jump_fnv1a_ch variant: no explicit ring. A single
// FNV-1a-64 hash of the metric name feeds the Lamping-Veach jump consistent
// hash over the current node count to pick the first replica. Extra
// replicas are chosen by re-hashing the running hash via an
// xorshift+multiplier step and removing the previously-chosen bucket from
// consideration, so replicas are always distinct.
type JumpFNV1a struct {
	nodes []Node
}

func NewJumpFNV1a(nodes []Node) *JumpFNV1a {
	return &JumpFNV1a{nodes: dedupNodes(nodes)}
}

func (j *JumpFNV1a) GetNodes(metric []byte, replicas int) []Node {
	if len(j.nodes) == 0 {
		return nil
	}
	if replicas > len(j.nodes) {
		replicas = len(j.nodes)
	}
	candidates := make([]Node, len(j.nodes))
	copy(candidates, j.nodes)

	h := fnv1a64(metric)
	out := make([]Node, 0, replicas)
	for i := 0; i < replicas && len(candidates) > 0; i++ {
		bucket := JumpBucket(h, len(candidates))
		out = append(out, candidates[bucket])
		// remove the chosen bucket, preserving relative order of the rest
		candidates = append(candidates[:bucket], candidates[bucket+1:]...)
		h = nextJumpHash(h)
	}
	return out
}

func (j *JumpFNV1a) Nodes() []Node { return j.nodes }
