package cluster

// Context is the mutable per-line dispatch state threaded through route and
// cluster evaluation. Name is mutated in place by `rewrite` rules, and every
// subsequent route/cluster sees the rewritten value (spec §4.5 "Rewrite
// semantics", §9 "route-rewrite visibility").
type Context struct {
	Name       []byte // metric name, up to (not including) the first space
	Value      float64
	Timestamp  int64
	SrcAddr    string
	Groups     []string // capture groups from the matching route, if regex

	Blackholed   bool
	ValidateFail bool
	Dropped      bool
}
