// Package stats wires the relay's own counters through
// github.com/Dieterbe/go-metrics (the teacher's own stats dependency,
// visible directly in its table.go as `metrics.Counter` fields) and
// implements the statistics self-submission collector described in
// SPEC_FULL.md's supplemented feature #3.
package stats

import (
	metrics "github.com/Dieterbe/go-metrics"
)

// Counters is the relay-wide set of named counters, one per outcome a line
// can have (spec §3 "Invariants": forwarded, blackholed, dropped, or
// absorbed into an aggregator bucket -- plus the ingress-side discard and
// validation counters).
type Counters struct {
	Registry metrics.Registry

	Accepted     metrics.Counter
	Discards     metrics.Counter
	Dropped      metrics.Counter
	Blackholed   metrics.Counter
	ValidateFail metrics.Counter
	Stalls       metrics.Counter
}

// New registers a fresh counter set in its own registry.
func New() *Counters {
	reg := metrics.NewRegistry()
	c := &Counters{
		Registry:     reg,
		Accepted:     metrics.NewCounter(),
		Discards:     metrics.NewCounter(),
		Dropped:      metrics.NewCounter(),
		Blackholed:   metrics.NewCounter(),
		ValidateFail: metrics.NewCounter(),
		Stalls:       metrics.NewCounter(),
	}
	reg.Register("accepted", c.Accepted)
	reg.Register("discards", c.Discards)
	reg.Register("dropped", c.Dropped)
	reg.Register("blackholed", c.Blackholed)
	reg.Register("validate_fail", c.ValidateFail)
	reg.Register("stalls", c.Stalls)
	return c
}

// Snapshot is a point-in-time read of every counter, keyed by name, used
// both by the self-submission collector and by admin/status commands.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.Registry.Each(func(name string, i interface{}) {
		if counter, ok := i.(metrics.Counter); ok {
			out[name] = counter.Count()
		}
	})
	return out
}
