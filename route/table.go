package route

import (
	"sync"

	"github.com/graphite-ng/carbon-relay-ng/cluster"
)

// Table is the ordered route list evaluated for every incoming line (spec
// C5 "Route table", §4.5 "Evaluation order"). It is owned by one generation
// of the router/reload coordinator (package table, C8); a reload builds an
// entirely new Table and swaps it in atomically.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable builds a Table from routes in declaration order.
func NewTable(routes []*Route) *Table {
	return &Table{routes: routes}
}

// Dispatch evaluates routes in order, stopping at the first matching route
// whose stop flag is set, or on a blackhole/drop outcome within that route.
// It returns every PendingSend collected across all routes that matched, for
// the dispatcher's backpressure loop (spec §4.6).
func (t *Table) Dispatch(ctx *cluster.Context) []cluster.PendingSend {
	t.mu.RLock()
	routes := t.routes
	t.mu.RUnlock()

	var pending []cluster.PendingSend
	for _, r := range routes {
		matched, p := r.Dispatch(ctx)
		pending = append(pending, p...)
		if !matched {
			continue
		}
		if ctx.Blackholed || ctx.Dropped || r.Stop() {
			break
		}
	}
	return pending
}

// Routes returns the table's routes in evaluation order, for Snapshot/admin
// listing (spec C8 "Snapshot").
func (t *Table) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
