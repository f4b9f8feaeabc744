package route

import (
	"sync"

	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/matcher"
)

// Route is a single `match ... route to ...` rule (spec C5 "Route table
// entry"): a matcher, an ordered list of clusters, and a stop flag. A rewrite
// cluster changes the context's name in place, so later clusters and later
// routes see the rewritten name.
type Route struct {
	mu sync.RWMutex

	key      string // the route's declared name, for Snapshot/admin commands
	matcher  *matcher.Matcher
	clusters []cluster.Cluster
	stop     bool
}

// NewRoute builds a Route from its already-parsed matcher and cluster list.
func NewRoute(key string, m *matcher.Matcher, clusters []cluster.Cluster, stop bool) *Route {
	return &Route{key: key, matcher: m, clusters: clusters, stop: stop}
}

func (r *Route) Key() string { return r.key }

// Stop reports whether a match on this route should prevent evaluation of
// subsequent routes (spec §4.5 "Evaluation order", the `stop` clause).
func (r *Route) Stop() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stop
}

// Dispatch evaluates this route's matcher against ctx.Name; on a match it
// runs every cluster in declaration order and collects any sends that
// stalled for the dispatcher's backpressure loop (spec §4.6). It returns
// matched so the caller (the table-level fan-out, spec §4.5) knows whether
// to consider this route's stop flag.
func (r *Route) Dispatch(ctx *cluster.Context) (matched bool, pending []cluster.PendingSend) {
	r.mu.RLock()
	m := r.matcher
	clusters := r.clusters
	r.mu.RUnlock()

	ok, groups := m.Match(ctx.Name)
	if !ok {
		return false, nil
	}
	if groups != nil {
		ctx.Groups = groups
	}

	for _, c := range clusters {
		pending = append(pending, c.Apply(ctx)...)
		if ctx.Blackholed || ctx.Dropped {
			break
		}
	}
	return true, pending
}

// Snapshot is a read-only view of a route's shape, used by admin/Print
// commands (spec C8 "Snapshot").
type Snapshot struct {
	Key     string
	Pattern string
	Stop    bool
	Clusters []string
}

func (r *Route) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.clusters))
	for i, c := range r.clusters {
		names[i] = c.Name() + ":" + c.Kind()
	}
	return Snapshot{Key: r.key, Pattern: r.matcher.Pattern, Stop: r.stop, Clusters: names}
}
