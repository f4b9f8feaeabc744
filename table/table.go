package table

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/graphite-ng/carbon-relay-ng/cfg"
	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/dispatcher"
	"github.com/graphite-ng/carbon-relay-ng/imperatives"
	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
	"github.com/graphite-ng/carbon-relay-ng/route"
	"github.com/graphite-ng/carbon-relay-ng/stats"
)

// Table is the router/reload coordinator (C8): it owns the current graph,
// the shared aggregator/statistics feedback pipe, and every running
// destination and aggregator task. Reload builds a new graph and swaps it
// in without losing in-flight data (spec §4.8).
type Table struct {
	mu      sync.Mutex   // serialises InitFromConfig/Reload/AddRoute/DelRoute/Block
	current atomic.Value // holds *graph

	feedback chan []byte
	done     chan struct{}
	defaults Defaults
}

// New constructs an empty Table using defaults for every destination's
// sender tunables. Call InitFromConfig before starting any listener
// against it.
func New(defaults Defaults) *Table {
	return &Table{
		feedback: make(chan []byte, 4096),
		done:     make(chan struct{}),
		defaults: defaults,
	}
}

// CurrentRouteTable is the dispatcher.TableSource Listeners are built with:
// it always returns the presently active generation's route table, letting
// a reload swap graphs without the dispatcher knowing a reload happened.
func (t *Table) CurrentRouteTable() *route.Table {
	g, _ := t.current.Load().(*graph)
	if g == nil {
		return route.NewTable(nil)
	}
	return g.routeTable
}

// CurrentStats is the dispatcher.StatsSource Listeners are built with: it
// returns the presently active generation's self-statistics counters, or
// nil if no `statistics` block is configured for it.
func (t *Table) CurrentStats() *stats.Counters {
	g, _ := t.current.Load().(*graph)
	if g == nil {
		return nil
	}
	return g.statsCounters
}

// InitFromConfig builds the first graph from c and starts every task it
// owns (senders, aggregators, the statistics collector, the feedback
// loop). Call this once at startup; use Reload for every subsequent HUP.
func (t *Table) InitFromConfig(c *cfg.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := buildGraph(c, t.feedback, t.defaults)
	if err != nil {
		return fmt.Errorf("table: %w", err)
	}
	startGraph(g)
	t.current.Store(g)
	go t.runFeedback()
	return nil
}

// Reload implements the hot-swap protocol (spec §4.8): parse a fresh
// graph; if it is structurally identical to the running one, no-op;
// otherwise drain the old aggregators (their output re-enters the routing
// pipeline via the still-published old graph's stub routes), transplant
// queues for unchanged destinations, start the new graph's tasks, publish
// it, and retire the old one.
func (t *Table) Reload(c *cfg.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldG, _ := t.current.Load().(*graph)

	newG, err := buildGraph(c, t.feedback, t.defaults)
	if err != nil {
		return fmt.Errorf("table: reload: %w", err)
	}

	if oldG != nil && newG.fingerprint == oldG.fingerprint {
		logger.Info("table: reload: new config is structurally identical, no-op")
		return nil
	}

	if oldG != nil {
		// stop the old aggregators/collector first -- Shutdown blocks until
		// every bucket has drained through the feedback pipe, which the
		// still-published old graph's stub routes redeliver.
		for _, a := range oldG.aggregators {
			a.Shutdown()
		}
		if oldG.statsCollector != nil {
			oldG.statsCollector.Shutdown()
		}
		// transplant queues for destinations whose descriptor is
		// unchanged, so the new sender resumes with in-flight data intact.
		transplantQueues(oldG, newG)
	}

	startGraph(newG)

	// new lines and any remaining feedback-pipe traffic now dispatch
	// against the new graph.
	t.current.Store(newG)

	if oldG != nil {
		shutdownStaleDestinations(oldG, newG)
		for _, fd := range oldG.fileDestinations {
			if err := fd.Shutdown(); err != nil {
				logger.Warn("table: closing stale file destination %s: %v", fd.Path(), err)
			}
		}
	}

	logger.Notice("table: reload complete")
	return nil
}

// transplantQueues finds, for each destination in the new graph, the old
// graph's destination with an identical (ip, port, proto, instance)
// descriptor and swaps queue contents so no in-flight data is lost.
func transplantQueues(oldG, newG *graph) {
	for desc, newD := range newG.destinations {
		oldD, ok := oldG.destinations[desc]
		if !ok {
			continue
		}
		newD.Q.Swap(oldD.Q)
	}
}

// shutdownStaleDestinations stops senders present in oldG but absent from
// newG (their descriptor no longer appears in any cluster).
func shutdownStaleDestinations(oldG, newG *graph) {
	for desc, oldD := range oldG.destinations {
		if _, stillUsed := newG.destinations[desc]; stillUsed {
			continue
		}
		if err := oldD.Shutdown(); err != nil {
			logger.Warn("table: shutting down stale destination %s: %v", desc, err)
		}
	}
}

// startGraph starts every task a freshly built graph owns: one goroutine
// per sender, one per aggregator, and the statistics collector. Every
// destination in a graph is freshly constructed by buildGraph -- queue
// contents may be transplanted in from an old generation, but the
// *destination.Destination value itself never is -- so there is no
// already-running instance to guard against here.
func startGraph(g *graph) {
	for _, d := range g.destinations {
		go d.Run()
	}
	for _, a := range g.aggregators {
		go a.Run()
	}
	if g.statsCollector != nil {
		go g.statsCollector.Run()
	}
}

// runFeedback drains the aggregator/statistics feedback pipe and
// redispatches each line against whatever graph is currently published
// (spec §4.7 "Emission": stub routes redeliver this output exactly once).
func (t *Table) runFeedback() {
	for line := range t.feedback {
		name, value, ts, ok := dispatcher.ParseLine(line)
		if !ok {
			continue
		}
		ctx := &cluster.Context{Name: name, Value: value, Timestamp: ts}
		pending := t.CurrentRouteTable().Dispatch(ctx)
		dispatcher.FeedPending(pending, t.CurrentStats())
	}
	close(t.done)
}

// Shutdown stops every task the currently published graph owns: it drains
// aggregators and the statistics collector first, then closes the
// feedback pipe and waits for it to finish draining, then stops every
// sender. Callers are expected to have already shut down listeners.
func (t *Table) Shutdown() {
	g, _ := t.current.Load().(*graph)
	if g == nil {
		return
	}
	for _, a := range g.aggregators {
		a.Shutdown()
	}
	if g.statsCollector != nil {
		g.statsCollector.Shutdown()
	}
	close(t.feedback)
	<-t.done
	for _, d := range g.destinations {
		d.Shutdown()
	}
	for _, fd := range g.fileDestinations {
		fd.Shutdown()
	}
}

// AddRoute implements imperatives.Mutator: it appends a new route built
// from pattern and the named, already-declared clusters to the currently
// published graph's route table (runtime admin command).
func (t *Table) AddRoute(key, pattern string, clusterNames []string, stop bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, _ := t.current.Load().(*graph)
	if g == nil {
		return fmt.Errorf("table: no graph loaded")
	}
	m, clusters, err := g.compileMatch(&cfg.Match{Patterns: []string{pattern}, SendTo: clusterNames}, key+":validate")
	if err != nil {
		return err
	}
	r := route.NewRoute(key, m, clusters, stop)
	g.routeTable = route.NewTable(append(g.routeTable.Routes(), r))
	return nil
}

// DelRoute implements imperatives.Mutator: it removes the route with the
// given key from the currently published graph's route table, if present.
func (t *Table) DelRoute(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, _ := t.current.Load().(*graph)
	if g == nil {
		return fmt.Errorf("table: no graph loaded")
	}
	routes := g.routeTable.Routes()
	out := make([]*route.Route, 0, len(routes))
	for _, r := range routes {
		if r.Key() != key {
			out = append(out, r)
		}
	}
	g.routeTable = route.NewTable(out)
	return nil
}

// Block implements imperatives.Mutator: it installs a validate-and-drop
// route at the front of the table, unconditionally applied to every line
// matching pattern.
func (t *Table) Block(pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, _ := t.current.Load().(*graph)
	if g == nil {
		return fmt.Errorf("table: no graph loaded")
	}
	key := "block:" + pattern
	m, clusters, err := g.compileMatch(&cfg.Match{
		Patterns: []string{pattern},
		Validate: &cfg.Validate{Pattern: "^$", Else: "drop"}, // never matches "value timestamp"
	}, key+":validate")
	if err != nil {
		return err
	}
	r := route.NewRoute(key, m, clusters, true)
	g.routeTable = route.NewTable(append([]*route.Route{r}, g.routeTable.Routes()...))
	return nil
}

var _ imperatives.Mutator = (*Table)(nil)
