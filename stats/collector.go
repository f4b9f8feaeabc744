package stats

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	metrics "github.com/Dieterbe/go-metrics"
)

// Config carries a `statistics` block's parameters (spec §6 grammar
// `statistics := STATISTICS [submit every N seconds] [reset counters after
// interval] [prefix with STRING] [send to dest+] [stop]`).
type Config struct {
	Interval           time.Duration
	ResetAfterInterval bool
	Prefix             string

	// StubPrefix, if set, is prepended ahead of Prefix so a head-of-table
	// stub route (the same re-entry mechanism the aggregator uses, spec
	// §4.7 "Emission") can recognise and strip self-statistics lines
	// before forwarding them to their configured destinations.
	StubPrefix string
}

// Collector periodically formats Counters as metric lines and writes them
// to a feedback channel, the same re-entry mechanism the aggregator uses
// (SPEC_FULL.md supplemented feature #3, "aggrstub/statstub pattern").
type Collector struct {
	cfg      Config
	counters *Counters
	out      chan<- []byte

	shutdown int32
	done     chan struct{}
	nowFn    func() int64
}

// NewCollector constructs a Collector; out is the router's feedback pipe
// (spec §4.7's stub re-injection channel, shared with the aggregator).
func NewCollector(cfg Config, counters *Counters, out chan<- []byte) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Collector{
		cfg:      cfg,
		counters: counters,
		out:      out,
		done:     make(chan struct{}),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// Run is the collector's periodic submission loop; start it in its own
// goroutine.
func (c *Collector) Run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for range ticker.C {
		c.submitOnce()
		if atomic.LoadInt32(&c.shutdown) != 0 {
			return
		}
	}
}

// Shutdown stops the submission loop after its current tick completes.
func (c *Collector) Shutdown() {
	atomic.StoreInt32(&c.shutdown, 1)
	<-c.done
}

// submitOnce formats every counter as a metric line and writes it to the
// feedback pipe, optionally resetting counters to implement "subtract"
// mode instead of "cumulative" (spec §6 CLI surface, "cumulative-vs-
// subtract statistics mode").
func (c *Collector) submitOnce() {
	now := c.nowFn()
	snap := c.counters.Snapshot()

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		line := []byte(fmt.Sprintf("%s%s%s %d %d\n", c.cfg.StubPrefix, c.cfg.Prefix, name, snap[name], now))
		select {
		case c.out <- line:
		default:
		}
	}

	if c.cfg.ResetAfterInterval {
		c.resetAll()
	}
}

func (c *Collector) resetAll() {
	c.counters.Registry.Each(func(name string, i interface{}) {
		if counter, ok := i.(metrics.Counter); ok {
			counter.Clear()
		}
	})
}
