// Package table implements the router/reload coordinator (spec C8): it
// turns a cfg.Config into a live graph of clusters, routes, aggregators and
// destinations, and hot-swaps one graph for another on reload without
// losing in-flight data (spec §4.8).
package table

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/graphite-ng/carbon-relay-ng/aggregator"
	"github.com/graphite-ng/carbon-relay-ng/cfg"
	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/codec"
	"github.com/graphite-ng/carbon-relay-ng/destination"
	"github.com/graphite-ng/carbon-relay-ng/matcher"
	"github.com/graphite-ng/carbon-relay-ng/ring"
	"github.com/graphite-ng/carbon-relay-ng/route"
	"github.com/graphite-ng/carbon-relay-ng/stats"
)

const (
	aggStubPrefix   = "_aggregator_stub_"
	statsStubPrefix = "_stats_stub__"
)

// Defaults carries the sender tunables that apply to every destination a
// graph creates, sourced from CLI flags (-b/-q/-L/-T) rather than TOML,
// mirroring carbon-c-relay's own global batch/queue/stall/timeout flags.
type Defaults struct {
	BatchSize     int
	QueueSize     int
	MaxStalls     int
	IOTimeout     time.Duration
	StatsInterval time.Duration // -S fallback when a `statistics` block omits submit_every_seconds
}

func (d Defaults) orBuiltins() Defaults {
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 10000
	}
	if d.MaxStalls <= 0 {
		d.MaxStalls = 4
	}
	if d.IOTimeout <= 0 {
		d.IOTimeout = time.Second
	}
	if d.StatsInterval <= 0 {
		d.StatsInterval = 60 * time.Second
	}
	return d
}

// graph is one complete, immutable generation of the router's wiring (spec
// §4.8 "router graph"): every cluster, route, aggregator, destination and
// the statistics collector built from a single cfg.Config.
type graph struct {
	destinations     map[destination.Descriptor]*destination.Destination
	fileDestinations []*destination.FileDestination
	clusters         map[string]cluster.Cluster
	aggregators      []*aggregator.Aggregator

	statsCounters  *stats.Counters
	statsCollector *stats.Collector

	routeTable  *route.Table
	fingerprint string // structural identity, spec §4.8(b) "no-op if identical"

	defaults Defaults
}

// buildGraph parses a cfg.Config into a graph. feedback is the shared pipe
// aggregator and statistics output re-enters the route table through (spec
// §4.7 "Emission"). defaults supplies the CLI-flag-sourced sender tunables
// applied to every destination the graph creates.
func buildGraph(c *cfg.Config, feedback chan<- []byte, defaults Defaults) (*graph, error) {
	g := &graph{
		destinations: make(map[destination.Descriptor]*destination.Destination),
		clusters:     make(map[string]cluster.Cluster),
		defaults:     defaults.orBuiltins(),
	}

	for i := range c.Clusters {
		if err := g.addCluster(&c.Clusters[i]); err != nil {
			return nil, fmt.Errorf("table: cluster #%d (%s): %w", i+1, c.Clusters[i].Name, err)
		}
	}

	rewriteRoutes, err := g.buildRewriteRoutes(c)
	if err != nil {
		return nil, err
	}

	var userRoutes []*route.Route
	for i := range c.Matches {
		r, err := g.buildMatchRoute(&c.Matches[i], i)
		if err != nil {
			return nil, fmt.Errorf("table: match #%d: %w", i+1, err)
		}
		userRoutes = append(userRoutes, r)
	}

	headRoutes, err := g.buildAggregatesAndStatistics(c, feedback)
	if err != nil {
		return nil, err
	}

	// Evaluation order: the stub routes in headRoutes (stop=true) must see
	// feedback-pipe lines before anything else so self-submitted
	// aggregator/statistics output can't be mangled by a user `rewrite`;
	// top-level rewrites then run ahead of `match` routes, so rewritten
	// names are what `match` patterns and clusters observe downstream
	// (spec §4.5 "Rewrite semantics", §8 scenario 2). Rewrites and
	// matchall never participate in the optimiser's grouping (spec §4.5
	// "Optimiser"), so they stay outside route.BuildOptimisedTable.
	optimised := route.BuildOptimisedTable(userRoutes)
	allRoutes := append(append([]*route.Route{}, headRoutes...), rewriteRoutes...)
	allRoutes = append(allRoutes, optimised.Routes()...)
	g.routeTable = route.NewTable(allRoutes)
	g.fingerprint = fingerprint(c)
	return g, nil
}

// buildRewriteRoutes turns each top-level `rewrite pat into replacement`
// statement (spec §6 grammar `rewrite := REWRITE pat INTO replacement`)
// into a non-stopping head route carrying a single cluster.RewriteCluster,
// so matching continues with subsequent routes seeing the rewritten name
// (spec §4.5 "Rewrite semantics", §8 scenario 2).
func (g *graph) buildRewriteRoutes(c *cfg.Config) ([]*route.Route, error) {
	routes := make([]*route.Route, 0, len(c.Rewrites))
	for i := range c.Rewrites {
		rw := &c.Rewrites[i]
		m, err := matcher.New(rw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("table: rewrite #%d: %w", i+1, err)
		}
		key := fmt.Sprintf("rewrite#%d", i+1)
		rc := cluster.NewRewrite(key, rw.Replacement)
		routes = append(routes, route.NewRoute(key, m, []cluster.Cluster{rc}, false))
	}
	return routes, nil
}

// addCluster builds one cfg.Cluster's destinations and Cluster value,
// registering it in g.clusters.
func (g *graph) addCluster(cc *cfg.Cluster) error {
	if cc.Name == "" {
		return fmt.Errorf("cluster has no name")
	}
	if _, exists := g.clusters[cc.Name]; exists {
		return fmt.Errorf("duplicate cluster name %q", cc.Name)
	}

	if cc.Kind == "file" {
		fileDests := make([]*destination.FileDestination, 0, len(cc.Hosts))
		for _, h := range cc.Hosts {
			fd, err := destination.NewFile(h.Addr, cc.FileIP)
			if err != nil {
				return err
			}
			fileDests = append(fileDests, fd)
		}
		g.fileDestinations = append(g.fileDestinations, fileDests...)
		g.clusters[cc.Name] = cluster.NewFile(cc.Name, fileDests)
		return nil
	}

	dests := make([]*destination.Destination, 0, len(cc.Hosts))
	for _, h := range cc.Hosts {
		d, err := g.getOrCreateDestination(h)
		if err != nil {
			return err
		}
		dests = append(dests, d)
	}

	switch cc.Kind {
	case "forward":
		g.clusters[cc.Name] = cluster.NewForward(cc.Name, cc.Kind, dests, cc.FileIP)
	case "any_of":
		g.clusters[cc.Name] = cluster.NewAnyOf(cc.Name, dests)
	case "failover":
		g.clusters[cc.Name] = cluster.NewFailover(cc.Name, dests)
	case "carbon_ch", "fnv1a_ch", "jump_fnv1a_ch":
		nodes := make([]ring.Node, len(dests))
		destsByNode := make(map[ring.Node]*destination.Destination, len(dests))
		for i, d := range dests {
			nodes[i] = d
			destsByNode[d] = d
		}
		var r ring.Ring
		switch cc.Kind {
		case "carbon_ch":
			r = ring.NewCarbon(nodes)
		case "fnv1a_ch":
			r = ring.NewFNV1a(nodes)
		case "jump_fnv1a_ch":
			r = ring.NewJumpFNV1a(nodes)
		}
		replicas := cc.Replication
		if replicas <= 0 {
			replicas = 1
		}
		g.clusters[cc.Name] = cluster.NewCH(cc.Name, cc.Kind, r, replicas, destsByNode, cc.MasqTemplate)
	default:
		return fmt.Errorf("unknown cluster kind %q", cc.Kind)
	}
	return nil
}

// getOrCreateDestination dedups by (ip, port, proto, instance) so a server
// referenced by more than one cluster shares one sender and one queue
// (spec §4.8 "queue transplant" depends on this identity being stable).
func (g *graph) getOrCreateDestination(h cfg.Host) (*destination.Destination, error) {
	ip, port, proto, err := parseHostAddr(h)
	if err != nil {
		return nil, err
	}
	desc := destination.Descriptor{IPAddr: ip, Port: port, Proto: proto, Instance: h.Instance}
	if d, ok := g.destinations[desc]; ok {
		return d, nil
	}

	tlsCfg, err := buildTLSConfig(h)
	if err != nil {
		return nil, err
	}

	d := destination.New(destination.Config{
		Descriptor:  desc,
		Codec:       codec.Kind(orDefault(h.Transport, string(codec.None))),
		TLS:         tlsCfg,
		MTLS:        h.MTLSCert != "" && h.MTLSKey != "",
		BatchSize:   g.defaults.BatchSize,
		QueueSize:   g.defaults.QueueSize,
		MaxStalls:   g.defaults.MaxStalls,
		IOTimeout:   g.defaults.IOTimeout,
		SyslogFrame: h.Type == "syslog",
	})
	g.destinations[desc] = d
	return d, nil
}

func parseHostAddr(h cfg.Host) (ip string, port int, proto destination.Proto, err error) {
	proto = destination.TCP
	switch h.Proto {
	case "udp":
		proto = destination.UDP
	case "unix":
		proto = destination.Unix
	}
	if proto == destination.Unix {
		return h.Addr, 0, proto, nil
	}
	idx := strings.LastIndex(h.Addr, ":")
	if idx < 0 {
		return "", 0, proto, fmt.Errorf("host %q: missing port", h.Addr)
	}
	p, err := strconv.Atoi(h.Addr[idx+1:])
	if err != nil {
		return "", 0, proto, fmt.Errorf("host %q: invalid port: %w", h.Addr, err)
	}
	return h.Addr[:idx], p, proto, nil
}

// buildTLSConfig builds a *tls.Config from a host clause's ssl/mtls fields
// (spec §6 `transport ... [ssl CERT | mtls CERT KEY]`, SPEC_FULL.md
// supplemented feature #6). Returns nil, nil when neither is set.
func buildTLSConfig(h cfg.Host) (*tls.Config, error) {
	if h.SSLCert == "" && h.MTLSCert == "" {
		return nil, nil
	}

	cfg := &tls.Config{}
	if h.SSLCert != "" {
		pem, err := os.ReadFile(h.SSLCert)
		if err != nil {
			return nil, fmt.Errorf("reading ssl cert %q: %w", h.SSLCert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ssl cert %q: no certificates found", h.SSLCert)
		}
		cfg.RootCAs = pool
	}
	if h.MTLSCert != "" && h.MTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(h.MTLSCert, h.MTLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading mtls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// combinePattern joins a `pattern+` list's entries into the single pattern
// matcher.New expects, preserving the cheap-matcher-kind optimisation when
// exactly one pattern is given (spec §4.5 "Optimiser").
func combinePattern(patterns []string) string {
	if len(patterns) == 0 {
		return "*"
	}
	if len(patterns) == 1 {
		return patterns[0]
	}
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = "(?:" + p + ")"
	}
	return strings.Join(parts, "|")
}

// compileMatch builds one `match` block's matcher and cluster chain: an
// optional validation cluster, an optional masquerade override, then the
// referenced clusters in declaration order (spec §4.5, §6 grammar `match`).
// It is shared by buildMatchRoute (config-time) and Table.AddRoute/Block
// (runtime admin commands), so both paths apply identical semantics.
func (g *graph) compileMatch(mc *cfg.Match, validateLabel string) (*matcher.Matcher, []cluster.Cluster, error) {
	m, err := matcher.New(combinePattern(mc.Patterns))
	if err != nil {
		return nil, nil, err
	}

	var clusters []cluster.Cluster
	if mc.Validate != nil {
		vm, err := matcher.New(mc.Validate.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("validate pattern: %w", err)
		}
		dropOnFail := mc.Validate.Else == "drop"
		clusters = append(clusters, cluster.NewValidation(validateLabel, vm, dropOnFail))
	}

	for _, name := range mc.SendTo {
		c, ok := g.clusters[name]
		if !ok {
			return nil, nil, fmt.Errorf("send_to references unknown cluster %q", name)
		}
		if mc.RouteUsing != "" {
			if ch, ok := c.(*cluster.CHCluster); ok {
				override := *ch
				override.MasqTemplate = mc.RouteUsing
				c = &override
			}
		}
		clusters = append(clusters, c)
	}
	return m, clusters, nil
}

// buildMatchRoute builds one `match` block's Route (spec §4.5, §6 grammar
// `match`).
func (g *graph) buildMatchRoute(mc *cfg.Match, idx int) (*route.Route, error) {
	key := fmt.Sprintf("match#%d", idx+1)
	m, clusters, err := g.compileMatch(mc, key+":validate")
	if err != nil {
		return nil, err
	}
	return route.NewRoute(key, m, clusters, mc.Stop), nil
}

// buildAggregatesAndStatistics builds the aggregator and statistics
// instances declared in c, plus the head-of-table stub routes that
// redeliver their feedback-pipe output into the user's chosen destinations
// (spec §4.7 "Emission").
func (g *graph) buildAggregatesAndStatistics(c *cfg.Config, feedback chan<- []byte) ([]*route.Route, error) {
	var head []*route.Route
	var aggRoutes []*route.Route // placed after every stub route

	for i := range c.Aggregates {
		ac := &c.Aggregates[i]
		stubPrefix := fmt.Sprintf("%s%d__", aggStubPrefix, i)

		computes := make([]aggregator.Compute, len(ac.Computes))
		for j, cc := range ac.Computes {
			computes[j] = aggregator.Compute{Fn: aggregator.Fn(cc.Fn), Percentile: cc.Percentile, WriteTo: cc.WriteTo}
		}

		agg := aggregator.New(aggregator.Config{
			Interval:   time.Duration(ac.EverySeconds) * time.Second,
			Expire:     time.Duration(ac.ExpireAfterSeconds) * time.Second,
			TSWhen:     parseTSWhen(ac.TimestampAt),
			Computes:   computes,
			StubPrefix: stubPrefix,
		}, feedback)
		g.aggregators = append(g.aggregators, agg)

		m, err := matcher.New(combinePattern(ac.Patterns))
		if err != nil {
			return nil, fmt.Errorf("aggregate #%d: %w", i+1, err)
		}
		aggRoutes = append(aggRoutes, route.NewRoute(fmt.Sprintf("aggregate#%d", i+1), m, []cluster.Cluster{cluster.NewAggregation(fmt.Sprintf("aggregate#%d", i+1), agg)}, false))

		targets, err := g.resolveSendTo(ac.SendTo)
		if err != nil {
			return nil, fmt.Errorf("aggregate #%d: %w", i+1, err)
		}
		stubMatcher, _ := matcher.New("^" + stubPrefix)
		head = append(head, route.NewRoute(fmt.Sprintf("aggregate#%d:stub", i+1), stubMatcher,
			[]cluster.Cluster{cluster.NewStub(fmt.Sprintf("aggregate#%d:stub", i+1), stubPrefix, targets)}, true))
	}

	if c.Statistics != nil {
		sc := c.Statistics
		counters := stats.New()
		g.statsCounters = counters

		interval := time.Duration(sc.SubmitEverySeconds) * time.Second
		if interval <= 0 {
			interval = g.defaults.StatsInterval
		}
		g.statsCollector = stats.NewCollector(stats.Config{
			Interval:           interval,
			ResetAfterInterval: sc.ResetAfterInterval,
			Prefix:             sc.Prefix,
			StubPrefix:         statsStubPrefix,
		}, counters, feedback)

		targets, err := g.resolveSendTo(sc.SendTo)
		if err != nil {
			return nil, fmt.Errorf("statistics: %w", err)
		}
		stubMatcher, _ := matcher.New("^" + statsStubPrefix)
		head = append(head, route.NewRoute("statistics:stub", stubMatcher,
			[]cluster.Cluster{cluster.NewStub("statistics:stub", statsStubPrefix, targets)}, true))
	}

	return append(head, aggRoutes...), nil
}

func (g *graph) resolveSendTo(names []string) ([]cluster.Cluster, error) {
	if len(names) == 0 {
		return []cluster.Cluster{cluster.NewBlackhole("discard")}, nil
	}
	out := make([]cluster.Cluster, 0, len(names))
	for _, name := range names {
		c, ok := g.clusters[name]
		if !ok {
			return nil, fmt.Errorf("send_to references unknown cluster %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTSWhen(s string) aggregator.TSWhen {
	switch s {
	case "start":
		return aggregator.TSStart
	case "middle":
		return aggregator.TSMiddle
	default:
		return aggregator.TSEnd
	}
}

// fingerprint is a deterministic string summary of a config's structural
// shape, used to implement spec §4.8(b): a reload whose new graph is
// structurally identical to the running one is a no-op. It is independent
// of map/slice iteration order.
func fingerprint(c *cfg.Config) string {
	var parts []string
	for _, cl := range c.Clusters {
		hosts := make([]string, len(cl.Hosts))
		for i, h := range cl.Hosts {
			hosts[i] = fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s", h.Addr, h.Proto, h.Type, h.Transport, h.Instance, h.SSLCert, h.MTLSCert, h.MTLSKey)
		}
		sort.Strings(hosts)
		parts = append(parts, fmt.Sprintf("cluster:%s:%s:%d:%s:%v:%s", cl.Name, cl.Kind, cl.Replication, cl.MasqTemplate, cl.FileIP, strings.Join(hosts, ",")))
	}
	for _, m := range c.Matches {
		validate := ""
		if m.Validate != nil {
			validate = m.Validate.Pattern + "|" + m.Validate.Else
		}
		parts = append(parts, fmt.Sprintf("match:%s:%s:%v:%v:%s", strings.Join(m.Patterns, ","), strings.Join(m.SendTo, ","), m.Stop, m.RouteUsing, validate))
	}
	for _, rw := range c.Rewrites {
		parts = append(parts, fmt.Sprintf("rewrite:%s:%s", rw.Pattern, rw.Replacement))
	}
	for _, a := range c.Aggregates {
		parts = append(parts, fmt.Sprintf("aggregate:%s:%d:%d:%s:%s:%v", strings.Join(a.Patterns, ","), a.EverySeconds, a.ExpireAfterSeconds, strings.Join(a.SendTo, ","), a.TimestampAt, a.Computes))
	}
	if c.Statistics != nil {
		parts = append(parts, fmt.Sprintf("statistics:%d:%v:%s:%s", c.Statistics.SubmitEverySeconds, c.Statistics.ResetAfterInterval, c.Statistics.Prefix, strings.Join(c.Statistics.SendTo, ",")))
	}
	for _, l := range c.Listeners {
		parts = append(parts, fmt.Sprintf("listen:%s:%s:%s:%s", l.Addr, l.Proto, l.Type, l.Transport))
	}
	return strings.Join(parts, "\n")
}
