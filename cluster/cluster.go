// Package cluster implements spec C4: the named, tagged cluster policies a
// route's destination list points at. All variants share the Cluster
// interface.
package cluster

import (
	"fmt"
	"math/rand"

	"github.com/graphite-ng/carbon-relay-ng/aggregator"
	"github.com/graphite-ng/carbon-relay-ng/destination"
	"github.com/graphite-ng/carbon-relay-ng/matcher"
	"github.com/graphite-ng/carbon-relay-ng/rewriter"
	"github.com/graphite-ng/carbon-relay-ng/ring"
)

// PendingSend is a line that could not be enqueued onto a destination's
// queue (a stall, not a drop) -- spec §4.6 "Backpressure loop" retries
// these at the dispatcher connection level.
type PendingSend struct {
	Dest *destination.Destination
	Line []byte
}

// Cluster is the shared interface for every spec §4.4 policy variant.
type Cluster interface {
	Name() string
	Kind() string
	Apply(ctx *Context) []PendingSend
}

func formatLine(ctx *Context, prefixAddr bool) []byte {
	if prefixAddr {
		return []byte(fmt.Sprintf("%s %s %v %d\n", ctx.SrcAddr, ctx.Name, ctx.Value, ctx.Timestamp))
	}
	return []byte(fmt.Sprintf("%s %v %d\n", ctx.Name, ctx.Value, ctx.Timestamp))
}

func sendAll(dests []*destination.Destination, line []byte) []PendingSend {
	var pending []PendingSend
	for _, d := range dests {
		if !d.Send(line, false) {
			pending = append(pending, PendingSend{Dest: d, Line: line})
		}
	}
	return pending
}

// ForwardCluster is `forward`: every line goes to every server (spec §4.4).
// FileIP, when set, prefixes the source address to each line. The `file`
// kind is built as a FileCluster instead (file.go).
type ForwardCluster struct {
	name    string
	kind    string
	Dests   []*destination.Destination
	FileIP  bool
}

func NewForward(name string, kind string, dests []*destination.Destination, fileIP bool) *ForwardCluster {
	return &ForwardCluster{name: name, kind: kind, Dests: dests, FileIP: fileIP}
}

func (c *ForwardCluster) Name() string { return c.name }
func (c *ForwardCluster) Kind() string { return c.kind }
func (c *ForwardCluster) Apply(ctx *Context) []PendingSend {
	return sendAll(c.Dests, formatLine(ctx, c.FileIP))
}

// AnyOfCluster selects a server by FNV-1a-32 of the metric name modulo
// server count -- always the same server for the same key, with no
// failure-aware skipping (spec §4.4 `any_of`).
type AnyOfCluster struct {
	name  string
	Dests []*destination.Destination
}

func NewAnyOf(name string, dests []*destination.Destination) *AnyOfCluster {
	return &AnyOfCluster{name: name, Dests: dests}
}

func (c *AnyOfCluster) Name() string { return c.name }
func (c *AnyOfCluster) Kind() string { return "any_of" }
func (c *AnyOfCluster) Apply(ctx *Context) []PendingSend {
	if len(c.Dests) == 0 {
		return nil
	}
	idx := anyOfHash(ctx.Name) % uint32(len(c.Dests))
	return sendAll(c.Dests[idx:idx+1], formatLine(ctx, false))
}

func anyOfHash(name []byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range name {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// FailoverCluster sends to the first non-failed server in declaration
// order; if all are failed, the first (spec §4.4 `failover`). Secondary
// offload is never configured with shuffle semantics for failover peers
// (spec §9).
type FailoverCluster struct {
	name  string
	Dests []*destination.Destination
}

func NewFailover(name string, dests []*destination.Destination) *FailoverCluster {
	return &FailoverCluster{name: name, Dests: dests}
}

func (c *FailoverCluster) Name() string { return c.name }
func (c *FailoverCluster) Kind() string { return "failover" }
func (c *FailoverCluster) Apply(ctx *Context) []PendingSend {
	if len(c.Dests) == 0 {
		return nil
	}
	for _, d := range c.Dests {
		if !d.Failed() {
			return sendAll([]*destination.Destination{d}, formatLine(ctx, false))
		}
	}
	return sendAll(c.Dests[:1], formatLine(ctx, false))
}

// CHCluster is the shared implementation of carbon_ch / fnv1a_ch /
// jump_fnv1a_ch (spec §4.3, §4.4 `*_ch`). Masq, if set, rewrites the hash
// key without mutating the emitted metric name (spec §9 open question:
// "route using" does not mutate).
type CHCluster struct {
	name     string
	kind     string
	Ring     ring.Ring
	Replicas int
	destsByNode map[ring.Node]*destination.Destination
	MasqTemplate string
}

func NewCH(name, kind string, r ring.Ring, replicas int, destsByNode map[ring.Node]*destination.Destination, masq string) *CHCluster {
	return &CHCluster{name: name, kind: kind, Ring: r, Replicas: replicas, destsByNode: destsByNode, MasqTemplate: masq}
}

func (c *CHCluster) Name() string { return c.name }
func (c *CHCluster) Kind() string { return c.kind }
func (c *CHCluster) Apply(ctx *Context) []PendingSend {
	key := c.hashKey(ctx)
	nodes := c.Ring.GetNodes(key, c.Replicas)
	line := formatLine(ctx, false)
	var pending []PendingSend
	for _, n := range nodes {
		d, ok := c.destsByNode[n]
		if !ok {
			continue
		}
		if !d.Send(line, false) {
			pending = append(pending, PendingSend{Dest: d, Line: line})
		}
	}
	return pending
}

// hashKey computes the ring lookup key: the original metric name, unless a
// masquerade template is set, in which case it expands the template against
// the match's capture groups -- a pure function, it never mutates ctx.Name.
func (c *CHCluster) hashKey(ctx *Context) []byte {
	if c.MasqTemplate == "" {
		return ctx.Name
	}
	return []byte(expandMasq(c.MasqTemplate, ctx.Groups))
}

// BlackholeCluster sets the blackholed flag (spec §4.4 `blackhole`); it is
// the sentinel cluster variant.
type BlackholeCluster struct{ name string }

func NewBlackhole(name string) *BlackholeCluster { return &BlackholeCluster{name: name} }
func (c *BlackholeCluster) Name() string          { return c.name }
func (c *BlackholeCluster) Kind() string          { return "blackhole" }
func (c *BlackholeCluster) Apply(ctx *Context) []PendingSend {
	ctx.Blackholed = true
	return nil
}

// RewriteCluster mutates the metric name in place using capture-group
// backreferences (spec §4.4 `rewrite`); matching continues with subsequent
// routes, which see the new name (spec §9).
type RewriteCluster struct {
	name     string
	Template string
}

func NewRewrite(name, template string) *RewriteCluster {
	return &RewriteCluster{name: name, Template: template}
}
func (c *RewriteCluster) Name() string { return c.name }
func (c *RewriteCluster) Kind() string { return "rewrite" }
func (c *RewriteCluster) Apply(ctx *Context) []PendingSend {
	ctx.Name = []byte(expandMasq(c.Template, ctx.Groups))
	return nil
}

// ValidationCluster evaluates a secondary matcher against "value timestamp"
// (spec §4.4 `validation`); on mismatch it either drop-stops or logs and
// continues.
type ValidationCluster struct {
	name        string
	Matcher     *matcher.Matcher
	DropOnFail  bool
}

func NewValidation(name string, m *matcher.Matcher, dropOnFail bool) *ValidationCluster {
	return &ValidationCluster{name: name, Matcher: m, DropOnFail: dropOnFail}
}
func (c *ValidationCluster) Name() string { return c.name }
func (c *ValidationCluster) Kind() string { return "validation" }
func (c *ValidationCluster) Apply(ctx *Context) []PendingSend {
	vt := fmt.Sprintf("%v %d", ctx.Value, ctx.Timestamp)
	if ok, _ := c.Matcher.Match([]byte(vt)); !ok {
		ctx.ValidateFail = true
		if c.DropOnFail {
			ctx.Dropped = true
		}
	}
	return nil
}

// AggregationCluster hands the line to an aggregator; downstream
// destinations are unreachable from here -- they are invoked by the stub
// route when the aggregator emits (spec §4.4 `aggregation`).
type AggregationCluster struct {
	name string
	Agg  *aggregator.Aggregator
}

func NewAggregation(name string, agg *aggregator.Aggregator) *AggregationCluster {
	return &AggregationCluster{name: name, Agg: agg}
}
func (c *AggregationCluster) Name() string { return c.name }
func (c *AggregationCluster) Kind() string { return "aggregation" }
func (c *AggregationCluster) Apply(ctx *Context) []PendingSend {
	c.Agg.Put(ctx.Name, ctx.Groups, ctx.Value, ctx.Timestamp)
	return nil
}

// GroupCluster is a synthetic cluster produced by the route-table optimiser
// (spec §4.4 `group`, §4.5 "Optimiser"): it recurses into its own nested
// rule list, each with its own matcher, destinations and stop flag.
type GroupCluster struct {
	name  string
	Rules []GroupRule
}

// GroupRule is Group's nested routing unit -- deliberately a smaller,
// self-contained shape (not route.Route) so that this package does not need
// to import package route, which itself imports cluster.
type GroupRule struct {
	Matcher *matcher.Matcher
	Dests   []Cluster
	Stop    bool
}

func NewGroup(name string, rules []GroupRule) *GroupCluster {
	return &GroupCluster{name: name, Rules: rules}
}
func (c *GroupCluster) Name() string { return c.name }
func (c *GroupCluster) Kind() string { return "group" }
func (c *GroupCluster) Apply(ctx *Context) []PendingSend {
	var pending []PendingSend
	for _, r := range c.Rules {
		ok, groups := r.Matcher.Match(ctx.Name)
		if !ok {
			continue
		}
		savedGroups := ctx.Groups
		if groups != nil {
			ctx.Groups = groups
		}
		for _, d := range r.Dests {
			pending = append(pending, d.Apply(ctx)...)
		}
		ctx.Groups = savedGroups
		if r.Stop {
			break
		}
	}
	return pending
}

// StubCluster serves both aggregator and statistics stubs: it strips its
// synthetic prefix from the metric name and recurses into the stub's nested
// destinations, dispatching
// aggregator/statistics output to the user's chosen destinations (spec
// §4.4 `aggrstub` / `statstub`).
type StubCluster struct {
	name   string
	Prefix string
	Dests  []Cluster
}

func NewStub(name, prefix string, dests []Cluster) *StubCluster {
	return &StubCluster{name: name, Prefix: prefix, Dests: dests}
}
func (c *StubCluster) Name() string { return c.name }
func (c *StubCluster) Kind() string { return "stub" }
func (c *StubCluster) Apply(ctx *Context) []PendingSend {
	stripped := make([]byte, len(ctx.Name)-len(c.Prefix))
	copy(stripped, ctx.Name[len(c.Prefix):])
	ctx.Name = stripped
	var pending []PendingSend
	for _, d := range c.Dests {
		pending = append(pending, d.Apply(ctx)...)
	}
	return pending
}

func expandMasq(template string, groups []string) string {
	return rewriter.Expand(template, groups)
}

// shuffleSecondaries shuffles a server list for any_of-sourced secondary
// offload (spec §4.2 step 2 / §9): never used for failover peers.
func shuffleSecondaries(dests []*destination.Destination) []*destination.Destination {
	out := make([]*destination.Destination, len(dests))
	copy(out, dests)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
