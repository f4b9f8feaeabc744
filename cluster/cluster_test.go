package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphite-ng/carbon-relay-ng/destination"
	"github.com/graphite-ng/carbon-relay-ng/matcher"
	"github.com/graphite-ng/carbon-relay-ng/ring"
)

func newTestDest(t *testing.T, port int) *destination.Destination {
	t.Helper()
	return destination.New(destination.Config{
		Descriptor: destination.Descriptor{IPAddr: "127.0.0.1", Port: port, Proto: destination.TCP},
		QueueSize:  8,
		BatchSize:  4,
	})
}

func TestForwardClusterSendsToAllDestinations(t *testing.T) {
	d1, d2 := newTestDest(t, 2001), newTestDest(t, 2002)
	c := NewForward("fwd", "forward", []*destination.Destination{d1, d2}, false)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	pending := c.Apply(ctx)
	require.Empty(t, pending)
	require.Equal(t, 1, d1.Q.Len())
	require.Equal(t, 1, d2.Q.Len())
}

func TestForwardClusterFileIPPrefixesSourceAddress(t *testing.T) {
	d1 := newTestDest(t, 2003)
	c := NewForward("f", "file-ip", []*destination.Destination{d1}, true)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100, SrcAddr: "10.0.0.1"}
	c.Apply(ctx)
	line, _ := d1.Q.Dequeue()
	require.Contains(t, string(line), "10.0.0.1")
}

func TestAnyOfClusterIsDeterministicForSameKey(t *testing.T) {
	d1, d2, d3 := newTestDest(t, 2004), newTestDest(t, 2005), newTestDest(t, 2006)
	c := NewAnyOf("ao", []*destination.Destination{d1, d2, d3})

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	c.Apply(ctx)
	c.Apply(ctx)

	total := d1.Q.Len() + d2.Q.Len() + d3.Q.Len()
	require.Equal(t, 2, total)
	onlyOneHasBoth := (d1.Q.Len() == 2) || (d2.Q.Len() == 2) || (d3.Q.Len() == 2)
	require.True(t, onlyOneHasBoth, "any_of must route the same key to the same server")
}

func TestFailoverClusterPrefersFirstHealthy(t *testing.T) {
	d1, d2 := newTestDest(t, 2007), newTestDest(t, 2008)
	c := NewFailover("fo", []*destination.Destination{d1, d2})

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	c.Apply(ctx)
	require.Equal(t, 1, d1.Q.Len())
	require.Equal(t, 0, d2.Q.Len())
}

func TestBlackholeClusterSetsFlag(t *testing.T) {
	c := NewBlackhole("bh")
	ctx := &Context{Name: []byte("sys.cpu")}
	pending := c.Apply(ctx)
	require.Nil(t, pending)
	require.True(t, ctx.Blackholed)
}

func TestRewriteClusterExpandsTemplate(t *testing.T) {
	c := NewRewrite("rw", `prefix.\1`)
	ctx := &Context{Name: []byte("sys.cpu"), Groups: []string{"sys.cpu", "cpu"}}
	c.Apply(ctx)
	require.Equal(t, "prefix.cpu", string(ctx.Name))
}

func TestValidationClusterDropsOnFailWhenConfigured(t *testing.T) {
	m, err := matcher.New(`^[0-9.]+ [0-9]+$`)
	require.NoError(t, err)
	c := NewValidation("v", m, true)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	c.Apply(ctx)
	require.False(t, ctx.ValidateFail)
	require.False(t, ctx.Dropped)

	bad := &Context{Name: []byte("sys.cpu"), Value: -1, Timestamp: 100}
	c.Apply(bad)
	require.True(t, bad.ValidateFail)
	require.True(t, bad.Dropped)
}

func TestValidationClusterLogsOnlyWhenNotConfiguredToDrop(t *testing.T) {
	m, err := matcher.New(`^nevermatches$`)
	require.NoError(t, err)
	c := NewValidation("v", m, false)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	c.Apply(ctx)
	require.True(t, ctx.ValidateFail)
	require.False(t, ctx.Dropped)
}

func TestGroupClusterDispatchesToMatchingRuleOnly(t *testing.T) {
	d1, d2 := newTestDest(t, 2009), newTestDest(t, 2010)
	mSys, _ := matcher.New("^sys.")
	mApp, _ := matcher.New("^app.")
	rules := []GroupRule{
		{Matcher: mSys, Dests: []Cluster{NewForward("a", "forward", []*destination.Destination{d1}, false)}},
		{Matcher: mApp, Dests: []Cluster{NewForward("b", "forward", []*destination.Destination{d2}, false)}},
	}
	g := NewGroup("g", rules)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	g.Apply(ctx)
	require.Equal(t, 1, d1.Q.Len())
	require.Equal(t, 0, d2.Q.Len())
}

func TestGroupClusterStopHaltsNestedEvaluation(t *testing.T) {
	d1, d2 := newTestDest(t, 2011), newTestDest(t, 2012)
	mAll1, _ := matcher.New("*")
	mAll2, _ := matcher.New("*")
	rules := []GroupRule{
		{Matcher: mAll1, Dests: []Cluster{NewForward("a", "forward", []*destination.Destination{d1}, false)}, Stop: true},
		{Matcher: mAll2, Dests: []Cluster{NewForward("b", "forward", []*destination.Destination{d2}, false)}},
	}
	g := NewGroup("g", rules)

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	g.Apply(ctx)
	require.Equal(t, 1, d1.Q.Len())
	require.Equal(t, 0, d2.Q.Len())
}

func TestStubClusterStripsPrefixAndRecurses(t *testing.T) {
	d1 := newTestDest(t, 2013)
	fwd := NewForward("f", "forward", []*destination.Destination{d1}, false)
	stub := NewStub("s", "_aggregator_stub_x__", []Cluster{fwd})

	ctx := &Context{Name: []byte("_aggregator_stub_x__sums.sys.cpu"), Value: 1, Timestamp: 100}
	stub.Apply(ctx)
	require.Equal(t, "sums.sys.cpu", string(ctx.Name))
	require.Equal(t, 1, d1.Q.Len())
}

func TestCHClusterRoutesDeterministically(t *testing.T) {
	// a minimal fake ring: always returns its single configured node.
	d := newTestDest(t, 2014)
	fr := &fakeRing{node: d}
	c := NewCH("ch", "fnv1a_ch", fr, 1, map[ring.Node]*destination.Destination{d: d}, "")

	ctx := &Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	c.Apply(ctx)
	require.Equal(t, 1, d.Q.Len())
}

// fakeRing always returns its single configured destination, for CHCluster
// tests that don't need a real consistent-hash ring.
type fakeRing struct{ node ring.Node }

func (r *fakeRing) GetNodes(metric []byte, replicas int) []ring.Node { return []ring.Node{r.node} }
func (r *fakeRing) Nodes() []ring.Node                               { return []ring.Node{r.node} }
