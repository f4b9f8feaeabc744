package table

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphite-ng/carbon-relay-ng/cfg"
	"github.com/graphite-ng/carbon-relay-ng/cluster"
)

func fileConfig(t *testing.T, clusterName, path, pattern string) *cfg.Config {
	t.Helper()
	return &cfg.Config{
		Clusters: []cfg.Cluster{
			{Name: clusterName, Kind: "file", Hosts: []cfg.Host{{Addr: path}}},
		},
		Matches: []cfg.Match{
			{Patterns: []string{pattern}, SendTo: []string{clusterName}},
		},
	}
}

func TestInitFromConfigRoutesMatchingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path, "sys\\.cpu")))
	t.Cleanup(tbl.Shutdown)

	rt := tbl.CurrentRouteTable()
	require.Len(t, rt.Routes(), 1)

	ctx := &cluster.Context{Name: []byte("sys.cpu"), Value: 1, Timestamp: 100}
	require.Empty(t, rt.Dispatch(ctx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "sys.cpu 1 100")
}

func TestReloadNoOpOnIdenticalConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	c := fileConfig(t, "tofile", path, "sys\\.cpu")
	require.NoError(t, tbl.InitFromConfig(c))
	t.Cleanup(tbl.Shutdown)

	before := tbl.CurrentRouteTable()
	require.NoError(t, tbl.Reload(c))
	after := tbl.CurrentRouteTable()
	require.Same(t, before, after, "structurally identical reload must not replace the published graph")
}

func TestReloadReplacesGraphOnChange(t *testing.T) {
	path1 := filepath.Join(t.TempDir(), "out1.txt")
	path2 := filepath.Join(t.TempDir(), "out2.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path1, "sys\\.cpu")))
	t.Cleanup(tbl.Shutdown)

	before := tbl.CurrentRouteTable()
	require.NoError(t, tbl.Reload(fileConfig(t, "tofile", path2, "sys\\.mem")))
	after := tbl.CurrentRouteTable()
	require.NotSame(t, before, after)
}

func TestReloadShutsDownStaleFileDestination(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "out1.txt")
	path2 := filepath.Join(dir, "out2.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path1, "sys\\.cpu")))
	t.Cleanup(tbl.Shutdown)
	oldG, _ := tbl.current.Load().(*graph)
	require.NotNil(t, oldG)
	require.Len(t, oldG.fileDestinations, 1)

	require.NoError(t, tbl.Reload(fileConfig(t, "tofile", path2, "sys\\.cpu")))

	g, _ := tbl.current.Load().(*graph)
	require.NotNil(t, g)
	require.Len(t, g.destinations, 0, "file clusters never populate the destinations map")
	require.Error(t, oldG.fileDestinations[0].Shutdown(), "the stale file destination was already closed by Reload")
}

func TestAddRouteDelRouteBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path, "sys\\.cpu")))
	t.Cleanup(tbl.Shutdown)

	require.NoError(t, tbl.AddRoute("extra", "sys\\.mem", []string{"tofile"}, false))
	require.Len(t, tbl.CurrentRouteTable().Routes(), 2)

	require.NoError(t, tbl.DelRoute("extra"))
	require.Len(t, tbl.CurrentRouteTable().Routes(), 1)

	require.NoError(t, tbl.Block("bad\\.metric"))
	routes := tbl.CurrentRouteTable().Routes()
	require.Len(t, routes, 2)
	require.Equal(t, "block:bad\\.metric", routes[0].Key(), "block routes are inserted at the front of the table")
}

func TestAddRouteUnknownDestinationErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path, "sys\\.cpu")))
	t.Cleanup(tbl.Shutdown)

	err := tbl.AddRoute("extra", "sys\\.mem", []string{"nope"}, false)
	require.Error(t, err)
}

func TestShutdownDrainsWithoutDeadlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path, "sys\\.cpu")))

	done := make(chan struct{})
	go func() {
		tbl.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestFileClusterActuallyWritesThroughReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	tbl := New(Defaults{})
	require.NoError(t, tbl.InitFromConfig(fileConfig(t, "tofile", path, "sys\\..*")))
	t.Cleanup(tbl.Shutdown)
	require.NoError(t, tbl.Reload(fileConfig(t, "tofile", path, "sys\\.c.*")))

	ctx := &cluster.Context{Name: []byte("sys.cpu"), Value: 42, Timestamp: 100}
	pending := tbl.CurrentRouteTable().Dispatch(ctx)
	require.Empty(t, pending)
	require.False(t, ctx.Dropped)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "sys.cpu 42 100")
}
