package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const mainDoc = `
include = ["extra.toml"]

[[cluster]]
name = "X"
kind = "carbon_ch"
replication = 2

  [[cluster.host]]
  addr = "10.0.0.1:2003"

  [[cluster.host]]
  addr = "10.0.0.2:2003"
  transport = "lz4"

[[match]]
pattern = ["^prod\\."]
send_to = ["X"]
stop = true

  [match.validate]
  pattern = "^[a-z.]+$"
  else = "drop"

[[rewrite]]
pattern = "^prod\\.([^.]+)\\.(.*)$"
into = "apps.\\1.\\2"

[[aggregate]]
pattern = ["^stats\\."]
every_seconds = 10
expire_after_seconds = 30
send_to = ["X"]

  [[aggregate.compute]]
  fn = "sum"
  write_to = "sums.\\0"

[statistics]
submit_every_seconds = 60
prefix = "stats."

[[listen]]
type = "linemode"
addr = "0.0.0.0:2003"
proto = "tcp"
`

const extraDoc = `
[[listen]]
type = "linemode"
addr = "0.0.0.0:2004"
proto = "udp"
`

func writeDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.toml"), []byte(mainDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.toml"), []byte(extraDoc), 0o644))
	return filepath.Join(dir, "main.toml")
}

func TestLoadDecodesAllStatementKinds(t *testing.T) {
	path := writeDocs(t)
	c, err := Load(path)
	require.NoError(t, err)

	require.Len(t, c.Clusters, 1)
	require.Equal(t, "X", c.Clusters[0].Name)
	require.Equal(t, "carbon_ch", c.Clusters[0].Kind)
	require.Equal(t, 2, c.Clusters[0].Replication)
	require.Len(t, c.Clusters[0].Hosts, 2)
	require.Equal(t, "lz4", c.Clusters[0].Hosts[1].Transport)

	require.Len(t, c.Matches, 1)
	require.Equal(t, []string{"^prod\\."}, c.Matches[0].Patterns)
	require.True(t, c.Matches[0].Stop)
	require.NotNil(t, c.Matches[0].Validate)
	require.Equal(t, "drop", c.Matches[0].Validate.Else)

	require.Len(t, c.Rewrites, 1)
	require.Equal(t, "apps.\\1.\\2", c.Rewrites[0].Replacement)

	require.Len(t, c.Aggregates, 1)
	require.Equal(t, 10, c.Aggregates[0].EverySeconds)
	require.Len(t, c.Aggregates[0].Computes, 1)
	require.Equal(t, "sum", c.Aggregates[0].Computes[0].Fn)

	require.NotNil(t, c.Statistics)
	require.Equal(t, 60, c.Statistics.SubmitEverySeconds)

	require.Len(t, c.Listeners, 2) // one from main.toml, one merged from extra.toml's include
}

func TestLoadRejectsCircularInclude(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.toml")
	b := filepath.Join(dir, "b.toml")
	require.NoError(t, os.WriteFile(a, []byte(`include = ["b.toml"]`), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(`include = ["a.toml"]`), 0o644))

	_, err := Load(a)
	require.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
