package destination

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDestinationWritesAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	fd, err := NewFile(path, false)
	require.NoError(t, err)

	fd.Write("10.0.0.1:1234", []byte("metric 1 100\n"))
	fd.Write("10.0.0.1:1234", []byte("metric 2 101\n"))
	require.NoError(t, fd.Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "metric 1 100\nmetric 2 101\n", string(data))
	require.Equal(t, uint64(2), fd.Stats().Sent)
}

func TestFileDestinationFileIPPrefixesSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	fd, err := NewFile(path, true)
	require.NoError(t, err)

	fd.Write("10.0.0.1:1234", []byte("metric 1 100\n"))
	require.NoError(t, fd.Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:1234 metric 1 100\n", string(data))
}

func TestNewFileErrorsOnUnwritablePath(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "nonexistent-dir", "out.txt"), false)
	require.Error(t, err)
}
