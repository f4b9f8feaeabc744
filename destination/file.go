package destination

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
)

// FileDestination is the `file` / `file-ip` destination kind (original
// server.c file-mode path, SPEC_FULL.md supplemented feature #1): it writes
// matched lines to a local file instead of a socket. Unlike Destination, a
// file has no connect/retry cycle or queue of its own -- opening it either
// succeeds at construction or the relay refuses to start, and writes are
// append-only and synchronous, so there is no backpressure/stall concept to
// propagate to the dispatcher.
type FileDestination struct {
	path   string
	fileIP bool

	mu sync.Mutex
	f  *os.File

	sent    uint64
	dropped uint64
}

// NewFile opens path for appending (creating it if needed) and returns a
// FileDestination, or an error if the file cannot be opened -- a config
// reload treats this the same as any other fatal reference error (spec §7
// "Config parse error on reload").
func NewFile(path string, fileIP bool) (*FileDestination, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("destination: opening file %q: %w", path, err)
	}
	return &FileDestination{path: path, fileIP: fileIP, f: f}, nil
}

// Path returns the destination's file path, used as the dedup key across
// reloads (spec §4.8 queue transplant has no analogue here: files are
// reopened, not transplanted, since they hold no in-flight queue).
func (fd *FileDestination) Path() string { return fd.path }

// Write appends line to the file, prefixing it with srcAddr when the
// destination is `file-ip`. It never blocks on a remote peer, so failures
// are logged and counted rather than retried.
func (fd *FileDestination) Write(srcAddr string, line []byte) {
	out := line
	if fd.fileIP {
		out = append([]byte(srcAddr+" "), line...)
	}

	fd.mu.Lock()
	_, err := fd.f.Write(out)
	fd.mu.Unlock()

	if err != nil {
		atomic.AddUint64(&fd.dropped, 1)
		logger.Warn("destination: write to file %q: %v", fd.path, err)
		return
	}
	atomic.AddUint64(&fd.sent, 1)
}

// Stats mirrors Destination.Stats's shape for admin/Print commands.
func (fd *FileDestination) Stats() Stats {
	return Stats{
		Sent:    atomic.LoadUint64(&fd.sent),
		Dropped: atomic.LoadUint64(&fd.dropped),
	}
}

// Shutdown closes the underlying file.
func (fd *FileDestination) Shutdown() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.f.Close()
}
