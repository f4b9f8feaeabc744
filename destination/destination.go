// Package destination implements the sender (spec C2): the task that owns
// one downstream server's connection, compression/TLS codec chain, bounded
// queue and secondary-offload list. One Destination exists per unique server
// descriptor (spec §3 "Server descriptor").
package destination

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/graphite-ng/carbon-relay-ng/codec"
	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
	"github.com/graphite-ng/carbon-relay-ng/queue"
)

// Proto identifies the transport protocol of a destination.
type Proto string

const (
	TCP  Proto = "tcp"
	UDP  Proto = "udp"
	Unix Proto = "unix"
)

const (
	failWaitTicks = 6 // FAIL_WAIT_TIME = 6 * failTickInterval
	failTickInterval = 250 * time.Millisecond
	idleCloseAfter   = 3 * time.Second
	maxWriteRetries  = 10
)

// Descriptor is the identity of a server: (address-family, canonical IP,
// port, protocol, optional instance label). Two descriptors are equal iff
// all fields match; this is the dedup key used when parsing config and when
// transplanting queues across a reload (spec §4.8).
type Descriptor struct {
	IPAddr   string
	Port     int
	Proto    Proto
	Instance string
}

func (d Descriptor) String() string {
	if d.Instance != "" {
		return fmt.Sprintf("%s:%d/%s=%s", d.IPAddr, d.Port, d.Proto, d.Instance)
	}
	return fmt.Sprintf("%s:%d/%s", d.IPAddr, d.Port, d.Proto)
}

// Config carries the per-destination settings parsed from a host clause
// (spec §6 grammar `host`).
type Config struct {
	Descriptor
	Resolvable  bool
	Codec       codec.Kind
	TLS         *tls.Config
	MTLS        bool
	BatchSize   int
	QueueSize   int
	MaxStalls   int
	IOTimeout   time.Duration
	SpoolDir    string // unused (persistence is a non-goal); kept for cfg round-trip
	SyslogFrame bool   // wrap each outgoing line in an RFC 5424 envelope, spec §6 "type syslog"
}

// Destination owns one server's connection and queue, matching the
// teacher's own naming (`route.Dests` in table/table.go held *destination.*
// values).
type Destination struct {
	Config

	Q *queue.Queue

	mu         sync.Mutex
	conn       net.Conn
	writer     interface {
		Write([]byte) (int, error)
		Close() error
	}
	secondaries []*Destination

	failure  int32 // saturating counter, >0 marks this destination "failed"
	stallseq int32

	sent     uint64
	dropped  uint64
	stalls   uint64
	wallTime uint64 // ticks alive, for observability

	keepRunning int32
	done        chan struct{}
	lastActive  time.Time

	resolveAddr func() (string, error)
}

// New constructs a Destination in the stopped state; call Run to start its
// sender task.
func New(cfg Config) *Destination {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.MaxStalls <= 0 {
		cfg.MaxStalls = 4
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 5 * time.Second
	}
	d := &Destination{
		Config:      cfg,
		Q:           queue.New(cfg.QueueSize),
		keepRunning: 1,
		done:        make(chan struct{}),
	}
	d.resolveAddr = func() (string, error) {
		return fmt.Sprintf("%s:%d", d.Config.IPAddr, d.Config.Port), nil
	}
	return d
}

// ring.Node implementation, so Destination can sit directly on a hash ring.
// These are declared directly on *Destination, which shadows the promoted
// Descriptor fields of the same name -- callers needing the raw fields use
// d.Config.IPAddr / d.Config.Port / d.Config.Instance instead.
func (d *Destination) IP() string       { return d.Config.IPAddr }
func (d *Destination) Port() int        { return d.Config.Port }
func (d *Destination) Instance() string { return d.Config.Instance }

// SetSecondaries configures the offload targets used when this destination
// is failed or near-full (spec §4.2 step 2). offloadOneBatch shuffles every
// secondary list, whichever cluster kind supplied it; the table's graph
// builder never calls this, so relay destinations have no secondaries.
func (d *Destination) SetSecondaries(secs []*Destination) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secondaries = secs
}

// Failed reports whether this destination currently has a nonzero failure
// count, the condition any_of/failover peers use for failure-aware
// selection.
func (d *Destination) Failed() bool {
	return atomic.LoadInt32(&d.failure) > 0
}

func (d *Destination) failedSince() bool {
	return atomic.LoadInt32(&d.failure) >= failWaitTicks
}

// Send enqueues p for delivery. force bypasses the stall/offload logic and
// always either enqueues or drops+counts, used by failover/non-retrying
// callers. It returns whether the line was accepted onto this destination's
// own queue (false means the caller may retry -- a stall, not a drop).
func (d *Destination) Send(p []byte, force bool) bool {
	if d.Q.Free() > 0 {
		d.Q.Enqueue(p)
		atomic.StoreInt32(&d.stallseq, 0)
		return true
	}

	d.mu.Lock()
	hasSecondaries := len(d.secondaries) > 0
	d.mu.Unlock()

	if force || !hasSecondaries || d.Failed() {
		d.Q.Enqueue(p) // drops oldest, counts via queue.Dropped
		atomic.StoreInt32(&d.stallseq, 0)
		return true
	}

	// stallseq is not reset here: once MaxStalls is reached, every further
	// send onto the full queue drops until an enqueue with room resets it.
	seq := atomic.AddInt32(&d.stallseq, 1)
	if int(seq) >= d.MaxStalls {
		d.Q.Enqueue(p) // drops oldest, counts via queue.Dropped
		return true
	}
	atomic.AddUint64(&d.stalls, 1)
	return false
}

// Stats returns the observable counters (spec §3 "mutable per-server
// counters").
type Stats struct {
	Sent, Dropped, Stalls, WallTimeTicks uint64
	QueueLen, QueueCap                  int
	Failed                              bool
}

func (d *Destination) Stats() Stats {
	return Stats{
		Sent:          atomic.LoadUint64(&d.sent),
		Dropped:       atomic.LoadUint64(&d.dropped) + d.Q.Dropped(),
		Stalls:        atomic.LoadUint64(&d.stalls),
		WallTimeTicks: atomic.LoadUint64(&d.wallTime),
		QueueLen:      d.Q.Len(),
		QueueCap:      d.Q.Cap(),
		Failed:        d.Failed(),
	}
}

// Shutdown signals the run loop to drain and exit, then blocks until it has.
func (d *Destination) Shutdown() error {
	atomic.StoreInt32(&d.keepRunning, 0)
	<-d.done
	return nil
}

func (d *Destination) running() bool {
	return atomic.LoadInt32(&d.keepRunning) != 0
}

// Run is the sender's task loop (spec §4.2 "Run loop"): idle/offload/
// connect/send-batch/recovery, repeated until shutdown, at which point it
// drains whatever remains in the queue before exiting.
func (d *Destination) Run() {
	defer close(d.done)
	bo := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond, Jitter: true}

	for {
		if !d.running() && d.Q.Len() == 0 {
			d.closeConn()
			return
		}

		if d.Q.Len() == 0 {
			if !d.running() {
				d.closeConn()
				return
			}
			d.idleTick()
			continue
		}

		if d.shouldOffload() {
			d.offloadOneBatch()
			continue
		}

		if err := d.ensureConnected(); err != nil {
			logger.Warn("destination %s: connect failed: %v", d.Descriptor, err)
			atomic.AddInt32(&d.failure, 1)
			if f := atomic.LoadInt32(&d.failure); f > failWaitTicks {
				atomic.StoreInt32(&d.failure, failWaitTicks)
			}
			time.Sleep(bo.Duration())
			continue
		}
		bo.Reset()

		batch := d.Q.DequeueVector(d.BatchSize)
		if len(batch) == 0 {
			continue
		}
		d.sendBatch(batch)
	}
}

func (d *Destination) idleTick() {
	d.mu.Lock()
	idleFor := time.Since(d.lastActive)
	d.mu.Unlock()
	if d.conn != nil && idleFor > idleCloseAfter && d.Proto == TCP {
		d.closeConn()
	}
	time.Sleep(250 * time.Millisecond)
}

// shouldOffload implements spec §4.2 step 2: offload when failed >= 1.5s,
// or the queue is near-full on a non-failover any-of cluster (signalled by
// the presence of secondaries combined with a near-full queue; failover
// callers never populate secondaries for offload purposes per spec §9).
func (d *Destination) shouldOffload() bool {
	d.mu.Lock()
	hasSecondaries := len(d.secondaries) > 0
	d.mu.Unlock()
	if !hasSecondaries {
		return false
	}
	nearFull := d.Q.Free() <= d.Q.Cap()/10
	return d.failedSince() || nearFull
}

func (d *Destination) offloadOneBatch() {
	batch := d.Q.DequeueVector(d.BatchSize)
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	secs := append([]*Destination(nil), d.secondaries...)
	d.mu.Unlock()

	// shuffle to avoid biasing the first survivor; every secondary list is
	// shuffled, with no distinction between any_of and failover peers
	rand.Shuffle(len(secs), func(i, j int) { secs[i], secs[j] = secs[j], secs[i] })

	for _, p := range batch {
		delivered := false
		for _, s := range secs {
			if s.Send(p, false) {
				delivered = true
				break
			}
		}
		if !delivered {
			atomic.AddUint64(&d.dropped, 1)
		}
	}
}

func (d *Destination) ensureConnected() error {
	d.mu.Lock()
	haveConn := d.conn != nil
	d.mu.Unlock()
	if haveConn {
		return nil
	}

	addr, err := d.resolveAddr()
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: d.IOTimeout + jitter(100*time.Millisecond)}
	var conn net.Conn
	if d.TLS != nil {
		conn, err = tls.DialWithDialer(dialer, string(d.Proto), addr, d.TLS)
	} else {
		conn, err = dialer.Dial(string(d.Proto), addr)
	}
	if err != nil {
		return err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		setTCPUserTimeout(tc, 10*time.Second)
	}

	w, err := codec.NewWriter(d.Codec, conn)
	if err != nil {
		conn.Close()
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.writer = w
	d.lastActive = time.Now()
	d.mu.Unlock()
	return nil
}

func jitter(base time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(base) * 2))
	return delta - base
}

func (d *Destination) closeConn() {
	d.mu.Lock()
	conn, w := d.conn, d.writer
	d.conn, d.writer = nil, nil
	d.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// sendBatch writes a batch to the wire, retrying partial writes up to
// maxWriteRetries times with jitter, matching spec §4.2 step 4. On failure
// the connection is closed, failure incremented, and the remaining entries
// are put back (or dropped if putback is full).
func (d *Destination) sendBatch(batch [][]byte) {
	d.mu.Lock()
	w := d.writer
	d.mu.Unlock()
	if w == nil {
		d.Q.PutbackVector(batch)
		return
	}

	wasFailed := atomic.LoadInt32(&d.failure) > 0

	for i, line := range batch {
		if d.SyslogFrame {
			line = frameSyslog(line)
		}
		if !d.writeWithRetry(w, line) {
			d.closeConn()
			atomic.AddInt32(&d.failure, 1)
			d.Q.PutbackVector(batch[i:]) // counts its own drops via queue.Dropped
			return
		}
		atomic.AddUint64(&d.sent, 1)
	}

	if wasFailed {
		atomic.StoreInt32(&d.failure, 0)
		if d.Proto == TCP {
			logger.Notice("destination %s: recovered, resuming delivery", d.Descriptor)
		}
	}
	d.mu.Lock()
	d.lastActive = time.Now()
	d.mu.Unlock()
}

func (d *Destination) writeWithRetry(w interface {
	Write([]byte) (int, error)
}, line []byte) bool {
	remaining := line
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		n, err := w.Write(remaining)
		if err == nil {
			return true
		}
		if n > 0 {
			remaining = remaining[n:]
		}
		time.Sleep(50*time.Millisecond + jitter(75*time.Millisecond))
	}
	return false
}
