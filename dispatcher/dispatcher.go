// Package dispatcher implements spec C6: the listener/worker tasks that
// accept ingress connections, parse and sanitise Graphite plaintext lines,
// and hand each one to a route.Table. Go's goroutine scheduler replaces the
// original poll()+semaphore listener/worker split: Listener.Run accepts
// connections and hands each to a bounded pool of worker goroutines, which
// is the idiomatic equivalent of "N workers claim an idle connection" --
// each worker services one connection to completion (EOF or idle timeout)
// instead of polling a shared connection array.
package dispatcher

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/codec"
	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
	"github.com/graphite-ng/carbon-relay-ng/route"
	"github.com/graphite-ng/carbon-relay-ng/stats"
)

const (
	maxLineLen   = 32 * 1024 // spec §6 "Ingress wire format", default line-length limit
	readBufSize  = 32 * 1024
	idleTimeout  = 10 * time.Minute
)

// Config carries a listener's settings (spec §6 grammar `listen`).
type Config struct {
	Addr       string
	Proto      string // "tcp", "udp", "unix"
	Codec      codec.Kind
	Syslog     bool // not read by the dispatcher; syslog framing is an egress transform in destination/syslog.go
	NameLimit  int
	LineLimit  int
	AllowedSet map[byte]bool // extra bytes, beyond [A-Za-z0-9], passed through in metric names
	Backlog    int
}

// TableSource returns the currently active route table; Listener calls this
// once per line, letting the router/reload coordinator swap tables without
// the dispatcher needing to know about reload at all (spec §4.8).
type TableSource func() *route.Table

// StatsSource returns the currently active generation's self-statistics
// counters, or nil if no `statistics` block is configured. Listener calls
// this once per line so dispatch outcomes (accepted, discarded, dropped,
// blackholed, validate-failed, stalled) are counted against the graph that
// is live at the moment the line is handled, surviving reloads the same way
// TableSource does.
type StatsSource func() *stats.Counters

// Listener owns one listening socket and a pool of worker goroutines
// serving accepted connections.
type Listener struct {
	cfg     Config
	table   TableSource
	stats   StatsSource
	workers int

	mu       sync.Mutex
	ln       net.Listener
	pconn    net.PacketConn
	conns    map[*Conn]struct{}
	stopped  int32
	connCh   chan net.Conn
	wg       sync.WaitGroup
}

// NewListener constructs a Listener with the given worker-pool size
// (spec §5 "Task classes": N workers, default = online cores). statsSrc may
// be nil, in which case dispatch outcomes are simply not counted.
func NewListener(cfg Config, table TableSource, statsSrc StatsSource, workers int) *Listener {
	if workers <= 0 {
		workers = 1
	}
	if statsSrc == nil {
		statsSrc = func() *stats.Counters { return nil }
	}
	return &Listener{
		cfg:     cfg,
		table:   table,
		stats:   statsSrc,
		workers: workers,
		conns:   make(map[*Conn]struct{}),
		connCh:  make(chan net.Conn, workers*4),
	}
}

// Run starts accepting connections and blocks until Shutdown is called or a
// fatal accept error occurs. It is meant to run in its own goroutine.
func (l *Listener) Run() error {
	if l.cfg.Proto == "udp" {
		// UDP is connectionless: a single pinned-open Conn services the
		// packet socket directly, so the stream worker pool doesn't apply.
		return l.runUDP()
	}

	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l.runStream()
}

func (l *Listener) runStream() error {
	ln, err := net.Listen(l.cfg.Proto, l.cfg.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&l.stopped) != 0 {
				close(l.connCh)
				l.wg.Wait()
				return nil
			}
			logger.Warn("dispatcher: accept on %s: %v", l.cfg.Addr, err)
			continue
		}
		l.connCh <- conn
	}
}

func (l *Listener) runUDP() error {
	pconn, err := net.ListenPacket("udp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.pconn = pconn
	l.mu.Unlock()

	// UDP is connectionless and pinned open (spec §4.6 "Idle disconnect"):
	// one Conn wraps the packet socket for the listener's whole lifetime.
	c := newConn(packetReader{pconn}, l.cfg, l.table, l.stats, true)
	l.trackConn(c)
	c.serve()
	return nil
}

func (l *Listener) worker() {
	defer l.wg.Done()
	for conn := range l.connCh {
		rd, err := newStreamReader(conn, l.cfg.Codec)
		if err != nil {
			logger.Warn("dispatcher: codec init on %s: %v", l.cfg.Addr, err)
			conn.Close()
			continue
		}
		c := newConn(rd, l.cfg, l.table, l.stats, false)
		l.trackConn(c)
		c.serve()
		l.untrackConn(c)
	}
}

func (l *Listener) trackConn(c *Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrackConn(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Shutdown stops accepting new connections and closes every live one,
// letting in-flight lines finish dispatching (spec §5 "Cancellation").
func (l *Listener) Shutdown() {
	atomic.StoreInt32(&l.stopped, 1)
	l.mu.Lock()
	if l.ln != nil {
		l.ln.Close()
	}
	if l.pconn != nil {
		l.pconn.Close()
	}
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// FeedPending is the exported form of feedPending, reused by the
// router/reload coordinator (C8) to redeliver aggregator and statistics
// feedback-pipe lines through the currently active route table. counters
// may be nil.
func FeedPending(pending []cluster.PendingSend, counters *stats.Counters) {
	feedPending(pending, counters)
}

// feedPending implements the backpressure loop (spec §4.6): retry stalled
// sends on a per-connection deadline randomised between 250 and 1000 ms;
// a deadline miss forces the send (accepting the drop per §4.2). Every line
// that needed at least one retry counts once against counters.Stalls.
func feedPending(pending []cluster.PendingSend, counters *stats.Counters) {
	if len(pending) == 0 {
		return
	}
	if counters != nil {
		counters.Stalls.Inc(1)
	}
	deadline := time.Now().Add(250*time.Millisecond + jitter(750*time.Millisecond))
	for len(pending) > 0 && time.Now().Before(deadline) {
		remaining := pending[:0]
		for _, p := range pending {
			if p.Dest.Send(p.Line, false) {
				continue
			}
			remaining = append(remaining, p)
		}
		pending = remaining
		if len(pending) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	for _, p := range pending {
		p.Dest.Send(p.Line, true) // force: enqueue-or-drop, deadline missed
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
