package dispatcher

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/codec"
	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
	"github.com/graphite-ng/carbon-relay-ng/stats"
)

// reader abstracts the stream-vs-packet read difference: a stream
// connection's remote address is fixed for its lifetime and its bytes may
// pass through a decompressing codec; a packet connection's address varies
// per datagram and is never compressed (spec §6 "Transports").
type reader interface {
	Read(buf []byte) (n int, srcAddr string, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// streamReader wraps a net.Conn, decompressing through the configured
// codec (spec §4.2 step 3 / §6) before lines are parsed.
type streamReader struct {
	net.Conn
	decompressed io.Reader
	remoteAddr   string
}

func newStreamReader(conn net.Conn, kind codec.Kind) (*streamReader, error) {
	dr, err := codec.NewReader(kind, conn)
	if err != nil {
		return nil, err
	}
	return &streamReader{Conn: conn, decompressed: dr, remoteAddr: conn.RemoteAddr().String()}, nil
}

func (s *streamReader) Read(buf []byte) (int, string, error) {
	n, err := s.decompressed.Read(buf)
	return n, s.remoteAddr, err
}

type packetReader struct{ net.PacketConn }

func (p packetReader) Read(buf []byte) (int, string, error) {
	n, addr, err := p.PacketConn.ReadFrom(buf)
	src := ""
	if addr != nil {
		src = addr.String()
	}
	return n, src, err
}
func (p packetReader) SetReadDeadline(t time.Time) error { return p.PacketConn.SetDeadline(t) }

// Conn is one accepted connection's dispatch state (spec §4.6
// "Per-connection state"), serviced start-to-finish by a single worker
// goroutine -- so its fields need no internal locking of their own.
type Conn struct {
	rd       reader
	cfg      Config
	table    TableSource
	stats    StatsSource
	noexpire bool // UDP and aggregator-feedback connections are pinned open

	buf     []byte
	pending int // bytes currently valid in buf[0:pending]

	discards uint64
	accepted uint64
}

func newConn(rd reader, cfg Config, table TableSource, statsSrc StatsSource, noexpire bool) *Conn {
	if statsSrc == nil {
		statsSrc = func() *stats.Counters { return nil }
	}
	return &Conn{
		rd:       rd,
		cfg:      cfg,
		table:    table,
		stats:    statsSrc,
		noexpire: noexpire,
		buf:      make([]byte, readBufSize),
	}
}

func (c *Conn) close() { c.rd.Close() }

// serve reads until EOF, idle timeout, or a read error, scanning each chunk
// for newline-terminated lines and dispatching each (spec §4.6 "Parsing and
// sanitisation").
func (c *Conn) serve() {
	defer c.rd.Close()
	for {
		if !c.noexpire {
			if err := c.rd.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				return
			}
		}

		if c.pending >= len(c.buf) {
			// line (or garbage) exceeds the read buffer with no newline --
			// discard what we have and resynchronise on the next newline.
			logger.Warn("dispatcher: read buffer full with no newline, discarding")
			atomic.AddUint64(&c.discards, 1)
			if counters := c.stats(); counters != nil {
				counters.Discards.Inc(1)
			}
			c.pending = 0
		}

		n, srcAddr, err := c.rd.Read(c.buf[c.pending:])
		if n > 0 {
			c.pending += n
			c.drainLines(srcAddr)
		}
		if err != nil {
			return
		}
	}
}

// drainLines extracts every newline-terminated line currently in the
// buffer, dispatches it, and compacts any trailing partial line to the
// front of the buffer for the next read.
func (c *Conn) drainLines(srcAddr string) {
	start := 0
	for {
		idx := bytes.IndexAny(c.buf[start:c.pending], "\n\r")
		if idx < 0 {
			break
		}
		line := c.buf[start : start+idx]
		c.handleLine(line, srcAddr)
		start += idx + 1
	}
	remaining := c.pending - start
	if remaining > 0 {
		copy(c.buf, c.buf[start:c.pending])
	}
	c.pending = remaining
}

func (c *Conn) handleLine(line []byte, srcAddr string) {
	counters := c.stats()

	if len(line) == 0 {
		return
	}
	limit := c.cfg.LineLimit
	if limit <= 0 {
		limit = maxLineLen
	}
	if len(line) > limit {
		atomic.AddUint64(&c.discards, 1)
		if counters != nil {
			counters.Discards.Inc(1)
		}
		return
	}

	name, value, ts, ok := parseLine(line, c.cfg)
	if !ok {
		atomic.AddUint64(&c.discards, 1)
		if counters != nil {
			counters.Discards.Inc(1)
		}
		return
	}

	atomic.AddUint64(&c.accepted, 1)
	if counters != nil {
		counters.Accepted.Inc(1)
	}
	ctx := &cluster.Context{Name: name, Value: value, Timestamp: ts, SrcAddr: srcAddr}
	table := c.table()
	if table == nil {
		return
	}
	pending := table.Dispatch(ctx)
	countOutcome(counters, ctx)
	feedPending(pending, counters)
}

// countOutcome tallies a dispatched line's terminal classification against
// counters (spec §3 invariant: accepted = sent+dropped+blackholed+
// aggregated). counters may be nil.
func countOutcome(counters *stats.Counters, ctx *cluster.Context) {
	if counters == nil {
		return
	}
	if ctx.ValidateFail {
		counters.ValidateFail.Inc(1)
	}
	if ctx.Blackholed {
		counters.Blackholed.Inc(1)
	}
	if ctx.Dropped {
		counters.Dropped.Inc(1)
	}
}

// ParseLine is the exported form of parseLine, with no name-length limit or
// allowed-byte extensions: it is used by the router/reload coordinator to
// re-parse feedback-pipe lines (aggregator and statistics output). The name
// is still sanitised, with only the default allowed characters.
func ParseLine(line []byte) (name []byte, value float64, ts int64, ok bool) {
	return parseLine(line, Config{})
}

// parseLine implements spec §4.6's sanitisation pass: split name from
// value/timestamp, canonicalise the name, and parse the trailing fields.
func parseLine(line []byte, cfg Config) (name []byte, value float64, ts int64, ok bool) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return nil, 0, 0, false
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return nil, 0, 0, false
	}

	rawName := line[:sp1]
	valueField := rest[:sp2]
	tsField := bytes.TrimSpace(rest[sp2+1:])

	if cfg.NameLimit > 0 && len(rawName) > cfg.NameLimit {
		return nil, 0, 0, false
	}

	v, err := strconv.ParseFloat(string(valueField), 64)
	if err != nil {
		return nil, 0, 0, false
	}
	epoch, err := strconv.ParseInt(string(tsField), 10, 64)
	if err != nil {
		return nil, 0, 0, false
	}

	return sanitizeName(rawName, cfg.AllowedSet), v, epoch, true
}

// sanitizeName canonicalises the metric name portion (spec §4.6): tabs
// become spaces, then `.`/` `/tab collapse to a single `.`; leading
// separators are stripped; consecutive duplicates collapse; any byte
// outside [A-Za-z0-9] plus the configured allow-set becomes `_`. A `;` not
// in the allow-set switches to tag mode, passing the remainder through
// verbatim.
func sanitizeName(name []byte, allowed map[byte]bool) []byte {
	out := make([]byte, 0, len(name))
	lastWasSep := true // strips leading separators
	tagMode := false

	for _, b := range name {
		if tagMode {
			out = append(out, b)
			continue
		}
		if b == ';' && !allowed[';'] {
			tagMode = true
			out = append(out, b)
			continue
		}
		if b == '\t' {
			b = ' '
		}
		if b == '.' || b == ' ' {
			if lastWasSep {
				continue
			}
			out = append(out, '.')
			lastWasSep = true
			continue
		}
		lastWasSep = false
		if isAlnum(b) || allowed[b] {
			out = append(out, b)
			continue
		}
		out = append(out, '_')
	}
	return out
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
