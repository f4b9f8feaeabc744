// Command carbon-relay-ng is the relay's process entrypoint: it loads a
// TOML configuration, starts one dispatcher.Listener per `listen` block,
// and wires signals to the router/reload coordinator (SIGHUP reloads,
// SIGINT/SIGTERM/SIGQUIT drain and exit).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphite-ng/carbon-relay-ng/cfg"
	"github.com/graphite-ng/carbon-relay-ng/codec"
	"github.com/graphite-ng/carbon-relay-ng/dispatcher"
	"github.com/graphite-ng/carbon-relay-ng/pkg/logger"
	"github.com/graphite-ng/carbon-relay-ng/table"
)

const defaultVersion = "carbon-relay-ng (unreleased)"

func main() {
	var (
		configFile  = flag.String("f", "", "read `config` for clusters and routes")
		listenPort  = flag.Int("p", 2003, "listen on `port` for connections")
		listenIface = flag.String("i", "", "listen on `interface` for connections, defaults to all")
		logFile     = flag.String("l", "", "write output to `file`, defaults to stderr")
		workers     = flag.Int("w", runtime.NumCPU(), "use `workers` worker threads")
		batchSize   = flag.Int("b", 100, "server send batch `size`")
		queueSize   = flag.Int("q", 10000, "server queue `size`")
		maxStalls   = flag.Int("L", 4, "server max `stalls`")
		statsEvery  = flag.Int("S", 60, "statistics sending interval in `seconds`")
		backlog     = flag.Int("B", 32, "connection listen `backlog`")
		ioTimeoutMs = flag.Int("T", 2000, "IO `timeout` in milliseconds for server connections")
		allowedStr  = flag.String("c", "-_:#", "`characters` to allow next to [A-Za-z0-9]")
		hostname    = flag.String("H", "", "override `hostname` used in statistics")
		daemonise   = flag.Bool("D", false, "daemonise flag; the process does not detach and keeps running in the foreground")
		pidfile     = flag.String("P", "", "write a pid to the given `pidfile`")
		testMode    = flag.Bool("t", false, "config test mode: load the config, print each stdin line as parsed (routes are not evaluated) and exit")
		printVer    = flag.Bool("v", false, "print version and exit")
	)
	flag.Parse()

	if *printVer {
		fmt.Println(defaultVersion)
		return
	}

	log := logrus.New()
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("carbon-relay-ng: opening log file %q: %v", *logFile, err)
		}
		log.SetOutput(f)
		logger.SetOutput(f)
	}

	if *configFile == "" {
		log.Fatal("carbon-relay-ng: -f <config> is required")
	}
	if *daemonise && *logFile == "" {
		log.Fatal("carbon-relay-ng: you must specify -l <logfile> if you want daemonisation")
	}
	if *daemonise && *testMode {
		log.Fatal("carbon-relay-ng: you cannot use -t test mode with -D daemonisation")
	}

	if *pidfile != "" {
		if err := os.WriteFile(*pidfile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			log.Fatalf("carbon-relay-ng: writing pidfile %q: %v", *pidfile, err)
		}
		defer os.Remove(*pidfile)
	}

	c, err := cfg.Load(*configFile)
	if err != nil {
		log.Fatalf("carbon-relay-ng: loading %s: %v", *configFile, err)
	}
	applyCLIOverrides(c, *listenPort, *listenIface)
	applyHostname(c, *hostname)

	tbl := table.New(table.Defaults{
		BatchSize:     *batchSize,
		QueueSize:     *queueSize,
		MaxStalls:     *maxStalls,
		IOTimeout:     time.Duration(*ioTimeoutMs) * time.Millisecond,
		StatsInterval: time.Duration(*statsEvery) * time.Second,
	})
	if err := tbl.InitFromConfig(c); err != nil {
		log.Fatalf("carbon-relay-ng: building route table from %s: %v", *configFile, err)
	}
	log.WithField("config", *configFile).Info("carbon-relay-ng: route table loaded")

	if *testMode {
		runTestMode(tbl)
		return
	}

	allowed := allowedSet(*allowedStr)
	listeners := startListeners(c, tbl, *workers, *backlog, allowed)

	log.WithFields(logrus.Fields{
		"listeners":  len(listeners),
		"workers":    *workers,
		"batch_size": *batchSize,
		"queue_size": *queueSize,
		"max_stalls": *maxStalls,
		"stats_every_s": *statsEvery,
	}).Info("carbon-relay-ng: started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Ignore(syscall.SIGPIPE)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			log.Info("carbon-relay-ng: received SIGHUP, reloading")
			reloaded, err := cfg.Load(*configFile)
			if err != nil {
				log.WithError(err).Error("carbon-relay-ng: reload: loading config")
				continue
			}
			applyCLIOverrides(reloaded, *listenPort, *listenIface)
			applyHostname(reloaded, *hostname)
			if err := tbl.Reload(reloaded); err != nil {
				log.WithError(err).Error("carbon-relay-ng: reload failed")
				continue
			}
			log.Info("carbon-relay-ng: reload complete")
		default:
			log.WithField("signal", sig).Info("carbon-relay-ng: shutting down")
			for _, l := range listeners {
				l.Shutdown()
			}
			tbl.Shutdown()
			return
		}
	}
}

// applyCLIOverrides fills in a config's single default listener when none is
// declared, using the -p/-i flags (spec §6 grammar allows `listen` to be
// entirely absent, relying on CLI flags for the simple single-listener
// case carbon-c-relay itself defaults to).
func applyCLIOverrides(c *cfg.Config, port int, iface string) {
	if len(c.Listeners) > 0 {
		return
	}
	c.Listeners = []cfg.Listen{{
		Addr:  fmt.Sprintf("%s:%d", iface, port),
		Proto: "tcp",
	}}
}

// applyHostname substitutes the literal token %host% in the statistics
// prefix with name, or the process's own hostname if name is empty
// (-H flag, spec §6 statistics prefix).
func applyHostname(c *cfg.Config, name string) {
	if c.Statistics == nil || !strings.Contains(c.Statistics.Prefix, "%host%") {
		return
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	c.Statistics.Prefix = strings.ReplaceAll(c.Statistics.Prefix, "%host%", name)
}

func startListeners(c *cfg.Config, tbl *table.Table, workers, backlog int, allowed map[byte]bool) []*dispatcher.Listener {
	listeners := make([]*dispatcher.Listener, 0, len(c.Listeners))
	for _, lc := range c.Listeners {
		dc := dispatcher.Config{
			Addr:       lc.Addr,
			Proto:      orDefault(lc.Proto, "tcp"),
			Codec:      codec.Kind(orDefault(lc.Transport, string(codec.None))),
			Syslog:     lc.Type == "syslog",
			AllowedSet: allowed,
			Backlog:    backlog,
		}
		l := dispatcher.NewListener(dc, tbl.CurrentRouteTable, tbl.CurrentStats, workers)
		listeners = append(listeners, l)
		go func(l *dispatcher.Listener, addr string) {
			if err := l.Run(); err != nil {
				logger.Error("carbon-relay-ng: listener %s exited: %v", addr, err)
			}
		}(l, lc.Addr)
	}
	return listeners
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func allowedSet(extra string) map[byte]bool {
	set := make(map[byte]bool, len(extra))
	for i := 0; i < len(extra); i++ {
		set[extra[i]] = true
	}
	return set
}

// runTestMode prints the loaded route count, then reads lines from stdin and
// prints each one's parsed name, value and timestamp, or "invalid line". It
// does not evaluate lines against the routes and sends nothing anywhere.
func runTestMode(tbl *table.Table) {
	rt := tbl.CurrentRouteTable()
	fmt.Printf("loaded %d routes, reading test input from stdin (one metric line per line, Ctrl-D to end)\n", len(rt.Routes()))
	buf := make([]byte, 0, 4096)
	stdin := os.Stdin
	for {
		tmp := make([]byte, 4096)
		n, err := stdin.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	for _, line := range splitLines(buf) {
		name, value, ts, ok := dispatcher.ParseLine(line)
		if !ok {
			fmt.Printf("%-40s -> invalid line\n", string(line))
			continue
		}
		fmt.Printf("%-40s value=%v ts=%v (%s)\n", string(name), value, time.Unix(ts, 0), string(line))
	}
}

func splitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			if i > start {
				out = append(out, buf[start:i])
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, buf[start:])
	}
	return out
}
