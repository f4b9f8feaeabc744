// Package cfg decodes the relay's TOML configuration into a struct tree,
// one field per spec §6 grammar statement (cluster, match, rewrite,
// aggregate, statistics, listen, include). It is deliberately a plain data
// layer: table.InitFromConfig is the only consumer, and does all the work
// of turning a Config into live cluster/route/destination/aggregator
// objects. Decoding uses github.com/BurntSushi/toml, grounded on the
// nozomi1773-carbon-relay-ng manifest's toml dependency.
package cfg

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Host is one `host` clause inside a cluster block.
type Host struct {
	Addr      string
	Instance  string `toml:"instance"`
	Proto     string `toml:"proto"`   // "tcp" | "udp", default "tcp"
	Type      string `toml:"type"`    // "linemode" | "syslog"
	Transport string `toml:"transport"` // "plain" | "gzip" | "lz4" | "snappy"
	SSLCert   string `toml:"ssl_cert"`
	MTLSCert  string `toml:"mtls_cert"`
	MTLSKey   string `toml:"mtls_key"`
}

// Cluster is one `cluster` block.
type Cluster struct {
	Name        string
	Kind        string `toml:"kind"` // forward|any_of|failover|carbon_ch|fnv1a_ch|jump_fnv1a_ch|file
	UseAll      bool   `toml:"useall"`
	Replication int    `toml:"replication"`
	Dynamic     bool   `toml:"dynamic"`
	FileIP      bool   `toml:"file_ip"`
	MasqTemplate string `toml:"masq"`
	Hosts       []Host `toml:"host"`
}

// Validate is a `match`'s optional `validate pat else (log|drop)` clause.
type Validate struct {
	Pattern string
	Else    string // "log" | "drop"
}

// Match is one `match` block.
type Match struct {
	Patterns   []string `toml:"pattern"`
	Validate   *Validate `toml:"validate"`
	RouteUsing string    `toml:"route_using"`
	SendTo     []string  `toml:"send_to"`
	Stop       bool      `toml:"stop"`
}

// Rewrite is one `rewrite pat into replacement` block.
type Rewrite struct {
	Pattern     string
	Replacement string `toml:"into"`
}

// Compute is one `compute FN write to NAME` clause inside an aggregate
// block.
type Compute struct {
	Fn         string
	Percentile float64 `toml:"percentile"`
	WriteTo    string  `toml:"write_to"`
}

// Aggregate is one `aggregate` block.
type Aggregate struct {
	Patterns           []string  `toml:"pattern"`
	EverySeconds       int       `toml:"every_seconds"`
	ExpireAfterSeconds int       `toml:"expire_after_seconds"`
	TimestampAt        string    `toml:"timestamp_at"` // "start"|"middle"|"end", default "end"
	Computes           []Compute `toml:"compute"`
	SendTo             []string  `toml:"send_to"`
	Stop               bool      `toml:"stop"`
}

// Statistics is the (at most one) `statistics` block.
type Statistics struct {
	SubmitEverySeconds int      `toml:"submit_every_seconds"`
	ResetAfterInterval bool     `toml:"reset_after_interval"`
	Prefix             string   `toml:"prefix"`
	SendTo             []string `toml:"send_to"`
	Stop               bool     `toml:"stop"`
}

// Listen is one `listen` block.
type Listen struct {
	Type      string `toml:"type"`      // "linemode" | "syslog"
	Transport string `toml:"transport"` // "plain" | "gzip" | "lz4" | "snappy"
	Addr      string
	Proto     string `toml:"proto"` // "tcp" | "udp" | "unix"
}

// Config is the decoded form of an entire configuration file, plus any
// files named in its `include` statements, merged in file order.
type Config struct {
	Clusters   []Cluster    `toml:"cluster"`
	Matches    []Match      `toml:"match"`
	Rewrites   []Rewrite    `toml:"rewrite"`
	Aggregates []Aggregate  `toml:"aggregate"`
	Statistics *Statistics  `toml:"statistics"`
	Listeners  []Listen     `toml:"listen"`
	Includes   []string     `toml:"include"`
}

// Load reads and decodes path, recursively merging any files named in its
// `include` statements (spec §6 grammar: `stmt := ... | include`). Include
// paths are resolved relative to the including file's directory.
func Load(path string) (*Config, error) {
	seen := make(map[string]bool)
	return load(path, seen)
}

func load(path string, seen map[string]bool) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: resolving %s: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("cfg: circular include at %s", path)
	}
	seen[abs] = true

	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("cfg: decoding %s: %w", path, err)
	}

	dir := filepath.Dir(abs)
	includes := c.Includes
	c.Includes = nil
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(dir, incPath)
		}
		sub, err := load(incPath, seen)
		if err != nil {
			return nil, err
		}
		c.merge(sub)
	}
	return &c, nil
}

// merge appends another config's statements onto c, preserving file order
// (spec §6 "include" has no precedence rule beyond textual concatenation).
func (c *Config) merge(other *Config) {
	c.Clusters = append(c.Clusters, other.Clusters...)
	c.Matches = append(c.Matches, other.Matches...)
	c.Rewrites = append(c.Rewrites, other.Rewrites...)
	c.Aggregates = append(c.Aggregates, other.Aggregates...)
	c.Listeners = append(c.Listeners, other.Listeners...)
	if other.Statistics != nil {
		c.Statistics = other.Statistics
	}
}
