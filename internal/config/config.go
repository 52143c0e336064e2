// Package config loads the replicant's configuration: the local table
// store connection, the set of shards to follow, candidate core nodes per
// shard, and the spill-queue and reconnect settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds connection parameters for the local table store.
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
}

// ParseURI parses a PostgreSQL connection URI, unconditionally setting each
// component found in the URI.
func (d *DatabaseConfig) ParseURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid connection URI: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported URI scheme %q (expected postgres or postgresql)", u.Scheme)
	}
	if u.Hostname() != "" {
		d.Host = u.Hostname()
	}
	if u.Port() != "" {
		p, err := strconv.ParseUint(u.Port(), 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port in URI: %w", err)
		}
		d.Port = uint16(p)
	}
	if u.User != nil {
		if username := u.User.Username(); username != "" {
			d.User = username
		}
		if password, ok := u.User.Password(); ok {
			d.Password = password
		}
	}
	if dbname := strings.TrimPrefix(u.Path, "/"); dbname != "" {
		d.DBName = dbname
	}
	return nil
}

// DSN returns a standard PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	return u.String()
}

// SpillConfig configures the spill queue.
type SpillConfig struct {
	MemOnly bool   `toml:"mem_only"`
	Dir     string `toml:"dir"`
	// Options is an opaque set of backend tuning knobs forwarded verbatim
	// to spillqueue.Open, e.g. "fsync=true". Unrecognized keys are ignored
	// by the backend that receives them.
	Options map[string]string `toml:"options"`
}

// ShardConfig names a shard and the candidate core nodes that may serve it.
// Candidates are tried in randomized order on every (re)connect attempt.
type ShardConfig struct {
	Name      string   `toml:"name"`
	CoreAddrs []string `toml:"core_addrs"`
	OriginID  string   `toml:"origin_id"`
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// APIConfig configures the status/inspection HTTP+WebSocket server.
type APIConfig struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
}

// Config is the top-level configuration for the replicant daemon.
type Config struct {
	Store             DatabaseConfig `toml:"store"`
	Shards            []ShardConfig  `toml:"shard"`
	Spill             SpillConfig    `toml:"spill"`
	ReconnectInterval time.Duration  `toml:"reconnect_interval"`
	Logging           LoggingConfig  `toml:"logging"`
	API               APIConfig      `toml:"api"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Spill: SpillConfig{
			MemOnly: true,
			Dir:     "/tmp/rlog",
		},
		ReconnectInterval: 5 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			Listen: "127.0.0.1",
			Port:   7654,
		},
	}
}

// Load reads TOML configuration from path (or a discovered default
// location), then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".rlogreplicant", "config.toml"))
	}
	candidates = append(candidates, "/etc/rlogreplicant/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("rlog_replayq_mem_only"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Spill.MemOnly = b
		}
	}
	if v := os.Getenv("rlog_replayq_dir"); v != "" {
		cfg.Spill.Dir = v
	}
	if v := os.Getenv("rlog_replayq_options"); v != "" {
		cfg.Spill.Options = parseOptionsMap(v)
	}
	if v := os.Getenv("rlog_replica_reconnect_interval"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RLOG_STORE_URL"); v != "" {
		_ = cfg.Store.ParseURI(v)
	}
	if v := os.Getenv("RLOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RLOG_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// parseOptionsMap parses a comma-separated list of key=value pairs, the
// wire form for rlog_replayq_options. Entries without an "=" or with an
// empty key are skipped rather than rejected, since this map is forwarded
// opaquely and the config layer has no way to know which keys a given
// spill backend cares about.
func parseOptionsMap(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	return out
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Host == "" {
		errs = append(errs, errors.New("store host is required"))
	}
	if c.Store.DBName == "" {
		errs = append(errs, errors.New("store database name is required"))
	}
	if len(c.Shards) == 0 {
		errs = append(errs, errors.New("at least one [[shard]] must be configured"))
	}
	for _, s := range c.Shards {
		if s.Name == "" {
			errs = append(errs, errors.New("shard entries must have a name"))
		}
		if len(s.CoreAddrs) == 0 {
			errs = append(errs, fmt.Errorf("shard %q: at least one core_addrs entry is required", s.Name))
		}
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if !c.Spill.MemOnly && c.Spill.Dir == "" {
		c.Spill.Dir = "/tmp/rlog"
	}

	return errors.Join(errs...)
}
