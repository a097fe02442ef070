// Package config loads keyspiderd/keyspider-agent configuration from a
// YAML file with environment-variable overrides, in the same shape as
// the teacher's appliance daemon config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can spell timeouts as
// "10s"/"5m" the way the rest of the corpus's YAML configs do, instead
// of as raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses a duration string (or a bare integer, taken as
// seconds, for compatibility with plain-number configs).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("config: duration must be a string like \"10s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration in Go's canonical string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds every option in SPEC_FULL.md §6's configuration table
// plus the ambient options a runnable daemon needs.
type Config struct {
	// SSH connection pool (spec.md §6)
	SSHMaxTotal       int      `yaml:"ssh_max_total"`
	SSHMaxPerServer   int      `yaml:"ssh_max_per_server"`
	SSHConnectTimeout Duration `yaml:"ssh_connect_timeout"`
	SSHCommandTimeout Duration `yaml:"ssh_command_timeout"`
	SSHKnownHostsPath string   `yaml:"ssh_known_hosts_path"`
	SSHUser           string   `yaml:"ssh_user"`
	SSHPrivateKeyPath string   `yaml:"ssh_private_key_path"`

	// Spider engine
	SpiderDefaultDepth int `yaml:"spider_default_depth"`
	SpiderMaxDepth     int `yaml:"spider_max_depth"`
	SpiderConcurrency  int `yaml:"spider_concurrency"`

	// Watcher
	WatcherReconnectDelay    Duration `yaml:"watcher_reconnect_delay"`
	WatcherMaxReconnectDelay Duration `yaml:"watcher_max_reconnect_delay"`

	// Log parser
	LogMaxLinesInitial     int `yaml:"log_max_lines_initial"`
	LogMaxLinesIncremental int `yaml:"log_max_lines_incremental"`

	// Unreachable detector
	UnreachableCacheTTL     Duration `yaml:"unreachable_cache_ttl"`
	UnreachableProbeTimeout Duration `yaml:"unreachable_probe_timeout"`

	// Stale-key report (SPEC_FULL.md §10)
	StaleDefaultAge Duration `yaml:"stale_default_age"`

	// [AMBIENT] HTTP ingest surface
	HTTPListenAddr  string   `yaml:"http_listen_addr"`
	HTTPReadTimeout Duration `yaml:"http_read_timeout"`

	// [AMBIENT] Embedded store
	StorePath        string   `yaml:"store_path"`
	StoreBusyTimeout Duration `yaml:"store_busy_timeout"`

	// [AMBIENT] Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config populated with every default named in
// SPEC_FULL.md §6.
func DefaultConfig() Config {
	return Config{
		SSHMaxTotal:       50,
		SSHMaxPerServer:   3,
		SSHConnectTimeout: Duration(10 * time.Second),
		SSHCommandTimeout: Duration(30 * time.Second),
		SSHKnownHostsPath: "/var/lib/keyspider/ssh_known_hosts",
		SSHUser:           "root",

		SpiderDefaultDepth: 10,
		SpiderMaxDepth:     50,
		SpiderConcurrency:  20,

		WatcherReconnectDelay:    Duration(5 * time.Second),
		WatcherMaxReconnectDelay: Duration(300 * time.Second),

		LogMaxLinesInitial:     50000,
		LogMaxLinesIncremental: 50000,

		UnreachableCacheTTL:     Duration(3600 * time.Second),
		UnreachableProbeTimeout: Duration(5 * time.Second),

		StaleDefaultAge: Duration(90 * 24 * time.Hour),

		HTTPListenAddr:  ":8443",
		HTTPReadTimeout: Duration(10 * time.Second),

		StorePath:        "/var/lib/keyspider/keyspider.db",
		StoreBusyTimeout: Duration(5 * time.Second),

		LogLevel: "info",
	}
}

// Load reads path as YAML over DefaultConfig, then applies environment
// overrides and validates bounds (spec.md §6/SPEC_FULL.md §6).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.SpiderDefaultDepth > cfg.SpiderMaxDepth {
		cfg.SpiderDefaultDepth = cfg.SpiderMaxDepth
	}
	if cfg.SSHMaxPerServer > cfg.SSHMaxTotal {
		cfg.SSHMaxPerServer = cfg.SSHMaxTotal
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYSPIDER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("KEYSPIDER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("KEYSPIDER_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTPListenAddr = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_PRIVATE_KEY_PATH"); v != "" {
		cfg.SSHPrivateKeyPath = v
	}
	if v := os.Getenv("KEYSPIDER_SSH_MAX_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSHMaxTotal = n
		}
	}
	if v := os.Getenv("KEYSPIDER_SSH_MAX_PER_SERVER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSHMaxPerServer = n
		}
	}
	if v := os.Getenv("KEYSPIDER_SPIDER_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SpiderMaxDepth = n
		}
	}
	if v := os.Getenv("KEYSPIDER_SPIDER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SpiderConcurrency = n
		}
	}
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
