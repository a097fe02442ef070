// Package agent implements the on-host counterpart to the jump-host
// spider: a small local scanner/tailer that reports authorized_keys
// findings and live auth-log events to keyspiderd over HTTP, for hosts
// where an installed agent is preferred over SSH crawling (spec.md
// §4.10). It is an alternate *source* for the same event stream the
// spider produces, not a replacement for it.
package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jsherman999/keyspider/internal/config"
	"github.com/jsherman999/keyspider/internal/spider"
)

// Config holds keyspider-agent's configuration, in the same
// YAML-with-Duration shape as keyspiderd's own config.
type Config struct {
	ServerID      int64           `yaml:"server_id"`
	KeyspiderdURL string          `yaml:"keyspiderd_url"`
	Token         string          `yaml:"token"`

	HeartbeatInterval config.Duration `yaml:"heartbeat_interval"`
	PollInterval      config.Duration `yaml:"poll_interval"`
	HTTPTimeout       config.Duration `yaml:"http_timeout"`

	AuthLogPaths        []string `yaml:"auth_log_paths"`
	JournaldLogPath     string   `yaml:"journald_log_path"`
	SudoLogPath         string   `yaml:"sudo_log_path"`
	AuthorizedKeysGlobs []string `yaml:"authorized_keys_globs"`
	IdentityFileGlobs   []string `yaml:"identity_file_globs"`
	HostKeyPaths        []string `yaml:"host_key_paths"`

	// OfflineQueueCap bounds how many unsent posts (each one batch of
	// keys, events or a heartbeat) are held in memory across a
	// keyspiderd outage before the oldest are dropped.
	OfflineQueueCap int `yaml:"offline_queue_cap"`
}

// DefaultConfig mirrors spider.AuthLogPaths/JournaldLogPath/SudoLogPath
// so the agent's notion of "where sshd logs" never drifts from the
// jump-host crawler's.
func DefaultConfig() Config {
	return Config{
		KeyspiderdURL: "https://localhost:8443",

		HeartbeatInterval: config.Duration(60 * time.Second),
		PollInterval:      config.Duration(10 * time.Second),
		HTTPTimeout:       config.Duration(10 * time.Second),

		AuthLogPaths:    append([]string{}, spider.AuthLogPaths...),
		JournaldLogPath: spider.JournaldLogPath,
		SudoLogPath:     spider.SudoLogPath,

		AuthorizedKeysGlobs: []string{
			"/root/.ssh/authorized_keys",
			"/root/.ssh/authorized_keys2",
			"/home/*/.ssh/authorized_keys",
			"/home/*/.ssh/authorized_keys2",
		},
		IdentityFileGlobs: []string{
			"/root/.ssh/id_*.pub",
			"/home/*/.ssh/id_*.pub",
		},
		HostKeyPaths: []string{
			"/etc/ssh/ssh_host_rsa_key.pub",
			"/etc/ssh/ssh_host_ed25519_key.pub",
			"/etc/ssh/ssh_host_ecdsa_key.pub",
		},

		OfflineQueueCap: 10000,
	}
}

// Load reads path as YAML over DefaultConfig, then applies environment
// overrides. The bearer token is deliberately overridable by env var
// (KEYSPIDER_AGENT_TOKEN) so it can be injected via a systemd
// EnvironmentFile rather than committed to the on-disk config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.ServerID == 0 {
		return nil, fmt.Errorf("agent: server_id is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("agent: token is required")
	}
	if cfg.KeyspiderdURL == "" {
		return nil, fmt.Errorf("agent: keyspiderd_url is required")
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYSPIDER_AGENT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("KEYSPIDER_AGENT_KEYSPIDERD_URL"); v != "" {
		cfg.KeyspiderdURL = strings.TrimRight(v, "/")
	} else {
		cfg.KeyspiderdURL = strings.TrimRight(cfg.KeyspiderdURL, "/")
	}
	if v := os.Getenv("KEYSPIDER_AGENT_SERVER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ServerID = n
		}
	}
}
