package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SSHMaxTotal != 50 {
		t.Errorf("ssh_max_total = %d, want 50", cfg.SSHMaxTotal)
	}
	if time.Duration(cfg.SSHConnectTimeout) != 10*time.Second {
		t.Errorf("ssh_connect_timeout = %v, want 10s", time.Duration(cfg.SSHConnectTimeout))
	}
	if cfg.SpiderMaxDepth != 50 {
		t.Errorf("spider_max_depth = %d, want 50", cfg.SpiderMaxDepth)
	}
	if time.Duration(cfg.WatcherMaxReconnectDelay) != 300*time.Second {
		t.Errorf("watcher_max_reconnect_delay = %v, want 300s", time.Duration(cfg.WatcherMaxReconnectDelay))
	}
	if time.Duration(cfg.StaleDefaultAge) != 90*24*time.Hour {
		t.Errorf("stale_default_age = %v, want 90d", time.Duration(cfg.StaleDefaultAge))
	}
}

func TestLoad_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyspider.yaml")
	content := `
ssh_max_total: 100
ssh_connect_timeout: "15s"
spider_default_depth: 5
store_path: "/tmp/keyspider-test.db"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SSHMaxTotal != 100 {
		t.Errorf("ssh_max_total = %d, want 100", cfg.SSHMaxTotal)
	}
	if time.Duration(cfg.SSHConnectTimeout) != 15*time.Second {
		t.Errorf("ssh_connect_timeout = %v, want 15s", time.Duration(cfg.SSHConnectTimeout))
	}
	if cfg.SpiderDefaultDepth != 5 {
		t.Errorf("spider_default_depth = %d, want 5", cfg.SpiderDefaultDepth)
	}
	if cfg.StorePath != "/tmp/keyspider-test.db" {
		t.Errorf("store_path = %q, want override", cfg.StorePath)
	}
	// Unset fields keep their defaults.
	if cfg.SpiderMaxDepth != 50 {
		t.Errorf("spider_max_depth = %d, want default 50", cfg.SpiderMaxDepth)
	}
}

func TestLoad_ClampsDefaultDepthToMaxDepth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyspider.yaml")
	content := `
spider_default_depth: 999
spider_max_depth: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpiderDefaultDepth != 20 {
		t.Errorf("spider_default_depth = %d, want clamped to 20", cfg.SpiderDefaultDepth)
	}
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyspider.yaml")
	if err := os.WriteFile(path, []byte("store_path: \"/yaml/path.db\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("KEYSPIDER_STORE_PATH", "/env/override.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorePath != "/env/override.db" {
		t.Errorf("store_path = %q, want env override", cfg.StorePath)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/keyspider.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
