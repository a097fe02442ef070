package keyspiderd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/config"
)

func generateTestPrivateKeyPath(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal test key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write test key: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "keyspider.db")
	cfg.SSHPrivateKeyPath = generateTestPrivateKeyPath(t)
	cfg.SSHKnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
	cfg.HTTPListenAddr = "127.0.0.1:0"
	return &cfg
}

func TestNew_InitializesAllSubsystems(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.store.Close()

	if d.store == nil {
		t.Error("expected store to be initialized")
	}
	if d.pool == nil {
		t.Error("expected ssh pool to be initialized")
	}
	if d.checker == nil {
		t.Error("expected unreachable checker to be initialized")
	}
	if d.engine == nil {
		t.Error("expected spider engine to be initialized")
	}
	if d.wat == nil {
		t.Error("expected watcher to be initialized")
	}
	if d.builder == nil {
		t.Error("expected graph builder to be initialized")
	}
	if d.tokens == nil {
		t.Error("expected token store to be initialized")
	}
}

func TestNew_FailsOnUnreadablePrivateKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.SSHPrivateKeyPath = filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := New(cfg); err == nil {
		t.Error("expected an error for a missing private key file")
	}
}

func TestNew_FailsOnMalformedPrivateKey(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "bad_key")
	if err := os.WriteFile(path, []byte("not a private key"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.SSHPrivateKeyPath = path
	if _, err := New(cfg); err == nil {
		t.Error("expected an error for a malformed private key")
	}
}

func TestProvisionAgentToken_WiresIntoTokenStore(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.store.Close()

	d.ProvisionAgentToken(42, "deadbeef")

	serverID, ok, err := d.tokens.ServerIDForTokenHash("deadbeef")
	if err != nil {
		t.Fatalf("ServerIDForTokenHash: %v", err)
	}
	if !ok || serverID != 42 {
		t.Errorf("got (%d, %v), want (42, true)", serverID, ok)
	}
}

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.store.Close()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	d.handleHealthz(rec, req)

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestHandleGraph_DefaultsToAllLayerOnEmptyStore(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.store.Close()

	req := httptest.NewRequest("GET", "/api/graph", nil)
	rec := httptest.NewRecorder()
	d.handleGraph(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleGraph_RejectsNonGet(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.store.Close()

	req := httptest.NewRequest("POST", "/api/graph", nil)
	rec := httptest.NewRecorder()
	d.handleGraph(rec, req)

	if rec.Code != 405 {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRun_ShutsDownCleanlyOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
