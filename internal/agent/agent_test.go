package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/agentwire"
	"github.com/jsherman999/keyspider/internal/config"
)

type recordingServer struct {
	mu       sync.Mutex
	heartbeats []agentwire.HeartbeatRequest
	keyReqs    []agentwire.KeysRequest
	authHeader string
	failNext   bool
}

func newRecordingServer(t *testing.T) (*httptest.Server, *recordingServer) {
	rs := &recordingServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.authHeader = r.Header.Get("Authorization")
		rs.mu.Unlock()
		if rs.consumeFail() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req agentwire.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode heartbeat: %v", err)
		}
		rs.mu.Lock()
		rs.heartbeats = append(rs.heartbeats, req)
		rs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/agent/keys", func(w http.ResponseWriter, r *http.Request) {
		if rs.consumeFail() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req agentwire.KeysRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode keys: %v", err)
		}
		rs.mu.Lock()
		rs.keyReqs = append(rs.keyReqs, req)
		rs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/agent/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(agentwire.EventsResponse{})
	})
	mux.HandleFunc("/api/agent/sudo-events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux), rs
}

func (rs *recordingServer) consumeFail() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failNext {
		rs.failNext = false
		return true
	}
	return false
}

func testConfig(url string) *Config {
	cfg := DefaultConfig()
	cfg.ServerID = 7
	cfg.Token = "test-token"
	cfg.KeyspiderdURL = url
	cfg.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.HTTPTimeout = config.Duration(time.Second)
	cfg.AuthLogPaths = nil
	cfg.SudoLogPath = ""
	cfg.AuthorizedKeysGlobs = nil
	cfg.IdentityFileGlobs = nil
	cfg.HostKeyPaths = nil
	return &cfg
}

func TestSendHeartbeat_IncludesBearerTokenAndServerID(t *testing.T) {
	srv, rs := newRecordingServer(t)
	defer srv.Close()

	a := New(testConfig(srv.URL))
	a.sendHeartbeat(context.Background())

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.heartbeats) != 1 {
		t.Fatalf("got %d heartbeats, want 1", len(rs.heartbeats))
	}
	if rs.heartbeats[0].ServerID != 7 {
		t.Errorf("server_id = %d, want 7", rs.heartbeats[0].ServerID)
	}
	if rs.authHeader != "Bearer test-token" {
		t.Errorf("authorization header = %q, want Bearer test-token", rs.authHeader)
	}
}

func TestReportKeys_ScansAuthorizedKeysFile(t *testing.T) {
	dir := t.TempDir()
	sshDir := filepath.Join(dir, ".ssh")
	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	akPath := filepath.Join(sshDir, "authorized_keys")
	const keyLine = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBXZ1akQXYKjOGKYlREOGrX1Yh+9qr5Hk+HdBgKGfJ9m test@host"
	if err := os.WriteFile(akPath, []byte(keyLine+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv, rs := newRecordingServer(t)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AuthorizedKeysGlobs = []string{akPath}

	a := New(cfg)
	a.reportKeys(context.Background())

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.keyReqs) != 1 {
		t.Fatalf("got %d key requests, want 1", len(rs.keyReqs))
	}
	if len(rs.keyReqs[0].Locations) != 1 {
		t.Fatalf("got %d locations, want 1", len(rs.keyReqs[0].Locations))
	}
	loc := rs.keyReqs[0].Locations[0]
	if loc.FilePath != akPath {
		t.Errorf("file_path = %q, want %q", loc.FilePath, akPath)
	}
	if loc.FileType != "authorized_keys" {
		t.Errorf("file_type = %q, want authorized_keys", loc.FileType)
	}
	if loc.FingerprintSHA256 == "" {
		t.Error("expected a non-empty fingerprint")
	}
}

func TestPost_FailureIsBacklogged(t *testing.T) {
	srv, rs := newRecordingServer(t)
	defer srv.Close()

	a := New(testConfig(srv.URL))
	rs.failNext = true
	a.sendHeartbeat(context.Background())

	a.mu.Lock()
	n := len(a.backlog)
	a.mu.Unlock()
	if n != 1 {
		t.Fatalf("backlog length = %d, want 1", n)
	}

	a.drainBacklog(context.Background())

	a.mu.Lock()
	n = len(a.backlog)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("backlog length after drain = %d, want 0", n)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.heartbeats) != 1 {
		t.Errorf("got %d heartbeats after drain, want 1", len(rs.heartbeats))
	}
}

func TestFileTailer_PollReadsNewLinesAndHandlesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	line1 := "Jan  2 03:04:05 host sshd[123]: Accepted publickey for alice from 10.0.0.5 port 50000 ssh2: RSA SHA256:abc\n"
	if err := os.WriteFile(path, []byte(line1), 0o644); err != nil {
		t.Fatal(err)
	}

	tailer := newFileTailer()
	events, _ := tailer.poll(path)
	if len(events) != 1 {
		t.Fatalf("got %d events on first poll, want 1", len(events))
	}

	events, _ = tailer.poll(path)
	if len(events) != 0 {
		t.Errorf("got %d events on second poll with no new data, want 0", len(events))
	}

	line2 := "Jan  2 03:05:10 host sshd[124]: Accepted publickey for bob from 10.0.0.6 port 50001 ssh2: RSA SHA256:def\n"
	if err := os.WriteFile(path, []byte(line2), 0o644); err != nil {
		t.Fatal(err)
	}
	events, _ = tailer.poll(path)
	if len(events) != 1 {
		t.Fatalf("got %d events after rotation, want 1 (re-read from start)", len(events))
	}
	if events[0].Username != "bob" {
		t.Errorf("username = %q, want bob", events[0].Username)
	}
}
