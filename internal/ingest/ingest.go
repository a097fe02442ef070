// Package ingest implements the agent-receiver HTTP surface (spec.md
// §4.10, §6): the four POST /api/agent/* handlers, constant-time
// bearer-token verification, and merge of agent-reported observations
// through the same Sink invariants as the SSH-driven crawl path.
package ingest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jsherman999/keyspider/internal/agentwire"
	"github.com/jsherman999/keyspider/internal/model"
)

// ErrAuthFailed is returned by authenticate when the bearer token is
// missing, malformed, or does not match any provisioned server.
var ErrAuthFailed = errors.New("ingest: authentication failed")

// TokenStore resolves the server a bearer token belongs to. Only
// sha256(token) is ever compared — no plaintext token is persisted
// (spec.md §4.10).
type TokenStore interface {
	// ServerIDForTokenHash returns the server_id provisioned for a
	// given sha256(token) hex digest, or ok=false if none matches.
	ServerIDForTokenHash(hash string) (serverID int64, ok bool, err error)
}

// MapTokenStore is an in-memory TokenStore, provisioned at startup from
// the per-server enrollment tokens keyspiderd hands out to agents. Each
// candidate hash is checked with subtle.ConstantTimeCompare rather than
// returning on the first byte mismatch from a map lookup.
type MapTokenStore struct {
	mu     sync.RWMutex
	hashes map[int64]string
}

// NewMapTokenStore returns an empty MapTokenStore.
func NewMapTokenStore() *MapTokenStore {
	return &MapTokenStore{hashes: make(map[int64]string)}
}

// Set provisions serverID's token hash (the hex sha256 digest of its
// bearer token). Call again to rotate.
func (m *MapTokenStore) Set(serverID int64, tokenHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[serverID] = tokenHash
}

// Revoke removes serverID's token, rejecting all further requests from it.
func (m *MapTokenStore) Revoke(serverID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, serverID)
}

// ServerIDForTokenHash implements TokenStore.
func (m *MapTokenStore) ServerIDForTokenHash(hash string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for serverID, stored := range m.hashes {
		if len(stored) != len(hash) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			return serverID, true, nil
		}
	}
	return 0, false, nil
}

// Handler serves the four agent-ingest endpoints.
type Handler struct {
	sink   model.Sink
	tokens TokenStore
	clock  func() time.Time
}

// NewHandler constructs a Handler. clock defaults to time.Now when nil,
// overridable in tests.
func NewHandler(sink model.Sink, tokens TokenStore, clock func() time.Time) *Handler {
	if clock == nil {
		clock = time.Now
	}
	return &Handler{sink: sink, tokens: tokens, clock: clock}
}

// RegisterRoutes wires the four endpoints onto mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("/api/agent/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/api/agent/events", h.handleEvents)
	mux.HandleFunc("/api/agent/sudo-events", h.handleSudoEvents)
	mux.HandleFunc("/api/agent/keys", h.handleKeys)
}

// authenticate verifies the Authorization: Bearer <token> header in
// constant time and returns the server id it is provisioned for.
func (h *Handler) authenticate(r *http.Request) (int64, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return 0, ErrAuthFailed
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return 0, ErrAuthFailed
	}

	sum := sha256.Sum256([]byte(token))
	hash := hexEncode(sum[:])

	serverID, ok, err := h.tokens.ServerIDForTokenHash(hash)
	if err != nil {
		return 0, fmt.Errorf("ingest: token lookup: %w", err)
	}
	if !ok {
		return 0, ErrAuthFailed
	}
	return serverID, nil
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serverID, err := h.authenticate(r)
	if err != nil {
		log.Printf("[ingest] %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		return
	}

	var req agentwire.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ServerID != 0 && req.ServerID != serverID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "server_id does not match token"})
		return
	}

	now := req.Now
	if now.IsZero() {
		now = h.clock()
	}
	if err := h.sink.UpdateHeartbeat(serverID, now, req.AgentVersion); err != nil {
		log.Printf("[ingest] heartbeat update failed for server %d: %v", serverID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "heartbeat update failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serverID, err := h.authenticate(r)
	if err != nil {
		log.Printf("[ingest] %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		return
	}

	var req agentwire.EventsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events := make([]model.AccessEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, model.AccessEvent{
			TargetServerID: serverID,
			SourceIP:       e.SourceIP,
			Fingerprint:    e.Fingerprint,
			Username:       e.Username,
			AuthMethod:     model.AuthMethod(e.AuthMethod),
			EventType:      model.EventType(e.EventType),
			EventTime:      e.EventTime,
			RawLogLine:     e.RawLogLine,
			LogSource:      e.LogSource,
		})
	}
	if err := h.sink.PutAccessEvents(events); err != nil {
		log.Printf("[ingest] put access events failed for server %d: %v", serverID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event ingest failed"})
		return
	}

	writeJSON(w, http.StatusOK, agentwire.EventsResponse{Accepted: len(events)})
}

func (h *Handler) handleSudoEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serverID, err := h.authenticate(r)
	if err != nil {
		log.Printf("[ingest] %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		return
	}

	var req agentwire.SudoEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events := make([]model.SudoEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, model.SudoEvent{
			ServerID:   serverID,
			Username:   e.Username,
			TTY:        e.TTY,
			PWD:        e.PWD,
			TargetUser: e.TargetUser,
			Command:    e.Command,
			EventTime:  e.EventTime,
			RawLogLine: e.RawLogLine,
		})
	}
	if err := h.sink.PutSudoEvents(events); err != nil {
		log.Printf("[ingest] put sudo events failed for server %d: %v", serverID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sudo event ingest failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serverID, err := h.authenticate(r)
	if err != nil {
		log.Printf("[ingest] %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		return
	}

	var req agentwire.KeysRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	fingerprints := make([]string, 0, len(req.Locations))
	meta := make(map[string]model.SSHKey, len(req.Locations))
	now := h.clock()
	for _, l := range req.Locations {
		if _, seen := meta[l.FingerprintSHA256]; seen {
			continue
		}
		fingerprints = append(fingerprints, l.FingerprintSHA256)
		meta[l.FingerprintSHA256] = model.SSHKey{
			FingerprintSHA256: l.FingerprintSHA256,
			FingerprintMD5:    l.FingerprintMD5,
			KeyType:           model.KeyType(l.KeyType),
			KeyBits:           l.KeyBits,
			Comment:           l.Comment,
			IsHostKey:         l.IsHostKey,
			FirstSeenAt:       now,
			FileMtime:         l.FileMtime,
		}
	}

	keyIDs, err := h.sink.BulkGetOrCreateKeys(fingerprints, meta)
	if err != nil {
		log.Printf("[ingest] resolve keys failed for server %d: %v", serverID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key ingest failed"})
		return
	}

	locs := make([]model.KeyLocation, 0, len(req.Locations))
	for _, l := range req.Locations {
		locs = append(locs, model.KeyLocation{
			ServerID:   serverID,
			SSHKeyID:   keyIDs[l.FingerprintSHA256],
			FilePath:   l.FilePath,
			FileType:   model.FileType(l.FileType),
			UnixOwner:  l.UnixOwner,
			UnixPerms:  l.UnixPerms,
			GraphLayer: "authorization",
			FileMtime:  l.FileMtime,
			FileSize:   l.FileSize,
		})
	}
	if err := h.sink.PutKeyLocations(locs); err != nil {
		log.Printf("[ingest] put key locations failed for server %d: %v", serverID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key ingest failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
