package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jsherman999/keyspider/internal/agentwire"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// Agent polls the local filesystem for key and log changes and pushes
// them to keyspiderd, on the cadence its Config describes. A failed
// push is held in an in-memory backlog and retried on the next tick
// rather than dropped, bounded by Config.OfflineQueueCap — the same
// resilience concern the teacher's offline queue serves, minus the
// on-disk persistence this agent has no need for across a simple
// network blip.
type Agent struct {
	cfg    *Config
	client *http.Client
	tailer *fileTailer

	mu      sync.Mutex
	backlog []pendingPost
}

type pendingPost struct {
	path string
	body []byte
}

// New constructs an Agent from cfg.
func New(cfg *Config) *Agent {
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.HTTPTimeout)},
		tailer: newFileTailer(),
	}
}

// Run starts the heartbeat and poll loops and blocks until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("[agent] keyspider-agent %s starting (server_id=%d, keyspiderd=%s)",
		Version, a.cfg.ServerID, a.cfg.KeyspiderdURL)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.pollLoop(ctx)
	}()

	a.RunOnce(ctx)

	wg.Wait()
	return nil
}

// RunOnce performs one full scan-and-report cycle immediately, used
// both by Run's initial pass and by --dry-run.
func (a *Agent) RunOnce(ctx context.Context) {
	a.reportKeys(ctx)
	a.reportLogTail(ctx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.PollInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainBacklog(ctx)
			a.reportLogTail(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	req := agentwire.HeartbeatRequest{
		ServerID:     a.cfg.ServerID,
		AgentVersion: Version,
		Now:          time.Now().UTC(),
	}
	if err := a.post(ctx, "/api/agent/heartbeat", req); err != nil {
		log.Printf("[agent] heartbeat failed: %v", err)
	}
}

func (a *Agent) reportKeys(ctx context.Context) {
	locations := scanLocalKeys(a.cfg)
	if len(locations) == 0 {
		return
	}
	req := agentwire.KeysRequest{Locations: locations}
	if err := a.post(ctx, "/api/agent/keys", req); err != nil {
		log.Printf("[agent] key report failed (%s across %d locations): %v",
			humanize.Comma(int64(len(locations))), len(locations), err)
		return
	}
	log.Printf("[agent] reported %s key locations", humanize.Comma(int64(len(locations))))
}

func (a *Agent) reportLogTail(ctx context.Context) {
	paths := append([]string{}, a.cfg.AuthLogPaths...)
	if a.cfg.SudoLogPath != "" {
		paths = append(paths, a.cfg.SudoLogPath)
	}

	seenPaths := make(map[string]bool)
	var allEvents []agentwire.AccessEvent
	var allSudo []agentwire.SudoEvent

	for _, p := range paths {
		if seenPaths[p] {
			continue
		}
		seenPaths[p] = true
		ev, sudo := a.tailer.poll(p)
		allEvents = append(allEvents, toWireEvents(ev)...)
		allSudo = append(allSudo, toWireSudoEvents(sudo)...)
	}

	if len(allEvents) > 0 {
		if err := a.post(ctx, "/api/agent/events", agentwire.EventsRequest{Events: allEvents}); err != nil {
			log.Printf("[agent] event report failed (%d events): %v", len(allEvents), err)
		}
	}
	if len(allSudo) > 0 {
		if err := a.post(ctx, "/api/agent/sudo-events", agentwire.SudoEventsRequest{Events: allSudo}); err != nil {
			log.Printf("[agent] sudo event report failed (%d events): %v", len(allSudo), err)
		}
	}
}

// post marshals body, POSTs it with the configured bearer token, and
// queues it to the backlog on any transport or non-2xx failure.
func (a *Agent) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("agent: marshal %s: %w", path, err)
	}

	if err := a.doPost(ctx, path, data); err != nil {
		a.enqueueBacklog(path, data)
		return err
	}
	return nil
}

func (a *Agent) doPost(ctx context.Context, path string, data []byte) error {
	url := a.cfg.KeyspiderdURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", http.MethodPost, path, resp.StatusCode)
	}
	return nil
}

func (a *Agent) enqueueBacklog(path string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.backlog) >= a.cfg.OfflineQueueCap {
		a.backlog = a.backlog[1:]
	}
	a.backlog = append(a.backlog, pendingPost{path: path, body: data})
}

func (a *Agent) drainBacklog(ctx context.Context) {
	a.mu.Lock()
	pending := a.backlog
	a.backlog = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var retained []pendingPost
	for _, p := range pending {
		if err := a.doPost(ctx, p.path, p.body); err != nil {
			retained = append(retained, p)
		}
	}
	if len(retained) > 0 {
		log.Printf("[agent] %d backlogged posts still failing", len(retained))
		a.mu.Lock()
		a.backlog = append(retained, a.backlog...)
		a.mu.Unlock()
	} else if len(pending) > 0 {
		log.Printf("[agent] drained %d backlogged posts", len(pending))
	}
}
