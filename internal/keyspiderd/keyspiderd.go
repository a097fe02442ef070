// Package keyspiderd wires together the connection pool, spider
// engine, watcher, graph builder, agent-ingest HTTP surface, and
// embedded store into one runnable daemon. Orchestration mirrors the
// teacher's daemon.go: one struct holding every subsystem, a New
// constructor that initializes them in dependency order, and a Run
// loop that starts background goroutines, signals systemd readiness,
// and drains them on shutdown.
package keyspiderd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/backoff"
	"github.com/jsherman999/keyspider/internal/clock"
	"github.com/jsherman999/keyspider/internal/config"
	"github.com/jsherman999/keyspider/internal/graph"
	"github.com/jsherman999/keyspider/internal/ingest"
	"github.com/jsherman999/keyspider/internal/model"
	"github.com/jsherman999/keyspider/internal/sdnotify"
	"github.com/jsherman999/keyspider/internal/spider"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/store"
	"github.com/jsherman999/keyspider/internal/unreachable"
	"github.com/jsherman999/keyspider/internal/watcher"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// Daemon orchestrates one keyspiderd process: the embedded store, the
// SSH pool shared by the spider and watcher, the spider engine, the
// watcher, the graph builder, and the agent-ingest HTTP server.
type Daemon struct {
	cfg *config.Config

	store   *store.Store
	pool    *sshpool.Pool
	checker *unreachable.Checker
	engine  *spider.Engine
	wat     *watcher.Watcher
	builder *graph.Builder
	tokens  *ingest.MapTokenStore

	httpSrv *http.Server

	wg sync.WaitGroup

	watchedMu sync.Mutex
	watched   map[int64]context.CancelFunc
}

// New constructs a Daemon from cfg. The private key at
// cfg.SSHPrivateKeyPath is loaded eagerly so a misconfiguration fails
// at startup rather than on the first dial.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.StorePath, time.Duration(cfg.StoreBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("keyspiderd: open store: %w", err)
	}

	auth, err := loadPrivateKeyAuth(cfg.SSHPrivateKeyPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("keyspiderd: load ssh key: %w", err)
	}

	clk := clock.New()

	pool := sshpool.New(sshpool.Config{
		User:           cfg.SSHUser,
		Auth:           []ssh.AuthMethod{auth},
		MaxPerServer:   cfg.SSHMaxPerServer,
		MaxGlobal:      cfg.SSHMaxTotal,
		ConnectTimeout: time.Duration(cfg.SSHConnectTimeout),
		DialBackoff:    backoff.SSHDial,
		KnownHostsPath: cfg.SSHKnownHostsPath,
	}, clk)

	checker := unreachable.NewChecker(clk, time.Duration(cfg.UnreachableCacheTTL), time.Duration(cfg.UnreachableProbeTimeout))

	engine := spider.New(spider.Config{
		MaxDepth: cfg.SpiderMaxDepth,
		SSHPort:  22,
	}, st, pool, checker, clk)

	wat := watcher.New(pool, st, clk, 22)

	builder := graph.New(st, graph.DefaultActiveWindow)

	d := &Daemon{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		checker: checker,
		engine:  engine,
		wat:     wat,
		builder: builder,
		tokens:  ingest.NewMapTokenStore(),
		watched: make(map[int64]context.CancelFunc),
	}
	return d, nil
}

// Run starts the agent-ingest HTTP server and blocks until ctx is
// cancelled, then drains in-flight work.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[keyspiderd] starting v%s (store=%s, listen=%s)", Version, d.cfg.StorePath, d.cfg.HTTPListenAddr)

	mux := http.NewServeMux()
	handler := ingest.NewHandler(d.store, d.tokens, nil)
	ingest.RegisterRoutes(mux, handler)
	mux.HandleFunc("/api/graph", d.handleGraph)
	mux.HandleFunc("/healthz", d.handleHealthz)

	d.httpSrv = &http.Server{
		Addr:        d.cfg.HTTPListenAddr,
		Handler:     mux,
		ReadTimeout: time.Duration(d.cfg.HTTPReadTimeout),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[keyspiderd] http server error: %v", err)
		}
	}()

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[keyspiderd] sd_notify READY failed: %v", err)
	}

	<-ctx.Done()
	log.Println("[keyspiderd] shutting down")
	_ = sdnotify.Stopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[keyspiderd] http server shutdown: %v", err)
	}

	d.watchedMu.Lock()
	for _, stop := range d.watched {
		stop()
	}
	d.watchedMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("[keyspiderd] goroutine drain timed out after 30s")
	}

	d.pool.CloseAll()
	return d.store.Close()
}

// StartWatch begins a persistent tail session for serverID, stopping
// any prior session for the same server first. With autoSpiderDepth > 0,
// every source the watcher reports through EnableAutoSpider starts its
// own spider-type scan job via engine.Run.
func (d *Daemon) StartWatch(server *model.Server, autoSpiderDepth int) {
	d.watchedMu.Lock()
	if stop, ok := d.watched[server.ID]; ok {
		stop()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	d.watched[server.ID] = cancel
	d.watchedMu.Unlock()

	if autoSpiderDepth > 0 {
		// Register the session now so EnableAutoSpider finds it; the
		// stream itself is not needed and is closed at once.
		d.wat.Subscribe(server).Close()
		d.wat.EnableAutoSpider(server.ID, autoSpiderDepth, func(sourceIP string, depth int) {
			go func() {
				if _, err := d.engine.Run(context.Background(), sourceIP, depth, model.ScanSpider, nil); err != nil {
					log.Printf("[keyspiderd] auto-spider scan of %s failed: %v", sourceIP, err)
				}
			}()
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.wat.Run(watchCtx, server); err != nil && watchCtx.Err() == nil {
			log.Printf("[keyspiderd] watch on %s ended: %v", server.Hostname, err)
		}
	}()
}

// RunScan runs one spider job to completion, reporting progress via log.
func (d *Daemon) RunScan(ctx context.Context, seed string, maxDepth int) (*model.ScanJob, error) {
	return d.engine.Run(ctx, seed, maxDepth, model.ScanFull, func(p model.ProgressUpdate) {
		log.Printf("[keyspiderd] scan progress: current=%s queue=%d done=%d events=%d keys=%d unreachable=%d",
			p.Current, p.QueueSize, p.ServersDone, p.EventsParsed, p.KeysFound, p.UnreachableFound)
	})
}

// ProvisionAgentToken registers serverID's agent bearer-token hash.
func (d *Daemon) ProvisionAgentToken(serverID int64, tokenHash string) {
	d.tokens.Set(serverID, tokenHash)
}

func (d *Daemon) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	layer := graph.Layer(r.URL.Query().Get("layer"))
	if layer == "" {
		layer = graph.LayerAll
	}
	resp, err := d.builder.Render(layer, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func loadPrivateKeyAuth(path string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}
