// Package spider implements the bounded-depth BFS crawl (spec.md
// §4.7) that discovers the fleet's SSH trust graph: for each server it
// leases a pooled connection, reads auth logs, scans keys, correlates
// both into AccessPath edges, probes newly-observed sources for
// reachability, and enqueues reachable ones at depth+1. Orchestration
// mirrors the teacher's daemon.go — one struct wiring several
// subsystems together, a FIFO work queue, and a WaitGroup-free
// single-goroutine drain loop since crawl order must stay
// breadth-first and cancellation-safe at server boundaries.
package spider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jsherman999/keyspider/internal/clock"
	"github.com/jsherman999/keyspider/internal/keyscanner"
	"github.com/jsherman999/keyspider/internal/logparser"
	"github.com/jsherman999/keyspider/internal/model"
	"github.com/jsherman999/keyspider/internal/sftpfs"
	"github.com/jsherman999/keyspider/internal/sshpool"
	"github.com/jsherman999/keyspider/internal/unreachable"
)

// ErrCancelled is returned (and stored on the ScanJob) when a job's
// context is cancelled; the engine always finishes the in-flight
// server's commit first.
var ErrCancelled = errors.New("spider: cancelled")

// DefaultMaxDepth is spider.max_depth (spec.md §6) — the hard ceiling
// regardless of a caller-requested depth.
const DefaultMaxDepth = 50

// DefaultAgentHeartbeatMaxAge is how fresh an agent heartbeat must be
// to short-circuit SSH scanning for a server (spec.md §4.7 step 2).
const DefaultAgentHeartbeatMaxAge = 5 * time.Minute

// AuthLogPaths are the syslog-dialect auth log locations tried, in
// order, when journald is unavailable (spec.md §4.7 step 3). The
// spider tries each in turn and parses whichever exists.
var AuthLogPaths = []string{
	"/var/log/auth.log",   // Debian/Ubuntu
	"/var/log/secure",     // RHEL/CentOS
	"/var/adm/syslog/syslog.log", // AIX
}

// JournaldLogPath, if present, is preferred over the syslog files.
// journalctl's own JSON export is read through this path by a prior
// agent/cron step since the spider never shells out; an on-host helper
// or the optional agent is expected to materialize it. Absence simply
// falls back to AuthLogPaths.
const JournaldLogPath = "/run/keyspider/journald-export.json"

// SudoLogPath mirrors AuthLogPaths for hosts that route sudo through a
// dedicated log file rather than syslog's generic facility.
const SudoLogPath = "/var/log/auth.log"

// Config configures one Engine.
type Config struct {
	MaxDepth             int
	SSHPort              int
	AgentHeartbeatMaxAge time.Duration
	FileMaxReadBytes     int64
}

func (c *Config) setDefaults() {
	if c.MaxDepth <= 0 || c.MaxDepth > DefaultMaxDepth {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.SSHPort <= 0 {
		c.SSHPort = 22
	}
	if c.AgentHeartbeatMaxAge <= 0 {
		c.AgentHeartbeatMaxAge = DefaultAgentHeartbeatMaxAge
	}
	if c.FileMaxReadBytes <= 0 {
		c.FileMaxReadBytes = sftpfs.DefaultMaxReadBytes
	}
}

// Engine runs crawl jobs against a Sink, using a connection pool and
// reachability checker.
type Engine struct {
	cfg     Config
	sink    model.Sink
	pool    *sshpool.Pool
	checker *unreachable.Checker
	clock   clock.Clock
}

// New constructs an Engine.
func New(cfg Config, sink model.Sink, pool *sshpool.Pool, checker *unreachable.Checker, clk clock.Clock) *Engine {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{cfg: cfg, sink: sink, pool: pool, checker: checker, clock: clk}
}

type queueItem struct {
	hostOrIP string
	depth    int
}

// canonicalHost normalizes a host/IP reference for the visited set
// (spec.md §4.7: "visited set keyed by canonical server id").
func canonicalHost(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Run crawls starting at seed up to maxDepth (clamped to
// Config.MaxDepth; a negative maxDepth means Config.MaxDepth, and 0
// scans only the seed), reporting progress via progress (may be nil) and
// persisting a ScanJob's lifecycle to the sink. It returns the
// completed (or failed/cancelled) ScanJob.
func (e *Engine) Run(ctx context.Context, seed string, maxDepth int, jobType model.ScanJobType, progress model.ProgressFunc) (*model.ScanJob, error) {
	if maxDepth < 0 || maxDepth > e.cfg.MaxDepth {
		maxDepth = e.cfg.MaxDepth
	}

	job := &model.ScanJob{
		Type:       jobType,
		Status:     model.ScanRunning,
		SeedServer: seed,
		MaxDepth:   maxDepth,
		CreatedAt:  e.clock.Now(),
	}
	jobID, err := e.sink.CreateScanJob(job)
	if err != nil {
		return nil, fmt.Errorf("spider: create scan job: %w", err)
	}
	job.ID = jobID

	visited := map[string]bool{canonicalHost(seed): true}
	queue := []queueItem{{hostOrIP: seed, depth: 0}}

	var update model.ProgressUpdate

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			job.Status = model.ScanCancelled
			job.Error = ErrCancelled.Error()
			now := e.clock.Now()
			job.CompletedAt = &now
			_ = e.sink.UpdateScanJob(job)
			return job, ErrCancelled
		default:
		}

		item := queue[0]
		queue = queue[1:]

		update.Current = item.hostOrIP
		update.QueueSize = len(queue)

		newSources, err := e.scanOneServer(ctx, item.hostOrIP, &update)
		if err != nil {
			job.Error = err.Error()
		}
		update.ServersDone++
		job.ServersDone = update.ServersDone
		job.EventsParsed = update.EventsParsed
		job.KeysFound = update.KeysFound
		job.UnreachableFound = update.UnreachableFound
		_ = e.sink.UpdateScanJob(job)

		if progress != nil {
			progress(update)
		}

		if item.depth >= maxDepth {
			continue
		}
		for _, src := range newSources {
			c := canonicalHost(src)
			if visited[c] {
				continue
			}
			visited[c] = true
			queue = append(queue, queueItem{hostOrIP: src, depth: item.depth + 1})
		}
	}

	job.Status = model.ScanCompleted
	now := e.clock.Now()
	job.CompletedAt = &now
	_ = e.sink.UpdateScanJob(job)
	log.Printf("[spider] job %d complete: %s servers, %s events, %s keys, %s unreachable sources",
		job.ID, humanize.Comma(int64(job.ServersDone)), humanize.Comma(int64(job.EventsParsed)),
		humanize.Comma(int64(job.KeysFound)), humanize.Comma(int64(job.UnreachableFound)))
	return job, nil
}

// scanOneServer performs the per-server procedure of spec.md §4.7 and
// returns the newly-observed, reachable source IPs to enqueue at the
// next depth.
func (e *Engine) scanOneServer(ctx context.Context, hostOrIP string, update *model.ProgressUpdate) ([]string, error) {
	server, found, err := e.sink.GetServerByHostOrIP(hostOrIP)
	if err != nil {
		return nil, fmt.Errorf("spider: lookup server %q: %w", hostOrIP, err)
	}
	if !found {
		server = &model.Server{Hostname: hostOrIP, IP: hostOrIP, OSType: model.OSUnknown}
	}
	id, err := e.sink.UpsertServer(server)
	if err != nil {
		return nil, fmt.Errorf("spider: upsert server %q: %w", hostOrIP, err)
	}
	server.ID = id

	if server.PreferAgent && agentHeartbeatFresh(server, e.clock.Now(), e.cfg.AgentHeartbeatMaxAge) {
		// Agent-pushed data is authoritative for this cycle; skip SSH
		// scanning entirely (spec.md §4.7 step 2).
		return nil, nil
	}

	lease, err := e.pool.Acquire(ctx, server.IP, e.cfg.SSHPort)
	if err != nil {
		return nil, fmt.Errorf("spider: acquire connection to %q: %w", hostOrIP, err)
	}
	defer e.pool.Release(lease)

	fs, err := sftpfs.Open(lease.Client)
	if err != nil {
		e.pool.Invalidate(lease)
		return nil, fmt.Errorf("spider: open sftp to %q: %w", hostOrIP, err)
	}
	defer fs.Close()

	events, sudoEvents, maxEventTime, err := e.readAuthLogs(fs, server)
	if err != nil {
		return nil, fmt.Errorf("spider: read auth logs on %q: %w", hostOrIP, err)
	}
	if len(events) > 0 {
		if err := e.sink.PutAccessEvents(events); err != nil {
			return nil, fmt.Errorf("spider: persist access events for %q: %w", hostOrIP, err)
		}
	}
	if len(sudoEvents) > 0 {
		if err := e.sink.PutSudoEvents(sudoEvents); err != nil {
			return nil, fmt.Errorf("spider: persist sudo events for %q: %w", hostOrIP, err)
		}
	}
	update.EventsParsed += len(events) + len(sudoEvents)

	scanResult, err := keyscanner.ScanServer(fs)
	if err != nil {
		return nil, fmt.Errorf("spider: scan keys on %q: %w", hostOrIP, err)
	}

	fingerprints := make([]string, 0, len(scanResult.Findings))
	keysMeta := make(map[string]model.SSHKey, len(scanResult.Findings))
	for _, f := range scanResult.Findings {
		fingerprints = append(fingerprints, f.Key.FingerprintSHA256)
		keysMeta[f.Key.FingerprintSHA256] = model.SSHKey{
			FingerprintSHA256: f.Key.FingerprintSHA256,
			FingerprintMD5:    f.Key.FingerprintMD5,
			KeyType:           model.KeyType(f.Key.Type),
			KeyBits:           f.Key.Bits,
			Comment:           f.Key.Comment,
			IsHostKey:         f.FileType == model.FileHostKey,
			FirstSeenAt:       e.clock.Now(),
			FileMtime:         f.FileMtime,
		}
	}
	for _, ev := range events {
		if ev.Fingerprint != "" {
			fingerprints = append(fingerprints, ev.Fingerprint)
		}
	}

	keyIDByFP, err := e.sink.BulkGetOrCreateKeys(fingerprints, keysMeta)
	if err != nil {
		return nil, fmt.Errorf("spider: resolve keys for %q: %w", hostOrIP, err)
	}
	update.KeysFound += len(scanResult.Findings)

	locs := make([]model.KeyLocation, 0, len(scanResult.Findings))
	locUsernames := make([]string, 0, len(scanResult.Findings))
	for _, f := range scanResult.Findings {
		keyID, ok := keyIDByFP[f.Key.FingerprintSHA256]
		if !ok {
			continue
		}
		locs = append(locs, model.KeyLocation{
			ServerID:   server.ID,
			SSHKeyID:   keyID,
			FilePath:   f.Path,
			FileType:   f.FileType,
			UnixOwner:  f.UnixOwner,
			UnixPerms:  f.UnixPerms,
			GraphLayer: "authorization",
			FileMtime:  f.FileMtime,
			FileSize:   f.FileSize,
		})
		locUsernames = append(locUsernames, f.Username)
	}
	if len(locs) > 0 {
		if err := e.sink.PutKeyLocations(locs); err != nil {
			return nil, fmt.Errorf("spider: persist key locations for %q: %w", hostOrIP, err)
		}
	}

	newSourceIPs := uniqueSourceIPs(events)
	serverIDByIP := make(map[string]int64, len(newSourceIPs))
	var toEnqueue []string

	for _, ip := range newSourceIPs {
		src, found, err := e.sink.GetServerByHostOrIP(ip)
		if err != nil {
			continue
		}
		if found {
			serverIDByIP[ip] = src.ID
			continue
		}

		reachable := e.checker == nil || e.checker.IsReachable(ctx, ip, e.cfg.SSHPort)
		if reachable {
			newID, err := e.sink.UpsertServer(&model.Server{Hostname: ip, IP: ip, OSType: model.OSUnknown})
			if err == nil {
				serverIDByIP[ip] = newID
				toEnqueue = append(toEnqueue, ip)
			}
			continue
		}

		hadAccepted, username := dominantEventFor(events, ip)
		hostname := ""
		if e.checker != nil {
			hostname = e.checker.ReverseDNS(ctx, ip)
		}
		_ = e.sink.PutUnreachableSource(&model.UnreachableSource{
			SourceIP:     ip,
			ReverseDNS:   hostname,
			TargetServerID: server.ID,
			Username:     username,
			FirstSeenAt:  e.clock.Now(),
			LastSeenAt:   e.clock.Now(),
			EventCount:   countEventsFor(events, ip),
			Severity:     unreachable.Classify(hadAccepted, username, ip),
		})
		update.UnreachableFound++
	}

	paths := CorrelateUsage(server.ID, events, keyIDByFP, serverIDByIP)
	for i, loc := range locs {
		paths = append(paths, CorrelateAuthorizationPath(server.ID, loc, locUsernames[i]))
	}
	for i := range paths {
		if err := e.sink.UpsertAccessPath(&paths[i]); err != nil {
			return nil, fmt.Errorf("spider: upsert access path for %q: %w", hostOrIP, err)
		}
	}

	if !maxEventTime.IsZero() {
		_ = e.sink.UpdateScanWatermark(server.ID, maxEventTime)
	}
	_ = e.sink.UpdateLastScanned(server.ID, e.clock.Now())

	return toEnqueue, nil
}

// readAuthLogs tries the journald export first, then each syslog
// dialect path in turn, stopping at the first one that exists and
// parses cleanly (spec.md §4.7 step 3: journald first, fall back to
// syslog — not both). It returns the greatest EventTime observed, for
// the new scan_watermark.
func (e *Engine) readAuthLogs(fs *sftpfs.FS, server *model.Server) ([]model.AccessEvent, []model.SudoEvent, time.Time, error) {
	paths := append([]string{JournaldLogPath}, AuthLogPaths...)
	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			continue
		}
		if info.Size() > e.cfg.FileMaxReadBytes {
			log.Printf("[spider] %s: %s is %s, reading only the trailing %s",
				server.Hostname, p, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(e.cfg.FileMaxReadBytes)))
		}
		data, err := fs.ReadFileTail(p, e.cfg.FileMaxReadBytes)
		if err != nil {
			continue
		}

		res, err := logparser.Parse(bytes.NewReader(data), logparser.Options{
			ReferenceTime:  info.ModTime(),
			Watermark:      server.ScanWatermark,
			TargetServerID: server.ID,
			LogSource:      p,
		})
		if err != nil {
			continue
		}

		var maxTime time.Time
		for _, ev := range res.Events {
			if ev.EventTime.After(maxTime) {
				maxTime = ev.EventTime
			}
		}
		return res.Events, res.SudoEvents, maxTime, nil
	}

	return nil, nil, time.Time{}, nil
}

func agentHeartbeatFresh(s *model.Server, now time.Time, maxAge time.Duration) bool {
	return s.LastHeartbeat != nil && now.Sub(*s.LastHeartbeat) <= maxAge
}

func uniqueSourceIPs(events []model.AccessEvent) []string {
	seen := make(map[string]bool)
	var ips []string
	for _, ev := range events {
		if ev.SourceIP == "" || seen[ev.SourceIP] {
			continue
		}
		seen[ev.SourceIP] = true
		ips = append(ips, ev.SourceIP)
	}
	return ips
}

func countEventsFor(events []model.AccessEvent, ip string) int {
	n := 0
	for _, ev := range events {
		if ev.SourceIP == ip {
			n++
		}
	}
	return n
}

// dominantEventFor reports whether ip had at least one accepted event
// against this target, and the username of its most recent event
// (used for severity classification, spec.md §4.6).
func dominantEventFor(events []model.AccessEvent, ip string) (hadAccepted bool, username string) {
	var latest time.Time
	for _, ev := range events {
		if ev.SourceIP != ip {
			continue
		}
		if ev.EventType == model.EventAccepted {
			hadAccepted = true
		}
		if ev.EventTime.After(latest) {
			latest = ev.EventTime
			username = ev.Username
		}
	}
	return hadAccepted, username
}

// pathKey identifies the natural key of an AccessPath for in-memory
// aggregation before upsert: (source, target, key, username).
func pathKey(sourceServerID *int64, targetServerID int64, sshKeyID *int64, username string) string {
	src := "nil"
	if sourceServerID != nil {
		src = fmt.Sprintf("%d", *sourceServerID)
	}
	key := "nil"
	if sshKeyID != nil {
		key = fmt.Sprintf("%d", *sshKeyID)
	}
	return fmt.Sprintf("%s|%d|%s|%s", src, targetServerID, key, username)
}

// CorrelateUsage builds usage-layer AccessPaths from a batch of
// accepted AccessEvents (spec.md §4.7 step 5), aggregating by natural
// key so repeated events against the same (source, target, key, user)
// become one edge with an incremented count.
func CorrelateUsage(targetServerID int64, events []model.AccessEvent, keyIDByFP map[string]int64, serverIDByIP map[string]int64) []model.AccessPath {
	agg := make(map[string]*model.AccessPath)
	var order []string

	for _, ev := range events {
		if ev.EventType != model.EventAccepted {
			continue
		}
		var keyID *int64
		if ev.Fingerprint != "" {
			if id, ok := keyIDByFP[ev.Fingerprint]; ok {
				idCopy := id
				keyID = &idCopy
			}
		}
		var srcID *int64
		if id, ok := serverIDByIP[ev.SourceIP]; ok {
			idCopy := id
			srcID = &idCopy
		}

		k := pathKey(srcID, targetServerID, keyID, ev.Username)
		p, ok := agg[k]
		if !ok {
			p = &model.AccessPath{
				SourceServerID: srcID,
				TargetServerID: targetServerID,
				SSHKeyID:       keyID,
				Username:       ev.Username,
				FirstSeenAt:    ev.EventTime,
				LastSeenAt:     ev.EventTime,
			}
			agg[k] = p
			order = append(order, k)
		}
		p.IsUsed = true
		p.EventCount++
		if ev.EventTime.Before(p.FirstSeenAt) {
			p.FirstSeenAt = ev.EventTime
		}
		if ev.EventTime.After(p.LastSeenAt) {
			p.LastSeenAt = ev.EventTime
		}
	}

	out := make([]model.AccessPath, 0, len(order))
	for _, k := range order {
		out = append(out, *agg[k])
	}
	return out
}

// CorrelateAuthorizationPath builds the authorization-layer AccessPath
// for one authorized_keys KeyLocation (spec.md §4.7 step 5): the
// source is an "unknown source" placeholder (nil SourceServerID) until
// usage correlation, elsewhere, proves which server actually uses it.
// username is the owning account (keyscanner.Finding.Username) — it is
// not part of model.KeyLocation, which records only where a key lives,
// not whose account found it.
func CorrelateAuthorizationPath(targetServerID int64, loc model.KeyLocation, username string) model.AccessPath {
	keyID := loc.SSHKeyID
	return model.AccessPath{
		TargetServerID: targetServerID,
		SSHKeyID:       &keyID,
		Username:       username,
		IsAuthorized:   true,
		FirstSeenAt:    derefTime(loc.FileMtime),
		LastSeenAt:     derefTime(loc.FileMtime),
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
