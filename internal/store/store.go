// Package store implements model.Sink and model.Graph on top of an
// embedded SQLite database (modernc.org/sqlite, pure Go, no cgo — the
// same engine the teacher's agent already carries for its own offline
// queue). The schema is a single embedded SQL string applied with
// CREATE TABLE IF NOT EXISTS at open time, matching the teacher's
// preference for small embedded schemas over a migration framework for
// anything outside the product database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jsherman999/keyspider/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the default Sink/Graph implementation. Writes are
// serialized through a single *sql.DB with busy_timeout set, giving
// the per-row transactional discipline the crawl and watch paths need
// without a separate application-level lock.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the SQLite database at path and applies
// the embedded schema. busyTimeout bounds how long a writer waits on
// lock contention before SQLITE_BUSY (spec.md/SPEC_FULL.md §6
// store.busy_timeout).
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer; avoid driver-level contention errors

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeStr(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTimeStr(ns.String)
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- model.Sink ---

// UpsertServer inserts or updates a Server keyed by hostname (the
// natural key crawl discovery and agent heartbeats both address by).
func (s *Store) UpsertServer(srv *model.Server) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO servers (hostname, ip, os_type, ssh_port, is_reachable, last_scanned_at, scan_watermark, prefer_agent, last_heartbeat, agent_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			ip = excluded.ip,
			os_type = CASE WHEN excluded.os_type != 'unknown' THEN excluded.os_type ELSE servers.os_type END,
			ssh_port = excluded.ssh_port,
			is_reachable = excluded.is_reachable,
			last_scanned_at = COALESCE(excluded.last_scanned_at, servers.last_scanned_at),
			scan_watermark = CASE WHEN excluded.scan_watermark > servers.scan_watermark THEN excluded.scan_watermark ELSE servers.scan_watermark END,
			prefer_agent = excluded.prefer_agent,
			last_heartbeat = COALESCE(excluded.last_heartbeat, servers.last_heartbeat),
			agent_version = CASE WHEN excluded.agent_version != '' THEN excluded.agent_version ELSE servers.agent_version END
	`,
		srv.Hostname, srv.IP, string(srv.OSType), srv.SSHPort, boolToInt(srv.IsReachable),
		nullTime(srv.LastScannedAt), timeStr(srv.ScanWatermark), boolToInt(srv.PreferAgent),
		nullTime(srv.LastHeartbeat), srv.AgentVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert server: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(`SELECT id FROM servers WHERE hostname = ?`, srv.Hostname).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: read back server id: %w", err)
	}
	return id, nil
}

// GetServerByHostOrIP looks up a server by hostname first, then by IP.
func (s *Store) GetServerByHostOrIP(hostOrIP string) (*model.Server, bool, error) {
	srv, ok, err := s.scanServerRow(`SELECT id, hostname, ip, os_type, ssh_port, is_reachable, last_scanned_at, scan_watermark, prefer_agent, last_heartbeat, agent_version FROM servers WHERE hostname = ?`, hostOrIP)
	if err != nil || ok {
		return srv, ok, err
	}
	return s.scanServerRow(`SELECT id, hostname, ip, os_type, ssh_port, is_reachable, last_scanned_at, scan_watermark, prefer_agent, last_heartbeat, agent_version FROM servers WHERE ip = ? LIMIT 1`, hostOrIP)
}

func (s *Store) scanServerRow(query string, arg string) (*model.Server, bool, error) {
	row := s.db.QueryRow(query, arg)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get server: %w", err)
	}
	return srv, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*model.Server, error) {
	var srv model.Server
	var osType string
	var lastScanned, lastHeartbeat sql.NullString
	var watermark string
	var isReachable, preferAgent int
	if err := row.Scan(&srv.ID, &srv.Hostname, &srv.IP, &osType, &srv.SSHPort, &isReachable,
		&lastScanned, &watermark, &preferAgent, &lastHeartbeat, &srv.AgentVersion); err != nil {
		return nil, err
	}
	srv.OSType = model.OSType(osType)
	srv.IsReachable = isReachable != 0
	srv.PreferAgent = preferAgent != 0
	srv.LastScannedAt = parseNullTime(lastScanned)
	srv.LastHeartbeat = parseNullTime(lastHeartbeat)
	srv.ScanWatermark = parseTimeStr(watermark)
	return &srv, nil
}

// BulkGetOrCreateKeys resolves a set of fingerprints to key ids,
// inserting any not already known.
func (s *Store) BulkGetOrCreateKeys(fingerprints []string, keys map[string]model.SSHKey) (map[string]int64, error) {
	result := make(map[string]int64, len(fingerprints))
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, fp := range fingerprints {
		var id int64
		err := tx.QueryRow(`SELECT id FROM ssh_keys WHERE fingerprint_sha256 = ?`, fp).Scan(&id)
		if err == nil {
			result[fp] = id
			continue
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("store: lookup key %s: %w", fp, err)
		}

		k, ok := keys[fp]
		if !ok {
			return nil, fmt.Errorf("store: no key metadata provided for new fingerprint %s", fp)
		}
		if k.FirstSeenAt.IsZero() {
			k.FirstSeenAt = time.Now().UTC()
		}
		res, err := tx.Exec(`
			INSERT INTO ssh_keys (fingerprint_sha256, fingerprint_md5, key_type, key_bits, comment, is_host_key, first_seen_at, file_mtime)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, fp, k.FingerprintMD5, string(k.KeyType), k.KeyBits, k.Comment, boolToInt(k.IsHostKey), timeStr(k.FirstSeenAt), nullTime(k.FileMtime))
		if err != nil {
			return nil, fmt.Errorf("store: insert key %s: %w", fp, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("store: last insert id: %w", err)
		}
		result[fp] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return result, nil
}

// PutKeyLocations upserts a batch of KeyLocation rows.
func (s *Store) PutKeyLocations(locs []model.KeyLocation) error {
	if len(locs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO key_locations (server_id, ssh_key_id, file_path, file_type, unix_owner, unix_perms, graph_layer, file_mtime, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, file_path, ssh_key_id) DO UPDATE SET
			unix_owner = excluded.unix_owner,
			unix_perms = excluded.unix_perms,
			file_mtime = excluded.file_mtime,
			file_size = excluded.file_size
	`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range locs {
		layer := l.GraphLayer
		if layer == "" {
			layer = "authorization"
		}
		if _, err := stmt.Exec(l.ServerID, l.SSHKeyID, l.FilePath, string(l.FileType), l.UnixOwner, l.UnixPerms, layer, nullTime(l.FileMtime), l.FileSize); err != nil {
			return fmt.Errorf("store: put key location %s: %w", l.FilePath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// PutAccessEvents inserts a batch of AccessEvents, silently skipping
// ones that already exist under the natural-key dedupe policy
// (target_server_id, source_ip, ssh_key_id, username, event_time) —
// the re-ingest idempotence decision recorded in DESIGN.md.
func (s *Store) PutAccessEvents(events []model.AccessEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO access_events
			(target_server_id, source_ip, source_server_id, ssh_key_id, fingerprint, username, auth_method, event_type, event_time, raw_log_line, log_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(e.TargetServerID, e.SourceIP, nullInt64(e.SourceServerID), nullInt64(e.SSHKeyID),
			e.Fingerprint, e.Username, string(e.AuthMethod), string(e.EventType), timeStr(e.EventTime), e.RawLogLine, e.LogSource); err != nil {
			return fmt.Errorf("store: put access event: %w", err)
		}
	}
	return tx.Commit()
}

// PutSudoEvents inserts a batch of SudoEvents. Unlike AccessEvent,
// sudo log lines have no natural uniqueness key beyond their full
// content, so they are append-only without dedupe.
func (s *Store) PutSudoEvents(events []model.SudoEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sudo_events (server_id, username, tty, pwd, target_user, command, event_time, raw_log_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(e.ServerID, e.Username, e.TTY, e.PWD, e.TargetUser, e.Command, timeStr(e.EventTime), e.RawLogLine); err != nil {
			return fmt.Errorf("store: put sudo event: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertAccessPath inserts or merges an AccessPath by its natural key.
// On conflict, is_authorized/is_used are OR-merged and event_count,
// first_seen_at/last_seen_at widen, per DESIGN.md's re-ingest policy.
func (s *Store) UpsertAccessPath(p *model.AccessPath) error {
	_, err := s.db.Exec(`
		INSERT INTO access_paths (source_server_id, target_server_id, ssh_key_id, username, first_seen_at, last_seen_at, event_count, is_authorized, is_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(COALESCE(source_server_id, -1), target_server_id, COALESCE(ssh_key_id, -1), username) DO UPDATE SET
			first_seen_at = CASE WHEN excluded.first_seen_at < access_paths.first_seen_at THEN excluded.first_seen_at ELSE access_paths.first_seen_at END,
			last_seen_at = CASE WHEN excluded.last_seen_at > access_paths.last_seen_at THEN excluded.last_seen_at ELSE access_paths.last_seen_at END,
			event_count = access_paths.event_count + excluded.event_count,
			is_authorized = access_paths.is_authorized OR excluded.is_authorized,
			is_used = access_paths.is_used OR excluded.is_used
	`, nullInt64(p.SourceServerID), p.TargetServerID, nullInt64(p.SSHKeyID), p.Username,
		timeStr(p.FirstSeenAt), timeStr(p.LastSeenAt), p.EventCount, boolToInt(p.IsAuthorized), boolToInt(p.IsUsed))
	if err != nil {
		return fmt.Errorf("store: upsert access path: %w", err)
	}
	return nil
}

// severityRank orders severities so repeat observations can escalate
// but never de-escalate a recorded UnreachableSource.
func severityRank(sev model.Severity) int {
	switch sev {
	case model.SeverityCritical:
		return 3
	case model.SeverityHigh:
		return 2
	case model.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// PutUnreachableSource inserts or merges an UnreachableSource by
// (source_ip, target_server_id, username), widening the observation
// window and bumping event_count; severity escalates but never
// de-escalates on repeat observation. The merge runs in a transaction
// since SQLite has no portable way to rank an arbitrary text column
// inside an ON CONFLICT clause.
func (s *Store) PutUnreachableSource(u *model.UnreachableSource) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var existingSeverity, existingLastSeen string
	var existingCount int
	err = tx.QueryRow(`
		SELECT severity, last_seen_at, event_count FROM unreachable_sources
		WHERE source_ip = ? AND target_server_id = ? AND username = ?
	`, u.SourceIP, u.TargetServerID, u.Username).Scan(&existingSeverity, &existingLastSeen, &existingCount)

	switch err {
	case sql.ErrNoRows:
		if _, err := tx.Exec(`
			INSERT INTO unreachable_sources (source_ip, reverse_dns, fingerprint, ssh_key_id, target_server_id, username, first_seen_at, last_seen_at, event_count, severity, acknowledged)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, u.SourceIP, u.ReverseDNS, u.Fingerprint, nullInt64(u.SSHKeyID), u.TargetServerID, u.Username,
			timeStr(u.FirstSeenAt), timeStr(u.LastSeenAt), u.EventCount, string(u.Severity), boolToInt(u.Acknowledged)); err != nil {
			return fmt.Errorf("store: insert unreachable source: %w", err)
		}
	case nil:
		mergedSeverity := u.Severity
		if severityRank(model.Severity(existingSeverity)) > severityRank(u.Severity) {
			mergedSeverity = model.Severity(existingSeverity)
		}
		mergedLastSeen := timeStr(u.LastSeenAt)
		if existingLastSeen > mergedLastSeen {
			mergedLastSeen = existingLastSeen
		}
		if _, err := tx.Exec(`
			UPDATE unreachable_sources SET
				reverse_dns = CASE WHEN ? != '' THEN ? ELSE reverse_dns END,
				last_seen_at = ?,
				event_count = event_count + ?,
				severity = ?
			WHERE source_ip = ? AND target_server_id = ? AND username = ?
		`, u.ReverseDNS, u.ReverseDNS, mergedLastSeen, u.EventCount, string(mergedSeverity),
			u.SourceIP, u.TargetServerID, u.Username); err != nil {
			return fmt.Errorf("store: update unreachable source: %w", err)
		}
	default:
		return fmt.Errorf("store: lookup unreachable source: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpdateScanWatermark advances a server's scan_watermark, used to skip
// already-processed log lines on the next scan (spec.md §4.2).
func (s *Store) UpdateScanWatermark(serverID int64, watermark time.Time) error {
	_, err := s.db.Exec(`UPDATE servers SET scan_watermark = ? WHERE id = ? AND scan_watermark < ?`,
		timeStr(watermark), serverID, timeStr(watermark))
	if err != nil {
		return fmt.Errorf("store: update scan watermark: %w", err)
	}
	return nil
}

// UpdateLastScanned records when a server was most recently crawled.
func (s *Store) UpdateLastScanned(serverID int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE servers SET last_scanned_at = ? WHERE id = ?`, timeStr(at), serverID)
	if err != nil {
		return fmt.Errorf("store: update last scanned: %w", err)
	}
	return nil
}

// UpdateHeartbeat records an agent check-in: the time it reported and
// the agent_version it self-reported. agentVersion is left untouched if
// the caller sends an empty string.
func (s *Store) UpdateHeartbeat(serverID int64, at time.Time, agentVersion string) error {
	_, err := s.db.Exec(`
		UPDATE servers
		SET last_heartbeat = ?,
		    agent_version = CASE WHEN ? != '' THEN ? ELSE agent_version END
		WHERE id = ?`,
		nullTime(&at), agentVersion, agentVersion, serverID)
	if err != nil {
		return fmt.Errorf("store: update heartbeat: %w", err)
	}
	return nil
}

// CreateScanJob inserts a new ScanJob row and returns its id.
func (s *Store) CreateScanJob(j *model.ScanJob) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO scan_jobs (type, status, seed_server, max_depth, servers_done, events_parsed, keys_found, unreachable_found, created_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(j.Type), string(j.Status), j.SeedServer, j.MaxDepth, j.ServersDone, j.EventsParsed, j.KeysFound, j.UnreachableFound,
		timeStr(j.CreatedAt), nullTime(j.CompletedAt), j.Error)
	if err != nil {
		return 0, fmt.Errorf("store: create scan job: %w", err)
	}
	return res.LastInsertId()
}

// UpdateScanJob persists the current counters/status of a ScanJob.
func (s *Store) UpdateScanJob(j *model.ScanJob) error {
	_, err := s.db.Exec(`
		UPDATE scan_jobs SET status = ?, servers_done = ?, events_parsed = ?, keys_found = ?, unreachable_found = ?, completed_at = ?, error = ?
		WHERE id = ?
	`, string(j.Status), j.ServersDone, j.EventsParsed, j.KeysFound, j.UnreachableFound, nullTime(j.CompletedAt), j.Error, j.ID)
	if err != nil {
		return fmt.Errorf("store: update scan job: %w", err)
	}
	return nil
}

// GetScanJob loads a ScanJob by id.
func (s *Store) GetScanJob(id int64) (*model.ScanJob, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, type, status, seed_server, max_depth, servers_done, events_parsed, keys_found, unreachable_found, created_at, completed_at, error
		FROM scan_jobs WHERE id = ?
	`, id)
	var j model.ScanJob
	var jobType, status string
	var createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&j.ID, &jobType, &status, &j.SeedServer, &j.MaxDepth, &j.ServersDone, &j.EventsParsed,
		&j.KeysFound, &j.UnreachableFound, &createdAt, &completedAt, &j.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get scan job: %w", err)
	}
	j.Type = model.ScanJobType(jobType)
	j.Status = model.ScanJobStatus(status)
	j.CreatedAt = parseTimeStr(createdAt)
	j.CompletedAt = parseNullTime(completedAt)
	return &j, true, nil
}

// ListScanJobs returns scan jobs newest-first (SPEC_FULL.md §10's
// supplemented scan-job lifecycle queries).
func (s *Store) ListScanJobs(ctx context.Context, limit int) ([]model.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, seed_server, max_depth, servers_done, events_parsed, keys_found, unreachable_found, created_at, completed_at, error
		FROM scan_jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list scan jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ScanJob
	for rows.Next() {
		var j model.ScanJob
		var jobType, status, createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&j.ID, &jobType, &status, &j.SeedServer, &j.MaxDepth, &j.ServersDone, &j.EventsParsed,
			&j.KeysFound, &j.UnreachableFound, &createdAt, &completedAt, &j.Error); err != nil {
			return nil, fmt.Errorf("store: scan scan job: %w", err)
		}
		j.Type = model.ScanJobType(jobType)
		j.Status = model.ScanJobStatus(status)
		j.CreatedAt = parseTimeStr(createdAt)
		j.CompletedAt = parseNullTime(completedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// CancelScanJob transitions a non-terminal ScanJob to cancelled.
func (s *Store) CancelScanJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET status = ? WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(model.ScanCancelled), id, string(model.ScanCompleted), string(model.ScanFailed), string(model.ScanCancelled))
	if err != nil {
		return fmt.Errorf("store: cancel scan job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: cancel scan job rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: scan job %d not found or already terminal", id)
	}
	return nil
}

// UpsertWatchSession creates or updates a WatchSession. The unique
// partial index on (server_id) WHERE status='active' enforces "one
// active session per server_id" (spec.md §3) at the database layer.
func (s *Store) UpsertWatchSession(w *model.WatchSession) (int64, error) {
	if w.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE watch_sessions SET status = ?, last_event_at = ?, events_captured = ?, auto_spider = ?, spider_depth = ?
			WHERE id = ?
		`, string(w.Status), nullTime(w.LastEventAt), w.EventsCaptured, boolToInt(w.AutoSpider), w.SpiderDepth, w.ID)
		if err != nil {
			return 0, fmt.Errorf("store: update watch session: %w", err)
		}
		return w.ID, nil
	}

	res, err := s.db.Exec(`
		INSERT INTO watch_sessions (server_id, status, last_event_at, events_captured, auto_spider, spider_depth)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ServerID, string(w.Status), nullTime(w.LastEventAt), w.EventsCaptured, boolToInt(w.AutoSpider), w.SpiderDepth)
	if err != nil {
		return 0, fmt.Errorf("store: insert watch session: %w", err)
	}
	return res.LastInsertId()
}

// GetActiveWatchSession returns the active WatchSession for a server,
// if any.
func (s *Store) GetActiveWatchSession(serverID int64) (*model.WatchSession, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, server_id, status, last_event_at, events_captured, auto_spider, spider_depth
		FROM watch_sessions WHERE server_id = ? AND status = 'active'
	`, serverID)
	var w model.WatchSession
	var status string
	var lastEventAt sql.NullString
	var autoSpider int
	if err := row.Scan(&w.ID, &w.ServerID, &status, &lastEventAt, &w.EventsCaptured, &autoSpider, &w.SpiderDepth); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get active watch session: %w", err)
	}
	w.Status = model.WatchSessionStatus(status)
	w.LastEventAt = parseNullTime(lastEventAt)
	w.AutoSpider = autoSpider != 0
	return &w, true, nil
}

// --- model.Graph ---

// AllServers returns every known server.
func (s *Store) AllServers() ([]model.Server, error) {
	rows, err := s.db.Query(`SELECT id, hostname, ip, os_type, ssh_port, is_reachable, last_scanned_at, scan_watermark, prefer_agent, last_heartbeat, agent_version FROM servers`)
	if err != nil {
		return nil, fmt.Errorf("store: all servers: %w", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan server: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// AllUnreachableSources returns every recorded unreachable source.
func (s *Store) AllUnreachableSources() ([]model.UnreachableSource, error) {
	rows, err := s.db.Query(`
		SELECT id, source_ip, reverse_dns, fingerprint, ssh_key_id, target_server_id, username, first_seen_at, last_seen_at, event_count, severity, acknowledged
		FROM unreachable_sources
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all unreachable sources: %w", err)
	}
	defer rows.Close()

	var out []model.UnreachableSource
	for rows.Next() {
		var u model.UnreachableSource
		var sshKeyID sql.NullInt64
		var firstSeen, lastSeen, severity string
		var acknowledged int
		if err := rows.Scan(&u.ID, &u.SourceIP, &u.ReverseDNS, &u.Fingerprint, &sshKeyID, &u.TargetServerID, &u.Username,
			&firstSeen, &lastSeen, &u.EventCount, &severity, &acknowledged); err != nil {
			return nil, fmt.Errorf("store: scan unreachable source: %w", err)
		}
		u.SSHKeyID = int64Ptr(sshKeyID)
		u.FirstSeenAt = parseTimeStr(firstSeen)
		u.LastSeenAt = parseTimeStr(lastSeen)
		u.Severity = model.Severity(severity)
		u.Acknowledged = acknowledged != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// AllAccessPaths returns every correlated access path.
func (s *Store) AllAccessPaths() ([]model.AccessPath, error) {
	rows, err := s.db.Query(`
		SELECT id, source_server_id, target_server_id, ssh_key_id, username, first_seen_at, last_seen_at, event_count, is_authorized, is_used
		FROM access_paths
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all access paths: %w", err)
	}
	defer rows.Close()

	var out []model.AccessPath
	for rows.Next() {
		var p model.AccessPath
		var sourceServerID, sshKeyID sql.NullInt64
		var firstSeen, lastSeen string
		var isAuthorized, isUsed int
		if err := rows.Scan(&p.ID, &sourceServerID, &p.TargetServerID, &sshKeyID, &p.Username,
			&firstSeen, &lastSeen, &p.EventCount, &isAuthorized, &isUsed); err != nil {
			return nil, fmt.Errorf("store: scan access path: %w", err)
		}
		p.SourceServerID = int64Ptr(sourceServerID)
		p.SSHKeyID = int64Ptr(sshKeyID)
		p.FirstSeenAt = parseTimeStr(firstSeen)
		p.LastSeenAt = parseTimeStr(lastSeen)
		p.IsAuthorized = isAuthorized != 0
		p.IsUsed = isUsed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// KeyCountByServer aggregates the number of distinct keys located on
// each server.
func (s *Store) KeyCountByServer() (map[int64]int, error) {
	rows, err := s.db.Query(`SELECT server_id, COUNT(DISTINCT ssh_key_id) FROM key_locations GROUP BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("store: key count by server: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("store: scan key count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// EventCountByServer aggregates AccessEvent counts per target server.
func (s *Store) EventCountByServer() (map[int64]int, error) {
	rows, err := s.db.Query(`SELECT target_server_id, COUNT(*) FROM access_events GROUP BY target_server_id`)
	if err != nil {
		return nil, fmt.Errorf("store: event count by server: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("store: scan event count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// KeyTypeByID returns the recorded key type for a key id.
func (s *Store) KeyTypeByID(id int64) (model.KeyType, bool) {
	var kt string
	if err := s.db.QueryRow(`SELECT key_type FROM ssh_keys WHERE id = ?`, id).Scan(&kt); err != nil {
		return "", false
	}
	return model.KeyType(kt), true
}

// DormantKeyLocations returns authorized-keys KeyLocations with zero
// matching AccessEvents against their server (spec.md §8 scenario 4).
func (s *Store) DormantKeyLocations() ([]model.KeyLocation, error) {
	rows, err := s.db.Query(`
		SELECT kl.id, kl.server_id, kl.ssh_key_id, kl.file_path, kl.file_type, kl.unix_owner, kl.unix_perms, kl.graph_layer, kl.file_mtime, kl.file_size
		FROM key_locations kl
		JOIN ssh_keys sk ON sk.id = kl.ssh_key_id
		WHERE kl.file_type = 'authorized_keys'
		AND NOT EXISTS (
			SELECT 1 FROM access_events ae
			WHERE ae.target_server_id = kl.server_id AND ae.fingerprint = sk.fingerprint_sha256 AND ae.event_type = 'accepted'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("store: dormant key locations: %w", err)
	}
	defer rows.Close()
	return scanKeyLocations(rows)
}

// MysteryKeyEvents returns accepted AccessEvents whose fingerprint has
// no matching authorized_keys KeyLocation on the target server (spec.md
// §8 scenario 3).
func (s *Store) MysteryKeyEvents() ([]model.AccessEvent, error) {
	rows, err := s.db.Query(`
		SELECT ae.id, ae.target_server_id, ae.source_ip, ae.source_server_id, ae.ssh_key_id, ae.fingerprint, ae.username, ae.auth_method, ae.event_type, ae.event_time, ae.raw_log_line, ae.log_source
		FROM access_events ae
		WHERE ae.event_type = 'accepted' AND ae.fingerprint != ''
		AND NOT EXISTS (
			SELECT 1 FROM key_locations kl
			JOIN ssh_keys sk ON sk.id = kl.ssh_key_id
			WHERE kl.server_id = ae.target_server_id AND kl.file_type = 'authorized_keys' AND sk.fingerprint_sha256 = ae.fingerprint
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("store: mystery key events: %w", err)
	}
	defer rows.Close()
	return scanAccessEvents(rows)
}

// StaleKeyLocations returns authorized KeyLocations whose used
// AccessPath has gone quiet for longer than maxAge (SPEC_FULL.md §10).
// Keys with no usage
// history whatsoever are dormant, not stale, and are excluded here —
// DormantKeyLocations already covers that case.
func (s *Store) StaleKeyLocations(maxAge time.Duration, now time.Time) ([]model.KeyLocation, error) {
	cutoff := timeStr(now.Add(-maxAge))
	rows, err := s.db.Query(`
		SELECT kl.id, kl.server_id, kl.ssh_key_id, kl.file_path, kl.file_type, kl.unix_owner, kl.unix_perms, kl.graph_layer, kl.file_mtime, kl.file_size
		FROM key_locations kl
		JOIN access_paths ap ON ap.ssh_key_id = kl.ssh_key_id AND ap.target_server_id = kl.server_id
		WHERE kl.file_type = 'authorized_keys' AND ap.is_used = 1 AND ap.last_seen_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale key locations: %w", err)
	}
	defer rows.Close()
	return scanKeyLocations(rows)
}

func scanKeyLocations(rows *sql.Rows) ([]model.KeyLocation, error) {
	var out []model.KeyLocation
	for rows.Next() {
		var l model.KeyLocation
		var fileType, graphLayer string
		var fileMtime sql.NullString
		if err := rows.Scan(&l.ID, &l.ServerID, &l.SSHKeyID, &l.FilePath, &fileType, &l.UnixOwner, &l.UnixPerms, &graphLayer, &fileMtime, &l.FileSize); err != nil {
			return nil, fmt.Errorf("store: scan key location: %w", err)
		}
		l.FileType = model.FileType(fileType)
		l.GraphLayer = graphLayer
		l.FileMtime = parseNullTime(fileMtime)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanAccessEvents(rows *sql.Rows) ([]model.AccessEvent, error) {
	var out []model.AccessEvent
	for rows.Next() {
		var e model.AccessEvent
		var sourceServerID, sshKeyID sql.NullInt64
		var authMethod, eventType, eventTime string
		if err := rows.Scan(&e.ID, &e.TargetServerID, &e.SourceIP, &sourceServerID, &sshKeyID, &e.Fingerprint, &e.Username,
			&authMethod, &eventType, &eventTime, &e.RawLogLine, &e.LogSource); err != nil {
			return nil, fmt.Errorf("store: scan access event: %w", err)
		}
		e.SourceServerID = int64Ptr(sourceServerID)
		e.SSHKeyID = int64Ptr(sshKeyID)
		e.AuthMethod = model.AuthMethod(authMethod)
		e.EventType = model.EventType(eventType)
		e.EventTime = parseTimeStr(eventTime)
		out = append(out, e)
	}
	return out, rows.Err()
}
