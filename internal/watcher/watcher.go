// Package watcher maintains one persistent `tail -F` SSH session per
// watched server on the first syslog-style auth log it finds (journald
// is not followed), feeding each
// line into the log parser and broadcasting new events to subscribers
// (spec.md §4.8). Reconnection uses the same full-jitter exponential
// backoff as the connection pool's dial retry, generalized from the
// same source (the teacher's sshexec retry loop) to a longer-lived,
// indefinitely-retried schedule.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/jsherman999/keyspider/internal/backoff"
	"github.com/jsherman999/keyspider/internal/clock"
	"github.com/jsherman999/keyspider/internal/logparser"
	"github.com/jsherman999/keyspider/internal/model"
	"github.com/jsherman999/keyspider/internal/sftpfs"
	"github.com/jsherman999/keyspider/internal/sshpool"
)

// StreamBufferSize is the per-consumer channel capacity. A consumer
// that falls this far behind starts missing events rather than
// stalling the tail loop (spec.md §4.8 favors live delivery over
// guaranteed delivery for the broadcast stream; persistence of every
// event is the sink's job, not the stream's).
const StreamBufferSize = 256

// AuthLogPaths mirrors spider.AuthLogPaths; duplicated as a small,
// stable constant rather than imported, so the watcher has no
// compile-time dependency on the crawl engine.
var AuthLogPaths = []string{
	"/var/log/auth.log",
	"/var/log/secure",
	"/var/adm/syslog/syslog.log",
}

// Stream is one consumer's view of a watched server's events. Range
// over Events() until it closes (the stop sentinel); always call
// Close to deregister, including via defer, so a consumer that exits
// early doesn't leak its slot.
type Stream struct {
	events chan model.AccessEvent
	sudo   chan model.SudoEvent
	w      *Watcher
}

func (s *Stream) Events() <-chan model.AccessEvent { return s.events }
func (s *Stream) SudoEvents() <-chan model.SudoEvent { return s.sudo }

// Close deregisters the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.w.unsubscribe(s)
}

// Session tracks one server's persistent tail subscription.
type Session struct {
	Server     *model.Server
	mu         sync.Mutex
	status     model.WatchSessionStatus
	paused     bool
	lastOffset int64
	lastSize   int64
	autoSpider bool
	spiderDepth int
	onAutoSpider func(sourceIP string, depth int)
}

// Watcher runs and multiplexes tail sessions.
type Watcher struct {
	pool  *sshpool.Pool
	sink  model.Sink
	clock clock.Clock
	sshPort int

	mu        sync.Mutex
	consumers map[*Session][]*Stream
	sessions  map[int64]*Session
}

// New constructs a Watcher.
func New(pool *sshpool.Pool, sink model.Sink, clk clock.Clock, sshPort int) *Watcher {
	if clk == nil {
		clk = clock.New()
	}
	if sshPort <= 0 {
		sshPort = 22
	}
	return &Watcher{
		pool:      pool,
		sink:      sink,
		clock:     clk,
		sshPort:   sshPort,
		consumers: make(map[*Session][]*Stream),
		sessions:  make(map[int64]*Session),
	}
}

// Subscribe registers a new consumer for server's event stream.
func (w *Watcher) Subscribe(server *model.Server) *Stream {
	w.mu.Lock()
	defer w.mu.Unlock()
	sess, ok := w.sessions[server.ID]
	if !ok {
		sess = &Session{Server: server, status: model.WatchActive}
		w.sessions[server.ID] = sess
	}
	s := &Stream{
		events: make(chan model.AccessEvent, StreamBufferSize),
		sudo:   make(chan model.SudoEvent, StreamBufferSize),
		w:      w,
	}
	w.consumers[sess] = append(w.consumers[sess], s)
	return s
}

func (w *Watcher) unsubscribe(s *Stream) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sess, list := range w.consumers {
		for i, cand := range list {
			if cand == s {
				w.consumers[sess] = append(list[:i], list[i+1:]...)
				close(s.events)
				close(s.sudo)
				return
			}
		}
	}
}

// Stop ends a server's tail session, pushing the close sentinel to
// every subscribed consumer.
func (w *Watcher) Stop(serverID int64) {
	w.mu.Lock()
	sess, ok := w.sessions[serverID]
	if !ok {
		w.mu.Unlock()
		return
	}
	sess.mu.Lock()
	sess.status = model.WatchStopped
	sess.mu.Unlock()

	streams := w.consumers[sess]
	delete(w.consumers, sess)
	delete(w.sessions, serverID)
	w.mu.Unlock()

	for _, s := range streams {
		close(s.events)
		close(s.sudo)
	}
}

// Pause suspends reading for serverID; the connection is held, not
// released, so Resume can continue from the same tail position.
func (w *Watcher) Pause(serverID int64) {
	w.mu.Lock()
	sess := w.sessions[serverID]
	w.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.paused = true
	sess.status = model.WatchPaused
	sess.mu.Unlock()
}

// Resume un-pauses a session previously paused with Pause.
func (w *Watcher) Resume(serverID int64) {
	w.mu.Lock()
	sess := w.sessions[serverID]
	w.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.paused = false
	sess.status = model.WatchActive
	sess.mu.Unlock()
}

// EnableAutoSpider turns on auto-spider mode for a session: every
// accepted event that carries a source IP triggers onEnqueue with
// spiderDepth (spec.md §4.8's auto-spider mode). Sources are not
// de-duplicated here; a source seen again triggers again. It does
// nothing if serverID has no session yet.
func (w *Watcher) EnableAutoSpider(serverID int64, spiderDepth int, onEnqueue func(sourceIP string, depth int)) {
	w.mu.Lock()
	sess := w.sessions[serverID]
	w.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.autoSpider = true
	sess.spiderDepth = spiderDepth
	sess.onAutoSpider = onEnqueue
	sess.mu.Unlock()
}

func (w *Watcher) broadcast(sess *Session, ev *model.AccessEvent, sudo *model.SudoEvent) {
	w.mu.Lock()
	streams := append([]*Stream(nil), w.consumers[sess]...)
	w.mu.Unlock()

	for _, s := range streams {
		if ev != nil {
			select {
			case s.events <- *ev:
			default:
			}
		}
		if sudo != nil {
			select {
			case s.sudo <- *sudo:
			default:
			}
		}
	}
}

// Run drives one server's persistent tail loop until ctx is cancelled.
// It reconnects with full-jitter exponential backoff on any remote
// disconnect.
func (w *Watcher) Run(ctx context.Context, server *model.Server) error {
	w.mu.Lock()
	sess, ok := w.sessions[server.ID]
	if !ok {
		sess = &Session{Server: server, status: model.WatchActive}
		w.sessions[server.ID] = sess
	}
	w.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := w.runOnce(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess.mu.Lock()
		sess.status = model.WatchError
		sess.mu.Unlock()

		delay := backoff.WatcherReconnect.Delay(attempt)
		log.Printf("[watcher] %s: tail session ended (%v), reconnecting in %s (attempt %d)",
			server.Hostname, err, delay, attempt+1)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(delay):
		}
	}
}

// runOnce leases a connection, starts the tail command, and streams
// lines until the session ends (remote close, context cancellation,
// or pause).
func (w *Watcher) runOnce(ctx context.Context, sess *Session) error {
	lease, err := w.pool.Acquire(ctx, sess.Server.IP, w.sshPort)
	if err != nil {
		return fmt.Errorf("watcher: acquire connection: %w", err)
	}
	defer w.pool.Release(lease)

	path, startOffset, err := w.resolveTailTarget(lease, sess)
	if err != nil {
		return fmt.Errorf("watcher: resolve tail target: %w", err)
	}

	session, err := lease.Client.NewSession()
	if err != nil {
		return fmt.Errorf("watcher: new ssh session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("watcher: stdout pipe: %w", err)
	}

	cmd := fmt.Sprintf("tail -c +%d -F %s", startOffset+1, shellQuote(path))
	if startOffset == 0 {
		// Re-read from the start (rotation): bound it to the last
		// LOG_MAX_LINES_INCREMENTAL lines.
		cmd = fmt.Sprintf("tail -n %d -F %s", logparser.DefaultMaxLinesIncremental, shellQuote(path))
	}
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("watcher: start tail: %w", err)
	}

	sess.mu.Lock()
	sess.status = model.WatchActive
	sess.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var bytesRead int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			log.Printf("[watcher] %s: tail cycle consumed %s from %s",
				sess.Server.Hostname, humanize.Bytes(uint64(bytesRead)), path)
		}()
		for scanner.Scan() {
			sess.mu.Lock()
			paused := sess.paused
			sess.mu.Unlock()
			if paused {
				continue
			}

			line := scanner.Text()
			bytesRead += int64(len(line)) + 1
			ev, sudo, ok := logparser.ParseLiveLine(line, logparser.Options{
				TargetServerID: sess.Server.ID,
				LogSource:      path,
			})
			if !ok {
				continue
			}
			if ev != nil {
				_ = w.sink.PutAccessEvents([]model.AccessEvent{*ev})
				w.maybeAutoSpider(sess, ev)
			}
			if sudo != nil {
				_ = w.sink.PutSudoEvents([]model.SudoEvent{*sudo})
			}
			w.broadcast(sess, ev, sudo)

			now := w.clock.Now()
			_ = w.sink.UpdateScanWatermark(sess.Server.ID, now)
		}
	}()

	select {
	case <-ctx.Done():
		session.Signal("KILL")
		return ctx.Err()
	case <-done:
		return fmt.Errorf("watcher: tail session on %s ended", sess.Server.Hostname)
	}
}

// maybeAutoSpider implements spec.md §4.8's auto-spider mode.
func (w *Watcher) maybeAutoSpider(sess *Session, ev *model.AccessEvent) {
	sess.mu.Lock()
	enabled := sess.autoSpider
	depth := sess.spiderDepth
	cb := sess.onAutoSpider
	sess.mu.Unlock()

	if !enabled || cb == nil || ev.EventType != model.EventAccepted || ev.SourceIP == "" {
		return
	}
	cb(ev.SourceIP, depth)
}

// resolveTailTarget picks which auth log file (the first of
// AuthLogPaths that exists) to tail and the byte offset to resume from.
// If the file shrank since the last known size (rotation), it returns
// offset 0, and runOnce then tails only the last
// LOG_MAX_LINES_INCREMENTAL lines.
func (w *Watcher) resolveTailTarget(lease *sshpool.Lease, sess *Session) (string, int64, error) {
	fs, err := sftpfs.Open(lease.Client)
	if err != nil {
		return "", 0, err
	}
	defer fs.Close()

	var chosen string
	var size int64
	for _, p := range AuthLogPaths {
		info, err := fs.Stat(p)
		if err != nil {
			continue
		}
		chosen = p
		size = info.Size()
		break
	}
	if chosen == "" {
		return "", 0, fmt.Errorf("watcher: no known auth log found on %s", sess.Server.Hostname)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	offset := sess.lastOffset
	if size < sess.lastSize {
		offset = 0 // rotation: re-read from start
		log.Printf("[watcher] %s: %s rotated (%s -> %s), restarting tail from beginning",
			sess.Server.Hostname, chosen, humanize.Bytes(uint64(sess.lastSize)), humanize.Bytes(uint64(size)))
	} else if sess.lastSize == 0 {
		offset = size // first connect: start at current end, only new lines matter
	}
	sess.lastSize = size
	sess.lastOffset = offset

	return chosen, offset, nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
