// Package sshpool manages pooled SSH connections to fleet servers
// (spec.md §4.4): acquire/release/close_all, FIFO queueing once a
// per-server or global connection cap is hit, exponential-backoff dial
// retry, and Trust-On-First-Use host key verification persisted to
// disk. The pooling, LRU-style caching, and TOFU callback are
// generalized from the teacher's sshexec.Executor; the queueing and
// jittered backoff are new, since the teacher retried serially with a
// fixed linear delay instead of admission-controlling concurrent
// dials.
package sshpool

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/backoff"
	"github.com/jsherman999/keyspider/internal/clock"
)

var (
	// ErrPoolExhausted is returned when a caller's context expires while
	// waiting for a free slot under the per-server or global cap.
	ErrPoolExhausted = errors.New("sshpool: exhausted, timed out waiting for a slot")
	// ErrConnectFailed is returned when every dial attempt (respecting
	// DialRetries) failed for reasons other than authentication.
	ErrConnectFailed = errors.New("sshpool: connect failed")
	// ErrAuthFailed is returned immediately, without retrying, when the
	// remote host rejects our credentials.
	ErrAuthFailed = errors.New("sshpool: authentication failed")
	// ErrTimeout is returned when the caller's context is cancelled or
	// deadlined while dialing, or cancelled (not deadlined) while
	// waiting for a slot.
	ErrTimeout = errors.New("sshpool: timeout")
	// ErrPoolClosed is returned by Acquire after CloseAll.
	ErrPoolClosed = errors.New("sshpool: closed")
)

// Config controls pool sizing, auth, and host-key trust.
type Config struct {
	User           string
	Auth           []ssh.AuthMethod
	MaxPerServer   int
	MaxGlobal      int
	ConnectTimeout time.Duration
	DialRetries    int
	DialBackoff    backoff.Policy
	MaxIdlePerHost int
	KnownHostsPath string
}

func (c *Config) setDefaults() {
	if c.MaxPerServer <= 0 {
		c.MaxPerServer = 4
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 64
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.DialRetries <= 0 {
		c.DialRetries = 3
	}
	if c.DialBackoff.Base <= 0 {
		c.DialBackoff = backoff.SSHDial
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = 2
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = "/var/lib/keyspider/ssh_known_hosts"
	}
}

// Lease is a handle on one active, checked-out connection. Callers
// must call Pool.Release exactly once per successful Acquire.
type Lease struct {
	ID     string
	Client *ssh.Client

	pool   *Pool
	server string
	addr   string
}

type idleConn struct {
	client *ssh.Client
	addr   string
}

type waiter struct {
	server string
	ready  chan struct{}
}

// Pool is a bounded, reusable set of SSH connections to fleet servers.
type Pool struct {
	cfg   Config
	clock clock.Clock

	mu            sync.Mutex
	perServer     map[string]int
	global        int
	idle          map[string][]idleConn
	queue         []*waiter
	closed        bool
	hostKeys      map[string]ssh.PublicKey
}

// New constructs a Pool and loads any previously TOFU-persisted host
// keys from cfg.KnownHostsPath.
func New(cfg Config, clk clock.Clock) *Pool {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	p := &Pool{
		cfg:       cfg,
		clock:     clk,
		perServer: make(map[string]int),
		idle:      make(map[string][]idleConn),
		hostKeys:  make(map[string]ssh.PublicKey),
	}
	p.loadKnownHosts()
	return p
}

// Acquire returns a connection to server:port, reusing a healthy idle
// connection when one exists, otherwise dialling a new one once a
// per-server/global slot is available (queued FIFO if not).
func (p *Pool) Acquire(ctx context.Context, server string, port int) (*Lease, error) {
	addr := net.JoinHostPort(server, strconv.Itoa(port))

	if client, ok := p.takeIdle(server, addr); ok {
		if p.healthCheck(client) {
			if err := p.acquireSlot(ctx, server); err != nil {
				client.Close()
				return nil, err
			}
			return p.newLease(server, addr, client), nil
		}
		client.Close()
	}

	if err := p.acquireSlot(ctx, server); err != nil {
		return nil, err
	}

	client, err := p.dialWithRetry(ctx, server, addr)
	if err != nil {
		p.releaseSlot(server)
		return nil, err
	}

	return p.newLease(server, addr, client), nil
}

func (p *Pool) newLease(server, addr string, client *ssh.Client) *Lease {
	return &Lease{
		ID:     uuid.New().String(),
		Client: client,
		pool:   p,
		server: server,
		addr:   addr,
	}
}

// Release returns a lease's connection to the idle pool for reuse, or
// closes it outright if the idle cache for that host is already full
// or the pool has been closed.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	full := len(p.idle[l.server]) >= p.cfg.MaxIdlePerHost
	if !closed && !full {
		p.idle[l.server] = append(p.idle[l.server], idleConn{client: l.Client, addr: l.addr})
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		l.Client.Close()
	}
	p.releaseSlot(l.server)
}

// Invalidate discards a lease's connection without returning it to the
// idle pool, for use when the caller detects the connection is broken.
func (p *Pool) Invalidate(l *Lease) {
	if l == nil {
		return
	}
	l.Client.Close()
	p.releaseSlot(l.server)
}

// CloseAll closes every idle connection and rejects future Acquire
// calls. Leases already checked out are left to their callers.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]idleConn)
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, conns := range idle {
		for _, c := range conns {
			c.client.Close()
		}
	}
	for _, w := range queue {
		close(w.ready)
	}
}

func (p *Pool) takeIdle(server, addr string) (*ssh.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.idle[server]
	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].addr == addr {
			c := conns[i].client
			p.idle[server] = append(conns[:i], conns[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

// healthCheck verifies a cached connection is still usable, outside
// any lock — opening a session round-trips to the remote host and must
// never be done while p.mu is held (spec.md §4.4).
func (p *Pool) healthCheck(client *ssh.Client) bool {
	sess, err := client.NewSession()
	if err != nil {
		return false
	}
	sess.Close()
	return true
}

// acquireSlot blocks (FIFO, relative to other blocked callers) until
// server's per-host count and the pool's global count both have room,
// or ctx is done.
func (p *Pool) acquireSlot(ctx context.Context, server string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.perServer[server] < p.cfg.MaxPerServer && p.global < p.cfg.MaxGlobal {
		p.perServer[server]++
		p.global++
		p.mu.Unlock()
		return nil
	}
	w := &waiter{server: server, ready: make(chan struct{})}
	p.queue = append(p.queue, w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, q := range p.queue {
			if q == w {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrPoolExhausted
		}
		return ErrTimeout
	}
}

func (p *Pool) releaseSlot(server string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.perServer[server] > 0 {
		p.perServer[server]--
	}
	if p.global > 0 {
		p.global--
	}

	for i, w := range p.queue {
		if p.perServer[w.server] < p.cfg.MaxPerServer && p.global < p.cfg.MaxGlobal {
			p.perServer[w.server]++
			p.global++
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			close(w.ready)
			return
		}
	}
}

func (p *Pool) dialWithRetry(ctx context.Context, server, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            p.cfg.Auth,
		HostKeyCallback: p.tofuHostKeyCallback,
		Timeout:         p.cfg.ConnectTimeout,
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.DialBackoff.Delay(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ErrTimeout
			case <-p.clock.After(delay):
			}
		}

		conn, err := net.DialTimeout("tcp", addr, p.cfg.ConnectTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			if isAuthError(err) {
				return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, server, err)
			}
			lastErr = err
			continue
		}

		return ssh.NewClient(sshConn, chans, reqs), nil
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, server, lastErr)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

// tofuHostKeyCallback accepts and persists a host's key on first
// contact, and rejects any later connection whose key doesn't match
// (spec.md §4.4: treat a changed host key as a hard failure, never
// silently re-trust).
func (p *Pool) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, known := p.hostKeys[host]
	if !known {
		p.hostKeys[host] = key
		p.saveKnownHostsLocked()
		return nil
	}
	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}
	return fmt.Errorf("sshpool: host key mismatch for %s: expected %s, got %s",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key))
}

func (p *Pool) loadKnownHosts() {
	f, err := os.Open(p.cfg.KnownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		p.hostKeys[parts[0]] = pubKey
	}
}

// saveKnownHostsLocked persists all known host keys. Caller must hold p.mu.
func (p *Pool) saveKnownHostsLocked() {
	dir := filepath.Dir(p.cfg.KnownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	var buf strings.Builder
	buf.WriteString("# keyspider SSH known hosts (TOFU)\n")
	for host, key := range p.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}
	_ = os.WriteFile(p.cfg.KnownHostsPath, []byte(buf.String()), 0o600)
}
