// Package unreachable probes whether the jump host can reach a source
// IP that was observed authenticating to a target, and classifies the
// severity of that gap (spec.md §4.6). It also caches reverse-DNS
// lookups for the same sources, since a source the jump host can't SSH
// into is still worth a best-effort hostname for the graph and report
// views (spec.md §10, supplemented feature).
package unreachable

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jsherman999/keyspider/internal/clock"
	"github.com/jsherman999/keyspider/internal/model"
)

// DefaultProbeTimeout bounds a single reachability probe.
const DefaultProbeTimeout = 5 * time.Second

// DefaultCacheTTL is how long a probe or reverse-DNS result is trusted
// before being re-checked (spec.md §6, UNREACHABLE_CACHE_TTL).
const DefaultCacheTTL = 1 * time.Hour

// rfc1918Blocks are the private IPv4 ranges spec.md §4.6 distinguishes
// from public-internet sources when scoring severity.
var rfc1918Blocks = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsRFC1918 reports whether ip falls in a private IPv4 range.
func IsRFC1918(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range rfc1918Blocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

// Classify implements the severity table in spec.md §4.6. hadAccepted
// is whether any of the source's events against this target were
// "accepted" (as opposed to only "failed"); sourceIP is the
// unreachable source's address.
func Classify(hadAccepted bool, username, sourceIP string) model.Severity {
	if !hadAccepted {
		return model.SeverityLow
	}
	if username == "root" {
		return model.SeverityCritical
	}
	if IsRFC1918(sourceIP) {
		return model.SeverityMedium
	}
	return model.SeverityHigh
}

type probeResult struct {
	reachable bool
	checkedAt time.Time
}

type dnsResult struct {
	hostname  string
	checkedAt time.Time
}

// Checker probes reachability and resolves reverse DNS for source IPs,
// caching both with a TTL so a busy ingest path doesn't re-dial or
// re-resolve the same address on every event.
type Checker struct {
	clock   clock.Clock
	ttl     time.Duration
	timeout time.Duration
	dialer  net.Dialer

	mu       sync.Mutex
	probes   map[string]probeResult
	dnsCache map[string]dnsResult
}

// NewChecker constructs a Checker. ttl/timeout of zero fall back to
// DefaultCacheTTL/DefaultProbeTimeout.
func NewChecker(clk clock.Clock, ttl, timeout time.Duration) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Checker{
		clock:    clk,
		ttl:      ttl,
		timeout:  timeout,
		probes:   make(map[string]probeResult),
		dnsCache: make(map[string]dnsResult),
	}
}

// IsReachable reports whether the jump host can open a TCP connection
// to ip:port, using a cached result if it's fresh.
func (c *Checker) IsReachable(ctx context.Context, ip string, port int) bool {
	key := net.JoinHostPort(ip, strconv.Itoa(port))

	c.mu.Lock()
	if cached, ok := c.probes[key]; ok && c.clock.Now().Sub(cached.checkedAt) < c.ttl {
		c.mu.Unlock()
		return cached.reachable
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", key)
	reachable := err == nil
	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	c.probes[key] = probeResult{reachable: reachable, checkedAt: c.clock.Now()}
	c.mu.Unlock()

	return reachable
}

// ReverseDNS resolves ip to a hostname, caching the (possibly empty)
// result. Lookup failures resolve to "" rather than propagating an
// error, since a missing PTR record is routine and must not abort a
// scan.
func (c *Checker) ReverseDNS(ctx context.Context, ip string) string {
	c.mu.Lock()
	if cached, ok := c.dnsCache[ip]; ok && c.clock.Now().Sub(cached.checkedAt) < c.ttl {
		c.mu.Unlock()
		return cached.hostname
	}
	c.mu.Unlock()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	hostname := ""
	if err == nil && len(names) > 0 {
		hostname = names[0]
	}

	c.mu.Lock()
	c.dnsCache[ip] = dnsResult{hostname: hostname, checkedAt: c.clock.Now()}
	c.mu.Unlock()

	return hostname
}
