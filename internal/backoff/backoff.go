// Package backoff implements exponential backoff with full jitter,
// shared by the SSH connection pool (dial retry, §4.4) and the watcher
// (reconnect, §4.8). Generalized from the teacher's linear retry loop
// in sshexec.Execute into the full-jitter scheme both spec sections
// call for explicitly.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential-backoff-with-full-jitter schedule:
// delay(attempt) = random(0, min(cap, base*2^attempt)).
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the jittered delay for the given zero-based attempt
// number.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	max := float64(p.Base) * pow2(attempt)
	if max > float64(p.Cap) {
		max = float64(p.Cap)
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func pow2(attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30 // guard against overflow; the cap bites well before this
	}
	result := 1.0
	for i := 0; i < attempt; i++ {
		result *= 2
	}
	return result
}

// SSHDial is the pool's dial-retry policy (§4.4): base 1s, cap 30s.
var SSHDial = Policy{Base: time.Second, Cap: 30 * time.Second}

// WatcherReconnect is the watcher's reconnect policy (§4.8): initial
// 5s, cap 300s.
var WatcherReconnect = Policy{Base: 5 * time.Second, Cap: 300 * time.Second}
