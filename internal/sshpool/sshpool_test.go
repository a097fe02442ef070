package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jsherman999/keyspider/internal/clock"
)

func newTestPool(t *testing.T, maxPerServer, maxGlobal int) *Pool {
	t.Helper()
	cfg := Config{
		User:           "jumpuser",
		MaxPerServer:   maxPerServer,
		MaxGlobal:      maxGlobal,
		KnownHostsPath: t.TempDir() + "/known_hosts",
	}
	return New(cfg, clock.New())
}

func TestAcquireSlot_RespectsPerServerCap(t *testing.T) {
	p := newTestPool(t, 1, 10)
	ctx := context.Background()

	if err := p.acquireSlot(ctx, "host-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.acquireSlot(ctx2, "host-a")
	if err == nil {
		t.Fatal("expected second acquire on same host to block and time out")
	}
}

func TestAcquireSlot_DifferentHostsIndependent(t *testing.T) {
	p := newTestPool(t, 1, 10)
	ctx := context.Background()

	if err := p.acquireSlot(ctx, "host-a"); err != nil {
		t.Fatalf("acquire host-a: %v", err)
	}
	if err := p.acquireSlot(ctx, "host-b"); err != nil {
		t.Fatalf("acquire host-b should not be blocked by host-a's cap: %v", err)
	}
}

func TestAcquireSlot_RespectsGlobalCap(t *testing.T) {
	p := newTestPool(t, 10, 1)
	ctx := context.Background()

	if err := p.acquireSlot(ctx, "host-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.acquireSlot(ctx2, "host-b"); err == nil {
		t.Fatal("expected global cap to block a different host")
	}
}

func TestReleaseSlot_WakesQueuedWaiter(t *testing.T) {
	p := newTestPool(t, 1, 10)
	ctx := context.Background()

	if err := p.acquireSlot(ctx, "host-a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.acquireSlot(ctx, "host-a")
	}()

	time.Sleep(20 * time.Millisecond)
	p.releaseSlot("host-a")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire was never woken by release")
	}
}

func TestTofuHostKeyCallback_AcceptsFirstThenRejectsMismatch(t *testing.T) {
	p := newTestPool(t, 10, 10)
	k1 := fakeKey(t)
	k2 := fakeKey(t)

	if err := p.tofuHostKeyCallback("server1:22", nil, k1); err != nil {
		t.Fatalf("first contact should be trusted: %v", err)
	}
	if err := p.tofuHostKeyCallback("server1:22", nil, k1); err != nil {
		t.Fatalf("repeat of the same key should still pass: %v", err)
	}
	if err := p.tofuHostKeyCallback("server1:22", nil, k2); err == nil {
		t.Fatal("expected host key mismatch to be rejected")
	}
}

// fakeKey generates a fresh ed25519 keypair and returns its public key
// in ssh.PublicKey form, standing in for a real host key.
func fakeKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_ = pub
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer.PublicKey()
}
