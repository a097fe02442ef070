package unreachable

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                   { return f.now }
func (f *fakeClock) Sleep(d time.Duration)             { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.now = f.now.Add(d)
	ch <- f.now
	return ch
}

func TestClassify_AcceptedRootIsCritical(t *testing.T) {
	if got := Classify(true, "root", "203.0.113.5"); got != model.SeverityCritical {
		t.Errorf("got %q, want critical", got)
	}
}

func TestClassify_AcceptedPublicNonRootIsHigh(t *testing.T) {
	if got := Classify(true, "deploy", "203.0.113.5"); got != model.SeverityHigh {
		t.Errorf("got %q, want high", got)
	}
}

func TestClassify_AcceptedPrivateNonRootIsMedium(t *testing.T) {
	if got := Classify(true, "deploy", "10.1.2.3"); got != model.SeverityMedium {
		t.Errorf("got %q, want medium", got)
	}
}

func TestClassify_FailedOnlyIsLow(t *testing.T) {
	if got := Classify(false, "bob", "203.0.113.5"); got != model.SeverityLow {
		t.Errorf("got %q, want low", got)
	}
}

func TestIsRFC1918(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":     true,
		"172.16.5.5":   true,
		"192.168.1.1":  true,
		"203.0.113.5":  false,
		"8.8.8.8":      false,
	}
	for ip, want := range cases {
		if got := IsRFC1918(ip); got != want {
			t.Errorf("IsRFC1918(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestIsReachable_TrueForListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewChecker(clk, time.Hour, time.Second)

	if !c.IsReachable(context.Background(), "127.0.0.1", addr.Port) {
		t.Error("expected reachable for a listening port")
	}
}

func TestIsReachable_CachesResult(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewChecker(clk, time.Hour, time.Second)

	if !c.IsReachable(context.Background(), "127.0.0.1", addr.Port) {
		t.Fatal("expected reachable before closing listener")
	}
	ln.Close()

	// Cached result should still say reachable since TTL hasn't elapsed,
	// even though the listener is now closed.
	if !c.IsReachable(context.Background(), "127.0.0.1", addr.Port) {
		t.Error("expected cached reachable result to survive listener close within TTL")
	}
}
