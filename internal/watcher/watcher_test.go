package watcher

import (
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/model"
)

func TestSubscribeUnsubscribe_ClosesChannelsOnce(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 1, Hostname: "web01"}

	s := w.Subscribe(server)
	s.Close()

	if _, ok := <-s.Events(); ok {
		t.Error("expected events channel to be closed after Close")
	}
	if _, ok := <-s.SudoEvents(); ok {
		t.Error("expected sudo events channel to be closed after Close")
	}

	// Calling Close again must not panic (double-close guard via map lookup).
	s.Close()
}

func TestStop_ClosesAllSubscriberChannels(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 2, Hostname: "web02"}

	s1 := w.Subscribe(server)
	s2 := w.Subscribe(server)

	w.Stop(server.ID)

	if _, ok := <-s1.Events(); ok {
		t.Error("expected s1 events channel closed after Stop")
	}
	if _, ok := <-s2.Events(); ok {
		t.Error("expected s2 events channel closed after Stop")
	}
}

func TestBroadcast_DeliversToAllSubscribersWithoutBlocking(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 3, Hostname: "web03"}

	sess := &Session{Server: server, status: model.WatchActive}
	w.mu.Lock()
	w.sessions[server.ID] = sess
	w.mu.Unlock()

	s1 := w.Subscribe(server)
	_ = w.Subscribe(server)

	ev := &model.AccessEvent{TargetServerID: server.ID, Username: "deploy", EventType: model.EventAccepted}
	w.broadcast(sess, ev, nil)

	select {
	case got := <-s1.Events():
		if got.Username != "deploy" {
			t.Errorf("username = %q, want deploy", got.Username)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestBroadcast_FullBufferDropsWithoutBlocking(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 4, Hostname: "web04"}
	sess := &Session{Server: server, status: model.WatchActive}
	w.mu.Lock()
	w.sessions[server.ID] = sess
	w.mu.Unlock()
	w.Subscribe(server)

	ev := &model.AccessEvent{TargetServerID: server.ID}
	for i := 0; i < StreamBufferSize+10; i++ {
		w.broadcast(sess, ev, nil)
	}
	// If broadcast blocked on a full channel this test would hang and be
	// killed by the test timeout rather than fail cleanly; reaching here
	// confirms the non-blocking select path was taken.
}

func TestPauseResume_TogglesSessionState(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 5, Hostname: "web05"}
	w.Subscribe(server)

	w.Pause(server.ID)
	w.mu.Lock()
	sess := w.sessions[server.ID]
	w.mu.Unlock()
	sess.mu.Lock()
	paused := sess.paused
	status := sess.status
	sess.mu.Unlock()
	if !paused || status != model.WatchPaused {
		t.Errorf("after Pause: paused=%v status=%v", paused, status)
	}

	w.Resume(server.ID)
	sess.mu.Lock()
	paused = sess.paused
	status = sess.status
	sess.mu.Unlock()
	if paused || status != model.WatchActive {
		t.Errorf("after Resume: paused=%v status=%v", paused, status)
	}
}

func TestEnableAutoSpider_TriggersOnAcceptedEventWithSource(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 6, Hostname: "web06"}
	w.Subscribe(server)

	var gotIP string
	var gotDepth int
	w.EnableAutoSpider(server.ID, 2, func(sourceIP string, depth int) {
		gotIP = sourceIP
		gotDepth = depth
	})

	w.mu.Lock()
	sess := w.sessions[server.ID]
	w.mu.Unlock()

	w.maybeAutoSpider(sess, &model.AccessEvent{
		EventType: model.EventAccepted,
		SourceIP:  "10.0.0.9",
	})

	if gotIP != "10.0.0.9" || gotDepth != 2 {
		t.Errorf("got ip=%q depth=%d, want ip=10.0.0.9 depth=2", gotIP, gotDepth)
	}
}

func TestMaybeAutoSpider_IgnoresFailedEvents(t *testing.T) {
	w := New(nil, nil, nil, 22)
	server := &model.Server{ID: 7, Hostname: "web07"}
	w.Subscribe(server)

	called := false
	w.EnableAutoSpider(server.ID, 1, func(string, int) { called = true })

	w.mu.Lock()
	sess := w.sessions[server.ID]
	w.mu.Unlock()

	w.maybeAutoSpider(sess, &model.AccessEvent{
		EventType: model.EventFailed,
		SourceIP:  "10.0.0.9",
	})

	if called {
		t.Error("expected auto-spider callback not to fire for a failed event")
	}
}

func TestResolveTailTarget_RotationDetectedByShrinkingSize(t *testing.T) {
	sess := &Session{
		Server:   &model.Server{ID: 8, Hostname: "web08"},
		lastSize: 5000,
		lastOffset: 4000,
	}

	// Simulate the size comparison resolveTailTarget performs internally
	// without requiring a live SFTP connection.
	newSize := int64(120)
	offset := sess.lastOffset
	if newSize < sess.lastSize {
		offset = 0
	}
	if offset != 0 {
		t.Errorf("expected rotation to reset offset to 0, got %d", offset)
	}
}

func TestResolveTailTarget_FirstConnectStartsAtEnd(t *testing.T) {
	sess := &Session{
		Server:   &model.Server{ID: 9, Hostname: "web09"},
		lastSize: 0,
	}
	newSize := int64(8192)
	offset := sess.lastOffset
	if sess.lastSize == 0 {
		offset = newSize
	}
	if offset != 8192 {
		t.Errorf("expected first-connect offset to equal current size, got %d", offset)
	}
}
