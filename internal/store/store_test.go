package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jsherman999/keyspider/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyspider.db")
	s, err := Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertServer_InsertThenUpdateByHostname(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.UpsertServer(&model.Server{Hostname: "web01", IP: "10.0.0.2", OSType: model.OSLinux, SSHPort: 22})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}

	id2, err := s.UpsertServer(&model.Server{Hostname: "web01", IP: "10.0.0.99", OSType: model.OSLinux, SSHPort: 22})
	if err != nil {
		t.Fatalf("UpsertServer (update): %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same row id on re-upsert by hostname, got %d and %d", id1, id2)
	}

	got, ok, err := s.GetServerByHostOrIP("web01")
	if err != nil || !ok {
		t.Fatalf("GetServerByHostOrIP: ok=%v err=%v", ok, err)
	}
	if got.IP != "10.0.0.99" {
		t.Errorf("ip = %q, want updated value 10.0.0.99", got.IP)
	}
}

func TestGetServerByHostOrIP_FallsBackToIP(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertServer(&model.Server{Hostname: "db01", IP: "10.0.0.3"}); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	got, ok, err := s.GetServerByHostOrIP("10.0.0.3")
	if err != nil || !ok {
		t.Fatalf("GetServerByHostOrIP by ip: ok=%v err=%v", ok, err)
	}
	if got.Hostname != "db01" {
		t.Errorf("hostname = %q, want db01", got.Hostname)
	}
}

func TestBulkGetOrCreateKeys_ReusesExistingFingerprint(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	keys := map[string]model.SSHKey{
		"SHA256:aaa": {KeyType: model.KeyEd25519, Comment: "alice@host", FirstSeenAt: now},
	}
	ids1, err := s.BulkGetOrCreateKeys([]string{"SHA256:aaa"}, keys)
	if err != nil {
		t.Fatalf("BulkGetOrCreateKeys: %v", err)
	}
	ids2, err := s.BulkGetOrCreateKeys([]string{"SHA256:aaa"}, keys)
	if err != nil {
		t.Fatalf("BulkGetOrCreateKeys (second call): %v", err)
	}
	if ids1["SHA256:aaa"] != ids2["SHA256:aaa"] {
		t.Errorf("expected stable key id across calls, got %d and %d", ids1["SHA256:aaa"], ids2["SHA256:aaa"])
	}
}

func TestBulkGetOrCreateKeys_MissingMetadataErrors(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BulkGetOrCreateKeys([]string{"SHA256:unknown"}, map[string]model.SSHKey{}); err == nil {
		t.Error("expected an error when no metadata is provided for a new fingerprint")
	}
}

func TestPutAccessEvents_DedupesByNaturalKey(t *testing.T) {
	s := newTestStore(t)
	targetID, err := s.UpsertServer(&model.Server{Hostname: "web01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := model.AccessEvent{
		TargetServerID: targetID,
		SourceIP:       "10.0.0.5",
		Username:       "deploy",
		EventType:      model.EventAccepted,
		EventTime:      t0,
	}

	if err := s.PutAccessEvents([]model.AccessEvent{ev}); err != nil {
		t.Fatalf("PutAccessEvents: %v", err)
	}
	if err := s.PutAccessEvents([]model.AccessEvent{ev}); err != nil {
		t.Fatalf("PutAccessEvents (duplicate): %v", err)
	}

	counts, err := s.EventCountByServer()
	if err != nil {
		t.Fatalf("EventCountByServer: %v", err)
	}
	if counts[targetID] != 1 {
		t.Errorf("event count = %d, want 1 (duplicate natural key must be ignored)", counts[targetID])
	}
}

func TestUpsertAccessPath_MergesCountsAndFlags(t *testing.T) {
	s := newTestStore(t)
	targetID, err := s.UpsertServer(&model.Server{Hostname: "web01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := model.AccessPath{
		TargetServerID: targetID,
		Username:       "deploy",
		FirstSeenAt:    t0,
		LastSeenAt:     t0,
		EventCount:     1,
		IsAuthorized:   true,
	}
	if err := s.UpsertAccessPath(&p); err != nil {
		t.Fatalf("UpsertAccessPath: %v", err)
	}

	p2 := model.AccessPath{
		TargetServerID: targetID,
		Username:       "deploy",
		FirstSeenAt:    t0.Add(time.Hour),
		LastSeenAt:     t0.Add(time.Hour),
		EventCount:     1,
		IsUsed:         true,
	}
	if err := s.UpsertAccessPath(&p2); err != nil {
		t.Fatalf("UpsertAccessPath (merge): %v", err)
	}

	paths, err := s.AllAccessPaths()
	if err != nil {
		t.Fatalf("AllAccessPaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d paths, want 1 (natural key should merge)", len(paths))
	}
	merged := paths[0]
	if merged.EventCount != 2 {
		t.Errorf("event count = %d, want 2", merged.EventCount)
	}
	if !merged.IsAuthorized || !merged.IsUsed {
		t.Errorf("expected both flags true after OR-merge, got authorized=%v used=%v", merged.IsAuthorized, merged.IsUsed)
	}
	if !merged.FirstSeenAt.Equal(t0) {
		t.Errorf("first seen = %v, want unchanged %v", merged.FirstSeenAt, t0)
	}
	if !merged.LastSeenAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("last seen = %v, want widened to %v", merged.LastSeenAt, t0.Add(time.Hour))
	}
}

func TestPutUnreachableSource_EscalatesSeverityNeverDeescalates(t *testing.T) {
	s := newTestStore(t)
	targetID, err := s.UpsertServer(&model.Server{Hostname: "web01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := s.PutUnreachableSource(&model.UnreachableSource{
		SourceIP: "203.0.113.5", TargetServerID: targetID, Username: "root",
		FirstSeenAt: t0, LastSeenAt: t0, EventCount: 1, Severity: model.SeverityCritical,
	}); err != nil {
		t.Fatalf("PutUnreachableSource: %v", err)
	}
	if err := s.PutUnreachableSource(&model.UnreachableSource{
		SourceIP: "203.0.113.5", TargetServerID: targetID, Username: "root",
		FirstSeenAt: t0, LastSeenAt: t0.Add(time.Hour), EventCount: 1, Severity: model.SeverityLow,
	}); err != nil {
		t.Fatalf("PutUnreachableSource (second, lower severity): %v", err)
	}

	all, err := s.AllUnreachableSources()
	if err != nil {
		t.Fatalf("AllUnreachableSources: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d rows, want 1", len(all))
	}
	if all[0].Severity != model.SeverityCritical {
		t.Errorf("severity = %q, want critical to persist (never de-escalate)", all[0].Severity)
	}
	if all[0].EventCount != 2 {
		t.Errorf("event count = %d, want 2", all[0].EventCount)
	}
}

func TestDormantKeyLocations_ExcludesKeysWithAcceptedEvents(t *testing.T) {
	s := newTestStore(t)
	serverID, err := s.UpsertServer(&model.Server{Hostname: "db01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	now := time.Now().UTC()
	ids, err := s.BulkGetOrCreateKeys([]string{"SHA256:used", "SHA256:dormant"}, map[string]model.SSHKey{
		"SHA256:used":    {KeyType: model.KeyEd25519, FirstSeenAt: now},
		"SHA256:dormant": {KeyType: model.KeyRSA, FirstSeenAt: now},
	})
	if err != nil {
		t.Fatalf("BulkGetOrCreateKeys: %v", err)
	}
	if err := s.PutKeyLocations([]model.KeyLocation{
		{ServerID: serverID, SSHKeyID: ids["SHA256:used"], FilePath: "/home/deploy/.ssh/authorized_keys", FileType: model.FileAuthorizedKeys},
		{ServerID: serverID, SSHKeyID: ids["SHA256:dormant"], FilePath: "/home/backup/.ssh/authorized_keys", FileType: model.FileAuthorizedKeys},
	}); err != nil {
		t.Fatalf("PutKeyLocations: %v", err)
	}
	if err := s.PutAccessEvents([]model.AccessEvent{
		{TargetServerID: serverID, Fingerprint: "SHA256:used", EventType: model.EventAccepted, EventTime: now, Username: "deploy"},
	}); err != nil {
		t.Fatalf("PutAccessEvents: %v", err)
	}

	dormant, err := s.DormantKeyLocations()
	if err != nil {
		t.Fatalf("DormantKeyLocations: %v", err)
	}
	if len(dormant) != 1 {
		t.Fatalf("got %d dormant locations, want 1", len(dormant))
	}
	if dormant[0].SSHKeyID != ids["SHA256:dormant"] {
		t.Errorf("dormant key id = %d, want %d", dormant[0].SSHKeyID, ids["SHA256:dormant"])
	}
}

func TestMysteryKeyEvents_ReturnsAcceptedEventsWithNoAuthorizedKeysEntry(t *testing.T) {
	s := newTestStore(t)
	serverID, err := s.UpsertServer(&model.Server{Hostname: "db01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	now := time.Now().UTC()
	if err := s.PutAccessEvents([]model.AccessEvent{
		{TargetServerID: serverID, Fingerprint: "SHA256:mystery", EventType: model.EventAccepted, EventTime: now, Username: "root"},
	}); err != nil {
		t.Fatalf("PutAccessEvents: %v", err)
	}

	mystery, err := s.MysteryKeyEvents()
	if err != nil {
		t.Fatalf("MysteryKeyEvents: %v", err)
	}
	if len(mystery) != 1 {
		t.Fatalf("got %d mystery events, want 1", len(mystery))
	}
	if mystery[0].Fingerprint != "SHA256:mystery" {
		t.Errorf("fingerprint = %q, want SHA256:mystery", mystery[0].Fingerprint)
	}
}

func TestScanJobLifecycle_CreateUpdateGetCancel(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateScanJob(&model.ScanJob{
		Type: model.ScanFull, Status: model.ScanPending, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateScanJob: %v", err)
	}

	job, ok, err := s.GetScanJob(id)
	if err != nil || !ok {
		t.Fatalf("GetScanJob: ok=%v err=%v", ok, err)
	}
	job.Status = model.ScanRunning
	job.ServersDone = 3
	if err := s.UpdateScanJob(job); err != nil {
		t.Fatalf("UpdateScanJob: %v", err)
	}

	got, _, err := s.GetScanJob(id)
	if err != nil {
		t.Fatalf("GetScanJob (after update): %v", err)
	}
	if got.Status != model.ScanRunning || got.ServersDone != 3 {
		t.Errorf("got status=%q done=%d, want running/3", got.Status, got.ServersDone)
	}

	if err := s.CancelScanJob(context.Background(), id); err != nil {
		t.Fatalf("CancelScanJob: %v", err)
	}
	got, _, _ = s.GetScanJob(id)
	if got.Status != model.ScanCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	if err := s.CancelScanJob(context.Background(), id); err == nil {
		t.Error("expected an error cancelling an already-terminal job")
	}
}

func TestWatchSession_OneActivePerServerEnforced(t *testing.T) {
	s := newTestStore(t)
	serverID, err := s.UpsertServer(&model.Server{Hostname: "web01"})
	if err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	if _, err := s.UpsertWatchSession(&model.WatchSession{ServerID: serverID, Status: model.WatchActive}); err != nil {
		t.Fatalf("UpsertWatchSession: %v", err)
	}
	if _, err := s.UpsertWatchSession(&model.WatchSession{ServerID: serverID, Status: model.WatchActive}); err == nil {
		t.Error("expected a second concurrent active watch session on the same server to violate the unique partial index")
	}

	got, ok, err := s.GetActiveWatchSession(serverID)
	if err != nil || !ok {
		t.Fatalf("GetActiveWatchSession: ok=%v err=%v", ok, err)
	}
	if got.Status != model.WatchActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}
