package store

import (
	"testing"
	"time"

	"github.com/metergrid/syncagent/internal/model"
)

func TestSyncLogQueries(t *testing.T) {
	s := newTestStore(t)

	last, err := s.LastSuccessfulSync()
	if err != nil {
		t.Fatalf("last successful: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no successful sync yet, got %+v", last)
	}

	if err := s.AppendSyncLog(100, true, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendSyncLog(50, false, "bad gateway"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendSyncLog(200, true, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	logs, err := s.RecentSyncLogs(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("recent rows: got %d, want 3", len(logs))
	}
	// Newest first.
	if logs[0].BatchSize != 200 {
		t.Fatalf("newest row: got %+v, want batch 200", logs[0])
	}

	failures, err := s.RecentSyncFailures(10)
	if err != nil {
		t.Fatalf("failures: %v", err)
	}
	if len(failures) != 1 || failures[0].ErrorMessage != "bad gateway" {
		t.Fatalf("failures: got %+v, want one bad gateway row", failures)
	}

	last, err = s.LastSuccessfulSync()
	if err != nil {
		t.Fatalf("last successful: %v", err)
	}
	if last == nil || last.BatchSize != 200 || !last.Success {
		t.Fatalf("last successful: got %+v, want batch 200 success", last)
	}
	if last.SyncedAt.IsZero() {
		t.Fatal("synced_at must be set")
	}

	// Everything is fresher than the horizon, so nothing goes.
	pruned, err := s.PruneSyncLogs(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned: got %d, want 0", pruned)
	}
	// A future horizon clears the table.
	pruned, err = s.PruneSyncLogs(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned: got %d, want 3", pruned)
	}
}

func TestOperationLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	ops := []model.OperationRecord{
		{ID: "op-1", Component: "collection", StartedAt: now.Add(-3 * time.Minute), FinishedAt: now.Add(-3 * time.Minute), Success: true, Detail: `{"persisted":12}`},
		{ID: "op-2", Component: "upload", StartedAt: now.Add(-2 * time.Minute), FinishedAt: now.Add(-2 * time.Minute), Success: false, Detail: `{"error":"offline"}`},
		{ID: "op-3", Component: "collection", StartedAt: now.Add(-time.Minute), FinishedAt: now, Success: true},
	}
	for _, op := range ops {
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("append %s: %v", op.ID, err)
		}
	}

	all, err := s.RecentOperations("", 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all rows: got %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "op-3" {
		t.Fatalf("newest: got %s, want op-3", all[0].ID)
	}

	collection, err := s.RecentOperations("collection", 10)
	if err != nil {
		t.Fatalf("recent collection: %v", err)
	}
	if len(collection) != 2 {
		t.Fatalf("collection rows: got %d, want 2", len(collection))
	}
	for _, op := range collection {
		if op.Component != "collection" {
			t.Fatalf("filter leaked component %q", op.Component)
		}
	}

	pruned, err := s.PruneOperations(now.Add(-90 * time.Second))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned: got %d, want 2", pruned)
	}
	remaining, err := s.RecentOperations("", 10)
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "op-3" {
		t.Fatalf("remaining: got %+v, want only op-3", remaining)
	}
}

func TestAPIRequestLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	inserted, err := s.InsertAPIRequests([]model.APIRequest{
		{Method: "GET", Path: "/health", RemoteAddr: "10.0.0.5", UserAgent: "curl/8.0", Status: 200, DurationMs: 1, CreatedAt: now.Add(-time.Hour)},
		{Method: "POST", Path: "/api/local/sync-trigger", RemoteAddr: "10.0.0.5", Status: 409, DurationMs: 3, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted: got %d, want 2", inserted)
	}

	recent, err := s.RecentAPIRequests(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent rows: got %d, want 2", len(recent))
	}
	// Newest first.
	if recent[0].Path != "/api/local/sync-trigger" || recent[0].Status != 409 {
		t.Fatalf("newest request: got %+v", recent[0])
	}
	if recent[1].UserAgent != "curl/8.0" {
		t.Fatalf("user agent: got %q", recent[1].UserAgent)
	}

	pruned, err := s.PruneAPIRequests(now.Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned: got %d, want 1", pruned)
	}
}
