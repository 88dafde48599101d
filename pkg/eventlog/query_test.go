package eventlog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hive/pkg/store"
)

func TestBuildQueryNoFilters(t *testing.T) {
	query, args := buildQuery(QueryOpts{})
	if strings.Contains(query, "AND ") {
		t.Errorf("unexpected conditions in %q", query)
	}
	if !strings.Contains(query, "ORDER BY id DESC") {
		t.Errorf("missing order clause in %q", query)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildQueryAllFilters(t *testing.T) {
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before := after.Add(24 * time.Hour)
	query, args := buildQuery(QueryOpts{
		WorkerID:  "w-1",
		Handle:    "builder-1",
		EventType: "spawn",
		After:     &after,
		Before:    &before,
		Limit:     5,
	})

	for _, want := range []string{"worker_id = ?", "handle = ?", "type = ?", "created_at >= ?", "created_at <= ?", "LIMIT 5"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
	if len(args) != 5 {
		t.Errorf("args = %v", args)
	}
	if args[3] != "2026-03-01 00:00:00" {
		t.Errorf("after arg = %v", args[3])
	}
}

func TestReaderMissingDatabase(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Error("expected error for missing database")
	}
}

func TestQueryRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hive.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	for _, ev := range []struct{ typ, worker, handle string }{
		{"spawn", "w-1", "builder-1"},
		{"ready", "w-1", "builder-1"},
		{"spawn", "w-2", "tester-1"},
	} {
		if err := s.LogEvent(ctx, ev.typ, "supervisor", ev.worker, ev.handle, "{}"); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer func() { _ = r.Close() }()

	all, err := r.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d", len(all))
	}
	// Newest first.
	if all[0].WorkerID != "w-2" {
		t.Errorf("first = %+v, want the w-2 spawn", all[0])
	}
	if all[0].CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}

	byWorker, err := r.Query(ctx, QueryOpts{WorkerID: "w-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byWorker) != 2 {
		t.Errorf("len(byWorker) = %d", len(byWorker))
	}

	spawns, err := r.Query(ctx, QueryOpts{EventType: "spawn", Handle: "builder-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(spawns) != 1 || spawns[0].WorkerID != "w-1" {
		t.Errorf("spawns = %+v", spawns)
	}

	limited, err := r.Query(ctx, QueryOpts{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d", len(limited))
	}
}
