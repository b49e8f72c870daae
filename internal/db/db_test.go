package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	events, err := db.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("query on fresh database failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("fresh database has %d events", len(events))
	}
}

func TestLogAndQueryEvents(t *testing.T) {
	db := openTestDB(t)

	steps := []struct {
		mode, eventType, details string
	}{
		{"import", "transfer_started", "import"},
		{"import", "listen_port", "33101"},
		{"import", "connected", "accepting connection from 192.0.2.7"},
		{"import", "transfer_finished", "exit code 0"},
	}
	for _, s := range steps {
		if err := db.LogTransferEvent(s.mode, s.eventType, s.details); err != nil {
			t.Fatalf("failed to log %s: %v", s.eventType, err)
		}
	}

	events, err := db.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("got %d events, want %d", len(events), len(steps))
	}

	// Newest first.
	if events[0].EventType != "transfer_finished" {
		t.Errorf("first event = %s, want transfer_finished", events[0].EventType)
	}
	if events[len(events)-1].EventType != "transfer_started" {
		t.Errorf("last event = %s, want transfer_started", events[len(events)-1].EventType)
	}
	for _, e := range events {
		if e.Mode != "import" {
			t.Errorf("event %d mode = %q", e.ID, e.Mode)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d has zero timestamp", e.ID)
		}
	}
}

func TestGetRecentEventsLimit(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 10; i++ {
		if err := db.LogTransferEvent("export", "transfer_started", "export"); err != nil {
			t.Fatalf("failed to log event: %v", err)
		}
	}

	events, err := db.GetRecentEvents(3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.LogTransferEvent("import", "transfer_started", "import"); err != nil {
		t.Fatalf("failed to log event: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer db.Close()

	events, err := db.GetRecentEvents(10)
	if err != nil {
		t.Fatalf("query after reopen failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after reopen, want 1", len(events))
	}
}
