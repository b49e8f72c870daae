// Package db persists a best-effort journal of transfer lifecycle events.
// The journal is diagnostic only: failures to record an event never fail
// the transfer.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides journal methods.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so the orchestrator can read the journal while a transfer
	// is writing it.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transfer_events_timestamp ON transfer_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_transfer_events_type ON transfer_events(event_type);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// TransferEvent is one journal entry.
type TransferEvent struct {
	ID        int64
	Mode      string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogTransferEvent records a transfer lifecycle event. Retries briefly when
// the database is locked by a concurrent reader; this is best-effort and
// must not block shutdown.
func (db *DB) LogTransferEvent(mode, eventType, details string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO transfer_events (mode, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			mode, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log transfer event after %d attempts: database locked", maxRetries)
}

// GetRecentEvents retrieves the most recent journal entries, newest first.
func (db *DB) GetRecentEvents(limit int) ([]TransferEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, mode, event_type, details, timestamp
		 FROM transfer_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		var e TransferEvent
		if err := rows.Scan(&e.ID, &e.Mode, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
