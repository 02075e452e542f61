// Package eventbus implements the durable store and pub/sub bus:
// a sqlite-backed append-only event log funneled through the
// sequential task queue, and an in-process broker that fans out events
// to per-call and global subscribers without ever blocking on a slow
// one.
package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite" // driver registration

	"github.com/luthienresearch/luthien/internal/taskqueue"
)

const defaultBusyTimeoutMillis = 5000

// Store is the durable append-only event log: conversation_calls and
// conversation_events. Writes are funneled
// through a Queue so inserts for one call never interleave with
// inserts for the same call out of order, and so the hot request path
// never waits on storage latency directly.
type Store struct {
	db    *sql.DB
	tasks *taskqueue.Queue
}

// Open opens (creating if necessary) a sqlite database at path, in WAL
// mode with a single connection — sqlite serializes writes regardless,
// and a single connection keeps the busy_timeout PRAGMA meaningful
// rather than racing concurrent connections against each other.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventbus: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventbus: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	tasks := taskqueue.New()
	tasks.OnTaskError = func(err error) { log.Printf("eventbus: store task: %v", err) }
	return &Store{db: db, tasks: tasks}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_calls (
		call_id      TEXT PRIMARY KEY,
		model_name   TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'in_progress',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id    TEXT NOT NULL REFERENCES conversation_calls(call_id),
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_events_call ON conversation_events(call_id, id)`,
	`CREATE TABLE IF NOT EXISTS policy_config (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_class_ref TEXT NOT NULL,
		config           TEXT NOT NULL DEFAULT '{}',
		enabled_at       TEXT NOT NULL,
		enabled_by       TEXT NOT NULL DEFAULT '',
		is_active        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS auth_config (
		id                       INTEGER PRIMARY KEY CHECK (id = 1),
		auth_mode                TEXT NOT NULL DEFAULT 'none',
		validate_credentials     INTEGER NOT NULL DEFAULT 0,
		valid_cache_ttl_seconds  INTEGER NOT NULL DEFAULT 300,
		invalid_cache_ttl_seconds INTEGER NOT NULL DEFAULT 30,
		updated_at               TEXT NOT NULL,
		updated_by               TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id   TEXT NOT NULL,
		direction        TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		http_method      TEXT NOT NULL DEFAULT '',
		url              TEXT NOT NULL DEFAULT '',
		request_headers  TEXT NOT NULL DEFAULT '{}',
		request_body     TEXT NOT NULL DEFAULT '{}',
		response_status  INTEGER,
		response_headers TEXT NOT NULL DEFAULT '{}',
		response_body    TEXT NOT NULL DEFAULT '{}'
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("eventbus: create schema_version: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("eventbus: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventbus: migrate: %w\nstatement: %s", err, stmt)
		}
	}
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("eventbus: record schema version: %w", err)
	}
	return nil
}

// RecordCallStarted inserts a conversation_calls row. Submitted through
// the sequential task queue; a failed insert is logged by the task
// itself (the queue's OnTaskError only sees recovered panics) and never
// bubbles up to the request path.
func (s *Store) RecordCallStarted(callID, modelName string) {
	s.tasks.Submit(func() {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO conversation_calls (call_id, model_name, status, created_at) VALUES (?, ?, 'in_progress', ?)",
			callID, modelName, nowRFC3339(),
		); err != nil {
			log.Printf("eventbus: record call started %s: %v", callID, err)
		}
	})
}

// RecordCallCompleted marks a call's final status.
func (s *Store) RecordCallCompleted(callID, status string) {
	s.tasks.Submit(func() {
		if _, err := s.db.Exec(
			"UPDATE conversation_calls SET status = ?, completed_at = ? WHERE call_id = ?",
			status, nowRFC3339(), callID,
		); err != nil {
			log.Printf("eventbus: record call completed %s: %v", callID, err)
		}
	})
}

// RecordEvent inserts one conversation_events row for callID. payload
// must already be JSON-encoded.
func (s *Store) RecordEvent(callID, eventType string, payload []byte) {
	s.tasks.Submit(func() {
		if _, err := s.db.Exec(
			"INSERT INTO conversation_events (call_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)",
			callID, eventType, string(payload), nowRFC3339(),
		); err != nil {
			log.Printf("eventbus: record event %s/%s: %v", callID, eventType, err)
		}
	})
}

// nowRFC3339 is a seam so tests can't depend on wall-clock time directly.
var nowRFC3339 = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
