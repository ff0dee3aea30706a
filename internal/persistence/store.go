// Package persistence is the durable SQLite layer behind the task store,
// session tracker, checkpoint store, and performance attempt log.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MiahMontgomery/titan-sub000/internal/bus"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "titan-v1-2026-08-core-schema"
)

// Sentinel errors for the synchronous error taxonomy.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidTransition  = errors.New("invalid task transition")
)

// RetentionCaps bounds the per-agent session log and per-project
// checkpoint history. Eviction is strict FIFO by creation timestamp.
type RetentionCaps struct {
	SessionsPerAgent      int
	CheckpointsPerProject int
}

// DefaultRetentionCaps are the stock caps: 5 sessions per agent,
// 20 checkpoints per project.
var DefaultRetentionCaps = RetentionCaps{
	SessionsPerAgent:      5,
	CheckpointsPerProject: 20,
}

// Store wraps the SQLite database. A single connection is used so that
// read-modify-write retention eviction is serialized per agent/project.
type Store struct {
	db   *sql.DB
	bus  *bus.Bus // may be nil in tests
	caps RetentionCaps

	// clockMu guards the strictly increasing creation timestamps that
	// FIFO ordering and retention eviction rely on.
	clockMu  sync.Mutex
	lastNano int64
}

// DefaultDBPath returns ~/.titan/titan.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".titan", "titan.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema. The event bus may be nil; publishing is best-effort.
func Open(path string, eventBus *bus.Bus, caps RetentionCaps) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if caps.SessionsPerAgent <= 0 {
		caps.SessionsPerAgent = DefaultRetentionCaps.SessionsPerAgent
	}
	if caps.CheckpointsPerProject <= 0 {
		caps.CheckpointsPerProject = DefaultRetentionCaps.CheckpointsPerProject
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, caps: caps}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Caps returns the configured retention caps.
func (s *Store) Caps() RetentionCaps {
	return s.caps
}

// nextTimestamp returns a strictly increasing UTC timestamp. Two rows
// created in the same nanosecond would otherwise break FIFO tie-breaks.
func (s *Store) nextTimestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	ns := time.Now().UTC().UnixNano()
	if ns <= s.lastNano {
		ns = s.lastNano + 1
	}
	s.lastNano = ns
	return time.Unix(0, ns).UTC()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Creation timestamps that participate in ordering (FIFO tie-breaks,
	// retention eviction) are stored as INTEGER unix nanoseconds; SQLite's
	// CURRENT_TIMESTAMP only has second resolution.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			project_id TEXT NOT NULL,
			goal_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed')),
			priority INTEGER NOT NULL DEFAULT 0,
			payload JSON NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			project_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			goal_id TEXT NOT NULL DEFAULT '',
			feature_id TEXT NOT NULL DEFAULT '',
			milestone_id TEXT NOT NULL DEFAULT '',
			task_summary TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL CHECK(mode IN ('build', 'debug', 'optimize')),
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			goal_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			artifact_content TEXT NOT NULL,
			rollback_of TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS performance_attempts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			skill_tag TEXT NOT NULL,
			task_type TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL CHECK(success IN (0, 1)),
			fail_reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(status, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_goal ON tasks(goal_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON session_snapshots(agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_goal ON checkpoints(goal_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_agent_skill ON performance_attempts(agent_id, skill_tag, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
