package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/sessiond/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants gate startup safety: a checksum mismatch for
	// an applied version means the on-disk schema diverged from the code.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sd-v1-2026-06-02-initial-schema"

	// v2 adds the maintained instance_count/message_count columns.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sd-v2-2026-06-20-session-counters"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// maxOpenConns bounds the pool. WAL allows readers alongside one
	// writer; write/write contention resolves via retryOnBusy.
	maxOpenConns = 5
)

// Store owns the on-disk SQLite file and is the only shared mutable
// resource in the engine. All mutation goes through its transactional
// methods.
type Store struct {
	db     *sql.DB
	path   string
	bus    *bus.Bus // may be nil in tests
	halted atomic.Bool
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sessiond", "sessions.db")
}

// Open creates the file if absent, applies not-yet-applied schema
// migrations, and configures WAL journaling, foreign-key enforcement and
// the bounded pool. A migration failure is fatal: no handle is returned.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// DSN-level pragmas apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(time.Minute)

	store := &Store{db: db, path: path, bus: eventBus}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Halted reports whether an integrity failure has frozen writes.
func (s *Store) Halted() bool {
	return s.halted.Load()
}

// AcceptDataLoss re-enables writes after an integrity halt. Only the
// maintenance restore path and an explicit operator decision call this.
func (s *Store) AcceptDataLoss() {
	s.halted.Store(false)
}

func (s *Store) writeGate() error {
	if s.halted.Load() {
		return integrityf("store is halted pending operator restore")
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout. After exhaustion the caller sees ErrConflict.
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
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6) without a
// direct dependency on the sqlite3 package in non-CGO code paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
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

	// Verify checksums of already-applied versions before touching anything.
	for _, vc := range []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
	} {
		if maxVersion < vc.version {
			continue
		}
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != vc.checksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", vc.version, existing, vc.checksum)
		}
	}

	if maxVersion < schemaVersionV1 {
		if err := applyV1(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV2 {
		if err := applyV2(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			hash TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			last_accessed TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_hash TEXT NOT NULL REFERENCES workspaces(hash),
			session_type TEXT NOT NULL CHECK(session_type IN ('competition', 'ensemble', 'debate')),
			task TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'paused')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			model TEXT,
			timeout_seconds INTEGER,
			preserve_worktrees INTEGER,
			winner_id INTEGER,
			runtime_mix TEXT,
			total_duration INTEGER,
			total_files_changed INTEGER,
			total_lines_added INTEGER,
			total_lines_deleted INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			worktree_path TEXT NOT NULL,
			branch TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('idle', 'running', 'completed', 'failed', 'paused', 'archived')),
			tmux_session_id TEXT NOT NULL DEFAULT '',
			output TEXT,
			start_time TEXT,
			end_time TEXT,
			files_changed INTEGER,
			lines_added INTEGER,
			lines_deleted INTEGER,
			runtime TEXT,
			model TEXT,
			runtime_label TEXT,
			UNIQUE(session_id, ordinal)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			instance_ref INTEGER REFERENCES instances(id) ON DELETE SET NULL,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'system')),
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_hash, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_session ON instances(session_id, ordinal);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, timestamp);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema v1: %w", err)
	}
	return nil
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	// ALTER TABLE ADD COLUMN is not idempotent in SQLite; guard on the
	// ledger row instead of IF NOT EXISTS.
	var applied int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?;`, schemaVersionV2).Scan(&applied); err != nil {
		return fmt.Errorf("check schema v2: %w", err)
	}
	if applied > 0 {
		return nil
	}
	statements := []string{
		`ALTER TABLE sessions ADD COLUMN instance_count INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE sessions ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0;`,
		`UPDATE sessions SET
			instance_count = (SELECT COUNT(*) FROM instances WHERE instances.session_id = sessions.id),
			message_count = (SELECT COUNT(*) FROM chat_messages WHERE chat_messages.session_id = sessions.id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV2, schemaChecksumV2); err != nil {
		return fmt.Errorf("record schema v2: %w", err)
	}
	return nil
}

// Health is the storage health report.
type Health struct {
	Sessions    int    `json:"sessions"`
	Instances   int    `json:"instances"`
	Messages    int    `json:"messages"`
	Workspaces  int    `json:"workspaces"`
	SizeBytes   int64  `json:"size_bytes"`
	IntegrityOK bool   `json:"integrity_ok"`
	Detail      string `json:"detail,omitempty"`
}

func (h Health) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions:   %d\n", h.Sessions)
	fmt.Fprintf(&b, "instances:  %d\n", h.Instances)
	fmt.Fprintf(&b, "messages:   %d\n", h.Messages)
	fmt.Fprintf(&b, "workspaces: %d\n", h.Workspaces)
	fmt.Fprintf(&b, "size:       %d bytes\n", h.SizeBytes)
	if h.IntegrityOK {
		b.WriteString("integrity:  ok\n")
	} else {
		fmt.Fprintf(&b, "integrity:  FAILED (%s)\n", h.Detail)
	}
	return b.String()
}

// HealthCheck reports row counts, on-disk size, and the result of
// PRAGMA integrity_check. An integrity failure halts further writes.
func (s *Store) HealthCheck(ctx context.Context) (Health, error) {
	var h Health
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM instances),
			(SELECT COUNT(*) FROM chat_messages),
			(SELECT COUNT(*) FROM workspaces);
	`)
	if err := row.Scan(&h.Sessions, &h.Instances, &h.Messages, &h.Workspaces); err != nil {
		return h, fmt.Errorf("health counts: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		h.SizeBytes = info.Size()
	}

	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
		return h, fmt.Errorf("integrity check: %w", err)
	}
	h.IntegrityOK = result == "ok"
	if !h.IntegrityOK {
		h.Detail = result
		s.halted.Store(true)
		return h, integrityf("integrity_check: %s", result)
	}
	return h, nil
}

// Backup creates an online-consistent copy via VACUUM INTO, which does
// not block concurrent writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// Optimize runs the query-planner statistics refresh and reclaims free
// pages. Called by the maintenance scheduler, never on the write path.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum(100);`); err != nil {
		return fmt.Errorf("incremental vacuum: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
