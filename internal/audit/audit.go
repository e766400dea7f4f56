// Package audit records operator actions — migrations, restores,
// prunes, data-loss acknowledgements — to logs/audit.jsonl and, when a
// database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sessiond/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	failCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the store so records also land in the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the total number of failed actions since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record logs one operator action. outcome is "ok" or "error"; detail
// carries the specifics (backup id, file counts, error text) and is
// redacted before persistence.
func Record(actor, action, outcome, detail string) {
	if outcome != "ok" {
		failCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Actor:     actor,
			Action:    action,
			Outcome:   outcome,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Write to audit_log table.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, outcome, detail)
			VALUES (?, ?, ?, ?);
		`, actor, action, outcome, detail)
	}
}
