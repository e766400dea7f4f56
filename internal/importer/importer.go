// Package importer drains the legacy per-workspace JSON files into the
// SQLite store. Each file is an isolated unit of work: a corrupt or
// unresolvable file is recorded and skipped, never aborting the run.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/shared"
	"github.com/basket/sessiond/internal/telemetry"
)

// sessionFileSchema describes the shape of one legacy workspace file: a
// top-level array of session objects. Enum and cross-reference checks
// stay in Session.Validate; the schema gate catches structural damage
// (wrong types, missing required keys) with a readable error before any
// row is attempted.
const sessionFileSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id", "type", "task", "status", "createdAt", "updatedAt"],
		"properties": {
			"id":          {"type": "string", "minLength": 1},
			"type":        {"type": "string"},
			"task":        {"type": "string"},
			"status":      {"type": "string"},
			"createdAt":   {"type": "string"},
			"updatedAt":   {"type": "string"},
			"completedAt": {"type": ["string", "null"]},
			"instances":   {"type": ["array", "null"]},
			"chatHistory": {"type": ["array", "null"]}
		}
	}
}`

// Resolver supplies a workspace path for a hash that the mapping file
// does not know. The CLI wires an interactive prompt here; tests wire a
// fixed table. Returning an error skips the file.
type Resolver func(hash string) (string, error)

// Stats accumulates the outcome of one import run. FilesProcessed
// counts every file attempted, failed ones included.
type Stats struct {
	FilesProcessed    int      `json:"files_processed"`
	SessionsMigrated  int      `json:"sessions_migrated"`
	InstancesMigrated int      `json:"instances_migrated"`
	MessagesMigrated  int      `json:"messages_migrated"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Migration Results ===\n")
	fmt.Fprintf(&b, "Files processed:     %d\n", s.FilesProcessed)
	fmt.Fprintf(&b, "Sessions migrated:   %d\n", s.SessionsMigrated)
	fmt.Fprintf(&b, "Instances migrated:  %d\n", s.InstancesMigrated)
	fmt.Fprintf(&b, "Messages migrated:   %d\n", s.MessagesMigrated)
	fmt.Fprintf(&b, "Errors:              %d\n", len(s.Errors))
	return b.String()
}

type Importer struct {
	store       *persistence.Store
	legacyStore *legacy.Store
	mappingPath string
	resolve     Resolver
	logger      *slog.Logger
	eventBus    *bus.Bus
	schema      *jsonschema.Schema
}

// Option configures an Importer.
type Option func(*Importer)

func WithResolver(r Resolver) Option {
	return func(im *Importer) { im.resolve = r }
}

func WithBus(b *bus.Bus) Option {
	return func(im *Importer) { im.eventBus = b }
}

// WithMappingPath overrides the workspace_mapping.json location, which
// defaults to the legacy directory's parent.
func WithMappingPath(path string) Option {
	return func(im *Importer) { im.mappingPath = path }
}

func New(store *persistence.Store, legacyStore *legacy.Store, logger *slog.Logger, opts ...Option) (*Importer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sessionFileSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal session file schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sessions.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("sessions.json")
	if err != nil {
		return nil, fmt.Errorf("compile session file schema: %w", err)
	}
	im := &Importer{
		store:       store,
		legacyStore: legacyStore,
		mappingPath: filepath.Join(filepath.Dir(legacyStore.Dir()), "workspace_mapping.json"),
		logger:      logger,
		schema:      schema,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Run imports every legacy file. With dryRun the files are parsed,
// validated and counted but nothing is written, not even mapping
// resolutions.
func (im *Importer) Run(ctx context.Context, dryRun bool) (*Stats, error) {
	stats := &Stats{}

	// Every line of this run shares one trace id.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := telemetry.WithContext(ctx, im.logger)

	files, err := im.legacyStore.ListFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logger.Warn("no legacy session files found", "dir", im.legacyStore.Dir())
		return stats, nil
	}

	mapping, err := im.loadMapping()
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		migrated, err := im.importFile(ctx, logger, file, mapping, dryRun, stats)
		// Failed files still count as processed; the error list carries
		// the outcome.
		stats.FilesProcessed++
		im.publishFileDone(file, migrated, err)
		if err != nil {
			msg := fmt.Sprintf("%s: %v", filepath.Base(file), err)
			stats.Errors = append(stats.Errors, msg)
			logger.Error("legacy file failed", "file", file, "error", err)
		}
	}
	return stats, nil
}

// importFile handles one legacy file and returns how many sessions it
// migrated. A file-level error means nothing further in the file was
// attempted; session-level errors are recorded in stats and the rest of
// the file proceeds.
func (im *Importer) importFile(ctx context.Context, logger *slog.Logger, file string, mapping map[string]string, dryRun bool, stats *Stats) (int, error) {
	hash := legacy.HashFromFile(file)

	data, err := os.ReadFile(file)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: parse: %v", persistence.ErrMigration, err)
	}
	if err := im.schema.Validate(doc); err != nil {
		return 0, fmt.Errorf("%w: schema: %v", persistence.ErrMigration, err)
	}

	var sessions []persistence.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", persistence.ErrMigration, err)
	}

	workspacePath, err := im.resolveWorkspace(logger, hash, mapping, dryRun)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for i := range sessions {
		sess := &sessions[i]
		// Old writers sometimes left message ids blank; mint one rather
		// than rejecting the whole session.
		for j := range sess.ChatHistory {
			if sess.ChatHistory[j].ID == "" {
				sess.ChatHistory[j].ID = uuid.NewString()
			}
		}
		if err := sess.Validate(); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s/%s: %v", hash, sess.ID, err))
			logger.Error("session rejected", "file", file, "session", sess.ID, "error", err)
			continue
		}
		if !dryRun {
			if err := im.store.UpsertSessionByHash(ctx, hash, workspacePath, sess); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s/%s: %v", hash, sess.ID, err))
				logger.Error("session import failed", "file", file, "session", sess.ID, "error", err)
				continue
			}
		}
		migrated++
		stats.SessionsMigrated++
		stats.InstancesMigrated += len(sess.Instances)
		stats.MessagesMigrated += len(sess.ChatHistory)
	}
	logger.Info("legacy file imported",
		"file", file, "sessions", migrated, "dry_run", dryRun)
	return migrated, nil
}

// resolveWorkspace turns a legacy file's hash back into a path, using
// the mapping file first and the resolver callback for strangers. New
// resolutions persist immediately so an aborted run keeps its answers.
func (im *Importer) resolveWorkspace(logger *slog.Logger, hash string, mapping map[string]string, dryRun bool) (string, error) {
	if path, ok := mapping[hash]; ok {
		return path, nil
	}
	if im.resolve == nil {
		return "", fmt.Errorf("%w: no mapping for workspace hash %s", persistence.ErrMigration, hash)
	}
	path, err := im.resolve(hash)
	if err != nil {
		return "", fmt.Errorf("%w: resolve workspace %s: %v", persistence.ErrMigration, hash, err)
	}
	// The hash is one-way, so a wrong answer cannot be proven wrong when
	// the path has since moved. Warn and take the operator's word.
	if computed := persistence.WorkspaceHash(path); computed != hash {
		logger.Warn("workspace hash mismatch, proceeding with supplied path",
			"expected", hash, "computed", computed, "path", path)
	}
	mapping[hash] = path
	if !dryRun {
		if err := im.saveMapping(mapping); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (im *Importer) loadMapping() (map[string]string, error) {
	data, err := os.ReadFile(im.mappingPath)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", im.mappingPath, err)
	}
	mapping := map[string]string{}
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("%w: parse mapping %s: %v", persistence.ErrMigration, im.mappingPath, err)
	}
	return mapping, nil
}

func (im *Importer) saveMapping(mapping map[string]string) error {
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(im.mappingPath), 0o755); err != nil {
		return fmt.Errorf("create mapping dir: %w", err)
	}
	staged := im.mappingPath + ".tmp"
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	if err := os.Rename(staged, im.mappingPath); err != nil {
		return fmt.Errorf("promote mapping: %w", err)
	}
	return nil
}

func (im *Importer) publishFileDone(file string, sessions int, err error) {
	if im.eventBus == nil {
		return
	}
	ev := bus.MigrationFileEvent{File: file, Sessions: sessions}
	if err != nil {
		ev.Err = err.Error()
	}
	im.eventBus.Publish(bus.TopicMigrationFileDone, ev)
}
