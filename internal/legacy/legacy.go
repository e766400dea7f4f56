// Package legacy reads and writes the per-workspace JSON session files
// that predate the SQLite store. Each workspace gets one file at
// <dir>/<workspace_hash>.json holding a pretty-printed array of
// sessions. The package exists for two callers: the importer, which
// drains these files into SQLite, and the dual-write mirror, which
// keeps them fresh during the transition window.
package legacy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/sessiond/internal/persistence"
)

// Store is a handle on the legacy sessions directory. The zero value is
// not usable; construct with NewStore.
type Store struct {
	dir string
}

// DefaultDir returns ~/.sessiond/sessions, the location the legacy
// engine wrote to.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".sessiond", "sessions")
}

func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// FilePath returns the legacy file for a workspace path.
func (s *Store) FilePath(workspacePath string) string {
	return s.FilePathForHash(persistence.WorkspaceHash(workspacePath))
}

func (s *Store) FilePathForHash(hash string) string {
	return filepath.Join(s.dir, hash+".json")
}

// HashFromFile extracts the workspace hash from a legacy file name, or
// "" if the name does not look like one.
func HashFromFile(path string) string {
	name := filepath.Base(path)
	hash, ok := strings.CutSuffix(name, ".json")
	if !ok || len(hash) != 16 {
		return ""
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}
	return hash
}

// ListFiles enumerates legacy session files in the directory, sorted by
// name. A missing directory yields an empty slice, matching a machine
// that never ran the legacy engine.
func (s *Store) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy dir %s: %w", s.dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		if HashFromFile(full) == "" {
			continue
		}
		files = append(files, full)
	}
	sort.Strings(files)
	return files, nil
}

// Load reads the sessions for a workspace. A missing file reads as an
// empty session list, same as the legacy engine.
func (s *Store) Load(workspacePath string) ([]persistence.Session, error) {
	return LoadFile(s.FilePath(workspacePath))
}

func (s *Store) LoadHash(hash string) ([]persistence.Session, error) {
	return LoadFile(s.FilePathForHash(hash))
}

// LoadFile parses one legacy session file. Parse and decode failures
// wrap ErrMigration so the importer can isolate the file and move on.
func LoadFile(path string) ([]persistence.Session, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var sessions []persistence.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", persistence.ErrMigration, path, err)
	}
	return sessions, nil
}

// Save rewrites the whole workspace file. The write goes through a
// staged temp file promoted with rename, so a crash mid-write leaves
// the previous file intact rather than a truncated one.
func (s *Store) Save(workspacePath string, sessions []persistence.Session) error {
	return s.SaveHash(persistence.WorkspaceHash(workspacePath), sessions)
}

func (s *Store) SaveHash(hash string, sessions []persistence.Session) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create legacy dir %s: %w", s.dir, err)
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	final := s.FilePathForHash(hash)
	staged := final + ".tmp"
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", staged, err)
	}
	if err := os.Rename(staged, final); err != nil {
		return fmt.Errorf("promote %s: %w", staged, err)
	}
	return nil
}

// Upsert replaces the session with sess.ID in the workspace file, or
// appends it. Whole-file rewrite: the legacy format has no finer
// granularity.
func (s *Store) Upsert(workspacePath string, sess *persistence.Session) error {
	sessions, err := s.Load(workspacePath)
	if err != nil {
		return err
	}
	replaced := false
	for i := range sessions {
		if sessions[i].ID == sess.ID {
			sessions[i] = *sess
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, *sess)
	}
	return s.Save(workspacePath, sessions)
}

// Delete removes a session from the workspace file. Removing an ID the
// file never held is not an error; the mirror must stay idempotent.
func (s *Store) Delete(workspacePath, sessionID string) error {
	sessions, err := s.Load(workspacePath)
	if err != nil {
		return err
	}
	kept := sessions[:0]
	for i := range sessions {
		if sessions[i].ID != sessionID {
			kept = append(kept, sessions[i])
		}
	}
	return s.Save(workspacePath, kept)
}
