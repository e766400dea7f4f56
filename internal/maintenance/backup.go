// Package maintenance covers the offline care of the session store:
// timestamped backups with retention, restore, legacy file archival,
// and the periodic scheduler that drives integrity checks and backups.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/persistence"
)

// backupIDPattern matches sessions-20060102-150405.db style file names.
var backupIDPattern = regexp.MustCompile(`^sessions-\d{8}-\d{6}\.db$`)

// BackupInfo describes one backup on disk.
type BackupInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Backups creates and manages consistent copies of the store. One
// backup per second: the ID is derived from the creation time.
type Backups struct {
	dir      string
	store    *persistence.Store
	logger   *slog.Logger
	eventBus *bus.Bus
}

func DefaultBackupDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sessiond", "backups")
}

// NewBackups builds a backup manager. store may be nil for restore-only
// use, where the live database must not be open.
func NewBackups(dir string, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) *Backups {
	if dir == "" {
		dir = DefaultBackupDir()
	}
	return &Backups{dir: dir, store: store, logger: logger, eventBus: eventBus}
}

func (b *Backups) Dir() string { return b.dir }

// Create takes an online-consistent backup and returns its descriptor.
func (b *Backups) Create(ctx context.Context) (*BackupInfo, error) {
	if b.store == nil {
		return nil, fmt.Errorf("backup requires an open store")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir %s: %w", b.dir, err)
	}
	now := time.Now().UTC()
	id := "sessions-" + now.Format("20060102-150405") + ".db"
	dest := filepath.Join(b.dir, id)

	if err := b.store.Backup(ctx, dest); err != nil {
		return nil, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	b.logger.Info("backup created", "id", id, "size_bytes", info.Size())
	if b.eventBus != nil {
		b.eventBus.Publish(bus.TopicMaintenanceBackup, id)
	}
	return &BackupInfo{ID: id, Path: dest, SizeBytes: info.Size(), CreatedAt: now}, nil
}

// List returns backups newest first. ID ordering equals time ordering
// because the timestamp is lexicographic.
func (b *Backups) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir %s: %w", b.dir, err)
	}
	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !backupIDPattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		createdAt, _ := time.Parse("20060102-150405",
			strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "sessions-"), ".db"))
		backups = append(backups, BackupInfo{
			ID:        entry.Name(),
			Path:      filepath.Join(b.dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: createdAt,
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ID > backups[j].ID })
	return backups, nil
}

// Prune deletes all but the newest keep backups and returns how many
// were removed.
func (b *Backups) Prune(keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune must keep at least one backup")
	}
	backups, err := b.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, backup := range backups[min(keep, len(backups)):] {
		if err := os.Remove(backup.Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", backup.ID, err)
		}
		b.logger.Info("backup pruned", "id", backup.ID)
		removed++
	}
	return removed, nil
}

// Restore copies a backup over the live database path. It refuses to
// run while the manager holds an open store: WAL sidecar files of a
// live connection would silently shadow the restored file. Open the
// restored database afterwards.
func (b *Backups) Restore(ctx context.Context, id, dbPath string) error {
	if b.store != nil {
		return fmt.Errorf("restore refused: close the live store first")
	}
	if !backupIDPattern.MatchString(id) {
		return fmt.Errorf("%w: backup %s", persistence.ErrNotFound, id)
	}
	src := filepath.Join(b.dir, id)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: backup %s", persistence.ErrNotFound, id)
	}

	// Verify the backup opens and passes its own integrity check before
	// touching the live path.
	check, err := persistence.Open(src, nil)
	if err != nil {
		return fmt.Errorf("backup %s unreadable: %w", id, err)
	}
	_, healthErr := check.HealthCheck(ctx)
	_ = check.Close()
	if healthErr != nil {
		return fmt.Errorf("backup %s failed verification: %w", id, healthErr)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	// Stale WAL sidecars from the previous database must not replay over
	// the restored file.
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", sidecar, err)
		}
	}
	if err := copyFile(src, dbPath); err != nil {
		return err
	}
	b.logger.Info("backup restored", "id", id, "db", dbPath)
	if b.eventBus != nil {
		b.eventBus.Publish(bus.TopicMaintenanceRestore, id)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	staged := dest + ".tmp"
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", staged, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", staged, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", staged, err)
	}
	if err := os.Rename(staged, dest); err != nil {
		return fmt.Errorf("promote %s: %w", staged, err)
	}
	return nil
}
