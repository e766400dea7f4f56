package maintenance

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSeededStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := persistence.NowUTC()
	sess := &persistence.Session{
		ID:        "seed",
		Kind:      persistence.KindEnsemble,
		Task:      "seed task",
		Status:    persistence.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateSession(context.Background(), "/tmp/ws", sess); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store, dbPath
}

func TestBackups_CreateListPrune(t *testing.T) {
	store, _ := openSeededStore(t)
	dir := t.TempDir()
	b := NewBackups(dir, store, discardLogger(), nil)
	ctx := context.Background()

	first, err := b.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.SizeBytes == 0 {
		t.Fatal("backup is empty")
	}

	// Backup IDs carry second resolution; fake older siblings instead of
	// sleeping.
	for _, id := range []string{"sessions-20250101-000000.db", "sessions-20250102-000000.db"} {
		if err := copyFile(first.Path, filepath.Join(dir, id)); err != nil {
			t.Fatalf("fake backup: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	backups, err := b.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(backups))
	}
	if backups[0].ID != first.ID {
		t.Fatalf("newest first expected, got %s", backups[0].ID)
	}

	removed, err := b.Prune(1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	backups, _ = b.List()
	if len(backups) != 1 || backups[0].ID != first.ID {
		t.Fatalf("prune kept wrong backup: %+v", backups)
	}

	if _, err := b.Prune(0); err == nil {
		t.Fatal("prune(0) must refuse")
	}
}

func TestBackups_RestoreRoundTrip(t *testing.T) {
	store, dbPath := openSeededStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	live := NewBackups(dir, store, discardLogger(), nil)
	info, err := live.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutate after the backup, then restore and expect the mutation gone.
	if err := store.DeleteSession(ctx, "/tmp/ws", "seed"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Restore refuses while the manager holds a live store.
	if err := live.Restore(ctx, info.ID, dbPath); err == nil {
		t.Fatal("restore with live store must refuse")
	}

	_ = store.Close()
	offline := NewBackups(dir, nil, discardLogger(), nil)
	if err := offline.Restore(ctx, info.ID, dbPath); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restored.Close()
	if _, err := restored.GetSession(ctx, "/tmp/ws", "seed"); err != nil {
		t.Fatalf("restored store missing seed session: %v", err)
	}
}

func TestBackups_RestoreUnknownID(t *testing.T) {
	offline := NewBackups(t.TempDir(), nil, discardLogger(), nil)
	err := offline.Restore(context.Background(), "sessions-20250101-000000.db", filepath.Join(t.TempDir(), "db"))
	if err == nil {
		t.Fatal("expected error for unknown backup")
	}
	if err := offline.Restore(context.Background(), "../../etc/passwd", "x"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestArchiveLegacy(t *testing.T) {
	legacyStore := legacy.NewStore(t.TempDir())
	now := persistence.NowUTC()
	sess := persistence.Session{
		ID: "a", Kind: persistence.KindCompetition, Task: "t",
		Status: persistence.SessionRunning, CreatedAt: now, UpdatedAt: now,
	}
	if err := legacyStore.Save("/tmp/ws", []persistence.Session{sess}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	archiveDir := t.TempDir()

	stats, err := ArchiveLegacy(legacyStore, archiveDir, discardLogger())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if stats.Archived != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Original survives.
	files, _ := legacyStore.ListFiles()
	if len(files) != 1 {
		t.Fatal("archival must not delete originals")
	}

	// Archive decompresses back to the original bytes.
	want, _ := os.ReadFile(files[0])
	f, err := os.Open(filepath.Join(archiveDir, filepath.Base(files[0])+".gz"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(got) != string(want) {
		t.Fatal("archive content diverges from original")
	}

	// Second run skips.
	stats, err = ArchiveLegacy(legacyStore, archiveDir, discardLogger())
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if stats.Archived != 0 || stats.Skipped != 1 {
		t.Fatalf("second run should skip: %+v", stats)
	}
}

func TestScheduler_FiresDueJobs(t *testing.T) {
	store, _ := openSeededStore(t)
	dir := t.TempDir()
	b := NewBackups(dir, store, discardLogger(), nil)

	s, err := NewScheduler(SchedulerConfig{
		Store:         store,
		Backups:       b,
		Logger:        discardLogger(),
		BackupCron:    "* * * * *",
		IntegrityCron: "* * * * *",
		Interval:      time.Minute,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if len(s.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(s.jobs))
	}

	// Drive the tick directly with a time past every nextRun.
	s.tick(context.Background(), time.Now().Add(2*time.Minute))

	backups, _ := b.List()
	if len(backups) != 1 {
		t.Fatalf("backup job did not fire: %d backups", len(backups))
	}

	// Next runs advanced; an immediate re-tick at the same instant fires nothing.
	s.tick(context.Background(), time.Now())
	backups, _ = b.List()
	if len(backups) != 1 {
		t.Fatal("job fired before its next scheduled run")
	}
}

func TestScheduler_RejectsBadCron(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{BackupCron: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 6, 1, 2, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run %v, want %v", next, want)
	}
}
