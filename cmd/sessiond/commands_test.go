package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
)

// setTestHome points SESSIOND_HOME at a fresh temp dir and returns the
// loaded config for seeding fixtures.
func setTestHome(t *testing.T) config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SESSIOND_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func seedLegacyWorkspace(t *testing.T, cfg config.Config) (string, string) {
	t.Helper()
	workspace := t.TempDir()
	hash := persistence.WorkspaceHash(workspace)

	sess := persistence.Session{
		ID:        "sess-cli-1",
		Kind:      persistence.KindCompetition,
		Task:      "refactor the parser",
		Status:    persistence.SessionRunning,
		CreatedAt: persistence.NowUTC(),
		UpdatedAt: persistence.NowUTC(),
		Instances: []persistence.Instance{
			{Ordinal: 1, AgentName: "alpha", Status: persistence.InstanceRunning},
		},
	}
	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	if err := legacyStore.SaveHash(hash, []persistence.Session{sess}); err != nil {
		t.Fatalf("seed legacy file: %v", err)
	}

	mapping, err := json.Marshal(map[string]string{hash: workspace})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Storage.MappingPath, mapping, 0o644); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	return workspace, hash
}

func TestRunMigrateCommand_MappedWorkspace(t *testing.T) {
	cfg := setTestHome(t)
	workspace, _ := seedLegacyWorkspace(t, cfg)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, nil); code != 0 {
		t.Fatalf("migrate exit code %d, want 0", code)
	}

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(ctx, workspace, persistence.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-cli-1" {
		t.Fatalf("migrated sessions: %+v", sessions)
	}
}

func TestRunMigrateCommand_DryRunWritesNothing(t *testing.T) {
	cfg := setTestHome(t)
	seedLegacyWorkspace(t, cfg)

	if code := runMigrateCommand(context.Background(), []string{"-dry-run"}); code != 0 {
		t.Fatalf("dry-run exit code %d, want 0", code)
	}

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	health, err := store.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Sessions != 0 {
		t.Fatalf("dry run wrote %d sessions", health.Sessions)
	}
}

func TestRunMigrateCommand_ExtraArgs(t *testing.T) {
	if code := runMigrateCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
}

func TestRunValidateCommand_AfterMigrate(t *testing.T) {
	cfg := setTestHome(t)
	seedLegacyWorkspace(t, cfg)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, nil); code != 0 {
		t.Fatal("migrate failed")
	}
	if code := runValidateCommand(ctx, nil); code != 0 {
		t.Fatalf("validate exit code %d, want 0", code)
	}
}

func TestRunHealthCommand(t *testing.T) {
	setTestHome(t)
	if code := runHealthCommand(context.Background(), nil); code != 0 {
		t.Fatalf("health exit code %d, want 0", code)
	}
}

func TestRunConsistencyCommand_CleanAfterMigrate(t *testing.T) {
	cfg := setTestHome(t)
	seedLegacyWorkspace(t, cfg)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, nil); code != 0 {
		t.Fatal("migrate failed")
	}
	if code := runConsistencyCommand(ctx, nil); code != 0 {
		t.Fatalf("consistency exit code %d, want 0", code)
	}
}

func TestRunConsistencyCommand_NoMapping(t *testing.T) {
	setTestHome(t)
	if code := runConsistencyCommand(context.Background(), nil); code != 0 {
		t.Fatalf("consistency exit code %d, want 0 for empty mapping", code)
	}
}

func TestBackupListPruneRestore(t *testing.T) {
	cfg := setTestHome(t)
	seedLegacyWorkspace(t, cfg)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, nil); code != 0 {
		t.Fatal("migrate failed")
	}
	if code := runBackupCommand(ctx, nil); code != 0 {
		t.Fatal("backup failed")
	}
	if code := runBackupsCommand(nil); code != 0 {
		t.Fatal("backups list failed")
	}
	if code := runPruneCommand([]string{"-keep", "1"}); code != 0 {
		t.Fatal("prune failed")
	}

	entries, err := os.ReadDir(cfg.Storage.BackupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 backup after prune, got %d", len(entries))
	}
	id := entries[0].Name()

	// Wipe the live database, then restore it from the backup.
	if err := os.Remove(cfg.Storage.DBPath); err != nil {
		t.Fatal(err)
	}
	if code := runRestoreCommand(ctx, []string{id}); code != 0 {
		t.Fatal("restore failed")
	}
	if code := runHealthCommand(ctx, nil); code != 0 {
		t.Fatal("restored database failed health check")
	}
}

func TestRunAcceptDataLossCommand_HealthyIsNoop(t *testing.T) {
	setTestHome(t)
	ctx := context.Background()

	// A healthy store acknowledges nothing but still exits cleanly, so
	// operators can run it speculatively after a scare.
	if code := runAcceptDataLossCommand(ctx, nil); code != 0 {
		t.Fatalf("accept-data-loss exit code %d, want 0", code)
	}
	if code := runAcceptDataLossCommand(ctx, []string{"extra"}); code != 2 {
		t.Fatalf("accept-data-loss with args should exit 2")
	}
}

func TestRunRestoreCommand_UnknownID(t *testing.T) {
	setTestHome(t)
	if code := runRestoreCommand(context.Background(), []string{"sessions-19990101-000000.db"}); code != 1 {
		t.Fatalf("exit code for unknown backup, want 1")
	}
}

func TestRunArchiveCommand(t *testing.T) {
	cfg := setTestHome(t)
	_, hash := seedLegacyWorkspace(t, cfg)

	if code := runArchiveCommand(nil); code != 0 {
		t.Fatal("archive failed")
	}
	archived := filepath.Join(cfg.Storage.ArchiveDir, hash+".json.gz")
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
	// Originals stay in place until the operator deletes them.
	if _, err := os.Stat(legacy.NewStore(cfg.Storage.LegacyDir).FilePathForHash(hash)); err != nil {
		t.Fatalf("legacy file removed by archive: %v", err)
	}
}

func TestRunDoctorCommand_FreshHome(t *testing.T) {
	setTestHome(t)
	if code := runDoctorCommand(context.Background(), nil); code != 0 {
		t.Fatalf("doctor exit code %d, want 0", code)
	}
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("doctor -json exit code %d, want 0", code)
	}
}

func TestRunStatusCommand(t *testing.T) {
	cfg := setTestHome(t)
	seedLegacyWorkspace(t, cfg)
	ctx := context.Background()

	if code := runMigrateCommand(ctx, nil); code != 0 {
		t.Fatal("migrate failed")
	}
	if code := runStatusCommand(ctx, nil); code != 0 {
		t.Fatalf("status exit code, want 0")
	}
	if code := runStatusCommand(ctx, []string{"extra"}); code != 2 {
		t.Fatalf("status with args should exit 2")
	}
}
