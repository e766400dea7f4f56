package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/maintenance"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond backup")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	backups := maintenance.NewBackups(cfg.Storage.BackupDir, store, logger, nil)
	info, err := backups.Create(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		audit.Record("cli", "backup.create", "error", err.Error())
		return 1
	}
	audit.Record("cli", "backup.create", "ok", info.ID)
	fmt.Printf("backup written: %s (%d bytes)\n", info.ID, info.SizeBytes)
	return 0
}

func runBackupsCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond backups")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	backups := maintenance.NewBackups(cfg.Storage.BackupDir, nil, logger, nil)
	list, err := backups.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list backups: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Println("no backups")
		return 0
	}
	for _, b := range list {
		fmt.Printf("%s  %10d bytes\n", b.ID, b.SizeBytes)
	}
	return 0
}

func runRestoreCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sessiond restore <backup-id>")
		return 2
	}
	id := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	// A nil store marks this manager restore-capable: restore refuses to
	// run over an open database.
	backups := maintenance.NewBackups(cfg.Storage.BackupDir, nil, logger, nil)
	if err := backups.Restore(ctx, id, cfg.Storage.DBPath); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		audit.Record("cli", "backup.restore", "error", err.Error())
		return 1
	}
	audit.Record("cli", "backup.restore", "ok", id)
	fmt.Printf("database restored from %s\n", id)
	return 0
}

// runAcceptDataLossCommand is the operator's explicit answer to an
// integrity halt: record the acknowledgement in the audit trail and
// re-open the write gate. Without this decision (or a restore) the
// store refuses every write after a failed integrity check.
func runAcceptDataLossCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond accept-data-loss")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	health, healthErr := store.HealthCheck(ctx)
	if healthErr == nil {
		audit.Record("cli", "dataloss.accept", "ok", "integrity ok; nothing to accept")
		fmt.Println("integrity ok; nothing to accept")
		return 0
	}
	if !errors.Is(healthErr, persistence.ErrIntegrity) {
		fmt.Fprintf(os.Stderr, "health check: %v\n", healthErr)
		return 1
	}

	// HealthCheck halts the store on an integrity failure. Accepting is
	// deliberate: the operator keeps the damaged database instead of
	// restoring a backup over it.
	store.AcceptDataLoss()
	audit.Record("cli", "dataloss.accept", "ok", health.Detail)
	fmt.Printf("integrity failure acknowledged: %s\n", health.Detail)
	fmt.Println("writes re-enabled; take a fresh backup before continuing")
	return 0
}

func runPruneCommand(args []string) int {
	fs := flag.NewFlagSet("sessiond prune", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keep := fs.Int("keep", 0, "number of newest backups to keep (default: maintenance.backup_keep)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond prune [-keep N]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *keep <= 0 {
		*keep = cfg.Maintenance.BackupKeep
	}
	if *keep <= 0 {
		fmt.Fprintln(os.Stderr, "refusing to prune every backup; pass -keep N")
		return 2
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	backups := maintenance.NewBackups(cfg.Storage.BackupDir, nil, logger, nil)
	removed, err := backups.Prune(*keep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("removed %d backups, kept the newest %d\n", removed, *keep)
	return 0
}

func runArchiveCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond archive")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	stats, err := maintenance.ArchiveLegacy(legacyStore, cfg.Storage.ArchiveDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive failed: %v\n", err)
		return 1
	}
	fmt.Printf("archived %d legacy files (%d already archived)\n", stats.Archived, stats.Skipped)
	return 0
}
