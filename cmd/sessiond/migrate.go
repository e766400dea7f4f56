package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/importer"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

func runMigrateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessiond migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dryRun := fs.Bool("dry-run", false, "report what would be migrated without writing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond migrate [-dry-run]")
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
	audit.SetDB(store.DB())

	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	im, err := importer.New(store, legacyStore, logger,
		importer.WithMappingPath(cfg.Storage.MappingPath),
		importer.WithResolver(promptForWorkspace),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "importer init: %v\n", err)
		return 1
	}

	stats, err := im.Run(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		audit.Record("cli", "migration.run", "error", err.Error())
		return 1
	}

	if *dryRun {
		fmt.Println("(dry run: no data was written)")
	}
	fmt.Print(stats.String())

	outcome := "ok"
	if len(stats.Errors) > 0 {
		outcome = "partial"
	}
	if !*dryRun {
		audit.Record("cli", "migration.run", outcome,
			fmt.Sprintf("files=%d sessions=%d errors=%d", stats.FilesProcessed, stats.SessionsMigrated, len(stats.Errors)))
	}
	if len(stats.Errors) > 0 {
		return 1
	}
	return 0
}

// promptForWorkspace asks the operator to supply the workspace path for
// a hash the mapping file does not cover.
func promptForWorkspace(hash string) (string, error) {
	fmt.Printf("workspace hash %s has no recorded path\n", hash)
	fmt.Print("enter the workspace path (empty to skip this file): ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read workspace path: %w", err)
	}
	path := strings.TrimSpace(line)
	if path == "" {
		return "", fmt.Errorf("no workspace path supplied for hash %s", hash)
	}
	return path, nil
}
