package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/dualwrite"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/maintenance"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

// runStatusCommand prints a one-screen overview of the engine: where
// the data lives, schema version, row counts and cutover progress.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond status")
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

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema version: %v\n", err)
		return 1
	}
	health, healthErr := store.HealthCheck(ctx)

	legacyFiles, _ := legacy.NewStore(cfg.Storage.LegacyDir).ListFiles()
	backups, _ := maintenance.NewBackups(cfg.Storage.BackupDir, nil, logger, nil).List()

	fmt.Printf("sessiond %s\n", Version)
	fmt.Printf("home:        %s\n", cfg.HomeDir)
	fmt.Printf("database:    %s (schema v%d)\n", cfg.Storage.DBPath, version)
	fmt.Printf("dual-write:  %v\n", cfg.DualWrite.Enabled)
	fmt.Printf("legacy:      %d files in %s\n", len(legacyFiles), cfg.Storage.LegacyDir)
	fmt.Printf("backups:     %d\n", len(backups))
	if cfg.Maintenance.BackupCron != "" {
		if next, err := maintenance.NextRunTime(cfg.Maintenance.BackupCron, time.Now()); err == nil {
			fmt.Printf("next backup: %s\n", next.Format(time.RFC3339))
		}
	}
	fmt.Print(health.String())
	if healthErr != nil {
		fmt.Fprintf(os.Stderr, "health check: %v\n", healthErr)
		return 1
	}
	return 0
}

func runHealthCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond health")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	health, err := store.HealthCheck(ctx)
	fmt.Print(health.String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check: %v\n", err)
		return 1
	}
	return 0
}

// runConsistencyCommand diffs the legacy mirror against the database.
// With no argument it checks every workspace in the mapping file.
func runConsistencyCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: sessiond consistency [workspace-path]")
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

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	adapter := dualwrite.New(store, legacy.NewStore(cfg.Storage.LegacyDir), logger)

	var workspaces []string
	if len(args) == 1 {
		workspaces = []string{args[0]}
	} else {
		workspaces, err = mappedWorkspaces(cfg.Storage.MappingPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read workspace mapping: %v\n", err)
			return 1
		}
		if len(workspaces) == 0 {
			fmt.Println("no mapped workspaces to check")
			return 0
		}
	}

	clean := true
	for _, ws := range workspaces {
		report, err := adapter.CheckConsistency(ctx, ws)
		if err != nil {
			fmt.Fprintf(os.Stderr, "check %s: %v\n", ws, err)
			clean = false
			continue
		}
		fmt.Printf("%s: %d matched", ws, len(report.Matched))
		if !report.Clean() {
			clean = false
			if len(report.Mismatched) > 0 {
				fmt.Printf(", mismatched: %s", strings.Join(report.Mismatched, ", "))
			}
			if len(report.LegacyOnly) > 0 {
				fmt.Printf(", legacy only: %s", strings.Join(report.LegacyOnly, ", "))
			}
			if len(report.NewOnly) > 0 {
				fmt.Printf(", database only: %s", strings.Join(report.NewOnly, ", "))
			}
		}
		fmt.Println()
	}
	if !clean {
		return 1
	}
	return 0
}

func mappedWorkspaces(mappingPath string) ([]string, error) {
	b, err := os.ReadFile(mappingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	mapping := make(map[string]string)
	if err := json.Unmarshal(b, &mapping); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(mapping))
	for _, path := range mapping {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}
