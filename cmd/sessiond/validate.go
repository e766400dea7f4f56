package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/importer"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

func runValidateCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sessiond validate")
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

	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	im, err := importer.New(store, legacyStore, logger, importer.WithMappingPath(cfg.Storage.MappingPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "importer init: %v\n", err)
		return 1
	}

	report, err := im.Validate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
		return 1
	}
	fmt.Print(report.String())
	if !report.IsValid {
		return 1
	}
	return 0
}
