package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/maintenance"
	otelPkg "github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the session store daemon (scheduler + config watcher)

SUBCOMMANDS:
  %s migrate [-dry-run]       Import legacy session files into the database
  %s validate                 Validate migrated data against the legacy files
  %s consistency [path]       Diff dual-write mirror against the database
  %s backup                   Take an online backup of the database
  %s backups                  List existing backups, newest first
  %s restore <id>             Restore the database from a backup (daemon must be stopped)
  %s accept-data-loss         Re-enable writes after an integrity failure (audited)
  %s prune [-keep N]          Delete old backups, keeping the newest N
  %s archive                  Compress legacy session files into the archive dir
  %s status                   Print an engine overview (paths, counts, cutover state)
  %s health                   Print database health counters
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SESSIOND_HOME           Data directory (default: ~/.sessiond)
  SESSIOND_DB_PATH        Override database path
  SESSIOND_DUAL_WRITE     Set to 0/false to disable the legacy mirror

EXAMPLES:
  Migrate legacy files:   %s migrate
  Dry-run a migration:    %s migrate -dry-run
  Take a backup:          %s backup
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "migrate":
			os.Exit(runMigrateCommand(ctx, args[1:]))
		case "validate":
			os.Exit(runValidateCommand(ctx, args[1:]))
		case "consistency":
			os.Exit(runConsistencyCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "backups":
			os.Exit(runBackupsCommand(args[1:]))
		case "restore":
			os.Exit(runRestoreCommand(ctx, args[1:]))
		case "accept-data-loss":
			os.Exit(runAcceptDataLossCommand(ctx, args[1:]))
		case "prune":
			os.Exit(runPruneCommand(args[1:]))
		case "archive":
			os.Exit(runArchiveCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "health":
			os.Exit(runHealthCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Endpoint: cfg.Otel.Endpoint,
		Insecure: cfg.Otel.Insecure,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	store, err := persistence.Open(cfg.Storage.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	if cfg.DualWrite.Enabled {
		logger.Info("dual-write mirror enabled", "legacy_dir", cfg.Storage.LegacyDir)
	}

	backups := maintenance.NewBackups(cfg.Storage.BackupDir, store, logger, eventBus)
	sched, err := maintenance.NewScheduler(maintenance.SchedulerConfig{
		Store:         store,
		Backups:       backups,
		Logger:        logger,
		BackupCron:    cfg.Maintenance.BackupCron,
		IntegrityCron: cfg.Maintenance.IntegrityCron,
		OptimizeCron:  cfg.Maintenance.OptimizeCron,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	// Prune after each scheduled backup so the keep window holds.
	backupEvents := eventBus.Subscribe(bus.TopicMaintenanceBackup)
	defer eventBus.Unsubscribe(backupEvents)
	go func() {
		for range backupEvents.Ch() {
			if cfg.Maintenance.BackupKeep > 0 {
				if removed, err := backups.Prune(cfg.Maintenance.BackupKeep); err != nil {
					logger.Warn("backup prune failed", "error", err)
				} else if removed > 0 {
					logger.Info("old backups pruned", "removed", removed, "keep", cfg.Maintenance.BackupKeep)
				}
			}
		}
	}()

	confWatcher := config.NewWatcher(cfg, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if strings.HasPrefix(ev.Path, cfg.Storage.LegacyDir) {
				// Something other than the dual-write mirror touched a
				// legacy file. Flag it so an operator runs `consistency`.
				logger.Warn("out-of-band legacy write detected",
					"path", ev.Path, "op", ev.Op.String())
				continue
			}
			logger.Info("config change detected", "path", ev.Path, "op", ev.Op.String())
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config.yaml changed; restart to apply storage or schedule changes",
					"old_fingerprint", cfg.Fingerprint(),
					"new_fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	audit.Record("daemon", "daemon.start", "ok", cfg.Storage.DBPath)
	logger.Info("sessiond running", "db", cfg.Storage.DBPath, "version", Version)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.HealthCheck(shutdownCtx); err != nil {
		logger.Warn("final health check failed", "error", err)
	}
	audit.Record("daemon", "daemon.stop", "ok", "")
	logger.Info("shutdown complete", "audit_failures", audit.FailureCount())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("daemon", "daemon.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sessiond","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
