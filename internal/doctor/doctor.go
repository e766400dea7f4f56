// Package doctor runs engine diagnostics: configuration, database
// health, legacy file readability, workspace mapping coverage, backup
// freshness and filesystem permissions.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/importer"
	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/maintenance"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/telemetry"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check in the diagnosis failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkLegacyFiles,
		checkWorkspaceMapping,
		checkBackups,
		checkPermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	health, err := store.HealthCheck(ctx)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: fmt.Sprintf("Integrity check failed: %v", err),
			Detail:  health.Detail,
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d, %d sessions, integrity ok", version, health.Sessions),
		Detail:  fmt.Sprintf("%d bytes on disk", health.SizeBytes),
	}
}

func checkLegacyFiles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Legacy Files", Status: "SKIP", Message: "Config missing"}
	}
	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	files, err := legacyStore.ListFiles()
	if err != nil {
		return CheckResult{Name: "Legacy Files", Status: "FAIL", Message: fmt.Sprintf("List failed: %v", err)}
	}
	if len(files) == 0 {
		return CheckResult{Name: "Legacy Files", Status: "PASS", Message: "No legacy files (nothing to migrate)"}
	}

	unreadable := 0
	for _, file := range files {
		if _, err := legacy.LoadFile(file); err != nil {
			unreadable++
		}
	}
	if unreadable > 0 {
		return CheckResult{
			Name:    "Legacy Files",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d files unreadable", unreadable, len(files)),
			Detail:  "Unreadable files will be skipped by migrate; inspect them manually",
		}
	}
	return CheckResult{Name: "Legacy Files", Status: "PASS", Message: fmt.Sprintf("%d files readable", len(files))}
}

func checkWorkspaceMapping(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace Mapping", Status: "SKIP", Message: "Config missing"}
	}
	legacyStore := legacy.NewStore(cfg.Storage.LegacyDir)
	files, err := legacyStore.ListFiles()
	if err != nil || len(files) == 0 {
		return CheckResult{Name: "Workspace Mapping", Status: "PASS", Message: "No legacy files to map"}
	}

	// A dry run with no resolver reports every unmapped hash as a file
	// error without writing anything.
	store, err := persistence.Open(cfg.Storage.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Workspace Mapping", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()
	im, err := importer.New(store, legacyStore, telemetry.NewDiscard(), importer.WithMappingPath(cfg.Storage.MappingPath))
	if err != nil {
		return CheckResult{Name: "Workspace Mapping", Status: "FAIL", Message: fmt.Sprintf("Importer init failed: %v", err)}
	}
	stats, err := im.Run(ctx, true)
	if err != nil {
		return CheckResult{Name: "Workspace Mapping", Status: "FAIL", Message: fmt.Sprintf("Dry run failed: %v", err)}
	}
	if n := len(stats.Errors); n > 0 {
		return CheckResult{
			Name:    "Workspace Mapping",
			Status:  "WARN",
			Message: fmt.Sprintf("%d files would need interactive resolution", n),
			Detail:  "Run migrate to resolve unknown workspace hashes",
		}
	}
	return CheckResult{Name: "Workspace Mapping", Status: "PASS", Message: fmt.Sprintf("All %d files resolvable", len(files))}
}

func checkBackups(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backups", Status: "SKIP", Message: "Config missing"}
	}
	manager := maintenance.NewBackups(cfg.Storage.BackupDir, nil, telemetry.NewDiscard(), nil)
	backups, err := manager.List()
	if err != nil {
		return CheckResult{Name: "Backups", Status: "FAIL", Message: fmt.Sprintf("List failed: %v", err)}
	}
	if len(backups) == 0 {
		return CheckResult{
			Name:    "Backups",
			Status:  "WARN",
			Message: "No backups found",
			Detail:  "Run backup, or enable the scheduled backup cron",
		}
	}
	age := time.Since(backups[0].CreatedAt)
	if age > 7*24*time.Hour {
		return CheckResult{
			Name:    "Backups",
			Status:  "WARN",
			Message: fmt.Sprintf("Newest backup is %dd old", int(age.Hours()/24)),
		}
	}
	return CheckResult{
		Name:    "Backups",
		Status:  "PASS",
		Message: fmt.Sprintf("%d backups, newest %s", len(backups), backups[0].ID),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}
