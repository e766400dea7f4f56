package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level default wrong: %s", cfg.LogLevel)
	}
	if !cfg.DualWrite.Enabled {
		t.Fatal("dual write should default on during the transition window")
	}
	if cfg.Storage.DBPath != filepath.Join(home, "sessions.db") {
		t.Fatalf("db path wrong: %s", cfg.Storage.DBPath)
	}
	if cfg.Storage.LegacyDir != filepath.Join(home, "sessions") {
		t.Fatalf("legacy dir wrong: %s", cfg.Storage.LegacyDir)
	}
	if cfg.Storage.MappingPath != filepath.Join(home, "workspace_mapping.json") {
		t.Fatalf("mapping path wrong: %s", cfg.Storage.MappingPath)
	}
	if cfg.Maintenance.BackupKeep != 7 {
		t.Fatalf("backup keep default wrong: %d", cfg.Maintenance.BackupKeep)
	}
	if cfg.Maintenance.BackupCron == "" || cfg.Maintenance.IntegrityCron == "" {
		t.Fatal("maintenance crons should default on")
	}
}

func TestLoadFrom_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
dual_write:
  enabled: false
storage:
  db_path: /custom/sessions.db
maintenance:
  backup_keep: 3
  backup_cron: ""
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not read: %s", cfg.LogLevel)
	}
	if cfg.DualWrite.Enabled {
		t.Fatal("dual_write.enabled=false not honored")
	}
	if cfg.Storage.DBPath != "/custom/sessions.db" {
		t.Fatalf("db path not read: %s", cfg.Storage.DBPath)
	}
	if cfg.Maintenance.BackupKeep != 3 {
		t.Fatalf("backup keep not read: %d", cfg.Maintenance.BackupKeep)
	}
	if cfg.Maintenance.BackupCron != "" {
		t.Fatalf("explicit empty cron must stay disabled: %q", cfg.Maintenance.BackupCron)
	}
	// Unset paths still normalize relative to home.
	if cfg.Storage.BackupDir != filepath.Join(home, "backups") {
		t.Fatalf("backup dir wrong: %s", cfg.Storage.BackupDir)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("storage: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("SESSIOND_LOG_LEVEL", "warn")
	t.Setenv("SESSIOND_DB_PATH", "/env/sessions.db")
	t.Setenv("SESSIOND_DUAL_WRITE", "false")
	t.Setenv("SESSIOND_BACKUP_KEEP", "11")
	t.Setenv("SESSIOND_OTEL_ENDPOINT", "localhost:4317")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Storage.DBPath != "/env/sessions.db" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.DualWrite.Enabled {
		t.Fatal("SESSIOND_DUAL_WRITE=false not applied")
	}
	if cfg.Maintenance.BackupKeep != 11 {
		t.Fatalf("backup keep override wrong: %d", cfg.Maintenance.BackupKeep)
	}
	if !cfg.Otel.Enabled || cfg.Otel.Endpoint != "localhost:4317" {
		t.Fatalf("otel endpoint override wrong: %+v", cfg.Otel)
	}
}

func TestHomeDir_Override(t *testing.T) {
	t.Setenv("SESSIOND_HOME", "/tmp/custom-home")
	if got := HomeDir(); got != "/tmp/custom-home" {
		t.Fatalf("home override wrong: %s", got)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	a, _ := LoadFrom(home)
	b, _ := LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable for identical config")
	}
	b.DualWrite.Enabled = false
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change with dual-write setting")
	}
}

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected path: %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event for config write")
	}
}
