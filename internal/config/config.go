// Package config loads sessiond's home-directory configuration: a
// single config.yaml with defaults, env overrides and normalization.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StorageConfig locates the session store and the legacy JSON files.
// Paths left empty resolve relative to the home directory.
type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	LegacyDir   string `yaml:"legacy_dir"`
	MappingPath string `yaml:"mapping_path"`
	BackupDir   string `yaml:"backup_dir"`
	ArchiveDir  string `yaml:"archive_dir"`
}

// DualWriteConfig controls the transition-window mirror.
type DualWriteConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MaintenanceConfig holds the cron expressions for scheduled care and
// the backup retention count. Empty expressions disable the job.
type MaintenanceConfig struct {
	BackupCron    string `yaml:"backup_cron"`
	IntegrityCron string `yaml:"integrity_cron"`
	OptimizeCron  string `yaml:"optimize_cron"`
	BackupKeep    int    `yaml:"backup_keep"`
}

// OtelConfig controls the OpenTelemetry exporter.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Storage     StorageConfig     `yaml:"storage"`
	DualWrite   DualWriteConfig   `yaml:"dual_write"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		DualWrite: DualWriteConfig{
			Enabled: true,
		},
		Maintenance: MaintenanceConfig{
			BackupCron:    "0 3 * * *",
			IntegrityCron: "*/30 * * * *",
			OptimizeCron:  "0 4 * * 0",
			BackupKeep:    7,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SESSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sessiond")
}

// Load reads config.yaml from the sessiond home, applying defaults for
// a missing file, env overrides, and path normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sessiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(cfg.HomeDir, "sessions.db")
	}
	if cfg.Storage.LegacyDir == "" {
		cfg.Storage.LegacyDir = filepath.Join(cfg.HomeDir, "sessions")
	}
	if cfg.Storage.MappingPath == "" {
		cfg.Storage.MappingPath = filepath.Join(cfg.HomeDir, "workspace_mapping.json")
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = filepath.Join(cfg.HomeDir, "archive")
	}
	if cfg.Maintenance.BackupKeep <= 0 {
		cfg.Maintenance.BackupKeep = 7
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SESSIOND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SESSIOND_DB_PATH"); raw != "" {
		cfg.Storage.DBPath = raw
	}
	if raw := os.Getenv("SESSIOND_LEGACY_DIR"); raw != "" {
		cfg.Storage.LegacyDir = raw
	}
	if raw := os.Getenv("SESSIOND_DUAL_WRITE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DualWrite.Enabled = v
		}
	}
	if raw := os.Getenv("SESSIOND_BACKUP_KEEP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Maintenance.BackupKeep = v
		}
	}
	if raw := os.Getenv("SESSIOND_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Enabled = true
		cfg.Otel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so divergent nodes are easy to spot in aggregated logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|legacy=%s|dual=%t|log=%s|backup=%s|keep=%d",
		c.Storage.DBPath, c.Storage.LegacyDir, c.DualWrite.Enabled,
		c.LogLevel, c.Maintenance.BackupCron, c.Maintenance.BackupKeep)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
