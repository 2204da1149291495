// Package config loads the data engine configuration. Precedence is fixed:
// compiled defaults, then the optional YAML file, then OMEGA_* environment
// variables. Zero values in the Database and Recovery sections mean "use the
// engine defaults" and are filled by the owning packages, not here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultStatusAddr is the localhost address the status API binds to.
const DefaultStatusAddr = "127.0.0.1:7432"

// Config is the full engine configuration.
type Config struct {
	// BaseDir roots the on-disk layout: binaries, pgdata, logs, recovery.
	BaseDir string `yaml:"base_dir" env:"OMEGA_BASE_DIR"`

	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
}

// LoggingConfig configures the console logger and the persistent error log.
type LoggingConfig struct {
	Level          string `yaml:"level" env:"OMEGA_LOG_LEVEL"`
	Format         string `yaml:"format" env:"OMEGA_LOG_FORMAT"`
	Output         string `yaml:"output" env:"OMEGA_LOG_OUTPUT"`
	FilePrefix     string `yaml:"file_prefix" env:"OMEGA_LOG_FILE_PREFIX"`
	RotateMaxBytes int64  `yaml:"rotate_max_bytes" env:"OMEGA_LOG_ROTATE_MAX_BYTES"`
	MaxFiles       int    `yaml:"max_files" env:"OMEGA_LOG_MAX_FILES"`
	MaxAgeDays     int    `yaml:"max_age_days" env:"OMEGA_LOG_MAX_AGE_DAYS"`

	// SweepSchedule is the cron spec for the log retention sweep.
	SweepSchedule string `yaml:"sweep_schedule" env:"OMEGA_LOG_SWEEP_SCHEDULE"`
}

// DatabaseConfig carries the embedded server knobs that are sensible to
// override per installation. Zero values inherit the dbserver defaults.
type DatabaseConfig struct {
	Port           int           `yaml:"port" env:"OMEGA_DB_PORT"`
	Username       string        `yaml:"username" env:"OMEGA_DB_USERNAME"`
	Database       string        `yaml:"database" env:"OMEGA_DB_NAME"`
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"OMEGA_DB_STARTUP_TIMEOUT"`
	BinariesURL    string        `yaml:"binaries_url" env:"OMEGA_DB_BINARIES_URL"`
	Locale         string        `yaml:"locale" env:"OMEGA_DB_LOCALE"`

	// ApplyMigrations runs the embedded base schema after a successful start.
	ApplyMigrations bool `yaml:"apply_migrations" env:"OMEGA_DB_APPLY_MIGRATIONS"`
}

// RecoveryConfig carries the recovery policy overrides. Zero values inherit
// the orchestrator defaults.
type RecoveryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" env:"OMEGA_RECOVERY_MAX_ATTEMPTS"`
	Cooldown      time.Duration `yaml:"cooldown" env:"OMEGA_RECOVERY_COOLDOWN"`
	BackupMaxAge  time.Duration `yaml:"backup_max_age" env:"OMEGA_RECOVERY_BACKUP_MAX_AGE"`
	ShutdownDelay time.Duration `yaml:"shutdown_delay" env:"OMEGA_RECOVERY_SHUTDOWN_DELAY"`
}

// StatusAPIConfig configures the localhost status endpoint.
type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled" env:"OMEGA_STATUS_API_ENABLED"`
	Addr    string `yaml:"addr" env:"OMEGA_STATUS_API_ADDR"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		BaseDir: defaultBaseDir(),
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			FilePrefix:     "omega-player",
			RotateMaxBytes: 10 << 20,
			MaxFiles:       30,
			MaxAgeDays:     30,
			SweepSchedule:  "0 3 * * *",
		},
		Database: DatabaseConfig{
			ApplyMigrations: true,
		},
		StatusAPI: StatusAPIConfig{
			Enabled: true,
			Addr:    DefaultStatusAddr,
		},
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "omega-player")
	}
	return "omega-player"
}

// Load builds the configuration: Default, overlaid with the YAML file at
// path when non-empty, overlaid with OMEGA_* environment variables. The
// result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Absent variables leave the current values untouched; envdecode reports
	// "nothing was set" as an error, which is not one here. StrictDecode makes
	// a malformed variable a load failure instead of a silent skip.
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Engine packages validate their
// own inherited defaults; this covers what config alone owns.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base_dir must not be empty")
	}
	if c.Logging.RotateMaxBytes < 0 {
		return errors.New("logging.rotate_max_bytes must not be negative")
	}
	if c.Logging.MaxFiles < 0 || c.Logging.MaxAgeDays < 0 {
		return errors.New("logging retention bounds must not be negative")
	}
	if c.Logging.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Logging.SweepSchedule); err != nil {
			return fmt.Errorf("logging.sweep_schedule: %w", err)
		}
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d out of range", c.Database.Port)
	}
	if c.Recovery.MaxAttempts < 0 {
		return errors.New("recovery.max_attempts must not be negative")
	}
	if c.StatusAPI.Enabled && c.StatusAPI.Addr == "" {
		return errors.New("status_api.addr must be set when the status API is enabled")
	}
	return nil
}

// LogsDir is the error log directory. Matches the server log layout so all
// logs live under one directory.
func (c Config) LogsDir() string {
	return filepath.Join(c.BaseDir, "logs")
}
