package dbserver

import (
	"path/filepath"
	"time"
)

// Fixed server parameters. The username and database names are part of the
// on-disk instance identity: changing them orphans existing instances.
const (
	// DefaultPort is the standard PostgreSQL port, tried first.
	DefaultPort = 5432

	// PortRangeStart..PortRangeEnd is scanned when the default port is taken
	// by a foreign listener.
	PortRangeStart = 5433
	PortRangeEnd   = 5442

	// DefaultUsername is the fixed superuser the instance is initialized with.
	DefaultUsername = "omega"

	// DefaultDatabase is the application database.
	DefaultDatabase = "omegaplayer"

	// DefaultAdminDatabase is the maintenance database used for server-level
	// work: readiness probes, existence checks, CREATE DATABASE.
	DefaultAdminDatabase = "postgres"

	// DefaultStartupTimeout bounds the wait for the server to accept
	// connections after the process starts.
	DefaultStartupTimeout = 30 * time.Second

	// InstanceID keys the on-disk data directory so every run reuses the
	// same instance. Never regenerate it: a new value abandons the existing
	// cluster and its data.
	InstanceID = "8f1d7c2a-3b6e-4f0a-9c5d-2e8b4a7f1c36"

	// MinFreeDiskBytes is the pre-flight free-space floor.
	MinFreeDiskBytes = 500 << 20

	// Pool sizing applied by OpenPool.
	PoolMinIdleConns     = 1
	PoolMaxOpenConns     = 10
	PoolIdleConnLifetime = 300 * time.Second

	connectTimeoutSeconds = 10
)

// Config holds the embedded server configuration. Zero-value fields are
// filled with defaults by normalize; only BaseDir is required.
type Config struct {
	// BaseDir is the root of the application data layout. Binaries, the
	// instance data directory, logs and recovery files all live under it.
	BaseDir string

	// DataDir is the PostgreSQL data directory. Defaults to
	// <BaseDir>/pgdata/<InstanceID>.
	DataDir string

	// BinariesDir holds the server binaries. Defaults to <BaseDir>/binaries.
	BinariesDir string

	// DefaultPort is tried first; PortRangeStart..PortRangeEnd is the
	// fallback scan window.
	DefaultPort    int
	PortRangeStart int
	PortRangeEnd   int

	// Username is the instance superuser.
	Username string

	// Database is the application database created on first start.
	Database string

	// AdminDatabase is the maintenance database.
	AdminDatabase string

	// StartupTimeout bounds the readiness wait in the startup phase.
	StartupTimeout time.Duration

	// BinariesURL is the archive downloaded when no server binary is
	// installed. Empty disables provisioning.
	BinariesURL string

	// Locale is passed to initdb when non-empty. Empty lets initdb pick the
	// environment locale.
	Locale string
}

// DefaultConfig returns the standard configuration rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	cfg := Config{BaseDir: baseDir}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.BaseDir, "pgdata", InstanceID)
	}
	if c.BinariesDir == "" {
		c.BinariesDir = filepath.Join(c.BaseDir, "binaries")
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = DefaultPort
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = PortRangeStart
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = PortRangeEnd
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.AdminDatabase == "" {
		c.AdminDatabase = DefaultAdminDatabase
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
}

// LogsDir returns the directory for server process output.
func (c Config) LogsDir() string {
	return filepath.Join(c.BaseDir, "logs")
}

// ServerLogPath is the file the server process's stdout/stderr is appended to.
func (c Config) ServerLogPath() string {
	return filepath.Join(c.LogsDir(), "postgres.log")
}
