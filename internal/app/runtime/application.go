// Package runtime wires the data engine together: configuration, logging,
// the event stream, the embedded database server, the recovery orchestrator,
// schema migrations, the scheduled log sweep, and the status API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/omega-player/dataengine/internal/api/httpserver"
	"github.com/omega-player/dataengine/internal/app/metrics"
	"github.com/omega-player/dataengine/internal/config"
	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/internal/dbserver"
	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/internal/engine/recovery"
	"github.com/omega-player/dataengine/internal/platform/migrations"
	"github.com/omega-player/dataengine/pkg/logger"
)

// eventHistorySize bounds the in-memory event ring.
const eventHistorySize = 256

// Application owns the engine components and their lifecycle. Construction
// wires everything; Run starts the engine and blocks until the context is
// cancelled; Shutdown releases resources in reverse order.
type Application struct {
	cfg    config.Config
	log    *logger.Logger
	bus    *events.RingBuffer
	server *dbserver.Server
	rec    *recovery.Orchestrator
	status *httpserver.Server
	sweep  *cron.Cron

	mu      sync.Mutex
	pool    *sqlx.DB
	lastErr *dberr.DatabaseError

	unsubscribe []func()
}

// New constructs a fully wired Application from the given configuration.
func New(cfg config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := events.NewRingBuffer(eventHistorySize)

	log := logger.New(logger.LoggingConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         cfg.Logging.Output,
		Dir:            cfg.LogsDir(),
		FilePrefix:     cfg.Logging.FilePrefix,
		RotateMaxBytes: cfg.Logging.RotateMaxBytes,
		MaxFiles:       cfg.Logging.MaxFiles,
		MaxAgeDays:     cfg.Logging.MaxAgeDays,
		Notifier:       busNotifier{bus: bus},
	})

	dbCfg := dbserver.DefaultConfig(cfg.BaseDir)
	if cfg.Database.Port != 0 {
		dbCfg.DefaultPort = cfg.Database.Port
	}
	if cfg.Database.Username != "" {
		dbCfg.Username = cfg.Database.Username
	}
	if cfg.Database.Database != "" {
		dbCfg.Database = cfg.Database.Database
	}
	if cfg.Database.StartupTimeout != 0 {
		dbCfg.StartupTimeout = cfg.Database.StartupTimeout
	}
	dbCfg.BinariesURL = cfg.Database.BinariesURL
	dbCfg.Locale = cfg.Database.Locale

	server := dbserver.NewServer(dbCfg, log, bus)

	recCfg := recovery.DefaultConfig(cfg.BaseDir)
	if cfg.Recovery.MaxAttempts != 0 {
		recCfg.MaxAttempts = cfg.Recovery.MaxAttempts
	}
	if cfg.Recovery.Cooldown != 0 {
		recCfg.Cooldown = cfg.Recovery.Cooldown
	}
	if cfg.Recovery.BackupMaxAge != 0 {
		recCfg.BackupMaxAge = cfg.Recovery.BackupMaxAge
	}
	if cfg.Recovery.ShutdownDelay != 0 {
		recCfg.ShutdownDelay = cfg.Recovery.ShutdownDelay
	}
	rec := recovery.NewOrchestrator(recCfg, log, bus)

	a := &Application{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		server: server,
		rec:    rec,
	}

	rec.SetDatabaseTarget(&databaseTarget{app: a})
	a.unsubscribe = append(a.unsubscribe,
		rec.Subscribe(),
		bus.Subscribe(observeEvent),
	)

	if cfg.Logging.SweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Logging.SweepSchedule, func() {
			deleted, reclaimed := log.Sweep()
			metrics.RecordRetentionSweep(deleted, reclaimed)
		}); err != nil {
			return nil, fmt.Errorf("scheduling log sweep: %w", err)
		}
		a.sweep = c
	}

	if cfg.StatusAPI.Enabled {
		handler := httpserver.NewHandler(httpserver.HandlerConfig{
			Database:  server,
			Recovery:  rec,
			Logs:      log,
			Bus:       bus,
			DataDir:   dbCfg.DataDir,
			LastError: a.lastError,
		})
		a.status = httpserver.NewServer(cfg.StatusAPI.Addr, handler, log)
	}

	return a, nil
}

// Run starts the engine: restore a pending emergency backup, start the
// embedded server synchronously, apply migrations, start the maintenance
// schedule and the status API, then block until the context is cancelled.
// A startup failure is returned classified; the caller owns the user dialog.
func (a *Application) Run(ctx context.Context) error {
	if restored, err := a.rec.RestorePending(ctx); err != nil {
		a.log.LogError(logger.SeverityNonCritical, "pending backup restore failed", "", err, false)
	} else if restored {
		a.log.LogInfo("previous session state restored from emergency backup", "")
	}

	res := a.server.StartServer(ctx)
	metrics.RecordStartup(res.Success, res.Duration)
	if !res.Success {
		a.setLastError(res.Err)
		a.writeDiagnostics(res.Err)
		a.log.LogError(logger.SeverityCritical, "embedded database startup failed",
			string(res.Phase), res.Err, true)
		return res.Err
	}
	metrics.SetServerState(true, res.Port, res.Adopted)

	if a.cfg.Database.ApplyMigrations {
		if err := a.applyMigrations(ctx); err != nil {
			a.log.LogError(logger.SeverityCritical, "schema migration failed", "", err, true)
			return err
		}
	}

	if a.sweep != nil {
		a.sweep.Start()
	}

	if a.status != nil {
		// The engine keeps running without its observability surface.
		if err := a.status.Start(); err != nil {
			a.log.LogError(logger.SeverityNonCritical, "status API failed to start", "", err, false)
		}
	}

	a.log.LogInfo("data engine started", "port "+strconv.Itoa(res.Port))

	<-ctx.Done()
	return nil
}

func (a *Application) applyMigrations(ctx context.Context) error {
	pool, err := a.server.OpenPool(ctx)
	if err != nil {
		return fmt.Errorf("opening migration pool: %w", err)
	}

	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()

	return migrations.Apply(ctx, pool.DB)
}

// writeDiagnostics persists a diagnostic report for a startup failure.
// Best-effort: a report failure must not mask the startup error.
func (a *Application) writeDiagnostics(derr *dberr.DatabaseError) {
	a.log.SafeExecute(func() error {
		dir := filepath.Join(a.cfg.BaseDir, "diagnostics")
		path, err := dberr.WriteReport(dir, derr, filepath.Join(a.cfg.BaseDir, "pgdata"))
		if err != nil {
			return err
		}
		a.log.LogInfo("diagnostic report written", path)
		return nil
	}, "writing diagnostic report", logger.WithoutNotify())
}

// Shutdown stops the engine in reverse start order: maintenance schedule,
// status API, subscriptions, connection pool, embedded server, logger.
func (a *Application) Shutdown(ctx context.Context) error {
	a.log.LogInfo("data engine shutting down", "")

	if a.sweep != nil {
		select {
		case <-a.sweep.Stop().Done():
		case <-ctx.Done():
		}
	}

	var errs []error
	if a.status != nil {
		if err := a.status.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status API shutdown: %w", err))
		}
	}

	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil

	a.mu.Lock()
	pool := a.pool
	a.pool = nil
	a.mu.Unlock()
	if pool != nil {
		if err := pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection pool: %w", err))
		}
	}

	if err := a.server.StopServer(true); err != nil {
		errs = append(errs, err)
	}
	metrics.SetServerState(false, 0, false)

	if err := a.log.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Logger returns the application logger.
func (a *Application) Logger() *logger.Logger { return a.log }

// Events returns the engine event stream.
func (a *Application) Events() *events.RingBuffer { return a.bus }

// Server returns the embedded database server.
func (a *Application) Server() *dbserver.Server { return a.server }

// Recovery returns the recovery orchestrator. The player shell attaches its
// profile, playback, UI and player-state adapters here.
func (a *Application) Recovery() *recovery.Orchestrator { return a.rec }

// Pool returns the shared connection pool, or nil before migrations ran.
func (a *Application) Pool() *sqlx.DB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool
}

// StatusAddr returns the status API address, empty when disabled.
func (a *Application) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

func (a *Application) setLastError(derr *dberr.DatabaseError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = derr
}

func (a *Application) lastError() *dberr.DatabaseError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// busNotifier publishes logger notifications onto the event stream, where
// the recovery orchestrator picks up the critical ones.
type busNotifier struct {
	bus events.EventLogger
}

func (n busNotifier) NotifyError(severity logger.Severity, message, details string, err error) {
	events.NewEvent(events.EventErrorOccurred).
		Severity(eventSeverity(severity)).
		Component("logger").
		Message(message).
		Details(details).
		ErrorFrom(err).
		LogTo(n.bus)
}

func eventSeverity(s logger.Severity) events.Severity {
	switch s {
	case logger.SeverityCritical:
		return events.SeverityCritical
	case logger.SeverityPlayback:
		return events.SeverityPlayback
	case logger.SeverityNonCritical:
		return events.SeverityNonCritical
	default:
		return events.SeverityInfo
	}
}

// databaseTarget adapts the embedded server to the recovery orchestrator.
type databaseTarget struct {
	app *Application
}

func (t *databaseTarget) Running() bool {
	return t.app.server.Running()
}

func (t *databaseTarget) VerifyConnection(ctx context.Context) error {
	if pool := t.app.Pool(); pool != nil {
		return pool.PingContext(ctx)
	}

	connString, ok := t.app.server.ConnectionString()
	if !ok {
		return errors.New("embedded server is not running")
	}
	db, err := sqlx.Open("postgres", connString)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (t *databaseTarget) InvalidateCaches() {
	// The data layer above the engine owns its caches; nothing to flush here.
}

// observeEvent translates engine events into Prometheus metrics.
func observeEvent(ev events.Event) {
	switch ev.Type {
	case events.EventPhaseFailed:
		metrics.RecordPhaseFailure(ev.Phase)
	case events.EventErrorOccurred:
		metrics.RecordErrorLogged(string(ev.Severity))
	case events.EventRecoverySucceeded:
		metrics.RecordRecovery(true, ev.Duration)
	case events.EventRecoveryFailed:
		metrics.RecordRecovery(false, ev.Duration)
	case events.EventRecoverySkipped:
		metrics.RecordRecoverySkipped()
	case events.EventBackupWritten:
		metrics.RecordBackupEvent("written")
	case events.EventBackupRestored:
		metrics.RecordBackupEvent("restored")
	case events.EventBackupDiscarded:
		metrics.RecordBackupEvent("discarded")
	case events.EventShutdownInitiated:
		metrics.RecordEmergencyShutdown()
	}
}
