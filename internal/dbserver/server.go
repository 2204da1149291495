// Package dbserver manages the embedded PostgreSQL server: pre-flight
// environment validation, binary provisioning, port negotiation, the phased
// startup sequence, and teardown. Startup either ends with a verified live
// connection or with a classified error and no retained process handle;
// there is no partially-started state to observe from outside.
package dbserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/internal/engine/state"
	"github.com/omega-player/dataengine/pkg/logger"
)

// Phase tags identify the startup stage an error belongs to. The strings
// are stable identifiers carried in events, logs and diagnostic reports.
type Phase string

const (
	PhasePreFlight        Phase = "Pre-flight Checks"
	PhaseDirectories      Phase = "Directory Creation"
	PhaseConfiguration    Phase = "Server Configuration"
	PhaseStartup          Phase = "Server Startup"
	PhaseConnString       Phase = "Connection String Building"
	PhaseDatabaseCreation Phase = "Database Creation"

	// PhaseSuccess marks a completed startup in StartupResult.
	PhaseSuccess Phase = "success"
)

// StartupResult reports the outcome of a StartServer call. On failure,
// Phase names the stage that failed and Err carries the classified error.
type StartupResult struct {
	Success    bool
	Phase      Phase
	Port       int
	ConnString string
	Adopted    bool
	Duration   time.Duration
	Err        *dberr.DatabaseError
}

// process is the handle to a spawned server process.
type process interface {
	Pid() int
	Signal(sig os.Signal) error

	// Done yields the process's exit error once, then reads as closed.
	Done() <-chan error
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *osProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *osProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *osProcess) Done() <-chan error         { return p.done }

// SpawnFunc starts the server binary detached from the startup context: the
// server must outlive the call, so cancellation is handled by the stop path,
// not by the context.
type SpawnFunc func(binary string, args []string, logPath string) (process, error)

func defaultSpawn(binary string, args []string, logPath string) (process, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating server log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening server log file: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}
	// The child holds its own descriptor.
	logFile.Close()

	p := &osProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// startPlan is the configuration phase's output consumed by the startup
// phase.
type startPlan struct {
	binary string // empty when adopting a running server
	port   int
	adopt  bool
}

// Server manages the embedded PostgreSQL instance.
//
// Two locks: lifecycle serializes StartServer/StopServer so overlapping
// calls cannot interleave phases (the second caller observes the first
// caller's outcome), and stateMu guards the published runtime fields so
// accessors never block behind a running startup.
type Server struct {
	cfg Config
	log *logger.Logger
	bus events.EventLogger

	lifecycle sync.Mutex

	stateMu    sync.RWMutex
	status     state.Status
	port       int
	connString string
	adopted    bool
	proc       process

	// Probe and process seams, replaced in tests.
	diskFree       DiskFreeFunc
	runBinary      BinaryRunner
	probeListening func(port int) bool
	probeOwnServer func(ctx context.Context, port int) bool
	bindEphemeral  func() (int, error)
	spawn          SpawnFunc
	openDB         func(ctx context.Context, dsn string) (*sqlx.DB, error)
	verifyConn     func(ctx context.Context, dsn string) error
	probeDownload  func(ctx context.Context, rawURL string) error
	httpClient     *http.Client
}

// NewServer creates a Server for the given configuration. When log or bus
// are nil a console logger and a discarding event sink are used.
func NewServer(cfg Config, log *logger.Logger, bus events.EventLogger) *Server {
	cfg.normalize()
	if log == nil {
		log = logger.NewDefault("dbserver")
	}
	if bus == nil {
		bus = &events.NoOpLogger{}
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		status: state.StatusUnknown,
	}
	s.diskFree = defaultDiskFree
	s.runBinary = runBinaryCommand
	s.probeListening = defaultProbeListening
	s.probeOwnServer = s.defaultProbeOwnServer
	s.bindEphemeral = defaultBindEphemeral
	s.spawn = defaultSpawn
	s.openDB = defaultOpenDB
	s.verifyConn = s.defaultVerifyConn
	s.probeDownload = defaultDownloadProbe
	s.httpClient = &http.Client{Timeout: 5 * time.Minute}
	return s
}

// Status returns the current lifecycle status.
func (s *Server) Status() state.Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

// Running reports whether the server is up with a verified connection.
func (s *Server) Running() bool {
	return s.Status() == state.StatusRunning
}

// Port returns the negotiated port, or 0 when the server is not running.
func (s *Server) Port() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.port
}

// Adopted reports whether the running instance was adopted rather than
// spawned by this process.
func (s *Server) Adopted() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.adopted
}

// ConnectionString returns the application database connection string. The
// bool is false until a startup has fully succeeded.
func (s *Server) ConnectionString() (string, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.connString, s.connString != ""
}

// Health returns the lifecycle health snapshot for the status API.
func (s *Server) Health() state.Health {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	readiness := state.ReadinessNotReady
	if s.status == state.StatusRunning {
		readiness = state.ReadinessReady
	} else if s.status == state.StatusUnknown {
		readiness = state.ReadinessUnknown
	}
	return state.NewHealth(s.status, readiness)
}

// dsn builds the keyword/value connection string for the given port and
// database. The idle lifetime and pool bounds live on the pool, not in the
// string; see OpenPool.
func (s *Server) dsn(port int, database string) string {
	return fmt.Sprintf("host=localhost port=%d user=%s dbname=%s sslmode=disable connect_timeout=%d",
		port, s.cfg.Username, database, connectTimeoutSeconds)
}

func defaultOpenDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Server) defaultVerifyConn(ctx context.Context, dsn string) error {
	db, err := s.openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}

// StartServer runs the phased startup sequence. Each phase has its own
// error boundary: a failure is classified, tagged with the phase, torn down
// (nothing started stays running, no handle is retained) and returned.
// Success means every phase passed and a live connection to the application
// database was verified.
func (s *Server) StartServer(ctx context.Context) StartupResult {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Running() {
		connString, _ := s.ConnectionString()
		return StartupResult{
			Success:    true,
			Phase:      PhaseSuccess,
			Port:       s.Port(),
			ConnString: connString,
			Adopted:    s.Adopted(),
		}
	}

	began := time.Now()
	s.setStatus(state.StatusStarting)
	events.NewEvent(events.EventServerStarting).
		Component("dbserver").
		Status(state.StatusStarting).
		Message("embedded server starting").
		LogTo(s.bus)

	phaseStart := time.Now()
	if derr := s.PerformPreFlightChecks(ctx); derr != nil {
		return s.failStartup(PhasePreFlight, derr, began)
	}
	s.completePhase(PhasePreFlight, phaseStart)

	phaseStart = time.Now()
	if derr := s.createDirectories(); derr != nil {
		return s.failStartup(PhaseDirectories, derr, began)
	}
	s.completePhase(PhaseDirectories, phaseStart)

	phaseStart = time.Now()
	plan, derr := s.configureServer(ctx)
	if derr != nil {
		return s.failStartup(PhaseConfiguration, derr, began)
	}
	s.completePhase(PhaseConfiguration, phaseStart)

	phaseStart = time.Now()
	proc, derr := s.startServerProcess(ctx, plan)
	if derr != nil {
		s.teardown(proc, plan)
		return s.failStartup(PhaseStartup, derr, began)
	}
	s.completePhase(PhaseStartup, phaseStart)

	phaseStart = time.Now()
	connString, derr := s.buildConnectionString(plan.port)
	if derr != nil {
		s.teardown(proc, plan)
		return s.failStartup(PhaseConnString, derr, began)
	}
	s.completePhase(PhaseConnString, phaseStart)

	phaseStart = time.Now()
	if derr := s.ensureDatabase(ctx, plan.port); derr != nil {
		s.teardown(proc, plan)
		return s.failStartup(PhaseDatabaseCreation, derr, began)
	}
	s.completePhase(PhaseDatabaseCreation, phaseStart)

	s.stateMu.Lock()
	s.status = state.StatusRunning
	s.port = plan.port
	s.connString = connString
	s.adopted = plan.adopt
	s.proc = proc
	s.stateMu.Unlock()

	events.NewEvent(events.EventServerStarted).
		Component("dbserver").
		Status(state.StatusRunning).
		Readiness(state.ReadinessReady).
		Message("embedded server ready").
		Duration(time.Since(began)).
		Metadata("port", strconv.Itoa(plan.port)).
		Metadata("adopted", strconv.FormatBool(plan.adopt)).
		LogTo(s.bus)
	s.log.LogInfo("embedded server ready",
		fmt.Sprintf("port=%d adopted=%t elapsed=%s", plan.port, plan.adopt, time.Since(began).Round(time.Millisecond)))

	return StartupResult{
		Success:    true,
		Phase:      PhaseSuccess,
		Port:       plan.port,
		ConnString: connString,
		Adopted:    plan.adopt,
		Duration:   time.Since(began),
	}
}

// failStartup records a phase failure and returns the startup result. The
// error reaches the caller synchronously, so the notifier is not invoked:
// firing auto-recovery for a failure the caller is already handling would
// race it.
func (s *Server) failStartup(phase Phase, derr *dberr.DatabaseError, began time.Time) StartupResult {
	s.setStatus(state.StatusFailed)
	s.log.LogError(logger.SeverityCritical,
		fmt.Sprintf("embedded server startup failed during %s", phase),
		derr.TechnicalDetails, derr, false)

	events.NewEvent(events.EventPhaseFailed).
		Component("dbserver").
		Phase(string(phase)).
		Severity(events.SeverityCritical).
		Message(derr.Title).
		Details(derr.TechnicalDetails).
		ErrorFrom(derr).
		LogTo(s.bus)
	events.NewEvent(events.EventServerStartFailed).
		Component("dbserver").
		Status(state.StatusFailed).
		Severity(events.SeverityCritical).
		Message(fmt.Sprintf("startup aborted during %s", phase)).
		LogTo(s.bus)

	return StartupResult{
		Phase:    phase,
		Err:      derr,
		Duration: time.Since(began),
	}
}

func (s *Server) completePhase(phase Phase, began time.Time) {
	events.NewEvent(events.EventPhaseCompleted).
		Component("dbserver").
		Phase(string(phase)).
		Duration(time.Since(began)).
		Message(fmt.Sprintf("startup phase completed: %s", phase)).
		LogTo(s.bus)
	s.log.LogInfo(fmt.Sprintf("startup phase completed: %s", phase), "")
}

func (s *Server) setStatus(status state.Status) {
	s.stateMu.Lock()
	s.status = status
	s.stateMu.Unlock()
}

// createDirectories builds the on-disk layout. The instance data directory
// is private: the server refuses group- or world-accessible data dirs.
func (s *Server) createDirectories() *dberr.DatabaseError {
	dirs := []string{
		s.cfg.BaseDir,
		filepath.Dir(s.cfg.DataDir),
		s.cfg.BinariesDir,
		s.cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return classifyDirectoryError(dir, err)
		}
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return classifyDirectoryError(s.cfg.DataDir, err)
	}
	return nil
}

func classifyDirectoryError(dir string, err error) *dberr.DatabaseError {
	if errors.Is(err, fs.ErrPermission) {
		return dberr.New(dberr.CategoryPermissions,
			fmt.Sprintf("cannot create directory %s: %v", dir, err), err)
	}
	return dberr.Classify(fmt.Errorf("creating directory %s: %w", dir, err))
}

// configureServer ensures runnable binaries, negotiates the port, and
// initializes a fresh instance directory when needed.
func (s *Server) configureServer(ctx context.Context) (startPlan, *dberr.DatabaseError) {
	binary, found := LocateServerBinary(s.cfg.BinariesDir)
	if !found {
		if derr := s.ProvisionBinaries(ctx); derr != nil {
			return startPlan{}, derr
		}
		binary, _ = LocateServerBinary(s.cfg.BinariesDir)
	}

	if validation := validateServerBinary(ctx, s.runBinary, binary); !validation.Valid {
		return startPlan{}, validation.toError()
	}

	choice, derr := s.selectPort(ctx)
	if derr != nil {
		return startPlan{}, derr
	}
	plan := startPlan{binary: binary, port: choice.port, adopt: choice.adopt}
	if plan.adopt {
		return plan, nil
	}

	if !s.instanceInitialized() {
		if derr := s.runInitdb(ctx, binary); derr != nil {
			return startPlan{}, derr
		}
	}
	return plan, nil
}

// toError maps a failed validation onto the error taxonomy.
func (v BinaryValidation) toError() *dberr.DatabaseError {
	switch v.Reason {
	case ReasonPermissions:
		return dberr.New(dberr.CategoryPermissions, v.Message, nil)
	case ReasonDependencies:
		return dberr.New(dberr.CategoryDependencies, v.Message, nil)
	default:
		return dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("%s (%s)", v.Message, v.Reason), nil)
	}
}

// instanceInitialized reports whether the data directory holds an
// initialized cluster.
func (s *Server) instanceInitialized() bool {
	_, err := os.Stat(filepath.Join(s.cfg.DataDir, "PG_VERSION"))
	return err == nil
}

func (s *Server) runInitdb(ctx context.Context, postgresBinary string) *dberr.DatabaseError {
	args := []string{
		"-D", s.cfg.DataDir,
		"-U", s.cfg.Username,
		"-A", "trust",
		"-E", "UTF8",
	}
	if s.cfg.Locale != "" {
		args = append(args, "--locale", s.cfg.Locale)
	}

	initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, stderr, exitCode, err := s.runBinary(initCtx, initdbPath(postgresBinary), args...)
	if err == nil && exitCode == 0 {
		return nil
	}

	// initdb's stderr names the condition (locale, permissions, disk), so
	// the keyword classifier produces the right category from it.
	failure := fmt.Errorf("initdb failed (exit %d): %s", exitCode, strings.TrimSpace(stderr))
	if err != nil {
		failure = fmt.Errorf("initdb failed (exit %d): %s: %w", exitCode, strings.TrimSpace(stderr), err)
	}
	return dberr.Classify(failure)
}

// startServerProcess spawns the server and waits for readiness, or verifies
// an adopted instance. On any failure nothing keeps running and no handle
// is returned.
func (s *Server) startServerProcess(ctx context.Context, plan startPlan) (process, *dberr.DatabaseError) {
	if plan.adopt {
		if err := s.verifyConn(ctx, s.dsn(plan.port, s.cfg.AdminDatabase)); err != nil {
			return nil, dberr.New(dberr.CategoryProcessFailure,
				fmt.Sprintf("server on port %d stopped answering during adoption: %v", plan.port, err), err)
		}
		events.NewEvent(events.EventServerAdopted).
			Component("dbserver").
			Message("adopted already-running embedded server").
			Metadata("port", strconv.Itoa(plan.port)).
			LogTo(s.bus)
		return nil, nil
	}

	args := []string{
		"-D", s.cfg.DataDir,
		"-p", strconv.Itoa(plan.port),
		"-c", "listen_addresses=localhost",
	}
	if runtime.GOOS != "windows" {
		// Keep the unix socket inside the data directory; system socket
		// directories are not writable for a user-level install.
		args = append(args, "-k", s.cfg.DataDir)
	}

	proc, err := s.spawn(plan.binary, args, s.cfg.ServerLogPath())
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, dberr.New(dberr.CategoryPermissions,
				fmt.Sprintf("spawning server process: %v", err), err)
		}
		return nil, dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("spawning server process: %v", err), err)
	}

	if derr := s.waitReady(ctx, proc, plan.port); derr != nil {
		return proc, derr
	}
	return proc, nil
}

// waitReady polls the maintenance database until the server accepts a
// connection, the process exits, or the startup timeout passes.
func (s *Server) waitReady(ctx context.Context, proc process, port int) *dberr.DatabaseError {
	adminDSN := s.dsn(port, s.cfg.AdminDatabase)
	deadline := time.Now().Add(s.cfg.StartupTimeout)

	var lastErr error
	for {
		select {
		case err := <-proc.Done():
			return dberr.New(dberr.CategoryProcessFailure,
				fmt.Sprintf("server process exited during startup: %v; see %s", err, s.cfg.ServerLogPath()), err)
		case <-ctx.Done():
			return dberr.New(dberr.CategoryProcessFailure,
				fmt.Sprintf("server startup cancelled: %v", ctx.Err()), ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}

		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = s.verifyConn(probeCtx, adminDSN)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return dberr.New(dberr.CategoryProcessFailure,
				fmt.Sprintf("server did not accept connections within %s; last probe error: %v",
					s.cfg.StartupTimeout, lastErr), lastErr)
		}
	}
}

// buildConnectionString validates the negotiated parameters and renders the
// application database connection string.
func (s *Server) buildConnectionString(port int) (string, *dberr.DatabaseError) {
	if port <= 0 || port > 65535 {
		return "", dberr.New(dberr.CategoryUnknown,
			fmt.Sprintf("negotiated port %d is out of range", port), nil)
	}
	if s.cfg.Username == "" || s.cfg.Database == "" {
		return "", dberr.New(dberr.CategoryUnknown,
			"server configuration is missing the username or database name", nil)
	}
	return s.dsn(port, s.cfg.Database), nil
}

// ensureDatabase creates the application database when absent and verifies
// a live connection to it.
func (s *Server) ensureDatabase(ctx context.Context, port int) *dberr.DatabaseError {
	admin, err := s.openDB(ctx, s.dsn(port, s.cfg.AdminDatabase))
	if err != nil {
		return dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("connecting to maintenance database: %v", err), err)
	}
	defer admin.Close()

	var one int
	err = admin.GetContext(ctx, &one, "SELECT 1 FROM pg_database WHERE datname = $1", s.cfg.Database)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stmt := fmt.Sprintf("CREATE DATABASE %s ENCODING 'UTF8'", pq.QuoteIdentifier(s.cfg.Database))
		if _, execErr := admin.ExecContext(ctx, stmt); execErr != nil {
			return dberr.Classify(fmt.Errorf("creating database %s: %w", s.cfg.Database, execErr))
		}
	case err != nil:
		return dberr.Classify(fmt.Errorf("checking for database %s: %w", s.cfg.Database, err))
	}

	if err := s.verifyConn(ctx, s.dsn(port, s.cfg.Database)); err != nil {
		return dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("database %s did not answer after creation: %v", s.cfg.Database, err), err)
	}
	return nil
}

// teardown reverses a partial startup after a phase failure.
func (s *Server) teardown(proc process, plan startPlan) {
	switch {
	case proc != nil:
		if err := s.terminateProcess(proc); err != nil {
			s.log.LogError(logger.SeverityNonCritical,
				"failed to stop partially-started server process", "", err, false)
		}
	case plan.adopt:
		// The adopted instance is ours from an earlier run; leave it to the
		// stop path rather than killing a server that was healthy before we
		// touched it.
	}
}

// StopServer stops the embedded server: SIGTERM, a bounded wait, then
// SIGKILL. Adopted instances are stopped through pg_ctl since no process
// handle exists. Stop errors are logged always but returned only when
// reportErrors is set; teardown paths inside startup call with false.
func (s *Server) StopServer(reportErrors bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stateMu.Lock()
	if s.status != state.StatusRunning {
		s.stateMu.Unlock()
		return nil
	}
	proc := s.proc
	adopted := s.adopted
	port := s.port
	s.status = state.StatusStopping
	s.stateMu.Unlock()

	events.NewEvent(events.EventServerStopping).
		Component("dbserver").
		Status(state.StatusStopping).
		Message("stopping embedded server").
		Metadata("port", strconv.Itoa(port)).
		LogTo(s.bus)

	var errs []error
	switch {
	case proc != nil:
		if err := s.terminateProcess(proc); err != nil {
			errs = append(errs, err)
		}
	case adopted:
		if err := s.stopAdopted(); err != nil {
			errs = append(errs, err)
		}
	}

	s.stateMu.Lock()
	s.status = state.StatusStopped
	s.port = 0
	s.connString = ""
	s.adopted = false
	s.proc = nil
	s.stateMu.Unlock()

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		s.log.LogError(logger.SeverityNonCritical, "embedded server stop reported errors", "", joined, false)
		events.NewEvent(events.EventServerStopFailed).
			Component("dbserver").
			Status(state.StatusStopped).
			ErrorFrom(joined).
			Message("embedded server stop reported errors").
			LogTo(s.bus)
		if reportErrors {
			return joined
		}
		return nil
	}

	events.NewEvent(events.EventServerStopped).
		Component("dbserver").
		Status(state.StatusStopped).
		Message("embedded server stopped").
		LogTo(s.bus)
	return nil
}

func (s *Server) terminateProcess(proc process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-proc.Done():
			return nil
		default:
		}
		_ = proc.Signal(os.Kill)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(10 * time.Second):
	}

	_ = proc.Signal(os.Kill)
	select {
	case <-proc.Done():
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server process %d survived SIGKILL", proc.Pid())
	}
}

// stopAdopted shuts down an instance this process never spawned.
func (s *Server) stopAdopted() error {
	binary, found := LocateServerBinary(s.cfg.BinariesDir)
	if !found {
		return errors.New("cannot stop adopted server: no pg_ctl binary installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, stderr, exitCode, err := s.runBinary(ctx, pgCtlPath(binary),
		"stop", "-D", s.cfg.DataDir, "-m", "fast")
	if err != nil || exitCode != 0 {
		return fmt.Errorf("pg_ctl stop failed (exit %d): %s: %w",
			exitCode, strings.TrimSpace(stderr), err)
	}
	return nil
}

// OpenPool opens a connection pool to the application database with the
// fixed pool sizing. The caller owns the returned pool.
func (s *Server) OpenPool(ctx context.Context) (*sqlx.DB, error) {
	connString, ok := s.ConnectionString()
	if !ok {
		return nil, errors.New("embedded server is not running")
	}

	db, err := sqlx.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening connection pool: %w", err)
	}
	db.SetMaxOpenConns(PoolMaxOpenConns)
	db.SetMaxIdleConns(PoolMinIdleConns)
	db.SetConnMaxIdleTime(PoolIdleConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying connection pool: %w", err)
	}
	return db, nil
}
