package dbserver

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/internal/engine/state"
	"github.com/omega-player/dataengine/pkg/logger"
)

type fakeProcess struct {
	mu      sync.Mutex
	pid     int
	signals []os.Signal
	exited  bool
	done    chan error

	// exitOnSignal makes the fake behave like a healthy server: any signal
	// ends it promptly.
	exitOnSignal bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan error, 1), exitOnSignal: true}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exit := p.exitOnSignal
	p.mu.Unlock()
	if exit {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.done <- err
	close(p.done)
}

func (p *fakeProcess) signaled(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.signals {
		if got == sig {
			return true
		}
	}
	return false
}

type spawnCall struct {
	binary  string
	args    []string
	logPath string
	proc    *fakeProcess
}

// testSeams replaces every external effect of the Server with recorded
// fakes: process spawning, binary probes and database connections.
type testSeams struct {
	mu        sync.Mutex
	spawns    []*spawnCall
	spawnErr  error
	openErr   error
	dbMissing bool
	mocks     []sqlmock.Sqlmock
}

func (ts *testSeams) spawn(binary string, args []string, logPath string) (process, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.spawnErr != nil {
		return nil, ts.spawnErr
	}
	call := &spawnCall{binary: binary, args: args, logPath: logPath, proc: newFakeProcess(4242)}
	ts.spawns = append(ts.spawns, call)
	return call.proc, nil
}

func (ts *testSeams) spawnCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.spawns)
}

func (ts *testSeams) lastSpawn() *spawnCall {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.spawns) == 0 {
		return nil
	}
	return ts.spawns[len(ts.spawns)-1]
}

func (ts *testSeams) runBinary(ctx context.Context, path string, args ...string) (string, string, int, error) {
	for _, arg := range args {
		if arg == "--version" {
			return "postgres (PostgreSQL) 16.4", "", 0, nil
		}
	}
	return "", "", 0, nil
}

// openDB hands out a sqlmock-backed connection primed for ensureDatabase:
// the existence query answers one row, or empty plus a CREATE DATABASE
// expectation when dbMissing is set.
func (ts *testSeams) openDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.openErr != nil {
		return nil, ts.openErr
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	if ts.dbMissing {
		ts.dbMissing = false
		mock.ExpectQuery("SELECT 1 FROM pg_database").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
		mock.ExpectExec("CREATE DATABASE").
			WillReturnResult(sqlmock.NewResult(0, 0))
	} else {
		mock.ExpectQuery("SELECT 1 FROM pg_database").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	}
	mock.ExpectClose()
	ts.mocks = append(ts.mocks, mock)
	return sqlx.NewDb(db, "sqlmock"), nil
}

func quietTestLogger() *logger.Logger {
	return logger.New(logger.LoggingConfig{Output: "discard"})
}

func writeFakeBinary(t *testing.T, binariesDir string) string {
	t.Helper()
	path := filepath.Join(binariesDir, "bin", "postgres"+exeSuffix())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func markInitialized(t *testing.T, dataDir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("16\n"), 0o644))
}

// newTestServer builds a Server whose seams all succeed: installed healthy
// binaries, an initialized instance, a free default port and a database that
// already exists.
func newTestServer(t *testing.T) (*Server, *testSeams, *events.RingBuffer) {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	cfg.StartupTimeout = 2 * time.Second
	writeFakeBinary(t, cfg.BinariesDir)
	markInitialized(t, cfg.DataDir)

	bus := events.NewRingBuffer(128)
	seams := &testSeams{}

	s := NewServer(cfg, quietTestLogger(), bus)
	s.diskFree = func(string) (uint64, error) { return 8 << 30, nil }
	s.runBinary = seams.runBinary
	s.probeListening = func(int) bool { return false }
	s.probeOwnServer = func(context.Context, int) bool { return false }
	s.bindEphemeral = func() (int, error) { return 49200, nil }
	s.spawn = seams.spawn
	s.openDB = seams.openDB
	s.verifyConn = func(context.Context, string) error { return nil }
	s.probeDownload = func(context.Context, string) error { return nil }
	return s, seams, bus
}

func eventTypes(bus *events.RingBuffer) map[events.EventType]int {
	counts := make(map[events.EventType]int)
	for _, ev := range bus.Recent(bus.Count()) {
		counts[ev.Type]++
	}
	return counts
}

func TestStartServer_Succeeds(t *testing.T) {
	s, seams, bus := newTestServer(t)

	result := s.StartServer(context.Background())

	require.True(t, result.Success, "startup failed in phase %q: %v", result.Phase, result.Err)
	assert.Equal(t, PhaseSuccess, result.Phase)
	assert.Equal(t, DefaultPort, result.Port)
	assert.False(t, result.Adopted)
	assert.Contains(t, result.ConnString, "port=5432")
	assert.Contains(t, result.ConnString, "user=omega")
	assert.Contains(t, result.ConnString, "dbname=omegaplayer")
	assert.Contains(t, result.ConnString, "sslmode=disable")

	assert.True(t, s.Running())
	assert.Equal(t, state.StatusRunning, s.Status())
	assert.Equal(t, DefaultPort, s.Port())
	connString, ok := s.ConnectionString()
	assert.True(t, ok)
	assert.Equal(t, result.ConnString, connString)
	assert.Equal(t, state.ReadinessReady, s.Health().Readiness)

	require.Equal(t, 1, seams.spawnCount())
	spawned := seams.lastSpawn()
	assert.Contains(t, spawned.args, "-D")
	assert.Contains(t, spawned.args, s.cfg.DataDir)
	assert.Contains(t, spawned.args, "-p")
	assert.Contains(t, spawned.args, "5432")
	assert.Contains(t, spawned.args, "listen_addresses=localhost")

	counts := eventTypes(bus)
	assert.Equal(t, 6, counts[events.EventPhaseCompleted], "one completion event per phase")
	assert.Equal(t, 1, counts[events.EventServerStarted])
	assert.Zero(t, counts[events.EventServerStartFailed])
}

func TestStartServer_SecondCallReturnsExistingState(t *testing.T) {
	s, seams, _ := newTestServer(t)

	first := s.StartServer(context.Background())
	require.True(t, first.Success)

	second := s.StartServer(context.Background())
	require.True(t, second.Success)
	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, first.ConnString, second.ConnString)
	assert.Equal(t, 1, seams.spawnCount(), "running server must not be spawned again")
}

func TestStartServer_ConcurrentCallsSpawnOnce(t *testing.T) {
	s, seams, _ := newTestServer(t)

	var wg sync.WaitGroup
	results := make([]StartupResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.StartServer(context.Background())
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		assert.True(t, result.Success, "call %d failed in phase %q", i, result.Phase)
		assert.Equal(t, DefaultPort, result.Port, "call %d", i)
	}
	assert.Equal(t, 1, seams.spawnCount())
}

func TestStartServer_PreflightDiskSpaceFailure(t *testing.T) {
	s, seams, bus := newTestServer(t)
	s.diskFree = func(string) (uint64, error) { return 100 << 20, nil }

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhasePreFlight, result.Phase)
	require.NotNil(t, result.Err)
	assert.Equal(t, dberr.CategoryDiskSpace, result.Err.Category)

	assert.Equal(t, state.StatusFailed, s.Status())
	assert.False(t, s.Running())
	assert.Zero(t, seams.spawnCount(), "no process may start after a failed pre-flight")

	counts := eventTypes(bus)
	assert.Equal(t, 1, counts[events.EventPhaseFailed])
	assert.Equal(t, 1, counts[events.EventServerStartFailed])
}

func TestStartServer_SpawnFailureReportsStartupPhase(t *testing.T) {
	s, seams, bus := newTestServer(t)
	seams.spawnErr = errors.New("fork/exec postgres: resource temporarily unavailable")

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhaseStartup, result.Phase)
	require.NotNil(t, result.Err)
	assert.Equal(t, dberr.CategoryProcessFailure, result.Err.Category)

	assert.False(t, s.Running())
	assert.Equal(t, state.StatusFailed, s.Status())
	assert.Zero(t, s.Port())
	_, ok := s.ConnectionString()
	assert.False(t, ok)
	s.stateMu.RLock()
	assert.Nil(t, s.proc, "no process handle may be retained after a failed startup")
	s.stateMu.RUnlock()

	var failed events.Event
	for _, ev := range bus.Recent(bus.Count()) {
		if ev.Type == events.EventPhaseFailed {
			failed = ev
		}
	}
	assert.Equal(t, string(PhaseStartup), failed.Phase)
}

func TestStartServer_SpawnPermissionFailure(t *testing.T) {
	s, seams, _ := newTestServer(t)
	seams.spawnErr = fs.ErrPermission

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhaseStartup, result.Phase)
	require.NotNil(t, result.Err)
	assert.Equal(t, dberr.CategoryPermissions, result.Err.Category)
}

func TestStartServer_ReadinessTimeoutTearsDown(t *testing.T) {
	s, seams, _ := newTestServer(t)
	s.cfg.StartupTimeout = 400 * time.Millisecond
	s.verifyConn = func(context.Context, string) error {
		return errors.New("connection refused")
	}

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhaseStartup, result.Phase)
	require.NotNil(t, result.Err)
	assert.Equal(t, dberr.CategoryProcessFailure, result.Err.Category)

	// The spawned process was torn down, not leaked.
	require.Equal(t, 1, seams.spawnCount())
	proc := seams.lastSpawn().proc
	assert.True(t, proc.signaled(syscall.SIGTERM))
	s.stateMu.RLock()
	assert.Nil(t, s.proc)
	s.stateMu.RUnlock()
}

func TestStartServer_ProcessExitDuringStartup(t *testing.T) {
	s, seams, _ := newTestServer(t)
	s.verifyConn = func(context.Context, string) error {
		// Keep readiness failing until the process exit is observed.
		if proc := seams.lastSpawn(); proc != nil {
			proc.proc.exit(errors.New("exit status 1"))
		}
		return errors.New("connection refused")
	}

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhaseStartup, result.Phase)
	require.NotNil(t, result.Err)
	assert.Contains(t, result.Err.TechnicalDetails, "exited during startup")
}

func TestStartServer_CreatesMissingDatabase(t *testing.T) {
	s, seams, _ := newTestServer(t)
	seams.dbMissing = true

	result := s.StartServer(context.Background())

	require.True(t, result.Success, "startup failed in phase %q: %v", result.Phase, result.Err)
	seams.mu.Lock()
	defer seams.mu.Unlock()
	require.Len(t, seams.mocks, 1)
	assert.NoError(t, seams.mocks[0].ExpectationsWereMet(), "CREATE DATABASE was not issued")
}

func TestStartServer_DatabaseCreationFailureTearsDown(t *testing.T) {
	s, seams, _ := newTestServer(t)
	seams.openErr = errors.New("connection reset by peer")

	result := s.StartServer(context.Background())

	require.False(t, result.Success)
	assert.Equal(t, PhaseDatabaseCreation, result.Phase)
	require.NotNil(t, result.Err)
	assert.Equal(t, dberr.CategoryProcessFailure, result.Err.Category)

	require.Equal(t, 1, seams.spawnCount())
	assert.True(t, seams.lastSpawn().proc.signaled(syscall.SIGTERM),
		"partially-started process must be stopped")
	assert.False(t, s.Running())
}

func TestStartServer_RunsInitdbOnFreshInstance(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.StartupTimeout = 2 * time.Second
	binary := writeFakeBinary(t, cfg.BinariesDir)

	seams := &testSeams{}
	var initdbArgs []string
	var mu sync.Mutex

	s := NewServer(cfg, quietTestLogger(), events.NewRingBuffer(64))
	s.diskFree = func(string) (uint64, error) { return 8 << 30, nil }
	s.runBinary = func(ctx context.Context, path string, args ...string) (string, string, int, error) {
		if path == initdbPath(binary) {
			mu.Lock()
			initdbArgs = append([]string(nil), args...)
			mu.Unlock()
			markInitialized(t, cfg.DataDir)
			return "", "", 0, nil
		}
		return seams.runBinary(ctx, path, args...)
	}
	s.probeListening = func(int) bool { return false }
	s.probeOwnServer = func(context.Context, int) bool { return false }
	s.bindEphemeral = func() (int, error) { return 49200, nil }
	s.spawn = seams.spawn
	s.openDB = seams.openDB
	s.verifyConn = func(context.Context, string) error { return nil }
	s.probeDownload = func(context.Context, string) error { return nil }

	result := s.StartServer(context.Background())

	require.True(t, result.Success, "startup failed in phase %q: %v", result.Phase, result.Err)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, initdbArgs, "initdb must run for an uninitialized instance")
	assert.Contains(t, initdbArgs, "-D")
	assert.Contains(t, initdbArgs, cfg.DataDir)
	assert.Contains(t, initdbArgs, "-U")
	assert.Contains(t, initdbArgs, "omega")
	assert.Contains(t, initdbArgs, "trust")
	assert.Contains(t, initdbArgs, "UTF8")
}

func TestStartServer_AdoptsOwnRunningServer(t *testing.T) {
	s, seams, bus := newTestServer(t)
	s.probeListening = func(port int) bool { return port == DefaultPort }
	s.probeOwnServer = func(_ context.Context, port int) bool { return port == DefaultPort }

	result := s.StartServer(context.Background())

	require.True(t, result.Success, "startup failed in phase %q: %v", result.Phase, result.Err)
	assert.True(t, result.Adopted)
	assert.Equal(t, DefaultPort, result.Port)
	assert.True(t, s.Adopted())
	assert.Zero(t, seams.spawnCount(), "adoption must not spawn a second server")
	assert.Equal(t, 1, eventTypes(bus)[events.EventServerAdopted])
}

func TestStopServer_StopsSpawnedProcess(t *testing.T) {
	s, seams, bus := newTestServer(t)
	require.True(t, s.StartServer(context.Background()).Success)

	require.NoError(t, s.StopServer(true))

	assert.Equal(t, state.StatusStopped, s.Status())
	assert.False(t, s.Running())
	assert.Zero(t, s.Port())
	_, ok := s.ConnectionString()
	assert.False(t, ok)
	assert.True(t, seams.lastSpawn().proc.signaled(syscall.SIGTERM))
	assert.Equal(t, 1, eventTypes(bus)[events.EventServerStopped])
}

func TestStopServer_NotRunningIsNoOp(t *testing.T) {
	s, _, bus := newTestServer(t)

	require.NoError(t, s.StopServer(true))
	assert.Zero(t, eventTypes(bus)[events.EventServerStopping])
}

func TestStopServer_AdoptedReportsErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.probeListening = func(port int) bool { return port == DefaultPort }
	s.probeOwnServer = func(_ context.Context, port int) bool { return port == DefaultPort }
	require.True(t, s.StartServer(context.Background()).Success)
	require.True(t, s.Adopted())

	// Losing the binaries makes pg_ctl unavailable, so the adopted stop path
	// must fail.
	require.NoError(t, os.RemoveAll(s.cfg.BinariesDir))

	err := s.StopServer(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_ctl")
	assert.Equal(t, state.StatusStopped, s.Status(), "state resets even when stop fails")
}

func TestStopServer_SwallowsErrorsWhenUnreported(t *testing.T) {
	s, _, bus := newTestServer(t)
	s.probeListening = func(port int) bool { return port == DefaultPort }
	s.probeOwnServer = func(_ context.Context, port int) bool { return port == DefaultPort }
	require.True(t, s.StartServer(context.Background()).Success)
	require.NoError(t, os.RemoveAll(s.cfg.BinariesDir))

	assert.NoError(t, s.StopServer(false))
	assert.Equal(t, 1, eventTypes(bus)[events.EventServerStopFailed],
		"the failure is still observable on the event stream")
}

func TestBuildConnectionString_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, derr := s.buildConnectionString(0)
	require.NotNil(t, derr)

	_, derr = s.buildConnectionString(70000)
	require.NotNil(t, derr)

	s.cfg.Username = ""
	_, derr = s.buildConnectionString(5432)
	require.NotNil(t, derr)
}

func TestDefaultConfigLayout(t *testing.T) {
	cfg := DefaultConfig("/var/lib/omega")

	assert.Equal(t, filepath.Join("/var/lib/omega", "pgdata", InstanceID), cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/omega", "binaries"), cfg.BinariesDir)
	assert.Equal(t, filepath.Join("/var/lib/omega", "logs", "postgres.log"), cfg.ServerLogPath())
	assert.Equal(t, DefaultPort, cfg.DefaultPort)
	assert.Equal(t, "omega", cfg.Username)
	assert.Equal(t, "omegaplayer", cfg.Database)
	assert.Equal(t, "postgres", cfg.AdminDatabase)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
}
