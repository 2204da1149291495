// Package recovery implements the supervisory recovery orchestrator. It
// subscribes to the application-wide error stream and, for critical errors,
// snapshots emergency state to disk, classifies the affected subsystem, and
// drives subsystem-scoped recovery under a cooldown and attempt-limit policy.
// Fatal conditions escalate to a delayed emergency shutdown.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/pkg/logger"
)

// Gate errors returned by RecoverSubsystem when an attempt is rejected
// before any subsystem logic runs.
var (
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrCooldownActive     = errors.New("recovery cooldown has not elapsed")
	ErrAttemptsExhausted  = errors.New("recovery attempt limit reached")
)

// Process exit codes used by the emergency shutdown path. The distinct codes
// let the player shell tell a deliberate emergency exit from a failure of the
// shutdown sequence itself.
const (
	ExitCodeEmergency       = 2
	ExitCodeShutdownFailure = 3
)

// Config holds the orchestrator policy. Zero-value fields are filled with
// defaults by normalize.
type Config struct {
	// MaxAttempts caps automatic recovery attempts for the process lifetime.
	// The counter resets only through Reset.
	MaxAttempts int

	// Cooldown is the minimum elapsed time between successive attempts.
	Cooldown time.Duration

	// BackupPath is the emergency backup file. A single file, overwritten on
	// every critical event.
	BackupPath string

	// BackupMaxAge is the staleness threshold beyond which a pending backup
	// is discarded instead of restored.
	BackupMaxAge time.Duration

	// ShutdownDelay is how long the emergency shutdown waits before
	// terminating the process, so the user can read the error message.
	ShutdownDelay time.Duration

	// ExitFunc terminates the process. Defaults to os.Exit; tests substitute
	// a recorder.
	ExitFunc func(code int)
}

// DefaultConfig returns the standard policy rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	cfg := Config{BackupPath: filepath.Join(baseDir, "recovery", "emergency-backup.json")}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.BackupMaxAge == 0 {
		c.BackupMaxAge = 5 * time.Minute
	}
	if c.ShutdownDelay == 0 {
		c.ShutdownDelay = 5 * time.Second
	}
	if c.ExitFunc == nil {
		c.ExitFunc = os.Exit
	}
}

// State is the orchestrator's mutable recovery state. It is owned by exactly
// one Orchestrator and guarded by its mutex; nothing in this package shares
// state through package-level variables.
type State struct {
	InProgress  bool
	Attempts    int
	LastAttempt time.Time
	Recovered   map[Subsystem]bool
}

// NewState returns an empty recovery state.
func NewState() *State {
	return &State{Recovered: make(map[Subsystem]bool)}
}

// DatabaseTarget is the embedded database surface recovery drives. The
// dbserver.Server satisfies it together with a connection verifier.
type DatabaseTarget interface {
	// Running reports whether the embedded server believes it is up.
	Running() bool

	// VerifyConnection proves the server answers a trivial query.
	VerifyConnection(ctx context.Context) error

	// InvalidateCaches drops in-memory data derived from the database.
	InvalidateCaches()
}

// ProfileTarget restores the user-profile subsystem.
type ProfileTarget interface {
	ReloadActiveProfile(ctx context.Context) error
}

// PlaybackTarget resets the audio playback subsystem.
type PlaybackTarget interface {
	StopPlayback() error
	ClearQueue() error
	ResetMonitoring() error
}

// UITarget resets the user-interface subsystem.
type UITarget interface {
	ReapplyDefaultTheme() error
	ClearNotifications() error
}

// PlayerState supplies the emergency backup snapshot and accepts a restored
// one. The player shell implements it; the default keeps zero values so the
// orchestrator works before wiring.
type PlayerState interface {
	Snapshot() (profileID int, volume float64, playing bool)
	Restore(profileID int, volume float64, playing bool)
}

type noopDatabase struct{}

func (noopDatabase) Running() bool                          { return true }
func (noopDatabase) VerifyConnection(context.Context) error { return nil }
func (noopDatabase) InvalidateCaches()                      {}

type noopProfile struct{}

func (noopProfile) ReloadActiveProfile(context.Context) error { return nil }

type noopPlayback struct{}

func (noopPlayback) StopPlayback() error    { return nil }
func (noopPlayback) ClearQueue() error      { return nil }
func (noopPlayback) ResetMonitoring() error { return nil }

type noopUI struct{}

func (noopUI) ReapplyDefaultTheme() error { return nil }
func (noopUI) ClearNotifications() error  { return nil }

type noopPlayer struct{}

func (noopPlayer) Snapshot() (int, float64, bool) { return 0, 0, false }
func (noopPlayer) Restore(int, float64, bool)     {}

// Orchestrator supervises recovery. One mutex guards the whole recovery
// state so the in-progress flag, attempt counter and timestamp always change
// together.
type Orchestrator struct {
	cfg Config
	log *logger.Logger
	bus events.EventLogger

	mu sync.Mutex
	st *State

	database DatabaseTarget
	profile  ProfileTarget
	playback PlaybackTarget
	ui       UITarget
	player   PlayerState

	// Time seams, replaced in tests.
	now   func() time.Time
	sleep func(d time.Duration)
}

// NewOrchestrator creates an orchestrator with the given policy. When log or
// bus are nil a console logger and a discarding event sink are used; targets
// default to no-ops until wired.
func NewOrchestrator(cfg Config, log *logger.Logger, bus events.EventLogger) *Orchestrator {
	cfg.normalize()
	if log == nil {
		log = logger.NewDefault("recovery")
	}
	if bus == nil {
		bus = events.NoOpLogger{}
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		st:       NewState(),
		database: noopDatabase{},
		profile:  noopProfile{},
		playback: noopPlayback{},
		ui:       noopUI{},
		player:   noopPlayer{},
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetDatabaseTarget wires the embedded database surface.
func (o *Orchestrator) SetDatabaseTarget(t DatabaseTarget) {
	if t != nil {
		o.database = t
	}
}

// SetProfileTarget wires the profile subsystem.
func (o *Orchestrator) SetProfileTarget(t ProfileTarget) {
	if t != nil {
		o.profile = t
	}
}

// SetPlaybackTarget wires the playback subsystem.
func (o *Orchestrator) SetPlaybackTarget(t PlaybackTarget) {
	if t != nil {
		o.playback = t
	}
}

// SetUITarget wires the UI subsystem.
func (o *Orchestrator) SetUITarget(t UITarget) {
	if t != nil {
		o.ui = t
	}
}

// SetPlayerState wires the backup snapshot source and restore sink.
func (o *Orchestrator) SetPlayerState(p PlayerState) {
	if p != nil {
		o.player = p
	}
}

// Subscribe attaches the orchestrator to the event stream so critical
// error-occurred events trigger recovery. The returned function detaches it.
func (o *Orchestrator) Subscribe() func() {
	return o.bus.SubscribeFiltered(func(ev events.Event) bool {
		return ev.Type == events.EventErrorOccurred && ev.Severity == events.SeverityCritical
	}, o.HandleErrorEvent)
}

// HandleErrorEvent reacts to an error-occurred event. Anything below
// critical severity is only log traffic and is ignored here. The critical
// path runs on a supervised background task so the publishing thread is
// never blocked; its own failures are logged and never propagate.
func (o *Orchestrator) HandleErrorEvent(ev events.Event) {
	if ev.Type != events.EventErrorOccurred || ev.Severity != events.SeverityCritical {
		return
	}

	o.log.SafeGo(func() error {
		return o.handleCritical(context.Background(), ev)
	}, "critical error recovery", logger.WithoutNotify())
}

func (o *Orchestrator) handleCritical(ctx context.Context, ev events.Event) error {
	if err := o.WriteBackup(ctx); err != nil {
		o.log.LogError(logger.SeverityNonCritical, "emergency backup failed", ev.Message, err, false)
	}

	target := ClassifySubsystem(eventText(ev))
	if _, err := o.RecoverSubsystem(ctx, target); err != nil {
		o.log.LogError(logger.SeverityNonCritical,
			fmt.Sprintf("automatic recovery of subsystem %q did not complete", target),
			ev.Message, err, false)
	}

	if pattern, fatal := matchFatal(ev); fatal {
		o.emergencyShutdown(fmt.Sprintf("fatal condition %q: %s", pattern, ev.Message))
	}
	return nil
}

// emergencyShutdown logs and flushes, waits the configured delay so the
// message stays visible, then terminates the process. Any failure inside the
// sequence terminates immediately with the distinct failure code.
func (o *Orchestrator) emergencyShutdown(reason string) {
	defer func() {
		if r := recover(); r != nil {
			o.cfg.ExitFunc(ExitCodeShutdownFailure)
		}
	}()

	events.NewEvent(events.EventShutdownInitiated).
		Component("recovery").
		Severity(events.SeverityCritical).
		Message("emergency shutdown scheduled").
		Details(reason).
		LogTo(o.bus)
	o.log.LogError(logger.SeverityCritical, "emergency shutdown scheduled", reason, nil, false)
	o.log.Flush()

	o.sleep(o.cfg.ShutdownDelay)
	o.cfg.ExitFunc(ExitCodeEmergency)
}

// RecoverSubsystem runs the recovery procedure for one subsystem (or all of
// them). Entry is gated atomically under the state lock: an attempt already
// in progress, an unexpired cooldown, or an exhausted attempt budget rejects
// the call with false before any subsystem logic runs, and a rejected call
// does not consume an attempt. The in-progress flag always clears on return.
func (o *Orchestrator) RecoverSubsystem(ctx context.Context, target Subsystem) (bool, error) {
	target = target.orAll()

	o.mu.Lock()
	now := o.now()
	switch {
	case o.st.InProgress:
		o.mu.Unlock()
		o.skipRecovery(target, ErrRecoveryInProgress)
		return false, ErrRecoveryInProgress
	case !o.st.LastAttempt.IsZero() && now.Sub(o.st.LastAttempt) < o.cfg.Cooldown:
		o.mu.Unlock()
		o.skipRecovery(target, ErrCooldownActive)
		return false, ErrCooldownActive
	case o.cfg.MaxAttempts > 0 && o.st.Attempts >= o.cfg.MaxAttempts:
		o.mu.Unlock()
		o.skipRecovery(target, ErrAttemptsExhausted)
		return false, ErrAttemptsExhausted
	}
	o.st.InProgress = true
	o.st.Attempts++
	o.st.LastAttempt = now
	attempt := o.st.Attempts
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.st.InProgress = false
		o.mu.Unlock()
	}()

	began := o.now()
	events.NewEvent(events.EventRecoveryStarted).
		Component("recovery").
		Message(fmt.Sprintf("recovery attempt %d started for subsystem %q", attempt, target)).
		Metadata("subsystem", string(target)).
		Metadata("attempt", strconv.Itoa(attempt)).
		LogTo(o.bus)
	o.log.LogInfo(fmt.Sprintf("recovery attempt %d started", attempt), string(target))

	err := o.recoverTarget(ctx, target)

	if err != nil {
		events.NewEvent(events.EventRecoveryFailed).
			Component("recovery").
			Severity(events.SeverityNonCritical).
			Message(fmt.Sprintf("recovery attempt %d failed for subsystem %q", attempt, target)).
			Error(err.Error()).
			Duration(o.now().Sub(began)).
			LogTo(o.bus)
		o.log.LogError(logger.SeverityNonCritical,
			fmt.Sprintf("recovery attempt %d failed", attempt), string(target), err, false)
		return false, err
	}

	events.NewEvent(events.EventRecoverySucceeded).
		Component("recovery").
		Message(fmt.Sprintf("recovery attempt %d succeeded for subsystem %q", attempt, target)).
		Duration(o.now().Sub(began)).
		LogTo(o.bus)
	o.log.LogInfo(fmt.Sprintf("recovery attempt %d succeeded", attempt), string(target))
	return true, nil
}

func (o *Orchestrator) skipRecovery(target Subsystem, reason error) {
	events.NewEvent(events.EventRecoverySkipped).
		Component("recovery").
		Message(fmt.Sprintf("recovery of subsystem %q skipped: %v", target, reason)).
		Metadata("subsystem", string(target)).
		LogTo(o.bus)
}

// recoverTarget dispatches to the per-subsystem procedure. SubsystemAll runs
// every subsystem in a fixed order and attempts each one regardless of
// earlier failures, reporting the combined failure set.
func (o *Orchestrator) recoverTarget(ctx context.Context, target Subsystem) error {
	if target != SubsystemAll {
		err := o.recoverOne(ctx, target)
		o.recordOutcome(target, err)
		return err
	}

	var errs []error
	for _, sub := range []Subsystem{SubsystemDatabase, SubsystemProfile, SubsystemPlayback, SubsystemUI} {
		err := o.recoverOne(ctx, sub)
		o.recordOutcome(sub, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("partial recovery: %w", errors.Join(errs...))
	}
	return nil
}

func (o *Orchestrator) recordOutcome(sub Subsystem, err error) {
	o.mu.Lock()
	o.st.Recovered[sub] = err == nil
	o.mu.Unlock()
}

func (o *Orchestrator) recoverOne(ctx context.Context, target Subsystem) error {
	switch target {
	case SubsystemDatabase:
		return o.recoverDatabase(ctx)
	case SubsystemProfile:
		return o.recoverProfile(ctx)
	case SubsystemPlayback:
		return o.recoverPlayback()
	case SubsystemUI:
		return o.recoverUI()
	default:
		return fmt.Errorf("unknown subsystem %q", target)
	}
}

// recoverDatabase verifies the embedded server is up and answering, then
// drops derived caches. The running and connectivity checks are the critical
// steps: without a live database nothing downstream can recover.
func (o *Orchestrator) recoverDatabase(ctx context.Context) error {
	if !o.database.Running() {
		return errors.New("embedded server is not running")
	}
	if err := o.database.VerifyConnection(ctx); err != nil {
		return fmt.Errorf("database connectivity check failed: %w", err)
	}
	o.step("invalidate database caches", func() error {
		o.database.InvalidateCaches()
		return nil
	})
	return nil
}

func (o *Orchestrator) recoverProfile(ctx context.Context) error {
	o.step("reload active profile", func() error {
		return o.profile.ReloadActiveProfile(ctx)
	})
	return nil
}

func (o *Orchestrator) recoverPlayback() error {
	o.step("stop playback", o.playback.StopPlayback)
	o.step("clear playback queue", o.playback.ClearQueue)
	o.step("reset audio monitoring", o.playback.ResetMonitoring)
	return nil
}

func (o *Orchestrator) recoverUI() error {
	o.step("reapply default theme", o.ui.ReapplyDefaultTheme)
	o.step("clear pending notifications", o.ui.ClearNotifications)
	return nil
}

// step runs one non-critical recovery action. Failures and panics are logged
// and do not fail the surrounding attempt.
func (o *Orchestrator) step(name string, fn func() error) {
	o.log.SafeExecute(fn, "recovery step failed: "+name, logger.WithoutNotify())
}

// Reset returns the recovery state to stable: attempts, timestamps and the
// recovered set are cleared. Called when the application reaches a known-good
// state, for example after a clean startup.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.st.InProgress = false
	o.st.Attempts = 0
	o.st.LastAttempt = time.Time{}
	o.st.Recovered = make(map[Subsystem]bool)
}

// RecoveryInfo is the state snapshot served by the status API.
type RecoveryInfo struct {
	InProgress        bool            `json:"in_progress"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	LastAttempt       *time.Time      `json:"last_attempt,omitempty"`
	CooldownRemaining time.Duration   `json:"cooldown_remaining_ns"`
	Recovered         map[string]bool `json:"recovered,omitempty"`
	BackupPending     bool            `json:"backup_pending"`
}

// Info returns a point-in-time snapshot of the recovery state.
func (o *Orchestrator) Info() RecoveryInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	info := RecoveryInfo{
		InProgress:  o.st.InProgress,
		Attempts:    o.st.Attempts,
		MaxAttempts: o.cfg.MaxAttempts,
	}
	if !o.st.LastAttempt.IsZero() {
		t := o.st.LastAttempt
		info.LastAttempt = &t
		if remaining := o.cfg.Cooldown - o.now().Sub(t); remaining > 0 {
			info.CooldownRemaining = remaining
		}
	}
	if len(o.st.Recovered) > 0 {
		info.Recovered = make(map[string]bool, len(o.st.Recovered))
		for sub, ok := range o.st.Recovered {
			info.Recovered[string(sub)] = ok
		}
	}
	if _, err := os.Stat(o.cfg.BackupPath); err == nil {
		info.BackupPending = true
	}
	return info
}

func eventText(ev events.Event) string {
	return ev.Component + " " + ev.Message + " " + ev.Details + " " + ev.Error
}
