// Package logger provides the application logger: a structured console
// logger built on logrus plus a persistent, severity-tagged error log with
// size-based rotation and retention. Logging is best-effort by contract;
// no call in this package returns an error or panics into the caller.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity classifies logged errors. The scale is shared with the event
// stream so a logged error and its published notification always agree.
type Severity string

const (
	// SeverityCritical marks failures that threaten data integrity or the
	// process itself.
	SeverityCritical Severity = "critical"

	// SeverityPlayback marks failures confined to audio playback.
	SeverityPlayback Severity = "playback"

	// SeverityNonCritical marks recoverable failures that degrade a feature.
	SeverityNonCritical Severity = "noncritical"

	// SeverityInfo marks informational entries.
	SeverityInfo Severity = "info"
)

// Tag returns the bracketed tag written to the error log file.
func (s Severity) Tag() string {
	if s == "" {
		s = SeverityInfo
	}
	return "[" + strings.ToUpper(string(s)) + "]"
}

// level maps a severity to the logrus level used for the console record.
func (s Severity) level() logrus.Level {
	switch s {
	case SeverityCritical:
		return logrus.ErrorLevel
	case SeverityPlayback, SeverityNonCritical:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// ErrorNotifier receives error notifications for in-app surfacing. The
// runtime bridges notifications onto the engine event stream; tests inject
// fakes.
type ErrorNotifier interface {
	NotifyError(severity Severity, message, details string, err error)
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is the console log level: debug|info|warn|error. Defaults to info.
	Level string

	// Format is the console format: text|json. Defaults to text.
	Format string

	// Output selects the console stream: stdout|stderr|discard. Defaults to
	// stdout. The error log file is independent of this setting.
	Output string

	// Dir is the directory holding the error log files. When empty no file
	// sink is created and only console logging is active.
	Dir string

	// FilePrefix names the error log files: <prefix>-YYYY-MM-DD.log.
	// Defaults to "omega-player" when Dir is set.
	FilePrefix string

	// RotateMaxBytes is the size ceiling of the active day file before it is
	// rotated aside. Defaults to 10 MiB.
	RotateMaxBytes int64

	// MaxFiles bounds how many log files are retained. Defaults to 30.
	MaxFiles int

	// MaxAgeDays bounds how old retained log files may be. Defaults to 30.
	MaxAgeDays int

	// Notifier, when set, receives a notification for every error logged
	// with notify=true.
	Notifier ErrorNotifier
}

// Logger is the application logger. The embedded logrus logger serves the
// structured console API (WithField, Infof, ...); LogError and LogInfo feed
// the persistent error log.
type Logger struct {
	*logrus.Logger

	component string
	sink      *fileSink
	notifier  ErrorNotifier

	mu     sync.Mutex
	goWG   sync.WaitGroup
	closed bool
}

// New creates a logger from the given configuration. Construction runs the
// retention sweep over the log directory and records a summary entry.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		base.SetOutput(os.Stderr)
	case "discard":
		base.SetOutput(io.Discard)
	default:
		base.SetOutput(os.Stdout)
	}

	l := &Logger{
		Logger:   base,
		notifier: cfg.Notifier,
	}

	if cfg.Dir != "" {
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "omega-player"
		}
		l.sink = newFileSink(cfg.Dir, prefix, cfg.RotateMaxBytes, cfg.MaxFiles, cfg.MaxAgeDays)
		deleted, reclaimed := l.sink.sweep(time.Now())
		if deleted > 0 {
			l.LogInfo("log retention sweep completed",
				fmt.Sprintf("deleted %d file(s), reclaimed %d bytes", deleted, reclaimed))
		}
	}

	return l
}

// NewDefault creates a console-only logger tagged with a component name.
// Intended for tests and for components constructed without full wiring.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	return l
}

// SetNotifier replaces the error notifier. Safe to call before the logger is
// shared across goroutines.
func (l *Logger) SetNotifier(n ErrorNotifier) {
	l.notifier = n
}

// LogError records an error in the persistent error log and mirrors it to
// the console. When notify is true the configured notifier is informed with
// the same fields. LogError never fails: internal write errors are swallowed
// and panics from notifier implementations are contained.
func (l *Logger) LogError(severity Severity, message, details string, err error, notify bool) {
	defer func() {
		_ = recover()
	}()

	if severity == "" {
		severity = SeverityNonCritical
	}

	if l.sink != nil {
		l.sink.write(formatEntry(time.Now(), severity, message, details, err))
	}

	entry := l.WithField("severity", string(severity))
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	if details != "" {
		entry = entry.WithField("details", details)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(severity.level(), message)

	if notify && l.notifier != nil {
		l.notifier.NotifyError(severity, message, details, err)
	}
}

// LogInfo records an informational entry in the persistent error log and on
// the console. Info entries never notify.
func (l *Logger) LogInfo(message, details string) {
	l.LogError(SeverityInfo, message, details, nil, false)
}

// DirectoryInfo describes the current state of the log directory.
type DirectoryInfo struct {
	FileCount  int
	TotalBytes int64
	OldestFile time.Time
}

// LogDirectoryInfo reports the size and age of the log directory. The second
// return is false when no file sink is configured or the directory cannot be
// read; the zero value is returned in that case.
func (l *Logger) LogDirectoryInfo() (DirectoryInfo, bool) {
	if l.sink == nil {
		return DirectoryInfo{}, false
	}
	return l.sink.directoryInfo()
}

// Sweep runs the retention sweep immediately and logs a summary. Used by the
// scheduled maintenance job in addition to the sweep at construction; the
// counts are returned so the job can record them.
func (l *Logger) Sweep() (deleted int, reclaimed int64) {
	if l.sink == nil {
		return 0, 0
	}
	deleted, reclaimed = l.sink.sweep(time.Now())
	info, _ := l.sink.directoryInfo()
	l.LogInfo("log retention sweep completed",
		fmt.Sprintf("deleted %d file(s), reclaimed %d bytes, %d file(s) remain (%d bytes)",
			deleted, reclaimed, info.FileCount, info.TotalBytes))
	return deleted, reclaimed
}

// Flush forces buffered log data to stable storage. Called on emergency
// shutdown, where losing the final entries would hide the cause.
func (l *Logger) Flush() {
	if l.sink != nil {
		l.sink.flush()
	}
}

// Close waits for supervised background tasks started with SafeGo, flushes
// the error log, and closes the file sink. The context bounds the wait.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.goWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if l.sink != nil {
		l.sink.close()
	}
	return nil
}

// formatEntry renders one error log entry. Multi-line: header with timestamp
// and severity tag, then indented detail lines, closed by a separator so
// entries stay readable when stack traces are attached.
func formatEntry(now time.Time, severity Severity, message, details string, err error) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(now.Format("2006-01-02 15:04:05.000"))
	b.WriteString("] ")
	b.WriteString(severity.Tag())
	b.WriteString(" ")
	b.WriteString(message)
	b.WriteString("\n")

	if details != "" {
		b.WriteString("    Details: ")
		b.WriteString(details)
		b.WriteString("\n")
	}
	if err != nil {
		b.WriteString(fmt.Sprintf("    Error: (%T) %s\n", err, err.Error()))
		if cause := errors.Unwrap(err); cause != nil {
			b.WriteString("    Caused by: ")
			b.WriteString(cause.Error())
			b.WriteString("\n")
		}
	}
	b.WriteString(strings.Repeat("-", 80))
	b.WriteString("\n")
	return b.String()
}
