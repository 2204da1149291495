package logger

import (
	"fmt"
	"runtime/debug"
)

// safeOptions carries the severity and notification policy for the
// SafeExecute family.
type safeOptions struct {
	severity Severity
	notify   bool
}

// SafeOption customizes how a safe execution reports failures.
type SafeOption func(*safeOptions)

// WithSeverity overrides the severity used when the operation fails.
func WithSeverity(s Severity) SafeOption {
	return func(o *safeOptions) { o.severity = s }
}

// WithoutNotify suppresses the error notification on failure.
func WithoutNotify() SafeOption {
	return func(o *safeOptions) { o.notify = false }
}

func applySafeOptions(opts []SafeOption) safeOptions {
	o := safeOptions{severity: SeverityNonCritical, notify: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SafeExecute runs an operation and guarantees the caller survives it: any
// returned error or panic is logged (and notified per options) instead of
// propagating. Use it at boundaries where a failure must degrade a feature,
// not crash the application.
func (l *Logger) SafeExecute(fn func() error, contextMsg string, opts ...SafeOption) {
	l.runSafely(fn, contextMsg, applySafeOptions(opts))
}

// SafeExecuteValue runs an operation that yields a value. On error or panic
// the failure is logged per options and the fallback value is returned.
func SafeExecuteValue[T any](l *Logger, fn func() (T, error), fallback T, contextMsg string, opts ...SafeOption) (result T) {
	o := applySafeOptions(opts)
	result = fallback

	defer func() {
		if r := recover(); r != nil {
			result = fallback
			l.logPanic(r, contextMsg, o)
		}
	}()

	v, err := fn()
	if err != nil {
		l.LogError(o.severity, contextMsg, "", err, o.notify)
		return fallback
	}
	return v
}

// SafeGo runs an operation on a supervised background goroutine. Errors and
// panics are logged per options; Close waits for all SafeGo tasks to finish.
func (l *Logger) SafeGo(fn func() error, contextMsg string, opts ...SafeOption) {
	o := applySafeOptions(opts)
	l.goWG.Add(1)
	go func() {
		defer l.goWG.Done()
		l.runSafely(fn, contextMsg, o)
	}()
}

func (l *Logger) runSafely(fn func() error, contextMsg string, o safeOptions) {
	defer func() {
		if r := recover(); r != nil {
			l.logPanic(r, contextMsg, o)
		}
	}()

	if err := fn(); err != nil {
		l.LogError(o.severity, contextMsg, "", err, o.notify)
	}
}

func (l *Logger) logPanic(recovered any, contextMsg string, o safeOptions) {
	details := fmt.Sprintf("panic: %v\n%s", recovered, debug.Stack())
	l.LogError(o.severity, contextMsg, details, fmt.Errorf("panic: %v", recovered), o.notify)
}
