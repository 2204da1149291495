package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dataengine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dataengine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	serverStartups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "startups_total",
			Help:      "Total number of embedded server startup attempts.",
		},
		[]string{"outcome"},
	)

	serverStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "startup_duration_seconds",
			Help:      "Duration of embedded server startup sequences.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	serverPhaseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "phase_failures_total",
			Help:      "Startup failures by phase.",
		},
		[]string{"phase"},
	)

	serverUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "up",
			Help:      "Whether the embedded server is running with a verified connection.",
		},
	)

	serverPort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "port",
			Help:      "Negotiated server port, 0 when not running.",
		},
	)

	serverAdopted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dataengine",
			Subsystem: "server",
			Name:      "adopted",
			Help:      "Whether the running instance was adopted rather than spawned.",
		},
	)

	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	recoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dataengine",
			Subsystem: "recovery",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of recovery attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	backupEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "recovery",
			Name:      "backup_events_total",
			Help:      "Emergency backup lifecycle events.",
		},
		[]string{"action"},
	)

	emergencyShutdowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "recovery",
			Name:      "emergency_shutdowns_total",
			Help:      "Emergency shutdowns initiated after fatal errors.",
		},
	)

	errorsLogged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "logging",
			Name:      "errors_total",
			Help:      "Errors recorded in the persistent error log, by severity.",
		},
		[]string{"severity"},
	)

	retentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "logging",
			Name:      "retention_deleted_files_total",
			Help:      "Log files removed by the retention sweep.",
		},
	)

	retentionReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dataengine",
			Subsystem: "logging",
			Name:      "retention_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by the retention sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		serverStartups,
		serverStartupDuration,
		serverPhaseFailures,
		serverUp,
		serverPort,
		serverAdopted,
		recoveryAttempts,
		recoveryDuration,
		backupEvents,
		emergencyShutdowns,
		errorsLogged,
		retentionDeleted,
		retentionReclaimed,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordStartup records the outcome of an embedded server startup sequence.
func RecordStartup(success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	serverStartups.WithLabelValues(outcome).Inc()
	if duration > 0 {
		serverStartupDuration.Observe(duration.Seconds())
	}
}

// RecordPhaseFailure records a startup failure attributed to a phase.
func RecordPhaseFailure(phase string) {
	if phase == "" {
		phase = "unknown"
	}
	serverPhaseFailures.WithLabelValues(phase).Inc()
}

// SetServerState publishes the embedded server's current state gauges.
func SetServerState(up bool, port int, adopted bool) {
	serverUp.Set(boolGauge(up))
	serverPort.Set(float64(port))
	serverAdopted.Set(boolGauge(adopted))
}

// RecordRecovery records a completed recovery attempt.
func RecordRecovery(success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	recoveryAttempts.WithLabelValues(outcome).Inc()
	if duration > 0 {
		recoveryDuration.Observe(duration.Seconds())
	}
}

// RecordRecoverySkipped records a recovery attempt rejected by the gate.
func RecordRecoverySkipped() {
	recoveryAttempts.WithLabelValues("skipped").Inc()
}

// RecordBackupEvent records an emergency backup action: written, restored or
// discarded.
func RecordBackupEvent(action string) {
	if action == "" {
		return
	}
	backupEvents.WithLabelValues(action).Inc()
}

// RecordEmergencyShutdown counts an initiated emergency shutdown.
func RecordEmergencyShutdown() {
	emergencyShutdowns.Inc()
}

// RecordErrorLogged counts a persisted error log entry.
func RecordErrorLogged(severity string) {
	if severity == "" {
		severity = "info"
	}
	errorsLogged.WithLabelValues(severity).Inc()
}

// RecordRetentionSweep records the result of a log retention sweep.
func RecordRetentionSweep(deletedFiles int, reclaimedBytes int64) {
	if deletedFiles > 0 {
		retentionDeleted.Add(float64(deletedFiles))
	}
	if reclaimedBytes > 0 {
		retentionReclaimed.Add(float64(reclaimedBytes))
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses request paths to their first segment so the label
// set stays bounded regardless of what clients ask for.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}
