// Package httpserver exposes the localhost status and diagnostics API for
// the data engine: liveness, a JSON snapshot of the embedded server and
// recovery state, the flat-text diagnostic report, and Prometheus metrics.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omega-player/dataengine/internal/app/metrics"
	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/internal/engine/recovery"
	"github.com/omega-player/dataengine/internal/engine/state"
	"github.com/omega-player/dataengine/pkg/logger"
)

// recentEventLimit bounds the event slice in the status payload.
const recentEventLimit = 20

// DatabaseServer is the subset of the embedded server the API reads.
type DatabaseServer interface {
	Health() state.Health
	Port() int
	Adopted() bool
	ConnectionString() (string, bool)
}

// RecoverySource provides the recovery orchestrator snapshot.
type RecoverySource interface {
	Info() recovery.RecoveryInfo
}

// LogSource reports the state of the persistent log directory.
type LogSource interface {
	LogDirectoryInfo() (logger.DirectoryInfo, bool)
}

// HandlerConfig wires the data sources the API publishes. Database is
// required; the remaining fields degrade to absent sections when nil.
type HandlerConfig struct {
	Database DatabaseServer
	Recovery RecoverySource
	Logs     LogSource
	Bus      events.EventLogger

	// DataDir is named in the diagnostic report.
	DataDir string

	// LastError returns the most recent classified database error, or nil.
	LastError func() *dberr.DatabaseError
}

// Handler implements the status API endpoints.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates the API handler for the given sources.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Bus == nil {
		cfg.Bus = &events.NoOpLogger{}
	}
	return &Handler{cfg: cfg}
}

// Router returns the API router with metrics instrumentation applied.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", h.handleDiagnostics).Methods(http.MethodGet)
	r.Path("/metrics").Handler(metrics.Handler()).Methods(http.MethodGet)
	return r
}

// DatabaseStatus is the embedded server section of the status payload.
type DatabaseStatus struct {
	Status          state.Status    `json:"status"`
	Readiness       state.Readiness `json:"readiness"`
	Port            int             `json:"port"`
	Adopted         bool            `json:"adopted"`
	ConnectionReady bool            `json:"connection_ready"`
}

// LogDirectory is the log directory section of the status payload.
type LogDirectory struct {
	FileCount  int       `json:"file_count"`
	TotalBytes int64     `json:"total_bytes"`
	OldestFile time.Time `json:"oldest_file"`
}

// StatusResponse is the full /status payload.
type StatusResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Database  DatabaseStatus         `json:"database"`
	Recovery  *recovery.RecoveryInfo `json:"recovery,omitempty"`
	Logs      *LogDirectory          `json:"logs,omitempty"`
	Events    []events.Event         `json:"recent_critical_events"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Timestamp: time.Now().UTC(),
		Events:    []events.Event{},
	}

	if db := h.cfg.Database; db != nil {
		health := db.Health()
		_, connReady := db.ConnectionString()
		resp.Database = DatabaseStatus{
			Status:          health.Status,
			Readiness:       health.Readiness,
			Port:            db.Port(),
			Adopted:         db.Adopted(),
			ConnectionReady: connReady,
		}
	}

	if rec := h.cfg.Recovery; rec != nil {
		info := rec.Info()
		resp.Recovery = &info
	}

	if logs := h.cfg.Logs; logs != nil {
		if info, ok := logs.LogDirectoryInfo(); ok {
			resp.Logs = &LogDirectory{
				FileCount:  info.FileCount,
				TotalBytes: info.TotalBytes,
				OldestFile: info.OldestFile,
			}
		}
	}

	if critical := h.cfg.Bus.RecentBySeverity(events.SeverityCritical, recentEventLimit); critical != nil {
		resp.Events = critical
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var derr *dberr.DatabaseError
	if h.cfg.LastError != nil {
		derr = h.cfg.LastError()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if derr == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("No database errors recorded.\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dberr.Report(derr, h.cfg.DataDir)))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
