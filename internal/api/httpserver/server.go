package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/omega-player/dataengine/pkg/logger"
)

// Server runs the status API on a localhost address.
type Server struct {
	log  *logger.Logger
	http *http.Server
	ln   net.Listener
}

// NewServer creates a status API server for the given address and handler.
func NewServer(addr string, h *Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("statusapi")
	}
	return &Server{
		log: log,
		http: &http.Server{
			Addr:         addr,
			Handler:      h.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously; serve failures after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("status API listen on %s: %w", s.http.Addr, err)
	}
	s.ln = ln

	s.log.LogInfo("status API listening", ln.Addr().String())
	s.log.SafeGo(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, "status API server", logger.WithoutNotify())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.http.Addr
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
