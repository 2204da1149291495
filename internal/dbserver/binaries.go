package dbserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/omega-player/dataengine/internal/dberr"
)

// binaryProbeTimeout caps binary invocations whose context carries no
// deadline of its own. Validation probes must never hang the startup path.
const binaryProbeTimeout = 10 * time.Second

// BinaryFailureReason describes why a server binary failed validation.
type BinaryFailureReason int

const (
	ReasonUnknown BinaryFailureReason = iota
	ReasonMissing
	ReasonCorrupted
	ReasonPermissions
	ReasonDependencies
)

func (r BinaryFailureReason) String() string {
	switch r {
	case ReasonMissing:
		return "missing"
	case ReasonCorrupted:
		return "corrupted"
	case ReasonPermissions:
		return "permissions"
	case ReasonDependencies:
		return "dependencies"
	default:
		return "unknown"
	}
}

// BinaryValidation is the outcome of probing a server binary.
type BinaryValidation struct {
	Valid   bool
	Reason  BinaryFailureReason
	Message string
}

// BinaryRunner executes a binary and captures its output. The production
// implementation is runBinaryCommand; tests substitute their own.
type BinaryRunner func(ctx context.Context, path string, args ...string) (stdout, stderr string, exitCode int, err error)

// runBinaryCommand runs path with args, applying binaryProbeTimeout when the
// caller's context has no deadline. The process is killed when the context
// expires.
func runBinaryCommand(ctx context.Context, path string, args ...string) (string, string, int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, binaryProbeTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("binary probe timed out: %w", ctxErr)
	}
	return stdout.String(), stderr.String(), exitCode, err
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// serverBinaryCandidates lists the paths a postgres binary may live at under
// dir: the flat layouts, plus the same under any first-level subdirectory
// named by a UUID (instance-keyed layouts left behind by earlier embeddings).
func serverBinaryCandidates(dir string) []string {
	name := "postgres" + exeSuffix()
	candidates := []string{
		filepath.Join(dir, "bin", name),
		filepath.Join(dir, "pgsql", "bin", name),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return candidates
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		candidates = append(candidates,
			filepath.Join(sub, "bin", name),
			filepath.Join(sub, "pgsql", "bin", name),
		)
	}
	return candidates
}

// LocateServerBinary finds the postgres binary under dir. The bool reports
// whether one exists.
func LocateServerBinary(dir string) (string, bool) {
	for _, candidate := range serverBinaryCandidates(dir) {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// initdbPath returns the initdb binary next to a located postgres binary.
func initdbPath(postgresPath string) string {
	return filepath.Join(filepath.Dir(postgresPath), "initdb"+exeSuffix())
}

// pgCtlPath returns the pg_ctl binary next to a located postgres binary.
func pgCtlPath(postgresPath string) string {
	return filepath.Join(filepath.Dir(postgresPath), "pg_ctl"+exeSuffix())
}

// RequiresDownload reports whether no server binary is installed under dir.
func RequiresDownload(dir string) bool {
	_, found := LocateServerBinary(dir)
	return !found
}

// validateServerBinary probes a binary with --version and classifies the
// outcome. A healthy binary exits zero and identifies itself as PostgreSQL.
func validateServerBinary(ctx context.Context, run BinaryRunner, path string) BinaryValidation {
	stdout, stderr, exitCode, err := run(ctx, path, "--version")

	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return BinaryValidation{Reason: ReasonMissing,
				Message: fmt.Sprintf("server binary missing at %s", path)}
		case errors.Is(err, fs.ErrPermission):
			return BinaryValidation{Reason: ReasonPermissions,
				Message: fmt.Sprintf("server binary not executable: %v", err)}
		case errors.Is(err, syscall.ENOEXEC), strings.Contains(err.Error(), "exec format error"):
			return BinaryValidation{Reason: ReasonCorrupted,
				Message: fmt.Sprintf("server binary is not a valid executable: %v", err)}
		}
	}

	if exitCode == 0 && err == nil && strings.Contains(stdout, "PostgreSQL") {
		return BinaryValidation{Valid: true}
	}

	lowerStderr := strings.ToLower(stderr)
	switch {
	case strings.Contains(lowerStderr, "permission denied"),
		strings.Contains(lowerStderr, "access is denied"),
		strings.Contains(lowerStderr, "access denied"):
		return BinaryValidation{Reason: ReasonPermissions,
			Message: fmt.Sprintf("server binary refused to run: %s", strings.TrimSpace(stderr))}
	case strings.Contains(lowerStderr, "not found"),
		strings.Contains(lowerStderr, "no such file"):
		return BinaryValidation{Reason: ReasonDependencies,
			Message: fmt.Sprintf("server binary is missing a runtime dependency: %s", strings.TrimSpace(stderr))}
	}

	msg := fmt.Sprintf("server binary version probe failed (exit %d)", exitCode)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		msg = fmt.Sprintf("%s: %s", msg, trimmed)
	}
	return BinaryValidation{Reason: ReasonUnknown, Message: msg}
}

// ValidateBinaries locates and probes the server binary under dir. Absence
// is not an error: it means the binaries must be downloaded, so nil is
// returned. An installed but broken binary maps onto the error taxonomy.
func (s *Server) ValidateBinaries(ctx context.Context) *dberr.DatabaseError {
	path, found := LocateServerBinary(s.cfg.BinariesDir)
	if !found {
		return nil
	}

	validation := validateServerBinary(ctx, s.runBinary, path)
	if validation.Valid {
		return nil
	}

	switch validation.Reason {
	case ReasonPermissions:
		return dberr.New(dberr.CategoryPermissions, validation.Message, nil)
	case ReasonDependencies:
		return dberr.New(dberr.CategoryDependencies, validation.Message, nil)
	default:
		return dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("%s (%s)", validation.Message, validation.Reason), nil)
	}
}
