package dbserver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/internal/engine/events"
)

func stubRunner(stdout, stderr string, exitCode int, err error) BinaryRunner {
	return func(context.Context, string, ...string) (string, string, int, error) {
		return stdout, stderr, exitCode, err
	}
}

func TestValidateServerBinary(t *testing.T) {
	cases := []struct {
		name   string
		runner BinaryRunner
		valid  bool
		reason BinaryFailureReason
	}{
		{
			name:   "healthy",
			runner: stubRunner("postgres (PostgreSQL) 16.4", "", 0, nil),
			valid:  true,
		},
		{
			name:   "wrong binary",
			runner: stubRunner("mysqld Ver 8.0", "", 0, nil),
			reason: ReasonUnknown,
		},
		{
			name:   "missing",
			runner: stubRunner("", "", -1, fmt.Errorf("exec: %w", fs.ErrNotExist)),
			reason: ReasonMissing,
		},
		{
			name:   "not executable",
			runner: stubRunner("", "", -1, fmt.Errorf("exec: %w", fs.ErrPermission)),
			reason: ReasonPermissions,
		},
		{
			name:   "corrupted",
			runner: stubRunner("", "", -1, fmt.Errorf("fork/exec: %w", syscall.ENOEXEC)),
			reason: ReasonCorrupted,
		},
		{
			name:   "corrupted by message",
			runner: stubRunner("", "", -1, fmt.Errorf("fork/exec postgres: exec format error")),
			reason: ReasonCorrupted,
		},
		{
			name:   "permission denied on stderr",
			runner: stubRunner("", "postgres: Permission denied", 126, nil),
			reason: ReasonPermissions,
		},
		{
			name:   "access denied on stderr",
			runner: stubRunner("", "Access is denied.", 1, nil),
			reason: ReasonPermissions,
		},
		{
			name:   "missing shared library",
			runner: stubRunner("", "error while loading shared libraries: libssl.so.3: No such file or directory", 127, nil),
			reason: ReasonDependencies,
		},
		{
			name:   "dependency not found",
			runner: stubRunner("", "libicu.so.70: version not found", 127, nil),
			reason: ReasonDependencies,
		},
		{
			name:   "unclassified failure",
			runner: stubRunner("", "PANIC: something awful", 2, nil),
			reason: ReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := validateServerBinary(context.Background(), tc.runner, "/opt/omega/binaries/bin/postgres")
			assert.Equal(t, tc.valid, v.Valid)
			if !tc.valid {
				assert.Equal(t, tc.reason, v.Reason, "message: %s", v.Message)
				assert.NotEmpty(t, v.Message)
			}
		})
	}
}

func TestLocateServerBinary(t *testing.T) {
	t.Run("flat bin layout", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFakeBinary(t, dir)

		got, found := LocateServerBinary(dir)
		require.True(t, found)
		assert.Equal(t, path, got)
	})

	t.Run("pgsql layout", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "pgsql", "bin", "postgres"+exeSuffix())
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))

		got, found := LocateServerBinary(dir)
		require.True(t, found)
		assert.Equal(t, path, got)
	})

	t.Run("instance-keyed subdirectory", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, InstanceID, "bin", "postgres"+exeSuffix())
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))

		got, found := LocateServerBinary(dir)
		require.True(t, found)
		assert.Equal(t, path, got)
	})

	t.Run("non-uuid subdirectory is ignored", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "leftovers", "bin", "postgres"+exeSuffix())
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))

		_, found := LocateServerBinary(dir)
		assert.False(t, found)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, found := LocateServerBinary(t.TempDir())
		assert.False(t, found)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, found := LocateServerBinary(filepath.Join(t.TempDir(), "nope"))
		assert.False(t, found)
	})
}

func TestRequiresDownload(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, RequiresDownload(dir))

	writeFakeBinary(t, dir)
	assert.False(t, RequiresDownload(dir))
}

func TestToolPaths(t *testing.T) {
	postgres := filepath.Join("opt", "binaries", "bin", "postgres"+exeSuffix())

	assert.Equal(t, filepath.Join("opt", "binaries", "bin", "initdb"+exeSuffix()), initdbPath(postgres))
	assert.Equal(t, filepath.Join("opt", "binaries", "bin", "pg_ctl"+exeSuffix()), pgCtlPath(postgres))
}

func TestValidateBinaries_AbsenceIsNotAnError(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	s := NewServer(cfg, quietTestLogger(), events.NewRingBuffer(16))

	assert.Nil(t, s.ValidateBinaries(context.Background()),
		"missing binaries mean download, not failure")
}

func TestValidateBinaries_BrokenBinary(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	writeFakeBinary(t, cfg.BinariesDir)
	s := NewServer(cfg, quietTestLogger(), events.NewRingBuffer(16))
	s.runBinary = stubRunner("", "postgres: Permission denied", 126, nil)

	derr := s.ValidateBinaries(context.Background())

	require.NotNil(t, derr)
	assert.Equal(t, dberr.CategoryPermissions, derr.Category)
	assert.True(t, derr.Recoverable)
}
