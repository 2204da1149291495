package dbserver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/omega-player/dataengine/internal/dberr"
	"github.com/omega-player/dataengine/pkg/logger"
)

const downloadProbeTimeout = 5 * time.Second

// DiskFreeFunc reports the free bytes on the filesystem holding path.
type DiskFreeFunc func(path string) (uint64, error)

func defaultDiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// defaultDownloadProbe dials the host of rawURL to confirm the download
// source is reachable before a provisioning run commits to it.
func defaultDownloadProbe(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid download URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("download URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}

	dialer := net.Dialer{Timeout: downloadProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// PerformPreFlightChecks validates the environment before any startup work.
// Checks run in a fixed order and the first failure wins; the order decides
// which error the user sees when several conditions hold at once, so it is
// covered by tests. Returns nil when the environment is usable.
func (s *Server) PerformPreFlightChecks(ctx context.Context) *dberr.DatabaseError {
	// 1. Disk space. A failed probe is logged and skipped: refusing to start
	// because the probe itself broke would strand healthy installs.
	if free, err := s.diskFree(s.cfg.BaseDir); err != nil {
		s.log.LogError(logger.SeverityInfo, "disk space probe failed, skipping check",
			s.cfg.BaseDir, err, false)
	} else if free < MinFreeDiskBytes {
		return dberr.New(dberr.CategoryDiskSpace,
			fmt.Sprintf("%d MiB free on the volume holding %s, need at least %d MiB",
				free>>20, s.cfg.BaseDir, MinFreeDiskBytes>>20), nil)
	}

	// 2. Write permission on the base directory.
	if derr := checkWritable(s.cfg.BaseDir); derr != nil {
		return derr
	}

	// 3. Path characters the server cannot handle.
	if derr := checkPathCharacters(s.cfg.BaseDir); derr != nil {
		return derr
	}

	// 4. Installed binaries, when present, must be runnable.
	if derr := s.ValidateBinaries(ctx); derr != nil {
		return derr
	}

	// 5. Network reachability, only when a download will be needed.
	if RequiresDownload(s.cfg.BinariesDir) && s.cfg.BinariesURL != "" {
		if err := s.probeDownload(ctx, s.cfg.BinariesURL); err != nil {
			return dberr.New(dberr.CategoryNetworkDownload,
				fmt.Sprintf("download source unreachable: %v", err), err)
		}
	}

	return nil
}

// checkWritable creates and removes a probe file under dir.
func checkWritable(dir string) *dberr.DatabaseError {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberr.New(dberr.CategoryPermissions,
			fmt.Sprintf("cannot create data directory %s: %v", dir, err), err)
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return dberr.New(dberr.CategoryPermissions,
			fmt.Sprintf("data directory %s is not writable: %v", dir, err), err)
	}
	if err := os.Remove(probe); err != nil {
		return dberr.New(dberr.CategoryPermissions,
			fmt.Sprintf("cannot delete from data directory %s: %v", dir, err), err)
	}
	return nil
}

// osInvalidPathChars are rejected on every platform; the server refuses such
// paths on at least one supported OS, and installs must stay portable.
const osInvalidPathChars = `<>"|?*`

// checkPathCharacters rejects paths the server's tooling cannot survive:
// non-ASCII runes, parent traversal, and characters invalid on supported
// platforms.
func checkPathCharacters(dir string) *dberr.DatabaseError {
	for _, r := range dir {
		if r > unicode.MaxASCII {
			return dberr.New(dberr.CategoryPathCharacters,
				fmt.Sprintf("path %q contains the non-ASCII character %q", dir, r), nil)
		}
		if strings.ContainsRune(osInvalidPathChars, r) {
			return dberr.New(dberr.CategoryPathCharacters,
				fmt.Sprintf("path %q contains the invalid character %q", dir, r), nil)
		}
	}
	for _, segment := range strings.Split(filepath.ToSlash(dir), "/") {
		if segment == ".." {
			return dberr.New(dberr.CategoryPathCharacters,
				fmt.Sprintf("path %q contains parent traversal", dir), nil)
		}
	}
	return nil
}
