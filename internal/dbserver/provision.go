package dbserver

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/klauspost/compress/gzip"

	"github.com/omega-player/dataengine/internal/dberr"
)

// ProvisionBinaries downloads the configured server archive and unpacks it
// into the binaries directory, then re-validates the result. Called from the
// configuration phase when no server binary is installed.
func (s *Server) ProvisionBinaries(ctx context.Context) *dberr.DatabaseError {
	if s.cfg.BinariesURL == "" {
		return dberr.New(dberr.CategoryNetworkDownload,
			"server binaries are not installed and no download source is configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BinariesURL, nil)
	if err != nil {
		return dberr.New(dberr.CategoryNetworkDownload,
			fmt.Sprintf("invalid download URL %q: %v", s.cfg.BinariesURL, err), err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return dberr.New(dberr.CategoryNetworkDownload,
			fmt.Sprintf("downloading server archive: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dberr.New(dberr.CategoryNetworkDownload,
			fmt.Sprintf("download source answered %s for %s", resp.Status, s.cfg.BinariesURL), nil)
	}

	if derr := extractArchive(resp.Body, s.cfg.BinariesDir); derr != nil {
		return derr
	}

	path, found := LocateServerBinary(s.cfg.BinariesDir)
	if !found {
		return dberr.New(dberr.CategoryNetworkDownload,
			"downloaded archive did not contain a server binary", nil)
	}
	if validation := validateServerBinary(ctx, s.runBinary, path); !validation.Valid {
		return dberr.New(dberr.CategoryProcessFailure,
			fmt.Sprintf("downloaded server binary failed validation: %s", validation.Message), nil)
	}
	return nil
}

// extractArchive streams a gzipped tar into destDir. Entry names are
// sanitized against absolute paths and parent traversal before any write.
func extractArchive(r io.Reader, destDir string) *dberr.DatabaseError {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return classifyWriteError(fmt.Errorf("creating binaries directory: %w", err))
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return dberr.New(dberr.CategoryNetworkDownload,
			fmt.Sprintf("server archive is not gzip data: %v", err), err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return dberr.New(dberr.CategoryNetworkDownload,
				fmt.Sprintf("server archive is corrupt: %v", err), err)
		}

		target, ok := sanitizeArchivePath(destDir, header.Name)
		if !ok {
			return dberr.New(dberr.CategoryNetworkDownload,
				fmt.Sprintf("server archive contains an unsafe path %q", header.Name), nil)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return classifyWriteError(err)
			}
		case tar.TypeReg:
			if err := writeArchiveFile(target, tr, header); err != nil {
				return classifyWriteError(err)
			}
		case tar.TypeSymlink:
			// Binaries archives link versioned shared objects. Reject links
			// escaping the destination, keep the rest.
			linkTarget := header.Linkname
			if filepath.IsAbs(linkTarget) {
				continue
			}
			if _, ok := sanitizeArchivePath(filepath.Dir(target), linkTarget); !ok {
				continue
			}
			_ = os.Remove(target)
			if err := os.Symlink(linkTarget, target); err != nil {
				return classifyWriteError(err)
			}
		}
	}
}

func sanitizeArchivePath(destDir, name string) (string, bool) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return filepath.Join(destDir, cleaned), true
}

func writeArchiveFile(target string, r io.Reader, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(header.Mode).Perm()
	// Everything under a bin directory must be runnable regardless of how
	// the archive was packed.
	if strings.Contains(filepath.ToSlash(target), "/bin/") {
		mode |= 0o755
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// classifyWriteError maps extraction write failures onto the taxonomy: a
// full disk and a permission refusal have their own categories, the rest
// goes through the keyword classifier.
func classifyWriteError(err error) *dberr.DatabaseError {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return dberr.New(dberr.CategoryDiskSpace,
			fmt.Sprintf("disk filled up while unpacking server binaries: %v", err), err)
	case errors.Is(err, fs.ErrPermission):
		return dberr.New(dberr.CategoryPermissions,
			fmt.Sprintf("cannot write server binaries: %v", err), err)
	default:
		return dberr.Classify(err)
	}
}
