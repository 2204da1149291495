package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultRotateMaxBytes = 10 * 1024 * 1024
	defaultMaxFiles       = 30
	defaultMaxAgeDays     = 30

	dayFormat      = "2006-01-02"
	rotationFormat = "150405"
)

// fileSink appends error log entries to a per-day file, rotating the active
// file aside when it crosses the size ceiling and pruning old files by count
// and age. Every operation is best-effort: failures leave the sink in a
// usable state and are never reported to callers.
type fileSink struct {
	dir        string
	prefix     string
	maxBytes   int64
	maxFiles   int
	maxAgeDays int

	mu   sync.Mutex
	file *os.File
	date string
	size int64
}

func newFileSink(dir, prefix string, maxBytes int64, maxFiles, maxAgeDays int) *fileSink {
	if maxBytes <= 0 {
		maxBytes = defaultRotateMaxBytes
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	return &fileSink{
		dir:        dir,
		prefix:     prefix,
		maxBytes:   maxBytes,
		maxFiles:   maxFiles,
		maxAgeDays: maxAgeDays,
	}
}

// write appends one formatted entry under the sink lock. The active file is
// opened lazily, switched at day boundaries, and rotated aside before the
// write that would cross the size ceiling.
func (s *fileSink) write(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	date := now.Format(dayFormat)

	if s.file == nil || s.date != date {
		s.openCurrent(date)
	}
	if s.file == nil {
		return
	}

	if s.size > 0 && s.size+int64(len(entry)) > s.maxBytes {
		s.rotate(now)
		if s.file == nil {
			return
		}
	}

	n, err := s.file.WriteString(entry)
	if err == nil {
		s.size += int64(n)
	}
}

// openCurrent opens (or creates) the day file for the given date, replacing
// any previously open file.
func (s *fileSink) openCurrent(date string) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return
	}

	path := filepath.Join(s.dir, s.prefix+"-"+date+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}

	s.file = f
	s.date = date
	s.size = 0
	if fi, err := f.Stat(); err == nil {
		s.size = fi.Size()
	}
}

// rotate moves the active day file aside under a timestamped name and opens
// a fresh one, then prunes rotated files beyond the retention count. Caller
// holds the lock.
func (s *fileSink) rotate(now time.Time) {
	if s.file == nil {
		return
	}
	_ = s.file.Close()
	s.file = nil

	current := filepath.Join(s.dir, s.prefix+"-"+s.date+".log")
	rotated := filepath.Join(s.dir, s.prefix+"-"+s.date+"-"+now.Format(rotationFormat)+".log")
	if _, err := os.Stat(rotated); err == nil {
		// Second rotation within the same second; disambiguate.
		rotated = filepath.Join(s.dir, fmt.Sprintf("%s-%s-%s.%09d.log",
			s.prefix, s.date, now.Format(rotationFormat), now.Nanosecond()))
	}
	_ = os.Rename(current, rotated)

	s.pruneCount()
	s.openCurrent(s.date)
}

type logFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

// listFiles returns the sink's log files sorted oldest first. Caller holds
// the lock.
func (s *fileSink) listFiles() []logFileInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var files []logFileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, s.prefix+"-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFileInfo{name: name, size: fi.Size(), modTime: fi.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	return files
}

// pruneCount deletes the oldest log files beyond the retention count,
// sparing the active day file. Caller holds the lock.
func (s *fileSink) pruneCount() {
	files := s.listFiles()
	excess := len(files) - s.maxFiles
	for _, f := range files {
		if excess <= 0 {
			break
		}
		if f.name == s.activeName() {
			continue
		}
		if os.Remove(filepath.Join(s.dir, f.name)) == nil {
			excess--
		}
	}
}

// sweep deletes log files older than the retention window and, after that,
// the oldest files beyond the retention count. Returns how many files were
// deleted and how many bytes were reclaimed.
func (s *fileSink) sweep(now time.Time) (deleted int, reclaimed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -s.maxAgeDays)
	files := s.listFiles()

	var remaining []logFileInfo
	for _, f := range files {
		if f.modTime.Before(cutoff) && f.name != s.activeName() {
			if os.Remove(filepath.Join(s.dir, f.name)) == nil {
				deleted++
				reclaimed += f.size
				continue
			}
		}
		remaining = append(remaining, f)
	}

	excess := len(remaining) - s.maxFiles
	for _, f := range remaining {
		if excess <= 0 {
			break
		}
		if f.name == s.activeName() {
			continue
		}
		if os.Remove(filepath.Join(s.dir, f.name)) == nil {
			deleted++
			reclaimed += f.size
			excess--
		}
	}
	return deleted, reclaimed
}

// activeName returns the file name currently open for writing, or empty when
// none is open. Caller holds the lock.
func (s *fileSink) activeName() string {
	if s.file == nil {
		return ""
	}
	return s.prefix + "-" + s.date + ".log"
}

// directoryInfo reports file count, total bytes, and the oldest file time.
func (s *fileSink) directoryInfo() (DirectoryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dir); err != nil {
		return DirectoryInfo{}, false
	}

	var info DirectoryInfo
	for _, f := range s.listFiles() {
		info.FileCount++
		info.TotalBytes += f.size
		if info.OldestFile.IsZero() || f.modTime.Before(info.OldestFile) {
			info.OldestFile = f.modTime
		}
	}
	return info, true
}

func (s *fileSink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Sync()
	}
}

func (s *fileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}
