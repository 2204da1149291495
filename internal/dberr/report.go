package dberr

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// networkProbe reports whether any non-loopback network interface is up.
// Overridable for tests.
var networkProbe = defaultNetworkProbe

func defaultNetworkProbe() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

// Report renders a flat-text diagnostic report for a classified database
// error: the error itself with its cause chain, plus a snapshot of the host,
// the current user, privileges, memory, the data directory's disk usage and
// network availability. Every probe is best-effort; a probe failure is
// reported inline rather than aborting the report.
func Report(derr *DatabaseError, dataDir string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Omega Player Database Diagnostic Report ===\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().Format(time.RFC3339))

	fmt.Fprintf(&b, "Category:    %s\n", derr.Category)
	fmt.Fprintf(&b, "Title:       %s\n", derr.Title)
	fmt.Fprintf(&b, "Recoverable: %t\n\n", derr.Recoverable)

	fmt.Fprintf(&b, "--- Error ---\n")
	fmt.Fprintf(&b, "Message: %s\n", derr.Message)
	if derr.TechnicalDetails != "" {
		fmt.Fprintf(&b, "Technical details: %s\n", derr.TechnicalDetails)
	}
	if cause := derr.Cause(); cause != nil {
		fmt.Fprintf(&b, "Cause chain:\n")
		depth := 1
		for e := cause; e != nil; e = errors.Unwrap(e) {
			fmt.Fprintf(&b, "  %d. (%T) %s\n", depth, e, e.Error())
			depth++
		}
	}
	if len(derr.TroubleshootingSteps) > 0 {
		fmt.Fprintf(&b, "Suggested steps:\n")
		for i, step := range derr.TroubleshootingSteps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- System ---\n")
	if info, err := host.Info(); err == nil {
		fmt.Fprintf(&b, "Host:     %s\n", info.Hostname)
		fmt.Fprintf(&b, "OS:       %s %s (%s, kernel %s)\n",
			info.Platform, info.PlatformVersion, info.OS, info.KernelVersion)
	} else {
		fmt.Fprintf(&b, "Host:     unavailable (%v)\n", err)
	}
	fmt.Fprintf(&b, "Arch:     %s\n", runtime.GOARCH)
	if u, err := user.Current(); err == nil {
		fmt.Fprintf(&b, "User:     %s\n", u.Username)
	} else {
		fmt.Fprintf(&b, "User:     unavailable (%v)\n", err)
	}
	fmt.Fprintf(&b, "Elevated: %s\n", elevatedString())
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&b, "Memory:   %s total, %s available\n",
			humanBytes(vm.Total), humanBytes(vm.Available))
	} else {
		fmt.Fprintf(&b, "Memory:   unavailable (%v)\n", err)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Environment ---\n")
	fmt.Fprintf(&b, "Data directory: %s\n", dataDir)
	if usage, err := disk.Usage(dataDir); err == nil {
		fmt.Fprintf(&b, "Disk:    %s total, %s free\n",
			humanBytes(usage.Total), humanBytes(usage.Free))
	} else {
		fmt.Fprintf(&b, "Disk:    unavailable (%v)\n", err)
	}
	if networkProbe() {
		fmt.Fprintf(&b, "Network: available\n")
	} else {
		fmt.Fprintf(&b, "Network: unavailable\n")
	}

	return b.String()
}

// WriteReport writes a diagnostic report into dir and returns the report
// path. The file name carries a timestamp so repeated failures never
// overwrite earlier evidence.
func WriteReport(dir string, derr *DatabaseError, dataDir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	name := fmt.Sprintf("omega-player-diagnostic-%s.txt", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(Report(derr, dataDir)), 0o644); err != nil {
		return "", fmt.Errorf("writing diagnostic report: %w", err)
	}
	return path, nil
}

func elevatedString() string {
	switch euid := os.Geteuid(); {
	case euid == 0:
		return "yes"
	case euid < 0:
		// Not meaningful on this platform.
		return "unknown"
	default:
		return "no"
	}
}

func humanBytes(n uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.1f KiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
