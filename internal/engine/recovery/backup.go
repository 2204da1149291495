package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/omega-player/dataengine/internal/engine/events"
	"github.com/omega-player/dataengine/pkg/logger"
)

// Backup is the emergency snapshot of essential player state, written when a
// critical error is handled and restored on the next startup if fresh
// enough. Field names are part of the on-disk format.
type Backup struct {
	CurrentProfileID int       `json:"CurrentProfileId"`
	Volume           float64   `json:"Volume"`
	IsPlaying        bool      `json:"IsPlaying"`
	BackupTime       time.Time `json:"BackupTime"`
}

// WriteBackup snapshots the player state to the configured backup path,
// overwriting any previous backup.
func (o *Orchestrator) WriteBackup(ctx context.Context) error {
	profileID, volume, playing := o.player.Snapshot()
	b := Backup{
		CurrentProfileID: profileID,
		Volume:           volume,
		IsPlaying:        playing,
		BackupTime:       o.now().UTC(),
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode emergency backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.BackupPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.WriteFile(o.cfg.BackupPath, data, 0o644); err != nil {
		return fmt.Errorf("write emergency backup: %w", err)
	}

	events.NewEvent(events.EventBackupWritten).
		Component("recovery").
		Message("emergency backup written").
		Details(o.cfg.BackupPath).
		LogTo(o.bus)
	o.log.LogInfo("emergency backup written", o.cfg.BackupPath)
	return nil
}

// RestorePending applies a pending emergency backup if one exists and is
// younger than the staleness threshold, then removes the file. A stale file
// is deleted without being read. Returns whether state was restored.
func (o *Orchestrator) RestorePending(ctx context.Context) (bool, error) {
	fi, err := os.Stat(o.cfg.BackupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat emergency backup: %w", err)
	}

	if o.now().Sub(fi.ModTime()) > o.cfg.BackupMaxAge {
		o.discardBackup("emergency backup is stale")
		return false, nil
	}

	data, err := os.ReadFile(o.cfg.BackupPath)
	if err != nil {
		return false, fmt.Errorf("read emergency backup: %w", err)
	}

	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		o.discardBackup("emergency backup is unreadable")
		return false, fmt.Errorf("decode emergency backup: %w", err)
	}

	// The embedded timestamp is authoritative: a fresh file copy can still
	// carry an old snapshot.
	if o.now().Sub(b.BackupTime) > o.cfg.BackupMaxAge {
		o.discardBackup("emergency backup snapshot is stale")
		return false, nil
	}

	o.player.Restore(b.CurrentProfileID, b.Volume, b.IsPlaying)
	o.removeBackup()

	events.NewEvent(events.EventBackupRestored).
		Component("recovery").
		Message("emergency backup restored").
		Details(fmt.Sprintf("profile=%d volume=%.2f playing=%t", b.CurrentProfileID, b.Volume, b.IsPlaying)).
		LogTo(o.bus)
	o.log.LogInfo("emergency backup restored", o.cfg.BackupPath)
	return true, nil
}

func (o *Orchestrator) discardBackup(reason string) {
	o.removeBackup()
	events.NewEvent(events.EventBackupDiscarded).
		Component("recovery").
		Message(reason).
		Details(o.cfg.BackupPath).
		LogTo(o.bus)
	o.log.LogInfo(reason, o.cfg.BackupPath)
}

func (o *Orchestrator) removeBackup() {
	if err := os.Remove(o.cfg.BackupPath); err != nil && !os.IsNotExist(err) {
		o.log.LogError(logger.SeverityNonCritical, "failed to remove emergency backup", o.cfg.BackupPath, err, false)
	}
}
