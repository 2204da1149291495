// Package migrations holds the embedded schema for the player database and
// applies it on startup. Every statement is idempotent, so the whole set is
// reapplied on each start instead of tracking applied versions in the
// database; for a single-user embedded instance the bookkeeping table would
// only be one more thing to repair.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.up.sql
var migrationFiles embed.FS

// Migration is one embedded schema step.
type Migration struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	SQL     string `json:"-"`
}

// Load returns every embedded migration in version order.
func Load() ([]Migration, error) {
	drv, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	defer drv.Close()

	var list []Migration
	version, err := drv.First()
	for ; err == nil; version, err = drv.Next(version) {
		m, readErr := read(drv, version)
		if readErr != nil {
			return nil, readErr
		}
		list = append(list, m)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("enumerating embedded migrations: %w", err)
	}
	return list, nil
}

func read(drv source.Driver, version uint) (Migration, error) {
	r, name, err := drv.ReadUp(version)
	if err != nil {
		return Migration{}, fmt.Errorf("reading migration %d: %w", version, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return Migration{}, fmt.Errorf("reading migration %d: %w", version, err)
	}
	return Migration{Version: version, Name: name, SQL: string(raw)}, nil
}

// Apply runs the full migration set against db in version order.
func Apply(ctx context.Context, db *sql.DB) error {
	list, err := Load()
	if err != nil {
		return err
	}
	for _, m := range list {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("applying migration %04d_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}
