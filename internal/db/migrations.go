package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/sentinel/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: runs",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add run_alerts table for promoted feed events",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "add seed and origin columns to runs",
		SQL:         migration003SQL,
	},
}

const migration001SQL = `
CREATE TABLE runs (
    id           TEXT PRIMARY KEY,
    scenario     TEXT NOT NULL,
    status       TEXT NOT NULL,
    progress     REAL NOT NULL DEFAULT 0,
    started_at   DATETIME NOT NULL,
    ended_at     DATETIME,
    event_count  INTEGER NOT NULL DEFAULT 0,
    alert_count  INTEGER NOT NULL DEFAULT 0,
    error        TEXT,
    result       TEXT
);

CREATE INDEX idx_runs_started ON runs(started_at DESC);
CREATE INDEX idx_runs_scenario ON runs(scenario, started_at DESC);
`

const migration002SQL = `
CREATE TABLE IF NOT EXISTS run_alerts (
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    event_id   TEXT NOT NULL,
    timestamp  DATETIME NOT NULL,
    severity   TEXT NOT NULL,
    source     TEXT NOT NULL,
    message    TEXT NOT NULL,
    PRIMARY KEY (run_id, event_id)
);
`

const migration003SQL = `
ALTER TABLE runs ADD COLUMN seed INTEGER NOT NULL DEFAULT 0;
ALTER TABLE runs ADD COLUMN origin TEXT NOT NULL DEFAULT 'manual';
`

// Migrate applies every migration newer than the recorded schema
// version, each in its own transaction.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("migrate: db is nil")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			return fmt.Errorf("migrate: version %d listed after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	log := logging.Component("db")
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		log.DebugCtx("applied migration", map[string]any{
			"version":     m.Version,
			"description": m.Description,
		})
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.Version, err)
	}
	return tx.Commit()
}

// CurrentVersion returns the highest applied migration, 0 for a fresh
// database.
func CurrentVersion(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("current version: db is nil")
	}
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
