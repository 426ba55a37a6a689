package repository

import (
	"database/sql"
	"fmt"
)

// Migration is one forward/backward schema step, tracked by version
// number in the schema_version table.
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error
}

// Migrator applies and tracks Migrations against a single *sql.DB.
type Migrator struct {
	db         *sql.DB
	driver     string
	migrations []Migration
}

func NewMigrator(db *sql.DB, driver string) *Migrator {
	m := &Migrator{db: db, driver: driver}
	m.Register(schedulerMigrations()...)
	return m
}

func (m *Migrator) Register(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`)
	return err
}

func (m *Migrator) currentVersion() (int, error) {
	if err := m.ensureVersionTable(); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	err := m.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Migrate applies every registered migration newer than the current
// schema version, in order, each inside its own transaction.
func (m *Migrator) Migrate() error {
	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("repository: read schema version: %w", err)
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("repository: begin migration %d: %w", mig.Version, err)
		}
		if err := mig.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("repository: apply migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, mig.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("repository: record migration %d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("repository: commit migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// schedulerMigrations defines the on-disk schema for schedule/
// schedule_run/schedule_log/master_lock. Column types lean on portable
// SQL (TEXT/TIMESTAMP/BOOLEAN/INTEGER) that every supported dialect
// accepts without per-driver branching.
func schedulerMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create schedule, schedule_run, schedule_log, master_lock tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS schedule (
						name TEXT PRIMARY KEY,
						overridden_cron TEXT,
						active BOOLEAN NOT NULL DEFAULT 1,
						run_once BOOLEAN NOT NULL DEFAULT 0,
						next_run TIMESTAMP,
						last_updated TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS schedule_run (
						run_id TEXT PRIMARY KEY,
						schedule_name TEXT NOT NULL,
						hostname TEXT NOT NULL,
						status TEXT NOT NULL,
						status_msg TEXT NOT NULL,
						status_stacktrace TEXT,
						run_start TIMESTAMP NOT NULL,
						status_time TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_schedule_run_name ON schedule_run(schedule_name, run_start)`,
					`CREATE TABLE IF NOT EXISTS schedule_log (
						log_id TEXT PRIMARY KEY,
						run_id TEXT NOT NULL,
						log_time TIMESTAMP NOT NULL,
						message TEXT NOT NULL,
						stacktrace TEXT
					)`,
					`CREATE INDEX IF NOT EXISTS idx_schedule_log_run ON schedule_log(run_id)`,
					`CREATE TABLE IF NOT EXISTS master_lock (
						lock_name TEXT PRIMARY KEY,
						node_name TEXT NOT NULL,
						lock_taken_time TIMESTAMP NOT NULL,
						lock_last_updated_time TIMESTAMP NOT NULL
					)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				stmts := []string{
					`DROP TABLE IF EXISTS schedule_log`,
					`DROP TABLE IF EXISTS schedule_run`,
					`DROP TABLE IF EXISTS schedule`,
					`DROP TABLE IF EXISTS master_lock`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
