package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Config describes how to reach the backing SQL database.
type Config struct {
	Driver      string
	DSN         string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpen <= 0 {
		c.MaxOpen = 10
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	return c
}

// normalizeDriver maps the assorted spellings operators use for a given
// database into the one driver name actually registered with
// database/sql.
func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "sqlite2":
		return "sqlite"
	case "libsql", "turso":
		return "libsql"
	case "postgres", "pgsql", "postgresql", "pgx":
		return "pgx"
	case "mysql", "mariadb":
		return "mysql"
	case "mssql", "sqlserver":
		return "sqlserver"
	default:
		return strings.ToLower(driver)
	}
}

// isPositionalPlaceholder reports whether the normalized driver expects
// "$1, $2, ..." style placeholders instead of "?".
func isPositionalPlaceholder(driver string) bool {
	return driver == "pgx"
}

// rebind rewrites a query written with "?" placeholders into whatever
// style the target dialect requires, so every query the repository issues
// goes through one placeholder translation instead of per-dialect copies.
func rebind(driver, query string) string {
	if !isPositionalPlaceholder(driver) {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects to the database described by cfg and verifies
// connectivity. The returned *sql.DB is pooled per cfg's tuning knobs.
func Open(cfg Config) (*sql.DB, string, error) {
	cfg = cfg.withDefaults()
	driver := normalizeDriver(cfg.Driver)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, driver, fmt.Errorf("repository: open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, driver, fmt.Errorf("repository: enable foreign_keys: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, driver, fmt.Errorf("repository: enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, driver, fmt.Errorf("repository: set busy_timeout: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, driver, fmt.Errorf("repository: ping %s: %w", driver, err)
	}

	return db, driver, nil
}
