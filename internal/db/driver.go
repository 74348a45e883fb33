// Package db normalizes the configured database backend into a database/sql
// driver name and DSN.
package db

import (
	"fmt"
	"strings"
)

// Backend identifies which store implementation serves a DriverConfig.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = "heatpump.db"

// DriverConfig contains a normalized driver name and DSN for opening a DB connection.
type DriverConfig struct {
	Backend Backend
	Name    string // driver name registered with database/sql ("sqlite" or "pgx")
	DSN     string
}

// Choose maps the configured driver alias plus path or DSN onto a DriverConfig.
// An empty driver selects SQLite.
func Choose(driver, path, dsn string) (DriverConfig, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3", "modernc", "modernc-sqlite":
		if path == "" {
			path = DefaultSQLitePath
		}
		return DriverConfig{Backend: BackendSQLite, Name: "sqlite", DSN: path}, nil
	case "postgres", "postgresql", "pgx":
		if dsn == "" {
			return DriverConfig{}, fmt.Errorf("database driver %q requires a dsn", driver)
		}
		return DriverConfig{Backend: BackendPostgres, Name: "pgx", DSN: dsn}, nil
	default:
		return DriverConfig{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}
