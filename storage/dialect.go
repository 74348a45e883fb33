package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences so the same
// queries run against SQLite and PostgreSQL.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	// SQLite uses ?, PostgreSQL uses $1, $2, etc.
	Placeholder(index int) string

	// AutoIncrement returns the column definition for auto-incrementing primary keys.
	AutoIncrement() string

	// RealType returns the column type for double precision values.
	RealType() string

	// BigIntType returns the column type for 64-bit integers.
	BigIntType() string

	// UpsertConflict returns "ON CONFLICT (cols) DO UPDATE SET".
	UpsertConflict(conflictColumns []string) string

	// IgnoreConflict returns the clause that turns an insert into insert-or-ignore.
	IgnoreConflict(conflictColumns []string) string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return "?"
}

func (d *SQLiteDialect) AutoIncrement() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *SQLiteDialect) RealType() string {
	return "REAL"
}

func (d *SQLiteDialect) BigIntType() string {
	return "INTEGER"
}

func (d *SQLiteDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *SQLiteDialect) IgnoreConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", strings.Join(conflictColumns, ", "))
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) AutoIncrement() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (d *PostgresDialect) RealType() string {
	return "DOUBLE PRECISION"
}

func (d *PostgresDialect) BigIntType() string {
	return "BIGINT"
}

func (d *PostgresDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *PostgresDialect) IgnoreConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictColumns, ", "))
}

// ConvertPlaceholders converts SQLite-style ? placeholders to PostgreSQL-style
// $n placeholders. Question marks inside single-quoted literals are left alone.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			result.WriteByte(c)
		case c == '?' && !inQuote:
			fmt.Fprintf(&result, "$%d", n)
			n++
		default:
			result.WriteByte(c)
		}
	}
	return result.String()
}

// PlaceholderSet generates a comma-separated list of ? placeholders for IN
// clauses. Queries are written SQLite style and converted at execution time.
func PlaceholderSet(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}
