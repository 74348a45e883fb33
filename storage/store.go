package storage

import (
	"context"
	"database/sql"

	"heatpump/server/internal/db"
)

// DefaultChunkSize is the number of buffered statements flushed per round trip.
const DefaultChunkSize = 25

// Config selects and tunes the database backend.
type Config struct {
	Driver              string
	Path                string
	DSN                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetimeSecs int
	ChunkSize           int
}

// Open returns the Store for the configured backend with its schema applied.
func Open(cfg Config) (Store, error) {
	dc, err := db.Choose(cfg.Driver, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, err
	}
	cfg.DSN = dc.DSN

	switch dc.Backend {
	case db.BackendPostgres:
		return NewPostgresStore(cfg)
	default:
		return NewSQLiteStore(dc.DSN, cfg.ChunkSize)
	}
}

// BaseStore provides the database operations shared by SQLite and PostgreSQL.
//
// Queries are written with SQLite style ? placeholders and converted at
// execution time when the dialect is PostgreSQL.
type BaseStore struct {
	db        *sql.DB
	dialect   Dialect
	chunkSize int

	// flushHook, when set, runs before each chunk of a batch is executed.
	// Tests use it to inject a failure at a chosen chunk index.
	flushHook func(chunk int) error
}

func newBaseStore(conn *sql.DB, dialect Dialect, chunkSize int) BaseStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return BaseStore{db: conn, dialect: dialect, chunkSize: chunkSize}
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// PingContext verifies the database is reachable.
func (s *BaseStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}
