package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect of the backing SQL engine
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
	dialect Dialect
}

// Open connects to the backing store named by dsn. Supported schemes:
// sqlite://path, file://path, a bare path (SQLite), postgres:// and postgresql://.
func Open(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	if !strings.Contains(dsn, "://") {
		return New(strings.TrimPrefix(dsn, "file:"))
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "sqlite", "sqlite3", "file":
		path := parsed.Host + parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return New(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", parsed.Scheme)
	}
}

// New creates a new SQLite database connection
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL, foreign keys for cascading sweeps, and immediate transactions so
	// conditional writes queue on the busy timeout instead of failing on lock upgrade
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: db, dialect: DialectSQLite}, nil
}

// NewPostgres creates a new Postgres database connection
func NewPostgres(dsn string) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", classify(err))
	}
	return &DB{DB: db, dialect: DialectPostgres}, nil
}

// Dialect returns the SQL dialect in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if db.dialect == DialectPostgres {
		schema = postgresSchema
	}
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", classify(err))
	}
	return nil
}
