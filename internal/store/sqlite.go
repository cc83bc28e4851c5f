package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/trace"
)

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

// SQLite has no native timestamp type; times are unix milliseconds so comparisons stay numeric.
func (sqliteDialect) encodeTime(t time.Time) any { return t.UnixMilli() }

func (sqliteDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
}

// NewSQLite opens the embedded store at path (":memory:" for an ephemeral database).
// All access goes through one connection so SQLite serializes writers and every
// conditional update sees the previous one's result.
func NewSQLite(ctx context.Context, path string, tracer trace.Tracer) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	d := sqliteDialect{}
	if err := runMigrations(db, d, false); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLStore(db, d, tracer), nil
}
