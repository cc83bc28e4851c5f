package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
)

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) encodeTime(t time.Time) any { return t }

func (postgresDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
}

// NewPostgres creates a pooled connection to Postgres and applies migrations.
func NewPostgres(ctx context.Context, dsn string, tracer trace.Tracer) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newPostgresFromPool(pool, tracer)
}

func newPostgresFromPool(pool *pgxpool.Pool, tracer trace.Tracer) (*SQLStore, error) {
	d := postgresDialect{}
	// The migrate driver pins a connection until closed, so it gets its own handle.
	if err := runMigrations(stdlib.OpenDBFromPool(pool), d, true); err != nil {
		pool.Close()
		return nil, err
	}
	return newSQLStore(stdlib.OpenDBFromPool(pool), d, tracer, pool.Close), nil
}
