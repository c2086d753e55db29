// Package postgres is the durable providers.Store. Every completion stage runs
// in one transaction that locks rows in a fixed order: the completion event,
// then reward pools by tier id, then the account.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements providers.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ providers.Store = (*Store)(nil)

// New connects a pool and, when configured, applies pending migrations.
func New(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigError, "failed to parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnavailable, "failed to create postgres pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrUnavailable, "failed to ping postgres")
	}

	logger.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("database", poolConfig.ConnConfig.Database).
		Msg("Connected to PostgreSQL")

	if cfg.RunMigrations {
		if err := Migrate(cfg.DSN, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies all pending migrations.
func Migrate(dsn string, logger zerolog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrPersistenceFailure, "failed to open database for migrations")
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, errors.ErrPersistenceFailure, "failed to set goose dialect")
	}

	logger.Info().Msg("Running PostgreSQL migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, errors.ErrPersistenceFailure, "failed to run migrations")
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return translate(err, "ping")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// inTx runs fn in a read-committed transaction. Row locks taken by fn give
// the isolation each stage needs.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(err, op)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return translate(err, op)
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(err, fmt.Sprintf("%s commit", op))
	}
	return nil
}
