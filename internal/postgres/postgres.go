// Package postgres owns the connection pool and the embedded schema
// migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/taskwire/taskwire-server/internal/config"
	"github.com/taskwire/taskwire-server/internal/postgres/migrations"
)

// pingTimeout bounds the startup liveness check so a wedged database fails
// fast instead of stalling boot.
const pingTimeout = 5 * time.Second

// Connect builds the pgx pool from the configured DSN and pool bounds, pings
// it, and applies pending migrations when RUN_MIGRATIONS is enabled.
func Connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pc.MaxConns = int32(cfg.DatabaseMaxConn)
	pc.MinConns = int32(cfg.DatabaseMinConn)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := migrate(cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info().Msg("Database migrations complete")
	}

	return pool, nil
}

// migrate applies pending goose migrations from the embedded SQL files. It
// opens its own database/sql handle since goose does not speak pgxpool.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// gooseLogger adapts zerolog to the goose.Logger interface.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) { log.Error().Msgf(format, v...) }
func (gooseLogger) Printf(format string, v ...any) { log.Info().Msgf(format, v...) }
