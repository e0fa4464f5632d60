package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the global connection pool. Connect it once at application startup.
var DB *pgxpool.Pool

// Connect opens the global pgx pool against the given DSN and verifies the
// connection with a short ping.
func Connect(ctx context.Context, dsn string) error {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("unable to parse pgx config: %w", err)
	}

	DB, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := DB.Ping(pingCtx); err != nil {
		return fmt.Errorf("db ping error: %w", err)
	}
	return nil
}

// Close releases the global pool, if connected.
func Close() {
	if DB != nil {
		DB.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id            text PRIMARY KEY,
	status        text NOT NULL,
	players       jsonb NOT NULL,
	current_round integer NOT NULL DEFAULT 0,
	total_rounds  integer NOT NULL DEFAULT 10,
	revealed_card integer,
	organizer     text NOT NULL,
	winner        text,
	passcode_hash text,
	version       bigint NOT NULL DEFAULT 1
)`

// EnsureSchema creates the games table if it does not exist yet.
func EnsureSchema(ctx context.Context) error {
	if _, err := DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
