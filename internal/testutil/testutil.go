// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "exec"),
		getEnv("POSTGRES_PASSWORD", "exec"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "execution_core"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// ensureSchema creates the service tables so integration tests run
// against an empty database.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id        text PRIMARY KEY,
			account_id      text NOT NULL,
			broker_id       text NOT NULL,
			instrument      text NOT NULL,
			side            text NOT NULL,
			type            text NOT NULL,
			limit_price     numeric,
			quantity        numeric NOT NULL,
			filled_quantity numeric NOT NULL DEFAULT 0,
			time_in_force   text NOT NULL,
			status          text NOT NULL,
			attempt_count   int NOT NULL DEFAULT 0,
			broker_ref      text NOT NULL DEFAULT '',
			last_error      text NOT NULL DEFAULT '',
			created_at      timestamptz NOT NULL DEFAULT now(),
			updated_at      timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS orders_account_created_idx ON orders (account_id, created_at, order_id)`,
		`CREATE TABLE IF NOT EXISTS broker_credentials (
			account_id  text NOT NULL,
			broker_id   text NOT NULL,
			ciphertext  bytea NOT NULL,
			key_version int NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			rotated_at  timestamptz NOT NULL,
			PRIMARY KEY (account_id, broker_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id         uuid PRIMARY KEY,
			order_id   text NOT NULL DEFAULT '',
			account_id text NOT NULL DEFAULT '',
			broker_id  text NOT NULL DEFAULT '',
			event      text NOT NULL,
			actor      text NOT NULL DEFAULT '',
			detail     text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_entries_order_idx ON audit_entries (order_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM audit_entries",
		"DELETE FROM broker_credentials",
		"DELETE FROM orders",
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
