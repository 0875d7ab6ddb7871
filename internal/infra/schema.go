package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		cookies_json TEXT NOT NULL,
		account_key TEXT,
		active_generations INT NOT NULL DEFAULT 0,
		daily_generations INT NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		last_used_date TEXT,
		disabled BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_account_key_unique
		ON accounts(account_key) WHERE account_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS generation_jobs (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id BIGINT NOT NULL,
		chat_id BIGINT NOT NULL,
		prompt TEXT NOT NULL,
		orientation TEXT,
		frames INT NOT NULL,
		size TEXT NOT NULL,
		image BYTEA,
		status TEXT NOT NULL,
		progress DOUBLE PRECISION,
		result_url TEXT,
		error_message TEXT,
		notify_handle BIGINT,
		task_id TEXT,
		account_id BIGINT,
		poll_interval_ms BIGINT NOT NULL DEFAULT 3000,
		timeout_ms BIGINT NOT NULL DEFAULT 900000,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_event TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_jobs_user ON generation_jobs(user_id)`,
}

// EnsureSchema creates the tables and indexes the service depends on.
// Statements are idempotent so startup can run them unconditionally.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
