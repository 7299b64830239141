package postgres

import (
	"context"
	"fmt"
)

// schema statements are idempotent; EnsureSchema runs them at service
// start so a fresh database comes up without an out-of-band migration
// step.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		public_key TEXT,
		private_key TEXT,
		setup_complete BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		username TEXT NOT NULL,
		cluster TEXT NOT NULL,
		ide TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		release TEXT NOT NULL DEFAULT '',
		gpu TEXT NOT NULL DEFAULT '',
		cpus INT NOT NULL DEFAULT 0,
		memory TEXT NOT NULL DEFAULT '',
		walltime TEXT NOT NULL DEFAULT '',
		end_reason TEXT NOT NULL DEFAULT '',
		features JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS session_events_user_idx ON session_events (username, occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS session_events_occurred_idx ON session_events (occurred_at)`,
}

// EnsureSchema creates the tables this service needs when missing.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, q := range schema {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
		}
	}
	return nil
}
