package database

import (
	"context"
	"fmt"
)

// EnsureSchema creates the required tables if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			api_key TEXT UNIQUE,
			role TEXT NOT NULL DEFAULT 'user',
			tier TEXT NOT NULL DEFAULT 'free',
			monthly_limit BIGINT NOT NULL DEFAULT 0,
			used_this_period BIGINT NOT NULL DEFAULT 0,
			quota_reset_at TIMESTAMPTZ NOT NULL DEFAULT now() + INTERVAL '30 days',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS provider_keys (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			encrypted_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			priority INT NOT NULL DEFAULT 100,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_provider_keys_provider_status
			ON provider_keys (provider, status, priority);

		CREATE TABLE IF NOT EXISTS quota_counters (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL REFERENCES provider_keys(id) ON DELETE CASCADE,
			quota_type TEXT NOT NULL,
			limit_value BIGINT NOT NULL DEFAULT 0,
			used BIGINT NOT NULL DEFAULT 0,
			reset_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (key_id, quota_type)
		);
		CREATE INDEX IF NOT EXISTS idx_quota_counters_reset_at
			ON quota_counters (reset_at);

		CREATE TABLE IF NOT EXISTS rotation_events (
			id TEXT PRIMARY KEY,
			from_key_id TEXT REFERENCES provider_keys(id),
			to_key_id TEXT REFERENCES provider_keys(id),
			reason TEXT NOT NULL,
			actor TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_rotation_events_created_at
			ON rotation_events (created_at);

		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL REFERENCES provider_keys(id),
			user_id TEXT REFERENCES users(id),
			model TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost_cents BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_key_created
			ON usage_records (key_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_usage_records_created_at
			ON usage_records (created_at);
	`

	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}
