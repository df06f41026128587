package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/keygate/pkg/models"
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health reports whether the backing database is reachable.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// QuotaExhaustedError reports that an atomic consume found no headroom
// on one of a key's counters.
type QuotaExhaustedError struct {
	KeyID     string
	QuotaType models.QuotaType
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted: key=%s type=%s", e.KeyID, e.QuotaType)
}

// Provider keys

// CreateProviderKey creates a key and its quota counters in one transaction.
func (r *Repository) CreateProviderKey(ctx context.Context, key *models.ProviderKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.Status == "" {
		key.Status = models.KeyStatusActive
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO provider_keys (id, name, account, provider, encrypted_key, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		key.ID, key.Name, key.Account, key.Provider, key.EncryptedKey,
		key.Status, key.Priority,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider key: %w", err)
	}

	now := time.Now()
	for i := range key.Counters {
		c := &key.Counters[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.KeyID = key.ID
		if c.ResetAt.IsZero() {
			c.ResetAt = now.Add(c.QuotaType.Window())
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO quota_counters (id, key_id, quota_type, limit_value, used, reset_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ID, c.KeyID, c.QuotaType, c.Limit, c.Used, c.ResetAt)
		if err != nil {
			return fmt.Errorf("failed to create quota counter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// GetProviderKey retrieves a key with its counters.
func (r *Repository) GetProviderKey(ctx context.Context, id string) (*models.ProviderKey, error) {
	var key models.ProviderKey

	query := `
		SELECT id, name, account, provider, encrypted_key, status, priority,
		       last_used_at, created_at, updated_at
		FROM provider_keys
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&key.ID, &key.Name, &key.Account, &key.Provider, &key.EncryptedKey,
		&key.Status, &key.Priority, &key.LastUsedAt, &key.CreatedAt, &key.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider key: %w", err)
	}

	counters, err := r.getCounters(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	key.Counters = counters

	return &key, nil
}

// ListProviderKeys retrieves all keys, optionally filtered by provider.
func (r *Repository) ListProviderKeys(ctx context.Context, provider string) ([]*models.ProviderKey, error) {
	query := `
		SELECT id, name, account, provider, encrypted_key, status, priority,
		       last_used_at, created_at, updated_at
		FROM provider_keys
		WHERE ($1 = '' OR provider = $1)
		ORDER BY provider, priority, name
	`

	rows, err := r.db.Pool.Query(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.ProviderKey
	for rows.Next() {
		var key models.ProviderKey
		err := rows.Scan(
			&key.ID, &key.Name, &key.Account, &key.Provider, &key.EncryptedKey,
			&key.Status, &key.Priority, &key.LastUsedAt, &key.CreatedAt, &key.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider key: %w", err)
		}
		keys = append(keys, &key)
	}

	for _, key := range keys {
		counters, err := r.getCounters(ctx, key.ID)
		if err != nil {
			return nil, err
		}
		key.Counters = counters
	}

	return keys, nil
}

// ListEligibleKeys returns active keys for a provider whose counters all
// admit n more units, ordered by priority then least-recently-used. Status
// is only a pre-filter; eligibility is derived from the counters here.
func (r *Repository) ListEligibleKeys(ctx context.Context, provider string, n int64, limit int) ([]*models.ProviderKey, error) {
	query := `
		SELECT k.id, k.name, k.account, k.provider, k.encrypted_key, k.status,
		       k.priority, k.last_used_at, k.created_at, k.updated_at
		FROM provider_keys k
		WHERE k.provider = $1
		  AND k.status = 'active'
		  AND NOT EXISTS (
			SELECT 1 FROM quota_counters c
			WHERE c.key_id = k.id
			  AND c.limit_value > 0
			  AND c.used + $2 > c.limit_value
		  )
		ORDER BY k.priority ASC, k.last_used_at ASC NULLS FIRST
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, provider, n, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.ProviderKey
	for rows.Next() {
		var key models.ProviderKey
		err := rows.Scan(
			&key.ID, &key.Name, &key.Account, &key.Provider, &key.EncryptedKey,
			&key.Status, &key.Priority, &key.LastUsedAt, &key.CreatedAt, &key.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan eligible key: %w", err)
		}
		keys = append(keys, &key)
	}

	for _, key := range keys {
		counters, err := r.getCounters(ctx, key.ID)
		if err != nil {
			return nil, err
		}
		key.Counters = counters
	}

	return keys, nil
}

func (r *Repository) getCounters(ctx context.Context, keyID string) ([]models.QuotaCounter, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, key_id, quota_type, limit_value, used, reset_at, updated_at
		FROM quota_counters
		WHERE key_id = $1
		ORDER BY quota_type
	`, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota counters: %w", err)
	}
	defer rows.Close()

	var counters []models.QuotaCounter
	for rows.Next() {
		var c models.QuotaCounter
		err := rows.Scan(&c.ID, &c.KeyID, &c.QuotaType, &c.Limit, &c.Used, &c.ResetAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota counter: %w", err)
		}
		counters = append(counters, c)
	}

	return counters, nil
}

// ConsumeKeyQuota atomically consumes from a key's counters. Each consume is
// a single conditional UPDATE so two concurrent callers can never both take
// the last unit. All counters succeed or none do.
func (r *Repository) ConsumeKeyQuota(ctx context.Context, keyID string, amounts map[models.QuotaType]int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for quotaType, amount := range amounts {
		if amount <= 0 {
			continue
		}

		tag, err := tx.Exec(ctx, `
			UPDATE quota_counters
			SET used = used + $1, updated_at = now()
			WHERE key_id = $2 AND quota_type = $3
			  AND (limit_value = 0 OR used + $1 <= limit_value)
		`, amount, keyID, quotaType)
		if err != nil {
			return fmt.Errorf("failed to consume quota: %w", err)
		}

		if tag.RowsAffected() == 0 {
			// Distinguish a missing counter (nothing to enforce) from an
			// exhausted one.
			var exists bool
			err := tx.QueryRow(ctx, `
				SELECT true FROM quota_counters WHERE key_id = $1 AND quota_type = $2
			`, keyID, quotaType).Scan(&exists)
			if err == pgx.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to check quota counter: %w", err)
			}
			return &QuotaExhaustedError{KeyID: keyID, QuotaType: quotaType}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// UpdateKeyStatus updates the advisory status cache of a key.
func (r *Repository) UpdateKeyStatus(ctx context.Context, keyID, status string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE provider_keys SET status = $2, updated_at = now() WHERE id = $1
	`, keyID, status)
	if err != nil {
		return fmt.Errorf("failed to update key status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchKeyLastUsed records that a key served a request just now.
func (r *Repository) TouchKeyLastUsed(ctx context.Context, keyID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE provider_keys SET last_used_at = now(), updated_at = now() WHERE id = $1
	`, keyID)
	if err != nil {
		return fmt.Errorf("failed to touch key: %w", err)
	}
	return nil
}

// ResetElapsedCounters performs the lazy reset pass: every counter whose
// window has elapsed gets a fresh window. Running it twice is a no-op since
// the predicate no longer matches after the first reset.
func (r *Repository) ResetElapsedCounters(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE quota_counters
		SET used = 0,
		    reset_at = now() + CASE quota_type
			WHEN 'monthly' THEN INTERVAL '30 days'
			WHEN 'daily' THEN INTERVAL '24 hours'
			WHEN 'per_minute' THEN INTERVAL '1 minute'
			ELSE INTERVAL '30 days'
		    END,
		    updated_at = now()
		WHERE reset_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset elapsed counters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReactivateRecoveredKeys flips quota_exceeded keys back to active once none
// of their counters are exhausted anymore.
func (r *Repository) ReactivateRecoveredKeys(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE provider_keys k
		SET status = 'active', updated_at = now()
		WHERE k.status = 'quota_exceeded'
		  AND NOT EXISTS (
			SELECT 1 FROM quota_counters c
			WHERE c.key_id = k.id
			  AND c.limit_value > 0
			  AND c.used >= c.limit_value
		  )
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reactivate keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendRotationEvent writes an immutable rotation log entry.
func (r *Repository) AppendRotationEvent(ctx context.Context, event *models.RotationEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO rotation_events (id, from_key_id, to_key_id, reason, actor)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, event.ID, event.FromKeyID, event.ToKeyID, event.Reason, event.Actor).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append rotation event: %w", err)
	}

	return nil
}
