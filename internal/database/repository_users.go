package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/keygate/pkg/models"
)

// Users and per-user premium quota.

// CreateUser creates a new user record with the allowance of its tier.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = models.UserRoleUser
	}
	if user.Tier == "" {
		user.Tier = models.TierFree
	}
	if user.MonthlyLimit == 0 {
		user.MonthlyLimit = models.GetTierQuota(user.Tier).MonthlyLimit
	}

	query := `
		INSERT INTO users (id, email, password_hash, api_key, role, tier, monthly_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING used_this_period, quota_reset_at, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.APIKey,
		user.Role, user.Tier, user.MonthlyLimit, user.IsActive,
	).Scan(&user.UsedThisPeriod, &user.QuotaResetAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

const userColumns = `
	id, email, password_hash, api_key, role, tier, monthly_limit,
	used_this_period, quota_reset_at, is_active, created_at, updated_at
`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.APIKey, &user.Role,
		&user.Tier, &user.MonthlyLimit, &user.UsedThisPeriod, &user.QuotaResetAt,
		&user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// ValidateAPIKey looks up an active user by API key.
func (r *Repository) ValidateAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key = $1 AND is_active = true`, apiKey)
	return scanUser(row)
}

// LazyResetUserQuota resets a user's period counter if the window has
// elapsed. Safe to call before every check: the predicate stops matching
// once the window is fresh, so repeated calls are no-ops.
func (r *Repository) LazyResetUserQuota(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE users
		SET used_this_period = 0,
		    quota_reset_at = now() + INTERVAL '30 days',
		    updated_at = now()
		WHERE id = $1 AND quota_reset_at <= now()
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset user quota: %w", err)
	}
	return nil
}

// ConsumePremiumRequest takes one unit of the user's monthly allowance.
// The check and the increment are a single conditional UPDATE, so N
// concurrent callers racing for R remaining units succeed exactly R times.
// Returns the post-increment user state, or ErrNotFound when there was no
// headroom (callers fetch the row separately for error detail).
func (r *Repository) ConsumePremiumRequest(ctx context.Context, userID string) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx, `
		UPDATE users
		SET used_this_period = used_this_period + 1, updated_at = now()
		WHERE id = $1 AND used_this_period < monthly_limit
		RETURNING `+userColumns, userID)
	return scanUser(row)
}

// ConsumeUnmetered increments the period counter without a limit check.
// Used for unlimited tiers, where usage is tracked for billing but never
// gates admission.
func (r *Repository) ConsumeUnmetered(ctx context.Context, userID string) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx, `
		UPDATE users
		SET used_this_period = used_this_period + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns, userID)
	return scanUser(row)
}

// ApplyTierChange switches a user's tier, installs the new allowance and
// opens a fresh billing period.
func (r *Repository) ApplyTierChange(ctx context.Context, userID string, tier models.Tier, monthlyLimit int64) (*models.User, error) {
	row := r.db.Pool.QueryRow(ctx, `
		UPDATE users
		SET tier = $2,
		    monthly_limit = $3,
		    used_this_period = 0,
		    quota_reset_at = now() + INTERVAL '30 days',
		    updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns, userID, tier, monthlyLimit)
	return scanUser(row)
}

// ResetElapsedUserQuotas is the batch form of LazyResetUserQuota, run by the
// scheduled sweep so idle users still get a fresh allowance on time.
func (r *Repository) ResetElapsedUserQuotas(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users
		SET used_this_period = 0,
		    quota_reset_at = now() + INTERVAL '30 days',
		    updated_at = now()
		WHERE quota_reset_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset elapsed user quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}
