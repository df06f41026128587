package userquota

import (
	"context"
	"errors"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
	"github.com/docflow/keygate/internal/tracing"
	"github.com/docflow/keygate/pkg/models"
)

// Store is the persistence surface the tracker needs. The consume methods
// must be atomic: the limit check and the increment happen in one statement.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	LazyResetUserQuota(ctx context.Context, userID string) error
	ConsumePremiumRequest(ctx context.Context, userID string) (*models.User, error)
	ConsumeUnmetered(ctx context.Context, userID string) (*models.User, error)
	ApplyTierChange(ctx context.Context, userID string, tier models.Tier, monthlyLimit int64) (*models.User, error)
}

// Tracker enforces the per-user monthly premium allowance.
type Tracker struct {
	store  Store
	logger *logging.Logger
}

// NewTracker creates a new user quota tracker.
func NewTracker(store Store, logger *logging.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// CheckQuota admits or denies one premium request for a user. The reset
// check runs first so a user idle into a new period still gets a fresh
// allowance. On success the usage counter has already been incremented.
func (t *Tracker) CheckQuota(ctx context.Context, userID string) (*models.QuotaInfo, error) {
	span, ctx := tracing.StartSpan(ctx, "userquota.CheckQuota")
	defer tracing.FinishSpan(span)

	if err := t.store.LazyResetUserQuota(ctx, userID); err != nil {
		return nil, err
	}

	user, err := t.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	tierQuota := models.GetTierQuota(user.Tier)

	// Unlimited tiers consume for billing but never gate admission.
	if tierQuota.Unlimited {
		updated, err := t.store.ConsumeUnmetered(ctx, userID)
		if err != nil {
			return nil, err
		}
		metrics.RecordQuotaCheck("allowed")
		return quotaInfo(updated, true), nil
	}

	// A zero allowance on a metered tier means no premium access at all.
	if user.MonthlyLimit == 0 {
		metrics.RecordQuotaCheck("denied")
		metrics.RecordQuotaDenial("no_premium_access")
		return nil, ErrNoPremiumAccess
	}

	updated, err := t.store.ConsumePremiumRequest(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		// No headroom. Re-read for the denial detail; the counter itself
		// was never pushed past the limit.
		current, getErr := t.store.GetUserByID(ctx, userID)
		if getErr != nil {
			return nil, getErr
		}
		metrics.RecordQuotaCheck("denied")
		metrics.RecordQuotaDenial("quota_exceeded")
		if t.logger != nil {
			t.logger.LogQuotaEvent(userID, "", "denied", current.UsedThisPeriod, current.MonthlyLimit)
		}
		return nil, &QuotaExceededError{
			Limit:   current.MonthlyLimit,
			Used:    current.UsedThisPeriod,
			ResetAt: current.QuotaResetAt,
		}
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordQuotaCheck("allowed")
	return quotaInfo(updated, false), nil
}

// GetQuotaInfo reports the user's current quota without consuming from it.
// Used by status endpoints; runs the lazy reset so the view is not stale
// across a period boundary.
func (t *Tracker) GetQuotaInfo(ctx context.Context, userID string) (*models.QuotaInfo, error) {
	if err := t.store.LazyResetUserQuota(ctx, userID); err != nil {
		return nil, err
	}

	user, err := t.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return quotaInfo(user, models.GetTierQuota(user.Tier).Unlimited), nil
}

// IsNearLimit reports whether the user has crossed the 80% warning
// threshold. Plain read, tolerates staleness.
func (t *Tracker) IsNearLimit(ctx context.Context, userID string) (bool, error) {
	user, err := t.store.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.IsNearLimit(), nil
}

// Upgrade applies a tier change: new allowance, zeroed usage and a fresh
// billing period. Repeating it resets the counter again, so callers must
// invoke it on explicit subscription changes only.
func (t *Tracker) Upgrade(ctx context.Context, userID string, newTier models.Tier) (*models.QuotaInfo, error) {
	if !newTier.Valid() {
		return nil, ErrUnknownTier
	}

	tierQuota := models.GetTierQuota(newTier)
	user, err := t.store.ApplyTierChange(ctx, userID, newTier, tierQuota.MonthlyLimit)
	if err != nil {
		return nil, err
	}

	metrics.TierUpgradesTotal.WithLabelValues(string(newTier)).Inc()
	if t.logger != nil {
		t.logger.WithUserID(userID).Infof("tier changed to %s, allowance %d", newTier, user.MonthlyLimit)
	}

	return quotaInfo(user, tierQuota.Unlimited), nil
}

func quotaInfo(user *models.User, unlimited bool) *models.QuotaInfo {
	info := &models.QuotaInfo{
		Tier:      user.Tier,
		Limit:     user.MonthlyLimit,
		Used:      user.UsedThisPeriod,
		Unlimited: unlimited,
		ResetAt:   user.QuotaResetAt,
		State:     user.QuotaState(),
	}
	if !unlimited {
		info.Remaining = user.MonthlyLimit - user.UsedThisPeriod
		if info.Remaining < 0 {
			info.Remaining = 0
		}
	}
	return info
}
