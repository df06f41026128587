package keypool

import (
	"context"
	"errors"
	"time"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
	"github.com/docflow/keygate/internal/tracing"
	"github.com/docflow/keygate/pkg/models"
)

// Store is the persistence surface the selector needs.
type Store interface {
	ListEligibleKeys(ctx context.Context, provider string, n int64, limit int) ([]*models.ProviderKey, error)
	GetProviderKey(ctx context.Context, id string) (*models.ProviderKey, error)
	ConsumeKeyQuota(ctx context.Context, keyID string, amounts map[models.QuotaType]int64) error
	UpdateKeyStatus(ctx context.Context, keyID, status string) error
	TouchKeyLastUsed(ctx context.Context, keyID string) error
	ResetElapsedCounters(ctx context.Context) (int64, error)
	ReactivateRecoveredKeys(ctx context.Context) (int64, error)
	AppendRotationEvent(ctx context.Context, event *models.RotationEvent) error
}

// RateWindow enforces the shared per-minute budget of a key. Implemented by
// the redis cache so the window is honored across server instances.
type RateWindow interface {
	AllowKeyRequest(ctx context.Context, keyID string, limit int64) (bool, error)
}

// Ledger records upstream call outcomes. Implementations must not fail the
// caller's request on accounting errors.
type Ledger interface {
	Record(ctx context.Context, provider string, record *models.UsageRecord)
}

// Alerter raises operational alerts that need human follow-up.
type Alerter interface {
	PoolExhausted(ctx context.Context, provider string)
}

// Outcome describes the result of an upstream call made with a selected key.
type Outcome struct {
	Status      string // models.UsageStatus* constant
	UserID      string
	Model       string
	Operation   string
	TokensIn    int64
	TokensOut   int64
	CostCents   int64
	Latency     time.Duration
	ErrorDetail string
}

// Service selects provider keys, accounts their consumption and rotates
// away from exhausted or broken credentials.
type Service struct {
	store      Store
	rates      RateWindow
	ledger     Ledger
	alerter    Alerter
	logger     *logging.Logger
	candidates int
}

// NewService creates the key pool service. rates, ledger and alerter may be
// nil in tests; candidates caps how many eligible keys one selection considers.
func NewService(store Store, rates RateWindow, ledger Ledger, alerter Alerter, logger *logging.Logger, candidates int) *Service {
	if candidates <= 0 {
		candidates = 5
	}
	return &Service{
		store:      store,
		rates:      rates,
		ledger:     ledger,
		alerter:    alerter,
		logger:     logger,
		candidates: candidates,
	}
}

// SelectKey picks the best eligible key for a provider: ACTIVE status, all
// counters with headroom, lowest priority rank first, least recently used on
// ties. When no key qualifies it runs one lazy reset pass over elapsed
// counters and retries before giving up with ErrNoKeyAvailable.
func (s *Service) SelectKey(ctx context.Context, provider string) (*models.ProviderKey, error) {
	span, ctx := tracing.StartSpan(ctx, "keypool.SelectKey")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "provider", provider)

	return s.selectKey(ctx, provider, "")
}

// selectKey is SelectKey with an optional key to exclude. Rotation passes
// the failing key's ID so a still-ACTIVE rate-limited key cannot be handed
// back as its own replacement.
func (s *Service) selectKey(ctx context.Context, provider, excludeID string) (*models.ProviderKey, error) {
	key, err := s.pickKey(ctx, provider, excludeID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoKeyAvailable) {
		return nil, err
	}

	// Lazy reset pass: revive counters whose window elapsed without traffic,
	// then re-filter once.
	if _, err := s.store.ResetElapsedCounters(ctx); err != nil {
		return nil, err
	}
	if _, err := s.store.ReactivateRecoveredKeys(ctx); err != nil {
		return nil, err
	}

	key, err = s.pickKey(ctx, provider, excludeID)
	if err != nil {
		if errors.Is(err, ErrNoKeyAvailable) {
			metrics.KeyPoolExhausted.WithLabelValues(provider).Inc()
			if s.alerter != nil {
				s.alerter.PoolExhausted(ctx, provider)
			}
		}
		return nil, err
	}
	return key, nil
}

func (s *Service) pickKey(ctx context.Context, provider, excludeID string) (*models.ProviderKey, error) {
	keys, err := s.store.ListEligibleKeys(ctx, provider, 1, s.candidates)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if key.ID == excludeID {
			continue
		}
		if !s.withinRateWindow(ctx, key) {
			metrics.KeySelectionSkips.WithLabelValues(provider, "rate_limited").Inc()
			continue
		}

		metrics.KeySelections.WithLabelValues(provider).Inc()
		if s.logger != nil {
			s.logger.LogKeySelection(provider, key.ID, key.Priority)
		}
		return key, nil
	}

	return nil, ErrNoKeyAvailable
}

// withinRateWindow consults the shared per-minute window for keys carrying a
// per_minute counter. The counter row holds the limit; the live window lives
// in redis so all instances see the same count.
func (s *Service) withinRateWindow(ctx context.Context, key *models.ProviderKey) bool {
	if s.rates == nil {
		return true
	}
	counter := key.Counter(models.QuotaTypePerMinute)
	if counter == nil || counter.Limit == 0 {
		return true
	}

	allowed, err := s.rates.AllowKeyRequest(ctx, key.ID, counter.Limit)
	if err != nil {
		// A broken rate window must not take the whole pool down.
		if s.logger != nil {
			s.logger.WithKeyID(key.ID).ErrorWithErr("rate window check failed", err)
		}
		return true
	}
	return allowed
}

// ReportOutcome settles an upstream call made with key: it books the
// consumed quota, appends a usage record and, on exhaustion or credential
// failure, rotates to a replacement key. The returned key is the replacement
// after a rotation, or nil when the original key remains usable. Rotation is
// attempted at most once per report; a second failure surfaces
// ErrUpstreamUnavailable.
func (s *Service) ReportOutcome(ctx context.Context, key *models.ProviderKey, outcome Outcome) (*models.ProviderKey, error) {
	span, ctx := tracing.StartSpan(ctx, "keypool.ReportOutcome")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "status", outcome.Status)

	s.recordUsage(ctx, key, outcome)

	switch outcome.Status {
	case models.UsageStatusSuccess:
		return s.settleSuccess(ctx, key, outcome)

	case models.UsageStatusQuotaExceeded:
		if err := s.store.UpdateKeyStatus(ctx, key.ID, models.KeyStatusQuotaExceeded); err != nil {
			return nil, err
		}
		return s.rotate(ctx, key, models.RotationReasonQuotaExceeded)

	case models.UsageStatusKeyError:
		if err := s.store.UpdateKeyStatus(ctx, key.ID, models.KeyStatusRevoked); err != nil {
			return nil, err
		}
		return s.rotate(ctx, key, models.RotationReasonKeyError)

	case models.UsageStatusRateLimited:
		// Transient: the key stays ACTIVE, the request moves to another key.
		return s.rotate(ctx, key, models.RotationReasonQuotaExceeded)

	default:
		return nil, nil
	}
}

// settleSuccess books consumption after a successful call. The key may have
// been exhausted by a concurrent caller between selection and now, so the
// consume is re-validated and a rotation is triggered when it no longer fits.
func (s *Service) settleSuccess(ctx context.Context, key *models.ProviderKey, outcome Outcome) (*models.ProviderKey, error) {
	amounts := map[models.QuotaType]int64{
		models.QuotaTypeMonthly: outcome.TokensIn + outcome.TokensOut,
		models.QuotaTypeDaily:   1,
	}

	err := s.store.ConsumeKeyQuota(ctx, key.ID, amounts)
	if err != nil {
		var exhausted *database.QuotaExhaustedError
		if errors.As(err, &exhausted) {
			if err := s.store.UpdateKeyStatus(ctx, key.ID, models.KeyStatusQuotaExceeded); err != nil {
				return nil, err
			}
			return s.rotate(ctx, key, models.RotationReasonQuotaExceeded)
		}
		return nil, err
	}

	if err := s.store.TouchKeyLastUsed(ctx, key.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

// rotate picks a replacement key and writes the rotation event. The failing
// key is excluded from the re-selection, so the replacement is always a
// different key. The event is written even when no replacement exists, with
// a nil to_key.
func (s *Service) rotate(ctx context.Context, from *models.ProviderKey, reason string) (*models.ProviderKey, error) {
	next, selectErr := s.selectKey(ctx, from.Provider, from.ID)

	event := &models.RotationEvent{
		FromKeyID: &from.ID,
		Reason:    reason,
		Actor:     models.ActorSystem,
	}
	toID := ""
	if next != nil {
		event.ToKeyID = &next.ID
		toID = next.ID
	}
	if err := s.store.AppendRotationEvent(ctx, event); err != nil {
		return nil, err
	}

	metrics.KeyRotations.WithLabelValues(from.Provider, reason).Inc()
	if s.logger != nil {
		s.logger.LogRotation(from.ID, toID, reason, models.ActorSystem)
	}

	if selectErr != nil {
		if errors.Is(selectErr, ErrNoKeyAvailable) {
			return nil, ErrUpstreamUnavailable
		}
		return nil, selectErr
	}
	return next, nil
}

func (s *Service) recordUsage(ctx context.Context, key *models.ProviderKey, outcome Outcome) {
	if s.ledger == nil {
		return
	}

	record := &models.UsageRecord{
		KeyID:        key.ID,
		Model:        outcome.Model,
		Operation:    outcome.Operation,
		InputTokens:  outcome.TokensIn,
		OutputTokens: outcome.TokensOut,
		CostCents:    outcome.CostCents,
		Status:       outcome.Status,
		LatencyMs:    outcome.Latency.Milliseconds(),
	}
	if outcome.UserID != "" {
		userID := outcome.UserID
		record.UserID = &userID
	}
	if outcome.ErrorDetail != "" {
		detail := outcome.ErrorDetail
		record.ErrorDetail = &detail
	}

	s.ledger.Record(ctx, key.Provider, record)
}

// Rotate performs an administrative rotation between two keys without
// requiring a failure.
func (s *Service) Rotate(ctx context.Context, fromKeyID, toKeyID, actor string) error {
	from, err := s.store.GetProviderKey(ctx, fromKeyID)
	if err != nil {
		return err
	}
	to, err := s.store.GetProviderKey(ctx, toKeyID)
	if err != nil {
		return err
	}

	event := &models.RotationEvent{
		FromKeyID: &from.ID,
		ToKeyID:   &to.ID,
		Reason:    models.RotationReasonManual,
		Actor:     models.AdminActor(actor),
	}
	if err := s.store.AppendRotationEvent(ctx, event); err != nil {
		return err
	}

	metrics.KeyRotations.WithLabelValues(from.Provider, models.RotationReasonManual).Inc()
	if s.logger != nil {
		s.logger.LogRotation(from.ID, to.ID, models.RotationReasonManual, event.Actor)
	}
	return nil
}

// Revoke administratively removes a key from selection.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	return s.store.UpdateKeyStatus(ctx, keyID, models.KeyStatusRevoked)
}

// Activate administratively returns a key to the pool.
func (s *Service) Activate(ctx context.Context, keyID string) error {
	return s.store.UpdateKeyStatus(ctx, keyID, models.KeyStatusActive)
}
