package ledger

import (
	"context"
	"time"

	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
	"github.com/docflow/keygate/pkg/models"
)

// Store persists usage records.
type Store interface {
	CreateUsageRecord(ctx context.Context, record *models.UsageRecord) error
}

// Alerter is notified when a record could not be persisted.
type Alerter interface {
	AccountingFailed(ctx context.Context, record *models.UsageRecord, cause error)
}

// Ledger is the append-only usage log. A write failure never propagates to
// the caller whose upstream call already succeeded; it raises an alert for
// reconciliation instead.
type Ledger struct {
	store   Store
	alerter Alerter
	logger  *logging.Logger
}

// New creates the usage ledger. alerter may be nil in tests.
func New(store Store, alerter Alerter, logger *logging.Logger) *Ledger {
	return &Ledger{store: store, alerter: alerter, logger: logger}
}

// Record appends one usage record. Calls against free providers are kept
// for the statistics but never carry a cost.
func (l *Ledger) Record(ctx context.Context, provider string, record *models.UsageRecord) {
	if models.IsFreeProvider(provider) {
		record.CostCents = 0
	}

	latency := time.Duration(record.LatencyMs) * time.Millisecond
	metrics.RecordUsage(provider, record.Status, latency.Seconds())

	if err := l.store.CreateUsageRecord(ctx, record); err != nil {
		metrics.UsageRecordFailures.Inc()
		if l.logger != nil {
			l.logger.WithKeyID(record.KeyID).ErrorWithErr("usage record write failed", err)
		}
		if l.alerter != nil {
			l.alerter.AccountingFailed(ctx, record, err)
		}
		return
	}

	if l.logger != nil {
		l.logger.LogUpstreamCall(record.KeyID, record.Model, record.Status,
			record.InputTokens, record.OutputTokens, latency)
	}
}
