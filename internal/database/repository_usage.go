package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/keygate/pkg/models"
)

// Usage ledger and rotation history. Both tables are append-only.

// CreateUsageRecord appends a usage record to the ledger.
func (r *Repository) CreateUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	query := `
		INSERT INTO usage_records (id, key_id, user_id, model, operation,
		                           input_tokens, output_tokens, cost_cents,
		                           status, latency_ms, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		record.ID, record.KeyID, record.UserID, record.Model, record.Operation,
		record.InputTokens, record.OutputTokens, record.CostCents,
		record.Status, record.LatencyMs, record.ErrorDetail,
	).Scan(&record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}

	return nil
}

// UsageFilter narrows usage history queries.
type UsageFilter struct {
	KeyID  string
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// ListUsageRecords retrieves ledger entries filtered by key, user and date range.
func (r *Repository) ListUsageRecords(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.To.IsZero() {
		filter.To = time.Now()
	}

	query := `
		SELECT id, key_id, user_id, model, operation, input_tokens, output_tokens,
		       cost_cents, status, latency_ms, error_detail, created_at
		FROM usage_records
		WHERE ($1 = '' OR key_id = $1)
		  AND ($2 = '' OR user_id = $2)
		  AND created_at >= $3
		  AND created_at <= $4
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	rows, err := r.db.Pool.Query(ctx, query,
		filter.KeyID, filter.UserID, filter.From, filter.To, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		err := rows.Scan(
			&rec.ID, &rec.KeyID, &rec.UserID, &rec.Model, &rec.Operation,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostCents,
			&rec.Status, &rec.LatencyMs, &rec.ErrorDetail, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// RotationFilter narrows rotation history queries.
type RotationFilter struct {
	KeyID string
	From  time.Time
	To    time.Time
	Limit int
}

// ListRotationEvents retrieves rotation history filtered by key and date range.
func (r *Repository) ListRotationEvents(ctx context.Context, filter RotationFilter) ([]*models.RotationEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.To.IsZero() {
		filter.To = time.Now()
	}

	query := `
		SELECT id, from_key_id, to_key_id, reason, actor, created_at
		FROM rotation_events
		WHERE ($1 = '' OR from_key_id = $1 OR to_key_id = $1)
		  AND created_at >= $2
		  AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := r.db.Pool.Query(ctx, query, filter.KeyID, filter.From, filter.To, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation events: %w", err)
	}
	defer rows.Close()

	var events []*models.RotationEvent
	for rows.Next() {
		var ev models.RotationEvent
		err := rows.Scan(&ev.ID, &ev.FromKeyID, &ev.ToKeyID, &ev.Reason, &ev.Actor, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rotation event: %w", err)
		}
		events = append(events, &ev)
	}

	return events, nil
}

// GetUsageStats returns overall ledger aggregates for dashboards. These are
// plain non-locking reads and may be slightly stale under load.
func (r *Repository) GetUsageStats(ctx context.Context, from, to time.Time) (*models.UsageStats, error) {
	if to.IsZero() {
		to = time.Now()
	}

	var stats models.UsageStats
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_cents), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM usage_records
		WHERE created_at >= $1 AND created_at <= $2
	`, from, to).Scan(&stats.TotalRequests, &stats.TotalTokensIn,
		&stats.TotalTokensOut, &stats.TotalCostCents, &stats.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage stats: %w", err)
	}

	var successCount int64
	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE created_at >= $1 AND created_at <= $2 AND status = 'success'
	`, from, to).Scan(&successCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get success count: %w", err)
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(successCount) / float64(stats.TotalRequests) * 100
	}

	return &stats, nil
}

// GetKeyUsageStats returns per-key ledger aggregates.
func (r *Repository) GetKeyUsageStats(ctx context.Context, from, to time.Time) ([]models.KeyUsageStats, error) {
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT u.key_id, k.name, COUNT(*),
		       COALESCE(SUM(u.input_tokens), 0),
		       COALESCE(SUM(u.output_tokens), 0),
		       COALESCE(SUM(u.cost_cents), 0),
		       COALESCE(AVG(CASE WHEN u.status = 'success' THEN 100.0 ELSE 0.0 END), 0)
		FROM usage_records u
		JOIN provider_keys k ON k.id = u.key_id
		WHERE u.created_at >= $1 AND u.created_at <= $2
		GROUP BY u.key_id, k.name
		ORDER BY COUNT(*) DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get key usage stats: %w", err)
	}
	defer rows.Close()

	var stats []models.KeyUsageStats
	for rows.Next() {
		var s models.KeyUsageStats
		err := rows.Scan(&s.KeyID, &s.KeyName, &s.Requests, &s.TokensIn,
			&s.TokensOut, &s.CostCents, &s.SuccessRate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key usage stats: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, nil
}

// GetModelUsageStats returns per-model ledger aggregates.
func (r *Repository) GetModelUsageStats(ctx context.Context, from, to time.Time) ([]models.ModelUsageStats, error) {
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT model, COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM usage_records
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get model usage stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ModelUsageStats
	for rows.Next() {
		var s models.ModelUsageStats
		err := rows.Scan(&s.Model, &s.Requests, &s.TokensIn, &s.TokensOut, &s.AvgLatencyMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model usage stats: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, nil
}
