package models

import (
	"time"
)

// UsageRecord is an append-only audit entry for a single upstream call.
type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	KeyID        string    `json:"key_id" db:"key_id"`
	UserID       *string   `json:"user_id,omitempty" db:"user_id"`
	Model        string    `json:"model" db:"model"`
	Operation    string    `json:"operation" db:"operation"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CostCents    int64     `json:"cost_cents" db:"cost_cents"`
	Status       string    `json:"status" db:"status"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	ErrorDetail  *string   `json:"error_detail,omitempty" db:"error_detail"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// UsageStatus constants
const (
	UsageStatusSuccess       = "success"
	UsageStatusFailed        = "failed"
	UsageStatusQuotaExceeded = "quota_exceeded"
	UsageStatusRateLimited   = "rate_limited"
	UsageStatusKeyError      = "key_error"
)

// TotalTokens returns the combined input and output token count.
func (u *UsageRecord) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// freeProviders are upstream providers whose calls are never billed.
// Recorded cost is forced to zero for these regardless of token counts.
var freeProviders = map[string]bool{
	"ollama":      true,
	"local":       true,
	"huggingface": true,
}

// IsFreeProvider reports whether calls through a provider carry no cost.
func IsFreeProvider(provider string) bool {
	return freeProviders[provider]
}

// UsageStats aggregates the ledger for dashboards.
type UsageStats struct {
	TotalRequests  int64   `json:"total_requests"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	TotalCostCents int64   `json:"total_cost_cents"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
}

// KeyUsageStats aggregates the ledger per provider key.
type KeyUsageStats struct {
	KeyID       string  `json:"key_id"`
	KeyName     string  `json:"key_name"`
	Requests    int64   `json:"requests"`
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	CostCents   int64   `json:"cost_cents"`
	SuccessRate float64 `json:"success_rate"`
}

// ModelUsageStats aggregates the ledger per model label.
type ModelUsageStats struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
