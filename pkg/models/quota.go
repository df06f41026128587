package models

import (
	"time"
)

// QuotaType identifies an independently tracked consumable budget.
type QuotaType string

const (
	QuotaTypeMonthly   QuotaType = "monthly"
	QuotaTypeDaily     QuotaType = "daily"
	QuotaTypePerMinute QuotaType = "per_minute"
)

// Window returns the length of the reset window for a quota type.
// Monthly budgets use a rolling 30-day window rather than calendar months.
func (qt QuotaType) Window() time.Duration {
	switch qt {
	case QuotaTypeMonthly:
		return 30 * 24 * time.Hour
	case QuotaTypeDaily:
		return 24 * time.Hour
	case QuotaTypePerMinute:
		return time.Minute
	default:
		return 30 * 24 * time.Hour
	}
}

// QuotaCounter tracks usage of a single budget belonging to a provider key.
// A Limit of zero means the budget is unlimited.
type QuotaCounter struct {
	ID        string    `json:"id" db:"id"`
	KeyID     string    `json:"key_id" db:"key_id"`
	QuotaType QuotaType `json:"quota_type" db:"quota_type"`
	Limit     int64     `json:"limit" db:"limit_value"`
	Used      int64     `json:"used" db:"used"`
	ResetAt   time.Time `json:"reset_at" db:"reset_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CanConsume reports whether n more units fit within the budget.
func (qc *QuotaCounter) CanConsume(n int64) bool {
	if qc.Limit == 0 {
		return true
	}
	return qc.Used+n <= qc.Limit
}

// IsExhausted reports whether the budget is fully consumed.
func (qc *QuotaCounter) IsExhausted() bool {
	return !qc.CanConsume(1)
}

// Remaining returns the unconsumed portion of the budget, never negative.
func (qc *QuotaCounter) Remaining() int64 {
	if qc.Limit == 0 {
		return 0
	}
	remaining := qc.Limit - qc.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsagePercent returns used/limit as a percentage. Unlimited budgets report 0.
func (qc *QuotaCounter) UsagePercent() float64 {
	if qc.Limit == 0 {
		return 0
	}
	return float64(qc.Used) / float64(qc.Limit) * 100
}

// IsNearLimit reports whether usage has crossed the 80% warning threshold.
func (qc *QuotaCounter) IsNearLimit() bool {
	return qc.UsagePercent() > 80
}

// ResetDue reports whether the counter's window has elapsed.
func (qc *QuotaCounter) ResetDue(now time.Time) bool {
	return !now.Before(qc.ResetAt)
}
