package models

import (
	"time"
)

// User represents an API user with an embedded premium quota.
type User struct {
	ID             string    `json:"id" db:"id"`
	Email          string    `json:"email" db:"email"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	APIKey         string    `json:"api_key,omitempty" db:"api_key"`
	Role           UserRole  `json:"role" db:"role"`
	Tier           Tier      `json:"tier" db:"tier"`
	MonthlyLimit   int64     `json:"monthly_limit" db:"monthly_limit"`
	UsedThisPeriod int64     `json:"used_this_period" db:"used_this_period"`
	QuotaResetAt   time.Time `json:"quota_reset_at" db:"quota_reset_at"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// QuotaState constants for the user quota state machine.
const (
	QuotaStateWithinLimit = "within_limit"
	QuotaStateNearLimit   = "near_limit"
	QuotaStateExceeded    = "exceeded"
)

// QuotaState derives the user's position against the monthly allowance.
func (u *User) QuotaState() string {
	if GetTierQuota(u.Tier).Unlimited {
		return QuotaStateWithinLimit
	}
	if u.MonthlyLimit > 0 && u.UsedThisPeriod >= u.MonthlyLimit {
		return QuotaStateExceeded
	}
	if u.IsNearLimit() {
		return QuotaStateNearLimit
	}
	return QuotaStateWithinLimit
}

// IsNearLimit reports whether usage is strictly above 80% of the allowance.
func (u *User) IsNearLimit() bool {
	if u.MonthlyLimit == 0 {
		return false
	}
	return float64(u.UsedThisPeriod)/float64(u.MonthlyLimit) > 0.8
}

// QuotaInfo is the quota view returned to callers after a successful check.
type QuotaInfo struct {
	Tier      Tier      `json:"tier"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	ResetAt   time.Time `json:"reset_at"`
	State     string    `json:"state"`
}

// UserRole represents user roles
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
}
