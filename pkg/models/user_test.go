package models

import (
	"testing"
)

func TestUserQuotaState(t *testing.T) {
	user := User{Tier: TierIndividual, MonthlyLimit: 100, UsedThisPeriod: 50}
	if got := user.QuotaState(); got != QuotaStateWithinLimit {
		t.Errorf("Expected within_limit at 50/100, got %s", got)
	}

	user.UsedThisPeriod = 81
	if got := user.QuotaState(); got != QuotaStateNearLimit {
		t.Errorf("Expected near_limit at 81/100, got %s", got)
	}

	user.UsedThisPeriod = 100
	if got := user.QuotaState(); got != QuotaStateExceeded {
		t.Errorf("Expected exceeded at 100/100, got %s", got)
	}
}

func TestUserNearLimitBoundary(t *testing.T) {
	user := User{MonthlyLimit: 100, UsedThisPeriod: 80}
	if user.IsNearLimit() {
		t.Error("Expected 80/100 to not be near limit")
	}

	user.UsedThisPeriod = 81
	if !user.IsNearLimit() {
		t.Error("Expected 81/100 to be near limit")
	}

	// Zero-limit tiers never report near limit.
	user = User{MonthlyLimit: 0, UsedThisPeriod: 5}
	if user.IsNearLimit() {
		t.Error("Expected zero-limit quota to never be near limit")
	}
}

func TestUnlimitedTierState(t *testing.T) {
	user := User{Tier: TierEnterprise, MonthlyLimit: 0, UsedThisPeriod: 100000}
	if got := user.QuotaState(); got != QuotaStateWithinLimit {
		t.Errorf("Expected unlimited tier to stay within_limit, got %s", got)
	}
}

func TestGetTierQuota(t *testing.T) {
	if q := GetTierQuota(TierFree); q.MonthlyLimit != 3 || q.Unlimited {
		t.Errorf("Unexpected free tier quota: %+v", q)
	}
	if q := GetTierQuota(TierEnterprise); !q.Unlimited {
		t.Error("Expected enterprise tier to be unlimited")
	}

	// Unknown tiers fall back to free.
	if q := GetTierQuota(Tier("platinum")); q.MonthlyLimit != 3 {
		t.Errorf("Expected unknown tier to fall back to free quota, got %+v", q)
	}
}

func TestTierValid(t *testing.T) {
	if !TierIndividual.Valid() {
		t.Error("Expected individual tier to be valid")
	}
	if Tier("gold").Valid() {
		t.Error("Expected unknown tier to be invalid")
	}
}
