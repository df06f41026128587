package models

import (
	"testing"
)

func TestProviderKeySelectable(t *testing.T) {
	key := ProviderKey{
		Status: KeyStatusActive,
		Counters: []QuotaCounter{
			{QuotaType: QuotaTypeMonthly, Limit: 1000, Used: 5},
			{QuotaType: QuotaTypeDaily, Limit: 10, Used: 10},
		},
	}

	// One exhausted counter disqualifies the key even with monthly open.
	if key.Selectable(1) {
		t.Error("Expected key with exhausted daily counter to be unselectable")
	}

	key.Counters[1].Used = 9
	if !key.Selectable(1) {
		t.Error("Expected key with headroom on all counters to be selectable")
	}
}

func TestProviderKeyStatusOverride(t *testing.T) {
	key := ProviderKey{
		Status: KeyStatusRevoked,
		Counters: []QuotaCounter{
			{QuotaType: QuotaTypeMonthly, Limit: 1000, Used: 0},
		},
	}

	if key.Selectable(1) {
		t.Error("Expected revoked key to never be selectable")
	}
}

func TestProviderKeyCounterLookup(t *testing.T) {
	key := ProviderKey{
		Counters: []QuotaCounter{
			{QuotaType: QuotaTypeMonthly, Limit: 1000},
			{QuotaType: QuotaTypeDaily, Limit: 50},
		},
	}

	if c := key.Counter(QuotaTypeDaily); c == nil || c.Limit != 50 {
		t.Error("Expected daily counter lookup to find the daily budget")
	}
	if c := key.Counter(QuotaTypePerMinute); c != nil {
		t.Error("Expected missing counter lookup to return nil")
	}
}

func TestRotationReasonConstants(t *testing.T) {
	reasons := []string{
		RotationReasonQuotaExceeded,
		RotationReasonManual,
		RotationReasonKeyError,
	}

	for _, reason := range reasons {
		if reason == "" {
			t.Error("Rotation reason constant is empty")
		}
	}
}

func TestAdminActor(t *testing.T) {
	if got := AdminActor("ops"); got != "admin:ops" {
		t.Errorf("Expected admin:ops, got %s", got)
	}
}
