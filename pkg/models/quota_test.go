package models

import (
	"testing"
	"time"
)

func TestQuotaCounterCanConsume(t *testing.T) {
	qc := QuotaCounter{QuotaType: QuotaTypeDaily, Limit: 10, Used: 9}

	if !qc.CanConsume(1) {
		t.Error("Expected one unit to fit with 9/10 used")
	}
	if qc.CanConsume(2) {
		t.Error("Expected two units not to fit with 9/10 used")
	}

	qc.Used = 10
	if qc.CanConsume(1) {
		t.Error("Expected exhausted counter to refuse consumption")
	}
	if !qc.IsExhausted() {
		t.Error("Expected counter at limit to be exhausted")
	}
}

func TestQuotaCounterUnlimited(t *testing.T) {
	qc := QuotaCounter{QuotaType: QuotaTypeMonthly, Limit: 0, Used: 1 << 40}

	if !qc.CanConsume(1) {
		t.Error("Expected unlimited counter to always admit consumption")
	}
	if qc.IsNearLimit() {
		t.Error("Expected unlimited counter to never be near limit")
	}
	if qc.UsagePercent() != 0 {
		t.Errorf("Expected 0%% usage for unlimited counter, got %f", qc.UsagePercent())
	}
}

func TestQuotaCounterNearLimitBoundary(t *testing.T) {
	qc := QuotaCounter{Limit: 100, Used: 80}
	if qc.IsNearLimit() {
		t.Error("Expected 80/100 to not be near limit (threshold is strict)")
	}

	qc.Used = 81
	if !qc.IsNearLimit() {
		t.Error("Expected 81/100 to be near limit")
	}
}

func TestQuotaCounterRemaining(t *testing.T) {
	qc := QuotaCounter{Limit: 100, Used: 30}
	if got := qc.Remaining(); got != 70 {
		t.Errorf("Expected 70 remaining, got %d", got)
	}

	// Overshoot is clamped, never reported negative.
	qc.Used = 130
	if got := qc.Remaining(); got != 0 {
		t.Errorf("Expected 0 remaining after overshoot, got %d", got)
	}
}

func TestQuotaTypeWindow(t *testing.T) {
	if QuotaTypeMonthly.Window() != 30*24*time.Hour {
		t.Error("Expected monthly window of 30 days")
	}
	if QuotaTypeDaily.Window() != 24*time.Hour {
		t.Error("Expected daily window of 24 hours")
	}
	if QuotaTypePerMinute.Window() != time.Minute {
		t.Error("Expected per-minute window of one minute")
	}
}

func TestQuotaCounterResetDue(t *testing.T) {
	now := time.Now()
	qc := QuotaCounter{ResetAt: now.Add(time.Hour)}
	if qc.ResetDue(now) {
		t.Error("Expected reset not due before reset_at")
	}
	if !qc.ResetDue(now.Add(time.Hour)) {
		t.Error("Expected reset due exactly at reset_at")
	}
}
