package models

import (
	"time"
)

// Alert is an operational event that needs human follow-up. Alerts ride the
// message queue so consumers can fan them out to paging or ticketing.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert types
const (
	AlertKeyPoolExhausted    = "key_pool_exhausted"
	AlertAccountingFailed    = "accounting_write_failed"
	AlertArchiveExportFailed = "archive_export_failed"
)
