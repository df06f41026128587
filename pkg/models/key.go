package models

import (
	"time"
)

// ProviderKey represents an upstream AI-provider credential in the pool.
type ProviderKey struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Account      string         `json:"account" db:"account"`
	Provider     string         `json:"provider" db:"provider"`
	EncryptedKey string         `json:"-" db:"encrypted_key"`
	Status       string         `json:"status" db:"status"`
	Priority     int            `json:"priority" db:"priority"` // lower is tried first
	LastUsedAt   *time.Time     `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
	Counters     []QuotaCounter `json:"counters,omitempty" db:"-"`
}

// KeyStatus constants. Status is an advisory cache; real eligibility is
// re-derived from the quota counters at selection time.
const (
	KeyStatusActive        = "active"
	KeyStatusInactive      = "inactive"
	KeyStatusRevoked       = "revoked"
	KeyStatusQuotaExceeded = "quota_exceeded"
)

// Selectable reports whether every counter admits n more units and the
// stored status does not rule the key out administratively.
func (k *ProviderKey) Selectable(n int64) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	for i := range k.Counters {
		if !k.Counters[i].CanConsume(n) {
			return false
		}
	}
	return true
}

// Counter returns the key's counter of the given type, or nil.
func (k *ProviderKey) Counter(qt QuotaType) *QuotaCounter {
	for i := range k.Counters {
		if k.Counters[i].QuotaType == qt {
			return &k.Counters[i]
		}
	}
	return nil
}

// RotationEvent is an append-only record of a switch between keys.
type RotationEvent struct {
	ID        string    `json:"id" db:"id"`
	FromKeyID *string   `json:"from_key_id,omitempty" db:"from_key_id"`
	ToKeyID   *string   `json:"to_key_id,omitempty" db:"to_key_id"`
	Reason    string    `json:"reason" db:"reason"`
	Actor     string    `json:"actor" db:"actor"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RotationReason constants
const (
	RotationReasonQuotaExceeded = "quota_exceeded"
	RotationReasonManual        = "manual_rotation"
	RotationReasonKeyError      = "key_error"
)

// ActorSystem is the actor recorded for automatic rotations.
const ActorSystem = "system"

// AdminActor formats the actor label for an administrative rotation.
func AdminActor(name string) string {
	return "admin:" + name
}
