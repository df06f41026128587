package userquota

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoPremiumAccess is returned for tiers without any premium allowance.
// Recoverable only by upgrading, not by waiting for a reset.
var ErrNoPremiumAccess = errors.New("userquota: tier has no premium access")

// ErrUnknownTier is returned when a tier change names an unknown tier.
var ErrUnknownTier = errors.New("userquota: unknown tier")

// QuotaExceededError reports that a user's monthly allowance is spent.
// It carries what the end user needs to decide between upgrading and waiting.
type QuotaExceededError struct {
	Limit   int64
	Used    int64
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("userquota: quota exceeded: used=%d limit=%d resets=%s",
		e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}
