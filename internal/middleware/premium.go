package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/userquota"
	"github.com/docflow/keygate/pkg/models"
)

const QuotaContextKey = "quota_info"

// QuotaChecker admits or denies one premium request, consuming from the
// user's allowance on admission.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID string) (*models.QuotaInfo, error)
}

// PremiumGate decides which operations count against the monthly premium
// allowance. Operations outside the allow-list pass through unmetered.
type PremiumGate struct {
	checker QuotaChecker
	premium map[string]struct{}
}

// NewPremiumGate builds the gate from the configured operation allow-list.
func NewPremiumGate(checker QuotaChecker, operations []string) *PremiumGate {
	premium := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		premium[op] = struct{}{}
	}
	return &PremiumGate{checker: checker, premium: premium}
}

// IsPremium reports whether an operation is metered.
func (g *PremiumGate) IsPremium(operation string) bool {
	_, ok := g.premium[operation]
	return ok
}

// Guard returns the middleware for one named operation. The quota check
// runs before the handler so denied requests never reach the costly work.
func (g *PremiumGate) Guard(operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.IsPremium(operation) {
			c.Next()
			return
		}

		userID, ok := GetUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		info, err := g.checker.CheckQuota(c.Request.Context(), userID)
		if err != nil {
			var exceeded *userquota.QuotaExceededError
			switch {
			case errors.As(err, &exceeded):
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":    "Monthly premium quota exceeded",
					"limit":    exceeded.Limit,
					"used":     exceeded.Used,
					"reset_at": exceeded.ResetAt,
				})
			case errors.Is(err, userquota.ErrNoPremiumAccess):
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error": "Your plan does not include premium operations. Upgrade to get access.",
				})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check quota"})
			}
			c.Abort()
			return
		}

		if info.State == models.QuotaStateNearLimit {
			c.Header("X-Quota-Warning", "approaching monthly limit")
		}

		c.Set(QuotaContextKey, info)
		c.Next()
	}
}

// GetQuotaInfo retrieves the admitted quota view from the context.
func GetQuotaInfo(c *gin.Context) (*models.QuotaInfo, bool) {
	value, exists := c.Get(QuotaContextKey)
	if !exists {
		return nil, false
	}
	info, ok := value.(*models.QuotaInfo)
	return info, ok
}
