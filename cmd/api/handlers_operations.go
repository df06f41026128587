package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/keypool"
	"github.com/docflow/keygate/internal/middleware"
	"github.com/docflow/keygate/pkg/models"
)

// Operation admission: the compute tier asks for a key lease before calling
// an upstream provider, then reports how the call went.

type authorizeRequest struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model"`
}

// authorizeOperation leases the best eligible provider key for one upstream
// call. The premium gate has already consumed the caller's allowance by the
// time this runs.
func (api *API) authorizeOperation(operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}

		key, err := api.pool.SelectKey(c.Request.Context(), req.Provider)
		if errors.Is(err, keypool.ErrNoKeyAvailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "no upstream capacity for provider", "provider": req.Provider,
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to select key"})
			return
		}

		response := gin.H{
			"key_id":        key.ID,
			"provider":      key.Provider,
			"operation":     operation,
			"encrypted_key": key.EncryptedKey,
		}
		if info, ok := middleware.GetQuotaInfo(c); ok {
			response["quota"] = info
		}

		c.JSON(http.StatusOK, response)
	}
}

type outcomeRequest struct {
	KeyID        string `json:"key_id" binding:"required"`
	Status       string `json:"status" binding:"required"`
	Model        string `json:"model"`
	Operation    string `json:"operation"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostCents    int64  `json:"cost_cents"`
	LatencyMs    int64  `json:"latency_ms"`
	ErrorDetail  string `json:"error_detail"`
}

var validOutcomeStatuses = map[string]bool{
	models.UsageStatusSuccess:       true,
	models.UsageStatusFailed:        true,
	models.UsageStatusQuotaExceeded: true,
	models.UsageStatusRateLimited:   true,
	models.UsageStatusKeyError:      true,
}

// reportOutcome settles a finished upstream call: ledger entry, quota
// consumption, and rotation away from a dead key when needed.
// POST /api/v1/outcomes
func (api *API) reportOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if !validOutcomeStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown outcome status"})
		return
	}

	ctx := c.Request.Context()
	key, err := api.repo.GetProviderKey(ctx, req.KeyID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load key"})
		return
	}

	userID, _ := middleware.GetUserID(c)

	replacement, err := api.pool.ReportOutcome(ctx, key, keypool.Outcome{
		Status:      req.Status,
		UserID:      userID,
		Model:       req.Model,
		Operation:   req.Operation,
		TokensIn:    req.InputTokens,
		TokensOut:   req.OutputTokens,
		CostCents:   req.CostCents,
		Latency:     time.Duration(req.LatencyMs) * time.Millisecond,
		ErrorDetail: req.ErrorDetail,
	})
	if errors.Is(err, keypool.ErrUpstreamUnavailable) {
		// the failing key was rotated out but no replacement exists
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no replacement key available", "provider": key.Provider,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to settle outcome"})
		return
	}

	response := gin.H{"key_id": key.ID, "rotated": replacement != nil}
	if replacement != nil {
		response["replacement_key_id"] = replacement.ID
		_ = api.cache.InvalidatePoolStatus(ctx, key.Provider)
	}

	c.JSON(http.StatusOK, response)
}
