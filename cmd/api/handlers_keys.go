package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/middleware"
	"github.com/docflow/keygate/pkg/models"
)

// Admin key surface.

// listKeysHandler lists provider keys with their counters
// GET /api/v1/admin/keys?provider=openai
func (api *API) listKeys(c *gin.Context) {
	provider := c.Query("provider")
	ctx := c.Request.Context()

	// dashboard reads tolerate staleness, so serve from the status cache
	if provider != "" {
		if keys, err := api.cache.GetPoolStatus(ctx, provider); err == nil && keys != nil {
			c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys), "cached": true})
			return
		}
	}

	keys, err := api.repo.ListProviderKeys(ctx, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	if provider != "" {
		_ = api.cache.SetPoolStatus(ctx, provider, keys, api.cfg.Quota.StatusCacheTTL)
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

type counterRequest struct {
	QuotaType models.QuotaType `json:"quota_type" binding:"required"`
	Limit     int64            `json:"limit"`
}

type createKeyRequest struct {
	Name         string           `json:"name" binding:"required"`
	Account      string           `json:"account"`
	Provider     string           `json:"provider" binding:"required"`
	EncryptedKey string           `json:"encrypted_key" binding:"required"`
	Priority     int              `json:"priority"`
	Counters     []counterRequest `json:"counters"`
}

// createKeyHandler registers a new provider key with its quota counters
// POST /api/v1/admin/keys
func (api *API) createKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	key := &models.ProviderKey{
		Name:         req.Name,
		Account:      req.Account,
		Provider:     req.Provider,
		EncryptedKey: req.EncryptedKey,
		Status:       models.KeyStatusActive,
		Priority:     req.Priority,
	}
	for _, counter := range req.Counters {
		key.Counters = append(key.Counters, models.QuotaCounter{
			QuotaType: counter.QuotaType,
			Limit:     counter.Limit,
		})
	}

	if err := api.repo.CreateProviderKey(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key", "details": err.Error()})
		return
	}

	_ = api.cache.InvalidatePoolStatus(c.Request.Context(), key.Provider)
	c.JSON(http.StatusCreated, key)
}

// rotateKeyHandler performs a manual rotation away from a key
// POST /api/v1/admin/keys/:id/rotate
func (api *API) rotateKey(c *gin.Context) {
	fromKeyID := c.Param("id")

	var req struct {
		ToKeyID string `json:"to_key_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	actor, _ := middleware.GetUserID(c)

	err := api.pool.Rotate(c.Request.Context(), fromKeyID, req.ToKeyID, actor)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from_key_id": fromKeyID,
		"to_key_id":   req.ToKeyID,
		"message":     "rotation recorded",
	})
}

// revokeKeyHandler removes a key from selection
// POST /api/v1/admin/keys/:id/revoke
func (api *API) revokeKey(c *gin.Context) {
	api.setKeyStatus(c, api.pool.Revoke, models.KeyStatusRevoked)
}

// activateKeyHandler returns a key to the pool
// POST /api/v1/admin/keys/:id/activate
func (api *API) activateKey(c *gin.Context) {
	api.setKeyStatus(c, api.pool.Activate, models.KeyStatusActive)
}

func (api *API) setKeyStatus(c *gin.Context, apply func(ctx context.Context, keyID string) error, status string) {
	keyID := c.Param("id")
	ctx := c.Request.Context()

	key, err := api.repo.GetProviderKey(ctx, keyID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load key"})
		return
	}

	if err := apply(ctx, keyID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update key status"})
		return
	}

	_ = api.cache.InvalidatePoolStatus(ctx, key.Provider)
	c.JSON(http.StatusOK, gin.H{"key_id": keyID, "status": status})
}
