package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/middleware"
	"github.com/docflow/keygate/internal/userquota"
	"github.com/docflow/keygate/pkg/models"
)

// Users and the user-facing quota surface.

// issueTokenHandler exchanges credentials for a JWT
// POST /api/v1/auth/token
func (api *API) issueToken(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	user, err := api.repo.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil || !user.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := middleware.GenerateToken(user.ID, user.Email, user.Role, api.cfg.Auth.TokenExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": api.cfg.Auth.TokenExpiry.Seconds(),
	})
}

type createUserRequest struct {
	Email    string          `json:"email" binding:"required,email"`
	Password string          `json:"password" binding:"required,min=8"`
	Role     models.UserRole `json:"role"`
	Tier     models.Tier     `json:"tier"`
}

// createUserHandler registers a user with the allowance of its tier
// POST /api/v1/admin/users
func (api *API) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.Tier != "" && !req.Tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		APIKey:       "kg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Role:         req.Role,
		Tier:         req.Tier,
		IsActive:     true,
	}

	if err := api.repo.CreateUser(c.Request.Context(), user); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "failed to create user", "details": err.Error()})
		return
	}

	// the API key is returned once, on creation
	c.JSON(http.StatusCreated, user)
}

// changeTierHandler applies a tier change: new allowance, fresh period
// POST /api/v1/admin/users/:id/tier
func (api *API) changeTier(c *gin.Context) {
	userID := c.Param("id")

	var req struct {
		Tier models.Tier `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	info, err := api.tracker.Upgrade(c.Request.Context(), userID, req.Tier)
	if errors.Is(err, userquota.ErrUnknownTier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to change tier"})
		return
	}

	_ = api.cache.InvalidateQuotaInfo(c.Request.Context(), userID)
	c.JSON(http.StatusOK, info)
}

// getQuotaHandler reports the calling user's quota without consuming it
// GET /api/v1/quota
func (api *API) getQuota(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	ctx := c.Request.Context()

	if info, err := api.cache.GetQuotaInfo(ctx, userID); err == nil && info != nil {
		c.JSON(http.StatusOK, info)
		return
	}

	info, err := api.tracker.GetQuotaInfo(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quota"})
		return
	}

	_ = api.cache.SetQuotaInfo(ctx, userID, info, api.cfg.Quota.StatusCacheTTL)
	c.JSON(http.StatusOK, info)
}

// getUserQuotaHandler is the admin view of any user's quota
// GET /api/v1/admin/users/:id/quota
func (api *API) getUserQuota(c *gin.Context) {
	info, err := api.tracker.GetQuotaInfo(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quota"})
		return
	}

	c.JSON(http.StatusOK, info)
}
