package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/database"
)

// Admin history, stats and archive surface.

// parseTimeRange reads optional from/to query params (RFC 3339), defaulting
// to the last 30 days.
func parseTimeRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' timestamp"})
			return from, to, false
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' timestamp"})
			return from, to, false
		}
		to = parsed
	}
	return from, to, true
}

func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

// listRotationsHandler returns rotation history
// GET /api/v1/admin/rotations?key_id=&from=&to=&limit=
func (api *API) listRotations(c *gin.Context) {
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}

	events, err := api.repo.ListRotationEvents(c.Request.Context(), database.RotationFilter{
		KeyID: c.Query("key_id"),
		From:  from,
		To:    to,
		Limit: parseLimit(c, 100),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rotations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// listUsageHandler returns ledger entries
// GET /api/v1/admin/usage?key_id=&user_id=&from=&to=&limit=&offset=
func (api *API) listUsage(c *gin.Context) {
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}

	offset, _ := strconv.Atoi(c.Query("offset"))
	records, err := api.repo.ListUsageRecords(c.Request.Context(), database.UsageFilter{
		KeyID:  c.Query("key_id"),
		UserID: c.Query("user_id"),
		From:   from,
		To:     to,
		Limit:  parseLimit(c, 100),
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// usageStatsHandler returns aggregate totals for a period
// GET /api/v1/admin/usage/stats
func (api *API) usageStats(c *gin.Context) {
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}

	stats, err := api.repo.GetUsageStats(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// keyUsageStatsHandler breaks totals down per key
// GET /api/v1/admin/usage/stats/keys
func (api *API) keyUsageStats(c *gin.Context) {
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}

	stats, err := api.repo.GetKeyUsageStats(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": stats, "count": len(stats)})
}

// modelUsageStatsHandler breaks totals down per model
// GET /api/v1/admin/usage/stats/models
func (api *API) modelUsageStats(c *gin.Context) {
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}

	stats, err := api.repo.GetModelUsageStats(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": stats, "count": len(stats)})
}

// listArchivesHandler lists exported ledger archives
// GET /api/v1/admin/archives
func (api *API) listArchives(c *gin.Context) {
	objects, err := api.archive.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"archives": objects, "count": len(objects)})
}

// exportArchiveHandler exports one month of ledger entries to object storage
// POST /api/v1/admin/archives/export
func (api *API) exportArchive(c *gin.Context) {
	var req struct {
		Month string `json:"month" binding:"required"` // e.g. 2026-08
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	month, err := time.Parse("2006-01", req.Month)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be formatted YYYY-MM"})
		return
	}

	object, count, err := api.archive.ExportMonth(c.Request.Context(), month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed", "details": err.Error()})
		return
	}

	url, _ := api.archive.PresignedURL(c.Request.Context(), object)
	c.JSON(http.StatusOK, gin.H{"object": object, "records": count, "url": url})
}

// runSweepHandler triggers an immediate reset sweep
// POST /api/v1/admin/sweep
func (api *API) runSweep(c *gin.Context) {
	result, err := api.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "details": err.Error()})
		return
	}
	if result.Skipped {
		c.JSON(http.StatusConflict, gin.H{"message": "sweep already running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "sweep completed",
		"counters_reset":   result.Counters,
		"users_reset":      result.Users,
		"keys_reactivated": result.Keys,
	})
}
