package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/keygate/internal/userquota"
	"github.com/docflow/keygate/pkg/models"
)

type stubChecker struct {
	info  *models.QuotaInfo
	err   error
	calls int
}

func (s *stubChecker) CheckQuota(ctx context.Context, userID string) (*models.QuotaInfo, error) {
	s.calls++
	return s.info, s.err
}

func premiumContext(t *testing.T, userID string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/ai/summarize", nil)
	if userID != "" {
		c.Set(AuthContextKey, userID)
	}
	return c, w
}

func TestPremiumGateAllows(t *testing.T) {
	checker := &stubChecker{info: &models.QuotaInfo{
		Tier:      models.TierFree,
		Limit:     3,
		Used:      1,
		Remaining: 2,
		State:     models.QuotaStateWithinLimit,
	}}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, _ := premiumContext(t, "user-1")
	gate.Guard("ai.summarize")(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, 1, checker.calls)

	info, ok := GetQuotaInfo(c)
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Remaining)
}

func TestPremiumGateDeniesExceeded(t *testing.T) {
	resetAt := time.Now().Add(10 * 24 * time.Hour)
	checker := &stubChecker{err: &userquota.QuotaExceededError{
		Limit:   3,
		Used:    3,
		ResetAt: resetAt,
	}}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, w := premiumContext(t, "user-1")
	gate.Guard("ai.summarize")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"limit":3`)
	assert.Contains(t, w.Body.String(), `"used":3`)
}

func TestPremiumGateDeniesNoAccess(t *testing.T) {
	checker := &stubChecker{err: userquota.ErrNoPremiumAccess}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, w := premiumContext(t, "user-1")
	gate.Guard("ai.summarize")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Upgrade")
}

func TestPremiumGateSkipsUnmeteredOperation(t *testing.T) {
	checker := &stubChecker{}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, _ := premiumContext(t, "user-1")
	gate.Guard("document.list")(c)

	assert.False(t, c.IsAborted())
	assert.Zero(t, checker.calls, "unmetered operations never consume quota")
}

func TestPremiumGateRequiresAuth(t *testing.T) {
	checker := &stubChecker{}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, w := premiumContext(t, "")
	gate.Guard("ai.summarize")(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, checker.calls)
}

func TestPremiumGateNearLimitWarning(t *testing.T) {
	checker := &stubChecker{info: &models.QuotaInfo{
		Tier:      models.TierIndividual,
		Limit:     100,
		Used:      85,
		Remaining: 15,
		State:     models.QuotaStateNearLimit,
	}}
	gate := NewPremiumGate(checker, []string{"ai.summarize"})

	c, w := premiumContext(t, "user-1")
	gate.Guard("ai.summarize")(c)

	assert.False(t, c.IsAborted())
	assert.NotEmpty(t, w.Header().Get("X-Quota-Warning"))
}
