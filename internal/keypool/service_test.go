package keypool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/pkg/models"
)

// fakeStore keeps pool state in memory with the same conditional-update
// semantics the repository gets from single-statement SQL.
type fakeStore struct {
	mu        sync.Mutex
	keys      map[string]*models.ProviderKey
	rotations []*models.RotationEvent
	now       func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys: make(map[string]*models.ProviderKey),
		now:  time.Now,
	}
}

func (s *fakeStore) addKey(key *models.ProviderKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
}

func (s *fakeStore) ListEligibleKeys(ctx context.Context, provider string, n int64, limit int) ([]*models.ProviderKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ProviderKey
	for _, key := range s.keys {
		if key.Provider != provider || !key.Selectable(n) {
			continue
		}
		copy := *key
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		// never-used keys go first, then least recently used
		if out[i].LastUsedAt == nil {
			return true
		}
		if out[j].LastUsedAt == nil {
			return false
		}
		return out[i].LastUsedAt.Before(*out[j].LastUsedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetProviderKey(ctx context.Context, id string) (*models.ProviderKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copy := *key
	return &copy, nil
}

func (s *fakeStore) ConsumeKeyQuota(ctx context.Context, keyID string, amounts map[models.QuotaType]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return database.ErrNotFound
	}
	for qt, amount := range amounts {
		counter := key.Counter(qt)
		if counter == nil {
			continue
		}
		if !counter.CanConsume(amount) {
			return &database.QuotaExhaustedError{KeyID: keyID, QuotaType: qt}
		}
	}
	for qt, amount := range amounts {
		if counter := key.Counter(qt); counter != nil {
			counter.Used += amount
		}
	}
	return nil
}

func (s *fakeStore) UpdateKeyStatus(ctx context.Context, keyID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return database.ErrNotFound
	}
	key.Status = status
	return nil
}

func (s *fakeStore) TouchKeyLastUsed(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return database.ErrNotFound
	}
	now := s.now()
	key.LastUsedAt = &now
	return nil
}

func (s *fakeStore) ResetElapsedCounters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int64
	for _, key := range s.keys {
		for i := range key.Counters {
			counter := &key.Counters[i]
			if !s.now().Before(counter.ResetAt) {
				counter.Used = 0
				counter.ResetAt = s.now().Add(counter.QuotaType.Window())
				reset++
			}
		}
	}
	return reset, nil
}

func (s *fakeStore) ReactivateRecoveredKeys(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered int64
	for _, key := range s.keys {
		if key.Status != models.KeyStatusQuotaExceeded {
			continue
		}
		open := true
		for i := range key.Counters {
			if key.Counters[i].IsExhausted() {
				open = false
				break
			}
		}
		if open {
			key.Status = models.KeyStatusActive
			recovered++
		}
	}
	return recovered, nil
}

func (s *fakeStore) AppendRotationEvent(ctx context.Context, event *models.RotationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations = append(s.rotations, event)
	return nil
}

type fakeAlerter struct {
	mu        sync.Mutex
	exhausted []string
}

func (a *fakeAlerter) PoolExhausted(ctx context.Context, provider string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exhausted = append(a.exhausted, provider)
}

type fakeLedger struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (l *fakeLedger) Record(ctx context.Context, provider string, record *models.UsageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
}

type denyWindow struct {
	denied map[string]bool
}

func (w *denyWindow) AllowKeyRequest(ctx context.Context, keyID string, limit int64) (bool, error) {
	return !w.denied[keyID], nil
}

func testKey(id, provider string, priority int, counters ...models.QuotaCounter) *models.ProviderKey {
	for i := range counters {
		counters[i].KeyID = id
		if counters[i].ResetAt.IsZero() {
			counters[i].ResetAt = time.Now().Add(counters[i].QuotaType.Window())
		}
	}
	return &models.ProviderKey{
		ID:       id,
		Name:     id,
		Provider: provider,
		Status:   models.KeyStatusActive,
		Priority: priority,
		Counters: counters,
	}
}

func TestSelectKeyPriorityOrder(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 5,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-b", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-c", "openai", 3,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := svc.SelectKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "key-b", key.ID)
}

func TestSelectKeyLeastRecentlyUsedTiebreak(t *testing.T) {
	store := newFakeStore()
	recent := time.Now().Add(-time.Minute)
	stale := time.Now().Add(-time.Hour)

	fresh := testKey("key-fresh", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000})
	fresh.LastUsedAt = &recent
	idle := testKey("key-idle", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000})
	idle.LastUsedAt = &stale

	store.addKey(fresh)
	store.addKey(idle)

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := svc.SelectKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "key-idle", key.ID)
}

func TestSelectKeySkipsExhaustedDailyCounter(t *testing.T) {
	store := newFakeStore()
	// best priority but its daily budget is spent; monthly is wide open
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 100000, Used: 10},
		models.QuotaCounter{QuotaType: models.QuotaTypeDaily, Limit: 50, Used: 50}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 100000},
		models.QuotaCounter{QuotaType: models.QuotaTypeDaily, Limit: 50}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := svc.SelectKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "key-b", key.ID)
}

func TestSelectKeyExhaustedDailyBlocksDespiteOpenMonthly(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000, Used: 5},
		models.QuotaCounter{QuotaType: models.QuotaTypeDaily, Limit: 10, Used: 10}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	// any exhausted counter disqualifies the key, whatever the others say
	_, err := svc.SelectKey(context.Background(), "openai")
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestSelectKeyLazyResetRevivesPool(t *testing.T) {
	store := newFakeStore()
	key := testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeDaily, Limit: 50, Used: 50,
			ResetAt: time.Now().Add(-time.Minute)})
	key.Status = models.KeyStatusQuotaExceeded
	store.addKey(key)

	svc := NewService(store, nil, nil, nil, nil, 5)

	// the window elapsed without traffic, so one reset pass revives the key
	selected, err := svc.SelectKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "key-a", selected.ID)
	assert.Equal(t, models.KeyStatusActive, selected.Status)
}

func TestSelectKeyPoolExhausted(t *testing.T) {
	store := newFakeStore()
	revoked := testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000})
	revoked.Status = models.KeyStatusRevoked
	store.addKey(revoked)

	alerter := &fakeAlerter{}
	svc := NewService(store, nil, nil, alerter, nil, 5)

	_, err := svc.SelectKey(context.Background(), "openai")
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
	assert.Equal(t, []string{"openai"}, alerter.exhausted)
}

func TestSelectKeyHonorsRateWindow(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypePerMinute, Limit: 10}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypePerMinute, Limit: 10}))

	window := &denyWindow{denied: map[string]bool{"key-a": true}}
	svc := NewService(store, window, nil, nil, nil, 5)

	key, err := svc.SelectKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "key-b", key.ID)
}

func TestReportOutcomeSuccess(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000},
		models.QuotaCounter{QuotaType: models.QuotaTypeDaily, Limit: 50}))

	ledger := &fakeLedger{}
	svc := NewService(store, nil, ledger, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status:    models.UsageStatusSuccess,
		Model:     "gpt-4",
		Operation: "ai.summarize",
		TokensIn:  120,
		TokensOut: 80,
	})
	require.NoError(t, err)
	assert.Nil(t, replacement)

	updated, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, int64(200), updated.Counter(models.QuotaTypeMonthly).Used)
	assert.Equal(t, int64(1), updated.Counter(models.QuotaTypeDaily).Used)
	assert.NotNil(t, updated.LastUsedAt)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, "key-a", ledger.records[0].KeyID)
	assert.Equal(t, models.UsageStatusSuccess, ledger.records[0].Status)
}

func TestReportOutcomeQuotaExceededRotates(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status: models.UsageStatusQuotaExceeded,
	})
	require.NoError(t, err)
	require.NotNil(t, replacement)
	assert.Equal(t, "key-b", replacement.ID)

	marked, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusQuotaExceeded, marked.Status)

	require.Len(t, store.rotations, 1)
	event := store.rotations[0]
	assert.Equal(t, "key-a", *event.FromKeyID)
	assert.Equal(t, "key-b", *event.ToKeyID)
	assert.Equal(t, models.RotationReasonQuotaExceeded, event.Reason)
	assert.Equal(t, models.ActorSystem, event.Actor)
}

func TestReportOutcomeKeyErrorRevokes(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status:      models.UsageStatusKeyError,
		ErrorDetail: "401 invalid api key",
	})
	require.NoError(t, err)
	assert.Equal(t, "key-b", replacement.ID)

	revoked, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusRevoked, revoked.Status)

	require.Len(t, store.rotations, 1)
	assert.Equal(t, models.RotationReasonKeyError, store.rotations[0].Reason)
}

func TestReportOutcomeRateLimitedKeepsKeyActive(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status: models.UsageStatusRateLimited,
	})
	require.NoError(t, err)
	require.NotNil(t, replacement)
	// key-a stays ACTIVE and top-priority, but the rotation must still move
	// the request to a different key
	assert.Equal(t, "key-b", replacement.ID)

	// transient condition: the key is not demoted
	unchanged, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, unchanged.Status)
}

func TestReportOutcomeRateLimitedSoleKey(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	// The rate-limited key cannot serve as its own replacement even though
	// it is the only eligible key left.
	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status: models.UsageStatusRateLimited,
	})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Nil(t, replacement)

	require.Len(t, store.rotations, 1)
	assert.Nil(t, store.rotations[0].ToKeyID)
}

func TestReportOutcomeConcurrentExhaustion(t *testing.T) {
	store := newFakeStore()
	// 100 monthly units left; the call below needs 150
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000, Used: 900}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	replacement, err := svc.ReportOutcome(context.Background(), key, Outcome{
		Status:    models.UsageStatusSuccess,
		TokensIn:  100,
		TokensOut: 50,
	})
	require.NoError(t, err)
	require.NotNil(t, replacement)
	assert.Equal(t, "key-b", replacement.ID)

	// the consume was rejected whole, never booked past the limit
	exhausted, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, int64(900), exhausted.Counter(models.QuotaTypeMonthly).Used)
	assert.Equal(t, models.KeyStatusQuotaExceeded, exhausted.Status)
}

func TestReportOutcomeNoReplacement(t *testing.T) {
	store := newFakeStore()
	// the sole key really is exhausted, so the reactivation pass cannot
	// revive it and no replacement exists
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000, Used: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	key, err := store.GetProviderKey(context.Background(), "key-a")
	require.NoError(t, err)

	_, err = svc.ReportOutcome(context.Background(), key, Outcome{
		Status: models.UsageStatusQuotaExceeded,
	})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	// the event is still written, with no destination key
	require.Len(t, store.rotations, 1)
	assert.Equal(t, "key-a", *store.rotations[0].FromKeyID)
	assert.Nil(t, store.rotations[0].ToKeyID)
}

func TestManualRotate(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))
	store.addKey(testKey("key-b", "openai", 2,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)

	err := svc.Rotate(context.Background(), "key-a", "key-b", "alice")
	require.NoError(t, err)

	require.Len(t, store.rotations, 1)
	event := store.rotations[0]
	assert.Equal(t, models.RotationReasonManual, event.Reason)
	assert.Equal(t, "admin:alice", event.Actor)
	assert.Equal(t, "key-a", *event.FromKeyID)
	assert.Equal(t, "key-b", *event.ToKeyID)
}

func TestRevokeAndActivate(t *testing.T) {
	store := newFakeStore()
	store.addKey(testKey("key-a", "openai", 1,
		models.QuotaCounter{QuotaType: models.QuotaTypeMonthly, Limit: 1000}))

	svc := NewService(store, nil, nil, nil, nil, 5)
	ctx := context.Background()

	require.NoError(t, svc.Revoke(ctx, "key-a"))
	key, err := store.GetProviderKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusRevoked, key.Status)

	require.NoError(t, svc.Activate(ctx, "key-a"))
	key, err = store.GetProviderKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, key.Status)
}
