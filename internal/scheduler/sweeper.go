package scheduler

import (
	"context"
	"time"

	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
)

const sweepLockResource = "quota_sweep"

// Store is the persistence surface the sweeper works over.
type Store interface {
	ResetElapsedCounters(ctx context.Context) (int64, error)
	ResetElapsedUserQuotas(ctx context.Context) (int64, error)
	ReactivateRecoveredKeys(ctx context.Context) (int64, error)
}

// Locker serializes sweeps across instances. Implemented by the redis cache.
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Sweeper periodically resets elapsed quota windows. The resets use the
// same conditional statements as the lazy path, so a sweep racing a request
// is harmless and repeating a sweep is a no-op.
type Sweeper struct {
	store    Store
	locker   Locker
	logger   *logging.Logger
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates the scheduled reset job. locker may be nil when a
// deployment runs a single instance.
func NewSweeper(store Store, locker Locker, logger *logging.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		store:    store,
		locker:   locker,
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.loop()
	if s.logger != nil {
		s.logger.Infof("quota sweeper started, interval %s", s.interval)
	}
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	s.cancel()
	if s.logger != nil {
		s.logger.Info("quota sweeper stopped")
	}
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// SweepResult reports what a sweep did. Skipped means another instance held
// the lock and nothing ran.
type SweepResult struct {
	Skipped  bool
	Counters int64
	Users    int64
	Keys     int64
}

// RunOnce performs a single sweep. Reset failures are logged and counted
// and never stop the loop, but the first one is returned so a manual
// trigger can surface it; the next tick retries regardless.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, sweepLockResource, s.interval)
		if err != nil {
			if s.logger != nil {
				s.logger.ErrorWithErr("sweep lock acquisition failed", err)
			}
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			return SweepResult{}, err
		}
		if !acquired {
			// another instance is sweeping
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return SweepResult{Skipped: true}, nil
		}
		defer func() {
			_ = s.locker.ReleaseLock(ctx, sweepLockResource)
		}()
	}

	start := time.Now()
	var firstErr error

	counters, err := s.store.ResetElapsedCounters(ctx)
	if err != nil {
		firstErr = err
		if s.logger != nil {
			s.logger.ErrorWithErr("counter reset failed", err)
		}
	}

	users, err := s.store.ResetElapsedUserQuotas(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		if s.logger != nil {
			s.logger.ErrorWithErr("user quota reset failed", err)
		}
	}

	keys, err := s.store.ReactivateRecoveredKeys(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		if s.logger != nil {
			s.logger.ErrorWithErr("key reactivation failed", err)
		}
	}

	if firstErr != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SweepRunsTotal.WithLabelValues("success").Inc()
	}
	metrics.SweepResetsTotal.WithLabelValues("counters").Add(float64(counters))
	metrics.SweepResetsTotal.WithLabelValues("users").Add(float64(users))
	metrics.SweepResetsTotal.WithLabelValues("keys").Add(float64(keys))

	if s.logger != nil {
		s.logger.LogSweep(counters, users, keys, time.Since(start))
	}

	return SweepResult{Counters: counters, Users: users, Keys: keys}, firstErr
}
