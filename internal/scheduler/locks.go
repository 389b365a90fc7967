package scheduler

import (
	"context"
	"errors"
	"time"

	obsmetrics "github.com/smallbiznis/partnerpay/internal/observability/metrics"
	"go.uber.org/zap"
)

var ErrRunLocked = errors.New("commission_run_locked")

const deferReasonLocked = "run_locked"

// acquire takes the in-process mutex and, when Redis is configured, the
// shared lease. The returned release must be called exactly once.
func (s *Scheduler) acquire(ctx context.Context, job string) (func(), error) {
	schedMetrics := obsmetrics.Scheduler()

	start := time.Now()
	if !s.mu.TryLock() {
		schedMetrics.ObserveLockWait(obsmetrics.LockResourceRunMutex, time.Since(start))
		schedMetrics.IncBatchDeferred(job, deferReasonLocked)
		return nil, ErrRunLocked
	}
	schedMetrics.ObserveLockWait(obsmetrics.LockResourceRunMutex, time.Since(start))

	if !s.locker.Enabled() {
		return s.mu.Unlock, nil
	}

	start = time.Now()
	token, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	schedMetrics.ObserveLockWait(obsmetrics.LockResourceRedis, time.Since(start))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !ok {
		s.mu.Unlock()
		schedMetrics.IncBatchDeferred(job, deferReasonLocked)
		return nil, ErrRunLocked
	}

	return func() {
		// the job context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, s.cfg.LockKey, token); err != nil {
			s.log.Warn("release run lock failed", zap.Error(err))
		}
		s.mu.Unlock()
	}, nil
}
