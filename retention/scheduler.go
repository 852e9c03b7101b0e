// Package retention implements the retention/TTL scheduler (C4): a single
// background loop per server instance that scans every known stream
// periodically, deletes streams past their TTL/ExpiresAt, and prunes
// per-stream byte-retention horizons.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/durable-streams/server/metrics"
	"github.com/durable-streams/server/store"
	"go.uber.org/zap"
)

// DefaultPeriod is used when Scheduler is constructed with period <= 0.
const DefaultPeriod = 5 * time.Second

// Scheduler owns the background sweep goroutine described in spec.md §4.4.
// It never holds any stream's lock across the scan itself — expiry and
// pruning are each the relevant Store method's responsibility, which
// acquires the per-stream lock only for the duration of that call.
type Scheduler struct {
	store  store.Store
	period time.Duration
	logger *zap.Logger

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

// New creates a Scheduler. period <= 0 uses DefaultPeriod.
func New(s store.Store, period time.Duration, logger *zap.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		store:  s,
		period: period,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called. It must
// be called at most once per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep, if any, to
// finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	if s.started {
		<-s.done
	}
}

// sweep scans every known path once. Each path is handled independently
// so one stream's pruning failure never blocks another's expiry check.
func (s *Scheduler) sweep() {
	start := time.Now()
	var deleted, pruned int
	paths := s.store.Paths()
	metrics.ActiveStreams.Set(float64(len(paths)))
	metrics.WaiterCount.Set(float64(s.store.WaiterCount()))

	for _, path := range paths {
		meta, err := s.store.Get(path)
		if err != nil {
			if errors.Is(err, store.ErrStreamNotFound) {
				// Get reports an expired stream that is still listed in
				// Paths as not-found; Delete reclaims it. A path deleted
				// since Paths was read returns ErrStreamNotFound again.
				if derr := s.store.Delete(path); derr == nil {
					deleted++
					metrics.RetentionDeletedTotal.Inc()
				} else if !errors.Is(derr, store.ErrStreamNotFound) {
					s.logWarn("retention: delete failed", path, derr)
				}
				continue
			}
			s.logWarn("retention: get failed", path, err)
			continue
		}

		if meta.IsExpired() {
			// A stream that expires between Get and this check; Delete
			// reclaims disk/metadata, waking any waiters with a terminal
			// signal per §4.4.
			if err := s.store.Delete(path); err != nil && !errors.Is(err, store.ErrStreamNotFound) {
				s.logWarn("retention: delete failed", path, err)
			} else {
				deleted++
				metrics.RetentionDeletedTotal.Inc()
			}
			continue
		}

		if meta.RetentionBytes != nil {
			if err := s.store.PruneRetention(path); err != nil {
				s.logWarn("retention: prune failed", path, err)
			} else {
				pruned++
				metrics.RetentionPrunedTotal.Inc()
			}
		}
	}

	metrics.RetentionSweepDuration.Observe(time.Since(start).Seconds())

	if s.logger != nil {
		s.logger.Info("retention sweep complete",
			zap.Int("deleted", deleted),
			zap.Int("pruned", pruned),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Scheduler) logWarn(msg, path string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, zap.String("path", path), zap.Error(err))
	}
}
