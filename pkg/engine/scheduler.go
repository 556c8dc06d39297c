package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/telemetry"
)

// Scheduler drives one reconciler per tracked cluster on a fixed
// interval. Clusters run concurrently and independently: one cluster's
// failing cycles never delay or abort another's.
type Scheduler struct {
	interval time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	mu          sync.Mutex
	reconcilers map[string]*Reconciler
	triggers    map[string]chan struct{}
}

// NewScheduler creates a scheduler that ticks every interval.
func NewScheduler(interval time.Duration, logger zerolog.Logger, metrics *telemetry.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval:    interval,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		metrics:     metrics,
		reconcilers: make(map[string]*Reconciler),
		triggers:    make(map[string]chan struct{}),
	}
}

// Add registers a cluster's reconciler. Must be called before Run.
func (s *Scheduler) Add(cluster string, r *Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcilers[cluster] = r
	s.triggers[cluster] = make(chan struct{}, 1)
}

// Trigger requests an early cycle for every cluster, coalescing with any
// pending request. Used by the repo watcher when files change between
// ticks.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.triggers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run starts one loop per cluster and blocks until the context is
// canceled and every in-flight cycle has finished. Each cluster runs an
// immediate first cycle, then one per tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	reconcilers := make(map[string]*Reconciler, len(s.reconcilers))
	for k, v := range s.reconcilers {
		reconcilers[k] = v
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for cluster, r := range reconcilers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runCluster(ctx, cluster, r)
		}()
	}
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runCluster(ctx context.Context, cluster string, r *Reconciler) {
	logger := s.logger.With().Str("cluster", cluster).Logger()

	s.mu.Lock()
	trigger := s.triggers[cluster]
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx, cluster, r, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("cluster loop stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, cluster, r, logger)
		case <-trigger:
			logger.Debug().Msg("early cycle triggered")
			s.runOnce(ctx, cluster, r, logger)
		}
	}
}

// runOnce executes a single cycle, isolating any failure to this tick.
// A cycle that could not run at all just waits for the next tick; the
// cause is usually a repo or network hiccup that resolves itself.
func (s *Scheduler) runOnce(ctx context.Context, cluster string, r *Reconciler, logger zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.CycleStarted()
		defer s.metrics.CycleFinished()
	}

	if _, err := r.RunCycle(ctx); err != nil {
		logger.Error().Err(err).Msg("cycle did not run")
		if s.metrics != nil {
			if e := classify(err); e != nil {
				s.metrics.RecordError(string(e.Class), e.Code)
			}
		}
	}
}
