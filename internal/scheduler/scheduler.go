// Package scheduler periodically refreshes catalog sources in tier order.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fixturesync/internal/config"
	"fixturesync/internal/domain"
	"fixturesync/internal/metrics"
	"fixturesync/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher triggers one refresh of a source.
type Refresher interface {
	Refresh(ctx context.Context, source models.Source) error
}

// SourceRefreshError wraps the failure of a single source within a cycle.
type SourceRefreshError struct {
	SourceKey string
	Tier      int
	Err       error
}

func (e *SourceRefreshError) Error() string {
	return fmt.Sprintf("refresh source %s (tier %d): %v", e.SourceKey, e.Tier, e.Err)
}

func (e *SourceRefreshError) Unwrap() error { return e.Err }

// Config controls the cadence of refresh cycles.
type Config struct {
	Schedule     string
	KickoffDelay time.Duration
	SourceDelay  time.Duration
}

func ConfigFromScheduler(cfg config.SchedulerConfig) Config {
	return Config{
		Schedule:     cfg.Schedule,
		KickoffDelay: cfg.KickoffDelay,
		SourceDelay:  cfg.SourceDelay,
	}
}

// Scheduler runs RefreshCycle on a cron schedule plus once shortly after Start.
type Scheduler struct {
	catalog   domain.SourceCatalog
	refresher Refresher
	cfg       Config
	logger    *zerolog.Logger

	cycleRunning atomic.Bool

	mu      sync.Mutex
	started bool
	cron    *cron.Cron
	kickoff *time.Timer
}

func New(catalog domain.SourceCatalog, refresher Refresher, cfg Config, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.Schedule == "" {
		cfg.Schedule = models.DefaultRefreshSchedule
	}
	if cfg.KickoffDelay < 0 {
		cfg.KickoffDelay = 0
	}
	return &Scheduler{
		catalog:   catalog,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start registers the periodic trigger and the kickoff. A second call while
// started only logs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn().Msg("Scheduler already started")
		return nil
	}

	// Triggered cycles are not bound to Stop; they always run to the end.
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RefreshCycle(context.Background()) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()

	s.cron = c
	s.kickoff = time.AfterFunc(s.cfg.KickoffDelay, func() { s.RefreshCycle(context.Background()) })
	s.started = true

	s.logger.Info().
		Str("schedule", s.cfg.Schedule).
		Dur("kickoff_delay", s.cfg.KickoffDelay).
		Msg("Scheduler started")
	return nil
}

// Stop prevents future cycles. A cycle already in progress is not
// interrupted and Stop does not wait for it. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.kickoff.Stop()
	s.cron.Stop()
	s.logger.Info().Bool("cycle_running", s.Running()).Msg("Scheduler stopped")
}

// Running reports whether a refresh cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.cycleRunning.Load()
}

// RefreshCycle refreshes every catalog source, lowest tier first. It returns
// false without doing anything when another cycle is still running. Only a
// cancelled ctx from the caller cuts the cycle short.
func (s *Scheduler) RefreshCycle(ctx context.Context) bool {
	if !s.cycleRunning.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Refresh cycle still running, skipping")
		metrics.IncCycle("skipped")
		return false
	}
	defer s.cycleRunning.Store(false)

	started := time.Now()
	sources, err := s.listSources(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sources")
		metrics.IncCycle("error")
		return true
	}

	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Tier < sources[j].Tier })

	failed := 0
	for i, src := range sources {
		if ctx.Err() != nil {
			s.logger.Info().Int("remaining", len(sources)-i).Msg("Refresh cycle interrupted")
			break
		}
		if i > 0 && s.cfg.SourceDelay > 0 {
			if !sleepCtx(ctx, s.cfg.SourceDelay) {
				break
			}
		}

		if err := s.refreshOne(ctx, src); err != nil {
			failed++
			s.logger.Error().Err(err).Str("source_key", src.Key).Int("tier", src.Tier).Msg("Source refresh failed")
			metrics.IncSourceRefresh(src.Tier, "error")
			continue
		}
		metrics.IncSourceRefresh(src.Tier, "ok")
	}

	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	metrics.IncCycle(outcome)
	s.logger.Info().
		Int("sources", len(sources)).
		Int("failed", failed).
		Dur("took", time.Since(started)).
		Msg("Refresh cycle finished")
	return true
}

func (s *Scheduler) listSources(ctx context.Context) (sources []models.Source, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("catalog panic: %v", r)
		}
	}()
	return s.catalog.ListSources(ctx)
}

func (s *Scheduler) refreshOne(ctx context.Context, src models.Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("stack", string(debug.Stack())).Msg("Source refresh panicked")
			err = &SourceRefreshError{SourceKey: src.Key, Tier: src.Tier, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if rerr := s.refresher.Refresh(ctx, src); rerr != nil {
		return &SourceRefreshError{SourceKey: src.Key, Tier: src.Tier, Err: rerr}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
