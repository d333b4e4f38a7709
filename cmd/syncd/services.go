package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fixturesync/internal/queue"
	"fixturesync/internal/scheduler"

	"github.com/rs/zerolog"
)

const cyclePollInterval = 100 * time.Millisecond

// services owns the background parts that share the job store: the queue
// dispatchers and the two cron drivers feeding it.
type services struct {
	queue        *queue.JobQueue
	sched        *scheduler.Scheduler
	housekeeper  *scheduler.Housekeeper
	runScheduler bool
	logger       *zerolog.Logger
}

// start brings up the queue first so scheduled jobs have somewhere to go.
// On failure everything already started is torn down again, so the caller
// can close the store right away.
func (s *services) start(ctx context.Context) error {
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	if s.runScheduler {
		if err := s.sched.Start(); err != nil {
			s.abort()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if err := s.housekeeper.Start(); err != nil {
		s.abort()
		return fmt.Errorf("start housekeeper: %w", err)
	}
	return nil
}

// stopTriggers prevents new refresh cycles and housekeeping passes.
func (s *services) stopTriggers() {
	s.sched.Stop()
	s.housekeeper.Stop()
}

// drain waits for a running refresh cycle, then stops the queue. Both
// waits are bounded by ctx.
func (s *services) drain(ctx context.Context) {
	waitForCycle(ctx, s.sched)
	if err := s.queue.Stop(ctx); err != nil && !errors.Is(err, queue.ErrNotStarted) {
		s.logger.Warn().Err(err).Msg("job queue did not drain before deadline")
	}
}

func (s *services) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.stopTriggers()
	s.drain(ctx)
}

// waitForCycle lets a refresh cycle that was already running enqueue the
// rest of its sources before the queue goes away.
func waitForCycle(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(cyclePollInterval)
	defer ticker.Stop()
	for sched.Running() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
