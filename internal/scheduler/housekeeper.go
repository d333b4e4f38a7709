package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fixturesync/internal/domain"
	"fixturesync/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Backupper snapshots the job database.
type Backupper interface {
	Enabled() bool
	PerformBackup(ctx context.Context) (string, error)
	CleanupOldBackups() int
}

// Housekeeper prunes old terminal jobs and takes database backups on its
// own schedule.
type Housekeeper struct {
	jobs          domain.JobService
	backup        Backupper
	schedule      string
	retentionDays int
	logger        *zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewHousekeeper builds a housekeeper. backup may be nil.
func NewHousekeeper(jobs domain.JobService, backup Backupper, schedule string, retentionDays int, logger *zerolog.Logger) *Housekeeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if schedule == "" {
		schedule = models.DefaultHousekeepingSchedule
	}
	if retentionDays <= 0 {
		retentionDays = models.DefaultRetentionDays
	}
	return &Housekeeper{
		jobs:          jobs,
		backup:        backup,
		schedule:      schedule,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

func (h *Housekeeper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(h.schedule, func() { h.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", h.schedule, err)
	}
	c.Start()
	h.cron = c
	h.logger.Info().Str("schedule", h.schedule).Int("retention_days", h.retentionDays).Msg("Housekeeper started")
	return nil
}

func (h *Housekeeper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron == nil {
		return
	}
	<-h.cron.Stop().Done()
	h.cron = nil
}

// RunOnce performs one pass. Every failure is logged; the first is returned.
func (h *Housekeeper) RunOnce(ctx context.Context) error {
	var firstErr error

	deleted, err := h.jobs.Cleanup(ctx, h.retentionDays)
	if err != nil {
		h.logger.Error().Err(err).Msg("Job retention cleanup failed")
		firstErr = err
	} else if deleted > 0 {
		h.logger.Info().Int64("deleted", deleted).Msg("Pruned old sync jobs")
	}

	if h.backup == nil || !h.backup.Enabled() {
		return firstErr
	}
	path, err := h.backup.PerformBackup(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Database backup failed")
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	removed := h.backup.CleanupOldBackups()
	h.logger.Info().Str("path", path).Int("removed", removed).Msg("Database backup created")
	return firstErr
}
