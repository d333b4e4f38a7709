package scheduler

import (
	"context"
	"strconv"
	"time"

	"fixturesync/internal/domain"
	"fixturesync/internal/models"

	"github.com/rs/zerolog"
)

// QueueRefresher refreshes a source by enqueueing a sync job over its
// configured window around today.
type QueueRefresher struct {
	jobs   domain.JobService
	logger *zerolog.Logger
	now    func() time.Time
}

func NewQueueRefresher(jobs domain.JobService, logger *zerolog.Logger) *QueueRefresher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &QueueRefresher{
		jobs:   jobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Window returns [today-PastDays, today+FutureDays] for the source.
func (r *QueueRefresher) Window(src models.Source) (time.Time, time.Time) {
	today := models.DateOf(r.now())
	return today.AddDate(0, 0, -src.PastDays), today.AddDate(0, 0, src.FutureDays)
}

func (r *QueueRefresher) Refresh(ctx context.Context, src models.Source) error {
	start, end := r.Window(src)
	res, err := r.jobs.CreateJob(ctx, models.CreateJobRequest{
		SourceKey: src.Key,
		Start:     start,
		End:       end,
		CreatedBy: models.SchedulerActor,
		Metadata: map[string]string{
			"trigger": models.SchedulerActor,
			"tier":    strconv.Itoa(src.Tier),
		},
	})
	if err != nil {
		return err
	}
	r.logger.Debug().Str("source_key", src.Key).Str("job_id", res.JobID).Msg("Source refresh enqueued")
	return nil
}
