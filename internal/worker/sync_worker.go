package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fixturesync/internal/config"
	"fixturesync/internal/database"
	"fixturesync/internal/domain"
	"fixturesync/internal/events"
	"fixturesync/internal/metrics"
	"fixturesync/internal/models"
	"fixturesync/internal/planner"

	"github.com/rs/zerolog"
)

// persistTimeout bounds one job write. Writes are detached from the job
// context so a shutdown still records the last snapshot.
const persistTimeout = 5 * time.Second

// Options tune chunk planning and pacing.
type Options struct {
	MaxSpanDays   int
	ChunkSizeDays int
	ChunkDelay    time.Duration
	ChunkTimeout  time.Duration
	Retry         RetryPolicy
}

func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		MaxSpanDays:   cfg.MaxSpanDays,
		ChunkSizeDays: cfg.ChunkSizeDays,
		ChunkDelay:    cfg.ChunkDelay,
		ChunkTimeout:  cfg.ChunkTimeout,
		Retry:         RetryPolicyFromConfig(cfg.Retry),
	}
}

// SyncWorker executes one job at a time per call: it walks the planned
// chunks in order, fetching each from the fixture source and persisting
// progress after every step.
type SyncWorker struct {
	store   domain.JobStore
	source  domain.FixtureSource
	planner *planner.Planner
	opts    Options
	events  domain.EventPublisher
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewSyncWorker(
	store domain.JobStore,
	source domain.FixtureSource,
	opts Options,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) *SyncWorker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = models.DefaultChunkTimeout
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	return &SyncWorker{
		store:   store,
		source:  source,
		planner: planner.New(opts.MaxSpanDays, opts.ChunkSizeDays),
		opts:    opts,
		events:  publisher,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// errFinalizedElsewhere stops a run whose stored row became terminal
// without this worker's involvement.
var errFinalizedElsewhere = errors.New("job finalized elsewhere")

// jobRun is the state of one Execute call.
type jobRun struct {
	w       *SyncWorker
	job     *models.SyncJob
	logger  zerolog.Logger
	unsaved []models.JobError
}

// Execute runs the job to a terminal status. It returns nil when the job
// completed or had already been claimed, database.ErrJobNotFound when the
// job does not exist, and a *JobFatalError when the job ended failed.
func (w *SyncWorker) Execute(ctx context.Context, jobID string) (err error) {
	job, err := w.store.GetSyncJob(ctx, jobID)
	if errors.Is(err, database.ErrJobNotFound) {
		w.logger.Error().Str("job_id", jobID).Msg("Sync job not found, nothing to execute")
		return err
	}
	if err != nil {
		return &JobFatalError{JobID: jobID, Reason: "load job", Err: err}
	}

	run := &jobRun{
		w:      w,
		job:    job,
		logger: w.logger.With().Str("job_id", job.ID).Str("source_key", job.SourceKey).Logger(),
	}

	if job.Status != models.JobStatusPending {
		run.logger.Debug().Str("status", string(job.Status)).Msg("Sync job is not pending, skipping")
		return nil
	}

	now := w.now()
	claimed, err := w.store.ClaimSyncJob(ctx, job.ID, now)
	if errors.Is(err, database.ErrJobNotFound) {
		run.logger.Error().Msg("Sync job vanished before start")
		return err
	}
	if err != nil {
		return run.fail(ctx, "claim job", err)
	}
	if !claimed {
		run.logger.Debug().Msg("Sync job already claimed, skipping")
		return nil
	}
	if err := job.Start(now); err != nil {
		return run.fail(ctx, "start job", err)
	}

	done := metrics.JobStarted()
	defer done()

	defer func() {
		if r := recover(); r != nil {
			run.logger.Error().Interface("panic", r).Msg("Sync job panicked")
			err = run.fail(ctx, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	run.logger.Info().Msg("Sync job started")
	run.publish(events.EventJobStarted, "", "")

	err = run.execute(ctx)
	if errors.Is(err, errFinalizedElsewhere) {
		run.logger.Warn().Msg("Sync job was finalized by another writer, stopping")
		return nil
	}
	return err
}

func (r *jobRun) execute(ctx context.Context) error {
	w := r.w
	job := r.job

	chunks := w.planner.Plan(job.RequestedRange)
	if err := job.SetTotalUnits(len(chunks), w.now()); err != nil {
		return r.fail(ctx, "plan chunks", err)
	}
	if err := r.persist(ctx); err != nil {
		return r.persistFailed(ctx, "save plan", err)
	}

	for i, chunk := range chunks {
		label := chunk.Label()
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, "cancelled before chunk "+label, err)
		}

		if err := job.BeginUnit(label, w.now()); err != nil {
			return r.fail(ctx, "begin chunk "+label, err)
		}
		if err := r.persist(ctx); err != nil {
			return r.persistFailed(ctx, "save progress", err)
		}

		res, fetchErr := w.fetchChunk(ctx, job.SourceKey, chunk, r.logger)
		if fetchErr != nil && ctx.Err() != nil {
			return r.fail(ctx, "cancelled during chunk "+label, ctx.Err())
		}

		var entries []models.JobError
		if fetchErr == nil {
			if err := job.AddResult(res, w.now()); err != nil {
				return r.fail(ctx, "add result", err)
			}
		} else {
			r.logger.Warn().Err(fetchErr).Str("chunk", label).Msg("Chunk failed, continuing")
			entry, err := job.RecordError(fetchErr.Error(), label, w.now())
			if err != nil {
				return r.fail(ctx, "record chunk error", err)
			}
			entries = append(entries, entry)
		}

		if err := job.AdvanceUnit(w.now()); err != nil {
			return r.fail(ctx, "advance progress", err)
		}
		if err := r.persist(ctx, entries...); err != nil {
			return r.persistFailed(ctx, "save progress", err)
		}
		if fetchErr != nil {
			r.publish(events.EventJobChunkFailed, label, fetchErr.Error())
		}

		if i < len(chunks)-1 {
			if err := sleepCtx(ctx, w.opts.ChunkDelay); err != nil {
				return r.fail(ctx, "cancelled between chunks", err)
			}
		}
	}

	return r.complete(ctx)
}

// complete finalizes the job after the chunk loop, including plans with no chunks.
func (r *jobRun) complete(ctx context.Context) error {
	before := *r.job
	if err := r.job.Complete(r.w.now()); err != nil {
		return r.fail(ctx, "complete job", err)
	}
	if err := r.persist(ctx); err != nil {
		*r.job = before
		return r.persistFailed(ctx, "save completion", err)
	}

	metrics.IncJobFinished(string(models.JobStatusCompleted))
	r.logger.Info().
		Int("chunks", r.job.Progress.TotalUnits).
		Int("new_items", r.job.Results.NewItems).
		Int("reused_items", r.job.Results.ReusedItems).
		Int("error_count", r.job.Results.ErrorCount).
		Msg("Sync job completed")
	r.publish(events.EventJobCompleted, "", "")
	return nil
}

func (r *jobRun) persist(ctx context.Context, entries ...models.JobError) error {
	r.unsaved = append(r.unsaved, entries...)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.w.store.SaveSyncJob(saveCtx, r.job, r.unsaved...); err != nil {
		return err
	}
	r.unsaved = nil
	return nil
}

// persistFailed classifies a storage error raised while saving progress.
func (r *jobRun) persistFailed(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, database.ErrJobTerminal):
		return errFinalizedElsewhere
	case errors.Is(err, database.ErrJobNotFound):
		// Nothing left to persist to; the failure is reported to the caller only.
		reason := "job record vanished"
		if _, ferr := r.job.Fail(reason, r.w.now()); ferr != nil {
			r.logger.Debug().Err(ferr).Msg("Local job already terminal")
		}
		metrics.IncJobFinished(string(models.JobStatusFailed))
		r.logger.Error().Err(err).Str("op", op).Msg("Sync job record vanished mid-run")
		r.publish(events.EventJobFailed, "", reason)
		return &JobFatalError{JobID: r.job.ID, Reason: reason, Err: err}
	default:
		return r.fail(ctx, op, err)
	}
}

// fail marks the job failed and makes a best effort to persist it.
func (r *jobRun) fail(ctx context.Context, reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", reason, cause)
	}

	entry, err := r.job.Fail(msg, r.w.now())
	if err != nil {
		r.logger.Error().Err(err).Str("reason", msg).Msg("Cannot mark sync job failed")
		return &JobFatalError{JobID: r.job.ID, Reason: reason, Err: cause}
	}

	if err := r.persist(ctx, entry); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist failed sync job")
	}

	metrics.IncJobFinished(string(models.JobStatusFailed))
	r.logger.Error().Err(cause).Str("reason", reason).Msg("Sync job failed")
	r.publish(events.EventJobFailed, "", msg)
	return &JobFatalError{JobID: r.job.ID, Reason: reason, Err: cause}
}

func (r *jobRun) publish(eventType, chunk, message string) {
	if r.w.events == nil {
		return
	}
	job := r.job
	payload := events.JobEventPayload{
		JobID:          job.ID,
		SourceKey:      job.SourceKey,
		Status:         string(job.Status),
		CreatedBy:      job.CreatedBy,
		Chunk:          chunk,
		Message:        message,
		ProcessedUnits: job.Progress.ProcessedUnits,
		TotalUnits:     job.Progress.TotalUnits,
		TotalItems:     job.Results.TotalItemsFetched,
		NewItems:       job.Results.NewItems,
		ReusedItems:    job.Results.ReusedItems,
		ErrorCount:     job.Results.ErrorCount,
		At:             r.w.now(),
	}
	if err := r.w.events.PublishJSON(eventType, payload); err != nil {
		r.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish job event")
	}
}

// fetchChunk calls the fixture source with a per-attempt timeout, retrying
// with backoff. A panic in the source counts as a failed attempt.
func (w *SyncWorker) fetchChunk(ctx context.Context, sourceKey string, chunk planner.Chunk, logger zerolog.Logger) (models.ChunkResult, error) {
	started := time.Now()
	label := chunk.Label()

	for attempt := 1; ; attempt++ {
		res, err := w.fetchOnce(ctx, sourceKey, chunk)
		if err == nil {
			metrics.ObserveChunk("ok", time.Since(started))
			return res, nil
		}

		if !w.opts.Retry.CanRetry(attempt) || ctx.Err() != nil {
			metrics.ObserveChunk("error", time.Since(started))
			return models.ChunkResult{}, &ChunkError{Chunk: label, Attempts: attempt, Err: err}
		}

		delay := w.opts.Retry.NextDelay(attempt)
		logger.Debug().Err(err).Str("chunk", label).Int("attempt", attempt).Dur("retry_in", delay).Msg("Chunk fetch failed, retrying")
		if serr := sleepCtx(ctx, delay); serr != nil {
			metrics.ObserveChunk("error", time.Since(started))
			return models.ChunkResult{}, &ChunkError{Chunk: label, Attempts: attempt, Err: err}
		}
	}
}

func (w *SyncWorker) fetchOnce(ctx context.Context, sourceKey string, chunk planner.Chunk) (res models.ChunkResult, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.opts.ChunkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fixture source panicked: %v", r)
		}
	}()

	return w.source.FetchChunk(attemptCtx, sourceKey, chunk.Start, chunk.End)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
