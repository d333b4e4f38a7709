// Package queue is the front door for sync jobs: it validates and persists
// requests, then feeds them to a bounded pool of workers in FIFO order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fixturesync/internal/config"
	"fixturesync/internal/domain"
	"fixturesync/internal/events"
	"fixturesync/internal/metrics"
	"fixturesync/internal/models"
	"fixturesync/internal/planner"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidRange is returned when the range start is not before its end.
	ErrInvalidRange = errors.New("invalid range: start must be before end")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid sync job request")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("job queue not started")
)

const (
	// popTimeout is how long a dispatcher waits on the backlog before
	// rechecking for shutdown.
	popTimeout = time.Second

	interruptedReason = "interrupted by restart"
)

// Config sizes the pool and the duration estimate.
type Config struct {
	Concurrency    int
	MaxSpanDays    int
	ChunkSizeDays  int
	PerChunkBudget time.Duration
}

func ConfigFromSync(cfg config.SyncConfig) Config {
	return Config{
		Concurrency:    cfg.Concurrency,
		MaxSpanDays:    cfg.MaxSpanDays,
		ChunkSizeDays:  cfg.ChunkSizeDays,
		PerChunkBudget: cfg.PerChunkBudget,
	}
}

// JobQueue accepts sync jobs and runs at most Concurrency of them at once.
type JobQueue struct {
	store    domain.JobStore
	executor domain.JobExecutor
	backlog  domain.Backlog
	planner  *planner.Planner
	cfg      Config
	events   domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	started    bool
	stopPop    context.CancelFunc // stops dispatchers popping new ids
	cancelJobs context.CancelFunc // cancels in-flight executions
	wg         sync.WaitGroup
}

func New(
	store domain.JobStore,
	executor domain.JobExecutor,
	backlog domain.Backlog,
	cfg Config,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) *JobQueue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = models.DefaultConcurrency
	}
	if cfg.PerChunkBudget <= 0 {
		cfg.PerChunkBudget = models.DefaultPerChunkBudget
	}
	return &JobQueue{
		store:    store,
		executor: executor,
		backlog:  backlog,
		planner:  planner.New(cfg.MaxSpanDays, cfg.ChunkSizeDays),
		cfg:      cfg,
		events:   publisher,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob persists a pending job and schedules it. It returns as soon as
// the job is stored; execution outcome is visible through GetStatus.
func (q *JobQueue) CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.CreateJobResult, error) {
	sourceKey := strings.TrimSpace(req.SourceKey)
	if sourceKey == "" {
		return nil, fmt.Errorf("%w: source key is required", ErrInvalidRequest)
	}
	requested := models.NewDateRange(req.Start, req.End)
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRange, requested)
	}

	effective := q.planner.Clamp(requested)
	estimate := q.planner.EstimateDuration(effective, q.cfg.PerChunkBudget)
	now := q.now()

	job := &models.SyncJob{
		ID:                  uuid.New().String(),
		SourceKey:           sourceKey,
		RequestedRange:      requested,
		EffectiveRange:      effective,
		Status:              models.JobStatusPending,
		CreatedBy:           req.CreatedBy,
		Metadata:            copyMetadata(req.Metadata),
		EstimatedDurationMs: estimate.Milliseconds(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := q.store.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist sync job: %w", err)
	}

	logger := q.logger.With().Str("job_id", job.ID).Str("source_key", sourceKey).Logger()
	if effective.End.Before(requested.End) {
		logger.Info().Str("requested", requested.String()).Str("effective", effective.String()).Msg("Sync range clamped")
	}

	// The row is durable at this point; a lost push is re-queued by recovery on the next Start.
	if err := q.backlog.Push(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue sync job")
	}

	metrics.IncJobCreated(sourceKey)
	logger.Info().Str("created_by", job.CreatedBy).Int64("estimated_ms", job.EstimatedDurationMs).Msg("Sync job created")
	q.publishCreated(job)

	return &models.CreateJobResult{JobID: job.ID, EstimatedDurationMs: job.EstimatedDurationMs}, nil
}

// GetStatus returns a snapshot of the job including its error log.
func (q *JobQueue) GetStatus(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return q.store.GetSyncJob(ctx, jobID)
}

// ListRecentJobs returns the newest jobs of a requester, or of everyone
// when createdBy is empty.
func (q *JobQueue) ListRecentJobs(ctx context.Context, createdBy string, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	if limit > models.MaxListLimit {
		limit = models.MaxListLimit
	}
	return q.store.ListSyncJobsByCreator(ctx, createdBy, limit)
}

// Cleanup deletes terminal jobs that finished more than olderThanDays ago.
func (q *JobQueue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: older_than_days must not be negative", ErrInvalidRequest)
	}
	cutoff := q.now().AddDate(0, 0, -olderThanDays)
	n, err := q.store.DeleteTerminalSyncJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sync jobs: %w", err)
	}
	return n, nil
}

// Start recovers jobs left over by a previous process and launches the
// dispatchers. Calling it again while running is a no-op.
func (q *JobQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		q.logger.Warn().Msg("Job queue already started")
		return nil
	}

	if err := q.recoverJobs(ctx); err != nil {
		return err
	}

	popCtx, stopPop := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	q.stopPop = stopPop
	q.cancelJobs = cancelJobs
	q.started = true

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.dispatch(popCtx, jobCtx, i)
	}

	q.logger.Info().Int("concurrency", q.cfg.Concurrency).Msg("Job queue started")
	return nil
}

// recoverJobs fails jobs a dead process left running and re-queues pending ones
// oldest first.
func (q *JobQueue) recoverJobs(ctx context.Context) error {
	running, err := q.store.ListSyncJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}
	for _, summary := range running {
		job, err := q.store.GetSyncJob(ctx, summary.ID)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", summary.ID).Msg("Failed to load interrupted job")
			continue
		}
		entry, err := job.Fail(interruptedReason, q.now())
		if err != nil {
			continue
		}
		if err := q.store.SaveSyncJob(ctx, job, entry); err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark interrupted job failed")
			continue
		}
		metrics.IncJobFinished(string(models.JobStatusFailed))
		q.logger.Warn().Str("job_id", job.ID).Msg("Marked interrupted job failed")
	}

	pending, err := q.store.ListSyncJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if err := q.backlog.Push(ctx, job.ID); err != nil {
			return fmt.Errorf("re-queue job %s: %w", job.ID, err)
		}
	}
	if len(pending) > 0 || len(running) > 0 {
		q.logger.Info().Int("requeued", len(pending)).Int("interrupted", len(running)).Msg("Recovered sync jobs")
	}
	return nil
}

func (q *JobQueue) dispatch(popCtx, jobCtx context.Context, slot int) {
	defer q.wg.Done()
	logger := q.logger.With().Int("slot", slot).Logger()

	for {
		if popCtx.Err() != nil {
			return
		}

		id, ok, err := q.backlog.Pop(popCtx, popTimeout)
		if err != nil {
			if popCtx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Backlog pop failed")
			if sleepCtx(popCtx, popTimeout) != nil {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		if err := q.executor.Execute(jobCtx, id); err != nil {
			logger.Error().Err(err).Str("job_id", id).Msg("Sync job execution failed")
		}
	}
}

// Stop stops admitting jobs and waits for in-flight executions. When ctx
// expires first the executions are cancelled and Stop still waits for
// them to record their failure.
func (q *JobQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrNotStarted
	}
	q.started = false
	stopPop, cancelJobs := q.stopPop, q.cancelJobs
	q.mu.Unlock()

	stopPop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn().Msg("Shutdown deadline reached, cancelling in-flight sync jobs")
		cancelJobs()
		<-done
		err = ctx.Err()
	}
	cancelJobs()

	q.logger.Info().Msg("Job queue stopped")
	return err
}

func (q *JobQueue) publishCreated(job *models.SyncJob) {
	if q.events == nil {
		return
	}
	payload := events.JobEventPayload{
		JobID:     job.ID,
		SourceKey: job.SourceKey,
		Status:    string(job.Status),
		CreatedBy: job.CreatedBy,
		At:        job.CreatedAt,
	}
	if err := q.events.PublishJSON(events.EventJobCreated, payload); err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job event")
	}
}

func copyMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
