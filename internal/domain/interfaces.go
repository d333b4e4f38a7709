package domain

import (
	"context"
	"time"

	"fixturesync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// FixtureSource pulls and stores upstream data for one chunk of a job.
type FixtureSource interface {
	FetchChunk(ctx context.Context, sourceKey string, start, end time.Time) (models.ChunkResult, error)
}

// SourceCatalog lists the sources the scheduler refreshes.
type SourceCatalog interface {
	ListSources(ctx context.Context) ([]models.Source, error)
}

type JobStore interface {
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	ClaimSyncJob(ctx context.Context, id string, now time.Time) (bool, error)
	SaveSyncJob(ctx context.Context, job *models.SyncJob, appended ...models.JobError) error
	ListSyncJobsByCreator(ctx context.Context, createdBy string, limit int) ([]*models.SyncJob, error)
	ListSyncJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.SyncJob, error)
	DeleteTerminalSyncJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Backlog is the FIFO of job ids waiting for a worker slot.
// Pop waits up to timeout and reports false when nothing arrived.
type Backlog interface {
	Push(ctx context.Context, jobID string) error
	Pop(ctx context.Context, timeout time.Duration) (string, bool, error)
	Len(ctx context.Context) (int64, error)
}

type JobExecutor interface {
	Execute(ctx context.Context, jobID string) error
}

// JobService is the front door used by the HTTP API and the scheduler.
type JobService interface {
	CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.CreateJobResult, error)
	GetStatus(ctx context.Context, jobID string) (*models.SyncJob, error)
	ListRecentJobs(ctx context.Context, createdBy string, limit int) ([]*models.SyncJob, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
