package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fixturesync/internal/database"
	"fixturesync/internal/events"
	"fixturesync/internal/models"
	"fixturesync/internal/repository"
	"fixturesync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testConfig() Config {
	return Config{Concurrency: 2, MaxSpanDays: 30, ChunkSizeDays: 7, PerChunkBudget: 30 * time.Second}
}

// blockingExecutor records executions and holds each one until released.
type blockingExecutor struct {
	mu       sync.Mutex
	order    []string
	running  atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
	finished chan string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{}), finished: make(chan string, 100)}
}

func (e *blockingExecutor) Execute(ctx context.Context, jobID string) error {
	n := e.running.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	e.mu.Lock()
	e.order = append(e.order, jobID)
	e.mu.Unlock()

	var err error
	select {
	case <-e.release:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.running.Add(-1)
	e.finished <- jobID
	return err
}

func (e *blockingExecutor) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, string) error { return nil }

func TestCreateJobPersistsPending(t *testing.T) {
	db := setupTestDB(t)
	backlog := repository.NewMemoryBacklog()
	bus := events.NewEventBus()
	var created events.JobEventPayload
	bus.Subscribe(events.EventJobCreated, func(e *events.Event) error { return e.Decode(&created) })

	q := New(db, noopExecutor{}, backlog, testConfig(), bus, nil)
	ctx := context.Background()

	res, err := q.CreateJob(ctx, models.CreateJobRequest{
		SourceKey: "serie-a",
		Start:     day("2025-01-01"),
		End:       day("2025-01-22"),
		CreatedBy: "user1",
		Metadata:  map[string]string{"trigger": "manual"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, int64(90000), res.EstimatedDurationMs)

	job, err := q.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "user1", job.CreatedBy)
	assert.Equal(t, "manual", job.Metadata["trigger"])

	n, err := backlog.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, res.JobID, created.JobID)
}

func TestCreateJobClampsRange(t *testing.T) {
	db := setupTestDB(t)
	q := New(db, noopExecutor{}, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	ctx := context.Background()

	res, err := q.CreateJob(ctx, models.CreateJobRequest{
		SourceKey: "serie-a",
		Start:     day("2025-01-01"),
		End:       day("2025-05-01"),
	})
	require.NoError(t, err)

	job, err := q.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "2025-05-01", job.RequestedRange.End.Format(models.DateLayout))
	assert.Equal(t, "2025-01-31", job.EffectiveRange.End.Format(models.DateLayout))
	assert.Equal(t, int64(150000), res.EstimatedDurationMs)
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	db := setupTestDB(t)
	backlog := repository.NewMemoryBacklog()
	q := New(db, noopExecutor{}, backlog, testConfig(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.CreateJobRequest
		want error
	}{
		{"end before start", models.CreateJobRequest{SourceKey: "serie-a", Start: day("2025-03-01"), End: day("2025-01-01")}, ErrInvalidRange},
		{"same day", models.CreateJobRequest{SourceKey: "serie-a", Start: day("2025-03-01"), End: day("2025-03-01")}, ErrInvalidRange},
		{"missing source", models.CreateJobRequest{SourceKey: "  ", Start: day("2025-01-01"), End: day("2025-02-01")}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := q.CreateJob(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}

	jobs, err := q.ListRecentJobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	n, err := backlog.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateJobSurvivesBacklogFailure(t *testing.T) {
	db := setupTestDB(t)
	q := New(db, noopExecutor{}, failingBacklog{}, testConfig(), nil, nil)

	res, err := q.CreateJob(context.Background(), models.CreateJobRequest{
		SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02"),
	})
	require.NoError(t, err)

	job, err := q.GetStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

type failingBacklog struct{}

func (failingBacklog) Push(context.Context, string) error { return errors.New("redis down") }
func (failingBacklog) Pop(context.Context, time.Duration) (string, bool, error) {
	return "", false, errors.New("redis down")
}
func (failingBacklog) Len(context.Context) (int64, error) { return 0, errors.New("redis down") }

func TestGetStatusNotFound(t *testing.T) {
	q := New(setupTestDB(t), noopExecutor{}, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	_, err := q.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrJobNotFound)
}

func TestListRecentJobsLimits(t *testing.T) {
	db := setupTestDB(t)
	q := New(db, noopExecutor{}, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		q.now = func() time.Time { return at }
		_, err := q.CreateJob(ctx, models.CreateJobRequest{
			SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02"), CreatedBy: "user1",
		})
		require.NoError(t, err)
	}

	jobs, err := q.ListRecentJobs(ctx, "user1", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, models.DefaultListLimit)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))

	jobs, err = q.ListRecentJobs(ctx, "user1", 1000)
	require.NoError(t, err)
	assert.Len(t, jobs, 25)

	jobs, err = q.ListRecentJobs(ctx, "someone-else", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueueRunsFIFOWithConcurrencyCeiling(t *testing.T) {
	db := setupTestDB(t)
	exec := newBlockingExecutor()
	q := New(db, exec, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Start(ctx))

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := q.CreateJob(ctx, models.CreateJobRequest{
			SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02"),
		})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}

	require.Eventually(t, func() bool { return exec.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), exec.running.Load())
	assert.Len(t, exec.Order(), 2)

	// Release one slot at a time so each pop is observed in order.
	for i := 0; i < 5; i++ {
		exec.release <- struct{}{}
		select {
		case <-exec.finished:
		case <-time.After(2 * time.Second):
			t.Fatal("job did not finish")
		}
		want := i + 3
		if want > 5 {
			want = 5
		}
		require.Eventually(t, func() bool { return len(exec.Order()) == want }, time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, int32(2), exec.peak.Load())
	order := exec.Order()
	require.Len(t, order, 5)
	// Two idle dispatchers race for the first pair.
	assert.ElementsMatch(t, ids[:2], order[:2])
	assert.Equal(t, ids[2:], order[2:])

	require.NoError(t, q.Stop(ctx))
}

func TestStopWaitsForInFlight(t *testing.T) {
	db := setupTestDB(t)
	exec := newBlockingExecutor()
	q := New(db, exec, repository.NewMemoryBacklog(), Config{Concurrency: 1}, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	_, err := q.CreateJob(ctx, models.CreateJobRequest{SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(ctx) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	exec.release <- struct{}{}
	require.NoError(t, <-stopped)
	assert.ErrorIs(t, q.Stop(ctx), ErrNotStarted)
}

func TestStopDeadlineCancelsJobs(t *testing.T) {
	db := setupTestDB(t)
	exec := newBlockingExecutor()
	q := New(db, exec, repository.NewMemoryBacklog(), Config{Concurrency: 1}, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	_, err := q.CreateJob(ctx, models.CreateJobRequest{SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = q.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), exec.running.Load())
}

func TestStartRecoversJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Leftovers of a previous process: one job mid-run and two waiting.
	seed := New(db, noopExecutor{}, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	var ids []string
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		seed.now = func() time.Time { return at }
		res, err := seed.CreateJob(ctx, models.CreateJobRequest{SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-02")})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}
	claimed, err := db.ClaimSyncJob(ctx, ids[0], base)
	require.NoError(t, err)
	require.True(t, claimed)

	exec := newBlockingExecutor()
	q := New(db, exec, repository.NewMemoryBacklog(), Config{Concurrency: 1}, nil, nil)
	require.NoError(t, q.Start(ctx))

	for i := 0; i < 2; i++ {
		exec.release <- struct{}{}
		<-exec.finished
	}
	require.NoError(t, q.Stop(ctx))

	assert.Equal(t, ids[1:], exec.Order())

	job, err := q.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, interruptedReason, job.LastError())
}

func TestCleanup(t *testing.T) {
	db := setupTestDB(t)
	q := New(db, noopExecutor{}, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	ctx := context.Background()

	old := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return old }
	res, err := q.CreateJob(ctx, models.CreateJobRequest{SourceKey: "serie-a", Start: day("2024-11-01"), End: day("2024-11-02")})
	require.NoError(t, err)
	job, err := q.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	entry, err := job.Fail("boom", old)
	require.NoError(t, err)
	require.NoError(t, db.SaveSyncJob(ctx, job, entry))

	q.now = func() time.Time { return old.AddDate(0, 0, 10) }
	n, err := q.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return old.AddDate(0, 0, 31) }
	n, err = q.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.Cleanup(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestQueueWithSyncWorkerEndToEnd(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	source := fixtureSourceFunc(func(context.Context, string, time.Time, time.Time) (models.ChunkResult, error) {
		return models.ChunkResult{TotalItems: 5, NewItems: 2, ReusedItems: 3}, nil
	})
	w := worker.NewSyncWorker(db, source, worker.Options{MaxSpanDays: 30, ChunkSizeDays: 7, ChunkTimeout: time.Second}, nil, nil)
	q := New(db, w, repository.NewMemoryBacklog(), testConfig(), nil, nil)
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	res, err := q.CreateJob(ctx, models.CreateJobRequest{
		SourceKey: "serie-a", Start: day("2025-01-01"), End: day("2025-01-22"), CreatedBy: "user1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.GetStatus(ctx, res.JobID)
		return err == nil && job.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	job, err := q.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, models.JobResults{TotalItemsFetched: 15, NewItems: 6, ReusedItems: 9}, job.Results)
	assert.Equal(t, models.JobProgress{TotalUnits: 3, ProcessedUnits: 3, Percentage: 100}, job.Progress)
}

type fixtureSourceFunc func(ctx context.Context, sourceKey string, start, end time.Time) (models.ChunkResult, error)

func (f fixtureSourceFunc) FetchChunk(ctx context.Context, sourceKey string, start, end time.Time) (models.ChunkResult, error) {
	return f(ctx, sourceKey, start, end)
}
