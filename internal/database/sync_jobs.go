package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fixturesync/internal/models"
)

const syncJobColumns = `id, source_key, requested_start, requested_end, effective_start, effective_end,
    status, total_units, processed_units, percentage, current_unit_label,
    total_items_fetched, new_items, reused_items, error_count,
    created_by, metadata, estimated_duration_ms, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		job         models.SyncJob
		status      string
		metadata    string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.SourceKey,
		&job.RequestedRange.Start, &job.RequestedRange.End,
		&job.EffectiveRange.Start, &job.EffectiveRange.End,
		&status,
		&job.Progress.TotalUnits, &job.Progress.ProcessedUnits, &job.Progress.Percentage, &job.Progress.CurrentUnitLabel,
		&job.Results.TotalItemsFetched, &job.Results.NewItems, &job.Results.ReusedItems, &job.Results.ErrorCount,
		&job.CreatedBy, &metadata, &job.EstimatedDurationMs,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateSyncJob inserts a new job row together with any initial error entries.
func (db *DB) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	metadata, err := encodeMetadata(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `INSERT INTO sync_jobs (` + syncJobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		job.ID, job.SourceKey,
		job.RequestedRange.Start.UTC(), job.RequestedRange.End.UTC(),
		job.EffectiveRange.Start.UTC(), job.EffectiveRange.End.UTC(),
		string(job.Status),
		job.Progress.TotalUnits, job.Progress.ProcessedUnits, job.Progress.Percentage, job.Progress.CurrentUnitLabel,
		job.Results.TotalItemsFetched, job.Results.NewItems, job.Results.ReusedItems, job.Results.ErrorCount,
		job.CreatedBy, metadata, job.EstimatedDurationMs,
		job.CreatedAt.UTC(), utcPtr(job.StartedAt), utcPtr(job.CompletedAt), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// GetSyncJob loads a job with its error log in append order.
func (db *DB) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := db.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", id, err)
	}

	job.ErrorLog, err = db.getSyncJobErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) getSyncJobErrors(ctx context.Context, jobID string) ([]models.JobError, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT occurred_at, message, context FROM sync_job_errors WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get errors of job %s: %w", jobID, err)
	}
	defer rows.Close()

	var entries []models.JobError
	for rows.Next() {
		var e models.JobError
		if err := rows.Scan(&e.Timestamp, &e.Message, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to scan job error: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimSyncJob moves a pending job to running. It reports false when the
// job was already claimed or finished by someone else.
func (db *DB) ClaimSyncJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.JobStatusRunning), now.UTC(), now.UTC(), id, string(models.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim sync job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	exists, err := db.syncJobExists(ctx, db.DB, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrJobNotFound
	}
	return false, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) syncJobExists(ctx context.Context, q queryRower, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check sync job %s: %w", id, err)
	}
	return n > 0, nil
}

// SaveSyncJob writes the mutable state of a job and appends new error log
// entries in one transaction. Stored terminal rows are never overwritten.
func (db *DB) SaveSyncJob(ctx context.Context, job *models.SyncJob, appended ...models.JobError) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE sync_jobs SET
            status = ?, total_units = ?, processed_units = ?, percentage = ?, current_unit_label = ?,
            total_items_fetched = ?, new_items = ?, reused_items = ?, error_count = ?,
            started_at = ?, completed_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`,
		string(job.Status),
		job.Progress.TotalUnits, job.Progress.ProcessedUnits, job.Progress.Percentage, job.Progress.CurrentUnitLabel,
		job.Results.TotalItemsFetched, job.Results.NewItems, job.Results.ReusedItems, job.Results.ErrorCount,
		utcPtr(job.StartedAt), utcPtr(job.CompletedAt), job.UpdatedAt.UTC(),
		job.ID, string(models.JobStatusCompleted), string(models.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		exists, err := db.syncJobExists(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrJobTerminal
	}

	for _, e := range appended {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_job_errors (job_id, occurred_at, message, context) VALUES (?, ?, ?, ?)`,
			job.ID, e.Timestamp.UTC(), e.Message, e.Context)
		if err != nil {
			return fmt.Errorf("failed to append error to job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync job %s: %w", job.ID, err)
	}
	return nil
}

// ListSyncJobsByCreator returns the newest jobs first, without error logs.
// An empty createdBy lists jobs of every requester.
func (db *DB) ListSyncJobsByCreator(ctx context.Context, createdBy string, limit int) ([]*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs`
	args := []any{}
	if createdBy != "" {
		query += ` WHERE created_by = ?`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return db.querySyncJobs(ctx, query, args...)
}

// ListSyncJobsByStatus returns jobs of one status, oldest first.
func (db *DB) ListSyncJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.SyncJob, error) {
	return db.querySyncJobs(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(status))
}

func (db *DB) querySyncJobs(ctx context.Context, query string, args ...any) ([]*models.SyncJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteTerminalSyncJobsBefore removes completed and failed jobs that
// finished before cutoff, with their error logs.
func (db *DB) DeleteTerminalSyncJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const match = `status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{string(models.JobStatusCompleted), string(models.JobStatusFailed), cutoff.UTC()}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_job_errors WHERE job_id IN (SELECT id FROM sync_jobs WHERE `+match+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete job errors: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs WHERE `+match, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	if n > 0 {
		db.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Deleted terminal sync jobs")
	}
	return n, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
