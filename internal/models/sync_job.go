package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a job mutation is not allowed in its current status.
var ErrInvalidTransition = errors.New("invalid sync job transition")

// JobProgress tracks chunk accounting of a job.
type JobProgress struct {
	TotalUnits       int    `json:"total_units"`
	ProcessedUnits   int    `json:"processed_units"`
	Percentage       int    `json:"percentage"`
	CurrentUnitLabel string `json:"current_unit_label"`
}

// JobResults accumulates counts reported by the fixture source.
type JobResults struct {
	TotalItemsFetched int `json:"total_items_fetched"`
	NewItems          int `json:"new_items"`
	ReusedItems       int `json:"reused_items"`
	ErrorCount        int `json:"error_count"`
}

// JobError is one entry of a job's append-only error log.
type JobError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"`
}

// SyncJob is the durable state of one synchronization request.
type SyncJob struct {
	ID                  string            `json:"job_id"`
	SourceKey           string            `json:"source_key"`
	RequestedRange      DateRange         `json:"requested_range"`
	EffectiveRange      DateRange         `json:"effective_range"`
	Status              JobStatus         `json:"status"`
	Progress            JobProgress       `json:"progress"`
	Results             JobResults        `json:"results"`
	ErrorLog            []JobError        `json:"error_log"`
	CreatedBy           string            `json:"created_by"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	EstimatedDurationMs int64             `json:"estimated_duration_ms"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (j *SyncJob) requireStatus(op string, allowed ...JobStatus) error {
	for _, s := range allowed {
		if j.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, j.Status)
}

// Start moves a pending job to running.
func (j *SyncJob) Start(now time.Time) error {
	if err := j.requireStatus("start", JobStatusPending); err != nil {
		return err
	}
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// SetTotalUnits initializes chunk accounting once the plan is known.
func (j *SyncJob) SetTotalUnits(total int, now time.Time) error {
	if err := j.requireStatus("set total", JobStatusRunning); err != nil {
		return err
	}
	if total < 0 {
		total = 0
	}
	j.Progress = JobProgress{TotalUnits: total}
	j.UpdatedAt = now
	return nil
}

// BeginUnit marks the chunk about to be executed.
func (j *SyncJob) BeginUnit(label string, now time.Time) error {
	if err := j.requireStatus("begin unit", JobStatusRunning); err != nil {
		return err
	}
	j.Progress.CurrentUnitLabel = label
	j.UpdatedAt = now
	return nil
}

// AdvanceUnit counts one more processed chunk. ProcessedUnits never exceeds TotalUnits.
func (j *SyncJob) AdvanceUnit(now time.Time) error {
	if err := j.requireStatus("advance unit", JobStatusRunning); err != nil {
		return err
	}
	if j.Progress.ProcessedUnits >= j.Progress.TotalUnits {
		return fmt.Errorf("%w: processed units already at total %d", ErrInvalidTransition, j.Progress.TotalUnits)
	}
	j.Progress.ProcessedUnits++
	j.Progress.Percentage = Percentage(j.Progress.ProcessedUnits, j.Progress.TotalUnits)
	j.UpdatedAt = now
	return nil
}

// AddResult accumulates the counts of one successful chunk.
func (j *SyncJob) AddResult(res ChunkResult, now time.Time) error {
	if err := j.requireStatus("add result", JobStatusRunning); err != nil {
		return err
	}
	j.Results.TotalItemsFetched += nonNegative(res.TotalItems)
	j.Results.NewItems += nonNegative(res.NewItems)
	j.Results.ReusedItems += nonNegative(res.ReusedItems)
	j.UpdatedAt = now
	return nil
}

// RecordError appends to the error log and bumps the error counter.
// It returns the appended entry so callers can persist it.
func (j *SyncJob) RecordError(message, context string, now time.Time) (JobError, error) {
	if j.Status.IsTerminal() {
		return JobError{}, fmt.Errorf("%w: record error while %s", ErrInvalidTransition, j.Status)
	}
	entry := JobError{Timestamp: now, Message: message, Context: context}
	j.ErrorLog = append(j.ErrorLog, entry)
	j.Results.ErrorCount++
	j.UpdatedAt = now
	return entry, nil
}

// Complete finalizes a running job.
func (j *SyncJob) Complete(now time.Time) error {
	if err := j.requireStatus("complete", JobStatusRunning); err != nil {
		return err
	}
	j.Status = JobStatusCompleted
	j.Progress.CurrentUnitLabel = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail finalizes a pending or running job as failed and logs the reason.
func (j *SyncJob) Fail(reason string, now time.Time) (JobError, error) {
	if err := j.requireStatus("fail", JobStatusPending, JobStatusRunning); err != nil {
		return JobError{}, err
	}
	entry, err := j.RecordError(reason, "job", now)
	if err != nil {
		return JobError{}, err
	}
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	return entry, nil
}

// LastError returns the most recent error log message, if any.
func (j *SyncJob) LastError() string {
	if len(j.ErrorLog) == 0 {
		return ""
	}
	return j.ErrorLog[len(j.ErrorLog)-1].Message
}

// Percentage returns round(processed/total*100), or 0 when total is 0.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	return p
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
