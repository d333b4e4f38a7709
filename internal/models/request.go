package models

import "time"

// CreateJobRequest is the input accepted by the job queue.
type CreateJobRequest struct {
	SourceKey string            `json:"source_key"`
	Start     time.Time         `json:"-"`
	End       time.Time         `json:"-"`
	CreatedBy string            `json:"created_by"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateJobResult is returned as soon as a job is persisted.
type CreateJobResult struct {
	JobID               string `json:"job_id"`
	EstimatedDurationMs int64  `json:"estimated_duration_ms"`
}
