package worker

import "fmt"

// ChunkError is a failed chunk fetch. It is recorded on the job and the
// chunk loop moves on.
type ChunkError struct {
	Chunk    string
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s failed after %d attempt(s): %v", e.Chunk, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// JobFatalError ends a job as failed.
type JobFatalError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *JobFatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync job %s failed: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("sync job %s failed: %s: %v", e.JobID, e.Reason, e.Err)
}

func (e *JobFatalError) Unwrap() error { return e.Err }
