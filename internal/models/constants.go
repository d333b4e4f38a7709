package models

import "time"

const (
	// DefaultChunkSizeDays is the span of one chunk.
	DefaultChunkSizeDays = 7

	// DefaultMaxSpanDays caps the effective range of a job.
	DefaultMaxSpanDays = 30

	// DefaultConcurrency is the number of jobs executed at once.
	DefaultConcurrency = 2

	// DefaultPerChunkBudget feeds the advisory duration estimate.
	DefaultPerChunkBudget = 30 * time.Second

	// DefaultChunkDelay is the pause between chunks of one job.
	DefaultChunkDelay = time.Second

	// DefaultChunkTimeout bounds one fetch attempt.
	DefaultChunkTimeout = 2 * time.Minute

	// DefaultRetentionDays is how long terminal jobs are kept.
	DefaultRetentionDays = 30

	// DefaultListLimit and MaxListLimit bound ListRecentJobs.
	DefaultListLimit = 20
	MaxListLimit     = 100

	// DefaultRefreshSchedule runs a refresh cycle every 6 hours.
	DefaultRefreshSchedule = "0 */6 * * *"

	// DefaultKickoffDelay is the wait before the first cycle after start.
	DefaultKickoffDelay = 2 * time.Second

	// DefaultHousekeepingSchedule runs retention and backups nightly.
	DefaultHousekeepingSchedule = "30 3 * * *"

	// SchedulerActor is recorded as CreatedBy for scheduled jobs.
	SchedulerActor = "scheduler"

	// DefaultRedisQueueKey is the Redis list holding pending job ids.
	DefaultRedisQueueKey = "fixturesync:jobs"
)
