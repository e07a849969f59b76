package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a queued effect job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// DefaultJobMaxAttempts bounds how often a failing effect is retried.
const DefaultJobMaxAttempts = 5

// Job is a durable effect waiting to be executed. Jobs sharing a Key run
// strictly in enqueue order.
type Job struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Kind        string     `json:"kind"`
	Key         string     `json:"key,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable effect queue persistence.
type JobRepo interface {
	// EnqueueJob inserts a job. If dedupeKey is non-empty and any job with that
	// key exists, the existing ID is returned and nothing is inserted.
	EnqueueJob(kind, key string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit due jobs as running and returns them in
	// enqueue order. A job is only claimable when no earlier job with the same
	// key is still queued or running.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob records errMsg and reschedules at nextRunAt, or marks the job
	// permanently failed once max_attempts is reached.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore
	// back to queued (crash recovery).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID, or (nil, nil) when absent.
	GetJob(id string) (*Job, error)

	// ListJobs returns jobs with the given status in enqueue order.
	ListJobs(status JobStatus, limit int) ([]Job, error)
}
