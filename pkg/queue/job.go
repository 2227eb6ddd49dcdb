// Package queue implements named, durable, Postgres-backed work queues with
// at-least-once delivery and idempotent job IDs, generalized from the
// teacher's pkg/runtime/obligation lease/attempt model (see DESIGN.md).
package queue

import "time"

// Status is the lifecycle of a queued job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusLeased    Status = "LEASED"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusDelayed   Status = "DELAYED"
)

// Job is one unit of durable work.
type Job struct {
	Queue        string
	JobID        string
	Payload      []byte
	Status       Status
	Attempts     int
	MaxAttempts  int
	LeaseHolder  string
	LeaseExpiry  *time.Time
	RunAfter     time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EnqueueOptions configures an enqueue call.
type EnqueueOptions struct {
	// MaxAttempts caps retries with exponential backoff before the job is
	// moved to StatusFailed. Defaults to 3, matching the pipelines' retry
	// budget (spec.md §4.8, §4.11).
	MaxAttempts int
	// Delay, if set, postpones the job's first eligibility for poll().
	Delay time.Duration
}

// Handler processes one job. Returning an error wrapped in domain.ErrTransient
// triggers a retry with backoff; any other error is terminal (ack, no retry).
type Handler func(job *Job) error
