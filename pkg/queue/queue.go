package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vulnmesh/core/pkg/domain"
)

// Queue is a single named durable queue backed by Postgres. The row-leasing
// pattern (SELECT ... FOR UPDATE SKIP LOCKED) generalizes the teacher's
// obligation.MemoryStore.AtomicLease from a single in-memory list to a
// durable, concurrently-pollable table per queue name.
type Queue struct {
	db      *sql.DB
	name    string
	logger  *slog.Logger
	limiter *rate.Limiter
}

// New returns a handle on the named queue. ratePerSecond <= 0 disables
// rate limiting (unbounded).
func New(db *sql.DB, name string, ratePerSecond float64, logger *slog.Logger) *Queue {
	var lim *rate.Limiter
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), int(math.Max(1, ratePerSecond)))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, name: name, logger: logger.With("queue", name), limiter: lim}
}

// Enqueue persists a job. If jobID is empty a UUID is generated. If jobID is
// already present, the enqueue is a no-op (spec.md §4.2) via
// ON CONFLICT DO NOTHING, the same idempotency pattern as the teacher's
// receipt store.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload []byte, opts EnqueueOptions) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	runAfter := time.Now().UTC()
	if opts.Delay > 0 {
		runAfter = runAfter.Add(opts.Delay)
	}

	const query = `
		INSERT INTO jobs (queue, job_id, payload, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, now(), now())
		ON CONFLICT (queue, job_id) DO NOTHING
	`
	status := StatusPending
	if opts.Delay > 0 {
		status = StatusDelayed
	}
	_, err := q.db.ExecContext(ctx, query, q.name, jobID, payload, status, maxAttempts, runAfter)
	if err != nil {
		return "", domain.Wrap(domain.KindTransient, "queue.enqueue", q.name, err)
	}
	return jobID, nil
}

// lease atomically claims one eligible job using FOR UPDATE SKIP LOCKED so
// concurrent pollers never double-claim the same row.
func (q *Queue) lease(ctx context.Context, holder string, leaseFor time.Duration) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "queue.lease.begin", q.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT job_id, payload, status, attempts, max_attempts, run_after, created_at, updated_at
		FROM jobs
		WHERE queue = $1
		  AND status IN ('PENDING', 'DELAYED')
		  AND run_after <= now()
		ORDER BY run_after ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var j Job
	j.Queue = q.name
	row := tx.QueryRowContext(ctx, selectQuery, q.name)
	if err := row.Scan(&j.JobID, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.Wrap(domain.KindTransient, "queue.lease.select", q.name, err)
	}

	expiry := time.Now().UTC().Add(leaseFor)
	const updateQuery = `
		UPDATE jobs SET status = 'LEASED', lease_holder = $1, lease_expiry = $2, updated_at = now()
		WHERE queue = $3 AND job_id = $4
	`
	if _, err := tx.ExecContext(ctx, updateQuery, holder, expiry, q.name, j.JobID); err != nil {
		return nil, domain.Wrap(domain.KindTransient, "queue.lease.update", q.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Wrap(domain.KindTransient, "queue.lease.commit", q.name, err)
	}
	j.Status = StatusLeased
	j.LeaseHolder = holder
	j.LeaseExpiry = &expiry
	return &j, nil
}

func (q *Queue) ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = 'DONE', updated_at = now() WHERE queue = $1 AND job_id = $2`, q.name, jobID)
	return err
}

// fail records a failed attempt. Transient errors are retried with
// exponential backoff up to MaxAttempts, then moved to StatusFailed
// (spec.md §4.2); non-transient errors move straight to StatusFailed.
func (q *Queue) fail(ctx context.Context, j *Job, cause error) error {
	transient := domain.IsTransient(cause)
	attempts := j.Attempts + 1

	if transient && attempts < j.MaxAttempts {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'DELAYED', attempts = $1, run_after = $2, last_error = $3, updated_at = now()
			WHERE queue = $4 AND job_id = $5
		`, attempts, time.Now().UTC().Add(backoff), cause.Error(), q.name, j.JobID)
		return err
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'FAILED', attempts = $1, last_error = $2, updated_at = now()
		WHERE queue = $3 AND job_id = $4
	`, attempts, cause.Error(), q.name, j.JobID)
	return err
}

// Remove deletes a job by id, used by administrative recovery tooling
// (e.g. the stuck-proof sweeper, spec.md §4.10).
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue = $1 AND job_id = $2`, q.name, jobID)
	return err
}

// Worker drives Poll against a single queue with bounded concurrency.
type Worker struct {
	Queue       *Queue
	Concurrency int
	LeaseFor    time.Duration
	PollEvery   time.Duration
}

// Run starts Concurrency goroutines pulling from the queue until ctx is
// canceled, implementing the "worker pools with explicit shutdown signals"
// guidance of Design Notes §9.
func (w *Worker) Run(ctx context.Context, handler Handler) {
	if w.Concurrency <= 0 {
		w.Concurrency = 1
	}
	if w.LeaseFor <= 0 {
		w.LeaseFor = 5 * time.Minute
	}
	if w.PollEvery <= 0 {
		w.PollEvery = 500 * time.Millisecond
	}

	done := make(chan struct{})
	for i := 0; i < w.Concurrency; i++ {
		holder := fmt.Sprintf("%s-worker-%d", w.Queue.name, i)
		go func(holder string) {
			defer func() { done <- struct{}{} }()
			w.loop(ctx, holder, handler)
		}(holder)
	}
	for i := 0; i < w.Concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context, holder string, handler Handler) {
	ticker := time.NewTicker(w.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Queue.limiter != nil {
				if err := w.Queue.limiter.Wait(ctx); err != nil {
					return
				}
			}
			j, err := w.Queue.lease(ctx, holder, w.LeaseFor)
			if err != nil {
				w.Queue.logger.Error("lease failed", "error", err)
				continue
			}
			if j == nil {
				continue
			}
			if hErr := handler(j); hErr != nil {
				if fErr := w.Queue.fail(ctx, j, hErr); fErr != nil {
					w.Queue.logger.Error("fail update failed", "error", fErr)
				}
				continue
			}
			if aErr := w.Queue.ack(ctx, j.JobID); aErr != nil {
				w.Queue.logger.Error("ack failed", "error", aErr)
			}
		}
	}
}
