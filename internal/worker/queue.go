package worker

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

const (
	DefaultBackoffBase = 10 * time.Second
	DefaultBackoffMax  = 10 * time.Minute

	// lastErrorLimit bounds the error text stored on a job row.
	lastErrorLimit = 1000
)

// Queue is the Postgres-backed job queue in automation_jobs. Jobs are
// claimed with FOR UPDATE SKIP LOCKED so any number of worker processes can
// share the table.
type Queue struct {
	db          *sql.DB
	notifier    *Notifier
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// QueueConfig holds queue tuning. Zero values take the package defaults.
type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NewQueue creates a queue over db. notifier may be nil.
func NewQueue(db *sql.DB, notifier *Notifier, cfg QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &Queue{
		db:          db,
		notifier:    notifier,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// MaxAttempts is the default attempt cap for new jobs.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueuer returns an enqueuer writing through exec, typically a *sql.Tx.
func (q *Queue) Enqueuer(exec Execer) *Enqueuer {
	return NewEnqueuer(exec, q.maxAttempts)
}

// Schedule enqueues outside any caller transaction and wakes workers.
func (q *Queue) Schedule(ctx context.Context, name string, payload any, opts ...Option) error {
	if err := q.Enqueuer(q.db).Schedule(ctx, name, payload, opts...); err != nil {
		return err
	}
	q.Notify(ctx)
	return nil
}

// Notify wakes idle workers. Failures are ignored: workers still poll.
func (q *Queue) Notify(ctx context.Context) {
	_ = q.notifier.Notify(ctx)
}

// Backoff is the delay before retry number attempt (1-based).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(q.backoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(q.backoffMax) {
		return q.backoffMax
	}
	return time.Duration(d)
}

// claimBatch claims up to limit due jobs for workerID.
func (q *Queue) claimBatch(ctx context.Context, workerID string, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE automation_jobs
			SET status = 'running',
			    attempts = attempts + 1,
			    locked_by = $1,
			    locked_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT j.id FROM automation_jobs j
				WHERE j.status = 'queued'
				  AND j.run_at <= NOW()
				ORDER BY j.run_at ASC, j.created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, name, payload, attempts, max_attempts, run_at, created_at
		)
		SELECT id, name, payload, attempts, max_attempts, run_at, created_at
		FROM claimed
		ORDER BY run_at ASC, created_at ASC
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Name, &payload, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Payload = payload
		j.Status = JobRunning
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// renewLease restamps locked_at just before an attempt starts. Jobs later in
// a claimed batch would otherwise look stale to the recovery worker while
// they wait their turn.
func (q *Queue) renewLease(ctx context.Context, id, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE automation_jobs
		SET locked_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, id, workerID)
	return settled(res, err)
}

// markCompleted records a successful attempt.
func (q *Queue) markCompleted(ctx context.Context, id, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE automation_jobs
		SET status = 'completed', locked_by = NULL, locked_at = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, id, workerID)
	return settled(res, err)
}

// markFailed records a failed attempt and returns the resulting status:
// failed for permanent errors, dead_letter once attempts are exhausted,
// queued with a backoff delay otherwise.
func (q *Queue) markFailed(ctx context.Context, job Job, workerID string, cause error) (JobStatus, error) {
	msg := truncateError(cause)

	status := JobQueued
	switch {
	case IsPermanent(cause):
		status = JobFailed
	case job.ExhaustedAttempts():
		status = JobDeadLetter
	}

	var (
		res sql.Result
		err error
	)
	if status == JobQueued {
		res, err = q.db.ExecContext(ctx, `
			UPDATE automation_jobs
			SET status = 'queued', last_error = $3, locked_by = NULL, locked_at = NULL,
			    run_at = NOW() + ($4 * INTERVAL '1 second'), updated_at = NOW()
			WHERE id = $1 AND locked_by = $2 AND status = 'running'
		`, job.ID, workerID, msg, q.Backoff(job.Attempts).Seconds())
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE automation_jobs
			SET status = $3, last_error = $4, locked_by = NULL, locked_at = NULL, updated_at = NOW()
			WHERE id = $1 AND locked_by = $2 AND status = 'running'
		`, job.ID, workerID, string(status), msg)
	}
	return status, settled(res, err)
}

// settled maps a guarded single-row UPDATE to ErrLeaseLost when no row
// matched.
func settled(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry requeues a failed or dead-lettered job with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE automation_jobs
		SET status = 'queued', attempts = 0, last_error = NULL, run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'dead_letter')
	`, id)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotRetryable
	}
	q.Notify(ctx)
	return nil
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM automation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := map[JobStatus]int64{
		JobQueued:     0,
		JobRunning:    0,
		JobCompleted:  0,
		JobFailed:     0,
		JobDeadLetter: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[JobStatus(status)] = n
	}
	return stats, rows.Err()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > lastErrorLimit {
		msg = msg[:lastErrorLimit]
	}
	return msg
}
