package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when neither the queue nor the caller sets one.
const DefaultMaxAttempts = 5

// Dispatcher schedules units of work. Delivery is at-least-once.
type Dispatcher interface {
	Schedule(ctx context.Context, name string, payload any, opts ...Option) error
}

// Option adjusts a single Schedule call.
type Option func(*scheduleOptions)

type scheduleOptions struct {
	delay       time.Duration
	maxAttempts int
}

// Delay postpones the first attempt.
func Delay(d time.Duration) Option {
	return func(o *scheduleOptions) { o.delay = d }
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Enqueuer inserts jobs through an Execer. Bound to a *sql.Tx, the insert
// commits or rolls back with the caller's other writes.
type Enqueuer struct {
	exec        Execer
	maxAttempts int
	scheduled   int
}

// NewEnqueuer creates an enqueuer writing through exec.
func NewEnqueuer(exec Execer, maxAttempts int) *Enqueuer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Enqueuer{exec: exec, maxAttempts: maxAttempts}
}

// Schedule inserts a queued job.
func (e *Enqueuer) Schedule(ctx context.Context, name string, payload any, opts ...Option) error {
	o := scheduleOptions{maxAttempts: e.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.delay < 0 {
		o.delay = 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	_, err = e.exec.ExecContext(ctx, `
		INSERT INTO automation_jobs (id, name, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', 0, $4, NOW() + ($5 * INTERVAL '1 second'), NOW(), NOW())
	`, uuid.New().String(), name, body, o.maxAttempts, o.delay.Seconds())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	e.scheduled++
	return nil
}

// Scheduled is the number of jobs this enqueuer has inserted.
func (e *Enqueuer) Scheduled() int {
	return e.scheduled
}

var (
	_ Dispatcher = (*Enqueuer)(nil)
	_ Dispatcher = (*Queue)(nil)
)
