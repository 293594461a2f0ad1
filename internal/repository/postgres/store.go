// Package postgres implements the automation and segmentation stores against
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

// ErrNestedTx is returned by WithinTx on a store that is already bound to a
// transaction.
var ErrNestedTx = errors.New("postgres: nested transaction")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the Postgres storage handle. The value returned by New reads and
// writes through the pool; WithinTx hands fn a copy bound to one transaction.
type Store struct {
	db    *sql.DB
	q     querier
	queue *worker.Queue
	inTx  bool
}

// New creates a store. queue supplies the job table writer used inside
// transactions and the wakeup sent after commit.
func New(db *sql.DB, queue *worker.Queue) *Store {
	return &Store{db: db, q: db, queue: queue}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// WithinTx runs fn in a transaction. Jobs scheduled through the dispatcher
// are inserted into automation_jobs by the same transaction; idle workers
// are woken only after commit.
func (s *Store) WithinTx(ctx context.Context, fn func(tx automation.Store, jobs worker.Dispatcher) error) error {
	if s.inTx {
		return ErrNestedTx
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	jobs := s.queue.Enqueuer(tx)
	if err := fn(&Store{db: s.db, q: tx, queue: s.queue, inTx: true}, jobs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	if jobs.Scheduled() > 0 {
		s.queue.Notify(ctx)
	}
	return nil
}

var (
	_ automation.Store     = (*Store)(nil)
	_ automation.ScanStore = (*Store)(nil)
	_ segmentation.Store   = (*Store)(nil)
)
