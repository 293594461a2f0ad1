package worker

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// =============================================================================
// QUEUE RECOVERY WORKER: Reclaims Stuck Jobs
// =============================================================================
// If a worker process dies mid-attempt, its claimed jobs stay 'running'
// forever. This worker periodically requeues such jobs if they still have
// attempts left, or moves them to 'dead_letter' if not. A job that is
// requeued here keeps the attempt its dead worker already counted.

const (
	// DefaultRecoveryInterval is how often we scan for stuck jobs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job can stay claimed before we consider
	// its worker gone. It must exceed batch size times the attempt timeout,
	// since a batch is worked serially after one claim.
	DefaultStaleAge = 15 * time.Minute
)

// QueueRecoveryWorker periodically reclaims jobs abandoned by dead workers.
type QueueRecoveryWorker struct {
	db       *sql.DB
	interval time.Duration
	staleAge time.Duration
}

// NewQueueRecoveryWorkerWithConfig creates a recovery worker with custom timing.
func NewQueueRecoveryWorkerWithConfig(db *sql.DB, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{
		db:       db,
		interval: interval,
		staleAge: staleAge,
	}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", qr.interval, qr.staleAge)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			qr.RecoverStuckJobs(ctx)
		}
	}
}

// RecoverStuckJobs performs one recovery pass and returns how many jobs
// were requeued and dead-lettered.
//  1. Dead-letter stale jobs that have used every attempt.
//  2. Requeue the remaining stale jobs.
func (qr *QueueRecoveryWorker) RecoverStuckJobs(ctx context.Context) (requeued, deadLettered int64) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	staleSeconds := qr.staleAge.Seconds()

	res, err := qr.db.ExecContext(queryCtx, `
		UPDATE automation_jobs
		SET status = 'dead_letter',
		    last_error = COALESCE(last_error, 'worker lost during final attempt'),
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE status = 'running'
		  AND locked_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts >= max_attempts
	`, staleSeconds)
	if err != nil {
		log.Printf("[QueueRecovery] dead-letter error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		deadLettered = n
		log.Printf("[QueueRecovery] moved %d stuck jobs to dead_letter", n)
	}

	res, err = qr.db.ExecContext(queryCtx, `
		UPDATE automation_jobs
		SET status = 'queued',
		    locked_by = NULL,
		    locked_at = NULL,
		    run_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'running'
		  AND locked_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts < max_attempts
	`, staleSeconds)
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		requeued = n
		log.Printf("[QueueRecovery] requeued %d stuck jobs", n)
	}

	return requeued, deadLettered
}
