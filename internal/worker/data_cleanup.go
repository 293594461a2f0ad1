package worker

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// =============================================================================
// JOB CLEANUP WORKER: Prunes Finished Jobs
// =============================================================================
// Completed jobs are kept for a short audit window, failed and dead-lettered
// ones long enough for an operator to retry them. Deletes run in batches so
// no single statement holds locks on automation_jobs for long.

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = 1 * time.Hour

	DefaultCompletedRetention = 7 * 24 * time.Hour
	DefaultFailedRetention    = 30 * 24 * time.Hour

	cleanupBatchSize = 10000
)

// CleanupConfig holds retention settings. Zero values take the defaults.
type CleanupConfig struct {
	Interval           time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// JobCleanupWorker periodically deletes finished jobs past their retention.
type JobCleanupWorker struct {
	db  *sql.DB
	cfg CleanupConfig
}

// NewJobCleanupWorker creates a cleanup worker.
func NewJobCleanupWorker(db *sql.DB, cfg CleanupConfig) *JobCleanupWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupInterval
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultCompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultFailedRetention
	}
	return &JobCleanupWorker{db: db, cfg: cfg}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (jc *JobCleanupWorker) Start(ctx context.Context) {
	log.Printf("[JobCleanup] Starting (interval=%s, completed=%s, failed=%s)",
		jc.cfg.Interval, jc.cfg.CompletedRetention, jc.cfg.FailedRetention)

	jc.Cleanup(ctx)

	ticker := time.NewTicker(jc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[JobCleanup] Stopping")
			return
		case <-ticker.C:
			jc.Cleanup(ctx)
		}
	}
}

// Cleanup runs one pass and returns the number of deleted jobs.
func (jc *JobCleanupWorker) Cleanup(ctx context.Context) int64 {
	completed := jc.batchDelete(ctx, `
		DELETE FROM automation_jobs
		WHERE id IN (
			SELECT id FROM automation_jobs
			WHERE status = 'completed'
			  AND updated_at < NOW() - ($2 * INTERVAL '1 second')
			LIMIT $1
		)
	`, jc.cfg.CompletedRetention)
	if completed > 0 {
		log.Printf("[JobCleanup] Removed %d completed jobs", completed)
	}

	failed := jc.batchDelete(ctx, `
		DELETE FROM automation_jobs
		WHERE id IN (
			SELECT id FROM automation_jobs
			WHERE status IN ('failed', 'dead_letter')
			  AND updated_at < NOW() - ($2 * INTERVAL '1 second')
			LIMIT $1
		)
	`, jc.cfg.FailedRetention)
	if failed > 0 {
		log.Printf("[JobCleanup] Removed %d failed/dead-letter jobs", failed)
	}

	return completed + failed
}

// batchDelete runs query with $1 = batch size and $2 = retention seconds until
// a batch deletes nothing.
func (jc *JobCleanupWorker) batchDelete(ctx context.Context, query string, retention time.Duration) int64 {
	var total int64
	for {
		if ctx.Err() != nil {
			return total
		}

		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := jc.db.ExecContext(queryCtx, query, cleanupBatchSize, retention.Seconds())
		cancel()
		if err != nil {
			log.Printf("[JobCleanup] Delete error: %v", err)
			return total
		}

		affected, _ := res.RowsAffected()
		total += affected
		if affected < cleanupBatchSize {
			return total
		}

		// Small pause between batches to reduce load
		time.Sleep(100 * time.Millisecond)
	}
}
