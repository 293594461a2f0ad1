package worker

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// DefaultMaxQueueDepth is the outstanding job count at which bulk producers
// pause.
const DefaultMaxQueueDepth = 100000

// BackpressureMonitor tracks how many jobs are queued or running and tells
// bulk producers (the trigger scanner) to hold off when the queue is deep.
// It pauses at the threshold and resumes at half of it so the state does
// not flap.
type BackpressureMonitor struct {
	db            *sql.DB
	maxQueueDepth int64
	checkInterval time.Duration
	paused        bool
	depth         int64
	mu            sync.RWMutex
}

// NewBackpressureMonitor creates a monitor. maxDepth <= 0 takes the default.
func NewBackpressureMonitor(db *sql.DB, maxDepth int64) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxQueueDepth
	}
	return &BackpressureMonitor{
		db:            db,
		maxQueueDepth: maxDepth,
		checkInterval: 30 * time.Second,
	}
}

// Start runs the periodic check loop. It blocks until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.Check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.Check(ctx)
		}
	}
}

// Check refreshes the depth and the paused flag. On a query error the
// previous state is kept.
func (bp *BackpressureMonitor) Check(ctx context.Context) {
	var depth int64
	err := bp.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM automation_jobs WHERE status IN ('queued', 'running')
	`).Scan(&depth)
	if err != nil {
		logger.Warn("backpressure check failed", "error", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.depth = depth
	wasPaused := bp.paused
	if depth >= bp.maxQueueDepth {
		bp.paused = true
		if !wasPaused {
			logger.Warn("job queue depth over threshold, pausing bulk enqueue", "depth", depth, "threshold", bp.maxQueueDepth)
		}
	} else if depth < bp.maxQueueDepth/2 {
		bp.paused = false
		if wasPaused {
			logger.Info("job queue drained, resuming bulk enqueue", "depth", depth)
		}
	}
}

// IsPaused reports whether bulk producers should hold off.
func (bp *BackpressureMonitor) IsPaused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// QueueDepth returns the depth seen by the last successful check.
func (bp *BackpressureMonitor) QueueDepth() int64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.depth
}
