package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// HandlerFunc executes one job attempt. Returning an error schedules a retry
// unless the error is Permanent or the job has no attempts left.
type HandlerFunc func(ctx context.Context, job Job) error

// PoolConfig holds pool tuning. Zero values take the defaults below.
type PoolConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
}

const (
	DefaultWorkers        = 8
	DefaultBatchSize      = 10
	DefaultPollInterval   = time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

// Pool consumes jobs from a Queue and routes them to registered handlers.
type Pool struct {
	queue    *Queue
	notifier *Notifier
	workerID string
	cfg      PoolConfig
	handlers map[string]HandlerFunc
	log      *logger.Logger
	wake     chan struct{}

	// Stats
	totalProcessed int64
	totalRetried   int64
	totalFailed    int64
	totalDead      int64
	totalLost      int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewPool creates a pool. notifier may be nil, in which case workers only poll.
func NewPool(queue *Queue, notifier *Notifier, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	workerID := fmt.Sprintf("automation-%s", uuid.New().String()[:8])
	return &Pool{
		queue:    queue,
		notifier: notifier,
		workerID: workerID,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		log:      logger.With("component", "worker_pool", "worker_id", workerID),
		wake:     make(chan struct{}, cfg.Workers),
	}
}

// Register binds a handler to a job name. Call before Start.
func (p *Pool) Register(name string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// WorkerID identifies this pool in locked_by.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	wakeups, err := p.notifier.Subscribe(p.ctx)
	if err != nil {
		p.log.Warn("wake subscription failed, polling only", "error", err)
	}
	if wakeups != nil {
		p.wg.Add(1)
		go p.fanOutWakeups(wakeups)
	}

	p.log.Info("starting workers", "workers", p.cfg.Workers, "batch_size", p.cfg.BatchSize)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("stopped", "processed", atomic.LoadInt64(&p.totalProcessed),
		"retried", atomic.LoadInt64(&p.totalRetried),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"dead_lettered", atomic.LoadInt64(&p.totalDead),
		"lease_lost", atomic.LoadInt64(&p.totalLost))
}

// Stats returns current statistics
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed":     atomic.LoadInt64(&p.totalProcessed),
		"total_retried":       atomic.LoadInt64(&p.totalRetried),
		"total_failed":        atomic.LoadInt64(&p.totalFailed),
		"total_dead_lettered": atomic.LoadInt64(&p.totalDead),
		"total_lease_lost":    atomic.LoadInt64(&p.totalLost),
	}
}

func (p *Pool) fanOutWakeups(wakeups <-chan struct{}) {
	defer p.wg.Done()
	for range wakeups {
		for i := 0; i < p.cfg.Workers; i++ {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
	}
}

// worker is the main worker loop
func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		claimed, err := p.RunOnce(p.ctx)
		if err != nil {
			p.log.Error("claim failed", "worker", n, "error", err)
		}
		if claimed > 0 {
			continue
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it, returning the number of jobs
// claimed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	jobs, err := p.queue.claimBatch(claimCtx, p.workerID, p.cfg.BatchSize)
	cancel()
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		p.process(ctx, job)
	}
	return len(jobs), nil
}

// process runs one attempt and records its outcome. Outcome writes use a
// context detached from cancellation so a shutdown mid-job still settles the
// row instead of leaving it for the recovery worker.
func (p *Pool) process(ctx context.Context, job Job) {
	log := p.log.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempts)

	leaseCtx, cancelLease := context.WithTimeout(ctx, 5*time.Second)
	lErr := p.queue.renewLease(leaseCtx, job.ID, p.workerID)
	cancelLease()
	switch {
	case errors.Is(lErr, ErrLeaseLost):
		atomic.AddInt64(&p.totalLost, 1)
		log.Warn("job reclaimed before it started, skipping")
		return
	case lErr != nil:
		log.Warn("lease renewal failed", "error", lErr)
	}

	err := p.invoke(ctx, job)
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		atomic.AddInt64(&p.totalProcessed, 1)
		if mErr := p.queue.markCompleted(settleCtx, job.ID, p.workerID); mErr != nil {
			p.logSettleError(log, mErr, nil)
		}
		return
	}

	status, mErr := p.queue.markFailed(settleCtx, job, p.workerID, err)
	if mErr != nil {
		p.logSettleError(log, mErr, err)
		return
	}
	switch status {
	case JobFailed:
		atomic.AddInt64(&p.totalFailed, 1)
		log.Error("job failed permanently", "error", err)
	case JobDeadLetter:
		atomic.AddInt64(&p.totalDead, 1)
		log.Error("job dead-lettered", "error", err, "max_attempts", job.MaxAttempts)
	default:
		atomic.AddInt64(&p.totalRetried, 1)
		log.Warn("job attempt failed, retrying", "error", err, "backoff", p.queue.Backoff(job.Attempts))
	}
}

func (p *Pool) logSettleError(log *logger.Logger, err, cause error) {
	if errors.Is(err, ErrLeaseLost) {
		atomic.AddInt64(&p.totalLost, 1)
		log.Warn("job was reclaimed during the attempt, outcome discarded", "cause", cause)
		return
	}
	log.Error("settle job failed", "error", err, "cause", cause)
}

func (p *Pool) invoke(ctx context.Context, job Job) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[job.Name]
	p.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoHandler, job.Name))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(attemptCtx, job)
}
