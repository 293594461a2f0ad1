package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

const (
	DefaultScanSchedule  = "@every 5m"
	DefaultScanBatchSize = 500
)

// ScanStore is the storage the Scanner reads.
type ScanStore interface {
	GraphStore
	ListEntryCandidates(ctx context.Context, audienceID string, p segmentation.Predicate, firstStepID, afterID string, limit int) ([]string, error)
}

// ScannerConfig tunes the trigger scan.
type ScannerConfig struct {
	// Schedule is a cron expression with optional seconds, or a descriptor
	// such as "@every 5m".
	Schedule  string
	BatchSize int

	// Backpressure, when set, skips scans while the job queue is deep.
	Backpressure interface{ IsPaused() bool }
}

// Scanner periodically enters contacts that already match a trigger but were
// never scheduled, for example contacts that changed after creation. One
// scan runs at a time across all hosts.
type Scanner struct {
	store     ScanStore
	jobs      worker.Dispatcher
	lock      distlock.DistLock
	schedule  string
	batchSize int
	pressure  interface{ IsPaused() bool }
	log       *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScanner validates the schedule and creates a scanner.
func NewScanner(store ScanStore, jobs worker.Dispatcher, lock distlock.DistLock, cfg ScannerConfig) (*Scanner, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultScanSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultScanBatchSize
	}
	if _, err := scheduleParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", cfg.Schedule, err)
	}
	return &Scanner{
		store:     store,
		jobs:      jobs,
		lock:      lock,
		schedule:  cfg.Schedule,
		batchSize: cfg.BatchSize,
		pressure:  cfg.Backpressure,
		log:       logger.With("component", "trigger_scanner"),
	}, nil
}

// Start runs scans on the schedule until ctx is cancelled or Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.runLocked(ctx) }); err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("scanner started", "schedule", s.schedule, "batch_size", s.batchSize)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running scan.
func (s *Scanner) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scanner stopped")
}

func (s *Scanner) runLocked(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.pressure != nil && s.pressure.IsPaused() {
		s.log.Warn("scan skipped, job queue under backpressure")
		return
	}
	start := time.Now()
	var scheduled int
	ran, err := distlock.WithLock(ctx, s.lock, func(ctx context.Context) error {
		var err error
		scheduled, err = s.ScanOnce(ctx)
		return err
	})
	switch {
	case err != nil:
		s.log.Error("scan failed", "error", err, "scheduled", scheduled)
	case !ran:
		s.log.Debug("scan skipped, another host holds the lock")
	default:
		s.log.Info("scan finished", "scheduled", scheduled, "duration", time.Since(start).String())
	}
}

// ScanOnce scans every automation and returns how many entry jobs it
// scheduled. Misconfigured automations are logged and skipped.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	automations, err := s.store.ListAutomations(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list automations: %w", err)
	}

	total := 0
	for i := range automations {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.scanAutomation(ctx, &automations[i])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Scanner) scanAutomation(ctx context.Context, a *domain.Automation) (int, error) {
	log := s.log.With("automation_id", a.ID)

	trigger, err := s.store.FindTrigger(ctx, a.ID)
	if err != nil {
		return 0, fmt.Errorf("find trigger: %w", err)
	}
	if trigger == nil {
		log.Warn("automation has no trigger, skipping")
		return 0, nil
	}
	var cfg domain.TriggerConfig
	if err := trigger.DecodeConfig(&cfg); err != nil {
		log.Warn("unreadable trigger configuration, skipping", "error", err)
		return 0, nil
	}
	children, err := s.store.FindChildren(ctx, trigger.ID)
	if err != nil {
		return 0, fmt.Errorf("find trigger children: %w", err)
	}
	if len(children) == 0 {
		return 0, nil
	}

	p := segmentation.Compile(cfg.Filter)
	scheduled := 0
	after := ""
	for {
		ids, err := s.store.ListEntryCandidates(ctx, a.AudienceID, p, children[0].ID, after, s.batchSize)
		if err != nil {
			return scheduled, fmt.Errorf("list entry candidates: %w", err)
		}
		for _, id := range ids {
			if err := ScheduleAutomation(ctx, s.jobs, a.ID, id); err != nil {
				return scheduled, err
			}
			scheduled++
		}
		if len(ids) < s.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}
	if scheduled > 0 {
		log.Info("scheduled entries", "count", scheduled)
	}
	return scheduled, nil
}
