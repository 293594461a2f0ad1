package automation

import (
	"context"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

// Coordinator moves contacts through automation graphs one scheduled job at
// a time. Every transition writes the next ledger row and schedules the next
// job in one transaction, so redelivered jobs never repeat side effects of a
// completed step.
type Coordinator struct {
	store    Store
	registry *Registry
	log      *logger.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, registry *Registry) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		log:      logger.With("component", "coordinator"),
	}
}

// Register binds the coordinator's job handlers.
func (c *Coordinator) Register(r interface {
	Register(name string, h worker.HandlerFunc)
}) {
	r.Register(JobRunAutomationForContact, c.handleRunAutomation)
	r.Register(JobRunStepForContact, c.handleRunStep)
}

func (c *Coordinator) handleRunAutomation(ctx context.Context, job worker.Job) error {
	var p RunAutomationPayload
	if err := job.Decode(&p); err != nil || p.AutomationID == "" || p.ContactID == "" {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrInvalidPayload, job.Payload))
	}
	return c.RunAutomationForContact(ctx, p.AutomationID, p.ContactID)
}

func (c *Coordinator) handleRunStep(ctx context.Context, job worker.Job) error {
	var p RunStepPayload
	if err := job.Decode(&p); err != nil || p.AutomationStepID == "" || p.ContactID == "" {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrInvalidPayload, job.Payload))
	}
	return c.RunStepForContact(ctx, p.AutomationStepID, p.ContactID)
}

// RunAutomationForContact evaluates the trigger filter for the contact and,
// on a match, enters the contact at the trigger's child step. A missing
// trigger or child is a permanent failure.
func (c *Coordinator) RunAutomationForContact(ctx context.Context, automationID, contactID string) error {
	log := c.log.With("automation_id", automationID, "contact_id", contactID)

	automation, err := c.store.FindAutomation(ctx, automationID)
	if err != nil {
		return fmt.Errorf("find automation: %w", err)
	}
	if automation == nil {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrAutomationNotFound, automationID))
	}

	trigger, err := c.store.FindTrigger(ctx, automationID)
	if err != nil {
		return fmt.Errorf("find trigger: %w", err)
	}
	if trigger == nil {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrTriggerNotFound, automationID))
	}

	var cfg domain.TriggerConfig
	if err := decodeConfig(trigger, &cfg); err != nil {
		return err
	}

	matched, err := c.store.ContactMatches(ctx, automation.AudienceID, contactID, segmentation.Compile(cfg.Filter))
	if err != nil {
		return fmt.Errorf("evaluate trigger: %w", err)
	}
	if !matched {
		log.Debug("contact does not match trigger")
		return nil
	}

	children, err := c.store.FindChildren(ctx, trigger.ID)
	if err != nil {
		return fmt.Errorf("find trigger children: %w", err)
	}
	if len(children) == 0 {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrTriggerHasNoChild, trigger.ID))
	}
	first := children[0]

	err = c.store.WithinTx(ctx, func(tx Store, jobs worker.Dispatcher) error {
		return enterStep(ctx, tx, jobs, first.ID, contactID)
	})
	if err != nil {
		return err
	}
	log.Info("contact entered automation", "step_id", first.ID)
	return nil
}

// RunStepForContact runs one step for one contact and schedules the next.
// A deleted step or contact, a missing child, or an unconfigured rule branch
// ends the contact's journey without error.
func (c *Coordinator) RunStepForContact(ctx context.Context, stepID, contactID string) error {
	log := c.log.With("step_id", stepID, "contact_id", contactID)

	step, err := c.store.FindStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("find step: %w", err)
	}
	if step == nil {
		log.Info("step deleted after scheduling, stopping")
		return nil
	}

	runner, ok := c.registry.Lookup(step.Subtype)
	if !ok {
		return worker.Permanent(fmt.Errorf("%w: %s", ErrUnknownSubtype, step.Subtype))
	}

	return c.store.WithinTx(ctx, func(tx Store, jobs worker.Dispatcher) error {
		if _, err := tx.InsertLedger(ctx, contactID, step.ID); err != nil {
			return fmt.Errorf("insert ledger: %w", err)
		}
		row, err := tx.LockLedger(ctx, contactID, step.ID)
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		if row.IsCompleted() {
			log.Debug("step already completed, skipping")
			return nil
		}

		contact, err := tx.GetContact(ctx, contactID)
		if err != nil {
			return fmt.Errorf("get contact: %w", err)
		}
		if contact == nil {
			log.Info("contact deleted, stopping")
			return nil
		}

		outcome, err := runner.Run(ctx, step, contact, ExecutionContext{Store: tx, Jobs: jobs})
		if err != nil {
			return err
		}

		next, err := nextStep(ctx, tx, step, outcome)
		if err != nil {
			return err
		}
		if next != nil {
			if err := enterStep(ctx, tx, jobs, next.ID, contactID); err != nil {
				return err
			}
			log.Debug("step completed", "next_step_id", next.ID)
		} else {
			log.Debug("step completed, journey ends")
		}

		if err := tx.CompleteLedger(ctx, contactID, step.ID); err != nil {
			return fmt.Errorf("complete ledger: %w", err)
		}
		return nil
	})
}

// nextStep resolves the child to run after step. A runner that selected a
// branch gets that branch's child or nothing; otherwise the first child wins.
func nextStep(ctx context.Context, store GraphStore, step *domain.AutomationStep, outcome Outcome) (*domain.AutomationStep, error) {
	children, err := store.FindChildren(ctx, step.ID)
	if err != nil {
		return nil, fmt.Errorf("find children: %w", err)
	}
	if outcome.Branch != nil {
		for i := range children {
			if children[i].HasBranch(*outcome.Branch) {
				return &children[i], nil
			}
		}
		return nil, nil
	}
	if len(children) == 0 {
		return nil, nil
	}
	return &children[0], nil
}

// enterStep writes the PENDING ledger row for a step and schedules its job.
// A row that already completed is left alone.
func enterStep(ctx context.Context, tx Store, jobs worker.Dispatcher, stepID, contactID string) error {
	inserted, err := tx.InsertLedger(ctx, contactID, stepID)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if !inserted {
		row, err := tx.FindLedger(ctx, contactID, stepID)
		if err != nil {
			return fmt.Errorf("find ledger: %w", err)
		}
		if row.IsCompleted() {
			return nil
		}
	}
	if err := ScheduleStep(ctx, jobs, stepID, contactID); err != nil {
		return fmt.Errorf("schedule step: %w", err)
	}
	return nil
}
