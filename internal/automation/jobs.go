package automation

import (
	"context"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/worker"
)

// Job names understood by the Coordinator.
const (
	JobRunAutomationForContact = "run-automation-for-contact"
	JobRunStepForContact       = "run-step-for-contact"
)

// RunAutomationPayload is the payload of JobRunAutomationForContact.
type RunAutomationPayload struct {
	AutomationID string `json:"automationId"`
	ContactID    string `json:"contactId"`
}

// RunStepPayload is the payload of JobRunStepForContact.
type RunStepPayload struct {
	AutomationStepID string `json:"automationStepId"`
	ContactID        string `json:"contactId"`
}

// ScheduleAutomation schedules a contact's entry into an automation.
func ScheduleAutomation(ctx context.Context, jobs worker.Dispatcher, automationID, contactID string) error {
	return jobs.Schedule(ctx, JobRunAutomationForContact, RunAutomationPayload{
		AutomationID: automationID,
		ContactID:    contactID,
	})
}

// ScheduleStep schedules one step for one contact.
func ScheduleStep(ctx context.Context, jobs worker.Dispatcher, stepID, contactID string) error {
	return jobs.Schedule(ctx, JobRunStepForContact, RunStepPayload{
		AutomationStepID: stepID,
		ContactID:        contactID,
	})
}

// ContactCreated enters a new contact into every automation of its audience.
// Each automation's trigger filter decides later whether the contact stays.
func ContactCreated(ctx context.Context, store GraphStore, jobs worker.Dispatcher, c *domain.Contact) error {
	automations, err := store.ListAutomations(ctx, c.AudienceID)
	if err != nil {
		return fmt.Errorf("list automations for audience %s: %w", c.AudienceID, err)
	}
	for _, a := range automations {
		if err := ScheduleAutomation(ctx, jobs, a.ID, c.ID); err != nil {
			return err
		}
	}
	return nil
}
