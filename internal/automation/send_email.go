package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/mailing"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/worker"
)

type sendEmailRunner struct {
	sender    mailing.Sender
	templates *mailing.TemplateService
}

// Run sends the configured content. The stored message record makes
// redelivery skip the send, but the record commits with the step, so a
// failure after the provider accepted the message can still resend it.
func (r *sendEmailRunner) Run(ctx context.Context, step *domain.AutomationStep, contact *domain.Contact, ec ExecutionContext) (Outcome, error) {
	var cfg domain.SendEmailConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return Outcome{}, err
	}
	if cfg.ContentID == "" {
		return Outcome{}, nil
	}

	content, err := ec.Store.FindEmailContent(ctx, string(cfg.ContentID))
	if err != nil {
		return Outcome{}, fmt.Errorf("find email content: %w", err)
	}
	if content == nil {
		logger.Debug("email content deleted, skipping send", "step_id", step.ID, "content_id", cfg.ContentID)
		return Outcome{}, nil
	}

	prior, err := ec.Store.FindAutomationMessage(ctx, step.ID, contact.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("find automation message: %w", err)
	}
	if prior != nil {
		logger.Info("already sent, skipping", "step_id", step.ID, "contact_id", contact.ID, "message_id", prior.MessageID)
		return Outcome{}, nil
	}

	if r.sender == nil {
		return Outcome{}, worker.Permanent(mailing.ErrSenderNotConfigured)
	}

	msg, err := r.templates.Personalize(content, contact)
	if err != nil {
		return Outcome{}, worker.Permanent(fmt.Errorf("personalize content %s: %w", content.ID, err))
	}
	msg.Tags = map[string]string{
		"automation_step_id": step.ID,
		"contact_id":         contact.ID,
	}

	messageID, err := r.sender.Send(ctx, msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("send email: %w", err)
	}

	record := &domain.AutomationMessage{
		AutomationStepID: step.ID,
		ContactID:        contact.ID,
		ContentID:        content.ID,
		MessageID:        messageID,
		SentAt:           time.Now().UTC(),
	}
	if err := ec.Store.RecordAutomationMessage(ctx, record); err != nil {
		return Outcome{}, fmt.Errorf("record automation message: %w", err)
	}
	logger.Info("automation email sent", "step_id", step.ID, "recipient", contact.Email, "message_id", messageID)
	return Outcome{}, nil
}
