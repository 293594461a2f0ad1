package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
)

// FindEmailContent hides content whose own row or owning email is
// soft-deleted.
func (s *Store) FindEmailContent(ctx context.Context, contentID string) (*domain.EmailContent, error) {
	var ec domain.EmailContent
	err := s.q.QueryRowContext(ctx, `
		SELECT ec.id, ec.email_id, ec.from_address, ec.from_name, ec.subject, ec.html_body, ec.text_body
		FROM email_contents ec
		JOIN emails e ON e.id = ec.email_id
		WHERE ec.id = $1 AND ec.deleted_at IS NULL AND e.deleted_at IS NULL
	`, contentID).Scan(&ec.ID, &ec.EmailID, &ec.FromAddress, &ec.FromName, &ec.Subject, &ec.HTMLBody, &ec.TextBody)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find email content: %w", err)
	}
	return &ec, nil
}

func (s *Store) FindAutomationMessage(ctx context.Context, stepID, contactID string) (*domain.AutomationMessage, error) {
	var m domain.AutomationMessage
	err := s.q.QueryRowContext(ctx, `
		SELECT automation_step_id, contact_id, content_id, message_id, sent_at
		FROM automation_messages
		WHERE automation_step_id = $1 AND contact_id = $2
	`, stepID, contactID).Scan(&m.AutomationStepID, &m.ContactID, &m.ContentID, &m.MessageID, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find automation message: %w", err)
	}
	return &m, nil
}

func (s *Store) RecordAutomationMessage(ctx context.Context, m *domain.AutomationMessage) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO automation_messages (automation_step_id, contact_id, content_id, message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (automation_step_id, contact_id)
		DO UPDATE SET content_id = EXCLUDED.content_id, message_id = EXCLUDED.message_id, sent_at = EXCLUDED.sent_at
	`, m.AutomationStepID, m.ContactID, m.ContentID, m.MessageID, m.SentAt)
	if err != nil {
		return fmt.Errorf("record automation message: %w", err)
	}
	return nil
}
