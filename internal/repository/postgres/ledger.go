package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// InsertLedger relies on UNIQUE (contact_id, automation_step_id); a
// concurrent or repeated insert is a no-op.
func (s *Store) InsertLedger(ctx context.Context, contactID, stepID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO contact_automation_steps (id, contact_id, automation_step_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', NOW(), NOW())
		ON CONFLICT (contact_id, automation_step_id) DO NOTHING
	`, uuid.New().String(), contactID, stepID)
	if err != nil {
		return false, fmt.Errorf("insert ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert ledger: %w", err)
	}
	return n > 0, nil
}

func (s *Store) FindLedger(ctx context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error) {
	return s.readLedger(ctx, contactID, stepID, "")
}

// LockLedger blocks concurrent runs of the same step for the same contact
// until the surrounding transaction ends.
func (s *Store) LockLedger(ctx context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error) {
	return s.readLedger(ctx, contactID, stepID, " FOR UPDATE")
}

func (s *Store) readLedger(ctx context.Context, contactID, stepID, suffix string) (*domain.ContactAutomationStep, error) {
	var (
		r           domain.ContactAutomationStep
		completedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, contact_id, automation_step_id, status, created_at, updated_at, completed_at
		FROM contact_automation_steps
		WHERE contact_id = $1 AND automation_step_id = $2`+suffix,
		contactID, stepID,
	).Scan(&r.ID, &r.ContactID, &r.AutomationStepID, &r.Status, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func (s *Store) CompleteLedger(ctx context.Context, contactID, stepID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE contact_automation_steps
		SET status = 'COMPLETED', completed_at = NOW(), updated_at = NOW()
		WHERE contact_id = $1 AND automation_step_id = $2 AND status <> 'COMPLETED'
	`, contactID, stepID)
	if err != nil {
		return fmt.Errorf("complete ledger: %w", err)
	}
	return nil
}
