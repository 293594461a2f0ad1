package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
)

const stepColumns = `id, automation_id, parent_id, type, subtype, configuration, branch_index, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (*domain.AutomationStep, error) {
	var (
		s           domain.AutomationStep
		parentID    sql.NullString
		branchIndex sql.NullInt64
		config      []byte
	)
	if err := row.Scan(&s.ID, &s.AutomationID, &parentID, &s.Type, &s.Subtype, &config, &branchIndex, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		s.ParentID = &parentID.String
	}
	if branchIndex.Valid {
		i := int(branchIndex.Int64)
		s.BranchIndex = &i
	}
	s.Configuration = config
	return &s, nil
}

func (s *Store) FindAutomation(ctx context.Context, automationID string) (*domain.Automation, error) {
	var a domain.Automation
	err := s.q.QueryRowContext(ctx, `
		SELECT id, audience_id, name, created_at, updated_at
		FROM automations WHERE id = $1
	`, automationID).Scan(&a.ID, &a.AudienceID, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find automation: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAutomations(ctx context.Context, audienceID string) ([]domain.Automation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, audience_id, name, created_at, updated_at
		FROM automations
		WHERE $1 = '' OR audience_id = $1
		ORDER BY created_at, id
	`, audienceID)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []domain.Automation
	for rows.Next() {
		var a domain.Automation
		if err := rows.Scan(&a.ID, &a.AudienceID, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FindTrigger(ctx context.Context, automationID string) (*domain.AutomationStep, error) {
	step, err := scanStep(s.q.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM automation_steps
		WHERE automation_id = $1 AND type = 'TRIGGER' AND parent_id IS NULL
		ORDER BY created_at
		LIMIT 1
	`, automationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find trigger: %w", err)
	}
	return step, nil
}

func (s *Store) FindChildren(ctx context.Context, parentStepID string) ([]domain.AutomationStep, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM automation_steps
		WHERE parent_id = $1
		ORDER BY branch_index NULLS FIRST, created_at, id
	`, parentStepID)
	if err != nil {
		return nil, fmt.Errorf("find children: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func (s *Store) FindStep(ctx context.Context, stepID string) (*domain.AutomationStep, error) {
	step, err := scanStep(s.q.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM automation_steps WHERE id = $1
	`, stepID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find step: %w", err)
	}
	return step, nil
}
