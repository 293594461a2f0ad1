package domain

import "time"

// LedgerStatus is the execution state of one step for one contact.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "PENDING"
	LedgerCompleted LedgerStatus = "COMPLETED"
)

// ContactAutomationStep is an execution-ledger row. There is at most one row
// per (ContactID, AutomationStepID); rows are never deleted.
type ContactAutomationStep struct {
	ID               string       `json:"id" db:"id"`
	ContactID        string       `json:"contact_id" db:"contact_id"`
	AutomationStepID string       `json:"automation_step_id" db:"automation_step_id"`
	Status           LedgerStatus `json:"status" db:"status"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// IsCompleted reports whether the step's side effects were applied.
func (r *ContactAutomationStep) IsCompleted() bool {
	return r != nil && r.Status == LedgerCompleted
}
