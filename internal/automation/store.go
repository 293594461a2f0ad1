package automation

import (
	"context"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

// GraphStore reads automation graphs. Nothing is cached: editors change
// steps while contacts are mid-flight, and every lookup sees the current
// graph. Missing rows are returned as (nil, nil).
type GraphStore interface {
	FindAutomation(ctx context.Context, automationID string) (*domain.Automation, error)
	// ListAutomations lists automations of an audience, or all of them when
	// audienceID is empty.
	ListAutomations(ctx context.Context, audienceID string) ([]domain.Automation, error)
	FindTrigger(ctx context.Context, automationID string) (*domain.AutomationStep, error)
	// FindChildren returns the children of a step ordered by branch index,
	// then creation time.
	FindChildren(ctx context.Context, parentStepID string) ([]domain.AutomationStep, error)
	FindStep(ctx context.Context, stepID string) (*domain.AutomationStep, error)
}

// ContactStore reads and updates contacts.
type ContactStore interface {
	GetContact(ctx context.Context, contactID string) (*domain.Contact, error)
	// ContactMatches reports whether the contact belongs to the audience and
	// satisfies p.
	ContactMatches(ctx context.Context, audienceID, contactID string, p segmentation.Predicate) (bool, error)
	// ListEntryCandidates pages, by id, through contacts of the audience that
	// satisfy p and have no ledger row for firstStepID.
	ListEntryCandidates(ctx context.Context, audienceID string, p segmentation.Predicate, firstStepID, afterID string, limit int) ([]string, error)
	// MergeContactAttributes overwrites the given keys and keeps the rest.
	MergeContactAttributes(ctx context.Context, contactID string, attrs map[string]any) error
}

// TagStore manages tag membership. Unknown tag ids are tolerated.
type TagStore interface {
	// ExistingTagIDs filters ids down to tags that still exist, keeping order.
	ExistingTagIDs(ctx context.Context, tagIDs []string) ([]string, error)
	AttachTags(ctx context.Context, contactID string, tagIDs []string) error
	DetachTags(ctx context.Context, contactID string, tagIDs []string) error
}

// AudienceStore is used by the subscribe-to-audience runner.
type AudienceStore interface {
	FindAudience(ctx context.Context, audienceID string) (*domain.Audience, error)
	// CreateContact inserts c, assigning its id. It reports false when the
	// audience already holds a contact with the same email.
	CreateContact(ctx context.Context, c *domain.Contact) (bool, error)
}

// EmailStore resolves reusable content and records sends.
type EmailStore interface {
	// FindEmailContent returns nil when the content or its owning email was
	// deleted.
	FindEmailContent(ctx context.Context, contentID string) (*domain.EmailContent, error)
	FindAutomationMessage(ctx context.Context, stepID, contactID string) (*domain.AutomationMessage, error)
	RecordAutomationMessage(ctx context.Context, msg *domain.AutomationMessage) error
}

// LedgerStore persists ContactAutomationStep rows. (contact, step) is unique.
type LedgerStore interface {
	// InsertLedger creates a PENDING row and reports false if one existed.
	InsertLedger(ctx context.Context, contactID, stepID string) (bool, error)
	FindLedger(ctx context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error)
	// LockLedger reads the row and holds it until the transaction ends.
	LockLedger(ctx context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error)
	CompleteLedger(ctx context.Context, contactID, stepID string) error
}

// Store is the storage handle the engine runs on.
type Store interface {
	GraphStore
	ContactStore
	TagStore
	AudienceStore
	EmailStore
	LedgerStore

	// WithinTx runs fn in one transaction. Jobs scheduled through the given
	// dispatcher commit or roll back with the transaction's writes.
	WithinTx(ctx context.Context, fn func(tx Store, jobs worker.Dispatcher) error) error
}
