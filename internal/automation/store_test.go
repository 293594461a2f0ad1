package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/mailing"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

// memStore is an in-memory Store for unit testing. WithinTx runs fn against
// the same maps and discards scheduled jobs when fn fails.
type memStore struct {
	mu sync.Mutex

	automations map[string]*domain.Automation
	steps       map[string]*domain.AutomationStep
	contacts    map[string]*domain.Contact
	tags        map[string]bool
	audiences   map[string]*domain.Audience
	contents    map[string]*domain.EmailContent
	messages    map[string]*domain.AutomationMessage
	ledger      map[string]*domain.ContactAutomationStep

	jobs    []scheduledJob
	nextID  int
	failOn  string
	txCount int
}

type scheduledJob struct {
	Name    string
	Payload any
}

func newMemStore() *memStore {
	return &memStore{
		automations: map[string]*domain.Automation{},
		steps:       map[string]*domain.AutomationStep{},
		contacts:    map[string]*domain.Contact{},
		tags:        map[string]bool{},
		audiences:   map[string]*domain.Audience{},
		contents:    map[string]*domain.EmailContent{},
		messages:    map[string]*domain.AutomationMessage{},
		ledger:      map[string]*domain.ContactAutomationStep{},
	}
}

func ledgerKey(contactID, stepID string) string { return contactID + "/" + stepID }

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return fmt.Errorf("%s: connection reset", op)
	}
	return nil
}

// --- builders ---

func (m *memStore) addAutomation(id, audienceID string) {
	m.automations[id] = &domain.Automation{ID: id, AudienceID: audienceID, Name: id}
	if _, ok := m.audiences[audienceID]; !ok {
		m.audiences[audienceID] = &domain.Audience{ID: audienceID}
	}
}

func (m *memStore) addStep(id, automationID, parentID string, typ domain.StepType, subtype domain.StepSubtype, cfg any, branchIndex *int) {
	raw, _ := json.Marshal(cfg)
	s := &domain.AutomationStep{
		ID: id, AutomationID: automationID, Type: typ, Subtype: subtype,
		Configuration: raw, BranchIndex: branchIndex,
		CreatedAt: time.Unix(int64(len(m.steps)), 0),
	}
	if parentID != "" {
		s.ParentID = &parentID
	}
	m.steps[id] = s
}

func (m *memStore) addContact(id, audienceID, email string, tagIDs ...string) *domain.Contact {
	c := &domain.Contact{ID: id, AudienceID: audienceID, Email: email, Attributes: map[string]any{}, TagIDs: tagIDs}
	m.contacts[id] = c
	return c
}

func (m *memStore) ledgerRows(contactID string) map[string]domain.LedgerStatus {
	out := map[string]domain.LedgerStatus{}
	for _, row := range m.ledger {
		if row.ContactID == contactID {
			out[row.AutomationStepID] = row.Status
		}
	}
	return out
}

func (m *memStore) jobNames() []string {
	out := make([]string, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Name)
	}
	return out
}

// --- GraphStore ---

func (m *memStore) FindAutomation(_ context.Context, id string) (*domain.Automation, error) {
	if err := m.fail("FindAutomation"); err != nil {
		return nil, err
	}
	return m.automations[id], nil
}

func (m *memStore) ListAutomations(_ context.Context, audienceID string) ([]domain.Automation, error) {
	var out []domain.Automation
	for _, a := range m.automations {
		if audienceID == "" || a.AudienceID == audienceID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) FindTrigger(_ context.Context, automationID string) (*domain.AutomationStep, error) {
	for _, s := range m.steps {
		if s.AutomationID == automationID && s.Type == domain.StepTrigger && s.ParentID == nil {
			return s, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindChildren(_ context.Context, parentID string) ([]domain.AutomationStep, error) {
	var out []domain.AutomationStep
	for _, s := range m.steps {
		if s.ParentID != nil && *s.ParentID == parentID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := -1, -1
		if out[i].BranchIndex != nil {
			bi = *out[i].BranchIndex
		}
		if out[j].BranchIndex != nil {
			bj = *out[j].BranchIndex
		}
		if bi != bj {
			return bi < bj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) FindStep(_ context.Context, id string) (*domain.AutomationStep, error) {
	return m.steps[id], nil
}

// --- ContactStore ---

func (m *memStore) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ContactMatches(_ context.Context, audienceID, contactID string, p segmentation.Predicate) (bool, error) {
	c, ok := m.contacts[contactID]
	if !ok || c.AudienceID != audienceID {
		return false, nil
	}
	return p.Match(c), nil
}

func (m *memStore) ListEntryCandidates(_ context.Context, audienceID string, p segmentation.Predicate, firstStepID, afterID string, limit int) ([]string, error) {
	var ids []string
	for id, c := range m.contacts {
		if c.AudienceID != audienceID || id <= afterID || !p.Match(c) {
			continue
		}
		if _, entered := m.ledger[ledgerKey(id, firstStepID)]; entered {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) MergeContactAttributes(_ context.Context, contactID string, attrs map[string]any) error {
	c := m.contacts[contactID]
	for k, v := range attrs {
		c.Attributes[k] = v
	}
	return nil
}

// --- TagStore ---

func (m *memStore) ExistingTagIDs(_ context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if m.tags[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) AttachTags(_ context.Context, contactID string, ids []string) error {
	if err := m.fail("AttachTags"); err != nil {
		return err
	}
	c := m.contacts[contactID]
	for _, id := range ids {
		if !c.HasTag(id) {
			c.TagIDs = append(c.TagIDs, id)
		}
	}
	return nil
}

func (m *memStore) DetachTags(_ context.Context, contactID string, ids []string) error {
	c := m.contacts[contactID]
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.TagIDs[:0]
	for _, id := range c.TagIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	c.TagIDs = kept
	return nil
}

// --- AudienceStore ---

func (m *memStore) FindAudience(_ context.Context, id string) (*domain.Audience, error) {
	return m.audiences[id], nil
}

func (m *memStore) CreateContact(_ context.Context, c *domain.Contact) (bool, error) {
	for _, existing := range m.contacts {
		if existing.AudienceID == c.AudienceID && existing.Email == c.Email {
			return false, nil
		}
	}
	m.nextID++
	c.ID = fmt.Sprintf("new-%d", m.nextID)
	cp := *c
	m.contacts[c.ID] = &cp
	return true, nil
}

// --- EmailStore ---

func (m *memStore) FindEmailContent(_ context.Context, id string) (*domain.EmailContent, error) {
	return m.contents[id], nil
}

func (m *memStore) FindAutomationMessage(_ context.Context, stepID, contactID string) (*domain.AutomationMessage, error) {
	return m.messages[ledgerKey(contactID, stepID)], nil
}

func (m *memStore) RecordAutomationMessage(_ context.Context, msg *domain.AutomationMessage) error {
	m.messages[ledgerKey(msg.ContactID, msg.AutomationStepID)] = msg
	return nil
}

// --- LedgerStore ---

func (m *memStore) InsertLedger(_ context.Context, contactID, stepID string) (bool, error) {
	key := ledgerKey(contactID, stepID)
	if _, ok := m.ledger[key]; ok {
		return false, nil
	}
	m.ledger[key] = &domain.ContactAutomationStep{
		ID: key, ContactID: contactID, AutomationStepID: stepID, Status: domain.LedgerPending,
	}
	return true, nil
}

func (m *memStore) FindLedger(_ context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error) {
	return m.ledger[ledgerKey(contactID, stepID)], nil
}

func (m *memStore) LockLedger(ctx context.Context, contactID, stepID string) (*domain.ContactAutomationStep, error) {
	return m.FindLedger(ctx, contactID, stepID)
}

func (m *memStore) CompleteLedger(_ context.Context, contactID, stepID string) error {
	row := m.ledger[ledgerKey(contactID, stepID)]
	now := time.Now()
	row.Status = domain.LedgerCompleted
	row.CompletedAt = &now
	return nil
}

func (m *memStore) WithinTx(ctx context.Context, fn func(tx Store, jobs worker.Dispatcher) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++
	d := &recordingDispatcher{}
	if err := fn(m, d); err != nil {
		return err
	}
	m.jobs = append(m.jobs, d.jobs...)
	return nil
}

// recordingDispatcher collects scheduled jobs.
type recordingDispatcher struct {
	jobs []scheduledJob
	err  error
}

func (d *recordingDispatcher) Schedule(_ context.Context, name string, payload any, _ ...worker.Option) error {
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, scheduledJob{Name: name, Payload: payload})
	return nil
}

// fakeSender records sends.
type fakeSender struct {
	sent []mailing.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg mailing.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

var _ Store = (*memStore)(nil)
