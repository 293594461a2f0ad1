package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/worker"
)

func intPtr(i int) *int { return &i }

func tagFilter(op domain.FilterOperation, tagIDs ...string) map[string]any {
	return map[string]any{"filter": domain.NewFilterSpec(domain.FilterGroup{Conditions: []domain.Condition{
		{Field: domain.FieldTags, Operation: op, Value: tagIDs},
	}})}
}

// newsletterAutomation builds
// TRIGGER(tags contains newsletter) -> ADD_TAG(vip) -> SEND_EMAIL(42).
func newsletterAutomation(m *memStore) {
	m.addAutomation("auto-1", "aud-1")
	m.tags["newsletter"] = true
	m.tags["vip"] = true
	m.contents["42"] = &domain.EmailContent{
		ID: "42", EmailID: "email-1", FromAddress: "news@example.com",
		Subject: "Hi {{ first_name | default: \"there\" }}", HTMLBody: "<p>Welcome</p>",
	}
	m.addStep("trigger", "auto-1", "", domain.StepTrigger, domain.SubtypeTriggerFilter, tagFilter(domain.OpContains, "newsletter"), nil)
	m.addStep("add-vip", "auto-1", "trigger", domain.StepAction, domain.SubtypeAddTag, map[string]any{"tagIds": []string{"vip"}}, nil)
	m.addStep("send", "auto-1", "add-vip", domain.StepAction, domain.SubtypeSendEmail, map[string]any{"contentId": 42}, nil)
}

func newTestCoordinator(m *memStore) (*Coordinator, *fakeSender) {
	sender := &fakeSender{}
	return NewCoordinator(m, NewRegistry(Dependencies{Sender: sender})), sender
}

// drain executes scheduled jobs until none remain, as the worker pool would.
func drain(t *testing.T, c *Coordinator, m *memStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; len(m.jobs) > 0; i++ {
		require.Less(t, i, 100, "job chain did not terminate")
		job := m.jobs[0]
		m.jobs = m.jobs[1:]
		body, err := json.Marshal(job.Payload)
		require.NoError(t, err)
		var h func(context.Context, worker.Job) error
		switch job.Name {
		case JobRunAutomationForContact:
			h = c.handleRunAutomation
		case JobRunStepForContact:
			h = c.handleRunStep
		default:
			t.Fatalf("unexpected job %s", job.Name)
		}
		require.NoError(t, h(ctx, worker.Job{Name: job.Name, Payload: body}))
	}
}

func TestScenario_NewsletterContact(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com", "newsletter")
	c, sender := newTestCoordinator(m)

	require.NoError(t, c.RunAutomationForContact(context.Background(), "auto-1", "c1"))
	drain(t, c, m)

	assert.Equal(t, map[string]domain.LedgerStatus{
		"add-vip": domain.LedgerCompleted,
		"send":    domain.LedgerCompleted,
	}, m.ledgerRows("c1"))
	assert.True(t, m.contacts["c1"].HasTag("vip"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ada@example.com", sender.sent[0].To)
	assert.Equal(t, "Hi there", sender.sent[0].Subject)

	msg := m.messages[ledgerKey("c1", "send")]
	require.NotNil(t, msg)
	assert.Equal(t, "42", msg.ContentID)
	assert.Equal(t, "msg-1", msg.MessageID)
}

func TestScenario_ContactWithoutTagNeverEnters(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c2", "aud-1", "bob@example.com")
	c, sender := newTestCoordinator(m)

	require.NoError(t, c.RunAutomationForContact(context.Background(), "auto-1", "c2"))
	assert.Empty(t, m.ledgerRows("c2"))
	assert.Empty(t, m.jobs)
	assert.Empty(t, sender.sent)
}

func TestRunAutomation_OtherAudienceDoesNotMatch(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c3", "aud-2", "eve@example.com", "newsletter")
	c, _ := newTestCoordinator(m)

	require.NoError(t, c.RunAutomationForContact(context.Background(), "auto-1", "c3"))
	assert.Empty(t, m.jobs)
}

func TestRunAutomation_EmptyTriggerFilterMatchesAudience(t *testing.T) {
	m := newMemStore()
	m.addAutomation("auto-1", "aud-1")
	m.addStep("trigger", "auto-1", "", domain.StepTrigger, domain.SubtypeTriggerFilter, map[string]any{}, nil)
	m.addStep("attrs", "auto-1", "trigger", domain.StepAction, domain.SubtypeUpdateContactAttributes,
		map[string]any{"attributes": map[string]any{"plan": "pro"}}, nil)
	m.addContact("c1", "aud-1", "ada@example.com")
	c, _ := newTestCoordinator(m)

	require.NoError(t, c.RunAutomationForContact(context.Background(), "auto-1", "c1"))
	assert.Equal(t, []string{JobRunStepForContact}, m.jobNames())
	assert.Equal(t, domain.LedgerPending, m.ledgerRows("c1")["attrs"])
}

func TestRunAutomation_ConfigurationDrift(t *testing.T) {
	ctx := context.Background()

	t.Run("missing automation", func(t *testing.T) {
		m := newMemStore()
		c, _ := newTestCoordinator(m)
		err := c.RunAutomationForContact(ctx, "gone", "c1")
		assert.True(t, worker.IsPermanent(err))
		assert.ErrorIs(t, err, ErrAutomationNotFound)
	})

	t.Run("missing trigger", func(t *testing.T) {
		m := newMemStore()
		m.addAutomation("auto-1", "aud-1")
		m.addContact("c1", "aud-1", "ada@example.com")
		c, _ := newTestCoordinator(m)
		err := c.RunAutomationForContact(ctx, "auto-1", "c1")
		assert.True(t, worker.IsPermanent(err))
		assert.ErrorIs(t, err, ErrTriggerNotFound)
		assert.Empty(t, m.ledger)
	})

	t.Run("trigger without child", func(t *testing.T) {
		m := newMemStore()
		m.addAutomation("auto-1", "aud-1")
		m.addStep("trigger", "auto-1", "", domain.StepTrigger, domain.SubtypeTriggerFilter, map[string]any{}, nil)
		m.addContact("c1", "aud-1", "ada@example.com")
		c, _ := newTestCoordinator(m)
		err := c.RunAutomationForContact(ctx, "auto-1", "c1")
		assert.True(t, worker.IsPermanent(err))
		assert.ErrorIs(t, err, ErrTriggerHasNoChild)
		assert.Empty(t, m.ledger)
	})

	t.Run("unreadable trigger config", func(t *testing.T) {
		m := newMemStore()
		m.addAutomation("auto-1", "aud-1")
		m.addStep("trigger", "auto-1", "", domain.StepTrigger, domain.SubtypeTriggerFilter, map[string]any{"filter": 7}, nil)
		c, _ := newTestCoordinator(m)
		assert.True(t, worker.IsPermanent(c.RunAutomationForContact(ctx, "auto-1", "c1")))
	})
}

func TestRunAutomation_RedeliveryIsIdempotent(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com", "newsletter")
	c, sender := newTestCoordinator(m)
	ctx := context.Background()

	require.NoError(t, c.RunAutomationForContact(ctx, "auto-1", "c1"))
	drain(t, c, m)

	// The child row is COMPLETED now, so entry schedules nothing.
	require.NoError(t, c.RunAutomationForContact(ctx, "auto-1", "c1"))
	assert.Empty(t, m.jobs)
	assert.Len(t, sender.sent, 1)
}

func TestRunAutomation_TransientStoreError(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.failOn = "FindAutomation"
	c, _ := newTestCoordinator(m)

	err := c.RunAutomationForContact(context.Background(), "auto-1", "c1")
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestRunStep_CompletedStepIsNoOp(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com", "newsletter")
	c, sender := newTestCoordinator(m)
	ctx := context.Background()

	_, _ = m.InsertLedger(ctx, "c1", "send")
	require.NoError(t, m.CompleteLedger(ctx, "c1", "send"))
	_, _ = m.InsertLedger(ctx, "c1", "add-vip")
	require.NoError(t, m.CompleteLedger(ctx, "c1", "add-vip"))

	require.NoError(t, c.RunStepForContact(ctx, "add-vip", "c1"))
	require.NoError(t, c.RunStepForContact(ctx, "send", "c1"))

	assert.False(t, m.contacts["c1"].HasTag("vip"))
	assert.Empty(t, sender.sent)
	assert.Empty(t, m.jobs)
}

func TestRunStep_ChainTermination(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com")
	c, sender := newTestCoordinator(m)

	require.NoError(t, c.RunStepForContact(context.Background(), "send", "c1"))
	assert.Empty(t, m.jobs)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, domain.LedgerCompleted, m.ledgerRows("c1")["send"])
}

func TestRunStep_DeletedStepOrContactIsCleanStop(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com")
	c, _ := newTestCoordinator(m)
	ctx := context.Background()

	require.NoError(t, c.RunStepForContact(ctx, "deleted-step", "c1"))
	require.NoError(t, c.RunStepForContact(ctx, "add-vip", "deleted-contact"))
	assert.Empty(t, m.jobs)
}

func TestRunStep_DeletedChildMidChain(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com")
	delete(m.steps, "send")
	c, _ := newTestCoordinator(m)

	require.NoError(t, c.RunStepForContact(context.Background(), "add-vip", "c1"))
	assert.Empty(t, m.jobs)
	assert.True(t, m.contacts["c1"].HasTag("vip"))
}

func TestRunStep_UnknownSubtypeIsPermanent(t *testing.T) {
	m := newMemStore()
	m.addAutomation("auto-1", "aud-1")
	m.addStep("odd", "auto-1", "trigger", domain.StepAction, "ACTION_TELEPORT", map[string]any{}, nil)
	c, _ := newTestCoordinator(m)

	err := c.RunStepForContact(context.Background(), "odd", "c1")
	assert.True(t, worker.IsPermanent(err))
	assert.ErrorIs(t, err, ErrUnknownSubtype)
}

func TestRunStep_TransientRunnerFailureIsRetryable(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com")
	m.failOn = "AttachTags"
	c, _ := newTestCoordinator(m)
	ctx := context.Background()

	err := c.RunStepForContact(ctx, "add-vip", "c1")
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
	assert.Empty(t, m.jobs)
	assert.NotEqual(t, domain.LedgerCompleted, m.ledgerRows("c1")["add-vip"])

	m.failOn = ""
	require.NoError(t, c.RunStepForContact(ctx, "add-vip", "c1"))
	assert.Equal(t, []string{JobRunStepForContact}, m.jobNames())
}

func TestRunStep_SendFailureIsRetried(t *testing.T) {
	m := newMemStore()
	newsletterAutomation(m)
	m.addContact("c1", "aud-1", "ada@example.com")
	c, sender := newTestCoordinator(m)
	sender.err = errors.New("provider unavailable")

	err := c.RunStepForContact(context.Background(), "send", "c1")
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
	assert.Nil(t, m.messages[ledgerKey("c1", "send")])
}

// ruleAutomation builds TRIGGER -> RULE(tags contains gold) with
// branch 0 adding "match" and branch 1 adding "nomatch".
func ruleAutomation(m *memStore, withNoMatchBranch bool) {
	m.addAutomation("auto-r", "aud-1")
	for _, id := range []string{"gold", "match", "nomatch"} {
		m.tags[id] = true
	}
	m.addStep("trigger", "auto-r", "", domain.StepTrigger, domain.SubtypeTriggerFilter, map[string]any{}, nil)
	m.addStep("rule", "auto-r", "trigger", domain.StepRule, domain.SubtypeRuleIfElse, tagFilter(domain.OpContains, "gold"), nil)
	m.addStep("yes", "auto-r", "rule", domain.StepAction, domain.SubtypeAddTag, map[string]any{"tagIds": []string{"match"}}, intPtr(domain.BranchMatch))
	if withNoMatchBranch {
		m.addStep("no", "auto-r", "rule", domain.StepAction, domain.SubtypeAddTag, map[string]any{"tagIds": []string{"nomatch"}}, intPtr(domain.BranchNoMatch))
	}
}

func TestRunStep_BranchSelection(t *testing.T) {
	m := newMemStore()
	ruleAutomation(m, true)
	m.addContact("gold-contact", "aud-1", "g@example.com", "gold")
	m.addContact("plain-contact", "aud-1", "p@example.com")
	c, _ := newTestCoordinator(m)
	ctx := context.Background()

	require.NoError(t, c.RunAutomationForContact(ctx, "auto-r", "gold-contact"))
	require.NoError(t, c.RunAutomationForContact(ctx, "auto-r", "plain-contact"))
	drain(t, c, m)

	assert.Equal(t, map[string]domain.LedgerStatus{
		"rule": domain.LedgerCompleted,
		"yes":  domain.LedgerCompleted,
	}, m.ledgerRows("gold-contact"))
	assert.Equal(t, map[string]domain.LedgerStatus{
		"rule": domain.LedgerCompleted,
		"no":   domain.LedgerCompleted,
	}, m.ledgerRows("plain-contact"))
	assert.True(t, m.contacts["gold-contact"].HasTag("match"))
	assert.True(t, m.contacts["plain-contact"].HasTag("nomatch"))
}

func TestRunStep_UnconfiguredBranchIsDeadEnd(t *testing.T) {
	m := newMemStore()
	ruleAutomation(m, false)
	m.addContact("plain-contact", "aud-1", "p@example.com")
	c, _ := newTestCoordinator(m)

	require.NoError(t, c.RunStepForContact(context.Background(), "rule", "plain-contact"))
	assert.Empty(t, m.jobs)
	assert.Equal(t, domain.LedgerCompleted, m.ledgerRows("plain-contact")["rule"])
}

func TestHandlers_RejectBadPayload(t *testing.T) {
	c, _ := newTestCoordinator(newMemStore())
	ctx := context.Background()

	err := c.handleRunAutomation(ctx, worker.Job{Payload: []byte(`{"automationId":""}`)})
	assert.True(t, worker.IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = c.handleRunStep(ctx, worker.Job{Payload: []byte(`not json`)})
	assert.True(t, worker.IsPermanent(err))
}

type handlerRecorder map[string]worker.HandlerFunc

func (r handlerRecorder) Register(name string, h worker.HandlerFunc) { r[name] = h }

func TestCoordinator_Register(t *testing.T) {
	c, _ := newTestCoordinator(newMemStore())
	r := handlerRecorder{}
	c.Register(r)
	assert.Contains(t, r, JobRunAutomationForContact)
	assert.Contains(t, r, JobRunStepForContact)
}
