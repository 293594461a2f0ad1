package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/segmentation"
	"github.com/ignite/automation-engine/internal/worker"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, worker.NewQueue(db, nil, worker.QueueConfig{})), mock
}

var (
	stepCols    = []string{"id", "automation_id", "parent_id", "type", "subtype", "configuration", "branch_index", "created_at", "updated_at"}
	contactCols = []string{"id", "audience_id", "email", "first_name", "last_name", "attributes", "tag_ids", "subscribed_at", "created_at", "updated_at"}
	ledgerCols  = []string{"id", "contact_id", "automation_step_id", "status", "created_at", "updated_at", "completed_at"}
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithinTx_CommitsLedgerAndJobTogether(t *testing.T) {
	s, mock := setupStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO contact_automation_steps").
		WithArgs(sqlmock.AnyArg(), "c-1", "step-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO automation_jobs").
		WithArgs(sqlmock.AnyArg(), automation.JobRunStepForContact,
			[]byte(`{"automationStepId":"step-2","contactId":"c-1"}`), worker.DefaultMaxAttempts, float64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(tx automation.Store, jobs worker.Dispatcher) error {
		inserted, err := tx.InsertLedger(ctx, "c-1", "step-2")
		require.NoError(t, err)
		assert.True(t, inserted)
		return automation.ScheduleStep(ctx, jobs, "step-2", "c-1")
	})
	require.NoError(t, err)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s, mock := setupStore(t)
	boom := errors.New("runner failed")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(automation.Store, worker.Dispatcher) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithinTx_RejectsNesting(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx automation.Store, _ worker.Dispatcher) error {
		return tx.WithinTx(context.Background(), func(automation.Store, worker.Dispatcher) error { return nil })
	})
	assert.ErrorIs(t, err, ErrNestedTx)
}

// =============================================================================
// GRAPH
// =============================================================================

func TestFindTrigger(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM automation_steps\\s+WHERE automation_id = \\$1 AND type = 'TRIGGER' AND parent_id IS NULL").
		WithArgs("auto-1").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow("trig", "auto-1", nil, "TRIGGER", "TRIGGER_FILTER", []byte(`{"filter":[]}`), nil, now, now))

	step, err := s.FindTrigger(context.Background(), "auto-1")
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Nil(t, step.ParentID)
	assert.Nil(t, step.BranchIndex)
	assert.Equal(t, domain.SubtypeTriggerFilter, step.Subtype)
	assert.JSONEq(t, `{"filter":[]}`, string(step.Configuration))
}

func TestFindTrigger_Missing(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("FROM automation_steps").WillReturnError(sql.ErrNoRows)

	step, err := s.FindTrigger(context.Background(), "auto-1")
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestFindChildren_OrderedByBranch(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY branch_index NULLS FIRST, created_at, id")).
		WithArgs("rule").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow("yes", "auto-1", "rule", "ACTION", "ACTION_ADD_TAG", []byte(`{}`), int64(0), now, now).
			AddRow("no", "auto-1", "rule", "ACTION", "ACTION_ADD_TAG", []byte(`{}`), int64(1), now, now))

	children, err := s.FindChildren(context.Background(), "rule")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.True(t, children[0].HasBranch(domain.BranchMatch))
	assert.True(t, children[1].HasBranch(domain.BranchNoMatch))
	assert.Equal(t, "rule", *children[1].ParentID)
}

func TestListAutomations(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()
	mock.ExpectQuery("FROM automations").
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"id", "audience_id", "name", "created_at", "updated_at"}).
			AddRow("a1", "aud-1", "Welcome", now, now))

	list, err := s.ListAutomations(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Welcome", list[0].Name)
}

// =============================================================================
// CONTACTS & TAGS
// =============================================================================

func TestGetContact(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()
	mock.ExpectQuery("FROM contacts c WHERE c.id = \\$1").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(contactCols).
			AddRow("c-1", "aud-1", "ada@example.com", "Ada", "", []byte(`{"plan":"pro"}`), "{newsletter,vip}", now, now, now))

	c, err := s.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"newsletter", "vip"}, c.TagIDs)
	assert.Equal(t, "pro", c.Attributes["plan"])
}

func TestGetContact_Missing(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("FROM contacts").WillReturnError(sql.ErrNoRows)

	c, err := s.GetContact(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestContactMatches(t *testing.T) {
	s, mock := setupStore(t)
	p := segmentation.Compile(domain.NewFilterSpec(domain.FilterGroup{Conditions: []domain.Condition{
		{Field: domain.FieldTags, Operation: domain.OpContains, Value: []string{"newsletter"}},
	}}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM contacts c WHERE c.id = $1 AND c.audience_id = $2 AND (EXISTS (SELECT 1 FROM contact_tags ct WHERE ct.contact_id = c.id AND ct.tag_id = ANY($3))))")).
		WithArgs("c-1", "aud-1", pq.Array([]string{"newsletter"})).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.ContactMatches(context.Background(), "aud-1", "c-1", p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListEntryCandidates(t *testing.T) {
	s, mock := setupStore(t)
	p := segmentation.Compile(domain.NewFilterSpec(domain.FilterGroup{Conditions: []domain.Condition{
		{Field: domain.FieldEmail, Operation: domain.OpEndsWith, Value: "@example.com"},
	}}))

	mock.ExpectQuery("NOT EXISTS").
		WithArgs("aud-1", "c-1", "step-1", 100, "%@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-2").AddRow("c-3"))

	ids, err := s.ListEntryCandidates(context.Background(), "aud-1", p, "step-1", "c-1", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-2", "c-3"}, ids)
}

func TestMergeContactAttributes(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec(regexp.QuoteMeta("SET attributes = COALESCE(attributes, '{}'::jsonb) || $2::jsonb")).
		WithArgs("c-1", []byte(`{"plan":"pro"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MergeContactAttributes(context.Background(), "c-1", map[string]any{"plan": "pro"}))
}

func TestExistingTagIDs_KeepsInputOrder(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("SELECT id FROM tags WHERE id = ANY").
		WithArgs(pq.Array([]string{"vip", "deleted", "gold"})).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("gold").AddRow("vip"))

	ids, err := s.ExistingTagIDs(context.Background(), []string{"vip", "deleted", "gold"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "gold"}, ids)
}

func TestAttachAndDetachTags(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("INSERT INTO contact_tags").
		WithArgs("c-1", pq.Array([]string{"vip"})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM contact_tags").
		WithArgs("c-1", pq.Array([]string{"trial"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AttachTags(context.Background(), "c-1", []string{"vip"}))
	require.NoError(t, s.DetachTags(context.Background(), "c-1", []string{"trial"}))
}

func TestCreateContact(t *testing.T) {
	s, mock := setupStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO contacts").
		WithArgs(sqlmock.AnyArg(), "aud-2", "ada@example.com", "Ada", "", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c := &domain.Contact{AudienceID: "aud-2", Email: "ada@example.com", FirstName: "Ada"}
	created, err := s.CreateContact(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, c.ID)

	mock.ExpectExec("ON CONFLICT \\(audience_id, email\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	dup := &domain.Contact{AudienceID: "aud-2", Email: "ada@example.com"}
	created, err = s.CreateContact(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, dup.ID)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestInsertLedger_Conflict(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("ON CONFLICT \\(contact_id, automation_step_id\\) DO NOTHING").
		WithArgs(sqlmock.AnyArg(), "c-1", "step-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertLedger(context.Background(), "c-1", "step-1")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestLockLedger(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()
	mock.ExpectQuery("FROM contact_automation_steps\\s+WHERE contact_id = \\$1 AND automation_step_id = \\$2 FOR UPDATE").
		WithArgs("c-1", "step-1").
		WillReturnRows(sqlmock.NewRows(ledgerCols).AddRow("l-1", "c-1", "step-1", "COMPLETED", now, now, now))

	row, err := s.LockLedger(context.Background(), "c-1", "step-1")
	require.NoError(t, err)
	assert.True(t, row.IsCompleted())
	require.NotNil(t, row.CompletedAt)
}

func TestFindLedger_Missing(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("FROM contact_automation_steps").WillReturnError(sql.ErrNoRows)

	row, err := s.FindLedger(context.Background(), "c-1", "step-1")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.False(t, row.IsCompleted())
}

func TestCompleteLedger(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectExec("SET status = 'COMPLETED'").
		WithArgs("c-1", "step-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CompleteLedger(context.Background(), "c-1", "step-1"))
}

// =============================================================================
// EMAIL
// =============================================================================

func TestFindEmailContent_DeletedIsNil(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery("JOIN emails e ON e.id = ec.email_id").
		WithArgs("42").
		WillReturnError(sql.ErrNoRows)

	ec, err := s.FindEmailContent(context.Background(), "42")
	require.NoError(t, err)
	assert.Nil(t, ec)
}

func TestRecordAutomationMessage(t *testing.T) {
	s, mock := setupStore(t)
	sent := time.Now()
	mock.ExpectExec("INSERT INTO automation_messages").
		WithArgs("step-1", "c-1", "42", "ses-1", sent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordAutomationMessage(context.Background(), &domain.AutomationMessage{
		AutomationStepID: "step-1", ContactID: "c-1", ContentID: "42", MessageID: "ses-1", SentAt: sent,
	}))
}

// =============================================================================
// SEGMENT PREVIEW
// =============================================================================

func TestCountContacts_EmptyFilterCountsAudience(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM contacts c WHERE c.audience_id = $1 AND (TRUE)")).
		WithArgs("aud-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	n, err := s.CountContacts(context.Background(), "aud-1", segmentation.Compile(domain.FilterSpec{}))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestGetSegment_LegacyFilter(t *testing.T) {
	s, mock := setupStore(t)
	now := time.Now()
	mock.ExpectQuery("FROM segments").
		WithArgs("seg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "audience_id", "name", "filter", "created_at", "updated_at"}).
			AddRow("seg-1", "aud-1", "VIPs", []byte(`[[{"field":"tags","operation":"contains","value":["vip"]}]]`), now, now))

	seg, err := s.GetSegment(context.Background(), "seg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FilterSpecVersion, seg.Filter.Version)
	require.Len(t, seg.Filter.Groups, 1)
	assert.Equal(t, domain.FieldTags, seg.Filter.Groups[0].Conditions[0].Field)
}
