package cases

import (
	"context"
	"sync"
	"testing"
	"time"

	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAudit struct {
	caseID string
	action string
	actor  string
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []recordedAudit
}

func (f *fakeAuditor) AppendAudit(_ context.Context, caseID, _, _, action, _, actor, _ string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedAudit{caseID: caseID, action: action, actor: actor})
	return nil
}

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *memory.Store, *fakeAuditor) {
	t.Helper()
	repo := memory.NewStore()
	aud := &fakeAuditor{}
	return NewManager(Options{Repo: repo, Auditor: aud, CacheTTL: ttl}), repo, aud
}

func TestCreate_AssignsNumberAndDefaults(t *testing.T) {
	m, _, aud := newTestManager(t, 0)
	ctx := context.Background()

	c, err := m.Create(ctx, CreateInput{Title: "Missing laptop", CreatedBy: "intake"})
	require.NoError(t, err)
	assert.Regexp(t, `^CN-\d{8}-[0-9A-F]{6}$`, c.CaseNumber)
	assert.Equal(t, model.CaseNew, c.Status)
	assert.Equal(t, model.PriorityMedium, c.Priority)
	assert.Empty(t, c.EvidenceIDs)

	byNumber, err := m.GetByNumber(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byNumber.ID)

	require.Len(t, aud.events, 1)
	assert.Equal(t, "create", aud.events[0].action)
}

func TestCreate_Validation(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	_, err := m.Create(context.Background(), CreateInput{Title: "  "})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = m.Create(context.Background(), CreateInput{Title: "x", Priority: "whenever"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	_, err := m.GetByID(context.Background(), "case_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = m.GetByNumber(context.Background(), "CN-00000000-000000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateStatus_AnyTransitionAndArchive(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	c, err := m.Create(ctx, CreateInput{Title: "Fraud"})
	require.NoError(t, err)

	// 没有强制转换图：NEW 可以直接到 CLOSED
	closed, err := m.UpdateStatus(ctx, c.ID, "closed", "lead")
	require.NoError(t, err)
	assert.Equal(t, model.CaseClosed, closed.Status)

	_, err = m.UpdateStatus(ctx, c.ID, "REOPENED", "lead")
	assert.ErrorIs(t, err, model.ErrValidation)

	archived, err := m.Archive(ctx, c.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.CaseArchived, archived.Status)
	assert.NotNil(t, archived.ArchivedAt)

	// 软删除后仍可查询
	got, err := m.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseArchived, got.Status)

	rows, err := m.List(ctx, model.CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCache_InvalidatedOnWrite(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	c, err := m.Create(ctx, CreateInput{Title: "Cached"})
	require.NoError(t, err)

	_, err = m.GetByID(ctx, c.ID) // 预热缓存
	require.NoError(t, err)

	_, err = m.UpdateAssignment(ctx, c.ID, "urgent", "bob", "lead")
	require.NoError(t, err)
	require.NoError(t, m.AttachEvidence(ctx, c.ID, "evd_1", "lead"))
	_, err = m.AddNote(ctx, c.ID, "bob", "first look done")
	require.NoError(t, err)

	got, err := m.GetByNumber(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, got.Priority)
	assert.Equal(t, "bob", got.AssignedTo)
	assert.Equal(t, []string{"evd_1"}, got.EvidenceIDs)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "first look done", got.Notes[0].Body)

	// 返回值是副本，改动不会污染缓存
	got.EvidenceIDs[0] = "tampered"
	again, _ := m.GetByID(ctx, c.ID)
	assert.Equal(t, "evd_1", again.EvidenceIDs[0])
}

func TestAddNote_Validation(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()
	c, _ := m.Create(ctx, CreateInput{Title: "x"})

	_, err := m.AddNote(ctx, c.ID, "", "body")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = m.AddNote(ctx, "case_missing", "a", "body")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve_ByIDOrNumber(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()
	c, _ := m.Create(ctx, CreateInput{Title: "x"})

	a, err := m.Resolve(ctx, c.ID)
	require.NoError(t, err)
	b, err := m.Resolve(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}
