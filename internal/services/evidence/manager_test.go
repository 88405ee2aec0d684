package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/cases"
	"evidence-custody/internal/services/custody"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tickClock 每次调用前进 1 秒，保证追加顺序与时间顺序一致。
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	mgr     *Manager
	cases   *cases.Manager
	repo    *memory.Store
	metrics *metrics.Metrics
	caseRef *model.Case
}

func newFixture(t *testing.T, repo Repository) *fixture {
	t.Helper()
	store := memory.NewStore()
	if repo == nil {
		repo = store
	}
	clock := &tickClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	caseMgr := cases.NewManager(cases.Options{Repo: store, Clock: clock.Now})
	met, err := metrics.New()
	require.NoError(t, err)

	mgr := NewManager(Options{
		Repo:             repo,
		Cases:            caseMgr,
		Metrics:          met,
		Clock:            clock.Now,
		MaxAppendRetries: 1000,
	})
	c, err := caseMgr.Create(context.Background(), cases.CreateInput{Title: "Burglary"})
	require.NoError(t, err)
	return &fixture{mgr: mgr, cases: caseMgr, repo: store, metrics: met, caseRef: c}
}

func TestCreate_InitialState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := []byte("0123456789")

	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "photo.jpg", Data: data, Tags: []string{"a", "a", " b "}})
	require.NoError(t, err)
	assert.Equal(t, hash.Bytes(data), ev.OriginalHash)
	assert.Equal(t, ev.OriginalHash, ev.CurrentHash)
	assert.True(t, ev.IntegrityVerified)
	assert.Empty(t, ev.ChainOfCustody)
	assert.Equal(t, f.caseRef.CaseNumber, ev.CaseNumber)
	assert.Equal(t, int64(10), ev.SizeBytes)
	assert.Equal(t, []string{"a", "b"}, ev.Tags)

	c, err := f.cases.GetByID(ctx, f.caseRef.ID)
	require.NoError(t, err)
	assert.Contains(t, c.EvidenceIDs, ev.ID)
}

func TestCreate_Failures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, CreateInput{Name: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.mgr.Create(ctx, CreateInput{CaseID: "case_missing", Name: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.cases.Archive(ctx, f.caseRef.ID, "admin")
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCreate_EmptyDataHashesEmptySequence(t *testing.T) {
	f := newFixture(t, nil)
	ev, err := f.mgr.Create(context.Background(), CreateInput{CaseID: f.caseRef.ID, Name: "empty.bin"})
	require.NoError(t, err)
	assert.Equal(t, hash.Bytes(nil), ev.OriginalHash)
}

func TestAppend_UnknownEvidence(t *testing.T) {
	f := newFixture(t, nil)
	entry := f.mgr.Factory().NewEntry("", "", "ACCESSED", "A", nil)
	_, err := f.mgr.AppendCustodyEntry(context.Background(), "evd_missing", entry)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.mgr.ReverifyIntegrity(context.Background(), "evd_missing", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.mgr.Destroy(context.Background(), "evd_missing", "A", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAppend_ValidationAndForeignEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"})
	require.NoError(t, err)

	noActor := f.mgr.Factory().NewEntry("", ev.ID, "ACCESSED", "", nil)
	_, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, noActor)
	assert.ErrorIs(t, err, model.ErrValidation)

	foreign := f.mgr.Factory().NewEntry("", "evd_other", "ACCESSED", "A", nil)
	_, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, foreign)
	assert.ErrorIs(t, err, model.ErrValidation)

	got, _ := f.mgr.Get(ctx, ev.ID)
	assert.Empty(t, got.ChainOfCustody)
}

func TestAppend_AppendOnlyLaw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"})
	require.NoError(t, err)

	actions := []string{"RECEIVED", "ACCESSED", "sealed", "TRANSFERRED", "ANALYZED"}
	for _, a := range actions {
		prior := ev.Clone().ChainOfCustody
		entry := f.mgr.Factory().NewEntry(ev.CaseNumber, ev.ID, a, "tech", map[string]any{"step": a})

		ev, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, entry)
		require.NoError(t, err)
		require.Len(t, ev.ChainOfCustody, len(prior)+1)
		assert.Equal(t, prior, ev.ChainOfCustody[:len(prior)])
		assert.Equal(t, entry, ev.ChainOfCustody[len(prior)])
	}

	_, res, err := f.mgr.VerifyChain(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChainVerifies.WithLabelValues("valid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("RECEIVED"))+testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("ACCESSED"))+testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("TRANSFERRED"))+testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("ANALYZED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("OTHER")))
}

func TestAppend_MetadataStoredAsAppended(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"})
	require.NoError(t, err)

	// 手工构造的记录（未经 Factory）在追加时同样被规范化
	entry := model.CustodyEntry{
		Action:    model.ActionReceived,
		Actor:     "tech",
		Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Metadata:  map[string]any{"serial": int64(9007199254740993)},
	}
	ev, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, entry)
	require.NoError(t, err)
	stored := ev.ChainOfCustody[0]
	assert.Equal(t, json.Number("9007199254740993"), stored.Metadata["serial"])

	again, err := f.mgr.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, again.ChainOfCustody[0])

	bad := entry
	bad.Metadata = map[string]any{"fn": func() {}}
	_, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, bad)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestIntake_PersistsRecordAndReceivedTogether(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ev, err := f.mgr.Intake(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "phone.bin", Data: []byte("p")}, "officer", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Version)
	require.Len(t, ev.ChainOfCustody, 1)
	assert.Equal(t, model.ActionReceived, ev.ChainOfCustody[0].Action)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CustodyAppends.WithLabelValues("RECEIVED")))

	stored, err := f.mgr.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ChainOfCustody, stored.ChainOfCustody)

	// RECEIVED 无法落库时证据本身也不能落库
	_, err = f.mgr.Intake(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "bad.bin"}, "officer", map[string]any{"fn": func() {}})
	assert.ErrorIs(t, err, model.ErrValidation)

	rows, err := f.mgr.ListByCase(ctx, f.caseRef.ID, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ev.ID, rows[0].ID)
	c, err := f.cases.GetByID(ctx, f.caseRef.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, c.EvidenceIDs)
}

func TestCreate_SeesArchiveFromAnotherWriter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	caseMgr := cases.NewManager(cases.Options{Repo: store, CacheTTL: time.Hour})
	mgr := NewManager(Options{Repo: store, Cases: caseMgr})

	c, err := caseMgr.Create(ctx, cases.CreateInput{Title: "Fraud"})
	require.NoError(t, err)
	_, err = caseMgr.GetByID(ctx, c.ID)
	require.NoError(t, err)

	// 另一个进程直接改了存储，本进程的案件缓存仍是 NEW
	raw, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	raw.Status = model.CaseArchived
	require.NoError(t, store.UpdateCase(ctx, raw))

	_, err = mgr.Create(ctx, CreateInput{CaseID: c.ID, Name: "late.bin"})
	assert.ErrorIs(t, err, model.ErrValidation)

	// 守卫读取会刷新缓存
	cached, err := caseMgr.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseArchived, cached.Status)
}

func TestIntake_BackfillsPlaceholder(t *testing.T) {
	f := newFixture(t, nil)
	ev, err := f.mgr.Intake(context.Background(), CreateInput{CaseID: f.caseRef.ID, Name: "drive.img", Data: []byte("disk")}, "officer", map[string]any{"ip": "10.1.1.1"})
	require.NoError(t, err)

	require.Len(t, ev.ChainOfCustody, 1)
	first := ev.ChainOfCustody[0]
	assert.Equal(t, ev.ID, first.EvidenceID)
	assert.NotEqual(t, model.PendingEvidenceID, first.EvidenceID)
	assert.Equal(t, model.ActionReceived, first.Action)
	assert.Equal(t, f.caseRef.CaseNumber, first.CaseNumber)
	assert.Equal(t, "10.1.1.1", first.Metadata["ip"])
}

func TestEndToEnd_IntegrityIndependentOfChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := []byte("0123456789")

	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "ten.bin", Data: data})
	require.NoError(t, err)

	recv := f.mgr.Factory().NewEntry(ev.CaseNumber, ev.ID, "RECEIVED", "A", nil)
	_, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, recv)
	require.NoError(t, err)
	acc := f.mgr.Factory().NewEntry(ev.CaseNumber, ev.ID, "ACCESSED", "B", nil)
	ev, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, acc)
	require.NoError(t, err)
	require.True(t, acc.Timestamp.After(recv.Timestamp))

	_, res, err := f.mgr.VerifyChain(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.True(t, ev.IntegrityVerified)

	// 同样的内容复核仍然通过
	ev, err = f.mgr.ReverifyIntegrity(ctx, ev.ID, data)
	require.NoError(t, err)
	assert.True(t, ev.IntegrityVerified)
	require.NotNil(t, ev.LastVerified)

	altered := append([]byte{}, data...)
	altered[9] = 'X'
	ev, err = f.mgr.ReverifyIntegrity(ctx, ev.ID, altered)
	require.NoError(t, err)
	assert.False(t, ev.IntegrityVerified)
	assert.Equal(t, hash.Bytes(altered), ev.CurrentHash)
	assert.Equal(t, hash.Bytes(data), ev.OriginalHash)
	// 复核不追加保管记录，链仍然有效
	assert.Len(t, ev.ChainOfCustody, 2)

	_, res, err = f.mgr.VerifyChain(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntegrityChecks.WithLabelValues("mismatch")))
}

func TestDestroy_AppendsThenFlags(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, err := f.mgr.Intake(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"}, "A", nil)
	require.NoError(t, err)

	ev, err = f.mgr.Destroy(ctx, ev.ID, "custodian", "retention expired")
	require.NoError(t, err)
	assert.True(t, ev.Deleted)
	require.NotNil(t, ev.DeletedAt)
	last := ev.ChainOfCustody[len(ev.ChainOfCustody)-1]
	assert.Equal(t, model.ActionDestroyed, last.Action)
	assert.Equal(t, "retention expired", last.Metadata["reason"])

	_, err = f.mgr.Destroy(ctx, ev.ID, "custodian", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	// 软删除：默认列表不含，includeDeleted 可见，Get 仍可查到
	rows, err := f.mgr.ListByCase(ctx, f.caseRef.ID, false)
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = f.mgr.ListByCase(ctx, f.caseRef.ID, true)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// 链仍然可写（校验只是提示性的）
	after := f.mgr.Factory().NewEntry("", ev.ID, "ACCESSED", "auditor", nil)
	ev, err = f.mgr.AppendCustodyEntry(ctx, ev.ID, after)
	require.NoError(t, err)
	assert.Len(t, ev.ChainOfCustody, 3)
}

func TestAppend_ConcurrentAppendsAllLand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "x"})
	require.NoError(t, err)

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := f.mgr.Factory().NewEntry("", ev.ID, "ACCESSED", "worker", nil)
			_, err := f.mgr.AppendCustodyEntry(ctx, ev.ID, entry)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.mgr.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, got.ChainOfCustody, writers)
	assert.Equal(t, int64(1+writers), got.Version)
}

// conflictingRepo 在前 n 次追加时模拟并发写者抢先。
type conflictingRepo struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	always    bool
}

func (r *conflictingRepo) AppendCustody(ctx context.Context, evidenceID string, expectedVersion int64, entry model.CustodyEntry) (int64, error) {
	r.mu.Lock()
	if r.always || r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return 0, model.ErrConflict
	}
	r.mu.Unlock()
	return r.Store.AppendCustody(ctx, evidenceID, expectedVersion, entry)
}

func TestAppend_RetriesOnConflict(t *testing.T) {
	store := memory.NewStore()
	repo := &conflictingRepo{Store: store, conflicts: 2}
	clock := &tickClock{now: time.Unix(0, 0)}
	caseMgr := cases.NewManager(cases.Options{Repo: store})
	met, _ := metrics.New()
	mgr := NewManager(Options{Repo: repo, Cases: caseMgr, Metrics: met, Clock: clock.Now})

	ctx := context.Background()
	c, _ := caseMgr.Create(ctx, cases.CreateInput{Title: "x"})
	ev, err := mgr.Create(ctx, CreateInput{CaseID: c.ID, Name: "x"})
	require.NoError(t, err)

	ev, err = mgr.AppendCustodyEntry(ctx, ev.ID, mgr.Factory().NewEntry("", ev.ID, "RECEIVED", "A", nil))
	require.NoError(t, err)
	assert.Len(t, ev.ChainOfCustody, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(met.AppendConflicts))

	repo.always = true
	_, err = mgr.AppendCustodyEntry(ctx, ev.ID, mgr.Factory().NewEntry("", ev.ID, "ACCESSED", "B", nil))
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestVerifyCase_UsesConfiguredPolicy(t *testing.T) {
	store := memory.NewStore()
	caseMgr := cases.NewManager(cases.Options{Repo: store})
	clock := &tickClock{now: time.Unix(1000, 0)}
	mgr := NewManager(Options{Repo: store, Cases: caseMgr, Clock: clock.Now, Verifier: custody.NewVerifier(custody.Strict)})

	ctx := context.Background()
	c, _ := caseMgr.Create(ctx, cases.CreateInput{Title: "x"})
	ev, err := mgr.Intake(ctx, CreateInput{CaseID: c.ID, Name: "x"}, "A", nil)
	require.NoError(t, err)
	_, err = mgr.Destroy(ctx, ev.ID, "A", "")
	require.NoError(t, err)
	_, err = mgr.AppendCustodyEntry(ctx, ev.ID, mgr.Factory().NewEntry("", ev.ID, "ACCESSED", "B", nil))
	require.NoError(t, err)

	rows, err := mgr.VerifyCase(ctx, c.ID, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Verification.Valid)
	assert.Equal(t, []string{"Transition not allowed at entry 2: DESTROYED -> ACCESSED"}, rows[0].Verification.Errors)
}

func TestReverifyFiles_Parallel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}
	okPath := write("ok.txt", "same")
	badPath := write("bad.txt", "before")
	gonePath := write("gone.txt", "soon gone")

	for _, p := range []string{okPath, badPath, gonePath} {
		data, _ := os.ReadFile(p)
		_, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: filepath.Base(p), SourcePath: p, Data: data})
		require.NoError(t, err)
	}
	_, err := f.mgr.Create(ctx, CreateInput{CaseID: f.caseRef.ID, Name: "inline", Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(badPath, []byte("after"), 0o644))
	require.NoError(t, os.Remove(gonePath))

	checks, err := f.mgr.ReverifyFiles(ctx, f.caseRef.ID, 2)
	require.NoError(t, err)
	status := map[string]string{}
	for _, c := range checks {
		status[filepath.Base(c.Path)] = c.Status
	}
	assert.Equal(t, map[string]string{
		"ok.txt":   "ok",
		"bad.txt":  "mismatch",
		"gone.txt": "missing",
		".":        "skipped",
	}, status)
}
