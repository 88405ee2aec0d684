package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	ctx := context.Background()
	db, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, NewStore(db)
}

func seedCase(t *testing.T, s *Store, id, number string) *model.Case {
	t.Helper()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	c := &model.Case{
		ID:         id,
		CaseNumber: number,
		Title:      "Case " + number,
		Status:     model.CaseNew,
		Priority:   model.PriorityMedium,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateCase(context.Background(), c))
	return c
}

func seedEvidence(t *testing.T, s *Store, c *model.Case, id string) *model.Evidence {
	t.Helper()
	now := time.Now().UTC()
	ev := &model.Evidence{
		ID:                id,
		CaseID:            c.ID,
		CaseNumber:        c.CaseNumber,
		Name:              id + ".bin",
		Tags:              []string{"disk"},
		OriginalHash:      "aa",
		CurrentHash:       "aa",
		IntegrityVerified: true,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.CreateEvidence(context.Background(), ev))
	return ev
}

func TestMigrator_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t)

	m := NewMigrator(db)
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, applied)

	v, err := s.GetSchemaMetaValue(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestCases_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-20240601-AAAAAA")

	err := s.CreateCase(ctx, &model.Case{ID: "case_2", CaseNumber: c.CaseNumber, Title: "dup", Status: model.CaseNew, Priority: model.PriorityLow})
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.AddNote(ctx, model.Note{ID: "note_1", CaseID: c.ID, Author: "a", Body: "hello", CreatedAt: time.Now()}))
	require.NoError(t, s.LinkEvidence(ctx, c.ID, "evd_1", time.Now()))
	require.NoError(t, s.LinkEvidence(ctx, c.ID, "evd_1", time.Now()))

	archivedAt := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	c.Status = model.CaseArchived
	c.ArchivedAt = &archivedAt
	c.AssignedTo = "bob"
	require.NoError(t, s.UpdateCase(ctx, c))

	got, err := s.GetCaseByNumber(ctx, c.CaseNumber)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.CaseArchived, got.Status)
	assert.Equal(t, "bob", got.AssignedTo)
	require.NotNil(t, got.ArchivedAt)
	assert.True(t, got.ArchivedAt.Equal(archivedAt))
	assert.True(t, got.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, []string{"evd_1"}, got.EvidenceIDs)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "hello", got.Notes[0].Body)

	rows, err := s.ListCases(ctx, model.CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = s.ListCases(ctx, model.CaseFilter{Status: model.CaseArchived})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	missing, err := s.GetCase(ctx, "case_missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	err = s.UpdateCase(ctx, &model.Case{ID: "case_missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEvidence_AppendCustodyCAS(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")
	ev := seedEvidence(t, s, c, "evd_1")

	ts := time.Date(2024, 6, 1, 10, 0, 0, 123456789, time.UTC)
	entry := model.CustodyEntry{
		CaseNumber: c.CaseNumber,
		EvidenceID: ev.ID,
		Action:     model.ActionReceived,
		Actor:      "A",
		Timestamp:  ts,
		Metadata:   map[string]any{"ip": "10.0.0.1"},
	}
	v, err := s.AppendCustody(ctx, ev.ID, 1, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.AppendCustody(ctx, ev.ID, 1, entry)
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = s.AppendCustody(ctx, "evd_missing", 1, entry)
	assert.ErrorIs(t, err, model.ErrNotFound)

	other := entry
	other.Action = model.ParseAction("bagged")
	other.Metadata = nil
	other.Timestamp = ts.Add(time.Second)
	_, err = s.AppendCustody(ctx, ev.ID, 2, other)
	require.NoError(t, err)

	got, err := s.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	require.Len(t, got.ChainOfCustody, 2)
	first := got.ChainOfCustody[0]
	assert.Equal(t, model.ActionReceived, first.Action)
	assert.True(t, first.Timestamp.Equal(ts), "nanosecond precision must survive storage")
	assert.Equal(t, "10.0.0.1", first.Metadata["ip"])
	second := got.ChainOfCustody[1]
	assert.Equal(t, model.KindOther, second.Action.Kind)
	assert.Equal(t, "bagged", second.Action.Raw)
	assert.Nil(t, second.Metadata)
}

func TestEvidence_CustodyMetadataKeepsExactNumbers(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")
	ev := seedEvidence(t, s, c, "evd_1")

	entry := model.CustodyEntry{
		CaseNumber: c.CaseNumber,
		EvidenceID: ev.ID,
		Action:     model.ActionTransferred,
		Actor:      "A",
		Timestamp:  time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Metadata: map[string]any{
			"serial": int64(9007199254740993), // 2^53 + 1
			"weight": 1.5,
			"seal":   map[string]any{"count": 2},
		},
	}
	_, err := s.AppendCustody(ctx, ev.ID, 1, entry)
	require.NoError(t, err)

	got, err := s.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, got.ChainOfCustody, 1)
	md := got.ChainOfCustody[0].Metadata
	require.IsType(t, json.Number(""), md["serial"])
	serial, err := md["serial"].(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), serial)
	assert.Equal(t, json.Number("1.5"), md["weight"])
	assert.Equal(t, map[string]any{"count": json.Number("2")}, md["seal"])

	// 内存实现读回的形式与 SQLite 一致
	mem := memory.NewStore()
	require.NoError(t, mem.CreateEvidence(ctx, &model.Evidence{ID: ev.ID, CaseID: c.ID, Version: 1}))
	_, err = mem.AppendCustody(ctx, ev.ID, 1, entry)
	require.NoError(t, err)
	memEv, err := mem.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, md, memEv.ChainOfCustody[0].Metadata)
}

func TestEvidence_CreateWithInitialChainIsAtomic(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")

	now := time.Now().UTC()
	newEv := func(id, actor string) *model.Evidence {
		return &model.Evidence{
			ID: id, CaseID: c.ID, CaseNumber: c.CaseNumber, Name: id,
			OriginalHash: "aa", CurrentHash: "aa", IntegrityVerified: true,
			Version: 2, CreatedAt: now, UpdatedAt: now,
			ChainOfCustody: model.ChainOfCustody{{
				CaseNumber: c.CaseNumber, EvidenceID: id, Action: model.ActionReceived,
				Actor: actor, Timestamp: now, Metadata: map[string]any{"bag": "17"},
			}},
		}
	}

	require.NoError(t, s.CreateEvidence(ctx, newEv("evd_ok", "A")))
	got, err := s.GetEvidence(ctx, "evd_ok")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.ChainOfCustody, 1)
	assert.Equal(t, "17", got.ChainOfCustody[0].Metadata["bag"])

	// 让第二步（插入保管记录）失败，证据行与案件引用都必须回滚
	_, err = db.ExecContext(ctx, `
		CREATE TRIGGER trg_test_reject BEFORE INSERT ON custody_entries
		WHEN NEW.actor = 'reject'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;
	`)
	require.NoError(t, err)
	require.Error(t, s.CreateEvidence(ctx, newEv("evd_bad", "reject")))

	missing, err := s.GetEvidence(ctx, "evd_bad")
	require.NoError(t, err)
	assert.Nil(t, missing)
	cs, err := s.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"evd_ok"}, cs.EvidenceIDs)
}

func TestEvidence_CustodyRowsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")
	ev := seedEvidence(t, s, c, "evd_1")
	_, err := s.AppendCustody(ctx, ev.ID, 1, model.CustodyEntry{Action: model.ActionReceived, Actor: "A", Timestamp: time.Now()})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE custody_entries SET actor = 'mallory'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM custody_entries`)
	assert.Error(t, err)
}

func TestEvidence_ConcurrentCASOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")
	ev := seedEvidence(t, s, c, "evd_1")

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendCustody(ctx, ev.ID, 1, model.CustodyEntry{Action: model.ActionAccessed, Actor: "w", Timestamp: time.Now()})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, model.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := s.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, got.ChainOfCustody, 1)
}

func TestEvidence_IntegrityAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)
	c := seedCase(t, s, "case_1", "CN-1")
	ev := seedEvidence(t, s, c, "evd_1")
	seedEvidence(t, s, c, "evd_2")

	at := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	v, err := s.UpdateIntegrity(ctx, ev.ID, 1, "bb", false, at)
	require.NoError(t, err)
	_, err = s.UpdateIntegrity(ctx, ev.ID, 1, "cc", true, at)
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = s.MarkDeleted(ctx, ev.ID, v, at)
	require.NoError(t, err)

	got, err := s.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "bb", got.CurrentHash)
	assert.Equal(t, "aa", got.OriginalHash)
	assert.False(t, got.IntegrityVerified)
	require.NotNil(t, got.LastVerified)
	assert.True(t, got.LastVerified.Equal(at))
	assert.True(t, got.Deleted)
	assert.Equal(t, []string{"disk"}, got.Tags)

	rows, err := s.ListEvidenceByCase(ctx, c.ID, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evd_2", rows[0].ID)

	rows, err = s.ListEvidenceByCase(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAudit_ChainLinksPerCase(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAudit(ctx, "case_1", "", "case", "status", "success", "a", "test", map[string]any{"i": i}))
	}
	require.NoError(t, s.AppendAudit(ctx, "case_2", "evd_9", "evidence", "create", "success", "b", "test", nil))

	logs, err := s.ListAuditLogs(ctx, "case_1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Empty(t, logs[0].ChainPrevHash)
	for i := 1; i < len(logs); i++ {
		assert.Equal(t, logs[i-1].ChainHash, logs[i].ChainPrevHash)
	}
	for _, l := range logs {
		assert.Equal(t, model.AuditChainHash(l.ChainPrevHash, l, string(l.DetailJSON)), l.ChainHash)
	}

	other, err := s.ListAuditLogs(ctx, "case_2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Empty(t, other[0].ChainPrevHash)
	assert.Equal(t, "evd_9", other[0].EvidenceID)
}

func TestReports_SaveAndList(t *testing.T) {
	ctx := context.Background()
	_, s := openTestDB(t)

	reportID, err := s.SaveReport(ctx, "case_1", "text", "/tmp/r.txt", "abc", "v1", "ready")
	require.NoError(t, err)

	got, err := s.GetReportByID(ctx, reportID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "text", got.ReportType)

	list, err := s.ListReportsByCase(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	missing, err := s.GetReportByID(ctx, "report_missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}
