package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/services/cases"
	"evidence-custody/internal/services/evidence"
	"evidence-custody/internal/services/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *sqliteadapter.Store
	exporter *Exporter
	reports  *report.Service
	caseRef  *model.Case
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()
	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(tmp, "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqliteadapter.NewStore(db)

	caseMgr := cases.NewManager(cases.Options{Repo: store, Auditor: store})
	evMgr := evidence.NewManager(evidence.Options{Repo: store, Cases: caseMgr, Auditor: store})
	asm := report.NewAssembler(caseMgr, evMgr, nil)

	c, err := caseMgr.Create(ctx, cases.CreateInput{Title: "Fraud", CreatedBy: "alice"})
	require.NoError(t, err)
	ev, err := evMgr.Intake(ctx, evidence.CreateInput{CaseID: c.ID, Name: "ledger.xlsx", Data: []byte("0123456789")}, "Officer A", map[string]any{"bag": "17"})
	require.NoError(t, err)
	_, err = evMgr.AppendCustodyEntry(ctx, ev.ID, evMgr.Factory().NewEntry(c.CaseNumber, ev.ID, "TRANSFERRED", "Officer B", nil))
	require.NoError(t, err)

	return &fixture{
		store: store,
		exporter: NewExporter(Options{
			Assembler: asm,
			Store:     store,
			Dir:       filepath.Join(tmp, "exports"),
		}),
		reports: report.NewService(report.Options{
			Assembler: asm,
			Cases:     caseMgr,
			Store:     store,
			Auditor:   store,
			Dir:       filepath.Join(tmp, "reports"),
		}),
		caseRef: c,
		dir:     tmp,
	}
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	out := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = b
	}
	return out
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, b := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestBundle_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rep, err := f.reports.Generate(ctx, f.caseRef.CaseNumber, "text", "bob")
	require.NoError(t, err)

	res, err := f.exporter.Bundle(ctx, f.caseRef.ID, "bob", "for court")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	raw, err := os.ReadFile(res.ZipPath)
	require.NoError(t, err)
	assert.Equal(t, hash.Bytes(raw), res.ZipSHA256)

	files := readZip(t, res.ZipPath)
	require.Contains(t, files, "manifest.json")
	require.Contains(t, files, "hashes.sha256")
	reportName := "reports/" + filepath.Base(rep.Path)
	require.Contains(t, files, reportName)

	var m Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &m))
	assert.Equal(t, ManifestSchemaV1, m.Schema)
	assert.Equal(t, "for court", m.Note)
	require.NotNil(t, m.Bundle)
	require.Len(t, m.Bundle.Items, 1)
	assert.True(t, m.Bundle.Items[0].Verification.Valid)
	assert.Len(t, m.Bundle.Items[0].Evidence.ChainOfCustody, 2)
	assert.NotEmpty(t, m.Audits)
	require.Len(t, m.Reports, 1)
	assert.Equal(t, reportName, m.Reports[0].ZipPath)

	vr, err := VerifyBundle(res.ZipPath)
	require.NoError(t, err)
	assert.True(t, vr.Valid(), "%+v", vr)
	assert.Equal(t, 2, vr.Total)
	assert.Equal(t, 2, vr.OK)

	// 导出包本身登记为报告，但下一次导出不会把它打进去
	info, err := f.store.GetReportByID(ctx, res.ReportID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, ReportTypeBundle, info.ReportType)

	res2, err := f.exporter.Bundle(ctx, f.caseRef.CaseNumber, "bob", "")
	require.NoError(t, err)
	for name := range readZip(t, res2.ZipPath) {
		assert.False(t, strings.HasSuffix(name, ".zip"), name)
	}
}

func TestBundle_MissingReportFileIsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rep, err := f.reports.Generate(ctx, f.caseRef.ID, "json", "bob")
	require.NoError(t, err)
	require.NoError(t, os.Remove(rep.Path))

	res, err := f.exporter.Bundle(ctx, f.caseRef.ID, "", "")
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], rep.ReportID)

	vr, err := VerifyBundle(res.ZipPath)
	require.NoError(t, err)
	assert.True(t, vr.Valid())
}

func TestBundle_UnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.exporter.Bundle(context.Background(), "case_missing", "", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerifyBundle_DetectsTamperedFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rep, err := f.reports.Generate(ctx, f.caseRef.ID, "text", "bob")
	require.NoError(t, err)
	res, err := f.exporter.Bundle(ctx, f.caseRef.ID, "bob", "")
	require.NoError(t, err)

	files := readZip(t, res.ZipPath)
	name := "reports/" + filepath.Base(rep.Path)
	files[name] = append(files[name], []byte("edited")...)
	tampered := filepath.Join(f.dir, "tampered.zip")
	writeZip(t, tampered, files)

	vr, err := VerifyBundle(tampered)
	require.NoError(t, err)
	assert.False(t, vr.Valid())
	assert.Equal(t, 1, vr.Failed)
	for _, c := range vr.Files {
		if c.Path == name {
			assert.Equal(t, "mismatch", c.Status)
		}
	}
}

func TestVerifyBundle_DetectsTamperedAuditChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.exporter.Bundle(ctx, f.caseRef.ID, "bob", "")
	require.NoError(t, err)

	files := readZip(t, res.ZipPath)
	var m map[string]any
	require.NoError(t, json.Unmarshal(files["manifest.json"], &m))
	audits := m["audits"].([]any)
	require.NotEmpty(t, audits)
	audits[0].(map[string]any)["actor"] = "mallory"
	manifest, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	files["manifest.json"] = manifest
	// 同步重写 hash 清单，只留下审计链这一处破绽
	files["hashes.sha256"] = []byte(fmt.Sprintf("%s  manifest.json\n", hash.Bytes(manifest)))
	tampered := filepath.Join(f.dir, "tampered.zip")
	writeZip(t, tampered, files)

	vr, err := VerifyBundle(tampered)
	require.NoError(t, err)
	assert.Zero(t, vr.Failed)
	require.NotNil(t, vr.Audit)
	assert.False(t, vr.Audit.OK)
	assert.False(t, vr.Valid())
}

func TestVerifyBundle_NoHashList(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.zip")
	writeZip(t, p, map[string][]byte{"x.txt": bytes.Repeat([]byte("x"), 3)})
	_, err := VerifyBundle(p)
	assert.ErrorIs(t, err, model.ErrValidation)
}
