package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/services/report"
)

// Store 是导出需要的只读数据源加报告登记（sqlite.Store 实现）。
type Store interface {
	ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error)
	ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error)
	SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, caseID, evidenceID, eventType, action, status, actor, source string, detail any) error
}

type Options struct {
	Assembler        *report.Assembler
	Store            Store
	Logger           *slog.Logger
	Dir              string
	GeneratorVersion string
	Clock            func() time.Time
}

type Exporter struct {
	assembler *report.Assembler
	store     Store
	log       *slog.Logger
	dir       string
	version   string
	clock     func() time.Time
}

type FileHashEntry struct {
	Path      string `json:"path"` // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      string `json:"kind"` // report|manifest
}

type ManifestReport struct {
	Report  model.ReportInfo `json:"report"`
	ZipPath string           `json:"zip_path"`
}

// Manifest 是 manifest.json 的结构：报告组装数据加审计链与报告清单。
type Manifest struct {
	Schema      string           `json:"schema"`
	GeneratedAt int64            `json:"generated_at"`
	Generator   string           `json:"generator"`
	Bundle      *report.Bundle   `json:"bundle"`
	Audits      []model.AuditLog `json:"audits"`
	Reports     []ManifestReport `json:"reports"`
	Files       []FileHashEntry  `json:"files"`
	Warnings    []string         `json:"warnings,omitempty"`
	Note        string           `json:"note,omitempty"`
}

// Result 是一次导出的摘要。
type Result struct {
	CaseID     string   `json:"case_id"`
	CaseNumber string   `json:"case_number"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
}

const (
	ManifestSchemaV1 = "evidence_custody.case_bundle_manifest.v1"
	ReportTypeBundle = "case_bundle"
)

func NewExporter(opts Options) *Exporter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = filepath.Join("data", "exports")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	version := strings.TrimSpace(opts.GeneratorVersion)
	if version == "" {
		version = "dev"
	}
	return &Exporter{
		assembler: opts.Assembler,
		store:     opts.Store,
		log:       log,
		dir:       dir,
		version:   "custody-bundle-" + version,
		clock:     clock,
	}
}

// Bundle 生成案件导出包 ZIP，并在 reports 表中登记为 case_bundle。
//
// ZIP 内容：
// - manifest.json：案件、证据与保管链校验结论、审计链、报告清单
// - reports/..：已生成的报告文件（不含之前的导出包）
// - hashes.sha256：除自身外所有文件的 sha256（sha256sum 兼容格式）
func (e *Exporter) Bundle(ctx context.Context, caseRef, operator, note string) (*Result, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		operator = "system"
	}

	b, err := e.assembler.Assemble(ctx, caseRef, operator)
	if err != nil {
		return nil, err
	}
	caseID := b.Case.ID

	audits, err := e.store.ListAuditLogs(ctx, caseID, 5000)
	if err != nil {
		return nil, err
	}
	allReports, err := e.store.ListReportsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	now := e.clock().UTC()
	zipPath := filepath.Join(e.dir, fmt.Sprintf("%s_bundle_%d.zip", b.Case.CaseNumber, now.UnixNano()))

	warnings, err := e.writeZip(ctx, zipPath, b, audits, allReports, strings.TrimSpace(note), now)
	if err != nil {
		_ = os.Remove(zipPath)
		return nil, err
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}
	reportID, err := e.store.SaveReport(ctx, caseID, ReportTypeBundle, zipPath, zipSum, e.version, "ready")
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendAudit(ctx, caseID, "", "export", ReportTypeBundle, "success", operator, "export.Bundle", map[string]any{
		"zip_path":   zipPath,
		"zip_sha256": zipSum,
		"warnings":   warnings,
	}); err != nil {
		e.log.Warn("append audit failed", "case_id", caseID, "error", err)
	}
	e.log.Info("case bundle exported", "case_number", b.Case.CaseNumber, "zip", zipPath, "sha256", zipSum, "warnings", len(warnings))

	return &Result{
		CaseID:     caseID,
		CaseNumber: b.Case.CaseNumber,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
	}, nil
}

func (e *Exporter) writeZip(ctx context.Context, zipPath string, b *report.Bundle, audits []model.AuditLog, reports []model.ReportInfo, note string, now time.Time) (warnings []string, err error) {
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry
	manifestReports := make([]ManifestReport, 0, len(reports))
	used := make(map[string]struct{}, len(reports))
	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// 跳过导出包自身，避免 zip 套 zip
		if r.ReportType == ReportTypeBundle {
			continue
		}
		src := strings.TrimSpace(r.FilePath)
		if src == "" {
			continue
		}
		name := "reports/" + filepath.Base(src)
		if _, dup := used[name]; dup {
			name = "reports/" + r.ReportID + "_" + filepath.Base(src)
		}
		used[name] = struct{}{}

		sum, size, werr := writeZipFileFromDisk(zw, src, name, now)
		if werr != nil {
			// 缺失文件不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip report %s (%s): %v", r.ReportID, src, werr))
			continue
		}
		if !strings.EqualFold(sum, r.SHA256) {
			warnings = append(warnings, fmt.Sprintf("report %s sha256 differs from registry: registered=%s actual=%s", r.ReportID, r.SHA256, sum))
		}
		fileHashes = append(fileHashes, FileHashEntry{Path: name, SHA256: sum, SizeBytes: size, Kind: "report"})
		manifestReports = append(manifestReports, ManifestReport{Report: r, ZipPath: name})
	}

	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	if audits == nil {
		audits = []model.AuditLog{}
	}
	manifest := Manifest{
		Schema:      ManifestSchemaV1,
		GeneratedAt: now.Unix(),
		Generator:   e.version,
		Bundle:      b,
		Audits:      audits,
		Reports:     manifestReports,
		Files:       fileHashes,
		Warnings:    warnings,
		Note:        note,
	}
	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, "manifest.json", manifestRaw, now)
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{Path: "manifest.json", SHA256: manifestSum, SizeBytes: manifestSize, Kind: "manifest"})
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })

	var hl strings.Builder
	hl.WriteString("# evidence-custody case bundle hash list\n")
	fmt.Fprintf(&hl, "# generated_at=%d\n", now.Unix())
	hl.WriteString("# format: <sha256><two spaces><path>\n")
	for _, fh := range fileHashes {
		fmt.Fprintf(&hl, "%s  %s\n", fh.SHA256, fh.Path)
	}
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", []byte(hl.String()), now); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}
	return warnings, nil
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string, modified time.Time) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()
	return writeZipEntry(zw, zipPath, in, modified)
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte, modified time.Time) (sum string, size int64, err error) {
	return writeZipEntry(zw, zipPath, bytes.NewReader(b), modified)
}

func writeZipEntry(zw *zip.Writer, zipPath string, r io.Reader, modified time.Time) (string, int64, error) {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return "", 0, err
	}
	// 边写边算，保证清单里的 hash 与写入 ZIP 的字节一致
	return hash.Reader(io.TeeReader(r, w))
}
