package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/metrics"
)

// Store 是报告索引的持久化接口（sqlite.Store 实现）。
type Store interface {
	SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error)
	ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, caseID, evidenceID, eventType, action, status, actor, source string, detail any) error
}

type Options struct {
	Assembler        *Assembler
	Cases            CaseReader
	Store            Store
	Auditor          Auditor
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	Dir              string
	GeneratorVersion string
}

// Service 负责生成报告文件、登记 reports 表并写审计。
type Service struct {
	assembler *Assembler
	cases     CaseReader
	store     Store
	auditor   Auditor
	metrics   *metrics.Metrics
	log       *slog.Logger
	dir       string
	version   string
}

// Result 是一次报告生成的摘要。
type Result struct {
	ReportID    string    `json:"report_id"`
	CaseID      string    `json:"case_id"`
	CaseNumber  string    `json:"case_number"`
	Format      Format    `json:"format"`
	Path        string    `json:"path"`
	SHA256      string    `json:"sha256"`
	SizeBytes   int64     `json:"size_bytes"`
	Summary     Summary   `json:"summary"`
	GeneratedAt time.Time `json:"generated_at"`
}

func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = filepath.Join("data", "reports")
	}
	version := strings.TrimSpace(opts.GeneratorVersion)
	if version == "" {
		version = "dev"
	}
	return &Service{
		assembler: opts.Assembler,
		cases:     opts.Cases,
		store:     opts.Store,
		auditor:   opts.Auditor,
		metrics:   opts.Metrics,
		log:       log,
		dir:       dir,
		version:   "custody-report-" + version,
	}
}

// Generate 组装并渲染案件报告，落盘后计算 sha256 并登记。
func (s *Service) Generate(ctx context.Context, caseRef, format, operator string) (*Result, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		operator = "system"
	}

	b, err := s.assembler.Assemble(ctx, caseRef, operator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	name := fmt.Sprintf("%s_custody_%d%s", b.Case.CaseNumber, b.GeneratedAt.UnixNano(), f.Ext())
	path := filepath.Join(s.dir, name)
	if err := writeFile(path, b, f); err != nil {
		return nil, err
	}

	sum, size, err := hash.File(path)
	if err != nil {
		return nil, fmt.Errorf("sha256 report: %w", err)
	}
	reportID, err := s.store.SaveReport(ctx, b.Case.ID, string(f), path, sum, s.version, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	s.metrics.ObserveReport(string(f))
	if s.auditor != nil {
		if err := s.auditor.AppendAudit(ctx, b.Case.ID, "", "report", string(f), "success", operator, "report.Generate", map[string]any{
			"report_id":          reportID,
			"path":               path,
			"sha256":             sum,
			"evidence_count":     b.Summary.EvidenceCount,
			"integrity_failures": b.Summary.IntegrityFailures,
			"invalid_chains":     b.Summary.InvalidChains,
		}); err != nil {
			s.log.Warn("append audit failed", "case_id", b.Case.ID, "error", err)
		}
	}
	s.log.Info("report generated", "case_number", b.Case.CaseNumber, "format", f, "report_id", reportID, "sha256", sum)

	return &Result{
		ReportID:    reportID,
		CaseID:      b.Case.ID,
		CaseNumber:  b.Case.CaseNumber,
		Format:      f,
		Path:        path,
		SHA256:      sum,
		SizeBytes:   size,
		Summary:     b.Summary,
		GeneratedAt: b.GeneratedAt,
	}, nil
}

func writeFile(path string, b *Bundle, f Format) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close report file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	if err := Render(out, b, f); err != nil {
		return fmt.Errorf("render %s report: %w", f, err)
	}
	return nil
}

// Get 返回报告索引；不存在返回 ErrNotFound。
func (s *Service) Get(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return nil, model.Invalid("report_id", "report id is required")
	}
	info, err := s.store.GetReportByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, model.NotFound("report", reportID)
	}
	return info, nil
}

// List 列出案件下已登记的报告（caseRef 可以是 id 或案件编号）。
func (s *Service) List(ctx context.Context, caseRef string) ([]model.ReportInfo, error) {
	c, err := s.cases.Resolve(ctx, caseRef)
	if err != nil {
		return nil, err
	}
	return s.store.ListReportsByCase(ctx, c.ID)
}
