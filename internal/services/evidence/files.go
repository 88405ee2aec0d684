package evidence

import (
	"context"
	"strings"

	"evidence-custody/internal/platform/hash"

	"golang.org/x/sync/errgroup"
)

// FileCheck 是一次按源文件复核的结果。
type FileCheck struct {
	EvidenceID string `json:"evidence_id"`
	Path       string `json:"path"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual,omitempty"`
	Status     string `json:"status"` // ok|mismatch|missing|skipped
	Error      string `json:"error,omitempty"`
}

// ReverifyFiles 并行重算案件下证据源文件的摘要，并按 ReverifyIntegrity 语义更新完整性状态。
// 单个文件读不到只记为 missing，不中断整批；仓储错误或 ctx 取消会中断。
func (m *Manager) ReverifyFiles(ctx context.Context, caseID string, concurrency int) ([]FileCheck, error) {
	rows, err := m.ListByCase(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	out := make([]FileCheck, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range rows {
		ev := rows[i]
		check := FileCheck{EvidenceID: ev.ID, Path: ev.SourcePath, Expected: ev.OriginalHash}
		if strings.TrimSpace(ev.SourcePath) == "" {
			check.Status = "skipped"
			out[i] = check
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, _, err := hash.File(ev.SourcePath)
			if err != nil {
				check.Status = "missing"
				check.Error = err.Error()
			} else {
				updated, err := m.applyIntegrity(gctx, ev.ID, sum)
				if err != nil {
					return err
				}
				check.Actual = sum
				check.Status = "ok"
				if !updated.IntegrityVerified {
					check.Status = "mismatch"
				}
			}
			out[i] = check
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
