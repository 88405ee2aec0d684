package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/evidence"
)

// CaseReader 是报告组装读取案件的最小接口（cases.Manager 实现）。
type CaseReader interface {
	Resolve(ctx context.Context, ref string) (*model.Case, error)
}

// EvidenceVerifier 提供证据与保管链校验结论（evidence.Manager 实现）。
// 报告只消费这里给出的结论，不自行重算。
type EvidenceVerifier interface {
	VerifyCase(ctx context.Context, caseID string, includeDeleted bool) ([]evidence.Verified, error)
}

// Summary 是报告首页的统计摘要，全部由证据记录已有字段计数得出。
type Summary struct {
	EvidenceCount      int `json:"evidence_count"`
	DeletedCount       int `json:"deleted_count"`
	IntegrityFailures  int `json:"integrity_failures"`
	InvalidChains      int `json:"invalid_chains"`
	CustodyEntryCount  int `json:"custody_entry_count"`
	UnverifiedEvidence int `json:"unverified_evidence"`
}

// Bundle 是渲染器的唯一输入：案件、备注、证据及其保管链校验结论。
type Bundle struct {
	Case        model.Case          `json:"case"`
	Notes       []model.Note        `json:"notes"`
	Items       []evidence.Verified `json:"items"`
	Summary     Summary             `json:"summary"`
	GeneratedAt time.Time           `json:"generated_at"`
	GeneratedBy string              `json:"generated_by,omitempty"`
}

type Assembler struct {
	cases    CaseReader
	evidence EvidenceVerifier
	clock    func() time.Time
}

func NewAssembler(cases CaseReader, ev EvidenceVerifier, clock func() time.Time) *Assembler {
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{cases: cases, evidence: ev, clock: clock}
}

// Assemble 组装案件报告数据。已软删除的证据也会列出（带 DESTROYED 记录），便于完整追溯。
func (a *Assembler) Assemble(ctx context.Context, caseRef, operator string) (*Bundle, error) {
	c, err := a.cases.Resolve(ctx, caseRef)
	if err != nil {
		return nil, err
	}
	items, err := a.evidence.VerifyCase(ctx, c.ID, true)
	if err != nil {
		return nil, fmt.Errorf("verify case evidence: %w", err)
	}

	b := &Bundle{
		Case:        *c,
		Notes:       c.Notes,
		Items:       items,
		GeneratedAt: a.clock().UTC(),
		GeneratedBy: strings.TrimSpace(operator),
	}
	if b.Notes == nil {
		b.Notes = []model.Note{}
	}
	b.Summary = summarize(items)
	return b, nil
}

func summarize(items []evidence.Verified) Summary {
	s := Summary{EvidenceCount: len(items)}
	for _, it := range items {
		ev := it.Evidence
		if ev.Deleted {
			s.DeletedCount++
		}
		if !ev.IntegrityVerified {
			s.IntegrityFailures++
		}
		if ev.LastVerified == nil {
			s.UnverifiedEvidence++
		}
		if !it.Verification.Valid {
			s.InvalidChains++
		}
		s.CustodyEntryCount += len(ev.ChainOfCustody)
	}
	return s
}
