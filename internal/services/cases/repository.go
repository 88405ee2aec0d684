package cases

import (
	"context"
	"time"

	"evidence-custody/internal/domain/model"
)

// Repository 是案件存储抽象。Get* 在记录不存在时返回 (nil, nil)。
type Repository interface {
	CreateCase(ctx context.Context, c *model.Case) error
	GetCase(ctx context.Context, caseID string) (*model.Case, error)
	GetCaseByNumber(ctx context.Context, caseNumber string) (*model.Case, error)
	ListCases(ctx context.Context, filter model.CaseFilter) ([]model.Case, error)
	// UpdateCase 覆盖可变字段（标题/描述/状态/优先级/指派/归档时间/更新时间）。
	UpdateCase(ctx context.Context, c *model.Case) error
	AddNote(ctx context.Context, n model.Note) error
	// LinkEvidence 记录案件与证据的弱引用，重复调用无副作用。
	LinkEvidence(ctx context.Context, caseID, evidenceID string, at time.Time) error
}

// Auditor 写入管理操作留痕。
type Auditor interface {
	AppendAudit(ctx context.Context, caseID, evidenceID, eventType, action, status, actor, source string, detail any) error
}
