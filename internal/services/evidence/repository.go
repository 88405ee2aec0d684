package evidence

import (
	"context"
	"time"

	"evidence-custody/internal/domain/model"
)

// Repository 是证据存储抽象。
//
// 写方法都带 expectedVersion：版本号不匹配返回 model.ErrConflict，
// 记录不存在返回 model.ErrNotFound；成功时返回递增后的版本号。
// GetEvidence 在记录不存在时返回 (nil, nil)。
type Repository interface {
	// CreateEvidence 原子地写入证据、ev.ChainOfCustody 中的初始记录与案件引用。
	CreateEvidence(ctx context.Context, ev *model.Evidence) error
	GetEvidence(ctx context.Context, evidenceID string) (*model.Evidence, error)
	ListEvidenceByCase(ctx context.Context, caseID string, includeDeleted bool) ([]model.Evidence, error)

	AppendCustody(ctx context.Context, evidenceID string, expectedVersion int64, entry model.CustodyEntry) (int64, error)
	UpdateIntegrity(ctx context.Context, evidenceID string, expectedVersion int64, currentHash string, verified bool, at time.Time) (int64, error)
	MarkDeleted(ctx context.Context, evidenceID string, expectedVersion int64, at time.Time) (int64, error)
}

// CaseDirectory 是证据模块对案件模块的只读依赖。
// 案件引用由 Repository.CreateEvidence 随证据一起写入，之后调用 Invalidate 丢弃缓存。
type CaseDirectory interface {
	GetByID(ctx context.Context, caseID string) (*model.Case, error)
	Reload(ctx context.Context, caseID string) (*model.Case, error)
	Invalidate(c *model.Case)
}

// Auditor 写入管理操作留痕。
type Auditor interface {
	AppendAudit(ctx context.Context, caseID, evidenceID, eventType, action, status, actor, source string, detail any) error
}
