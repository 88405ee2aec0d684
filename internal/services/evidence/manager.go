package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/id"
	"evidence-custody/internal/platform/metrics"
	"evidence-custody/internal/services/custody"
)

const defaultMaxAppendRetries = 8

// Options 是 Manager 的依赖。
type Options struct {
	Repo     Repository
	Cases    CaseDirectory
	Auditor  Auditor
	Verifier *custody.Verifier
	Factory  *custody.Factory
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time

	// MaxAppendRetries 是版本冲突后的最大重试次数。
	MaxAppendRetries int
}

// Manager 管理证据元数据与保管链。保管链只能通过 AppendCustodyEntry 追加。
type Manager struct {
	repo     Repository
	cases    CaseDirectory
	auditor  Auditor
	verifier *custody.Verifier
	factory  *custody.Factory
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time
	retries  int
}

// CreateInput 是证据入库参数。Data 为证据内容，用于计算原始摘要。
type CreateInput struct {
	CaseID      string   `json:"case_id"`
	Name        string   `json:"name"`
	SourcePath  string   `json:"source_path,omitempty"`
	MimeType    string   `json:"mime_type,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Data        []byte   `json:"-"`
	CreatedBy   string   `json:"created_by,omitempty"`
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		repo:     opts.Repo,
		cases:    opts.Cases,
		auditor:  opts.Auditor,
		verifier: opts.Verifier,
		factory:  opts.Factory,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		clock:    opts.Clock,
		retries:  opts.MaxAppendRetries,
	}
	if m.verifier == nil {
		m.verifier = custody.NewVerifier(nil)
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.factory == nil {
		m.factory = &custody.Factory{Clock: m.clock}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.retries <= 0 {
		m.retries = defaultMaxAppendRetries
	}
	return m
}

// Factory 返回与本管理器共用时钟的保管记录工厂。
func (m *Manager) Factory() *custody.Factory {
	return m.factory
}

// Create 证据入库：OriginalHash = CurrentHash = hash(Data)，完整性为 true，保管链为空。
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.Evidence, error) {
	return m.create(ctx, in, nil)
}

// Intake 是完整的入库流程：先用占位 ID 构造 RECEIVED 记录，
// 拿到证据 ID 后回填，再与证据一起落库。不会出现缺少 RECEIVED 的证据。
func (m *Manager) Intake(ctx context.Context, in CreateInput, actor string, metadata map[string]any) (*model.Evidence, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, model.Invalid("actor", "is required")
	}
	c, err := m.cases.GetByID(ctx, strings.TrimSpace(in.CaseID))
	if err != nil {
		return nil, err
	}
	received := m.factory.NewEntry(c.CaseNumber, model.PendingEvidenceID, string(model.KindReceived), actor, metadata)

	if in.CreatedBy == "" {
		in.CreatedBy = actor
	}
	return m.create(ctx, in, &received)
}

func (m *Manager) create(ctx context.Context, in CreateInput, received *model.CustodyEntry) (*model.Evidence, error) {
	caseID := strings.TrimSpace(in.CaseID)
	name := strings.TrimSpace(in.Name)
	if caseID == "" {
		return nil, model.Invalid("case_id", "is required")
	}
	if name == "" {
		return nil, model.Invalid("name", "is required")
	}

	// 归档可能由另一个进程完成，这里不能读缓存
	c, err := m.cases.Reload(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CaseArchived {
		return nil, model.Invalid("case_id", "case is archived")
	}

	now := m.clock().UTC()
	sum := hash.Bytes(in.Data)
	ev := &model.Evidence{
		ID:                id.New("evd"),
		CaseID:            c.ID,
		CaseNumber:        c.CaseNumber,
		Name:              name,
		SourcePath:        strings.TrimSpace(in.SourcePath),
		MimeType:          strings.TrimSpace(in.MimeType),
		SizeBytes:         int64(len(in.Data)),
		Category:          strings.TrimSpace(in.Category),
		Description:       strings.TrimSpace(in.Description),
		Tags:              normalizeTags(in.Tags),
		OriginalHash:      sum,
		CurrentHash:       sum,
		IntegrityVerified: true,
		ChainOfCustody:    model.ChainOfCustody{},
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if received != nil {
		if strings.TrimSpace(received.Actor) == "" || received.Timestamp.IsZero() {
			return nil, model.Invalid("actor", "is required")
		}
		e, err := bindEntry(ev, *received)
		if err != nil {
			return nil, err
		}
		// 与 “创建 + 一次追加” 的版本号保持一致
		ev.ChainOfCustody = model.ChainOfCustody{e}
		ev.Version = 2
	}
	if err := m.repo.CreateEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("create evidence: %w", err)
	}
	m.cases.Invalidate(c)

	actor := strings.TrimSpace(in.CreatedBy)
	if actor == "" {
		actor = "system"
	}
	m.log.Info("evidence created", "evidence_id", ev.ID, "case_number", ev.CaseNumber, "sha256", sum, "size", ev.SizeBytes, "entries", len(ev.ChainOfCustody))
	for _, e := range ev.ChainOfCustody {
		m.metrics.ObserveAppend(string(e.Action.Kind))
	}
	m.audit(ctx, ev.CaseID, ev.ID, "create", actor, "success", map[string]any{
		"name":   ev.Name,
		"sha256": sum,
		"size":   ev.SizeBytes,
	})
	return ev.Clone(), nil
}

// Get 查询证据，不存在返回 ErrNotFound。
func (m *Manager) Get(ctx context.Context, evidenceID string) (*model.Evidence, error) {
	ev, err := m.repo.GetEvidence(ctx, strings.TrimSpace(evidenceID))
	if err != nil {
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	if ev == nil {
		return nil, model.NotFound("evidence", evidenceID)
	}
	return ev, nil
}

// ListByCase 返回案件下的证据（按入库时间升序）。
func (m *Manager) ListByCase(ctx context.Context, caseID string, includeDeleted bool) ([]model.Evidence, error) {
	if _, err := m.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	rows, err := m.repo.ListEvidenceByCase(ctx, caseID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	if rows == nil {
		rows = []model.Evidence{}
	}
	return rows, nil
}

// AppendCustodyEntry 把 entry 追加到保管链末尾（唯一的保管链变更入口）。
//
// 追加以版本号做比较并交换：并发写者冲突时重新读取并重试，
// 两条记录都会落库、顺序确定，不会出现“后写覆盖先写”。
func (m *Manager) AppendCustodyEntry(ctx context.Context, evidenceID string, entry model.CustodyEntry) (*model.Evidence, error) {
	if strings.TrimSpace(entry.Actor) == "" {
		return nil, model.Invalid("actor", "is required")
	}
	if entry.Action.IsZero() {
		return nil, model.Invalid("action", "is required")
	}
	if entry.Timestamp.IsZero() {
		return nil, model.Invalid("timestamp", "is required")
	}

	for attempt := 0; attempt <= m.retries; attempt++ {
		ev, err := m.Get(ctx, evidenceID)
		if err != nil {
			return nil, err
		}

		e, err := bindEntry(ev, entry)
		if err != nil {
			return nil, err
		}

		_, err = m.repo.AppendCustody(ctx, ev.ID, ev.Version, e)
		if errors.Is(err, model.ErrConflict) {
			m.metrics.ObserveConflict()
			m.log.Debug("custody append conflict, retrying", "evidence_id", ev.ID, "version", ev.Version, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append custody entry: %w", err)
		}

		m.metrics.ObserveAppend(string(e.Action.Kind))
		m.log.Info("custody appended", "evidence_id", ev.ID, "action", e.Action.Raw, "actor", e.Actor)
		return m.Get(ctx, ev.ID)
	}
	return nil, fmt.Errorf("append custody entry %s after %d retries: %w", evidenceID, m.retries, model.ErrConflict)
}

// ReverifyIntegrity 用新读取的内容重算 CurrentHash，更新 IntegrityVerified 与 LastVerified。
// 不会自动追加保管记录，是否记录由调用方决定。
func (m *Manager) ReverifyIntegrity(ctx context.Context, evidenceID string, data []byte) (*model.Evidence, error) {
	return m.applyIntegrity(ctx, evidenceID, hash.Bytes(data))
}

func (m *Manager) applyIntegrity(ctx context.Context, evidenceID, currentHash string) (*model.Evidence, error) {
	for attempt := 0; attempt <= m.retries; attempt++ {
		ev, err := m.Get(ctx, evidenceID)
		if err != nil {
			return nil, err
		}
		verified := currentHash == ev.OriginalHash
		_, err = m.repo.UpdateIntegrity(ctx, ev.ID, ev.Version, currentHash, verified, m.clock().UTC())
		if errors.Is(err, model.ErrConflict) {
			m.metrics.ObserveConflict()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update integrity: %w", err)
		}

		m.metrics.ObserveIntegrity(verified)
		status := "match"
		if !verified {
			status = "mismatch"
			m.log.Warn("integrity mismatch", "evidence_id", ev.ID, "original", ev.OriginalHash, "current", currentHash)
		}
		m.audit(ctx, ev.CaseID, ev.ID, "reverify", "system", status, map[string]any{
			"original_hash": ev.OriginalHash,
			"current_hash":  currentHash,
		})
		return m.Get(ctx, ev.ID)
	}
	return nil, fmt.Errorf("update integrity %s after %d retries: %w", evidenceID, m.retries, model.ErrConflict)
}

// Destroy 软删除证据：先追加 DESTROYED 记录，再打删除标记。记录永不物理删除。
func (m *Manager) Destroy(ctx context.Context, evidenceID, actor, reason string) (*model.Evidence, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, model.Invalid("actor", "is required")
	}
	ev, err := m.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.Deleted {
		return nil, model.Invalid("evidence_id", "evidence already destroyed")
	}

	meta := map[string]any{}
	if r := strings.TrimSpace(reason); r != "" {
		meta["reason"] = r
	}
	entry := m.factory.NewEntry(ev.CaseNumber, ev.ID, string(model.KindDestroyed), actor, meta)
	if _, err := m.AppendCustodyEntry(ctx, ev.ID, entry); err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= m.retries; attempt++ {
		cur, err := m.Get(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		_, err = m.repo.MarkDeleted(ctx, cur.ID, cur.Version, m.clock().UTC())
		if errors.Is(err, model.ErrConflict) {
			m.metrics.ObserveConflict()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mark evidence deleted: %w", err)
		}
		m.log.Info("evidence destroyed", "evidence_id", cur.ID, "actor", actor)
		m.audit(ctx, cur.CaseID, cur.ID, "destroy", actor, "success", meta)
		return m.Get(ctx, cur.ID)
	}
	return nil, fmt.Errorf("mark evidence deleted %s after %d retries: %w", ev.ID, m.retries, model.ErrConflict)
}

// VerifyChain 每次都重新读取并校验保管链，不缓存结论。
func (m *Manager) VerifyChain(ctx context.Context, evidenceID string) (*model.Evidence, custody.Result, error) {
	ev, err := m.Get(ctx, evidenceID)
	if err != nil {
		return nil, custody.Result{}, err
	}
	return ev, m.verify(ev), nil
}

// Verified 是证据与其保管链校验结论。
type Verified struct {
	Evidence     model.Evidence `json:"evidence"`
	Verification custody.Result `json:"verification"`
}

// VerifyCase 对案件下全部证据逐一校验保管链（报告组装的输入）。
func (m *Manager) VerifyCase(ctx context.Context, caseID string, includeDeleted bool) ([]Verified, error) {
	rows, err := m.ListByCase(ctx, caseID, includeDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]Verified, 0, len(rows))
	for i := range rows {
		out = append(out, Verified{Evidence: rows[i], Verification: m.verify(&rows[i])})
	}
	return out, nil
}

func (m *Manager) verify(ev *model.Evidence) custody.Result {
	res := m.verifier.Verify(ev.ChainOfCustody)
	m.metrics.ObserveVerification(res.Valid)
	if !res.Valid {
		m.log.Warn("custody chain invalid", "evidence_id", ev.ID, "errors", len(res.Errors))
	}
	return res
}

func (m *Manager) audit(ctx context.Context, caseID, evidenceID, action, actor, status string, detail map[string]any) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.AppendAudit(ctx, caseID, evidenceID, "evidence", action, status, actor, "evidence.Manager", detail); err != nil {
		m.log.Warn("append audit failed", "evidence_id", evidenceID, "action", action, "error", err)
	}
}

// bindEntry 回填占位 evidence_id / 缺省 case_number，并拒绝指向其他证据的记录。
func bindEntry(ev *model.Evidence, entry model.CustodyEntry) (model.CustodyEntry, error) {
	e := entry
	meta, err := model.NormalizeMetadata(entry.Metadata)
	if err != nil {
		return model.CustodyEntry{}, model.Invalid("metadata", err.Error())
	}
	e.Metadata = meta
	switch strings.TrimSpace(e.EvidenceID) {
	case "", model.PendingEvidenceID:
		e.EvidenceID = ev.ID
	case ev.ID:
	default:
		return model.CustodyEntry{}, model.Invalid("evidence_id", fmt.Sprintf("entry references %s, not %s", e.EvidenceID, ev.ID))
	}
	switch strings.TrimSpace(e.CaseNumber) {
	case "":
		e.CaseNumber = ev.CaseNumber
	case ev.CaseNumber:
	default:
		return model.CustodyEntry{}, model.Invalid("case_number", fmt.Sprintf("entry references case %s, not %s", e.CaseNumber, ev.CaseNumber))
	}
	return e, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
