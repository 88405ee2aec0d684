package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/id"

	"github.com/patrickmn/go-cache"
)

// Options 是 Manager 的依赖。
type Options struct {
	Repo    Repository
	Auditor Auditor
	Logger  *slog.Logger
	Clock   func() time.Time

	// CacheTTL 为 0 时不缓存查询结果。
	CacheTTL time.Duration
}

// Manager 负责案件元数据、备注与证据引用。
type Manager struct {
	repo    Repository
	auditor Auditor
	log     *slog.Logger
	clock   func() time.Time
	cache   *cache.Cache
}

// CreateInput 是建案参数。
type CreateInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ClientName  string `json:"client_name,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

const maxNumberAttempts = 3

func NewManager(opts Options) *Manager {
	m := &Manager{
		repo:    opts.Repo,
		auditor: opts.Auditor,
		log:     opts.Logger,
		clock:   opts.Clock,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if opts.CacheTTL > 0 {
		// 不启动后台清理协程：过期项在 Get 时被忽略，写操作时顺带清理。
		m.cache = cache.New(opts.CacheTTL, 0)
	}
	return m
}

// Create 建案：生成 ID 与不可变案件编号，初始状态 NEW。
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.Case, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, model.Invalid("title", "is required")
	}
	priority := model.PriorityMedium
	if strings.TrimSpace(in.Priority) != "" {
		p, ok := model.ParseCasePriority(in.Priority)
		if !ok {
			return nil, model.Invalid("priority", fmt.Sprintf("unknown priority %q", in.Priority))
		}
		priority = p
	}
	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		createdBy = "system"
	}

	now := m.clock().UTC()
	c := &model.Case{
		ID:          id.New("case"),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		ClientName:  strings.TrimSpace(in.ClientName),
		Status:      model.CaseNew,
		Priority:    priority,
		AssignedTo:  strings.TrimSpace(in.AssignedTo),
		CreatedBy:   createdBy,
		EvidenceIDs: []string{},
		Notes:       []model.Note{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// 案件编号带随机后缀，极小概率撞号时换一个重试。
	var err error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		c.CaseNumber = id.CaseNumber(now)
		err = m.repo.CreateCase(ctx, c)
		if !errors.Is(err, model.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	m.log.Info("case created", "case_id", c.ID, "case_number", c.CaseNumber, "created_by", createdBy)
	m.audit(ctx, c.ID, "create", createdBy, map[string]any{
		"case_number": c.CaseNumber,
		"title":       c.Title,
		"priority":    string(c.Priority),
	})
	return c.Clone(), nil
}

// GetByID 按内部 ID 查询案件，不存在返回 ErrNotFound。
func (m *Manager) GetByID(ctx context.Context, caseID string) (*model.Case, error) {
	caseID = strings.TrimSpace(caseID)
	if c, ok := m.cached("id:" + caseID); ok {
		return c, nil
	}
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c == nil {
		return nil, model.NotFound("case", caseID)
	}
	m.remember(c)
	return c.Clone(), nil
}

// Reload 绕过缓存直接读取存储，并用结果刷新缓存。
// 用于必须看到其他进程最新写入的判断（例如归档状态）。
func (m *Manager) Reload(ctx context.Context, caseID string) (*model.Case, error) {
	caseID = strings.TrimSpace(caseID)
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c == nil {
		return nil, model.NotFound("case", caseID)
	}
	m.forget(c)
	m.remember(c)
	return c.Clone(), nil
}

// Invalidate 丢弃案件缓存。其他模块在同一事务里写入案件引用后调用。
func (m *Manager) Invalidate(c *model.Case) {
	if c != nil {
		m.forget(c)
	}
}

// GetByNumber 按案件编号查询案件，不存在返回 ErrNotFound。
func (m *Manager) GetByNumber(ctx context.Context, caseNumber string) (*model.Case, error) {
	caseNumber = strings.TrimSpace(caseNumber)
	if c, ok := m.cached("num:" + caseNumber); ok {
		return c, nil
	}
	c, err := m.repo.GetCaseByNumber(ctx, caseNumber)
	if err != nil {
		return nil, fmt.Errorf("get case by number: %w", err)
	}
	if c == nil {
		return nil, model.NotFound("case", caseNumber)
	}
	m.remember(c)
	return c.Clone(), nil
}

// Resolve 接受案件 ID 或案件编号（CLI/API 便利入口）。
func (m *Manager) Resolve(ctx context.Context, ref string) (*model.Case, error) {
	if strings.HasPrefix(strings.TrimSpace(ref), "CN-") {
		return m.GetByNumber(ctx, ref)
	}
	return m.GetByID(ctx, ref)
}

// List 返回案件列表；默认不含已归档案件。
func (m *Manager) List(ctx context.Context, filter model.CaseFilter) ([]model.Case, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	rows, err := m.repo.ListCases(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	if rows == nil {
		rows = []model.Case{}
	}
	return rows, nil
}

// UpdateStatus 切换案件状态。状态之间不做转换图约束；
// 切到 ARCHIVED 记录归档时间，离开 ARCHIVED 清除归档时间。
func (m *Manager) UpdateStatus(ctx context.Context, caseID, status, actor string) (*model.Case, error) {
	next, ok := model.ParseCaseStatus(status)
	if !ok {
		return nil, model.Invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	return m.mutate(ctx, caseID, "status", actor, func(c *model.Case, now time.Time) map[string]any {
		prev := c.Status
		c.Status = next
		if next == model.CaseArchived {
			if c.ArchivedAt == nil {
				c.ArchivedAt = &now
			}
		} else {
			c.ArchivedAt = nil
		}
		return map[string]any{"from": string(prev), "to": string(next)}
	})
}

// UpdateAssignment 修改优先级与负责人；空字符串表示保持不变。
func (m *Manager) UpdateAssignment(ctx context.Context, caseID, priority, assignee, actor string) (*model.Case, error) {
	var p model.CasePriority
	if strings.TrimSpace(priority) != "" {
		parsed, ok := model.ParseCasePriority(priority)
		if !ok {
			return nil, model.Invalid("priority", fmt.Sprintf("unknown priority %q", priority))
		}
		p = parsed
	}
	return m.mutate(ctx, caseID, "assign", actor, func(c *model.Case, _ time.Time) map[string]any {
		if p != "" {
			c.Priority = p
		}
		if a := strings.TrimSpace(assignee); a != "" {
			c.AssignedTo = a
		}
		return map[string]any{"priority": string(c.Priority), "assigned_to": c.AssignedTo}
	})
}

// Archive 软删除：状态置为 ARCHIVED，永不物理删除。
func (m *Manager) Archive(ctx context.Context, caseID, actor string) (*model.Case, error) {
	return m.UpdateStatus(ctx, caseID, string(model.CaseArchived), actor)
}

// AddNote 追加案件备注。
func (m *Manager) AddNote(ctx context.Context, caseID, author, body string) (*model.Note, error) {
	author = strings.TrimSpace(author)
	body = strings.TrimSpace(body)
	if author == "" {
		return nil, model.Invalid("author", "is required")
	}
	if body == "" {
		return nil, model.Invalid("body", "is required")
	}
	c, err := m.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}

	n := model.Note{
		ID:        id.New("note"),
		CaseID:    c.ID,
		Author:    author,
		Body:      body,
		CreatedAt: m.clock().UTC(),
	}
	if err := m.repo.AddNote(ctx, n); err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	m.forget(c)
	m.audit(ctx, c.ID, "note", author, map[string]any{"note_id": n.ID})
	return &n, nil
}

// AttachEvidence 在案件上登记证据 ID（弱引用）。
func (m *Manager) AttachEvidence(ctx context.Context, caseID, evidenceID, actor string) error {
	c, err := m.GetByID(ctx, caseID)
	if err != nil {
		return err
	}
	if err := m.repo.LinkEvidence(ctx, c.ID, evidenceID, m.clock().UTC()); err != nil {
		return fmt.Errorf("link evidence: %w", err)
	}
	m.forget(c)
	return nil
}

func (m *Manager) mutate(ctx context.Context, caseID, action, actor string, apply func(c *model.Case, now time.Time) map[string]any) (*model.Case, error) {
	c, err := m.repo.GetCase(ctx, strings.TrimSpace(caseID))
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c == nil {
		return nil, model.NotFound("case", caseID)
	}
	now := m.clock().UTC()
	detail := apply(c, now)
	c.UpdatedAt = now
	if err := m.repo.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}
	m.forget(c)
	m.log.Info("case updated", "case_id", c.ID, "action", action, "actor", actor)
	m.audit(ctx, c.ID, action, actor, detail)
	return c.Clone(), nil
}

func (m *Manager) audit(ctx context.Context, caseID, action, actor string, detail map[string]any) {
	if m.auditor == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	if err := m.auditor.AppendAudit(ctx, caseID, "", "case", action, "success", actor, "cases.Manager", detail); err != nil {
		m.log.Warn("append audit failed", "case_id", caseID, "action", action, "error", err)
	}
}

func (m *Manager) cached(key string) (*model.Case, bool) {
	if m.cache == nil {
		return nil, false
	}
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*model.Case).Clone(), true
}

func (m *Manager) remember(c *model.Case) {
	if m.cache == nil {
		return
	}
	snapshot := c.Clone()
	m.cache.SetDefault("id:"+c.ID, snapshot)
	m.cache.SetDefault("num:"+c.CaseNumber, snapshot)
}

func (m *Manager) forget(c *model.Case) {
	if m.cache == nil {
		return
	}
	m.cache.Delete("id:" + c.ID)
	m.cache.Delete("num:" + c.CaseNumber)
	m.cache.DeleteExpired()
}
