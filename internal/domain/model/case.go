package model

import (
	"strings"
	"time"
)

// CaseStatus 是案件生命周期状态；源数据没有强制转换图，任意合法状态之间都允许切换。
type CaseStatus string

const (
	CaseNew         CaseStatus = "NEW"
	CaseInProgress  CaseStatus = "IN_PROGRESS"
	CaseUnderReview CaseStatus = "UNDER_REVIEW"
	CaseClosed      CaseStatus = "CLOSED"
	CaseArchived    CaseStatus = "ARCHIVED"
)

// ParseCaseStatus 解析状态字符串（大小写不敏感，允许 "in-progress" 写法）。
func ParseCaseStatus(s string) (CaseStatus, bool) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch CaseStatus(norm) {
	case CaseNew, CaseInProgress, CaseUnderReview, CaseClosed, CaseArchived:
		return CaseStatus(norm), true
	}
	return "", false
}

// CasePriority 是案件优先级。
type CasePriority string

const (
	PriorityLow    CasePriority = "LOW"
	PriorityMedium CasePriority = "MEDIUM"
	PriorityHigh   CasePriority = "HIGH"
	PriorityUrgent CasePriority = "URGENT"
)

func ParseCasePriority(s string) (CasePriority, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	switch CasePriority(norm) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return CasePriority(norm), true
	}
	return "", false
}

// Case 是调查工作的聚合单元。
// EvidenceIDs 是弱引用：证据独立存储，案件只记录 ID。
type Case struct {
	ID          string       `json:"id"`
	CaseNumber  string       `json:"case_number"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	ClientName  string       `json:"client_name,omitempty"`
	Status      CaseStatus   `json:"status"`
	Priority    CasePriority `json:"priority"`
	AssignedTo  string       `json:"assigned_to,omitempty"`
	CreatedBy   string       `json:"created_by,omitempty"`

	EvidenceIDs []string `json:"evidence_ids"`
	Notes       []Note   `json:"notes"`

	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Note 是案件备注，只追加。
type Note struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CaseFilter 是案件列表查询条件。
type CaseFilter struct {
	Status          CaseStatus
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Clone 返回深拷贝。
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.EvidenceIDs = append([]string{}, c.EvidenceIDs...)
	out.Notes = append([]Note{}, c.Notes...)
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		out.ArchivedAt = &t
	}
	return &out
}
