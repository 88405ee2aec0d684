package model

import "time"

// Evidence 是证据元数据，独占自己的保管链。
// Version 每次变更（追加记录/复核/删除标记）递增，用于存储层的比较并交换。
type Evidence struct {
	ID          string   `json:"id"`
	CaseID      string   `json:"case_id"`
	CaseNumber  string   `json:"case_number"`
	Name        string   `json:"name"`
	SourcePath  string   `json:"source_path,omitempty"`
	MimeType    string   `json:"mime_type,omitempty"`
	SizeBytes   int64    `json:"size_bytes"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`

	OriginalHash      string     `json:"original_hash"`
	CurrentHash       string     `json:"current_hash"`
	IntegrityVerified bool       `json:"integrity_verified"`
	LastVerified      *time.Time `json:"last_verified,omitempty"`

	ChainOfCustody ChainOfCustody `json:"chain_of_custody"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 返回深拷贝，避免调用方通过切片/映射改动仓储内部状态。
func (e *Evidence) Clone() *Evidence {
	if e == nil {
		return nil
	}
	out := *e
	out.Tags = append([]string{}, e.Tags...)
	out.ChainOfCustody = make(ChainOfCustody, len(e.ChainOfCustody))
	for i, c := range e.ChainOfCustody {
		c.Metadata = CloneMetadata(c.Metadata)
		out.ChainOfCustody[i] = c
	}
	if e.LastVerified != nil {
		t := *e.LastVerified
		out.LastVerified = &t
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// CloneMetadata 浅层复制元数据映射（值约定为标量/字符串）。
func CloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
