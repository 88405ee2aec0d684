package model

import (
	"encoding/json"
	"strconv"

	"evidence-custody/internal/platform/hash"
)

// AuditLog 是管理操作留痕（audit_logs 表），按案件维度链式 hash。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	CaseID        string          `json:"case_id"`
	EvidenceID    string          `json:"evidence_id,omitempty"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Source        string          `json:"source,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// AuditChainHash 是审计链单条记录的 hash 公式，写入与复核共用。
// detailJSON 必须是紧凑 JSON。
func AuditChainHash(prev string, l AuditLog, detailJSON string) string {
	return hash.Text(
		prev,
		l.CaseID,
		l.EvidenceID,
		l.EventType,
		l.Action,
		l.Status,
		l.Actor,
		strconv.FormatInt(l.OccurredAt, 10),
		detailJSON,
	)
}

// ReportInfo 表示报告索引信息（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	CaseID           string `json:"case_id"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}
