package auditverify

import (
	"bytes"
	"encoding/json"
	"strings"

	"evidence-custody/internal/domain/model"
)

// FailureItem 表示一次审计链校验失败的明细项（用于 UI/CLI 展示）。
type FailureItem struct {
	Index int `json:"index"`

	EventID    string `json:"event_id"`
	OccurredAt int64  `json:"occurred_at"`
	EvidenceID string `json:"evidence_id,omitempty"`
	EventType  string `json:"event_type"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Actor      string `json:"actor,omitempty"`

	// PrevHashMismatch 表示当前记录的 chain_prev_hash 与上一条记录 chain_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 chain_hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是审计链强校验结果。
type Result struct {
	OK bool `json:"ok"`

	Total int `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string `json:"last_chain_hash,omitempty"`

	// BrokenAt 是第一条失败记录的下标，全部通过时为 -1。
	BrokenAt int `json:"broken_at"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// VerifyAuditLogs 对单个案件的 audit_logs 做强校验：
// 1) chain_prev_hash 连续性
// 2) 按 model.AuditChainHash 重算 chain_hash 并与存量字段对比
//
// logs 必须按写入顺序排列。校验不通过不返回 error，结果里带明细。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	res := Result{OK: true, Total: len(logs), BrokenAt: -1, Failures: []FailureItem{}}

	prev := ""
	for i := range logs {
		f, stored := checkEntry(i, prev, logs[i])
		if f != nil {
			res.record(*f)
		}
		// 以存量 chain_hash 推进，篡改点之后的记录仍能逐条定位。
		prev = stored
		res.LastChainHash = stored
	}
	return res
}

func (r *Result) record(f FailureItem) {
	if r.BrokenAt < 0 {
		r.BrokenAt = f.Index
	}
	r.OK = false
	r.Failed++
	if f.PrevHashMismatch {
		r.PrevHashFailed++
	}
	if f.ChainHashMismatch {
		r.ChainHashFailed++
	}
	r.Failures = append(r.Failures, f)
}

// checkEntry 校验单条记录，返回失败明细（一致时为 nil）与记录中存储的 chain_hash。
func checkEntry(i int, expectedPrev string, l model.AuditLog) (*FailureItem, string) {
	actualPrev := strings.TrimSpace(l.ChainPrevHash)
	actualChain := strings.TrimSpace(l.ChainHash)
	// 导出包里的 manifest.json 是缩进格式，detail 需先压缩再参与计算。
	expectedChain := model.AuditChainHash(expectedPrev, l, compactJSON(l.DetailJSON))

	prevBad := actualPrev != expectedPrev
	chainBad := actualChain != expectedChain
	if !prevBad && !chainBad {
		return nil, actualChain
	}

	var parts []string
	if prevBad {
		parts = append(parts, "chain_prev_hash")
	}
	if chainBad {
		parts = append(parts, "chain_hash")
	}
	return &FailureItem{
		Index:             i,
		EventID:           l.EventID,
		OccurredAt:        l.OccurredAt,
		EvidenceID:        l.EvidenceID,
		EventType:         l.EventType,
		Action:            l.Action,
		Status:            l.Status,
		Actor:             l.Actor,
		PrevHashMismatch:  prevBad,
		ExpectedPrevHash:  expectedPrev,
		ActualPrevHash:    actualPrev,
		ChainHashMismatch: chainBad,
		ExpectedChainHash: expectedChain,
		ActualChainHash:   actualChain,
		Message:           strings.Join(parts, " and ") + " mismatch",
	}, actualChain
}

func compactJSON(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	return strings.TrimSpace(string(in))
}
