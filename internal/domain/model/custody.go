package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PendingEvidenceID 是证据尚未分配 ID 时保管记录使用的占位值；
// 记录追加到真实证据时由证据管理器回填。
const PendingEvidenceID = "__pending__"

// CustodyEntry 是保管链上的一条记录。
// 创建后不可修改：系统内唯一允许的变更是向证据的保管链末尾追加新记录。
type CustodyEntry struct {
	CaseNumber string         `json:"case_number"`
	EvidenceID string         `json:"evidence_id"`
	Action     Action         `json:"action"`
	Actor      string         `json:"actor"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChainOfCustody 是按追加顺序排列的保管记录。
type ChainOfCustody []CustodyEntry

// NormalizeMetadata 把元数据转换为 JSON 规范形式并深拷贝：数值统一为 json.Number，
// 嵌套对象为 map[string]any。存储层读回的值与此形式一致，整数不会丢精度。
// 空映射返回 nil。
func NormalizeMetadata(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return DecodeMetadata(raw)
}

// DecodeMetadata 解析存储中的 metadata JSON，数值保留为 json.Number。
func DecodeMetadata(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
