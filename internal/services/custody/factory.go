package custody

import (
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
)

// Factory 构造保管记录。Clock 可注入，默认 time.Now。
type Factory struct {
	Clock func() time.Time
}

// NewFactory 返回使用系统时钟的工厂。
func NewFactory() *Factory {
	return &Factory{Clock: time.Now}
}

// NewEntry 创建一条不可变保管记录：
//   - 时间戳取当前时钟（UTC）
//   - action 只做解析不做校验，未知动作保留原文（KindOther）
//   - metadata 规范化并深拷贝（数值为 json.Number），调用方之后改动自己的 map 不会影响记录；
//     无法编码为 JSON 的元数据原样复制，追加时由存储层拒绝
//
// evidenceID 可以是 model.PendingEvidenceID，追加到证据时回填。
func (f *Factory) NewEntry(caseNumber, evidenceID, action, actor string, metadata map[string]any) model.CustodyEntry {
	clock := time.Now
	if f != nil && f.Clock != nil {
		clock = f.Clock
	}
	meta, err := model.NormalizeMetadata(metadata)
	if err != nil {
		meta = model.CloneMetadata(metadata)
	}
	return model.CustodyEntry{
		CaseNumber: strings.TrimSpace(caseNumber),
		EvidenceID: strings.TrimSpace(evidenceID),
		Action:     model.ParseAction(action),
		Actor:      strings.TrimSpace(actor),
		Timestamp:  clock().UTC(),
		Metadata:   meta,
	}
}
