package model

import (
	"fmt"
	"strings"
)

// ActionKind 是保管动作的封闭枚举；未知动作归入 KindOther 并保留原始文本。
type ActionKind string

const (
	KindReceived    ActionKind = "RECEIVED"
	KindAccessed    ActionKind = "ACCESSED"
	KindTransferred ActionKind = "TRANSFERRED"
	KindAnalyzed    ActionKind = "ANALYZED"
	KindDestroyed   ActionKind = "DESTROYED"
	KindOther       ActionKind = "OTHER"
)

// Action 是保管动作的标签变体：
// - 已知动作：Kind 为对应枚举，Raw 为规范化大写名
// - 未知动作：Kind=KindOther，Raw 保留调用方原文，保证向前兼容
type Action struct {
	Kind ActionKind
	Raw  string
}

var (
	ActionReceived    = Action{Kind: KindReceived, Raw: string(KindReceived)}
	ActionAccessed    = Action{Kind: KindAccessed, Raw: string(KindAccessed)}
	ActionTransferred = Action{Kind: KindTransferred, Raw: string(KindTransferred)}
	ActionAnalyzed    = Action{Kind: KindAnalyzed, Raw: string(KindAnalyzed)}
	ActionDestroyed   = Action{Kind: KindDestroyed, Raw: string(KindDestroyed)}
)

var knownActions = map[string]ActionKind{
	string(KindReceived):    KindReceived,
	string(KindAccessed):    KindAccessed,
	string(KindTransferred): KindTransferred,
	string(KindAnalyzed):    KindAnalyzed,
	string(KindDestroyed):   KindDestroyed,
}

// ParseAction 从字符串解析动作，永不失败。
func ParseAction(s string) Action {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if k, ok := knownActions[norm]; ok {
		return Action{Kind: k, Raw: norm}
	}
	return Action{Kind: KindOther, Raw: s}
}

// Known 表示动作是否属于已知枚举。
func (a Action) Known() bool {
	return a.Kind != KindOther && a.Kind != ""
}

// IsZero 表示动作为空（未提供）。
func (a Action) IsZero() bool {
	return strings.TrimSpace(a.Raw) == ""
}

func (a Action) String() string {
	return a.Raw
}

// MarshalText 让 Action 在 JSON/YAML 中表现为普通字符串。
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.Raw), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	*a = ParseAction(string(b))
	return nil
}

// Format 打印时带上 other 标记，便于日志区分。
func (a Action) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('+') && !a.Known() {
		fmt.Fprintf(f, "OTHER(%s)", a.Raw)
		return
	}
	fmt.Fprint(f, a.Raw)
}
