package custody

import "evidence-custody/internal/domain/model"

// TransitionPolicy 判断相邻两条记录的动作顺序是否合法。
// 返回 false 时校验器记录一条错误，但不阻止后续追加。
type TransitionPolicy func(prev, next model.CustodyEntry) bool

// Permissive 允许任意动作顺序（默认策略，与历史数据保持一致）。
func Permissive(_, _ model.CustodyEntry) bool {
	return true
}

// Strict 是更严格的状态机：
// - DESTROYED 之后不允许再出现任何记录
// - RECEIVED 只能出现在链首
func Strict(prev, next model.CustodyEntry) bool {
	if prev.Action.Kind == model.KindDestroyed {
		return false
	}
	if next.Action.Kind == model.KindReceived {
		return false
	}
	return true
}

// PolicyByName 按配置名选择策略，未知名称回退到 Permissive。
func PolicyByName(name string) TransitionPolicy {
	switch name {
	case "strict":
		return Strict
	default:
		return Permissive
	}
}
