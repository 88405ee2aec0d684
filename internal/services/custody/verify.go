package custody

import (
	"fmt"

	"evidence-custody/internal/domain/model"
)

// Result 是保管链校验结论。Errors 为描述性文本，按发现顺序排列。
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Verifier 校验保管链的时间顺序，并可叠加动作转换策略。
type Verifier struct {
	policy TransitionPolicy
}

// NewVerifier 创建校验器；policy 为 nil 时使用 Permissive。
func NewVerifier(policy TransitionPolicy) *Verifier {
	if policy == nil {
		policy = Permissive
	}
	return &Verifier{policy: policy}
}

// Verify 按存储顺序遍历相邻记录：
// 1) 时间戳倒退记为 "Timestamp out of order at entry <i>"
// 2) 策略拒绝的动作转换记为 "Transition not allowed at entry <i>: PREV -> NEXT"
//
// 空链视为有效。该方法是输入的纯函数，不返回 error，也不修改 chain。
func (v *Verifier) Verify(chain []model.CustodyEntry) Result {
	policy := TransitionPolicy(Permissive)
	if v != nil && v.policy != nil {
		policy = v.policy
	}

	res := Result{Valid: true, Errors: []string{}}
	for i := 1; i < len(chain); i++ {
		prev, curr := chain[i-1], chain[i]
		if curr.Timestamp.Before(prev.Timestamp) {
			res.Errors = append(res.Errors, fmt.Sprintf("Timestamp out of order at entry %d", i))
		}
		if !policy(prev, curr) {
			res.Errors = append(res.Errors, fmt.Sprintf("Transition not allowed at entry %d: %s -> %s", i, prev.Action.Raw, curr.Action.Raw))
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}
