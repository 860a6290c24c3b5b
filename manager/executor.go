package manager

import (
	"fmt"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
)

const decisionKeyPrefix = "decision/"

// decisionExecutor 把 pbft 模式提交的 {topic, proposal} 转换成状态机的 set 操作，
// 其余操作原样交给下层的状态机
type decisionExecutor struct {
	next state.Executor
}

func newDecisionExecutor(next state.Executor) *decisionExecutor {
	if next == nil {
		next = state.NopExecutor{}
	}
	return &decisionExecutor{next: next}
}

func (de *decisionExecutor) Execute(op interface{}) (interface{}, error) {
	fields, ok := op.(map[string]interface{})
	if !ok {
		return de.next.Execute(op)
	}
	if _, hasOp := fields["op"]; hasOp {
		return de.next.Execute(op)
	}
	topic, ok := fields["topic"].(string)
	if !ok {
		return de.next.Execute(op)
	}

	return de.next.Execute(map[string]interface{}{
		"op": state.OpSet,
		"k":  decisionKeyPrefix + topic,
		"v":  fields["proposal"],
	})
}

func decisionOperation(topic string, proposal interface{}) map[string]interface{} {
	return map[string]interface{}{
		"topic":    topic,
		"proposal": proposal,
	}
}

// executionError 从执行结果中取出 {"error": msg}
func executionError(result interface{}) (string, bool) {
	fields, ok := result.(map[string]interface{})
	if !ok || len(fields) != 1 {
		return "", false
	}
	msg, ok := fields["error"]
	if !ok {
		return "", false
	}
	return fmt.Sprint(msg), true
}
