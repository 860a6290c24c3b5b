package state

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownOp      = errors.New("unknown operation")
	ErrInvalidOp      = errors.New("invalid operation")
	ErrExecutorClosed = errors.New("executor closed")
)

// Executor 执行已经达成共识的操作。
// 同样顺序的同一组操作在每个副本上必须得到同样的结果。
type Executor interface {
	Execute(op interface{}) (interface{}, error)
}

// ExecutorFunc 把普通函数适配成 Executor
type ExecutorFunc func(op interface{}) (interface{}, error)

func (f ExecutorFunc) Execute(op interface{}) (interface{}, error) {
	return f(op)
}

// NopExecutor 原样返回操作，没有配置状态机时使用
type NopExecutor struct{}

func (NopExecutor) Execute(op interface{}) (interface{}, error) {
	return op, nil
}
