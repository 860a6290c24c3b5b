package state

import (
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// State 是状态机在最后一次执行后的摘要信息
// 每执行一个操作 Height 加一，LastOpHash 为该操作的哈希
type State struct {
	Height        int64            `json:"height"`
	LastOpHash    tmbytes.HexBytes `json:"last_op_hash"`
	LastApplyTime time.Time        `json:"last_apply_time"`
}

func (s State) Copy() State {
	cp := s
	cp.LastOpHash = append(tmbytes.HexBytes(nil), s.LastOpHash...)
	return cp
}
