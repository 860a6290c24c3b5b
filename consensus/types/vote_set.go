package types

import (
	"github.com/pkg/errors"
)

var (
	ErrDuplicateVote = errors.New("duplicate vote")
)

// VoteSet 按发送者去重记录投票，同一个节点只计一票。
// 重复收到同一个节点的消息（重传）会返回 ErrDuplicateVote，调用方可以直接忽略。
//
// NOTE: Not goroutine-safe, 由所属的引擎加锁保护
type VoteSet struct {
	votes map[string]interface{}
	order []string
}

func NewVoteSet() *VoteSet {
	return &VoteSet{
		votes: make(map[string]interface{}),
	}
}

// AddVote 记录 sender 的投票，value 可以为 nil
func (vs *VoteSet) AddVote(sender string, value interface{}) error {
	if _, ok := vs.votes[sender]; ok {
		return ErrDuplicateVote
	}
	vs.votes[sender] = value
	vs.order = append(vs.order, sender)
	return nil
}

func (vs *VoteSet) Has(sender string) bool {
	_, ok := vs.votes[sender]
	return ok
}

func (vs *VoteSet) Get(sender string) (interface{}, bool) {
	v, ok := vs.votes[sender]
	return v, ok
}

func (vs *VoteSet) Size() int {
	return len(vs.votes)
}

// Senders 按到达顺序返回投票者
func (vs *VoteSet) Senders() []string {
	return append([]string(nil), vs.order...)
}

// HasQuorum 判断票数是否达到 threshold
func (vs *VoteSet) HasQuorum(threshold int) bool {
	return len(vs.votes) >= threshold
}
