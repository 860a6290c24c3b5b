package paxos

import (
	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// promiseValue 是 promise 中携带的 acceptor 已接受的提案
type promiseValue struct {
	number *types.ProposalNumber
	value  interface{}
}

// instance 是一个 paxos 实例在本节点上的全部状态，只属于创建它的 Node，由 Node.mtx 保护。
// 同一个结构同时保存 acceptor/learner 状态和本节点作为 proposer 时的轮次状态。
type instance struct {
	id    string
	phase cstypes.InstancePhase

	// acceptor
	promisedNumber types.ProposalNumber
	acceptedNumber types.ProposalNumber
	acceptedValue  interface{}

	// learner
	committed       bool
	committedNumber types.ProposalNumber
	committedValue  interface{}
	committedCh     chan struct{}

	// proposer
	proposing      bool
	proposalNumber types.ProposalNumber
	proposalValue  interface{}
	promises       *cstypes.VoteSet
	accepts        *cstypes.VoteSet
	promiseQuorum  chan struct{}
	acceptQuorum   chan struct{}
	promiseSignal  bool
	acceptSignal   bool
}

func newInstance(id string) *instance {
	return &instance{
		id:          id,
		phase:       cstypes.InstancePhaseIdle,
		committedCh: make(chan struct{}),
		promises:    cstypes.NewVoteSet(),
		accepts:     cstypes.NewVoteSet(),
	}
}

// startRound 以新的提案号开始一轮，上一轮收到的回复全部作废
func (inst *instance) startRound(pn types.ProposalNumber, value interface{}) {
	inst.phase = cstypes.InstancePhasePrepare
	inst.proposalNumber = pn
	inst.proposalValue = value
	inst.promises = cstypes.NewVoteSet()
	inst.accepts = cstypes.NewVoteSet()
	inst.promiseQuorum = make(chan struct{})
	inst.acceptQuorum = make(chan struct{})
	inst.promiseSignal = false
	inst.acceptSignal = false
}

// hasAccepted 判断 acceptor 是否已经接受过某个值
func (inst *instance) hasAccepted() bool {
	return !inst.acceptedNumber.IsZero()
}

// chooseValue 选出 accept 阶段要提交的值：
// 如果任何 promise 带有已接受的值，必须使用其中提案号最大的那个，否则使用自己的值
func (inst *instance) chooseValue() interface{} {
	var (
		highest *types.ProposalNumber
		value   = inst.proposalValue
	)
	for _, sender := range inst.promises.Senders() {
		v, _ := inst.promises.Get(sender)
		pv := v.(promiseValue)
		if pv.number == nil || pv.number.IsZero() {
			continue
		}
		if highest == nil || highest.Less(*pv.number) {
			n := *pv.number
			highest = &n
			value = pv.value
		}
	}
	return value
}

// InstanceState 是 instance 对外暴露的只读快照
type InstanceState struct {
	InstanceID     string
	Phase          cstypes.InstancePhase
	PromisedNumber types.ProposalNumber
	AcceptedNumber types.ProposalNumber
	AcceptedValue  interface{}
	Committed      bool
	CommittedValue interface{}
}

func (inst *instance) state() InstanceState {
	return InstanceState{
		InstanceID:     inst.id,
		Phase:          inst.phase,
		PromisedNumber: inst.promisedNumber,
		AcceptedNumber: inst.acceptedNumber,
		AcceptedValue:  inst.acceptedValue,
		Committed:      inst.committed,
		CommittedValue: inst.committedValue,
	}
}
