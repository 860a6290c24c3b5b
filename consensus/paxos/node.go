package paxos

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/libs/metric"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	// EventCommit 在某个实例的值确定时触发，EventData 为 CommitEvent
	EventCommit = "PaxosCommit"

	defaultProposeTimeout = 10 * time.Second
	defaultRoundTimeout   = time.Second
)

var (
	// ErrProposalInFlight 本节点已经在为同一个实例提案
	ErrProposalInFlight = errors.New("proposal already in flight for instance")
)

// CommitEvent 描述一个已经确定的实例
type CommitEvent struct {
	InstanceID string
	Value      interface{}
}

type outMsg struct {
	target string
	msg    types.Message
}

// Node 同时扮演 proposer、acceptor、learner 三种角色。
// 所有状态由 mtx 保护，消息处理函数不会阻塞；等待 quorum 的只有 Propose 的调用者。
type Node struct {
	mtx    sync.Mutex
	logger log.Logger

	id        string
	peers     *types.PeerSet // 包括自己
	transport transport.Transport

	instances map[string]*instance
	maxRound  int64 // 见过的最大 round，新的提案号一定比它大

	proposeTimeout time.Duration
	roundTimeout   time.Duration

	eventSwitch events.EventSwitch
	metric      *paxosMetric

	// 在锁内积累，解锁后统一发送/触发
	outbox []outMsg
	events []CommitEvent
}

type NodeOption func(*Node)

func NewNode(id string, peers []string, trans transport.Transport, options ...NodeOption) *Node {
	n := &Node{
		logger:         log.NewNopLogger(),
		id:             id,
		peers:          types.NewPeerSet(append(peers, id)...),
		transport:      trans,
		instances:      make(map[string]*instance),
		proposeTimeout: defaultProposeTimeout,
		roundTimeout:   defaultRoundTimeout,
		eventSwitch:    events.NewEventSwitch(),
		metric:         newPaxosMetric(),
	}
	if n.transport == nil {
		n.transport = transport.NopTransport{}
	}

	for _, opt := range options {
		opt(n)
	}
	return n
}

// SetProposeTimeout 调用方的 ctx 没有 deadline 时使用的总超时时间
func SetProposeTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.proposeTimeout = d
	}
}

// SetRoundTimeout 单轮 prepare/accept 的超时时间，超时后用更大的提案号重试
func SetRoundTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.roundTimeout = d
	}
}

func (n *Node) SetLogger(logger log.Logger) {
	n.logger = logger
}

func (n *Node) ID() string {
	return n.id
}

// Metric implements metric.MetricSet item
func (n *Node) Metric() metric.MetricItem {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.metric.snapshot()
}

// OnCommit 注册实例确定时的回调
func (n *Node) OnCommit(listenerID string, cb func(CommitEvent)) error {
	return n.eventSwitch.AddListenerForEvent(listenerID, EventCommit, func(data events.EventData) {
		cb(data.(CommitEvent))
	})
}

//-------------------------------------------------------------------------
// membership

func (n *Node) AddPeer(id string) {
	n.mtx.Lock()
	n.peers.Add(id)
	n.mtx.Unlock()
}

func (n *Node) RemovePeer(id string) {
	if id == n.id {
		return
	}
	n.mtx.Lock()
	n.peers.Remove(id)
	n.mtx.Unlock()
}

func (n *Node) Peers() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.peers.IDs()
}

func (n *Node) quorum() int {
	return types.MajorityQuorum(n.peers.Size())
}

//-------------------------------------------------------------------------
// queries

// GetCommittedValue 返回实例确定的值，没有确定时第二个返回值为 false
func (n *Node) GetCommittedValue(instanceID string) (interface{}, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	inst, ok := n.instances[instanceID]
	if !ok || !inst.committed {
		return nil, false
	}
	return inst.committedValue, true
}

// GetInstance 返回实例状态的快照
func (n *Node) GetInstance(instanceID string) (InstanceState, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	inst, ok := n.instances[instanceID]
	if !ok {
		return InstanceState{}, false
	}
	return inst.state(), true
}

//-------------------------------------------------------------------------
// proposer

// Propose 为 instanceID 提出 value，返回最终确定的值（可能是别人先提出的值）。
// instanceID 为空时自动生成。在 ctx 结束前没有达成 quorum 返回 types.ErrQuorumTimeout，
// 已经收到的 promise/accept 保留在实例中，再次调用会用更大的提案号重试。
func (n *Node) Propose(ctx context.Context, instanceID string, value interface{}) (interface{}, error) {
	if instanceID == "" {
		instanceID = "instance-" + tmrand.Str(12)
	}
	value, err := types.Canonicalize(value)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.proposeTimeout)
		defer cancel()
	}

	n.mtx.Lock()
	inst := n.getOrCreateInstance(instanceID)
	if inst.committed {
		v := inst.committedValue
		n.mtx.Unlock()
		return v, nil
	}
	if inst.proposing {
		n.mtx.Unlock()
		return nil, errors.Wrapf(ErrProposalInFlight, "instance %s", instanceID)
	}
	inst.proposing = true
	n.metric.Proposals++
	n.mtx.Unlock()

	defer func() {
		n.mtx.Lock()
		inst.proposing = false
		n.mtx.Unlock()
	}()

	for {
		v, done, err := n.runRound(ctx, inst, value)
		if done {
			return v, err
		}
		if ctx.Err() != nil {
			return nil, n.timeoutErr(instanceID)
		}

		// 本轮没有达成 quorum，随机退避后用更大的提案号重试，避免多个 proposer 互相抢占
		backoff := time.Duration(tmrand.Int63n(int64(n.roundTimeout)/2 + 1))
		select {
		case <-ctx.Done():
			return nil, n.timeoutErr(instanceID)
		case <-inst.committedCh:
			return n.committedValue(inst), nil
		case <-time.After(backoff):
		}
	}
}

func (n *Node) timeoutErr(instanceID string) error {
	n.mtx.Lock()
	n.metric.Timeouts++
	n.mtx.Unlock()
	n.logger.Info("propose timeout", "instance", instanceID)
	return errors.Wrapf(types.ErrQuorumTimeout, "instance %s", instanceID)
}

// runRound 执行一轮完整的 prepare/accept/commit，done 为 false 时表示本轮超时需要重试
func (n *Node) runRound(ctx context.Context, inst *instance, value interface{}) (interface{}, bool, error) {
	roundCtx, cancel := context.WithTimeout(ctx, n.roundTimeout)
	defer cancel()

	// phase 1: prepare
	n.mtx.Lock()
	pn := n.nextProposalNumber()
	inst.startRound(pn, value)
	n.metric.Rounds++
	promiseCh := inst.promiseQuorum
	prepare := types.NewPaxosMessage(types.MsgPrepare, pn, inst.id, n.id, nil)
	n.logger.Debug("send prepare", "instance", inst.id, "number", pn)
	n.broadcastLocked(prepare)
	n.handleMsg(prepare) // 自己也是 acceptor
	out, evs := n.drain()
	n.mtx.Unlock()
	n.flush(out, evs)

	select {
	case <-promiseCh:
	case <-inst.committedCh:
		return n.committedValue(inst), true, nil
	case <-roundCtx.Done():
		return nil, false, nil
	}

	// phase 2: accept
	n.mtx.Lock()
	if !inst.proposalNumber.Equal(pn) {
		n.mtx.Unlock()
		return nil, false, nil
	}
	chosen := inst.chooseValue()
	inst.phase = cstypes.InstancePhaseAccept
	acceptCh := inst.acceptQuorum
	accept := types.NewPaxosMessage(types.MsgAccept, pn, inst.id, n.id, chosen)
	n.logger.Debug("send accept", "instance", inst.id, "number", pn, "value", chosen)
	n.broadcastLocked(accept)
	n.handleMsg(accept)
	out, evs = n.drain()
	n.mtx.Unlock()
	n.flush(out, evs)

	select {
	case <-acceptCh:
	case <-inst.committedCh:
		return n.committedValue(inst), true, nil
	case <-roundCtx.Done():
		return nil, false, nil
	}

	// phase 3: commit
	n.mtx.Lock()
	commit := types.NewPaxosMessage(types.MsgCommit, pn, inst.id, n.id, chosen)
	n.broadcastLocked(commit)
	n.commitLocked(inst, pn, chosen)
	v := inst.committedValue
	out, evs = n.drain()
	n.mtx.Unlock()
	n.flush(out, evs)

	n.logger.Info("instance committed", "instance", inst.id, "value", v, "number", pn)
	return v, true, nil
}

func (n *Node) nextProposalNumber() types.ProposalNumber {
	n.maxRound++
	return types.NewProposalNumber(n.maxRound, n.id)
}

func (n *Node) observeRound(round int64) {
	if round > n.maxRound {
		n.maxRound = round
	}
}

func (n *Node) committedValue(inst *instance) interface{} {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return inst.committedValue
}

//-------------------------------------------------------------------------
// message handling

// Receive 处理来自其他节点的 paxos 消息
func (n *Node) Receive(msg *types.PaxosMessage) {
	if err := msg.ValidateBasic(); err != nil {
		n.logger.Error("receive invalid paxos message", "err", err)
		return
	}

	n.mtx.Lock()
	n.handleMsg(msg)
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

// handleMsg 根据消息类型分发，调用方必须持有 mtx
func (n *Node) handleMsg(msg *types.PaxosMessage) {
	n.observeRound(msg.ProposalNumber.Round)
	inst := n.getOrCreateInstance(msg.InstanceID)

	switch msg.Type {
	case types.MsgPrepare:
		n.handlePrepare(inst, msg)
	case types.MsgPromise:
		n.handlePromise(inst, msg)
	case types.MsgAccept:
		n.handleAccept(inst, msg)
	case types.MsgAccepted:
		n.handleAccepted(inst, msg)
	case types.MsgCommit:
		n.commitLocked(inst, msg.ProposalNumber, msg.Value)
	default:
		n.logger.Error("unhandled paxos message", "type", msg.Type)
	}
}

func (n *Node) handlePrepare(inst *instance, msg *types.PaxosMessage) {
	if inst.committed {
		// 实例已经确定，直接告诉对方结果
		commit := types.NewPaxosMessage(types.MsgCommit, inst.committedNumber, inst.id, n.id, inst.committedValue)
		n.sendLocked(msg.SenderID, commit)
		return
	}
	if !msg.ProposalNumber.GTE(inst.promisedNumber) {
		n.logger.Debug("drop stale prepare", "instance", inst.id, "number", msg.ProposalNumber, "promised", inst.promisedNumber)
		return
	}

	inst.promisedNumber = msg.ProposalNumber
	promise := types.NewPaxosMessage(types.MsgPromise, msg.ProposalNumber, inst.id, n.id, nil)
	if inst.hasAccepted() {
		accepted := inst.acceptedNumber
		promise.AcceptedNumber = &accepted
		promise.Value = inst.acceptedValue
	}
	n.sendLocked(msg.SenderID, promise)
}

func (n *Node) handlePromise(inst *instance, msg *types.PaxosMessage) {
	if inst.phase != cstypes.InstancePhasePrepare || !msg.ProposalNumber.Equal(inst.proposalNumber) {
		n.logger.Debug("drop unexpected promise", "instance", inst.id, "number", msg.ProposalNumber)
		return
	}
	pv := promiseValue{number: msg.AcceptedNumber, value: msg.Value}
	if err := inst.promises.AddVote(msg.SenderID, pv); err != nil {
		return
	}
	if !inst.promiseSignal && inst.promises.HasQuorum(n.quorum()) {
		inst.promiseSignal = true
		close(inst.promiseQuorum)
	}
}

func (n *Node) handleAccept(inst *instance, msg *types.PaxosMessage) {
	if inst.committed {
		commit := types.NewPaxosMessage(types.MsgCommit, inst.committedNumber, inst.id, n.id, inst.committedValue)
		n.sendLocked(msg.SenderID, commit)
		return
	}
	if !msg.ProposalNumber.GTE(inst.promisedNumber) {
		n.logger.Debug("drop stale accept", "instance", inst.id, "number", msg.ProposalNumber, "promised", inst.promisedNumber)
		return
	}

	inst.promisedNumber = msg.ProposalNumber
	inst.acceptedNumber = msg.ProposalNumber
	inst.acceptedValue = msg.Value
	accepted := types.NewPaxosMessage(types.MsgAccepted, msg.ProposalNumber, inst.id, n.id, msg.Value)
	n.sendLocked(msg.SenderID, accepted)
}

func (n *Node) handleAccepted(inst *instance, msg *types.PaxosMessage) {
	if inst.phase != cstypes.InstancePhaseAccept || !msg.ProposalNumber.Equal(inst.proposalNumber) {
		n.logger.Debug("drop unexpected accepted", "instance", inst.id, "number", msg.ProposalNumber)
		return
	}
	if err := inst.accepts.AddVote(msg.SenderID, nil); err != nil {
		return
	}
	if !inst.acceptSignal && inst.accepts.HasQuorum(n.quorum()) {
		inst.acceptSignal = true
		close(inst.acceptQuorum)
	}
}

// commitLocked 确定实例的值，已经确定的实例不会再改变
func (n *Node) commitLocked(inst *instance, pn types.ProposalNumber, value interface{}) {
	if inst.committed {
		if !types.ValueEqual(inst.committedValue, value) {
			n.logger.Error("ignore conflicting commit", "instance", inst.id, "committed", inst.committedValue, "got", value, "number", pn)
		}
		return
	}

	inst.committed = true
	inst.committedNumber = pn
	inst.committedValue = value
	inst.phase = cstypes.InstancePhaseCommitted
	close(inst.committedCh)
	n.metric.Committed++
	n.events = append(n.events, CommitEvent{InstanceID: inst.id, Value: value})
}

func (n *Node) getOrCreateInstance(id string) *instance {
	inst, ok := n.instances[id]
	if !ok {
		inst = newInstance(id)
		n.instances[id] = inst
		n.metric.Instances++
	}
	return inst
}

//-------------------------------------------------------------------------
// outbound

// sendLocked 发给自己的消息直接在锁内处理，其余的放入 outbox
func (n *Node) sendLocked(target string, msg *types.PaxosMessage) {
	if target == n.id {
		n.handleMsg(msg)
		return
	}
	n.outbox = append(n.outbox, outMsg{target: target, msg: msg})
}

func (n *Node) broadcastLocked(msg *types.PaxosMessage) {
	n.outbox = append(n.outbox, outMsg{target: transport.Broadcast, msg: msg})
}

func (n *Node) drain() ([]outMsg, []CommitEvent) {
	out, evs := n.outbox, n.events
	n.outbox, n.events = nil, nil
	return out, evs
}

func (n *Node) flush(out []outMsg, evs []CommitEvent) {
	for _, o := range out {
		if err := n.transport.Send(o.target, o.msg); err != nil {
			n.logger.Error("send paxos message failed", "type", o.msg.MsgType(), "target", o.target, "err", err)
		}
	}
	for _, ev := range evs {
		n.eventSwitch.FireEvent(EventCommit, ev)
	}
}
