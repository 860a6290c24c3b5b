package bft

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/libs/metric"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	// EventExecuted 在某个序号的请求执行后触发，EventData 为 ExecutedEvent
	EventExecuted = "BFTExecuted"

	defaultWindow         = 100
	defaultRequestTimeout = 10 * time.Second

	noopClientID = "noop"
)

// ExecutedEvent 描述一个已经执行的序号
type ExecutedEvent struct {
	Sequence  int64
	View      int64
	Digest    tmbytes.HexBytes
	Operation interface{}
	Result    interface{}
}

type outMsg struct {
	target string
	msg    types.Message
}

type waiter struct {
	done   chan struct{}
	result interface{}
}

// Node 是一个 pbft 副本，view 对应的 primary 负责给请求分配序号。
// n = 3f+1 个节点中最多 f 个节点可以任意作恶。
//
// 和 paxos.Node 一样，所有状态由 mtx 保护，消息在锁内处理，解锁后再发送。
type Node struct {
	mtx    sync.Mutex
	logger log.Logger

	id        string
	peers     *types.PeerSet // 包括自己
	transport transport.Transport
	executor  state.Executor

	view         int64
	lastSeq      int64 // 见过的（primary 分配过的）最大序号
	lastExecuted int64 // 低水位
	window       int64

	entries  map[int64]*logEntry
	pool     *requestPool
	assigned map[string]int64 // 当前 view 下 digest -> 序号
	executed map[string]interface{}
	waiters  map[string]*waiter

	viewChanges map[int64]*cstypes.VoteSet
	votedView   int64 // 已经为之发送过 view_change 的最大 view

	requestTimeout time.Duration

	eventSwitch events.EventSwitch
	metric      *bftMetric

	outbox []outMsg
	events []ExecutedEvent
}

type NodeOption func(*Node)

// NewNode 创建一个副本，exec 为 nil 时使用 state.NopExecutor
func NewNode(id string, peers []string, trans transport.Transport, exec state.Executor, options ...NodeOption) *Node {
	n := &Node{
		logger:         log.NewNopLogger(),
		id:             id,
		peers:          types.NewPeerSet(append(peers, id)...),
		transport:      trans,
		executor:       exec,
		window:         defaultWindow,
		entries:        make(map[int64]*logEntry),
		pool:           newRequestPool(),
		assigned:       make(map[string]int64),
		executed:       make(map[string]interface{}),
		waiters:        make(map[string]*waiter),
		viewChanges:    make(map[int64]*cstypes.VoteSet),
		requestTimeout: defaultRequestTimeout,
		eventSwitch:    events.NewEventSwitch(),
		metric:         newBFTMetric(),
	}
	if n.transport == nil {
		n.transport = transport.NopTransport{}
	}
	if n.executor == nil {
		n.executor = state.NopExecutor{}
	}

	for _, opt := range options {
		opt(n)
	}
	return n
}

// SetWindow 设置水位窗口大小，primary 只在 (low, low+window] 内分配序号
func SetWindow(window int64) NodeOption {
	return func(n *Node) {
		if window > 0 {
			n.window = window
		}
	}
}

// SetRequestTimeout 调用方的 ctx 没有 deadline 时 Request 使用的超时时间
func SetRequestTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.requestTimeout = d
	}
}

func (n *Node) SetLogger(logger log.Logger) {
	n.logger = logger
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Metric() metric.MetricItem {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.metric.View = n.view
	n.metric.PoolSize = n.pool.Size()
	return n.metric.snapshot()
}

// OnExecuted 注册请求执行后的回调
func (n *Node) OnExecuted(listenerID string, cb func(ExecutedEvent)) error {
	return n.eventSwitch.AddListenerForEvent(listenerID, EventExecuted, func(data events.EventData) {
		cb(data.(ExecutedEvent))
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

func (n *Node) faulty() int {
	return types.MaxFaulty(n.peers.Size())
}

func (n *Node) primaryOf(view int64) string {
	return n.peers.GetProposer(view)
}

func (n *Node) isPrimary() bool {
	return n.primaryOf(n.view) == n.id
}

func (n *Node) inWindow(seq int64) bool {
	return seq > n.lastExecuted && seq <= n.lastExecuted+n.window
}

//-------------------------------------------------------------------------
// queries

func (n *Node) View() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.view
}

// Primary 返回当前 view 的 primary
func (n *Node) Primary() string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.primaryOf(n.view)
}

func (n *Node) LastExecuted() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.lastExecuted
}

// GetEntry 返回某个序号的状态快照
func (n *Node) GetEntry(seq int64) (EntryState, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	e, ok := n.entries[seq]
	if !ok {
		return EntryState{}, false
	}
	return e.state(n.primaryOf(e.view)), true
}

// GetExecuted 按序号返回所有已经执行的条目
func (n *Node) GetExecuted() []EntryState {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	res := make([]EntryState, 0, n.lastExecuted)
	for seq := int64(1); seq <= n.lastExecuted; seq++ {
		if e, ok := n.entries[seq]; ok {
			res = append(res, e.state(n.primaryOf(e.view)))
		}
	}
	return res
}

//-------------------------------------------------------------------------
// client

// Request 提交一个操作并等待它在本节点执行，返回执行结果。
// 执行出错时结果为 {"error": msg}。ctx 结束前没有执行返回 types.ErrQuorumTimeout，
// 请求仍然留在池中，view 切换后会重新提交给新的 primary。
func (n *Node) Request(ctx context.Context, operation interface{}) (interface{}, error) {
	req, err := types.NewBFTRequest(n.id, time.Now().UnixNano(), operation)
	if err != nil {
		return nil, err
	}
	digest, err := req.Digest()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	key := digest.String()
	n.mtx.Lock()
	n.metric.Requests++
	if res, ok := n.executed[key]; ok {
		n.mtx.Unlock()
		return res, nil
	}
	w, ok := n.waiters[key]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		n.waiters[key] = w
	}
	n.pool.Add(digest, req, true) // nolint: errcheck
	if n.isPrimary() {
		n.proposeLocked(digest, req)
	} else {
		msg := types.NewBFTMessage(types.MsgRequest, n.view, 0, digest, n.id, req)
		n.sendLocked(n.primaryOf(n.view), msg)
	}
	out, evs := n.drain()
	n.mtx.Unlock()
	n.flush(out, evs)

	select {
	case <-w.done:
		n.mtx.Lock()
		res := w.result
		n.mtx.Unlock()
		return res, nil
	case <-ctx.Done():
		n.mtx.Lock()
		n.metric.Timeouts++
		delete(n.waiters, key)
		n.mtx.Unlock()
		n.logger.Info("request timeout", "digest", digest)
		return nil, errors.Wrapf(types.ErrQuorumTimeout, "request %X", []byte(digest))
	}
}

//-------------------------------------------------------------------------
// message handling

// Receive 处理来自其他节点的 bft 消息
func (n *Node) Receive(msg *types.BFTMessage) {
	if err := msg.ValidateBasic(); err != nil {
		n.logger.Error("receive invalid bft message", "err", err)
		return
	}

	n.mtx.Lock()
	n.handleMsg(msg)
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

// handleMsg 调用方必须持有 mtx
func (n *Node) handleMsg(msg *types.BFTMessage) {
	if !n.peers.Has(msg.SenderID) {
		n.logger.Debug("drop bft message from unknown peer", "sender", msg.SenderID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case types.MsgRequest:
		n.handleRequest(msg)
	case types.MsgPrePrepare:
		n.handlePrePrepare(msg)
	case types.MsgPrepare:
		n.handlePrepare(msg)
	case types.MsgCommit:
		n.handleCommit(msg)
	case types.MsgViewChange:
		n.handleViewChange(msg)
	case types.MsgNewView:
		n.handleNewView(msg)
	default:
		n.logger.Error("unhandled bft message", "type", msg.Type)
	}
}

func (n *Node) handleRequest(msg *types.BFTMessage) {
	digest := msg.Digest
	if len(digest) == 0 {
		var err error
		if digest, err = msg.Request.Digest(); err != nil {
			return
		}
	}
	if _, ok := n.executed[digest.String()]; ok {
		return
	}
	n.pool.Add(digest, msg.Request, false) // nolint: errcheck
	if n.isPrimary() {
		n.proposeLocked(digest, msg.Request)
	}
}

// proposeLocked 由 primary 为请求分配下一个序号，窗口已满时留在池中等待
func (n *Node) proposeLocked(digest tmbytes.HexBytes, req *types.BFTRequest) {
	key := digest.String()
	if _, ok := n.assigned[key]; ok {
		return
	}
	if _, ok := n.executed[key]; ok {
		return
	}
	seq := n.lastSeq + 1
	if !n.inWindow(seq) {
		n.logger.Debug("window full, keep request in pool", "seq", seq, "low", n.lastExecuted)
		return
	}
	n.lastSeq = seq
	n.prePrepareLocked(seq, digest, req)
}

func (n *Node) prePrepareLocked(seq int64, digest tmbytes.HexBytes, req *types.BFTRequest) {
	msg := types.NewBFTMessage(types.MsgPrePrepare, n.view, seq, digest, n.id, req)
	n.logger.Debug("send pre_prepare", "view", n.view, "seq", seq, "digest", digest)
	n.metric.PrePrepares++
	n.broadcastLocked(msg)
	n.handleMsg(msg)
}

// proposePendingLocked 把池中还没有分配序号的请求依次提案
func (n *Node) proposePendingLocked() {
	if !n.isPrimary() {
		return
	}
	for _, pr := range n.pool.List() {
		if !n.inWindow(n.lastSeq + 1) {
			return
		}
		n.proposeLocked(pr.digest, pr.request)
	}
}

func (n *Node) handlePrePrepare(msg *types.BFTMessage) {
	if msg.View != n.view {
		n.logger.Debug("drop pre_prepare of other view", "view", msg.View, "current", n.view)
		return
	}
	if msg.SenderID != n.primaryOf(msg.View) {
		n.logger.Debug("drop pre_prepare from non-primary", "sender", msg.SenderID, "view", msg.View)
		return
	}
	if len(msg.Digest) == 0 {
		n.logger.Debug("drop pre_prepare without digest", "seq", msg.Sequence)
		return
	}

	if msg.Sequence <= n.lastExecuted {
		// 本节点已经执行过，如果摘要相同就重新投票，帮助落后的节点在新 view 中完成
		if e, ok := n.entries[msg.Sequence]; ok && e.executed && e.digest.String() == msg.Digest.String() {
			n.voteExecutedLocked(e, msg.View)
		}
		return
	}
	if !n.inWindow(msg.Sequence) {
		n.logger.Debug("drop pre_prepare out of window", "seq", msg.Sequence, "low", n.lastExecuted, "window", n.window)
		return
	}

	e := n.getOrCreateEntry(msg.Sequence)
	if e.prePrepare != nil && e.view == msg.View {
		if e.digest.String() != msg.Digest.String() {
			n.logger.Error("drop conflicting pre_prepare", "view", msg.View, "seq", msg.Sequence,
				"bound", e.digest, "got", msg.Digest)
		}
		return
	}

	e.view = msg.View
	e.digest = msg.Digest
	e.prePrepare = msg
	e.phase = cstypes.EntryPhasePrePrepare
	n.assigned[msg.Digest.String()] = msg.Sequence
	if msg.Sequence > n.lastSeq {
		n.lastSeq = msg.Sequence
	}
	if !isNoop(msg.Request) {
		n.pool.Add(msg.Digest, msg.Request, false) // nolint: errcheck
	}

	if msg.SenderID != n.id {
		prepare := types.NewBFTMessage(types.MsgPrepare, msg.View, msg.Sequence, msg.Digest, n.id, nil)
		n.broadcastLocked(prepare)
		n.addPrepare(e, prepare)
	}
	n.checkPrepared(e)
}

func (n *Node) handlePrepare(msg *types.BFTMessage) {
	if !n.acceptVote(msg) {
		return
	}
	e := n.getOrCreateEntry(msg.Sequence)
	if e.executed {
		return
	}
	n.addPrepare(e, msg)
	n.checkPrepared(e)
}

func (n *Node) handleCommit(msg *types.BFTMessage) {
	if !n.acceptVote(msg) {
		return
	}
	e := n.getOrCreateEntry(msg.Sequence)
	if e.executed {
		// 重放的 commit 不会再次执行
		return
	}
	n.addCommit(e, msg)
	n.checkCommitted(e)
}

// acceptVote 过滤旧 view 的投票和已经执行过的序号，未来 view 的投票先保存
func (n *Node) acceptVote(msg *types.BFTMessage) bool {
	if msg.View < n.view {
		n.logger.Debug("drop stale vote", "type", msg.Type, "view", msg.View, "current", n.view)
		return false
	}
	if msg.Sequence <= n.lastExecuted || msg.Sequence > n.lastExecuted+n.window {
		n.logger.Debug("drop vote out of window", "type", msg.Type, "seq", msg.Sequence, "low", n.lastExecuted)
		return false
	}
	return true
}

func (n *Node) addPrepare(e *logEntry, msg *types.BFTMessage) {
	if err := e.prepareVotes.AddVote(voteKey(msg.SenderID, msg.View), msg.Digest.String()); err != nil {
		return
	}
}

func (n *Node) addCommit(e *logEntry, msg *types.BFTMessage) {
	if err := e.commitVotes.AddVote(voteKey(msg.SenderID, msg.View), msg.Digest.String()); err != nil {
		return
	}
}

// checkPrepared - 2f 个来自不同 backup 的 prepare 与 pre_prepare 一致时进入 prepared
func (n *Node) checkPrepared(e *logEntry) {
	if e.phase != cstypes.EntryPhasePrePrepare {
		return
	}
	if e.countMatching(e.prepareVotes, n.primaryOf(e.view)) < types.PrepareQuorum(n.faulty()) {
		return
	}

	e.phase = cstypes.EntryPhasePrepared
	n.logger.Debug("entry prepared", "view", e.view, "seq", e.sequence, "digest", e.digest)
	commit := types.NewBFTMessage(types.MsgCommit, e.view, e.sequence, e.digest, n.id, nil)
	n.broadcastLocked(commit)
	n.addCommit(e, commit)
	n.checkCommitted(e)
}

// checkCommitted - 2f+1 个一致的 commit 后进入 committed，并按序号顺序执行
func (n *Node) checkCommitted(e *logEntry) {
	if e.phase != cstypes.EntryPhasePrepared {
		return
	}
	if e.countMatching(e.commitVotes, "") < types.CommitQuorum(n.faulty()) {
		return
	}

	e.phase = cstypes.EntryPhaseCommitted
	n.logger.Debug("entry committed", "view", e.view, "seq", e.sequence, "digest", e.digest)
	n.executeReady()
}

// executeReady 从低水位开始执行连续的已提交条目
func (n *Node) executeReady() {
	for {
		e, ok := n.entries[n.lastExecuted+1]
		if !ok || e.phase != cstypes.EntryPhaseCommitted {
			break
		}
		n.execute(e)
		n.lastExecuted = e.sequence
	}
	// 低水位前进后 primary 可以继续分配序号
	n.proposePendingLocked()
}

func (n *Node) execute(e *logEntry) {
	req := e.prePrepare.Request
	key := e.digest.String()

	var result interface{}
	if prev, ok := n.executed[key]; ok {
		result = prev
	} else if !isNoop(req) {
		res, err := n.executor.Execute(req.Operation)
		if err != nil {
			n.metric.ExecErrors++
			n.logger.Info("execute failed", "seq", e.sequence, "err", err)
			res = map[string]interface{}{"error": err.Error()}
		}
		result = res
		n.executed[key] = result
	}

	e.executed = true
	e.result = result
	e.phase = cstypes.EntryPhaseExecuted
	n.metric.Executed++
	n.pool.Remove(e.digest)
	delete(n.assigned, key)

	if w, ok := n.waiters[key]; ok {
		w.result = result
		close(w.done)
		delete(n.waiters, key)
	}
	n.logger.Info("executed", "seq", e.sequence, "view", e.view, "digest", e.digest)

	ev := ExecutedEvent{Sequence: e.sequence, View: e.view, Digest: e.digest, Result: result}
	if req != nil {
		ev.Operation = req.Operation
	}
	n.events = append(n.events, ev)
}

// voteExecutedLocked 为已经执行的条目在新的 view 中重新发送 prepare 和 commit
func (n *Node) voteExecutedLocked(e *logEntry, view int64) {
	if n.primaryOf(view) != n.id {
		prepare := types.NewBFTMessage(types.MsgPrepare, view, e.sequence, e.digest, n.id, nil)
		n.broadcastLocked(prepare)
	}
	commit := types.NewBFTMessage(types.MsgCommit, view, e.sequence, e.digest, n.id, nil)
	n.broadcastLocked(commit)
}

func (n *Node) getOrCreateEntry(seq int64) *logEntry {
	e, ok := n.entries[seq]
	if !ok {
		e = newLogEntry(seq)
		n.entries[seq] = e
	}
	return e
}

func isNoop(req *types.BFTRequest) bool {
	return req == nil || (req.ClientID == noopClientID && req.Operation == nil)
}

//-------------------------------------------------------------------------
// outbound

func (n *Node) sendLocked(target string, msg *types.BFTMessage) {
	if target == n.id {
		n.handleMsg(msg)
		return
	}
	n.outbox = append(n.outbox, outMsg{target: target, msg: msg})
}

func (n *Node) broadcastLocked(msg *types.BFTMessage) {
	n.outbox = append(n.outbox, outMsg{target: transport.Broadcast, msg: msg})
}

func (n *Node) drain() ([]outMsg, []ExecutedEvent) {
	out, evs := n.outbox, n.events
	n.outbox, n.events = nil, nil
	return out, evs
}

func (n *Node) flush(out []outMsg, evs []ExecutedEvent) {
	for _, o := range out {
		if err := n.transport.Send(o.target, o.msg); err != nil {
			n.logger.Error("send bft message failed", "type", o.msg.MsgType(), "target", o.target, "err", err)
		}
	}
	for _, ev := range evs {
		n.eventSwitch.FireEvent(EventExecuted, ev)
	}
}
