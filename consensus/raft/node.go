package raft

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
	// EventLeaderElected 在本节点得知新的 leader 时触发，EventData 为 LeaderEvent
	EventLeaderElected = "RaftLeaderElected"
	// EventApplied 在日志项被应用时触发，EventData 为 types.RaftLogEntry
	EventApplied = "RaftApplied"

	defaultElectionTimeout   = 150 * time.Millisecond
	defaultHeartbeatInterval = 50 * time.Millisecond
	defaultProposeTimeout    = 10 * time.Second

	maxEntriesPerAppend = 64
)

var (
	// ErrEntryLost 提案的日志项被新的 leader 覆盖
	ErrEntryLost = errors.New("log entry overwritten by another leader")
)

// LeaderEvent 描述某个 term 的 leader
type LeaderEvent struct {
	Term     int64
	LeaderID string
}

type outMsg struct {
	target string
	msg    types.Message
}

type firedEvent struct {
	name string
	data events.EventData
}

// Node 是一个 raft 节点。选举由 Tick 驱动：调用方周期性地调用 Tick，
// follower/candidate 超过随机化的选举截止时间后发起选举，leader 按心跳间隔发送 append_entries。
type Node struct {
	mtx    sync.Mutex
	logger log.Logger

	id        string
	peers     *types.PeerSet // 包括自己
	transport transport.Transport

	role     cstypes.RaftRole
	term     int64
	votedFor string
	leaderID string
	leaderCh chan struct{} // leader 已知时关闭
	votes    *cstypes.VoteSet

	log         []types.RaftLogEntry // log[i].Index == i+1
	commitIndex int64
	lastApplied int64
	nextIndex   map[string]int64
	matchIndex  map[string]int64
	applied     map[int64]chan struct{}

	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	proposeTimeout    time.Duration
	electionDeadline  time.Time
	lastHeartbeat     time.Time

	eventSwitch events.EventSwitch
	metric      *raftMetric

	outbox []outMsg
	events []firedEvent
}

type NodeOption func(*Node)

func NewNode(id string, peers []string, trans transport.Transport, options ...NodeOption) *Node {
	n := &Node{
		logger:            log.NewNopLogger(),
		id:                id,
		peers:             types.NewPeerSet(append(peers, id)...),
		transport:         trans,
		role:              cstypes.RoleFollower,
		leaderCh:          make(chan struct{}),
		votes:             cstypes.NewVoteSet(),
		nextIndex:         make(map[string]int64),
		matchIndex:        make(map[string]int64),
		applied:           make(map[int64]chan struct{}),
		electionTimeout:   defaultElectionTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		proposeTimeout:    defaultProposeTimeout,
		eventSwitch:       events.NewEventSwitch(),
		metric:            newRaftMetric(),
	}
	if n.transport == nil {
		n.transport = transport.NopTransport{}
	}

	for _, opt := range options {
		opt(n)
	}
	n.resetElectionDeadline()
	return n
}

// SetElectionTimeout 选举截止时间在 [d, 2d) 内随机选取
func SetElectionTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.electionTimeout = d
	}
}

func SetHeartbeatInterval(d time.Duration) NodeOption {
	return func(n *Node) {
		n.heartbeatInterval = d
	}
}

// SetProposeTimeout 调用方的 ctx 没有 deadline 时 Propose 使用的超时时间
func SetProposeTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.proposeTimeout = d
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
	n.metric.Term = n.term
	n.metric.Role = n.role.String()
	n.metric.Leader = n.leaderID
	n.metric.CommitIndex = n.commitIndex
	n.metric.LastIndex = n.lastIndex()
	return n.metric.snapshot()
}

// OnLeaderElected 注册得知新 leader 时的回调
func (n *Node) OnLeaderElected(listenerID string, cb func(LeaderEvent)) error {
	return n.eventSwitch.AddListenerForEvent(listenerID, EventLeaderElected, func(data events.EventData) {
		cb(data.(LeaderEvent))
	})
}

// OnApplied 注册日志项被应用时的回调
func (n *Node) OnApplied(listenerID string, cb func(types.RaftLogEntry)) error {
	return n.eventSwitch.AddListenerForEvent(listenerID, EventApplied, func(data events.EventData) {
		cb(data.(types.RaftLogEntry))
	})
}

//-------------------------------------------------------------------------
// membership

func (n *Node) AddPeer(id string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !n.peers.Add(id) {
		return
	}
	if n.role == cstypes.RoleLeader {
		n.nextIndex[id] = n.lastIndex() + 1
		n.matchIndex[id] = 0
	}
}

func (n *Node) RemovePeer(id string) {
	if id == n.id {
		return
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !n.peers.Remove(id) {
		return
	}
	delete(n.nextIndex, id)
	delete(n.matchIndex, id)
	if n.leaderID == id {
		n.setLeaderLocked("")
	}
}

func (n *Node) Peers() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.peers.IDs()
}

//-------------------------------------------------------------------------
// queries

func (n *Node) Term() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.term
}

func (n *Node) Role() cstypes.RaftRole {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.role
}

// Leader 返回当前已知的 leader，未知时为空
func (n *Node) Leader() string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.leaderID
}

func (n *Node) IsLeader() bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.role == cstypes.RoleLeader
}

func (n *Node) CommitIndex() int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.commitIndex
}

// GetLog 返回日志的拷贝
func (n *Node) GetLog() []types.RaftLogEntry {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]types.RaftLogEntry(nil), n.log...)
}

// WaitForLeader 阻塞直到得知 leader 或 ctx 结束
func (n *Node) WaitForLeader(ctx context.Context) (string, error) {
	for {
		n.mtx.Lock()
		leader, ch := n.leaderID, n.leaderCh
		n.mtx.Unlock()
		if leader != "" {
			return leader, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return "", errors.Wrap(types.ErrQuorumTimeout, "no leader elected")
		}
	}
}

//-------------------------------------------------------------------------
// timers

// Tick 由调用方周期性调用，负责心跳和选举超时
func (n *Node) Tick() {
	n.mtx.Lock()
	now := time.Now()
	if n.role == cstypes.RoleLeader {
		if now.Sub(n.lastHeartbeat) >= n.heartbeatInterval {
			n.broadcastAppendLocked()
		}
	} else if now.After(n.electionDeadline) {
		n.logger.Debug("election deadline passed", "term", n.term, "leader", n.leaderID)
		n.startElectionLocked()
	}
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

// StartElection 立即发起一次选举
func (n *Node) StartElection() {
	n.mtx.Lock()
	if n.role != cstypes.RoleLeader {
		n.startElectionLocked()
	}
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

func (n *Node) resetElectionDeadline() {
	var jitter time.Duration
	if n.electionTimeout > 0 {
		jitter = time.Duration(tmrand.Int63n(int64(n.electionTimeout)))
	}
	n.electionDeadline = time.Now().Add(n.electionTimeout + jitter)
}

//-------------------------------------------------------------------------
// outbound

func (n *Node) sendLocked(target string, msg *types.RaftMessage) {
	if target == n.id {
		n.handleMsg(msg)
		return
	}
	n.outbox = append(n.outbox, outMsg{target: target, msg: msg})
}

func (n *Node) broadcastLocked(msg *types.RaftMessage) {
	n.outbox = append(n.outbox, outMsg{target: transport.Broadcast, msg: msg})
}

func (n *Node) fireLocked(name string, data events.EventData) {
	n.events = append(n.events, firedEvent{name: name, data: data})
}

func (n *Node) drain() ([]outMsg, []firedEvent) {
	out, evs := n.outbox, n.events
	n.outbox, n.events = nil, nil
	return out, evs
}

func (n *Node) flush(out []outMsg, evs []firedEvent) {
	for _, o := range out {
		if err := n.transport.Send(o.target, o.msg); err != nil {
			n.logger.Error("send raft message failed", "type", o.msg.MsgType(), "target", o.target, "err", err)
		}
	}
	for _, ev := range evs {
		n.eventSwitch.FireEvent(ev.name, ev.data)
	}
}
