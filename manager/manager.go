package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/bft"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/paxos"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/raft"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/voting"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/libs/metric"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/store"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	// EventDecision 在每次 Decide 结束时触发，EventData 为 *types.SwarmDecision 的拷贝
	EventDecision = "SwarmDecision"

	MaxTopicLength = 256
	MaxProposals   = 100
	MaxTimeout     = 300 * time.Second

	listenerID = "manager"
)

// receiverSetter 由可以在创建之后再指定 Receiver 的传输层实现
type receiverSetter interface {
	SetReceiver(transport.Receiver)
}

// Manager 为 swarm 中的每次决策选择一种共识协议。
// 每种引擎在构造时创建一次，之后所有决策共用；收到的网络消息由 receiveRoutine 按协议分发。
type Manager struct {
	service.BaseService

	config *config.Config
	id     string

	trans transport.Transport

	// 共识引擎
	paxos  *paxos.Node
	multi  *paxos.MultiPaxos
	bft    *bft.Node
	raft   *raft.Node
	voting *voting.Engine

	// 成员管理，memberMtx 保证 agents 和各引擎的 peer 集合一起修改
	memberMtx sync.Mutex
	agents    *cmap.CMap // agent id -> types.AgentInfo

	decisions *store.DecisionStore
	ballot    BallotFunc

	peerMsgQueue chan types.Message
	eventSwitch  events.EventSwitch

	stats     *decisionStats
	metrics   *Metrics
	metricSet *metric.MetricSet
}

type Option func(*Manager)

// SetBallotFunc 替换 simple/weighted 模式下 agent 选择提案的方式
func SetBallotFunc(f BallotFunc) Option {
	return func(m *Manager) {
		m.ballot = f
	}
}

func SetMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// SetDecisionStore 替换默认的纯内存决策存储
func SetDecisionStore(s *store.DecisionStore) Option {
	return func(m *Manager) {
		m.decisions = s
	}
}

// NewManager 创建所有引擎并把本节点登记为第一个 agent。
// trans 如果支持 SetReceiver，会把收到的消息交给 manager。
func NewManager(cfg *config.Config, trans transport.Transport, exec state.Executor, options ...Option) *Manager {
	id := cfg.NodeID
	if trans == nil {
		trans = transport.NopTransport{}
	}

	m := &Manager{
		config:       cfg,
		id:           id,
		trans:        trans,
		agents:       cmap.NewCMap(),
		ballot:       RandomBallot,
		peerMsgQueue: make(chan types.Message, cfg.Manager.MessageQueueSize),
		eventSwitch:  events.NewEventSwitch(),
		stats:        newDecisionStats(),
		metricSet:    metric.NewMetricSet(),
	}
	m.BaseService = *service.NewBaseService(nil, "SwarmManager", m)

	m.paxos = paxos.NewNode(id, nil, trans,
		paxos.SetProposeTimeout(cfg.Paxos.ProposeTimeout),
		paxos.SetRoundTimeout(cfg.Paxos.RoundTimeout),
	)
	m.multi = paxos.NewMultiPaxos(m.paxos, id)
	m.bft = bft.NewNode(id, nil, trans, newDecisionExecutor(exec),
		bft.SetWindow(cfg.BFT.Window),
		bft.SetRequestTimeout(cfg.BFT.RequestTimeout),
	)
	m.raft = raft.NewNode(id, nil, trans,
		raft.SetElectionTimeout(cfg.Raft.ElectionTimeout),
		raft.SetHeartbeatInterval(cfg.Raft.HeartbeatInterval),
		raft.SetProposeTimeout(cfg.Raft.ProposeTimeout),
	)
	m.voting = voting.NewEngine(voting.SetSweepInterval(cfg.Voting.SweepInterval))

	for _, opt := range options {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NopMetrics()
	}
	if m.decisions == nil {
		m.decisions = store.NewDecisionStore(cfg.Manager.DecisionTTL, nil, nil)
	}

	// multi-paxos 的 leader 跟随 raft 选出的 leader
	if err := m.raft.OnLeaderElected(listenerID, m.onLeaderElected); err != nil {
		panic(fmt.Sprintf("failed to subscribe to raft leader events: %v", err))
	}

	for label, src := range map[string]metric.Source{
		"paxos":  m.paxos.Metric,
		"bft":    m.bft.Metric,
		"raft":   m.raft.Metric,
		"voting": m.voting.Metric,
	} {
		if err := m.metricSet.SetSource(label, src); err != nil {
			panic(err)
		}
	}

	self := types.NewAgentInfo(id, cfg.Moniker, cfg.Manager.Capabilities...)
	if cfg.Manager.Weight > 0 {
		self.Weight = cfg.Manager.Weight
	}
	m.agents.Set(id, self)
	m.voting.SetVoterWeight(id, self.EffectiveWeight())
	m.metrics.Agents.Set(1)

	if rs, ok := trans.(receiverSetter); ok {
		rs.SetReceiver(m)
	}
	return m
}

func (m *Manager) SetLogger(logger log.Logger) {
	m.Logger = logger
	m.paxos.SetLogger(logger.With("module", "paxos"))
	m.multi.SetLogger(logger.With("module", "multipaxos"))
	m.bft.SetLogger(logger.With("module", "bft"))
	m.raft.SetLogger(logger.With("module", "raft"))
	m.voting.SetLogger(logger.With("module", "voting"))
	m.decisions.SetLogger(logger.With("module", "store"))
}

func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) OnStart() error {
	if err := m.voting.Start(); err != nil {
		return err
	}
	go m.receiveRoutine()
	m.Logger.Info("swarm manager started", "node", m.id, "agents", m.agents.Size())
	return nil
}

func (m *Manager) OnStop() {
	if err := m.voting.Stop(); err != nil {
		m.Logger.Error("failed trying to stop voting engine", "err", err)
	}
	m.Logger.Info("swarm manager stopped", "node", m.id)
}

// receiveRoutine 处理收到的协议消息，并驱动 raft 的计时器和决策的过期清理
func (m *Manager) receiveRoutine() {
	tick := time.NewTicker(m.config.Raft.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(m.config.Manager.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.Quit():
			m.Logger.Debug("receiveRoutine quit")
			return

		case msg := <-m.peerMsgQueue:
			m.handleMsg(msg)

		case <-tick.C:
			m.raft.Tick()

		case now := <-sweep.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	pruned := m.decisions.Prune(now)
	expired := m.voting.Prune(now.Add(-m.config.Manager.DecisionTTL))
	m.metrics.StoredDecisions.Set(float64(m.decisions.Len()))
	if pruned > 0 || expired > 0 {
		m.Logger.Debug("pruned stale decisions", "decisions", pruned, "votes", expired)
	}
}

func (m *Manager) onLeaderElected(ev raft.LeaderEvent) {
	m.Logger.Info("raft leader elected", "term", ev.Term, "leader", ev.LeaderID)
	m.multi.SetLeader(ev.LeaderID)
	m.metrics.RaftTerm.Set(float64(ev.Term))
	if ev.LeaderID == m.id {
		m.metrics.RaftLeader.Set(1)
	} else {
		m.metrics.RaftLeader.Set(0)
	}
}

// OnDecision 注册每次决策结束时的回调
func (m *Manager) OnDecision(listenerID string, cb func(*types.SwarmDecision)) error {
	return m.eventSwitch.AddListenerForEvent(listenerID, EventDecision, func(data events.EventData) {
		cb(data.(*types.SwarmDecision))
	})
}

// GetDecision 先查内存，再查归档
func (m *Manager) GetDecision(id string) (*types.SwarmDecision, bool) {
	return m.decisions.Get(id)
}

// GetAllDecisions 返回内存中所有的决策，按创建时间排序
func (m *Manager) GetAllDecisions() []*types.SwarmDecision {
	return m.decisions.All()
}

// Stats 汇总决策统计、raft 状态和各引擎的状态
func (m *Manager) Stats() *Stats {
	stats := &Stats{
		NodeID:          m.id,
		Started:         m.IsRunning(),
		StoredDecisions: m.decisions.Len(),
		Agents:          m.agents.Size(),
		Raft: RaftStats{
			State:    m.raft.Role().String(),
			Term:     m.raft.Term(),
			Leader:   m.raft.Leader(),
			IsLeader: m.raft.IsLeader(),
		},
		Engines: []byte(m.metricSet.JSONString()),
	}
	m.stats.fill(stats)
	return stats
}

// ModeLatencies 返回每种 mode 的耗时分布
func (m *Manager) ModeLatencies() []ModeLatency {
	return m.stats.modeLatencies()
}

// 以下方法暴露底层引擎，用于测试和工具
func (m *Manager) Paxos() *paxos.Node           { return m.paxos }
func (m *Manager) MultiPaxos() *paxos.MultiPaxos { return m.multi }
func (m *Manager) BFT() *bft.Node               { return m.bft }
func (m *Manager) Raft() *raft.Node             { return m.raft }
func (m *Manager) Voting() *voting.Engine       { return m.voting }
