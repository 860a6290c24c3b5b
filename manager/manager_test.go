package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log/term"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

func managerLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "idx" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	}).With("module", "manager")
}

func nodeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node%d", i)
	}
	return ids
}

// fixedBallot 按 agent id 返回事先定好的提案下标，没有登记的 agent 弃权
func fixedBallot(choices map[string]int) BallotFunc {
	return func(agent types.AgentInfo, topic string, proposals []interface{}) int {
		idx, ok := choices[agent.AgentID]
		if !ok {
			return -1
		}
		return idx
	}
}

// countingTransport 记录发出的消息数，不投递
type countingTransport struct {
	mtx  sync.Mutex
	sent int
}

func (ct *countingTransport) Send(target string, msg types.Message) error {
	ct.mtx.Lock()
	ct.sent++
	ct.mtx.Unlock()
	return nil
}

func (ct *countingTransport) Sent() int {
	ct.mtx.Lock()
	defer ct.mtx.Unlock()
	return ct.sent
}

func newTestManager(t *testing.T, trans transport.Transport, options ...Option) *Manager {
	cfg := config.TestConfig()
	m := NewManager(cfg, trans, nil, options...)
	m.SetLogger(log.TestingLogger())
	return m
}

//-------------------------------------------------------------------------
// cluster

type cluster struct {
	net      *transport.Network
	managers []*Manager
	kvs      []*state.KVStateMachine
}

func newCluster(t *testing.T, n int, options ...Option) *cluster {
	ids := nodeIDs(n)
	c := &cluster{net: transport.NewNetwork()}
	logger := managerLogger()

	for i, id := range ids {
		cfg := config.TestConfig()
		cfg.NodeID = id
		cfg.Moniker = id

		mt := c.net.Join(id, nil)
		mt.SetLogger(logger.With("idx", i))

		kv, err := state.NewKVStateMachineWithDB(tmdb.NewMemDB(), logger.With("idx", i))
		require.NoError(t, err)

		m := NewManager(cfg, mt, kv, options...)
		m.SetLogger(logger.With("idx", i))
		c.managers = append(c.managers, m)
		c.kvs = append(c.kvs, kv)
	}
	for _, m := range c.managers {
		for _, id := range ids {
			require.NoError(t, m.AddAgent(types.NewAgentInfo(id, id)))
		}
	}

	require.NoError(t, c.net.StartAll())
	for _, m := range c.managers {
		require.NoError(t, m.Start())
	}
	return c
}

func (c *cluster) stop() {
	for _, m := range c.managers {
		_ = m.Stop()
	}
	c.net.StopAll()
}

// waitRaftLeader 等到所有节点认同同一个 raft leader
func (c *cluster) waitRaftLeader(t *testing.T) *Manager {
	var leader *Manager
	require.Eventually(t, func() bool {
		leader = nil
		for _, m := range c.managers {
			if m.Raft().IsLeader() {
				if leader != nil {
					return false
				}
				leader = m
			}
		}
		if leader == nil {
			return false
		}
		for _, m := range c.managers {
			if m.Raft().Leader() != leader.ID() || m.MultiPaxos().Leader() != leader.ID() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func (c *cluster) follower(leader *Manager) *Manager {
	for _, m := range c.managers {
		if m != leader {
			return m
		}
	}
	return nil
}

//-------------------------------------------------------------------------
// validation and routing

// 参数错误在产生任何网络消息之前返回
func TestDecideValidation(t *testing.T) {
	trans := &countingTransport{}
	m := newTestManager(t, trans)
	ctx := context.Background()

	testCases := []struct {
		name      string
		topic     string
		proposals []interface{}
		mode      types.Mode
		timeout   time.Duration
		err       error
	}{
		{"empty topic", "", []interface{}{"a"}, types.ModePaxos, time.Second, ErrInvalidTopic},
		{"long topic", string(make([]byte, MaxTopicLength+1)), []interface{}{"a"}, types.ModePaxos, time.Second, ErrInvalidTopic},
		{"no proposals", "t", nil, types.ModePaxos, time.Second, ErrInvalidProposals},
		{"too many proposals", "t", make([]interface{}, MaxProposals+1), types.ModePaxos, time.Second, ErrInvalidProposals},
		{"zero timeout", "t", []interface{}{"a"}, types.ModePaxos, 0, ErrInvalidTimeout},
		{"long timeout", "t", []interface{}{"a"}, types.ModePaxos, MaxTimeout + time.Second, ErrInvalidTimeout},
		{"unknown mode", "t", []interface{}{"a"}, types.Mode("gossip"), time.Second, types.ErrUnknownMode},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			d, err := m.Decide(ctx, tc.topic, tc.proposals, tc.mode, tc.timeout)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.err), "got %v", err)
			assert.Nil(t, d)
		})
	}

	assert.Equal(t, 0, trans.Sent())
	assert.Empty(t, m.GetAllDecisions())
	assert.EqualValues(t, 0, m.Stats().TotalDecisions)
}

// accept 只会交给 paxos 引擎
func TestRoutingAcceptOnlyToPaxos(t *testing.T) {
	m := newTestManager(t, nil)

	accept := types.NewPaxosMessage(types.MsgAccept, types.NewProposalNumber(1, "node1"), "inst-a", "node1", "x")
	bz, err := types.EncodeMessage(accept)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveMessage(bz))

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.Routed[string(types.ProtocolPaxos)])
	assert.EqualValues(t, 0, stats.Routed[string(types.ProtocolBFT)])
	assert.EqualValues(t, 0, stats.Routed[string(types.ProtocolRaft)])

	inst, ok := m.Paxos().GetInstance("inst-a")
	require.True(t, ok)
	assert.Equal(t, "x", inst.AcceptedValue)

	assert.Empty(t, m.BFT().GetExecuted())
	assert.Empty(t, m.Raft().GetLog())
}

func TestRoutingRejectsUnknownMessages(t *testing.T) {
	m := newTestManager(t, nil)

	err := m.ReceiveMessage([]byte(`{"type":"gossip","sender_id":"node1"}`))
	assert.True(t, errors.Is(err, types.ErrUnknownMessageType), "got %v", err)

	err = m.ReceiveMessage(nil)
	assert.True(t, errors.Is(err, types.ErrInvalidMessage), "got %v", err)

	stats := m.Stats()
	assert.EqualValues(t, 2, stats.Rejected)
	assert.EqualValues(t, 0, stats.Routed[string(types.ProtocolPaxos)])
}

func TestReceiveRefreshesLastSeen(t *testing.T) {
	m := newTestManager(t, nil)

	old := time.Now().Add(-time.Hour)
	agent := types.NewAgentInfo("node1", "n1")
	agent.LastSeen = old
	require.NoError(t, m.AddAgent(agent))

	msg := types.NewPaxosMessage(types.MsgPrepare, types.NewProposalNumber(1, "node1"), "inst-b", "node1", nil)
	bz, err := types.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, m.ReceiveMessage(bz))

	got, ok := m.GetAgent("node1")
	require.True(t, ok)
	assert.True(t, got.LastSeen.After(old))
}

//-------------------------------------------------------------------------
// membership

func TestMembership(t *testing.T) {
	m := newTestManager(t, nil)
	self := config.TestConfig().NodeID

	err := m.AddAgent(types.AgentInfo{})
	assert.True(t, errors.Is(err, ErrInvalidAgent), "got %v", err)

	require.NoError(t, m.AddAgent(types.NewAgentInfo("node1", "n1", "deploy")))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node2", "n2")))
	assert.ElementsMatch(t, []string{self, "node1", "node2"}, m.Paxos().Peers())
	assert.ElementsMatch(t, []string{self, "node1", "node2"}, m.BFT().Peers())
	assert.ElementsMatch(t, []string{self, "node1", "node2"}, m.Raft().Peers())
	assert.Len(t, m.Agents(), 3)
	assert.Equal(t, self, m.Agents()[0].AgentID)

	// 还没有 raft leader 时 multi-paxos 的 leader 是 ID 最小的节点
	assert.Equal(t, self, m.MultiPaxos().Leader())

	err = m.RemoveAgent(self)
	assert.True(t, errors.Is(err, ErrRemoveSelf), "got %v", err)
	err = m.RemoveAgent("node9")
	assert.True(t, errors.Is(err, ErrUnknownAgent), "got %v", err)

	require.NoError(t, m.RemoveAgent("node1"))
	assert.ElementsMatch(t, []string{self, "node2"}, m.Paxos().Peers())
	assert.ElementsMatch(t, []string{self, "node2"}, m.BFT().Peers())
	assert.ElementsMatch(t, []string{self, "node2"}, m.Raft().Peers())
	_, ok := m.GetAgent("node1")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Stats().Agents)
}

//-------------------------------------------------------------------------
// simple / weighted

func TestSimpleMajority(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	m := newTestManager(t, nil, SetBallotFunc(fixedBallot(map[string]int{
		"node0": 0,
		"node1": 1,
		"node2": 1,
	})))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node1", "n1")))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node2", "n2")))
	require.NoError(t, m.Start())
	defer m.Stop() // nolint:errcheck

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x", "y"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Reason)
	assert.Equal(t, "y", d.Winner)
	assert.Equal(t, types.ModeSimple, d.Mode)
	assert.Equal(t, "x", d.Votes["node0"])
	assert.Equal(t, "y", d.Votes["node1"])
	assert.Equal(t, "y", d.Votes["node2"])

	stored, ok := m.GetDecision(d.DecisionID)
	require.True(t, ok)
	assert.Equal(t, d.Winner, stored.Winner)
}

// 平票时取下标小的提案，但表决是 1:1，不能通过
func TestSimpleTieRejected(t *testing.T) {
	m := newTestManager(t, nil, SetBallotFunc(fixedBallot(map[string]int{
		"node0": 0,
		"node1": 1,
	})))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node1", "n1")))

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x", "y"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Nil(t, d.Winner)
	assert.Contains(t, d.Reason, "rejected")
}

// node0 有 deploy 能力，权重加倍后 3*2 > 1+1
func TestWeightedCapabilityBoost(t *testing.T) {
	ballot := SetBallotFunc(fixedBallot(map[string]int{
		"node0": 0,
		"node1": 1,
		"node2": 1,
	}))
	cfg := config.TestConfig()
	cfg.Manager.Capabilities = []string{"deploy"}
	cfg.Manager.Weight = 3
	m := NewManager(cfg, nil, nil, ballot)
	m.SetLogger(log.TestingLogger())
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node1", "n1")))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node2", "n2")))

	d, err := m.Decide(context.Background(), "Deploy", []interface{}{"x", "y"}, types.ModeWeighted, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)

	// 相同的选票在 simple 模式下是 y 胜出
	d, err = m.Decide(context.Background(), "Deploy", []interface{}{"x", "y"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Reason)
	assert.Equal(t, "y", d.Winner)

	// topic 无关时不加倍，3 > 2 仍然是 x
	d, err = m.Decide(context.Background(), "rollback", []interface{}{"x", "y"}, types.ModeWeighted, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)
}

func TestAllAbstain(t *testing.T) {
	m := newTestManager(t, nil, SetBallotFunc(fixedBallot(nil)))

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, "abstain", d.Votes["node0"])
}

//-------------------------------------------------------------------------
// protocol modes

func TestPaxosMode(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 3)
	defer c.stop()

	d, err := c.managers[0].Decide(context.Background(), "deploy", []interface{}{"x", "y"}, types.ModePaxos, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)

	instanceID := "decision-" + d.DecisionID
	assert.Equal(t, instanceID, d.Votes["instance_id"])
	for _, m := range c.managers {
		m := m
		require.Eventually(t, func() bool {
			v, ok := m.Paxos().GetCommittedValue(instanceID)
			return ok && types.ValueEqual(v, "x")
		}, 5*time.Second, 10*time.Millisecond, "node %s did not learn x", m.ID())
	}

	stats := c.managers[0].Stats()
	assert.EqualValues(t, 1, stats.TotalDecisions)
	assert.EqualValues(t, 1, stats.ModeUsage[string(types.ModePaxos)])
	assert.True(t, stats.Routed[string(types.ProtocolPaxos)] > 0)
}

// 只有一个节点能通信时 paxos 凑不够多数，决策以 timeout 失败
func TestPaxosModeTimeout(t *testing.T) {
	m := newTestManager(t, &countingTransport{})
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node1", "n1")))
	require.NoError(t, m.AddAgent(types.NewAgentInfo("node2", "n2")))

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModePaxos, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, reasonTimeout, d.Reason)
	assert.Nil(t, d.Winner)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 0, stats.SuccessRate)
}

func TestMultiPaxosMode(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 3)
	defer c.stop()
	leader := c.waitRaftLeader(t)

	d, err := leader.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeMultiPaxos, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)
	assert.EqualValues(t, 0, d.Votes["index"])

	d, err = leader.Decide(context.Background(), "deploy", []interface{}{"y"}, types.ModeMultiPaxos, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.EqualValues(t, 1, d.Votes["index"])

	d, err = c.follower(leader).Decide(context.Background(), "deploy", []interface{}{"z"}, types.ModeMultiPaxos, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, reasonNotLeader, d.Reason)
}

func TestRaftMode(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 3)
	defer c.stop()
	leader := c.waitRaftLeader(t)

	d, err := leader.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeRaft, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)
	assert.Equal(t, leader.ID(), d.Votes["leader"])

	idx, ok := d.Votes["index"].(int64)
	require.True(t, ok)
	for _, m := range c.managers {
		m := m
		require.Eventually(t, func() bool {
			return m.Raft().CommitIndex() >= idx
		}, 5*time.Second, 10*time.Millisecond, "node %s did not commit %d", m.ID(), idx)
	}

	d, err = c.follower(leader).Decide(context.Background(), "deploy", []interface{}{"y"}, types.ModeRaft, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, reasonNotLeader+": leader is "+leader.ID(), d.Reason)
}

func TestPBFTMode(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 4)
	defer c.stop()

	d, err := c.managers[1].Decide(context.Background(), "deploy", []interface{}{"v1", "v2"}, types.ModePBFT, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.Equal(t, "v1", d.Winner)
	assert.NotNil(t, d.Votes["result"])
	assert.EqualValues(t, 0, d.Votes["view"])

	for i, kv := range c.kvs {
		kv := kv
		require.Eventually(t, func() bool {
			v, ok, err := kv.Get(decisionKeyPrefix + "deploy")
			return err == nil && ok && v == "v1"
		}, 5*time.Second, 10*time.Millisecond, "node%d did not execute the decision", i)
	}
}

//-------------------------------------------------------------------------
// events and storage

func TestOnDecision(t *testing.T) {
	m := newTestManager(t, nil, SetBallotFunc(FirstBallot))

	got := make(chan *types.SwarmDecision, 1)
	require.NoError(t, m.OnDecision("test", func(d *types.SwarmDecision) {
		got <- d
	}))

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)

	select {
	case ev := <-got:
		assert.Equal(t, d.DecisionID, ev.DecisionID)
		assert.Equal(t, "x", ev.Winner)
	case <-time.After(time.Second):
		t.Fatal("decision callback not fired")
	}

	all := m.GetAllDecisions()
	require.Len(t, all, 1)
	assert.Equal(t, d.DecisionID, all[0].DecisionID)

	lat := m.ModeLatencies()
	require.Len(t, lat, 1)
	assert.Equal(t, types.ModeSimple, lat[0].Mode)
	assert.EqualValues(t, 1, lat[0].Count)
}

func TestDecisionTTLSweep(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	cfg := config.TestConfig()
	cfg.Manager.DecisionTTL = 50 * time.Millisecond
	cfg.Manager.SweepInterval = 20 * time.Millisecond
	m := NewManager(cfg, nil, nil, SetBallotFunc(FirstBallot))
	m.SetLogger(log.TestingLogger())
	require.NoError(t, m.Start())
	defer m.Stop() // nolint:errcheck

	d, err := m.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeSimple, time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)

	require.Eventually(t, func() bool {
		_, ok := m.GetDecision(d.DecisionID)
		return !ok && len(m.GetAllDecisions()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// 过期清理不影响累计的统计
	assert.EqualValues(t, 1, m.Stats().TotalDecisions)
	assert.Equal(t, 0, m.Stats().StoredDecisions)
	assert.Empty(t, m.Voting().ActiveDecisions())
}

func TestStatsJSON(t *testing.T) {
	m := newTestManager(t, nil, SetBallotFunc(FirstBallot))
	_, err := m.Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModeSimple, time.Second)
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, "node0", s.NodeID)
	assert.EqualValues(t, 1, s.Successful)
	assert.EqualValues(t, 1, s.SuccessRate)
	js := s.JSONString()
	assert.Contains(t, js, `"mode_usage":{"simple":1}`)
	assert.Contains(t, js, `"engines":{`)
	assert.Contains(t, js, `"raft_state":{`)
}
