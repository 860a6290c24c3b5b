package manager

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// AddAgent 登记或更新一个 agent，同时更新所有引擎的 peer 集合和投票权重
func (m *Manager) AddAgent(agent types.AgentInfo) error {
	if err := agent.ValidateBasic(); err != nil {
		return errors.Wrap(ErrInvalidAgent, err.Error())
	}
	agent = agent.Copy()
	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now()
	}

	m.memberMtx.Lock()
	defer m.memberMtx.Unlock()

	_, existed := m.agents.Get(agent.AgentID).(types.AgentInfo)
	m.agents.Set(agent.AgentID, agent)
	m.voting.SetVoterWeight(agent.AgentID, agent.EffectiveWeight())
	if !existed && agent.AgentID != m.id {
		m.paxos.AddPeer(agent.AgentID)
		m.bft.AddPeer(agent.AgentID)
		m.raft.AddPeer(agent.AgentID)
	}
	m.refreshLeaderLocked()
	m.metrics.Agents.Set(float64(m.agents.Size()))

	m.Logger.Info("agent added", "agent", agent.AgentID, "weight", agent.EffectiveWeight(),
		"capabilities", agent.Capabilities, "update", existed)
	return nil
}

// RemoveAgent 删除一个 agent，本节点不能被删除
func (m *Manager) RemoveAgent(agentID string) error {
	if agentID == m.id {
		return errors.Wrapf(ErrRemoveSelf, "%s", agentID)
	}

	m.memberMtx.Lock()
	defer m.memberMtx.Unlock()

	if !m.agents.Has(agentID) {
		return errors.Wrapf(ErrUnknownAgent, "%s", agentID)
	}
	m.agents.Delete(agentID)
	m.voting.RemoveVoter(agentID)
	m.paxos.RemovePeer(agentID)
	m.bft.RemovePeer(agentID)
	m.raft.RemovePeer(agentID)
	m.refreshLeaderLocked()
	m.metrics.Agents.Set(float64(m.agents.Size()))

	m.Logger.Info("agent removed", "agent", agentID)
	return nil
}

// refreshLeaderLocked 在 raft 还没有选出 leader 时，multi-paxos 使用 ID 最小的节点作为 leader
func (m *Manager) refreshLeaderLocked() {
	if m.raft.Leader() != "" {
		return
	}
	peers := types.NewPeerSet(m.paxos.Peers()...)
	m.multi.SetLeader(peers.GetProposer(0))
}

// GetAgent returns a copy of the agent.
func (m *Manager) GetAgent(agentID string) (types.AgentInfo, bool) {
	agent, ok := m.agents.Get(agentID).(types.AgentInfo)
	if !ok {
		return types.AgentInfo{}, false
	}
	return agent.Copy(), true
}

// Agents 返回所有 agent，按 ID 排序
func (m *Manager) Agents() []types.AgentInfo {
	values := m.agents.Values()
	res := make([]types.AgentInfo, 0, len(values))
	for _, v := range values {
		res = append(res, v.(types.AgentInfo).Copy())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AgentID < res[j].AgentID })
	return res
}

// touchAgent 收到某个 agent 的消息时刷新它的 last_seen
func (m *Manager) touchAgent(agentID string) {
	m.memberMtx.Lock()
	defer m.memberMtx.Unlock()
	agent, ok := m.agents.Get(agentID).(types.AgentInfo)
	if !ok {
		return
	}
	agent.LastSeen = time.Now()
	m.agents.Set(agentID, agent)
}
