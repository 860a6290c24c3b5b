package manager

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/paxos"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/voting"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	reasonTimeout   = "timeout"
	reasonNotLeader = "not leader"

	// 与 topic 相关的能力使权重加倍
	capabilityBoost = 2.0
)

// BallotFunc 返回 agent 选择的提案下标，返回 -1 表示弃权
type BallotFunc func(agent types.AgentInfo, topic string, proposals []interface{}) int

// RandomBallot 随机选择一个提案
func RandomBallot(agent types.AgentInfo, topic string, proposals []interface{}) int {
	return tmrand.Intn(len(proposals))
}

// FirstBallot 总是选择第一个提案
func FirstBallot(agent types.AgentInfo, topic string, proposals []interface{}) int {
	return 0
}

// ValidateDecision 检查 Decide 的参数，在产生任何网络消息之前调用
func ValidateDecision(topic string, proposals []interface{}, mode types.Mode, timeout time.Duration) error {
	if topic == "" || len(topic) > MaxTopicLength {
		return errors.Wrapf(ErrInvalidTopic, "topic length %d not in [1, %d]", len(topic), MaxTopicLength)
	}
	if len(proposals) == 0 || len(proposals) > MaxProposals {
		return errors.Wrapf(ErrInvalidProposals, "%d proposals not in [1, %d]", len(proposals), MaxProposals)
	}
	if timeout <= 0 || timeout > MaxTimeout {
		return errors.Wrapf(ErrInvalidTimeout, "%v not in (0, %v]", timeout, MaxTimeout)
	}
	if _, err := types.ParseMode(string(mode)); err != nil {
		return err
	}
	return nil
}

// Decide 用 mode 指定的协议在 proposals 中做出一次决策。
// 只有参数错误会返回 error；超时、不是 leader 等协议结果都体现在返回的 SwarmDecision 中。
func (m *Manager) Decide(ctx context.Context, topic string, proposals []interface{},
	mode types.Mode, timeout time.Duration) (*types.SwarmDecision, error) {

	if err := ValidateDecision(topic, proposals, mode, timeout); err != nil {
		return nil, err
	}

	d := types.NewSwarmDecision(tmrand.Str(8), topic, proposals, mode)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.Logger.Debug("decide", "id", d.DecisionID, "topic", topic, "mode", mode, "proposals", len(proposals))

	var (
		winner interface{}
		reason string
		err    error
	)
	switch mode {
	case types.ModeSimple, types.ModeWeighted:
		winner, reason, err = m.decideByVote(ctx, d)
	case types.ModePaxos:
		winner, err = m.decidePaxos(ctx, d)
	case types.ModeMultiPaxos:
		winner, reason, err = m.decideMultiPaxos(ctx, d)
	case types.ModeRaft:
		winner, reason, err = m.decideRaft(ctx, d)
	case types.ModePBFT:
		winner, reason, err = m.decidePBFT(ctx, d)
	}

	switch {
	case err != nil:
		d.Finalize(nil, false, failureReason(ctx, err))
	case reason != "":
		d.Finalize(nil, false, reason)
	default:
		d.Finalize(winner, true, "")
	}
	m.finish(d)
	return d.Copy(), nil
}

func failureReason(ctx context.Context, err error) string {
	if errors.Is(err, types.ErrQuorumTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return reasonTimeout
	}
	return err.Error()
}

func (m *Manager) finish(d *types.SwarmDecision) {
	if err := m.decisions.Put(d); err != nil {
		m.Logger.Error("failed to save decision", "id", d.DecisionID, "err", err)
	}
	m.stats.record(d)
	m.metrics.recordDecision(d.Mode, d.Success, d.Duration)
	m.metrics.StoredDecisions.Set(float64(m.decisions.Len()))

	if d.Success {
		m.Logger.Info("decision made", "id", d.DecisionID, "mode", d.Mode, "winner", d.Winner, "duration", d.Duration)
	} else {
		m.Logger.Info("decision failed", "id", d.DecisionID, "mode", d.Mode, "reason", d.Reason, "duration", d.Duration)
	}
	m.eventSwitch.FireEvent(EventDecision, d.Copy())
}

//-------------------------------------------------------------------------
// simple / weighted

func (m *Manager) agentWeight(agent types.AgentInfo, topic string) float64 {
	w := agent.EffectiveWeight()
	if agent.HasCapability(strings.ToLower(topic)) {
		w *= capabilityBoost
	}
	return w
}

// decideByVote 让每个 agent 投出选票，得票最多（weighted 模式按权重）的提案再交给
// voting 引擎表决：选它的 agent 赞成，选其他提案的反对，弃权的弃权。
func (m *Manager) decideByVote(ctx context.Context, d *types.SwarmDecision) (interface{}, string, error) {
	agents := m.Agents()
	algorithm := voting.SimpleMajority
	if d.Mode == types.ModeWeighted {
		algorithm = voting.Weighted
	}

	choices := make(map[string]int, len(agents))
	scores := make([]float64, len(d.Proposals))
	for _, agent := range agents {
		idx := m.ballot(agent, d.Topic, d.Proposals)
		if idx < 0 || idx >= len(d.Proposals) {
			choices[agent.AgentID] = -1
			d.Votes[agent.AgentID] = string(voting.ChoiceAbstain)
			continue
		}
		choices[agent.AgentID] = idx
		d.Votes[agent.AgentID] = d.Proposals[idx]
		if algorithm == voting.Weighted {
			scores[idx] += m.agentWeight(agent, d.Topic)
		} else {
			scores[idx]++
		}
	}

	// 票数相同时取下标小的提案
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}

	deadline, _ := ctx.Deadline()
	vd, err := m.voting.CreateDecision(d.Topic, d.Proposals[best], agentIDs(agents), algorithm,
		m.config.Voting.Quorum, time.Until(deadline))
	if err != nil {
		return nil, "", err
	}

	for _, agent := range agents {
		choice := voting.ChoiceReject
		switch choices[agent.AgentID] {
		case -1:
			choice = voting.ChoiceAbstain
		case best:
			choice = voting.ChoiceApprove
		}
		if algorithm == voting.Weighted {
			err = m.voting.CastWeightedVote(vd.ID, agent.AgentID, choice, m.agentWeight(agent, d.Topic))
		} else {
			err = m.voting.CastVote(vd.ID, agent.AgentID, choice)
		}
		if err != nil {
			return nil, "", err
		}
	}

	result, err := m.voting.Wait(ctx, vd.ID)
	if err != nil {
		return nil, "", err
	}
	switch result.Status {
	case voting.StatusAccepted:
		return d.Proposals[best], "", nil
	case voting.StatusTimeout:
		return nil, reasonTimeout, nil
	default:
		return nil, string(result.Status) + ": " + result.Reason, nil
	}
}

func agentIDs(agents []types.AgentInfo) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.AgentID
	}
	return ids
}

//-------------------------------------------------------------------------
// paxos / multi-paxos

func (m *Manager) decidePaxos(ctx context.Context, d *types.SwarmDecision) (interface{}, error) {
	instanceID := "decision-" + d.DecisionID
	d.Votes["instance_id"] = instanceID
	return m.paxos.Propose(ctx, instanceID, d.Proposals[0])
}

func (m *Manager) decideMultiPaxos(ctx context.Context, d *types.SwarmDecision) (interface{}, string, error) {
	if !m.multi.IsLeader() {
		return nil, reasonNotLeader, nil
	}
	idx, err := m.multi.Propose(ctx, d.Proposals[0])
	if errors.Is(err, types.ErrNotLeader) {
		return nil, reasonNotLeader, nil
	}
	if err != nil {
		return nil, "", err
	}
	// Propose 只在该位置确定的就是 proposals[0] 时返回
	d.Votes["index"] = idx
	d.Votes["instance_id"] = paxos.InstanceIDForIndex(idx)
	return d.Proposals[0], "", nil
}

//-------------------------------------------------------------------------
// raft

// decideRaft 等待 leader 选出；本节点是 leader 时把决策写入日志并等待提交
func (m *Manager) decideRaft(ctx context.Context, d *types.SwarmDecision) (interface{}, string, error) {
	leader, err := m.raft.WaitForLeader(ctx)
	if err != nil {
		return nil, "", err
	}
	if leader != m.id {
		return nil, reasonNotLeader + ": leader is " + leader, nil
	}

	entry := map[string]interface{}{
		"decision_id": d.DecisionID,
		"topic":       d.Topic,
		"value":       d.Proposals[0],
	}
	idx, err := m.raft.Propose(ctx, entry)
	if errors.Is(err, types.ErrNotLeader) {
		return nil, reasonNotLeader + ": leader is " + m.raft.Leader(), nil
	}
	if err != nil {
		return nil, "", err
	}
	d.Votes["index"] = idx
	d.Votes["term"] = m.raft.Term()
	d.Votes["leader"] = leader
	return d.Proposals[0], "", nil
}

//-------------------------------------------------------------------------
// pbft

func (m *Manager) decidePBFT(ctx context.Context, d *types.SwarmDecision) (interface{}, string, error) {
	result, err := m.bft.Request(ctx, decisionOperation(d.Topic, d.Proposals[0]))
	if err != nil {
		if errors.Is(err, types.ErrQuorumTimeout) && m.config.BFT.ViewChangeOnTimeout {
			m.Logger.Info("pbft request timed out, vote for view change", "view", m.bft.View())
			m.bft.RequestViewChange()
		}
		return nil, "", err
	}
	d.Votes["result"] = result
	d.Votes["view"] = m.bft.View()
	if msg, failed := executionError(result); failed {
		return nil, "execution failed: " + msg, nil
	}
	return d.Proposals[0], "", nil
}
