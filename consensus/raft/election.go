package raft

import (
	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// Receive 处理来自其他节点的 raft 消息
func (n *Node) Receive(msg *types.RaftMessage) {
	if err := msg.ValidateBasic(); err != nil {
		n.logger.Error("receive invalid raft message", "err", err)
		return
	}

	n.mtx.Lock()
	n.handleMsg(msg)
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

// handleMsg 调用方必须持有 mtx
func (n *Node) handleMsg(msg *types.RaftMessage) {
	if !n.peers.Has(msg.SenderID) {
		n.logger.Debug("drop raft message from unknown peer", "sender", msg.SenderID, "type", msg.Type)
		return
	}
	// 任何更大的 term 都让本节点退回 follower
	if msg.Term > n.term {
		n.stepDownLocked(msg.Term)
	}

	switch msg.Type {
	case types.MsgRequestVote:
		n.handleRequestVote(msg)
	case types.MsgVoteResponse:
		n.handleVoteResponse(msg)
	case types.MsgAppendEntries:
		n.handleAppendEntries(msg)
	case types.MsgAppendResponse:
		n.handleAppendResponse(msg)
	default:
		n.logger.Error("unhandled raft message", "type", msg.Type)
	}
}

func (n *Node) startElectionLocked() {
	n.term++
	n.role = cstypes.RoleCandidate
	n.votedFor = n.id
	n.setLeaderLocked("")
	n.votes = cstypes.NewVoteSet()
	n.votes.AddVote(n.id, true) // nolint: errcheck
	n.metric.Elections++
	n.resetElectionDeadline()

	n.logger.Info("start election", "term", n.term)
	if types.IsStrictMajority(n.votes.Size(), n.peers.Size()) {
		n.becomeLeaderLocked()
		return
	}

	msg := types.NewRaftMessage(types.MsgRequestVote, n.term, n.id)
	msg.LastLogIndex = n.lastIndex()
	msg.LastLogTerm = n.termAt(msg.LastLogIndex)
	n.broadcastLocked(msg)
}

func (n *Node) stepDownLocked(term int64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.setLeaderLocked("")
	}
	if n.role != cstypes.RoleFollower {
		n.logger.Info("step down", "term", n.term, "role", n.role)
	}
	n.role = cstypes.RoleFollower
	n.resetElectionDeadline()
}

func (n *Node) becomeLeaderLocked() {
	n.role = cstypes.RoleLeader
	n.setLeaderLocked(n.id)
	n.metric.LeaderTerms++

	last := n.lastIndex()
	n.nextIndex = make(map[string]int64)
	n.matchIndex = make(map[string]int64)
	for _, id := range n.peers.IDs() {
		n.nextIndex[id] = last + 1
		n.matchIndex[id] = 0
	}
	n.matchIndex[n.id] = last

	n.logger.Info("became leader", "term", n.term, "votes", n.votes.Size())
	n.broadcastAppendLocked()
	n.advanceCommitLocked()
}

// setLeaderLocked 更新已知的 leader，并维护 WaitForLeader 使用的 channel
func (n *Node) setLeaderLocked(leader string) {
	if leader == n.leaderID {
		return
	}
	prev := n.leaderID
	n.leaderID = leader
	if leader == "" {
		n.leaderCh = make(chan struct{})
		return
	}
	if prev == "" {
		close(n.leaderCh)
	}
	n.fireLocked(EventLeaderElected, LeaderEvent{Term: n.term, LeaderID: leader})
}

func (n *Node) handleRequestVote(msg *types.RaftMessage) {
	resp := types.NewRaftMessage(types.MsgVoteResponse, n.term, n.id)

	switch {
	case msg.Term < n.term:
		n.logger.Debug("reject stale vote request", "candidate", msg.SenderID, "term", msg.Term, "current", n.term)
	case n.votedFor != "" && n.votedFor != msg.SenderID:
		n.logger.Debug("already voted", "candidate", msg.SenderID, "term", n.term, "voted", n.votedFor)
	case !n.logUpToDate(msg.LastLogTerm, msg.LastLogIndex):
		n.logger.Debug("candidate log is behind", "candidate", msg.SenderID, "last_term", msg.LastLogTerm, "last_index", msg.LastLogIndex)
	default:
		n.votedFor = msg.SenderID
		n.resetElectionDeadline()
		resp.VoteGranted = true
	}
	n.sendLocked(msg.SenderID, resp)
}

// logUpToDate - 先比较最后一项的 term，相同时比较长度
func (n *Node) logUpToDate(lastTerm, lastIndex int64) bool {
	myIndex := n.lastIndex()
	myTerm := n.termAt(myIndex)
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= myIndex
}

func (n *Node) handleVoteResponse(msg *types.RaftMessage) {
	if n.role != cstypes.RoleCandidate || msg.Term != n.term || !msg.VoteGranted {
		return
	}
	if err := n.votes.AddVote(msg.SenderID, true); err != nil {
		return
	}
	if types.IsStrictMajority(n.votes.Size(), n.peers.Size()) {
		n.becomeLeaderLocked()
	}
}
