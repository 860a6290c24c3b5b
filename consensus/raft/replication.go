package raft

import (
	"context"
	"time"

	"github.com/pkg/errors"

	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// Propose 由 leader 把 data 追加到日志，等待它被多数派复制并提交后返回其序号。
// 非 leader 返回 types.ErrNotLeader；ctx 结束前没有提交返回 types.ErrQuorumTimeout。
func (n *Node) Propose(ctx context.Context, data interface{}) (int64, error) {
	data, err := types.Canonicalize(data)
	if err != nil {
		return 0, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.proposeTimeout)
		defer cancel()
	}

	n.mtx.Lock()
	if n.role != cstypes.RoleLeader {
		leader := n.leaderID
		n.mtx.Unlock()
		return 0, errors.Wrapf(types.ErrNotLeader, "leader is %q", leader)
	}
	entry := types.RaftLogEntry{Term: n.term, Index: n.lastIndex() + 1, Data: data}
	n.log = append(n.log, entry)
	n.matchIndex[n.id] = entry.Index
	n.metric.Proposals++
	done := make(chan struct{})
	n.applied[entry.Index] = done
	n.logger.Debug("propose entry", "term", entry.Term, "index", entry.Index)

	n.broadcastAppendLocked()
	n.advanceCommitLocked()
	out, evs := n.drain()
	n.mtx.Unlock()
	n.flush(out, evs)

	select {
	case <-done:
	case <-ctx.Done():
		n.mtx.Lock()
		delete(n.applied, entry.Index)
		n.metric.Timeouts++
		n.mtx.Unlock()
		return 0, errors.Wrapf(types.ErrQuorumTimeout, "entry %d", entry.Index)
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.termAt(entry.Index) != entry.Term {
		return 0, errors.Wrapf(ErrEntryLost, "entry %d", entry.Index)
	}
	return entry.Index, nil
}

func (n *Node) lastIndex() int64 {
	return int64(len(n.log))
}

// termAt 返回 index 处日志项的 term，index 为 0 或越界时返回 0
func (n *Node) termAt(index int64) int64 {
	if index <= 0 || index > n.lastIndex() {
		return 0
	}
	return n.log[index-1].Term
}

// broadcastAppendLocked 向每个 follower 发送从其 nextIndex 开始的日志，没有新日志时就是心跳
func (n *Node) broadcastAppendLocked() {
	n.lastHeartbeat = time.Now()
	for _, id := range n.peers.Others(n.id) {
		n.sendAppendLocked(id)
	}
}

func (n *Node) sendAppendLocked(peer string) {
	next, ok := n.nextIndex[peer]
	if !ok || next < 1 {
		next = n.lastIndex() + 1
		n.nextIndex[peer] = next
	}
	prev := next - 1

	msg := types.NewRaftMessage(types.MsgAppendEntries, n.term, n.id)
	msg.PrevLogIndex = prev
	msg.PrevLogTerm = n.termAt(prev)
	msg.LeaderCommit = n.commitIndex
	end := n.lastIndex()
	if end-prev > maxEntriesPerAppend {
		end = prev + maxEntriesPerAppend
	}
	if end > prev {
		msg.Entries = append([]types.RaftLogEntry(nil), n.log[prev:end]...)
	}
	n.sendLocked(peer, msg)
}

func (n *Node) handleAppendEntries(msg *types.RaftMessage) {
	resp := types.NewRaftMessage(types.MsgAppendResponse, n.term, n.id)
	if msg.Term < n.term {
		n.logger.Debug("reject stale append_entries", "leader", msg.SenderID, "term", msg.Term, "current", n.term)
		n.sendLocked(msg.SenderID, resp)
		return
	}

	// 同一个 term 中收到 leader 的消息，candidate 也要退回 follower
	n.stepDownLocked(msg.Term)
	n.setLeaderLocked(msg.SenderID)
	n.metric.Heartbeats++

	if msg.PrevLogIndex > n.lastIndex() || n.termAt(msg.PrevLogIndex) != msg.PrevLogTerm {
		// 日志不一致，告诉 leader 可以从哪里开始重试
		hint := n.lastIndex()
		if msg.PrevLogIndex-1 < hint {
			hint = msg.PrevLogIndex - 1
		}
		if hint < 0 {
			hint = 0
		}
		resp.MatchIndex = hint
		n.sendLocked(msg.SenderID, resp)
		return
	}

	for _, e := range msg.Entries {
		if e.Index <= n.lastIndex() {
			if n.termAt(e.Index) == e.Term {
				continue
			}
			// 冲突，删除这一项及其之后的所有日志
			n.logger.Info("truncate conflicting log", "from", e.Index, "term", e.Term)
			n.log = n.log[:e.Index-1]
		}
		n.log = append(n.log, e)
	}

	lastNew := msg.PrevLogIndex + int64(len(msg.Entries))
	if msg.LeaderCommit > n.commitIndex {
		commit := msg.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.applyLocked()
		}
	}

	resp.Success = true
	resp.MatchIndex = lastNew
	n.sendLocked(msg.SenderID, resp)
}

func (n *Node) handleAppendResponse(msg *types.RaftMessage) {
	if n.role != cstypes.RoleLeader || msg.Term != n.term {
		return
	}
	peer := msg.SenderID

	if msg.Success {
		if msg.MatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = msg.MatchIndex
		}
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.advanceCommitLocked()
		if n.nextIndex[peer] <= n.lastIndex() {
			n.sendAppendLocked(peer)
		}
		return
	}

	next := n.nextIndex[peer] - 1
	if msg.MatchIndex+1 < next {
		next = msg.MatchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[peer] = next
	n.sendAppendLocked(peer)
}

// advanceCommitLocked 把 commitIndex 推进到被多数派复制、且属于当前 term 的最大序号
func (n *Node) advanceCommitLocked() {
	size := n.peers.Size()
	for index := n.lastIndex(); index > n.commitIndex; index-- {
		if n.termAt(index) != n.term {
			// 之前 term 的日志只能随着当前 term 的日志一起提交
			break
		}
		replicated := 0
		for _, id := range n.peers.IDs() {
			if n.matchIndex[id] >= index {
				replicated++
			}
		}
		if types.IsStrictMajority(replicated, size) {
			n.commitIndex = index
			n.applyLocked()
			return
		}
	}
}

// applyLocked 按顺序应用已提交的日志项
func (n *Node) applyLocked() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry := n.log[n.lastApplied-1]
		n.metric.Applied++
		if done, ok := n.applied[entry.Index]; ok {
			close(done)
			delete(n.applied, entry.Index)
		}
		n.fireLocked(EventApplied, entry)
	}
}
