package bft

import (
	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// NOTE: view 切换时不携带 prepared 证书。新的 primary 只根据自己日志中未执行的条目
// 在原来的序号上重新发出 pre_prepare，空洞用 no-op 填充，然后再提案池中剩余的请求。

// StartViewChange 直接进入下一个 view 并广播 new_view，返回新的 view
func (n *Node) StartViewChange() int64 {
	n.mtx.Lock()
	view := n.view + 1
	n.logger.Info("start view change", "view", view)
	n.broadcastLocked(types.NewBFTMessage(types.MsgNewView, view, 0, nil, n.id, nil))
	n.installViewLocked(view)
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
	return view
}

// RequestViewChange 为下一个 view 投票，通常在请求超时后调用。
// 2f+1 个节点投票后，新 view 的 primary 安装 view 并广播 new_view。
func (n *Node) RequestViewChange() {
	n.mtx.Lock()
	n.voteViewChangeLocked(n.view + 1)
	out, evs := n.drain()
	n.mtx.Unlock()

	n.flush(out, evs)
}

func (n *Node) voteViewChangeLocked(view int64) {
	if view <= n.votedView {
		return
	}
	n.votedView = view
	n.logger.Debug("vote view change", "view", view)
	msg := types.NewBFTMessage(types.MsgViewChange, view, 0, nil, n.id, nil)
	n.broadcastLocked(msg)
	n.handleMsg(msg)
}

func (n *Node) handleViewChange(msg *types.BFTMessage) {
	if msg.View <= n.view {
		return
	}
	vs, ok := n.viewChanges[msg.View]
	if !ok {
		vs = cstypes.NewVoteSet()
		n.viewChanges[msg.View] = vs
	}
	if err := vs.AddVote(msg.SenderID, nil); err != nil {
		return
	}

	f := n.faulty()
	// f+1 个节点要求切换，说明至少有一个正确节点认为 primary 出了问题，跟随投票
	if vs.HasQuorum(f + 1) {
		n.voteViewChangeLocked(msg.View)
	}
	if vs.HasQuorum(types.CommitQuorum(f)) && n.primaryOf(msg.View) == n.id && n.view < msg.View {
		n.broadcastLocked(types.NewBFTMessage(types.MsgNewView, msg.View, 0, nil, n.id, nil))
		n.installViewLocked(msg.View)
	}
}

func (n *Node) handleNewView(msg *types.BFTMessage) {
	if msg.View <= n.view {
		n.logger.Debug("drop stale new_view", "view", msg.View, "current", n.view)
		return
	}
	n.installViewLocked(msg.View)
}

// installViewLocked 切换到 view，新的 primary 重新提案，其余节点把本地请求重新发给新的 primary
func (n *Node) installViewLocked(view int64) {
	n.view = view
	if view > n.votedView {
		n.votedView = view
	}
	for v := range n.viewChanges {
		if v <= view {
			delete(n.viewChanges, v)
		}
	}
	n.assigned = make(map[string]int64)
	n.metric.ViewChanges++
	primary := n.primaryOf(view)
	n.logger.Info("install view", "view", view, "primary", primary)

	if primary == n.id {
		n.reproposeLocked()
		return
	}
	for _, pr := range n.pool.List() {
		if !pr.local {
			continue
		}
		n.sendLocked(primary, types.NewBFTMessage(types.MsgRequest, view, 0, pr.digest, n.id, pr.request))
	}
}

func (n *Node) reproposeLocked() {
	for seq := range n.entries {
		if seq > n.lastSeq {
			n.lastSeq = seq
		}
	}
	// 只保留真正带有 pre_prepare 的最大序号，空的条目只是提前收到的投票
	for n.lastSeq > n.lastExecuted {
		if e, ok := n.entries[n.lastSeq]; ok && e.prePrepare != nil {
			break
		}
		n.lastSeq--
	}

	for seq := n.lastExecuted + 1; seq <= n.lastSeq; seq++ {
		e, ok := n.entries[seq]
		if ok && e.executed {
			continue
		}
		if ok && e.prePrepare != nil {
			n.prePrepareLocked(seq, e.digest, e.prePrepare.Request)
			continue
		}
		noop := &types.BFTRequest{ClientID: noopClientID, Timestamp: seq}
		digest, err := noop.Digest()
		if err != nil {
			continue
		}
		n.prePrepareLocked(seq, digest, noop)
	}
	n.proposePendingLocked()
}
