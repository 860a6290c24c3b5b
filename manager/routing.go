package manager

import (
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// ReceiveMessage implements transport.Receiver.
// 消息在这里解码和校验，未知的 type/protocol 组合返回 types.ErrUnknownMessageType；
// 合法的消息放进队列，由 receiveRoutine 交给对应的引擎。manager 没有启动时直接处理。
func (m *Manager) ReceiveMessage(raw []byte) error {
	msg, err := types.DecodeMessage(raw)
	if err != nil {
		m.stats.rejected()
		m.metrics.MessagesRejected.Inc()
		m.Logger.Debug("drop inbound message", "err", err)
		return err
	}
	m.touchAgent(msg.Sender())

	if !m.IsRunning() {
		m.handleMsg(msg)
		return nil
	}
	select {
	case m.peerMsgQueue <- msg:
	case <-m.Quit():
	}
	return nil
}

// handleMsg 按消息的具体类型分发给唯一的引擎
func (m *Manager) handleMsg(msg types.Message) {
	switch msg := msg.(type) {
	case *types.PaxosMessage:
		m.paxos.Receive(msg)
	case *types.BFTMessage:
		m.bft.Receive(msg)
		m.metrics.BFTView.Set(float64(m.bft.View()))
	case *types.RaftMessage:
		m.raft.Receive(msg)
	default:
		m.Logger.Error("unexpected message type", "type", msg.MsgType())
		return
	}
	m.stats.routed(msg.MsgProtocol())
	m.metrics.MessagesRouted.WithLabelValues(string(msg.MsgProtocol())).Inc()
}
