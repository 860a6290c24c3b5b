package transport

import (
	"github.com/pkg/errors"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// Broadcast 作为 Send 的 target 时表示发给除自己以外的所有节点
const Broadcast = ""

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrTransportDown = errors.New("transport is not running")
)

// Transport 负责把共识消息送到其他节点，分帧、重传、过期由具体实现负责。
// Send 不能阻塞等待对方处理消息：引擎会在处理消息的过程中调用 Send。
type Transport interface {
	Send(target string, msg types.Message) error
}

// Receiver 接收从网络上收到的原始消息
type Receiver interface {
	ReceiveMessage(bz []byte) error
}

// ReceiverFunc 把普通函数适配成 Receiver
type ReceiverFunc func(bz []byte) error

func (f ReceiverFunc) ReceiveMessage(bz []byte) error {
	return f(bz)
}

// NopTransport 丢弃所有消息，单节点运行时使用
type NopTransport struct{}

func (NopTransport) Send(string, types.Message) error { return nil }
