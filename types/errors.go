package types

import "github.com/pkg/errors"

var (
	// ErrQuorumTimeout 在超时前没有收集到足够的回复
	ErrQuorumTimeout = errors.New("quorum not reached before timeout")
	// ErrNotLeader 只有 leader 才能发起该操作
	ErrNotLeader = errors.New("node is not the leader")
	// ErrUnknownMessageType 消息的 type 不在任何协议的类型集合里
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownPeer        = errors.New("unknown peer")
)
