package types

import (
	"github.com/pkg/errors"
)

// MsgType 是线上消息的 "type" 字段
type MsgType string

// Protocol 是线上消息的 "protocol" 字段，用来区分 paxos 和 bft 中同名的 prepare/commit
type Protocol string

const (
	ProtocolPaxos = Protocol("paxos")
	ProtocolBFT   = Protocol("bft")
	ProtocolRaft  = Protocol("raft")
)

// paxos
const (
	MsgPrepare  = MsgType("prepare")
	MsgPromise  = MsgType("promise")
	MsgAccept   = MsgType("accept")
	MsgAccepted = MsgType("accepted")
	MsgCommit   = MsgType("commit")
)

// bft, prepare 和 commit 与 paxos 共用
const (
	MsgRequest    = MsgType("request")
	MsgPrePrepare = MsgType("pre_prepare")
	MsgViewChange = MsgType("view_change")
	MsgNewView    = MsgType("new_view")
)

// raft
const (
	MsgRequestVote    = MsgType("request_vote")
	MsgVoteResponse   = MsgType("vote_response")
	MsgAppendEntries  = MsgType("append_entries")
	MsgAppendResponse = MsgType("append_response")
)

// Message is a protocol message that can be sent through a Transport.
type Message interface {
	MsgType() MsgType
	MsgProtocol() Protocol
	Sender() string
	ValidateBasic() error
}

// Route 根据 type 和 protocol 字段决定消息由哪个共识引擎处理。
// protocol 为空时 prepare/commit 默认交给 paxos；未知的组合一律拒绝。
func Route(t MsgType, p Protocol) (Protocol, error) {
	var route Protocol
	switch t {
	case MsgPrepare, MsgCommit:
		if p == ProtocolBFT {
			return ProtocolBFT, nil
		}
		route = ProtocolPaxos
	case MsgPromise, MsgAccept, MsgAccepted:
		route = ProtocolPaxos
	case MsgRequest, MsgPrePrepare, MsgViewChange, MsgNewView:
		route = ProtocolBFT
	case MsgRequestVote, MsgVoteResponse, MsgAppendEntries, MsgAppendResponse:
		route = ProtocolRaft
	default:
		return "", errors.Wrapf(ErrUnknownMessageType, "type %q", t)
	}

	if p != "" && p != route {
		return "", errors.Wrapf(ErrUnknownMessageType, "type %q does not belong to protocol %q", t, p)
	}
	return route, nil
}

func isPaxosType(t MsgType) bool {
	switch t {
	case MsgPrepare, MsgPromise, MsgAccept, MsgAccepted, MsgCommit:
		return true
	}
	return false
}

func isBFTType(t MsgType) bool {
	switch t {
	case MsgRequest, MsgPrePrepare, MsgPrepare, MsgCommit, MsgViewChange, MsgNewView:
		return true
	}
	return false
}

func isRaftType(t MsgType) bool {
	switch t {
	case MsgRequestVote, MsgVoteResponse, MsgAppendEntries, MsgAppendResponse:
		return true
	}
	return false
}
