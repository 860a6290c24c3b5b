package types

import (
	"github.com/pkg/errors"
)

// RaftLogEntry 是 raft 日志中的一项，Index 从 1 开始
type RaftLogEntry struct {
	Term  int64       `json:"term"`
	Index int64       `json:"index"`
	Data  interface{} `json:"data"`
}

// RaftMessage - raft 各类消息共用的消息体，不同 Type 只使用其中的部分字段
type RaftMessage struct {
	Type     MsgType  `json:"type"`
	Protocol Protocol `json:"protocol"`
	Term     int64    `json:"term"`
	SenderID string   `json:"sender_id"`

	// request_vote
	LastLogIndex int64 `json:"last_log_index"`
	LastLogTerm  int64 `json:"last_log_term"`

	// vote_response
	VoteGranted bool `json:"vote_granted"`

	// append_entries
	PrevLogIndex int64          `json:"prev_log_index"`
	PrevLogTerm  int64          `json:"prev_log_term"`
	Entries      []RaftLogEntry `json:"entries,omitempty"`
	LeaderCommit int64          `json:"leader_commit"`

	// append_response
	Success    bool  `json:"success"`
	MatchIndex int64 `json:"match_index"`
}

func NewRaftMessage(t MsgType, term int64, sender string) *RaftMessage {
	return &RaftMessage{
		Type:     t,
		Protocol: ProtocolRaft,
		Term:     term,
		SenderID: sender,
	}
}

func (m *RaftMessage) MsgType() MsgType      { return m.Type }
func (m *RaftMessage) MsgProtocol() Protocol { return ProtocolRaft }
func (m *RaftMessage) Sender() string        { return m.SenderID }

func (m *RaftMessage) ValidateBasic() error {
	if !isRaftType(m.Type) {
		return errors.Wrapf(ErrUnknownMessageType, "raft message type %q", m.Type)
	}
	if m.SenderID == "" {
		return errors.Wrap(ErrInvalidMessage, "empty sender")
	}
	if m.Term < 0 || m.LastLogIndex < 0 || m.PrevLogIndex < 0 || m.LeaderCommit < 0 || m.MatchIndex < 0 {
		return errors.Wrap(ErrInvalidMessage, "negative term or index")
	}
	for i, e := range m.Entries {
		if e.Index != m.PrevLogIndex+int64(i)+1 {
			return errors.Wrapf(ErrInvalidMessage, "entry #%d has index %d, want %d", i, e.Index, m.PrevLogIndex+int64(i)+1)
		}
	}
	return nil
}
