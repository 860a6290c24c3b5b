package types

import (
	"time"

	"github.com/pkg/errors"
)

// PaxosMessage - paxos 各阶段共用的消息体，Type 区分 prepare/promise/accept/accepted/commit
type PaxosMessage struct {
	Type           MsgType        `json:"type"`
	Protocol       Protocol       `json:"protocol"`
	ProposalNumber ProposalNumber `json:"proposal_number"`
	InstanceID     string         `json:"instance_id"`
	SenderID       string         `json:"sender_id"`
	Value          interface{}    `json:"value,omitempty"`
	// AcceptedNumber 只在 promise 中出现，是 acceptor 已经接受过的最大提案号
	AcceptedNumber *ProposalNumber `json:"accepted_number,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewPaxosMessage(t MsgType, pn ProposalNumber, instanceID, sender string, value interface{}) *PaxosMessage {
	return &PaxosMessage{
		Type:           t,
		Protocol:       ProtocolPaxos,
		ProposalNumber: pn,
		InstanceID:     instanceID,
		SenderID:       sender,
		Value:          value,
		Timestamp:      time.Now(),
	}
}

func (m *PaxosMessage) MsgType() MsgType      { return m.Type }
func (m *PaxosMessage) MsgProtocol() Protocol { return ProtocolPaxos }
func (m *PaxosMessage) Sender() string        { return m.SenderID }

func (m *PaxosMessage) ValidateBasic() error {
	if !isPaxosType(m.Type) {
		return errors.Wrapf(ErrUnknownMessageType, "paxos message type %q", m.Type)
	}
	if m.SenderID == "" {
		return errors.Wrap(ErrInvalidMessage, "empty sender")
	}
	if m.InstanceID == "" {
		return errors.Wrap(ErrInvalidMessage, "empty instance id")
	}
	if m.ProposalNumber.Round <= 0 || m.ProposalNumber.ProposerID == "" {
		return errors.Wrapf(ErrInvalidMessage, "invalid proposal number %v", m.ProposalNumber)
	}
	if m.AcceptedNumber != nil && m.Type != MsgPromise {
		return errors.Wrap(ErrInvalidMessage, "accepted number outside of promise")
	}
	return nil
}
