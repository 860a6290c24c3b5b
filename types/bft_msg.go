package types

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// BFTRequest 客户端提交给 bft 的操作
type BFTRequest struct {
	ClientID  string      `json:"client_id"`
	Timestamp int64       `json:"timestamp"`
	Operation interface{} `json:"operation"`
}

// NewBFTRequest 会先把 operation 规整成 JSON 形式，保证所有副本执行的是同一份数据
func NewBFTRequest(clientID string, timestamp int64, operation interface{}) (*BFTRequest, error) {
	op, err := Canonicalize(operation)
	if err != nil {
		return nil, err
	}
	return &BFTRequest{ClientID: clientID, Timestamp: timestamp, Operation: op}, nil
}

// Digest = tmhash(canonical json)
func (r *BFTRequest) Digest() (tmbytes.HexBytes, error) {
	bz, err := cdc.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return tmhash.Sum(bz), nil
}

// BFTMessage - pbft 各阶段共用的消息体
type BFTMessage struct {
	Type     MsgType          `json:"type"`
	Protocol Protocol         `json:"protocol"`
	View     int64            `json:"view"`
	Sequence int64            `json:"sequence"`
	Digest   tmbytes.HexBytes `json:"digest"`
	SenderID string           `json:"sender_id"`
	Request  *BFTRequest      `json:"request,omitempty"`
}

func NewBFTMessage(t MsgType, view, seq int64, digest tmbytes.HexBytes, sender string, req *BFTRequest) *BFTMessage {
	return &BFTMessage{
		Type:     t,
		Protocol: ProtocolBFT,
		View:     view,
		Sequence: seq,
		Digest:   digest,
		SenderID: sender,
		Request:  req,
	}
}

func (m *BFTMessage) MsgType() MsgType      { return m.Type }
func (m *BFTMessage) MsgProtocol() Protocol { return ProtocolBFT }
func (m *BFTMessage) Sender() string        { return m.SenderID }

func (m *BFTMessage) ValidateBasic() error {
	if !isBFTType(m.Type) {
		return errors.Wrapf(ErrUnknownMessageType, "bft message type %q", m.Type)
	}
	if m.SenderID == "" {
		return errors.Wrap(ErrInvalidMessage, "empty sender")
	}
	if m.View < 0 || m.Sequence < 0 {
		return errors.Wrapf(ErrInvalidMessage, "negative view/sequence %d/%d", m.View, m.Sequence)
	}

	switch m.Type {
	case MsgRequest, MsgPrePrepare:
		if m.Request == nil {
			return errors.Wrapf(ErrInvalidMessage, "%s without request", m.Type)
		}
		if m.Type == MsgPrePrepare && m.Sequence == 0 {
			return errors.Wrap(ErrInvalidMessage, "pre_prepare without sequence")
		}
		if len(m.Digest) > 0 {
			digest, err := m.Request.Digest()
			if err != nil {
				return err
			}
			if !bytes.Equal(digest, m.Digest) {
				return errors.Wrap(ErrInvalidMessage, "digest does not match request")
			}
		}
	case MsgPrepare, MsgCommit:
		if len(m.Digest) != tmhash.Size {
			return errors.Wrapf(ErrInvalidMessage, "bad digest size %d", len(m.Digest))
		}
		if m.Sequence == 0 {
			return errors.Wrapf(ErrInvalidMessage, "%s without sequence", m.Type)
		}
	}
	return nil
}
