package types

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// cdc 与标准库 encoding/json 行为一致，map 的 key 有序，保证摘要稳定
var cdc = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeMessage 将消息编码成线上格式
func EncodeMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.Wrap(ErrInvalidMessage, "nil message")
	}
	bz, err := cdc.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s message", msg.MsgType())
	}
	return bz, nil
}

// DecodeMessage 根据 "type"/"protocol" 字段还原出具体的消息类型，并做基本校验
func DecodeMessage(bz []byte) (Message, error) {
	if len(bz) == 0 {
		return nil, errors.Wrap(ErrInvalidMessage, "empty payload")
	}

	t := MsgType(cdc.Get(bz, "type").ToString())
	p := Protocol(cdc.Get(bz, "protocol").ToString())
	route, err := Route(t, p)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch route {
	case ProtocolPaxos:
		m := &PaxosMessage{}
		if err := cdc.Unmarshal(bz, m); err != nil {
			return nil, errors.Wrap(err, "decode paxos message")
		}
		m.Protocol = ProtocolPaxos
		msg = m
	case ProtocolBFT:
		m := &BFTMessage{}
		if err := cdc.Unmarshal(bz, m); err != nil {
			return nil, errors.Wrap(err, "decode bft message")
		}
		m.Protocol = ProtocolBFT
		msg = m
	case ProtocolRaft:
		m := &RaftMessage{}
		if err := cdc.Unmarshal(bz, m); err != nil {
			return nil, errors.Wrap(err, "decode raft message")
		}
		m.Protocol = ProtocolRaft
		msg = m
	}

	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Canonicalize 把任意值转换成 JSON 解码后的形式（map[string]interface{}、float64 ...），
// 这样本地提交的值和从网络收到的值可以直接比较
func Canonicalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	bz, err := cdc.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize value")
	}
	var out interface{}
	if err := cdc.Unmarshal(bz, &out); err != nil {
		return nil, errors.Wrap(err, "canonicalize value")
	}
	return out, nil
}

// MustCanonicalize 只用于常量或测试数据
func MustCanonicalize(v interface{}) interface{} {
	out, err := Canonicalize(v)
	if err != nil {
		panic(err)
	}
	return out
}

// ValueEqual 比较两个已经规整过的值
func ValueEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ba, err := cdc.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := cdc.Marshal(b)
	if err != nil {
		return false
	}
	return string(ba) == string(bb)
}
