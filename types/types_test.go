package types

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 提案号先比较 round，再比较 proposer id
func TestProposalNumberOrdering(t *testing.T) {
	nums := []ProposalNumber{
		NewProposalNumber(2, "a"),
		NewProposalNumber(1, "c"),
		NewProposalNumber(1, "a"),
		NewProposalNumber(3, "a"),
		NewProposalNumber(2, "b"),
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i].Less(nums[j]) })

	assert.Equal(t, []ProposalNumber{
		{1, "a"}, {1, "c"}, {2, "a"}, {2, "b"}, {3, "a"},
	}, nums)

	assert.True(t, NewProposalNumber(1, "b").GTE(NewProposalNumber(1, "b")))
	assert.True(t, NewProposalNumber(1, "b").GTE(NewProposalNumber(1, "a")))
	assert.False(t, NewProposalNumber(1, "b").GTE(NewProposalNumber(2, "a")))
	assert.True(t, ProposalNumber{}.IsZero())
}

func TestQuorumArithmetic(t *testing.T) {
	assert.Equal(t, 2, MajorityQuorum(3))
	assert.Equal(t, 3, MajorityQuorum(4))
	assert.Equal(t, 3, MajorityQuorum(5))

	assert.Equal(t, 1, MaxFaulty(4))
	assert.Equal(t, 2, MaxFaulty(7))
	assert.Equal(t, 0, MaxFaulty(3))
	assert.Equal(t, 2, PrepareQuorum(1))
	assert.Equal(t, 3, CommitQuorum(1))

	assert.True(t, IsStrictMajority(3, 5))
	assert.False(t, IsStrictMajority(2, 4))
}

func TestPeerSetProposer(t *testing.T) {
	ps := NewPeerSet("n3", "n1", "n2", "n1", "n0")
	assert.Equal(t, []string{"n0", "n1", "n2", "n3"}, ps.IDs())

	assert.Equal(t, "n0", ps.GetProposer(0))
	assert.Equal(t, "n1", ps.GetProposer(5))
	assert.Equal(t, []string{"n0", "n2", "n3"}, ps.Others("n1"))

	h := ps.Hash()
	assert.True(t, ps.Remove("n2"))
	assert.False(t, ps.Remove("n2"))
	assert.NotEqual(t, h, ps.Hash())
	assert.False(t, ps.Has("n2"))
	assert.Equal(t, 3, ps.Size())
}

// prepare/commit 默认属于 paxos，带上 protocol=bft 时交给 bft
func TestRouteAmbiguousTypes(t *testing.T) {
	cases := []struct {
		t    MsgType
		p    Protocol
		want Protocol
	}{
		{MsgPrepare, "", ProtocolPaxos},
		{MsgPrepare, ProtocolPaxos, ProtocolPaxos},
		{MsgPrepare, ProtocolBFT, ProtocolBFT},
		{MsgCommit, ProtocolBFT, ProtocolBFT},
		{MsgAccept, "", ProtocolPaxos},
		{MsgPrePrepare, "", ProtocolBFT},
		{MsgAppendEntries, "", ProtocolRaft},
	}
	for _, c := range cases {
		got, err := Route(c.t, c.p)
		require.NoError(t, err, "%s/%s", c.t, c.p)
		assert.Equal(t, c.want, got, "%s/%s", c.t, c.p)
	}

	_, err := Route("gossip", "")
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
	_, err = Route(MsgAccept, ProtocolRaft)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestCodecRoundTrip(t *testing.T) {
	paxos := NewPaxosMessage(MsgPromise, NewProposalNumber(3, "a"), "inst", "b", "x")
	accepted := NewProposalNumber(2, "c")
	paxos.AcceptedNumber = &accepted

	bz, err := EncodeMessage(paxos)
	require.NoError(t, err)
	msg, err := DecodeMessage(bz)
	require.NoError(t, err)
	got, ok := msg.(*PaxosMessage)
	require.True(t, ok)
	assert.Equal(t, "x", got.Value)
	assert.Equal(t, accepted, *got.AcceptedNumber)

	req, err := NewBFTRequest("client", 1, map[string]interface{}{"op": "set", "k": 1, "v": 2})
	require.NoError(t, err)
	digest, err := req.Digest()
	require.NoError(t, err)
	bft := NewBFTMessage(MsgCommit, 0, 1, digest, "n1", nil)
	bz, err = EncodeMessage(bft)
	require.NoError(t, err)
	msg, err = DecodeMessage(bz)
	require.NoError(t, err)
	gotBFT, ok := msg.(*BFTMessage)
	require.True(t, ok, "commit with protocol=bft must decode as a bft message")
	assert.Equal(t, digest, gotBFT.Digest)

	_, err = DecodeMessage([]byte(`{"type":"gossip","sender_id":"x"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
	_, err = DecodeMessage([]byte(`{"type":"accept","sender_id":""}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

// 同样内容的请求在不同节点得到相同的摘要
func TestRequestDigestIsStable(t *testing.T) {
	r1, err := NewBFTRequest("c", 7, map[string]interface{}{"v": 2, "k": 1, "op": "set"})
	require.NoError(t, err)
	r2, err := NewBFTRequest("c", 7, map[string]interface{}{"op": "set", "k": 1.0, "v": 2.0})
	require.NoError(t, err)

	d1, err := r1.Digest()
	require.NoError(t, err)
	d2, err := r2.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// 篡改内容后 ValidateBasic 能发现摘要不一致
	msg := NewBFTMessage(MsgPrePrepare, 0, 1, d1, "n0", r1)
	require.NoError(t, msg.ValidateBasic())
	msg.Request = &BFTRequest{ClientID: "c", Timestamp: 7, Operation: "other"}
	assert.True(t, errors.Is(msg.ValidateBasic(), ErrInvalidMessage))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("pbft")
	require.NoError(t, err)
	assert.Equal(t, ModePBFT, m)

	_, err = ParseMode("quantum")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}
