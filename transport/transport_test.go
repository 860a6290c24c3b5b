package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// inbox 记录收到的消息
type inbox struct {
	mtx  sync.Mutex
	msgs []types.Message
}

func (in *inbox) ReceiveMessage(bz []byte) error {
	msg, err := types.DecodeMessage(bz)
	if err != nil {
		return err
	}
	in.mtx.Lock()
	in.msgs = append(in.msgs, msg)
	in.mtx.Unlock()
	return nil
}

func (in *inbox) len() int {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	return len(in.msgs)
}

func (in *inbox) senders() []string {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	res := make([]string, 0, len(in.msgs))
	for _, m := range in.msgs {
		res = append(res, m.Sender())
	}
	return res
}

func prepareFrom(sender string) types.Message {
	return types.NewPaxosMessage(types.MsgPrepare, types.NewProposalNumber(1, sender), "inst-1", sender, nil)
}

func TestMemoryBroadcast(t *testing.T) {
	net := NewNetwork()
	boxes := map[string]*inbox{"a": {}, "b": {}, "c": {}}
	trans := make(map[string]*MemoryTransport)
	for id, box := range boxes {
		trans[id] = net.Join(id, box)
		trans[id].SetLogger(log.TestingLogger())
	}
	require.NoError(t, net.StartAll())
	defer net.StopAll()

	require.NoError(t, trans["a"].Send(Broadcast, prepareFrom("a")))
	require.Eventually(t, func() bool {
		return boxes["b"].len() == 1 && boxes["c"].len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, boxes["a"].len())

	// 发给自己的消息也走队列
	require.NoError(t, trans["a"].Send("a", prepareFrom("a")))
	require.Eventually(t, func() bool { return boxes["a"].len() == 1 }, time.Second, 5*time.Millisecond)

	err := trans["a"].Send("z", prepareFrom("a"))
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestMemoryFilterAndDuplicate(t *testing.T) {
	net := NewNetwork()
	a, b := &inbox{}, &inbox{}
	ta := net.Join("a", a)
	net.Join("b", b)
	require.NoError(t, net.StartAll())
	defer net.StopAll()

	net.SetFilter(func(from, to string, msg types.Message) bool { return to != "b" })
	require.NoError(t, ta.Send("b", prepareFrom("a")))

	net.SetFilter(nil)
	net.SetDuplicate(true)
	require.NoError(t, ta.Send("b", prepareFrom("a")))

	require.Eventually(t, func() bool { return b.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, b.len())
}

func TestZmqLoopback(t *testing.T) {
	a, b := &inbox{}, &inbox{}
	ta := NewZmqTransport("a", "tcp://127.0.0.1:26701", map[string]string{"b": "tcp://127.0.0.1:26702"}, a)
	tb := NewZmqTransport("b", "tcp://127.0.0.1:26702", map[string]string{"a": "tcp://127.0.0.1:26701"}, b)
	ta.SetLogger(log.TestingLogger())
	tb.SetLogger(log.TestingLogger())

	assert.True(t, errors.Is(ta.Send("b", prepareFrom("a")), ErrTransportDown))

	require.NoError(t, ta.Start())
	defer ta.Stop() // nolint: errcheck
	require.NoError(t, tb.Start())
	defer tb.Stop() // nolint: errcheck

	require.NoError(t, ta.Send(Broadcast, prepareFrom("a")))
	require.NoError(t, tb.Send("a", prepareFrom("b")))
	require.NoError(t, tb.Send("b", prepareFrom("b")))

	require.Eventually(t, func() bool {
		return a.len() == 1 && b.len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b"}, a.senders())
	assert.ElementsMatch(t, []string{"a", "b"}, b.senders())

	assert.True(t, errors.Is(ta.Send("z", prepareFrom("a")), ErrUnknownPeer))
	ta.RemovePeer("b")
	assert.Empty(t, ta.Peers())
}
