package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log/term"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

func raftLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "idx" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	}).With("module", "raft")
}

func nodeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node%d", i)
	}
	return ids
}

type cluster struct {
	net   *transport.Network
	nodes []*Node

	quit chan struct{}
	wg   sync.WaitGroup

	mtx     sync.Mutex
	leaders map[int64]map[string]bool // term -> leaders seen by any node
	terms   map[string][]int64        // node -> terms of observed leaders
}

func newCluster(t *testing.T, n int) *cluster {
	ids := nodeIDs(n)
	c := &cluster{
		net:     transport.NewNetwork(),
		quit:    make(chan struct{}),
		leaders: make(map[int64]map[string]bool),
		terms:   make(map[string][]int64),
	}
	logger := raftLogger()

	for i, id := range ids {
		var node *Node
		mt := c.net.Join(id, transport.ReceiverFunc(func(bz []byte) error {
			msg, err := types.DecodeMessage(bz)
			if err != nil {
				return err
			}
			node.Receive(msg.(*types.RaftMessage))
			return nil
		}))
		mt.SetLogger(logger.With("idx", i))

		node = NewNode(id, ids, mt,
			SetElectionTimeout(100*time.Millisecond),
			SetHeartbeatInterval(20*time.Millisecond))
		node.SetLogger(logger.With("idx", i))

		id := id
		require.NoError(t, node.OnLeaderElected("test", func(ev LeaderEvent) {
			c.mtx.Lock()
			defer c.mtx.Unlock()
			if c.leaders[ev.Term] == nil {
				c.leaders[ev.Term] = make(map[string]bool)
			}
			c.leaders[ev.Term][ev.LeaderID] = true
			c.terms[id] = append(c.terms[id], ev.Term)
		}))
		c.nodes = append(c.nodes, node)
	}
	require.NoError(t, c.net.StartAll())

	for _, node := range c.nodes {
		c.wg.Add(1)
		go func(node *Node) {
			defer c.wg.Done()
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-c.quit:
					return
				case <-ticker.C:
					node.Tick()
				}
			}
		}(node)
	}
	return c
}

func (c *cluster) stop() {
	close(c.quit)
	c.wg.Wait()
	c.net.StopAll()
}

func (c *cluster) waitLeader(t *testing.T) *Node {
	var leader *Node
	require.Eventually(t, func() bool {
		leader = nil
		count := 0
		for _, node := range c.nodes {
			if node.IsLeader() {
				leader = node
				count++
			}
		}
		if count != 1 {
			return false
		}
		for _, node := range c.nodes {
			if node.Leader() != leader.ID() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

// 5 个节点、无丢包时选出唯一的 leader，每个 term 最多一个 leader，term 严格递增
func TestElectionLiveness(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 5)
	defer c.stop()

	leader := c.waitLeader(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, node := range c.nodes {
		id, err := node.WaitForLeader(ctx)
		require.NoError(t, err)
		assert.Equal(t, leader.ID(), id)
	}

	// 让 leader 退出，剩下的节点选出新的 leader
	c.net.SetFilter(func(from, to string, msg types.Message) bool {
		return from != leader.ID() && to != leader.ID()
	})
	oldTerm := leader.Term()
	require.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if node != leader && node.IsLeader() && node.Term() > oldTerm {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for tm, leaders := range c.leaders {
		assert.Len(t, leaders, 1, "term %d", tm)
	}
	for id, terms := range c.terms {
		for i := 1; i < len(terms); i++ {
			assert.Greater(t, terms[i], terms[i-1], "node %s", id)
		}
	}
}

func TestLogReplication(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := newCluster(t, 3)
	defer c.stop()

	leader := c.waitLeader(t)
	var applied []types.RaftLogEntry
	var mtx sync.Mutex
	follower := c.nodes[0]
	if follower == leader {
		follower = c.nodes[1]
	}
	require.NoError(t, follower.OnApplied("test", func(e types.RaftLogEntry) {
		mtx.Lock()
		applied = append(applied, e)
		mtx.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		index, err := leader.Propose(ctx, map[string]interface{}{"n": i})
		require.NoError(t, err)
		assert.EqualValues(t, i, index)
	}

	_, err := follower.Propose(ctx, "nope")
	assert.True(t, errors.Is(err, types.ErrNotLeader))

	for _, node := range c.nodes {
		node := node
		require.Eventually(t, func() bool {
			return node.CommitIndex() == 3
		}, 3*time.Second, 10*time.Millisecond)
		assert.Equal(t, leader.GetLog(), node.GetLog())
	}

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(applied) == 3
	}, 3*time.Second, 10*time.Millisecond)
	mtx.Lock()
	for i, e := range applied {
		assert.EqualValues(t, i+1, e.Index)
		assert.Equal(t, map[string]interface{}{"n": float64(i + 1)}, e.Data)
	}
	mtx.Unlock()
}

// recorder 记录节点发出的消息，不做投递
type recorder struct {
	mtx  sync.Mutex
	sent []*types.RaftMessage
}

func (r *recorder) Send(target string, msg types.Message) error {
	r.mtx.Lock()
	r.sent = append(r.sent, msg.(*types.RaftMessage))
	r.mtx.Unlock()
	return nil
}

func (r *recorder) reset() []*types.RaftMessage {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	sent := r.sent
	r.sent = nil
	return sent
}

func voteRequest(tm int64, sender string, lastIndex, lastTerm int64) *types.RaftMessage {
	msg := types.NewRaftMessage(types.MsgRequestVote, tm, sender)
	msg.LastLogIndex = lastIndex
	msg.LastLogTerm = lastTerm
	return msg
}

func granted(t *testing.T, rec *recorder, node *Node, req *types.RaftMessage) bool {
	node.Receive(req)
	sent := rec.reset()
	require.Len(t, sent, 1)
	require.Equal(t, types.MsgVoteResponse, sent[0].Type)
	return sent[0].VoteGranted
}

func TestVoteRules(t *testing.T) {
	rec := &recorder{}
	node := NewNode("a", []string{"a", "b", "c"}, rec)
	node.SetLogger(log.TestingLogger())

	assert.True(t, granted(t, rec, node, voteRequest(1, "b", 0, 0)))
	// 同一个 term 已经投给了 b
	assert.False(t, granted(t, rec, node, voteRequest(1, "c", 0, 0)))
	// 重传的请求仍然同意
	assert.True(t, granted(t, rec, node, voteRequest(1, "b", 0, 0)))

	// b 成为 leader 并复制了两项
	app := types.NewRaftMessage(types.MsgAppendEntries, 3, "b")
	app.Entries = []types.RaftLogEntry{{Term: 2, Index: 1, Data: "x"}, {Term: 3, Index: 2, Data: "y"}}
	node.Receive(app)
	resp := rec.reset()
	require.Len(t, resp, 1)
	assert.True(t, resp[0].Success)
	assert.EqualValues(t, 2, resp[0].MatchIndex)
	assert.Equal(t, "b", node.Leader())

	// 更大的 term 但日志落后
	assert.False(t, granted(t, rec, node, voteRequest(4, "c", 5, 2)))
	assert.EqualValues(t, 4, node.Term())
	// 过期的 term
	assert.False(t, granted(t, rec, node, voteRequest(3, "c", 2, 3)))
	// 日志一样新
	assert.True(t, granted(t, rec, node, voteRequest(5, "c", 2, 3)))
}

func TestStepDownOnHigherTerm(t *testing.T) {
	rec := &recorder{}
	node := NewNode("a", []string{"a", "b", "c"}, rec)
	node.SetLogger(log.TestingLogger())

	node.StartElection()
	assert.Equal(t, cstypes.RoleCandidate, node.Role())
	assert.EqualValues(t, 1, node.Term())
	sent := rec.reset()
	require.Len(t, sent, 1)
	assert.Equal(t, types.MsgRequestVote, sent[0].Type)

	// 拒绝票不计数
	node.Receive(types.NewRaftMessage(types.MsgVoteResponse, 1, "c"))
	assert.Equal(t, cstypes.RoleCandidate, node.Role())

	resp := types.NewRaftMessage(types.MsgVoteResponse, 1, "b")
	resp.VoteGranted = true
	node.Receive(resp)
	assert.Equal(t, cstypes.RoleLeader, node.Role())
	assert.Equal(t, "a", node.Leader())
	// 成为 leader 后立即发送心跳
	assert.Len(t, rec.reset(), 2)

	node.Receive(types.NewRaftMessage(types.MsgAppendEntries, 5, "c"))
	assert.Equal(t, cstypes.RoleFollower, node.Role())
	assert.EqualValues(t, 5, node.Term())
	assert.Equal(t, "c", node.Leader())
}

// 与 leader 冲突的日志被截断，commitIndex 不超过最后一个新日志项
func TestLogTruncation(t *testing.T) {
	rec := &recorder{}
	node := NewNode("a", []string{"a", "b", "c"}, rec)
	node.SetLogger(log.TestingLogger())

	app := types.NewRaftMessage(types.MsgAppendEntries, 1, "b")
	app.Entries = []types.RaftLogEntry{{Term: 1, Index: 1, Data: 1}, {Term: 1, Index: 2, Data: 2}, {Term: 1, Index: 3, Data: 3}}
	node.Receive(app)
	rec.reset()

	// prev 不匹配
	app = types.NewRaftMessage(types.MsgAppendEntries, 2, "c")
	app.PrevLogIndex, app.PrevLogTerm = 3, 2
	node.Receive(app)
	resp := rec.reset()
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Success)
	assert.EqualValues(t, 2, resp[0].MatchIndex)

	app = types.NewRaftMessage(types.MsgAppendEntries, 2, "c")
	app.PrevLogIndex, app.PrevLogTerm = 1, 1
	app.Entries = []types.RaftLogEntry{{Term: 2, Index: 2, Data: "new"}}
	app.LeaderCommit = 10
	node.Receive(app)
	resp = rec.reset()
	require.Len(t, resp, 1)
	assert.True(t, resp[0].Success)

	entries := node.GetLog()
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[1].Data)
	assert.EqualValues(t, 2, node.CommitIndex())
}
