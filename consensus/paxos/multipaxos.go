package paxos

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const logInstancePrefix = "log-"

// LogEntry 是 multi-paxos 日志中已经确定的一项
type LogEntry struct {
	Index      int64       `json:"index"`
	InstanceID string      `json:"instance_id"`
	Value      interface{} `json:"value"`
}

// MultiPaxos 在一个 paxos Node 之上维护有序日志，第 i 项对应实例 "log-i"。
// 只有 leader 能提案；其余节点通过 commit 消息学习日志。
type MultiPaxos struct {
	mtx    sync.RWMutex
	logger log.Logger

	node     *Node
	leaderID string

	firstGap int64          // 最小的未确定位置
	inFlight map[int64]bool // 本节点正在提案的位置
	entries  map[int64]LogEntry
}

// NewMultiPaxos 包装 node，并订阅其 commit 事件
func NewMultiPaxos(node *Node, leaderID string) *MultiPaxos {
	mp := &MultiPaxos{
		logger:   log.NewNopLogger(),
		node:     node,
		leaderID: leaderID,
		inFlight: make(map[int64]bool),
		entries:  make(map[int64]LogEntry),
	}
	if err := node.OnCommit("multipaxos", mp.onCommit); err != nil {
		panic(fmt.Sprintf("failed to subscribe to paxos commits: %v", err))
	}
	return mp
}

func (mp *MultiPaxos) SetLogger(logger log.Logger) {
	mp.logger = logger
}

func (mp *MultiPaxos) SetLeader(id string) {
	mp.mtx.Lock()
	if mp.leaderID != id {
		mp.logger.Info("multi-paxos leader changed", "old", mp.leaderID, "new", id)
	}
	mp.leaderID = id
	mp.mtx.Unlock()
}

func (mp *MultiPaxos) Leader() string {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return mp.leaderID
}

func (mp *MultiPaxos) IsLeader() bool {
	return mp.Leader() == mp.node.ID()
}

// Propose 把 value 追加到日志，返回它所在的位置。
// 如果某个位置已经被之前的 leader 占用，继续尝试下一个位置；
// 提案失败的位置会被释放，下一次 Propose 重新使用它，日志中不会留下空洞。
func (mp *MultiPaxos) Propose(ctx context.Context, value interface{}) (int64, error) {
	if !mp.IsLeader() {
		return -1, types.ErrNotLeader
	}
	value, err := types.Canonicalize(value)
	if err != nil {
		return -1, err
	}

	for {
		idx := mp.reserveIndex()
		decided, err := mp.node.Propose(ctx, InstanceIDForIndex(idx), value)
		mp.releaseIndex(idx)
		if err != nil {
			return -1, err
		}
		if types.ValueEqual(decided, value) {
			return idx, nil
		}
		mp.logger.Info("log slot taken by another value, retry next slot", "index", idx)
	}
}

// reserveIndex 返回最小的既没有确定、也没有在提案中的位置
func (mp *MultiPaxos) reserveIndex() int64 {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	for {
		if _, ok := mp.entries[mp.firstGap]; !ok {
			break
		}
		mp.firstGap++
	}
	idx := mp.firstGap
	for {
		_, decided := mp.entries[idx]
		if !decided && !mp.inFlight[idx] {
			break
		}
		idx++
	}
	mp.inFlight[idx] = true
	return idx
}

func (mp *MultiPaxos) releaseIndex(idx int64) {
	mp.mtx.Lock()
	delete(mp.inFlight, idx)
	mp.mtx.Unlock()
}

func (mp *MultiPaxos) onCommit(ev CommitEvent) {
	idx, ok := IndexFromInstanceID(ev.InstanceID)
	if !ok {
		return
	}

	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	if _, exist := mp.entries[idx]; exist {
		return
	}
	mp.entries[idx] = LogEntry{Index: idx, InstanceID: ev.InstanceID, Value: ev.Value}
	mp.logger.Debug("log entry decided", "index", idx, "value", ev.Value)
}

// GetLog 返回从 0 开始连续确定的日志前缀
func (mp *MultiPaxos) GetLog() []LogEntry {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	prefix := make([]LogEntry, 0, len(mp.entries))
	for i := int64(0); ; i++ {
		e, ok := mp.entries[i]
		if !ok {
			break
		}
		prefix = append(prefix, e)
	}
	return prefix
}

func (mp *MultiPaxos) GetLogEntry(index int64) (LogEntry, bool) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	e, ok := mp.entries[index]
	return e, ok
}

func InstanceIDForIndex(idx int64) string {
	return logInstancePrefix + strconv.FormatInt(idx, 10)
}

func IndexFromInstanceID(id string) (int64, bool) {
	if !strings.HasPrefix(id, logInstancePrefix) {
		return 0, false
	}
	idx, err := strconv.ParseInt(strings.TrimPrefix(id, logInstancePrefix), 10, 64)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
