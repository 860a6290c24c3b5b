package bft

import (
	"fmt"
	"strconv"
	"strings"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	cstypes "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/consensus/types"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// logEntry 是某个序号上的共识状态，只属于创建它的 Node
type logEntry struct {
	sequence int64
	view     int64
	digest   tmbytes.HexBytes
	phase    cstypes.EntryPhase

	prePrepare *types.BFTMessage

	// key 为 "sender@view"，value 为 digest 字符串。
	// pre_prepare 到达之前收到的 prepare/commit 也先记录下来
	prepareVotes *cstypes.VoteSet
	commitVotes  *cstypes.VoteSet

	executed bool
	result   interface{}
}

func newLogEntry(seq int64) *logEntry {
	return &logEntry{
		sequence:     seq,
		phase:        cstypes.EntryPhaseIdle,
		prepareVotes: cstypes.NewVoteSet(),
		commitVotes:  cstypes.NewVoteSet(),
	}
}

func voteKey(sender string, view int64) string {
	return fmt.Sprintf("%s@%d", sender, view)
}

func parseVoteKey(key string) (string, int64) {
	idx := strings.LastIndex(key, "@")
	if idx < 0 {
		return key, -1
	}
	view, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return key, -1
	}
	return key[:idx], view
}

// countMatching 统计在 entry 当前 view 下与 entry 摘要一致的投票数，exclude 中的发送者不计
func (e *logEntry) countMatching(vs *cstypes.VoteSet, exclude string) int {
	if len(e.digest) == 0 {
		return 0
	}
	want := e.digest.String()
	count := 0
	for _, key := range vs.Senders() {
		sender, view := parseVoteKey(key)
		if view != e.view || sender == exclude {
			continue
		}
		if d, _ := vs.Get(key); d == want {
			count++
		}
	}
	return count
}

// EntryState 是 logEntry 对外暴露的只读快照
type EntryState struct {
	Sequence int64
	View     int64
	Digest   tmbytes.HexBytes
	Phase    cstypes.EntryPhase
	Request  *types.BFTRequest
	Prepares int
	Commits  int
	Executed bool
	Result   interface{}
}

func (e *logEntry) state(primary string) EntryState {
	st := EntryState{
		Sequence: e.sequence,
		View:     e.view,
		Digest:   e.digest,
		Phase:    e.phase,
		Prepares: e.countMatching(e.prepareVotes, primary),
		Commits:  e.countMatching(e.commitVotes, ""),
		Executed: e.executed,
		Result:   e.result,
	}
	if e.prePrepare != nil {
		st.Request = e.prePrepare.Request
	}
	return st
}
