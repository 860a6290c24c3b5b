package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

func newDecision(id string, createdAt time.Time) *types.SwarmDecision {
	d := types.NewSwarmDecision(id, "topic-"+id, []interface{}{"a", "b"}, types.ModeSimple)
	d.CreatedAt = createdAt
	d.Finalize("a", true, "")
	return d
}

func TestDecisionStorePutGet(t *testing.T) {
	s := NewDecisionStore(time.Minute, nil, log.TestingLogger())

	d := newDecision("d1", time.Now())
	require.NoError(t, s.Put(d))

	// 保存的是拷贝
	d.Votes["x"] = 1
	got, ok := s.Get("d1")
	require.True(t, ok)
	assert.Empty(t, got.Votes)
	assert.Equal(t, "a", got.Winner)

	_, ok = s.Get("missing")
	assert.False(t, ok)
	assert.Error(t, s.Put(&types.SwarmDecision{}))
}

// 超过 ttl 的决策被删除
func TestDecisionStorePrune(t *testing.T) {
	s := NewDecisionStore(time.Hour, nil, nil)
	now := time.Now()

	require.NoError(t, s.Put(newDecision("old", now.Add(-2*time.Hour))))
	require.NoError(t, s.Put(newDecision("fresh", now.Add(-time.Minute))))
	require.NoError(t, s.Put(newDecision("new", now)))

	assert.Equal(t, 1, s.Prune(now))
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("old")
	assert.False(t, ok)

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "fresh", all[0].DecisionID)
	assert.Equal(t, "new", all[1].DecisionID)
}

func TestDecisionStoreArchive(t *testing.T) {
	db := tmdb.NewMemDB()
	s := NewDecisionStore(time.Hour, db, log.TestingLogger())
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(newDecision(fmt.Sprintf("d%d", i), now.Add(time.Duration(i-10)*time.Hour))))
	}
	// 内存中全部过期，归档仍然可以查到
	assert.Equal(t, 5, s.Prune(now))
	got, ok := s.Get("d3")
	require.True(t, ok)
	assert.Equal(t, "topic-d3", got.Topic)

	history, err := s.History(3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "d4", history[0].DecisionID)
	assert.Equal(t, "d3", history[1].DecisionID)
	assert.Equal(t, "d2", history[2].DecisionID)

	// 重新打开同一个 db
	s2 := NewDecisionStore(time.Hour, db, nil)
	history, err = s2.History(0)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}
