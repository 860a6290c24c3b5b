package voting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

var voters = []string{"a", "b", "c", "d", "e"}

func newTestEngine() *Engine {
	e := NewEngine()
	e.SetLogger(log.TestingLogger())
	return e
}

func castAll(t *testing.T, e *Engine, id string, choices map[string]Choice) {
	for voter, c := range choices {
		require.NoError(t, e.CastVote(id, voter, c))
	}
}

func TestAlgorithms(t *testing.T) {
	cases := []struct {
		name      string
		algorithm Algorithm
		choices   map[string]Choice
		status    Status
	}{
		{"majority accepted", SimpleMajority,
			map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceApprove, "d": ChoiceReject, "e": ChoiceReject}, StatusAccepted},
		{"majority tie rejected", SimpleMajority,
			map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceReject, "d": ChoiceReject, "e": ChoiceAbstain}, StatusRejected},
		{"all abstain", SimpleMajority,
			map[string]Choice{"a": ChoiceAbstain, "b": ChoiceAbstain, "c": ChoiceAbstain, "d": ChoiceAbstain, "e": ChoiceAbstain}, StatusRejected},
		// 3/5 = 0.6 < 0.66
		{"supermajority not reached", Supermajority,
			map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceApprove, "d": ChoiceReject, "e": ChoiceReject}, StatusRejected},
		// abstain 不计入分母：3/4 = 0.75
		{"supermajority ignores abstain", Supermajority,
			map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceApprove, "d": ChoiceReject, "e": ChoiceAbstain}, StatusAccepted},
		{"unanimous accepted", Unanimous,
			map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceApprove, "d": ChoiceApprove, "e": ChoiceAbstain}, StatusAccepted},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine()
			d, err := e.CreateDecision("topic", "p", voters, tc.algorithm, 0, time.Minute)
			require.NoError(t, err)
			castAll(t, e, d.ID, tc.choices)

			got, ok := e.GetDecision(d.ID)
			require.True(t, ok)
			assert.Equal(t, tc.status, got.Status, got.Reason)
		})
	}
}

// unanimous 下第一张 reject 就结束表决
func TestUnanimousFastReject(t *testing.T) {
	e := newTestEngine()
	d, err := e.CreateDecision("topic", "p", voters, Unanimous, 0.2, time.Minute)
	require.NoError(t, err)

	require.NoError(t, e.CastVote(d.ID, "a", ChoiceApprove))
	require.NoError(t, e.CastVote(d.ID, "b", ChoiceReject))

	got, _ := e.GetDecision(d.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.True(t, errors.Is(e.CastVote(d.ID, "c", ChoiceApprove), ErrDecisionFinalized))
}

// 参与率先于算法检查
func TestQuorumCheckedFirst(t *testing.T) {
	e := newTestEngine()
	d, err := e.CreateDecision("topic", "p", voters, Unanimous, 0.8, time.Minute)
	require.NoError(t, err)

	// 1/5 的参与率，即便是 reject 也只是 quorum 不足
	require.NoError(t, e.CastVote(d.ID, "a", ChoiceReject))
	got, _ := e.GetDecision(d.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "quorum not met", got.Reason)
	assert.False(t, got.Tally.QuorumMet)
}

func TestWeightedVoting(t *testing.T) {
	e := newTestEngine()
	e.SetVoterWeight("a", 5)

	d, err := e.CreateDecision("topic", "p", []string{"a", "b", "c"}, Weighted, 0, time.Minute)
	require.NoError(t, err)
	castAll(t, e, d.ID, map[string]Choice{"a": ChoiceApprove, "b": ChoiceReject, "c": ChoiceReject})

	got, _ := e.GetDecision(d.ID)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, 5.0, got.Tally.Approve)
	assert.Equal(t, 2.0, got.Tally.Reject)

	// 单次投票指定的权重优先
	d, err = e.CreateDecision("topic", "p", []string{"a", "b", "c"}, Weighted, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.CastVote(d.ID, "a", ChoiceApprove))
	require.NoError(t, e.CastWeightedVote(d.ID, "b", ChoiceReject, 4))
	require.NoError(t, e.CastWeightedVote(d.ID, "c", ChoiceReject, 2))
	got, _ = e.GetDecision(d.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, 6.0, got.Tally.Reject)

	// 同样的票在 simple_majority 下每票计 1
	d, err = e.CreateDecision("topic", "p", []string{"a", "b", "c"}, SimpleMajority, 0, time.Minute)
	require.NoError(t, err)
	castAll(t, e, d.ID, map[string]Choice{"a": ChoiceApprove, "b": ChoiceReject, "c": ChoiceReject})
	got, _ = e.GetDecision(d.ID)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestCastVoteErrors(t *testing.T) {
	e := newTestEngine()
	d, err := e.CreateDecision("topic", "p", voters, SimpleMajority, 0, time.Minute)
	require.NoError(t, err)

	assert.True(t, errors.Is(e.CastVote("missing", "a", ChoiceApprove), ErrDecisionNotFound))
	assert.True(t, errors.Is(e.CastVote(d.ID, "z", ChoiceApprove), ErrNotEligible))
	assert.True(t, errors.Is(e.CastVote(d.ID, "a", Choice("maybe")), ErrInvalidChoice))
	require.NoError(t, e.CastVote(d.ID, "a", ChoiceApprove))
	assert.True(t, errors.Is(e.CastVote(d.ID, "a", ChoiceReject), ErrAlreadyVoted))

	_, err = e.CreateDecision("", "p", voters, SimpleMajority, 0, time.Minute)
	assert.True(t, errors.Is(err, ErrInvalidDecision))
	_, err = e.CreateDecision("t", "p", voters, Algorithm("raft"), 0, time.Minute)
	assert.True(t, errors.Is(err, ErrInvalidAlgorithm))
	_, err = e.CreateDecision("t", "p", nil, SimpleMajority, 0, time.Minute)
	assert.True(t, errors.Is(err, ErrInvalidDecision))
	_, err = e.CreateDecision("t", "p", voters, SimpleMajority, 1.5, time.Minute)
	assert.True(t, errors.Is(err, ErrInvalidDecision))
}

func TestCancelAndWait(t *testing.T) {
	e := newTestEngine()
	d, err := e.CreateDecision("topic", "p", voters, SimpleMajority, 0, time.Minute)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		got *Decision
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = e.Wait(context.Background(), d.ID)
	}()

	require.NoError(t, e.CancelDecision(d.ID))
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, errors.Is(e.CancelDecision(d.ID), ErrDecisionFinalized))

	d, err = e.CreateDecision("topic", "p", voters, SimpleMajority, 0, time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Wait(ctx, d.ID)
	assert.True(t, errors.Is(err, types.ErrQuorumTimeout))
}

// 后台 sweep 结束到期的表决：quorum 不足为 timeout，足够则按票数计算
func TestExpirySweep(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	e := NewEngine(SetSweepInterval(10 * time.Millisecond))
	e.SetLogger(log.TestingLogger())

	var (
		mtx       sync.Mutex
		finalized = make(map[string]Status)
	)
	require.NoError(t, e.OnFinalized("test", func(d *Decision) {
		mtx.Lock()
		finalized[d.ID] = d.Status
		mtx.Unlock()
	}))
	require.NoError(t, e.Start())
	defer e.Stop() // nolint: errcheck

	lonely, err := e.CreateDecision("lonely", "p", voters, SimpleMajority, 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.CastVote(lonely.ID, "a", ChoiceApprove))

	enough, err := e.CreateDecision("enough", "p", voters, SimpleMajority, 0, 50*time.Millisecond)
	require.NoError(t, err)
	castAll(t, e, enough.ID, map[string]Choice{"a": ChoiceApprove, "b": ChoiceApprove, "c": ChoiceReject})

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(finalized) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mtx.Lock()
	assert.Equal(t, StatusTimeout, finalized[lonely.ID])
	assert.Equal(t, StatusAccepted, finalized[enough.ID])
	mtx.Unlock()
	assert.Empty(t, e.ActiveDecisions())

	assert.Equal(t, 2, e.Prune(time.Now().Add(time.Second)))
	_, ok := e.GetDecision(lonely.ID)
	assert.False(t, ok)
}
