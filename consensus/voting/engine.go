package voting

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/libs/service"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/libs/metric"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	// EventFinalized 在表决结束时触发，EventData 为 *Decision 的拷贝
	EventFinalized = "VotingFinalized"

	DefaultQuorum        = 0.5
	defaultSweepInterval = time.Second
)

var (
	ErrDecisionNotFound  = errors.New("decision not found")
	ErrDecisionFinalized = errors.New("decision already finalized")
	ErrNotEligible       = errors.New("voter not eligible")
	ErrAlreadyVoted      = errors.New("voter already voted")
	ErrInvalidChoice     = errors.New("invalid vote choice")
	ErrInvalidAlgorithm  = errors.New("invalid voting algorithm")
	ErrInvalidDecision   = errors.New("invalid decision parameters")
)

type decisionState struct {
	decision *Decision
	done     chan struct{}
}

// Engine 管理所有进行中的表决。到期的表决由后台的 sweepRoutine 结束。
type Engine struct {
	service.BaseService

	mtx       sync.Mutex
	decisions map[string]*decisionState
	weights   map[string]float64

	sweepInterval time.Duration
	eventSwitch   events.EventSwitch
	metric        *votingMetric

	now func() time.Time
}

type EngineOption func(*Engine)

func NewEngine(options ...EngineOption) *Engine {
	e := &Engine{
		decisions:     make(map[string]*decisionState),
		weights:       make(map[string]float64),
		sweepInterval: defaultSweepInterval,
		eventSwitch:   events.NewEventSwitch(),
		metric:        &votingMetric{},
		now:           time.Now,
	}
	e.BaseService = *service.NewBaseService(nil, "VotingEngine", e)

	for _, opt := range options {
		opt(e)
	}
	return e
}

// SetSweepInterval 设置检查过期表决的间隔
func SetSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

func (e *Engine) SetLogger(logger log.Logger) {
	e.Logger = logger
}

func (e *Engine) OnStart() error {
	go e.sweepRoutine()
	return nil
}

func (e *Engine) OnStop() {}

func (e *Engine) sweepRoutine() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.Quit():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// OnFinalized 注册表决结束时的回调
func (e *Engine) OnFinalized(listenerID string, cb func(*Decision)) error {
	return e.eventSwitch.AddListenerForEvent(listenerID, EventFinalized, func(data events.EventData) {
		cb(data.(*Decision))
	})
}

// SetVoterWeight 设置投票者在 weighted 算法中的权重，之后投出的票生效
func (e *Engine) SetVoterWeight(voter string, weight float64) {
	e.mtx.Lock()
	e.weights[voter] = weight
	e.mtx.Unlock()
}

func (e *Engine) RemoveVoter(voter string) {
	e.mtx.Lock()
	delete(e.weights, voter)
	e.mtx.Unlock()
}

func (e *Engine) voterWeight(voter string) float64 {
	if w, ok := e.weights[voter]; ok {
		return w
	}
	return types.DefaultAgentWeight
}

// CreateDecision 创建一次表决，quorum 为 0 时使用 DefaultQuorum
func (e *Engine) CreateDecision(topic string, proposal interface{}, voters []string,
	algorithm Algorithm, quorum float64, timeout time.Duration) (*Decision, error) {

	if topic == "" {
		return nil, errors.Wrap(ErrInvalidDecision, "empty topic")
	}
	if !algorithm.valid() {
		return nil, errors.Wrapf(ErrInvalidAlgorithm, "%q", algorithm)
	}
	if quorum == 0 {
		quorum = DefaultQuorum
	}
	if quorum < 0 || quorum > 1 {
		return nil, errors.Wrapf(ErrInvalidDecision, "quorum %v out of (0, 1]", quorum)
	}
	if timeout <= 0 {
		return nil, errors.Wrapf(ErrInvalidDecision, "timeout %v", timeout)
	}

	// 去重并保持顺序
	seen := make(map[string]bool, len(voters))
	eligible := make([]string, 0, len(voters))
	for _, v := range voters {
		if v != "" && !seen[v] {
			seen[v] = true
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.Wrap(ErrInvalidDecision, "no eligible voters")
	}

	now := e.now()
	d := &Decision{
		ID:        "vote-" + tmrand.Str(12),
		Topic:     topic,
		Proposal:  proposal,
		Voters:    eligible,
		Algorithm: algorithm,
		Quorum:    quorum,
		Votes:     make(map[string]Vote),
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	e.mtx.Lock()
	e.decisions[d.ID] = &decisionState{decision: d, done: make(chan struct{})}
	e.metric.Created++
	cp := d.Copy()
	e.mtx.Unlock()

	e.Logger.Debug("create decision", "id", d.ID, "topic", topic, "algorithm", algorithm, "voters", len(eligible))
	return cp, nil
}

// CastVote 记录 voter 的选票，满足结束条件时立即结束表决
func (e *Engine) CastVote(id, voter string, choice Choice) error {
	return e.castVote(id, voter, choice, -1)
}

// CastWeightedVote 用给定的权重代替 SetVoterWeight 设置的权重，只影响 weighted 算法
func (e *Engine) CastWeightedVote(id, voter string, choice Choice, weight float64) error {
	if weight < 0 {
		return errors.Wrapf(ErrInvalidChoice, "negative weight %v", weight)
	}
	return e.castVote(id, voter, choice, weight)
}

func (e *Engine) castVote(id, voter string, choice Choice, weight float64) error {
	if !choice.valid() {
		return errors.Wrapf(ErrInvalidChoice, "%q", choice)
	}

	e.mtx.Lock()
	ds, ok := e.decisions[id]
	if !ok {
		e.mtx.Unlock()
		return errors.Wrapf(ErrDecisionNotFound, "%s", id)
	}
	d := ds.decision
	now := e.now()

	if d.final() {
		e.mtx.Unlock()
		return errors.Wrapf(ErrDecisionFinalized, "%s is %s", id, d.Status)
	}
	if d.expired(now) {
		finalized := e.finalizeLocked(ds, now)
		e.mtx.Unlock()
		e.fire(finalized)
		return errors.Wrapf(ErrDecisionFinalized, "%s expired", id)
	}
	if !d.eligible(voter) {
		e.mtx.Unlock()
		return errors.Wrapf(ErrNotEligible, "%s on %s", voter, id)
	}
	if _, voted := d.Votes[voter]; voted {
		e.mtx.Unlock()
		return errors.Wrapf(ErrAlreadyVoted, "%s on %s", voter, id)
	}

	if weight < 0 {
		weight = e.voterWeight(voter)
	}
	d.Votes[voter] = Vote{Voter: voter, Choice: choice, Weight: weight, Timestamp: now}
	e.metric.Votes++

	var finalized *Decision
	if d.canFinalize(now) {
		finalized = e.finalizeLocked(ds, now)
	}
	e.mtx.Unlock()

	e.fire(finalized)
	return nil
}

// finalizeLocked 计算结果并唤醒等待者，返回用于回调的拷贝
func (e *Engine) finalizeLocked(ds *decisionState, now time.Time) *Decision {
	d := ds.decision
	t := d.tally()
	approved, reason := evaluate(d, t)

	d.Tally = t
	d.Approved = approved
	d.Reason = reason
	d.DecidedAt = now
	switch {
	case approved:
		d.Status = StatusAccepted
		e.metric.Accepted++
	case d.expired(now) && !t.QuorumMet:
		d.Status = StatusTimeout
		e.metric.TimedOut++
	default:
		d.Status = StatusRejected
		e.metric.Rejected++
	}
	close(ds.done)

	e.Logger.Info("decision finalized", "id", d.ID, "status", d.Status, "reason", reason,
		"approve", t.Approve, "reject", t.Reject, "participation", t.Participation)
	return d.Copy()
}

func (e *Engine) fire(d *Decision) {
	if d != nil {
		e.eventSwitch.FireEvent(EventFinalized, d)
	}
}

// CancelDecision 取消一个进行中的表决
func (e *Engine) CancelDecision(id string) error {
	e.mtx.Lock()
	ds, ok := e.decisions[id]
	if !ok {
		e.mtx.Unlock()
		return errors.Wrapf(ErrDecisionNotFound, "%s", id)
	}
	d := ds.decision
	if d.final() {
		e.mtx.Unlock()
		return errors.Wrapf(ErrDecisionFinalized, "%s is %s", id, d.Status)
	}
	d.Status = StatusCancelled
	d.Reason = "cancelled"
	d.DecidedAt = e.now()
	e.metric.Cancelled++
	close(ds.done)
	cp := d.Copy()
	e.mtx.Unlock()

	e.fire(cp)
	return nil
}

func (e *Engine) GetDecision(id string) (*Decision, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ds, ok := e.decisions[id]
	if !ok {
		return nil, false
	}
	return ds.decision.Copy(), true
}

// ActiveDecisions 返回所有还没有结束的表决
func (e *Engine) ActiveDecisions() []*Decision {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	res := make([]*Decision, 0)
	for _, ds := range e.decisions {
		if !ds.decision.final() {
			res = append(res, ds.decision.Copy())
		}
	}
	return res
}

// Wait 阻塞直到表决结束或 ctx 结束
func (e *Engine) Wait(ctx context.Context, id string) (*Decision, error) {
	e.mtx.Lock()
	ds, ok := e.decisions[id]
	e.mtx.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrDecisionNotFound, "%s", id)
	}

	select {
	case <-ds.done:
		d, _ := e.GetDecision(id)
		return d, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(types.ErrQuorumTimeout, "decision %s", id)
	}
}

// Sweep 结束所有已经到期的表决
func (e *Engine) Sweep() int {
	now := e.now()
	e.mtx.Lock()
	var finalized []*Decision
	for _, ds := range e.decisions {
		if !ds.decision.final() && ds.decision.expired(now) {
			finalized = append(finalized, e.finalizeLocked(ds, now))
		}
	}
	e.mtx.Unlock()

	for _, d := range finalized {
		e.fire(d)
	}
	return len(finalized)
}

// Prune 删除结束时间早于 before 的表决，返回删除的数量
func (e *Engine) Prune(before time.Time) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	pruned := 0
	for id, ds := range e.decisions {
		if ds.decision.final() && ds.decision.DecidedAt.Before(before) {
			delete(e.decisions, id)
			pruned++
		}
	}
	return pruned
}

func (e *Engine) Metric() metric.MetricItem {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	cp := *e.metric
	cp.Active = 0
	for _, ds := range e.decisions {
		if !ds.decision.final() {
			cp.Active++
		}
	}
	return &cp
}

type votingMetric struct {
	Active    int   `json:"active"`
	Created   int64 `json:"created"`
	Votes     int64 `json:"votes"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
}

func (vm *votingMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(vm)
	return s
}
