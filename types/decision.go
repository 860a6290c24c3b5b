package types

import (
	"time"

	"github.com/pkg/errors"
)

// Mode 决定 manager 用哪种协议达成一次决策
type Mode string

const (
	ModeSimple     = Mode("simple")
	ModeRaft       = Mode("raft")
	ModePaxos      = Mode("paxos")
	ModeMultiPaxos = Mode("multipaxos")
	ModePBFT       = Mode("pbft")
	ModeWeighted   = Mode("weighted")
)

// AllModes 用于统计输出时保持固定顺序
var AllModes = []Mode{ModeSimple, ModeRaft, ModePaxos, ModeMultiPaxos, ModePBFT, ModeWeighted}

var ErrUnknownMode = errors.New("unknown consensus mode")

func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownMode, "%q", s)
}

func (m Mode) String() string {
	return string(m)
}

// SwarmDecision 记录一次 Decide 的结果，Finalize 之后不再修改
type SwarmDecision struct {
	DecisionID string                 `json:"decision_id"`
	Topic      string                 `json:"topic"`
	Proposals  []interface{}          `json:"proposals"`
	Winner     interface{}            `json:"winner,omitempty"`
	Mode       Mode                   `json:"mode"`
	Votes      map[string]interface{} `json:"votes"`
	Duration   time.Duration          `json:"duration"`
	Success    bool                   `json:"success"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func NewSwarmDecision(id, topic string, proposals []interface{}, mode Mode) *SwarmDecision {
	return &SwarmDecision{
		DecisionID: id,
		Topic:      topic,
		Proposals:  proposals,
		Mode:       mode,
		Votes:      make(map[string]interface{}),
		CreatedAt:  time.Now(),
	}
}

// Finalize 填写结果和耗时
func (d *SwarmDecision) Finalize(winner interface{}, success bool, reason string) *SwarmDecision {
	d.Winner = winner
	d.Success = success
	d.Reason = reason
	d.Duration = time.Since(d.CreatedAt)
	return d
}

// Copy 返回浅拷贝，Votes 单独复制
func (d *SwarmDecision) Copy() *SwarmDecision {
	cp := *d
	cp.Votes = make(map[string]interface{}, len(d.Votes))
	for k, v := range d.Votes {
		cp.Votes[k] = v
	}
	cp.Proposals = append([]interface{}(nil), d.Proposals...)
	return &cp
}
