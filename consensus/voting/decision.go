package voting

import (
	"time"
)

// Choice 是一张选票的内容
type Choice string

const (
	ChoiceApprove = Choice("approve")
	ChoiceReject  = Choice("reject")
	ChoiceAbstain = Choice("abstain")
)

func (c Choice) valid() bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return true
	}
	return false
}

// Algorithm 决定如何从票数得出结果
type Algorithm string

const (
	SimpleMajority = Algorithm("simple_majority") // approve > reject
	Supermajority  = Algorithm("supermajority")   // approve > 0.66 * (approve + reject)
	Unanimous      = Algorithm("unanimous")       // 没有 reject 且至少一个 approve
	Weighted       = Algorithm("weighted")        // 按投票者权重计算的多数
)

const supermajorityRatio = 0.66

func (a Algorithm) valid() bool {
	switch a {
	case SimpleMajority, Supermajority, Unanimous, Weighted:
		return true
	}
	return false
}

// Status of a decision
type Status string

const (
	StatusPending   = Status("pending")
	StatusAccepted  = Status("accepted")
	StatusRejected  = Status("rejected")
	StatusTimeout   = Status("timeout")
	StatusCancelled = Status("cancelled")
)

// Vote 是一个投票者的选票，Weight 在投票时从引擎中读取
type Vote struct {
	Voter     string    `json:"voter"`
	Choice    Choice    `json:"choice"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Tally 是某个时刻的计票结果
type Tally struct {
	Approve       float64 `json:"approve"`
	Reject        float64 `json:"reject"`
	Abstain       float64 `json:"abstain"`
	Participation float64 `json:"participation"`
	QuorumMet     bool    `json:"quorum_met"`
}

// Decision 是一次投票表决
type Decision struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Proposal  interface{}     `json:"proposal"`
	Voters    []string        `json:"voters"`
	Algorithm Algorithm       `json:"algorithm"`
	Quorum    float64         `json:"quorum"`
	Votes     map[string]Vote `json:"votes"`
	Status    Status          `json:"status"`
	Approved  bool            `json:"approved"`
	Reason    string          `json:"reason"`
	Tally     Tally           `json:"tally"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
	DecidedAt time.Time       `json:"decided_at"`
}

func (d *Decision) eligible(voter string) bool {
	for _, v := range d.Voters {
		if v == voter {
			return true
		}
	}
	return false
}

func (d *Decision) expired(now time.Time) bool {
	return !now.Before(d.Deadline)
}

func (d *Decision) final() bool {
	return d.Status != StatusPending
}

// Copy 返回一个独立的拷贝，Proposal 共享
func (d *Decision) Copy() *Decision {
	cp := *d
	cp.Voters = append([]string(nil), d.Voters...)
	cp.Votes = make(map[string]Vote, len(d.Votes))
	for k, v := range d.Votes {
		cp.Votes[k] = v
	}
	return &cp
}

// tally 统计选票。除 weighted 外每票计 1，abstain 只计入参与率
func (d *Decision) tally() Tally {
	var t Tally
	for _, v := range d.Votes {
		w := 1.0
		if d.Algorithm == Weighted {
			w = v.Weight
		}
		switch v.Choice {
		case ChoiceApprove:
			t.Approve += w
		case ChoiceReject:
			t.Reject += w
		case ChoiceAbstain:
			t.Abstain += w
		}
	}
	if len(d.Voters) > 0 {
		t.Participation = float64(len(d.Votes)) / float64(len(d.Voters))
	}
	t.QuorumMet = t.Participation >= d.Quorum
	return t
}

// canFinalize - 全部投完、到期，或者 unanimous 下出现第一张 reject
func (d *Decision) canFinalize(now time.Time) bool {
	if d.expired(now) || len(d.Votes) >= len(d.Voters) {
		return true
	}
	if d.Algorithm == Unanimous {
		for _, v := range d.Votes {
			if v.Choice == ChoiceReject {
				return true
			}
		}
	}
	return false
}

// evaluate 先检查 quorum，再按算法计算结果
func evaluate(d *Decision, t Tally) (bool, string) {
	if !t.QuorumMet {
		return false, "quorum not met"
	}

	switch d.Algorithm {
	case Unanimous:
		return t.Reject == 0 && t.Approve > 0, "unanimous"
	case Supermajority:
		total := t.Approve + t.Reject
		if total == 0 {
			return false, "no votes cast"
		}
		return t.Approve > total*supermajorityRatio, "supermajority"
	default:
		if t.Approve+t.Reject == 0 {
			return false, "no votes cast"
		}
		return t.Approve > t.Reject, string(d.Algorithm)
	}
}
