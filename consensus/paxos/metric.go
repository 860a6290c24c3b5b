package paxos

import (
	jsoniter "github.com/json-iterator/go"
)

func newPaxosMetric() *paxosMetric {
	return &paxosMetric{}
}

type paxosMetric struct {
	Instances int64 `json:"instances"`
	Committed int64 `json:"committed"`
	Proposals int64 `json:"proposals"`
	Rounds    int64 `json:"rounds"`
	Timeouts  int64 `json:"timeouts"`
}

func (pm *paxosMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(pm)
	return s
}

func (pm *paxosMetric) snapshot() *paxosMetric {
	cp := *pm
	return &cp
}
