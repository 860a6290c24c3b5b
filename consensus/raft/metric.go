package raft

import (
	jsoniter "github.com/json-iterator/go"
)

func newRaftMetric() *raftMetric {
	return &raftMetric{}
}

type raftMetric struct {
	Term        int64  `json:"term"`
	Role        string `json:"role"`
	Leader      string `json:"leader"`
	CommitIndex int64  `json:"commit_index"`
	LastIndex   int64  `json:"last_index"`
	Elections   int64  `json:"elections"`
	LeaderTerms int64  `json:"leader_terms"`
	Heartbeats  int64  `json:"heartbeats"`
	Proposals   int64  `json:"proposals"`
	Applied     int64  `json:"applied"`
	Timeouts    int64  `json:"timeouts"`
}

func (rm *raftMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(rm)
	return s
}

func (rm *raftMetric) snapshot() *raftMetric {
	cp := *rm
	return &cp
}
