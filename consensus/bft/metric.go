package bft

import (
	jsoniter "github.com/json-iterator/go"
)

func newBFTMetric() *bftMetric {
	return &bftMetric{}
}

type bftMetric struct {
	View        int64 `json:"view"`
	Requests    int64 `json:"requests"`
	PrePrepares int64 `json:"pre_prepares"`
	Executed    int64 `json:"executed"`
	ExecErrors  int64 `json:"exec_errors"`
	ViewChanges int64 `json:"view_changes"`
	Timeouts    int64 `json:"timeouts"`
	PoolSize    int   `json:"pool_size"`
}

func (bm *bftMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(bm)
	return s
}

func (bm *bftMetric) snapshot() *bftMetric {
	cp := *bm
	return &cp
}
