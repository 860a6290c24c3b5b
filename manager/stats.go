package manager

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	statDecisions    = "decisions.total"
	statSuccess      = "decisions.success"
	statFailed       = "decisions.failed"
	statModePrefix   = "mode."
	statRoutedPrefix = "routed."
	statRejected     = "messages.rejected"
	statDuration     = "duration.success"

	sampleSize  = 1028
	sampleAlpha = 0.015
)

// RaftStats 是 raft 引擎的简要状态
type RaftStats struct {
	State    string `json:"state"`
	Term     int64  `json:"term"`
	Leader   string `json:"leader"`
	IsLeader bool   `json:"is_leader"`
}

// Stats 是 manager 的运行统计，计数从启动开始累计，不受决策过期清理的影响
type Stats struct {
	NodeID          string              `json:"node_id"`
	Started         bool                `json:"started"`
	TotalDecisions  int64               `json:"total_decisions"`
	Successful      int64               `json:"successful"`
	Failed          int64               `json:"failed"`
	SuccessRate     float64             `json:"success_rate"`
	ModeUsage       map[string]int64    `json:"mode_usage"`
	AvgDurationMs   float64             `json:"avg_duration_ms"`
	P99DurationMs   float64             `json:"p99_duration_ms"`
	StoredDecisions int                 `json:"stored_decisions"`
	Agents          int                 `json:"agents"`
	Raft            RaftStats           `json:"raft_state"`
	Routed          map[string]int64    `json:"routed"`
	Rejected        int64               `json:"rejected"`
	Engines         jsoniter.RawMessage `json:"engines"`
}

func (s *Stats) JSONString() string {
	str, _ := jsoniter.MarshalToString(s)
	return str
}

// decisionStats 用 go-metrics 的 counter 和 histogram 累计决策结果。
// 耗时以微秒记录在指数衰减采样的 histogram 里。
type decisionStats struct {
	registry metrics.Registry
}

func newDecisionStats() *decisionStats {
	return &decisionStats{registry: metrics.NewRegistry()}
}

func (ds *decisionStats) counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, ds.registry)
}

func (ds *decisionStats) histogram(name string) metrics.Histogram {
	return metrics.GetOrRegisterHistogram(name, ds.registry, metrics.NewExpDecaySample(sampleSize, sampleAlpha))
}

func (ds *decisionStats) record(d *types.SwarmDecision) {
	ds.counter(statDecisions).Inc(1)
	ds.counter(statModePrefix + string(d.Mode)).Inc(1)
	ds.histogram(statModePrefix + string(d.Mode) + ".duration").Update(d.Duration.Microseconds())
	if d.Success {
		ds.counter(statSuccess).Inc(1)
		ds.histogram(statDuration).Update(d.Duration.Microseconds())
	} else {
		ds.counter(statFailed).Inc(1)
	}
}

func (ds *decisionStats) routed(p types.Protocol) {
	ds.counter(statRoutedPrefix + string(p)).Inc(1)
}

func (ds *decisionStats) rejected() {
	ds.counter(statRejected).Inc(1)
}

// fill 把累计的计数写进 stats
func (ds *decisionStats) fill(stats *Stats) {
	stats.TotalDecisions = ds.counter(statDecisions).Count()
	stats.Successful = ds.counter(statSuccess).Count()
	stats.Failed = ds.counter(statFailed).Count()
	if stats.TotalDecisions > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalDecisions)
	}

	stats.ModeUsage = make(map[string]int64)
	for _, mode := range types.AllModes {
		if c := ds.counter(statModePrefix + string(mode)).Count(); c > 0 {
			stats.ModeUsage[string(mode)] = c
		}
	}

	h := ds.histogram(statDuration).Snapshot()
	if h.Count() > 0 {
		stats.AvgDurationMs = h.Mean() / 1000
		stats.P99DurationMs = h.Percentile(0.99) / 1000
	}

	stats.Routed = make(map[string]int64)
	for _, p := range []types.Protocol{types.ProtocolPaxos, types.ProtocolBFT, types.ProtocolRaft} {
		stats.Routed[string(p)] = ds.counter(statRoutedPrefix + string(p)).Count()
	}
	stats.Rejected = ds.counter(statRejected).Count()
}

// modeLatencies 返回每个用过的 mode 的平均耗时（毫秒），按 mode 名排序
func (ds *decisionStats) modeLatencies() []ModeLatency {
	res := make([]ModeLatency, 0)
	for _, mode := range types.AllModes {
		h := ds.histogram(statModePrefix + string(mode) + ".duration").Snapshot()
		if h.Count() == 0 {
			continue
		}
		res = append(res, ModeLatency{
			Mode:   mode,
			Count:  h.Count(),
			MeanMs: h.Mean() / 1000,
			P50Ms:  h.Percentile(0.5) / 1000,
			P99Ms:  h.Percentile(0.99) / 1000,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Mode < res[j].Mode })
	return res
}

// ModeLatency 是某个 mode 的耗时分布
type ModeLatency struct {
	Mode   types.Mode `json:"mode"`
	Count  int64      `json:"count"`
	MeanMs float64    `json:"mean_ms"`
	P50Ms  float64    `json:"p50_ms"`
	P99Ms  float64    `json:"p99_ms"`
}
