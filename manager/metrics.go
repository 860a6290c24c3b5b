package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "manager"

// Metrics contains the prometheus metrics exposed by the manager.
type Metrics struct {
	// 按 mode 和结果统计的决策数
	Decisions *prometheus.CounterVec
	// 决策耗时
	DecisionDuration *prometheus.HistogramVec
	// 内存中保留的决策数
	StoredDecisions prometheus.Gauge

	Agents prometheus.Gauge

	RaftTerm   prometheus.Gauge
	RaftLeader prometheus.Gauge // 本节点是 leader 时为 1
	BFTView    prometheus.Gauge

	// 按协议统计的收到的消息
	MessagesRouted   *prometheus.CounterVec
	MessagesRejected prometheus.Counter
}

// PrometheusMetrics 在 reg 上注册所有指标，reg 为 nil 时使用一个私有的 registry
func PrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decisions_total",
			Help:      "Number of finished decisions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		DecisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decision_duration_seconds",
			Help:      "Time spent reaching a decision.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
		StoredDecisions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stored_decisions",
			Help:      "Number of decisions kept in memory.",
		}),
		Agents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "agents",
			Help:      "Number of registered agents, including the local one.",
		}),
		RaftTerm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "raft_term",
			Help:      "Latest raft term seen by this node.",
		}),
		RaftLeader: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "raft_is_leader",
			Help:      "1 if this node is the raft leader.",
		}),
		BFTView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bft_view",
			Help:      "Current pbft view.",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_routed_total",
			Help:      "Consensus messages routed to an engine, by protocol.",
		}, []string{"protocol"}),
		MessagesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages that failed to decode or validate.",
		}),
	}
}

// NopMetrics returns metrics registered on a throwaway registry.
func NopMetrics() *Metrics {
	return PrometheusMetrics("swarm", nil)
}

func (m *Metrics) recordDecision(mode types.Mode, success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Decisions.WithLabelValues(string(mode), outcome).Inc()
	m.DecisionDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}
