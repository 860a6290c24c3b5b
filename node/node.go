package node

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/manager"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/state"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/store"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const (
	// 状态机和决策归档在 db_dir 下的数据库名
	StateDBName    = "state"
	DecisionDBName = "decisions"

	metricsShutdownTimeout = 5 * time.Second
)

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node 把状态机、决策存储、传输层和 manager 组装在一起
type Node struct {
	service.BaseService

	// config
	config   *cfg.Config
	nodeInfo NodeInfo

	// network
	network   *transport.Network // kind = memory 时使用
	transport transport.Transport

	// services
	state     *state.KVStateMachine
	decisions *store.DecisionStore
	manager   *manager.Manager

	registry      *prometheus.Registry
	metricsServer *http.Server
}

type Option func(*Node)

// SetNetwork 让 memory 传输层加入给定的进程内网络，用于在一个进程里跑多个节点
func SetNetwork(net *transport.Network) Option {
	return func(n *Node) {
		n.network = net
	}
}

// DefaultNewNode 从 node_id 文件读取（或生成）节点 ID，然后创建节点
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	if config.NodeID == "" {
		id, err := LoadOrGenNodeID(config.NodeIDPath())
		if err != nil {
			return nil, err
		}
		config.NodeID = id
	}
	return NewNode(config, logger)
}

func createTransport(config *cfg.Config, net *transport.Network, logger log.Logger) (transport.Transport, error) {
	switch config.Transport.Kind {
	case "zmq":
		peers, err := config.Transport.PeerAddresses()
		if err != nil {
			return nil, err
		}
		zt := transport.NewZmqTransport(config.NodeID, config.Transport.ListenAddress, peers, nil)
		zt.SetLogger(logger)
		return zt, nil
	case "memory":
		mt := net.Join(config.NodeID, nil)
		mt.SetLogger(logger)
		return mt, nil
	default:
		return nil, errors.Errorf("unknown transport kind %q", config.Transport.Kind)
	}
}

func createDecisionStore(config *cfg.Config, logger log.Logger) (*store.DecisionStore, error) {
	if !config.Manager.ArchiveDecisions {
		return store.NewDecisionStore(config.Manager.DecisionTTL, nil, logger), nil
	}
	return store.NewDecisionStoreWithBackend(config.Manager.DecisionTTL,
		DecisionDBName, config.DBBackend, config.DBDir(), logger)
}

func NewNode(config *cfg.Config, logger log.Logger, options ...Option) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if config.NodeID == "" {
		return nil, errors.New("empty node id")
	}

	node := &Node{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	for _, option := range options {
		option(node)
	}
	if node.network == nil {
		node.network = transport.NewNetwork()
	}

	nodeInfo, err := makeNodeInfo(config)
	if err != nil {
		return nil, err
	}
	node.nodeInfo = nodeInfo

	kv, err := state.NewKVStateMachine(StateDBName, config.DBBackend, config.DBDir(), logger.With("module", "state"))
	if err != nil {
		return nil, err
	}
	node.state = kv

	decisions, err := createDecisionStore(config, logger.With("module", "store"))
	if err != nil {
		kv.Close() // nolint: errcheck
		return nil, err
	}
	node.decisions = decisions

	trans, err := createTransport(config, node.network, logger.With("module", "transport"))
	if err != nil {
		kv.Close()        // nolint: errcheck
		decisions.Close() // nolint: errcheck
		return nil, err
	}
	node.transport = trans

	metrics := manager.NopMetrics()
	if config.Instrumentation.Prometheus {
		metrics = manager.PrometheusMetrics(config.Instrumentation.Namespace, node.registry)
	}
	node.manager = manager.NewManager(config, trans, kv,
		manager.SetDecisionStore(decisions),
		manager.SetMetrics(metrics),
	)
	node.manager.SetLogger(logger)

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	return node, nil
}

func (n *Node) OnStart() error {
	peers, err := n.config.Transport.PeerAddresses()
	if err != nil {
		return errors.Wrap(err, "parse peers")
	}

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.metricsServer = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	// 先启动传输层，再启动 manager
	if svc, ok := n.transport.(service.Service); ok {
		if err := svc.Start(); err != nil {
			return errors.Wrap(err, "start transport")
		}
	}

	// 配置中的 peer 要在 raft 开始计时之前登记，否则单节点会先选自己为 leader
	for id := range peers {
		if id == n.config.NodeID {
			continue
		}
		if err := n.manager.AddAgent(types.NewAgentInfo(id, id)); err != nil {
			return err
		}
	}
	if err := n.manager.Start(); err != nil {
		return err
	}

	n.Logger.Info("swarm node started", "node", n.nodeInfo.ID, "laddr", n.nodeInfo.ListenAddr, "peers", len(peers))
	return nil
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if err := n.manager.Stop(); err != nil {
		n.Logger.Error("Error stopping manager", "err", err)
	}
	if svc, ok := n.transport.(service.Service); ok {
		if err := svc.Stop(); err != nil {
			n.Logger.Error("Error stopping transport", "err", err)
		}
	}

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.decisions.Close(); err != nil {
		n.Logger.Error("Error closing decision store", "err", err)
	}
	if err := n.state.Close(); err != nil {
		n.Logger.Error("Error closing state db", "err", err)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

func (n *Node) NodeInfo() NodeInfo {
	return n.nodeInfo
}

func (n *Node) Manager() *manager.Manager {
	return n.manager
}

func (n *Node) State() *state.KVStateMachine {
	return n.state
}

func (n *Node) Transport() transport.Transport {
	return n.transport
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}
