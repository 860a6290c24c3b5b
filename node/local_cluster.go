package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

const leaderPollInterval = 10 * time.Millisecond

// LocalCluster 在一个进程里用内存网络和 memdb 运行多个节点，
// 用于 decide 命令和压测工具
type LocalCluster struct {
	net   *transport.Network
	nodes []*Node
}

// NewLocalCluster 创建 n 个节点 node0..node{n-1}，configure 可以为 nil
func NewLocalCluster(n int, logger log.Logger, configure func(*cfg.Config)) (*LocalCluster, error) {
	if n <= 0 {
		return nil, errors.Errorf("cluster size %d must be positive", n)
	}
	ids := make([]string, n)
	peers := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node%d", i)
		peers[i] = fmt.Sprintf("%s@mem://%s", ids[i], ids[i])
	}

	c := &LocalCluster{net: transport.NewNetwork()}
	for i, id := range ids {
		config := cfg.TestConfig()
		config.NodeID = id
		config.Moniker = id
		config.Transport.Kind = "memory"
		config.Transport.Peers = strings.Join(peers, ",")
		config.Instrumentation.PrometheusListenAddr = ""
		if configure != nil {
			configure(config)
		}

		node, err := NewNode(config, logger.With("idx", i), SetNetwork(c.net))
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.nodes = append(c.nodes, node)
	}
	return c, nil
}

func (c *LocalCluster) Start() error {
	for _, n := range c.nodes {
		if err := n.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop 停止所有正在运行的节点，没有启动过的节点只关闭数据库
func (c *LocalCluster) Stop() {
	for _, n := range c.nodes {
		if n.IsRunning() {
			n.Stop() // nolint: errcheck
		} else {
			n.decisions.Close() // nolint: errcheck
			n.state.Close()     // nolint: errcheck
		}
	}
}

func (c *LocalCluster) Nodes() []*Node {
	return c.nodes
}

func (c *LocalCluster) Network() *transport.Network {
	return c.net
}

// Leader 等待 raft 选出 leader，返回 leader 所在的节点
func (c *LocalCluster) Leader(ctx context.Context) (*Node, error) {
	id, err := c.nodes[0].Manager().Raft().WaitForLeader(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range c.nodes {
		if n.config.NodeID == id {
			return n, nil
		}
	}
	return nil, errors.Errorf("leader %s is not a local node", id)
}

// Proposer 返回适合发起 mode 决策的节点：raft/multipaxos 需要 leader，其余用 node0
func (c *LocalCluster) Proposer(ctx context.Context, mode types.Mode) (*Node, error) {
	if mode != types.ModeRaft && mode != types.ModeMultiPaxos {
		return c.nodes[0], nil
	}

	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()
	for {
		leader, err := c.Leader(ctx)
		if err != nil {
			return nil, err
		}
		// multi-paxos 的 leader 在 raft 的选举事件之后才切换
		if mode == types.ModeRaft || leader.Manager().MultiPaxos().IsLeader() {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for multi-paxos leader")
		case <-ticker.C:
		}
	}
}
