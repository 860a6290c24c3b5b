package node

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/transport"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

func testConfig(id string, ids []string) *cfg.Config {
	config := cfg.TestConfig()
	config.NodeID = id
	config.Moniker = id
	peers := make([]string, len(ids))
	for i, peer := range ids {
		peers[i] = fmt.Sprintf("%s@mem://%s", peer, peer)
	}
	config.Transport.Peers = strings.Join(peers, ",")
	return config
}

func TestNodeInfo(t *testing.T) {
	assert.NoError(t, ValidateNodeID("node0"))
	assert.Error(t, ValidateNodeID(""))
	assert.Error(t, ValidateNodeID("a@b"))
	assert.Error(t, ValidateNodeID("a,b"))
	assert.Error(t, ValidateNodeID(strings.Repeat("a", maxNodeIDLength+1)))

	config := cfg.TestConfig()
	info, err := makeNodeInfo(config)
	require.NoError(t, err)
	assert.Equal(t, "node0", info.ID)
	assert.Equal(t, "127.0.0.1:36656", info.ListenAddr)
	assert.Equal(t, Version, info.Version)
}

func TestLoadOrGenNodeID(t *testing.T) {
	dir, err := ioutil.TempDir("", "swarm-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config", "node_id")
	id, err := LoadOrGenNodeID(path)
	require.NoError(t, err)
	assert.Len(t, id, nodeIDLength)

	again, err := LoadOrGenNodeID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, ioutil.WriteFile(path, []byte("bad id\n"), 0600))
	_, err = LoadNodeID(path)
	assert.Error(t, err)
}

func TestNewNodeRejectsBadConfig(t *testing.T) {
	config := cfg.TestConfig()
	config.Transport.Kind = "carrier-pigeon"
	_, err := NewNode(config, log.TestingLogger())
	assert.Error(t, err)

	config = cfg.TestConfig()
	config.NodeID = ""
	_, err = NewNode(config, log.TestingLogger())
	assert.Error(t, err)
}

// 启动前被改坏的 peers 配置在 OnStart 中报错，传输层不会被启动
func TestNodeStartRejectsMalformedPeers(t *testing.T) {
	n, err := NewNode(testConfig("node0", []string{"node0", "node1"}), log.TestingLogger())
	require.NoError(t, err)

	n.config.Transport.Peers = "node1"
	err = n.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse peers")
	assert.False(t, n.transport.(*transport.MemoryTransport).IsRunning())
	assert.False(t, n.Manager().IsRunning())

	require.NoError(t, n.decisions.Close())
	require.NoError(t, n.state.Close())
}

// 三个节点在同一个进程内的网络上启动，peers 来自配置
func TestNodeStartDecideStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ids := []string{"node0", "node1", "node2"}
	net := transport.NewNetwork()
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		config := testConfig(id, ids)
		config.Instrumentation.Prometheus = true
		config.Instrumentation.PrometheusListenAddr = ""
		n, err := NewNode(config, log.TestingLogger().With("node", id), SetNetwork(net))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		require.NoError(t, n.Start())
	}
	defer func() {
		for _, n := range nodes {
			require.NoError(t, n.Stop())
		}
	}()

	for _, n := range nodes {
		assert.Len(t, n.Manager().Agents(), len(ids))
	}

	d, err := nodes[0].Manager().Decide(context.Background(), "deploy", []interface{}{"x"}, types.ModePaxos, 5*time.Second)
	require.NoError(t, err)
	require.True(t, d.Success, d.Reason)
	assert.Equal(t, "x", d.Winner)

	families, err := nodes[0].Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "swarm_manager_decisions_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.EqualValues(t, 1, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "decision counter not exported")
}

func TestLocalClusterProposer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c, err := NewLocalCluster(3, log.TestingLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, mode := range types.AllModes {
		proposer, err := c.Proposer(ctx, mode)
		require.NoError(t, err, mode)

		d, err := proposer.Manager().Decide(ctx, "deploy", []interface{}{"x"}, mode, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, mode, d.Mode)
		// simple/weighted 的选票是随机的，只有一个提案时结果确定
		assert.True(t, d.Success, "%s: %s", mode, d.Reason)
		assert.Equal(t, "x", d.Winner)
	}
}
