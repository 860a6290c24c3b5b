package commands

import (
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a swarm node
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.Moniker, "node name")
	cmd.Flags().String("node_id", config.NodeID, "node id, read from node_id file when empty")
	cmd.Flags().String("db_backend", config.DBBackend, "database backend: goleveldb | memdb")
	cmd.Flags().String("db_dir", config.DBPath, "database directory")

	// transport flags
	cmd.Flags().String("transport.kind", config.Transport.Kind, "transport: zmq | memory")
	cmd.Flags().String("transport.laddr", config.Transport.ListenAddress, "node listen address")
	cmd.Flags().String("transport.peers", config.Transport.Peers, "comma-delimited id@tcp://host:port peers")

	// manager flags
	cmd.Flags().StringSlice("manager.capabilities", config.Manager.Capabilities,
		"capabilities of this node, doubling its weight on matching topics")
	cmd.Flags().Float64("manager.weight", config.Manager.Weight, "voting weight of this node")
	cmd.Flags().Bool("manager.archive_decisions", config.Manager.ArchiveDecisions,
		"archive finished decisions to the decisions db")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", config.Instrumentation.PrometheusListenAddr,
		"prometheus listen address")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// nodeProvider 可以替换成自定义的状态机或者存储。
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the swarm node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return err
			}

			if err := n.Start(); err != nil {
				return err
			}
			logger.Info("Started node", "nodeInfo", n.NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
