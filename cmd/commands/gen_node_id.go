package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
)

// GenNodeIDCmd 生成节点 ID 并写入 node_id 文件，
// 其他节点在 transport.peers 里用这个 ID 指代本节点
var GenNodeIDCmd = &cobra.Command{
	Use:     "gen-node-id",
	Aliases: []string{"gen_node_id"},
	Short:   "Generate a node id for this node and print it",
	PreRun:  deprecateSnakeCase,
	RunE:    genNodeID,
}

// ShowNodeIDCmd dumps node's ID to the standard output.
var ShowNodeIDCmd = &cobra.Command{
	Use:     "show-node-id",
	Aliases: []string{"show_node_id"},
	Short:   "Show this node's ID",
	PreRun:  deprecateSnakeCase,
	RunE:    showNodeID,
}

func genNodeID(cmd *cobra.Command, args []string) error {
	nodeIDFile := config.NodeIDPath()
	if tmos.FileExists(nodeIDFile) {
		return fmt.Errorf("node id at %s already exists", nodeIDFile)
	}

	id, err := nm.LoadOrGenNodeID(nodeIDFile)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func showNodeID(cmd *cobra.Command, args []string) error {
	if config.NodeID != "" {
		fmt.Println(config.NodeID)
		return nil
	}
	id, err := nm.LoadNodeID(config.NodeIDPath())
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
