package commands

import (
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
)

// InitFilesCmd initialises a fresh swarm node home directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the swarm node home: config.toml and node id",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// config.toml 由 ParseConfig 中的 EnsureRoot 写入
	nodeIDFile := config.NodeIDPath()
	if tmos.FileExists(nodeIDFile) {
		logger.Info("Found node id", "path", nodeIDFile)
	} else {
		id, err := nm.LoadOrGenNodeID(nodeIDFile)
		if err != nil {
			return err
		}
		logger.Info("Generated node id", "path", nodeIDFile, "id", id)
	}

	logger.Info("Config ready", "path", config.ConfigFile())
	return nil
}
