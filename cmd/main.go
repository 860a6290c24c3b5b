package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/cmd/commands"
	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenNodeIDCmd,
		cmd.ShowNodeIDCmd,
		cmd.InitDBCmd,
		cmd.DecideCmd,
		cmd.VersionCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// NOTE:
	// Users wishing to:
	//	* Supply their own state machine
	//	* Provide their own DB implementation
	// can copy this file and use something other than the
	// DefaultNewNode function
	nodeFunc := nm.DefaultNewNode

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nodeFunc))

	cmd := cli.PrepareBaseCmd(rootCmd, "SWARM", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultSwarmDir)))
	if err := cmd.Execute(); err != nil {
		panic(err)
	}
}
