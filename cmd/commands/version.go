package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
)

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(nm.Version)
	},
}
