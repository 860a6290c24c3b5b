package commands

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

var (
	clusterSize    int
	decideMode     string
	decideTopic    string
	decideValues   []string
	decideTimeout  time.Duration
	capabilityList []string
)

func init() {
	DecideCmd.Flags().IntVar(&clusterSize, "nodes", 4, "number of in-memory nodes")
	DecideCmd.Flags().StringVar(&decideMode, "mode", string(types.ModePaxos),
		"consensus mode: simple | raft | paxos | multipaxos | pbft | weighted")
	DecideCmd.Flags().StringVar(&decideTopic, "topic", "demo", "decision topic")
	DecideCmd.Flags().StringSliceVar(&decideValues, "proposals", []string{"a", "b"}, "proposals to decide on")
	DecideCmd.Flags().DurationVar(&decideTimeout, "timeout", 10*time.Second, "decision timeout")
	DecideCmd.Flags().StringSliceVar(&capabilityList, "capabilities", nil,
		"capabilities given to node0, doubling its weight on matching topics")
}

// DecideCmd 在进程内启动一个小集群并做出一次决策，结果以 JSON 输出
var DecideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Run an in-memory cluster and print a single decision",
	RunE:  decide,
}

func decide(cmd *cobra.Command, args []string) error {
	mode, err := types.ParseMode(decideMode)
	if err != nil {
		return err
	}
	proposals := make([]interface{}, len(decideValues))
	for i, v := range decideValues {
		proposals[i] = v
	}

	clusterLogger := log.NewFilter(logger, log.AllowError())
	c, err := nm.NewLocalCluster(clusterSize, clusterLogger, func(config *cfg.Config) {
		if config.NodeID == "node0" {
			config.Manager.Capabilities = capabilityList
		}
	})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		c.Stop()
		return err
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), decideTimeout)
	defer cancel()

	proposer, err := c.Proposer(ctx, mode)
	if err != nil {
		return err
	}
	logger.Info("Deciding", "proposer", proposer.NodeInfo().ID, "mode", mode, "topic", decideTopic)

	d, err := proposer.Manager().Decide(ctx, decideTopic, proposals, mode, decideTimeout)
	if err != nil {
		return err
	}

	bz, err := jsoniter.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(bz))
	return nil
}
