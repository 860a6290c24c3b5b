package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/libs/utils"
	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

var (
	nodes    int
	workers  int
	rate     int
	duration int
	timeout  time.Duration
	modes    []string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive decisions against an in-memory swarm cluster and report latency statistics",
	Example: `bench --nodes 4 --workers 2 --rate 20 --duration 10 --modes paxos,pbft,raft
bench --modes simple,weighted`,
	RunE: runBench,
}

func init() {
	rootCmd.Flags().IntVar(&nodes, "nodes", 4, "number of in-memory nodes")
	rootCmd.Flags().IntVarP(&workers, "workers", "c", 1, "concurrent decision loops")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 10, "decisions per second per worker")
	rootCmd.Flags().IntVarP(&duration, "duration", "T", 10, "exit after the specified amount of time in seconds")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "timeout of a single decision")
	rootCmd.Flags().StringSliceVar(&modes, "modes", []string{"paxos", "pbft", "raft"}, "modes to pick from at random")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseModes(names []string) ([]types.Mode, error) {
	res := make([]types.Mode, 0, len(names))
	for _, name := range names {
		mode, err := types.ParseMode(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		res = append(res, mode)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no modes given")
	}
	return res, nil
}

func runBench(cmd *cobra.Command, args []string) error {
	if workers < 1 || rate < 1 || duration < 1 {
		return fmt.Errorf("workers, rate and duration must be positive")
	}
	benchModes, err := parseModes(modes)
	if err != nil {
		return err
	}

	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if verbose {
		logger = log.NewFilter(logger, log.AllowDebug())
	} else {
		logger = log.NewFilter(logger, log.AllowError())
	}

	cluster, err := nm.NewLocalCluster(nodes, logger, nil)
	if err != nil {
		return err
	}
	if err := cluster.Start(); err != nil {
		cluster.Stop()
		return err
	}
	defer cluster.Stop()

	d := newDecider(cluster, workers, rate, benchModes, timeout)
	d.SetLogger(logger.With("module", "bench"))

	start := time.Now()
	d.Start()
	time.Sleep(time.Duration(duration) * time.Second)
	d.Stop()
	elapsed := time.Since(start)

	samples, failed := d.results()
	printStatistics(os.Stdout, samples, failed, elapsed)
	printNodeLatencies(os.Stdout, cluster)
	return nil
}

func printStatistics(out io.Writer, samples map[types.Mode][]float64, failed map[types.Mode]int, elapsed time.Duration) {
	w := tabwriter.NewWriter(out, 0, 0, 4, ' ', 0)
	fmt.Fprintf(w, "Mode\tOK\tFailed\tRate/s\tAvg(ms)\tP50(ms)\tP99(ms)\tMax(ms)\tStdDev\t\n")
	for _, mode := range types.AllModes {
		data := samples[mode]
		if len(data) == 0 && failed[mode] == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			mode, len(data), failed[mode],
			float64(len(data))/elapsed.Seconds(),
			utils.Avg(data...), utils.Median(data...), utils.Percentile(99, data...),
			utils.Max(data...), utils.StdDev(data...))
	}
	w.Flush()
}

// printNodeLatencies 输出每个节点自己统计的耗时，包括只由 leader/primary 发起的决策
func printNodeLatencies(out io.Writer, cluster *nm.LocalCluster) {
	w := tabwriter.NewWriter(out, 0, 0, 4, ' ', 0)
	fmt.Fprintf(w, "\nNode\tMode\tCount\tMean(ms)\tP50(ms)\tP99(ms)\t\n")
	for _, n := range cluster.Nodes() {
		for _, lat := range n.Manager().ModeLatencies() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t\n",
				n.NodeInfo().ID, lat.Mode, lat.Count, lat.MeanMs, lat.P50Ms, lat.P99Ms)
		}
	}
	w.Flush()
}
