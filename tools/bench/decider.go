package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/libs/log"

	nm "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/node"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub033/types"
)

// decider 以固定速率向本地集群发起决策，每个 worker 一个协程，记录每次决策的耗时
type decider struct {
	Cluster *nm.LocalCluster
	Rate    int // 每个 worker 每秒发起的决策数
	Workers int
	Modes   []types.Mode
	Timeout time.Duration

	startingWg sync.WaitGroup
	endingWg   sync.WaitGroup
	quit       chan struct{}

	mtx     sync.Mutex
	samples map[types.Mode][]float64 // 成功决策的耗时，毫秒
	failed  map[types.Mode]int

	logger log.Logger
}

func newDecider(cluster *nm.LocalCluster, workers, rate int, modes []types.Mode, timeout time.Duration) *decider {
	return &decider{
		Cluster: cluster,
		Rate:    rate,
		Workers: workers,
		Modes:   modes,
		Timeout: timeout,
		quit:    make(chan struct{}),
		samples: make(map[types.Mode][]float64),
		failed:  make(map[types.Mode]int),
		logger:  log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (d *decider) SetLogger(l log.Logger) {
	d.logger = l
}

// Start creates `d.Workers` send loops and waits until each of them
// issued its first round.
func (d *decider) Start() {
	d.startingWg.Add(d.Workers)
	d.endingWg.Add(d.Workers)
	for i := 0; i < d.Workers; i++ {
		go d.sendLoop(i)
	}
	d.startingWg.Wait()
}

// Stop waits for every send loop to finish its current round.
func (d *decider) Stop() {
	close(d.quit)
	d.endingWg.Wait()
}

func (d *decider) stopped() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

// sendLoop generates decisions at a given rate.
func (d *decider) sendLoop(workerIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			d.startingWg.Done()
		}
		d.endingWg.Done()
	}()

	logger := d.logger.With("worker", workerIndex)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		startTime := time.Now()
		endTime := startTime.Add(time.Second)
		numSent := 0
		if !started {
			d.startingWg.Done()
			started = true
		}

		for i := 0; i < d.Rate && !d.stopped(); i++ {
			d.decideOnce(workerIndex, i)
			numSent++
			if time.Now().After(endTime) {
				break
			}
		}

		timeToSend := time.Since(startTime)
		logger.Info(fmt.Sprintf("sent %d decisions", numSent), "took", timeToSend)

		select {
		case <-d.quit:
			return
		case <-ticker.C:
		}
	}
}

func (d *decider) decideOnce(workerIndex, seq int) {
	mode := d.Modes[tmrand.Intn(len(d.Modes))]
	topic := fmt.Sprintf("bench-%d-%d", workerIndex, seq)
	proposals := []interface{}{tmrand.Str(8), tmrand.Str(8)}

	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	proposer, err := d.Cluster.Proposer(ctx, mode)
	if err != nil {
		d.logger.Error("no proposer", "mode", mode, "err", err)
		d.record(mode, nil)
		return
	}
	res, err := proposer.Manager().Decide(ctx, topic, proposals, mode, d.Timeout)
	if err != nil {
		d.logger.Error("decide failed", "mode", mode, "err", err)
		d.record(mode, nil)
		return
	}
	d.record(mode, res)
}

func (d *decider) record(mode types.Mode, res *types.SwarmDecision) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if res == nil || !res.Success {
		d.failed[mode]++
		return
	}
	d.samples[mode] = append(d.samples[mode], float64(res.Duration)/float64(time.Millisecond))
}

// results 返回每个 mode 的耗时样本和失败数的拷贝
func (d *decider) results() (map[types.Mode][]float64, map[types.Mode]int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	samples := make(map[types.Mode][]float64, len(d.samples))
	for mode, s := range d.samples {
		samples[mode] = append([]float64(nil), s...)
	}
	failed := make(map[types.Mode]int, len(d.failed))
	for mode, n := range d.failed {
		failed[mode] = n
	}
	return samples, failed
}
