// SPDX-License-Identifier: Apache-2.0

// arenabench measures bufarena allocation throughput and latency under
// concurrent load. Each worker drives its own pooled arena through a
// stream of randomly sized allocations, bulk-freeing whenever the next
// allocation would no longer fit.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	bufarena "github.com/wundergraph/go-bufarena"
)

type benchConfig struct {
	bufferSize int
	totalOps   int
	workers    int
	minAlloc   int
	maxAlloc   int
	opsPerSec  int
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &benchConfig{}
	cmd := &cobra.Command{
		Use:          "arenabench",
		Short:        "Measure bufarena allocation throughput and latency",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cfg)
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.bufferSize, "buffer-size", 1<<20, "arena buffer size in bytes")
	f.IntVar(&cfg.totalOps, "ops", 1_000_000, "total allocations across all workers")
	f.IntVar(&cfg.workers, "workers", 4, "concurrent workers, each with its own arena")
	f.IntVar(&cfg.minAlloc, "min-alloc", 16, "smallest allocation in bytes")
	f.IntVar(&cfg.maxAlloc, "max-alloc", 512, "largest allocation in bytes")
	f.IntVar(&cfg.opsPerSec, "rate", 0, "allocation rate limit per second, 0 for unlimited")
	f.BoolVar(&cfg.verbose, "verbose", false, "log pool activity")
	return cmd
}

func (c *benchConfig) validate() error {
	if c.workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.workers)
	}
	if c.totalOps < 1 {
		return fmt.Errorf("ops must be at least 1, got %d", c.totalOps)
	}
	if c.minAlloc < 1 || c.maxAlloc < c.minAlloc {
		return fmt.Errorf("allocation range %d..%d is invalid", c.minAlloc, c.maxAlloc)
	}
	// Leave room for the arena header, alignment and the strict end bound,
	// otherwise a worker could spin on an allocation that never fits.
	if c.maxAlloc+bufarena.HeaderSize+64 > c.bufferSize {
		return fmt.Errorf("buffer-size %d cannot hold max-alloc %d", c.bufferSize, c.maxAlloc)
	}
	return nil
}

func runBench(cfg *benchConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	poolOpts := []bufarena.PoolOption{bufarena.WithPoolMinBufferSize(cfg.bufferSize)}
	if cfg.verbose {
		poolOpts = append(poolOpts, bufarena.WithPoolLogf(logger.Sugar().Infof))
	}
	pool := bufarena.NewPool(poolOpts...)

	var limiter *rate.Limiter
	if cfg.opsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.opsPerSec), cfg.opsPerSec/10+1)
	}

	runners, err := ants.NewPool(cfg.workers)
	if err != nil {
		return err
	}
	defer runners.Release()

	logger.Info("starting benchmark",
		zap.Int("workers", cfg.workers),
		zap.Int("ops", cfg.totalOps),
		zap.Int("buffer_size", cfg.bufferSize),
	)

	latencies := make(chan time.Duration, cfg.totalOps)
	var (
		wg    sync.WaitGroup
		frees atomic.Int64
	)
	perWorker := cfg.totalOps / cfg.workers
	start := time.Now()
	for i := 0; i < cfg.workers; i++ {
		key := uint64(i + 1)
		wg.Add(1)
		if err := runners.Submit(func() {
			defer wg.Done()
			frees.Add(worker(key, perWorker, cfg, pool, limiter, latencies))
		}); err != nil {
			wg.Done()
			return fmt.Errorf("submit worker: %w", err)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(latencies)

	report(cfg, elapsed, latencies, frees.Load(), pool.Stats())
	logger.Info("benchmark complete", zap.Duration("elapsed", elapsed))
	return nil
}

// worker drives one arena through ops allocations and returns how many
// bulk frees it needed.
func worker(key uint64, ops int, cfg *benchConfig, pool *bufarena.Pool, limiter *rate.Limiter, latencies chan<- time.Duration) int64 {
	item := pool.Acquire(key)
	defer pool.Release(item)

	a := item.Arena
	rng := rand.New(rand.NewPCG(key, uint64(time.Now().UnixNano())))
	var frees int64
	for i := 0; i < ops; i++ {
		if limiter != nil {
			_ = limiter.Wait(context.Background())
		}
		size := cfg.minAlloc + rng.IntN(cfg.maxAlloc-cfg.minAlloc+1)
		begin := time.Now()
		if a.Available() < size {
			a.Free()
			frees++
		}
		b := a.Alloc(size)
		b[0] = byte(i) // touch the block so the compiler keeps the allocation
		latencies <- time.Since(begin)
	}
	return frees
}

func report(cfg *benchConfig, elapsed time.Duration, latencies <-chan time.Duration, frees int64, stats bufarena.PoolStats) {
	all := make([]time.Duration, 0, cfg.totalOps)
	for d := range latencies {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	fmt.Printf("\n=== arenabench ===\n")
	fmt.Printf("ops:         %d across %d workers\n", len(all), cfg.workers)
	fmt.Printf("elapsed:     %v\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("throughput:  %.0f ops/sec\n", float64(len(all))/secs)
	}
	fmt.Printf("bulk frees:  %d\n", frees)
	fmt.Printf("latency p50: %v\n", percentile(all, 50))
	fmt.Printf("latency p95: %v\n", percentile(all, 95))
	fmt.Printf("latency p99: %v\n", percentile(all, 99))
	fmt.Printf("pool:        %d acquired, %d created, %d recycled, %d released\n",
		stats.Acquires, stats.Created, stats.Recycled, stats.Releases)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
