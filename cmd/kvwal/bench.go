package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/kvwal/target"
	"github.com/spf13/cobra"
)

type benchConfig struct {
	ops         int
	keys        int
	valueSize   int
	workers     int
	readPercent int
}

type benchResult struct {
	puts, gets, misses uint64
	elapsed            time.Duration
}

func (r benchResult) String() string {
	total := r.puts + r.gets
	rate := float64(total) / r.elapsed.Seconds()
	return fmt.Sprintf("%d ops in %s (%.0f ops/s): %d puts, %d gets, %d misses",
		total, r.elapsed.Round(time.Millisecond), rate, r.puts, r.gets, r.misses)
}

func newBenchCmd(g *globalFlags) *cobra.Command {
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a mixed put/get load through the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := runBench(cmd.Context(), s.target, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res)
			m := s.engine.Metrics().Snapshot()
			fmt.Fprintf(out, "switches %d, dump groups %d (%.1f objects each), busy retries %d, write misses %d\n",
				m.Switches, m.DumpGroups, float64(m.DumpObjects)/max(1, float64(m.DumpGroups)), m.BusyRetries, m.WriteMisses)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&cfg.ops, "ops", "n", 100000, "Total operations")
	f.IntVar(&cfg.keys, "keys", 10000, "Distinct keys")
	f.IntVar(&cfg.valueSize, "value-size", 512, "Value size in bytes")
	f.IntVarP(&cfg.workers, "workers", "w", 16, "Concurrent clients")
	f.IntVar(&cfg.readPercent, "reads", 50, "Percentage of gets")
	return cmd
}

func runBench(ctx context.Context, tg *target.Target, cfg benchConfig) (benchResult, error) {
	if cfg.workers <= 0 || cfg.keys <= 0 || cfg.valueSize <= 0 {
		return benchResult{}, fmt.Errorf("workers, keys and value size must be positive")
	}
	var (
		puts, gets, misses atomic.Uint64
		next               atomic.Int64
		wg                 sync.WaitGroup
		firstErr           error
		errOnce            sync.Once
	)
	start := time.Now()
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			value := make([]byte, cfg.valueSize)
			for next.Add(1) <= int64(cfg.ops) {
				key := []byte(fmt.Sprintf("bench-%08d", rng.Intn(cfg.keys)))
				if rng.Intn(100) < cfg.readPercent {
					gets.Add(1)
					if _, err := tg.Get(ctx, key); err != nil {
						misses.Add(1)
					}
					continue
				}
				rng.Read(value)
				if err := tg.Put(ctx, key, value); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				puts.Add(1)
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	return benchResult{
		puts:    puts.Load(),
		gets:    gets.Load(),
		misses:  misses.Load(),
		elapsed: time.Since(start),
	}, firstErr
}
