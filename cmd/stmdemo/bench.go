package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobaltdb/stmcore/pkg/cell"
	"github.com/cobaltdb/stmcore/pkg/runtime"
)

var (
	benchAccounts int
	benchRounds   int
	benchWorkers  int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent-transfer workload and report throughput",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchAccounts, "accounts", 8, "number of accounts in the ring")
	benchCmd.Flags().IntVar(&benchRounds, "rounds", 2000, "transfers per worker")
	benchCmd.Flags().IntVar(&benchWorkers, "workers", 8, "concurrent workers")
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := runtime.LoadConfig("STMCORE")
	if err != nil {
		return err
	}
	rt := runtime.New(cfg)
	defer rt.Close()

	const startingBalance = 1000
	accounts := make([]*cell.Cell[int], benchAccounts)
	for i := range accounts {
		accounts[i] = runtime.NewCell(rt, startingBalance)
	}

	start := time.Now()
	var wg sync.WaitGroup
	var committed, retried int64
	var mu sync.Mutex

	for w := 0; w < benchWorkers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < benchRounds; i++ {
				from := accounts[(w+i)%len(accounts)]
				to := accounts[(w+i+1)%len(accounts)]
				attempts := 0
				err := rt.RunTransaction(ctx, func(ctx context.Context) error {
					attempts++
					if err := from.Modify(ctx, func(v int) int { return v - 1 }); err != nil {
						return err
					}
					return to.Modify(ctx, func(v int) int { return v + 1 })
				})
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "transfer failed: %v\n", err)
					continue
				}
				mu.Lock()
				committed++
				retried += int64(attempts - 1)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := 0
	for _, a := range accounts {
		v, _ := a.Read(context.Background())
		total += v
	}

	fmt.Fprintf(cmd.OutOrStdout(), "committed=%d retried=%d elapsed=%s throughput=%.0f/s conserved_total=%d (expected %d)\n",
		committed, retried, elapsed, float64(committed)/elapsed.Seconds(), total, benchAccounts*startingBalance)
	return nil
}
