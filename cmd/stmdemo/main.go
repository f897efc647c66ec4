// Command stmdemo exercises the stmcore runtime end to end: a
// concurrent-transfer benchmark, a live commit-stream watcher, and an
// HTTP server exposing metrics and a debug snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stmdemo",
	Short: "Exercises the stmcore STM runtime",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(benchCmd, watchCmd, serveCmd)
}
