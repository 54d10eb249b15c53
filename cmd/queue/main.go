// ============================================================================
// Distributed Task Queue — Entry Point
// ============================================================================
//
// File: cmd/queue/main.go
// Purpose: Application entry point and CLI initialization.
//
// Injects version/commit/date via ldflags, recovers from top-level panics,
// and builds and executes the Cobra command tree.
//
// Usage:
//   ./taskqueue run                 # start the maintenance loop + workers
//   ./taskqueue enqueue -f jobs.json # submit jobs from a file
//   ./taskqueue status               # print a stats snapshot
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/Michyjones/distributed-task-queue/internal/cli"
)

// Build-time version injection via ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
