package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"drover/pkg/config"
	"drover/pkg/metrics"
	"drover/pkg/persistence"
)

func historyCommand(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	limit := fs.Int("n", 10, "How many runs to show")
	_ = fs.Parse(args)

	paths := config.NewPaths(*projectDir)
	if _, err := os.Stat(paths.Database); os.IsNotExist(err) {
		fmt.Println("No run history yet")
		return 0
	}

	db, err := persistence.Open(paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	runs, err := persistence.NewOperations(db).RecentRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query runs: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("No run history yet")
		return 0
	}

	fmt.Printf("%-30s %-20s %-14s %-7s %-11s %s\n",
		"RUN ID", "STARTED", "STATUS", "ITEMS", "ITERATIONS", "DURATION")
	for _, run := range runs {
		items := fmt.Sprintf("%d/%d", run.ItemsCompleted, run.ItemsTotal)
		duration := "-"
		if run.FinishedAt != nil {
			duration = (time.Duration(run.DurationMs) * time.Millisecond).Round(time.Second).String()
		}
		fmt.Printf("%-30s %-20s %-14s %-7s %-11d %s\n",
			run.RunID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Status,
			items,
			run.Iterations,
			duration)
	}

	// The metrics snapshot covers the most recent run only; skip the line
	// when no snapshot has been written.
	if summary, err := metrics.SummarizeSnapshot(paths.Metrics); err == nil {
		fmt.Printf("\nLast run: %d iterations (%d ok, %d failed), %d rate limited\n",
			summary.Iterations, summary.Successes, summary.Failures, summary.RateLimited)
	}
	return 0
}
