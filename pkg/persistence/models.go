package persistence

import "time"

// Run statuses. A run starts as StatusRunning and ends in exactly one
// of the terminal states.
const (
	StatusRunning      = "running"
	StatusCompleted    = "completed"
	StatusCapExhausted = "cap-exhausted"
	StatusAborted      = "aborted"
	StatusFailed       = "failed"
)

// Run is one orchestration run from start to termination.
type Run struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string
	ItemsTotal     int
	ItemsCompleted int
	Iterations     int
	DurationMs     int64
}

// Iteration is one pass through the loop: which item ran, on which
// agent, and how the invocation ended. Rate-limited passes are recorded
// too so history shows where time went.
type Iteration struct {
	RunID       string
	Seq         int
	ItemID      string
	Agent       string
	Model       string
	RateLimited bool
	Completed   bool
	ExitCode    int
	DurationMs  int64
	StartedAt   time.Time
}
