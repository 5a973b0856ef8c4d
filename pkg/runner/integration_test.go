package runner

import (
	"context"
	"testing"
	"time"

	"drover/pkg/agent"
	"drover/pkg/backlog"
	"drover/pkg/eventlog"
	"drover/pkg/metrics"
	"drover/pkg/persistence"
)

// TestRunRecordsEverySurface drives one completing run with the history
// database, event trail, and metrics snapshot all attached, then checks
// each surface independently.
func TestRunRecordsEverySurface(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("all done")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	db, err := persistence.Open(env.paths.Database)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	worker := persistence.NewWorker(db)
	worker.Start()

	events, err := eventlog.NewWriter(env.paths.LogsDir)
	if err != nil {
		t.Fatalf("event writer: %v", err)
	}

	r := env.runner(func(o *Options) {
		o.Events = events
		o.History = worker
		o.Metrics = metrics.NewRecorder()
		o.OnIteration = env.markPassed()
	})

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}

	logPath := events.CurrentLogFile()
	if err := events.Close(); err != nil {
		t.Fatalf("close event writer: %v", err)
	}
	worker.Stop()

	ops := persistence.NewOperations(db)
	runs, err := ops.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d recorded runs, want 1", len(runs))
	}
	run := runs[0]
	if run.RunID != "run-test" || run.Status != persistence.StatusCompleted {
		t.Errorf("run = %+v, want run-test completed", run)
	}
	if run.ItemsCompleted != 1 || run.ItemsTotal != 1 || run.Iterations != 1 {
		t.Errorf("run counters = %d/%d in %d iterations, want 1/1 in 1", run.ItemsCompleted, run.ItemsTotal, run.Iterations)
	}
	if run.FinishedAt == nil {
		t.Error("run has no finish timestamp")
	}

	iters, err := ops.RunIterations("run-test")
	if err != nil {
		t.Fatalf("RunIterations: %v", err)
	}
	if len(iters) != 1 {
		t.Fatalf("got %d iteration rows, want 1", len(iters))
	}
	if iters[0].Seq != 1 || iters[0].ItemID != "US-001" || iters[0].Agent != "claude" || iters[0].ExitCode != 0 {
		t.Errorf("iteration row = %+v", iters[0])
	}

	evs, err := eventlog.ReadEvents(logPath)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(evs) < 4 {
		t.Fatalf("got %d events, want at least start/iteration pair/end", len(evs))
	}
	if evs[0].Type != eventlog.TypeRunStart {
		t.Errorf("first event = %s, want %s", evs[0].Type, eventlog.TypeRunStart)
	}
	if last := evs[len(evs)-1]; last.Type != eventlog.TypeRunEnd {
		t.Errorf("last event = %s, want %s", last.Type, eventlog.TypeRunEnd)
	}
	seen := map[string]bool{}
	for _, ev := range evs {
		seen[ev.Type] = true
		if ev.RunID != "run-test" {
			t.Errorf("event %s carries run id %q", ev.Type, ev.RunID)
		}
	}
	for _, want := range []string{eventlog.TypeIterationStart, eventlog.TypeIterationEnd} {
		if !seen[want] {
			t.Errorf("event trail missing %s", want)
		}
	}

	snap, err := metrics.SummarizeSnapshot(env.paths.Metrics)
	if err != nil {
		t.Fatalf("SummarizeSnapshot: %v", err)
	}
	if snap.Iterations != 1 || snap.Successes != 1 || snap.Failures != 0 || snap.RateLimited != 0 {
		t.Errorf("snapshot = %+v, want one clean success", snap)
	}
}

// TestRunHistoryIncludesLimitedAttempts checks that a rate-limited
// attempt lands in the iteration history alongside the successful retry
// on the fallback agent.
func TestRunHistoryIncludesLimitedAttempts(t *testing.T) {
	limited := agent.NewMockAgent("claude", agent.MockResponse{
		Result:    agent.Result{Output: "usage limit reached", ExitCode: 1, Duration: time.Millisecond},
		RateLimit: &agent.RateLimitInfo{Limited: true, Message: "usage limit reached"},
	})
	healthy := agent.NewMockAgent("codex", successScript("done")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, limited, healthy)

	db, err := persistence.Open(env.paths.Database)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	worker := persistence.NewWorker(db)
	worker.Start()

	r := env.runner(func(o *Options) {
		o.History = worker
		o.OnIteration = env.markPassed()
	})
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	worker.Stop()

	iters, err := persistence.NewOperations(db).RunIterations("run-test")
	if err != nil {
		t.Fatalf("RunIterations: %v", err)
	}
	if len(iters) != 2 {
		t.Fatalf("got %d iteration rows, want limited attempt plus retry", len(iters))
	}
	if !iters[0].RateLimited || iters[0].Agent != "claude" {
		t.Errorf("first row = %+v, want rate-limited claude", iters[0])
	}
	if iters[1].RateLimited || iters[1].Agent != "codex" || iters[1].Seq != 1 {
		t.Errorf("second row = %+v, want codex success on the same seq", iters[1])
	}
}
