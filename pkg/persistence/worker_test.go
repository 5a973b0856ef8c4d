package persistence

import (
	"fmt"
	"testing"
	"time"
)

func TestWorkerAppliesQueuedWrites(t *testing.T) {
	db, ops := openTestDB(t)

	w := NewWorker(db)
	w.Start()

	started := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	w.RecordRunStart(Run{RunID: "run-w", StartedAt: started, ItemsTotal: 2})
	w.RecordIteration(Iteration{RunID: "run-w", Seq: 1, ItemID: "parser", Agent: "claude", StartedAt: started})
	w.RecordIteration(Iteration{RunID: "run-w", Seq: 2, ItemID: "parser", Agent: "claude", Completed: true, StartedAt: started.Add(time.Minute)})
	finished := started.Add(2 * time.Minute)
	w.RecordRunEnd(Run{RunID: "run-w", FinishedAt: &finished, Status: StatusCompleted, ItemsTotal: 2, ItemsCompleted: 2, Iterations: 2})
	w.Stop()

	runs, err := ops.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != StatusCompleted {
		t.Fatalf("runs = %+v, want one completed run", runs)
	}
	its, err := ops.RunIterations("run-w")
	if err != nil {
		t.Fatalf("RunIterations: %v", err)
	}
	if len(its) != 2 {
		t.Errorf("got %d iterations, want 2", len(its))
	}
}

func TestWorkerStopDrainsQueue(t *testing.T) {
	db, ops := openTestDB(t)

	w := NewWorker(db)
	w.Start()

	started := time.Now().UTC()
	w.RecordRunStart(Run{RunID: "run-drain", StartedAt: started})
	for i := 1; i <= 50; i++ {
		w.RecordIteration(Iteration{RunID: "run-drain", Seq: i, ItemID: fmt.Sprintf("item-%d", i), Agent: "claude", StartedAt: started})
	}
	w.Stop()

	its, err := ops.RunIterations("run-drain")
	if err != nil {
		t.Fatalf("RunIterations: %v", err)
	}
	if len(its) != 50 {
		t.Errorf("got %d iterations after Stop, want all 50", len(its))
	}
}

func TestNilWorkerIsSafe(t *testing.T) {
	var w *Worker
	w.RecordRunStart(Run{RunID: "ignored"})
	w.RecordIteration(Iteration{RunID: "ignored"})
	w.RecordRunEnd(Run{RunID: "ignored"})
}

func TestWorkerIgnoresBadPayloads(t *testing.T) {
	db, ops := openTestDB(t)

	w := NewWorker(db)
	w.Start()
	w.ch <- &Request{Operation: OpCreateRun, Data: 42}
	w.ch <- &Request{Operation: Operation("no_such_op"), Data: Run{RunID: "x"}}
	w.ch <- nil
	w.Stop()

	runs, err := ops.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %+v, want none from malformed requests", runs)
	}
}
