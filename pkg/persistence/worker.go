package persistence

import (
	"database/sql"

	"drover/pkg/logx"
)

// Operation tags a Request so the worker knows which statement to run.
type Operation string

const (
	OpCreateRun       Operation = "create_run"
	OpFinishRun       Operation = "finish_run"
	OpInsertIteration Operation = "insert_iteration"
)

// Request is one write handed to the worker. Data carries a Run or an
// Iteration depending on the operation.
type Request struct {
	Operation Operation
	Data      any
}

// Worker drains write requests onto the database from a single
// goroutine. The loop enqueues and moves on; failures are logged, not
// surfaced, because losing a history row must never stop a run.
type Worker struct {
	ops    *Operations
	ch     chan *Request
	done   chan struct{}
	logger *logx.Logger
}

// NewWorker builds a worker over db with a buffered request channel.
func NewWorker(db *sql.DB) *Worker {
	return &Worker{
		ops:    NewOperations(db),
		ch:     make(chan *Request, 64),
		done:   make(chan struct{}),
		logger: logx.NewLogger("persistence"),
	}
}

// Start launches the worker goroutine. Call Stop to drain and halt it.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		for req := range w.ch {
			w.process(req)
		}
	}()
}

// Stop closes the request channel and blocks until every queued write
// has been applied.
func (w *Worker) Stop() {
	close(w.ch)
	<-w.done
}

func (w *Worker) process(req *Request) {
	if req == nil {
		return
	}
	switch req.Operation {
	case OpCreateRun:
		run, ok := req.Data.(Run)
		if !ok {
			w.logger.Error("create_run request carries %T, want Run", req.Data)
			return
		}
		if err := w.ops.CreateRun(run); err != nil {
			w.logger.Error("record run start %s: %v", run.RunID, err)
		}
	case OpFinishRun:
		run, ok := req.Data.(Run)
		if !ok {
			w.logger.Error("finish_run request carries %T, want Run", req.Data)
			return
		}
		if err := w.ops.FinishRun(run); err != nil {
			w.logger.Error("record run end %s: %v", run.RunID, err)
		}
	case OpInsertIteration:
		it, ok := req.Data.(Iteration)
		if !ok {
			w.logger.Error("insert_iteration request carries %T, want Iteration", req.Data)
			return
		}
		if err := w.ops.InsertIteration(it); err != nil {
			w.logger.Error("record iteration %d of %s: %v", it.Seq, it.RunID, err)
		}
	default:
		w.logger.Warn("unknown persistence operation %q", req.Operation)
	}
}

// RecordRunStart queues a run-start row. Nil-safe so callers without a
// database configured can hold a nil worker.
func (w *Worker) RecordRunStart(run Run) {
	if w == nil {
		return
	}
	w.ch <- &Request{Operation: OpCreateRun, Data: run}
}

// RecordRunEnd queues the terminal update for a run.
func (w *Worker) RecordRunEnd(run Run) {
	if w == nil {
		return
	}
	w.ch <- &Request{Operation: OpFinishRun, Data: run}
}

// RecordIteration queues one iteration record.
func (w *Worker) RecordIteration(it Iteration) {
	if w == nil {
		return
	}
	w.ch <- &Request{Operation: OpInsertIteration, Data: it}
}
