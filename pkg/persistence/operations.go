package persistence

import (
	"database/sql"
	"time"

	"drover/pkg/logx"
)

// timeFormat is how timestamps are stored: RFC3339 with a fixed-width
// fraction, so lexicographic order on the TEXT column matches time
// order and ORDER BY started_at stays correct.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Operations wraps the SQL statements the rest of the program needs.
// All writes are expected to arrive via the worker; reads may be called
// from anywhere.
type Operations struct {
	db *sql.DB
}

// NewOperations returns an Operations bound to db.
func NewOperations(db *sql.DB) *Operations {
	return &Operations{db: db}
}

// CreateRun inserts a new run row in StatusRunning.
func (o *Operations) CreateRun(run Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	_, err := o.db.Exec(
		`INSERT INTO runs (run_id, started_at, status, items_total, items_completed, iterations, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UTC().Format(timeFormat), run.Status,
		run.ItemsTotal, run.ItemsCompleted, run.Iterations, run.DurationMs,
	)
	return logx.Wrap(err, "insert run")
}

// FinishRun records the terminal state and final counters of a run.
func (o *Operations) FinishRun(run Run) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	res, err := o.db.Exec(
		`UPDATE runs
		 SET finished_at = ?, status = ?, items_total = ?, items_completed = ?, iterations = ?, duration_ms = ?
		 WHERE run_id = ?`,
		finished.Format(timeFormat), run.Status,
		run.ItemsTotal, run.ItemsCompleted, run.Iterations, run.DurationMs,
		run.RunID,
	)
	if err != nil {
		return logx.Wrap(err, "finish run")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return logx.Errorf("finish run: run %s not found", run.RunID)
	}
	return nil
}

// InsertIteration appends one iteration record to a run's history.
func (o *Operations) InsertIteration(it Iteration) error {
	_, err := o.db.Exec(
		`INSERT INTO iterations (run_id, seq, item_id, agent, model, rate_limited, completed, exit_code, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.RunID, it.Seq, it.ItemID, it.Agent, it.Model,
		boolToInt(it.RateLimited), boolToInt(it.Completed),
		it.ExitCode, it.DurationMs, it.StartedAt.UTC().Format(timeFormat),
	)
	return logx.Wrap(err, "insert iteration")
}

// RecentRuns returns up to n runs, most recently started first.
func (o *Operations) RecentRuns(n int) ([]Run, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := o.db.Query(
		`SELECT run_id, started_at, finished_at, status, items_total, items_completed, iterations, duration_ms
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, logx.Wrap(err, "query recent runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&run.RunID, &started, &finished, &run.Status,
			&run.ItemsTotal, &run.ItemsCompleted, &run.Iterations, &run.DurationMs); err != nil {
			return nil, logx.Wrap(err, "scan run")
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, logx.Wrap(rows.Err(), "iterate runs")
}

// RunIterations returns a run's iteration records in sequence order.
// Rate-limited attempts share their retry's seq; the insertion id keeps
// them in attempt order.
func (o *Operations) RunIterations(runID string) ([]Iteration, error) {
	rows, err := o.db.Query(
		`SELECT run_id, seq, item_id, agent, model, rate_limited, completed, exit_code, duration_ms, started_at
		 FROM iterations WHERE run_id = ? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, logx.Wrap(err, "query run iterations")
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		var (
			it                    Iteration
			started               string
			rateLimited, complete int
		)
		if err := rows.Scan(&it.RunID, &it.Seq, &it.ItemID, &it.Agent, &it.Model,
			&rateLimited, &complete, &it.ExitCode, &it.DurationMs, &started); err != nil {
			return nil, logx.Wrap(err, "scan iteration")
		}
		it.RateLimited = rateLimited != 0
		it.Completed = complete != 0
		if it.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return its, logx.Wrap(rows.Err(), "iterate iterations")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, logx.Wrap(err, "parse stored timestamp")
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
