// Package runner drives the orchestration loop: reload the backlog,
// drain the mailbox, pick an item, resolve an agent past rate limits,
// compose the prompt, invoke, and publish the result, until the backlog
// completes, the iteration cap is hit, or an abort arrives.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"drover/pkg/agent"
	"drover/pkg/backlog"
	"drover/pkg/config"
	"drover/pkg/eventlog"
	"drover/pkg/fallback"
	"drover/pkg/logx"
	"drover/pkg/mailbox"
	"drover/pkg/metrics"
	"drover/pkg/persistence"
	"drover/pkg/prompt"
	"drover/pkg/utils"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusCapExhausted Status = "cap-exhausted"
	StatusAborted      Status = "aborted"
	StatusFailed       Status = "failed"
)

// Summary is the single end-of-run report every termination produces.
type Summary struct {
	Status         Status `json:"status"`
	ItemsCompleted int    `json:"itemsCompleted"`
	ItemsTotal     int    `json:"itemsTotal"`
	Iterations     int    `json:"iterations"`
	DurationMs     int64  `json:"durationMs"`
}

// IterationResult describes one agent invocation, including retries
// that ended in a rate limit.
type IterationResult struct {
	Seq         int
	ItemID      string
	Agent       string
	Model       string
	RateLimited bool
	Completed   bool
	ExitCode    int
	Duration    time.Duration
	StartedAt   time.Time
}

// Decider resolves an item and mode to an agent and model when no
// agent is pinned.
type Decider func(item backlog.Item, mode string) (agentName, model string, err error)

// ConfigDecider routes through the config's mode table.
func ConfigDecider(cfg *config.Config) Decider {
	return func(_ backlog.Item, mode string) (string, string, error) {
		return cfg.Route(mode)
	}
}

// Options wires a Runner. Config, Registry, Tracker, Mailbox, Store,
// and Composer are required; Events, History, Metrics, Stream, and
// OnIteration are optional.
type Options struct {
	Paths    config.Paths
	Config   *config.Config
	Registry *agent.Registry
	Tracker  *fallback.Tracker
	Mailbox  *mailbox.Mailbox
	Store    *backlog.Store
	Composer *prompt.Composer
	Decide   Decider
	Events   *eventlog.Writer
	History  *persistence.Worker
	Metrics  *metrics.Recorder

	RunID      string
	BasePrompt string
	// ModelOverride forces the model regardless of routing.
	ModelOverride string
	// Stream receives live agent output when the agent can stream.
	Stream io.Writer
	// OnIteration is called after each published result.
	OnIteration func(IterationResult)
}

// Runner executes one run. Construct with New; a Runner is not
// reusable across runs (fallback state and progress are per-run).
type Runner struct {
	paths    config.Paths
	cfg      *config.Config
	registry *agent.Registry
	tracker  *fallback.Tracker
	mailbox  *mailbox.Mailbox
	store    *backlog.Store
	composer *prompt.Composer
	decide   Decider
	events   *eventlog.Writer
	history  *persistence.Worker
	metrics  *metrics.Recorder

	runID         string
	basePrompt    string
	modelOverride string
	stream        io.Writer
	onIteration   func(IterationResult)

	logger     *logx.Logger
	started    time.Time
	runStarted bool
	sleep      func(context.Context, time.Duration) error
	// pollInterval paces the pause watchers.
	pollInterval time.Duration

	mu       sync.Mutex
	progress Progress
	carry    mailbox.DrainResult

	stdinOnce sync.Once
	enterCh   chan struct{}
}

// New validates the wiring and returns a ready Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("runner: config is required")
	case opts.Registry == nil:
		return nil, errors.New("runner: agent registry is required")
	case opts.Tracker == nil:
		return nil, errors.New("runner: fallback tracker is required")
	case opts.Mailbox == nil:
		return nil, errors.New("runner: mailbox is required")
	case opts.Store == nil:
		return nil, errors.New("runner: backlog store is required")
	case opts.Composer == nil:
		return nil, errors.New("runner: prompt composer is required")
	}

	if opts.Decide == nil {
		opts.Decide = ConfigDecider(opts.Config)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder()
	}
	if opts.RunID == "" {
		opts.RunID = utils.RunID(time.Now())
	}

	return &Runner{
		paths:         opts.Paths,
		cfg:           opts.Config,
		registry:      opts.Registry,
		tracker:       opts.Tracker,
		mailbox:       opts.Mailbox,
		store:         opts.Store,
		composer:      opts.Composer,
		decide:        opts.Decide,
		events:        opts.Events,
		history:       opts.History,
		metrics:       opts.Metrics,
		runID:         opts.RunID,
		basePrompt:    opts.BasePrompt,
		modelOverride: opts.ModelOverride,
		stream:        opts.Stream,
		onIteration:   opts.OnIteration,
		logger:        logx.NewLogger("runner"),
		sleep:         sleepContext,
		pollInterval:  500 * time.Millisecond,
		progress: Progress{
			RunID: opts.RunID,
			State: StateRunning,
		},
	}, nil
}

// RunID returns the identifier of this run.
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the loop until termination. The summary is always
// populated; a non-nil error marks a fatal stop.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.started = time.Now()
	r.mu.Lock()
	r.progress.StartedAt = r.started.UTC()
	r.mu.Unlock()

	b, err := r.store.Load()
	if err != nil {
		return r.finish(Summary{Status: StatusFailed, Iterations: 0}, err)
	}
	if !r.registry.AnyInstalled() {
		err := logx.Errorf("no configured agent is installed (checked: %s)", strings.Join(r.registry.Names(), ", "))
		return r.finish(r.summarize(StatusFailed, b, 0), err)
	}

	r.event(eventlog.Event{Type: eventlog.TypeRunStart, Detail: fmt.Sprintf("%d items", b.Len())})
	r.history.RecordRunStart(persistence.Run{
		RunID:      r.runID,
		StartedAt:  r.started.UTC(),
		Status:     persistence.StatusRunning,
		ItemsTotal: b.Len(),
	})
	r.runStarted = true
	r.writeStatus()

	summary, err := r.loop(ctx)
	return r.finish(summary, err)
}

// loop is the iteration state machine.
func (r *Runner) loop(ctx context.Context) (Summary, error) {
	iterations := 0
	var lastKnown *backlog.Backlog

	for {
		if ctx.Err() != nil {
			r.logger.Info("run cancelled")
			return r.summarize(StatusAborted, lastKnown, iterations), nil
		}

		// Step 1: fresh reload, success termination check.
		b, err := r.store.Load()
		if err != nil {
			return r.summarize(StatusFailed, lastKnown, iterations), err
		}
		lastKnown = b
		r.setCounts(b.Len(), b.CountPassed(), b.CountSkipped())
		r.metrics.SetBacklog(b.Len(), b.CountPassed(), b.CountSkipped())
		if b.Completed() {
			return r.summarize(StatusCompleted, b, iterations), nil
		}

		// Step 11: the cap bounds budget-consuming iterations.
		if iterations >= r.cfg.Loop.MaxIterations {
			r.logger.Warn("iteration cap %d reached with %d/%d items done", r.cfg.Loop.MaxIterations, b.CountPassed(), b.Len())
			return r.summarize(StatusCapExhausted, b, iterations), nil
		}

		// Step 2: drain and apply control commands.
		outcome, err := r.drainAndApply(ctx, b)
		if err != nil {
			if isContextErr(err) {
				return r.summarize(StatusAborted, b, iterations), nil
			}
			return r.summarize(StatusFailed, b, iterations), err
		}
		if outcome.aborted {
			return r.summarize(StatusAborted, b, iterations), nil
		}

		// Step 3: select the next eligible item.
		item, ok := b.NextEligible()
		if !ok {
			return r.summarize(StatusCompleted, b, iterations), nil
		}

		// Steps 4-10 with limited retries that consume no budget.
		if err := r.iterate(ctx, *item, outcome.guidance, iterations+1); err != nil {
			if isContextErr(err) {
				return r.summarize(StatusAborted, b, iterations), nil
			}
			return r.summarize(StatusFailed, b, iterations), err
		}
		iterations++
	}
}

// iterate runs steps 4 through 10 for one selected item. Rate-limited
// attempts retry internally from step 4 without consuming budget.
func (r *Runner) iterate(ctx context.Context, item backlog.Item, guidance []string, seq int) error {
	order := fallback.Normalize(r.cfg.Agents.FallbackOrder)
	var limitedWait time.Duration

	for {
		// Step 4: resolve the agent.
		name, model, err := r.resolve(item)
		if err != nil {
			return err
		}

		// Step 5: route around rate limits and missing installs.
		name, err = r.eligibleAgent(name, order)
		if err != nil {
			if !errors.Is(err, fallback.ErrNoAgentAvailable) {
				return err
			}
			if waitErr := r.waitLimited(ctx, &limitedWait); waitErr != nil {
				return waitErr
			}
			continue
		}
		a, ok := r.registry.Get(name)
		if !ok {
			return logx.Errorf("agent %q is not registered", name)
		}

		r.setActive(item.ID, name, model, seq)
		r.event(eventlog.Event{Type: eventlog.TypeIterationStart, Iteration: seq, ItemID: item.ID, Agent: name, Model: model})
		r.writeStatus()

		// Step 6: compose the prompt.
		composed := r.composer.Compose(r.basePrompt, guidance)
		tokens := r.composer.EstimateTokens(composed)
		r.logger.Info("iteration %d: item %s on %s (%d prompt tokens estimated)", seq, item.ID, name, tokens)
		r.metrics.ObservePromptTokens(tokens)

		// Step 7: invoke.
		r.setState(StateInvoking)
		invokeOpts := agent.InvokeOptions{
			WorkDir: r.paths.ProjectDir,
			Model:   model,
			Timeout: r.cfg.AgentTimeout(),
			Env:     config.SecretEnvPairs(),
		}
		startedAt := time.Now()
		var res agent.Result
		var invErr error
		if streamer, canStream := a.(agent.Streamer); canStream && r.stream != nil {
			res, invErr = streamer.InvokeStreaming(ctx, composed, invokeOpts, r.stream)
		} else {
			res, invErr = a.Invoke(ctx, composed, invokeOpts)
		}
		r.setState(StateRunning)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Step 8: rate-limit detection on the captured output.
		if info := a.DetectRateLimit(res.Output); info.Limited {
			r.tracker.MarkLimited(name, info.ResetTime)
			r.metrics.IncRateLimited(name)
			r.logger.Warn("agent %s rate-limited: %s", name, info.Message)
			r.event(eventlog.Event{Type: eventlog.TypeRateLimit, Iteration: seq, ItemID: item.ID, Agent: name, Detail: info.Message})
			r.publish(IterationResult{
				Seq:         seq,
				ItemID:      item.ID,
				Agent:       name,
				Model:       model,
				RateLimited: true,
				ExitCode:    res.ExitCode,
				Duration:    res.Duration,
				StartedAt:   startedAt,
			}, "")
			if waitErr := r.waitLimited(ctx, &limitedWait); waitErr != nil {
				return waitErr
			}
			continue
		}
		r.tracker.Clear(name)

		if invErr != nil {
			r.logger.Error("invoking %s for %s: %v", name, item.ID, invErr)
		}

		// Steps 9-10: completion signal is informational; publish.
		result := IterationResult{
			Seq:       seq,
			ItemID:    item.ID,
			Agent:     name,
			Model:     model,
			Completed: res.Completed,
			ExitCode:  res.ExitCode,
			Duration:  res.Duration,
			StartedAt: startedAt,
		}
		outcome := metrics.OutcomeSuccess
		if invErr != nil || res.ExitCode != 0 {
			outcome = metrics.OutcomeFailure
		}
		if res.Completed {
			r.logger.Info("agent signalled completion on %s", item.ID)
		}
		r.event(eventlog.Event{
			Type: eventlog.TypeIterationEnd, Iteration: seq, ItemID: item.ID,
			Agent: name, Model: model,
			Detail: fmt.Sprintf("exit=%d completed=%t duration=%s", res.ExitCode, res.Completed, res.Duration.Round(time.Millisecond)),
		})
		r.publish(result, outcome)
		return nil
	}
}

// resolve performs step 4: pinned agent or routing decision. A pinned
// agent only inherits the mode table's model when the route agrees on
// the agent; other agents fall back to their own default model.
func (r *Runner) resolve(item backlog.Item) (name, model string, err error) {
	if pinned := r.cfg.Agents.Pinned; pinned != "" {
		name = pinned
		if routedAgent, routedModel, routeErr := r.cfg.Route(r.cfg.Loop.Mode); routeErr == nil && routedAgent == pinned {
			model = routedModel
		}
	} else {
		name, model, err = r.decide(item, r.cfg.Loop.Mode)
		if err != nil {
			return "", "", logx.Wrap(err, "routing decision")
		}
	}
	if r.modelOverride != "" {
		model = r.modelOverride
	}
	return name, model, nil
}

// eligibleAgent performs step 5: keep the resolved agent when it is
// installed and unlimited, otherwise substitute along the fallback
// order.
func (r *Runner) eligibleAgent(name string, order []string) (string, error) {
	if r.registry.Installed(name) && !r.tracker.Limited(name) {
		return name, nil
	}

	substitute, err := r.tracker.NextEligible(order, r.registry.Installed)
	if err != nil {
		return "", err
	}
	if substitute != name {
		r.logger.Info("agent %s unavailable, falling back to %s", name, substitute)
		r.metrics.IncFallback(name, substitute)
		r.event(eventlog.Event{Type: eventlog.TypeFallback, Agent: substitute, Detail: fmt.Sprintf("%s -> %s", name, substitute)})
	}
	return substitute, nil
}

// waitLimited sleeps out the bounded retry delay, accounting the total
// limited wait for this iteration against the configured ceiling.
func (r *Runner) waitLimited(ctx context.Context, accumulated *time.Duration) error {
	delay := r.cfg.RetryDelay()
	maxWait := r.cfg.MaxTotalWait()
	if maxWait > 0 && *accumulated+delay > maxWait {
		return logx.Errorf("rate-limit wait exceeded %s (limited agents: %s)", maxWait, r.limitedAgents())
	}
	*accumulated += delay

	r.setState(StateWaiting)
	r.writeStatus()
	if eligible, ok := r.tracker.EarliestEligibility(); ok {
		r.logger.Info("all agents limited, retrying in %s (earliest reset %s)", delay, eligible.Format(time.RFC3339))
	} else {
		r.logger.Info("retrying in %s", delay)
	}
	err := r.sleep(ctx, delay)
	r.setState(StateRunning)
	return err
}

func (r *Runner) limitedAgents() string {
	snapshot := r.tracker.Snapshot()
	if len(snapshot) == 0 {
		return "none"
	}
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// publish records an IterationResult on every attached surface. An
// empty outcome marks a rate-limited attempt that consumed no budget.
func (r *Runner) publish(result IterationResult, outcome string) {
	r.history.RecordIteration(persistence.Iteration{
		RunID:       r.runID,
		Seq:         result.Seq,
		ItemID:      result.ItemID,
		Agent:       result.Agent,
		Model:       result.Model,
		RateLimited: result.RateLimited,
		Completed:   result.Completed,
		ExitCode:    result.ExitCode,
		DurationMs:  result.Duration.Milliseconds(),
		StartedAt:   result.StartedAt.UTC(),
	})
	if outcome != "" {
		r.metrics.ObserveIteration(result.Agent, outcome, result.Duration)
	}
	if r.onIteration != nil {
		r.onIteration(result)
	}
	r.writeStatus()
}

// summarize builds the termination summary from the freshest backlog.
func (r *Runner) summarize(status Status, b *backlog.Backlog, iterations int) Summary {
	summary := Summary{
		Status:     status,
		Iterations: iterations,
		DurationMs: time.Since(r.started).Milliseconds(),
	}
	if b != nil {
		summary.ItemsCompleted = b.CountPassed()
		summary.ItemsTotal = b.Len()
	} else {
		r.mu.Lock()
		summary.ItemsCompleted = r.progress.ItemsPassed
		summary.ItemsTotal = r.progress.ItemsTotal
		r.mu.Unlock()
	}
	return summary
}

// finish closes out the run on every surface and returns the summary.
func (r *Runner) finish(summary Summary, err error) (Summary, error) {
	r.setState(StateDone)

	detail := string(summary.Status)
	if err != nil {
		detail = fmt.Sprintf("%s: %v", summary.Status, err)
	}
	r.event(eventlog.Event{Type: eventlog.TypeRunEnd, Iteration: summary.Iterations, Detail: detail})

	if r.runStarted {
		finished := time.Now().UTC()
		r.history.RecordRunEnd(persistence.Run{
			RunID:          r.runID,
			StartedAt:      r.started.UTC(),
			FinishedAt:     &finished,
			Status:         persistenceStatus(summary.Status),
			ItemsTotal:     summary.ItemsTotal,
			ItemsCompleted: summary.ItemsCompleted,
			Iterations:     summary.Iterations,
			DurationMs:     summary.DurationMs,
		})
	}

	if r.paths.Metrics != "" {
		if snapErr := r.metrics.WriteSnapshot(r.paths.Metrics); snapErr != nil {
			r.logger.Warn("metrics snapshot not written: %v", snapErr)
		}
	}
	r.writeStatus()
	return summary, err
}

func persistenceStatus(status Status) string {
	switch status {
	case StatusCompleted:
		return persistence.StatusCompleted
	case StatusCapExhausted:
		return persistence.StatusCapExhausted
	case StatusAborted:
		return persistence.StatusAborted
	default:
		return persistence.StatusFailed
	}
}

// event writes to the trail when one is attached.
func (r *Runner) event(e eventlog.Event) {
	if r.events == nil {
		return
	}
	e.RunID = r.runID
	if err := r.events.Write(e); err != nil {
		r.logger.Debug("event not recorded: %v", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepContext waits d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
