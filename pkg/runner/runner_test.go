package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"drover/pkg/agent"
	"drover/pkg/backlog"
	"drover/pkg/config"
	"drover/pkg/fallback"
	"drover/pkg/mailbox"
	"drover/pkg/prompt"
	"drover/pkg/utils"
)

const testBasePrompt = "Work the next backlog item to completion."

type testEnv struct {
	t        *testing.T
	paths    config.Paths
	cfg      *config.Config
	store    *backlog.Store
	mbox     *mailbox.Mailbox
	registry *agent.Registry
	tracker  *fallback.Tracker
}

// newTestEnv lays out a project dir with a backlog and registers the
// given agents. The first agent is the mode route target.
func newTestEnv(t *testing.T, items []backlog.Item, agents ...agent.Agent) *testEnv {
	t.Helper()

	paths := config.NewPaths(t.TempDir())
	if err := utils.EnsureDir(paths.StateDir); err != nil {
		t.Fatalf("state dir: %v", err)
	}
	cfg := config.Default()
	cfg.Loop.MaxIterations = 10
	cfg.RateLimit.RetryDelaySec = 1

	names := make([]string, 0, len(agents))
	registry := agent.NewRegistry()
	for _, a := range agents {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
		names = append(names, a.Name())
	}
	cfg.Agents.FallbackOrder = names
	cfg.Agents.DefaultMode = "balanced"
	cfg.Loop.Mode = "balanced"
	if len(names) > 0 {
		cfg.Agents.Modes = map[string]config.ModeRoute{
			"balanced": {Agent: names[0], Model: "mock-model"},
		}
	}

	store := backlog.NewStore(paths.Backlog)
	if err := store.Save(&backlog.Backlog{Items: items}); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}

	mbox, err := mailbox.New(paths.MailboxDir, cfg.LockTimeout())
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}

	return &testEnv{
		t:        t,
		paths:    paths,
		cfg:      cfg,
		store:    store,
		mbox:     mbox,
		registry: registry,
		tracker:  fallback.NewTracker(cfg.Cooldown()),
	}
}

func (e *testEnv) runner(mutate func(*Options)) *Runner {
	e.t.Helper()
	opts := Options{
		Paths:      e.paths,
		Config:     e.cfg,
		Registry:   e.registry,
		Tracker:    e.tracker,
		Mailbox:    e.mbox,
		Store:      e.store,
		Composer:   prompt.NewComposer("", 0),
		RunID:      "run-test",
		BasePrompt: testBasePrompt,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	if err != nil {
		e.t.Fatalf("New: %v", err)
	}
	r.pollInterval = 20 * time.Millisecond
	return r
}

// markPassed flips the worked item's passes flag, standing in for the
// external agent's own backlog mutation.
func (e *testEnv) markPassed() func(IterationResult) {
	return func(res IterationResult) {
		if res.RateLimited {
			return
		}
		b, err := e.store.Load()
		if err != nil {
			return
		}
		if item, ok := b.Find(res.ItemID); ok {
			item.Passes = true
			_ = e.store.Save(b)
		}
	}
}

func (e *testEnv) add(t *testing.T, content string) {
	t.Helper()
	if _, err := e.mbox.Add(content); err != nil {
		t.Fatalf("mailbox add %q: %v", content, err)
	}
}

func (e *testEnv) reload(t *testing.T) *backlog.Backlog {
	t.Helper()
	b, err := e.store.Load()
	if err != nil {
		t.Fatalf("reload backlog: %v", err)
	}
	return b
}

// resultCollector gathers published results race-safely.
type resultCollector struct {
	mu      sync.Mutex
	results []IterationResult
}

func (c *resultCollector) hook(next func(IterationResult)) func(IterationResult) {
	return func(res IterationResult) {
		c.mu.Lock()
		c.results = append(c.results, res)
		c.mu.Unlock()
		if next != nil {
			next(res)
		}
	}
}

func (c *resultCollector) itemOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, res := range c.results {
		if !res.RateLimited {
			ids = append(ids, res.ItemID)
		}
	}
	return ids
}

func (c *resultCollector) all() []IterationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]IterationResult(nil), c.results...)
}

func successScript(output string) []agent.MockResponse {
	return []agent.MockResponse{{Result: agent.Result{Output: output, ExitCode: 0, Duration: 5 * time.Millisecond}}}
}

func TestRunCompletesBacklog(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("did the work")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	r := env.runner(func(o *Options) { o.OnIteration = env.markPassed() })
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	if summary.Iterations != 1 || summary.ItemsCompleted != 1 || summary.ItemsTotal != 1 {
		t.Errorf("summary = %+v, want 1 iteration completing 1/1", summary)
	}
	if mock.CallCount() != 1 {
		t.Errorf("agent invoked %d times, want 1", mock.CallCount())
	}
}

func TestRunSkipCommandEndToEnd(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{
		{ID: "US-001", Priority: 1},
		{ID: "US-002", Priority: 2},
	}, mock)
	env.add(t, "[SKIP US-002]")

	collector := &resultCollector{}
	r := env.runner(func(o *Options) { o.OnIteration = collector.hook(env.markPassed()) })
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	if got := collector.itemOrder(); len(got) != 1 || got[0] != "US-001" {
		t.Errorf("worked items = %v, want only US-001", got)
	}

	b := env.reload(t)
	us2, _ := b.Find("US-002")
	if !us2.Skipped || us2.Passes {
		t.Errorf("US-002 = %+v, want skipped and not passed", us2)
	}
	us1, _ := b.Find("US-001")
	if !us1.Passes {
		t.Errorf("US-001 not marked passed")
	}
}

func TestRunPriorityReordersSelection(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{
		{ID: "A", Priority: 2},
		{ID: "B", Priority: 1},
	}, mock)
	env.add(t, "[PRIORITY A]")

	collector := &resultCollector{}
	r := env.runner(func(o *Options) { o.OnIteration = collector.hook(env.markPassed()) })
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCompleted || summary.Iterations != 2 {
		t.Fatalf("summary = %+v, want completed in 2 iterations", summary)
	}
	if got := collector.itemOrder(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("worked order = %v, want [A B]", got)
	}
}

func TestRunAbortImmediately(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	env.add(t, "[ABORT]")

	r := env.runner(nil)
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusAborted {
		t.Errorf("status = %s, want aborted", summary.Status)
	}
	if summary.Iterations != 0 || mock.CallCount() != 0 {
		t.Errorf("iterations=%d calls=%d, want no work after abort", summary.Iterations, mock.CallCount())
	}
}

func TestRunAbortAppliesEarlierCommands(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{
		{ID: "US-001", Priority: 1},
		{ID: "US-002", Priority: 2},
	}, mock)
	env.add(t, "[SKIP US-002]")
	env.add(t, "[ABORT]")

	r := env.runner(nil)
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusAborted {
		t.Errorf("status = %s, want aborted", summary.Status)
	}
	us2, _ := env.reload(t).Find("US-002")
	if !us2.Skipped {
		t.Error("SKIP arriving before ABORT was not applied")
	}
}

func TestRunCapExhausted(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("still going")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	env.cfg.Loop.MaxIterations = 3

	r := env.runner(nil)
	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCapExhausted {
		t.Errorf("status = %s, want cap-exhausted", summary.Status)
	}
	if summary.Iterations != 3 || mock.CallCount() != 3 {
		t.Errorf("iterations=%d calls=%d, want the cap of 3", summary.Iterations, mock.CallCount())
	}
	if summary.ItemsCompleted != 0 || summary.ItemsTotal != 1 {
		t.Errorf("counts = %d/%d, want 0/1", summary.ItemsCompleted, summary.ItemsTotal)
	}
}

func TestRunFallsBackWhenRateLimited(t *testing.T) {
	limited := agent.NewMockAgent("claude", agent.MockResponse{
		Result:    agent.Result{Output: "usage limit reached", ExitCode: 1},
		RateLimit: &agent.RateLimitInfo{Limited: true, Message: "usage limit reached"},
	})
	healthy := agent.NewMockAgent("codex", successScript("done")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, limited, healthy)

	var sleeps int
	collector := &resultCollector{}
	r := env.runner(func(o *Options) { o.OnIteration = collector.hook(env.markPassed()) })
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCompleted || summary.Iterations != 1 {
		t.Fatalf("summary = %+v, want completion in 1 iteration", summary)
	}
	if limited.CallCount() != 1 || healthy.CallCount() != 1 {
		t.Errorf("calls claude=%d codex=%d, want 1 each", limited.CallCount(), healthy.CallCount())
	}
	if sleeps != 1 {
		t.Errorf("bounded delays = %d, want 1 after the detection", sleeps)
	}

	results := collector.all()
	if len(results) != 2 {
		t.Fatalf("published results = %d, want limited attempt plus success", len(results))
	}
	if !results[0].RateLimited || results[0].Agent != "claude" || results[0].Seq != 1 {
		t.Errorf("first result = %+v, want rate-limited claude attempt for seq 1", results[0])
	}
	if results[1].RateLimited || results[1].Agent != "codex" || results[1].Seq != 1 {
		t.Errorf("second result = %+v, want codex success for seq 1", results[1])
	}
}

func TestRunWaitsOutResetWhenNoFallback(t *testing.T) {
	reset := time.Now().Add(60 * time.Millisecond)
	mock := agent.NewMockAgent("claude",
		agent.MockResponse{
			Result:    agent.Result{Output: "rate limit", ExitCode: 1},
			RateLimit: &agent.RateLimitInfo{Limited: true, ResetTime: &reset, Message: "rate limit"},
		},
		agent.MockResponse{Result: agent.Result{Output: "done", ExitCode: 0}},
	)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	var sleeps int
	r := env.runner(func(o *Options) { o.OnIteration = env.markPassed() })
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		time.Sleep(80 * time.Millisecond)
		return nil
	}

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != StatusCompleted || summary.Iterations != 1 {
		t.Fatalf("summary = %+v, want completion in 1 iteration", summary)
	}
	if mock.CallCount() != 2 {
		t.Errorf("calls = %d, want limited attempt plus retry", mock.CallCount())
	}
	if sleeps == 0 {
		t.Error("expected at least one bounded delay before the retry")
	}
}

func TestRunFatalWhenLimitedWaitExceedsMax(t *testing.T) {
	mock := agent.NewMockAgent("claude", agent.MockResponse{
		Result:    agent.Result{Output: "rate limit", ExitCode: 1},
		RateLimit: &agent.RateLimitInfo{Limited: true, Message: "rate limit"},
	})
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	maxWait := 1
	env.cfg.RateLimit.MaxTotalWaitSec = &maxWait
	env.cfg.RateLimit.RetryDelaySec = 2

	r := env.runner(nil)
	summary, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error when the wait ceiling is exceeded")
	}
	if !strings.Contains(err.Error(), "rate-limit wait exceeded") || !strings.Contains(err.Error(), "claude") {
		t.Errorf("error = %v, want wait ceiling message naming claude", err)
	}
	if summary.Status != StatusFailed || summary.Iterations != 0 {
		t.Errorf("summary = %+v, want failed with no consumed budget", summary)
	}
}

func TestRunFatalOnUnreadableBacklog(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	if err := os.Remove(env.paths.Backlog); err != nil {
		t.Fatalf("remove backlog: %v", err)
	}

	r := env.runner(nil)
	summary, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error for missing backlog")
	}
	if !strings.Contains(err.Error(), "backlog") {
		t.Errorf("error = %v, want the backlog named", err)
	}
	if summary.Status != StatusFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}
}

func TestRunFatalWhenNoAgentInstalled(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	mock.SetAvailable(false)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	r := env.runner(nil)
	_, err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no configured agent is installed") {
		t.Fatalf("error = %v, want missing-agent fatal", err)
	}
}

func TestRunPauseSuspendsBeforeInvocation(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	env.add(t, "[PAUSE]")

	collector := &resultCollector{}
	r := env.runner(func(o *Options) { o.OnIteration = collector.hook(env.markPassed()) })

	done := make(chan Summary, 1)
	go func() {
		summary, _ := r.Run(context.Background())
		done <- summary
	}()

	waitForState(t, r, StatePaused)
	if mock.CallCount() != 0 {
		t.Fatalf("agent invoked %d times while paused, want 0", mock.CallCount())
	}

	if err := os.WriteFile(env.paths.Resume, nil, 0o644); err != nil {
		t.Fatalf("write resume sentinel: %v", err)
	}

	select {
	case summary := <-done:
		if summary.Status != StatusCompleted || summary.Iterations != 1 {
			t.Errorf("summary = %+v, want completion after resume", summary)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume after the sentinel appeared")
	}

	if got := collector.itemOrder(); len(got) != 1 || got[0] != "US-001" {
		t.Errorf("worked items = %v, want the same selection after resume", got)
	}
	if _, err := os.Stat(env.paths.Resume); !os.IsNotExist(err) {
		t.Error("resume sentinel was not consumed")
	}
}

func TestRunAbortWhilePaused(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	env.add(t, "[PAUSE]")

	r := env.runner(nil)
	done := make(chan Summary, 1)
	go func() {
		summary, _ := r.Run(context.Background())
		done <- summary
	}()

	waitForState(t, r, StatePaused)
	env.add(t, "[ABORT]")

	select {
	case summary := <-done:
		if summary.Status != StatusAborted {
			t.Errorf("status = %s, want aborted", summary.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not abort while paused")
	}
	if mock.CallCount() != 0 {
		t.Errorf("agent invoked %d times, want 0", mock.CallCount())
	}
}

func TestRunGuidanceAppendedOnceThenBaseByteIdentical(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("keep going")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)
	env.cfg.Loop.MaxIterations = 2
	env.add(t, "focus on the retry loop first")

	r := env.runner(nil)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompts := mock.RecordedPrompts()
	if len(prompts) != 2 {
		t.Fatalf("got %d prompts, want 2", len(prompts))
	}
	if !strings.Contains(prompts[0], "focus on the retry loop first") {
		t.Errorf("first prompt missing drained guidance:\n%s", prompts[0])
	}
	if !strings.HasPrefix(prompts[0], testBasePrompt) {
		t.Errorf("first prompt does not start with the base template")
	}
	if prompts[1] != testBasePrompt {
		t.Errorf("second prompt = %q, want the base template byte for byte", prompts[1])
	}
}

func TestRunStreamsOutput(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("streamed chunk")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	var sink bytes.Buffer
	r := env.runner(func(o *Options) {
		o.Stream = &sink
		o.OnIteration = env.markPassed()
	})
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(sink.String(), "streamed chunk") {
		t.Errorf("stream sink = %q, want the agent output", sink.String())
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := env.runner(nil)
	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusAborted || mock.CallCount() != 0 {
		t.Errorf("summary = %+v calls=%d, want clean abort without work", summary, mock.CallCount())
	}
}

func TestRunWritesStatusFile(t *testing.T) {
	mock := agent.NewMockAgent("claude", successScript("ok")...)
	env := newTestEnv(t, []backlog.Item{{ID: "US-001", Priority: 1}}, mock)

	r := env.runner(func(o *Options) { o.OnIteration = env.markPassed() })
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	raw, err := os.ReadFile(env.paths.Status)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, `"state": "done"`) {
		t.Errorf("status file missing final state:\n%s", body)
	}
	if !strings.Contains(body, `"run_id": "run-test"`) {
		t.Errorf("status file missing run id:\n%s", body)
	}
	if filepath.Dir(env.paths.Status) != env.paths.StateDir {
		t.Errorf("status file not under the state dir: %s", env.paths.Status)
	}
}

// waitForState polls the progress snapshot until the runner reaches the
// wanted state.
func waitForState(t *testing.T, r *Runner, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Snapshot().State == state {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runner never reached state %q (now %q)", state, r.Snapshot().State)
}
