package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
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
	"drover/pkg/runner"
	"drover/pkg/utils"
)

// secretsPasswordEnv unlocks the encrypted secrets file when one exists.
const secretsPasswordEnv = "DROVER_SECRETS_PASSWORD"

// defaultBasePrompt drives projects that ship no PROMPT.md. It ends with
// the completion marker the built-in agent profiles detect.
const defaultBasePrompt = `Open the backlog at .drover/backlog.yaml and work the single item you
were asked to work to completion: implement it, test it, and mark it
passing in the backlog before you stop.

When every backlog item is passing, reply with the single line:
ALL TASKS COMPLETE
`

// runFlags are the command line overrides applied on top of config.yaml.
type runFlags struct {
	pinned        string
	mode          string
	model         string
	promptPath    string
	maxIterations int
	statusAddr    string
	debug         bool
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		projectDir    = fs.String("projectdir", ".", "Project directory")
		backlogPath   = fs.String("backlog", "", "Backlog file (default <projectdir>/.drover/backlog.yaml)")
		promptPath    = fs.String("prompt", "", "Base prompt template file (default <projectdir>/PROMPT.md)")
		pinnedAgent   = fs.String("agent", "", "Pin every iteration to one agent (empty: auto selection)")
		mode          = fs.String("mode", "", "Cost/quality mode for auto selection")
		model         = fs.String("model", "", "Force a model regardless of routing")
		maxIterations = fs.Int("max-iterations", 0, "Iteration cap (0: config value)")
		statusAddr    = fs.String("status-addr", "", "Status/metrics listen address (empty: config value)")
		tee           = fs.Bool("tee", false, "Output logs to both console and file (default: file only)")
		debug         = fs.Bool("debug", false, "Enable debug logging")
		showVersion   = fs.Bool("version", false, "Show version information")
	)
	_ = fs.Parse(args)

	if *showVersion {
		printVersion()
		return 0
	}

	fmt.Println("⏳ Starting up...")

	paths := config.NewPaths(*projectDir)
	if *backlogPath != "" {
		paths.Backlog = *backlogPath
	}
	if err := utils.EnsureDir(paths.StateDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create state directory: %v\n", err)
		return 1
	}

	// Initialize the log file BEFORE any logging occurs so everything,
	// config loading included, is captured. The config is not loaded yet,
	// so rotation uses the default keep count.
	if err := logx.InitLogFile(paths.LogsDir, 10, *tee); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		return 1
	}

	exit := runLoop(paths, runFlags{
		pinned:        *pinnedAgent,
		mode:          *mode,
		model:         *model,
		promptPath:    *promptPath,
		maxIterations: *maxIterations,
		statusAddr:    *statusAddr,
		debug:         *debug,
	})

	if err := logx.CloseLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
	}
	return exit
}

// runLoop contains the run logic and returns the process exit code, so
// its defers execute before os.Exit is called.
func runLoop(paths config.Paths, flags runFlags) int {
	logger := logx.NewLogger("drover")

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	mergeFlags(cfg, flags)
	if cfg.Logging.Debug {
		logx.SetDebug(true)
	}
	config.SetCurrent(cfg)

	if config.SecretsFileExists(paths.StateDir) {
		password := os.Getenv(secretsPasswordEnv)
		if password == "" {
			fmt.Fprintf(os.Stderr, "Secrets file found but %s is not set\n", secretsPasswordEnv)
			return 1
		}
		values, err := config.DecryptSecretsFile(paths.StateDir, password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to decrypt secrets: %v\n", err)
			return 1
		}
		config.SetSecrets(values)
		logger.Info("Loaded %d secrets", len(values))
	}

	registry, err := agent.BuildRegistry(cfg.Profiles())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build agent registry: %v\n", err)
		return 1
	}

	basePrompt, err := loadBasePrompt(paths.ProjectDir, cfg, flags.promptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load base prompt: %v\n", err)
		return 1
	}

	mbox, err := mailbox.New(paths.MailboxDir, cfg.LockTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open mailbox: %v\n", err)
		return 1
	}
	store := backlog.NewStore(paths.Backlog)
	tracker := fallback.NewTracker(cfg.Cooldown())

	// Token estimates follow the model that will actually run.
	_, routedModel, err := cfg.Route(cfg.Loop.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve mode %q: %v\n", cfg.Loop.Mode, err)
		return 1
	}
	tokenModel := routedModel
	if flags.model != "" {
		tokenModel = flags.model
	}
	composer := prompt.NewComposer(tokenModel, cfg.Loop.TokenWarnLimit)

	events, err := eventlog.NewWriter(paths.LogsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	db, err := persistence.Open(paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	history := persistence.NewWorker(db)
	history.Start()
	defer history.Stop()

	recorder := metrics.NewRecorder()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(runner.Options{
		Paths:         paths,
		Config:        cfg,
		Registry:      registry,
		Tracker:       tracker,
		Mailbox:       mbox,
		Store:         store,
		Composer:      composer,
		Events:        events,
		History:       history,
		Metrics:       recorder,
		BasePrompt:    basePrompt,
		ModelOverride: flags.model,
		Stream:        os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build runner: %v\n", err)
		return 1
	}

	if cfg.Status.Addr != "" {
		server := metrics.NewServer(cfg.Status.Addr, recorder, func() any { return r.Snapshot() })
		if err := server.Start(ctx); err != nil {
			logger.Warn("Status server did not start on %s: %v", cfg.Status.Addr, err)
		} else {
			fmt.Printf("📊 Status server listening on http://%s\n", cfg.Status.Addr)
		}
	}

	fmt.Printf("🐕 Drover run %s starting (backlog: %s)\n", r.RunID(), paths.Backlog)

	summary, runErr := r.Run(ctx)
	printSummary(summary, runErr)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return 1
	}
	return exitCode(summary.Status)
}

// mergeFlags overlays non-zero command line flags onto the loaded config.
func mergeFlags(cfg *config.Config, flags runFlags) {
	if flags.pinned != "" {
		cfg.Agents.Pinned = flags.pinned
	}
	if flags.mode != "" {
		cfg.Loop.Mode = flags.mode
	}
	if flags.maxIterations > 0 {
		cfg.Loop.MaxIterations = flags.maxIterations
	}
	if flags.statusAddr != "" {
		cfg.Status.Addr = flags.statusAddr
	}
	if flags.debug {
		cfg.Logging.Debug = true
	}
}

// loadBasePrompt reads the base prompt template. An explicit -prompt path
// must exist; the default project file falls back to the built-in prompt
// when missing so a fresh project runs with zero setup.
func loadBasePrompt(projectDir string, cfg *config.Config, override string) (string, error) {
	if override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file %s: %w", override, err)
		}
		return string(data), nil
	}

	path := filepath.Join(projectDir, cfg.Loop.PromptFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logx.Infof("No %s found, using the built-in base prompt", cfg.Loop.PromptFile)
			return defaultBasePrompt, nil
		}
		return "", fmt.Errorf("failed to read prompt file %s: %w", path, err)
	}
	return string(data), nil
}

// Exit codes: 0 backlog complete, 1 fatal error, 2 iteration cap
// exhausted, 3 clean abort.
func exitCode(status runner.Status) int {
	switch status {
	case runner.StatusCompleted:
		return 0
	case runner.StatusCapExhausted:
		return 2
	case runner.StatusAborted:
		return 3
	default:
		return 1
	}
}

func summaryTitle(status runner.Status) string {
	switch status {
	case runner.StatusCompleted:
		return "✅ Backlog complete"
	case runner.StatusCapExhausted:
		return "🛑 Iteration cap exhausted"
	case runner.StatusAborted:
		return "🚪 Run aborted by operator"
	default:
		return "❌ Run failed"
	}
}

// printSummary renders the one end-of-run report every termination gets.
func printSummary(summary runner.Summary, runErr error) {
	duration := time.Duration(summary.DurationMs) * time.Millisecond

	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-66s ║\n", summaryTitle(summary.Status))
	fmt.Println("╠════════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║ %-66s ║\n", fmt.Sprintf("Items:      %d/%d complete", summary.ItemsCompleted, summary.ItemsTotal))
	fmt.Printf("║ %-66s ║\n", fmt.Sprintf("Iterations: %d", summary.Iterations))
	fmt.Printf("║ %-66s ║\n", fmt.Sprintf("Duration:   %s (%d ms)", duration.Round(time.Second), summary.DurationMs))
	if runErr != nil {
		fmt.Printf("║ %-66s ║\n", clip(fmt.Sprintf("Error:      %v", runErr), 66))
	}
	fmt.Println("╚════════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// clip shortens s to max runes, marking the cut with an ellipsis.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
