package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"drover/pkg/logx"
)

// killGrace is how long a cancelled invocation gets between the polite
// interrupt and the forceful kill.
const killGrace = 10 * time.Second

// Profile declares how to drive one external tool from the command line.
type Profile struct {
	// Name is the registry key.
	Name string `yaml:"name"`
	// Command is the executable looked up on PATH.
	Command string `yaml:"command"`
	// Args are fixed arguments placed before the prompt.
	Args []string `yaml:"args,omitempty"`
	// PromptFlag, when set, precedes the prompt argument (e.g. "-p").
	PromptFlag string `yaml:"prompt_flag,omitempty"`
	// PromptViaStdin pipes the prompt to stdin instead of passing an
	// argument.
	PromptViaStdin bool `yaml:"prompt_via_stdin,omitempty"`
	// ModelFlag, when set, carries InvokeOptions.Model (e.g. "--model").
	ModelFlag string `yaml:"model_flag,omitempty"`
	// Env appends KEY=VALUE pairs on every invocation.
	Env []string `yaml:"env,omitempty"`
	// RateLimitPatterns extend the built-in rate-limit signatures.
	RateLimitPatterns []string `yaml:"rate_limit_patterns,omitempty"`
	// ResetTimePatterns extend the built-in reset-time extractors.
	ResetTimePatterns []string `yaml:"reset_time_patterns,omitempty"`
	// CompletionMarkers are literal substrings signalling completion.
	CompletionMarkers []string `yaml:"completion_markers,omitempty"`
}

// CLIAgent adapts one command-line tool to the Agent contract. It also
// implements Streamer: output is forwarded chunk by chunk while captured.
type CLIAgent struct {
	profile  Profile
	detector *Detector
	logger   *logx.Logger
}

// NewCLIAgent builds an agent from a profile, compiling its detection
// patterns up front so a bad pattern fails at startup rather than mid-run.
func NewCLIAgent(profile Profile) (*CLIAgent, error) {
	if profile.Name == "" || profile.Command == "" {
		return nil, fmt.Errorf("agent profile needs both name and command")
	}
	detector, err := NewDetector(profile.RateLimitPatterns, profile.ResetTimePatterns, profile.CompletionMarkers)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", profile.Name, err)
	}
	return &CLIAgent{
		profile:  profile,
		detector: detector,
		logger:   logx.NewLogger("agent." + profile.Name),
	}, nil
}

// Name returns the registry key.
func (a *CLIAgent) Name() string {
	return a.profile.Name
}

// Available reports whether the tool's executable is on PATH.
func (a *CLIAgent) Available() bool {
	_, err := exec.LookPath(a.profile.Command)
	return err == nil
}

// Invoke runs the tool to completion, capturing interleaved output.
func (a *CLIAgent) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (Result, error) {
	return a.run(ctx, prompt, opts, nil)
}

// InvokeStreaming runs the tool while forwarding output to sink as it
// arrives. The returned Result carries the same full captured output.
func (a *CLIAgent) InvokeStreaming(ctx context.Context, prompt string, opts InvokeOptions, sink io.Writer) (Result, error) {
	return a.run(ctx, prompt, opts, sink)
}

// DetectRateLimit inspects captured output for a rate-limit signature.
func (a *CLIAgent) DetectRateLimit(output string) RateLimitInfo {
	return a.detector.DetectRateLimit(output)
}

// DetectCompletion inspects captured output for a completion marker.
func (a *CLIAgent) DetectCompletion(output string) bool {
	return a.detector.DetectCompletion(output)
}

func (a *CLIAgent) run(ctx context.Context, prompt string, opts InvokeOptions, sink io.Writer) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.profile.Command, a.buildArgs(prompt, opts)...)

	// Polite interrupt on cancellation, forceful kill if the tool is still
	// alive after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGrace

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{ExitCode: -1}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		cmd.Dir = opts.WorkDir
	}

	env := append([]string{}, a.profile.Env...)
	env = append(env, opts.Env...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if a.profile.PromptViaStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var captured strings.Builder
	var out io.Writer = &captured
	if sink != nil {
		out = io.MultiWriter(&captured, sink)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	a.logger.Debug("Invoking %s (model=%s, workdir=%s)", a.profile.Command, opts.Model, opts.WorkDir)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Output:   captured.String(),
		ExitCode: 0,
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			err = nil
		} else {
			result.ExitCode = -1
		}
	}
	if ctx.Err() != nil {
		// Cancellation or timeout outranks whatever exit status the
		// interrupted process produced.
		return result, fmt.Errorf("invocation of %s interrupted: %w", a.profile.Name, ctx.Err())
	}
	if err != nil {
		return result, fmt.Errorf("invoking %s: %w", a.profile.Command, err)
	}

	result.Completed = a.DetectCompletion(result.Output)
	return result, nil
}

// buildArgs assembles the final argument vector: fixed args, model flag,
// then the prompt unless it travels via stdin.
func (a *CLIAgent) buildArgs(prompt string, opts InvokeOptions) []string {
	args := append([]string{}, a.profile.Args...)
	if opts.Model != "" && a.profile.ModelFlag != "" {
		args = append(args, a.profile.ModelFlag, opts.Model)
	}
	if !a.profile.PromptViaStdin {
		if a.profile.PromptFlag != "" {
			args = append(args, a.profile.PromptFlag)
		}
		args = append(args, prompt)
	}
	return args
}
