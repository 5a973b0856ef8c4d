// Package agent defines the capability contract each external coding-agent
// tool implements, the name-keyed registry that selects among them, and the
// shared rate-limit/completion detection machinery.
package agent

import (
	"context"
	"io"
	"time"
)

// InvokeOptions carries per-invocation settings.
type InvokeOptions struct {
	// WorkDir is the working tree the agent operates on.
	WorkDir string
	// Model overrides the tool's default model when non-empty.
	Model string
	// Timeout bounds the invocation; zero means no limit beyond ctx.
	Timeout time.Duration
	// Env appends KEY=VALUE pairs to the inherited environment.
	Env []string
}

// Result is the outcome of one agent invocation.
type Result struct {
	// Output is the full captured output, stdout and stderr interleaved.
	Output string
	// ExitCode is the process exit status; -1 when the process never ran.
	ExitCode int
	// Completed reports whether the output carried a completion signal.
	// Informational only: per-item completion is owned by the backlog flags.
	Completed bool
	// Duration is wall-clock time from spawn to exit.
	Duration time.Duration
}

// RateLimitInfo is the outcome of rate-limit detection on captured output.
type RateLimitInfo struct {
	Limited bool
	// ResetTime is the parsed instant the limit lifts, when the output
	// carried one.
	ResetTime *time.Time
	// Message is the line that triggered detection.
	Message string
}

// Agent is the capability contract implemented once per external tool.
type Agent interface {
	// Name returns the registry key, e.g. "claude".
	Name() string
	// Available reports whether the tool is installed and runnable.
	Available() bool
	// Invoke runs the tool to completion with the given prompt.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (Result, error)
	// DetectRateLimit inspects captured output for a rate-limit signature.
	DetectRateLimit(output string) RateLimitInfo
	// DetectCompletion inspects captured output for a completion signal.
	DetectCompletion(output string) bool
}

// Streamer is the optional streaming extension: output chunks are written to
// sink as they arrive, and the same final Result is returned as from Invoke.
type Streamer interface {
	InvokeStreaming(ctx context.Context, prompt string, opts InvokeOptions, sink io.Writer) (Result, error)
}
