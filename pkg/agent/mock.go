package agent

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockResponse scripts one invocation of a MockAgent.
type MockResponse struct {
	Result Result
	Err    error
	// RateLimit, when non-nil, is what DetectRateLimit reports for this
	// response's output.
	RateLimit *RateLimitInfo
}

// MockAgent is a scripted Agent for tests. Responses are consumed in order;
// the last one repeats once the script runs out.
type MockAgent struct {
	mu        sync.Mutex
	name      string
	available bool
	script    []MockResponse
	byOutput  map[string]*RateLimitInfo
	// Prompts records every prompt passed to Invoke, in call order.
	Prompts []string
	// Calls counts invocations.
	Calls int
}

// NewMockAgent creates an installed mock with the given script.
func NewMockAgent(name string, script ...MockResponse) *MockAgent {
	m := &MockAgent{
		name:      name,
		available: true,
		script:    script,
		byOutput:  make(map[string]*RateLimitInfo),
	}
	for i := range script {
		if script[i].RateLimit != nil {
			m.byOutput[script[i].Result.Output] = script[i].RateLimit
		}
	}
	return m
}

// SetAvailable overrides the installed state.
func (m *MockAgent) SetAvailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = v
}

// Name returns the registry key.
func (m *MockAgent) Name() string { return m.name }

// Available reports the scripted installed state.
func (m *MockAgent) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Invoke pops the next scripted response.
func (m *MockAgent) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, prompt)
	idx := m.Calls
	m.Calls++
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	if idx < 0 {
		return Result{Duration: time.Millisecond}, nil
	}
	resp := m.script[idx]
	return resp.Result, resp.Err
}

// CallCount reports invocations so far, safe against a concurrent run.
func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// RecordedPrompts returns a copy of the prompts seen so far.
func (m *MockAgent) RecordedPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Prompts...)
}

// InvokeStreaming writes the scripted output to sink, then behaves as Invoke.
func (m *MockAgent) InvokeStreaming(ctx context.Context, prompt string, opts InvokeOptions, sink io.Writer) (Result, error) {
	result, err := m.Invoke(ctx, prompt, opts)
	if sink != nil && result.Output != "" {
		_, _ = io.WriteString(sink, result.Output)
	}
	return result, err
}

// DetectRateLimit reports the scripted rate-limit info for this output.
func (m *MockAgent) DetectRateLimit(output string) RateLimitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.byOutput[output]; ok {
		return *info
	}
	return RateLimitInfo{}
}

// DetectCompletion mirrors the scripted Completed flag by output.
func (m *MockAgent) DetectCompletion(output string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, resp := range m.script {
		if resp.Result.Output == output {
			return resp.Result.Completed
		}
	}
	return false
}
