// Package fallback tracks rate-limited agents and picks substitutes from a
// caller-supplied priority order.
package fallback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the implicit ineligibility window applied when a
// rate-limit signal carries no parseable reset time.
const DefaultCooldown = 5 * time.Minute

// ErrNoAgentAvailable is returned when every agent in the fallback order is
// rate-limited or not installed. Callers decide whether to wait and retry.
var ErrNoAgentAvailable = errors.New("no fallback agent available")

// State records one agent's rate-limit observation. ResetTime is nil when
// the signal carried no parseable reset instant; eligibility then falls back
// to DetectedAt plus the tracker's cooldown.
type State struct {
	ResetTime  *time.Time `json:"reset_time,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Tracker is the per-run rate-limit ledger. It is purely in-memory and
// scoped to a single run: construct one per run, never share across runs.
type Tracker struct {
	mu       sync.Mutex
	limited  map[string]State
	cooldown time.Duration
	now      func() time.Time
}

// NewTracker creates an empty tracker. cooldown <= 0 selects DefaultCooldown.
func NewTracker(cooldown time.Duration) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{
		limited:  make(map[string]State),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// MarkLimited records that agent hit a rate limit now, with the parsed reset
// time if the output carried one. Re-marking an already limited agent
// refreshes its record.
func (t *Tracker) MarkLimited(agent string, resetTime *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limited[agent] = State{ResetTime: resetTime, DetectedAt: t.now()}
}

// Clear removes agent's rate-limit record, typically after a successful
// invocation proves it usable again.
func (t *Tracker) Clear(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limited, agent)
}

// Limited reports whether agent is currently ineligible. An agent with an
// explicit reset time becomes eligible at or after that instant; without one
// it becomes eligible once the cooldown has elapsed since detection. Expired
// records are pruned as a side effect.
func (t *Tracker) Limited(agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.limited[agent]
	if !ok {
		return false
	}
	if t.now().Before(t.eligibleAt(state)) {
		return true
	}
	delete(t.limited, agent)
	return false
}

// NextEligible walks the fallback order (deduplicated, blanks dropped) and
// returns the first agent that is installed and not currently limited.
// Exhausting the order yields ErrNoAgentAvailable.
func (t *Tracker) NextEligible(order []string, installed func(string) bool) (string, error) {
	for _, agent := range Normalize(order) {
		if !installed(agent) {
			continue
		}
		if !t.Limited(agent) {
			return agent, nil
		}
	}
	return "", fmt.Errorf("%w (order: %s)", ErrNoAgentAvailable, strings.Join(Normalize(order), ", "))
}

// EarliestEligibility returns the soonest instant at which any currently
// limited agent becomes eligible again. ok is false when nothing is limited.
func (t *Tracker) EarliestEligibility() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var earliest time.Time
	found := false
	for _, state := range t.limited {
		at := t.eligibleAt(state)
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}

// Snapshot returns a copy of the current per-agent records, for progress
// reporting.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]State, len(t.limited))
	for agent, state := range t.limited {
		out[agent] = state
	}
	return out
}

// eligibleAt computes when a record expires. Callers hold t.mu.
func (t *Tracker) eligibleAt(state State) time.Time {
	if state.ResetTime != nil {
		return *state.ResetTime
	}
	return state.DetectedAt.Add(t.cooldown)
}

// Normalize validates a fallback order: trims whitespace, drops blanks, and
// deduplicates while preserving first-occurrence order.
func Normalize(order []string) []string {
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(order))
	for _, agent := range order {
		agent = strings.TrimSpace(agent)
		if agent == "" || seen[agent] {
			continue
		}
		seen[agent] = true
		out = append(out, agent)
	}
	return out
}
