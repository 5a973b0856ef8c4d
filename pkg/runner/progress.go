package runner

import (
	"encoding/json"
	"time"

	"drover/pkg/fallback"
	"drover/pkg/utils"
)

// Runner states surfaced on /status and in the status file.
const (
	StateRunning  = "running"
	StateInvoking = "invoking"
	StatePaused   = "paused"
	StateWaiting  = "waiting-rate-limit"
	StateDone     = "done"
)

// Progress is the externally visible snapshot of a run. The runner
// mutates it under a mutex; consumers get copies.
type Progress struct {
	RunID         string                    `json:"run_id"`
	State         string                    `json:"state"`
	Iteration     int                       `json:"iteration"`
	ActiveItem    string                    `json:"active_item,omitempty"`
	ActiveAgent   string                    `json:"active_agent,omitempty"`
	ActiveModel   string                    `json:"active_model,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	ItemsTotal    int                       `json:"items_total"`
	ItemsPassed   int                       `json:"items_passed"`
	ItemsSkipped  int                       `json:"items_skipped"`
	Warnings      []string                  `json:"warnings,omitempty"`
	LimitedAgents map[string]fallback.State `json:"limited_agents,omitempty"`
}

func (r *Runner) setState(state string) {
	r.mu.Lock()
	r.progress.State = state
	r.progress.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Runner) setActive(itemID, agentName, model string, iteration int) {
	r.mu.Lock()
	r.progress.ActiveItem = itemID
	r.progress.ActiveAgent = agentName
	r.progress.ActiveModel = model
	r.progress.Iteration = iteration
	r.progress.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Runner) setCounts(total, passed, skipped int) {
	r.mu.Lock()
	r.progress.ItemsTotal = total
	r.progress.ItemsPassed = passed
	r.progress.ItemsSkipped = skipped
	r.progress.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Runner) setWarnings(warnings []string) {
	r.mu.Lock()
	r.progress.Warnings = append([]string(nil), warnings...)
	r.progress.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Runner) activeItem() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress.ActiveItem
}

// Snapshot returns a copy of the current progress, augmented with the
// live rate-limit ledger.
func (r *Runner) Snapshot() Progress {
	r.mu.Lock()
	snap := r.progress
	snap.Warnings = append([]string(nil), r.progress.Warnings...)
	r.mu.Unlock()

	snap.LimitedAgents = r.tracker.Snapshot()
	if len(snap.LimitedAgents) == 0 {
		snap.LimitedAgents = nil
	}
	return snap
}

// writeStatus renders the snapshot to the status file. Failures are
// logged and swallowed; status is advisory.
func (r *Runner) writeStatus() {
	if r.paths.Status == "" {
		return
	}
	snap := r.Snapshot()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		r.logger.Debug("marshal status: %v", err)
		return
	}
	if err := utils.AtomicWriteFile(r.paths.Status, append(raw, '\n'), 0o644); err != nil {
		r.logger.Debug("write status file: %v", err)
	}
}
