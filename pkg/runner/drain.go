package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"drover/pkg/backlog"
	"drover/pkg/eventlog"
	"drover/pkg/mailbox"
)

// drainOutcome is what step 2 hands to the rest of the iteration.
type drainOutcome struct {
	guidance []string
	aborted  bool
}

// stashDrain parks drained-but-unapplied mailbox content (a pause-time
// drain that turned out not to abort) for the next drain to pick up.
func (r *Runner) stashDrain(result mailbox.DrainResult) {
	r.mu.Lock()
	r.carry.Prompts = append(r.carry.Prompts, result.Prompts...)
	r.carry.Commands = append(r.carry.Commands, result.Commands...)
	r.carry.Warnings = append(r.carry.Warnings, result.Warnings...)
	r.mu.Unlock()
}

func (r *Runner) takeCarry() mailbox.DrainResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	carried := r.carry
	r.carry = mailbox.DrainResult{}
	return carried
}

// drainAndApply performs step 2: drain the mailbox and apply control
// commands in arrival order. A busy mailbox is treated as an empty
// drain. The returned error is fatal (backlog persistence) or a context
// error from a pause.
func (r *Runner) drainAndApply(ctx context.Context, b *backlog.Backlog) (drainOutcome, error) {
	result, err := r.mailbox.Drain()
	if err != nil {
		if errors.Is(err, mailbox.ErrBusy) {
			r.logger.Warn("mailbox busy, treating this drain as empty")
		} else {
			r.logger.Error("mailbox drain failed: %v", err)
		}
		result = mailbox.DrainResult{}
	}

	// Content drained during an earlier pause comes first; it arrived
	// first.
	carried := r.takeCarry()
	result.Prompts = append(carried.Prompts, result.Prompts...)
	result.Commands = append(carried.Commands, result.Commands...)
	result.Warnings = append(carried.Warnings, result.Warnings...)

	r.setWarnings(result.Warnings)
	for _, warning := range result.Warnings {
		r.event(eventlog.Event{Type: eventlog.TypeWarning, Detail: warning})
	}
	if !result.Empty() {
		r.event(eventlog.Event{
			Type:   eventlog.TypeMailboxDrain,
			Detail: fmt.Sprintf("%d prompts, %d commands, %d warnings", len(result.Prompts), len(result.Commands), len(result.Warnings)),
		})
	}

	outcome := drainOutcome{}
	for _, item := range result.Prompts {
		outcome.guidance = append(outcome.guidance, item.Content)
	}

	for _, cmd := range result.Commands {
		done, err := r.applyCommand(ctx, b, cmd)
		if err != nil {
			return outcome, err
		}
		if done {
			outcome.aborted = true
			return outcome, nil
		}
	}
	return outcome, nil
}

// applyCommand handles one control command. done=true means an ABORT
// terminated the batch; later commands are discarded.
func (r *Runner) applyCommand(ctx context.Context, b *backlog.Backlog, cmd mailbox.Item) (done bool, err error) {
	switch cmd.Command {
	case mailbox.CommandAbort:
		r.logger.Info("ABORT received, stopping run")
		r.event(eventlog.Event{Type: eventlog.TypeCommandApplied, Detail: "ABORT"})
		r.metrics.IncCommand("ABORT")
		return true, nil

	case mailbox.CommandPause:
		// A sentinel left over from an earlier pause must not cut this
		// one short.
		_ = os.Remove(r.paths.Resume)
		r.logger.Info("PAUSE received, suspending (touch %s, press Enter, or send [ABORT])", r.paths.Resume)
		r.event(eventlog.Event{Type: eventlog.TypePause})
		r.metrics.IncCommand("PAUSE")
		r.setState(StatePaused)
		r.writeStatus()

		abort, err := r.waitForResume(ctx)
		if err != nil {
			return false, err
		}
		if abort {
			r.logger.Info("ABORT received while paused, stopping run")
			r.event(eventlog.Event{Type: eventlog.TypeCommandApplied, Detail: "ABORT while paused"})
			r.metrics.IncCommand("ABORT")
			return true, nil
		}
		r.event(eventlog.Event{Type: eventlog.TypeResume})
		r.setState(StateRunning)
		r.writeStatus()
		return false, nil

	case mailbox.CommandPriority:
		return false, r.applyPriority(b, cmd.Target)

	case mailbox.CommandSkip:
		return false, r.applySkip(b, cmd.Target)

	default:
		r.recordWarning(fmt.Sprintf("unknown mailbox command %q ignored", cmd.Command))
		return false, nil
	}
}

func (r *Runner) applyPriority(b *backlog.Backlog, target string) error {
	if target != "" && target == r.activeItem() {
		r.logger.Info("PRIORITY %s: item is already active, nothing to reorder", target)
		r.event(eventlog.Event{Type: eventlog.TypeCommandApplied, ItemID: target, Detail: "PRIORITY no-op, item active"})
		r.metrics.IncCommand("PRIORITY")
		return nil
	}
	if err := b.Prioritize(target); err != nil {
		r.recordWarning(fmt.Sprintf("PRIORITY %s rejected: %v", target, err))
		return nil
	}
	if err := r.store.Save(b); err != nil {
		return fmt.Errorf("persisting PRIORITY %s: %w", target, err)
	}
	r.logger.Info("PRIORITY %s: moved to front of selection order", target)
	r.event(eventlog.Event{Type: eventlog.TypeCommandApplied, ItemID: target, Detail: "PRIORITY"})
	r.metrics.IncCommand("PRIORITY")
	return nil
}

func (r *Runner) applySkip(b *backlog.Backlog, target string) error {
	if target != "" && target == r.activeItem() {
		r.recordWarning(fmt.Sprintf("SKIP %s rejected: item is actively being worked", target))
		return nil
	}
	if err := b.Skip(target); err != nil {
		r.recordWarning(fmt.Sprintf("SKIP %s rejected: %v", target, err))
		return nil
	}
	if err := r.store.Save(b); err != nil {
		return fmt.Errorf("persisting SKIP %s: %w", target, err)
	}
	r.logger.Info("SKIP %s: item excluded from selection", target)
	r.event(eventlog.Event{Type: eventlog.TypeCommandApplied, ItemID: target, Detail: "SKIP"})
	r.metrics.IncCommand("SKIP")
	return nil
}

// recordWarning logs a recoverable condition and adds it to the
// progress snapshot and event trail.
func (r *Runner) recordWarning(msg string) {
	r.logger.Warn("%s", msg)
	r.event(eventlog.Event{Type: eventlog.TypeCommandRejected, Detail: msg})
	r.mu.Lock()
	r.progress.Warnings = append(r.progress.Warnings, msg)
	r.mu.Unlock()
}
