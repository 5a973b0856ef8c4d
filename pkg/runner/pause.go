package runner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"drover/pkg/config"
	"drover/pkg/mailbox"
)

// pauseSignal is the first event that ends a suspension.
type pauseSignal struct {
	reason string
	abort  bool
}

// waitForResume blocks until a resume signal arrives: the resume
// sentinel file appearing, Enter on an interactive stdin, or an ABORT
// landing in the mailbox. Returns abort=true when the pause ended in an
// abort; a context error means cancellation.
func (r *Runner) waitForResume(ctx context.Context) (abort bool, err error) {
	signals := make(chan pauseSignal, 4)
	notify := func(sig pauseSignal) {
		select {
		case signals <- sig:
		default:
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(watchCtx)

	g.Go(func() error { return r.watchSentinel(gctx, notify) })
	g.Go(func() error { return r.pollPause(gctx, notify) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-r.enterEvents():
			notify(pauseSignal{reason: "console Enter"})
			return nil
		}
	})

	defer func() {
		cancel()
		_ = g.Wait()
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case sig := <-signals:
		if sig.abort {
			return true, nil
		}
		_ = os.Remove(r.paths.Resume)
		r.logger.Info("resume signal received (%s)", sig.reason)
		return false, nil
	}
}

// watchSentinel reacts to the resume file via fsnotify. Failure to set
// up the watcher is not an error; polling covers the same ground.
func (r *Runner) watchSentinel(ctx context.Context, notify func(pauseSignal)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Debug("fsnotify unavailable, relying on polling: %v", err)
		return nil
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.paths.Resume)); err != nil {
		r.logger.Debug("cannot watch mailbox dir: %v", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == config.ResumeFileName && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				notify(pauseSignal{reason: "resume file"})
				return nil
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Debug("sentinel watcher: %v", watchErr)
		}
	}
}

// pollPause is the fallback watcher: it checks for the resume sentinel
// and scans the mailbox for an ABORT issued while paused.
func (r *Runner) pollPause(ctx context.Context, notify func(pauseSignal)) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := os.Stat(r.paths.Resume); err == nil {
				notify(pauseSignal{reason: "resume file"})
				return nil
			}
			if r.abortPending() {
				notify(pauseSignal{abort: true})
				return nil
			}
		}
	}
}

// abortPending peeks at the mailbox and, only when an ABORT is waiting,
// drains it. The abort discards whatever was drained alongside it.
func (r *Runner) abortPending() bool {
	items, _, err := r.mailbox.Pending()
	if err != nil {
		return false
	}
	found := false
	for _, item := range items {
		if item.Command == mailbox.CommandAbort {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	result, err := r.mailbox.Drain()
	if err != nil {
		return false
	}
	for _, cmd := range result.Commands {
		if cmd.Command == mailbox.CommandAbort {
			return true
		}
	}
	// The abort vanished between peek and drain; carry the drained
	// content into the next iteration instead of dropping it.
	r.stashDrain(result)
	return false
}

// enterEvents lazily starts a single stdin line reader when stdin is a
// terminal. The reader goroutine lives for the process; pauses come and
// go, the reader does not.
func (r *Runner) enterEvents() <-chan struct{} {
	r.stdinOnce.Do(func() {
		r.enterCh = make(chan struct{}, 1)
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return
		}
		go func() {
			reader := bufio.NewReader(os.Stdin)
			for {
				if _, err := reader.ReadString('\n'); err != nil {
					return
				}
				select {
				case r.enterCh <- struct{}{}:
				default:
				}
			}
		}()
	})
	return r.enterCh
}
