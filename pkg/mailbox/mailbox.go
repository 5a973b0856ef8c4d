// Package mailbox implements the file-backed queue that carries human
// guidance and control commands into a running loop. Pending entries live
// one per line in a plain text file so a human can inspect or edit the
// queue with nothing but a text editor; every mutation therefore goes
// through write-to-temp-then-rename, serialized by an advisory lock file
// with staleness-based reclaim.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drover/pkg/logx"
	"drover/pkg/utils"
)

const (
	pendingFile   = "pending.txt"
	processedFile = "processed.txt"
	lockFile      = "mailbox.lock"

	// DefaultLockTimeout is the staleness window after which a lock left
	// behind by a crashed holder is reclaimed.
	DefaultLockTimeout = 10 * time.Minute

	lockRetryInterval = 50 * time.Millisecond
	defaultBusyWait   = 2 * time.Second
)

// DrainResult carries one drain's output: free-text prompts and structured
// commands as two independently ordered lists (both in arrival order), plus
// warnings for lines that failed the grammar.
type DrainResult struct {
	Prompts  []Item
	Commands []Item
	Warnings []string
}

// Empty reports whether the drain produced nothing at all.
func (r DrainResult) Empty() bool {
	return len(r.Prompts) == 0 && len(r.Commands) == 0 && len(r.Warnings) == 0
}

// Mailbox manages the pending file, processed archive, and lock file inside
// one directory.
type Mailbox struct {
	dir           string
	pendingPath   string
	processedPath string
	lockPath      string
	lockTimeout   time.Duration
	busyWait      time.Duration
	owner         string
	logger        *logx.Logger
	now           func() time.Time
	sleep         func(time.Duration)
}

// New opens (creating if needed) the mailbox directory. lockTimeout <= 0
// selects DefaultLockTimeout.
func New(dir string, lockTimeout time.Duration) (*Mailbox, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("mailbox directory: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &Mailbox{
		dir:           dir,
		pendingPath:   filepath.Join(dir, pendingFile),
		processedPath: filepath.Join(dir, processedFile),
		lockPath:      filepath.Join(dir, lockFile),
		lockTimeout:   lockTimeout,
		busyWait:      defaultBusyWait,
		owner:         fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger:        logx.NewLogger("mailbox"),
		now:           time.Now,
		sleep:         time.Sleep,
	}, nil
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Add classifies content and appends it to the pending queue. The returned
// item reports how the content was classified; classification never fails,
// content missing the command grammar is simply a prompt.
func (m *Mailbox) Add(content string) (Item, error) {
	item := Item{
		ID:      utils.ShortID(),
		Content: content,
		Kind:    KindPrompt,
		AddedAt: m.now().UTC(),
	}
	if cmd, target, ok := Classify(content); ok {
		item.Kind = KindCommand
		item.Command = cmd
		item.Target = target
	}

	err := m.withLock(func() error {
		raw, err := m.readRaw(m.pendingPath)
		if err != nil {
			return err
		}
		if len(raw) > 0 && !strings.HasSuffix(raw, "\n") {
			raw += "\n"
		}
		raw += formatLine(item.AddedAt, item.Content) + "\n"
		return utils.AtomicWriteFile(m.pendingPath, []byte(raw), 0644)
	})
	if err != nil {
		return Item{}, err
	}

	m.logger.Debug("Queued %s %q", item.Kind, item.Content)
	return item, nil
}

// Pending returns the current pending items in file order, plus warnings for
// malformed lines (which stay in the file until the next drain drops them).
// Read-only: no lock is taken, atomic replacement guarantees a consistent
// snapshot either way.
func (m *Mailbox) Pending() ([]Item, []string, error) {
	lines, err := m.readPendingLines()
	if err != nil {
		return nil, nil, err
	}

	var items []Item
	var warnings []string
	for i, pl := range lines {
		if pl.err != nil {
			warnings = append(warnings, malformedWarning(i+1, pl.raw, pl.err))
			continue
		}
		items = append(items, pl.item)
	}
	return items, warnings, nil
}

// Drain consumes the entire pending queue: well-formed entries are stamped
// with a processing timestamp, appended to the processed archive, and
// returned split by kind in arrival order; malformed lines are dropped with
// a warning and never archived. Draining again with no new arrivals yields
// an empty result.
func (m *Mailbox) Drain() (DrainResult, error) {
	var result DrainResult

	err := m.withLock(func() error {
		lines, err := m.readPendingLines()
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}

		processedAt := m.now().UTC()
		var archived []Item
		for i, pl := range lines {
			if pl.err != nil {
				result.Warnings = append(result.Warnings, malformedWarning(i+1, pl.raw, pl.err))
				continue
			}
			item := pl.item
			item.ID = utils.ShortID()
			ts := processedAt
			item.ProcessedAt = &ts
			archived = append(archived, item)

			if item.Kind == KindCommand {
				result.Commands = append(result.Commands, item)
			} else {
				result.Prompts = append(result.Prompts, item)
			}
		}

		if len(archived) > 0 {
			if err := m.appendProcessed(archived); err != nil {
				return err
			}
		}
		return utils.AtomicWriteFile(m.pendingPath, nil, 0644)
	})
	if err != nil {
		return DrainResult{}, err
	}

	for _, w := range result.Warnings {
		m.logger.Warn("%s", w)
	}
	return result, nil
}

// Remove deletes the index-th pending item (1-based over the current valid
// pending order) and returns it. An empty queue or an out-of-range index is
// an explicit error, never a silent no-op.
func (m *Mailbox) Remove(index int) (Item, error) {
	var removed Item

	err := m.withLock(func() error {
		lines, err := m.readPendingLines()
		if err != nil {
			return err
		}

		var valid []int // indexes into lines, in order
		for i, pl := range lines {
			if pl.err == nil {
				valid = append(valid, i)
			}
		}
		if len(valid) == 0 {
			return fmt.Errorf("mailbox is empty")
		}
		if index < 1 || index > len(valid) {
			return fmt.Errorf("index %d out of range [1,%d]", index, len(valid))
		}

		target := valid[index-1]
		removed = lines[target].item

		var b strings.Builder
		for i, pl := range lines {
			if i == target {
				continue
			}
			b.WriteString(pl.raw)
			b.WriteString("\n")
		}
		return utils.AtomicWriteFile(m.pendingPath, []byte(b.String()), 0644)
	})
	if err != nil {
		return Item{}, err
	}
	return removed, nil
}

// Clear empties the pending queue, returning how many well-formed items were
// discarded. Clearing an empty queue is an explicit error.
func (m *Mailbox) Clear() (int, error) {
	count := 0

	err := m.withLock(func() error {
		lines, err := m.readPendingLines()
		if err != nil {
			return err
		}
		for _, pl := range lines {
			if pl.err == nil {
				count++
			}
		}
		if count == 0 {
			return fmt.Errorf("mailbox is empty")
		}
		return utils.AtomicWriteFile(m.pendingPath, nil, 0644)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Processed returns the processed archive in file order, for audit tooling.
func (m *Mailbox) Processed() ([]string, error) {
	raw, err := m.readRaw(m.processedPath)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimSuffix(raw, "\n"), "\n"), nil
}

type pendingLine struct {
	raw  string
	item Item
	err  error
}

// readPendingLines reads and parses the pending file. A missing file is an
// empty queue. Blank lines are ignored entirely.
func (m *Mailbox) readPendingLines() ([]pendingLine, error) {
	raw, err := m.readRaw(m.pendingPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var lines []pendingLine
	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		item, err := parseLine(line)
		lines = append(lines, pendingLine{raw: line, item: item, err: err})
	}
	return lines, nil
}

func (m *Mailbox) readRaw(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// appendProcessed appends the drained items to the processed archive with
// the same read-modify-write atomic-replace discipline as the pending file.
func (m *Mailbox) appendProcessed(items []Item) error {
	raw, err := m.readRaw(m.processedPath)
	if err != nil {
		return err
	}
	if len(raw) > 0 && !strings.HasSuffix(raw, "\n") {
		raw += "\n"
	}

	var b strings.Builder
	b.WriteString(raw)
	for _, item := range items {
		b.WriteString(formatProcessedLine(item))
		b.WriteString("\n")
	}
	return utils.AtomicWriteFile(m.processedPath, []byte(b.String()), 0644)
}

func malformedWarning(lineNo int, raw string, err error) string {
	if len(raw) > 80 {
		raw = raw[:77] + "..."
	}
	return fmt.Sprintf("dropping malformed mailbox line %d (%v): %s", lineNo, err, raw)
}
