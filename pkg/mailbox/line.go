package mailbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind distinguishes free-text guidance from structured control commands.
type Kind string

const (
	KindPrompt  Kind = "prompt"
	KindCommand Kind = "command"
)

// Command is a recognized control command, normalized to uppercase.
type Command string

const (
	CommandPause    Command = "PAUSE"
	CommandAbort    Command = "ABORT"
	CommandSkip     Command = "SKIP"
	CommandPriority Command = "PRIORITY"
)

// Item is one mailbox entry.
type Item struct {
	ID          string
	Content     string
	Kind        Kind
	Command     Command // set only for KindCommand
	Target      string  // item id argument for SKIP/PRIORITY
	AddedAt     time.Time
	ProcessedAt *time.Time
}

// lineSeparator divides the timestamp prefix from the content.
const lineSeparator = " | "

// processedAtPrefix tags the archival timestamp in the processed file.
const processedAtPrefix = "processedAt:"

// commandPattern matches content that consists entirely of one bracketed
// directive: [COMMAND] or [COMMAND argument].
var commandPattern = regexp.MustCompile(`^\[([A-Za-z]+)(?:[ \t]+(.+?))?\]$`)

// Classify parses content against the control-command grammar. Command names
// are case-insensitive. PAUSE and ABORT take no argument; SKIP and PRIORITY
// require one. Content that misses the grammar is an ordinary prompt, never
// an error; that covers unrecognized tokens as well as missing or stray
// arguments.
func Classify(content string) (Command, string, bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return "", "", false
	}

	name := Command(strings.ToUpper(m[1]))
	arg := strings.TrimSpace(m[2])

	switch name {
	case CommandPause, CommandAbort:
		if arg != "" {
			return "", "", false
		}
		return name, "", true
	case CommandSkip, CommandPriority:
		if arg == "" {
			return "", "", false
		}
		return name, arg, true
	default:
		return "", "", false
	}
}

// formatLine renders one pending-file line: `<timestamp> | <content>`.
// Content is flattened to a single line; the file format is one entry per line.
func formatLine(addedAt time.Time, content string) string {
	flat := strings.ReplaceAll(strings.ReplaceAll(content, "\r\n", " "), "\n", " ")
	return addedAt.UTC().Format(time.RFC3339) + lineSeparator + flat
}

// formatProcessedLine renders one processed-archive line, the pending line
// plus the ` | processedAt:<timestamp>` suffix.
func formatProcessedLine(item Item) string {
	line := formatLine(item.AddedAt, item.Content)
	if item.ProcessedAt != nil {
		line += lineSeparator + processedAtPrefix + item.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return line
}

// parseLine parses a pending-file line into an Item. The returned error
// describes why the line fails the timestamp-prefix grammar; callers record
// it as a warning and drop the line.
func parseLine(line string) (Item, error) {
	ts, content, found := strings.Cut(line, lineSeparator)
	if !found {
		return Item{}, fmt.Errorf("missing %q separator", strings.TrimSpace(lineSeparator))
	}

	addedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(ts))
	if err != nil {
		return Item{}, fmt.Errorf("invalid timestamp %q", strings.TrimSpace(ts))
	}

	item := Item{
		Content: content,
		Kind:    KindPrompt,
		AddedAt: addedAt,
	}
	if cmd, target, ok := Classify(content); ok {
		item.Kind = KindCommand
		item.Command = cmd
		item.Target = target
	}
	return item, nil
}
