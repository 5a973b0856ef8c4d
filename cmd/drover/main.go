// Command drover runs an agentic coding loop against a YAML backlog:
// pick the next eligible item, invoke a coding agent with a composed
// prompt, fall back past rate limits, and repeat until the backlog is
// done. Operators steer a live run through the file-backed mailbox.
package main

import (
	"fmt"
	"os"
	"strings"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	args := os.Args[1:]

	// Bare flags (or nothing at all) mean "run": drover's default verb.
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		os.Exit(runCommand(args))
	}

	switch args[0] {
	case "run":
		os.Exit(runCommand(args[1:]))
	case "mailbox":
		os.Exit(mailboxCommand(args[1:]))
	case "history":
		os.Exit(historyCommand(args[1:]))
	case "version":
		printVersion()
	case "help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("drover %s\n", version)
	fmt.Printf("  commit: %s\n", commit)
	fmt.Printf("  built:  %s\n", date)
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `Usage: drover [command] [flags]

Commands:
  run       Run the loop until the backlog completes (default)
  mailbox   Manage the message queue of a running loop
  history   Show recent runs
  version   Show version information
  help      Show this help

Run flags:
  -projectdir DIR      Project directory (default ".")
  -backlog FILE        Backlog file (default <projectdir>/.drover/backlog.yaml)
  -prompt FILE         Base prompt template (default <projectdir>/PROMPT.md)
  -agent NAME          Pin every iteration to one agent
  -mode NAME           Cost/quality mode for auto selection
  -model NAME          Force a model regardless of routing
  -max-iterations N    Iteration cap
  -status-addr ADDR    Serve /status and /metrics on ADDR
  -tee                 Mirror logs to stderr as well as the log file
  -debug               Enable debug logging
  -version             Show version information

Mailbox subcommands:
  drover mailbox add <text>   Queue guidance or a [COMMAND] line
  drover mailbox list         Show pending messages
  drover mailbox remove <n>   Delete the n-th pending message
  drover mailbox clear        Discard all pending messages

History flags:
  drover history [-n N]       Show the N most recent runs (default 10)
`)
}
