package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"drover/pkg/config"
	"drover/pkg/mailbox"
)

func mailboxCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: mailbox requires a subcommand (add, list, remove, clear)\n\n")
		printUsage(os.Stderr)
		return 1
	}

	switch args[0] {
	case "add":
		return mailboxAdd(args[1:])
	case "list":
		return mailboxList(args[1:])
	case "remove":
		return mailboxRemove(args[1:])
	case "clear":
		return mailboxClear(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mailbox subcommand %q\n\n", args[0])
		printUsage(os.Stderr)
		return 1
	}
}

// openMailbox resolves the project's mailbox with the configured lock
// timeout, so CLI writes contend correctly with a running loop.
func openMailbox(projectDir string) (*mailbox.Mailbox, error) {
	paths := config.NewPaths(projectDir)
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	return mailbox.New(paths.MailboxDir, cfg.LockTimeout())
}

func mailboxAdd(args []string) int {
	fs := flag.NewFlagSet("mailbox add", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	_ = fs.Parse(args)

	// Flags first, then the message text; the remainder is joined so the
	// shell's word splitting does not matter.
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		fmt.Fprintf(os.Stderr, "Error: mailbox add requires message text\n")
		return 1
	}

	mbox, err := openMailbox(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open mailbox: %v\n", err)
		return 1
	}
	item, err := mbox.Add(content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to queue message: %v\n", err)
		return 1
	}

	if item.Kind == mailbox.KindCommand {
		fmt.Printf("Queued command %s\n", item.Content)
	} else {
		fmt.Printf("Queued guidance %q\n", item.Content)
	}
	return 0
}

func mailboxList(args []string) int {
	fs := flag.NewFlagSet("mailbox list", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	_ = fs.Parse(args)

	mbox, err := openMailbox(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open mailbox: %v\n", err)
		return 1
	}
	items, warnings, err := mbox.Pending()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read mailbox: %v\n", err)
		return 1
	}

	if len(items) == 0 && len(warnings) == 0 {
		fmt.Println("Mailbox is empty")
		return 0
	}
	for i, item := range items {
		label := "guidance"
		if item.Kind == mailbox.KindCommand {
			label = "command"
		}
		fmt.Printf("%3d. [%s] %s\n", i+1, label, item.Content)
	}
	for _, warning := range warnings {
		fmt.Printf("     ⚠️  %s\n", warning)
	}
	return 0
}

func mailboxRemove(args []string) int {
	fs := flag.NewFlagSet("mailbox remove", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: mailbox remove requires exactly one index\n")
		return 1
	}
	index, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: index must be a number, got %q\n", fs.Arg(0))
		return 1
	}

	mbox, err := openMailbox(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open mailbox: %v\n", err)
		return 1
	}
	item, err := mbox.Remove(index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to remove message: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %q\n", item.Content)
	return 0
}

func mailboxClear(args []string) int {
	fs := flag.NewFlagSet("mailbox clear", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	_ = fs.Parse(args)

	mbox, err := openMailbox(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open mailbox: %v\n", err)
		return 1
	}
	count, err := mbox.Clear()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clear mailbox: %v\n", err)
		return 1
	}
	fmt.Printf("Discarded %d pending message(s)\n", count)
	return 0
}
