package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Shared output for all loggers. Defaults to stderr; InitLogFile swaps in a
// log file (optionally teed to stderr) for long unattended runs.
var (
	outputMutex sync.Mutex
	output      io.Writer = os.Stderr
	logFile     *os.File
)

func writeLine(line string) {
	outputMutex.Lock()
	defer outputMutex.Unlock()
	fmt.Fprintln(output, line)
}

// InitLogFile routes all subsequent log output to a timestamped file under
// logDir, keeping at most keep previous log files. With tee set, output goes
// to both the file and stderr. Call CloseLogFile before exiting.
func InitLogFile(logDir string, keep int, tee bool) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	name := fmt.Sprintf("drover-%s.log", time.Now().UTC().Format("20060102-150405"))
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	outputMutex.Lock()
	logFile = file
	if tee {
		output = io.MultiWriter(os.Stderr, file)
	} else {
		output = file
	}
	outputMutex.Unlock()

	pruneLogFiles(logDir, keep)
	return nil
}

// CloseLogFile closes the active log file and restores stderr output.
// Safe to call when no log file was initialized.
func CloseLogFile() error {
	outputMutex.Lock()
	defer outputMutex.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	output = os.Stderr
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// pruneLogFiles removes the oldest drover-*.log files beyond keep.
// Pruning failures are ignored; stale logs are an inconvenience, not an error.
func pruneLogFiles(logDir string, keep int) {
	if keep <= 0 {
		return
	}

	matches, err := filepath.Glob(filepath.Join(logDir, "drover-*.log"))
	if err != nil || len(matches) <= keep {
		return
	}

	sort.Strings(matches) // timestamped names sort oldest first
	for _, path := range matches[:len(matches)-keep] {
		_ = os.Remove(path)
	}
}
