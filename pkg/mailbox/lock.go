package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"drover/pkg/utils"
)

// ErrBusy reports that the mailbox lock is held by another live process.
var ErrBusy = errors.New("mailbox is locked by another process")

// lockRecord is the JSON body of the lock file.
type lockRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Owner     string    `json:"owner"`
}

// AcquireLock takes the advisory mailbox lock. It returns false when a
// non-stale lock is already present. A lock older than the staleness timeout,
// or one whose record cannot be read, counts as abandoned and is silently
// replaced.
func (m *Mailbox) AcquireLock() (bool, error) {
	record, err := json.Marshal(lockRecord{Timestamp: m.now().UTC(), Owner: m.owner})
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}

	f, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, werr := f.Write(record)
		cerr := f.Close()
		if werr != nil {
			return false, fmt.Errorf("write lock file: %w", werr)
		}
		if cerr != nil {
			return false, fmt.Errorf("close lock file: %w", cerr)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("create lock file: %w", err)
	}

	if !m.lockIsStale() {
		return false, nil
	}

	// Abandoned lock: replace it in place. Atomic rename keeps a concurrent
	// reader from ever seeing a half-written record.
	if err := utils.AtomicWriteFile(m.lockPath, record, 0644); err != nil {
		return false, fmt.Errorf("replace stale lock: %w", err)
	}
	m.logger.Warn("Reclaimed stale mailbox lock at %s", m.lockPath)
	return true, nil
}

// ReleaseLock drops the lock. It is always safe: no lock, a missing file, or
// a lock reclaimed by somebody else all come back nil.
func (m *Mailbox) ReleaseLock() error {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}

	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err == nil && rec.Owner != "" && rec.Owner != m.owner {
		// Another process reclaimed the lock after our staleness window.
		// Leave it alone.
		return nil
	}

	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// lockIsStale reports whether the current lock file is older than the
// staleness timeout or unreadable.
func (m *Mailbox) lockIsStale() bool {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		// Vanished between the create attempt and now, or unreadable.
		return true
	}

	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Timestamp.IsZero() {
		return true
	}
	return m.now().Sub(rec.Timestamp) > m.lockTimeout
}

// withLock runs fn while holding the mailbox lock, retrying acquisition for
// a short bounded window before giving up with ErrBusy.
func (m *Mailbox) withLock(fn func() error) error {
	deadline := m.now().Add(m.busyWait)
	for {
		ok, err := m.AcquireLock()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !m.now().Before(deadline) {
			return ErrBusy
		}
		m.sleep(lockRetryInterval)
	}
	defer func() {
		if err := m.ReleaseLock(); err != nil {
			m.logger.Warn("Failed to release mailbox lock: %v", err)
		}
	}()
	return fn()
}
