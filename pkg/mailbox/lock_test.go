package mailbox

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestMailbox(t *testing.T, dir string) *Mailbox {
	t.Helper()
	m, err := New(dir, 10*time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestAcquireLockExclusion(t *testing.T) {
	dir := t.TempDir()
	m1 := newTestMailbox(t, dir)
	m2 := newTestMailbox(t, dir)
	m2.owner = "elsewhere:4242"

	ok, err := m1.AcquireLock()
	if err != nil || !ok {
		t.Fatalf("First acquire = (%v, %v), expected (true, nil)", ok, err)
	}

	ok, err = m2.AcquireLock()
	if err != nil {
		t.Fatalf("Second acquire errored: %v", err)
	}
	if ok {
		t.Fatal("Second acquire must fail while the lock is held")
	}

	if err := m1.ReleaseLock(); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	ok, err = m2.AcquireLock()
	if err != nil || !ok {
		t.Fatalf("Acquire after release = (%v, %v), expected (true, nil)", ok, err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m1 := newTestMailbox(t, dir)
	m1.now = func() time.Time { return base }
	if ok, err := m1.AcquireLock(); err != nil || !ok {
		t.Fatalf("Initial acquire = (%v, %v)", ok, err)
	}

	m2 := newTestMailbox(t, dir)
	m2.owner = "elsewhere:4242"

	// Within the staleness window the lock holds.
	m2.now = func() time.Time { return base.Add(9 * time.Minute) }
	if ok, _ := m2.AcquireLock(); ok {
		t.Fatal("Lock inside the staleness window must not be reclaimed")
	}

	// Past it the lock is treated as abandoned and silently replaced.
	m2.now = func() time.Time { return base.Add(11 * time.Minute) }
	ok, err := m2.AcquireLock()
	if err != nil || !ok {
		t.Fatalf("Stale acquire = (%v, %v), expected (true, nil)", ok, err)
	}
}

func TestCorruptLockTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	m := newTestMailbox(t, dir)

	if err := os.WriteFile(m.lockPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Seeding corrupt lock failed: %v", err)
	}

	ok, err := m.AcquireLock()
	if err != nil || !ok {
		t.Fatalf("Acquire over corrupt lock = (%v, %v), expected (true, nil)", ok, err)
	}
}

func TestReleaseLockAlwaysSafe(t *testing.T) {
	dir := t.TempDir()
	m1 := newTestMailbox(t, dir)

	// No lock at all.
	if err := m1.ReleaseLock(); err != nil {
		t.Fatalf("Release with no lock file failed: %v", err)
	}

	// A lock reclaimed by somebody else stays put.
	m2 := newTestMailbox(t, dir)
	m2.owner = "elsewhere:4242"
	if ok, err := m2.AcquireLock(); err != nil || !ok {
		t.Fatalf("Acquire = (%v, %v)", ok, err)
	}
	if err := m1.ReleaseLock(); err != nil {
		t.Fatalf("Release of another owner's lock failed: %v", err)
	}
	if _, err := os.Stat(m1.lockPath); err != nil {
		t.Error("Another owner's lock must survive our release")
	}
}

func TestWithLockBusyTimeout(t *testing.T) {
	dir := t.TempDir()

	// Drive both sides on one fake clock so the test stays fast and the
	// held lock never looks stale.
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m1 := newTestMailbox(t, dir)
	m1.now = func() time.Time { return clock }
	if ok, err := m1.AcquireLock(); err != nil || !ok {
		t.Fatalf("Acquire = (%v, %v)", ok, err)
	}

	m2 := newTestMailbox(t, dir)
	m2.owner = "elsewhere:4242"
	m2.busyWait = 200 * time.Millisecond
	m2.now = func() time.Time { return clock }
	m2.sleep = func(d time.Duration) { clock = clock.Add(d) }

	err := m2.withLock(func() error {
		t.Error("Critical section must not run while the lock is held elsewhere")
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}
}

func TestWithLockReleasesAfterRun(t *testing.T) {
	dir := t.TempDir()
	m := newTestMailbox(t, dir)

	ran := false
	if err := m.withLock(func() error { ran = true; return nil }); err != nil {
		t.Fatalf("withLock failed: %v", err)
	}
	if !ran {
		t.Fatal("Critical section never ran")
	}
	if _, err := os.Stat(m.lockPath); !os.IsNotExist(err) {
		t.Error("Lock file must be gone after withLock returns")
	}
}
