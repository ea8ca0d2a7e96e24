// OS-level single-process guard for an environment directory.
//
// envLock wraps a gofrs/flock file lock with a mutex that guards the
// lock handle's lifetime, so that a concurrent Close cannot race the
// flock syscall against the handle being torn down. close waits for the
// mutex (draining any in-flight clearDirty), releases the flock and
// clears the handle, after which clearDirty and close are no-ops.
//
// Grounded on the teacher's lock.go/lock_unix.go/lock_windows.go
// (flock(2)/LockFileEx wrapped in a mutex guarding fd lifetime),
// replaced here with github.com/gofrs/flock for the syscall layer so
// the lock itself is cross-platform without per-OS build tags.
package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// envDirtyMarker is the sentinel file written before any mutating
// operation begins and removed only by clearDirty on a clean shutdown. Its presence
// at Open time means the previous process crashed mid-write.
const envDirtyMarker = ".strata.dirty"

// envLock coordinates a single process's exclusive hold on an
// environment directory, plus crash-dirty detection via a marker file
// alongside the lock file itself.
type envLock struct {
	mu   sync.Mutex
	f    *flock.Flock
	path string
}

// openEnvLock acquires an exclusive, non-blocking lock on
// "<dir>/.strata.lock", failing immediately (rather than waiting) if
// another process already holds it — a second process attaching to the
// same environment is a configuration mistake, not a condition worth
// queuing for.
func openEnvLock(dir string) (*envLock, bool, error) {
	path := filepath.Join(dir, ".strata.lock")
	f := flock.New(path)
	ok, err := f.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("strata: acquiring environment lock: %w", err)
	}
	if !ok {
		return nil, false, fmt.Errorf("strata: environment %q is already locked by another process", dir)
	}

	dirtyPath := filepath.Join(dir, envDirtyMarker)
	wasDirty := false
	if _, statErr := os.Stat(dirtyPath); statErr == nil {
		wasDirty = true
	}
	if err := os.WriteFile(dirtyPath, []byte{}, 0o644); err != nil {
		f.Unlock()
		return nil, false, fmt.Errorf("strata: writing dirty marker: %w", err)
	}

	return &envLock{f: f, path: dirtyPath}, wasDirty, nil
}

// clearDirty removes the dirty marker, recording a clean shutdown. It
// is the caller's responsibility to call this only after every durable
// component (buffer pages, blocks) has finished syncing.
func (l *envLock) clearDirty() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("strata: clearing dirty marker: %w", err)
	}
	return nil
}

// close drains any in-flight use of the lock handle, releases the
// flock, and disables further operations on this envLock.
func (l *envLock) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Unlock()
	l.f = nil
	return err
}
