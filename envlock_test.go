// Environment lock acquisition and crash-dirty marker tests.
package strata

import "testing"

// TestSecondLockFailsImmediately verifies a second openEnvLock on the
// same directory fails right away rather than blocking — attaching two
// processes to one environment is a configuration mistake, not a
// condition worth queuing for.
func TestSecondLockFailsImmediately(t *testing.T) {
	dir := t.TempDir()
	first, wasDirty, err := openEnvLock(dir)
	if err != nil {
		t.Fatalf("first openEnvLock: %v", err)
	}
	defer first.close()
	if wasDirty {
		t.Error("wasDirty = true on a freshly created directory, want false")
	}

	_, _, err = openEnvLock(dir)
	if err == nil {
		t.Fatal("second openEnvLock on the same directory succeeded, want an error")
	}
}

// TestDirtyMarkerLifecycle verifies the marker is absent after a clean
// close, and that an unclean close (no clearDirty call) leaves it for
// the next open to observe.
func TestDirtyMarkerLifecycle(t *testing.T) {
	dir := t.TempDir()

	l1, wasDirty, err := openEnvLock(dir)
	if err != nil {
		t.Fatalf("openEnvLock: %v", err)
	}
	if wasDirty {
		t.Fatal("wasDirty = true on first open of a fresh directory")
	}
	// Unclean shutdown: close without calling clearDirty first.
	if err := l1.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, wasDirty, err := openEnvLock(dir)
	if err != nil {
		t.Fatalf("reopen after unclean close: %v", err)
	}
	if !wasDirty {
		t.Error("wasDirty = false after an unclean close, want true")
	}
	if err := l2.clearDirty(); err != nil {
		t.Fatalf("clearDirty: %v", err)
	}
	if err := l2.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l3, wasDirty, err := openEnvLock(dir)
	if err != nil {
		t.Fatalf("reopen after clean close: %v", err)
	}
	defer l3.close()
	if wasDirty {
		t.Error("wasDirty = true after a clean close (clearDirty + close), want false")
	}
}

// TestCloseIsIdempotent verifies a second close call is a no-op rather
// than an error, since Engine.Stop may call it alongside other cleanup
// that could plausibly race a caller into closing twice.
func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, _, err := openEnvLock(dir)
	if err != nil {
		t.Fatalf("openEnvLock: %v", err)
	}
	if err := l.close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := l.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
