// Block lifecycle tests: mutable insert/seek, sync-to-immutable, and
// the sidecar+mmap cold read path that replaces the in-memory slice
// once a block is frozen.
package strata

import (
	"testing"

	"github.com/stratadb/strata/internal/codec"
	"github.com/stratadb/strata/internal/sidecar"
)

func newTestPrimaryBlock(t *testing.T, id uint64) *Block[Identifier, Text, Value] {
	t.Helper()
	b, err := NewBlock[Identifier, Text, Value](t.TempDir(), "primary", id, codec.AlgXXHash3, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	return b
}

// TestMutableSeekSeesPendingInsert verifies Seek finds a revision still
// sitting in the mutable pending slice, before Sync has frozen the block
// to its on-disk representation.
func TestMutableSeekSeesPendingInsert(t *testing.T) {
	b := newTestPrimaryBlock(t, 1)
	rev := PrimaryRevision{Locator: 1, Key: NewText("name"), Value: NewString("ada"), Version: 1, Action: ActionAdd}
	if err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	composite := codec.NewComposite(codec.AlgXXHash3, rev.Locator, rev.Key)
	revs, err := b.Seek(composite)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(revs) != 1 || revs[0].Value != rev.Value {
		t.Fatalf("Seek = %v, want one revision with value %v", revs, rev.Value)
	}
}

// TestSeekAfterSyncUsesSidecarAndMMap verifies a revision inserted
// before Sync is still found afterward, now routed through the
// sidecar-range + mmap cold path instead of the in-memory slice.
func TestSeekAfterSyncUsesSidecarAndMMap(t *testing.T) {
	b := newTestPrimaryBlock(t, 2)
	rev := PrimaryRevision{Locator: 5, Key: NewText("email"), Value: NewString("a@b.com"), Version: 1, Action: ActionAdd}
	if err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	composite := codec.NewComposite(codec.AlgXXHash3, rev.Locator, rev.Key)
	revs, err := b.Seek(composite)
	if err != nil {
		t.Fatalf("Seek after sync: %v", err)
	}
	if len(revs) != 1 || revs[0].Value != rev.Value {
		t.Fatalf("Seek after sync = %v, want one revision with value %v", revs, rev.Value)
	}
}

// TestSeekMissingComposite verifies the bloom filter correctly gates a
// composite that was never inserted, returning no revisions and no
// error rather than an empty-but-"found" result.
func TestSeekMissingComposite(t *testing.T) {
	b := newTestPrimaryBlock(t, 3)
	composite := codec.NewComposite(codec.AlgXXHash3, Identifier(123), NewText("nope"))
	revs, err := b.Seek(composite)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(revs) != 0 {
		t.Errorf("Seek for never-inserted composite = %v, want empty", revs)
	}
}

// TestInsertAfterSyncReturnsIllegalState verifies a synced (immutable)
// block refuses further inserts rather than silently accepting a write
// that would never be persisted.
func TestInsertAfterSyncReturnsIllegalState(t *testing.T) {
	b := newTestPrimaryBlock(t, 4)
	if err := b.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	rev := PrimaryRevision{Locator: 1, Key: NewText("k"), Value: NewString("v"), Version: 1, Action: ActionAdd}
	err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) })
	if err == nil {
		t.Fatal("Insert after Sync succeeded, want ErrIllegalState")
	}
}

// TestLoadReopensSyncedBlock verifies Load, given a block's id and
// directory, reconstructs a block whose Seek results match the
// original — the path Database.Start takes for every pre-existing block.
func TestLoadReopensSyncedBlock(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBlock[Identifier, Text, Value](dir, "primary", 7, codec.AlgXXHash3, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	rev := PrimaryRevision{Locator: 9, Key: NewText("name"), Value: NewString("grace"), Version: 1, Action: ActionAdd}
	if err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := Load[Identifier, Text, Value](dir, "primary", 7, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reloaded.Close()

	composite := codec.NewComposite(codec.AlgXXHash3, rev.Locator, rev.Key)
	revs, err := reloaded.Seek(composite)
	if err != nil {
		t.Fatalf("Seek on reloaded block: %v", err)
	}
	if len(revs) != 1 || revs[0].Value != rev.Value {
		t.Fatalf("Seek on reloaded block = %v, want one revision with value %v", revs, rev.Value)
	}
}

// TestRepairRebuildsFilterFromRescan verifies Repair, given a rescan
// callback that replays a block's known revisions, produces a filter
// that again recognizes every composite — the recovery path taken when
// a block's .fltr file fails to load.
func TestRepairRebuildsFilterFromRescan(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBlock[Identifier, Text, Value](dir, "primary", 11, codec.AlgXXHash3, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	rev := PrimaryRevision{Locator: 3, Key: NewText("city"), Value: NewString("nyc"), Version: 1, Action: ActionAdd}
	if err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	composites := primaryComposites(codec.AlgXXHash3, rev)
	err = b.Repair(false, func(put func(codec.Composite), _ func(sidecar.Kind, codec.Composite, uint32, uint32)) error {
		for _, c := range composites {
			put(c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	for _, c := range composites {
		if !b.MightContain(c) {
			t.Errorf("repaired filter missing composite %v", c)
		}
	}
}
