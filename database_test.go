// Database lifecycle tests: cross-family block-id intersection, the
// whole-file dedup a copied/hard-linked block file must trigger, and
// the repair path a corrupt .fltr file forces on the next Start.
package strata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratadb/strata/internal/codec"
	"github.com/stratadb/strata/internal/sidecar"
)

func newTestDatabase(t *testing.T, dir string) *Database {
	t.Helper()
	db, err := NewDatabase(dir, Config{}, newLogger(), newMetrics())
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	if err := db.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return db
}

// TestAcceptThenGetPrimaryRecord verifies a write ingested via accept is
// visible through GetPrimaryRecord once the current block has been
// synced.
func TestAcceptThenGetPrimaryRecord(t *testing.T) {
	db := newTestDatabase(t, t.TempDir())
	defer db.Close()

	w := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("name"), Value: NewString("ada")}
	if err := db.accept(w); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := db.triggerSync(true); err != nil {
		t.Fatalf("triggerSync: %v", err)
	}

	rec, err := db.GetPrimaryRecord(1)
	if err != nil {
		t.Fatalf("GetPrimaryRecord: %v", err)
	}
	if !rec.Present(NewText("name"), NewString("ada")) {
		t.Error("GetPrimaryRecord does not show the synced write as present")
	}
}

// TestFirstAcceptAfterRestartSkipsDuplicate verifies the re-verification
// guard: a revision already present in the current primary block (as
// it would be after a crash redelivers the page's first write) is not
// appended a second time on the first accept call of a new run.
func TestFirstAcceptAfterRestartSkipsDuplicate(t *testing.T) {
	db := newTestDatabase(t, t.TempDir())
	defer db.Close()

	w := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("name"), Value: NewString("ada")}
	if err := db.accept(w); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	// Simulate a restart: a fresh Database would start with
	// verifiedFirstWrite=false, so flip it back by hand to exercise the
	// same redelivery path without tearing down the whole object.
	db.firstWriteMu.Lock()
	db.verifiedFirstWrite = false
	db.firstWriteMu.Unlock()

	if err := db.accept(w); err != nil {
		t.Fatalf("redelivered accept: %v", err)
	}
	if err := db.triggerSync(true); err != nil {
		t.Fatalf("triggerSync: %v", err)
	}

	rec, err := db.GetPrimaryRecord(1)
	if err != nil {
		t.Fatalf("GetPrimaryRecord: %v", err)
	}
	if got := len(rec.SelectAt(NewText("name"), ^Version(0))); got != 1 {
		t.Errorf("SelectAt after redelivered duplicate returned %d values, want 1 (no double-apply)", got)
	}
}

// TestLoadFamilyDedupsHardLinkedBlock verifies two block files with
// identical bytes (as a hard link or naive copy would produce) are
// deduped by whole-file hash on Start, keeping only the first id that
// loads (the copy here sorts first but has no sidecar, so it fails to
// load and the original is kept).
func TestLoadFamilyDedupsHardLinkedBlock(t *testing.T) {
	root := t.TempDir()
	db := newTestDatabase(t, root)
	w := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("name"), Value: NewString("ada")}
	if err := db.accept(w); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := db.triggerSync(true); err != nil {
		t.Fatalf("triggerSync: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	primaryDir := filepath.Join(root, "primary")
	entries, err := os.ReadDir(primaryDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var original string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".blk" {
			original = e.Name()
			break
		}
	}
	if original == "" {
		t.Fatal("no .blk file produced by the sync")
	}
	data, err := os.ReadFile(filepath.Join(primaryDir, original))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dupPath := filepath.Join(primaryDir, "primary-"+"00000000000000099999"+".blk")
	if err := os.WriteFile(dupPath, data, 0644); err != nil {
		t.Fatalf("WriteFile duplicate: %v", err)
	}

	ids, blocks, err := loadFamily(primaryDir, "primary", PrimaryComparator, decodePrimary, newLogger(), Config{})
	if err != nil {
		t.Fatalf("loadFamily: %v", err)
	}
	if len(ids) != 1 || len(blocks) != 1 {
		t.Errorf("loadFamily returned %d ids / %d blocks, want exactly 1 of each (duplicate content deduped)", len(ids), len(blocks))
	}
}

// TestRepairRecoversFromCorruptFilter verifies that when a block's
// .fltr file is corrupted on disk, Repair (seeded by rescanning the
// block's own recorded composites) restores MightContain's no-false-
// negative contract rather than leaving the block permanently blind to
// its own data.
func TestRepairRecoversFromCorruptFilter(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBlock[Identifier, Text, Value](dir, "primary", 1, codec.AlgXXHash3, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	rev := PrimaryRevision{Locator: 1, Key: NewText("name"), Value: NewString("ada"), Version: 1, Action: ActionAdd}
	if err := b.Insert(rev, func(r PrimaryRevision) []codec.Composite { return primaryComposites(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(codec.AlgXXHash3, r) }); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	filterPath := filepath.Join(dir, "primary-00000000000000000001.fltr")
	if err := os.WriteFile(filterPath, []byte("not a real bloom filter"), 0644); err != nil {
		t.Fatalf("corrupt filter file: %v", err)
	}

	if _, err := Load[Identifier, Text, Value](dir, "primary", 1, PrimaryComparator, decodePrimary, Config{}); err == nil {
		t.Fatal("Load succeeded over a corrupted .fltr file, want ErrCorruptSidecar")
	} else if !errors.Is(err, ErrCorruptSidecar) {
		t.Errorf("Load error = %v, want it to wrap ErrCorruptSidecar", err)
	}

	// The recovery path: rebuild a fresh mutable block over the same
	// data and rescan it to repair the filter through Block.Repair's
	// rescan contract (Database.Start itself skips a block that fails to
	// load and does not call Repair).
	fresh, err := NewBlock[Identifier, Text, Value](dir, "primary", 1, codec.AlgXXHash3, PrimaryComparator, decodePrimary, Config{})
	if err != nil {
		t.Fatalf("NewBlock for repair target: %v", err)
	}
	defer fresh.Close()
	composites := primaryComposites(codec.AlgXXHash3, rev)
	if err := fresh.Repair(false, func(put func(codec.Composite), _ func(kind sidecar.Kind, key codec.Composite, start, end uint32)) error {
		for _, c := range composites {
			put(c)
		}
		return nil
	}); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	for _, c := range composites {
		if !fresh.MightContain(c) {
			t.Errorf("repaired filter missing composite %v", c)
		}
	}
}
