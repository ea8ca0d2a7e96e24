// Bloom filter correctness and persistence tests.
//
// Block.Seek relies on a false-negative-free filter: MightContain must
// never return false for a composite that was actually Put, or a read
// would silently skip a revision that genuinely exists on disk. The
// false-positive rate is allowed to drift, but only within the target
// bound, since every hit still falls through to a real sidecar+mmap
// lookup.
package bloom

import (
	"path/filepath"
	"testing"

	"github.com/stratadb/strata/internal/codec"
)

// testID is a minimal codec.Byteable standing in for a domain locator,
// used only to build distinct Composites for these tests.
type testID uint64

func (id testID) Size() int { return 8 }
func (id testID) CopyTo(w *codec.Writer) { w.WriteU64(uint64(id)) }

func compositeFor(n int) codec.Composite {
	return codec.NewComposite(codec.AlgXXHash3, testID(n))
}

// TestPutThenMightContain verifies the no-false-negative contract: every
// composite that was Put must report MightContain true afterward.
func TestPutThenMightContain(t *testing.T) {
	f := New(1000, 0.03)
	c := compositeFor(42)
	f.Put(c)
	if !f.MightContain(c) {
		t.Error("MightContain returned false for a composite that was Put — false negative")
	}
}

// TestMightContainMissBeforePut verifies an never-inserted composite is
// very likely reported absent, the fast path Block.Seek relies on to
// skip the sidecar+mmap lookup entirely.
func TestMightContainMissBeforePut(t *testing.T) {
	f := New(1000, 0.03)
	c := compositeFor(99)
	if f.MightContain(c) {
		t.Error("MightContain returned true for a never-inserted composite on an otherwise-empty filter")
	}
}

// TestFalsePositiveRateWithinBound inserts 10,000 composites and probes
// 10,000 disjoint ones, checking the observed false-positive rate stays
// within a generous multiple of the configured target — a regression
// here means optimalBits/optimalK drifted from the target formula.
func TestFalsePositiveRateWithinBound(t *testing.T) {
	const n = 10_000
	targetFPR := 0.03
	f := New(n, targetFPR)
	for i := 0; i < n; i++ {
		f.Put(compositeFor(i))
	}

	falsePositives := 0
	for i := n; i < 2*n; i++ {
		if f.MightContain(compositeFor(i)) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(n)
	if observed > targetFPR*3 {
		t.Errorf("observed false-positive rate %.4f exceeds 3x target %.4f", observed, targetFPR)
	}
}

// TestSyncThenLoadPreservesContents verifies a filter persisted via Sync
// and reopened via Load answers MightContain identically to the
// in-memory original — the on-disk round trip every block Sync/Load
// depends on.
func TestSyncThenLoadPreservesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fltr")

	f := New(1000, 0.03)
	var inserted []codec.Composite
	for i := 0; i < 500; i++ {
		c := compositeFor(i)
		f.Put(c)
		inserted = append(inserted, c)
	}
	if err := f.Sync(path); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reloaded.Close()

	for i, c := range inserted {
		if !reloaded.MightContain(c) {
			t.Fatalf("reloaded filter missing composite %d — false negative after Load", i)
		}
	}
}

// TestRepairFromRebuildsEquivalentFilter verifies RepairFrom, given a
// callback that re-inserts every composite a corrupt filter should have
// held, produces a filter that again reports every one of them present —
// the path Block.Repair takes when a .fltr file fails to Load.
func TestRepairFromRebuildsEquivalentFilter(t *testing.T) {
	var want []codec.Composite
	for i := 0; i < 200; i++ {
		want = append(want, compositeFor(i))
	}

	rebuilt := RepairFrom(len(want), 0.03, func(put func(codec.Composite)) {
		for _, c := range want {
			put(c)
		}
	})

	for i, c := range want {
		if !rebuilt.MightContain(c) {
			t.Fatalf("rebuilt filter missing composite %d after RepairFrom", i)
		}
	}
}
