// Package bloom implements a fixed-capacity, mmap-persisted bloom filter
// keyed by codec.Composite, sized for a target false-positive rate.
//
// Grounded on the teacher's bloom.go (FNV double-hashing, fixed bit-array
// sizing), generalized from a fixed 10k-entry/1%-FPR constant to a
// capacity computed from expected insertions, and given durable mmap
// storage since spec §4.2 requires the filter survive a process restart.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/stratadb/strata/internal/codec"
)

const (
	magic         uint32 = 0x53424c4d // "SBLM"
	formatVersion uint16 = 1
	headerSize           = 4 + 2 + 2 + 8 // magic, version, k, bit_count
)

// Filter is a one-sided membership test: MightContain may return false
// positives but never false negatives, the invariant the whole engine's
// seek path depends on (spec §3 "Bloom filters are one-sided").
type Filter struct {
	bits     []byte
	bitCount uint64
	k        uint16

	path string
	file *os.File
	mm   mmap.MMap // non-nil only when backed by an open file
}

// New sizes a filter for expectedInsertions at the given target false
// positive rate (e.g. 0.03 for 3%, per spec §4.2's "optimal FPR ≈ 3%").
func New(expectedInsertions int, targetFPR float64) *Filter {
	if expectedInsertions < 1 {
		expectedInsertions = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.03
	}
	m := optimalBits(expectedInsertions, targetFPR)
	k := optimalK(expectedInsertions, m)
	byteLen := (m + 7) / 8
	return &Filter{
		bits:     make([]byte, byteLen),
		bitCount: uint64(byteLen) * 8,
		k:        k,
	}
}

func optimalBits(n int, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return uint64(math.Ceil(m))
}

func optimalK(n int, m uint64) uint16 {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 32 {
		k = 32
	}
	return uint16(k)
}

// Put inserts a composite key.
func (f *Filter) Put(c codec.Composite) {
	for _, pos := range f.positions(c) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether c may have been inserted. A false result
// is a hard guarantee of absence.
func (f *Filter) MightContain(c codec.Composite) bool {
	for _, pos := range f.positions(c) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// positions derives f.k bit positions from c via double hashing (two
// independent 64-bit halves of the composite combined as h1 + i*h2),
// generalizing the teacher's FNV64a/FNV32a double-hash to the wider
// composite already produced by internal/codec.
func (f *Filter) positions(c codec.Composite) []uint64 {
	h1 := binary.BigEndian.Uint64(c[0:8])
	h2 := binary.BigEndian.Uint64(c[8:16])
	if h2 == 0 {
		h2 = 1
	}
	out := make([]uint64, f.k)
	for i := uint16(0); i < f.k; i++ {
		out[i] = (h1 + uint64(i)*h2) % f.bitCount
	}
	return out
}

// Sync durably persists the filter to path via write-to-temp-then-rename,
// matching spec §4.2's atomic sync contract.
func (f *Filter) Sync(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer file.Close()

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint16(hdr[4:6], formatVersion)
	binary.BigEndian.PutUint16(hdr[6:8], f.k)
	binary.BigEndian.PutUint64(hdr[8:16], f.bitCount)

	if _, err := file.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := file.Write(f.bits); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load mmaps an existing filter file. A truncated file or mismatched
// magic returns a wrapped error the caller should treat as
// strata.ErrCorruptSidecar and repair via RepairFrom.
func Load(path string) (*Filter, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() < headerSize {
		file.Close()
		return nil, fmt.Errorf("bloom: truncated header in %s", path)
	}

	mm, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, err
	}

	if binary.BigEndian.Uint32(mm[0:4]) != magic {
		mm.Unmap()
		file.Close()
		return nil, fmt.Errorf("bloom: bad magic in %s", path)
	}
	k := binary.BigEndian.Uint16(mm[6:8])
	bitCount := binary.BigEndian.Uint64(mm[8:16])
	wantLen := headerSize + int((bitCount+7)/8)
	if len(mm) < wantLen {
		mm.Unmap()
		file.Close()
		return nil, fmt.Errorf("bloom: truncated bitset in %s", path)
	}

	return &Filter{
		bits:     mm[headerSize:wantLen],
		bitCount: bitCount,
		k:        k,
		path:     path,
		file:     file,
		mm:       mm,
	}, nil
}

// Close unmaps and closes the backing file, if any.
func (f *Filter) Close() error {
	if f.mm != nil {
		if err := f.mm.Unmap(); err != nil {
			return err
		}
		f.mm = nil
	}
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// RepairFrom builds and returns a new filter by invoking insertAll, which
// the caller supplies as a scan over the block's data file re-inserting
// every revision's (L), (L,K), and (L,K,V) composites, per spec §4.2.
func RepairFrom(expectedInsertions int, targetFPR float64, insertAll func(put func(codec.Composite))) *Filter {
	f := New(expectedInsertions, targetFPR)
	insertAll(f.Put)
	return f
}
