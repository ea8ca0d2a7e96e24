package strata

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/stratadb/strata/internal/bloom"
	"github.com/stratadb/strata/internal/codec"
	"github.com/stratadb/strata/internal/sidecar"
)

// blockMagic and blockFormatVersion name a block data file's identity and
// layout version. Neither is written to the data file by Sync nor checked
// by Load.
const (
	blockMagic         uint32 = 0x53424c4b // "SBLK"
	blockFormatVersion uint16 = 1
)

// Byteable is the subset of codec.Byteable every Block type parameter
// must satisfy so revisions can be serialized.
type Byteable = codec.Byteable

// Block is one immutable-once-synced segment of one family's on-disk
// storage: a sorted multiset of revisions, a bloom filter gating lookups,
// and an index sidecar mapping composite keys to exact byte ranges.
//
// Lifecycle: a Block starts mutable (revisions accumulate in insertion
// order in an in-memory slice under insert/insertUnsafe, and are sorted
// only when the block syncs); sync() freezes it, serializes
// the sorted revisions to a data file while building the sidecar
// alongside, flushes the bloom filter and sidecar, and drops the
// in-memory multiset in favor of a bounded LRU of hot revision sets plus
// the always-available mmap+sidecar cold path (the two-tier replacement
// for a GC soft reference, see DESIGN.md).
type Block[L byteableValue, K byteableValue, V byteableValue] struct {
	mu sync.RWMutex

	id     uint64
	dir    string
	family string // "primary", "secondary", or "search" — for filenames and logging
	cmp    Comparator[L, K, V]
	alg    int
	cfg    Config

	mutable bool
	pending []Revision[L, K, V] // mutable phase only

	filter   *bloom.Filter
	side     *sidecar.Sidecar
	dataMM   mmap.MMap
	dataFile *os.File

	hot *lru.Cache[codec.Composite, []Revision[L, K, V]]

	decode func(r *codec.Reader) (Revision[L, K, V], error)
}

// NewBlock returns a fresh mutable block with id blockID, rooted at dir,
// for the given family. cfg sizes the block's bloom filter and hot
// revision-set cache — callers pass an already-defaulted Config (see
// Config.WithDefaults).
func NewBlock[L byteableValue, K byteableValue, V byteableValue](
	dir string, family string, id uint64, alg int,
	cmp Comparator[L, K, V],
	decode func(r *codec.Reader) (Revision[L, K, V], error),
	cfg Config,
) (*Block[L, K, V], error) {
	hot, err := lru.New[codec.Composite, []Revision[L, K, V]](hotCacheSize(cfg))
	if err != nil {
		return nil, err
	}
	return &Block[L, K, V]{
		id:      id,
		dir:     dir,
		family:  family,
		cmp:     cmp,
		alg:     alg,
		cfg:     cfg,
		mutable: true,
		filter:  bloom.New(bloomSize(cfg)),
		hot:     hot,
		decode:  decode,
	}, nil
}

// bloomSize and hotCacheSize fall back to the same constants
// Config.WithDefaults fills in, so a zero Config passed directly (e.g.
// from a test) still produces a usable block.
func bloomSize(cfg Config) (int, float64) {
	n, fpr := cfg.BloomExpectedInsertions, cfg.BloomTargetFPR
	if n == 0 {
		n = expectedBlockInsertions
	}
	if fpr == 0 {
		fpr = bloomTargetFPR
	}
	return n, fpr
}

func hotCacheSize(cfg Config) int {
	if cfg.HotRevisionCacheSize == 0 {
		return 4096
	}
	return cfg.HotRevisionCacheSize
}

// expectedBlockInsertions and bloomTargetFPR are the defaults
// Config.WithDefaults assigns to BloomExpectedInsertions/BloomTargetFPR
// when left zero.
const (
	expectedBlockInsertions = 50_000
	bloomTargetFPR          = 0.03
)

func (b *Block[L, K, V]) ID() uint64 { return b.id }

func (b *Block[L, K, V]) dataPath() string  { return fmt.Sprintf("%s/%s-%020d.blk", b.dir, b.family, b.id) }
func (b *Block[L, K, V]) filterPath() string { return fmt.Sprintf("%s/%s-%020d.fltr", b.dir, b.family, b.id) }
func (b *Block[L, K, V]) sidePath() string  { return fmt.Sprintf("%s/%s-%020d.idx", b.dir, b.family, b.id) }

// Insert appends rev to the mutable multiset. Returns ErrIllegalState if
// the block has already been synced to immutability.
func (b *Block[L, K, V]) Insert(rev Revision[L, K, V], composites func(Revision[L, K, V]) []codec.Composite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertUnsafe(rev, composites)
}

// insertUnsafe is Insert without taking b.mu; Insert calls it with the
// write lock held, and it has no other caller.
func (b *Block[L, K, V]) insertUnsafe(rev Revision[L, K, V], composites func(Revision[L, K, V]) []codec.Composite) error {
	if !b.mutable {
		return fmt.Errorf("%w: block %d is immutable", ErrIllegalState, b.id)
	}
	b.pending = append(b.pending, rev)
	for _, c := range composites(rev) {
		b.filter.Put(c)
	}
	return nil
}

// Len reports the number of pending (mutable-phase) revisions.
func (b *Block[L, K, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Sync freezes the block: sorts the pending revisions under cmp,
// serializes them to the data file while building the sidecar in the
// same pass (detecting L and (L,K) group boundaries in the sorted
// stream), force-flushes the data file, persists the bloom filter and
// sidecar, and drops the in-memory slice — later reads go through
// seek's hot-cache/cold-path split. A block with zero pending revisions
// still syncs (producing an empty data file) but the caller is expected
// to log a warning, per spec §7.1, since syncing empty or already-
// immutable blocks usually signals a scheduling bug upstream.
func (b *Block[L, K, V]) Sync(groupKey func(Revision[L, K, V]) (lKey codec.Composite, lkKey codec.Composite)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mutable {
		return fmt.Errorf("%w: block %d already synced", ErrIllegalState, b.id)
	}

	sort.Slice(b.pending, func(i, j int) bool { return b.cmp(b.pending[i], b.pending[j]) < 0 })

	f, err := os.Create(b.dataPath())
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)

	side := sidecar.New()
	var offset uint32
	var curL, curLK codec.Composite
	var lStart, lkStart uint32
	haveL, haveLK := false, false

	flushGroup := func(kind sidecar.Kind, key codec.Composite, start uint32) {
		side.Put(key, start, offset, kind)
	}

	for _, rev := range b.pending {
		lKey, lkKey := groupKey(rev)
		if !haveL || lKey != curL {
			if haveL {
				flushGroup(sidecar.KindLocator, curL, lStart)
			}
			curL, lStart, haveL = lKey, offset, true
		}
		if !haveLK || lkKey != curLK {
			if haveLK {
				flushGroup(sidecar.KindLocatorKey, curLK, lkStart)
			}
			curLK, lkStart, haveLK = lkKey, offset, true
		}

		cw := codec.NewWriter(rev.Size())
		rev.CopyTo(cw)
		buf := cw.Bytes()

		var szbuf [4]byte
		putU32(szbuf[:], uint32(len(buf)))
		if _, err := bw.Write(szbuf[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := bw.Write(buf); err != nil {
			f.Close()
			return err
		}
		offset += uint32(4 + len(buf))
	}
	if haveL {
		flushGroup(sidecar.KindLocator, curL, lStart)
	}
	if haveLK {
		flushGroup(sidecar.KindLocatorKey, curLK, lkStart)
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := b.filter.Sync(b.filterPath()); err != nil {
		return err
	}
	if err := side.Write(b.sidePath()); err != nil {
		return err
	}

	b.side = side
	b.mutable = false
	b.pending = nil
	return b.openMMap()
}

func (b *Block[L, K, V]) openMMap() error {
	f, err := os.Open(b.dataPath())
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() == 0 {
		b.dataFile = f
		return nil
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return err
	}
	b.dataFile = f
	b.dataMM = mm
	return nil
}

// Close releases the mmap and file handle.
func (b *Block[L, K, V]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dataMM != nil {
		if err := b.dataMM.Unmap(); err != nil {
			return err
		}
		b.dataMM = nil
	}
	if b.dataFile != nil {
		return b.dataFile.Close()
	}
	return nil
}

// MightContain checks the bloom filter only — the cheap gate every seek
// performs before touching the hot cache or the mmap/sidecar cold path.
func (b *Block[L, K, V]) MightContain(c codec.Composite) bool {
	return b.filter.MightContain(c)
}

// Seek returns every revision matching composite c, checking the bloom
// filter first (a miss is a hard guarantee of absence), then the hot LRU
// cache, then falling through to the sidecar's byte range and an mmap
// read as the authoritative cold path.
func (b *Block[L, K, V]) Seek(c codec.Composite) ([]Revision[L, K, V], error) {
	if !b.MightContain(c) {
		return nil, nil
	}

	b.mu.RLock()
	mutable := b.mutable
	b.mu.RUnlock()

	if mutable {
		b.mu.RLock()
		defer b.mu.RUnlock()
		var out []Revision[L, K, V]
		for _, rev := range b.pending {
			if c == codec.NewComposite(b.alg, rev.Locator) ||
				c == codec.NewComposite(b.alg, rev.Locator, rev.Key) ||
				c == codec.NewComposite(b.alg, rev.Locator, rev.Key, rev.Value) {
				out = append(out, rev)
			}
		}
		return out, nil
	}

	if revs, ok := b.hot.Get(c); ok {
		return revs, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.side == nil {
		return nil, fmt.Errorf("%w: block %d has no sidecar loaded", ErrIllegalState, b.id)
	}
	start, end, ok := b.side.Lookup(c)
	if !ok {
		return nil, nil
	}
	revs, err := b.readRange(uint64(start), uint64(end))
	if err != nil {
		return nil, err
	}
	b.hot.Add(c, revs)
	return revs, nil
}

// readRange decodes every length-framed revision in the half-open byte
// range [start, end) of the mmapped data file. end is exclusive — the
// byte offset just past the last byte of the run, per spec's explicit
// preference, not the off-by-one "position()-1" the original computed.
func (b *Block[L, K, V]) readRange(start, end uint64) ([]Revision[L, K, V], error) {
	if b.dataMM == nil {
		return nil, nil
	}
	if end > uint64(len(b.dataMM)) || start > end {
		return nil, fmt.Errorf("%w: block %d range [%d,%d) exceeds file length %d",
			ErrCorruptSidecar, b.id, start, end, len(b.dataMM))
	}
	var out []Revision[L, K, V]
	pos := start
	for pos < end {
		if pos+4 > end {
			return nil, fmt.Errorf("%w: block %d truncated length prefix at %d", ErrMalformedBlock, b.id, pos)
		}
		size := getU32(b.dataMM[pos : pos+4])
		pos += 4
		if pos+uint64(size) > end {
			return nil, fmt.Errorf("%w: block %d truncated revision at %d", ErrMalformedBlock, b.id, pos)
		}
		r := codec.NewReader(b.dataMM[pos : pos+uint64(size)])
		rev, err := b.decode(r)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrMalformedBlock, b.id, err)
		}
		out = append(out, rev)
		pos += uint64(size)
	}
	return out, nil
}

// Load reopens a previously-synced immutable block from disk: mmaps the
// data file and loads the sidecar and bloom filter. A missing or corrupt
// sidecar or filter makes Load fail with an error wrapping
// ErrCorruptSidecar; Load does not call Repair or rebuild either file. cfg
// sizes the hot revision-set cache (the bloom filter itself is reloaded
// from the filter sidecar's own persisted parameters, not recomputed).
func Load[L byteableValue, K byteableValue, V byteableValue](
	dir string, family string, id uint64,
	cmp Comparator[L, K, V],
	decode func(r *codec.Reader) (Revision[L, K, V], error),
	cfg Config,
) (*Block[L, K, V], error) {
	hot, err := lru.New[codec.Composite, []Revision[L, K, V]](hotCacheSize(cfg))
	if err != nil {
		return nil, err
	}
	b := &Block[L, K, V]{
		id: id, dir: dir, family: family, cmp: cmp, cfg: cfg,
		mutable: false, hot: hot, decode: decode,
	}
	if err := b.openMMap(); err != nil {
		return nil, err
	}

	side, err := sidecar.Load(b.sidePath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSidecar, err)
	}
	b.side = side

	filter, err := bloom.Load(b.filterPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSidecar, err)
	}
	b.filter = filter

	return b, nil
}

// Repair rebuilds the bloom filter (and, if sidecarCorrupt, the sidecar)
// by rescanning the data file with rescan, which must invoke put/putRange
// for every revision's (L), (L,K) groupings exactly as Sync did. A data
// file that itself fails to decode is unrecoverable: Repair returns
// ErrMalformedBlock and the caller drops the block across all three
// families, per spec §4.4.
func (b *Block[L, K, V]) Repair(sidecarCorrupt bool, rescan func(put func(codec.Composite), putRange func(kind sidecar.Kind, key codec.Composite, start, end uint32)) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	newFilter := bloom.New(bloomSize(b.cfg))
	var newSide *sidecar.Sidecar
	if sidecarCorrupt {
		newSide = sidecar.New()
	} else {
		newSide = b.side
	}

	err := rescan(newFilter.Put, func(kind sidecar.Kind, key codec.Composite, start, end uint32) {
		if sidecarCorrupt {
			newSide.Put(key, start, end, kind)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}

	b.filter = newFilter
	if err := b.filter.Sync(b.filterPath()); err != nil {
		return err
	}
	if sidecarCorrupt {
		b.side = newSide
		if err := b.side.Write(b.sidePath()); err != nil {
			return err
		}
	}
	return nil
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func getU32(buf []byte) uint64 {
	return uint64(buf[0])<<24 | uint64(buf[1])<<16 | uint64(buf[2])<<8 | uint64(buf[3])
}
