package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratadb/strata/internal/codec"
)

// primaryPartialKey addresses the primary-partial-by-key cache: one
// record's revisions for a single key, not its whole revision set.
type primaryPartialKey struct {
	Record Identifier
	Key    Text
}

// --- per-family wiring (composites, decode, comparator) -------------------

func decodePrimary(r *codec.Reader) (PrimaryRevision, error) {
	return DecodeRevision[Identifier, Text, Value](r, DecodeIdentifier, DecodeText, DecodeValue)
}
func decodeSecondary(r *codec.Reader) (SecondaryRevision, error) {
	return DecodeRevision[Text, Value, Identifier](r, DecodeText, DecodeValue, DecodeIdentifier)
}
func decodeSearch(r *codec.Reader) (SearchRevision, error) {
	return DecodeRevision[Text, Text, TermRef](r, DecodeText, DecodeText, DecodeTermRef)
}

func primaryComposites(alg int, rev PrimaryRevision) []codec.Composite {
	return []codec.Composite{
		codec.NewComposite(alg, rev.Locator),
		codec.NewComposite(alg, rev.Locator, rev.Key),
		codec.NewComposite(alg, rev.Locator, rev.Key, rev.Value),
	}
}
func primaryGroupKey(alg int, rev PrimaryRevision) (codec.Composite, codec.Composite) {
	return codec.NewComposite(alg, rev.Locator), codec.NewComposite(alg, rev.Locator, rev.Key)
}

func secondaryComposites(alg int, rev SecondaryRevision) []codec.Composite {
	return []codec.Composite{
		codec.NewComposite(alg, rev.Locator),
		codec.NewComposite(alg, rev.Locator, rev.Key),
		codec.NewComposite(alg, rev.Locator, rev.Key, rev.Value),
	}
}
func secondaryGroupKey(alg int, rev SecondaryRevision) (codec.Composite, codec.Composite) {
	return codec.NewComposite(alg, rev.Locator), codec.NewComposite(alg, rev.Locator, rev.Key)
}

func searchComposites(alg int, rev SearchRevision) []codec.Composite {
	return []codec.Composite{
		codec.NewComposite(alg, rev.Locator),
		codec.NewComposite(alg, rev.Locator, rev.Key),
		codec.NewComposite(alg, rev.Locator, rev.Key, rev.Value),
	}
}
func searchGroupKey(alg int, rev SearchRevision) (codec.Composite, codec.Composite) {
	return codec.NewComposite(alg, rev.Locator), codec.NewComposite(alg, rev.Locator, rev.Key)
}

// --- Database ---------------------------------------------------------

// Database is the immutable, triple-indexed on-disk half of the engine:
// three parallel families of Blocks (primary, secondary, search), each
// with its own append-only sequence of immutable blocks plus one current
// mutable block accepting new revisions.
//
// Grounded on folio db.go's Open (crash-dirty detection, header Error
// flag) and repair.go's phase-1/phase-2 locking discipline, generalized
// from one file to three parallel per-family block directories.
type Database struct {
	root   string
	cfg    Config
	log    *zap.Logger
	mx     *metrics

	mu sync.RWMutex // master read/write lock: write-held during triggerSync and Close

	primary   []*Block[Identifier, Text, Value]
	secondary []*Block[Text, Value, Identifier]
	search    []*Block[Text, Text, TermRef]

	curPrimary   *Block[Identifier, Text, Value]
	curSecondary *Block[Text, Value, Identifier]
	curSearch    *Block[Text, Text, TermRef]

	primaryFullCache    *lru.Cache[Identifier, *Record[Identifier, Text, Value]]
	primaryPartialCache *lru.Cache[primaryPartialKey, *Record[Identifier, Text, Value]]
	secondaryCache      *lru.Cache[Text, *Record[Text, Value, Identifier]]

	firstWriteMu       sync.Mutex
	verifiedFirstWrite bool
}

// NewDatabase opens a Database rooted at root, creating primary/, secondary/,
// and search/ subdirectories as needed.
func NewDatabase(root string, cfg Config, log *zap.Logger, mx *metrics) (*Database, error) {
	cfg = cfg.WithDefaults()
	for _, sub := range []string{"primary", "secondary", "search"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, err
		}
	}
	primaryFull, err := lru.New[Identifier, *Record[Identifier, Text, Value]](cfg.RecordCacheSize)
	if err != nil {
		return nil, err
	}
	primaryPartial, err := lru.New[primaryPartialKey, *Record[Identifier, Text, Value]](cfg.RecordCacheSize)
	if err != nil {
		return nil, err
	}
	secondaryCache, err := lru.New[Text, *Record[Text, Value, Identifier]](cfg.RecordCacheSize)
	if err != nil {
		return nil, err
	}
	return &Database{
		root:                root,
		cfg:                 cfg,
		log:                 log,
		mx:                  mx,
		primaryFullCache:    primaryFull,
		primaryPartialCache: primaryPartial,
		secondaryCache:      secondaryCache,
	}, nil
}

// blockFileIDs lists the block ids present in dir by scanning
// "<family>-<id>.blk" filenames, sorted ascending (oldest first).
func blockFileIDs(dir, family string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	prefix := family + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".blk") || !strings.HasPrefix(name, prefix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".blk")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Start loads every family's block directory in parallel, deduplicates
// copied/hard-linked files via a whole-file 128-bit hash, skips blocks
// that fail to decode, intersects the surviving block-id sets (primary ∩
// secondary is required; search may legitimately be absent for an
// all-non-string-valued sync), and mints the initial mutable blocks via
// triggerSync(false).
func (db *Database) Start() error {
	var eg errgroup.Group
	var primaryIDs, secondaryIDs []uint64
	var primaryBlocks []*Block[Identifier, Text, Value]
	var secondaryBlocks []*Block[Text, Value, Identifier]
	var searchBlocks []*Block[Text, Text, TermRef]

	eg.Go(func() error {
		ids, blocks, err := loadFamily(filepath.Join(db.root, "primary"), "primary",
			PrimaryComparator, decodePrimary, db.log, db.cfg)
		primaryIDs, primaryBlocks = ids, blocks
		return err
	})
	eg.Go(func() error {
		ids, blocks, err := loadFamily(filepath.Join(db.root, "secondary"), "secondary",
			SecondaryComparator, decodeSecondary, db.log, db.cfg)
		secondaryIDs, secondaryBlocks = ids, blocks
		return err
	})
	eg.Go(func() error {
		_, blocks, err := loadFamily(filepath.Join(db.root, "search"), "search",
			SearchComparator, decodeSearch, db.log, db.cfg)
		searchBlocks = blocks
		return err
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	required := intersect(toSet(primaryIDs), toSet(secondaryIDs))

	db.primary = filterBlocks(primaryBlocks, required)
	db.secondary = filterBlocks(secondaryBlocks, required)
	db.search = filterSearchBlocks(searchBlocks, required)

	return db.triggerSyncLocked(false)
}

func toSet(ids []uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func intersect(a, b map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func filterBlocks[L byteableValue, K byteableValue, V byteableValue](blocks []*Block[L, K, V], keep map[uint64]struct{}) []*Block[L, K, V] {
	out := make([]*Block[L, K, V], 0, len(blocks))
	for _, b := range blocks {
		if _, ok := keep[b.ID()]; ok {
			out = append(out, b)
		}
	}
	return out
}

// filterSearchBlocks keeps a search block only if its id is in the
// required set — search is the one family allowed to be legitimately
// absent for a sync point (an all-non-string write produces no search
// revisions), so a sync point with no search block at all is not an
// error; it simply contributes nothing to search queries.
func filterSearchBlocks(blocks []*Block[Text, Text, TermRef], required map[uint64]struct{}) []*Block[Text, Text, TermRef] {
	out := make([]*Block[Text, Text, TermRef], 0, len(blocks))
	for _, b := range blocks {
		if _, ok := required[b.ID()]; ok {
			out = append(out, b)
		}
	}
	return out
}

// loadFamily opens every block file in dir, deduping byte-identical files
// (copies/hard-links from a prior partial sync) via a whole-file hash,
// and skipping blocks whose data or sidecar fails to decode.
func loadFamily[L byteableValue, K byteableValue, V byteableValue](
	dir, family string,
	cmp Comparator[L, K, V],
	decode func(r *codec.Reader) (Revision[L, K, V], error),
	log *zap.Logger,
	cfg Config,
) ([]uint64, []*Block[L, K, V], error) {
	ids, err := blockFileIDs(dir, family)
	if err != nil {
		return nil, nil, err
	}

	seenHash := make(map[codec.Composite]bool)
	var okIDs []uint64
	var blocks []*Block[L, K, V]

	for _, id := range ids {
		path := filepath.Join(dir, fmt.Sprintf("%s-%020d.blk", family, id))
		data, err := os.ReadFile(path)
		if err != nil {
			warnMalformedBlockSkipped(log, family, id, err)
			continue
		}
		h := codec.HashFile128(data)
		if seenHash[h] {
			continue // duplicate content from a copied/hard-linked file
		}

		b, err := Load(dir, family, id, cmp, decode, cfg)
		if err != nil {
			warnMalformedBlockSkipped(log, family, id, err)
			continue
		}
		seenHash[h] = true
		okIDs = append(okIDs, id)
		blocks = append(blocks, b)
	}
	return okIDs, blocks, nil
}

// triggerSync syncs the three current mutable blocks in parallel under
// the master write-lock, then mints a new block id and opens three fresh
// mutable blocks. Called after every Buffer page drain and once at
// startup with doSync=false (there is nothing yet to sync).
func (db *Database) triggerSync(doSync bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.triggerSyncLocked(doSync)
}

func (db *Database) triggerSyncLocked(doSync bool) error {
	alg := db.cfg.HashAlgorithm

	if doSync && db.curPrimary != nil {
		var eg errgroup.Group
		eg.Go(func() error {
			if db.curPrimary.Len() == 0 {
				warnEmptySync(db.log, "primary", db.curPrimary.ID())
			}
			return db.curPrimary.Sync(func(r PrimaryRevision) (codec.Composite, codec.Composite) { return primaryGroupKey(alg, r) })
		})
		eg.Go(func() error {
			if db.curSecondary.Len() == 0 {
				warnEmptySync(db.log, "secondary", db.curSecondary.ID())
			}
			return db.curSecondary.Sync(func(r SecondaryRevision) (codec.Composite, codec.Composite) { return secondaryGroupKey(alg, r) })
		})
		eg.Go(func() error {
			if db.curSearch.Len() == 0 {
				warnEmptySync(db.log, "search", db.curSearch.ID())
			}
			return db.curSearch.Sync(func(r SearchRevision) (codec.Composite, codec.Composite) { return searchGroupKey(alg, r) })
		})
		if err := eg.Wait(); err != nil {
			return err
		}
		db.primary = append(db.primary, db.curPrimary)
		db.secondary = append(db.secondary, db.curSecondary)
		db.search = append(db.search, db.curSearch)
	}

	id := uint64(time.Now().UnixNano())

	np, err := NewBlock[Identifier, Text, Value](filepath.Join(db.root, "primary"), "primary", id, alg, PrimaryComparator, decodePrimary, db.cfg)
	if err != nil {
		return err
	}
	ns, err := NewBlock[Text, Value, Identifier](filepath.Join(db.root, "secondary"), "secondary", id, alg, SecondaryComparator, decodeSecondary, db.cfg)
	if err != nil {
		return err
	}
	nx, err := NewBlock[Text, Text, TermRef](filepath.Join(db.root, "search"), "search", id, alg, SearchComparator, decodeSearch, db.cfg)
	if err != nil {
		return err
	}
	db.curPrimary, db.curSecondary, db.curSearch = np, ns, nx

	if db.mx != nil {
		db.mx.observeBlockCount("primary", len(db.primary))
		db.mx.observeBlockCount("secondary", len(db.secondary))
		db.mx.observeBlockCount("search", len(db.search))
	}
	return nil
}

// accept ingests one transported Write into all three families. Only the
// first call after Start manually re-verifies against every primary
// block, synced and current — Buffer's page head is not itself persisted, so a
// restart mid-transport re-delivers every write in the page that was
// being drained at crash time; re-verifying the first one catches (and
// skips) a write that was already synced before the crash, while every
// subsequent call in the run trusts Buffer's at-most-once-per-call
// contract.
func (db *Database) accept(w Write) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	db.firstWriteMu.Lock()
	needsVerify := !db.verifiedFirstWrite
	db.verifiedFirstWrite = true
	db.firstWriteMu.Unlock()

	if needsVerify {
		already, err := db.alreadyApplied(w)
		if err != nil {
			return err
		}
		if already {
			return nil
		}
	}

	alg := db.cfg.HashAlgorithm
	primary := w.ToPrimary()
	secondary := w.ToSecondary()
	searchRevs := w.ToSearch()

	var eg errgroup.Group
	eg.Go(func() error {
		return db.curPrimary.Insert(primary, func(r PrimaryRevision) []codec.Composite { return primaryComposites(alg, r) })
	})
	eg.Go(func() error {
		return db.curSecondary.Insert(secondary, func(r SecondaryRevision) []codec.Composite { return secondaryComposites(alg, r) })
	})
	eg.Go(func() error {
		for _, sr := range searchRevs {
			if err := db.curSearch.Insert(sr, func(r SearchRevision) []codec.Composite { return searchComposites(alg, r) }); err != nil {
				return err
			}
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	if rec, ok := db.primaryFullCache.Get(w.Record); ok {
		_ = rec.Append(primary)
	}
	if rec, ok := db.primaryPartialCache.Get(primaryPartialKey{Record: w.Record, Key: w.Key}); ok {
		_ = rec.Append(primary)
	}
	if rec, ok := db.secondaryCache.Get(w.Key); ok {
		_ = rec.Append(secondary)
	}
	return nil
}

// alreadyApplied checks whether w's exact revision is already present in
// any primary block (the synced ones and the current one), used only for
// the first post-startup accept call.
func (db *Database) alreadyApplied(w Write) (bool, error) {
	alg := db.cfg.HashAlgorithm
	composite := codec.NewComposite(alg, w.Record, w.Key)
	for _, b := range db.allPrimaryBlocks() {
		revs, err := b.Seek(composite)
		if err != nil {
			return false, err
		}
		for _, rev := range revs {
			if rev.Version == w.Version && rev.Value == w.Value && rev.Action == w.Action {
				return true, nil
			}
		}
	}
	return false, nil
}

// --- reads --------------------------------------------------------------

// GetPrimaryRecord returns the full materialized Record for record,
// consulting the cache first and seeking every primary block on a miss.
func (db *Database) GetPrimaryRecord(record Identifier) (*Record[Identifier, Text, Value], error) {
	if rec, ok := db.primaryFullCache.Get(record); ok {
		return rec, nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	alg := db.cfg.HashAlgorithm
	composite := codec.NewComposite(alg, record)
	rec := NewRecord[Identifier, Text, Value](record)
	for _, b := range db.allPrimaryBlocks() {
		revs, err := b.Seek(composite)
		if err != nil {
			return nil, err
		}
		if err := appendSorted(rec, revs, PrimaryComparator); err != nil {
			return nil, err
		}
	}
	db.primaryFullCache.Add(record, rec)
	return rec, nil
}

// GetPrimaryRecordPartial returns record's revisions narrowed to one key,
// cached separately from the full per-record Record since a caller
// asking for a single key doesn't need the full cross-key materialization.
func (db *Database) GetPrimaryRecordPartial(record Identifier, key Text) (*Record[Identifier, Text, Value], error) {
	ck := primaryPartialKey{Record: record, Key: key}
	if rec, ok := db.primaryPartialCache.Get(ck); ok {
		return rec, nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	alg := db.cfg.HashAlgorithm
	composite := codec.NewComposite(alg, record, key)
	rec := NewRecord[Identifier, Text, Value](record)
	for _, b := range db.allPrimaryBlocks() {
		revs, err := b.Seek(composite)
		if err != nil {
			return nil, err
		}
		if err := appendSorted(rec, revs, PrimaryComparator); err != nil {
			return nil, err
		}
	}
	db.primaryPartialCache.Add(ck, rec)
	return rec, nil
}

// GetSecondaryRecord returns the Record for key-name key across all
// records that ever carried it.
func (db *Database) GetSecondaryRecord(key Text) (*Record[Text, Value, Identifier], error) {
	if rec, ok := db.secondaryCache.Get(key); ok {
		return rec, nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	alg := db.cfg.HashAlgorithm
	composite := codec.NewComposite(alg, key)
	rec := NewRecord[Text, Value, Identifier](key)
	for _, b := range db.allSecondaryBlocks() {
		revs, err := b.Seek(composite)
		if err != nil {
			return nil, err
		}
		if err := appendSorted(rec, revs, SecondaryComparator); err != nil {
			return nil, err
		}
	}
	db.secondaryCache.Add(key, rec)
	return rec, nil
}

// GetSearchRecord seeks every search block for key and answers query.
// Search records are never cached — per spec, search's posting lists are
// rebuilt per query rather than materialized as a long-lived Record.
func (db *Database) GetSearchRecord(key Text, query string) (map[Identifier]struct{}, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	alg := db.cfg.HashAlgorithm
	composite := codec.NewComposite(alg, key)
	rec := NewRecord[Text, Text, TermRef](key)
	for _, b := range db.allSearchBlocks() {
		revs, err := b.Seek(composite)
		if err != nil {
			return nil, err
		}
		if err := appendSorted(rec, revs, SearchComparator); err != nil {
			return nil, err
		}
	}
	return rec.Search(query), nil
}

func (db *Database) allPrimaryBlocks() []*Block[Identifier, Text, Value] {
	if db.curPrimary == nil {
		return db.primary
	}
	return append(append([]*Block[Identifier, Text, Value](nil), db.primary...), db.curPrimary)
}
func (db *Database) allSecondaryBlocks() []*Block[Text, Value, Identifier] {
	if db.curSecondary == nil {
		return db.secondary
	}
	return append(append([]*Block[Text, Value, Identifier](nil), db.secondary...), db.curSecondary)
}
func (db *Database) allSearchBlocks() []*Block[Text, Text, TermRef] {
	if db.curSearch == nil {
		return db.search
	}
	return append(append([]*Block[Text, Text, TermRef](nil), db.search...), db.curSearch)
}

// appendSorted sorts revs under cmp before replaying them into rec, since
// Seek returns revisions in on-disk order for whatever range matched, not
// necessarily merged across multiple blocks in global version order.
func appendSorted[L byteableValue, K byteableValue, V byteableValue](rec *Record[L, K, V], revs []Revision[L, K, V], cmp Comparator[L, K, V]) error {
	sortRevisions(revs, cmp)
	for _, rev := range revs {
		if err := rec.Append(rev); err != nil {
			return err
		}
	}
	return nil
}

func sortRevisions[L byteableValue, K byteableValue, V byteableValue](revs []Revision[L, K, V], cmp Comparator[L, K, V]) {
	sort.Slice(revs, func(i, j int) bool {
		if revs[i].Version != revs[j].Version {
			return revs[i].Version < revs[j].Version
		}
		return cmp(revs[i], revs[j]) < 0
	})
}

// Close releases every block's mmap handles.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	closeAll := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range db.allPrimaryBlocks() {
		closeAll(b.Close())
	}
	for _, b := range db.allSecondaryBlocks() {
		closeAll(b.Close())
	}
	for _, b := range db.allSearchBlocks() {
		closeAll(b.Close())
	}
	return firstErr
}
