package strata

import (
	"fmt"
	"sort"
	"sync"
)

// Record is a materialized, in-memory projection of every revision for
// one locator (optionally narrowed to one key). Revisions arrive via
// Append, pushed in by a Block.Seek — Records never hold a reference back
// to the Block that populated them (push-only discipline, spec §9).
type Record[L comparable, K comparable, V comparable] struct {
	mu      sync.RWMutex
	locator L

	// current is K -> set of V currently present (odd revision count).
	current map[K]map[V]struct{}
	// history is K -> ordered revision list, used for replay queries.
	history map[K][]Revision[L, K, V]
	count   int
}

// NewRecord returns an empty Record for locator.
func NewRecord[L comparable, K comparable, V comparable](locator L) *Record[L, K, V] {
	return &Record[L, K, V]{
		locator: locator,
		current: make(map[K]map[V]struct{}),
		history: make(map[K][]Revision[L, K, V]),
	}
}

// Append adds one revision. The caller (Block.Seek / Database.accept)
// guarantees revisions for a single locator arrive version-ordered within
// one goroutine's seek; Append itself still asserts that versions are
// strictly increasing per key and returns ErrOutOfOrder rather than
// silently accepting skew, since an out-of-order revision signals a bug
// upstream (spec §7's "OutOfOrder"). Revisions under different keys may
// share a version, as the search revisions of one write do.
func (r *Record[L, K, V]) Append(rev Revision[L, K, V]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.history[rev.Key]; len(h) > 0 && rev.Version <= h[len(h)-1].Version {
		return fmt.Errorf("%w: record %v key %v version %d <= last %d",
			ErrOutOfOrder, r.locator, rev.Key, rev.Version, h[len(h)-1].Version)
	}

	r.history[rev.Key] = append(r.history[rev.Key], rev)
	r.count++

	set := r.current[rev.Key]
	if set == nil {
		set = make(map[V]struct{})
		r.current[rev.Key] = set
	}
	switch rev.Action {
	case ActionAdd:
		set[rev.Value] = struct{}{}
	case ActionRemove:
		delete(set, rev.Value)
	}
	return nil
}

// Present reports whether value is currently associated with key.
func (r *Record[L, K, V]) Present(key K, value V) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.current[key]
	if !ok {
		return false
	}
	_, present := set[value]
	return present
}

// Cardinality is the total number of revisions appended.
func (r *Record[L, K, V]) Cardinality() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// SelectAt replays key's history up to and including ts, returning the
// set of values present at that moment.
func (r *Record[L, K, V]) SelectAt(key K, ts Version) map[V]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[V]struct{})
	for _, rev := range r.history[key] {
		if rev.Version > ts {
			break
		}
		switch rev.Action {
		case ActionAdd:
			out[rev.Value] = struct{}{}
		case ActionRemove:
			delete(out, rev.Value)
		}
	}
	return out
}

// BrowseAt replays every key's history up to ts.
func (r *Record[L, K, V]) BrowseAt(ts Version) map[K]map[V]struct{} {
	r.mu.RLock()
	keys := make([]K, 0, len(r.history))
	for k := range r.history {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	out := make(map[K]map[V]struct{}, len(keys))
	for _, k := range keys {
		set := r.SelectAt(k, ts)
		if len(set) > 0 {
			out[k] = set
		}
	}
	return out
}

// Snapshot is one chronology entry: the timestamp a change took effect
// and the full value set immediately after.
type Snapshot[V comparable] struct {
	At   Version
	Set  map[V]struct{}
}

// Chronologize yields one Snapshot per distinct version in [start, end)
// that touched key.
func (r *Record[L, K, V]) Chronologize(key K, start, end Version) []Snapshot[V] {
	r.mu.RLock()
	revs := append([]Revision[L, K, V](nil), r.history[key]...)
	r.mu.RUnlock()

	sort.Slice(revs, func(i, j int) bool { return revs[i].Version < revs[j].Version })

	out := []Snapshot[V]{}
	state := make(map[V]struct{})
	for _, rev := range revs {
		if rev.Version >= end {
			break
		}
		switch rev.Action {
		case ActionAdd:
			state[rev.Value] = struct{}{}
		case ActionRemove:
			delete(state, rev.Value)
		}
		if rev.Version < start {
			continue
		}
		snap := make(map[V]struct{}, len(state))
		for v := range state {
			snap[v] = struct{}{}
		}
		out = append(out, Snapshot[V]{At: rev.Version, Set: snap})
	}
	return out
}

// AuditEntry describes one revision in human-readable form.
type AuditEntry struct {
	At          Version
	Description string
}

// Audit yields a chronological description of every revision for key. If
// key is the zero value of K, behavior is controlled by the caller via
// AuditAll, which iterates every key.
func (r *Record[L, K, V]) Audit(key K) []AuditEntry {
	r.mu.RLock()
	revs := append([]Revision[L, K, V](nil), r.history[key]...)
	r.mu.RUnlock()

	sort.Slice(revs, func(i, j int) bool { return revs[i].Version < revs[j].Version })
	out := make([]AuditEntry, 0, len(revs))
	for _, rev := range revs {
		verb := "added"
		if rev.Action == ActionRemove {
			verb = "removed"
		}
		out = append(out, AuditEntry{
			At:          rev.Version,
			Description: fmt.Sprintf("%v %s %v", rev.Value, verb, rev.Key),
		})
	}
	return out
}

// AuditAll describes every revision across every key, in append order.
func (r *Record[L, K, V]) AuditAll() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Revision[L, K, V], 0, r.count)
	for _, revs := range r.history {
		all = append(all, revs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	out := make([]AuditEntry, 0, len(all))
	for _, rev := range all {
		verb := "added"
		if rev.Action == ActionRemove {
			verb = "removed"
		}
		out = append(out, AuditEntry{
			At:          rev.Version,
			Description: fmt.Sprintf("%v %s %v=%v", rev.Locator, verb, rev.Key, rev.Value),
		})
	}
	return out
}

// --- AmnesiaRecord --------------------------------------------------------

// AmnesiaRecord drops history, keeping only a cardinality counter — for
// use cases that count revisions without retaining them, e.g. corrupt-
// block probing during repair. Its History accessor intentionally
// preserves the teacher's documented asymmetry (spec §9): Len() reports
// the running count, but Entries() panics. This is not a bug to fix —
// it is the contract AmnesiaRecord promises: "you may count, you may not
// iterate."
type AmnesiaRecord[L comparable, K comparable, V comparable] struct {
	mu          sync.Mutex
	locator     L
	last        Version
	started     bool
	cardinality int
}

func NewAmnesiaRecord[L comparable, K comparable, V comparable](locator L) *AmnesiaRecord[L, K, V] {
	return &AmnesiaRecord[L, K, V]{locator: locator}
}

func (r *AmnesiaRecord[L, K, V]) Append(rev Revision[L, K, V]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started && rev.Version <= r.last {
		return fmt.Errorf("%w: amnesia record %v version %d <= last %d",
			ErrOutOfOrder, r.locator, rev.Version, r.last)
	}
	r.started = true
	r.last = rev.Version
	r.cardinality++
	return nil
}

func (r *AmnesiaRecord[L, K, V]) Cardinality() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardinality
}

// History returns a handle whose Len() works and whose Entries() panics —
// see the type doc comment.
func (r *AmnesiaRecord[L, K, V]) History() NoOpHistory {
	return NoOpHistory{size: r.Cardinality()}
}

// NoOpHistory is the deliberately asymmetric handle AmnesiaRecord.History
// returns: Len is backed by the real count, Entries is not implemented.
type NoOpHistory struct {
	size int
}

func (h NoOpHistory) Len() int { return h.size }

// Entries panics. AmnesiaRecord never retained the revisions to iterate —
// that's the entire point of "amnesia". Calling this is a programming
// error, not a runtime condition to recover from.
func (h NoOpHistory) Entries() []struct{} {
	panic("strata: AmnesiaRecord retains no history to iterate; use Cardinality")
}
