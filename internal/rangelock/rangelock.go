// Package rangelock implements the engine's predicate-range lock service:
// per-key sharded overlapping-range locks, so two writers touching
// disjoint value ranges under the same key never serialize against each
// other, while two writers (or a writer and a range reader) touching
// overlapping ranges queue and wake on release.
//
// Grounded on the teacher's lock.go fileLock (a mutex guarding one
// handle's lifetime for the duration of a flock syscall), generalized
// from "one exclusive/shared flag per file" to "a shard of possibly-
// overlapping predicate ranges per key".
package rangelock

import (
	"sync"

	"github.com/stratadb/strata/internal/codec"
)

// Operator mirrors the engine's condition table.
type Operator uint8

const (
	OpEQ Operator = iota
	OpNEQ
	OpGT
	OpGTE
	OpLT
	OpLTE
	OpBetween
	OpBetweenExclusive // (lo, hi) exclusive on both ends
	OpRegex
	OpNotRegex
	OpContains
	OpNotContains
)

// Comparable is the subset of codec.Byteable a RangeToken's values must
// satisfy: byte-serializable (for the wire decoder) and ordered, via cmp,
// by the caller supplying the comparator — rangelock itself stays generic
// over value ordering by requiring the caller pass one in.
type Comparable = codec.Byteable

// RangeToken describes the value-range one writer or range-reader holds
// (or wants to hold) for a single key.
type RangeToken[V any] struct {
	Key      string
	Operator Operator
	Values   []V
}

// Cmp orders two values of type V; callers supply this once per
// instantiation (e.g. Value.Compare for the engine's tagged-union type).
type Cmp[V any] func(a, b V) int

// intersects reports whether two tokens' effective ranges over the same
// key overlap, per the engine's operator-intersection table:
//   - EQ/EQ: overlap iff equal values.
//   - EQ vs GT/GTE/LT/LTE/BETWEEN: overlap iff the EQ value falls in the
//     other's range.
//   - GT/GTE/LT/LTE/BETWEEN pairs: overlap iff their half-open/closed
//     intervals overlap on the number line.
//   - EQ vs NEQ: overlap iff the two values differ (NEQ v covers every
//     value except v).
//   - Every other pair involving NEQ, REGEX, NOT_REGEX, CONTAINS or
//     NOT_CONTAINS (including REGEX/CONTAINS vs EQ): always overlaps,
//     since these predicates are treated as spanning the whole value
//     domain; the service trades a few false-positive serializations for
//     soundness.
func intersects[V any](a, b RangeToken[V], cmp Cmp[V]) bool {
	if a.Key != b.Key {
		return false
	}
	// Symmetric: always evaluate with the "simpler" operator first where
	// a clean rule exists, else fall through to the conservative default.
	switch {
	case a.Operator == OpEQ && b.Operator == OpEQ:
		return len(a.Values) > 0 && len(b.Values) > 0 && cmp(a.Values[0], b.Values[0]) == 0
	case a.Operator == OpEQ:
		return valueInRange(a.Values[0], b, cmp)
	case b.Operator == OpEQ:
		return valueInRange(b.Values[0], a, cmp)
	case isOrdered(a.Operator) && isOrdered(b.Operator):
		return rangesOverlap(a, b, cmp)
	default:
		// REGEX/CONTAINS/NEQ and their negations: no general decision
		// procedure, so conservatively report a conflict rather than
		// risk two genuinely-overlapping writers both proceeding.
		return true
	}
}

func isOrdered(op Operator) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpBetween, OpBetweenExclusive:
		return true
	}
	return false
}

// valueInRange reports whether v satisfies token's predicate, used when
// one side of an intersection check is a point (EQ) value.
func valueInRange[V any](v V, token RangeToken[V], cmp Cmp[V]) bool {
	switch token.Operator {
	case OpGT:
		return len(token.Values) > 0 && cmp(v, token.Values[0]) > 0
	case OpGTE:
		return len(token.Values) > 0 && cmp(v, token.Values[0]) >= 0
	case OpLT:
		return len(token.Values) > 0 && cmp(v, token.Values[0]) < 0
	case OpLTE:
		return len(token.Values) > 0 && cmp(v, token.Values[0]) <= 0
	case OpBetween:
		return len(token.Values) >= 2 && cmp(v, token.Values[0]) >= 0 && cmp(v, token.Values[1]) <= 0
	case OpBetweenExclusive:
		return len(token.Values) >= 2 && cmp(v, token.Values[0]) > 0 && cmp(v, token.Values[1]) < 0
	case OpNEQ:
		return len(token.Values) == 0 || cmp(v, token.Values[0]) != 0
	default:
		return true // REGEX/CONTAINS and negations: conservatively assume it could match
	}
}

// rangesOverlap handles the GT/GTE/LT/LTE/BETWEEN x GT/GTE/LT/LTE/BETWEEN
// cases by reducing each token to a (lowBound, lowInclusive, highBound,
// highInclusive, hasLow, hasHigh) interval and checking for overlap.
func rangesOverlap[V any](a, b RangeToken[V], cmp Cmp[V]) bool {
	aLo, aLoInc, aHasLo, aHi, aHiInc, aHasHi := bounds(a)
	bLo, bLoInc, bHasLo, bHi, bHiInc, bHasHi := bounds(b)

	if aHasHi && bHasLo {
		c := cmp(aHi, bLo)
		if c < 0 || (c == 0 && !(aHiInc && bLoInc)) {
			return false
		}
	}
	if bHasHi && aHasLo {
		c := cmp(bHi, aLo)
		if c < 0 || (c == 0 && !(bHiInc && aLoInc)) {
			return false
		}
	}
	return true
}

func bounds[V any](t RangeToken[V]) (lo V, loInc bool, hasLo bool, hi V, hiInc bool, hasHi bool) {
	switch t.Operator {
	case OpGT:
		return t.Values[0], false, true, hi, false, false
	case OpGTE:
		return t.Values[0], true, true, hi, false, false
	case OpLT:
		return lo, false, false, t.Values[0], false, true
	case OpLTE:
		return lo, false, false, t.Values[0], true, true
	case OpBetween:
		return t.Values[0], true, true, t.Values[1], true, true
	case OpBetweenExclusive:
		return t.Values[0], false, true, t.Values[1], false, true
	}
	return lo, false, false, hi, false, false
}

// lockState is one key shard's queue of held/waiting range tokens.
type lockState[V any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders []held[V]
}

type held[V any] struct {
	token     RangeToken[V]
	exclusive bool
}

// Table is a per-key sharded predicate-range lock table.
type Table[V any] struct {
	cmp Cmp[V]

	mu     sync.Mutex
	shards map[string]*lockState[V]
}

// NewTable returns an empty lock table ordering values with cmp.
func NewTable[V any](cmp Cmp[V]) *Table[V] {
	return &Table[V]{cmp: cmp, shards: make(map[string]*lockState[V])}
}

func (t *Table[V]) shard(key string) *lockState[V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.shards[key]
	if !ok {
		s = &lockState[V]{}
		s.cond = sync.NewCond(&s.mu)
		t.shards[key] = s
	}
	return s
}

// GetReadLock blocks until token's range does not overlap any held
// exclusive (write) lock on token.Key, then registers token as a shared
// holder and returns a release function.
func (t *Table[V]) GetReadLock(token RangeToken[V]) func() {
	return t.acquire(token, false)
}

// GetWriteLock blocks until token's range does not overlap any held
// lock (shared or exclusive) on token.Key, then registers token as the
// exclusive holder and returns a release function.
func (t *Table[V]) GetWriteLock(token RangeToken[V]) func() {
	return t.acquire(token, true)
}

func (t *Table[V]) acquire(token RangeToken[V], exclusive bool) func() {
	s := t.shard(token.Key)
	s.mu.Lock()
	for t.conflicts(s, token, exclusive) {
		s.cond.Wait()
	}
	s.holders = append(s.holders, held[V]{token: token, exclusive: exclusive})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		for i, h := range s.holders {
			if tokensEqual(h.token, token) && h.exclusive == exclusive {
				s.holders = append(s.holders[:i], s.holders[i+1:]...)
				break
			}
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// conflicts reports whether token (wanting exclusive or shared access)
// overlaps any currently held lock it must wait behind: two shared
// (read) locks over overlapping ranges never conflict with each other,
// but any exclusive (write) lock conflicts with any overlapping holder.
func (t *Table[V]) conflicts(s *lockState[V], token RangeToken[V], exclusive bool) bool {
	for _, h := range s.holders {
		if !exclusive && !h.exclusive {
			continue // two readers never block each other, even overlapping
		}
		if intersects(token, h.token, t.cmp) {
			return true
		}
	}
	return false
}

func tokensEqual[V any](a, b RangeToken[V]) bool {
	if a.Key != b.Key || a.Operator != b.Operator || len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if any(a.Values[i]) != any(b.Values[i]) {
			return false
		}
	}
	return true
}

// DecodeToken parses a wire-encoded RangeToken:
// [keySize:u32][key][operator:u8][valueCount:u32]{value}*valueCount.
// Each decoded value lands in its own slot, in wire order, so a BETWEEN
// token keeps its two distinct endpoints.
func DecodeToken(r *codec.Reader, decodeValue func(*codec.Reader) (codec.Byteable, error)) (key string, operator Operator, values []codec.Byteable, err error) {
	keySize, err := r.ReadU32()
	if err != nil {
		return "", 0, nil, err
	}
	keyBytes, err := r.ReadBytes(int(keySize))
	if err != nil {
		return "", 0, nil, err
	}
	op, err := r.ReadU8()
	if err != nil {
		return "", 0, nil, err
	}
	count, err := r.ReadU32()
	if err != nil {
		return "", 0, nil, err
	}
	values = make([]codec.Byteable, count)
	i := 0
	for n := uint32(0); n < count; n++ {
		v, err := decodeValue(r)
		if err != nil {
			return "", 0, nil, err
		}
		values[i] = v
		i++
	}
	return string(keyBytes), Operator(op), values, nil
}
