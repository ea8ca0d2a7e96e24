package strata

import (
	"cmp"

	"github.com/stratadb/strata/internal/codec"
)

// Revision is the atomic stored fact: (locator, key, value, version,
// action). The type triple (L, K, V) varies per family — see the three
// aliases below — but every family shares the same struct shape and the
// same set of operations (insert, sync, seek, append, present...). Go
// generics give us exactly the "tagged variant with shared methods,
// variance only in comparator/constructor" shape spec.md's design notes
// ask for, without a runtime-dispatched sum type (see DESIGN.md).
type Revision[L byteableValue, K byteableValue, V byteableValue] struct {
	Locator L
	Key     K
	Value   V
	Version Version
	Action  Action
}

// Comparator imposes the family's sort order: (Locator, Key, Version,
// Value) for every family per spec §3's table.
type Comparator[L byteableValue, K byteableValue, V byteableValue] func(a, b Revision[L, K, V]) int

// Byteable constraint: every L, K, V this engine actually instantiates
// satisfies codec.Byteable so revisions can serialize generically.
type byteableValue interface {
	comparable
	codec.Byteable
}

// Size is the exact wire length of this revision:
// [action:1][version:8][locator][key][value].
func (rv Revision[L, K, V]) Size() int {
	return 1 + 8 + rv.Locator.Size() + rv.Key.Size() + rv.Value.Size()
}

// CopyTo writes the revision in the fixed field order Size documents.
func (rv Revision[L, K, V]) CopyTo(w *codec.Writer) {
	w.WriteU8(uint8(rv.Action))
	w.WriteU64(uint64(rv.Version))
	rv.Locator.CopyTo(w)
	rv.Key.CopyTo(w)
	rv.Value.CopyTo(w)
}

// DecodeRevision parses a revision given the family's field decoders —
// generic code cannot construct an L/K/V from bytes without being told
// how, since "decode" isn't expressible as a method constraint alongside
// comparable in Go's current generics.
func DecodeRevision[L byteableValue, K byteableValue, V byteableValue](
	r *codec.Reader,
	decodeL func(*codec.Reader) (L, error),
	decodeK func(*codec.Reader) (K, error),
	decodeV func(*codec.Reader) (V, error),
) (Revision[L, K, V], error) {
	action, err := r.ReadU8()
	if err != nil {
		return Revision[L, K, V]{}, err
	}
	version, err := r.ReadU64()
	if err != nil {
		return Revision[L, K, V]{}, err
	}
	locator, err := decodeL(r)
	if err != nil {
		return Revision[L, K, V]{}, err
	}
	key, err := decodeK(r)
	if err != nil {
		return Revision[L, K, V]{}, err
	}
	value, err := decodeV(r)
	if err != nil {
		return Revision[L, K, V]{}, err
	}
	return Revision[L, K, V]{
		Locator: locator,
		Key:     key,
		Value:   value,
		Version: Version(version),
		Action:  Action(action),
	}, nil
}

// --- Family type aliases -----------------------------------------------

// Primary: Identifier locator, Text key, Value value.
type PrimaryRevision = Revision[Identifier, Text, Value]

// Secondary: Text (key-name) locator, Value key, Identifier value.
type SecondaryRevision = Revision[Text, Value, Identifier]

// Search: Text (key-name) locator, Text (term) key, TermRef value.
type SearchRevision = Revision[Text, Text, TermRef]

// TermRef is a position-tagged reference into a record's tokenized
// content: which record carried the term, and at what token position,
// so multi-token queries can enforce positional adjacency.
type TermRef struct {
	Record   Identifier
	Position int32
}

func (t TermRef) Size() int { return 8 + 4 }
func (t TermRef) CopyTo(w *codec.Writer) {
	w.WriteU64(uint64(t.Record))
	w.WriteU32(uint32(t.Position))
}

func DecodeTermRef(r *codec.Reader) (TermRef, error) {
	rec, err := r.ReadU64()
	if err != nil {
		return TermRef{}, err
	}
	pos, err := r.ReadU32()
	if err != nil {
		return TermRef{}, err
	}
	return TermRef{Record: Identifier(rec), Position: int32(pos)}, nil
}

func compareTermRef(a, b TermRef) int {
	if c := cmp.Compare(a.Record, b.Record); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

// PrimaryComparator orders by (Identifier, Text, Version, Value).
func PrimaryComparator(a, b PrimaryRevision) int {
	if c := cmp.Compare(a.Locator, b.Locator); c != 0 {
		return c
	}
	if c := compareText(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return a.Value.Compare(b.Value)
}

// SecondaryComparator orders by (Text, Value, Version, Identifier).
func SecondaryComparator(a, b SecondaryRevision) int {
	if c := compareText(a.Locator, b.Locator); c != 0 {
		return c
	}
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return cmp.Compare(a.Value, b.Value)
}

// SearchComparator orders by (Text, Text, Version, TermRef).
func SearchComparator(a, b SearchRevision) int {
	if c := compareText(a.Locator, b.Locator); c != 0 {
		return c
	}
	if c := compareText(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return compareTermRef(a.Value, b.Value)
}
