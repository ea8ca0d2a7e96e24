// Package strata implements the transactional, version-tracked storage
// engine described by the design: an append-only staging Buffer that
// durably accumulates writes and a background Transport that moves them,
// one at a time, into an immutable, triple-indexed Database (primary,
// secondary, search families).
package strata

import (
	"cmp"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/codec"
)

// Identifier is a 64-bit record id — the primary family's locator.
type Identifier uint64

func (id Identifier) Size() int { return 8 }
func (id Identifier) CopyTo(w *codec.Writer) { w.WriteU64(uint64(id)) }

func DecodeIdentifier(r *codec.Reader) (Identifier, error) {
	v, err := r.ReadU64()
	return Identifier(v), err
}

// Action distinguishes additive from subtractive revisions. COMPARE is
// used only for in-memory predicate evaluation and is never persisted.
type Action uint8

const (
	ActionAdd Action = iota
	ActionRemove
	ActionCompare
)

// Version is a monotonic microsecond timestamp. Uniqueness is guaranteed
// by clock, not by the type itself — see clock below.
type Version uint64

func (v Version) Size() int { return 8 }
func (v Version) CopyTo(w *codec.Writer) { w.WriteU64(uint64(v)) }

func DecodeVersion(r *codec.Reader) (Version, error) {
	v, err := r.ReadU64()
	return Version(v), err
}

// clock produces strictly increasing, globally unique microsecond
// versions within a process — the central source invariant §3 requires.
type clock struct {
	mu   sync.Mutex
	last Version
}

func newClock() *clock { return &clock{} }

func (c *clock) next() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := Version(time.Now().UnixMicro())
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Text is an immutable, interned UTF-8 string wrapper with O(1) equality:
// every Text is backed by a pointer into a process-wide intern table, so
// two Texts built from the same string share the same pointer and compare
// in constant time via the built-in ==. This makes Text usable as a
// generic "comparable" type parameter without losing identity semantics.
type Text struct {
	p *string
}

var internTable sync.Map // map[string]*string

// NewText interns s and returns the canonical Text for it.
func NewText(s string) Text {
	if v, ok := internTable.Load(s); ok {
		return Text{p: v.(*string)}
	}
	sp := new(string)
	*sp = s
	actual, _ := internTable.LoadOrStore(s, sp)
	return Text{p: actual.(*string)}
}

func (t Text) String() string {
	if t.p == nil {
		return ""
	}
	return *t.p
}

func (t Text) IsZero() bool { return t.p == nil }

func (t Text) Size() int { return 4 + len(t.String()) }
func (t Text) CopyTo(w *codec.Writer) { w.WriteString(t.String()) }

func DecodeText(r *codec.Reader) (Text, error) {
	s, err := r.ReadString()
	if err != nil {
		return Text{}, err
	}
	return NewText(s), nil
}

// compareText orders two Texts by byte value, not by pointer — pointer
// order is arbitrary interning order and would make sort order depend on
// which string was interned first.
func compareText(a, b Text) int { return cmp.Compare(a.String(), b.String()) }

// ValueType tags the active member of a Value's tagged union.
type ValueType uint8

const (
	ValBool ValueType = iota + 1
	ValInt32
	ValInt64
	ValFloat32
	ValFloat64
	ValString
	ValTag
	ValLink
	ValTimestamp
	ValNegInf
	ValPosInf
)

// Value is a tagged union over every value domain the engine stores, plus
// the two range-logic sentinels NEG_INF and POS_INF. It is a plain
// comparable struct (no pointers, slices, or maps) so it can be used
// directly as a map key and as a generic type parameter.
type Value struct {
	Type ValueType
	B    bool
	I32  int32
	I64  int64
	F32  float32
	F64  float64
	S    string // also backs ValTag
	Link Identifier
	TS   int64
}

func NewBool(b bool) Value           { return Value{Type: ValBool, B: b} }
func NewInt32(i int32) Value         { return Value{Type: ValInt32, I32: i} }
func NewInt64(i int64) Value         { return Value{Type: ValInt64, I64: i} }
func NewFloat32(f float32) Value     { return Value{Type: ValFloat32, F32: f} }
func NewFloat64(f float64) Value     { return Value{Type: ValFloat64, F64: f} }
func NewString(s string) Value       { return Value{Type: ValString, S: s} }
func NewTag(s string) Value          { return Value{Type: ValTag, S: s} }
func NewLink(id Identifier) Value    { return Value{Type: ValLink, Link: id} }
func NewTimestamp(us int64) Value    { return Value{Type: ValTimestamp, TS: us} }

var (
	NegInf = Value{Type: ValNegInf}
	PosInf = Value{Type: ValPosInf}
)

// Compare defines the total ordering across every Value type. NEG_INF
// sorts below everything, POS_INF sorts above everything; otherwise
// values are ordered first by type tag, then by the active field. Cross-
// type comparisons (other than the sentinels) are stable but arbitrary —
// range-lock and secondary-index sort order only ever compares values
// drawn from the same logical key domain.
func (v Value) Compare(o Value) int {
	if v.Type == ValNegInf || o.Type == ValPosInf {
		if v.Type == o.Type {
			return 0
		}
		return -1
	}
	if v.Type == ValPosInf || o.Type == ValNegInf {
		if v.Type == o.Type {
			return 0
		}
		return 1
	}
	if v.Type != o.Type {
		return cmp.Compare(v.Type, o.Type)
	}
	switch v.Type {
	case ValBool:
		return cmp.Compare(boolInt(v.B), boolInt(o.B))
	case ValInt32:
		return cmp.Compare(v.I32, o.I32)
	case ValInt64:
		return cmp.Compare(v.I64, o.I64)
	case ValFloat32:
		return cmp.Compare(v.F32, o.F32)
	case ValFloat64:
		return cmp.Compare(v.F64, o.F64)
	case ValString, ValTag:
		return cmp.Compare(v.S, o.S)
	case ValLink:
		return cmp.Compare(v.Link, o.Link)
	case ValTimestamp:
		return cmp.Compare(v.TS, o.TS)
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (v Value) Size() int {
	switch v.Type {
	case ValBool:
		return 2
	case ValInt32, ValFloat32:
		return 5
	case ValInt64, ValFloat64, ValLink, ValTimestamp:
		return 9
	case ValString, ValTag:
		return 1 + 4 + len(v.S)
	default: // sentinels
		return 1
	}
}

func (v Value) CopyTo(w *codec.Writer) {
	w.WriteU8(uint8(v.Type))
	switch v.Type {
	case ValBool:
		b := uint8(0)
		if v.B {
			b = 1
		}
		w.WriteU8(b)
	case ValInt32:
		w.WriteU32(uint32(v.I32))
	case ValInt64:
		w.WriteI64(v.I64)
	case ValFloat32:
		w.WriteF32(v.F32)
	case ValFloat64:
		w.WriteF64(v.F64)
	case ValString, ValTag:
		w.WriteString(v.S)
	case ValLink:
		w.WriteU64(uint64(v.Link))
	case ValTimestamp:
		w.WriteI64(v.TS)
	}
}

func DecodeValue(r *codec.Reader) (Value, error) {
	t, err := r.ReadU8()
	if err != nil {
		return Value{}, err
	}
	vt := ValueType(t)
	switch vt {
	case ValBool:
		b, err := r.ReadU8()
		return Value{Type: vt, B: b != 0}, err
	case ValInt32:
		i, err := r.ReadU32()
		return Value{Type: vt, I32: int32(i)}, err
	case ValInt64:
		i, err := r.ReadI64()
		return Value{Type: vt, I64: i}, err
	case ValFloat32:
		f, err := r.ReadF32()
		return Value{Type: vt, F32: f}, err
	case ValFloat64:
		f, err := r.ReadF64()
		return Value{Type: vt, F64: f}, err
	case ValString:
		s, err := r.ReadString()
		return Value{Type: vt, S: s}, err
	case ValTag:
		s, err := r.ReadString()
		return Value{Type: vt, S: s}, err
	case ValLink:
		l, err := r.ReadU64()
		return Value{Type: vt, Link: Identifier(l)}, err
	case ValTimestamp:
		ts, err := r.ReadI64()
		return Value{Type: vt, TS: ts}, err
	case ValNegInf, ValPosInf:
		return Value{Type: vt}, nil
	default:
		return Value{}, ErrCorruptRecord
	}
}
