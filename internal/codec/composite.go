package codec

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm selectors, mirroring the three-way choice the teacher's
// hash.go offered for label hashing, generalized here to hashing an
// ordered tuple of Byteables into a Composite.
const (
	AlgXXHash3 = 1 // default, fastest, also used for Database's whole-file dedup hash
	AlgFNV1a   = 2 // dependency-free fallback
	AlgBlake2b = 3 // best bit distribution
)

// Composite is a fixed-width hash of an ordered list of Byteables, used as
// a bloom-filter key, an index-sidecar key, and a record-cache key. It must
// be stable across runs and independent of the host's endianness, which is
// why every Byteable serializes big-endian before hashing.
type Composite [16]byte

// NewComposite hashes parts, in order, into a 16-byte Composite. Each part
// is framed with its own length prefix before hashing so that two distinct
// tuples (e.g. ("ab","c") and ("a","bc")) never collide on the concatenated
// byte stream.
func NewComposite(alg int, parts ...Byteable) Composite {
	w := NewWriter(64)
	for _, p := range parts {
		w.WriteU32(uint32(p.Size()))
		p.CopyTo(w)
	}
	return hashBytes(alg, w.Bytes())
}

func hashBytes(alg int, data []byte) Composite {
	switch alg {
	case AlgBlake2b:
		sum := blake2b.Sum256(data)
		var c Composite
		copy(c[:], sum[:16])
		return c
	case AlgFNV1a:
		h1 := fnv.New64a()
		h1.Write(data)
		h2 := fnv.New128a()
		h2.Write(data)
		var c Composite
		copy(c[:], h2.Sum(nil))
		return c
	default: // AlgXXHash3
		h := xxh3.Hash128(data)
		var c Composite
		binary.BigEndian.PutUint64(c[0:8], h.Hi)
		binary.BigEndian.PutUint64(c[8:16], h.Lo)
		return c
	}
}

// HashFile128 computes the whole-file, non-cryptographic 128-bit digest the
// Database uses at startup to deduplicate block files that were copied or
// hard-linked (spec §4.7 step 2). Always xxh3 regardless of Config — the
// dedup check is an implementation detail, not a persisted format.
func HashFile128(data []byte) Composite {
	return hashBytes(AlgXXHash3, data)
}
