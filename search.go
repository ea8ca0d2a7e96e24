package strata

import (
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// tokenize lowercases and splits on non-alphanumeric runes, mirroring the
// simple whitespace/punctuation tokenizer the search family's write path
// (Write.ToSearch) and read path (SearchRecord.Search) must agree on —
// any divergence here would make written terms unfindable.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// SearchRecord is the search family's Record: locator is the key-name,
// key is a term, value is a TermRef (which record carried the term at
// which position).
type SearchRecord = Record[Text, Text, TermRef]

// Search tokenizes query and returns the set of records whose indexed
// content contains every token, honoring positional adjacency: for a
// multi-token query the matching record must carry the tokens at
// consecutive positions, not merely all of them somewhere in the text.
func (r *SearchRecord) Search(query string) map[Identifier]struct{} {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return map[Identifier]struct{}{}
	}

	r.mu.RLock()
	postings := make([][]TermRef, len(tokens))
	for i, tok := range tokens {
		key := NewText(tok)
		revs := r.history[key]
		postings[i] = collectTermRefs(revs)
	}
	r.mu.RUnlock()

	if len(tokens) == 1 {
		out := make(map[Identifier]struct{}, len(postings[0]))
		for _, ref := range postings[0] {
			out[ref.Record] = struct{}{}
		}
		return out
	}

	// Build one roaring bitmap of candidate records per token, intersect
	// them, then verify positional adjacency only within the (small)
	// intersected candidate set.
	bitmaps := make([]*roaring.Bitmap, len(tokens))
	byRecord := make([]map[Identifier][]int32, len(tokens))
	for i, refs := range postings {
		bm := roaring.New()
		byRec := make(map[Identifier][]int32)
		for _, ref := range refs {
			bm.Add(uint32(ref.Record))
			byRec[ref.Record] = append(byRec[ref.Record], ref.Position)
		}
		bitmaps[i] = bm
		byRecord[i] = byRec
	}

	intersection := bitmaps[0].Clone()
	for _, bm := range bitmaps[1:] {
		intersection.And(bm)
	}

	out := make(map[Identifier]struct{})
	it := intersection.Iterator()
	for it.HasNext() {
		rec := Identifier(it.Next())
		if adjacentMatch(rec, byRecord) {
			out[rec] = struct{}{}
		}
	}
	return out
}

// adjacentMatch checks whether, for some starting position p in the
// first token's occurrence list, token i occurs at position p+i for
// every i — i.e. the tokens appear consecutively in the original text.
func adjacentMatch(rec Identifier, byRecord []map[Identifier][]int32) bool {
	first := byRecord[0][rec]
	for _, start := range first {
		ok := true
		for i := 1; i < len(byRecord); i++ {
			if !containsPos(byRecord[i][rec], start+int32(i)) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func containsPos(positions []int32, want int32) bool {
	for _, p := range positions {
		if p == want {
			return true
		}
	}
	return false
}

// collectTermRefs extracts the currently-present TermRefs (odd revision
// count, per the toggling rule in spec §3) from a term's revision
// history. Search revisions are append-only positive contributions, so
// "present" means "an odd number of revisions", same toggle as every
// other family despite the posting list never literally removing entries
// in place.
func collectTermRefs(revs []SearchRevision) []TermRef {
	counts := make(map[TermRef]int)
	order := make([]TermRef, 0, len(revs))
	for _, rev := range revs {
		if _, seen := counts[rev.Value]; !seen {
			order = append(order, rev.Value)
		}
		if rev.Action == ActionAdd {
			counts[rev.Value]++
		} else if rev.Action == ActionRemove {
			counts[rev.Value]--
		}
	}
	out := make([]TermRef, 0, len(order))
	for _, ref := range order {
		if counts[ref]%2 != 0 {
			out = append(out, ref)
		}
	}
	return out
}
