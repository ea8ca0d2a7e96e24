// Search-family tests: tokenizer agreement between write and read
// paths, positional-adjacency multi-token matching, and the odd/even
// presence toggle applied to posting lists.
package strata

import "testing"

func searchRev(locator, key Text, ref TermRef, version Version, action Action) SearchRevision {
	return SearchRevision{Locator: locator, Key: key, Value: ref, Version: version, Action: action}
}

// index feeds every search revision Write.ToSearch would produce for w
// into rec, mirroring what Database.accept does for the search family.
func index(rec *SearchRecord, w Write) {
	for _, sr := range w.ToSearch() {
		_ = rec.Append(sr)
	}
}

// TestSearchSingleTokenFindsRecord verifies a single-token query matches
// a record whose indexed text contains that token anywhere.
func TestSearchSingleTokenFindsRecord(t *testing.T) {
	rec := NewRecord[Text, Text, TermRef](NewText("bio"))
	w := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("bio"), Value: NewString("loves distributed systems")}
	index(rec, w)

	hits := rec.Search("distributed")
	if _, ok := hits[1]; !ok {
		t.Errorf("Search(%q) = %v, want record 1 present", "distributed", hits)
	}
}

// TestSearchMultiTokenRequiresAdjacency verifies a two-token query only
// matches a record where the tokens appear at consecutive positions, not
// merely both present somewhere in the text.
func TestSearchMultiTokenRequiresAdjacency(t *testing.T) {
	rec := NewRecord[Text, Text, TermRef](NewText("bio"))
	adjacent := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("bio"), Value: NewString("distributed systems engineer")}
	scattered := Write{Action: ActionAdd, Version: 2, Record: 2, Key: NewText("bio"), Value: NewString("distributed and fault tolerant systems")}
	index(rec, adjacent)
	index(rec, scattered)

	hits := rec.Search("distributed systems")
	if _, ok := hits[1]; !ok {
		t.Errorf("Search = %v, want record 1 (adjacent tokens) present", hits)
	}
	if _, ok := hits[2]; ok {
		t.Errorf("Search = %v, want record 2 (non-adjacent tokens) absent", hits)
	}
}

// TestSearchRemoveRetractsToken verifies a REMOVE write's search
// revisions retract a previously-indexed token's contribution, toggling
// the posting list entry back to absent.
func TestSearchRemoveRetractsToken(t *testing.T) {
	rec := NewRecord[Text, Text, TermRef](NewText("bio"))
	add := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("bio"), Value: NewString("fast reliable")}
	remove := Write{Action: ActionRemove, Version: 2, Record: 1, Key: NewText("bio"), Value: NewString("fast reliable")}
	index(rec, add)
	if _, ok := rec.Search("fast")[1]; !ok {
		t.Fatal("record missing immediately after indexing, before removal")
	}
	index(rec, remove)

	if _, ok := rec.Search("fast")[1]; ok {
		t.Error("record still present after its only contribution was removed")
	}
}

// TestTokenizeAgreesCaseAndPunctuation verifies tokenize lowercases and
// splits on punctuation identically regardless of call site, the
// agreement Write.ToSearch (index time) and SearchRecord.Search (query
// time) both depend on.
func TestTokenizeAgreesCaseAndPunctuation(t *testing.T) {
	got := tokenize("Fast, Reliable-Systems!")
	want := []string{"fast", "reliable", "systems"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tokenize[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestCollectTermRefsHonorsOddEvenToggle verifies collectTermRefs treats
// a term as present only when it has been added an odd number more
// times than removed, the same parity rule every other family applies.
func TestCollectTermRefsHonorsOddEvenToggle(t *testing.T) {
	ref := TermRef{Record: 1, Position: 0}
	revs := []SearchRevision{
		searchRev(NewText("bio"), NewText("fast"), ref, 1, ActionAdd),
		searchRev(NewText("bio"), NewText("fast"), ref, 2, ActionRemove),
		searchRev(NewText("bio"), NewText("fast"), ref, 3, ActionAdd),
	}
	out := collectTermRefs(revs)
	if len(out) != 1 || out[0] != ref {
		t.Errorf("collectTermRefs = %v, want [%v] (net odd count)", out, ref)
	}
}
