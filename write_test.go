// Write wire round-trip and family fan-out tests.
package strata

import "testing"

// TestWriteEncodeDecodeRoundTrip verifies Encode/DecodeWrite reproduce
// an equal Write for both string and non-string values.
func TestWriteEncodeDecodeRoundTrip(t *testing.T) {
	writes := []Write{
		{Action: ActionAdd, Version: 7, Record: 1, Key: NewText("name"), Value: NewString("ada")},
		{Action: ActionRemove, Version: 8, Record: 2, Key: NewText("age"), Value: NewInt32(30)},
		{Action: ActionAdd, Version: 9, Record: 3, Key: NewText("verified"), Value: NewBool(true)},
	}
	for _, w := range writes {
		buf := w.Encode()
		if len(buf) != w.Size() {
			t.Errorf("Encode(%+v) produced %d bytes, Size() reports %d", w, len(buf), w.Size())
		}
		got, err := DecodeWrite(buf)
		if err != nil {
			t.Fatalf("DecodeWrite: %v", err)
		}
		if got.Action != w.Action || got.Version != w.Version || got.Record != w.Record ||
			got.Key != w.Key || got.Value != w.Value {
			t.Errorf("round trip = %+v, want %+v", got, w)
		}
	}
}

// TestToPrimaryPreservesFields verifies the primary fan-out keys by
// record and carries the key/value/version/action through unchanged.
func TestToPrimaryPreservesFields(t *testing.T) {
	w := Write{Action: ActionAdd, Version: 5, Record: 10, Key: NewText("role"), Value: NewString("admin")}
	p := w.ToPrimary()
	if p.Locator != w.Record || p.Key != w.Key || p.Value != w.Value || p.Version != w.Version || p.Action != w.Action {
		t.Errorf("ToPrimary = %+v, want locator=%v key=%v value=%v", p, w.Record, w.Key, w.Value)
	}
}

// TestToSecondaryKeysByKeyName verifies the secondary fan-out keys by
// the write's key name, with the record becoming the value column.
func TestToSecondaryKeysByKeyName(t *testing.T) {
	w := Write{Action: ActionAdd, Version: 5, Record: 10, Key: NewText("role"), Value: NewString("admin")}
	s := w.ToSecondary()
	if s.Locator != w.Key || s.Key != w.Value || s.Value != w.Record {
		t.Errorf("ToSecondary = %+v, want locator=%v key=%v value=%v", s, w.Key, w.Value, w.Record)
	}
}

// TestToSearchTokenizesStringValuesOnly verifies non-string values
// produce no search revisions, while a string value produces one
// revision per token, in position order.
func TestToSearchTokenizesStringValuesOnly(t *testing.T) {
	nonString := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("age"), Value: NewInt32(30)}
	if revs := nonString.ToSearch(); revs != nil {
		t.Errorf("ToSearch on a non-string value = %v, want nil", revs)
	}

	w := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("bio"), Value: NewString("loves distributed systems")}
	revs := w.ToSearch()
	tokens := tokenize(w.Value.S)
	if len(revs) != len(tokens) {
		t.Fatalf("ToSearch produced %d revisions, want %d (one per token)", len(revs), len(tokens))
	}
	for i, rev := range revs {
		if rev.Locator != w.Key {
			t.Errorf("revision %d locator = %v, want %v", i, rev.Locator, w.Key)
		}
		if rev.Key != NewText(tokens[i]) {
			t.Errorf("revision %d key = %v, want token %q", i, rev.Key, tokens[i])
		}
		if rev.Value.Record != w.Record || rev.Value.Position != int32(i) {
			t.Errorf("revision %d TermRef = %+v, want record=%v position=%d", i, rev.Value, w.Record, i)
		}
	}
}

// TestToSearchRemoveMirrorsAdd verifies a REMOVE write tokenizes the
// same way an ADD does, with Action carried through, since Database.accept
// relies on issuing matching-shaped removal revisions to retract a
// previously-indexed string value's search contribution.
func TestToSearchRemoveMirrorsAdd(t *testing.T) {
	add := Write{Action: ActionAdd, Version: 1, Record: 1, Key: NewText("bio"), Value: NewString("fast reliable")}
	remove := Write{Action: ActionRemove, Version: 2, Record: 1, Key: NewText("bio"), Value: NewString("fast reliable")}

	addRevs := add.ToSearch()
	removeRevs := remove.ToSearch()
	if len(addRevs) != len(removeRevs) {
		t.Fatalf("add produced %d revisions, remove produced %d, want equal", len(addRevs), len(removeRevs))
	}
	for i := range addRevs {
		if removeRevs[i].Action != ActionRemove {
			t.Errorf("revision %d action = %v, want ActionRemove", i, removeRevs[i].Action)
		}
		if removeRevs[i].Key != addRevs[i].Key || removeRevs[i].Value != addRevs[i].Value {
			t.Errorf("revision %d = %+v, want same key/value as add revision %+v", i, removeRevs[i], addRevs[i])
		}
	}
}
