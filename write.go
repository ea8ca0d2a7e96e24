package strata

import (
	"github.com/stratadb/strata/internal/codec"
)

// Write is the transport unit between Buffer and Database: one logical
// user write, not yet fanned out into its three family revisions. Wire
// format per spec §3/§6.2:
//
//	[keySize:u32][action:u8][version:u64][record:Identifier][key bytes][value:Value]
//
// keySize precedes the raw key bytes directly (no nested length prefix)
// so the frame matches the spec's literal byte layout.
type Write struct {
	Action  Action
	Version Version
	Record  Identifier
	Key     Text
	Value   Value
}

// Size returns the exact encoded length, used by Page.append to check
// remaining capacity before committing to a write.
func (w Write) Size() int {
	keyBytes := len(w.Key.String())
	return 4 + 1 + 8 + 8 + keyBytes + w.Value.Size()
}

func (w Write) CopyTo(cw *codec.Writer) {
	keyBytes := []byte(w.Key.String())
	cw.WriteU32(uint32(len(keyBytes)))
	cw.WriteU8(uint8(w.Action))
	cw.WriteU64(uint64(w.Version))
	cw.WriteU64(uint64(w.Record))
	cw.WriteBytes(keyBytes)
	w.Value.CopyTo(cw)
}

// Encode serializes w into a fresh byte slice.
func (w Write) Encode() []byte {
	cw := codec.NewWriter(w.Size())
	w.CopyTo(cw)
	return cw.Bytes()
}

// DecodeWrite parses a Write from its wire encoding.
func DecodeWrite(buf []byte) (Write, error) {
	r := codec.NewReader(buf)
	keySize, err := r.ReadU32()
	if err != nil {
		return Write{}, err
	}
	action, err := r.ReadU8()
	if err != nil {
		return Write{}, err
	}
	version, err := r.ReadU64()
	if err != nil {
		return Write{}, err
	}
	record, err := r.ReadU64()
	if err != nil {
		return Write{}, err
	}
	keyBytes, err := r.ReadBytes(int(keySize))
	if err != nil {
		return Write{}, err
	}
	value, err := DecodeValue(r)
	if err != nil {
		return Write{}, err
	}
	return Write{
		Action:  Action(action),
		Version: Version(version),
		Record:  Identifier(record),
		Key:     NewText(string(keyBytes)),
		Value:   value,
	}, nil
}

// --- Fan-out into the three family revisions ----------------------------

// ToPrimary builds this write's primary-family revision: keyed by record,
// sorted under (record, key).
func (w Write) ToPrimary() PrimaryRevision {
	return PrimaryRevision{
		Locator: w.Record,
		Key:     w.Key,
		Value:   w.Value,
		Version: w.Version,
		Action:  w.Action,
	}
}

// ToSecondary builds this write's secondary-family revision: keyed by
// key-name, sorted under (key, value), used to answer "which records
// have key=value" scans.
func (w Write) ToSecondary() SecondaryRevision {
	return SecondaryRevision{
		Locator: w.Key,
		Key:     w.Value,
		Value:   w.Record,
		Version: w.Version,
		Action:  w.Action,
	}
}

// ToSearch tokenizes string-valued writes into one search revision per
// token position. Non-string values contribute no search revisions — the
// search family indexes text content only. ADD and REMOVE writes are
// tokenized the same way and each revision carries the write's Action, so
// a REMOVE of a previously-indexed string yields ActionRemove revisions
// for the same tokens and positions, which Database.accept inserts as-is.
func (w Write) ToSearch() []SearchRevision {
	if w.Value.Type != ValString {
		return nil
	}
	tokens := tokenize(w.Value.S)
	out := make([]SearchRevision, 0, len(tokens))
	for i, tok := range tokens {
		out = append(out, SearchRevision{
			Locator: w.Key,
			Key:     NewText(tok),
			Value:   TermRef{Record: w.Record, Position: int32(i)},
			Version: w.Version,
			Action:  w.Action,
		})
	}
	return out
}
