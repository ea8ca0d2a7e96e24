package strata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/codec"
)

// destination is what Buffer.transport hands drained writes to — the
// Database in production, a recording stub in tests.
type destination interface {
	accept(w Write) error
	triggerSync(doSync bool) error
}

// Buffer is the append-only staging area every Insert lands in first: an
// ordered sequence of Pages, drained one write at a time by a single
// background Transport goroutine into the Database. Buffer never loses a
// write — a page's head is not persisted, so after a crash mid-transport
// the page being drained is re-delivered from its first write;
// Database.accept re-verifies only the first write delivered after
// startup, so that one is not applied twice.
//
// Grounded on folio db.go's sync.Cond-based blockRead/blockWrite state
// machine, adapted from "one growing file, four states" to "an ordered
// page list, a transportable condition variable".
type Buffer struct {
	dir      string
	pageSize int

	pagesMu sync.RWMutex
	pages   []*Page

	transportMu sync.Mutex
	cond        *sync.Cond

	started bool
}

// NewBuffer opens (or creates) a Buffer rooted at dir.
func NewBuffer(dir string, pageSize int) (*Buffer, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	b := &Buffer{dir: dir, pageSize: pageSize}
	b.cond = sync.NewCond(&b.transportMu)
	return b, nil
}

// Start loads every existing page file, ordered by its creation-timestamp
// filename (oldest first, matching append order), and opens a fresh page
// if none exist.
func (b *Buffer) Start() error {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".page" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // creation-timestamp filenames sort naturally

	for _, name := range names {
		p, err := OpenPage(filepath.Join(b.dir, name))
		if err != nil {
			return err
		}
		b.pages = append(b.pages, p)
	}

	if len(b.pages) == 0 {
		p, err := b.newPageLocked()
		if err != nil {
			return err
		}
		b.pages = append(b.pages, p)
	}
	b.started = true
	return nil
}

// Stop syncs every page to disk.
func (b *Buffer) Stop() error {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	for _, p := range b.pages {
		if err := p.Sync(); err != nil {
			return err
		}
	}
	b.started = false
	return nil
}

// pageCount reports the number of pages currently held, for metrics.
func (b *Buffer) pageCount() int {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()
	return len(b.pages)
}

// hasPending reports whether a call to Transport has more work to do
// right now: either a fully-written page is waiting behind the current
// one, or the current (only) page itself has unconsumed writes.
func (b *Buffer) hasPending() bool {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()
	if len(b.pages) == 0 {
		return false
	}
	if len(b.pages) > 1 {
		return true
	}
	return !b.pages[0].AtEnd()
}

func (b *Buffer) newPageLocked() (*Page, error) {
	name := fmt.Sprintf("%020d.page", time.Now().UnixNano())
	return NewPage(filepath.Join(b.dir, name), b.pageSize)
}

// Insert appends w to the current (last) page, rolling to a fresh page
// on ErrCapacityExceeded. The 1->2 page transition signals the
// transportable condition variable, since a non-empty second page proves
// the first page's writes are now safe to drain (no reader ever observes
// a page still being appended to as "the transport source").
func (b *Buffer) Insert(w Write) error {
	b.pagesMu.Lock()
	last := b.pages[len(b.pages)-1]
	_, err := last.Append(w)
	if err == ErrCapacityExceeded {
		np, nerr := b.newPageLocked()
		if nerr != nil {
			b.pagesMu.Unlock()
			return nerr
		}
		if _, aerr := np.Append(w); aerr != nil {
			b.pagesMu.Unlock()
			return aerr
		}
		b.pages = append(b.pages, np)
		becameTransportable := len(b.pages) == 2
		b.pagesMu.Unlock()
		if becameTransportable {
			b.transportMu.Lock()
			b.cond.Broadcast()
			b.transportMu.Unlock()
		}
		return nil
	}
	b.pagesMu.Unlock()
	return err
}

// WaitUntilTransportable blocks until at least two pages exist (the
// first is then guaranteed fully written and safe to drain), or until
// stop is closed.
func (b *Buffer) WaitUntilTransportable(stop <-chan struct{}) bool {
	done := make(chan struct{})
	go func() {
		b.transportMu.Lock()
		for {
			b.pagesMu.RLock()
			n := len(b.pages)
			b.pagesMu.RUnlock()
			if n >= 2 {
				break
			}
			b.cond.Wait()
		}
		b.transportMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-stop:
		b.transportMu.Lock()
		b.cond.Broadcast() // wake the waiting goroutine so it can exit
		b.transportMu.Unlock()
		return false
	}
}

// Transport drains at most one write from the first page and hands it to
// dest. When the first page's head passes its tail, the page is deleted
// (if it was the only page, a fresh empty page takes its place as the
// append target) and dest.triggerSync(true) is called, matching the at-most-one-write-
// per-call contract spec §4.6 requires so a slow destination never
// blocks other Buffer operations for long.
func (b *Buffer) Transport(dest destination) error {
	b.pagesMu.Lock()
	if len(b.pages) == 0 {
		b.pagesMu.Unlock()
		return nil
	}
	first := b.pages[0]
	b.pagesMu.Unlock()

	w, newHead, err := first.Next()
	if err == ErrNotFound {
		return nil // nothing pending in this page
	}
	if err != nil {
		return err
	}

	if err := dest.accept(w); err != nil {
		return err
	}
	first.Advance(newHead)

	if first.AtEnd() {
		b.pagesMu.Lock()
		// Re-check under pagesMu: an Insert may have appended to first.
		if !first.AtEnd() || b.pages[0] != first {
			b.pagesMu.Unlock()
			return nil
		}
		if len(b.pages) > 1 {
			b.pages = b.pages[1:]
		} else {
			np, err := b.newPageLocked()
			if err != nil {
				b.pagesMu.Unlock()
				return err
			}
			b.pages = []*Page{np}
		}
		b.pagesMu.Unlock()
		if err := first.Remove(); err != nil {
			return err
		}
		return dest.triggerSync(true)
	}
	return nil
}

// Verify reports whether value was present for (key, record) at ts (or
// "currently" if ts is the zero Version), scanning the Buffer's pages in
// append order and replaying the odd/even toggle — bloom-gated per page
// so a page that never saw this composite is skipped outright.
func (b *Buffer) Verify(record Identifier, key Text, value Value, ts Version) (bool, error) {
	composite := codec.NewComposite(codec.AlgXXHash3, record, key, value)

	b.pagesMu.RLock()
	pages := append([]*Page(nil), b.pages...)
	b.pagesMu.RUnlock()

	present := false
	for _, p := range pages {
		if !p.MightContain(composite) {
			continue
		}
		err := p.Iterate(func(w Write) error {
			if ts != 0 && w.Version > ts {
				return errStopIteration
			}
			if w.Record == record && w.Key == key && w.Value == value {
				present = w.Action == ActionAdd
			}
			return nil
		})
		if err != nil && err != errStopIteration {
			return false, err
		}
	}
	return present, nil
}

var errStopIteration = fmt.Errorf("strata: stop buffer iteration")

// Explore returns every write overlaid in the Buffer matching a
// condition evaluated against (key, value) pairs — used by Engine.Explore
// to merge in-flight writes with the Database's range scan before a
// transport has carried them across.
func (b *Buffer) Explore(key Text, match func(Value) bool) map[Identifier]map[Value]struct{} {
	out := make(map[Identifier]map[Value]struct{})
	b.pagesMu.RLock()
	pages := append([]*Page(nil), b.pages...)
	b.pagesMu.RUnlock()

	for _, p := range pages {
		_ = p.Iterate(func(w Write) error {
			if w.Key != key || !match(w.Value) {
				return nil
			}
			set := out[w.Record]
			if set == nil {
				set = make(map[Value]struct{})
				out[w.Record] = set
			}
			if w.Action == ActionAdd {
				set[w.Value] = struct{}{}
			} else {
				delete(set, w.Value)
			}
			return nil
		})
	}
	return out
}

// Browse returns every (value -> set of records) overlay for key.
func (b *Buffer) Browse(key Text) map[Value]map[Identifier]struct{} {
	out := make(map[Value]map[Identifier]struct{})
	b.pagesMu.RLock()
	pages := append([]*Page(nil), b.pages...)
	b.pagesMu.RUnlock()

	for _, p := range pages {
		_ = p.Iterate(func(w Write) error {
			if w.Key != key {
				return nil
			}
			set := out[w.Value]
			if set == nil {
				set = make(map[Identifier]struct{})
				out[w.Value] = set
			}
			if w.Action == ActionAdd {
				set[w.Record] = struct{}{}
			} else {
				delete(set, w.Record)
			}
			return nil
		})
	}
	return out
}

// Select returns the overlay value set for (record, key).
func (b *Buffer) Select(record Identifier, key Text) map[Value]struct{} {
	out := make(map[Value]struct{})
	b.pagesMu.RLock()
	pages := append([]*Page(nil), b.pages...)
	b.pagesMu.RUnlock()

	for _, p := range pages {
		_ = p.Iterate(func(w Write) error {
			if w.Record != record || w.Key != key {
				return nil
			}
			if w.Action == ActionAdd {
				out[w.Value] = struct{}{}
			} else {
				delete(out, w.Value)
			}
			return nil
		})
	}
	return out
}

// Search scans buffered writes for string values under key whose
// tokenized content matches query — the buffer's own contribution to
// Engine.Search, merged with the Database's posting-list result before
// the corresponding write is transported across.
func (b *Buffer) Search(key Text, query string) map[Identifier]struct{} {
	tokens := tokenize(query)
	out := make(map[Identifier]struct{})
	if len(tokens) == 0 {
		return out
	}
	b.pagesMu.RLock()
	pages := append([]*Page(nil), b.pages...)
	b.pagesMu.RUnlock()

	present := make(map[Identifier]bool)
	for _, p := range pages {
		_ = p.Iterate(func(w Write) error {
			if w.Key != key || w.Value.Type != ValString {
				return nil
			}
			have := tokenize(w.Value.S)
			matches := true
			for _, want := range tokens {
				found := false
				for _, t := range have {
					if t == want {
						found = true
						break
					}
				}
				if !found {
					matches = false
					break
				}
			}
			if w.Action == ActionAdd {
				present[w.Record] = matches
			} else if matches {
				present[w.Record] = false
			}
			return nil
		})
	}
	for rec, ok := range present {
		if ok {
			out[rec] = struct{}{}
		}
	}
	return out
}
