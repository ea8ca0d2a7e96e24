package strata

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/stratadb/strata/internal/bloom"
	"github.com/stratadb/strata/internal/codec"
)

// DefaultPageSize is reserved in full at page creation (per §6.5), so
// growth within a page never remaps — a page either holds a write or
// raises ErrCapacityExceeded and the Buffer rolls to the next page.
const DefaultPageSize = 64 << 20 // 64 MiB

// Page is one append-only segment of a Buffer: a file reserved at full
// capacity and mmapped for both writing and reading, carrying its own
// bloom filter over (record, key, value) composites so Buffer.verify can
// skip a page outright, and a head cursor marking how far Transport has
// already drained it.
//
// Grounded on folio write.go's raw() (single atomic append, dirty flag
// set on first write) and read.go's line/align section-reader primitives,
// adapted from "newline-delimited, grow-on-demand file" to "mmap'd,
// fixed-capacity, length-framed file".
type Page struct {
	path string
	file *os.File
	mm   mmap.MMap

	capacity int
	tail     int // byte offset just past the last committed write
	head     int // byte offset of the next write Transport will drain

	filter *bloom.Filter
}

// pageFrameHeader is the per-write length prefix: [size:u32].
const pageFrameHeader = 4

// NewPage creates a fresh page file at path, reserving capacity bytes
// up front via Truncate before mmapping, matching spec §6.5's
// "reserves the full PAGE_SIZE at creation" contract.
func NewPage(path string, capacity int) (*Page, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Page{
		path:     path,
		file:     f,
		mm:       mm,
		capacity: capacity,
		filter:   bloom.New(expectedBlockInsertions, bloomTargetFPR),
	}, nil
}

// OpenPage reopens an existing page file, replaying its frames to
// reconstruct tail and the bloom filter (head starts again at 0, since it
// is not persisted) — used on Buffer restart,
// since the filter itself is never persisted for a page (a page is
// transient: it is fully drained and deleted, unlike an immutable block).
func OpenPage(path string) (*Page, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	p := &Page{
		path:     path,
		file:     f,
		mm:       mm,
		capacity: int(info.Size()),
		filter:   bloom.New(expectedBlockInsertions, bloomTargetFPR),
	}
	if err := p.replay(); err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	return p, nil
}

// replay scans committed frames from offset 0 to reconstruct tail and
// rebuild the filter. A zero-length size at the current tail marks the
// unwritten remainder of the reserved capacity and stops the scan — this
// is how a page recovers its tail after a restart without a separate
// length field in the file header.
func (p *Page) replay() error {
	pos := 0
	for pos+pageFrameHeader <= p.capacity {
		size := getU32(p.mm[pos : pos+pageFrameHeader])
		if size == 0 {
			break
		}
		end := pos + pageFrameHeader + int(size)
		if end > p.capacity {
			return fmt.Errorf("%w: page %s truncated frame at %d", ErrMalformedBlock, p.path, pos)
		}
		w, err := DecodeWrite(p.mm[pos+pageFrameHeader : end])
		if err != nil {
			return fmt.Errorf("%w: page %s: %v", ErrMalformedBlock, p.path, err)
		}
		for _, c := range writeComposites(w) {
			p.filter.Put(c)
		}
		pos = end
	}
	p.tail = pos
	return nil
}

// Append commits w at the current tail and force-flushes the mmap
// before returning, so an acknowledged insert survives an OS/power
// crash, not just a process crash. Returns ErrCapacityExceeded (handled
// by Buffer.insert by rolling to a new page) if w would not fit in the
// remaining reserved space.
func (p *Page) Append(w Write) (int, error) {
	need := pageFrameHeader + w.Size()
	if p.tail+need > p.capacity {
		return 0, ErrCapacityExceeded
	}
	offset := p.tail
	var szbuf [4]byte
	putU32(szbuf[:], uint32(w.Size()))
	copy(p.mm[offset:offset+pageFrameHeader], szbuf[:])
	cw := codec.NewWriter(w.Size())
	w.CopyTo(cw)
	copy(p.mm[offset+pageFrameHeader:offset+need], cw.Bytes())

	for _, c := range writeComposites(w) {
		p.filter.Put(c)
	}

	p.tail += need
	if err := p.mm.Flush(); err != nil {
		return 0, err
	}
	return offset, nil
}

// Sync flushes the mmap to disk.
func (p *Page) Sync() error { return p.mm.Flush() }

// Head returns the byte offset of the next write Transport will drain.
func (p *Page) Head() int { return p.head }

// AtEnd reports whether head has passed tail — every committed write in
// this page has been transported.
func (p *Page) AtEnd() bool { return p.head >= p.tail }

// Next returns the write at head and the offset just past it, without
// advancing head — the caller (Buffer.transport) advances explicitly
// only after the destination has accepted the write, so a crash between
// read and advance re-delivers the write rather than losing it
// (at-least-once transport).
func (p *Page) Next() (Write, int, error) {
	if p.AtEnd() {
		return Write{}, 0, ErrNotFound
	}
	size := getU32(p.mm[p.head : p.head+pageFrameHeader])
	end := p.head + pageFrameHeader + int(size)
	w, err := DecodeWrite(p.mm[p.head+pageFrameHeader : end])
	if err != nil {
		return Write{}, 0, fmt.Errorf("%w: page %s: %v", ErrMalformedBlock, p.path, err)
	}
	return w, end, nil
}

// Advance moves head to newHead (the offset Next returned alongside the
// write it already handed to the destination).
func (p *Page) Advance(newHead int) { p.head = newHead }

// MightContain checks this page's bloom filter for a (record,key,value)
// composite, gating Buffer.verify's chronological scan.
func (p *Page) MightContain(c codec.Composite) bool { return p.filter.MightContain(c) }

// Iterate calls fn for every committed write from offset 0 to tail, in
// append order. A decode error on one frame is fatal to the scan — a
// corrupt page is not something Iterate can skip past, since frame
// boundaries are only recoverable by successfully decoding the previous
// frame's length.
func (p *Page) Iterate(fn func(w Write) error) error {
	pos := 0
	for pos < p.tail {
		size := getU32(p.mm[pos : pos+pageFrameHeader])
		end := pos + pageFrameHeader + int(size)
		w, err := DecodeWrite(p.mm[pos+pageFrameHeader : end])
		if err != nil {
			return fmt.Errorf("%w: page %s: %v", ErrMalformedBlock, p.path, err)
		}
		if err := fn(w); err != nil {
			return err
		}
		pos = end
	}
	return nil
}

// ReverseIterate calls fn for every committed write from tail back to
// offset 0. Since frames are variable-length and only forward-parseable,
// this first walks forward to build an offset index, then invokes fn in
// reverse — a page is bounded (DefaultPageSize), so the offset slice
// is bounded too.
func (p *Page) ReverseIterate(fn func(w Write) error) error {
	var offsets []int
	pos := 0
	for pos < p.tail {
		offsets = append(offsets, pos)
		size := getU32(p.mm[pos : pos+pageFrameHeader])
		pos += pageFrameHeader + int(size)
	}
	for i := len(offsets) - 1; i >= 0; i-- {
		pos := offsets[i]
		size := getU32(p.mm[pos : pos+pageFrameHeader])
		end := pos + pageFrameHeader + int(size)
		w, err := DecodeWrite(p.mm[pos+pageFrameHeader : end])
		if err != nil {
			return fmt.Errorf("%w: page %s: %v", ErrMalformedBlock, p.path, err)
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// Remove unmaps and deletes the page file — called once Transport has
// drained every write (head has passed tail).
func (p *Page) Remove() error {
	if err := p.mm.Unmap(); err != nil {
		return err
	}
	if err := p.file.Close(); err != nil {
		return err
	}
	return os.Remove(p.path)
}

// writeComposites derives the (record,key,value) composite a page's
// bloom filter indexes a write under — the same granularity Buffer.verify
// checks membership at.
func writeComposites(w Write) []codec.Composite {
	return []codec.Composite{codec.NewComposite(codec.AlgXXHash3, w.Record, w.Key, w.Value)}
}
