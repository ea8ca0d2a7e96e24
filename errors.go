package strata

import "errors"

// Sentinel errors returned by engine operations, per the taxonomy in
// spec §7. ErrCapacityExceeded never escapes the engine: Buffer.Insert
// compares against it and handles it by allocating a new page.
var (
	// ErrCapacityExceeded signals a Buffer Page cannot fit the next
	// write. Handled locally by Buffer.insert rolling to a new page.
	ErrCapacityExceeded = errors.New("strata: page capacity exceeded")

	// ErrMalformedBlock marks a block whose sidecar or data file is
	// corrupt beyond repair. Handled at Database startup by dropping
	// the block id across all three families.
	ErrMalformedBlock = errors.New("strata: malformed block")

	// ErrCorruptSidecar marks a bloom filter or index sidecar that can
	// be rebuilt from the block's data file.
	ErrCorruptSidecar = errors.New("strata: corrupt sidecar")

	// ErrIO wraps an unrecoverable disk error.
	ErrIO = errors.New("strata: io error")

	// ErrIllegalState is returned for operations invalid in the
	// current lifecycle state: mutating an immutable block, iterating
	// a mutable one, or dumping a block that doesn't exist.
	ErrIllegalState = errors.New("strata: illegal state")

	// ErrOutOfOrder signals a revision arrived with a version not
	// strictly greater than the locator's last recorded version.
	ErrOutOfOrder = errors.New("strata: revision out of order")

	// ErrRetry is a reserved internal sentinel for unwinding atomic
	// operations; no code path in this package returns it.
	ErrRetry = errors.New("strata: retry")

	// ErrCorruptRecord marks a revision or write that fails to decode.
	ErrCorruptRecord = errors.New("strata: corrupt record")

	// ErrClosed names the condition of an operation attempted after
	// Stop; no Engine method returns it.
	ErrClosed = errors.New("strata: engine closed")

	// ErrNotFound is returned when a lookup finds no matching record.
	ErrNotFound = errors.New("strata: not found")
)
