package strata

import "github.com/stratadb/strata/internal/codec"

// Config is the engine's set of tunables, defaulted the way folio's
// Config is defaulted: a zero Config is always valid, every field fills
// in a sane default at Open/Start time.
type Config struct {
	// HashAlgorithm selects the Composite hash (§3.1): AlgXXHash3 (default),
	// AlgFNV1a, or AlgBlake2b, from internal/codec's selector constants.
	HashAlgorithm int

	// PageSize is the reserved capacity of each Buffer page, in bytes.
	PageSize int

	// BloomExpectedInsertions sizes each block bloom filter. Buffer pages
	// size their filters from the package defaults, not from Config.
	BloomExpectedInsertions int

	// BloomTargetFPR is the target false-positive rate (e.g. 0.03).
	BloomTargetFPR float64

	// RecordCacheSize bounds each of the Database's three LRU record
	// caches (primary-full, primary-partial-by-key, secondary-by-key).
	RecordCacheSize int

	// HotRevisionCacheSize bounds each Block's hot revision-set LRU,
	// the two-tier replacement for a GC soft reference.
	HotRevisionCacheSize int
}

// WithDefaults returns a copy of c with every zero-valued field filled
// in, mirroring folio's Open-time default-filling.
func (c Config) WithDefaults() Config {
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = codec.AlgXXHash3
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.BloomExpectedInsertions == 0 {
		c.BloomExpectedInsertions = expectedBlockInsertions
	}
	if c.BloomTargetFPR == 0 {
		c.BloomTargetFPR = bloomTargetFPR
	}
	if c.RecordCacheSize == 0 {
		c.RecordCacheSize = 100_000
	}
	if c.HotRevisionCacheSize == 0 {
		c.HotRevisionCacheSize = 4096
	}
	return c
}
