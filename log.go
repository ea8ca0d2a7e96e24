package strata

import "go.uber.org/zap"

// newLogger returns a sane production zap logger, falling back to a
// no-op logger if construction fails (logging must never be the reason
// the engine itself fails to start).
func newLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// warnEmptySync logs the "syncing an empty block" condition spec §7.1
// calls out explicitly — usually harmless (an idle triggerSync) but
// worth surfacing if it happens every cycle.
func warnEmptySync(log *zap.Logger, family string, blockID uint64) {
	log.Warn("syncing empty block", zap.String("family", family), zap.Uint64("block_id", blockID))
}

// warnNonMutableSync logs an attempt to sync an already-immutable block —
// a scheduling bug upstream, not a data-integrity problem.
func warnNonMutableSync(log *zap.Logger, family string, blockID uint64) {
	log.Warn("sync requested on non-mutable block", zap.String("family", family), zap.Uint64("block_id", blockID))
}

// warnCorruptSidecarRepaired logs a sidecar or filter that was rebuilt
// from the block's data file rather than loaded directly.
func warnCorruptSidecarRepaired(log *zap.Logger, family string, blockID uint64, err error) {
	log.Warn("repaired corrupt sidecar",
		zap.String("family", family), zap.Uint64("block_id", blockID), zap.Error(err))
}

// warnMalformedBlockSkipped logs a block dropped at startup because its
// data file itself failed to decode — unrecoverable, the block and its
// cross-family peers are excluded from the loaded set.
func warnMalformedBlockSkipped(log *zap.Logger, family string, blockID uint64, err error) {
	log.Warn("skipping malformed block",
		zap.String("family", family), zap.Uint64("block_id", blockID), zap.Error(err))
}
