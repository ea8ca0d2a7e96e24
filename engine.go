package strata

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/stratadb/strata/internal/rangelock"
)

// Engine is the public façade: a Buffer staging area fronting an
// immutable Database, kept in sync by one dedicated background
// transport goroutine (not cooperative async calls), plus a predicate-
// range lock table serializing writers against range readers over the
// same key.
//
// Grounded on folio's Open/Close lifecycle (envLock acquired first,
// released last) generalized from one file to Buffer+Database+locks.
type Engine struct {
	dir  string
	cfg  Config
	log  *zap.Logger
	lock *envLock

	buf *Buffer
	db  *Database
	mx  *metrics

	clk    *clock
	ranges *rangelock.Table[Value]

	stop    chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// Open acquires the environment lock, opens the Buffer and Database
// rooted at dir, and returns an Engine ready for Start. A dirty marker
// left by a prior crash is logged but never blocks Open — recovery is
// Buffer/Database's job at Start, not Open's.
func Open(dir string, cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	log := newLogger()

	lock, wasDirty, err := openEnvLock(dir)
	if err != nil {
		return nil, err
	}
	if wasDirty {
		log.Warn("environment was not shut down cleanly, recovering", zap.String("dir", dir))
	}

	mx := newMetrics()

	buf, err := NewBuffer(filepath.Join(dir, "buffer"), cfg.PageSize)
	if err != nil {
		lock.close()
		return nil, err
	}
	db, err := NewDatabase(filepath.Join(dir, "database"), cfg, log, mx)
	if err != nil {
		lock.close()
		return nil, err
	}

	return &Engine{
		dir:    dir,
		cfg:    cfg,
		log:    log,
		lock:   lock,
		buf:    buf,
		db:     db,
		mx:     mx,
		clk:    newClock(),
		ranges: rangelock.NewTable[Value](func(a, b Value) int { return a.Compare(b) }),
		stop:   make(chan struct{}),
	}, nil
}

// Start replays the buffer and database on-disk state and launches the
// background transport goroutine. Calling Start twice is a no-op.
func (e *Engine) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}
	if err := e.buf.Start(); err != nil {
		return err
	}
	if err := e.db.Start(); err != nil {
		return err
	}
	e.started = true
	e.wg.Add(1)
	go e.transportLoop()
	return nil
}

// Stop halts the background transport goroutine, flushes the buffer and
// database, releases the environment lock, and clears the dirty marker
// only after every component has durably synced.
func (e *Engine) Stop() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if !e.started {
		return nil
	}
	close(e.stop)
	e.wg.Wait()
	e.started = false

	if err := e.buf.Stop(); err != nil {
		return err
	}
	if err := e.db.triggerSync(true); err != nil {
		return err
	}
	if err := e.db.Close(); err != nil {
		return err
	}
	if err := e.lock.clearDirty(); err != nil {
		return err
	}
	return e.lock.close()
}

// transportLoop is the engine's single dedicated transport goroutine:
// it blocks on Buffer's transportable condition variable rather than
// polling, draining one write per wake and looping until the buffer
// runs dry again.
func (e *Engine) transportLoop() {
	defer e.wg.Done()
	for {
		if !e.buf.WaitUntilTransportable(e.stop) {
			return
		}
		for {
			select {
			case <-e.stop:
				return
			default:
			}
			drained, err := e.drainOne()
			if err != nil {
				e.log.Error("transport failed", zap.Error(err))
				return
			}
			if !drained {
				break
			}
		}
	}
}

// drainOne transports exactly one write and reports whether the buffer
// still has a page left to drain from (an empty buffer means return to
// waiting on the condition variable rather than spinning).
func (e *Engine) drainOne() (bool, error) {
	if err := e.buf.Transport(e.db); err != nil {
		return false, err
	}
	return e.buf.hasPending(), nil
}

// Insert assigns a fresh monotonic version to w and appends it to the
// buffer, holding an exclusive range lock over w.Key/w.Value for the
// duration so no concurrent Explore range read observes a half-applied
// write (Browse takes no range lock).
func (e *Engine) Insert(w Write) error {
	w.Version = e.clk.next()
	token := rangelock.RangeToken[Value]{Key: w.Key.String(), Operator: rangelock.OpEQ, Values: []Value{w.Value}}
	release := e.ranges.GetWriteLock(token)
	defer release()

	e.mx.observeInsert(e.buf.pageCount())
	return e.buf.Insert(w)
}

// Verify reports whether value was present for (record, key) at ts (or
// currently, if ts is zero), checking the buffer overlay first since it
// is always more recent than the database.
func (e *Engine) Verify(record Identifier, key Text, value Value, ts Version) (bool, error) {
	present, err := e.buf.Verify(record, key, value, ts)
	if err != nil {
		return false, err
	}
	if present {
		return true, nil
	}
	rec, err := e.db.GetPrimaryRecordPartial(record, key)
	if err != nil {
		return false, err
	}
	if ts == 0 {
		return rec.Present(key, value), nil
	}
	set := rec.SelectAt(key, ts)
	_, ok := set[value]
	return ok, nil
}

// Select returns the value set currently (or at ts) associated with
// (record, key), merging the database's durable view with any buffered
// overlay writes not yet transported.
func (e *Engine) Select(record Identifier, key Text, ts Version) (map[Value]struct{}, error) {
	rec, err := e.db.GetPrimaryRecordPartial(record, key)
	if err != nil {
		return nil, err
	}
	var out map[Value]struct{}
	if ts == 0 {
		out = rec.SelectAt(key, ^Version(0))
	} else {
		out = rec.SelectAt(key, ts)
	}
	for v := range e.buf.Select(record, key) {
		out[v] = struct{}{}
	}
	return out, nil
}

// Browse returns every (value -> set of records) association currently
// held under key, merging database and buffer overlay.
func (e *Engine) Browse(key Text, ts Version) (map[Value]map[Identifier]struct{}, error) {
	rec, err := e.db.GetSecondaryRecord(key)
	if err != nil {
		return nil, err
	}
	effective := ts
	if effective == 0 {
		effective = ^Version(0)
	}
	out := rec.BrowseAt(effective)

	for value, records := range e.buf.Browse(key) {
		set := out[value]
		if set == nil {
			set = make(map[Identifier]struct{})
			out[value] = set
		}
		for rec := range records {
			set[rec] = struct{}{}
		}
	}
	return out, nil
}

// Explore returns every record whose key value satisfies operator over
// values, acquiring a shared range lock over the requested predicate so
// no concurrent writer applies a half-committed change to the range
// being scanned.
func (e *Engine) Explore(key Text, operator rangelock.Operator, values []Value, ts Version) (map[Identifier]map[Value]struct{}, error) {
	token := rangelock.RangeToken[Value]{Key: key.String(), Operator: operator, Values: values}
	release := e.ranges.GetReadLock(token)
	defer release()

	match := matchFunc(operator, values)

	secondary, err := e.Browse(key, ts)
	if err != nil {
		return nil, err
	}
	out := make(map[Identifier]map[Value]struct{})
	for value, records := range secondary {
		if !match(value) {
			continue
		}
		for rec := range records {
			set := out[rec]
			if set == nil {
				set = make(map[Value]struct{})
				out[rec] = set
			}
			set[value] = struct{}{}
		}
	}
	for rec, values := range e.buf.Explore(key, match) {
		set := out[rec]
		if set == nil {
			set = make(map[Value]struct{})
			out[rec] = set
		}
		for v := range values {
			set[v] = struct{}{}
		}
	}
	return out, nil
}

// matchFunc compiles an Operator/values pair into an in-memory predicate
// over a single Value, used by Explore to filter the secondary index's
// (value -> records) scan.
func matchFunc(operator rangelock.Operator, values []Value) func(Value) bool {
	switch operator {
	case rangelock.OpEQ:
		return func(v Value) bool { return len(values) > 0 && v.Compare(values[0]) == 0 }
	case rangelock.OpNEQ:
		return func(v Value) bool { return len(values) == 0 || v.Compare(values[0]) != 0 }
	case rangelock.OpGT:
		return func(v Value) bool { return len(values) > 0 && v.Compare(values[0]) > 0 }
	case rangelock.OpGTE:
		return func(v Value) bool { return len(values) > 0 && v.Compare(values[0]) >= 0 }
	case rangelock.OpLT:
		return func(v Value) bool { return len(values) > 0 && v.Compare(values[0]) < 0 }
	case rangelock.OpLTE:
		return func(v Value) bool { return len(values) > 0 && v.Compare(values[0]) <= 0 }
	case rangelock.OpBetween:
		return func(v Value) bool {
			return len(values) >= 2 && v.Compare(values[0]) >= 0 && v.Compare(values[1]) <= 0
		}
	case rangelock.OpBetweenExclusive:
		return func(v Value) bool {
			return len(values) >= 2 && v.Compare(values[0]) > 0 && v.Compare(values[1]) < 0
		}
	case rangelock.OpContains:
		return func(v Value) bool {
			return len(values) > 0 && v.Type == ValString && values[0].Type == ValString &&
				containsSubstr(v.S, values[0].S)
		}
	case rangelock.OpNotContains:
		return func(v Value) bool {
			return len(values) == 0 || v.Type != ValString || values[0].Type != ValString ||
				!containsSubstr(v.S, values[0].S)
		}
	default:
		return func(Value) bool { return true }
	}
}

func containsSubstr(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Search tokenizes query and returns every record whose indexed content
// under key matches, merging the database's posting lists with any
// buffered string writes not yet transported.
func (e *Engine) Search(key Text, query string) (map[Identifier]struct{}, error) {
	out, err := e.db.GetSearchRecord(key, query)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[Identifier]struct{})
	}
	for rec := range e.buf.Search(key, query) {
		out[rec] = struct{}{}
	}
	return out, nil
}

// Chronologize returns one Snapshot per distinct version in [start, end)
// that touched (record, key).
func (e *Engine) Chronologize(record Identifier, key Text, start, end Version) ([]Snapshot[Value], error) {
	rec, err := e.db.GetPrimaryRecordPartial(record, key)
	if err != nil {
		return nil, err
	}
	return rec.Chronologize(key, start, end), nil
}

// Audit returns a chronological, human-readable description of every
// revision recorded for (record, key).
func (e *Engine) Audit(record Identifier, key Text) ([]AuditEntry, error) {
	rec, err := e.db.GetPrimaryRecordPartial(record, key)
	if err != nil {
		return nil, err
	}
	return rec.Audit(key), nil
}

// Contains reports whether record has ever been written, by checking
// whether its full materialized Record carries any revisions at all.
func (e *Engine) Contains(record Identifier) (bool, error) {
	rec, err := e.db.GetPrimaryRecord(record)
	if err != nil {
		return false, err
	}
	return rec.Cardinality() > 0, nil
}

// Sync forces an immediate buffer flush and database block rotation,
// bypassing the background transport goroutine's usual pacing. Intended
// for tests and graceful-shutdown call sites, not the steady-state path.
func (e *Engine) Sync() error {
	for e.buf.hasPending() {
		if err := e.buf.Transport(e.db); err != nil {
			return fmt.Errorf("strata: sync: %w", err)
		}
	}
	return e.db.triggerSync(true)
}
