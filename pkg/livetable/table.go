// Package livetable implements the in-memory table of method hotness
// updated by the execution engine. The table is safe for concurrent use:
// recording a sample for a known method only takes a shard read lock and
// updates the entry atomically.
package livetable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/hotprof/pkg/profile"
)

var (
	ErrTableFull   = errors.New("live profile table is full")
	ErrUnknownUnit = profile.ErrUnknownUnit
)

const (
	shardsCount          = 64
	shardBits            = 6
	defaultShardCapacity = 256
)

// Observer is notified about changes in the table. Callbacks are invoked
// synchronously from the sampling path and must not block.
type Observer interface {
	MethodTracked(profile.MethodKey)
	MethodHot(profile.MethodKey)
}

type Table struct {
	config  Config
	logger  log.Logger
	metrics *metrics

	unitsMu sync.RWMutex
	units   map[profile.UnitID]uint32

	shards  [shardsCount]shard
	entries atomic.Int64
	// Samples recorded while startup is true are flagged as startup
	// samples, and as post-startup samples afterwards.
	startup  atomic.Bool
	observer atomic.Pointer[observerHolder]
}

type observerHolder struct{ Observer }

type shard struct {
	mu sync.RWMutex
	m  *swiss.Map[profile.MethodKey, *entry]
}

type entry struct {
	// Lifetime number of samples.
	total atomic.Uint64
	// Samples not yet captured by a snapshot.
	pending atomic.Uint64
	flags   atomic.Uint32
	dirty   atomic.Bool
}

func New(config Config, logger log.Logger, reg prometheus.Registerer) *Table {
	t := &Table{
		config:  config,
		logger:  logger,
		metrics: newMetrics(reg),
		units:   make(map[profile.UnitID]uint32),
	}
	for i := range t.shards {
		t.shards[i].m = swiss.NewMap[profile.MethodKey, *entry](defaultShardCapacity)
	}
	t.startup.Store(true)
	return t
}

// Subscribe sets the observer of the table, replacing the previous one.
func (t *Table) Subscribe(o Observer) {
	if o == nil {
		t.observer.Store(nil)
		return
	}
	t.observer.Store(&observerHolder{o})
}

// RegisterUnit declares a compilation unit and the number of methods it
// has. Samples of methods of unknown units are dropped.
func (t *Table) RegisterUnit(id profile.UnitID, numMethods uint32) error {
	t.unitsMu.Lock()
	defer t.unitsMu.Unlock()
	if n, ok := t.units[id]; ok {
		if n != numMethods {
			return profile.ErrUnitMismatch
		}
		return nil
	}
	t.units[id] = numMethods
	level.Debug(t.logger).Log("msg", "registered unit", "unit", id, "methods", numMethods)
	return nil
}

// NumMethods returns the method count of a registered unit.
func (t *Table) NumMethods(id profile.UnitID) (uint32, bool) {
	t.unitsMu.RLock()
	n, ok := t.units[id]
	t.unitsMu.RUnlock()
	return n, ok
}

// EndStartup marks the end of the startup phase of the process.
func (t *Table) EndStartup() {
	if t.startup.CompareAndSwap(true, false) {
		level.Debug(t.logger).Log("msg", "startup phase ended")
	}
}

func (t *Table) InStartup() bool { return t.startup.Load() }

func (t *Table) shardFor(key profile.MethodKey) *shard {
	h := xxhash.Sum64String(key.Unit.Location)
	h ^= uint64(key.Unit.Checksum)<<32 | uint64(key.Index)
	h *= 0x9e3779b97f4a7c15
	return &t.shards[h>>(64-shardBits)]
}

func (t *Table) lookup(key profile.MethodKey) (*entry, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	e, ok := s.m.Get(key)
	s.mu.RUnlock()
	return e, ok
}

func (t *Table) getOrCreate(key profile.MethodKey) (*entry, error) {
	if e, ok := t.lookup(key); ok {
		return e, nil
	}
	n, ok := t.NumMethods(key.Unit)
	if !ok {
		return nil, ErrUnknownUnit
	}
	if key.Index >= n {
		return nil, profile.ErrMethodIndexOutOfRange
	}
	s := t.shardFor(key)
	s.mu.Lock()
	if e, ok := s.m.Get(key); ok {
		s.mu.Unlock()
		return e, nil
	}
	if c := t.entries.Add(1); c > int64(t.config.MaxEntries) {
		t.entries.Add(-1)
		s.mu.Unlock()
		return nil, ErrTableFull
	}
	e := new(entry)
	s.m.Put(key, e)
	s.mu.Unlock()
	t.metrics.entries.Inc()
	if o := t.observer.Load(); o != nil {
		o.MethodTracked(key)
	}
	return e, nil
}

// EnsureTracking creates the entry of the method if it does not exist.
func (t *Table) EnsureTracking(key profile.MethodKey) error {
	_, err := t.getOrCreate(key)
	return err
}

// RecordSample records a single sample of the method, creating the entry
// if needed. The sample is dropped if the method cannot be tracked.
func (t *Table) RecordSample(key profile.MethodKey) {
	t.RecordSamples(key, 1)
}

// RecordSamples records n samples of the method at once.
func (t *Table) RecordSamples(key profile.MethodKey, n uint64) {
	if n == 0 {
		return
	}
	e, err := t.getOrCreate(key)
	if err != nil {
		t.dropped(err).Add(float64(n))
		return
	}
	t.metrics.samplesRecorded.Add(float64(n))
	phase := profile.FlagPostStartup
	if t.startup.Load() {
		phase = profile.FlagStartup
	}
	if e.record(n, phase, t.config.HotThreshold) {
		t.metrics.hotTransitions.Inc()
		if o := t.observer.Load(); o != nil {
			o.MethodHot(key)
		}
	}
}

func (t *Table) dropped(err error) prometheus.Counter {
	switch {
	case errors.Is(err, ErrTableFull):
		return t.metrics.droppedTableFull
	case errors.Is(err, profile.ErrMethodIndexOutOfRange):
		return t.metrics.droppedOutOfRange
	default:
		return t.metrics.droppedUnknownUnit
	}
}

// record reports whether the entry became hot.
func (e *entry) record(n uint64, phase profile.Flags, threshold uint64) bool {
	total := e.total.Add(n)
	if total < n {
		// Saturate rather than wrap around.
		e.total.Store(^uint64(0))
		total = ^uint64(0)
	}
	e.pending.Add(n)
	flags := uint32(phase)
	if total >= threshold {
		flags |= uint32(profile.FlagHot)
	}
	old := e.flags.Or(flags)
	e.dirty.Store(true)
	return old&uint32(profile.FlagHot) == 0 && flags&uint32(profile.FlagHot) != 0
}

// MarkHot sets the flags of the method without recording samples. Once
// set, flags are never cleared.
func (t *Table) MarkHot(key profile.MethodKey, flags profile.Flags) error {
	if !flags.Valid() {
		return profile.ErrInvalidFlags
	}
	e, err := t.getOrCreate(key)
	if err != nil {
		return err
	}
	old := profile.Flags(e.flags.Or(uint32(flags)))
	if old|flags != old {
		e.dirty.Store(true)
		if !old.IsHot() && flags.IsHot() {
			t.metrics.hotTransitions.Inc()
			if o := t.observer.Load(); o != nil {
				o.MethodHot(key)
			}
		}
	}
	return nil
}

// Hotness returns the lifetime hotness of the method. Methods that are
// not tracked have zero hotness.
func (t *Table) Hotness(key profile.MethodKey) profile.Hotness {
	e, ok := t.lookup(key)
	if !ok {
		return profile.Hotness{}
	}
	return profile.Hotness{
		Samples: e.total.Load(),
		Flags:   profile.Flags(e.flags.Load()),
	}
}

// Contains reports whether the method is tracked.
func (t *Table) Contains(key profile.MethodKey) bool {
	_, ok := t.lookup(key)
	return ok
}

// Len returns the number of tracked methods.
func (t *Table) Len() int { return int(t.entries.Load()) }

type capturedEntry struct {
	key profile.MethodKey
	e   *entry
}

func (t *Table) collectDirty(filter func(profile.UnitID) bool) []capturedEntry {
	var dirty []capturedEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		s.m.Iter(func(k profile.MethodKey, e *entry) bool {
			if e.dirty.Load() && (filter == nil || filter(k.Unit)) {
				dirty = append(dirty, capturedEntry{key: k, e: e})
			}
			return false
		})
		s.mu.RUnlock()
	}
	return dirty
}

// PendingMethods returns the number of methods changed since the last
// snapshot. A nil filter selects all units.
func (t *Table) PendingMethods(filter func(profile.UnitID) bool) int {
	return len(t.collectDirty(filter))
}

// Snapshot captures the methods changed since the previous snapshot.
// Pending samples are moved into the returned profile; samples recorded
// concurrently are either captured or left for the next snapshot, and
// never lost. A nil filter selects all units.
func (t *Table) Snapshot(forBootImage bool, filter func(profile.UnitID) bool) *profile.Profile {
	p := profile.New(forBootImage)
	for _, c := range t.collectDirty(filter) {
		if !c.e.dirty.CompareAndSwap(true, false) {
			continue
		}
		h := profile.Hotness{
			Samples: c.e.pending.Swap(0),
			Flags:   profile.Flags(c.e.flags.Load()),
		}
		if h.IsZero() {
			continue
		}
		n, _ := t.NumMethods(c.key.Unit)
		u, err := p.AddUnit(c.key.Unit, n)
		if err == nil {
			err = u.Add(c.key.Index, h)
		}
		if err != nil {
			// Registered units never change their method count.
			level.Error(t.logger).Log("msg", "failed to capture method", "method", c.key, "err", err)
		}
	}
	t.metrics.snapshots.Inc()
	return p
}

// Restore puts the pending samples of a snapshot back into the table,
// so they are captured again by the next snapshot.
func (t *Table) Restore(p *profile.Profile) {
	for _, u := range p.Units() {
		u.Range(func(index uint32, h profile.Hotness) bool {
			key := profile.MethodKey{Unit: u.ID(), Index: index}
			e, err := t.getOrCreate(key)
			if err != nil {
				level.Warn(t.logger).Log("msg", "failed to restore method", "method", key, "err", err)
				return true
			}
			e.pending.Add(h.Samples)
			e.flags.Or(uint32(h.Flags))
			e.dirty.Store(true)
			return true
		})
	}
	t.metrics.restores.Inc()
}
