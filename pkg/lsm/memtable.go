package lsm

import (
	"math"
	"sync"
)

// memtableSeq hands out stable identifiers memtables can be looked up by in
// external "frozen"/"dirty" membership sets. The spec this models carries
// two intrusive rlist hooks directly on the struct for that purpose; Go has
// no equivalent lightweight intrusive list, and a memtable does not need to
// know which registries it belongs to, so the scheduler instead keys its
// own sets (e.g. a slice or map on the owning partition) by this handle.
var memtableSeq struct {
	mu   sync.Mutex
	next uint64
}

func nextMemtableID() uint64 {
	memtableSeq.mu.Lock()
	defer memtableSeq.mu.Unlock()
	memtableSeq.next++
	return memtableSeq.next
}

// Memtable is the in-memory mutable index for one partition: an ordered,
// multi-version container keyed by (user key, version), buffering the most
// recent writes until an external scheduler freezes and flushes it.
type Memtable struct {
	mu sync.RWMutex

	id   uint64
	tree *recordTree
	used int64
	// minVersion is the smallest version of any record ever inserted,
	// +infinity (MaxUint64) until the first successful Insert.
	minVersion uint64
	// maxVersion is the largest versionTag this memtable's tree has ever
	// allocated extents under; it bounds the arena release this memtable
	// is safe to trigger once flushed (see ReleaseExtents).
	maxVersion uint64
	// version is bumped on every successful insert; iterators compare it
	// against their own cached copy to detect concurrent writer activity
	// between their calls (see Iterator.checkVersion).
	version uint32

	keyDef *KeyDef
	format *Format

	allocator    *Arena
	allocatorTag func() uint64

	diag Diagnostics

	frozen bool // true once the owning scheduler has frozen this memtable
}

// allocatorInterface is the minimal surface newExtentAllocator needs; it lets
// tests substitute LimitedArena without Memtable caring which one it got.
type allocatorInterface interface {
	Alloc(size int, tag uint64) (*Extent, error)
}

// NewMemtable creates an empty memtable. allocatorTag is a capability that
// returns the arena's current version tag at call time — deliberately not a
// raw pointer to external mutable state (see the Design Notes on "pointer
// to an external allocator_version"), so the memtable never needs to reason
// about the lifetime of whatever owns that counter.
func NewMemtable(keyDef *KeyDef, format *Format, allocator allocatorInterface, allocatorTag func() uint64) *Memtable {
	m := &Memtable{
		id:           nextMemtableID(),
		minVersion:   math.MaxUint64,
		keyDef:       keyDef,
		format:       format,
		allocatorTag: allocatorTag,
	}
	if a, ok := allocator.(*Arena); ok {
		m.allocator = a
	}
	alloc := newExtentAllocator(allocator, allocatorTag, &m.diag)
	m.tree = newRecordTree(keyDef, format, alloc, int64(m.id))
	return m
}

// ID is the stable handle an external scheduler uses to thread this
// memtable into its own frozen/dirty membership sets.
func (m *Memtable) ID() uint64 { return m.id }

// Version returns the memtable's write-generation counter. Iterators snapshot
// this at open time and re-check it before every advancing call.
func (m *Memtable) Version() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Used returns the total byte size of all records currently stored.
func (m *Memtable) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// MinVersion returns the smallest version of any record ever inserted, or
// math.MaxUint64 if the memtable is still empty.
func (m *Memtable) MinVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minVersion
}

// Count returns the number of records currently indexed (every version of
// every key, not distinct keys).
func (m *Memtable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return 0
	}
	return m.tree.Count()
}

// Freeze marks the memtable read-only. Frozen memtables reject further
// inserts but remain fully readable by iterators — exactly the state a
// flush worker needs while it drains the memtable to an on-disk run.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Insert adds rec to the memtable. versionTag is forwarded to any tree-node
// extent allocations triggered by this insert, so that the arena can later
// bulk-release extents by version range. On allocation failure the memtable
// is left exactly as it was: the record's reference is not taken and the
// tree is unchanged.
func (m *Memtable) Insert(rec *Record, versionTag uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrClosed
	}

	if _, err := rec.Duplicate(); err != nil {
		m.diag.record("Memtable.Insert", "record duplication failed")
		return ErrOutOfMemory
	}

	if err := m.tree.Insert(rec); err != nil {
		rec.Release()
		m.diag.record("Memtable.Insert", "extent allocation failed during rebalancing")
		return err
	}

	m.used += rec.Size()
	if rec.Version < m.minVersion {
		m.minVersion = rec.Version
	}
	if versionTag > m.maxVersion {
		m.maxVersion = versionTag
	}
	m.version++
	return nil
}

// OlderVersion returns the record with the same user key as rec and the
// next smaller version, or nil if there is none. It performs a lower-bound
// search for {rec.Key, rec.Version - 1} and accepts the result only if its
// user key still matches rec's.
func (m *Memtable) OlderVersion(rec *Record) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := &LookupKey{Key: rec.Key, Version: rec.Version - 1}
	cur, _ := m.tree.LowerBound(key)
	if cur.IsInvalid() {
		return nil
	}
	found := m.tree.GetElem(cur)
	if compareUserKeys(found.Key, rec.Key, m.keyDef) != 0 {
		return nil
	}
	return found
}

// Close releases every record reference the memtable holds. It does not
// reclaim tree-node extents itself — those are released in bulk by the
// arena once the caller retires the corresponding version range.
func (m *Memtable) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for c := m.tree.First(); !c.IsInvalid(); m.tree.Next(&c) {
		m.tree.GetElem(c).Release()
	}
	m.used = 0
	m.tree = nil
}

// ReleaseExtents bulk-releases this memtable's backing arena extents: every
// extent tagged at or below the highest version this memtable ever inserted
// under. Call only after Close, and only once the caller is sure no iterator
// still holds a cursor into this memtable's tree — the arena has no way to
// tell a live reader from a retired one on its own, and since it is shared
// across every memtable in the partition, releasing too eagerly would
// poison a still-active memtable's nodes. Reports 0 if the memtable was
// built over an allocator that isn't a plain *Arena (e.g. LimitedArena in
// tests), since there is nothing meaningful to bulk-release through that
// wrapper's accounting, or if nothing was ever inserted.
func (m *Memtable) ReleaseExtents() int {
	if m.allocator == nil || m.maxVersion == 0 {
		return 0
	}
	return m.allocator.ReleaseBefore(m.maxVersion)
}

// Diagnostics exposes the last out-of-memory (or similar) event raised by
// this memtable's own calls, separate from whatever the arena itself saw.
func (m *Memtable) Diagnostics() *Diagnostic {
	return m.diag.Last()
}
