package lsm

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/mnohosten/vinylmem/pkg/document"
)

// VersionIgnore is the lookup-key version sentinel meaning "match any
// version of this user key". It mirrors INT64_MAX-1 in the source this
// package is modeled on: a real record version never reaches it because
// versions are assigned by a single monotonic counter (see Partition.Put).
const VersionIgnore = ^uint64(0) - 1

// KeyDef describes the shape of the ordered tuple that forms a user key:
// how many leading fields of a record participate in ordering. Two records
// are only comparable under the same KeyDef.
type KeyDef struct {
	PartCount int
}

// Format is opaque metadata carried alongside KeyDef and handed unchanged to
// the comparator. The memtable never interprets it; it exists so that a
// future field-level comparator (collations, descending parts, etc.) has
// somewhere to live without changing the Memtable/Iterator contract.
type Format struct {
	Name string
}

// Record is the external, reference-counted, immutable entity the memtable
// indexes. A Record is never mutated in place once inserted: updates to a
// key are represented by inserting a new Record with a higher Version.
type Record struct {
	Key     []interface{} // ordered tuple of fields; len(Key) == part count
	Version uint64        // LSN assigned by the single writer for this partition
	Payload []byte
	Deleted bool // tombstone

	// Obj is an optional opaque in-memory handle for collaborators that
	// index non-serialized values (e.g. pkg/mvcc's VersionStore, which
	// keeps a *VersionedValue here instead of flattening it to bytes).
	// The on-disk flush path (sstable.go) only ever reads Payload.
	Obj interface{}

	refs int32
}

// NewRecord builds a fresh record holding a single reference.
func NewRecord(key []interface{}, version uint64, payload []byte, deleted bool) *Record {
	return &Record{
		Key:     key,
		Version: version,
		Payload: payload,
		Deleted: deleted,
		refs:    1,
	}
}

// PartCount reports how many fields make up the record's user key.
func (r *Record) PartCount() int {
	if r == nil {
		return 0
	}
	return len(r.Key)
}

// Size is the approximate number of bytes this record contributes to a
// memtable's "used" counter: key fields plus payload plus bookkeeping, the
// same rough accounting MemTableEntry used before it.
func (r *Record) Size() int64 {
	sz := int64(16) // version + flags + refcount overhead
	for _, f := range r.Key {
		switch v := f.(type) {
		case []byte:
			sz += int64(len(v))
		case string:
			sz += int64(len(v))
		default:
			sz += 8
		}
	}
	sz += int64(len(r.Payload))
	return sz
}

// Duplicate bumps the reference count and returns a handle the caller owns.
// It never actually allocates new storage (Records are immutable), but it
// models the record provider's "duplicate -> stmt | oom" contract: under
// real memory pressure this is where an implementation backed by a real
// arena would fail, and iterator code is written against that possibility.
func (r *Record) Duplicate() (*Record, error) {
	if r == nil {
		return nil, nil
	}
	atomic.AddInt32(&r.refs, 1)
	return r, nil
}

// Release decrements the reference count. It does not free anything itself;
// in this module storage is reclaimed by the Go garbage collector once the
// last reference drops, mirroring the "release" half of the record
// provider's contract (see §6 of the accompanying spec) without literally
// reimplementing manual memory management.
func (r *Record) Release() {
	if r == nil {
		return
	}
	atomic.AddInt32(&r.refs, -1)
}

func (r *Record) String() string {
	return fmt.Sprintf("%v@%d", r.Key, r.Version)
}

// LookupKey synthesizes a {user_key, version} pair used to position the
// tree without constructing a full Record. Version == VersionIgnore collapses
// the version dimension, which is how range-scan starting points ignore LSN.
type LookupKey struct {
	Key     []interface{}
	Version uint64
}

// compareFields orders two field values of possibly different dynamic
// types, the same rule pkg/index's CompositeKey comparator used for compound
// indexes: nil sorts low, then a small set of concrete Go types is compared
// natively, anything else ties.
func compareFields(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch va := a.(type) {
	case int64:
		if vb, ok := b.(int64); ok {
			return compareInt64(va, vb)
		}
	case int:
		if vb, ok := b.(int); ok {
			return compareInt64(int64(va), int64(vb))
		}
	case float64:
		if vb, ok := b.(float64); ok {
			switch {
			case va < vb:
				return -1
			case va > vb:
				return 1
			default:
				return 0
			}
		}
	case string:
		if vb, ok := b.(string); ok {
			return bytes.Compare([]byte(va), []byte(vb))
		}
	case []byte:
		if vb, ok := b.([]byte); ok {
			return bytes.Compare(va, vb)
		}
	case document.ObjectID:
		if vb, ok := b.(document.ObjectID); ok {
			return bytes.Compare(va[:], vb[:])
		}
	case bool:
		if vb, ok := b.(bool); ok {
			if va == vb {
				return 0
			}
			if !va {
				return -1
			}
			return 1
		}
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareUserKeys compares two user-key tuples field by field under the
// given key definition; it never looks past KeyDef.PartCount fields.
func compareUserKeys(a, b []interface{}, keyDef *KeyDef) int {
	n := keyDef.PartCount
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareFields(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// compareVersionsDesc orders versions so that a *larger* version compares as
// "less" — records are kept newest-to-oldest for a given user key. It is the
// single tie-breaker the whole ordering invariant rests on.
func compareVersionsDesc(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}

// compareRecords implements the Ordering invariant from §3: compare by user
// key ascending, then by version descending. Two distinct records in the
// same memtable never compare equal — versions are assigned by a single
// writer, monotonically, so ties are impossible by construction.
func compareRecords(a, b *Record, keyDef *KeyDef, _ *Format) int {
	if c := compareUserKeys(a.Key, b.Key, keyDef); c != 0 {
		return c
	}
	return compareVersionsDesc(a.Version, b.Version)
}

// compareRecordToLookupKey implements the lookup-key variant of the
// comparator, honoring the VersionIgnore sentinel.
func compareRecordToLookupKey(a *Record, key *LookupKey, keyDef *KeyDef, _ *Format) int {
	c := compareUserKeys(a.Key, key.Key, keyDef)
	if c != 0 {
		return c
	}
	if key.Version == VersionIgnore {
		return 0
	}
	return compareVersionsDesc(a.Version, key.Version)
}
