package mvcc

import (
	"github.com/mnohosten/vinylmem/pkg/lsm"
)

// maxView is the view version that makes every record in a memtable
// visible; lsm.VersionIgnore (MAX-1) is reserved as the lookup-key
// sentinel, so the store uses the one larger value instead.
const maxView = ^uint64(0)

// VersionStore keeps every version of every key in a single lsm.Memtable,
// keyed by a one-field string user key. It is the same ordered,
// multi-version container and snapshot-consistent iterator the storage
// engine's memtable provides, reused here for statement-level MVCC instead
// of a bespoke per-key linked list.
type VersionStore struct {
	arena  *lsm.Arena
	keyDef *lsm.KeyDef
	mem    *lsm.Memtable
}

// NewVersionStore creates an empty version store.
func NewVersionStore() *VersionStore {
	arena := lsm.NewArena()
	keyDef := &lsm.KeyDef{PartCount: 1}
	return &VersionStore{
		arena:  arena,
		keyDef: keyDef,
		mem:    lsm.NewMemtable(keyDef, nil, arena, func() uint64 { return 1 }),
	}
}

// Put inserts value as the newest version of key. value.Version must
// already be assigned by the caller (the transaction manager's commit
// counter).
func (vs *VersionStore) Put(key string, value *VersionedValue) error {
	rec := lsm.NewRecord([]interface{}{key}, value.Version, nil, value.DeletedBy != 0)
	rec.Obj = value
	return vs.mem.Insert(rec, value.Version)
}

// GetVersion retrieves the version of key visible to snapshotVersion: the
// newest version not newer than snapshotVersion, or not-found if that
// version was a deletion or the key has never been written.
func (vs *VersionStore) GetVersion(key string, snapshotVersion uint64) (interface{}, bool, error) {
	view := snapshotVersion
	it := lsm.OpenIterator(vs.mem, lsm.IterEQ, []interface{}{key}, &view)
	defer it.Close()

	rec, err := it.NextKey()
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.Deleted {
		return nil, false, nil
	}
	return rec.Obj.(*VersionedValue).Value, true, nil
}

// GetLatest retrieves the most recent version of key regardless of any
// snapshot, or not-found if it has never been written or was last deleted.
func (vs *VersionStore) GetLatest(key string) (interface{}, bool) {
	value, ok, _ := vs.GetVersion(key, maxView)
	return value, ok
}

// GetLatestVersion returns the version number of the most recent write to
// key (including deletions), or 0 if the key has never been written.
func (vs *VersionStore) GetLatestVersion(key string) uint64 {
	view := maxView
	it := lsm.OpenIterator(vs.mem, lsm.IterEQ, []interface{}{key}, &view)
	defer it.Close()

	rec, err := it.NextKey()
	if err != nil || rec == nil {
		return 0
	}
	return rec.Version
}

// GarbageCollect is a deliberate no-op: reclaiming versions older than a
// watermark is explicitly compaction's job, not the memtable's (see the
// lsm package's Non-goals). A real flush/compaction subsystem sitting on
// top of this store would call lsm.Arena.ReleaseBefore once it had merged
// the retired versions into an on-disk run; this store has no such
// subsystem, so there is nothing safe to release here.
func (vs *VersionStore) GarbageCollect(minVersion uint64) {}

// GetAllKeys returns every distinct key ever written to the store,
// including ones whose newest version is a tombstone.
func (vs *VersionStore) GetAllKeys() []string {
	view := maxView
	it := lsm.OpenIterator(vs.mem, lsm.IterGE, nil, &view)
	defer it.Close()

	var keys []string
	for {
		rec, err := it.NextKey()
		if err != nil || rec == nil {
			break
		}
		keys = append(keys, rec.Key[0].(string))
	}
	return keys
}

// GetVersionCount returns how many versions of key are stored.
func (vs *VersionStore) GetVersionCount(key string) int {
	view := maxView
	it := lsm.OpenIterator(vs.mem, lsm.IterEQ, []interface{}{key}, &view)
	defer it.Close()

	count := 0
	rec, err := it.NextKey()
	for rec != nil && err == nil {
		count++
		rec, err = it.NextVersion()
	}
	return count
}
