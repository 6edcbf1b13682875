package mvcc

import (
	"sync"
	"sync/atomic"
	"time"
)

// TxnID identifies one transaction.
type TxnID uint64

// TxnState is a transaction's lifecycle stage.
type TxnState int

const (
	TxnStateActive TxnState = iota
	TxnStateCommitted
	TxnStateAborted
)

// Transaction is one optimistic-concurrency-control transaction running
// against a VersionStore: its ReadSet/WriteSet accumulate until Commit
// checks them against the store's latest versions.
type Transaction struct {
	ID          TxnID
	StartTime   time.Time
	CommitTime  time.Time
	State       TxnState
	ReadVersion uint64                     // Snapshot version for reads
	WriteSet    map[string]*VersionedValue // Local changes
	ReadSet     map[string]uint64          // Tracks versions of keys read (for conflict detection)
	mu          sync.RWMutex
}

// VersionedValue is one committed (or pending) write: a value tagged with
// the commit version that produced it and, for a tombstone, the id of the
// transaction that deleted it.
type VersionedValue struct {
	Value       interface{}
	Version     uint64
	CreatedBy   TxnID
	DeletedBy   TxnID // 0 if not deleted
	CommitTime  time.Time
}

// TransactionManager hands out transactions against a single VersionStore
// and assigns the monotonic commit-version counter they read and write under.
type TransactionManager struct {
	nextTxnID      uint64
	nextVersion    uint64
	activeTxns     map[TxnID]*Transaction
	committedTxns  map[TxnID]*Transaction
	mu             sync.RWMutex
	versionStore   *VersionStore
}

// NewTransactionManager creates an empty manager with a fresh VersionStore.
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		nextTxnID:     1,
		nextVersion:   1,
		activeTxns:    make(map[TxnID]*Transaction),
		committedTxns: make(map[TxnID]*Transaction),
		versionStore:  NewVersionStore(),
	}
}

// Begin opens a transaction whose reads are pinned to the store's current
// version (snapshot isolation).
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txnID := TxnID(atomic.AddUint64(&tm.nextTxnID, 1))
	readVersion := atomic.LoadUint64(&tm.nextVersion)

	txn := &Transaction{
		ID:          txnID,
		StartTime:   time.Now(),
		State:       TxnStateActive,
		ReadVersion: readVersion,
		WriteSet:    make(map[string]*VersionedValue),
		ReadSet:     make(map[string]uint64),
	}

	tm.activeTxns[txnID] = txn
	return txn
}

// Commit validates txn's read/write sets against the store's latest
// versions (first-committer-wins) and, if clean, assigns a commit version
// and applies the write set.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.State != TxnStateActive {
		return ErrTransactionNotActive
	}

	for key, readVersion := range txn.ReadSet {
		currentVersion := tm.versionStore.GetLatestVersion(key)

		if _, isWritten := txn.WriteSet[key]; isWritten {
			if currentVersion > readVersion && currentVersion > txn.ReadVersion {
				return ErrConflict
			}
		}
	}

	// A key written without being read still needs a conflict check against
	// whatever landed after this transaction's snapshot.
	for key := range txn.WriteSet {
		if _, wasRead := txn.ReadSet[key]; !wasRead {
			currentVersion := tm.versionStore.GetLatestVersion(key)
			if currentVersion > txn.ReadVersion {
				return ErrConflict
			}
		}
	}

	commitVersion := atomic.AddUint64(&tm.nextVersion, 1)
	txn.CommitTime = time.Now()

	for key, versionedValue := range txn.WriteSet {
		versionedValue.Version = commitVersion
		versionedValue.CommitTime = txn.CommitTime
		tm.versionStore.Put(key, versionedValue)
	}

	txn.State = TxnStateCommitted

	delete(tm.activeTxns, txn.ID)
	tm.committedTxns[txn.ID] = txn

	go tm.maybeGarbageCollect()

	return nil
}

// Abort discards txn's write set and marks it aborted.
func (tm *TransactionManager) Abort(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.State != TxnStateActive {
		return ErrTransactionNotActive
	}

	txn.WriteSet = nil
	txn.State = TxnStateAborted

	delete(tm.activeTxns, txn.ID)

	return nil
}

// Read returns key as visible at txn's snapshot, preferring txn's own
// uncommitted write (read-your-own-writes) over the version store.
func (tm *TransactionManager) Read(txn *Transaction, key string) (interface{}, bool, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.State != TxnStateActive {
		return nil, false, ErrTransactionNotActive
	}

	if versionedValue, ok := txn.WriteSet[key]; ok {
		if versionedValue.DeletedBy != 0 {
			return nil, false, nil
		}
		return versionedValue.Value, true, nil
	}

	value, exists, err := tm.versionStore.GetVersion(key, txn.ReadVersion)

	// Remember the version actually observed, so Commit can detect a
	// write that landed between this read and commit time.
	if exists {
		latestVersion := tm.versionStore.GetLatestVersion(key)
		if latestVersion <= txn.ReadVersion {
			txn.ReadSet[key] = latestVersion
		} else {
			txn.ReadSet[key] = txn.ReadVersion
		}
	} else {
		txn.ReadSet[key] = 0
	}

	return value, exists, err
}

// Write stages key=value in txn's local write set; it is not visible to
// other transactions until Commit.
func (tm *TransactionManager) Write(txn *Transaction, key string, value interface{}) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.State != TxnStateActive {
		return ErrTransactionNotActive
	}

	txn.WriteSet[key] = &VersionedValue{
		Value:      value,
		CreatedBy:  txn.ID,
		DeletedBy:  0,
	}

	return nil
}

// Delete stages a tombstone for key in txn's local write set.
func (tm *TransactionManager) Delete(txn *Transaction, key string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.State != TxnStateActive {
		return ErrTransactionNotActive
	}

	txn.WriteSet[key] = &VersionedValue{
		Value:      nil,
		CreatedBy:  txn.ID,
		DeletedBy:  txn.ID,
	}

	return nil
}

// maybeGarbageCollect asks the version store to reclaim versions no
// active transaction's snapshot can still observe.
func (tm *TransactionManager) maybeGarbageCollect() {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	minReadVersion := atomic.LoadUint64(&tm.nextVersion)
	for _, txn := range tm.activeTxns {
		if txn.ReadVersion < minReadVersion {
			minReadVersion = txn.ReadVersion
		}
	}

	tm.versionStore.GarbageCollect(minReadVersion)
}

// GetActiveTransactions reports how many transactions are still open.
func (tm *TransactionManager) GetActiveTransactions() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeTxns)
}

// GetWriteSet returns a defensive copy of txn's write set, for savepoints.
func (txn *Transaction) GetWriteSet() map[string]*VersionedValue {
	txn.mu.RLock()
	defer txn.mu.RUnlock()

	writeSetCopy := make(map[string]*VersionedValue)
	for key, val := range txn.WriteSet {
		writeSetCopy[key] = &VersionedValue{
			Value:      val.Value,
			Version:    val.Version,
			CreatedBy:  val.CreatedBy,
			DeletedBy:  val.DeletedBy,
			CommitTime: val.CommitTime,
		}
	}
	return writeSetCopy
}

// GetReadSet returns a defensive copy of txn's read set, for savepoints.
func (txn *Transaction) GetReadSet() map[string]uint64 {
	txn.mu.RLock()
	defer txn.mu.RUnlock()

	readSetCopy := make(map[string]uint64)
	for key, version := range txn.ReadSet {
		readSetCopy[key] = version
	}
	return readSetCopy
}

// SetWriteSet restores txn's write set to a previously captured copy.
func (txn *Transaction) SetWriteSet(writeSet map[string]*VersionedValue) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.WriteSet = make(map[string]*VersionedValue)
	for key, val := range writeSet {
		txn.WriteSet[key] = &VersionedValue{
			Value:      val.Value,
			Version:    val.Version,
			CreatedBy:  val.CreatedBy,
			DeletedBy:  val.DeletedBy,
			CommitTime: val.CommitTime,
		}
	}
}

// SetReadSet restores txn's read set to a previously captured copy.
func (txn *Transaction) SetReadSet(readSet map[string]uint64) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.ReadSet = make(map[string]uint64)
	for key, version := range readSet {
		txn.ReadSet[key] = version
	}
}
