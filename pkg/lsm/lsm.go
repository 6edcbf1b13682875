package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/vinylmem/pkg/document"
)

// Partition owns one Memtable plus the on-disk runs it has been flushed
// into, and assigns the monotonically increasing versions every Memtable
// in this package is indexed by. The memtable/iterator pair this package
// exists to implement assumes such a partition as an external collaborator
// (see the out-of-scope "surrounding range/partition metadata" note this
// module carries) — Partition is the minimal adapted stand-in for it, kept
// around so the flush and compaction paths have somewhere real to run
// instead of living only as prose.
type Partition struct {
	mu  sync.RWMutex
	dir string

	keyDef *KeyDef
	format *Format
	arena  *Arena

	active   *Memtable
	frozen   []*Memtable
	sstables []*SSTable

	versionCounter uint64
	nextSSTableID  int
	closed         bool

	memtableSizeLimit int64
	indexInterval     int

	flushChan chan *Memtable
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Config holds partition configuration.
type Config struct {
	Dir               string
	MemtableSizeLimit int64 // freeze+flush the active memtable past this many bytes
	IndexInterval     int   // sparse SSTable index granularity
}

// DefaultConfig returns default configuration.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:               dir,
		MemtableSizeLimit: 4 * 1024 * 1024,
		IndexInterval:     100,
	}
}

// NewPartition creates a partition over a single-field key (KeyDef.PartCount
// == 1), loads any existing on-disk runs, and starts its background flush
// worker.
func NewPartition(config *Config) (*Partition, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	p := &Partition{
		dir:               config.Dir,
		keyDef:            &KeyDef{PartCount: 1},
		arena:             NewArena(),
		memtableSizeLimit: config.MemtableSizeLimit,
		indexInterval:     config.IndexInterval,
		flushChan:         make(chan *Memtable, 10),
		stopChan:          make(chan struct{}),
	}
	p.active = NewMemtable(p.keyDef, p.format, p.arena, p.allocatorTag)

	if err := p.loadSSTables(); err != nil {
		return nil, fmt.Errorf("failed to load sstables: %w", err)
	}

	p.wg.Add(1)
	go p.flushWorker()

	return p, nil
}

// allocatorTag is the capability Memtable calls to learn the arena's
// current version tag, rather than holding a pointer into Partition's
// mutable state directly (see Design Notes on "pointer to an external
// allocator_version").
func (p *Partition) allocatorTag() uint64 {
	return atomic.LoadUint64(&p.versionCounter)
}

func (p *Partition) loadSSTables() error {
	pattern := filepath.Join(p.dir, "sstable_*.sst")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	for _, path := range matches {
		sst, err := OpenSSTable(path)
		if err != nil {
			return fmt.Errorf("failed to open sstable %s: %w", path, err)
		}
		p.sstables = append(p.sstables, sst)

		var id int
		if _, err := fmt.Sscanf(filepath.Base(path), "sstable_%d.sst", &id); err == nil {
			if id >= p.nextSSTableID {
				p.nextSSTableID = id + 1
			}
		}
	}
	return nil
}

// Put assigns the next version and inserts a record with the given single-
// field key. It freezes and queues the active memtable for flush once it
// crosses the configured size limit.
func (p *Partition) Put(key interface{}, payload []byte, deleted bool) (uint64, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	version := atomic.AddUint64(&p.versionCounter, 1)
	rec := NewRecord([]interface{}{key}, version, payload, deleted)
	if err := p.active.Insert(rec, version); err != nil {
		p.mu.Unlock()
		return 0, err
	}

	var toFlush *Memtable
	if p.active.Used() >= p.memtableSizeLimit {
		p.active.Freeze()
		toFlush = p.active
		p.frozen = append(p.frozen, toFlush)
		p.active = NewMemtable(p.keyDef, p.format, p.arena, p.allocatorTag)
	}
	p.mu.Unlock()

	if toFlush != nil {
		p.flushChan <- toFlush
	}
	return version, nil
}

// Get returns the newest record for key visible at viewVersion, checking
// the active memtable, then frozen memtables newest-first, then on-disk
// runs newest-first. On-disk runs are looked up by key alone: the first run
// holding the key answers with the newest version it stores for it, whether
// or not that version is above viewVersion.
func (p *Partition) Get(key interface{}, viewVersion uint64) (*Record, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, false, ErrClosed
	}

	lookup := []interface{}{key}
	if rec, ok := p.getFromMemtable(p.active, lookup, viewVersion); ok {
		return rec, !rec.Deleted, nil
	}
	for i := len(p.frozen) - 1; i >= 0; i-- {
		if rec, ok := p.getFromMemtable(p.frozen[i], lookup, viewVersion); ok {
			return rec, !rec.Deleted, nil
		}
	}

	encKey := encodeUserKey(lookup)
	for _, sst := range p.sstables {
		flushed, found, err := sst.Get(encKey)
		if err != nil {
			return nil, false, err
		}
		if found {
			return recordFromFlushed(flushed), !flushed.Deleted, nil
		}
	}
	return nil, false, nil
}

func (p *Partition) getFromMemtable(m *Memtable, key []interface{}, viewVersion uint64) (*Record, bool) {
	view := viewVersion
	it := OpenIterator(m, IterEQ, key, &view)
	defer it.Close()
	rec, err := it.NextKey()
	if err != nil || rec == nil {
		return nil, false
	}
	return rec, true
}

func recordFromFlushed(f *flushedRecord) *Record {
	return NewRecord(f.Key, f.Version, f.Payload, f.Deleted)
}

// PutDocument is Put specialized for structured payloads: doc is BSON-encoded
// (the same wire format pkg/document's teacher repo used for its collection
// storage) before it is handed to the memtable, so Payload on disk is always
// flat bytes regardless of whether a caller writes raw blobs or documents.
func (p *Partition) PutDocument(key interface{}, doc *document.Document) (uint64, error) {
	data, err := document.NewEncoder().Encode(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode document: %w", err)
	}
	return p.Put(key, data, false)
}

// GetDocument is Get specialized for structured payloads: it decodes the
// record's Payload back into a *document.Document. Returns found=false for a
// tombstone or missing key, same as Get.
func (p *Partition) GetDocument(key interface{}, viewVersion uint64) (*document.Document, bool, error) {
	rec, found, err := p.Get(key, viewVersion)
	if err != nil || !found {
		return nil, found, err
	}
	doc, err := document.NewDecoder(rec.Payload).Decode()
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, true, nil
}

// flushWorker drains frozen memtables to on-disk runs. This models the
// external flush scheduler the rest of this package treats as a
// collaborator; it runs as its own goroutine only because Partition chose
// to adapt the teacher's worker-channel idiom for it; the memtable and
// iterator proper make no scheduling assumption beyond single-writer
// cooperative access.
func (p *Partition) flushWorker() {
	defer p.wg.Done()
	for {
		select {
		case m := <-p.flushChan:
			if err := p.flushMemtable(m); err != nil {
				fmt.Fprintf(os.Stderr, "lsm: flush error: %v\n", err)
			}
		case <-p.stopChan:
			return
		}
	}
}

func (p *Partition) flushMemtable(m *Memtable) error {
	p.mu.Lock()
	id := p.nextSSTableID
	p.nextSSTableID++
	p.mu.Unlock()

	writer, err := NewSSTableWriter(p.dir, id, p.indexInterval)
	if err != nil {
		return fmt.Errorf("failed to create sstable writer: %w", err)
	}

	for c := m.tree.First(); !c.IsInvalid(); m.tree.Next(&c) {
		if err := writer.Write(m.tree.GetElem(c)); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	sst, err := writer.Finalize()
	if err != nil {
		return fmt.Errorf("failed to finalize sstable: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sstables = append([]*SSTable{sst}, p.sstables...)
	for i, fr := range p.frozen {
		if fr == m {
			p.frozen = append(p.frozen[:i], p.frozen[i+1:]...)
			break
		}
	}
	m.Close()
	m.ReleaseExtents()

	if len(p.sstables) > 4 {
		if err := p.compactLocked(); err != nil {
			return err
		}
	}
	return nil
}

// compactLocked merges the oldest runs into one, deduplicating by encoded
// key and dropping tombstones — the garbage collection of stale versions
// this package's Non-goals explicitly assign to compaction, not to the
// memtable or its iterator.
func (p *Partition) compactLocked() error {
	if len(p.sstables) <= 4 {
		return nil
	}
	numToCompact := 4
	toCompact := make([]*SSTable, numToCompact)
	copy(toCompact, p.sstables[len(p.sstables)-numToCompact:])

	id := p.nextSSTableID
	p.nextSSTableID++

	merged, err := p.mergeSSTables(toCompact, id)
	if err != nil {
		return fmt.Errorf("failed to merge sstables: %w", err)
	}

	newList := make([]*SSTable, 0, len(p.sstables))
	for _, sst := range p.sstables {
		remove := false
		for _, c := range toCompact {
			if sst.path == c.path {
				remove = true
				break
			}
		}
		if !remove {
			newList = append(newList, sst)
		}
	}
	p.sstables = append(newList, merged)

	for _, sst := range toCompact {
		os.Remove(sst.path)
	}
	return nil
}

func (p *Partition) mergeSSTables(sstables []*SSTable, newID int) (*SSTable, error) {
	writer, err := NewSSTableWriter(p.dir, newID, p.indexInterval)
	if err != nil {
		return nil, err
	}

	type iterEntry struct {
		iter  *SSTableIterator
		entry *flushedRecord
		valid bool
	}

	iters := make([]*iterEntry, len(sstables))
	for i, sst := range sstables {
		iter, err := sst.Iterator()
		if err != nil {
			return nil, err
		}
		iters[i] = &iterEntry{iter: iter, valid: iter.Next()}
		if iters[i].valid {
			iters[i].entry = iter.Entry()
		}
	}

	var lastKey []byte
	for {
		minIdx := -1
		var minEntry *flushedRecord
		var minEncoded []byte

		for i, it := range iters {
			if !it.valid {
				continue
			}
			encoded := encodeUserKey(it.entry.Key)
			if minIdx == -1 || compareBytes(encoded, minEncoded) < 0 {
				minIdx = i
				minEntry = it.entry
				minEncoded = encoded
			}
		}
		if minIdx == -1 {
			break
		}

		if lastKey == nil || compareBytes(minEncoded, lastKey) != 0 {
			if !minEntry.Deleted {
				if err := writer.Write(recordFromFlushed(minEntry)); err != nil {
					return nil, err
				}
			}
			lastKey = minEncoded
		}

		iters[minIdx].valid = iters[minIdx].iter.Next()
		if iters[minIdx].valid {
			iters[minIdx].entry = iters[minIdx].iter.Entry()
		}
	}

	for _, it := range iters {
		it.iter.Close()
	}
	return writer.Finalize()
}

func compareBytes(a, b []byte) int {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
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

// WaitForFlush blocks until every frozen memtable has been flushed.
func (p *Partition) WaitForFlush() {
	for {
		p.mu.RLock()
		n := len(p.frozen)
		p.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the flush worker and flushes every outstanding memtable.
func (p *Partition) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	active := p.active
	frozen := make([]*Memtable, len(p.frozen))
	copy(frozen, p.frozen)
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	if active != nil && active.Used() > 0 {
		active.Freeze()
		p.mu.Lock()
		p.frozen = append(p.frozen, active)
		p.mu.Unlock()
		if err := p.flushMemtable(active); err != nil {
			return err
		}
	}
	for _, m := range frozen {
		if err := p.flushMemtable(m); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports partition-level statistics.
func (p *Partition) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	totalEntries := 0
	for _, sst := range p.sstables {
		totalEntries += sst.numEntries
	}

	return map[string]interface{}{
		"memtable_used":    p.active.Used(),
		"memtable_records": p.active.Count(),
		"num_frozen":       len(p.frozen),
		"num_sstables":     len(p.sstables),
		"total_entries":    totalEntries,
		"next_sstable_id":  p.nextSSTableID,
	}
}
