package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/s2"
)

// SSTable represents an immutable, sorted, block-compressed run on disk,
// the form a frozen Memtable is reduced to once an external flush
// scheduler decides to drain it (see §1 of the accompanying spec: this
// core treats that scheduler as an out-of-scope collaborator, but the
// on-disk shape it hands records to is still worth modeling end to end).
type SSTable struct {
	path        string
	index       *SSTableIndex
	bloomFilter *BloomFilter
	minKey      []byte
	maxKey      []byte
	numEntries  int
	dataEnd     int64
}

// SSTableIndex is a sparse index mapping an encoded user key to the file
// offset of the entry block at or after it.
type SSTableIndex struct {
	entries []IndexEntry
}

// IndexEntry is one sparse-index row.
type IndexEntry struct {
	Key    []byte
	Offset int64
}

// SSTableWriter writes a new SSTable from records delivered in ascending
// tree order (the order Partition.flushMemtable walks a frozen Memtable's
// tree in).
type SSTableWriter struct {
	file          *os.File
	path          string
	index         []IndexEntry
	bloomFilter   *BloomFilter
	minKey        []byte
	maxKey        []byte
	numEntries    int
	currentOffset int64
	indexInterval int
}

// NewSSTableWriter creates a new SSTable writer.
func NewSSTableWriter(dir string, id int, indexInterval int) (*SSTableWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("sstable_%d.sst", id))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable file: %w", err)
	}

	return &SSTableWriter{
		file:          file,
		path:          path,
		index:         make([]IndexEntry, 0),
		bloomFilter:   NewBloomFilter(10000, 3),
		numEntries:    0,
		currentOffset: 0,
		indexInterval: indexInterval,
	}, nil
}

// encodeUserKey renders a record's user-key tuple into a byte string
// suitable for on-disk storage and for the sparse index / bloom filter.
// Field order is preserved; it does not need to reproduce compareUserKeys'
// exact ordering semantics since in-memory ordering is already settled by
// the tree before a record ever reaches the writer — this encoding only
// has to round-trip.
func encodeUserKey(key []interface{}) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(len(key)))
	for _, f := range key {
		switch v := f.(type) {
		case string:
			buf.WriteByte('s')
			binary.Write(buf, binary.BigEndian, uint32(len(v)))
			buf.WriteString(v)
		case []byte:
			buf.WriteByte('b')
			binary.Write(buf, binary.BigEndian, uint32(len(v)))
			buf.Write(v)
		case int64:
			buf.WriteByte('i')
			binary.Write(buf, binary.BigEndian, v)
		case int:
			buf.WriteByte('i')
			binary.Write(buf, binary.BigEndian, int64(v))
		case float64:
			buf.WriteByte('f')
			binary.Write(buf, binary.BigEndian, v)
		case bool:
			buf.WriteByte('t')
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			buf.WriteByte('n')
		}
	}
	return buf.Bytes()
}

func decodeUserKey(b []byte) ([]interface{}, error) {
	r := bytes.NewReader(b)
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	key := make([]interface{}, 0, n)
	for i := byte(0); i < n; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 's':
			var l uint32
			if err := binary.Read(r, binary.BigEndian, &l); err != nil {
				return nil, err
			}
			s := make([]byte, l)
			if _, err := io.ReadFull(r, s); err != nil {
				return nil, err
			}
			key = append(key, string(s))
		case 'b':
			var l uint32
			if err := binary.Read(r, binary.BigEndian, &l); err != nil {
				return nil, err
			}
			bs := make([]byte, l)
			if _, err := io.ReadFull(r, bs); err != nil {
				return nil, err
			}
			key = append(key, bs)
		case 'i':
			var v int64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			key = append(key, v)
		case 'f':
			var v float64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, err
			}
			key = append(key, v)
		case 't':
			bv, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			key = append(key, bv == 1)
		default:
			key = append(key, nil)
		}
	}
	return key, nil
}

// Write appends one record to the SSTable. Records must arrive in the
// tree's ascending (user-key asc, version desc) order; the writer does not
// re-sort. Each entry's serialized form is s2-compressed independently so
// a reader can seek to a block without decompressing the whole file.
func (w *SSTableWriter) Write(rec *Record) error {
	encKey := encodeUserKey(rec.Key)
	if w.minKey == nil {
		w.minKey = encKey
	}
	w.maxKey = encKey
	w.bloomFilter.Add(encKey)

	raw := new(bytes.Buffer)
	keyBytes := encKey
	if err := binary.Write(raw, binary.LittleEndian, uint32(len(keyBytes))); err != nil {
		return err
	}
	raw.Write(keyBytes)
	if err := binary.Write(raw, binary.LittleEndian, rec.Version); err != nil {
		return err
	}
	payloadLen := uint32(len(rec.Payload))
	if err := binary.Write(raw, binary.LittleEndian, payloadLen); err != nil {
		return err
	}
	if payloadLen > 0 {
		raw.Write(rec.Payload)
	}
	deletedByte := byte(0)
	if rec.Deleted {
		deletedByte = 1
	}
	if err := raw.WriteByte(deletedByte); err != nil {
		return err
	}

	compressed := s2.Encode(nil, raw.Bytes())

	block := new(bytes.Buffer)
	if err := binary.Write(block, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if err := binary.Write(block, binary.LittleEndian, uint32(raw.Len())); err != nil {
		return err
	}
	block.Write(compressed)

	n, err := w.file.Write(block.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if w.numEntries%w.indexInterval == 0 {
		w.index = append(w.index, IndexEntry{
			Key:    append([]byte(nil), keyBytes...),
			Offset: w.currentOffset,
		})
	}

	w.currentOffset += int64(n)
	w.numEntries++
	return nil
}

// Finalize writes the footer (min/max key, sparse index, bloom filter) and
// closes the file.
func (w *SSTableWriter) Finalize() (*SSTable, error) {
	footer := new(bytes.Buffer)

	if err := binary.Write(footer, binary.LittleEndian, uint32(w.numEntries)); err != nil {
		return nil, err
	}
	if err := binary.Write(footer, binary.LittleEndian, uint32(len(w.minKey))); err != nil {
		return nil, err
	}
	footer.Write(w.minKey)
	if err := binary.Write(footer, binary.LittleEndian, uint32(len(w.maxKey))); err != nil {
		return nil, err
	}
	footer.Write(w.maxKey)

	if err := binary.Write(footer, binary.LittleEndian, uint32(len(w.index))); err != nil {
		return nil, err
	}
	for _, entry := range w.index {
		if err := binary.Write(footer, binary.LittleEndian, uint32(len(entry.Key))); err != nil {
			return nil, err
		}
		footer.Write(entry.Key)
		if err := binary.Write(footer, binary.LittleEndian, entry.Offset); err != nil {
			return nil, err
		}
	}

	bloomData := w.bloomFilter.Marshal()
	if err := binary.Write(footer, binary.LittleEndian, uint32(len(bloomData))); err != nil {
		return nil, err
	}
	footer.Write(bloomData)

	footerSize := uint32(footer.Len())
	if err := binary.Write(footer, binary.LittleEndian, footerSize); err != nil {
		return nil, err
	}

	if _, err := w.file.Write(footer.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write footer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	dataEnd := w.currentOffset
	return &SSTable{
		path:        w.path,
		index:       &SSTableIndex{entries: w.index},
		bloomFilter: w.bloomFilter,
		minKey:      w.minKey,
		maxKey:      w.maxKey,
		numEntries:  w.numEntries,
		dataEnd:     dataEnd,
	}, nil
}

// OpenSSTable opens an existing SSTable, reading only its footer.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	fileSize := stat.Size()

	if _, err := file.Seek(fileSize-4, io.SeekStart); err != nil {
		return nil, err
	}
	var footerSize uint32
	if err := binary.Read(file, binary.LittleEndian, &footerSize); err != nil {
		return nil, err
	}

	footerStart := fileSize - int64(footerSize) - 4
	if _, err := file.Seek(footerStart, io.SeekStart); err != nil {
		return nil, err
	}

	var numEntries uint32
	if err := binary.Read(file, binary.LittleEndian, &numEntries); err != nil {
		return nil, err
	}

	var minKeyLen uint32
	if err := binary.Read(file, binary.LittleEndian, &minKeyLen); err != nil {
		return nil, err
	}
	minKey := make([]byte, minKeyLen)
	if _, err := io.ReadFull(file, minKey); err != nil {
		return nil, err
	}

	var maxKeyLen uint32
	if err := binary.Read(file, binary.LittleEndian, &maxKeyLen); err != nil {
		return nil, err
	}
	maxKey := make([]byte, maxKeyLen)
	if _, err := io.ReadFull(file, maxKey); err != nil {
		return nil, err
	}

	var numIndexEntries uint32
	if err := binary.Read(file, binary.LittleEndian, &numIndexEntries); err != nil {
		return nil, err
	}
	indexEntries := make([]IndexEntry, numIndexEntries)
	for i := uint32(0); i < numIndexEntries; i++ {
		var keyLen uint32
		if err := binary.Read(file, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(file, key); err != nil {
			return nil, err
		}
		var offset int64
		if err := binary.Read(file, binary.LittleEndian, &offset); err != nil {
			return nil, err
		}
		indexEntries[i] = IndexEntry{Key: key, Offset: offset}
	}

	var bloomSize uint32
	if err := binary.Read(file, binary.LittleEndian, &bloomSize); err != nil {
		return nil, err
	}
	bloomData := make([]byte, bloomSize)
	if _, err := io.ReadFull(file, bloomData); err != nil {
		return nil, err
	}
	bloomFilter, err := UnmarshalBloomFilter(bloomData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal bloom filter: %w", err)
	}

	return &SSTable{
		path:        path,
		index:       &SSTableIndex{entries: indexEntries},
		bloomFilter: bloomFilter,
		minKey:      minKey,
		maxKey:      maxKey,
		numEntries:  int(numEntries),
		dataEnd:     footerStart,
	}, nil
}

// flushedRecord is a single decoded on-disk entry.
type flushedRecord struct {
	Key     []interface{}
	Version uint64
	Payload []byte
	Deleted bool
}

// Get retrieves a record by its encoded user key.
func (sst *SSTable) Get(encKey []byte) (*flushedRecord, bool, error) {
	if !sst.bloomFilter.Contains(encKey) {
		return nil, false, nil
	}
	if bytes.Compare(encKey, sst.minKey) < 0 || bytes.Compare(encKey, sst.maxKey) > 0 {
		return nil, false, nil
	}

	idx := sort.Search(len(sst.index.entries), func(i int) bool {
		return bytes.Compare(sst.index.entries[i].Key, encKey) > 0
	})
	if idx > 0 {
		idx--
	}

	file, err := os.Open(sst.path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open sstable: %w", err)
	}
	defer file.Close()

	offset := int64(0)
	if idx < len(sst.index.entries) {
		offset = sst.index.entries[idx].Offset
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, false, err
	}

	for {
		currentPos, err := file.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, false, err
		}
		if currentPos >= sst.dataEnd {
			return nil, false, nil
		}

		rec, rawKey, err := readBlock(file)
		if err != nil {
			if err == io.EOF {
				return nil, false, nil
			}
			return nil, false, err
		}

		cmp := bytes.Compare(rawKey, encKey)
		if cmp == 0 {
			return rec, true, nil
		}
		if cmp > 0 {
			return nil, false, nil
		}
	}
}

// readBlock reads and decompresses one entry block, returning the decoded
// record plus its raw encoded key (for comparisons during a scan).
func readBlock(r io.Reader) (*flushedRecord, []byte, error) {
	var compLen, rawLen uint32
	if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rawLen); err != nil {
		return nil, nil, err
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, nil, err
	}
	raw, err := s2.Decode(make([]byte, 0, rawLen), compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decompress entry: %w", err)
	}

	buf := bytes.NewReader(raw)
	var keyLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &keyLen); err != nil {
		return nil, nil, err
	}
	rawKey := make([]byte, keyLen)
	if _, err := io.ReadFull(buf, rawKey); err != nil {
		return nil, nil, err
	}
	key, err := decodeUserKey(rawKey)
	if err != nil {
		return nil, nil, err
	}

	var version uint64
	if err := binary.Read(buf, binary.LittleEndian, &version); err != nil {
		return nil, nil, err
	}
	var payloadLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &payloadLen); err != nil {
		return nil, nil, err
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(buf, payload); err != nil {
			return nil, nil, err
		}
	}
	deletedByte, err := buf.ReadByte()
	if err != nil {
		return nil, nil, err
	}

	return &flushedRecord{
		Key:     key,
		Version: version,
		Payload: payload,
		Deleted: deletedByte == 1,
	}, rawKey, nil
}

// Iterator returns a forward iterator over all entries in tree order.
func (sst *SSTable) Iterator() (*SSTableIterator, error) {
	file, err := os.Open(sst.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}
	return &SSTableIterator{file: file, dataEnd: sst.dataEnd}, nil
}

// SSTableIterator walks an SSTable's entries in storage order.
type SSTableIterator struct {
	file    *os.File
	current *flushedRecord
	dataEnd int64
}

// Next advances the iterator, returning false at end-of-file.
func (it *SSTableIterator) Next() bool {
	currentPos, err := it.file.Seek(0, io.SeekCurrent)
	if err != nil || currentPos >= it.dataEnd {
		it.current = nil
		return false
	}

	rec, _, err := readBlock(it.file)
	if err != nil {
		it.current = nil
		return false
	}
	it.current = rec
	return true
}

// Entry returns the current entry.
func (it *SSTableIterator) Entry() *flushedRecord {
	return it.current
}

// Close closes the underlying file.
func (it *SSTableIterator) Close() error {
	return it.file.Close()
}
