package lsm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter gives SSTable.Get a cheap way to skip a run that cannot
// possibly hold a given encoded user key, without seeking into the file.
// False positives are possible, false negatives are not.
type BloomFilter struct {
	bits      []byte
	size      int // bits
	numHashes int
}

// NewBloomFilter sizes a filter at 10 bits per expected item (m = 10*n,
// close to the ~9.6 bits per item a 1% false positive rate needs) with
// numHashes hash rounds.
func NewBloomFilter(expectedItems int, numHashes int) *BloomFilter {
	size := expectedItems * 10
	byteSize := (size + 7) / 8

	return &BloomFilter{
		bits:      make([]byte, byteSize),
		size:      size,
		numHashes: numHashes,
	}
}

// Add records an encoded user key in the filter.
func (bf *BloomFilter) Add(key []byte) {
	for i := 0; i < bf.numHashes; i++ {
		hash := bf.hash(key, i)
		bitIndex := hash % uint64(bf.size)
		byteIndex := bitIndex / 8
		bitOffset := bitIndex % 8
		bf.bits[byteIndex] |= (1 << bitOffset)
	}
}

// Contains reports whether key might have been added; a false answer is
// definitive, a true answer is not.
func (bf *BloomFilter) Contains(key []byte) bool {
	for i := 0; i < bf.numHashes; i++ {
		hash := bf.hash(key, i)
		bitIndex := hash % uint64(bf.size)
		byteIndex := bitIndex / 8
		bitOffset := bitIndex % 8
		if (bf.bits[byteIndex] & (1 << bitOffset)) == 0 {
			return false
		}
	}
	return true
}

// hash derives the i-th probe position from two xxhash64 digests (double
// hashing, Kirsch-Mitzenmacher), reusing the same hash family arena.go
// already pulls in for extent checksums instead of adding hash/fnv.
func (bf *BloomFilter) hash(key []byte, i int) uint64 {
	hash1 := xxhash.Sum64(key)
	hash2 := xxhash.Sum64(append(append([]byte(nil), key...), byte(i)))
	return hash1 + uint64(i)*hash2
}

// Marshal encodes the filter as size(4) | numHashes(4) | bits, the footer
// format SSTableWriter.Finalize appends after the sparse index.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bf.size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bf.numHashes))
	copy(buf[8:], bf.bits)
	return buf
}

// UnmarshalBloomFilter deserializes a bloom filter
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, ErrInvalidBloomFilter
	}

	size := int(binary.LittleEndian.Uint32(data[0:4]))
	numHashes := int(binary.LittleEndian.Uint32(data[4:8]))
	bits := make([]byte, len(data)-8)
	copy(bits, data[8:])

	return &BloomFilter{
		bits:      bits,
		size:      size,
		numHashes: numHashes,
	}, nil
}

// Stats returns bloom filter statistics
func (bf *BloomFilter) Stats() map[string]interface{} {
	// Count set bits
	setBits := 0
	for _, b := range bf.bits {
		for i := 0; i < 8; i++ {
			if (b & (1 << i)) != 0 {
				setBits++
			}
		}
	}

	fillRatio := float64(setBits) / float64(bf.size)

	// Estimate false positive rate: (1 - e^(-kn/m))^k
	// Simplified: fill_ratio^k
	fpr := 1.0
	for i := 0; i < bf.numHashes; i++ {
		fpr *= fillRatio
	}

	return map[string]interface{}{
		"size":          bf.size,
		"num_hashes":    bf.numHashes,
		"set_bits":      setBits,
		"fill_ratio":    fillRatio,
		"estimated_fpr": fpr,
		"bytes":         len(bf.bits),
	}
}
