package lsm

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ExtentSize is the fixed size of a single region-arena extent backing one
// slab of tree nodes, matching VY_MEM_TREE_EXTENT_SIZE in the engine this
// package's ordering/iterator contract is modeled on.
const ExtentSize = 16 * 1024

// Extent is one fixed-size slab handed out by Arena.Alloc. Extents are never
// freed individually: Arena reclaims them in bulk, by version tag, once the
// caller (the flush/compaction path) knows every reader below that tag has
// gone away.
type Extent struct {
	tag      uint64
	data     []byte
	checksum uint64
	used     int
}

// Checksum returns the xxhash64 digest of the extent's bytes as of the last
// Touch call. It is a debugging aid only — never part of the on-disk or
// wire contract, since this layer has neither.
func (e *Extent) Checksum() uint64 { return e.checksum }

// Touch recomputes the extent's checksum after node data has been written
// into it. Call sites are expected to do this once per extent per mutation
// burst, not per field write; it exists purely as a corruption trip-wire
// for debug builds and tests, not for correctness.
func (e *Extent) Touch() { e.checksum = xxhash.Sum64(e.data[:e.used]) }

// Arena is a monotonic, append-only region allocator: extents are carved off
// increasing offsets and released in bulk once their version tag is no
// longer needed by any reader. It plays the role of Tarantool's lsregion for
// this package's B+-tree-shaped ordered container.
type Arena struct {
	mu      sync.Mutex
	extents []*Extent
	diag    Diagnostics
}

// NewArena creates an empty region arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc serves a fixed-size extent tagged with the given version. The free
// side of this contract is a deliberate no-op (see ReleaseBefore): the arena
// never reclaims a single extent, only a whole bulk by tag.
func (a *Arena) Alloc(size int, tag uint64) (*Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= 0 {
		size = ExtentSize
	}
	// Out-of-memory is not simulated under normal allocation; a configured
	// ceiling (see LimitedArena) is what exercises the failure path in
	// tests without needing an actual OS-level OOM.
	ext := &Extent{tag: tag, data: make([]byte, size)}
	a.extents = append(a.extents, ext)
	return ext, nil
}

// ReleaseBefore bulk-releases every extent whose tag is <= upto, poisoning
// their backing bytes first (a pure debugging aid, see Design Notes) and
// returns how many extents were reclaimed. It is the external flush
// scheduler's job to call this once it knows no iterator can still observe
// the corresponding versions.
func (a *Arena) ReleaseBefore(upto uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.extents[:0]
	released := 0
	for _, ext := range a.extents {
		if ext.tag <= upto {
			poison(ext.data)
			released++
			continue
		}
		kept = append(kept, ext)
	}
	a.extents = kept
	return released
}

// Len reports the number of live (unreleased) extents, mostly useful from
// tests asserting bulk release behaves as advertised.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.extents)
}

// poison fills released memory with a recognizable non-zero pattern so that
// a use-after-release bug shows up as garbage instead of quietly reading
// zeroes. Not part of the contract — purely a debugging aid.
func poison(b []byte) {
	for i := range b {
		b[i] = 0xFE
	}
}

// LimitedArena wraps an Arena with a hard ceiling on live bytes, so that
// insert-time allocation failure (and the "tree must be unchanged on
// failure" invariant) can actually be exercised by tests instead of only
// asserted in prose.
type LimitedArena struct {
	*Arena
	maxBytes int64
	used     int64
}

// NewLimitedArena creates an arena that fails Alloc once maxBytes of live
// extents have been handed out.
func NewLimitedArena(maxBytes int64) *LimitedArena {
	return &LimitedArena{Arena: NewArena(), maxBytes: maxBytes}
}

func (a *LimitedArena) Alloc(size int, tag uint64) (*Extent, error) {
	if size <= 0 {
		size = ExtentSize
	}
	if a.used+int64(size) > a.maxBytes {
		a.Arena.diag.record("Arena.Alloc", "extent allocation exceeds configured ceiling")
		return nil, ErrOutOfMemory
	}
	ext, err := a.Arena.Alloc(size, tag)
	if err != nil {
		return nil, err
	}
	a.used += int64(size)
	return ext, nil
}

func (a *LimitedArena) ReleaseBefore(upto uint64) int {
	n := a.Arena.ReleaseBefore(upto)
	// Releasing extents frees their accounted budget even though the Go
	// runtime will reclaim the backing array on its own schedule.
	a.used -= int64(n) * ExtentSize
	if a.used < 0 {
		a.used = 0
	}
	return n
}

// extentAllocator adapts an arena into the allocator capability the ordered
// tree asks for on every rebalancing extent request. free is intentionally
// absent: individual extents are never reclaimed, only released in bulk by
// the arena itself.
type extentAllocator struct {
	allocFn func(size int, tag uint64) (*Extent, error)
	tag     func() uint64 // capability returning the current allocator-version tag
	diag    *Diagnostics
}

func newExtentAllocator(arena interface {
	Alloc(size int, tag uint64) (*Extent, error)
}, tag func() uint64, diag *Diagnostics) *extentAllocator {
	return &extentAllocator{allocFn: arena.Alloc, tag: tag, diag: diag}
}

func (e *extentAllocator) allocExtent() (*Extent, error) {
	ext, err := e.allocFn(ExtentSize, e.tag())
	if err != nil {
		if e.diag != nil {
			e.diag.record("extentAllocator.allocExtent", "lsregion_alloc: out of memory")
		}
		return nil, ErrOutOfMemory
	}
	return ext, nil
}
