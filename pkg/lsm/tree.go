package lsm

import (
	"math/rand"
)

// This file implements the ordered container the memtable indexes records
// in. The upstream design treats this container as an out-of-scope,
// externally supplied B+-tree template (custom comparator, block allocator,
// bidirectional iterators — see §6 of the spec this package implements);
// all it actually requires of that template is lower_bound/upper_bound
// positioning and a bidirectional cursor (prev/next/is_invalid/get_elem/
// first/invalid). A skip list — already the structure pkg/lsm used for its
// MemTable before this package — satisfies that contract directly once
// given a level-0 backward link, so that is what recordTree adapts into,
// rather than introducing a second, unrelated tree shape.
//
// Node "extents" are still requested from the region arena exactly as the
// spec describes (fixed 16KiB slabs, tagged by version, released only in
// bulk): Go's garbage collector owns the actual node memory, so the arena's
// role here is the accounting and version-tagging half of the contract —
// the part that determines when it is safe to bulk-release — rather than
// literal sub-allocation of Go pointers out of a byte slice, which would
// require unsafe code with no real benefit in a garbage-collected runtime.

const (
	treeMaxLevel    = 16
	treeProbability = 0.25
)

type treeNode struct {
	record  *Record
	forward []*treeNode
	back    *treeNode // level-0 backward link; nil at the head of the tree
}

// treeCursor is a bidirectional position in a recordTree. The zero value is
// the invalid cursor (bps_tree's "invalid iterator").
type treeCursor struct {
	node *treeNode
}

func (c treeCursor) IsInvalid() bool { return c.node == nil }

// recordTree is the memtable's ordered container: records sorted by user
// key ascending, then version descending, per compareRecords.
type recordTree struct {
	head     *treeNode
	tail     *treeNode
	level    int
	size     int
	rnd      *rand.Rand
	keyDef   *KeyDef
	format   *Format
	allocFn  func() (*Extent, error)
	curExt   *Extent
	extUsed  int
	nodeCost int // approximate bytes a single node "costs" against an extent
}

func newRecordTree(keyDef *KeyDef, format *Format, alloc *extentAllocator, seed int64) *recordTree {
	return &recordTree{
		head:     &treeNode{forward: make([]*treeNode, treeMaxLevel)},
		level:    1,
		rnd:      rand.New(rand.NewSource(seed)),
		keyDef:   keyDef,
		format:   format,
		allocFn:  alloc.allocExtent,
		nodeCost: 64,
	}
}

func (t *recordTree) randomLevel() int {
	lvl := 1
	for lvl < treeMaxLevel && t.rnd.Float32() < treeProbability {
		lvl++
	}
	return lvl
}

// reserveExtent accounts nodeCost bytes against the current extent,
// requesting a fresh one from the allocator when the current one (or the
// very first one) can't cover it. This is called once per Insert, before
// any tree pointers are touched, so that an allocation failure leaves the
// tree byte-for-byte as it was.
func (t *recordTree) reserveExtent() error {
	if t.curExt == nil || t.extUsed+t.nodeCost > len(t.curExt.data) {
		ext, err := t.allocFn()
		if err != nil {
			return err
		}
		t.curExt = ext
		t.extUsed = 0
	}
	t.extUsed += t.nodeCost
	t.curExt.used = t.extUsed
	t.curExt.Touch()
	return nil
}

// Insert places rec into the tree. Ties are impossible by construction
// (see compareRecords): a single writer assigns strictly increasing
// versions, so no update-in-place branch is needed, unlike a plain
// single-version skip list.
func (t *recordTree) Insert(rec *Record) error {
	update := make([]*treeNode, treeMaxLevel)
	cur := t.head
	for i := t.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && compareRecords(cur.forward[i].record, rec, t.keyDef, t.format) < 0 {
			cur = cur.forward[i]
		}
		update[i] = cur
	}

	if err := t.reserveExtent(); err != nil {
		return err
	}

	newLevel := t.randomLevel()
	if newLevel > t.level {
		for i := t.level; i < newLevel; i++ {
			update[i] = t.head
		}
		t.level = newLevel
	}

	node := &treeNode{record: rec, forward: make([]*treeNode, newLevel)}
	for i := 0; i < newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	if update[0] != t.head {
		node.back = update[0]
	}
	if node.forward[0] != nil {
		node.forward[0].back = node
	} else {
		t.tail = node
	}
	t.size++
	return nil
}

// LowerBound returns the first element >= key (under the lookup-key
// comparator), and whether that element compares exactly equal to key.
func (t *recordTree) LowerBound(key *LookupKey) (treeCursor, bool) {
	cur := t.head
	for i := t.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && compareRecordToLookupKey(cur.forward[i].record, key, t.keyDef, t.format) < 0 {
			cur = cur.forward[i]
		}
	}
	next := cur.forward[0]
	if next == nil {
		return treeCursor{}, false
	}
	exact := compareRecordToLookupKey(next.record, key, t.keyDef, t.format) == 0
	return treeCursor{node: next}, exact
}

// UpperBound returns the first element > key (under the lookup-key
// comparator).
func (t *recordTree) UpperBound(key *LookupKey) treeCursor {
	cur := t.head
	for i := t.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && compareRecordToLookupKey(cur.forward[i].record, key, t.keyDef, t.format) <= 0 {
			cur = cur.forward[i]
		}
	}
	return treeCursor{node: cur.forward[0]}
}

// First returns a cursor to the smallest element, or the invalid cursor if
// the tree is empty.
func (t *recordTree) First() treeCursor { return treeCursor{node: t.head.forward[0]} }

// Count reports how many records are currently indexed.
func (t *recordTree) Count() int { return t.size }

// Invalid returns the invalid cursor, used as an explicit "one past the
// tail" marker so that Prev from it steps onto the last element.
func (t *recordTree) Invalid() treeCursor { return treeCursor{} }

// GetElem dereferences a cursor. Calling it on an invalid cursor returns nil.
func (t *recordTree) GetElem(c treeCursor) *Record {
	if c.node == nil {
		return nil
	}
	return c.node.record
}

// Next advances c to the following element in ascending order. Next on the
// invalid cursor stays invalid.
func (t *recordTree) Next(c *treeCursor) {
	if c.node == nil {
		return
	}
	c.node = c.node.forward[0]
}

// Prev moves c to the preceding element in ascending order. Prev on the
// invalid cursor lands on the tail element (mirroring the "end() - -"
// behavior needed right after UpperBound positions past the last match),
// and stays invalid if the tree is empty.
func (t *recordTree) Prev(c *treeCursor) {
	if c.node == nil {
		c.node = t.tail
		return
	}
	c.node = c.node.back
}
