package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
)

/*
type nodePage struct {
	header                  // 0
	level    uint16         // 32: 0 is a leaf
	count    uint16         // 34
	_        uint32         // 36
	right    PageID         // 40: right sibling at the same level
	leftmost PageID         // 48: internal nodes: child for keys less than the first key
	entries  []entry        // 56
}

type entry struct {
	keyLen uint16
	key    []byte
	value  uint64            // leaf: value; internal: child page
}

The values of a leaf are opaque to the tree. In an internal node, the child at entry i holds
keys greater than or equal to key i and less than key i+1.

type metaPage struct {
	header         // 0
	root   PageID  // 32
	height uint64  // 40
} // 48
*/

const (
	MaxKeySize = 512

	nodeHeaderSize = 56
	entryOverhead  = 2 + 8
	maxEntrySize   = entryOverhead + MaxKeySize
)

type node struct {
	pid      storage.PageID
	level    int
	right    storage.PageID
	leftmost storage.PageID
	keys     [][]byte
	vals     []uint64
}

func (n *node) String() string {
	return fmt.Sprintf("node %d: level %d, %d keys", n.pid, n.level, len(n.keys))
}

func decodeNode(pid storage.PageID, pg page.Page) (*node, error) {
	if pg.Type() != page.BTreeNodeType {
		return nil, &storage.PageError{
			Op:   "btree: decode node",
			Page: pid,
			Err:  fmt.Errorf("%w: page has type %s", storage.ErrPageCorruption, pg.Type()),
		}
	}

	cnt := int(binary.LittleEndian.Uint16(pg[34:]))
	n := &node{
		pid:      pid,
		level:    int(binary.LittleEndian.Uint16(pg[32:])),
		right:    storage.PageID(binary.LittleEndian.Uint64(pg[40:])),
		leftmost: storage.PageID(binary.LittleEndian.Uint64(pg[48:])),
		keys:     make([][]byte, 0, cnt),
		vals:     make([]uint64, 0, cnt),
	}

	off := nodeHeaderSize
	for i := 0; i < cnt; i++ {
		if off+entryOverhead > page.Size {
			return nil, n.corrupt(i)
		}
		kl := int(binary.LittleEndian.Uint16(pg[off:]))
		off += 2
		if kl > MaxKeySize || off+kl+8 > page.Size {
			return nil, n.corrupt(i)
		}
		n.keys = append(n.keys, append([]byte(nil), pg[off:off+kl]...))
		off += kl
		n.vals = append(n.vals, binary.LittleEndian.Uint64(pg[off:]))
		off += 8
	}
	return n, nil
}

func (n *node) corrupt(i int) error {
	return &storage.PageError{
		Op:   "btree: decode node",
		Page: n.pid,
		Err:  fmt.Errorf("%w: entry %d overflows page", storage.ErrPageCorruption, i),
	}
}

// encode writes the node into pg, which must be at least as large as n.size().
func (n *node) encode(pg page.Page) {
	pg.SetType(page.BTreeNodeType)
	binary.LittleEndian.PutUint16(pg[32:], uint16(n.level))
	binary.LittleEndian.PutUint16(pg[34:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint64(pg[40:], uint64(n.right))
	binary.LittleEndian.PutUint64(pg[48:], uint64(n.leftmost))

	off := nodeHeaderSize
	for i, key := range n.keys {
		binary.LittleEndian.PutUint16(pg[off:], uint16(len(key)))
		off += 2
		off += copy(pg[off:], key)
		binary.LittleEndian.PutUint64(pg[off:], n.vals[i])
		off += 8
	}
	pg.SetLower(uint16(off))
}

func (n *node) size() int {
	sz := nodeHeaderSize
	for _, key := range n.keys {
		sz += entryOverhead + len(key)
	}
	return sz
}

func (n *node) overflow() bool {
	return n.size() > page.Size
}

// safe reports whether any one entry can be added to the node without splitting it.
func (n *node) safe() bool {
	return n.size()+maxEntrySize <= page.Size
}

func (n *node) isLeaf() bool {
	return n.level == 0
}

// search returns the index of the first key greater than or equal to key, and whether it
// is equal.
func (n *node) search(key []byte) (int, bool) {
	idx := sort.Search(len(n.keys),
		func(i int) bool {
			return bytes.Compare(n.keys[i], key) >= 0
		})
	return idx, idx < len(n.keys) && bytes.Equal(n.keys[idx], key)
}

// child returns the child of an internal node which covers key, and its position: -1 for
// the leftmost child.
func (n *node) child(key []byte) (storage.PageID, int) {
	idx := sort.Search(len(n.keys),
		func(i int) bool {
			return bytes.Compare(n.keys[i], key) > 0
		})
	if idx == 0 {
		return n.leftmost, -1
	}
	return storage.PageID(n.vals[idx-1]), idx - 1
}

func (n *node) insertAt(idx int, key []byte, val uint64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.vals = append(n.vals, 0)
	copy(n.vals[idx+1:], n.vals[idx:])
	n.vals[idx] = val
}

func (n *node) removeAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.vals = append(n.vals[:idx], n.vals[idx+1:]...)
}

// median returns the index of the entry at which the encoded entries are split in half by
// size; both halves are left with at least one entry.
func (n *node) median() int {
	total := n.size() - nodeHeaderSize
	var sz int
	for idx, key := range n.keys {
		sz += entryOverhead + len(key)
		if sz*2 >= total {
			if idx == 0 {
				return 1
			}
			return idx
		}
	}
	return len(n.keys) - 1
}

// split moves the upper half of the entries of n into a new node and returns it along with
// the separator to insert into the parent. A leaf keeps a copy of the separator as the first
// key of the new node; an internal node moves the separator up, and its child becomes the
// leftmost child of the new node.
func (n *node) split(pid storage.PageID) (*node, []byte) {
	mid := n.median()
	rn := &node{
		pid:   pid,
		level: n.level,
		right: n.right,
	}

	var sep []byte
	if n.isLeaf() {
		sep = n.keys[mid]
		rn.keys = append(rn.keys, n.keys[mid:]...)
		rn.vals = append(rn.vals, n.vals[mid:]...)
	} else {
		sep = n.keys[mid]
		rn.leftmost = storage.PageID(n.vals[mid])
		rn.keys = append(rn.keys, n.keys[mid+1:]...)
		rn.vals = append(rn.vals, n.vals[mid+1:]...)
	}
	n.keys = n.keys[:mid:mid]
	n.vals = n.vals[:mid:mid]
	n.right = pid
	return rn, sep
}

type metaPage page.Page

func (mp metaPage) root() storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(mp[32:]))
}

func (mp metaPage) setRoot(pid storage.PageID) {
	binary.LittleEndian.PutUint64(mp[32:], uint64(pid))
}

func (mp metaPage) height() int {
	return int(binary.LittleEndian.Uint64(mp[40:]))
}

func (mp metaPage) setHeight(h int) {
	binary.LittleEndian.PutUint64(mp[40:], uint64(h))
}
