package btree

import (
	"bytes"
	"context"
	"io"

	"github.com/leftmike/boxsql/storage"
)

// Cursor iterates over the keys in [low, high) in order. A nil low starts at the first key
// and a nil high ends after the last key. The cursor holds no latches or pins between calls
// to Next: it remembers only the last key returned, and each call descends from the root
// again, so it sees the changes made by other writers in the part of the range which it has
// not yet returned.
type Cursor struct {
	bt      *BTree
	low     []byte
	high    []byte
	last    []byte
	started bool
	done    bool
}

func (bt *BTree) RangeScan(low, high []byte) *Cursor {
	return &Cursor{
		bt:   bt,
		low:  copyBound(low),
		high: copyBound(high),
	}
}

// copyBound copies a bound of a range; an empty bound stays distinct from a missing one.
func copyBound(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Next returns the next key and value in the range, or io.EOF.
func (c *Cursor) Next(ctx context.Context) ([]byte, uint64, error) {
	if c.done {
		return nil, 0, io.EOF
	}

	start := c.low
	if c.started {
		start = c.last
	}
	h, n, err := c.bt.descendShared(ctx, start)
	if err != nil {
		return nil, 0, err
	}

	idx, ok := n.search(start)
	if ok && c.started {
		idx += 1
	}
	for idx == len(n.keys) {
		if n.right == storage.InvalidPageID {
			h.Release()
			c.done = true
			return nil, 0, io.EOF
		}

		rh, rn, err := c.bt.fetchNode(ctx, n.right, false)
		h.Release()
		if err != nil {
			return nil, 0, err
		}
		h, n = rh, rn
		idx, ok = n.search(start)
		if ok && c.started {
			idx += 1
		}
	}
	defer h.Release()

	key := n.keys[idx]
	if c.high != nil && bytes.Compare(key, c.high) >= 0 {
		c.done = true
		return nil, 0, io.EOF
	}
	c.last = key
	c.started = true
	return key, n.vals[idx], nil
}
