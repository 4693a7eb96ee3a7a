package btree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/leftmike/boxsql/storage"
)

// Check verifies the structure of the tree: keys are strictly ordered within each node and
// bounded by the separators of its ancestors, the levels decrease by one on each step down,
// every leaf is at the same depth, and the right siblings link the leaves in key order. The
// tree must not be changed while it is being checked.
func (bt *BTree) Check(ctx context.Context) error {
	mh, root, height, err := bt.fetchMeta(ctx, false)
	if err != nil {
		return err
	}
	mh.Release()

	var leaves []storage.PageID
	err = bt.checkNode(ctx, root, height-1, nil, nil, &leaves)
	if err != nil {
		return err
	}

	pid := leaves[0]
	for idx := 0; pid != storage.InvalidPageID; idx++ {
		if idx >= len(leaves) || leaves[idx] != pid {
			return fmt.Errorf("btree: leaf %d out of order in sibling chain", pid)
		}
		h, n, err := bt.fetchNode(ctx, pid, false)
		if err != nil {
			return err
		}
		h.Release()
		pid = n.right
		if pid == storage.InvalidPageID && idx != len(leaves)-1 {
			return fmt.Errorf("btree: sibling chain ends at leaf %d of %d", idx+1,
				len(leaves))
		}
	}
	return nil
}

// checkNode checks the subtree at pid: every key must be in [low, high), with nil being
// unbounded.
func (bt *BTree) checkNode(ctx context.Context, pid storage.PageID, level int,
	low, high []byte, leaves *[]storage.PageID) error {

	h, n, err := bt.fetchNode(ctx, pid, false)
	if err != nil {
		return err
	}
	h.Release()

	if n.level != level {
		return fmt.Errorf("btree: %s: want level %d", n, level)
	}
	for idx, key := range n.keys {
		if idx > 0 && bytes.Compare(n.keys[idx-1], key) >= 0 {
			return fmt.Errorf("btree: %s: key %d %q not greater than %q", n, idx, key,
				n.keys[idx-1])
		}
		if low != nil && bytes.Compare(key, low) < 0 {
			return fmt.Errorf("btree: %s: key %q less than separator %q", n, key, low)
		}
		if high != nil && bytes.Compare(key, high) >= 0 {
			return fmt.Errorf("btree: %s: key %q not less than separator %q", n, key, high)
		}
	}

	if n.isLeaf() {
		*leaves = append(*leaves, pid)
		return nil
	}

	next := high
	if len(n.keys) > 0 {
		next = n.keys[0]
	}
	err = bt.checkNode(ctx, n.leftmost, level-1, low, next, leaves)
	if err != nil {
		return err
	}
	for idx, key := range n.keys {
		next = high
		if idx+1 < len(n.keys) {
			next = n.keys[idx+1]
		}
		err = bt.checkNode(ctx, storage.PageID(n.vals[idx]), level-1, key, next, leaves)
		if err != nil {
			return err
		}
	}
	return nil
}

// Dump writes the nodes of the tree to w, one per line, indented by depth. The tree must
// not be changed while it is being dumped.
func (bt *BTree) Dump(ctx context.Context, w io.Writer) error {
	mh, root, height, err := bt.fetchMeta(ctx, false)
	if err != nil {
		return err
	}
	mh.Release()

	fmt.Fprintf(w, "meta %d: root %d height %d\n", bt.metaID, root, height)
	return bt.dumpNode(ctx, w, root, 1)
}

func (bt *BTree) dumpNode(ctx context.Context, w io.Writer, pid storage.PageID,
	depth int) error {

	h, n, err := bt.fetchNode(ctx, pid, false)
	if err != nil {
		return err
	}
	h.Release()

	var sb strings.Builder
	sb.WriteString(strings.Repeat("  ", depth))
	if n.isLeaf() {
		fmt.Fprintf(&sb, "leaf %d:", pid)
		for idx, key := range n.keys {
			fmt.Fprintf(&sb, " %q=%d", key, n.vals[idx])
		}
	} else {
		fmt.Fprintf(&sb, "node %d: level %d <%d>", pid, n.level, n.leftmost)
		for idx, key := range n.keys {
			fmt.Fprintf(&sb, " %q <%d>", key, n.vals[idx])
		}
	}
	if n.right != storage.InvalidPageID {
		fmt.Fprintf(&sb, " -> %d", n.right)
	}
	fmt.Fprintln(w, sb.String())

	if n.isLeaf() {
		return nil
	}
	err = bt.dumpNode(ctx, w, n.leftmost, depth+1)
	if err != nil {
		return err
	}
	for _, val := range n.vals {
		err = bt.dumpNode(ctx, w, storage.PageID(val), depth+1)
		if err != nil {
			return err
		}
	}
	return nil
}
