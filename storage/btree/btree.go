package btree

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

type Options struct {
	Pool *buffer.Pool
	Log  *wal.Log
	// TxIDs provides the transaction IDs used by splits.
	TxIDs  *storage.Counter
	Logger *log.Logger
}

// BTree maps byte string keys to uint64 values. Readers descend with shared latches and
// writers with exclusive latches, coupling each child latch before releasing its parent.
// Nodes are never merged: a leaf may become empty.
type BTree struct {
	pool   *buffer.Pool
	wal    *wal.Log
	txids  *storage.Counter
	logger *log.Logger
	metaID storage.PageID
}

func newBTree(opts Options, metaID storage.PageID) *BTree {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &BTree{
		pool:   opts.Pool,
		wal:    opts.Log,
		txids:  opts.TxIDs,
		logger: opts.Logger,
		metaID: metaID,
	}
}

// Create allocates the meta page and an empty root leaf of a new tree. The changes are
// logged as part of txid.
func Create(ctx context.Context, opts Options, txid storage.TxID) (*BTree, error) {
	mh, err := opts.Pool.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer mh.Release()

	rh, err := opts.Pool.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer rh.Release()

	_, err = rh.Apply(opts.Log, txid, wal.PageRecord,
		func(pg page.Page) error {
			pg.Init(rh.PageID(), page.BTreeNodeType)
			(&node{pid: rh.PageID()}).encode(pg)
			return nil
		})
	if err != nil {
		return nil, err
	}

	_, err = mh.Apply(opts.Log, txid, wal.PageRecord,
		func(pg page.Page) error {
			pg.Init(mh.PageID(), page.BTreeMetaType)
			metaPage(pg).setRoot(rh.PageID())
			metaPage(pg).setHeight(1)
			return nil
		})
	if err != nil {
		return nil, err
	}

	bt := newBTree(opts, mh.PageID())
	bt.logger.WithFields(log.Fields{
		"meta": mh.PageID(),
		"root": rh.PageID(),
	}).Debug("btree: created")
	return bt, nil
}

// Open opens an existing tree given its meta page.
func Open(ctx context.Context, opts Options, metaID storage.PageID) (*BTree, error) {
	mh, err := opts.Pool.Fetch(ctx, metaID)
	if err != nil {
		return nil, err
	}
	defer mh.Release()

	mh.RLock()
	if typ := mh.Page().Type(); typ != page.BTreeMetaType {
		return nil, &storage.PageError{
			Op:   "btree: open",
			Page: metaID,
			Err:  fmt.Errorf("%w: page has type %s", storage.ErrPageCorruption, typ),
		}
	}
	return newBTree(opts, metaID), nil
}

func (bt *BTree) MetaID() storage.PageID {
	return bt.metaID
}

// Height returns the number of levels in the tree; a tree with only a root leaf has a
// height of one.
func (bt *BTree) Height(ctx context.Context) (int, error) {
	mh, err := bt.pool.Fetch(ctx, bt.metaID)
	if err != nil {
		return 0, err
	}
	defer mh.Release()

	mh.RLock()
	return metaPage(mh.Page()).height(), nil
}

type latchedNode struct {
	h *buffer.Handle
	n *node // nil for the meta page
}

// latchStack holds the latched path from the highest page which may still change down to
// the current node.
type latchStack []latchedNode

func (ls *latchStack) push(h *buffer.Handle, n *node) {
	*ls = append(*ls, latchedNode{h: h, n: n})
}

// releaseAbove releases every page above the top of the stack.
func (ls *latchStack) releaseAbove() {
	top := len(*ls) - 1
	for _, ln := range (*ls)[:top] {
		ln.h.Release()
	}
	*ls = append((*ls)[:0], (*ls)[top])
}

func (ls *latchStack) release() {
	for _, ln := range *ls {
		ln.h.Release()
	}
	*ls = (*ls)[:0]
}

func (ls latchStack) top() latchedNode {
	return ls[len(ls)-1]
}

func (bt *BTree) fetchNode(ctx context.Context, pid storage.PageID, exclusive bool) (
	*buffer.Handle, *node, error) {

	h, err := bt.pool.Fetch(ctx, pid)
	if err != nil {
		return nil, nil, err
	}
	if exclusive {
		h.Lock()
	} else {
		h.RLock()
	}
	n, err := decodeNode(pid, h.Page())
	if err != nil {
		h.Release()
		return nil, nil, err
	}
	return h, n, nil
}

// fetchMeta pins and latches the meta page and returns the root and height.
func (bt *BTree) fetchMeta(ctx context.Context, exclusive bool) (*buffer.Handle,
	storage.PageID, int, error) {

	mh, err := bt.pool.Fetch(ctx, bt.metaID)
	if err != nil {
		return nil, 0, 0, err
	}
	if exclusive {
		mh.Lock()
	} else {
		mh.RLock()
	}
	mp := metaPage(mh.Page())
	return mh, mp.root(), mp.height(), nil
}

// descendShared returns the leaf which covers key, latched shared.
func (bt *BTree) descendShared(ctx context.Context, key []byte) (*buffer.Handle, *node,
	error) {

	mh, pid, _, err := bt.fetchMeta(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	parent := mh
	for {
		h, n, err := bt.fetchNode(ctx, pid, false)
		parent.Release()
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf() {
			return h, n, nil
		}
		pid, _ = n.child(key)
		parent = h
	}
}

// descendLeaf returns the leaf which covers key, latched exclusive; the internal nodes are
// latched shared on the way down. The leaf is known before it is latched: the level of a
// node's children is one less than its own, and the height of the tree is read from the
// meta page while it is latched.
func (bt *BTree) descendLeaf(ctx context.Context, key []byte) (*buffer.Handle, *node,
	error) {

	mh, pid, height, err := bt.fetchMeta(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	parent := mh
	exclusive := height == 1
	for {
		h, n, err := bt.fetchNode(ctx, pid, exclusive)
		parent.Release()
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf() {
			if !exclusive {
				h.Release()
				return nil, nil, &storage.PageError{
					Op:   "btree: descend",
					Page: pid,
					Err:  fmt.Errorf("%w: leaf above level 0", storage.ErrPageCorruption),
				}
			}
			return h, n, nil
		}
		pid, _ = n.child(key)
		exclusive = n.level == 1
		parent = h
	}
}

// descendExclusive latches the path to the leaf which covers key exclusive. Ancestors are
// released as soon as a child is safe: it can take another entry without splitting, so
// nothing above it can change.
func (bt *BTree) descendExclusive(ctx context.Context, key []byte) (latchStack, error) {
	mh, pid, _, err := bt.fetchMeta(ctx, true)
	if err != nil {
		return nil, err
	}

	var ls latchStack
	ls.push(mh, nil)
	for {
		h, n, err := bt.fetchNode(ctx, pid, true)
		if err != nil {
			ls.release()
			return nil, err
		}
		ls.push(h, n)
		if n.safe() {
			ls.releaseAbove()
		}
		if n.isLeaf() {
			return ls, nil
		}
		pid, _ = n.child(key)
	}
}

func checkKey(key []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("btree: key of %d bytes larger than %d bytes", len(key), MaxKeySize)
	}
	return nil
}

// Lookup returns the value of key, or storage.ErrKeyNotFound.
func (bt *BTree) Lookup(ctx context.Context, key []byte) (uint64, error) {
	h, n, err := bt.descendShared(ctx, key)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	idx, ok := n.search(key)
	if !ok {
		return 0, storage.ErrKeyNotFound
	}
	return n.vals[idx], nil
}

// Insert adds key with val; it fails with storage.ErrDuplicateKey if key is already in the
// tree.
func (bt *BTree) Insert(ctx context.Context, txid storage.TxID, key []byte, val uint64) error {
	return bt.insert(ctx, txid, key, val, false)
}

// Put adds key with val, or replaces the value of key if it is already in the tree.
func (bt *BTree) Put(ctx context.Context, txid storage.TxID, key []byte, val uint64) error {
	return bt.insert(ctx, txid, key, val, true)
}

func (bt *BTree) insert(ctx context.Context, txid storage.TxID, key []byte, val uint64,
	replace bool) error {

	err := checkKey(key)
	if err != nil {
		return err
	}

	ls, err := bt.descendExclusive(ctx, key)
	if err != nil {
		return err
	}
	defer ls.release()

	leaf := ls.top()
	idx, ok := leaf.n.search(key)
	if ok {
		if !replace {
			return storage.ErrDuplicateKey
		}
		leaf.n.vals[idx] = val
		return bt.apply(leaf, txid, wal.PageRecord)
	}

	leaf.n.insertAt(idx, append([]byte(nil), key...), val)
	if !leaf.n.overflow() {
		return bt.apply(leaf, txid, wal.PageRecord)
	}
	return bt.split(ctx, ls)
}

// apply writes the node back to its page as a logged change.
func (bt *BTree) apply(ln latchedNode, txid storage.TxID, typ wal.RecordType) error {
	_, err := ln.h.Apply(bt.wal, txid, typ,
		func(pg page.Page) error {
			ln.n.encode(pg)
			return nil
		})
	return err
}

// split splits the overflowing leaf at the top of the stack, and as many of its ancestors
// as overflow in turn. Every page the split needs is allocated, and the new nodes computed,
// before any page is changed. The changes are logged as a separate transaction which
// commits before the latches are released: recovery rolls back a split which did not
// commit, and no other change to the pages can precede the commit in the log.
func (bt *BTree) split(ctx context.Context, ls latchStack) error {
	var added []latchedNode
	release := func() {
		for _, ln := range added {
			ln.h.Release()
		}
	}
	defer release()

	var root *latchedNode
	top := len(ls) - 1
	cur := top
	for ls[cur].n.overflow() {
		h, err := bt.pool.NewPage(ctx)
		if err != nil {
			// The allocated pages are all zero and unreachable.
			return err
		}
		n := ls[cur].n
		rn, sep := n.split(h.PageID())
		added = append(added, latchedNode{h: h, n: rn})

		if cur == 0 || ls[cur-1].n == nil {
			if cur == 0 {
				panic(fmt.Sprintf("btree: split of %s without its parent", n))
			}

			h, err := bt.pool.NewPage(ctx)
			if err != nil {
				return err
			}
			root = &latchedNode{
				h: h,
				n: &node{
					pid:      h.PageID(),
					level:    n.level + 1,
					leftmost: n.pid,
					keys:     [][]byte{sep},
					vals:     []uint64{uint64(rn.pid)},
				},
			}
			added = append(added, *root)
			break
		}

		parent := ls[cur-1].n
		idx, _ := parent.search(sep)
		parent.insertAt(idx, sep, uint64(rn.pid))
		cur -= 1
	}

	txid := storage.TxID(bt.txids.Next())
	for _, ln := range added {
		_, err := ln.h.Apply(bt.wal, txid, wal.SplitRecord,
			func(pg page.Page) error {
				pg.Init(ln.h.PageID(), page.BTreeNodeType)
				ln.n.encode(pg)
				return nil
			})
		if err != nil {
			return err
		}
	}
	for idx := top; idx >= cur; idx-- {
		err := bt.apply(ls[idx], txid, wal.SplitRecord)
		if err != nil {
			return err
		}
	}

	if root != nil {
		mh := ls[cur-1].h
		var height int
		_, err := mh.Apply(bt.wal, txid, wal.SplitRecord,
			func(pg page.Page) error {
				mp := metaPage(pg)
				height = mp.height() + 1
				mp.setRoot(root.n.pid)
				mp.setHeight(height)
				return nil
			})
		if err != nil {
			return err
		}
		bt.logger.WithFields(log.Fields{
			"meta":   bt.metaID,
			"root":   root.n.pid,
			"height": height,
		}).Debug("btree: new root")
	}

	_, err := bt.wal.Append(wal.Record{TxID: txid, Type: wal.CommitRecord})
	if err != nil {
		return err
	}

	bt.logger.WithFields(log.Fields{
		"meta":  bt.metaID,
		"leaf":  ls[top].n.pid,
		"nodes": len(added),
		"txid":  txid,
	}).Debug("btree: split")
	return nil
}

// Delete removes key from the tree; it fails with storage.ErrKeyNotFound if key is not in
// the tree.
func (bt *BTree) Delete(ctx context.Context, txid storage.TxID, key []byte) error {
	h, n, err := bt.descendLeaf(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()

	idx, ok := n.search(key)
	if !ok {
		return storage.ErrKeyNotFound
	}
	n.removeAt(idx)
	return bt.apply(latchedNode{h: h, n: n}, txid, wal.PageRecord)
}
