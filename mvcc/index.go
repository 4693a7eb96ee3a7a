package mvcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/btree"
	"github.com/leftmike/boxsql/storage/heap"
	"github.com/leftmike/boxsql/storage/wal"
)

type IndexSpec struct {
	Name string
}

// keyTree is the b-tree of an index; it maps each key to the record ID of its newest
// version.
type keyTree interface {
	MetaID() storage.PageID
	Lookup(ctx context.Context, key []byte) (uint64, error)
	Put(ctx context.Context, txid storage.TxID, key []byte, val uint64) error
	Delete(ctx context.Context, txid storage.TxID, key []byte) error
	RangeScan(low, high []byte) *btree.Cursor
	Check(ctx context.Context) error
	Dump(ctx context.Context, w io.Writer) error
}

// Index maps keys to the chains of versions of their values. The b-tree holds the newest
// version of each key; older versions are reached through Prev.
type Index struct {
	e    *Engine
	name string
	tree keyTree
	heap *heap.Heap
}

func (idx *Index) Name() string {
	return idx.name
}

func (e *Engine) treeOptions() btree.Options {
	return btree.Options{
		Pool:   e.pool,
		Log:    e.wal,
		TxIDs:  &e.txids,
		Logger: e.logger,
	}
}

func (e *Engine) openIndex(ctx context.Context, ce catalogEntry) (*Index, error) {
	tree, err := btree.Open(ctx, e.treeOptions(), ce.tree)
	if err != nil {
		return nil, fmt.Errorf("mvcc: index %s: %w", ce.name, err)
	}
	hp, err := heap.Open(ctx, e.pool, e.wal, ce.heap, e.logger)
	if err != nil {
		return nil, fmt.Errorf("mvcc: index %s: %w", ce.name, err)
	}
	return &Index{e: e, name: ce.name, tree: tree, heap: hp}, nil
}

// CreateIndex adds a new, empty index to the catalog. Creating an index is a structural
// change: the index remains even if tx aborts.
func (e *Engine) CreateIndex(ctx context.Context, tx *Transaction, spec IndexSpec) (*Index,
	error) {

	err := tx.check()
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, errors.New("mvcc: create index: missing name")
	}

	e.catalogMutex.Lock()
	defer e.catalogMutex.Unlock()

	e.mutex.Lock()
	_, ok := e.indexes[spec.Name]
	e.mutex.Unlock()
	if ok {
		return nil, fmt.Errorf("mvcc: create index %s: %w", spec.Name, storage.ErrDuplicateKey)
	}

	tx.logged()
	tree, err := btree.Create(ctx, e.treeOptions(), tx.id)
	if err != nil {
		return nil, e.failed(ctx, tx, err)
	}
	hp, err := heap.Create(ctx, e.pool, e.wal, tx.id, e.logger)
	if err != nil {
		return nil, e.failed(ctx, tx, err)
	}

	e.mutex.Lock()
	entries := []catalogEntry{{name: spec.Name, tree: tree.MetaID(), heap: hp.MetaID()}}
	for _, idx := range e.indexes {
		entries = append(entries,
			catalogEntry{name: idx.name, tree: idx.tree.MetaID(), heap: idx.heap.MetaID()})
	}
	e.mutex.Unlock()

	err = e.writeCatalog(ctx, tx.id, entries)
	if err != nil {
		return nil, e.failed(ctx, tx, err)
	}

	idx := &Index{e: e, name: spec.Name, tree: tree, heap: hp}
	e.mutex.Lock()
	e.indexes[spec.Name] = idx
	e.mutex.Unlock()

	e.logger.WithFields(log.Fields{
		"index": spec.Name,
		"tree":  tree.MetaID(),
		"heap":  hp.MetaID(),
		"txid":  tx.id,
	}).Info("mvcc: created index")
	return idx, nil
}

// Index returns the index named name; storage.ErrKeyNotFound if there is none.
func (e *Engine) Index(name string) (*Index, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	idx, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("mvcc: index %s: %w", name, storage.ErrKeyNotFound)
	}
	return idx, nil
}

// Indexes returns the names of the indexes in order.
func (e *Engine) Indexes() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var names []string
	for name := range e.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) defaultIndex() *Index {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.indexes[DefaultIndex]
}

// Read, Write, Insert, Delete and RangeScan on the engine use the default index.

func (e *Engine) Read(ctx context.Context, tx *Transaction, key []byte) ([]byte, error) {
	return e.defaultIndex().Read(ctx, tx, key)
}

func (e *Engine) Write(ctx context.Context, tx *Transaction, key, val []byte) error {
	return e.defaultIndex().Write(ctx, tx, key, val)
}

func (e *Engine) Insert(ctx context.Context, tx *Transaction, key, val []byte) error {
	return e.defaultIndex().Insert(ctx, tx, key, val)
}

func (e *Engine) Delete(ctx context.Context, tx *Transaction, key []byte) error {
	return e.defaultIndex().Delete(ctx, tx, key)
}

func (e *Engine) RangeScan(ctx context.Context, tx *Transaction, low, high []byte) (*Iterator,
	error) {

	return e.defaultIndex().RangeScan(ctx, tx, low, high)
}

func (idx *Index) lockKey(key []byte) []byte {
	lk := make([]byte, 0, len(idx.name)+1+len(key))
	lk = append(lk, idx.name...)
	lk = append(lk, 0)
	return append(lk, key...)
}

// head returns the record ID of the newest version of key, or 0.
func (idx *Index) head(ctx context.Context, key []byte) (storage.RecordID, error) {
	val, err := idx.tree.Lookup(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return storage.RecordID(val), nil
}

// visibleVersion walks the chain starting at rid to the first version created before the
// snapshot of tx. Reclaimed versions are passed over while their links remain.
func (idx *Index) visibleVersion(ctx context.Context, tx *Transaction,
	rid storage.RecordID) (heap.Tuple, bool, error) {

	for rid != 0 {
		t, err := idx.heap.Get(ctx, rid)
		if err != nil {
			return heap.Tuple{}, false, err
		}
		created, deleted := idx.e.visible(t, tx.id, tx.snapshot)
		if created {
			if deleted {
				return heap.Tuple{}, false, nil
			}
			return t, true, nil
		}
		rid = t.Prev
	}
	return heap.Tuple{}, false, nil
}

// Read returns the value of key visible to tx, or storage.ErrKeyNotFound.
func (idx *Index) Read(ctx context.Context, tx *Transaction, key []byte) ([]byte, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	tx.statement()

	rid, err := idx.head(ctx, key)
	if err != nil {
		return nil, idx.e.failed(ctx, tx, err)
	}
	t, ok, err := idx.visibleVersion(ctx, tx, rid)
	if err != nil {
		return nil, idx.e.failed(ctx, tx, err)
	} else if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return t.Payload, nil
}

// newest returns the newest Live version in the chain starting at rid. With the key
// locked, its creator, and its deleter if any, are tx or have committed.
func (idx *Index) newest(ctx context.Context, rid storage.RecordID) (storage.RecordID,
	heap.Tuple, error) {

	for rid != 0 {
		t, err := idx.heap.Get(ctx, rid)
		if err != nil {
			return 0, heap.Tuple{}, err
		}
		if t.Flags == heap.Live {
			return rid, t, nil
		}
		rid = t.Prev
	}
	return 0, heap.Tuple{}, nil
}

type writeOp int

const (
	upsertOp writeOp = iota
	insertOp
	deleteOp
)

func (op writeOp) String() string {
	switch op {
	case upsertOp:
		return "write"
	case insertOp:
		return "insert"
	case deleteOp:
		return "delete"
	}
	return fmt.Sprintf("writeop-%d", int(op))
}

// Write sets the value of key, whether or not it already has one.
func (idx *Index) Write(ctx context.Context, tx *Transaction, key, val []byte) error {
	return idx.write(ctx, tx, upsertOp, key, val)
}

// Insert adds key with val; it fails with storage.ErrDuplicateKey if key already has a
// value.
func (idx *Index) Insert(ctx context.Context, tx *Transaction, key, val []byte) error {
	return idx.write(ctx, tx, insertOp, key, val)
}

// Delete removes the value of key; it fails with storage.ErrKeyNotFound if key has no value.
func (idx *Index) Delete(ctx context.Context, tx *Transaction, key []byte) error {
	return idx.write(ctx, tx, deleteOp, key, nil)
}

func (idx *Index) write(ctx context.Context, tx *Transaction, op writeOp, key,
	val []byte) error {

	err := tx.check()
	if err != nil {
		return err
	}
	if len(key) > btree.MaxKeySize {
		return fmt.Errorf("mvcc: %s: key of %d bytes larger than %d bytes", op, len(key),
			btree.MaxKeySize)
	}
	if len(val) > heap.MaxPayloadSize {
		return fmt.Errorf("mvcc: %s: value of %d bytes larger than %d bytes", op, len(val),
			heap.MaxPayloadSize)
	}

	e := idx.e
	err = e.locks.Lock(ctx, &tx.locker, idx.lockKey(key))
	if err != nil {
		return fmt.Errorf("mvcc: %s: %s: %w", op, tx, err)
	}
	tx.statement()

	mark := len(tx.changes)
	err = idx.writeLocked(ctx, tx, op, key, val)
	if err != nil {
		return e.failed(ctx, tx, e.rollback(ctx, tx, mark, err))
	}
	return nil
}

func (idx *Index) writeLocked(ctx context.Context, tx *Transaction, op writeOp, key,
	val []byte) error {

	e := idx.e
	head, err := idx.head(ctx, key)
	if err != nil {
		return err
	}
	nrid, cur, err := idx.newest(ctx, head)
	if err != nil {
		return err
	}

	exists := nrid != 0 && cur.Xmax == storage.InvalidTxID
	if nrid != 0 && e.isolation == SnapshotIsolation {
		created, deleted := e.visible(cur, tx.id, tx.snapshot)
		if !created || (cur.Xmax != storage.InvalidTxID && !deleted) {
			e.logger.WithFields(log.Fields{
				"txid":  tx.id,
				"index": idx.name,
				"xmin":  cur.Xmin,
				"xmax":  cur.Xmax,
			}).Debug("mvcc: write conflict")
			return fmt.Errorf("mvcc: %s: %s: %w", op, tx, storage.ErrWriteConflict)
		}
	}

	switch op {
	case insertOp:
		if exists {
			return fmt.Errorf("mvcc: insert: %w", storage.ErrDuplicateKey)
		}
	case deleteOp:
		if !exists {
			return fmt.Errorf("mvcc: delete: %w", storage.ErrKeyNotFound)
		}
		tx.touch(nrid.PageID())
		chg, err := idx.heap.SetXmax(ctx, tx.id, nrid, tx.id, wal.DeleteRecord)
		tx.addChange(chg)
		return err
	}

	tx.logged()
	rid, err := idx.heap.Append(ctx, tx.id,
		heap.Tuple{Xmin: tx.id, Prev: head, Payload: val})
	if err != nil {
		return err
	}
	tx.touch(rid.PageID())
	chg, err := idx.heap.SetLive(ctx, tx.id, rid)
	tx.addChange(chg)
	if err != nil {
		return err
	}

	if exists {
		tx.touch(nrid.PageID())
		chg, err = idx.heap.SetXmax(ctx, tx.id, nrid, tx.id, wal.UpdateRecord)
		tx.addChange(chg)
		if err != nil {
			return err
		}
	}
	return idx.tree.Put(ctx, tx.id, key, uint64(rid))
}

// Iterator returns the keys in a range and their values visible to a transaction.
type Iterator struct {
	idx *Index
	tx  *Transaction
	cur *btree.Cursor
}

// RangeScan returns an iterator over the keys in [low, high) which have a value visible to
// tx. A nil low or high leaves that end of the range open.
func (idx *Index) RangeScan(ctx context.Context, tx *Transaction, low, high []byte) (*Iterator,
	error) {

	err := tx.check()
	if err != nil {
		return nil, err
	}
	tx.statement()

	return &Iterator{
		idx: idx,
		tx:  tx,
		cur: idx.tree.RangeScan(low, high),
	}, nil
}

// Next returns the next key and value, or io.EOF.
func (it *Iterator) Next(ctx context.Context) ([]byte, []byte, error) {
	err := it.tx.check()
	if err != nil {
		return nil, nil, err
	}

	for {
		key, val, err := it.cur.Next(ctx)
		if err == io.EOF {
			return nil, nil, io.EOF
		} else if err != nil {
			return nil, nil, it.idx.e.failed(ctx, it.tx, err)
		}

		t, ok, err := it.idx.visibleVersion(ctx, it.tx, storage.RecordID(val))
		if err != nil {
			return nil, nil, it.idx.e.failed(ctx, it.tx, err)
		} else if ok {
			return key, t.Payload, nil
		}
	}
}

// Check verifies the structure of the index's b-tree.
func (idx *Index) Check(ctx context.Context) error {
	return idx.tree.Check(ctx)
}

// Dump writes the index's b-tree to w.
func (idx *Index) Dump(ctx context.Context, w io.Writer) error {
	return idx.tree.Dump(ctx, w)
}
