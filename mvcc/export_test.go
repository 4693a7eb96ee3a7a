package mvcc

import (
	"context"

	"github.com/leftmike/boxsql/storage"
)

// Crash stops the engine as if the process had exited: buffered log records and dirty
// pages are lost.
func (e *Engine) Crash() {
	e.mutex.Lock()
	e.closed = true
	e.mutex.Unlock()

	close(e.done)
	e.wg.Wait()
	e.abandon()
}

type failingTree struct {
	keyTree
	err error
}

func (ft failingTree) Put(ctx context.Context, txid storage.TxID, key []byte,
	val uint64) error {

	return ft.err
}

// FailPuts makes every Put into the b-tree of idx fail with err until the returned function
// is called.
func (idx *Index) FailPuts(err error) func() {
	tree := idx.tree
	idx.tree = failingTree{keyTree: tree, err: err}
	return func() {
		idx.tree = tree
	}
}
