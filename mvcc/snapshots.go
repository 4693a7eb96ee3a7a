package mvcc

import (
	"github.com/google/btree"

	"github.com/leftmike/boxsql/storage"
)

type snapshotItem struct {
	snapshot uint64
	txid     storage.TxID
}

func (si snapshotItem) Less(item btree.Item) bool {
	si2 := item.(snapshotItem)
	if si.snapshot == si2.snapshot {
		return si.txid < si2.txid
	}
	return si.snapshot < si2.snapshot
}

// snapshotSet is the snapshots of the active transactions, ordered so that the oldest is
// always at hand for vacuum. It is protected by Engine.mutex.
type snapshotSet struct {
	tree *btree.BTree
}

func newSnapshotSet() *snapshotSet {
	return &snapshotSet{tree: btree.New(8)}
}

func (ss *snapshotSet) add(txid storage.TxID, snapshot uint64) {
	ss.tree.ReplaceOrInsert(snapshotItem{snapshot: snapshot, txid: txid})
}

func (ss *snapshotSet) remove(txid storage.TxID, snapshot uint64) {
	ss.tree.Delete(snapshotItem{snapshot: snapshot, txid: txid})
}

// oldest returns the oldest snapshot, if there are any.
func (ss *snapshotSet) oldest() (uint64, bool) {
	item := ss.tree.Min()
	if item == nil {
		return 0, false
	}
	return item.(snapshotItem).snapshot, true
}
