package mvcc

import (
	"context"
	"io"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/heap"
	"github.com/leftmike/boxsql/storage/lock"
)

type VacuumStats struct {
	Horizon uint64
	// Keys examined, keys skipped because a writer held them, and keys removed from the
	// index because no transaction can see a value for them.
	Keys    int
	Skipped int
	Dropped int
	// Versions reclaimed, heap pages compacted, and entries pruned from the status table.
	Reclaimed int
	Compacted int
	Pruned    int
}

// pendingCompact is a heap page with reclaimed versions. It is compacted once every
// transaction which might still reach those versions has finished.
type pendingCompact struct {
	heap  *heap.Heap
	pid   storage.PageID
	after storage.TxID
}

type version struct {
	rid storage.RecordID
	t   heap.Tuple
}

// horizon returns the oldest snapshot of any active transaction; no transaction can read
// at an older snapshot.
func (e *Engine) horizon() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if s, ok := e.snapshots.oldest(); ok {
		return s
	}
	return e.commitVersion
}

// Vacuum reclaims the versions which no transaction can see. Each chain is cut below the
// newest version visible at the horizon, dead versions are unlinked, and keys whose
// chains have nothing visible are removed from the index. Keys locked by a writer are
// skipped.
func (e *Engine) Vacuum(ctx context.Context) (VacuumStats, error) {
	e.vacuumMutex.Lock()
	defer e.vacuumMutex.Unlock()

	start := time.Now()
	stats := VacuumStats{Horizon: e.horizon()}

	e.mutex.Lock()
	idxs := make([]*Index, 0, len(e.indexes))
	for _, idx := range e.indexes {
		idxs = append(idxs, idx)
	}
	e.mutex.Unlock()

	lkr := lock.Locker{Name: "vacuum"}
	for _, idx := range idxs {
		pages := map[storage.PageID]struct{}{}
		err := idx.vacuum(ctx, &lkr, stats.Horizon, &stats, pages)

		after := storage.TxID(e.txids.Current())
		e.mutex.Lock()
		for pid := range pages {
			e.pending = append(e.pending, pendingCompact{heap: idx.heap, pid: pid, after: after})
		}
		e.mutex.Unlock()

		if err != nil {
			return stats, err
		}
	}

	stats.Pruned = e.prune(stats.Horizon)

	var err error
	stats.Compacted, err = e.compactPending(ctx)
	if err != nil {
		return stats, err
	}

	e.logger.WithFields(log.Fields{
		"horizon":   stats.Horizon,
		"keys":      stats.Keys,
		"skipped":   stats.Skipped,
		"dropped":   stats.Dropped,
		"reclaimed": stats.Reclaimed,
		"compacted": stats.Compacted,
		"pruned":    stats.Pruned,
		"elapsed":   time.Since(start),
	}).Info("mvcc: vacuum")
	return stats, nil
}

func (idx *Index) vacuum(ctx context.Context, lkr *lock.Locker, horizon uint64,
	stats *VacuumStats, pages map[storage.PageID]struct{}) error {

	cur := idx.tree.RangeScan(nil, nil)
	for {
		key, _, err := cur.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		stats.Keys += 1
		if !idx.e.locks.TryLock(lkr, idx.lockKey(key)) {
			stats.Skipped += 1
			continue
		}
		err = idx.vacuumKey(ctx, key, horizon, stats, pages)
		lkr.Unlock()
		if err != nil {
			return err
		}
	}
}

// vacuumKey must be called with the key locked, so every Live version in the chain was
// created by a committed transaction.
func (idx *Index) vacuumKey(ctx context.Context, key []byte, horizon uint64,
	stats *VacuumStats, pages map[storage.PageID]struct{}) error {

	head, err := idx.head(ctx, key)
	if err != nil || head == 0 {
		return err
	}

	var chain []version
	for rid := head; rid != 0; {
		t, err := idx.heap.Get(ctx, rid)
		if err != nil {
			return err
		}
		if t.Flags&heap.Reclaimed != 0 {
			break
		}
		chain = append(chain, version{rid: rid, t: t})
		rid = t.Prev
	}

	// keep is the Live versions newer than the newest version visible at the horizon,
	// followed by that version if there is one.
	var keep []version
	var deleted bool
	for _, v := range chain {
		if v.t.Flags != heap.Live {
			continue
		}
		keep = append(keep, v)
		var created bool
		created, deleted = idx.e.visible(v.t, storage.InvalidTxID, horizon)
		if created {
			break
		}
		deleted = false
	}

	if len(keep) == 0 || (len(keep) == 1 && deleted) {
		err = idx.tree.Delete(ctx, storage.InvalidTxID, key)
		if err != nil {
			return err
		}
		stats.Dropped += 1
		return idx.reclaim(ctx, chain, nil, stats, pages)
	}

	if keep[0].rid != head {
		err = idx.tree.Put(ctx, storage.InvalidTxID, key, uint64(keep[0].rid))
		if err != nil {
			return err
		}
	}
	for i, v := range keep {
		var prev storage.RecordID
		if i+1 < len(keep) {
			prev = keep[i+1].rid
		}
		if v.t.Prev != prev {
			err = idx.heap.SetPrev(ctx, v.rid, prev)
			if err != nil {
				return err
			}
		}
	}
	return idx.reclaim(ctx, chain, keep, stats, pages)
}

// reclaim marks every version in chain which is not in keep; the versions have already
// been unlinked.
func (idx *Index) reclaim(ctx context.Context, chain, keep []version, stats *VacuumStats,
	pages map[storage.PageID]struct{}) error {

	kept := map[storage.RecordID]struct{}{}
	for _, v := range keep {
		kept[v.rid] = struct{}{}
	}

	for _, v := range chain {
		if _, ok := kept[v.rid]; ok {
			continue
		}
		err := idx.heap.Reclaim(ctx, v.rid)
		if err != nil {
			return err
		}
		stats.Reclaimed += 1
		pages[v.rid.PageID()] = struct{}{}
	}
	return nil
}

// prune removes the transactions which every snapshot at or after the horizon sees as
// committed, and the aborted transactions whose changes have been undone, from the status
// table.
func (e *Engine) prune(horizon uint64) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var n int
	for txid, cv := range e.status {
		if cv == unrevertedVersion {
			continue
		}
		if cv == abortedVersion || cv <= horizon {
			delete(e.status, txid)
			n += 1
		}
	}
	return n
}

// compactPending compacts the pages whose reclaimed versions can no longer be reached: every
// transaction active at the time they were reclaimed has finished. A page with an undoable
// change by an active transaction is left for later, since compacting moves the bytes the
// change would be undone with.
func (e *Engine) compactPending(ctx context.Context) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	minActive := storage.TxID(math.MaxUint64)
	touched := map[storage.PageID]struct{}{}
	for txid, tx := range e.active {
		if txid < minActive {
			minActive = txid
		}
		for pid := range tx.pages {
			touched[pid] = struct{}{}
		}
	}

	var n int
	var pending []pendingCompact
	done := map[storage.PageID]struct{}{}
	for idx, pc := range e.pending {
		if _, ok := done[pc.pid]; ok {
			continue
		}
		_, ok := touched[pc.pid]
		if ok || pc.after >= minActive {
			pending = append(pending, pc)
			continue
		}

		err := pc.heap.Compact(ctx, pc.pid)
		if err != nil {
			e.pending = append(pending, e.pending[idx:]...)
			return n, err
		}
		done[pc.pid] = struct{}{}
		n += 1
	}
	e.pending = pending
	return n, nil
}
