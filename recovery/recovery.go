package recovery

import (
	"context"
	"fmt"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/wal"
)

type Options struct {
	Pool   *buffer.Pool
	Log    *wal.Log
	Logger *log.Logger
}

type Result struct {
	// Start is the first LSN read, and RedoLSN the first LSN redone.
	Start   storage.LSN
	RedoLSN storage.LSN
	Redone  int
	Undone  int
	Losers  []storage.TxID
	// NextTxID is greater than every transaction ID in the log.
	NextTxID storage.TxID
	// LastLSN is the LSN of the last record in the log after recovery.
	LastLSN storage.LSN
	// Checkpoint is the LSN of the checkpoint taken at the end of recovery, if any.
	Checkpoint storage.LSN
}

type txState struct {
	finished bool
	changes  []wal.Change
}

// undoItem orders the changes of every loser by LSN.
type undoItem struct {
	txid storage.TxID
	chg  wal.Change
}

func (ui undoItem) Less(item btree.Item) bool {
	return ui.chg.LSN < item.(undoItem).chg.LSN
}

// Run recovers the pages in the pool to the state of the log: the changes of every record
// since the last checkpoint are redone, and then the changes of every transaction which did
// not commit or abort are undone in reverse order. It must run before any other use of the
// pool or the log.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	wl := opts.Log

	var ckptLSN storage.LSN
	var ckpt wal.Checkpoint
	var first storage.LSN
	err := wl.Scan(
		func(rec wal.Record) error {
			if first == storage.InvalidLSN {
				first = rec.LSN
			}
			if rec.Type == wal.CheckpointRecord {
				var err error
				ckpt, err = wal.DecodeCheckpoint(rec.Payload)
				if err != nil {
					return fmt.Errorf("recovery: checkpoint at %d: %w", rec.LSN, err)
				}
				ckptLSN = rec.LSN
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	res := Result{
		Start:    first,
		RedoLSN:  first,
		NextTxID: 1,
		LastLSN:  wl.LastLSN(),
	}
	txs := map[storage.TxID]*txState{}
	if ckptLSN != storage.InvalidLSN {
		res.Start = ckpt.ScanStart()
		res.RedoLSN = ckpt.RedoLSN
		res.NextTxID = ckpt.NextTxID
		for _, atx := range ckpt.Active {
			txs[atx.TxID] = &txState{}
		}
	}

	opts.Logger.WithFields(log.Fields{
		"checkpoint": ckptLSN,
		"start":      res.Start,
		"redo_lsn":   res.RedoLSN,
		"last_lsn":   res.LastLSN,
	}).Info("recovery: starting")

	err = wl.Scan(
		func(rec wal.Record) error {
			if rec.LSN < res.Start {
				return nil
			}
			if rec.TxID >= res.NextTxID {
				res.NextTxID = rec.TxID + 1
			}

			var deltas []wal.Delta
			if rec.Type.HasDeltas() {
				var err error
				deltas, err = wal.DecodeDeltas(rec.Payload)
				if err != nil {
					return &storage.PageError{
						Op:   "recovery: decode",
						Page: rec.PageID,
						LSN:  rec.LSN,
						Err:  fmt.Errorf("%w: %s", storage.ErrPageCorruption, err),
					}
				}
				if rec.LSN >= res.RedoLSN {
					redone, err := redo(ctx, opts.Pool, rec, deltas)
					if err != nil {
						return err
					}
					if redone {
						res.Redone += 1
					}
				}
			}

			if rec.TxID == storage.InvalidTxID || rec.Type == wal.CheckpointRecord {
				return nil
			}
			ts, ok := txs[rec.TxID]
			if !ok {
				ts = &txState{}
				txs[rec.TxID] = ts
			}
			switch rec.Type {
			case wal.CommitRecord, wal.AbortRecord:
				ts.finished = true
				ts.changes = nil
			default:
				if rec.Type.Undoable() {
					ts.changes = append(ts.changes,
						wal.Change{LSN: rec.LSN, PageID: rec.PageID, Deltas: deltas})
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	undo := btree.New(8)
	for txid, ts := range txs {
		if ts.finished {
			continue
		}
		res.Losers = append(res.Losers, txid)
		for _, chg := range ts.changes {
			undo.ReplaceOrInsert(undoItem{txid: txid, chg: chg})
		}
	}

	undo.Descend(
		func(item btree.Item) bool {
			ui := item.(undoItem)
			err = undoChange(ctx, opts.Pool, wl, ui.txid, ui.chg)
			if err != nil {
				return false
			}
			res.Undone += 1
			return true
		})
	if err != nil {
		return nil, err
	}

	for _, txid := range res.Losers {
		_, err = wl.Append(wal.Record{TxID: txid, Type: wal.AbortRecord})
		if err != nil {
			return nil, err
		}
		opts.Logger.WithField("txid", txid).Info("recovery: rolled back transaction")
	}
	res.LastLSN = wl.LastLSN()
	err = wl.Flush(ctx, res.LastLSN)
	if err != nil {
		return nil, err
	}

	if res.Redone > 0 || res.Undone > 0 || len(res.Losers) > 0 {
		res.Checkpoint, _, err = Checkpoint(ctx, opts.Pool, wl,
			func() (storage.TxID, []wal.ActiveTx) {
				return res.NextTxID, nil
			})
		if err != nil {
			return nil, err
		}
		res.LastLSN = res.Checkpoint
	}

	opts.Logger.WithFields(log.Fields{
		"redone":     res.Redone,
		"undone":     res.Undone,
		"losers":     len(res.Losers),
		"next_txid":  res.NextTxID,
		"last_lsn":   res.LastLSN,
		"checkpoint": res.Checkpoint,
	}).Info("recovery: complete")
	return &res, nil
}

func redo(ctx context.Context, pool *buffer.Pool, rec wal.Record, deltas []wal.Delta) (bool,
	error) {

	h, err := pool.Fetch(ctx, rec.PageID)
	if err != nil {
		return false, err
	}
	defer h.Release()

	h.Lock()
	return h.Redo(rec.LSN, deltas)
}
