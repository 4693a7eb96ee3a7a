package recovery

import (
	"context"
	"fmt"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

// Undo restores the before images of the changes made by txid, last change first. Each
// restoration is logged as a compensation record, which is never undone. Restoring every
// change leaves each byte with its value before the first change to it, so Undo may be
// repeated after it has been interrupted.
func Undo(ctx context.Context, pool *buffer.Pool, wl *wal.Log, txid storage.TxID,
	changes []wal.Change) error {

	for idx := len(changes) - 1; idx >= 0; idx-- {
		err := undoChange(ctx, pool, wl, txid, changes[idx])
		if err != nil {
			return err
		}
	}
	return nil
}

func undoChange(ctx context.Context, pool *buffer.Pool, wl *wal.Log, txid storage.TxID,
	chg wal.Change) error {

	h, err := pool.Fetch(ctx, chg.PageID)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Lock()
	_, err = h.Apply(wl, txid, wal.CompensationRecord,
		func(pg page.Page) error {
			for _, d := range chg.Deltas {
				if d.Offset < page.DiffStart || d.Offset+len(d.Before) > page.Size {
					return &storage.PageError{
						Op:   "recovery: undo",
						Page: chg.PageID,
						LSN:  chg.LSN,
						Err: fmt.Errorf("%w: delta at %d of %d bytes out of range",
							storage.ErrPageCorruption, d.Offset, len(d.Before)),
					}
				}
				copy(pg[d.Offset:], d.Before)
			}
			return nil
		})
	return err
}

// Checkpoint writes every page changed by a record up to the current end of the log, and
// then appends and flushes a checkpoint record. active is called after the end of the log
// has been read: it returns the next transaction ID and every transaction which has
// appended records but not its commit or abort record.
func Checkpoint(ctx context.Context, pool *buffer.Pool, wl *wal.Log,
	active func() (storage.TxID, []wal.ActiveTx)) (storage.LSN, wal.Checkpoint, error) {

	last := wl.LastLSN()
	next, atxs := active()

	err := pool.FlushUpTo(ctx, last)
	if err != nil {
		return storage.InvalidLSN, wal.Checkpoint{}, err
	}

	ckpt := wal.Checkpoint{
		RedoLSN:  last + 1,
		NextTxID: next,
		Active:   atxs,
	}
	lsn, err := wl.Append(wal.Record{Type: wal.CheckpointRecord, Payload: ckpt.Encode()})
	if err != nil {
		return storage.InvalidLSN, wal.Checkpoint{}, err
	}
	err = wl.Flush(ctx, lsn)
	if err != nil {
		return storage.InvalidLSN, wal.Checkpoint{}, err
	}
	return lsn, ckpt, nil
}
