package mvcc

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/recovery"
	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/lock"
	"github.com/leftmike/boxsql/storage/wal"
)

type TxState int

const (
	Active TxState = iota
	Committed
	Aborted
)

func (st TxState) String() string {
	switch st {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("txstate-%d", int(st))
}

// Transaction is a handle for one transaction; it must not be used concurrently.
type Transaction struct {
	e        *Engine
	id       storage.TxID
	state    TxState
	snapshot uint64
	changes  []wal.Change
	locker   lock.Locker
	// Set when the changes of a failed statement could not be undone; tx can only abort.
	stuck    error

	// Protected by Engine.mutex.
	firstLSN storage.LSN
	pages    map[storage.PageID]struct{}
}

func (tx *Transaction) ID() storage.TxID {
	return tx.id
}

func (tx *Transaction) State() TxState {
	return tx.state
}

// Snapshot is the commit version which the transaction currently reads at.
func (tx *Transaction) Snapshot() uint64 {
	return tx.snapshot
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("tx-%d", tx.id)
}

// Begin starts a transaction. Its snapshot is the commit version of the most recently
// committed transaction.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return nil, errors.New("mvcc: engine closed")
	}

	tx := &Transaction{
		e:        e,
		id:       storage.TxID(e.txids.Next()),
		snapshot: e.commitVersion,
		pages:    map[storage.PageID]struct{}{},
	}
	tx.locker.Name = tx.String()
	e.active[tx.id] = tx
	e.snapshots.add(tx.id, tx.snapshot)
	return tx, nil
}

func (tx *Transaction) check() error {
	if tx.state != Active {
		return fmt.Errorf("mvcc: %s is %s: %w", tx, tx.state, storage.ErrTransactionClosed)
	}
	return nil
}

// statement starts an operation: under ReadCommitted, the transaction gets a fresh
// snapshot.
func (tx *Transaction) statement() {
	e := tx.e
	if e.isolation != ReadCommitted {
		return
	}

	e.mutex.Lock()
	if tx.snapshot != e.commitVersion {
		e.snapshots.remove(tx.id, tx.snapshot)
		tx.snapshot = e.commitVersion
		e.snapshots.add(tx.id, tx.snapshot)
	}
	e.mutex.Unlock()
}

// touch must be called before the transaction makes an undoable change to a page. The
// first call fixes the oldest LSN recovery needs to read for the transaction; the pages
// are kept from being compacted, which would move the bytes the change is undone with.
func (tx *Transaction) touch(pid storage.PageID) {
	e := tx.e
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if tx.firstLSN == storage.InvalidLSN {
		tx.firstLSN = e.wal.LastLSN() + 1
	}
	tx.pages[pid] = struct{}{}
}

// logged must be called before the transaction appends a structural record.
func (tx *Transaction) logged() {
	e := tx.e
	e.mutex.Lock()
	if tx.firstLSN == storage.InvalidLSN {
		tx.firstLSN = e.wal.LastLSN() + 1
	}
	e.mutex.Unlock()
}

func (tx *Transaction) addChange(chg wal.Change) {
	if chg.LSN != storage.InvalidLSN {
		tx.changes = append(tx.changes, chg)
	}
}

// finish removes tx from the active transactions; cv is its commit version, or
// abortedVersion. e.mutex must be held.
func (e *Engine) finish(tx *Transaction, st TxState, cv uint64) {
	tx.state = st
	if tx.firstLSN != storage.InvalidLSN {
		e.status[tx.id] = cv
	}
	delete(e.active, tx.id)
	e.snapshots.remove(tx.id, tx.snapshot)
}

// Commit makes the changes of tx durable and then visible to transactions which begin
// afterwards. A transaction which changed nothing commits without writing to the log.
func (e *Engine) Commit(ctx context.Context, tx *Transaction) error {
	err := tx.check()
	if err != nil {
		return err
	}
	if tx.stuck != nil {
		return fmt.Errorf("mvcc: commit %s: must abort: %w", tx, tx.stuck)
	}

	e.mutex.Lock()
	readOnly := tx.firstLSN == storage.InvalidLSN
	if readOnly {
		e.finish(tx, Committed, 0)
		e.mutex.Unlock()
		tx.locker.Unlock()
		return nil
	}
	e.mutex.Unlock()

	lsn, err := e.wal.Append(wal.Record{TxID: tx.id, Type: wal.CommitRecord})
	if err != nil {
		return err
	}
	// Once the commit record is appended, it may become durable with any later flush.
	err = e.wal.Flush(context.WithoutCancel(ctx), lsn)
	if err != nil {
		// A failed flush leaves the log unusable, so undoing the changes, which must be
		// logged, is expected to fail as well. The status entry of tx is then kept until
		// the engine is closed so that its changes are never seen as committed.
		cv := abortedVersion
		uerr := recovery.Undo(context.WithoutCancel(ctx), e.pool, e.wal, tx.id, tx.changes)
		if uerr != nil {
			cv = unrevertedVersion
		}

		e.mutex.Lock()
		e.finish(tx, Aborted, cv)
		e.mutex.Unlock()
		tx.locker.Unlock()

		e.logger.WithError(err).WithFields(log.Fields{
			"txid":   tx.id,
			"lsn":    lsn,
			"undone": uerr == nil,
		}).Error("mvcc: commit flush failed")
		return fmt.Errorf("mvcc: commit %s: %w", tx, err)
	}

	e.mutex.Lock()
	e.commitVersion += 1
	e.finish(tx, Committed, e.commitVersion)
	e.mutex.Unlock()
	tx.locker.Unlock()

	e.logger.WithFields(log.Fields{
		"txid":    tx.id,
		"lsn":     lsn,
		"changes": len(tx.changes),
	}).Debug("mvcc: commit")
	return nil
}

// Abort undoes the changes of tx. If the changes can not be undone, the transaction
// remains active and Abort may be called again.
func (e *Engine) Abort(ctx context.Context, tx *Transaction) error {
	err := tx.check()
	if err != nil {
		return err
	}

	err = recovery.Undo(ctx, e.pool, e.wal, tx.id, tx.changes)
	if err != nil {
		return fmt.Errorf("mvcc: abort %s: %w", tx, err)
	}

	e.mutex.Lock()
	logged := tx.firstLSN != storage.InvalidLSN
	e.mutex.Unlock()
	if logged {
		_, err = e.wal.Append(wal.Record{TxID: tx.id, Type: wal.AbortRecord})
		if err != nil {
			return fmt.Errorf("mvcc: abort %s: %w", tx, err)
		}
	}

	e.mutex.Lock()
	e.finish(tx, Aborted, abortedVersion)
	e.mutex.Unlock()
	tx.locker.Unlock()

	e.logger.WithFields(log.Fields{
		"txid":    tx.id,
		"changes": len(tx.changes),
	}).Debug("mvcc: abort")
	return nil
}

// rollback undoes the changes made by a failed statement of tx, those after mark, so that
// tx may go on without them; err is the failure of the statement.
func (e *Engine) rollback(ctx context.Context, tx *Transaction, mark int, err error) error {
	if len(tx.changes) == mark {
		return err
	}

	uerr := recovery.Undo(context.WithoutCancel(ctx), e.pool, e.wal, tx.id, tx.changes[mark:])
	if uerr != nil {
		tx.stuck = uerr
		e.logger.WithError(uerr).WithFields(log.Fields{
			"txid":    tx.id,
			"changes": len(tx.changes) - mark,
		}).Error("mvcc: statement rollback failed")
		return fmt.Errorf("%w (rollback failed: %s)", err, uerr)
	}
	tx.changes = tx.changes[:mark]
	return err
}

// failed aborts tx after a storage fault; err is returned, along with any failure to
// abort.
func (e *Engine) failed(ctx context.Context, tx *Transaction, err error) error {
	if !storage.IsFatal(err) {
		return err
	}
	aerr := e.Abort(ctx, tx)
	if aerr != nil {
		return fmt.Errorf("%w (abort failed: %s)", err, aerr)
	}
	return err
}
