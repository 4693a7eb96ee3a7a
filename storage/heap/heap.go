package heap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

// Heap is an arena of versioned tuples. Tuples are appended to the tail page; a new tail
// is allocated when it fills. Space reclaimed by vacuum in other pages is reused once the
// page has been compacted. Which pages have space is only kept in memory: after the heap
// is opened again, an earlier page is reused once it has been compacted again. Pages are
// never returned to the page manager, even when compacting empties them.
type Heap struct {
	pool   *buffer.Pool
	wal    *wal.Log
	metaID storage.PageID
	logger *log.Logger

	// mutex serializes appends and protects the fields below it.
	mutex    sync.Mutex
	tail     storage.PageID
	reusable map[storage.PageID]int
}

// Create allocates the meta page and the first tail page of a new heap. The changes are
// logged as part of txid.
func Create(ctx context.Context, pool *buffer.Pool, wl *wal.Log, txid storage.TxID,
	logger *log.Logger) (*Heap, error) {

	if logger == nil {
		logger = log.StandardLogger()
	}

	mh, err := pool.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer mh.Release()

	tail, err := newHeapPage(ctx, pool, wl, txid)
	if err != nil {
		return nil, err
	}

	_, err = mh.Apply(wl, txid, wal.PageRecord,
		func(pg page.Page) error {
			pg.Init(mh.PageID(), page.HeapMetaType)
			metaPage(pg).setTail(tail)
			metaPage(pg).setPages(1)
			return nil
		})
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"meta": mh.PageID(),
		"tail": tail,
	}).Debug("heap: created")
	return &Heap{
		pool:     pool,
		wal:      wl,
		metaID:   mh.PageID(),
		logger:   logger,
		tail:     tail,
		reusable: map[storage.PageID]int{},
	}, nil
}

func newHeapPage(ctx context.Context, pool *buffer.Pool, wl *wal.Log,
	txid storage.TxID) (storage.PageID, error) {

	h, err := pool.NewPage(ctx)
	if err != nil {
		return storage.InvalidPageID, err
	}
	defer h.Release()

	_, err = h.Apply(wl, txid, wal.PageRecord,
		func(pg page.Page) error {
			pg.Init(h.PageID(), page.HeapType)
			return nil
		})
	if err != nil {
		return storage.InvalidPageID, err
	}
	return h.PageID(), nil
}

// Open opens an existing heap given its meta page.
func Open(ctx context.Context, pool *buffer.Pool, wl *wal.Log, metaID storage.PageID,
	logger *log.Logger) (*Heap, error) {

	if logger == nil {
		logger = log.StandardLogger()
	}

	mh, err := pool.Fetch(ctx, metaID)
	if err != nil {
		return nil, err
	}
	defer mh.Release()

	mh.RLock()
	pg := mh.Page()
	if pg.Type() != page.HeapMetaType {
		return nil, &storage.PageError{
			Op:   "heap: open",
			Page: metaID,
			Err:  fmt.Errorf("%w: page has type %s", storage.ErrPageCorruption, pg.Type()),
		}
	}

	return &Heap{
		pool:     pool,
		wal:      wl,
		metaID:   metaID,
		logger:   logger,
		tail:     metaPage(pg).tail(),
		reusable: map[storage.PageID]int{},
	}, nil
}

func (hp *Heap) MetaID() storage.PageID {
	return hp.metaID
}

// Append stores a new tuple and returns its record ID. The change is a structural change:
// it is not undone if txid aborts, so the tuple should not be Live until SetLive.
func (hp *Heap) Append(ctx context.Context, txid storage.TxID, t Tuple) (storage.RecordID,
	error) {

	if len(t.Payload) > MaxPayloadSize {
		return 0, fmt.Errorf("heap: payload of %d bytes larger than %d bytes",
			len(t.Payload), MaxPayloadSize)
	}

	hp.mutex.Lock()
	defer hp.mutex.Unlock()

	rid, ok, err := hp.appendTo(ctx, txid, hp.tail, t)
	if err != nil || ok {
		return rid, err
	}

	need := tupleHeaderSize + len(t.Payload) + slotSize
	for pid, free := range hp.reusable {
		if free < need {
			continue
		}
		rid, ok, err = hp.appendTo(ctx, txid, pid, t)
		if err != nil {
			return 0, err
		} else if ok {
			hp.reusable[pid] = free - need
			return rid, nil
		}
		delete(hp.reusable, pid)
	}

	tail, err := newHeapPage(ctx, hp.pool, hp.wal, txid)
	if err != nil {
		return 0, err
	}
	err = hp.setTail(ctx, txid, tail)
	if err != nil {
		return 0, err
	}

	rid, ok, err = hp.appendTo(ctx, txid, tail, t)
	if err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("heap: tuple does not fit in new page %d", tail)
	}
	return rid, nil
}

func (hp *Heap) setTail(ctx context.Context, txid storage.TxID, tail storage.PageID) error {
	mh, err := hp.pool.Fetch(ctx, hp.metaID)
	if err != nil {
		return err
	}
	defer mh.Release()

	mh.Lock()
	_, err = mh.Apply(hp.wal, txid, wal.PageRecord,
		func(pg page.Page) error {
			mp := metaPage(pg)
			mp.setTail(tail)
			mp.setPages(mp.pages() + 1)
			return nil
		})
	if err != nil {
		return err
	}

	hp.logger.WithFields(log.Fields{
		"meta": hp.metaID,
		"tail": tail,
	}).Debug("heap: new tail page")
	hp.tail = tail
	return nil
}

func (hp *Heap) appendTo(ctx context.Context, txid storage.TxID, pid storage.PageID,
	t Tuple) (storage.RecordID, bool, error) {

	h, err := hp.pool.Fetch(ctx, pid)
	if err != nil {
		return 0, false, err
	}
	defer h.Release()

	h.Lock()
	if !slottedPage(h.Page()).fits(len(t.Payload)) {
		return 0, false, nil
	}

	var slot int
	_, err = h.Apply(hp.wal, txid, wal.PageRecord,
		func(pg page.Page) error {
			var err error
			slot, err = slottedPage(pg).insert(t)
			return err
		})
	if err != nil {
		return 0, false, err
	}
	return storage.MakeRecordID(pid, uint16(slot)), true, nil
}

// Get returns the tuple with record ID rid. Once its page has been compacted, a reclaimed
// tuple is returned with only the Reclaimed flag set.
func (hp *Heap) Get(ctx context.Context, rid storage.RecordID) (Tuple, error) {
	h, err := hp.pool.Fetch(ctx, rid.PageID())
	if err != nil {
		return Tuple{}, err
	}
	defer h.Release()

	h.RLock()
	buf, err := hp.tupleBytes(h, rid)
	if err != nil {
		return Tuple{}, err
	} else if buf == nil {
		return Tuple{Flags: Reclaimed}, nil
	}
	return decodeTuple(buf), nil
}

func (hp *Heap) tupleBytes(h *buffer.Handle, rid storage.RecordID) ([]byte, error) {
	pg := h.Page()
	if pg.Type() != page.HeapType {
		return nil, &storage.PageError{
			Op:   "heap: tuple",
			Page: rid.PageID(),
			Err:  fmt.Errorf("%w: page has type %s", storage.ErrPageCorruption, pg.Type()),
		}
	}
	return slottedPage(pg).tuple(int(rid.Slot()))
}

// update makes a logged change to the header of a tuple; fn is passed the tuple bytes.
func (hp *Heap) update(ctx context.Context, txid storage.TxID, rid storage.RecordID,
	typ wal.RecordType, fn func(buf []byte) error) (wal.Change, error) {

	h, err := hp.pool.Fetch(ctx, rid.PageID())
	if err != nil {
		return wal.Change{}, err
	}
	defer h.Release()

	h.Lock()
	return h.Apply(hp.wal, txid, typ,
		func(pg page.Page) error {
			buf, err := hp.tupleBytes(h, rid)
			if err != nil {
				return err
			} else if buf == nil {
				return fmt.Errorf("heap: tuple %s has been reclaimed", rid)
			}
			return fn(buf)
		})
}

// SetLive makes the tuple created by txid take effect. It is logged as an insert, so it is
// undone if txid does not commit.
func (hp *Heap) SetLive(ctx context.Context, txid storage.TxID, rid storage.RecordID) (
	wal.Change, error) {

	return hp.update(ctx, txid, rid, wal.InsertRecord,
		func(buf []byte) error {
			buf[flagsOffset] |= byte(Live)
			return nil
		})
}

// SetXmax marks the tuple as replaced or deleted by xmax. typ must be wal.UpdateRecord or
// wal.DeleteRecord; the change is undone if txid does not commit.
func (hp *Heap) SetXmax(ctx context.Context, txid storage.TxID, rid storage.RecordID,
	xmax storage.TxID, typ wal.RecordType) (wal.Change, error) {

	if typ != wal.UpdateRecord && typ != wal.DeleteRecord {
		panic(fmt.Sprintf("heap: set xmax with record type %s", typ))
	}
	return hp.update(ctx, txid, rid, typ,
		func(buf []byte) error {
			binary.LittleEndian.PutUint64(buf[xmaxOffset:], uint64(xmax))
			return nil
		})
}

// SetPrev changes the next older version of the tuple; vacuum uses it to cut a chain.
func (hp *Heap) SetPrev(ctx context.Context, rid, prev storage.RecordID) error {
	_, err := hp.update(ctx, storage.InvalidTxID, rid, wal.PageRecord,
		func(buf []byte) error {
			binary.LittleEndian.PutUint64(buf[prevOffset:], uint64(prev))
			return nil
		})
	return err
}

// Reclaim marks a tuple which no transaction can reach any more. Its slot is freed, and
// may be reused, once the page is compacted.
func (hp *Heap) Reclaim(ctx context.Context, rid storage.RecordID) error {
	_, err := hp.update(ctx, storage.InvalidTxID, rid, wal.PageRecord,
		func(buf []byte) error {
			buf[flagsOffset] |= byte(Reclaimed)
			return nil
		})
	return err
}

// Compact frees the slots of the reclaimed tuples in a page, moves the remaining tuples
// together, and makes the free space available to Append. The record IDs of reclaimed
// tuples may be reused afterwards.
func (hp *Heap) Compact(ctx context.Context, pid storage.PageID) error {
	h, err := hp.pool.Fetch(ctx, pid)
	if err != nil {
		return err
	}

	h.Lock()
	var free int
	_, err = h.Apply(hp.wal, storage.InvalidTxID, wal.PageRecord,
		func(pg page.Page) error {
			if pg.Type() != page.HeapType {
				return fmt.Errorf("heap: compact page %d of type %s", pid, pg.Type())
			}
			slottedPage(pg).compact()
			free = pg.FreeSpace()
			return nil
		})
	// Append latches pages with hp.mutex held.
	h.Release()
	if err != nil {
		return err
	}

	hp.mutex.Lock()
	if pid != hp.tail {
		hp.reusable[pid] = free
	}
	hp.mutex.Unlock()
	return nil
}
