package buffer

import (
	"fmt"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

type latchMode int

const (
	noLatch latchMode = iota
	sharedLatch
	exclusiveLatch
)

// Handle is a pinned page. The page contents may only be read with the latch held shared
// or exclusive, and only modified with the latch held exclusive, using Apply or Redo.
type Handle struct {
	pool    *Pool
	idx     int32
	pid     storage.PageID
	latched latchMode
}

func (h *Handle) PageID() storage.PageID {
	return h.pid
}

// Page returns the page image in the frame; the handle must be latched.
func (h *Handle) Page() page.Page {
	if h.latched == noLatch {
		panic(fmt.Sprintf("buffer: page %d accessed without a latch", h.pid))
	}
	return h.pool.frames[h.idx].buf
}

func (h *Handle) Lock() {
	h.pool.frames[h.idx].latch.Lock()
	h.latched = exclusiveLatch
}

func (h *Handle) Unlock() {
	h.latched = noLatch
	h.pool.frames[h.idx].latch.Unlock()
}

func (h *Handle) RLock() {
	h.pool.frames[h.idx].latch.RLock()
	h.latched = sharedLatch
}

func (h *Handle) RUnlock() {
	h.latched = noLatch
	h.pool.frames[h.idx].latch.RUnlock()
}

// Release drops any latch held through the handle and unpins the page. The handle must
// not be used afterwards.
func (h *Handle) Release() {
	switch h.latched {
	case sharedLatch:
		h.RUnlock()
	case exclusiveLatch:
		h.Unlock()
	}
	h.pool.unpin(h.idx)
	h.idx = noFrame
}

func (h *Handle) markDirty(lsn storage.LSN) {
	f := &h.pool.frames[h.idx]
	f.mu.Lock()
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
	}
	f.mu.Unlock()
}

// Apply makes a logged change to the page: fn modifies the page, the changed bytes are
// appended to the log as a record of type typ for txid, and the page LSN is set to the LSN
// of the record. The handle must be latched exclusive. If fn fails, or the record can not
// be appended, the page is left unchanged. If fn changes nothing, no record is written and
// the LSN of the returned change is storage.InvalidLSN.
func (h *Handle) Apply(wl *wal.Log, txid storage.TxID, typ wal.RecordType,
	fn func(pg page.Page) error) (wal.Change, error) {

	if h.latched != exclusiveLatch {
		panic(fmt.Sprintf("buffer: page %d modified without an exclusive latch", h.pid))
	}

	pg := h.pool.frames[h.idx].buf
	before := make(page.Page, page.Size)
	copy(before, pg)

	err := fn(pg)
	if err != nil {
		copy(pg, before)
		return wal.Change{}, err
	}

	deltas := wal.Diff(before, pg, page.DiffStart)
	if len(deltas) == 0 {
		return wal.Change{}, nil
	}
	lsn, err := wl.Append(wal.Record{
		TxID:    txid,
		Type:    typ,
		PageID:  h.pid,
		Payload: wal.EncodeDeltas(deltas),
	})
	if err != nil {
		copy(pg, before)
		return wal.Change{}, err
	}

	pg.SetLSN(lsn)
	h.markDirty(lsn)
	return wal.Change{LSN: lsn, PageID: h.pid, Deltas: deltas}, nil
}

// Redo applies the after images of a logged change if the page does not already reflect
// it; it reports whether the change was applied. The handle must be latched exclusive.
func (h *Handle) Redo(lsn storage.LSN, deltas []wal.Delta) (bool, error) {
	if h.latched != exclusiveLatch {
		panic(fmt.Sprintf("buffer: page %d redone without an exclusive latch", h.pid))
	}

	pg := h.pool.frames[h.idx].buf
	if pg.LSN() >= lsn {
		return false, nil
	}
	for _, d := range deltas {
		if d.Offset < page.DiffStart || d.Offset+len(d.After) > page.Size {
			return false, &storage.PageError{
				Op:   "buffer: redo",
				Page: h.pid,
				LSN:  lsn,
				Err: fmt.Errorf("%w: delta at %d of %d bytes out of range",
					storage.ErrPageCorruption, d.Offset, len(d.After)),
			}
		}
	}
	for _, d := range deltas {
		copy(pg[d.Offset:], d.After)
	}
	pg.SetLSN(lsn)
	h.markDirty(lsn)
	return true, nil
}
