package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
)

/*
Heap pages are slotted pages: tuples are stored upward from the end of the page header and
the slot array grows downward from the end of the page. A slot is the offset and length of
its tuple; a slot with a length of zero has been reclaimed and may be reused. The page
lower and upper header fields bound the free space in the middle.

Each tuple is a version of a value:

type tuple struct {
	xmin    storage.TxID     // 0
	xmax    storage.TxID     // 8
	prev    storage.RecordID // 16
	flags   Flags            // 24
	payload []byte           // 25
}
*/

const (
	slotSize        = 4
	tupleHeaderSize = 25

	xminOffset  = 0
	xmaxOffset  = 8
	prevOffset  = 16
	flagsOffset = 24

	// MaxPayloadSize is the largest payload which fits in an empty heap page.
	MaxPayloadSize = page.Size - page.HeaderSize - slotSize - tupleHeaderSize
)

type Flags byte

const (
	// Live is set once the creating transaction's insert has taken effect; undoing the
	// insert clears it, leaving a dead version.
	Live Flags = 1 << iota
	Reclaimed
)

func (f Flags) String() string {
	switch f {
	case 0:
		return "dead"
	case Live:
		return "live"
	case Reclaimed, Live | Reclaimed:
		return "reclaimed"
	}
	return fmt.Sprintf("flags-%d", byte(f))
}

// Tuple is one version in a chain of versions; Prev is the next older version.
type Tuple struct {
	Xmin    storage.TxID
	Xmax    storage.TxID
	Prev    storage.RecordID
	Flags   Flags
	Payload []byte
}

func (t Tuple) String() string {
	return fmt.Sprintf("xmin=%d xmax=%d prev=%s %s %d bytes", t.Xmin, t.Xmax, t.Prev, t.Flags,
		len(t.Payload))
}

type slottedPage page.Page

func (sp slottedPage) slotCount() int {
	return (page.Size - int(page.Page(sp).Upper())) / slotSize
}

func slotBase(slot int) int {
	return page.Size - (slot+1)*slotSize
}

func (sp slottedPage) slot(slot int) (int, int) {
	base := slotBase(slot)
	return int(binary.LittleEndian.Uint16(sp[base:])),
		int(binary.LittleEndian.Uint16(sp[base+2:]))
}

func (sp slottedPage) setSlot(slot, off, length int) {
	base := slotBase(slot)
	binary.LittleEndian.PutUint16(sp[base:], uint16(off))
	binary.LittleEndian.PutUint16(sp[base+2:], uint16(length))
}

// reusableSlot returns a reclaimed slot, or -1 if there are none.
func (sp slottedPage) reusableSlot() int {
	for slot := 0; slot < sp.slotCount(); slot++ {
		if _, length := sp.slot(slot); length == 0 {
			return slot
		}
	}
	return -1
}

// fits reports whether a tuple with a payload of n bytes can be inserted.
func (sp slottedPage) fits(n int) bool {
	need := tupleHeaderSize + n
	if sp.reusableSlot() < 0 {
		need += slotSize
	}
	return need <= page.Page(sp).FreeSpace()
}

func (sp slottedPage) insert(t Tuple) (int, error) {
	pg := page.Page(sp)
	length := tupleHeaderSize + len(t.Payload)

	slot := sp.reusableSlot()
	need := length
	if slot < 0 {
		need += slotSize
	}
	if need > pg.FreeSpace() {
		return 0, fmt.Errorf("heap: page %d: need %d bytes, have %d", pg.ID(), need,
			pg.FreeSpace())
	}

	off := int(pg.Lower())
	buf := sp[off : off+length]
	binary.LittleEndian.PutUint64(buf[xminOffset:], uint64(t.Xmin))
	binary.LittleEndian.PutUint64(buf[xmaxOffset:], uint64(t.Xmax))
	binary.LittleEndian.PutUint64(buf[prevOffset:], uint64(t.Prev))
	buf[flagsOffset] = byte(t.Flags)
	copy(buf[tupleHeaderSize:], t.Payload)
	pg.SetLower(uint16(off + length))

	if slot < 0 {
		slot = sp.slotCount()
		pg.SetUpper(pg.Upper() - slotSize)
	}
	sp.setSlot(slot, off, length)
	return slot, nil
}

// tuple returns the bytes of the tuple in slot, or nil if the slot has been reclaimed.
func (sp slottedPage) tuple(slot int) ([]byte, error) {
	if slot >= sp.slotCount() {
		return nil, fmt.Errorf("heap: page %d: %w: slot %d of %d", page.Page(sp).ID(),
			storage.ErrInvalidPageID, slot, sp.slotCount())
	}
	off, length := sp.slot(slot)
	if length == 0 {
		return nil, nil
	}
	if length < tupleHeaderSize || off < page.HeaderSize || off+length > page.Size {
		return nil, fmt.Errorf("heap: page %d: %w: slot %d at %d of %d bytes",
			page.Page(sp).ID(), storage.ErrPageCorruption, slot, off, length)
	}
	return sp[off : off+length], nil
}

func decodeTuple(buf []byte) Tuple {
	return Tuple{
		Xmin:    storage.TxID(binary.LittleEndian.Uint64(buf[xminOffset:])),
		Xmax:    storage.TxID(binary.LittleEndian.Uint64(buf[xmaxOffset:])),
		Prev:    storage.RecordID(binary.LittleEndian.Uint64(buf[prevOffset:])),
		Flags:   Flags(buf[flagsOffset]),
		Payload: append([]byte(nil), buf[tupleHeaderSize:]...),
	}
}

// compact frees the slots of reclaimed tuples and moves the remaining tuples together at
// the start of the page. Slot numbers of the remaining tuples do not change.
func (sp slottedPage) compact() {
	pg := page.Page(sp)
	scratch := make([]byte, page.Size)
	lower := page.HeaderSize
	for slot := 0; slot < sp.slotCount(); slot++ {
		off, length := sp.slot(slot)
		if length == 0 || Flags(sp[off+flagsOffset])&Reclaimed != 0 {
			sp.setSlot(slot, 0, 0)
			continue
		}
		copy(scratch[lower:], sp[off:off+length])
		sp.setSlot(slot, lower, length)
		lower += length
	}
	copy(sp[page.HeaderSize:lower], scratch[page.HeaderSize:lower])
	pg.SetLower(uint16(lower))
}

/*
type heapMeta struct {
	header         // 0
	tail   PageID  // 32
	pages  uint64  // 40
} // 48
*/

type metaPage page.Page

func (mp metaPage) tail() storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(mp[32:]))
}

func (mp metaPage) setTail(pid storage.PageID) {
	binary.LittleEndian.PutUint64(mp[32:], uint64(pid))
}

func (mp metaPage) pages() uint64 {
	return binary.LittleEndian.Uint64(mp[40:])
}

func (mp metaPage) setPages(u64 uint64) {
	binary.LittleEndian.PutUint64(mp[40:], u64)
}
