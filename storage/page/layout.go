package page

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/leftmike/boxsql/storage"
)

const (
	Size       = 8192
	HeaderSize = 32

	FormatVersion = uint16(1)

	// Bytes [0, DiffStart) hold the checksum, page ID and page LSN: they are maintained by
	// the page manager and the buffer pool and never logged as part of a page change.
	DiffStart = 20
)

type Type uint16

const (
	FreeType Type = iota
	SuperblockType
	CatalogType
	BTreeMetaType
	BTreeNodeType
	HeapMetaType
	HeapType
)

var typeNames = map[Type]string{
	FreeType:       "free",
	SuperblockType: "superblock",
	CatalogType:    "catalog",
	BTreeMetaType:  "btree-meta",
	BTreeNodeType:  "btree-node",
	HeapMetaType:   "heap-meta",
	HeapType:       "heap",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

var (
	Signature = [16]byte{'B', 'o', 'x', 'S', 'Q', 'L', 'D', 'a', 't', 'a', 'F', 'i', 'l', 'e'}
)

type header struct {
	checksum uint32         // 0
	pageID   storage.PageID // 4
	pageLSN  storage.LSN    // 12
	pageType Type           // 20
	lower    uint16         // 22
	upper    uint16         // 24
	_        [6]byte        // 26
} // 32

// Page is the in-memory image of one page: a header followed by a type specific body.
type Page []byte

func (pg Page) Init(pid storage.PageID, typ Type) {
	for i := range pg {
		pg[i] = 0
	}
	pg.SetID(pid)
	pg.SetType(typ)
	pg.SetLower(HeaderSize)
	pg.SetUpper(Size)
}

func (pg Page) Checksum() uint32 {
	return binary.LittleEndian.Uint32(pg[0:])
}

func (pg Page) SetChecksum(u32 uint32) {
	binary.LittleEndian.PutUint32(pg[0:], u32)
}

func (pg Page) ID() storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(pg[4:]))
}

func (pg Page) SetID(pid storage.PageID) {
	binary.LittleEndian.PutUint64(pg[4:], uint64(pid))
}

func (pg Page) LSN() storage.LSN {
	return storage.LSN(binary.LittleEndian.Uint64(pg[12:]))
}

func (pg Page) SetLSN(lsn storage.LSN) {
	binary.LittleEndian.PutUint64(pg[12:], uint64(lsn))
}

func (pg Page) Type() Type {
	return Type(binary.LittleEndian.Uint16(pg[20:]))
}

func (pg Page) SetType(typ Type) {
	binary.LittleEndian.PutUint16(pg[20:], uint16(typ))
}

func (pg Page) Lower() uint16 {
	return binary.LittleEndian.Uint16(pg[22:])
}

func (pg Page) SetLower(u16 uint16) {
	binary.LittleEndian.PutUint16(pg[22:], u16)
}

func (pg Page) Upper() uint16 {
	return binary.LittleEndian.Uint16(pg[24:])
}

func (pg Page) SetUpper(u16 uint16) {
	binary.LittleEndian.PutUint16(pg[24:], u16)
}

func (pg Page) FreeSpace() int {
	return int(pg.Upper()) - int(pg.Lower())
}

func (pg Page) IsZero() bool {
	for _, b := range pg {
		if b != 0 {
			return false
		}
	}
	return true
}

func (pg Page) ComputeChecksum() uint32 {
	sum := blake3.Sum256(pg[4:])
	return binary.LittleEndian.Uint32(sum[:4])
}

func (pg Page) StampChecksum() {
	pg.SetChecksum(pg.ComputeChecksum())
}

// VerifyChecksum reports whether the stored checksum matches the page contents. A page
// which was allocated but never written is all zeros and is valid.
func (pg Page) VerifyChecksum() bool {
	if pg.Checksum() == 0 && pg.IsZero() {
		return true
	}
	return pg.Checksum() == pg.ComputeChecksum()
}

type superblock struct {
	header                    // 0
	signature  [16]byte       // 32
	version    uint16         // 48
	_          uint16         // 50
	pageSize   uint32         // 52
	pageCount  uint64         // 56
	freeHead   storage.PageID // 64
	freeCount  uint64         // 72
	instanceID [16]byte       // 80
} // 96

// Superblock is always page 0 of the data file and is owned by the page manager.
type Superblock Page

func (sb Superblock) Signature() [16]byte {
	var ret [16]byte
	copy(ret[:], sb[32:48])
	return ret
}

func (sb Superblock) SetSignature(sig [16]byte) {
	copy(sb[32:48], sig[:])
}

func (sb Superblock) Version() uint16 {
	return binary.LittleEndian.Uint16(sb[48:])
}

func (sb Superblock) SetVersion(u16 uint16) {
	binary.LittleEndian.PutUint16(sb[48:], u16)
}

func (sb Superblock) PageSize() uint32 {
	return binary.LittleEndian.Uint32(sb[52:])
}

func (sb Superblock) SetPageSize(u32 uint32) {
	binary.LittleEndian.PutUint32(sb[52:], u32)
}

func (sb Superblock) PageCount() uint64 {
	return binary.LittleEndian.Uint64(sb[56:])
}

func (sb Superblock) SetPageCount(u64 uint64) {
	binary.LittleEndian.PutUint64(sb[56:], u64)
}

func (sb Superblock) FreeHead() storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(sb[64:]))
}

func (sb Superblock) SetFreeHead(pid storage.PageID) {
	binary.LittleEndian.PutUint64(sb[64:], uint64(pid))
}

func (sb Superblock) FreeCount() uint64 {
	return binary.LittleEndian.Uint64(sb[72:])
}

func (sb Superblock) SetFreeCount(u64 uint64) {
	binary.LittleEndian.PutUint64(sb[72:], u64)
}

func (sb Superblock) InstanceID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], sb[80:96])
	return id
}

func (sb Superblock) SetInstanceID(id uuid.UUID) {
	copy(sb[80:96], id[:])
}

type freePage struct {
	header                // 0
	next   storage.PageID // 32
} // 40

// FreePage links freed pages together; the head of the list is in the superblock.
type FreePage Page

func (fp FreePage) Next() storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(fp[32:]))
}

func (fp FreePage) SetNext(pid storage.PageID) {
	binary.LittleEndian.PutUint64(fp[32:], uint64(pid))
}
