package mvcc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

/*
type catalogPage struct {
	header          // 0
	length uint32   // 32
	entries []byte  // 36: protowire encoded catalogEntry, one per index
}

message catalogEntry {
	string name = 1;
	uint64 tree = 2; // b-tree meta page
	uint64 heap = 3; // heap meta page
}
*/

const (
	// The catalog is always the first page allocated after the superblock.
	catalogPageID = storage.PageID(1)

	catalogHeaderSize = page.HeaderSize + 4

	catalogEntryField = 1

	entryNameField = 1
	entryTreeField = 2
	entryHeapField = 3
)

type catalogEntry struct {
	name string
	tree storage.PageID
	heap storage.PageID
}

func encodeCatalog(entries []catalogEntry) []byte {
	var buf []byte
	for _, ce := range entries {
		var msg []byte
		msg = protowire.AppendTag(msg, entryNameField, protowire.BytesType)
		msg = protowire.AppendString(msg, ce.name)
		msg = protowire.AppendTag(msg, entryTreeField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(ce.tree))
		msg = protowire.AppendTag(msg, entryHeapField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(ce.heap))

		buf = protowire.AppendTag(buf, catalogEntryField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	return buf
}

func decodeCatalog(buf []byte) ([]catalogEntry, error) {
	var entries []catalogEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		if num != catalogEntryField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		ce, err := decodeCatalogEntry(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ce)
	}
	return entries, nil
}

func decodeCatalogEntry(msg []byte) (catalogEntry, error) {
	var ce catalogEntry
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return ce, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == entryNameField && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(msg)
			ce.name = s
		case num == entryTreeField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			ce.tree = storage.PageID(v)
		case num == entryHeapField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			ce.heap = storage.PageID(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return ce, protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	return ce, nil
}

// readCatalog returns the entries in the catalog page; a catalog page which was allocated
// but never written has no entries.
func (e *Engine) readCatalog(ctx context.Context) ([]catalogEntry, error) {
	h, err := e.pool.Fetch(ctx, catalogPageID)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	h.RLock()
	pg := h.Page()
	if pg.IsZero() {
		return nil, nil
	}
	if pg.Type() != page.CatalogType {
		return nil, &storage.PageError{
			Op:   "mvcc: catalog",
			Page: catalogPageID,
			Err:  fmt.Errorf("%w: page has type %s", storage.ErrPageCorruption, pg.Type()),
		}
	}

	n := int(binary.LittleEndian.Uint32(pg[page.HeaderSize:]))
	if catalogHeaderSize+n > page.Size {
		return nil, &storage.PageError{
			Op:   "mvcc: catalog",
			Page: catalogPageID,
			Err:  fmt.Errorf("%w: length %d", storage.ErrPageCorruption, n),
		}
	}
	entries, err := decodeCatalog(pg[catalogHeaderSize : catalogHeaderSize+n])
	if err != nil {
		return nil, &storage.PageError{
			Op:   "mvcc: catalog",
			Page: catalogPageID,
			Err:  fmt.Errorf("%w: %s", storage.ErrPageCorruption, err),
		}
	}
	return entries, nil
}

// writeCatalog replaces the entries in the catalog page as part of txid.
func (e *Engine) writeCatalog(ctx context.Context, txid storage.TxID,
	entries []catalogEntry) error {

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	buf := encodeCatalog(entries)
	if catalogHeaderSize+len(buf) > page.Size {
		return fmt.Errorf("mvcc: catalog full: %d indexes", len(entries))
	}

	h, err := e.pool.Fetch(ctx, catalogPageID)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Lock()
	_, err = h.Apply(e.wal, txid, wal.PageRecord,
		func(pg page.Page) error {
			if pg.Type() != page.CatalogType {
				pg.Init(catalogPageID, page.CatalogType)
			}
			binary.LittleEndian.PutUint32(pg[page.HeaderSize:], uint32(len(buf)))
			copy(pg[catalogHeaderSize:], buf)
			pg.SetLower(uint16(catalogHeaderSize + len(buf)))
			return nil
		})
	return err
}
