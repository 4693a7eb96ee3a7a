package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/boxsql/storage"
)

type RecordType byte

const (
	InsertRecord RecordType = iota + 1
	UpdateRecord
	DeleteRecord
	CommitRecord
	AbortRecord
	CheckpointRecord

	// PageRecord is a redo-only structural change: b-tree nodes, heap slot allocation,
	// catalog entries. It persists regardless of the outcome of the transaction.
	PageRecord
	// CompensationRecord is written while undoing a record; it is redo-only.
	CompensationRecord
	// SplitRecord is part of a b-tree split. A split has its own transaction which commits
	// as soon as the split is complete; the records of a split which did not complete are
	// undone by recovery.
	SplitRecord
)

var recordTypeNames = map[RecordType]string{
	InsertRecord:       "insert",
	UpdateRecord:       "update",
	DeleteRecord:       "delete",
	CommitRecord:       "commit",
	AbortRecord:        "abort",
	CheckpointRecord:   "checkpoint",
	PageRecord:         "page",
	CompensationRecord: "compensation",
	SplitRecord:        "split",
}

func (rt RecordType) String() string {
	if s, ok := recordTypeNames[rt]; ok {
		return s
	}
	return fmt.Sprintf("type-%d", byte(rt))
}

// HasDeltas reports whether records of this type modify a page.
func (rt RecordType) HasDeltas() bool {
	switch rt {
	case InsertRecord, UpdateRecord, DeleteRecord, PageRecord, CompensationRecord,
		SplitRecord:
		return true
	}
	return false
}

// Undoable reports whether records of this type must be undone if their transaction does
// not commit.
func (rt RecordType) Undoable() bool {
	switch rt {
	case InsertRecord, UpdateRecord, DeleteRecord, SplitRecord:
		return true
	}
	return false
}

type Record struct {
	LSN     storage.LSN
	TxID    storage.TxID
	Type    RecordType
	PageID  storage.PageID
	Payload []byte
}

func (rec Record) String() string {
	return fmt.Sprintf("%d: %s tx=%d page=%d payload=%d", rec.LSN, rec.Type, rec.TxID,
		rec.PageID, len(rec.Payload))
}

const (
	// length(4) lsn(8) txid(8) type(1) page(8) payload length(4) ... checksum(4)
	recordHeaderSize  = 33
	recordTrailerSize = 4
	maxRecordSize     = 1 << 24
)

var (
	errTornRecord = errors.New("wal: torn or corrupt record")
)

func encodedSize(rec Record) int {
	return recordHeaderSize + len(rec.Payload) + recordTrailerSize
}

func encodeRecord(buf []byte, rec Record) []byte {
	n := encodedSize(rec)
	start := len(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.LSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.TxID))
	buf = append(buf, byte(rec.Type))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.PageID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Payload)))
	buf = append(buf, rec.Payload...)
	return binary.BigEndian.AppendUint32(buf, checksum(buf[start:]))
}

func checksum(b []byte) uint32 {
	sum := blake3.Sum256(b)
	return binary.BigEndian.Uint32(sum[:4])
}

// decodeRecord decodes the record at the start of buf and returns it along with its encoded
// length. The payload aliases buf.
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize+recordTrailerSize {
		return Record{}, 0, errTornRecord
	}
	n := int(binary.BigEndian.Uint32(buf))
	if n < recordHeaderSize+recordTrailerSize || n > maxRecordSize || n > len(buf) {
		return Record{}, 0, errTornRecord
	}
	if checksum(buf[:n-recordTrailerSize]) != binary.BigEndian.Uint32(buf[n-recordTrailerSize:]) {
		return Record{}, 0, errTornRecord
	}
	pl := int(binary.BigEndian.Uint32(buf[29:]))
	if recordHeaderSize+pl+recordTrailerSize != n {
		return Record{}, 0, errTornRecord
	}

	return Record{
		LSN:     storage.LSN(binary.BigEndian.Uint64(buf[4:])),
		TxID:    storage.TxID(binary.BigEndian.Uint64(buf[12:])),
		Type:    RecordType(buf[20]),
		PageID:  storage.PageID(binary.BigEndian.Uint64(buf[21:])),
		Payload: buf[recordHeaderSize : recordHeaderSize+pl],
	}, n, nil
}

// Delta is a physical change to a byte range of a page.
type Delta struct {
	Offset int
	Before []byte
	After  []byte
}

// Change is a logged change to a page, kept by a transaction so that it can be undone
// without reading the log.
type Change struct {
	LSN    storage.LSN
	PageID storage.PageID
	Deltas []Delta
}

// Two changed ranges closer together than this are logged as one delta.
const mergeGap = 8

// Diff compares two images of a page, starting at offset start, and returns the changed
// byte ranges.
func Diff(before, after []byte, start int) []Delta {
	var deltas []Delta

	i := start
	for i < len(after) {
		if before[i] == after[i] {
			i += 1
			continue
		}

		end := i + 1
		same := 0
		for j := i + 1; j < len(after); j++ {
			if before[j] == after[j] {
				same += 1
				if same >= mergeGap {
					break
				}
			} else {
				same = 0
				end = j + 1
			}
		}

		deltas = append(deltas,
			Delta{
				Offset: i,
				Before: append([]byte(nil), before[i:end]...),
				After:  append([]byte(nil), after[i:end]...),
			})
		i = end
	}
	return deltas
}

const (
	deltaField = 1

	deltaOffsetField = 1
	deltaBeforeField = 2
	deltaAfterField  = 3
)

func EncodeDeltas(deltas []Delta) []byte {
	var buf []byte
	for _, d := range deltas {
		var msg []byte
		msg = protowire.AppendTag(msg, deltaOffsetField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(d.Offset))
		msg = protowire.AppendTag(msg, deltaBeforeField, protowire.BytesType)
		msg = protowire.AppendBytes(msg, d.Before)
		msg = protowire.AppendTag(msg, deltaAfterField, protowire.BytesType)
		msg = protowire.AppendBytes(msg, d.After)

		buf = protowire.AppendTag(buf, deltaField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	return buf
}

func DecodeDeltas(buf []byte) ([]Delta, error) {
	var deltas []Delta
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != deltaField || typ != protowire.BytesType {
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			d, err := decodeDelta(msg)
			if err != nil {
				return 0, err
			}
			deltas = append(deltas, d)
			return n, nil
		})
	return deltas, err
}

func decodeDelta(buf []byte) (Delta, error) {
	var d Delta
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == deltaOffsetField && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				d.Offset = int(v)
				return n, nil
			case num == deltaBeforeField && typ == protowire.BytesType:
				v, n := protowire.ConsumeBytes(b)
				d.Before = v
				return n, nil
			case num == deltaAfterField && typ == protowire.BytesType:
				v, n := protowire.ConsumeBytes(b)
				d.After = v
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
	if err != nil {
		return Delta{}, err
	}
	if len(d.Before) != len(d.After) {
		return Delta{}, fmt.Errorf("wal: bad delta: before %d bytes, after %d bytes",
			len(d.Before), len(d.After))
	}
	return d, nil
}

// consumeFields calls fn for each field in buf; fn returns the number of bytes of the
// field value it consumed, or a negative protowire error code.
func consumeFields(buf []byte,
	fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("wal: bad payload: %s", protowire.ParseError(n))
		}
		buf = buf[n:]
		n, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("wal: bad payload: %s", protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return nil
}

// ActiveTx is a transaction in progress at the time of a checkpoint.
type ActiveTx struct {
	TxID     storage.TxID
	FirstLSN storage.LSN
}

// Checkpoint is the payload of a CheckpointRecord. Every page change with an LSN below
// RedoLSN is on disk.
type Checkpoint struct {
	RedoLSN  storage.LSN
	NextTxID storage.TxID
	Active   []ActiveTx
}

const (
	checkpointRedoField   = 1
	checkpointNextTxField = 2
	checkpointActiveField = 3

	activeTxIDField     = 1
	activeFirstLSNField = 2
)

// ScanStart returns the oldest LSN recovery needs to read: the redo point, or the first
// record of a transaction which was active at the checkpoint, whichever is older.
func (ckpt Checkpoint) ScanStart() storage.LSN {
	start := ckpt.RedoLSN
	for _, atx := range ckpt.Active {
		if atx.FirstLSN != storage.InvalidLSN && atx.FirstLSN < start {
			start = atx.FirstLSN
		}
	}
	return start
}

func (ckpt Checkpoint) Encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, checkpointRedoField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ckpt.RedoLSN))
	buf = protowire.AppendTag(buf, checkpointNextTxField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ckpt.NextTxID))
	for _, atx := range ckpt.Active {
		var msg []byte
		msg = protowire.AppendTag(msg, activeTxIDField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(atx.TxID))
		msg = protowire.AppendTag(msg, activeFirstLSNField, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(atx.FirstLSN))

		buf = protowire.AppendTag(buf, checkpointActiveField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	return buf
}

func DecodeCheckpoint(buf []byte) (Checkpoint, error) {
	var ckpt Checkpoint
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == checkpointRedoField && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				ckpt.RedoLSN = storage.LSN(v)
				return n, nil
			case num == checkpointNextTxField && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				ckpt.NextTxID = storage.TxID(v)
				return n, nil
			case num == checkpointActiveField && typ == protowire.BytesType:
				msg, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n, nil
				}
				var atx ActiveTx
				err := consumeFields(msg,
					func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
						if typ != protowire.VarintType {
							return protowire.ConsumeFieldValue(num, typ, b), nil
						}
						v, n := protowire.ConsumeVarint(b)
						switch num {
						case activeTxIDField:
							atx.TxID = storage.TxID(v)
						case activeFirstLSNField:
							atx.FirstLSN = storage.LSN(v)
						}
						return n, nil
					})
				if err != nil {
					return 0, err
				}
				ckpt.Active = append(ckpt.Active, atx)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
	return ckpt, err
}
