package storage

import (
	"errors"
	"fmt"
)

// PageID identifies a fixed size page in the data file; page 0 is the superblock.
type PageID uint64

// LSN is the position of a record in the write-ahead log. LSNs start at 1 and are
// gapless; 0 means no record.
type LSN uint64

// TxID identifies a transaction. 0 is used for records that belong to no transaction.
type TxID uint64

const (
	InvalidPageID PageID = 0
	InvalidLSN    LSN    = 0
	InvalidTxID   TxID   = 0
)

// RecordID locates a tuple version: the page number in the high 48 bits and the slot in
// the low 16 bits. 0 means no record.
type RecordID uint64

func MakeRecordID(pid PageID, slot uint16) RecordID {
	return RecordID(uint64(pid)<<16 | uint64(slot))
}

func (rid RecordID) PageID() PageID {
	return PageID(rid >> 16)
}

func (rid RecordID) Slot() uint16 {
	return uint16(rid & 0xFFFF)
}

func (rid RecordID) String() string {
	return fmt.Sprintf("(%d,%d)", rid.PageID(), rid.Slot())
}

var (
	ErrIO                  = errors.New("i/o error")
	ErrPageCorruption      = errors.New("page corruption")
	ErrInvalidPageID       = errors.New("invalid page id")
	ErrBufferPoolExhausted = errors.New("buffer pool exhausted")
	ErrWriteConflict       = errors.New("write conflict")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrKeyNotFound         = errors.New("key not found")
	ErrTransactionClosed   = errors.New("transaction closed")
)

// PageError reports a storage fault along with the page and log position involved.
type PageError struct {
	Op   string
	Page PageID
	LSN  LSN
	Err  error
}

func (pe *PageError) Error() string {
	if pe.LSN != InvalidLSN {
		return fmt.Sprintf("%s: page %d: lsn %d: %s", pe.Op, pe.Page, pe.LSN, pe.Err)
	}
	return fmt.Sprintf("%s: page %d: %s", pe.Op, pe.Page, pe.Err)
}

func (pe *PageError) Unwrap() error {
	return pe.Err
}

// IOError wraps an error returned by the underlying file as ErrIO, keeping the original
// error visible in the message.
func IOError(op string, pid PageID, err error) error {
	return &PageError{
		Op:   op,
		Page: pid,
		Err:  fmt.Errorf("%w: %s", ErrIO, err),
	}
}

// IsRetryable reports whether the operation failed because of contention; the caller may
// retry the transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrBufferPoolExhausted)
}

// IsFatal reports whether the error is a storage fault: the transaction must be aborted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrPageCorruption)
}
