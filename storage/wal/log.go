package wal

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/storage"
)

type Options struct {
	// Directory containing the log segments.
	Dir string
	// Segments no longer needed for recovery are compressed into ArchiveDir; if it is
	// empty, they are removed.
	ArchiveDir string
	// Instance ID of the data file this log belongs to.
	Instance uuid.UUID
	// Initial capacity of the in-memory log buffer.
	BufferSize int
	Logger     *log.Logger
}

// Log is the write-ahead log. Append assigns LSNs and buffers records in memory; Flush
// writes and syncs them. Reserving an LSN and its space in the buffer is the only
// serialization point for appenders; records are encoded into the buffer concurrently.
type Log struct {
	fs         afero.Fs
	dir        string
	archiveDir string
	instance   uuid.UUID
	lsns       *storage.Counter
	logger     *log.Logger

	mutex sync.Mutex
	// Signalled when copying drops to zero.
	copied   *sync.Cond
	copying  int
	buf      []byte
	spare    []byte
	bufLast  storage.LSN
	err      error
	segments []segment

	flushMutex sync.Mutex
	seg        afero.File
	segOffset  int64
	flushed    atomic.Uint64
}

// Open opens the log in opts.Dir, creating the first segment if there are none. A torn or
// corrupt tail of the last segment is truncated. lsns is initialized to the last LSN in
// the log.
func Open(fs afero.Fs, lsns *storage.Counter, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}

	err := fs.MkdirAll(opts.Dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", opts.Dir, err)
	}

	wal := &Log{
		fs:         fs,
		dir:        opts.Dir,
		archiveDir: opts.ArchiveDir,
		instance:   opts.Instance,
		lsns:       lsns,
		logger:     opts.Logger,
		buf:        make([]byte, 0, opts.BufferSize),
		spare:      make([]byte, 0, opts.BufferSize),
	}
	wal.copied = sync.NewCond(&wal.mutex)

	segs, err := listSegments(fs, opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", opts.Dir, err)
	}
	if len(segs) == 0 {
		lsns.Set(0)
		err = wal.createSegment(1)
		if err != nil {
			return nil, err
		}
		return wal, nil
	}

	var st scanState
	for idx, seg := range segs {
		last := idx == len(segs)-1
		end, torn, err := wal.scan(seg, &st, nil)
		if err != nil {
			return nil, err
		}
		if torn {
			if !last {
				return nil, fmt.Errorf("wal: %s: %w: corrupt record before end of log",
					seg.name, storage.ErrPageCorruption)
			}
			wal.logger.WithFields(log.Fields{
				"segment": seg.name,
				"offset":  end,
			}).Warn("wal: truncating torn tail")
		}
		if last {
			err = wal.openSegment(seg, end)
			if err != nil {
				return nil, err
			}
		}
	}

	wal.segments = segs
	lastLSN := st.next - 1
	lsns.Set(uint64(lastLSN))
	wal.bufLast = lastLSN
	wal.flushed.Store(uint64(lastLSN))

	wal.logger.WithFields(log.Fields{
		"segments": len(segs),
		"last_lsn": lastLSN,
	}).Info("wal: opened")
	return wal, nil
}

func (wal *Log) scan(seg segment, st *scanState, fn func(rec Record) error) (int64, bool,
	error) {

	buf, err := afero.ReadFile(wal.fs, path.Join(wal.dir, seg.name))
	if err != nil {
		return 0, false, fmt.Errorf("wal: %s: %w: %s", seg.name, storage.ErrIO, err)
	}
	id, first, err := decodeSegmentHeader(seg.name, buf)
	if err != nil {
		return 0, false, err
	}
	if id != wal.instance {
		return 0, false, fmt.Errorf("wal: %s: instance %s does not match data file %s",
			seg.name, id, wal.instance)
	}
	if first != seg.firstLSN {
		return 0, false, fmt.Errorf("wal: %s: header has first lsn %d", seg.name, first)
	}
	if st.next != storage.InvalidLSN && st.next != first {
		return 0, false, fmt.Errorf("wal: %s: %w: got first lsn %d; want %d", seg.name,
			storage.ErrPageCorruption, first, st.next)
	}
	st.next = first

	return scanSegment(seg.name, buf, st, fn)
}

func (wal *Log) createSegment(first storage.LSN) error {
	seg := segment{name: segmentName(first), firstLSN: first}
	f, err := wal.fs.OpenFile(path.Join(wal.dir, seg.name), os.O_RDWR|os.O_CREATE|os.O_TRUNC,
		0644)
	if err != nil {
		return fmt.Errorf("wal: %s: %w: %s", seg.name, storage.ErrIO, err)
	}
	_, err = f.WriteAt(encodeSegmentHeader(wal.instance, first), 0)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: %s: %w: %s", seg.name, storage.ErrIO, err)
	}

	wal.seg = f
	wal.segOffset = segmentHeaderSize
	wal.segments = append(wal.segments, seg)
	return nil
}

func (wal *Log) openSegment(seg segment, end int64) error {
	f, err := wal.fs.OpenFile(path.Join(wal.dir, seg.name), os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("wal: %s: %w: %s", seg.name, storage.ErrIO, err)
	}
	err = f.Truncate(end)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: %s: %w: %s", seg.name, storage.ErrIO, err)
	}

	wal.seg = f
	wal.segOffset = end
	return nil
}

// Append assigns the next LSN to rec and adds it to the log buffer. It does not wait for
// any I/O.
func (wal *Log) Append(rec Record) (storage.LSN, error) {
	n := encodedSize(rec)

	wal.mutex.Lock()
	if len(wal.buf)+n > cap(wal.buf) {
		// The buffer can only be moved once nothing is being copied into it.
		wal.settle()
		if len(wal.buf)+n > cap(wal.buf) {
			buf := make([]byte, len(wal.buf), 2*cap(wal.buf)+n)
			copy(buf, wal.buf)
			wal.buf = buf
		}
	}
	if wal.err != nil {
		wal.mutex.Unlock()
		return storage.InvalidLSN, wal.err
	}

	rec.LSN = storage.LSN(wal.lsns.Next())
	off := len(wal.buf)
	wal.buf = wal.buf[:off+n]
	dst := wal.buf[off : off : off+n]
	wal.bufLast = rec.LSN
	wal.copying += 1
	wal.mutex.Unlock()

	encodeRecord(dst, rec)

	wal.mutex.Lock()
	wal.copying -= 1
	if wal.copying == 0 {
		wal.copied.Broadcast()
	}
	wal.mutex.Unlock()
	return rec.LSN, nil
}

// settle waits for every record with an LSN assigned to be copied into the buffer. mutex
// must be held.
func (wal *Log) settle() {
	for wal.copying > 0 {
		wal.copied.Wait()
	}
}

// LastLSN returns the LSN of the most recently appended record.
func (wal *Log) LastLSN() storage.LSN {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	return wal.bufLast
}

// FlushedLSN returns the LSN up to which the log is durable.
func (wal *Log) FlushedLSN() storage.LSN {
	return storage.LSN(wal.flushed.Load())
}

// Flush returns once every record with an LSN up to and including lsn is durable; lsn
// must have been returned by Append. Concurrent callers share a single write and sync.
func (wal *Log) Flush(ctx context.Context, lsn storage.LSN) error {
	if lsn <= wal.FlushedLSN() {
		return nil
	}
	if last := wal.LastLSN(); lsn > last {
		return fmt.Errorf("wal: flush lsn %d: past last lsn %d", lsn, last)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wal.flushMutex.Lock()
	defer wal.flushMutex.Unlock()

	if lsn <= wal.FlushedLSN() {
		return nil
	}
	return wal.flushBuffer()
}

// flushBuffer must be called with flushMutex held.
func (wal *Log) flushBuffer() error {
	wal.mutex.Lock()
	wal.settle()
	if wal.err != nil {
		wal.mutex.Unlock()
		return wal.err
	}
	buf := wal.buf
	last := wal.bufLast
	wal.buf = wal.spare[:0]
	wal.mutex.Unlock()

	err := wal.write(buf)

	wal.mutex.Lock()
	wal.spare = buf[:0]
	if err != nil {
		wal.err = err
	}
	wal.mutex.Unlock()

	if err != nil {
		wal.logger.WithField("error", err.Error()).Error("wal: flush failed")
		return err
	}
	wal.flushed.Store(uint64(last))
	return nil
}

func (wal *Log) write(buf []byte) error {
	if len(buf) > 0 {
		n, err := wal.seg.WriteAt(buf, wal.segOffset)
		if err != nil {
			return fmt.Errorf("wal: %w: write: %s", storage.ErrIO, err)
		}
		wal.segOffset += int64(n)
	}
	err := wal.seg.Sync()
	if err != nil {
		return fmt.Errorf("wal: %w: sync: %s", storage.ErrIO, err)
	}
	return nil
}

// Rotate flushes the log and starts a new segment; it returns the first LSN of the new
// segment.
func (wal *Log) Rotate(ctx context.Context) (storage.LSN, error) {
	wal.flushMutex.Lock()
	defer wal.flushMutex.Unlock()

	// Appends are held off so that the new segment starts right after the last record.
	wal.mutex.Lock()
	defer wal.mutex.Unlock()
	wal.settle()

	if wal.err != nil {
		return storage.InvalidLSN, wal.err
	}
	err := wal.write(wal.buf)
	if err != nil {
		wal.err = err
		return storage.InvalidLSN, err
	}
	wal.buf = wal.buf[:0]
	wal.flushed.Store(uint64(wal.bufLast))

	old := wal.seg
	first := wal.bufLast + 1
	err = wal.createSegment(first)
	if err != nil {
		wal.err = err
		return storage.InvalidLSN, err
	}
	old.Close()

	wal.logger.WithField("first_lsn", first).Debug("wal: rotated segment")
	return first, nil
}

// Archive archives or removes every segment whose records all have LSNs below keep. The
// current segment is never archived.
func (wal *Log) Archive(keep storage.LSN) (int, error) {
	wal.flushMutex.Lock()
	defer wal.flushMutex.Unlock()

	wal.mutex.Lock()
	segs := wal.segments
	wal.mutex.Unlock()

	var cnt int
	for len(segs) > 1 && segs[1].firstLSN <= keep {
		err := archiveSegment(wal.fs, wal.dir, wal.archiveDir, segs[0])
		if err != nil {
			return cnt, fmt.Errorf("wal: archive %s: %w", segs[0].name, err)
		}
		wal.logger.WithField("segment", segs[0].name).Info("wal: archived segment")
		segs = segs[1:]
		cnt += 1
	}

	wal.mutex.Lock()
	wal.segments = segs
	wal.mutex.Unlock()
	return cnt, nil
}

// Segments returns the names of the segments in LSN order.
func (wal *Log) Segments() []string {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	names := make([]string, 0, len(wal.segments))
	for _, seg := range wal.segments {
		names = append(names, seg.name)
	}
	return names
}

// Scan calls fn for every durable record in LSN order. It must not run concurrently with
// Rotate or Archive.
func (wal *Log) Scan(fn func(rec Record) error) error {
	wal.flushMutex.Lock()
	wal.mutex.Lock()
	segs := append([]segment(nil), wal.segments...)
	wal.mutex.Unlock()
	wal.flushMutex.Unlock()

	var st scanState
	for _, seg := range segs {
		_, _, err := wal.scan(seg, &st, fn)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any buffered records and closes the current segment.
func (wal *Log) Close() error {
	wal.flushMutex.Lock()
	defer wal.flushMutex.Unlock()

	err := wal.flushBuffer()
	if cerr := wal.seg.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("wal: %w: close: %s", storage.ErrIO, cerr)
	}
	return err
}

// Abandon closes the current segment without flushing buffered records, as if the process
// had stopped.
func (wal *Log) Abandon() {
	wal.flushMutex.Lock()
	defer wal.flushMutex.Unlock()

	wal.seg.Close()
}
