package mvcc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/recovery"
	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/heap"
	"github.com/leftmike/boxsql/storage/lock"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

const (
	DataFile   = "boxsql.db"
	WALDir     = "wal"
	ArchiveDir = "archive"

	DefaultIndex = "default"
)

type Isolation int

const (
	// SnapshotIsolation uses one snapshot for the whole transaction; a write fails with
	// storage.ErrWriteConflict if the key was changed by a transaction which committed
	// after the snapshot was taken.
	SnapshotIsolation Isolation = iota
	// ReadCommitted takes a fresh snapshot for every operation.
	ReadCommitted
)

func (iso Isolation) String() string {
	switch iso {
	case SnapshotIsolation:
		return "snapshot"
	case ReadCommitted:
		return "read-committed"
	}
	return fmt.Sprintf("isolation-%d", int(iso))
}

func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "snapshot", "si":
		return SnapshotIsolation, nil
	case "read-committed", "rc":
		return ReadCommitted, nil
	}
	return 0, fmt.Errorf("mvcc: unknown isolation level: %s", s)
}

type Options struct {
	Fs  afero.Fs
	Dir string
	// Number of buffer pool frames, and how long to wait for a frame when they are all
	// pinned.
	Frames   int
	PoolWait time.Duration
	// How long a write waits for a key locked by another transaction.
	LockTimeout time.Duration
	Isolation   Isolation
	// How often the background checkpointer runs; 0 disables it.
	CheckpointInterval time.Duration
	// Keep log segments no longer needed for recovery, compressed, in wal/archive.
	Archive bool
	// Initial size of the in-memory log buffer.
	LogBuffer int
	Logger    *log.Logger
}

// Engine is the transaction layer over a data file and its write-ahead log.
type Engine struct {
	fs        afero.Fs
	dir       string
	pm        *page.Manager
	wal       *wal.Log
	pool      *buffer.Pool
	locks     *lock.Manager
	isolation Isolation
	logger    *log.Logger
	lsns      storage.Counter
	txids     storage.Counter

	recovered recovery.Result

	ckptMutex sync.Mutex
	lastCkpt  storage.LSN

	// Serializes changes to the catalog.
	catalogMutex sync.Mutex
	vacuumMutex  sync.Mutex

	mutex         sync.Mutex
	active        map[storage.TxID]*Transaction
	snapshots     *snapshotSet
	status        map[storage.TxID]uint64
	commitVersion uint64
	indexes       map[string]*Index
	pending       []pendingCompact
	closed        bool

	done chan struct{}
	wg   sync.WaitGroup
}

const (
	// Status of an aborted transaction; committed transactions have their commit version.
	abortedVersion = ^uint64(0)
	// Status of an aborted transaction whose changes could not be undone; it is never
	// pruned.
	unrevertedVersion = abortedVersion - 1
)

// Open opens, or creates, the data file and log in opts.Dir, recovers them, and loads the
// catalog of indexes. A new database starts with an empty index named DefaultIndex.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Frames <= 0 {
		opts.Frames = 1024
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	e := &Engine{
		fs:        opts.Fs,
		dir:       opts.Dir,
		isolation: opts.Isolation,
		logger:    opts.Logger,
		active:    map[storage.TxID]*Transaction{},
		snapshots: newSnapshotSet(),
		status:    map[storage.TxID]uint64{},
		indexes:   map[string]*Index{},
		done:      make(chan struct{}),
	}
	e.locks = lock.NewManager(lock.Options{Timeout: opts.LockTimeout, Logger: opts.Logger})

	err := e.fs.MkdirAll(opts.Dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("mvcc: %s: %w", opts.Dir, err)
	}
	name := filepath.Join(opts.Dir, DataFile)
	exists, err := afero.Exists(e.fs, name)
	if err != nil {
		return nil, fmt.Errorf("mvcc: %s: %w", name, err)
	}
	if exists {
		e.pm, err = page.Open(e.fs, name, e.logger)
	} else {
		e.pm, err = page.Create(e.fs, name, e.logger)
	}
	if err != nil {
		return nil, err
	}

	walOpts := wal.Options{
		Dir:        filepath.Join(opts.Dir, WALDir),
		Instance:   e.pm.InstanceID(),
		BufferSize: opts.LogBuffer,
		Logger:     e.logger,
	}
	if opts.Archive {
		walOpts.ArchiveDir = filepath.Join(walOpts.Dir, ArchiveDir)
	}
	e.wal, err = wal.Open(e.fs, &e.lsns, walOpts)
	if err != nil {
		e.pm.Close()
		return nil, err
	}
	e.pool = buffer.New(e.pm, e.wal,
		buffer.Options{Frames: opts.Frames, Wait: opts.PoolWait, Logger: e.logger})

	res, err := recovery.Run(ctx, recovery.Options{Pool: e.pool, Log: e.wal, Logger: e.logger})
	if err != nil {
		e.abandon()
		return nil, err
	}
	e.txids.Set(uint64(res.NextTxID) - 1)
	e.lastCkpt = res.Checkpoint
	e.recovered = *res

	err = e.loadCatalog(ctx)
	if err != nil {
		e.abandon()
		return nil, err
	}

	e.logger.WithFields(log.Fields{
		"dir":       opts.Dir,
		"pages":     e.pm.PageCount(),
		"indexes":   len(e.indexes),
		"next_txid": res.NextTxID,
		"isolation": e.isolation,
	}).Info("mvcc: opened")

	if opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointer(opts.CheckpointInterval)
	}
	return e, nil
}

func (e *Engine) loadCatalog(ctx context.Context) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}

	if e.pm.PageCount() == 1 {
		h, err := e.pool.NewPage(ctx)
		if err != nil {
			return err
		}
		pid := h.PageID()
		h.Release()
		if pid != catalogPageID {
			return fmt.Errorf("mvcc: catalog allocated as page %d", pid)
		}
	}

	entries, err := e.readCatalog(ctx)
	if err != nil {
		return err
	}
	for _, ce := range entries {
		idx, err := e.openIndex(ctx, ce)
		if err != nil {
			return err
		}
		e.indexes[ce.name] = idx
	}

	if _, ok := e.indexes[DefaultIndex]; !ok {
		_, err = e.CreateIndex(ctx, tx, IndexSpec{Name: DefaultIndex})
		if err != nil {
			return err
		}
	}
	return e.Commit(ctx, tx)
}

// abandon closes the files without writing anything more.
func (e *Engine) abandon() {
	e.wal.Abandon()
	e.pm.Close()
}

func (e *Engine) checkpointer(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := e.Checkpoint(context.Background())
			if err != nil {
				e.logger.WithError(err).Error("mvcc: background checkpoint")
			}
		}
	}
}

// activeTxs returns the next transaction ID and every transaction which has appended a
// record but not its commit or abort record.
func (e *Engine) activeTxs() (storage.TxID, []wal.ActiveTx) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var atxs []wal.ActiveTx
	for _, tx := range e.active {
		if tx.firstLSN != storage.InvalidLSN {
			atxs = append(atxs, wal.ActiveTx{TxID: tx.id, FirstLSN: tx.firstLSN})
		}
	}
	return storage.TxID(e.txids.Current() + 1), atxs
}

// Checkpoint writes every dirty page, logs a checkpoint, starts a new log segment, and
// archives the segments which recovery no longer needs. It does nothing if no records
// have been appended since the last checkpoint.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.ckptMutex.Lock()
	defer e.ckptMutex.Unlock()

	if e.lastCkpt != storage.InvalidLSN && e.wal.LastLSN() == e.lastCkpt {
		return nil
	}

	start := time.Now()
	lsn, ckpt, err := recovery.Checkpoint(ctx, e.pool, e.wal, e.activeTxs)
	if err != nil {
		return err
	}
	e.lastCkpt = lsn

	_, err = e.wal.Rotate(ctx)
	if err != nil {
		return err
	}
	archived, err := e.wal.Archive(ckpt.ScanStart())
	if err != nil {
		return err
	}

	e.logger.WithFields(log.Fields{
		"lsn":      lsn,
		"redo_lsn": ckpt.RedoLSN,
		"active":   len(ckpt.Active),
		"archived": archived,
		"elapsed":  time.Since(start),
	}).Info("mvcc: checkpoint")
	return nil
}

// Close stops the checkpointer, aborts every active transaction, takes a final checkpoint
// and closes the log and the data file.
func (e *Engine) Close(ctx context.Context) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return errors.New("mvcc: engine already closed")
	}
	e.closed = true
	var txs []*Transaction
	for _, tx := range e.active {
		txs = append(txs, tx)
	}
	e.mutex.Unlock()

	close(e.done)
	e.wg.Wait()

	for _, tx := range txs {
		err := e.Abort(ctx, tx)
		if err != nil && !errors.Is(err, storage.ErrTransactionClosed) {
			e.logger.WithError(err).WithField("txid", tx.id).Error("mvcc: close: abort")
		}
	}

	err := e.Checkpoint(ctx)
	if err == nil {
		err = e.pool.Close(ctx)
	}
	if werr := e.wal.Close(); err == nil {
		err = werr
	}
	if perr := e.pm.Close(); err == nil {
		err = perr
	}
	return err
}

// Recovery returns what recovery did when the engine was opened.
func (e *Engine) Recovery() recovery.Result {
	return e.recovered
}

// LogSegments returns the paths of the log segments, and of the archived segments if
// archiving is enabled, in LSN order.
func (e *Engine) LogSegments() (segs []string, archived []string, err error) {
	dir := filepath.Join(e.dir, WALDir)
	for _, name := range e.wal.Segments() {
		segs = append(segs, filepath.Join(dir, name))
	}

	adir := filepath.Join(dir, ArchiveDir)
	ok, err := afero.DirExists(e.fs, adir)
	if err != nil || !ok {
		return segs, nil, err
	}
	fis, err := afero.ReadDir(e.fs, adir)
	if err != nil {
		return nil, nil, err
	}
	for _, fi := range fis {
		archived = append(archived, filepath.Join(adir, fi.Name()))
	}
	return segs, archived, nil
}

// ScanLog calls fn for every durable record in the log, or, if segment is not empty, for
// every record in that archived segment.
func (e *Engine) ScanLog(segment string, fn func(rec wal.Record) error) error {
	if segment != "" {
		return wal.ReadArchivedSegment(e.fs, segment, fn)
	}
	return e.wal.Scan(fn)
}

// FileSize returns the size in bytes of a file managed by the engine, such as a log
// segment.
func (e *Engine) FileSize(name string) (int64, error) {
	fi, err := e.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// committed reports whether txid committed at or before snapshot. A transaction which is
// neither active nor in the status table committed before the engine was opened, or before
// the status table was last pruned. e.mutex must be held.
func (e *Engine) committed(txid storage.TxID, snapshot uint64) bool {
	if _, ok := e.active[txid]; ok {
		return false
	}
	cv, ok := e.status[txid]
	if !ok {
		return true
	}
	return cv < unrevertedVersion && cv <= snapshot
}

// visible reports whether the version is visible to a reader with snapshot; self is the
// reading transaction, whose own changes are always visible to it.
func (e *Engine) visible(t heap.Tuple, self storage.TxID, snapshot uint64) (created,
	deleted bool) {

	if t.Flags&heap.Live == 0 || t.Flags&heap.Reclaimed != 0 {
		return false, false
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	created = t.Xmin == self || e.committed(t.Xmin, snapshot)
	deleted = t.Xmax != storage.InvalidTxID &&
		(t.Xmax == self || e.committed(t.Xmax, snapshot))
	return created, deleted
}

// Stats are counters describing the state of the engine.
type Stats struct {
	Pages         uint64
	FreePages     int
	LastLSN       storage.LSN
	FlushedLSN    storage.LSN
	CommitVersion uint64
	Active        int
	Pool          buffer.Stats
}

func (e *Engine) Stats() Stats {
	e.mutex.Lock()
	cv := e.commitVersion
	active := len(e.active)
	e.mutex.Unlock()

	return Stats{
		Pages:         e.pm.PageCount(),
		FreePages:     e.pm.FreePages(),
		LastLSN:       e.wal.LastLSN(),
		FlushedLSN:    e.wal.FlushedLSN(),
		CommitVersion: cv,
		Active:        active,
		Pool:          e.pool.Stats(),
	}
}
