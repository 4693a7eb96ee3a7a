package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

const (
	numShards = 16

	// Maximum number of pages written concurrently by FlushUpTo.
	flushParallelism = 8
)

type Options struct {
	// Number of page frames.
	Frames int
	// How long Fetch and NewPage wait for a frame to be unpinned when every frame is
	// pinned; 0 means fail immediately.
	Wait   time.Duration
	Logger *log.Logger
}

type shard struct {
	mutex sync.Mutex
	table map[storage.PageID]int32
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Writes    uint64
}

// Pool caches pages from the page manager in a fixed number of frames. A page is only
// written back after the log has been flushed up to the page's LSN.
type Pool struct {
	pm     *page.Manager
	wal    *wal.Log
	wait   time.Duration
	logger *log.Logger
	frames []frame
	shards [numShards]shard

	// Unpinned frames in least recently used order: head is the most recently unpinned.
	lruMutex sync.Mutex
	lruHead  int32
	lruTail  int32
	unpinned chan struct{}

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	writes    atomic.Uint64
}

var (
	errEvictionRaced = errors.New("buffer: frame pinned during eviction")
)

func New(pm *page.Manager, wl *wal.Log, opts Options) *Pool {
	if opts.Frames < 1 {
		opts.Frames = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	p := &Pool{
		pm:      pm,
		wal:     wl,
		wait:    opts.Wait,
		logger:  opts.Logger,
		frames:  make([]frame, opts.Frames),
		lruHead: noFrame,
		lruTail: noFrame,
	}
	for idx := range p.shards {
		p.shards[idx].table = map[storage.PageID]int32{}
	}
	for idx := range p.frames {
		f := &p.frames[idx]
		f.buf = make(page.Page, page.Size)
		f.prev = noFrame
		f.next = noFrame
		p.lruPush(int32(idx))
	}
	return p
}

func (p *Pool) shard(pid storage.PageID) *shard {
	return &p.shards[uint64(pid)%numShards]
}

// Fetch pins the page, reading it from the page manager if it is not in the pool. The
// returned handle is not latched.
func (p *Pool) Fetch(ctx context.Context, pid storage.PageID) (*Handle, error) {
	if pid == storage.InvalidPageID {
		return nil, &storage.PageError{Op: "buffer: fetch", Page: pid,
			Err: storage.ErrInvalidPageID}
	}

	for {
		h, ok := p.pinMapped(pid)
		if ok {
			if h != nil {
				p.hits.Add(1)
				return h, nil
			}
			continue
		}

		idx, err := p.victim(ctx)
		if err != nil {
			return nil, err
		}

		f := &p.frames[idx]
		if !p.install(pid, idx) {
			// Another goroutine loaded the page while the frame was being evicted.
			f.latch.Unlock()
			p.unpin(idx)
			continue
		}

		p.misses.Add(1)
		err = p.pm.Read(pid, f.buf)
		if err != nil {
			p.uninstall(pid, idx)
			f.latch.Unlock()
			p.unpin(idx)
			return nil, err
		}

		f.mu.Lock()
		f.loading = false
		f.mu.Unlock()
		f.latch.Unlock()
		return &Handle{pool: p, idx: idx, pid: pid}, nil
	}
}

// pinMapped pins the frame holding pid if there is one. If the frame was being loaded and
// the load failed, it returns a nil handle and true: the caller should try again.
func (p *Pool) pinMapped(pid storage.PageID) (*Handle, bool) {
	s := p.shard(pid)
	s.mutex.Lock()
	idx, ok := s.table[pid]
	if !ok {
		s.mutex.Unlock()
		return nil, false
	}
	f := &p.frames[idx]
	f.mu.Lock()
	f.pins += 1
	if f.pins == 1 {
		p.lruMutex.Lock()
		p.lruRemove(idx)
		p.lruMutex.Unlock()
	}
	loading := f.loading
	f.mu.Unlock()
	s.mutex.Unlock()

	if loading {
		// The loader holds the latch exclusively until the page has been read.
		f.latch.RLock()
		f.latch.RUnlock()

		f.mu.Lock()
		failed := f.pid != pid
		f.mu.Unlock()
		if failed {
			p.unpin(idx)
			return nil, true
		}
	}
	return &Handle{pool: p, idx: idx, pid: pid}, true
}

// install maps pid to the frame at idx; the frame must be pinned once by the caller and
// exclusively latched.
func (p *Pool) install(pid storage.PageID, idx int32) bool {
	s := p.shard(pid)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.table[pid]; ok {
		return false
	}
	s.table[pid] = idx

	f := &p.frames[idx]
	f.mu.Lock()
	f.pid = pid
	f.loading = true
	f.dirty = false
	f.recLSN = storage.InvalidLSN
	f.mu.Unlock()
	return true
}

func (p *Pool) uninstall(pid storage.PageID, idx int32) {
	s := p.shard(pid)
	s.mutex.Lock()
	delete(s.table, pid)

	f := &p.frames[idx]
	f.mu.Lock()
	f.pid = storage.InvalidPageID
	f.loading = false
	f.mu.Unlock()
	s.mutex.Unlock()
}

// NewPage allocates a page from the page manager and pins it. The handle is returned
// exclusively latched and the page is all zeros; the caller initializes it with Apply.
func (p *Pool) NewPage(ctx context.Context) (*Handle, error) {
	pid, err := p.pm.Allocate()
	if err != nil {
		return nil, err
	}

	idx, err := p.victim(ctx)
	if err != nil {
		// Nothing has been logged for the page, so it can go straight back.
		ferr := p.pm.Free(pid)
		if ferr != nil {
			p.logger.WithError(ferr).WithField("page", pid).Warn("buffer: free new page")
		}
		return nil, err
	}

	f := &p.frames[idx]
	if !p.install(pid, idx) {
		f.latch.Unlock()
		p.unpin(idx)
		return nil, fmt.Errorf("buffer: new page %d already in pool", pid)
	}
	for i := range f.buf {
		f.buf[i] = 0
	}
	f.mu.Lock()
	f.loading = false
	f.mu.Unlock()

	p.logger.WithField("page", pid).Debug("buffer: new page")
	return &Handle{pool: p, idx: idx, pid: pid, latched: exclusiveLatch}, nil
}

// victim returns an unmapped frame, pinned once and exclusively latched, evicting the
// least recently used page if necessary.
func (p *Pool) victim(ctx context.Context) (int32, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.lruMutex.Lock()
		idx := p.lruTail
		if idx == noFrame {
			if p.wait == 0 {
				p.lruMutex.Unlock()
				return noFrame, fmt.Errorf("buffer: %w: %d frames pinned",
					storage.ErrBufferPoolExhausted, len(p.frames))
			}
			if p.unpinned == nil {
				p.unpinned = make(chan struct{})
			}
			ch := p.unpinned
			p.lruMutex.Unlock()

			if timer == nil {
				timer = time.NewTimer(p.wait)
			}
			select {
			case <-ch:
			case <-timer.C:
				return noFrame, fmt.Errorf("buffer: %w: waited %s for an unpinned frame",
					storage.ErrBufferPoolExhausted, p.wait)
			case <-ctx.Done():
				return noFrame, ctx.Err()
			}
			continue
		}
		p.lruRemove(idx)
		p.lruMutex.Unlock()

		f := &p.frames[idx]
		f.mu.Lock()
		if f.pins > 0 {
			f.mu.Unlock()
			continue
		}
		f.pins = 1
		f.mu.Unlock()

		f.latch.Lock()
		err := p.evict(ctx, idx)
		if err == errEvictionRaced {
			continue
		} else if err != nil {
			f.latch.Unlock()
			p.unpin(idx)
			return noFrame, err
		}
		return idx, nil
	}
}

// evict writes the page in the frame if it is dirty and removes it from the page table.
// The frame must be reserved with a single pin and exclusively latched. If another
// goroutine pinned the frame in the meantime, the eviction is abandoned, the pin and latch
// are released, and errEvictionRaced is returned.
func (p *Pool) evict(ctx context.Context, idx int32) error {
	f := &p.frames[idx]

	f.mu.Lock()
	pid := f.pid
	dirty := f.dirty
	f.mu.Unlock()

	if pid == storage.InvalidPageID {
		return nil
	}
	if dirty {
		err := p.writeFrame(ctx, idx, pid)
		if err != nil {
			return err
		}
	}

	s := p.shard(pid)
	s.mutex.Lock()
	f.mu.Lock()
	if f.pins != 1 {
		f.pins -= 1
		f.mu.Unlock()
		s.mutex.Unlock()
		f.latch.Unlock()
		return errEvictionRaced
	}
	delete(s.table, pid)
	f.pid = storage.InvalidPageID
	f.mu.Unlock()
	s.mutex.Unlock()

	p.evictions.Add(1)
	p.logger.WithFields(log.Fields{
		"page":  pid,
		"dirty": dirty,
	}).Debug("buffer: evict")
	return nil
}

// writeFrame writes the page in the frame to the page manager after flushing the log up to
// the page LSN. The frame must be latched, shared or exclusive.
func (p *Pool) writeFrame(ctx context.Context, idx int32, pid storage.PageID) error {
	f := &p.frames[idx]

	if p.wal != nil {
		err := p.wal.Flush(ctx, f.buf.LSN())
		if err != nil {
			return err
		}
	}
	err := p.pm.Write(pid, f.buf)
	if err != nil {
		return err
	}
	p.writes.Add(1)

	f.mu.Lock()
	f.dirty = false
	f.recLSN = storage.InvalidLSN
	f.mu.Unlock()
	return nil
}

func (p *Pool) unpin(idx int32) {
	f := &p.frames[idx]
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pins <= 0 {
		panic(fmt.Sprintf("buffer: unpin of frame %d with pin count %d", idx, f.pins))
	}
	f.pins -= 1
	if f.pins == 0 {
		p.lruMutex.Lock()
		p.lruPush(idx)
		if p.unpinned != nil {
			close(p.unpinned)
			p.unpinned = nil
		}
		p.lruMutex.Unlock()
	}
}

// pinForFlush pins the frame holding pid if the page is in the pool and is dirty.
func (p *Pool) pinForFlush(pid storage.PageID) (int32, bool) {
	s := p.shard(pid)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	idx, ok := s.table[pid]
	if !ok {
		return noFrame, false
	}
	f := &p.frames[idx]
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty || f.loading {
		return noFrame, false
	}
	f.pins += 1
	if f.pins == 1 {
		p.lruMutex.Lock()
		p.lruRemove(idx)
		p.lruMutex.Unlock()
	}
	return idx, true
}

// Flush writes the page if it is in the pool and dirty.
func (p *Pool) Flush(ctx context.Context, pid storage.PageID) error {
	idx, ok := p.pinForFlush(pid)
	if !ok {
		return nil
	}
	defer p.unpin(idx)

	f := &p.frames[idx]
	f.latch.RLock()
	defer f.latch.RUnlock()

	f.mu.Lock()
	dirty := f.dirty
	f.mu.Unlock()
	if !dirty {
		return nil
	}
	return p.writeFrame(ctx, idx, pid)
}

type DirtyPage struct {
	PageID storage.PageID
	RecLSN storage.LSN
}

// DirtyPages returns the dirty pages in the pool along with the LSN of the first change
// made to each since it was last written. Each frame is latched shared while it is
// examined, so a change which has been logged is never missed.
func (p *Pool) DirtyPages() []DirtyPage {
	var dps []DirtyPage
	for idx := range p.frames {
		f := &p.frames[idx]
		f.latch.RLock()
		f.mu.Lock()
		if f.dirty && f.pid != storage.InvalidPageID {
			dps = append(dps, DirtyPage{PageID: f.pid, RecLSN: f.recLSN})
		}
		f.mu.Unlock()
		f.latch.RUnlock()
	}
	return dps
}

// FlushUpTo writes every dirty page whose first unwritten change has an LSN of at most
// lsn, several pages at a time, and then syncs the data file.
func (p *Pool) FlushUpTo(ctx context.Context, lsn storage.LSN) error {
	var cnt atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushParallelism)
	for _, dp := range p.DirtyPages() {
		if dp.RecLSN > lsn {
			continue
		}
		pid := dp.PageID
		g.Go(func() error {
			cnt.Add(1)
			return p.Flush(ctx, pid)
		})
	}
	err := g.Wait()
	if err != nil {
		return err
	}

	err = p.pm.Sync()
	if err != nil {
		return err
	}
	p.logger.WithFields(log.Fields{
		"lsn":   lsn,
		"pages": cnt.Load(),
	}).Debug("buffer: flushed pages")
	return nil
}

// FlushAll writes every dirty page and syncs the data file.
func (p *Pool) FlushAll(ctx context.Context) error {
	return p.FlushUpTo(ctx, storage.LSN(^uint64(0)))
}

func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
		Writes:    p.writes.Load(),
	}
}

// Frames returns the number of frames in the pool.
func (p *Pool) Frames() int {
	return len(p.frames)
}

// Close writes every dirty page; the pool must not be used afterwards.
func (p *Pool) Close(ctx context.Context) error {
	err := p.FlushAll(ctx)
	st := p.Stats()
	p.logger.WithFields(log.Fields{
		"hits":      st.Hits,
		"misses":    st.Misses,
		"evictions": st.Evictions,
		"writes":    st.Writes,
	}).Info("buffer: closed")
	return err
}
