package page

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/storage"
)

// Manager allocates and frees fixed size pages in a single data file and performs
// positional reads and writes of whole pages. It does no caching.
type Manager struct {
	mutex     sync.Mutex
	f         afero.File
	name      string
	sb        Superblock
	pageCount uint64
	free      map[storage.PageID]struct{}
	logger    *log.Logger
}

// Create creates a new data file with a fresh superblock; it fails if the file exists.
func Create(fs afero.Fs, name string, logger *log.Logger) (*Manager, error) {
	f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, storage.IOError("page: create", storage.InvalidPageID, err)
	}

	sb := Superblock(make(Page, Size))
	Page(sb).Init(0, SuperblockType)
	sb.SetSignature(Signature)
	sb.SetVersion(FormatVersion)
	sb.SetPageSize(Size)
	sb.SetPageCount(1)
	sb.SetInstanceID(uuid.New())

	pm := &Manager{
		f:         f,
		name:      name,
		sb:        sb,
		pageCount: 1,
		free:      map[storage.PageID]struct{}{},
		logger:    logger,
	}
	err = pm.writeSuperblock()
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"file":     name,
		"instance": sb.InstanceID(),
	}).Info("page: created data file")
	return pm, nil
}

// Open opens an existing data file, validates its superblock, and loads the free list.
func Open(fs afero.Fs, name string, logger *log.Logger) (*Manager, error) {
	f, err := fs.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		return nil, storage.IOError("page: open", storage.InvalidPageID, err)
	}

	pm := &Manager{
		f:      f,
		name:   name,
		free:   map[storage.PageID]struct{}{},
		logger: logger,
	}
	err = pm.loadSuperblock()
	if err == nil {
		err = pm.loadFreeList()
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"file":       name,
		"instance":   pm.sb.InstanceID(),
		"page_count": pm.pageCount,
		"free_pages": len(pm.free),
	}).Info("page: opened data file")
	return pm, nil
}

func (pm *Manager) loadSuperblock() error {
	buf := make(Page, Size)
	n, err := pm.f.ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && n == Size) {
		if err == io.EOF {
			return &storage.PageError{
				Op:   "page: read superblock",
				Page: 0,
				Err:  fmt.Errorf("%w: short superblock: %d bytes", storage.ErrPageCorruption, n),
			}
		}
		return storage.IOError("page: read superblock", 0, err)
	}
	if !buf.VerifyChecksum() || buf.IsZero() {
		return &storage.PageError{
			Op:   "page: read superblock",
			Page: 0,
			Err:  fmt.Errorf("%w: bad checksum", storage.ErrPageCorruption),
		}
	}

	sb := Superblock(buf)
	if sig := sb.Signature(); !bytes.Equal(sig[:], Signature[:]) {
		return fmt.Errorf("page: %s: bad signature: %v", pm.name, sig)
	}
	if sb.Version() > FormatVersion {
		return fmt.Errorf("page: %s: unsupported format version: %d", pm.name, sb.Version())
	}
	if sb.PageSize() != Size {
		return fmt.Errorf("page: %s: got page size %d; want %d", pm.name, sb.PageSize(), Size)
	}
	pm.sb = sb
	pm.pageCount = sb.PageCount()
	return nil
}

func (pm *Manager) loadFreeList() error {
	buf := make(Page, Size)
	pid := pm.sb.FreeHead()
	for pid != storage.InvalidPageID {
		if uint64(len(pm.free)) >= pm.pageCount {
			return &storage.PageError{
				Op:   "page: load free list",
				Page: pid,
				Err:  fmt.Errorf("%w: free list cycle", storage.ErrPageCorruption),
			}
		}
		err := pm.readAt(pid, buf)
		if err != nil {
			return err
		}
		if buf.Type() != FreeType {
			return &storage.PageError{
				Op:   "page: load free list",
				Page: pid,
				Err: fmt.Errorf("%w: free list page has type %s", storage.ErrPageCorruption,
					buf.Type()),
			}
		}
		pm.free[pid] = struct{}{}
		pid = FreePage(buf).Next()
	}
	return nil
}

func (pm *Manager) writeSuperblock() error {
	pm.sb.SetPageCount(pm.pageCount)
	pm.sb.SetFreeCount(uint64(len(pm.free)))
	Page(pm.sb).StampChecksum()

	_, err := pm.f.WriteAt(pm.sb, 0)
	if err != nil {
		return storage.IOError("page: write superblock", 0, err)
	}
	err = pm.f.Sync()
	if err != nil {
		return storage.IOError("page: sync superblock", 0, err)
	}
	return nil
}

func (pm *Manager) InstanceID() uuid.UUID {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.sb.InstanceID()
}

func (pm *Manager) PageCount() uint64 {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.pageCount
}

// FreePages returns the number of pages on the free list.
func (pm *Manager) FreePages() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return len(pm.free)
}

// Allocate returns a page ID which is not in use, reusing freed pages first. The
// superblock is written and synced before returning, so the allocation is durable. The
// page reads as all zeros until it is written.
func (pm *Manager) Allocate() (storage.PageID, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	var pid storage.PageID
	head := pm.sb.FreeHead()
	if head != storage.InvalidPageID {
		buf := make(Page, Size)
		err := pm.readAt(head, buf)
		if err != nil {
			return storage.InvalidPageID, err
		}
		pid = head
		pm.sb.SetFreeHead(FreePage(buf).Next())
		delete(pm.free, pid)
	} else {
		pid = storage.PageID(pm.pageCount)
		pm.pageCount += 1
	}

	err := pm.writeSuperblock()
	if err != nil {
		return storage.InvalidPageID, err
	}
	if head != storage.InvalidPageID {
		// A reused page must read back as a fresh page: log records for a new page are
		// computed against an all zero image.
		_, err = pm.f.WriteAt(make([]byte, Size), int64(pid)*Size)
		if err == nil {
			err = pm.f.Sync()
		}
		if err != nil {
			return storage.InvalidPageID, storage.IOError("page: allocate", pid, err)
		}
	}

	pm.logger.WithField("page", pid).Debug("page: allocate")
	return pid, nil
}

// Free returns a page to the free list.
func (pm *Manager) Free(pid storage.PageID) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	err := pm.validPageID("page: free", pid)
	if err != nil {
		return err
	}

	buf := make(Page, Size)
	buf.Init(pid, FreeType)
	FreePage(buf).SetNext(pm.sb.FreeHead())
	err = pm.writeAt(pid, buf)
	if err != nil {
		return err
	}

	pm.free[pid] = struct{}{}
	pm.sb.SetFreeHead(pid)
	err = pm.writeSuperblock()
	if err != nil {
		return err
	}

	pm.logger.WithField("page", pid).Debug("page: free")
	return nil
}

func (pm *Manager) validPageID(op string, pid storage.PageID) error {
	if pid == storage.InvalidPageID || uint64(pid) >= pm.pageCount {
		return &storage.PageError{Op: op, Page: pid, Err: storage.ErrInvalidPageID}
	}
	if _, ok := pm.free[pid]; ok {
		return &storage.PageError{Op: op, Page: pid,
			Err: fmt.Errorf("%w: page is free", storage.ErrInvalidPageID)}
	}
	return nil
}

// Read reads the page into buf, which must be Size bytes, and verifies its checksum.
func (pm *Manager) Read(pid storage.PageID, buf Page) error {
	pm.mutex.Lock()
	err := pm.validPageID("page: read", pid)
	pm.mutex.Unlock()
	if err != nil {
		return err
	}

	return pm.readAt(pid, buf)
}

func (pm *Manager) readAt(pid storage.PageID, buf Page) error {
	n, err := pm.f.ReadAt(buf, int64(pid)*Size)
	if err == io.EOF {
		if n == 0 {
			// Allocated but never written.
			for i := range buf {
				buf[i] = 0
			}
			return nil
		} else if n != Size {
			return &storage.PageError{
				Op:   "page: read",
				Page: pid,
				Err:  fmt.Errorf("%w: partial page: %d bytes", storage.ErrPageCorruption, n),
			}
		}
	} else if err != nil {
		return storage.IOError("page: read", pid, err)
	}

	if !buf.VerifyChecksum() {
		return &storage.PageError{
			Op:   "page: read",
			Page: pid,
			LSN:  buf.LSN(),
			Err:  fmt.Errorf("%w: bad checksum", storage.ErrPageCorruption),
		}
	}
	if !buf.IsZero() && buf.ID() != pid {
		return &storage.PageError{
			Op:   "page: read",
			Page: pid,
			Err:  fmt.Errorf("%w: page has id %d", storage.ErrPageCorruption, buf.ID()),
		}
	}
	return nil
}

// Write writes buf as the contents of the page with a fresh checksum. buf is not modified.
func (pm *Manager) Write(pid storage.PageID, buf Page) error {
	pm.mutex.Lock()
	err := pm.validPageID("page: write", pid)
	pm.mutex.Unlock()
	if err != nil {
		return err
	}

	out := make(Page, Size)
	copy(out, buf)
	return pm.writeAt(pid, out)
}

func (pm *Manager) writeAt(pid storage.PageID, buf Page) error {
	buf.SetID(pid)
	buf.StampChecksum()
	n, err := pm.f.WriteAt(buf, int64(pid)*Size)
	if err != nil {
		return storage.IOError("page: write", pid, err)
	} else if n != Size {
		return storage.IOError("page: write", pid,
			fmt.Errorf("partial write: got %d, want %d", n, Size))
	}
	return nil
}

// Sync forces written pages to stable storage.
func (pm *Manager) Sync() error {
	err := pm.f.Sync()
	if err != nil {
		return storage.IOError("page: sync", storage.InvalidPageID, err)
	}
	return nil
}

func (pm *Manager) Close() error {
	err := pm.f.Close()
	if err != nil {
		return storage.IOError("page: close", storage.InvalidPageID, err)
	}
	return nil
}
