package page_test

import (
	"errors"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
)

func TestChecksum(t *testing.T) {
	pg := make(page.Page, page.Size)
	if !pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum(zero page) got false want true")
	}

	pg.Init(12, page.HeapType)
	pg.SetLSN(99)
	if pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum(unstamped) got true want false")
	}
	pg.StampChecksum()
	if !pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum(stamped) got false want true")
	}
	pg[4000] ^= 0x10
	if pg.VerifyChecksum() {
		t.Errorf("VerifyChecksum(flipped bit) got true want false")
	}

	if pg.ID() != 12 || pg.LSN() != 99 || pg.Type() != page.HeapType {
		t.Errorf("header got (%d, %d, %s) want (12, 99, heap)", pg.ID(), pg.LSN(), pg.Type())
	}
	if pg.FreeSpace() != page.Size-page.HeaderSize {
		t.Errorf("FreeSpace() got %d want %d", pg.FreeSpace(), page.Size-page.HeaderSize)
	}
}

func TestManager(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := log.StandardLogger()

	pm, err := page.Create(fs, "boxsql.db", logger)
	if err != nil {
		t.Fatalf("Create() failed with %s", err)
	}
	_, err = page.Create(fs, "boxsql.db", logger)
	if err == nil {
		t.Errorf("Create(exists) did not fail")
	}
	instance := pm.InstanceID()

	var pids []storage.PageID
	for i := 0; i < 5; i++ {
		pid, err := pm.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed with %s", err)
		}
		if pid != storage.PageID(i+1) {
			t.Errorf("Allocate() got %d want %d", pid, i+1)
		}
		pids = append(pids, pid)
	}

	buf := make(page.Page, page.Size)
	err = pm.Read(pids[2], buf)
	if err != nil {
		t.Errorf("Read(never written) failed with %s", err)
	} else if !buf.IsZero() {
		t.Errorf("Read(never written) got non-zero page")
	}

	for _, pid := range pids {
		buf.Init(pid, page.HeapType)
		buf[100] = byte(pid)
		err = pm.Write(pid, buf)
		if err != nil {
			t.Fatalf("Write(%d) failed with %s", pid, err)
		}
	}

	for _, pid := range []storage.PageID{0, 6, 100} {
		err = pm.Read(pid, buf)
		if !errors.Is(err, storage.ErrInvalidPageID) {
			t.Errorf("Read(%d) got %v want %s", pid, err, storage.ErrInvalidPageID)
		}
	}

	err = pm.Free(pids[1])
	if err != nil {
		t.Fatalf("Free(%d) failed with %s", pids[1], err)
	}
	err = pm.Free(pids[3])
	if err != nil {
		t.Fatalf("Free(%d) failed with %s", pids[3], err)
	}
	err = pm.Free(pids[3])
	if !errors.Is(err, storage.ErrInvalidPageID) {
		t.Errorf("Free(%d) twice got %v want %s", pids[3], err, storage.ErrInvalidPageID)
	}
	err = pm.Read(pids[1], buf)
	if !errors.Is(err, storage.ErrInvalidPageID) {
		t.Errorf("Read(freed) got %v want %s", err, storage.ErrInvalidPageID)
	}

	err = pm.Close()
	if err != nil {
		t.Fatal(err)
	}

	pm, err = page.Open(fs, "boxsql.db", logger)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if pm.InstanceID() != instance {
		t.Errorf("InstanceID() got %s want %s", pm.InstanceID(), instance)
	}
	if pm.PageCount() != 6 {
		t.Errorf("PageCount() got %d want 6", pm.PageCount())
	}
	if pm.FreePages() != 2 {
		t.Errorf("FreePages() got %d want 2", pm.FreePages())
	}

	for _, pid := range []storage.PageID{pids[0], pids[2], pids[4]} {
		err = pm.Read(pid, buf)
		if err != nil {
			t.Errorf("Read(%d) failed with %s", pid, err)
		} else if buf[100] != byte(pid) {
			t.Errorf("Read(%d) got %d want %d", pid, buf[100], pid)
		}
	}

	// Freed pages are reused, most recently freed first.
	for _, want := range []storage.PageID{pids[3], pids[1], 6} {
		pid, err := pm.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed with %s", err)
		}
		if pid != want {
			t.Errorf("Allocate() got %d want %d", pid, want)
		}
	}
	if pm.FreePages() != 0 {
		t.Errorf("FreePages() got %d want 0", pm.FreePages())
	}
	pm.Close()
}

func TestCorruption(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := log.StandardLogger()

	pm, err := page.Create(fs, "boxsql.db", logger)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := pm.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	buf := make(page.Page, page.Size)
	buf.Init(pid, page.HeapType)
	err = pm.Write(pid, buf)
	if err != nil {
		t.Fatal(err)
	}
	pm.Close()

	f, err := fs.OpenFile("boxsql.db", os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.WriteAt([]byte{0xFF}, int64(pid)*page.Size+1000)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	pm, err = page.Open(fs, "boxsql.db", logger)
	if err != nil {
		t.Fatal(err)
	}
	err = pm.Read(pid, buf)
	if !errors.Is(err, storage.ErrPageCorruption) {
		t.Errorf("Read(corrupt) got %v want %s", err, storage.ErrPageCorruption)
	}
	var pe *storage.PageError
	if !errors.As(err, &pe) || pe.Page != pid {
		t.Errorf("Read(corrupt) got %v want PageError for page %d", err, pid)
	}
	if storage.IsRetryable(err) || !storage.IsFatal(err) {
		t.Errorf("Read(corrupt) error should be fatal and not retryable")
	}
	pm.Close()

	f, err = fs.OpenFile("boxsql.db", os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.WriteAt([]byte{0xFF}, 40)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = page.Open(fs, "boxsql.db", logger)
	if !errors.Is(err, storage.ErrPageCorruption) {
		t.Errorf("Open(corrupt superblock) got %v want %s", err, storage.ErrPageCorruption)
	}
}
