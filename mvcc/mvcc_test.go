package mvcc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/boxsql/mvcc"
	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/testutil"
)

var logger *log.Logger

func TestMain(m *testing.M) {
	logger = testutil.SetupLogger("mvcc_test.log")
	os.Exit(m.Run())
}

func openEngine(t *testing.T, fs afero.Fs, opts mvcc.Options) *mvcc.Engine {
	t.Helper()

	opts.Fs = fs
	if opts.Dir == "" {
		opts.Dir = "db"
	}
	opts.Logger = logger
	e, err := mvcc.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return e
}

func begin(t *testing.T, e *mvcc.Engine) *mvcc.Transaction {
	t.Helper()

	tx, err := e.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	return tx
}

func commit(t *testing.T, e *mvcc.Engine, tx *mvcc.Transaction) {
	t.Helper()

	err := e.Commit(context.Background(), tx)
	if err != nil {
		t.Fatalf("Commit(%s) failed with %s", tx, err)
	}
}

func write(t *testing.T, e *mvcc.Engine, tx *mvcc.Transaction, key, val string) {
	t.Helper()

	err := e.Write(context.Background(), tx, []byte(key), []byte(val))
	if err != nil {
		t.Fatalf("Write(%s, %s) failed with %s", key, val, err)
	}
}

func expectRead(t *testing.T, e *mvcc.Engine, tx *mvcc.Transaction, key, want string) {
	t.Helper()

	val, err := e.Read(context.Background(), tx, []byte(key))
	if want == "" {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("Read(%s, %s) got %q, %v want %s", tx, key, val, err,
				storage.ErrKeyNotFound)
		}
	} else if err != nil {
		t.Errorf("Read(%s, %s) failed with %s", tx, key, err)
	} else if string(val) != want {
		t.Errorf("Read(%s, %s) got %q want %q", tx, key, val, want)
	}
}

func numKey(n int) string {
	return fmt.Sprintf("key-%04d", n)
}

func TestCommitCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	for n := 1; n <= 1000; n++ {
		write(t, e, tx, numKey(n), fmt.Sprintf("value-%d", n))
	}
	commit(t, e, tx)

	if st := e.Stats(); st.Pool.Writes != 0 {
		t.Fatalf("Stats().Pool.Writes got %d want 0", st.Pool.Writes)
	}
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	tx = begin(t, e)
	expectRead(t, e, tx, numKey(500), "value-500")
	for n := 1; n <= 1000; n++ {
		expectRead(t, e, tx, numKey(n), fmt.Sprintf("value-%d", n))
	}
	expectRead(t, e, tx, numKey(1001), "")
	commit(t, e, tx)

	idx, err := e.Index(mvcc.DefaultIndex)
	if err != nil {
		t.Fatal(err)
	}
	err = idx.Check(context.Background())
	if err != nil {
		t.Errorf("Check() failed with %s", err)
	}

	err = e.Close(context.Background())
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestUncommittedCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	write(t, e, tx, "a", "1")
	write(t, e, tx, "b", "1")
	commit(t, e, tx)

	tx1 := begin(t, e)
	for n := 0; n < 200; n++ {
		write(t, e, tx1, numKey(n), "uncommitted")
	}
	write(t, e, tx1, "a", "2")
	err := e.Delete(context.Background(), tx1, []byte("b"))
	if err != nil {
		t.Fatalf("Delete(b) failed with %s", err)
	}

	// Commit another transaction so that the records of tx1 are flushed too.
	tx2 := begin(t, e)
	write(t, e, tx2, "c", "3")
	commit(t, e, tx2)
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	tx = begin(t, e)
	for n := 0; n < 200; n++ {
		expectRead(t, e, tx, numKey(n), "")
	}
	expectRead(t, e, tx, "a", "1")
	expectRead(t, e, tx, "b", "1")
	expectRead(t, e, tx, "c", "3")

	// The keys written by tx1 can be written again.
	write(t, e, tx, numKey(0), "committed")
	err = e.Insert(context.Background(), tx, []byte(numKey(1)), []byte("committed"))
	if err != nil {
		t.Errorf("Insert(%s) failed with %s", numKey(1), err)
	}
	commit(t, e, tx)

	tx = begin(t, e)
	expectRead(t, e, tx, numKey(0), "committed")
	expectRead(t, e, tx, numKey(1), "committed")
	commit(t, e, tx)
	e.Crash()
}

func TestRecoveryIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	for n := 0; n < 100; n++ {
		write(t, e, tx, numKey(n), "v")
	}
	commit(t, e, tx)
	tx = begin(t, e)
	write(t, e, tx, numKey(100), "loser")
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	last := e.Stats().LastLSN
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	if st := e.Stats(); st.LastLSN != last {
		t.Errorf("Stats().LastLSN got %d want %d after second recovery", st.LastLSN, last)
	}
	tx = begin(t, e)
	expectRead(t, e, tx, numKey(50), "v")
	expectRead(t, e, tx, numKey(100), "")
	commit(t, e, tx)
	e.Crash()
}

func TestSnapshotIsolation(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{})
	defer e.Close(context.Background())

	t1 := begin(t, e)
	write(t, e, t1, "K", "1")
	expectRead(t, e, t1, "K", "1")

	t2 := begin(t, e)
	expectRead(t, e, t2, "K", "")
	commit(t, e, t1)
	expectRead(t, e, t2, "K", "")

	t3 := begin(t, e)
	expectRead(t, e, t3, "K", "1")

	t4 := begin(t, e)
	write(t, e, t4, "K", "2")
	commit(t, e, t4)

	expectRead(t, e, t2, "K", "")
	expectRead(t, e, t3, "K", "1")
	commit(t, e, t2)
	commit(t, e, t3)

	t5 := begin(t, e)
	expectRead(t, e, t5, "K", "2")
	commit(t, e, t5)
}

func TestReadCommitted(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{Isolation: mvcc.ReadCommitted})
	defer e.Close(context.Background())

	t1 := begin(t, e)
	t2 := begin(t, e)
	write(t, e, t1, "K", "1")
	expectRead(t, e, t2, "K", "")
	commit(t, e, t1)
	expectRead(t, e, t2, "K", "1")

	// No write conflict: the write is based on the latest committed version.
	t3 := begin(t, e)
	write(t, e, t3, "K", "3")
	commit(t, e, t3)
	write(t, e, t2, "K", "2")
	commit(t, e, t2)

	t4 := begin(t, e)
	expectRead(t, e, t4, "K", "2")
	commit(t, e, t4)
}

func TestWriteConflict(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(),
		mvcc.Options{LockTimeout: 50 * time.Millisecond})
	defer e.Close(ctx)

	t1 := begin(t, e)
	t2 := begin(t, e)
	write(t, e, t1, "K", "1")

	err := e.Write(ctx, t2, []byte("K"), []byte("2"))
	if !errors.Is(err, storage.ErrLockTimeout) {
		t.Errorf("Write(%s, K) got %v want %s", t2, err, storage.ErrLockTimeout)
	}
	if !storage.IsRetryable(err) {
		t.Errorf("IsRetryable(%v) got false want true", err)
	}

	commit(t, e, t1)
	err = e.Write(ctx, t2, []byte("K"), []byte("2"))
	if !errors.Is(err, storage.ErrWriteConflict) {
		t.Errorf("Write(%s, K) got %v want %s", t2, err, storage.ErrWriteConflict)
	}
	err = e.Delete(ctx, t2, []byte("K"))
	if !errors.Is(err, storage.ErrWriteConflict) {
		t.Errorf("Delete(%s, K) got %v want %s", t2, err, storage.ErrWriteConflict)
	}
	err = e.Abort(ctx, t2)
	if err != nil {
		t.Fatalf("Abort(%s) failed with %s", t2, err)
	}

	// A waiting writer sees the conflict once the lock holder commits.
	t3 := begin(t, e)
	t4 := begin(t, e)
	write(t, e, t3, "K", "3")
	errCh := make(chan error)
	go func() {
		errCh <- e.Write(ctx, t4, []byte("K"), []byte("4"))
	}()
	time.Sleep(10 * time.Millisecond)
	commit(t, e, t3)
	err = <-errCh
	if !errors.Is(err, storage.ErrWriteConflict) {
		t.Errorf("Write(%s, K) got %v want %s", t4, err, storage.ErrWriteConflict)
	}
	e.Abort(ctx, t4)

	// A waiting writer proceeds once the lock holder aborts.
	t5 := begin(t, e)
	t6 := begin(t, e)
	write(t, e, t5, "K", "5")
	go func() {
		errCh <- e.Write(ctx, t6, []byte("K"), []byte("6"))
	}()
	time.Sleep(10 * time.Millisecond)
	err = e.Abort(ctx, t5)
	if err != nil {
		t.Fatalf("Abort(%s) failed with %s", t5, err)
	}
	err = <-errCh
	if err != nil {
		t.Errorf("Write(%s, K) failed with %s", t6, err)
	}
	commit(t, e, t6)

	tx := begin(t, e)
	expectRead(t, e, tx, "K", "6")
	commit(t, e, tx)
}

func TestInsertDelete(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{})
	defer e.Close(ctx)

	tx := begin(t, e)
	err := e.Insert(ctx, tx, []byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Insert(a) failed with %s", err)
	}
	err = e.Insert(ctx, tx, []byte("a"), []byte("2"))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Insert(a) got %v want %s", err, storage.ErrDuplicateKey)
	}
	err = e.Delete(ctx, tx, []byte("b"))
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Delete(b) got %v want %s", err, storage.ErrKeyNotFound)
	}
	commit(t, e, tx)

	tx = begin(t, e)
	err = e.Delete(ctx, tx, []byte("a"))
	if err != nil {
		t.Fatalf("Delete(a) failed with %s", err)
	}
	expectRead(t, e, tx, "a", "")
	err = e.Delete(ctx, tx, []byte("a"))
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Delete(a) got %v want %s", err, storage.ErrKeyNotFound)
	}
	err = e.Insert(ctx, tx, []byte("a"), []byte("3"))
	if err != nil {
		t.Fatalf("Insert(a) failed with %s", err)
	}
	expectRead(t, e, tx, "a", "3")
	commit(t, e, tx)

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "3")
	err = e.Delete(ctx, tx, []byte("a"))
	if err != nil {
		t.Fatalf("Delete(a) failed with %s", err)
	}
	commit(t, e, tx)

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "")
	err = e.Insert(ctx, tx, []byte("a"), []byte("4"))
	if err != nil {
		t.Fatalf("Insert(a) failed with %s", err)
	}
	commit(t, e, tx)

	err = e.Write(ctx, tx, []byte("a"), []byte("5"))
	if !errors.Is(err, storage.ErrTransactionClosed) {
		t.Errorf("Write(committed) got %v want %s", err, storage.ErrTransactionClosed)
	}
	_, err = e.Read(ctx, tx, []byte("a"))
	if !errors.Is(err, storage.ErrTransactionClosed) {
		t.Errorf("Read(committed) got %v want %s", err, storage.ErrTransactionClosed)
	}
	err = e.Commit(ctx, tx)
	if !errors.Is(err, storage.ErrTransactionClosed) {
		t.Errorf("Commit(committed) got %v want %s", err, storage.ErrTransactionClosed)
	}

	err = e.Write(ctx, begin(t, e), bytes.Repeat([]byte{'k'}, 1000), nil)
	if err == nil {
		t.Errorf("Write(long key) did not fail")
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{})
	defer e.Close(ctx)

	tx := begin(t, e)
	write(t, e, tx, "a", "1")
	write(t, e, tx, "b", "1")
	commit(t, e, tx)

	tx = begin(t, e)
	write(t, e, tx, "a", "2")
	write(t, e, tx, "a", "3")
	write(t, e, tx, "c", "3")
	err := e.Delete(ctx, tx, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	expectRead(t, e, tx, "a", "3")
	expectRead(t, e, tx, "b", "")
	expectRead(t, e, tx, "c", "3")
	err = e.Abort(ctx, tx)
	if err != nil {
		t.Fatalf("Abort(%s) failed with %s", tx, err)
	}
	if tx.State() != mvcc.Aborted {
		t.Errorf("State() got %s want %s", tx.State(), mvcc.Aborted)
	}
	err = e.Abort(ctx, tx)
	if !errors.Is(err, storage.ErrTransactionClosed) {
		t.Errorf("Abort(aborted) got %v want %s", err, storage.ErrTransactionClosed)
	}

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "1")
	expectRead(t, e, tx, "b", "1")
	expectRead(t, e, tx, "c", "")

	// The versions left by the abort do not count as values.
	err = e.Insert(ctx, tx, []byte("c"), []byte("4"))
	if err != nil {
		t.Errorf("Insert(c) failed with %s", err)
	}
	write(t, e, tx, "a", "4")
	commit(t, e, tx)

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "4")
	expectRead(t, e, tx, "c", "4")
	commit(t, e, tx)
}

func TestFailedWrite(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	write(t, e, tx, "a", "old")
	write(t, e, tx, "c", "old")
	commit(t, e, tx)

	idx, err := e.Index(mvcc.DefaultIndex)
	if err != nil {
		t.Fatal(err)
	}

	tx = begin(t, e)
	write(t, e, tx, "b", "1")
	restore := idx.FailPuts(context.Canceled)
	err = e.Write(ctx, tx, []byte("a"), []byte("new"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Write(a, new) got %v want %s", err, context.Canceled)
	}
	err = e.Insert(ctx, tx, []byte("d"), []byte("new"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Insert(d, new) got %v want %s", err, context.Canceled)
	}
	restore()
	if tx.State() != mvcc.Active {
		t.Errorf("State() got %s want %s", tx.State(), mvcc.Active)
	}
	expectRead(t, e, tx, "a", "old")
	expectRead(t, e, tx, "d", "")
	write(t, e, tx, "c", "new")
	commit(t, e, tx)

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "old")
	expectRead(t, e, tx, "b", "1")
	expectRead(t, e, tx, "c", "new")
	expectRead(t, e, tx, "d", "")
	write(t, e, tx, "a", "newer")
	commit(t, e, tx)
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	tx = begin(t, e)
	expectRead(t, e, tx, "a", "newer")
	expectRead(t, e, tx, "b", "1")
	expectRead(t, e, tx, "c", "new")
	expectRead(t, e, tx, "d", "")
	commit(t, e, tx)

	err = e.Close(ctx)
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

// faultFs fails every write and sync of a file once fail is set.
type faultFs struct {
	afero.Fs
	fail atomic.Bool
}

func (fs *faultFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return faultFile{File: f, fs: fs}, nil
}

type faultFile struct {
	afero.File
	fs *faultFs
}

func (f faultFile) WriteAt(b []byte, off int64) (int, error) {
	if f.fs.fail.Load() {
		return 0, errors.New("write failed")
	}
	return f.File.WriteAt(b, off)
}

func (f faultFile) Sync() error {
	if f.fs.fail.Load() {
		return errors.New("sync failed")
	}
	return f.File.Sync()
}

func TestCommitFailed(t *testing.T) {
	ctx := context.Background()
	fs := &faultFs{Fs: afero.NewMemMapFs()}
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	write(t, e, tx, "a", "1")
	commit(t, e, tx)

	tx = begin(t, e)
	write(t, e, tx, "a", "2")
	write(t, e, tx, "b", "2")
	fs.fail.Store(true)
	err := e.Commit(ctx, tx)
	if !errors.Is(err, storage.ErrIO) {
		t.Errorf("Commit(%s) got %v want %s", tx, err, storage.ErrIO)
	}
	if tx.State() != mvcc.Aborted {
		t.Errorf("State() got %s want %s", tx.State(), mvcc.Aborted)
	}

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "1")
	expectRead(t, e, tx, "b", "")
	commit(t, e, tx)

	_, err = e.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	}

	tx = begin(t, e)
	expectRead(t, e, tx, "a", "1")
	expectRead(t, e, tx, "b", "")
	commit(t, e, tx)
	e.Crash()

	e = openEngine(t, fs.Fs, mvcc.Options{})
	tx = begin(t, e)
	expectRead(t, e, tx, "a", "1")
	expectRead(t, e, tx, "b", "")
	commit(t, e, tx)

	err = e.Close(ctx)
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func scan(t *testing.T, it *mvcc.Iterator) []string {
	t.Helper()

	var kvs []string
	for {
		key, val, err := it.Next(context.Background())
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next() failed with %s", err)
		}
		kvs = append(kvs, fmt.Sprintf("%s=%s", key, val))
	}
	return kvs
}

func TestRangeScan(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{})
	defer e.Close(ctx)

	tx := begin(t, e)
	for n := 0; n < 100; n++ {
		write(t, e, tx, numKey(n), strconv.Itoa(n))
	}
	commit(t, e, tx)

	tx = begin(t, e)
	for _, n := range []int{11, 13, 15} {
		err := e.Delete(ctx, tx, []byte(numKey(n)))
		if err != nil {
			t.Fatal(err)
		}
	}
	write(t, e, tx, numKey(12), "twelve")
	commit(t, e, tx)

	old := begin(t, e)
	tx = begin(t, e)
	write(t, e, tx, numKey(14), "fourteen")
	write(t, e, tx, numKey(16), "sixteen")
	write(t, e, tx, numKey(150), "uncommitted")

	it, err := e.RangeScan(ctx, old, []byte(numKey(10)), []byte(numKey(18)))
	if err != nil {
		t.Fatalf("RangeScan() failed with %s", err)
	}
	got := fmt.Sprint(scan(t, it))
	want := "[key-0010=10 key-0012=twelve key-0014=14 key-0016=16 key-0017=17]"
	if got != want {
		t.Errorf("RangeScan(%s) got %s want %s", old, got, want)
	}

	it, err = e.RangeScan(ctx, tx, []byte(numKey(10)), []byte(numKey(18)))
	if err != nil {
		t.Fatal(err)
	}
	got = fmt.Sprint(scan(t, it))
	want = "[key-0010=10 key-0012=twelve key-0014=fourteen key-0016=sixteen key-0017=17]"
	if got != want {
		t.Errorf("RangeScan(%s) got %s want %s", tx, got, want)
	}

	it, err = e.RangeScan(ctx, old, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kvs := scan(t, it); len(kvs) != 97 {
		t.Errorf("RangeScan(all) got %d keys want 97", len(kvs))
	}
	commit(t, e, tx)
	commit(t, e, old)
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{})
	defer e.Close(ctx)

	for v := 0; v < 10; v++ {
		tx := begin(t, e)
		for n := 0; n < 50; n++ {
			write(t, e, tx, numKey(n), fmt.Sprintf("v%d", v))
		}
		commit(t, e, tx)
	}

	old := begin(t, e)
	expectRead(t, e, old, numKey(0), "v9")

	tx := begin(t, e)
	for n := 0; n < 50; n++ {
		write(t, e, tx, numKey(n), "v10")
	}
	for n := 40; n < 50; n++ {
		err := e.Delete(ctx, tx, []byte(numKey(n)))
		if err != nil {
			t.Fatal(err)
		}
	}
	commit(t, e, tx)

	aborted := begin(t, e)
	write(t, e, aborted, "dead", "x")
	err := e.Abort(ctx, aborted)
	if err != nil {
		t.Fatal(err)
	}

	stats, err := e.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	}
	// v0 to v8 of each key are no longer visible to old; nor is the aborted version.
	if stats.Reclaimed != 50*9+1 || stats.Dropped != 1 || stats.Keys != 51 {
		t.Errorf("Vacuum() got %+v want %d reclaimed, 1 dropped, 51 keys", stats, 50*9+1)
	}
	expectRead(t, e, old, numKey(0), "v9")
	expectRead(t, e, old, numKey(45), "v9")
	commit(t, e, old)

	stats, err = e.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	}
	if stats.Reclaimed != 50+10 || stats.Dropped != 10 || stats.Compacted == 0 {
		t.Errorf("Vacuum() got %+v want 60 reclaimed, 10 dropped, some compacted", stats)
	}

	tx = begin(t, e)
	expectRead(t, e, tx, numKey(0), "v10")
	expectRead(t, e, tx, numKey(39), "v10")
	expectRead(t, e, tx, numKey(45), "")
	expectRead(t, e, tx, "dead", "")
	it, err := e.RangeScan(ctx, tx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kvs := scan(t, it); len(kvs) != 40 {
		t.Errorf("RangeScan(all) got %d keys want 40", len(kvs))
	}
	for n := 40; n < 50; n++ {
		err = e.Insert(ctx, tx, []byte(numKey(n)), []byte("v11"))
		if err != nil {
			t.Errorf("Insert(%s) failed with %s", numKey(n), err)
		}
	}
	commit(t, e, tx)

	stats, err = e.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	}
	if stats.Reclaimed != 0 || stats.Dropped != 0 {
		t.Errorf("Vacuum() got %+v want nothing reclaimed", stats)
	}

	idx, err := e.Index(mvcc.DefaultIndex)
	if err != nil {
		t.Fatal(err)
	}
	err = idx.Check(ctx)
	if err != nil {
		t.Errorf("Check() failed with %s", err)
	}
}

func TestCreateIndex(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{})

	tx := begin(t, e)
	idx, err := e.CreateIndex(ctx, tx, mvcc.IndexSpec{Name: "accounts"})
	if err != nil {
		t.Fatalf("CreateIndex(accounts) failed with %s", err)
	}
	_, err = e.CreateIndex(ctx, tx, mvcc.IndexSpec{Name: "accounts"})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("CreateIndex(accounts) got %v want %s", err, storage.ErrDuplicateKey)
	}
	err = idx.Write(ctx, tx, []byte("alice"), []byte("100"))
	if err != nil {
		t.Fatal(err)
	}
	write(t, e, tx, "alice", "default")
	commit(t, e, tx)

	err = e.Close(ctx)
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	e = openEngine(t, fs, mvcc.Options{})
	if names := fmt.Sprint(e.Indexes()); names != "[accounts default]" {
		t.Errorf("Indexes() got %s want [accounts default]", names)
	}
	idx, err = e.Index("accounts")
	if err != nil {
		t.Fatalf("Index(accounts) failed with %s", err)
	}
	_, err = e.Index("missing")
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Index(missing) got %v want %s", err, storage.ErrKeyNotFound)
	}

	tx = begin(t, e)
	val, err := idx.Read(ctx, tx, []byte("alice"))
	if err != nil || string(val) != "100" {
		t.Errorf("Read(accounts, alice) got %q, %v want 100", val, err)
	}
	expectRead(t, e, tx, "alice", "default")
	commit(t, e, tx)

	err = e.Close(ctx)
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	e := openEngine(t, fs, mvcc.Options{Archive: true, CheckpointInterval: time.Hour})

	for round := 0; round < 3; round++ {
		tx := begin(t, e)
		for n := 0; n < 100; n++ {
			write(t, e, tx, numKey(n), strconv.Itoa(round))
		}
		commit(t, e, tx)

		err := e.Checkpoint(ctx)
		if err != nil {
			t.Fatalf("Checkpoint() failed with %s", err)
		}
	}

	fis, err := afero.ReadDir(fs, "db/wal/archive")
	if err != nil {
		t.Fatalf("ReadDir(archive) failed with %s", err)
	}
	if len(fis) < 2 {
		t.Errorf("ReadDir(archive) got %d segments want at least 2", len(fis))
	}

	active := begin(t, e)
	write(t, e, active, numKey(0), "active")
	err = e.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint() failed with %s", err)
	}
	e.Crash()

	e = openEngine(t, fs, mvcc.Options{})
	tx := begin(t, e)
	expectRead(t, e, tx, numKey(0), "2")
	expectRead(t, e, tx, numKey(99), "2")
	commit(t, e, tx)

	err = e.Close(ctx)
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

func TestConcurrent(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, afero.NewMemMapFs(), mvcc.Options{LockTimeout: time.Second})
	defer e.Close(ctx)

	const (
		workers    = 8
		increments = 25
		counters   = 4
	)

	tx := begin(t, e)
	for c := 0; c < counters; c++ {
		write(t, e, tx, fmt.Sprintf("counter-%d", c), "0")
	}
	commit(t, e, tx)

	increment := func(key []byte) error {
		for {
			tx, err := e.Begin(ctx)
			if err != nil {
				return err
			}
			val, err := e.Read(ctx, tx, key)
			if err == nil {
				var n int
				n, err = strconv.Atoi(string(val))
				if err != nil {
					return err
				}
				err = e.Write(ctx, tx, key, []byte(strconv.Itoa(n+1)))
			}
			if err == nil {
				err = e.Commit(ctx, tx)
				if err == nil {
					return nil
				}
			}
			if !storage.IsRetryable(err) {
				return err
			}
			err = e.Abort(ctx, tx)
			if err != nil {
				return err
			}
		}
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < increments; i++ {
				err := increment([]byte(fmt.Sprintf("counter-%d", (w+i)%counters)))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		t.Fatalf("increment failed with %s", err)
	}

	tx = begin(t, e)
	var total int
	for c := 0; c < counters; c++ {
		val, err := e.Read(ctx, tx, []byte(fmt.Sprintf("counter-%d", c)))
		if err != nil {
			t.Fatal(err)
		}
		n, _ := strconv.Atoi(string(val))
		total += n
	}
	commit(t, e, tx)
	if total != workers*increments {
		t.Errorf("total got %d want %d", total, workers*increments)
	}
}

const (
	durableEnv = "BOXSQL_DURABLE_DIR"
	durableDir = "testdata"
)

func TestDurable(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	fs := afero.NewOsFs()
	err := testutil.CleanDir(fs, durableDir, []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestDurableHelper")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", durableEnv, durableDir))
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		fmt.Print(string(out))
	}
	if err != nil {
		t.Fatalf("durable helper failed with %s", err)
	}

	e := openEngine(t, fs, mvcc.Options{Dir: durableDir})
	tx := begin(t, e)
	for n := 0; n < 500; n++ {
		expectRead(t, e, tx, numKey(n), "durable")
	}
	expectRead(t, e, tx, "uncommitted", "")
	commit(t, e, tx)

	err = e.Close(context.Background())
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}
}

// TestDurableHelper runs in a separate process started by TestDurable. The process exits
// with the engine still open: the committed keys must be recovered from the log, and the
// uncommitted key must not be.
func TestDurableHelper(t *testing.T) {
	dir := os.Getenv(durableEnv)
	if dir == "" {
		return
	}

	e := openEngine(t, afero.NewOsFs(), mvcc.Options{Dir: dir})
	tx := begin(t, e)
	for n := 0; n < 500; n++ {
		write(t, e, tx, numKey(n), "durable")
	}
	commit(t, e, tx)

	tx = begin(t, e)
	write(t, e, tx, "uncommitted", "lost")
}
