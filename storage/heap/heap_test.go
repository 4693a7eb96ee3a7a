package heap_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/buffer"
	"github.com/leftmike/boxsql/storage/heap"
	"github.com/leftmike/boxsql/storage/page"
	"github.com/leftmike/boxsql/storage/wal"
)

func setup(t *testing.T) (*buffer.Pool, *wal.Log) {
	t.Helper()

	fs := afero.NewMemMapFs()
	logger := log.StandardLogger()
	pm, err := page.Create(fs, "boxsql.db", logger)
	if err != nil {
		t.Fatal(err)
	}
	var lsns storage.Counter
	wl, err := wal.Open(fs, &lsns, wal.Options{Dir: "wal", Instance: pm.InstanceID(),
		Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	return buffer.New(pm, wl, buffer.Options{Frames: 16, Logger: logger}), wl
}

func TestAppendGet(t *testing.T) {
	ctx := context.Background()
	pool, wl := setup(t)

	hp, err := heap.Create(ctx, pool, wl, 1, nil)
	if err != nil {
		t.Fatalf("Create() failed with %s", err)
	}

	var rids []storage.RecordID
	pages := map[storage.PageID]struct{}{}
	for i := 0; i < 200; i++ {
		rid, err := hp.Append(ctx, 2,
			heap.Tuple{
				Xmin:    storage.TxID(i + 10),
				Prev:    storage.RecordID(i),
				Payload: bytes.Repeat([]byte{byte(i)}, 100),
			})
		if err != nil {
			t.Fatalf("Append(%d) failed with %s", i, err)
		}
		rids = append(rids, rid)
		pages[rid.PageID()] = struct{}{}
	}
	if len(pages) < 2 {
		t.Errorf("Append() used %d pages want at least 2", len(pages))
	}

	hp, err = heap.Open(ctx, pool, wl, hp.MetaID(), nil)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	for i, rid := range rids {
		tup, err := hp.Get(ctx, rid)
		if err != nil {
			t.Fatalf("Get(%s) failed with %s", rid, err)
		}
		if tup.Xmin != storage.TxID(i+10) || tup.Xmax != 0 || tup.Prev != storage.RecordID(i) ||
			tup.Flags != 0 || !bytes.Equal(tup.Payload, bytes.Repeat([]byte{byte(i)}, 100)) {

			t.Errorf("Get(%s) got %s", rid, tup)
		}
	}

	_, err = hp.Append(ctx, 2, heap.Tuple{Payload: make([]byte, heap.MaxPayloadSize+1)})
	if err == nil {
		t.Errorf("Append(too large) did not fail")
	}
	rid, err := hp.Append(ctx, 2, heap.Tuple{Payload: make([]byte, heap.MaxPayloadSize)})
	if err != nil {
		t.Errorf("Append(max payload) failed with %s", err)
	} else if tup, err := hp.Get(ctx, rid); err != nil ||
		len(tup.Payload) != heap.MaxPayloadSize {

		t.Errorf("Get(max payload) got %v", err)
	}
}

func TestTupleChanges(t *testing.T) {
	ctx := context.Background()
	pool, wl := setup(t)

	hp, err := heap.Create(ctx, pool, wl, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	rid, err := hp.Append(ctx, 5, heap.Tuple{Xmin: 5, Payload: []byte("abc")})
	if err != nil {
		t.Fatal(err)
	}

	chg, err := hp.SetLive(ctx, 5, rid)
	if err != nil {
		t.Fatalf("SetLive() failed with %s", err)
	}
	if chg.PageID != rid.PageID() || len(chg.Deltas) != 1 || len(chg.Deltas[0].After) != 1 {
		t.Errorf("SetLive() got change %+v want a one byte delta", chg)
	}

	chg, err = hp.SetXmax(ctx, 7, rid, 7, wal.DeleteRecord)
	if err != nil {
		t.Fatalf("SetXmax() failed with %s", err)
	}
	if len(chg.Deltas) != 1 || chg.Deltas[0].Before[0] != 0 || chg.Deltas[0].After[0] != 7 {
		t.Errorf("SetXmax() got change %+v", chg)
	}

	tup, err := hp.Get(ctx, rid)
	if err != nil {
		t.Fatal(err)
	}
	if tup.Flags != heap.Live || tup.Xmax != 7 || string(tup.Payload) != "abc" {
		t.Errorf("Get(%s) got %s", rid, tup)
	}

	err = hp.SetPrev(ctx, rid, storage.MakeRecordID(3, 4))
	if err != nil {
		t.Fatalf("SetPrev() failed with %s", err)
	}
	tup, err = hp.Get(ctx, rid)
	if err != nil {
		t.Fatal(err)
	}
	if tup.Prev != storage.MakeRecordID(3, 4) {
		t.Errorf("Get(%s).Prev got %s want (3,4)", rid, tup.Prev)
	}

	_, err = hp.Get(ctx, storage.MakeRecordID(rid.PageID(), 99))
	if err == nil {
		t.Errorf("Get(bad slot) did not fail")
	}
	_, err = hp.Get(ctx, storage.MakeRecordID(hp.MetaID(), 0))
	if err == nil {
		t.Errorf("Get(meta page) did not fail")
	}
}

func TestReclaimCompact(t *testing.T) {
	ctx := context.Background()
	pool, wl := setup(t)

	hp, err := heap.Create(ctx, pool, wl, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	var rids []storage.RecordID
	for i := 0; i < 300; i++ {
		rid, err := hp.Append(ctx, 2,
			heap.Tuple{Xmin: 2, Payload: []byte(fmt.Sprintf("%04d-%s", i,
				bytes.Repeat([]byte{'x'}, 60)))})
		if err != nil {
			t.Fatal(err)
		}
		rids = append(rids, rid)
	}

	first := rids[0].PageID()
	var reclaimed []storage.RecordID
	for _, rid := range rids {
		if rid.PageID() == first && rid.Slot()%2 == 0 {
			err = hp.Reclaim(ctx, rid)
			if err != nil {
				t.Fatalf("Reclaim(%s) failed with %s", rid, err)
			}
			reclaimed = append(reclaimed, rid)
		}
	}

	tup, err := hp.Get(ctx, reclaimed[0])
	if err != nil {
		t.Fatal(err)
	}
	if tup.Flags != heap.Reclaimed || !bytes.HasPrefix(tup.Payload, []byte("0000-")) {
		t.Errorf("Get(%s) got %s want reclaimed with payload before compaction",
			reclaimed[0], tup)
	}

	err = hp.Compact(ctx, first)
	if err != nil {
		t.Fatalf("Compact() failed with %s", err)
	}

	for i, rid := range rids {
		tup, err := hp.Get(ctx, rid)
		if err != nil {
			t.Fatalf("Get(%s) failed with %s", rid, err)
		}
		if rid.PageID() == first && rid.Slot()%2 == 0 {
			if tup.Flags != heap.Reclaimed {
				t.Errorf("Get(%s) got %s want reclaimed", rid, tup)
			}
		} else if want := fmt.Sprintf("%04d-", i); !bytes.HasPrefix(tup.Payload,
			[]byte(want)) {

			t.Errorf("Get(%s) got %s want %s...", rid, tup.Payload, want)
		}
	}

	// Once the tail is full, the space in the compacted page is reused.
	var reused bool
	for i := 0; i < 200 && !reused; i++ {
		rid, err := hp.Append(ctx, 3, heap.Tuple{Xmin: 3,
			Payload: bytes.Repeat([]byte{'y'}, 60)})
		if err != nil {
			t.Fatal(err)
		}
		reused = rid.PageID() == first
	}
	if !reused {
		t.Errorf("Append() never reused page %d with %d reclaimed tuples", first,
			len(reclaimed))
	}
}

func TestReopenReuse(t *testing.T) {
	ctx := context.Background()
	pool, wl := setup(t)

	hp, err := heap.Create(ctx, pool, wl, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	var rids []storage.RecordID
	for i := 0; i < 300; i++ {
		rid, err := hp.Append(ctx, 2,
			heap.Tuple{Xmin: 2, Payload: bytes.Repeat([]byte{'x'}, 60)})
		if err != nil {
			t.Fatal(err)
		}
		rids = append(rids, rid)
	}

	first := rids[0].PageID()
	for _, rid := range rids {
		if rid.PageID() == first {
			err = hp.Reclaim(ctx, rid)
			if err != nil {
				t.Fatalf("Reclaim(%s) failed with %s", rid, err)
			}
		}
	}
	err = hp.Compact(ctx, first)
	if err != nil {
		t.Fatalf("Compact() failed with %s", err)
	}

	appendUntil := func(hp *heap.Heap, n int) bool {
		for i := 0; i < n; i++ {
			rid, err := hp.Append(ctx, 3, heap.Tuple{Xmin: 3,
				Payload: bytes.Repeat([]byte{'y'}, 60)})
			if err != nil {
				t.Fatal(err)
			}
			if rid.PageID() == first {
				return true
			}
		}
		return false
	}

	hp, err = heap.Open(ctx, pool, wl, hp.MetaID(), nil)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if appendUntil(hp, 200) {
		t.Errorf("Append() after Open() reused page %d before it was compacted again", first)
	}

	err = hp.Compact(ctx, first)
	if err != nil {
		t.Fatalf("Compact() failed with %s", err)
	}
	if !appendUntil(hp, 300) {
		t.Errorf("Append() never reused compacted page %d", first)
	}
}
