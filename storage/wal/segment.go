package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"

	"github.com/leftmike/boxsql/storage"
)

const (
	walVersion        = 1
	segmentHeaderSize = 48
	segmentPrefix     = "wal-"
	segmentSuffix     = ".log"
)

var (
	walHeaderSignature = [8]byte{'b', 'o', 'x', 's', 'w', 'a', 'l', 0}
)

type segmentHeader struct {
	signature  [8]byte     // 0
	walVersion byte        // 8
	unused     [7]byte     // 9
	instanceID [16]byte    // 16
	firstLSN   storage.LSN // 32
	checksum   uint32      // 40
	_          [4]byte     // 44
} // 48

type segment struct {
	name     string
	firstLSN storage.LSN
}

func segmentName(first storage.LSN) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, uint64(first), segmentSuffix)
}

func encodeSegmentHeader(instance uuid.UUID, first storage.LSN) []byte {
	buf := make([]byte, 0, segmentHeaderSize)
	buf = append(buf, walHeaderSignature[:]...)
	buf = append(buf, walVersion)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0)
	buf = append(buf, instance[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(first))
	buf = binary.BigEndian.AppendUint32(buf, checksum(buf))
	return append(buf, 0, 0, 0, 0)
}

func decodeSegmentHeader(name string, buf []byte) (uuid.UUID, storage.LSN, error) {
	var id uuid.UUID
	if len(buf) < segmentHeaderSize {
		return id, 0, fmt.Errorf("wal: %s: short header: %d bytes", name, len(buf))
	}
	if !bytes.Equal(buf[0:8], walHeaderSignature[:]) {
		return id, 0, fmt.Errorf("wal: %s: bad signature: %v", name, buf[0:8])
	}
	if buf[8] > walVersion {
		return id, 0, fmt.Errorf("wal: %s: bad version: %d", name, buf[8])
	}
	if checksum(buf[:40]) != binary.BigEndian.Uint32(buf[40:]) {
		return id, 0, fmt.Errorf("wal: %s: %w: bad header checksum", name,
			storage.ErrPageCorruption)
	}
	copy(id[:], buf[16:32])
	return id, storage.LSN(binary.BigEndian.Uint64(buf[32:])), nil
}

// listSegments returns the segments in dir ordered by first LSN.
func listSegments(fs afero.Fs, dir string) ([]segment, error) {
	fis, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}

	var segs []segment
	for _, fi := range fis {
		n := fi.Name()
		if fi.IsDir() || !strings.HasPrefix(n, segmentPrefix) || !strings.HasSuffix(n,
			segmentSuffix) {

			continue
		}
		first, err := strconv.ParseUint(
			strings.TrimSuffix(strings.TrimPrefix(n, segmentPrefix), segmentSuffix), 16, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{name: n, firstLSN: storage.LSN(first)})
	}

	sort.Slice(segs, func(i, j int) bool {
		return segs[i].firstLSN < segs[j].firstLSN
	})
	return segs, nil
}

type scanState struct {
	next storage.LSN
}

// scanSegment decodes the records in one segment. It returns the offset just past the last
// good record and whether the segment ended with a torn or corrupt record.
func scanSegment(name string, buf []byte, st *scanState, fn func(rec Record) error) (int64,
	bool, error) {

	off := segmentHeaderSize
	for off < len(buf) {
		rec, n, err := decodeRecord(buf[off:])
		if err != nil {
			return int64(off), true, nil
		}
		if st.next != storage.InvalidLSN && rec.LSN != st.next {
			return 0, false, fmt.Errorf("wal: %s: %w: got lsn %d; want %d", name,
				storage.ErrPageCorruption, rec.LSN, st.next)
		}
		st.next = rec.LSN + 1

		if fn != nil {
			err = fn(rec)
			if err != nil {
				return 0, false, err
			}
		}
		off += n
	}
	return int64(off), false, nil
}

// archiveSegment compresses the segment into archiveDir and removes it. If archiveDir is
// empty, the segment is just removed.
func archiveSegment(fs afero.Fs, dir, archiveDir string, seg segment) error {
	if archiveDir != "" {
		err := fs.MkdirAll(archiveDir, 0755)
		if err != nil {
			return err
		}

		r, err := fs.Open(path.Join(dir, seg.name))
		if err != nil {
			return err
		}
		defer r.Close()

		w, err := fs.OpenFile(path.Join(archiveDir, seg.name+".xz"),
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		xw, err := xz.NewWriter(w)
		if err != nil {
			w.Close()
			return err
		}
		_, err = io.Copy(xw, r)
		if err == nil {
			err = xw.Close()
		}
		if err == nil {
			err = w.Sync()
		}
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	return fs.Remove(path.Join(dir, seg.name))
}

// ReadArchivedSegment decompresses an archived segment and calls fn for each record.
func ReadArchivedSegment(fs afero.Fs, name string, fn func(rec Record) error) error {
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return err
	}
	buf, err := io.ReadAll(xr)
	if err != nil {
		return err
	}
	_, _, err = decodeSegmentHeader(name, buf)
	if err != nil {
		return err
	}
	_, _, err = scanSegment(name, buf, &scanState{}, fn)
	return err
}
