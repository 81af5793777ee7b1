package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andreyvit/queuejournal/internal/fsync"
	"github.com/cespare/xxhash/v2"
)

var (
	// ErrUnsupportedVersion is returned when a segment or reader state
	// file was written by a newer, incompatible format version.
	ErrUnsupportedVersion = errors.New("journal: unsupported segment version")
	// ErrWrongQueue is returned when a file's header fingerprint does
	// not match the queue name it was opened under.
	ErrWrongQueue = errors.New("journal: segment header does not match this queue")
)

var segmentMagic = [4]byte{'Q', 'J', 'R', 'L'}

const (
	segmentVersion    uint8 = 1
	segmentHeaderSize       = 4 + 1 + 8 + 8 + 8 // magic, version, queue invariant, first id, checksum
)

func queueInvariant(queueName string) uint64 {
	return xxhash.Sum64String(queueName)
}

func fillSegmentHeader(queueName string, firstID uint64) []byte {
	var bb bytesBuilder
	bb.Buf = make([]byte, 0, segmentHeaderSize)
	bb.Write(segmentMagic[:])
	bb.AppendByte(segmentVersion)
	bb.AppendUint64(queueInvariant(queueName))
	bb.AppendUint64(firstID)
	return appendChecksum(bb.Buf, 0)
}

// verifySegmentHeader validates a header read from path and returns
// the segment's first item id.
func verifySegmentHeader(hdr []byte, path, queueName string) (firstID uint64, err error) {
	if len(hdr) != segmentHeaderSize {
		return 0, corruptf(path, 0, "short header (%d bytes)", len(hdr))
	}
	if !bytes.Equal(hdr[0:4], segmentMagic[:]) {
		return 0, corruptf(path, 0, "bad magic")
	}
	version := hdr[4]
	if version != segmentVersion {
		return 0, ioErrf("open", path, ErrUnsupportedVersion)
	}
	qinv := binary.LittleEndian.Uint64(hdr[5:13])
	firstID = binary.LittleEndian.Uint64(hdr[13:21])
	checksum := binary.LittleEndian.Uint64(hdr[21:29])
	want := xxhash.Sum64(hdr[:21])
	if checksum != want {
		return 0, corruptf(path, 0, "header checksum mismatch")
	}
	if qinv != queueInvariant(queueName) {
		return 0, ioErrf("open", path, ErrWrongQueue)
	}
	return firstID, nil
}

// SegmentWriter appends Put records to one writer segment. Writes
// land in the OS page cache immediately; durability is promised only
// after Flush (or Close) runs an fdatasync.
type SegmentWriter struct {
	mu           sync.Mutex
	f            *os.File
	path         string
	queueName    string
	firstID      uint64
	size         int64
	dirty        bool
	firstDirtyAt time.Time
}

// createSegment creates a brand new segment file at path, writing its
// header. Fails if path already exists.
func createSegment(path, queueName string, firstID uint64) (*SegmentWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err // caller distinguishes os.IsExist
	}
	hdr := fillSegmentHeader(queueName, firstID)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, ioErrf("write", path, err)
	}
	return &SegmentWriter{
		f:         f,
		path:      path,
		queueName: queueName,
		firstID:   firstID,
		size:      int64(len(hdr)),
	}, nil
}

func (sw *SegmentWriter) Path() string { return sw.path }
func (sw *SegmentWriter) FirstID() uint64 { return sw.firstID }

func (sw *SegmentWriter) Size() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.size
}

// Append writes one Put record. It returns once the record is in the
// OS page cache; call Flush (or wait for the journal's background
// sync tick) for durability.
func (sw *SegmentWriter) Append(it Item) error {
	buf, err := appendPutRecord(nil, it)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.f.Write(buf); err != nil {
		return ioErrf("write", sw.path, err)
	}
	sw.size += int64(len(buf))
	if !sw.dirty {
		sw.dirty = true
		sw.firstDirtyAt = time.Now()
	}
	return nil
}

// writeRaw appends already-encoded record bytes, used by reader state
// checkpoints which build a whole file's body (head + done set) up
// front rather than one record at a time.
func (sw *SegmentWriter) writeRaw(buf []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.f.Write(buf); err != nil {
		return ioErrf("write", sw.path, err)
	}
	sw.size += int64(len(buf))
	if !sw.dirty {
		sw.dirty = true
		sw.firstDirtyAt = time.Now()
	}
	return nil
}

// Flush durably syncs any appended-but-unsynced records.
func (sw *SegmentWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.flushLocked()
}

func (sw *SegmentWriter) flushLocked() error {
	if !sw.dirty {
		return nil
	}
	if err := fsync.Fdatasync(sw.f); err != nil {
		return ioErrf("fsync", sw.path, err)
	}
	sw.dirty = false
	return nil
}

// DueForFlush reports whether this segment has unsynced writes older
// than interval, the deferred-sync discipline the background ticker
// uses to decide which segments to fsync on a given tick.
func (sw *SegmentWriter) DueForFlush(now time.Time, interval time.Duration) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.dirty && now.Sub(sw.firstDirtyAt) >= interval
}

func (sw *SegmentWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	err := sw.flushLocked()
	if cerr := sw.f.Close(); err == nil {
		err = ioErrf("close", sw.path, cerr)
	}
	return err
}

// SegmentReader streams records out of one segment file, forward
// only, from just after its header.
type SegmentReader struct {
	f       *os.File
	path    string
	firstID uint64
	rr      *recordReader
}

// openSegmentForRead opens path for sequential reading and validates
// its header against queueName.
func openSegmentForRead(path, queueName string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioErrf("open", path, err)
	}

	hdr := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, corruptf(path, 0, "truncated header")
		}
		return nil, ioErrf("read", path, err)
	}

	firstID, err := verifySegmentHeader(hdr, path, queueName)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &SegmentReader{
		f:       f,
		path:    path,
		firstID: firstID,
		rr:      newRecordReader(f, path, int64(segmentHeaderSize)),
	}, nil
}

func (sr *SegmentReader) Path() string    { return sr.path }
func (sr *SegmentReader) FirstID() uint64 { return sr.firstID }

// NextRecord decodes the next record of any tag, or returns io.EOF at
// a clean or truncated end of stream.
func (sr *SegmentReader) NextRecord() (Record, error) {
	return sr.rr.next()
}

// NextPut decodes the next Put record, silently skipping any other
// tag (forward compatibility with future record kinds).
func (sr *SegmentReader) NextPut() (Item, error) {
	for {
		rec, err := sr.rr.next()
		if err != nil {
			return Item{}, err
		}
		if rec.Tag == tagPut {
			return rec.Item, nil
		}
	}
}

func (sr *SegmentReader) Size() (int64, error) {
	st, err := sr.f.Stat()
	if err != nil {
		return 0, ioErrf("stat", sr.path, err)
	}
	return st.Size(), nil
}

func (sr *SegmentReader) Close() error {
	return ioErrf("close", sr.path, sr.f.Close())
}
