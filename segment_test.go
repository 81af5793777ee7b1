package journal

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSegmentHeader_RoundTrip(t *testing.T) {
	hdr := fillSegmentHeader("Q", 42)
	if len(hdr) != segmentHeaderSize {
		t.Fatalf("header size = %d, want %d", len(hdr), segmentHeaderSize)
	}
	firstID, err := verifySegmentHeader(hdr, "Q.1", "Q")
	if err != nil {
		t.Fatalf("verifySegmentHeader: %v", err)
	}
	if firstID != 42 {
		t.Fatalf("firstID = %d, want 42", firstID)
	}
}

func TestSegmentHeader_BadMagic(t *testing.T) {
	hdr := fillSegmentHeader("Q", 1)
	hdr[0] = 'X'
	_, err := verifySegmentHeader(hdr, "Q.1", "Q")
	var cerr *CorruptionError
	if !asCorruption(err, &cerr) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestSegmentHeader_ChecksumMismatch(t *testing.T) {
	hdr := fillSegmentHeader("Q", 1)
	hdr[13] ^= 0xFF // mutate firstID bytes without updating checksum
	_, err := verifySegmentHeader(hdr, "Q.1", "Q")
	var cerr *CorruptionError
	if !asCorruption(err, &cerr) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestSegmentHeader_UnsupportedVersion(t *testing.T) {
	hdr := fillSegmentHeader("Q", 1)
	hdr[4] = 99
	hdr = appendChecksum(hdr[:21], 0)
	_, err := verifySegmentHeader(hdr, "Q.1", "Q")
	ioe, ok := err.(*IOError)
	if !ok {
		t.Fatalf("expected *IOError, got %v (%T)", err, err)
	}
	if ioe.Unwrap() != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", ioe.Unwrap())
	}
}

func TestSegmentHeader_WrongQueue(t *testing.T) {
	hdr := fillSegmentHeader("Q", 1)
	_, err := verifySegmentHeader(hdr, "Q.1", "OTHER")
	ioe, ok := err.(*IOError)
	if !ok {
		t.Fatalf("expected *IOError, got %v (%T)", err, err)
	}
	if ioe.Unwrap() != ErrWrongQueue {
		t.Fatalf("expected ErrWrongQueue, got %v", ioe.Unwrap())
	}
}

func TestSegmentWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Q.1000")

	sw, err := createSegment(path, "Q", 1)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	items := []Item{
		{ID: 1, AddTime: time.UnixMilli(1000).UTC(), Data: []byte("a")},
		{ID: 2, AddTime: time.UnixMilli(2000).UTC(), ExpireTime: time.UnixMilli(5000).UTC(), Data: []byte("bb")},
		{ID: 3, AddTime: time.UnixMilli(3000).UTC(), Data: []byte{}},
	}
	for _, it := range items {
		if err := sw.Append(it); err != nil {
			t.Fatalf("Append(%d): %v", it.ID, err)
		}
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sr, err := openSegmentForRead(path, "Q")
	if err != nil {
		t.Fatalf("openSegmentForRead: %v", err)
	}
	defer sr.Close()
	if sr.FirstID() != 1 {
		t.Fatalf("FirstID = %d, want 1", sr.FirstID())
	}

	for _, want := range items {
		got, err := sr.NextPut()
		if err != nil {
			t.Fatalf("NextPut: %v", err)
		}
		if got.ID != want.ID || string(got.Data) != string(want.Data) || !got.AddTime.Equal(want.AddTime) || !got.ExpireTime.Equal(want.ExpireTime) {
			t.Fatalf("NextPut = %+v, want %+v", got, want)
		}
	}
	if _, err := sr.NextPut(); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestSegmentReader_TruncatedTailIsEOFNotCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Q.1001")

	sw, err := createSegment(path, "Q", 1)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	if err := sw.Append(Item{ID: 1, AddTime: time.UnixMilli(1).UTC(), Data: []byte("hello")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sw.Append(Item{ID: 2, AddTime: time.UnixMilli(2).UTC(), Data: []byte("world")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Truncate off the last byte of the file, simulating a crash mid-write
	// of the final record's trailing checksum byte.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-1); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	sr, err := openSegmentForRead(path, "Q")
	if err != nil {
		t.Fatalf("openSegmentForRead: %v", err)
	}
	defer sr.Close()

	first, err := sr.NextPut()
	if err != nil {
		t.Fatalf("NextPut(1): %v", err)
	}
	if first.ID != 1 {
		t.Fatalf("first.ID = %d, want 1", first.ID)
	}

	_, err = sr.NextPut()
	if err != io.EOF {
		t.Fatalf("expected io.EOF on truncated tail record, got %v (%T)", err, err)
	}
}

func TestSegmentReader_TruncatedHeaderIsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Q.1002")
	if err := os.WriteFile(path, []byte{'Q', 'J'}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := openSegmentForRead(path, "Q")
	var cerr *CorruptionError
	if !asCorruption(err, &cerr) {
		t.Fatalf("expected CorruptionError for truncated header, got %v", err)
	}
}

func TestSegmentWriter_DueForFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Q.1003")
	sw, err := createSegment(path, "Q", 1)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	defer sw.Close()

	now := time.Now()
	if sw.DueForFlush(now, time.Second) {
		t.Fatalf("expected not due for flush before any writes")
	}
	if err := sw.Append(Item{ID: 1, AddTime: now, Data: nil}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if sw.DueForFlush(now, time.Second) {
		t.Fatalf("expected not due for flush immediately after a write")
	}
	if !sw.DueForFlush(now.Add(2*time.Second), time.Second) {
		t.Fatalf("expected due for flush once interval elapsed")
	}
	if err := sw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sw.DueForFlush(now.Add(10*time.Second), time.Second) {
		t.Fatalf("expected not due for flush right after a flush")
	}
}

func TestCreateSegment_RejectsExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Q.1004")
	sw, err := createSegment(path, "Q", 1)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	sw.Close()

	_, err = createSegment(path, "Q", 2)
	if !os.IsExist(err) {
		t.Fatalf("expected os.IsExist error, got %v", err)
	}
}

func asCorruption(err error, target **CorruptionError) bool {
	if ce, ok := err.(*CorruptionError); ok {
		*target = ce
		return true
	}
	return false
}
