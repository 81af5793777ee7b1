package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxItemDataSize bounds the Data payload of a single Put record.
// Records exceeding it fail to encode rather than silently truncating.
const MaxItemDataSize = 16 * 1024 * 1024

const checksumSize = 8

type recordTag uint8

const (
	tagPut      recordTag = 1
	tagReadHead recordTag = 2
	tagReadDone recordTag = 3
)

// Item is one enqueued message: a monotonically increasing id, the
// time it was added, an optional expiry, and an opaque payload.
type Item struct {
	ID         uint64
	AddTime    time.Time
	ExpireTime time.Time // zero value means no expiry
	Data       []byte
}

// Record is the decoded form of one on-disk record: exactly one of
// the fields below is meaningful, selected by Tag.
type Record struct {
	Tag  recordTag
	Item Item     // valid when Tag == tagPut
	Head uint64   // valid when Tag == tagReadHead
	Done []uint64 // valid when Tag == tagReadDone, strictly ascending
}

func expireMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func appendChecksum(buf []byte, start int) []byte {
	sum := xxhash.Sum64(buf[start:])
	var bb bytesBuilder
	bb.Buf = buf
	bb.AppendUint64(sum)
	return bb.Buf
}

// appendPutRecord appends a tag + Put body + checksum to buf.
func appendPutRecord(buf []byte, it Item) ([]byte, error) {
	if len(it.Data) > MaxItemDataSize {
		return nil, fmt.Errorf("journal: put record data too large: %d bytes (max %d)", len(it.Data), MaxItemDataSize)
	}
	start := len(buf)
	var bb bytesBuilder
	bb.Buf = buf
	bb.AppendByte(byte(tagPut))
	bb.AppendUint64(it.ID)
	bb.AppendInt64(it.AddTime.UnixMilli())
	bb.AppendInt64(expireMillis(it.ExpireTime))
	bb.AppendUint32(uint32(len(it.Data)))
	bb.Write(it.Data)
	return appendChecksum(bb.Buf, start), nil
}

// appendReadHeadRecord appends a tag + ReadHead body + checksum to buf.
func appendReadHeadRecord(buf []byte, head uint64) []byte {
	start := len(buf)
	var bb bytesBuilder
	bb.Buf = buf
	bb.AppendByte(byte(tagReadHead))
	bb.AppendUint64(head)
	return appendChecksum(bb.Buf, start)
}

// appendReadDoneRecord appends a tag + ReadDone body + checksum to
// buf. ids must be strictly ascending with no duplicates.
func appendReadDoneRecord(buf []byte, ids []uint64) ([]byte, error) {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return nil, fmt.Errorf("journal: readDone ids must be strictly ascending, got %d after %d", ids[i], ids[i-1])
		}
	}
	start := len(buf)
	var bb bytesBuilder
	bb.Buf = buf
	bb.AppendByte(byte(tagReadDone))
	bb.AppendUint32(uint32(len(ids)))
	for _, id := range ids {
		bb.AppendUint64(id)
	}
	return appendChecksum(bb.Buf, start), nil
}

// recordReader decodes a stream of records, tracking the byte offset
// so corruption errors can name where they occurred. A record that
// cannot be read in full because the stream ran out of bytes is
// reported as io.EOF (a truncated tail), never as a corruption error;
// a bad tag, an implausible Put data length, ReadDone ids that are not
// strictly ascending, or a checksum mismatch for a record with its
// full byte count present is corruption.
type recordReader struct {
	r      *bufio.Reader
	path   string
	offset int64
}

func newRecordReader(r io.Reader, path string, startOffset int64) *recordReader {
	return &recordReader{r: bufio.NewReader(r), path: path, offset: startOffset}
}

// readFull reads exactly len(buf) bytes, translating a short read at
// end of stream into io.EOF regardless of how many bytes it managed
// to consume.
func (rr *recordReader) readFull(buf []byte) error {
	n, err := io.ReadFull(rr.r, buf)
	rr.offset += int64(n)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return io.EOF
	}
	return err
}

// next decodes the next record, or returns io.EOF at a clean or
// truncated end of stream.
func (rr *recordReader) next() (Record, error) {
	start := rr.offset
	tagByte, err := rr.r.ReadByte()
	if err == io.EOF {
		return Record{}, io.EOF
	} else if err != nil {
		return Record{}, err
	}
	rr.offset++

	switch recordTag(tagByte) {
	case tagPut:
		return rr.readPut(start, tagByte)
	case tagReadHead:
		return rr.readReadHead(start, tagByte)
	case tagReadDone:
		return rr.readReadDone(start, tagByte)
	default:
		return Record{}, corruptf(rr.path, start, "invalid record tag %d", tagByte)
	}
}

func (rr *recordReader) verifyChecksum(start int64, hashed []byte) error {
	var sumBuf [checksumSize]byte
	if err := rr.readFull(sumBuf[:]); err != nil {
		return err
	}
	got := binary.LittleEndian.Uint64(sumBuf[:])
	want := xxhash.Sum64(hashed)
	if got != want {
		return corruptf(rr.path, start, "checksum mismatch")
	}
	return nil
}

func (rr *recordReader) readPut(start int64, tagByte byte) (Record, error) {
	var hdr [8 + 8 + 8 + 4]byte
	if err := rr.readFull(hdr[:]); err != nil {
		return Record{}, err
	}
	id := binary.LittleEndian.Uint64(hdr[0:8])
	addMs := int64(binary.LittleEndian.Uint64(hdr[8:16]))
	expMs := int64(binary.LittleEndian.Uint64(hdr[16:24]))
	dataLen := binary.LittleEndian.Uint32(hdr[24:28])
	if dataLen > MaxItemDataSize {
		return Record{}, corruptf(rr.path, start, "implausible item data length %d", dataLen)
	}

	data := make([]byte, dataLen)
	if err := rr.readFull(data); err != nil {
		return Record{}, err
	}

	hashed := make([]byte, 0, 1+len(hdr)+len(data))
	hashed = append(hashed, tagByte)
	hashed = append(hashed, hdr[:]...)
	hashed = append(hashed, data...)
	if err := rr.verifyChecksum(start, hashed); err != nil {
		return Record{}, err
	}

	return Record{Tag: tagPut, Item: Item{
		ID:         id,
		AddTime:    millisToTime(addMs),
		ExpireTime: millisToTime(expMs),
		Data:       data,
	}}, nil
}

func (rr *recordReader) readReadHead(start int64, tagByte byte) (Record, error) {
	var body [8]byte
	if err := rr.readFull(body[:]); err != nil {
		return Record{}, err
	}
	head := binary.LittleEndian.Uint64(body[:])

	hashed := append([]byte{tagByte}, body[:]...)
	if err := rr.verifyChecksum(start, hashed); err != nil {
		return Record{}, err
	}
	return Record{Tag: tagReadHead, Head: head}, nil
}

func (rr *recordReader) readReadDone(start int64, tagByte byte) (Record, error) {
	var countBuf [4]byte
	if err := rr.readFull(countBuf[:]); err != nil {
		return Record{}, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	body := make([]byte, int(count)*8)
	if err := rr.readFull(body); err != nil {
		return Record{}, err
	}

	ids := make([]uint64, count)
	var prev uint64
	for i := range ids {
		id := binary.LittleEndian.Uint64(body[i*8:])
		if i > 0 && id <= prev {
			return Record{}, corruptf(rr.path, start, "readDone ids not strictly ascending: %d after %d", id, prev)
		}
		ids[i] = id
		prev = id
	}

	hashed := make([]byte, 0, 1+len(countBuf)+len(body))
	hashed = append(hashed, tagByte)
	hashed = append(hashed, countBuf[:]...)
	hashed = append(hashed, body...)
	if err := rr.verifyChecksum(start, hashed); err != nil {
		return Record{}, err
	}
	return Record{Tag: tagReadDone, Done: ids}, nil
}
