package journal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// readBehindState is the forward-only disk cursor a Reader uses once it
// falls behind the in-memory tail. It is not safe for concurrent use;
// like the rest of a Reader's mutating operations, callers serialize
// access externally.
type readBehindState struct {
	sr          *SegmentReader
	lastYielded uint64
	started     bool
}

// Reader tracks one named consumer's progress through a queue: a head
// at or below which every item is done, and a set of ids above head that
// have been committed out of order. Checkpoint may run concurrently
// with everything else; every other method requires external
// serialization by the caller.
type Reader struct {
	name string
	j    *Journal

	stateMu sync.Mutex
	head    uint64
	doneSet map[uint64]struct{}

	readBehind *readBehindState
}

func newReader(j *Journal, name string, initialHead uint64) *Reader {
	return &Reader{
		name:    name,
		j:       j,
		head:    initialHead,
		doneSet: make(map[uint64]struct{}),
	}
}

func (r *Reader) Name() string { return r.name }

// Head returns the id at or below which every item is known done.
func (r *Reader) Head() uint64 {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.head
}

// DoneSet returns the sorted ids above Head that have been committed
// out of order.
func (r *Reader) DoneSet() []uint64 {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	ids := make([]uint64, 0, len(r.doneSet))
	for id := range r.doneSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Commit marks id done. If id == head+1 it advances head to id and past
// every already-committed id immediately following it, coalescing the
// done set (spec example: committing 3,5,4,2,1 in that order from
// head=0 ends at head=5 with an empty done set). Committing an id at
// or below head, or already in the done set, is a protocol misuse.
func (r *Reader) Commit(id uint64) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if id <= r.head {
		return misusef("commit %d at or below head %d", id, r.head)
	}
	if _, dup := r.doneSet[id]; dup {
		return misusef("commit %d already committed", id)
	}

	if id == r.head+1 {
		r.head = id
		for {
			next := r.head + 1
			if _, ok := r.doneSet[next]; !ok {
				break
			}
			delete(r.doneSet, next)
			r.head = next
		}
		return nil
	}

	r.doneSet[id] = struct{}{}
	return nil
}

// SetHead forcibly repositions head, discarding any done-set entries
// at or below the new value. Used when seeding a brand new reader or
// restoring one from an external checkpoint.
func (r *Reader) SetHead(id uint64) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.head = id
	for done := range r.doneSet {
		if done <= id {
			delete(r.doneSet, done)
		}
	}
}

// Checkpoint durably persists this reader's head and done set, via a
// write-temp-then-rename so a crash mid-write never corrupts the
// previous checkpoint. Safe to call concurrently with Commit and with
// other readers' Checkpoint calls.
func (r *Reader) Checkpoint() error {
	r.stateMu.Lock()
	head := r.head
	done := make([]uint64, 0, len(r.doneSet))
	for id := range r.doneSet {
		done = append(done, id)
	}
	r.stateMu.Unlock()
	sort.Slice(done, func(i, j int) bool { return done[i] < done[j] })

	finalPath := r.j.readerStatePath(r.name)
	tmpPath := finalPath + "~~"

	os.Remove(tmpPath)
	sw, err := createSegment(tmpPath, r.j.queueName, 0)
	if err != nil {
		return err
	}

	buf := appendReadHeadRecord(nil, head)
	buf, err = appendReadDoneRecord(buf, done)
	if err != nil {
		sw.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := sw.writeRaw(buf); err != nil {
		sw.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := sw.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return ioErrf("rename", tmpPath, err)
	}
	return nil
}

// ReadState replays this reader's checkpoint file, if any, restoring
// head and done set. Called once, at reader creation, before the
// reader is exposed to callers. A missing file means a brand new
// reader and is not an error; a corrupt file is logged and stops the
// replay at whatever state was read so far, the same lenient-startup
// policy Open uses for segments.
func (r *Reader) ReadState() error {
	path := r.j.readerStatePath(r.name)
	sr, err := openSegmentForRead(path, r.j.queueName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		r.j.logger().Warn("journal: ignoring unreadable reader state", "reader", r.name, "err", err)
		return nil
	}
	defer sr.Close()

	var head uint64
	doneSet := make(map[uint64]struct{})
	for {
		rec, err := sr.NextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.j.logger().Warn("journal: reader state truncated early", "reader", r.name, "err", err)
			break
		}
		switch rec.Tag {
		case tagReadHead:
			head = rec.Head
		case tagReadDone:
			doneSet = make(map[uint64]struct{}, len(rec.Done))
			for _, id := range rec.Done {
				doneSet[id] = struct{}{}
			}
		}
	}

	r.stateMu.Lock()
	r.head = head
	r.doneSet = doneSet
	r.stateMu.Unlock()
	return nil
}

// StartReadBehind positions a disk-backed read cursor on id, which is
// treated as already delivered: the first NextReadBehind call returns
// the item that follows id. It fails with
// UnknownIDError if id precedes every live segment or the segment
// that should contain it ends before reaching it.
func (r *Reader) StartReadBehind(id uint64) error {
	if r.readBehind != nil {
		return misusef("read-behind already active for reader %q", r.name)
	}

	path, ok := r.j.fileForID(id)
	if !ok {
		return unknownID(id)
	}
	sr, err := openSegmentForRead(path, r.j.queueName)
	if err != nil {
		return err
	}

	for {
		item, err := sr.NextPut()
		if err == io.EOF {
			sr.Close()
			return unknownID(id)
		}
		if err != nil {
			sr.Close()
			return err
		}
		if item.ID == id {
			r.readBehind = &readBehindState{sr: sr, lastYielded: item.ID, started: true}
			return nil
		}
		if item.ID > id {
			sr.Close()
			return unknownID(id)
		}
	}
}

// NextReadBehind returns the next item after the read-behind cursor's
// position, transparently advancing across a segment boundary.
// UnknownIDError signals there is no next segment to chain into,
// meaning the cursor has caught up to (or past) the in-memory tail;
// the caller should call EndReadBehind and resume from the live feed.
func (r *Reader) NextReadBehind() (Item, error) {
	rb := r.readBehind
	if rb == nil {
		return Item{}, misusef("read-behind not active for reader %q", r.name)
	}

	item, err := rb.sr.NextPut()
	if err == nil {
		rb.lastYielded = item.ID
		return item, nil
	}
	if err != io.EOF {
		return Item{}, err
	}

	nextPath, ok := r.j.nextSegmentPath(rb.lastYielded + 1)
	if !ok {
		return Item{}, unknownID(rb.lastYielded + 1)
	}
	rb.sr.Close()
	sr, err := openSegmentForRead(nextPath, r.j.queueName)
	if err != nil {
		return Item{}, err
	}
	rb.sr = sr

	item, err = rb.sr.NextPut()
	if err != nil {
		return Item{}, err
	}
	rb.lastYielded = item.ID
	return item, nil
}

// EndReadBehind closes the disk cursor. Tolerant of being called when
// no cursor is active.
func (r *Reader) EndReadBehind() error {
	if r.readBehind == nil {
		return nil
	}
	err := r.readBehind.sr.Close()
	r.readBehind = nil
	return err
}

func (j *Journal) logger() *slog.Logger {
	if j.opts.Logger != nil {
		return j.opts.Logger
	}
	return slog.Default()
}
