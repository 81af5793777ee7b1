package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxSegmentSize is the writer segment size threshold past
// which AppendPut rotates onto a fresh segment.
const DefaultMaxSegmentSize = 4 * 1024 * 1024

// DefaultSyncInterval is how long a segment may hold unsynced writes
// before the background ticker forces an fdatasync.
const DefaultSyncInterval = 1 * time.Second

// Options configures a Journal. The zero value is usable; every field
// defaults to something reasonable for production use.
type Options struct {
	// MaxSegmentSize triggers rotation once the active writer segment
	// reaches this size. Zero means DefaultMaxSegmentSize.
	MaxSegmentSize int64
	// SyncInterval bounds how long a write may sit unsynced. Zero
	// means DefaultSyncInterval. Negative disables the background
	// sync ticker entirely (tests that call Checkpoint/Flush by hand).
	SyncInterval time.Duration
	// Now overrides the clock used for segment naming, for
	// deterministic tests. The background sync always measures unsynced
	// age against the wall clock.
	Now func() time.Time
	// Logger receives structured warnings about skipped or corrupt
	// files. Defaults to slog.Default().
	Logger *slog.Logger
	// Verbose additionally logs a debug-level message for every
	// segment successfully indexed at Open, not just the skipped ones.
	Verbose bool
	// Context bounds the lifetime of the background sync goroutine in
	// addition to Close; cancelling it stops that goroutine as Close
	// does, but does not end readers' read-behind cursors or close the
	// active writer segment. Defaults to
	// context.Background().
	Context context.Context
}

func (o Options) maxSegmentSize() int64 {
	if o.MaxSegmentSize > 0 {
		return o.MaxSegmentSize
	}
	return DefaultMaxSegmentSize
}

func (o Options) syncInterval() time.Duration {
	if o.SyncInterval != 0 {
		return o.SyncInterval
	}
	return DefaultSyncInterval
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Journal is the durable, file-backed core of one queue: a directory
// holding its writer segments and its reader checkpoint files. It
// is safe for concurrent use by multiple goroutines.
type Journal struct {
	dir       string
	queueName string
	opts      Options

	idx atomic.Pointer[idIndex]

	readersMu sync.Mutex // serializes reader-map copy-on-write updates
	readers   atomic.Pointer[map[string]*Reader]

	writeMu sync.Mutex
	writer  *SegmentWriter

	bgCancel context.CancelFunc
	bgGroup  *errgroup.Group
}

// Open scans dir for queueName's existing segments and returns a
// ready-to-use Journal. Segments that cannot be read, or whose first
// record is not a Put, are skipped with a warning rather than failing
// Open outright; a queue directory is expected to accumulate the
// occasional torn file across crashes.
func Open(dir, queueName string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErrf("mkdir", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx, err := buildIDIndex(dir, queueName, logger)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		for _, e := range idx.entries {
			logger.Debug("journal: indexed segment", "path", e.Path, "firstID", e.FirstID)
		}
	}

	j := &Journal{
		dir:       dir,
		queueName: queueName,
		opts:      opts,
	}
	j.idx.Store(idx)
	emptyReaders := make(map[string]*Reader)
	j.readers.Store(&emptyReaders)

	if opts.SyncInterval >= 0 {
		parent := opts.Context
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithCancel(parent)
		g, gctx := errgroup.WithContext(ctx)
		j.bgCancel = cancel
		j.bgGroup = g
		g.Go(func() error {
			j.runSyncLoop(gctx)
			return nil
		})
	}

	return j, nil
}

func (j *Journal) runSyncLoop(ctx context.Context) {
	interval := j.opts.syncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.flushDueSegments()
		}
	}
}

func (j *Journal) flushDueSegments() {
	j.writeMu.Lock()
	w := j.writer
	j.writeMu.Unlock()
	if w == nil {
		return
	}
	if w.DueForFlush(time.Now(), j.opts.syncInterval()) {
		if err := w.Flush(); err != nil {
			j.logger().Warn("journal: background flush failed", "path", w.Path(), "err", err)
		}
	}
}

func (j *Journal) segmentPath(ts int64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s.%d", j.queueName, ts))
}

func (j *Journal) readerStatePath(name string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s.read.%s", j.queueName, name))
}

// FileForID returns the path of the segment that contains id, or an
// UnknownIDError if id precedes every segment currently indexed.
func (j *Journal) FileForID(id uint64) (string, error) {
	path, ok := j.fileForID(id)
	if !ok {
		return "", unknownID(id)
	}
	return path, nil
}

func (j *Journal) fileForID(id uint64) (string, bool) {
	return j.idx.Load().fileForID(id)
}

func (j *Journal) nextSegmentPath(firstID uint64) (string, bool) {
	return j.idx.Load().segmentStartingAt(firstID)
}

// Reader returns the named reader, creating and restoring it from its
// checkpoint file on first use. initialHead seeds a brand new reader
// that has no checkpoint yet; it is ignored for a reader that already
// has persisted state.
func (j *Journal) Reader(name string, initialHead uint64) *Reader {
	if m := *j.readers.Load(); m != nil {
		if r, ok := m[name]; ok {
			return r
		}
	}

	j.readersMu.Lock()
	defer j.readersMu.Unlock()

	m := *j.readers.Load()
	if r, ok := m[name]; ok {
		return r
	}

	r := newReader(j, name, initialHead)
	if err := r.ReadState(); err != nil {
		j.logger().Warn("journal: failed to restore reader state", "reader", name, "err", err)
	}

	next := make(map[string]*Reader, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	next[name] = r
	j.readers.Store(&next)
	return r
}

// Readers returns a snapshot of every reader created so far, in no
// particular order.
func (j *Journal) Readers() []*Reader {
	m := *j.readers.Load()
	out := make([]*Reader, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}

// AppendPut appends a Put record for id to the active writer segment,
// opening a new writer segment first if none is active yet or the
// active one has crossed MaxSegmentSize. The record is durable only
// after the next background sync or an explicit flush.
func (j *Journal) AppendPut(id uint64, addTime, expireTime time.Time, data []byte) error {
	it := Item{ID: id, AddTime: addTime, ExpireTime: expireTime, Data: data}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if j.writer == nil || j.writer.Size() >= j.opts.maxSegmentSize() {
		if err := j.openNewSegmentLocked(id); err != nil {
			return err
		}
	}
	return j.writer.Append(it)
}

// openNewSegmentLocked must be called with writeMu held. It closes any
// active writer, then creates a new segment named after the current
// time, retrying with a later timestamp on the rare collision where
// two rotations land in the same millisecond.
func (j *Journal) openNewSegmentLocked(firstID uint64) error {
	if j.writer != nil {
		if err := j.writer.Close(); err != nil {
			return err
		}
		j.writer = nil
	}

	ts := j.opts.now().UnixMilli()
	for {
		path := j.segmentPath(ts)
		sw, err := createSegment(path, j.queueName, firstID)
		if err == nil {
			j.writer = sw
			j.idx.Store(j.idx.Load().withSegment(firstID, path))
			return nil
		}
		if os.IsExist(err) {
			ts++
			continue
		}
		return ioErrf("create", path, err)
	}
}

// Rotate closes the active writer segment, if any, so the next
// AppendPut call starts a fresh one.
func (j *Journal) Rotate() error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.writer == nil {
		return nil
	}
	err := j.writer.Close()
	j.writer = nil
	return err
}

// Truncate deletes every segment whose entire content is known done by
// every registered reader, i.e. whose successor segment's FirstID is
// at or below the minimum head across all readers. The active writer
// segment is never deleted. With no readers registered, Truncate is a
// conservative no-op: there is nobody whose progress would justify
// discarding history.
func (j *Journal) Truncate() ([]string, error) {
	readers := j.Readers()
	if len(readers) == 0 {
		return nil, nil
	}

	minHead := readers[0].Head()
	for _, r := range readers[1:] {
		if h := r.Head(); h < minHead {
			minHead = h
		}
	}

	idx := j.idx.Load()
	entries := idx.entries
	if len(entries) == 0 {
		return nil, nil
	}

	j.writeMu.Lock()
	activePath := ""
	if j.writer != nil {
		activePath = j.writer.Path()
	}
	j.writeMu.Unlock()

	var toDelete []string
	for i := 0; i < len(entries)-1; i++ {
		if entries[i].Path == activePath {
			continue
		}
		nextFirstID := entries[i+1].FirstID
		if nextFirstID <= minHead {
			toDelete = append(toDelete, entries[i].Path)
		}
	}
	if len(toDelete) == 0 {
		return nil, nil
	}

	removed := make(map[string]struct{}, len(toDelete))
	for _, p := range toDelete {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, ioErrf("remove", p, err)
		}
		removed[p] = struct{}{}
	}
	j.idx.Store(idx.withoutPaths(removed))
	return toDelete, nil
}

// Checkpoint persists every registered reader's state.
func (j *Journal) Checkpoint() error {
	var errs []string
	for _, r := range j.Readers() {
		if err := r.Checkpoint(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", r.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("journal: checkpoint failed for readers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ArchiveSize returns the total size on disk of every indexed segment.
func (j *Journal) ArchiveSize() (int64, error) {
	idx := j.idx.Load()
	var total int64
	for _, e := range idx.entries {
		fi, err := os.Stat(e.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, ioErrf("stat", e.Path, err)
		}
		total += fi.Size()
	}
	return total, nil
}

// Close stops the background sync loop, ends every reader's read-behind
// disk cursor (if any), and flushes and closes the active writer
// segment, if any.
func (j *Journal) Close() error {
	if j.bgCancel != nil {
		j.bgCancel()
		j.bgGroup.Wait()
	}

	var errs []string
	for _, r := range j.Readers() {
		if err := r.EndReadBehind(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", r.Name(), err))
		}
	}

	j.writeMu.Lock()
	if j.writer != nil {
		if err := j.writer.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("writer: %v", err))
		}
		j.writer = nil
	}
	j.writeMu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("journal: close failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// QueueNamesFromDir returns the distinct prefixes before the first '.'
// of every regular file name under dir. Names containing '~'
// (transient rewrite files) or no '.' at all are skipped; the rest of
// the name is not checked against the segment or reader-file patterns.
func QueueNamesFromDir(dir string) (map[string]struct{}, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErrf("readdir", dir, err)
	}
	names := make(map[string]struct{})
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if strings.Contains(name, "~") {
			continue
		}
		queueName, _, ok := splitByte(name, '.')
		if !ok {
			continue
		}
		names[queueName] = struct{}{}
	}
	return names, nil
}
