package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type idIndexEntry struct {
	FirstID uint64
	Path    string
}

// idIndex is an immutable snapshot of the ordered first-id → segment
// mapping. The journal façade replaces it wholesale (copy-on-write) on
// rotation or truncation; a lookup against a stale snapshot is
// harmless as long as the file it names still exists.
type idIndex struct {
	entries []idIndexEntry // sorted ascending by FirstID
}

var emptyIDIndex = &idIndex{}

// fileForID returns the path of the segment whose FirstID is the
// greatest key ≤ id, or "", false if id precedes every segment.
func (idx *idIndex) fileForID(id uint64) (string, bool) {
	entries := idx.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].FirstID > id })
	if i == 0 {
		return "", false
	}
	return entries[i-1].Path, true
}

// segmentStartingAt returns the segment whose FirstID is exactly id,
// used to find the segment that immediately follows another one.
func (idx *idIndex) segmentStartingAt(id uint64) (string, bool) {
	entries := idx.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].FirstID >= id })
	if i < len(entries) && entries[i].FirstID == id {
		return entries[i].Path, true
	}
	return "", false
}

// withSegment returns a new index with one more segment recorded.
// Segments are always appended with a FirstID greater than every
// existing entry (rotation only ever creates new, higher-id
// segments), so the result stays sorted without re-sorting.
func (idx *idIndex) withSegment(firstID uint64, path string) *idIndex {
	entries := make([]idIndexEntry, len(idx.entries), len(idx.entries)+1)
	copy(entries, idx.entries)
	entries = append(entries, idIndexEntry{FirstID: firstID, Path: path})
	return &idIndex{entries: entries}
}

// withoutPaths returns a new index with the named segments removed,
// preserving order.
func (idx *idIndex) withoutPaths(removed map[string]struct{}) *idIndex {
	entries := make([]idIndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		if _, gone := removed[e.Path]; gone {
			continue
		}
		entries = append(entries, e)
	}
	return &idIndex{entries: entries}
}

// isSegmentFileName matches "<queueName>.<digits>", the writer
// segment naming convention; digits double as a creation timestamp.
func isSegmentFileName(queueName, name string) (ts string, ok bool) {
	prefix := queueName + "."
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return "", false
	}
	if strings.Contains(rest, ".") || strings.Contains(rest, "~") {
		return "", false
	}
	if _, err := strconv.ParseUint(rest, 10, 64); err != nil {
		return "", false
	}
	return rest, true
}

// buildIDIndex scans dir for writer segments belonging to queueName
// and records the id of each one's first Put record. Startup scanning
// is lenient: a segment that cannot be opened, is empty, or whose
// first record is not a Put is logged and skipped, never fatal.
func buildIDIndex(dir, queueName string, logger *slog.Logger) (*idIndex, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErrf("readdir", dir, err)
	}

	var entries []idIndexEntry
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if _, ok := isSegmentFileName(queueName, name); !ok {
			continue
		}
		path := filepath.Join(dir, name)

		firstID, ok, err := firstPutID(path, queueName)
		if err != nil {
			logger.Warn("journal: skipping unreadable segment", "path", path, "err", err)
			continue
		}
		if !ok {
			logger.Warn("journal: skipping segment with no leading Put record", "path", path)
			continue
		}
		entries = append(entries, idIndexEntry{FirstID: firstID, Path: path})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstID < entries[j].FirstID })
	return &idIndex{entries: entries}, nil
}

func firstPutID(path, queueName string) (id uint64, ok bool, err error) {
	sr, err := openSegmentForRead(path, queueName)
	if err != nil {
		return 0, false, err
	}
	defer sr.Close()

	rec, err := sr.NextRecord()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if rec.Tag != tagPut {
		return 0, false, nil
	}
	if rec.Item.ID != sr.FirstID() {
		return 0, false, corruptf(path, 0, "header firstID %d does not match first Put id %d", sr.FirstID(), rec.Item.ID)
	}
	return rec.Item.ID, true, nil
}
