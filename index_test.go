package journal

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSegment(t *testing.T, dir, queueName string, name string, firstID uint64, items ...Item) string {
	t.Helper()
	path := filepath.Join(dir, name)
	sw, err := createSegment(path, queueName, firstID)
	if err != nil {
		t.Fatalf("createSegment(%s): %v", name, err)
	}
	for _, it := range items {
		if err := sw.Append(it); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestIDIndex_FileForID(t *testing.T) {
	idx := &idIndex{entries: []idIndexEntry{
		{FirstID: 1, Path: "a"},
		{FirstID: 10, Path: "b"},
		{FirstID: 20, Path: "c"},
	}}

	cases := []struct {
		id       uint64
		wantPath string
		wantOK   bool
	}{
		{0, "", false},
		{1, "a", true},
		{5, "a", true},
		{9, "a", true},
		{10, "b", true},
		{19, "b", true},
		{20, "c", true},
		{1000, "c", true},
	}
	for _, c := range cases {
		path, ok := idx.fileForID(c.id)
		if ok != c.wantOK || path != c.wantPath {
			t.Errorf("fileForID(%d) = (%q, %v), want (%q, %v)", c.id, path, ok, c.wantPath, c.wantOK)
		}
	}
}

func TestIDIndex_SegmentStartingAt(t *testing.T) {
	idx := &idIndex{entries: []idIndexEntry{
		{FirstID: 1, Path: "a"},
		{FirstID: 10, Path: "b"},
	}}
	if path, ok := idx.segmentStartingAt(10); !ok || path != "b" {
		t.Fatalf("segmentStartingAt(10) = (%q, %v), want (\"b\", true)", path, ok)
	}
	if _, ok := idx.segmentStartingAt(5); ok {
		t.Fatalf("segmentStartingAt(5) should not match")
	}
}

func TestIDIndex_WithSegmentAndWithoutPaths(t *testing.T) {
	idx := emptyIDIndex
	idx = idx.withSegment(1, "a")
	idx = idx.withSegment(10, "b")
	if len(idx.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(idx.entries))
	}
	// original empty index must be untouched (copy-on-write)
	if len(emptyIDIndex.entries) != 0 {
		t.Fatalf("emptyIDIndex mutated")
	}

	idx2 := idx.withoutPaths(map[string]struct{}{"a": {}})
	if len(idx2.entries) != 1 || idx2.entries[0].Path != "b" {
		t.Fatalf("withoutPaths result = %+v", idx2.entries)
	}
	if len(idx.entries) != 2 {
		t.Fatalf("withoutPaths mutated original index")
	}
}

func TestIsSegmentFileName(t *testing.T) {
	cases := []struct {
		name   string
		wantOK bool
	}{
		{"Q.1700000000000", true},
		{"Q.read.default", false},
		{"Q.1700000000000~~", false},
		{"Q.", false},
		{"Qx.1700000000000", false},
		{"other.1700000000000", false},
	}
	for _, c := range cases {
		_, ok := isSegmentFileName("Q", c.name)
		if ok != c.wantOK {
			t.Errorf("isSegmentFileName(%q) ok = %v, want %v", c.name, ok, c.wantOK)
		}
	}
}

func TestBuildIDIndex_SkipsCorruptAndForeignSegments(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(1000).UTC()

	writeSegment(t, dir, "Q", "Q.1000", 1, Item{ID: 1, AddTime: now, Data: []byte("x")})
	writeSegment(t, dir, "Q", "Q.2000", 5, Item{ID: 5, AddTime: now, Data: []byte("y")})
	// a segment for a different queue in the same directory must be ignored
	writeSegment(t, dir, "OTHER", "OTHER.3000", 99, Item{ID: 99, AddTime: now, Data: []byte("z")})
	// an empty segment (header only, no Put) must be skipped with a warning
	sw, err := createSegment(filepath.Join(dir, "Q.4000"), "Q", 50)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	sw.Close()
	// a reader state file must never be mistaken for a writer segment
	writeSegment(t, dir, "Q", "Q.read.default", 0)

	idx, err := buildIDIndex(dir, "Q", discardLogger())
	if err != nil {
		t.Fatalf("buildIDIndex: %v", err)
	}
	if len(idx.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(idx.entries), idx.entries)
	}
	if idx.entries[0].FirstID != 1 || idx.entries[1].FirstID != 5 {
		t.Fatalf("unexpected entries: %+v", idx.entries)
	}
}
