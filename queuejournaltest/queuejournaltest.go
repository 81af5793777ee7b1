// Package queuejournaltest provides test fixtures for code built on
// top of the journal package: a fake-clock journal wrapper and a
// small byte-level assertion mini-language for checking exact file
// contents.
package queuejournaltest

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/queuejournal"
)

// Start is the fixed instant every TestJournal's clock begins at, so
// fixtures referencing absolute timestamps stay reproducible.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestJournal wraps a *journal.Journal opened against a temp dir, with
// a clock callers advance explicitly instead of depending on wall time.
type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	now time.Time
}

// Open creates a journal.Journal rooted at a fresh temp directory,
// with logging routed to t.Log and the clock frozen at Start until
// Advance is called.
func Open(t *testing.T, queueName string, o journal.Options) *TestJournal {
	t.Helper()
	dir := t.TempDir()
	tj := &TestJournal{T: t, Dir: dir, now: Start}

	o.Now = func() time.Time { return tj.now }
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	o.Verbose = true

	j, err := journal.Open(dir, queueName, o)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	tj.Journal = j
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Errorf("journal Close: %v", err)
		}
	})
	return tj
}

func (tj *TestJournal) Now() time.Time { return tj.now }

func (tj *TestJournal) Advance(d time.Duration) { tj.now = tj.now.Add(d) }

// Data reads a file from the journal directory by name, returning nil
// (not an error) if it doesn't exist.
func (tj *TestJournal) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(tj.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		tj.T.Fatalf("reading %v: %v", fileName, err)
	}
	return b
}

// FileNames lists every file currently in the journal directory,
// sorted.
func (tj *TestJournal) FileNames() []string {
	ents, err := os.ReadDir(tj.Dir)
	if err != nil {
		tj.T.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names
}

// Eq asserts that fileName's bytes equal the hex-ish fixture spec
// produced by Expand.
func (tj *TestJournal) Eq(fileName string, expected ...string) {
	tj.T.Helper()
	BytesEq(tj.T, tj.Data(fileName), Expand(expected...))
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// Expand turns a whitespace-separated sequence of hex-literal fields
// into raw bytes. Each field may carry a "*N" repeat-count suffix, for
// building fixtures like a run of identical records without spelling
// each byte out by hand.
func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base, repStr, _ := strings.Cut(elem, "*")
			rep := 1
			if repStr != "" {
				var err error
				rep, err = strconv.Atoi(repStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count %q in element %q", repStr, elem))
				}
			}
			chunk, err := decodeHex(base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
			for range rep {
				b = append(b, chunk...)
			}
		}
	}
	return b
}

func decodeHex(s string) ([]byte, error) {
	const none byte = 0xFF
	var out []byte
	prev := none
	for _, c := range []byte(s) {
		var half byte
		switch {
		case c == '_':
			continue
		case c >= '0' && c <= '9':
			half = c - '0'
		case c >= 'a' && c <= 'f':
			half = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			half = c - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid hex char %q", c)
		}
		if prev == none {
			prev = half
		} else {
			out = append(out, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		out = append(out, prev)
	}
	return out, nil
}

// HexDump renders b as a conventional 8-bytes-per-line hex+ASCII dump,
// marking highlightOff (if >= 0) with a leading '>'.
func HexDump(b []byte, highlightOff int) string {
	var buf strings.Builder
	n := len(b)
	for off := 0; ; off += 8 {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= n {
			buf.WriteByte('\n')
			return buf.String()
		}
		buf.WriteByte(' ')
		for i := 0; i < 8; i++ {
			if off+i >= n {
				buf.WriteString("   ")
				continue
			}
			if off+i == highlightOff {
				buf.WriteByte('>')
			} else {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%02x", b[off+i])
		}
		buf.WriteString("  |")
		for i := 0; i < 8 && off+i < n; i++ {
			v := b[off+i]
			if v >= 32 && v <= 126 {
				buf.WriteByte(v)
			} else {
				buf.WriteByte('.')
			}
		}
		buf.WriteString("|\n")
	}
}

// BytesEq compares a against e, failing t with an aligned hex dump
// pinpointing the first differing byte.
func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := 0; i < off; i++ {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}
