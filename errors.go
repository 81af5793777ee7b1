package journal

import "fmt"

// CorruptionError reports a record that failed to decode mid-segment.
// The reader that encounters it abandons the rest of that segment; the
// journal marks the segment skipped and keeps going (see Open).
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func corruptf(path string, offset int64, format string, args ...any) *CorruptionError {
	return &CorruptionError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: corrupted record at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// UnknownIDError reports that FileForID or read-behind positioning
// could not locate the given id among the live segments.
type UnknownIDError struct {
	ID uint64
}

func unknownID(id uint64) *UnknownIDError {
	return &UnknownIDError{ID: id}
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("journal: unknown id %d", e.ID)
}

// IOError wraps an underlying filesystem error with the operation and
// path that failed, so callers can tell a disk error apart from the
// journal's own typed errors without losing the cause.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func ioErrf(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("journal: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("journal: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ProtocolMisuseError reports a contract violation by the caller, such
// as committing an id that is already covered by head or entering
// read-behind twice. These are programming errors, not recoverable
// conditions.
type ProtocolMisuseError struct {
	Msg string
}

func misusef(format string, args ...any) *ProtocolMisuseError {
	return &ProtocolMisuseError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolMisuseError) Error() string {
	return "journal: protocol misuse: " + e.Msg
}
