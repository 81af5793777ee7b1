// Package fsync provides the fastest durable-write primitive the
// operating system offers for a plain (non-memory-mapped) file.
package fsync

import "os"

// Fdatasync flushes the data of f to stable storage. On platforms that
// distinguish data syncs from full syncs it skips flushing metadata
// (mtime/atime) that isn't needed for durability of the bytes already
// written.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Once a
// durable-write call fails, the only safe response is to stop trusting
// the file and let the caller mark its owner as failed; retrying the
// sync does not undo whatever the OS already did to its page cache.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
