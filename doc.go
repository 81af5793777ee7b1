/*
Package journal implements the durable, file-backed core of a message
queue: a segmented append-only log of enqueued items plus per-reader
checkpoint files, so that a queue survives process restarts and lets
multiple independent readers consume the same stream at their own
pace with out-of-order acknowledgement.

We implement:

1. A record codec: typed, length-framed, checksummed records.

2. Segments, append-only files holding a contiguous range of items,
opened for append or for sequential read.

3. An id index mapping the first item id in each segment to that
segment's file, rebuilt by scanning on Open.

4. Reader state: a head pointer, an out-of-order done-set, and an
optional read-behind cursor for streaming from disk once a reader
falls behind the in-memory tail.

5. The Journal façade, which owns the directory, the id index, and
the reader map, and mediates reader creation, id-to-segment lookup,
and whole-journal checkpointing.

What this package does not do: dispatch items to waiting consumers,
expose a blocking queue API, speak any wire protocol, or decide
configuration/CLI concerns. Those are external collaborators; this
package defines only the on-disk contract they rely on.

# File format

Queue directory layout, for a queue named Q:

  - Q.<unix-millis> — a writer segment: a header followed by zero or
    more Put records.
  - Q.read.<name> — a reader state file: a header followed by exactly
    one ReadHead record and one ReadDone record, rewritten wholesale
    on every checkpoint.
  - *~~ — a transient rewrite file, safe to delete during recovery.

Every record is tag:u8 followed by a tag-specific body followed by an
8-byte xxhash64 checksum of the tag and body, so a corrupted or
truncated record is detected at decode time rather than misread.

# Non-goals

Replication across hosts, transactions spanning multiple queues,
content-based indexing or search, and compaction that rewrites
historical segments (segments are truncated whole, never rewritten).
*/
package journal
