// Package wal implements the write-ahead log engine of the key-value target.
//
// The device is split into zones. Each zone owns two equally sized buffers:
// the log buffer takes appends and the flush buffer drains its records to
// the backing store. Records are appended to an in-memory image of the log
// buffer and indexed by a per-buffer Map; runs of records are written to the
// device as dump groups, each followed by a header write that advances the
// persisted curr_pos. When the log fills up the zone switches roles and the
// flush worker writes the old log's live items to the backing store.
//
// On Open every zone is rebuilt from its two buffer headers by replaying the
// records between the first record slot and curr_pos.
//
// On-device layout:
//
//	offset 0        superblock (4 KiB)
//	1 MiB           zone 0: buffer 0 | buffer 1
//	1 MiB + size    zone 1: buffer 0 | buffer 1
//	...
//
// Each buffer starts with one alignment unit holding its header; records
// follow, each padded to the alignment unit.
package wal
