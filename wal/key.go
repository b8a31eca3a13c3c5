package wal

import "github.com/cespare/xxhash/v2"

// Key is a byte key with its hash computed once and reused by every map call.
type Key struct {
	Bytes []byte
	Hash  uint64
}

// NewKey hashes b. The caller keeps ownership of b; the map clones it on insert.
func NewKey(b []byte) Key {
	return Key{Bytes: b, Hash: xxhash.Sum64(b)}
}

// Completion is the opaque request handle carried by a dump group. It fires
// once the record it belongs to is durable on the log device, or with the
// error that prevented it.
type Completion func(err error)

// Object is one mutation handed to a buffer.
type Object struct {
	Key   Key
	Value []byte
	Done  Completion
}
