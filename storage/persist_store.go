package storage

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Mutation is one entry of a flush batch.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Store is the backing store behind the WAL: the flush target and the
// fallthrough for reads and writes the zone buffers cannot serve.
type Store interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Apply(muts []Mutation) error
	Close() error
}

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Thread-safe: LevelDB handles its own synchronization.
type PersistenceStore struct {
	db      *leveldb.DB
	wo      *opt.WriteOptions
	batches atomic.Uint64
	applied atomic.Uint64
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string, sync bool) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &PersistenceStore{db: db, wo: &opt.WriteOptions{Sync: sync}}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("", false)
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

// Has reports whether key is present.
func (ps *PersistenceStore) Has(key []byte) (bool, error) {
	return ps.db.Has(key, nil)
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, ps.wo)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, ps.wo)
}

// Apply writes muts atomically.
func (ps *PersistenceStore) Apply(muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, m := range muts {
		if m.Delete {
			batch.Delete(m.Key)
		} else {
			batch.Put(m.Key, m.Value)
		}
	}
	if err := ps.db.Write(batch, ps.wo); err != nil {
		return fmt.Errorf("Apply %d mutations: %w", len(muts), err)
	}
	ps.batches.Add(1)
	ps.applied.Add(uint64(len(muts)))
	return nil
}

// GetWithPrefix returns all key-value pairs with the given prefix.
// Returns pairs sorted by key order.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		// Copy key and value to avoid iterator reuse issues
		keyCopy := bytes.Clone(iter.Key())
		valueCopy := bytes.Clone(iter.Value())
		results = append(results, [2][]byte{keyCopy, valueCopy})
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}

	return results, nil
}

// Counters returns the number of batches and mutations applied.
func (ps *PersistenceStore) Counters() (batches, mutations uint64) {
	return ps.batches.Load(), ps.applied.Load()
}

// Property exposes a LevelDB property such as "leveldb.stats".
func (ps *PersistenceStore) Property(name string) (string, error) {
	return ps.db.GetProperty(name)
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

// DB returns the underlying LevelDB instance for advanced operations.
// Use sparingly - prefer the wrapper methods.
func (ps *PersistenceStore) DB() *leveldb.DB {
	return ps.db
}
