package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistenceStore_BasicOperations(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	key := []byte("test-key")
	value := []byte("test-value")
	require.NoError(t, ps.Put(key, value))

	got, found, err := ps.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value, got)

	_, found, err = ps.Get([]byte("non-existent"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, ps.Delete(key))
	_, found, err = ps.Get(key)
	require.NoError(t, err)
	require.False(t, found)

	// deleting a missing key is not an error
	require.NoError(t, ps.Delete(key))
}

func TestPersistenceStore_Apply(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.Put([]byte("gone"), []byte("x")))
	require.NoError(t, ps.Apply([]Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("gone"), Delete: true},
	}))
	require.NoError(t, ps.Apply(nil))

	has, err := ps.Has([]byte("gone"))
	require.NoError(t, err)
	require.False(t, has)

	got, found, err := ps.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(got))

	batches, muts := ps.Counters()
	require.Equal(t, uint64(1), batches)
	require.Equal(t, uint64(3), muts)
}

func TestPersistenceStore_GetWithPrefix(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()

	for _, k := range []string{"user/2", "user/1", "users", "zone/1"} {
		require.NoError(t, ps.Put([]byte(k), []byte("v-"+k)))
	}
	pairs, err := ps.GetWithPrefix([]byte("user/"))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, "user/1", string(pairs[0][0]))
	require.Equal(t, "v-user/2", string(pairs[1][1]))
}

func TestPersistenceStore_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ps, err := NewPersistenceStore(dir, true)
	require.NoError(t, err)
	require.NoError(t, ps.Put([]byte("k"), []byte("v")))
	require.NoError(t, ps.Close())

	ps, err = NewPersistenceStore(dir, true)
	require.NoError(t, err)
	defer ps.Close()
	got, found, err := ps.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(got))

	stats, err := ps.Property("leveldb.stats")
	require.NoError(t, err)
	require.NotEmpty(t, stats)
}
