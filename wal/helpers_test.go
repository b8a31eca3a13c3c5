package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/storage"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	o := DefaultOptions()
	o.ZoneCount = 1
	o.ZoneSizeMB = 2
	o.Alignment = 1024
	o.BucketCount = 64
	o.LogBatchNrObj = 4
	o.LogBatchMaxObj = 16
	o.IdleFlushInterval = 0
	o.FlushBatchSize = 8
	o.FlushRetryTimeout = 5 * time.Second
	require.NoError(t, o.Validate())
	return o
}

func deviceFor(opts Options) *device.MemDevice {
	return device.NewMemDevice(int64(DataOffsetMB+opts.ZoneCount*opts.ZoneSizeMB) << 20)
}

func newMemStore(t *testing.T) *storage.PersistenceStore {
	t.Helper()
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps
}

func openEngine(t *testing.T, dev device.Device, store storage.Store, opts Options) *Engine {
	t.Helper()
	e, err := Open(dev, store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// newTestEngine formats a fresh in-memory device and opens a one-zone engine.
func newTestEngine(t *testing.T, opts Options, store storage.Store) (*Engine, *device.MemDevice) {
	t.Helper()
	dev := deviceFor(opts)
	_, err := Format(dev, opts)
	require.NoError(t, err)
	return openEngine(t, dev, store, opts), dev
}

func key(i int) Key { return NewKey([]byte(fmt.Sprintf("key-%04d", i))) }

func value(i int) []byte { return []byte(fmt.Sprintf("value-%04d", i)) }

// completions counts fired Completion handles.
type completions struct {
	wg     sync.WaitGroup
	failed atomic.Int32
}

func (c *completions) handle() Completion {
	c.wg.Add(1)
	return func(err error) {
		if err != nil {
			c.failed.Add(1)
		}
		c.wg.Done()
	}
}

func (c *completions) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completions did not fire")
	}
	require.Zero(t, c.failed.Load())
}

// gateStore blocks Apply until released.
type gateStore struct {
	storage.Store
	gate    chan struct{}
	once    sync.Once
	entered chan struct{}
}

func newGateStore(t *testing.T) *gateStore {
	return &gateStore{
		Store:   newMemStore(t),
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 64),
	}
}

func (g *gateStore) Apply(muts []storage.Mutation) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.Store.Apply(muts)
}

func (g *gateStore) release() { g.once.Do(func() { close(g.gate) }) }

func (g *gateStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached the backing store")
	}
}

// flakyStore fails the first n batches.
type flakyStore struct {
	storage.Store
	failures atomic.Int32
}

var errFlaky = errors.New("backing store unavailable")

func (f *flakyStore) Apply(muts []storage.Mutation) error {
	if f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return f.Store.Apply(muts)
}

func storeGet(t *testing.T, s storage.Store, k Key) ([]byte, bool) {
	t.Helper()
	v, ok, err := s.Get(k.Bytes)
	require.NoError(t, err)
	return v, ok
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
