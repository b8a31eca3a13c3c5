// Package device provides the block-device collaborators the WAL engine runs on:
// positional I/O on a file or an in-memory region, aligned buffer allocation,
// and a FIFO asynchronous submission queue whose syncs are shared per device.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultBlockSize is the device block size used for the superblock and
// for header staging buffers.
const DefaultBlockSize = 4096

var (
	ErrOutOfRange  = errors.New("device: access out of range")
	ErrQueueClosed = errors.New("device: queue closed")
)

// Device is a fixed-size, byte-addressed block device.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync makes previously written data durable.
	Sync() error
	// Size returns the device capacity in bytes.
	Size() int64
	// BlockSize returns the device block size in bytes.
	BlockSize() int
	Close() error
}

func checkRange(dev Device, n int, off int64) error {
	if off < 0 || off+int64(n) > dev.Size() {
		return fmt.Errorf("%w: off=%d len=%d size=%d", ErrOutOfRange, off, n, dev.Size())
	}
	return nil
}

// MemDevice is a Device backed by process memory. It keeps its contents
// across engine restarts within one process, which makes it the DRAM medium
// and the restart fixture for tests.
type MemDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	writes    uint64
	syncs     uint64
}

// NewMemDevice allocates a zeroed, block-aligned region of size bytes.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{
		data:      AllocAligned(int(size), DefaultBlockSize),
		blockSize: DefaultBlockSize,
	}
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(m, len(p), off); err != nil {
		return 0, err
	}
	m.mu.RLock()
	n := copy(p, m.data[off:])
	m.mu.RUnlock()
	return n, nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(m, len(p), off); err != nil {
		return 0, err
	}
	m.mu.Lock()
	n := copy(m.data[off:], p)
	m.writes++
	m.mu.Unlock()
	return n, nil
}

func (m *MemDevice) Sync() error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	return nil
}

func (m *MemDevice) Size() int64    { return int64(len(m.data)) }
func (m *MemDevice) BlockSize() int { return m.blockSize }
func (m *MemDevice) Close() error   { return nil }

// Counters returns the number of WriteAt and Sync calls served so far.
func (m *MemDevice) Counters() (writes, syncs uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes, m.syncs
}

// Snapshot returns an independent copy of the device as it is now, the
// state a restart after a power cut would find.
func (m *MemDevice) Snapshot() *MemDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := NewMemDevice(int64(len(m.data)))
	copy(c.data, m.data)
	return c
}
