package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// AllocAligned returns a zeroed slice of size bytes whose first byte sits on
// an align boundary. align must be a power of two.
func AllocAligned(size, align int) []byte {
	if align <= 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("device: alignment %d is not a power of two", align))
	}
	buf := make([]byte, size+align)
	off := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(align-1))
	if off != 0 {
		off = align - off
	}
	return buf[off : off+size : off+size]
}

// IsAligned reports whether n is a multiple of align.
func IsAligned(n int64, align int) bool {
	return n&int64(align-1) == 0
}

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n int64, align int) int64 {
	a := int64(align)
	return (n + a - 1) &^ (a - 1)
}

// pooledBlock wraps a block with reuse tracking.
type pooledBlock struct {
	data   []byte
	reused bool
}

// BlockPool recycles aligned fixed-size blocks used as staging buffers for
// header writes that outlive the submitting call.
type BlockPool struct {
	blockSize    int
	pool         *sync.Pool
	allocCount   atomic.Int64
	deallocCount atomic.Int64
	reuseCount   atomic.Int64
	wrappers     sync.Map // maps &block[0] to *pooledBlock
}

// NewBlockPool creates a pool of blockSize-byte blocks aligned to blockSize.
func NewBlockPool(blockSize int) *BlockPool {
	bp := &BlockPool{blockSize: blockSize}
	bp.pool = &sync.Pool{
		New: func() interface{} {
			return &pooledBlock{data: AllocAligned(blockSize, blockSize)}
		},
	}
	return bp
}

// BlockSize returns the size of the blocks handed out by the pool.
func (bp *BlockPool) BlockSize() int {
	return bp.blockSize
}

// Alloc returns a zeroed block.
func (bp *BlockPool) Alloc() []byte {
	bp.allocCount.Add(1)
	pooled := bp.pool.Get().(*pooledBlock)
	if pooled.reused {
		bp.reuseCount.Add(1)
		clear(pooled.data)
	}
	pooled.reused = true
	bp.wrappers.Store(&pooled.data[0], pooled)
	return pooled.data
}

// Dealloc returns a block to the pool. Blocks that did not come from this
// pool are ignored.
func (bp *BlockPool) Dealloc(block []byte) {
	if len(block) != bp.blockSize {
		return
	}
	bp.deallocCount.Add(1)
	if val, ok := bp.wrappers.LoadAndDelete(&block[0]); ok {
		bp.pool.Put(val.(*pooledBlock))
	}
}

// PoolStats holds allocation statistics.
type PoolStats struct {
	AllocCount   int64
	DeallocCount int64
	ReuseCount   int64
}

// Stats returns current pool statistics.
func (bp *BlockPool) Stats() PoolStats {
	return PoolStats{
		AllocCount:   bp.allocCount.Load(),
		DeallocCount: bp.deallocCount.Load(),
		ReuseCount:   bp.reuseCount.Load(),
	}
}
