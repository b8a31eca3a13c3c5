package device

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocAligned(t *testing.T) {
	for _, align := range []int{512, 1024, 4096} {
		for _, size := range []int{0, 1, 1000, 8192} {
			buf := AllocAligned(size, align)
			if len(buf) != size {
				t.Fatalf("size mismatch: got %d, want %d", len(buf), size)
			}
			if size > 0 && uintptr(unsafe.Pointer(&buf[0]))%uintptr(align) != 0 {
				t.Errorf("buffer of %d bytes not aligned to %d", size, align)
			}
		}
	}
}

func TestAllocAlignedRejectsBadAlignment(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non power of two alignment")
		}
	}()
	AllocAligned(10, 1000)
}

func TestAlignUp(t *testing.T) {
	cases := []struct {
		n     int64
		align int
		want  int64
	}{
		{0, 1024, 0},
		{1, 1024, 1024},
		{1024, 1024, 1024},
		{1025, 1024, 2048},
		{126, 1024, 1024},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
	if !IsAligned(4096, 1024) || IsAligned(4097, 1024) {
		t.Error("IsAligned returned wrong answer")
	}
}

func TestBlockPoolRecycle(t *testing.T) {
	pool := NewBlockPool(1024)

	b1 := pool.Alloc()
	if len(b1) != 1024 {
		t.Fatalf("block size mismatch: got %d", len(b1))
	}
	b1[0] = 0x42
	pool.Dealloc(b1)

	b2 := pool.Alloc()
	if b2[0] != 0 {
		t.Error("reused block was not cleared")
	}

	stats := pool.Stats()
	if stats.AllocCount != 2 {
		t.Errorf("AllocCount mismatch: got %d, want 2", stats.AllocCount)
	}
	if stats.DeallocCount != 1 {
		t.Errorf("DeallocCount mismatch: got %d, want 1", stats.DeallocCount)
	}
	pool.Dealloc(b2)

	// foreign blocks are ignored
	pool.Dealloc(make([]byte, 1024))
	pool.Dealloc(make([]byte, 10))
}

func TestMemDeviceSnapshot(t *testing.T) {
	dev := NewMemDevice(8192)
	_, err := dev.WriteAt([]byte("before"), 0)
	require.NoError(t, err)

	snap := dev.Snapshot()
	_, err = dev.WriteAt([]byte("after!"), 0)
	require.NoError(t, err)

	got := make([]byte, 6)
	_, err = snap.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "before", string(got))
}
