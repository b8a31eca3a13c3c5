package wal

import (
	"testing"
	"time"

	"github.com/colorfulnotion/kvwal/walerrors"
	"github.com/stretchr/testify/require"
)

func sampleHeader() BufferHeader {
	ts := time.Unix(1700000000, 1234)
	return BufferHeader{
		StartAddr: 1 << 20,
		EndAddr:   2 << 20,
		CurrPos:   1<<20 + 8192,
		Role:      RoleFlush,
		Medium:    MediumDRAM,
		Sequence:  1700000001,
		Dump: DumpInfo{
			Addr:       1<<20 + 4096,
			BlockCount: 4,
			Flags:      DumpInProgress,
			Timestamp:  ts,
			Idle:       ts.Add(time.Millisecond),
		},
	}
}

func TestBufferHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	block := make([]byte, 1024)
	for i := range block {
		block[i] = 0xee
	}
	h.MarshalTo(block)
	require.Zero(t, block[BufferHeaderSize], "tail of the block is cleared")

	got, err := UnmarshalBufferHeader(block)
	require.NoError(t, err)
	require.Equal(t, h.StartAddr, got.StartAddr)
	require.Equal(t, h.CurrPos, got.CurrPos)
	require.Equal(t, RoleFlush, got.Role)
	require.Equal(t, MediumDRAM, got.Medium)
	require.Equal(t, h.Sequence, got.Sequence)
	require.Equal(t, h.Dump.Flags, got.Dump.Flags)
	require.True(t, h.Dump.Timestamp.Equal(got.Dump.Timestamp))
	require.True(t, h.Dump.Idle.Equal(got.Dump.Idle))
}

func TestBufferHeaderRejectsCorruption(t *testing.T) {
	block := make([]byte, 1024)
	h := sampleHeader()
	h.MarshalTo(block)

	block[30] ^= 0x01
	_, err := UnmarshalBufferHeader(block)
	require.ErrorIs(t, err, walerrors.ErrBadBufferHeader)

	_, err = UnmarshalBufferHeader(make([]byte, 1024))
	require.ErrorIs(t, err, walerrors.ErrBadBufferHeader, "blank block has no magic")

	h.CurrPos = h.EndAddr + 1
	h.MarshalTo(block)
	_, err = UnmarshalBufferHeader(block)
	require.ErrorIs(t, err, walerrors.ErrBadBufferHeader, "curr_pos beyond end")
}

func TestRoleBits(t *testing.T) {
	r, m, err := decodeRole(encodeRole(RoleLog, MediumBlock))
	require.NoError(t, err)
	require.Equal(t, RoleLog, r)
	require.Equal(t, MediumBlock, m)

	_, _, err = decodeRole(roleLogBit | roleFlushBit | mediumBlockBit)
	require.ErrorIs(t, err, walerrors.ErrBadBufferHeader)
	_, _, err = decodeRole(roleLogBit)
	require.ErrorIs(t, err, walerrors.ErrBadBufferHeader)
}

func TestNextSequence(t *testing.T) {
	now := time.Unix(1000, 0)
	require.Equal(t, uint32(1000), nextSequence(5, now))
	require.Equal(t, uint32(1001), nextSequence(1000, now))
	require.Equal(t, uint32(2001), nextSequence(2000, now))
}
