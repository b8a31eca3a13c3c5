package wal

import (
	"math/rand"
	"testing"

	"github.com/colorfulnotion/kvwal/walerrors"
	"github.com/stretchr/testify/require"
)

func TestRecordSizeExample(t *testing.T) {
	require.Equal(t, int64(1024), RecordSize(2, 100, 1024))
	// deletions carry no value
	require.Equal(t, int64(512), RecordSize(2, 0, 512))
	require.Equal(t, int64(2048), RecordSize(1000, 1, 1024))
}

func TestRecordSizeAlignment(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, align := range []int{512, 1024, 4096} {
		for i := 0; i < 1000; i++ {
			k, v := rng.Intn(MaxKeySize+1), rng.Intn(1<<16)
			raw := int64(k + v + RecordHeaderSize + ChecksumSize)
			size := RecordSize(k, v, align)
			require.Zero(t, size%int64(align), "k=%d v=%d align=%d", k, v, align)
			require.GreaterOrEqual(t, size, raw)
			require.Less(t, size-raw, int64(align))
		}
	}
}

func encodeAt(t *testing.T, addr int64, align int, seq uint32, k, v []byte, state RecordState) []byte {
	t.Helper()
	buf := make([]byte, RecordSize(len(k), len(v), align)+int64(align))
	size := RecordSize(len(k), len(v), align)
	require.NoError(t, encodeRecord(buf[:size], addr, align, seq, k, v, state))
	return buf
}

func TestRecordRoundTrip(t *testing.T) {
	const align, addr, seq = 512, 512 * 9, 77
	buf := encodeAt(t, addr, align, seq, []byte("alpha"), []byte("payload"), RecordPut)

	var rec Record
	require.NoError(t, decodeRecord(buf, addr, align, seq, &rec))
	require.Equal(t, int64(align), rec.Size)
	require.Equal(t, RecordPut, rec.State)
	require.Equal(t, "alpha", string(rec.Key))
	require.Equal(t, "payload", string(rec.Value))

	// caller buffers are reused when large enough
	keyBuf := rec.Key
	buf = encodeAt(t, addr, align, seq, []byte("b"), nil, RecordDelete)
	require.NoError(t, decodeRecord(buf, addr, align, seq, &rec))
	require.Equal(t, RecordDelete, rec.State)
	require.Empty(t, rec.Value)
	require.Equal(t, "b", string(rec.Key))
	require.Equal(t, &keyBuf[0], &rec.Key[0])
}

func TestRecordStateByte(t *testing.T) {
	const align, addr, seq = 1024, 1024 * 2, 9
	buf := encodeAt(t, addr, align, seq, []byte("k"), []byte("v"), RecordPut)

	// the state byte sits outside the trailer check
	buf[recordStateOffset] = byte(RecordInvalidated)
	var rec Record
	require.NoError(t, decodeRecord(buf, addr, align, seq, &rec))
	require.Equal(t, RecordInvalidated, rec.State)
	require.Equal(t, "v", string(rec.Value))

	buf[recordStateOffset] = byte(RecordInvalidated) + 1
	require.ErrorIs(t, decodeRecord(buf, addr, align, seq, &rec), walerrors.ErrBadRecord)
	buf[recordStateOffset] = 0
	require.ErrorIs(t, decodeRecord(buf, addr, align, seq, &rec), walerrors.ErrBadRecord)
}

func TestRecordChecksumRejection(t *testing.T) {
	const align, addr, seq = 1024, 1024 * 3, 5
	k, v := []byte("k1"), []byte("some value")
	trailer := RecordHeaderSize + len(k) + len(v)

	var rec Record
	buf := encodeAt(t, addr, align, seq, k, v, RecordPut)
	err := decodeRecord(buf, addr, align, seq+1, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadChecksum)

	buf[trailer+4]++ // padding size
	err = decodeRecord(buf, addr, align, seq, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadChecksum)

	buf = encodeAt(t, addr, align, seq, k, v, RecordPut)
	err = decodeRecord(buf, addr+align, align, seq, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadRecord, "self address must match")

	err = decodeRecord(make([]byte, align), addr, align, seq, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadRecord, "zeroed slot")

	buf = encodeAt(t, addr, align, seq, k, v, RecordPut)
	buf[4], buf[5] = 0xff, 0xff // value size beyond the record
	err = decodeRecord(buf, addr, align, seq, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadRecord)

	buf = encodeAt(t, addr, align, seq, k, v, RecordPut)
	err = decodeRecord(buf[:align/2], addr, align, seq, &rec)
	require.ErrorIs(t, err, walerrors.ErrBadRecord, "record runs past the buffer end")
}

func TestRecordSlotTooSmall(t *testing.T) {
	err := encodeRecord(make([]byte, 512), 0, 512, 1, make([]byte, 400), make([]byte, 100), RecordPut)
	require.ErrorIs(t, err, walerrors.ErrInplaceTooLarge)
}
