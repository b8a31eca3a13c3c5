package wal

import (
	"testing"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/walerrors"
	"github.com/stretchr/testify/require"
)

func TestFormatAndSuperblock(t *testing.T) {
	opts := testOptions(t)
	opts.ZoneCount = 3
	dev := deviceFor(opts)
	sb, err := Format(dev, opts)
	require.NoError(t, err)
	require.Len(t, sb.Zones, 3)
	require.Equal(t, ZoneSpace{AddrMB: 3, SizeMB: 2}, sb.Zones[1])

	got, err := ReadSuperblock(dev)
	require.NoError(t, err)
	require.Equal(t, StatusFormatted, got.Status)
	require.Equal(t, uint32(1024), got.Alignment)
	require.Equal(t, sb.Zones, got.Zones)

	hdrs, err := ReadBufferHeaders(dev, got, got.Zones[2])
	require.NoError(t, err)
	require.Equal(t, RoleLog, hdrs[0].Role)
	require.Equal(t, RoleFlush, hdrs[1].Role)
	require.Equal(t, DumpDone, hdrs[1].Dump.Flags)
	require.Equal(t, hdrs[0].EndAddr, hdrs[1].StartAddr)

	_, err = dev.WriteAt([]byte{0xff}, 100)
	require.NoError(t, err)
	_, err = ReadSuperblock(dev)
	require.ErrorIs(t, err, walerrors.ErrBadSuperblock)
}

func TestFormatRejectsBadLayout(t *testing.T) {
	opts := testOptions(t)
	_, err := Format(device.NewMemDevice(2<<20), opts)
	require.ErrorIs(t, err, walerrors.ErrDeviceTooSmall)

	_, err = NewSuperblock(1<<40, MaxZones+1, 2, 1024, time.Now())
	require.ErrorIs(t, err, walerrors.ErrTooManyZones)

	opts.Alignment = 1000
	_, err = Format(deviceFor(opts), opts)
	require.Error(t, err)
}

func TestOpenUnformattedDevice(t *testing.T) {
	_, err := Open(device.NewMemDevice(4<<20), newMemStore(t), testOptions(t))
	require.ErrorIs(t, err, walerrors.ErrBadSuperblock)
}

func TestEngineStatusLifecycle(t *testing.T) {
	opts := testOptions(t)
	e, dev := newTestEngine(t, opts, newMemStore(t))
	sb, err := ReadSuperblock(dev)
	require.NoError(t, err)
	require.Equal(t, StatusDirty, sb.Status)

	require.NoError(t, e.Close())
	sb, err = ReadSuperblock(dev)
	require.NoError(t, err)
	require.Equal(t, StatusClean, sb.Status)
}

func TestEngineZoneRouting(t *testing.T) {
	opts := testOptions(t)
	opts.ZoneCount = 4
	e, _ := newTestEngine(t, opts, newMemStore(t))
	require.Equal(t, 4, e.NumZones())

	used := map[int]bool{}
	for i := 0; i < 200; i++ {
		k := key(i)
		z := e.ZoneFor(k)
		require.Equal(t, e.ZoneIndex(k), z.ID())
		used[z.ID()] = true
		require.NoError(t, z.Store(k, value(i), nil))
	}
	require.Len(t, used, 4)
	for i := 0; i < 200; i++ {
		got, err := e.ZoneFor(key(i)).Read(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}

	_, err := e.Zone(4)
	require.ErrorIs(t, err, walerrors.ErrUnknownZone)
	require.NoError(t, e.Switch(2))
	require.NoError(t, e.WaitFlushed(testContext(t)))
	require.Len(t, e.Stats().Zones, 4)
}

func TestRecoveryRoundTrip(t *testing.T) {
	opts := testOptions(t)
	store := newMemStore(t)
	e, dev := newTestEngine(t, opts, store)
	z := zone0(t, e)

	var c completions
	for i := 0; i < 100; i++ {
		require.NoError(t, z.Store(key(i), value(i), c.handle()))
	}
	for i := 0; i < 100; i += 10 {
		_, err := z.Delete(key(i), c.handle())
		require.NoError(t, err)
	}
	require.NoError(t, z.Store(key(5), []byte("rewritten"), c.handle()))
	require.NoError(t, e.Close())
	c.wait(t)

	e2 := openEngine(t, dev, store, opts)
	rep := e2.RecoveryReports()[0]
	require.Equal(t, 111, rep.LogRecords)
	require.NoError(t, rep.LogStop)
	require.False(t, rep.FlushPending)

	z2 := zone0(t, e2)
	for i := 0; i < 100; i++ {
		got, err := z2.Read(key(i))
		switch {
		case i%10 == 0:
			require.ErrorIs(t, err, walerrors.ErrDeleted, "key %d", i)
		case i == 5:
			require.NoError(t, err)
			require.Equal(t, "rewritten", string(got))
		default:
			require.NoError(t, err)
			require.Equal(t, value(i), got)
		}
	}
	require.Equal(t, 90, z2.Stats().Log.Items)
	require.Equal(t, 10, z2.Stats().Log.Tombstones)

	// the recovered log keeps accepting writes after its last record
	require.NoError(t, z2.Store(key(500), value(500), nil))
	got, err := z2.Read(key(500))
	require.NoError(t, err)
	require.Equal(t, value(500), got)
}

func TestRecoveryAfterCrash(t *testing.T) {
	opts := testOptions(t)
	e, dev := newTestEngine(t, opts, newMemStore(t))
	z := zone0(t, e)

	var c completions
	for i := 0; i < 10; i++ {
		require.NoError(t, z.Store(key(i), value(i), c.handle()))
	}
	require.NoError(t, z.Tick(time.Now().Add(time.Hour)))
	c.wait(t)
	// unacknowledged: still in the open group when the power goes
	require.NoError(t, z.Store(key(10), value(10), nil))

	crashed := dev.Snapshot()
	e2 := openEngine(t, crashed, newMemStore(t), opts)
	rep := e2.RecoveryReports()[0]
	require.Equal(t, 10, rep.LogRecords)
	z2 := zone0(t, e2)
	for i := 0; i < 10; i++ {
		got, err := z2.Read(key(i))
		require.NoError(t, err)
		require.Equal(t, value(i), got)
	}
	_, err := z2.Read(key(10))
	require.ErrorIs(t, err, walerrors.ErrMiss)
}

func TestRecoveryStopsAtTornRecord(t *testing.T) {
	opts := testOptions(t)
	e, dev := newTestEngine(t, opts, newMemStore(t))
	z := zone0(t, e)
	var c completions
	for i := 0; i < 10; i++ {
		require.NoError(t, z.Store(key(i), value(i), c.handle()))
	}
	require.NoError(t, z.Tick(time.Now().Add(time.Hour)))
	c.wait(t)

	// the sixth record of buffer 0
	torn := int64(DataOffsetMB<<20) + int64(opts.Alignment)*6
	trailer := torn + RecordHeaderSize + int64(len(key(5).Bytes)+len(value(5)))

	check := func(t *testing.T, crashed device.Device, stop error) {
		e2 := openEngine(t, crashed, newMemStore(t), opts)
		rep := e2.RecoveryReports()[0]
		require.Equal(t, 5, rep.LogRecords)
		require.ErrorIs(t, rep.LogStop, stop)

		z2 := zone0(t, e2)
		for i := 0; i < 10; i++ {
			got, err := z2.Read(key(i))
			if i < 5 {
				require.NoError(t, err)
				require.Equal(t, value(i), got)
			} else {
				require.ErrorIs(t, err, walerrors.ErrMiss)
			}
		}
	}

	t.Run("zeroed record", func(t *testing.T) {
		crashed := dev.Snapshot()
		_, err := crashed.WriteAt(make([]byte, opts.Alignment), torn)
		require.NoError(t, err)
		check(t, crashed, walerrors.ErrBadRecord)
	})

	t.Run("flipped trailer byte", func(t *testing.T) {
		crashed := dev.Snapshot()
		b := make([]byte, 1)
		_, err := crashed.ReadAt(b, trailer)
		require.NoError(t, err)
		b[0] ^= 0xff
		_, err = crashed.WriteAt(b, trailer)
		require.NoError(t, err)
		check(t, crashed, walerrors.ErrBadChecksum)
	})
}

func TestRecoveryRejectsStaleGeneration(t *testing.T) {
	opts := testOptions(t)
	e, dev := newTestEngine(t, opts, newMemStore(t))
	z := zone0(t, e)
	var c completions
	for i := 0; i < 4; i++ {
		require.NoError(t, z.Store(key(i), value(i), c.handle()))
	}
	c.wait(t)
	crashed := dev.Snapshot()

	// bump the log sequence: the records on disk now belong to an older generation
	sb, err := ReadSuperblock(crashed)
	require.NoError(t, err)
	hdrs, err := ReadBufferHeaders(crashed, sb, sb.Zones[0])
	require.NoError(t, err)
	hdrs[0].Sequence++
	writeHeader(t, crashed, hdrs[0])

	e2 := openEngine(t, crashed, newMemStore(t), opts)
	rep := e2.RecoveryReports()[0]
	require.Zero(t, rep.LogRecords)
	require.ErrorIs(t, rep.LogStop, walerrors.ErrBadChecksum)
}

func writeHeader(t *testing.T, dev device.Device, h BufferHeader) {
	t.Helper()
	block := device.AllocAligned(1024, 1024)
	h.MarshalTo(block)
	_, err := dev.WriteAt(block, h.StartAddr)
	require.NoError(t, err)
}

func TestRecoveryBufferRoles(t *testing.T) {
	opts := testOptions(t)
	dev := deviceFor(opts)
	sb, err := Format(dev, opts)
	require.NoError(t, err)
	orig, err := ReadBufferHeaders(dev, sb, sb.Zones[0])
	require.NoError(t, err)

	t.Run("log older than flush", func(t *testing.T) {
		d := dev.Snapshot()
		h := orig[1]
		h.Sequence = orig[0].Sequence + 10
		writeHeader(t, d, h)
		_, err := Open(d, newMemStore(t), opts)
		require.ErrorIs(t, err, walerrors.ErrInconsistentZone)
	})

	t.Run("two logs with one sequence", func(t *testing.T) {
		d := dev.Snapshot()
		h := orig[1]
		h.Role = RoleLog
		h.Sequence = orig[0].Sequence
		writeHeader(t, d, h)
		_, err := Open(d, newMemStore(t), opts)
		require.ErrorIs(t, err, walerrors.ErrInconsistentZone)
	})

	t.Run("switch cut after the first header", func(t *testing.T) {
		d := dev.Snapshot()
		h := orig[0]
		h.Role = RoleFlush
		writeHeader(t, d, h)
		e := openEngine(t, d, newMemStore(t), opts)
		rep := e.RecoveryReports()[0]
		require.Equal(t, 0, rep.LogBuffer)
		require.Equal(t, RoleLog, zone0(t, e).Stats().Log.Role)
	})

	t.Run("header outside its range", func(t *testing.T) {
		d := dev.Snapshot()
		h := orig[0]
		h.EndAddr -= 1024
		h.CurrPos = h.StartAddr
		writeHeader(t, d, h)
		_, err := Open(d, newMemStore(t), opts)
		require.ErrorIs(t, err, walerrors.ErrBadBufferHeader)
	})
}

func TestRecoveryResumesPendingFlush(t *testing.T) {
	opts := testOptions(t)
	gate := newGateStore(t)
	e, dev := newTestEngine(t, opts, gate)
	t.Cleanup(gate.release)
	z := zone0(t, e)

	for i := 0; i < 3; i++ {
		require.NoError(t, z.Store(key(i), value(i), nil))
	}
	require.NoError(t, z.Switch())
	gate.waitEntered(t)
	crashed := dev.Snapshot()

	store := newMemStore(t)
	e2 := openEngine(t, crashed, store, opts)
	rep := e2.RecoveryReports()[0]
	require.True(t, rep.FlushPending)
	require.Equal(t, 3, rep.FlushRecords)
	require.Zero(t, rep.LogRecords)
	require.Equal(t, 1, rep.LogBuffer)

	require.NoError(t, e2.WaitFlushed(testContext(t)))
	for i := 0; i < 3; i++ {
		v, ok := storeGet(t, store, key(i))
		require.True(t, ok)
		require.Equal(t, value(i), v)
	}
	hdrs, err := ReadBufferHeaders(crashed, e2.sb, e2.sb.Zones[0])
	require.NoError(t, err)
	require.Equal(t, DumpDone, hdrs[0].Dump.Flags)
}

func TestRecoveryFlushedBufferNotReflushed(t *testing.T) {
	opts := testOptions(t)
	store := newMemStore(t)
	e, dev := newTestEngine(t, opts, store)
	z := zone0(t, e)
	fillThreshold(t, z, 0, 3)
	require.NoError(t, z.Switch())
	waitFlushed(t, z)
	require.NoError(t, e.Close())

	e2 := openEngine(t, dev, store, opts)
	rep := e2.RecoveryReports()[0]
	require.False(t, rep.FlushPending)
	require.Equal(t, 3, rep.FlushRecords)
	st := zone0(t, e2).Stats()
	require.Equal(t, 3, st.Flush.Items)
	got, err := zone0(t, e2).Read(key(2))
	require.NoError(t, err)
	require.Equal(t, value(2), got)
	require.Zero(t, e2.Metrics().Snapshot().Flushes)
}

func TestRecoveryAcrossBothBuffers(t *testing.T) {
	opts := testOptions(t)
	store := newMemStore(t)
	e, dev := newTestEngine(t, opts, store)
	z := zone0(t, e)

	fillThreshold(t, z, 0, 5)
	require.NoError(t, z.Switch())
	waitFlushed(t, z)

	require.NoError(t, z.Store(key(2), []byte("newer"), nil))
	st, err := z.Delete(key(3), nil)
	require.NoError(t, err)
	require.Equal(t, DeletePending, st)
	require.NoError(t, e.Close())

	e2 := openEngine(t, dev, store, opts)
	rep := e2.RecoveryReports()[0]
	require.Equal(t, 5, rep.FlushRecords)
	require.Equal(t, 2, rep.LogRecords)
	require.False(t, rep.FlushPending)
	require.NoError(t, rep.LogStop)

	z2 := zone0(t, e2)
	got, err := z2.Read(key(2))
	require.NoError(t, err)
	require.Equal(t, "newer", string(got))
	_, err = z2.Read(key(3))
	require.ErrorIs(t, err, walerrors.ErrDeleted)
	got, err = z2.Read(key(4))
	require.NoError(t, err)
	require.Equal(t, value(4), got)

	stats := z2.Stats()
	require.Equal(t, 5, stats.Flush.Items)
	require.Equal(t, 1, stats.Log.Items)
	require.Equal(t, 1, stats.Log.Tombstones)

	st, err = z2.Delete(key(3), nil)
	require.NoError(t, err)
	require.Equal(t, DeleteMiss, st, "tombstone survived the restart")
}

func TestRecoveryDropsWriteMissedKeys(t *testing.T) {
	opts := testOptions(t)
	opts.FlushThreshold = 4
	opts.Medium = "dram"
	gate := newGateStore(t)
	e, dev := newTestEngine(t, opts, gate)
	t.Cleanup(gate.release)
	z := zone0(t, e)

	fillThreshold(t, z, 0, 8)
	gate.waitEntered(t)

	require.ErrorIs(t, z.Store(key(5), []byte("direct"), nil), walerrors.ErrWriteMiss)
	require.NoError(t, gate.Store.Put(key(5).Bytes, []byte("direct")))
	st, err := z.Delete(key(6), nil)
	require.ErrorIs(t, err, walerrors.ErrWriteMiss)
	require.Equal(t, DeleteSuccess, st)

	gate.release()
	waitFlushed(t, z)
	require.NoError(t, e.Close())

	e2 := openEngine(t, dev, gate, opts)
	require.Equal(t, 4, e2.RecoveryReports()[0].LogRecords)
	z2 := zone0(t, e2)
	for _, i := range []int{5, 6} {
		_, err := z2.Read(key(i))
		require.ErrorIs(t, err, walerrors.ErrMiss, "key %d", i)
	}
	got, err := z2.Read(key(7))
	require.NoError(t, err)
	require.Equal(t, value(7), got)

	// the next flush must not put the buffered copies back
	require.NoError(t, z2.Switch())
	waitFlushed(t, z2)
	v, ok := storeGet(t, gate, key(5))
	require.True(t, ok)
	require.Equal(t, "direct", string(v))
	_, ok = storeGet(t, gate, key(6))
	require.False(t, ok)
	v, ok = storeGet(t, gate, key(7))
	require.True(t, ok)
	require.Equal(t, value(7), v)
}

func TestRecoveryDropsInvalidatedKeys(t *testing.T) {
	opts := testOptions(t)

	t.Run("sealed group", func(t *testing.T) {
		e, dev := newTestEngine(t, opts, newMemStore(t))
		z := zone0(t, e)
		var c completions
		for i := 0; i < opts.LogBatchNrObj; i++ {
			require.NoError(t, z.Store(key(i), value(i), c.handle()))
		}
		c.wait(t)

		ok, err := z.Invalidate(key(2))
		require.NoError(t, err)
		require.True(t, ok)

		// no Close: the marker is on the device once Invalidate returns
		crashed := dev.Snapshot()
		e2 := openEngine(t, crashed, newMemStore(t), opts)
		z2 := zone0(t, e2)
		_, err = z2.Read(key(2))
		require.ErrorIs(t, err, walerrors.ErrMiss)
		got, err := z2.Read(key(3))
		require.NoError(t, err)
		require.Equal(t, value(3), got)
		require.Equal(t, 3, z2.Stats().Log.Items)
	})

	t.Run("open group", func(t *testing.T) {
		e, dev := newTestEngine(t, opts, newMemStore(t))
		z := zone0(t, e)
		require.NoError(t, z.Store(key(1), value(1), nil))
		require.NoError(t, z.Store(key(2), value(2), nil))
		ok, err := z.Invalidate(key(1))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, e.Close())

		e2 := openEngine(t, dev, newMemStore(t), opts)
		require.Equal(t, 2, e2.RecoveryReports()[0].LogRecords)
		z2 := zone0(t, e2)
		_, err = z2.Read(key(1))
		require.ErrorIs(t, err, walerrors.ErrMiss)
		_, err = z2.Read(key(2))
		require.NoError(t, err)
	})

	t.Run("rewritten after invalidation", func(t *testing.T) {
		e, dev := newTestEngine(t, opts, newMemStore(t))
		z := zone0(t, e)
		require.NoError(t, z.Store(key(1), value(1), nil))
		_, err := z.Invalidate(key(1))
		require.NoError(t, err)
		require.NoError(t, z.Store(key(1), []byte("again"), nil))
		require.NoError(t, e.Close())

		z2 := zone0(t, openEngine(t, dev, newMemStore(t), opts))
		got, err := z2.Read(key(1))
		require.NoError(t, err)
		require.Equal(t, "again", string(got))
	})
}
