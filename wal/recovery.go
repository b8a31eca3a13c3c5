package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/walerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecoveryReport summarizes the replay of one zone.
type RecoveryReport struct {
	Zone          int
	LogBuffer     int
	LogSequence   uint32
	FlushSequence uint32
	LogRecords    int
	FlushRecords  int
	// LogStop and FlushStop hold the decode error that ended replay before
	// the header's curr_pos, nil when every record up to it was valid.
	LogStop      error
	FlushStop    error
	FlushPending bool
	Elapsed      time.Duration
}

// pickLog decides which buffer is the log. Roles normally differ and the log
// carries the newer sequence. Equal roles mean a switch was cut between its
// two header writes; the newer sequence wins.
func pickLog(h [2]BufferHeader) (int, error) {
	if h[0].Role != h[1].Role {
		li := 0
		if h[1].Role == RoleLog {
			li = 1
		}
		if h[li].Sequence <= h[1-li].Sequence {
			return 0, fmt.Errorf("%w: log sequence %d not newer than flush sequence %d",
				walerrors.ErrInconsistentZone, h[li].Sequence, h[1-li].Sequence)
		}
		return li, nil
	}
	if h[0].Sequence == h[1].Sequence {
		return 0, fmt.Errorf("%w: both buffers are %s with sequence %d",
			walerrors.ErrInconsistentZone, h[0].Role, h[0].Sequence)
	}
	li := 0
	if h[1].Sequence > h[0].Sequence {
		li = 1
	}
	log.Warn(log.RecoveryMonitoring, "buffers share a role, picking newer sequence as log",
		"role", h[0].Role, "seq0", h[0].Sequence, "seq1", h[1].Sequence, "log", li)
	return li, nil
}

// recoverZone loads both buffers of a zone from the device and rebuilds
// their maps. The returned zone is not started.
func recoverZone(ctx context.Context, cfg zoneConfig) (*Zone, RecoveryReport, error) {
	_, span := tracer.Start(ctx, "wal.zone.recover", trace.WithAttributes(attribute.Int("zone", cfg.id)))
	defer span.End()

	rep := RecoveryReport{Zone: cfg.id}
	started := time.Now()
	z := newZone(cfg)
	fail := func(err error) (*Zone, RecoveryReport, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recover")
		z.cancel()
		z.queue.Close()
		return nil, rep, fmt.Errorf("zone %d: %w", cfg.id, err)
	}

	var hdrs [2]BufferHeader
	for i, b := range z.bufs {
		if err := z.queue.Do(device.ReadOp(b.image, b.start)); err != nil {
			return fail(err)
		}
		h, err := UnmarshalBufferHeader(b.image[:b.align])
		if err != nil {
			return fail(fmt.Errorf("buffer %d: %w", i, err))
		}
		if h.StartAddr != b.start || h.EndAddr != b.end {
			return fail(fmt.Errorf("%w: buffer %d header covers [%d, %d), layout says [%d, %d)",
				walerrors.ErrBadBufferHeader, i, h.StartAddr, h.EndAddr, b.start, b.end))
		}
		hdrs[i] = h
	}

	li, err := pickLog(hdrs)
	if err != nil {
		return fail(err)
	}
	fi := 1 - li
	z.log, z.flush = z.bufs[li], z.bufs[fi]

	flushed := hdrs[fi].Dump.Flags == DumpDone
	if rep.FlushRecords, rep.FlushStop, err = z.flush.replay(hdrs[fi], RoleFlush, flushed); err != nil {
		return fail(err)
	}
	if rep.LogRecords, rep.LogStop, err = z.log.replay(hdrs[li], RoleLog, false); err != nil {
		return fail(err)
	}
	z.pending = !flushed && rep.FlushRecords > 0

	rep.LogBuffer = li
	rep.LogSequence = hdrs[li].Sequence
	rep.FlushSequence = hdrs[fi].Sequence
	rep.FlushPending = z.pending
	rep.Elapsed = time.Since(started)
	cfg.metrics.RecordReplayed(rep.LogRecords + rep.FlushRecords)

	span.SetAttributes(
		attribute.Int("log_records", rep.LogRecords),
		attribute.Int("flush_records", rep.FlushRecords),
		attribute.Bool("flush_pending", rep.FlushPending),
	)
	for _, stop := range []error{rep.FlushStop, rep.LogStop} {
		if stop != nil {
			log.Warn(log.RecoveryMonitoring, "replay stopped early", "zone", cfg.id, "err", stop)
		}
	}
	log.Info(log.RecoveryMonitoring, "zone recovered", "zone", cfg.id, "log", li,
		"log_records", rep.LogRecords, "flush_records", rep.FlushRecords,
		"flush_pending", rep.FlushPending, "elapsed", rep.Elapsed)
	return z, rep, nil
}

// replay rebuilds the map from the records between the first record slot
// and the header's curr_pos. It stops at the first record that fails to
// decode and reports that error as stop; err is reserved for map failures.
func (b *Buffer) replay(h BufferHeader, role BufferRole, flushed bool) (n int, stop error, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.role = role
	b.seq = h.Sequence
	b.m.Reinit()
	pos := b.dataStart()
	for pos < h.CurrPos {
		rec := &b.scratch
		if stop = decodeRecord(b.image[pos-b.start:h.CurrPos-b.start], pos, b.align, b.seq, rec); stop != nil {
			break
		}
		if err = b.applyReplayed(rec, flushed); err != nil {
			return n, stop, fmt.Errorf("replay record at %d: %w", pos, err)
		}
		pos += rec.Size
		n++
	}

	b.curr = pos
	b.inserted = n
	b.group.open(pos)
	if role == RoleLog {
		b.dump = DumpInfo{Addr: pos, Flags: DumpNotReady}
	} else {
		b.dump = h.Dump
	}
	return n, stop, nil
}

func (b *Buffer) applyReplayed(rec *Record, flushed bool) error {
	key := NewKey(rec.Key)
	addr, size, state := rec.Addr, uint32(len(rec.Value)), rec.State
	mark := func(it *MapItem, op InsertOp) error {
		it.Addr = addr
		it.ValueSize = size
		it.Recovery = RecoveryReplayed
		switch {
		case state == RecordDelete && op != InsertDelete:
			it.Status = ItemDeleted
		case state == RecordPut && flushed:
			it.Status = ItemFlushed
		}
		return nil
	}
	if state == RecordInvalidated {
		_, err := b.m.Lookup(key, LookupInvalidate, nil)
		return err
	}
	if state == RecordDelete {
		if it := b.m.Find(key); it != nil && it.Live() {
			_, err := b.m.Lookup(key, LookupDelete, mark)
			return err
		}
	}
	_, err := b.m.Lookup(key, LookupWriteAppend, mark)
	return err
}
