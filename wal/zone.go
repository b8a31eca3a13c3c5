package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/storage"
	"github.com/colorfulnotion/kvwal/walerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/colorfulnotion/kvwal/wal")

// FlushState is the zone's flush state machine.
type FlushState uint8

const (
	FlushDone FlushState = iota
	FlushDoing
	FlushExit
)

func (s FlushState) String() string {
	switch s {
	case FlushDone:
		return "done"
	case FlushDoing:
		return "doing"
	case FlushExit:
		return "exit"
	default:
		return fmt.Sprintf("flush(%d)", uint8(s))
	}
}

// DeleteStatus is the outcome of Zone.Delete.
type DeleteStatus uint8

const (
	// DeleteSuccess: the key was live in the log buffer and now has a tombstone.
	DeleteSuccess DeleteStatus = iota
	// DeleteMiss: the buffers hold no live copy; the backing store may.
	DeleteMiss
	// DeletePending: the key only lived in the flush buffer; a tombstone
	// in the log shadows it until the next flush applies the delete.
	DeletePending
)

func (s DeleteStatus) String() string {
	switch s {
	case DeleteSuccess:
		return "success"
	case DeleteMiss:
		return "miss"
	default:
		return "pending"
	}
}

type switchReason uint8

const (
	switchFull switchReason = iota
	switchIdle
	switchForced
)

func (r switchReason) String() string {
	switch r {
	case switchFull:
		return "full"
	case switchIdle:
		return "idle"
	default:
		return "forced"
	}
}

// Zone is an independent WAL partition: a log buffer taking writes, a flush
// buffer draining to the backing store and the state machine between them.
//
// Store, Delete, Read, Invalidate, Switch and Tick must be called from one
// goroutine, the zone's owner. The flush worker runs on its own goroutine.
type Zone struct {
	id     int
	opts   *Options
	medium Medium
	bufs   [2]*Buffer

	// log and flush are written by the owner under flushMu
	log   *Buffer
	flush *Buffer

	flushMu    sync.Mutex
	flushCond  *sync.Cond
	flushState FlushState
	ready      bool
	retryFlush bool
	pending    bool
	started    bool

	closed atomic.Bool
	events chan flushEvent
	exited chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	store   storage.Store
	queue   *device.Queue
	pool    *device.BlockPool
	tuning  *dumpTuning
	metrics *Metrics
	now     func() time.Time
}

type zoneConfig struct {
	id      int
	addr    int64
	size    int64
	dev     device.Device
	syncs   *device.SyncGroup
	store   storage.Store
	opts    *Options
	metrics *Metrics
	now     func() time.Time
}

func newZone(cfg zoneConfig) *Zone {
	if cfg.now == nil {
		cfg.now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	z := &Zone{
		id:      cfg.id,
		opts:    cfg.opts,
		medium:  cfg.opts.medium,
		events:  make(chan flushEvent, 4),
		exited:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		store:   cfg.store,
		queue:   device.NewQueue(fmt.Sprintf("zone-%d", cfg.id), cfg.dev, cfg.syncs),
		pool:    device.NewBlockPool(cfg.opts.Alignment),
		tuning:  newDumpTuning(cfg.opts),
		metrics: cfg.metrics,
		now:     cfg.now,
	}
	z.flushCond = sync.NewCond(&z.flushMu)
	half := cfg.size / 2
	for i := range z.bufs {
		start := cfg.addr + int64(i)*half
		z.bufs[i] = newBuffer(bufferConfig{
			zone:    cfg.id,
			index:   i,
			start:   start,
			end:     start + half,
			opts:    cfg.opts,
			tuning:  z.tuning,
			queue:   z.queue,
			pool:    z.pool,
			metrics: cfg.metrics,
			now:     cfg.now,
		})
	}
	z.log, z.flush = z.bufs[0], z.bufs[1]
	return z
}

// ID returns the zone index.
func (z *Zone) ID() int { return z.id }

// Store appends a put of key. done fires once the record is durable; it is
// not called when Store returns an error.
func (z *Zone) Store(key Key, value []byte, done Completion) error {
	if len(value) == 0 {
		return walerrors.ErrEmptyValue
	}
	if len(key.Bytes) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", walerrors.ErrKeyTooLarge, len(key.Bytes))
	}
	if err := z.insert(&Object{Key: key, Value: value, Done: done}, false); err != nil {
		return err
	}
	z.metrics.RecordStore()
	return nil
}

// Delete records a deletion of key. done fires once the tombstone is durable;
// it is not called for DeleteMiss or on error.
func (z *Zone) Delete(key Key, done Completion) (DeleteStatus, error) {
	if len(key.Bytes) > MaxKeySize {
		return DeleteMiss, fmt.Errorf("%w: %d bytes", walerrors.ErrKeyTooLarge, len(key.Bytes))
	}
	status := DeleteSuccess
	switch z.log.status(key) {
	case ItemDeleted:
		return DeleteMiss, nil
	case ItemInvalid:
		switch z.flush.status(key) {
		case ItemInvalid, ItemDeleted:
			return DeleteMiss, nil
		}
		status = DeletePending
	}
	if err := z.insert(&Object{Key: key, Done: done}, true); err != nil {
		return status, err
	}
	z.metrics.RecordDelete()
	return status, nil
}

// Read returns the newest value of key held by the zone buffers, ErrDeleted
// when the newest record is a tombstone and ErrMiss when neither buffer has
// the key.
func (z *Zone) Read(key Key) ([]byte, error) {
	v, err := z.log.lookupValue(key)
	if errors.Is(err, walerrors.ErrMiss) {
		v, err = z.flush.lookupValue(key)
	}
	z.metrics.RecordRead(err == nil)
	return v, err
}

// Invalidate drops key from both buffers and marks its newest buffered
// record so recovery drops it as well. It returns ErrBusyRetry while the
// flush worker is writing the key out.
func (z *Zone) Invalidate(key Key) (bool, error) {
	inFlush, err := z.flush.invalidate(key)
	if err != nil {
		return false, err
	}
	inLog, err := z.log.invalidate(key)
	return inFlush || inLog, err
}

func (z *Zone) insert(obj *Object, isDeletion bool) error {
	if z.closed.Load() {
		return walerrors.ErrEngineClosed
	}
	_, err := z.log.InsertObject(obj, isDeletion)
	if !errors.Is(err, errBufferFull) {
		return err
	}
	if err = z.switchBuffers(switchFull); err != nil {
		if errors.Is(err, walerrors.ErrBusyRetry) {
			return z.backpressure(obj.Key)
		}
		return err
	}
	_, err = z.log.InsertObject(obj, isDeletion)
	if errors.Is(err, errBufferFull) {
		return fmt.Errorf("%w: empty log buffer rejected the record", walerrors.ErrRecordTooLarge)
	}
	return err
}

// backpressure handles a full log while the flush side is still busy.
func (z *Zone) backpressure(key Key) error {
	if z.medium == MediumDRAM {
		return z.writeMiss(key)
	}
	z.metrics.RecordBusy()
	return walerrors.ErrBusyRetry
}

// writeMiss drops every buffered copy of key so the caller can write it to
// the backing store directly without a stale copy shadowing it.
func (z *Zone) writeMiss(key Key) error {
	if _, err := z.flush.invalidate(key); err != nil {
		z.metrics.RecordBusy()
		return err
	}
	if _, err := z.log.invalidate(key); err != nil {
		return err
	}
	z.metrics.RecordWriteMiss()
	log.Trace(log.ZoneMonitoring, "write miss", "zone", z.id, "key", fmt.Sprintf("%x", key.Bytes))
	return walerrors.ErrWriteMiss
}

// Switch forces the log buffer out to the flush side. An empty log is left
// in place.
func (z *Zone) Switch() error {
	if has, _ := z.log.idleSince(); !has {
		return nil
	}
	return z.switchBuffers(switchForced)
}

func nextSequence(prev uint32, now time.Time) uint32 {
	if ts := uint32(now.Unix()); ts > prev+1 {
		return ts
	}
	return prev + 1
}

func (z *Zone) switchBuffers(reason switchReason) error {
	z.flushMu.Lock()
	state := z.flushState
	z.flushMu.Unlock()
	switch state {
	case FlushExit:
		return walerrors.ErrEngineClosed
	case FlushDoing:
		return walerrors.ErrBusyRetry
	}

	_, span := tracer.Start(z.ctx, "wal.zone.switch", trace.WithAttributes(
		attribute.Int("zone", z.id),
		attribute.String("reason", reason.String()),
	))
	defer span.End()

	old, next := z.log, z.flush
	now := z.now()

	old.mu.Lock()
	old.seal(now, sealSwitch)
	old.role = RoleFlush
	old.dump.Flags = DumpInProgress
	oldHdr := old.headerLocked()
	seq := nextSequence(old.seq, now)
	old.mu.Unlock()

	next.mu.Lock()
	next.reset(RoleLog, seq)
	newHdr := next.headerLocked()
	next.mu.Unlock()

	if err := z.persistHeaders(oldHdr, newHdr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist headers")
		old.mu.Lock()
		old.role = RoleLog
		old.mu.Unlock()
		next.mu.Lock()
		next.role = RoleFlush
		next.dump.Flags = DumpDone
		next.mu.Unlock()
		return fmt.Errorf("zone %d switch: %w", z.id, err)
	}

	z.flushMu.Lock()
	z.log, z.flush = next, old
	z.flushState = FlushDoing
	z.flushMu.Unlock()

	z.metrics.RecordSwitch()
	span.SetAttributes(attribute.Int64("sequence", int64(seq)))
	log.Debug(log.ZoneMonitoring, "buffers switched", "zone", z.id, "reason", reason,
		"sequence", seq, "flush_items", oldHdr.CurrPos-oldHdr.StartAddr)
	z.notify(evFlush)
	return nil
}

// persistHeaders writes the headers in order and syncs the device.
func (z *Zone) persistHeaders(hdrs ...BufferHeader) error {
	blocks := make([][]byte, 0, len(hdrs))
	ops := make([]device.Op, 0, len(hdrs)+1)
	for i := range hdrs {
		blk := z.pool.Alloc()
		hdrs[i].MarshalTo(blk)
		blocks = append(blocks, blk)
		ops = append(ops, device.WriteOp(blk, hdrs[i].StartAddr))
	}
	ops = append(ops, device.SyncOp())
	err := z.queue.Do(ops...)
	for _, blk := range blocks {
		z.pool.Dealloc(blk)
	}
	return err
}

// Tick runs the zone's timers: it seals an expired dump group, retries a
// failed flush and switches a log that has been idle long enough.
func (z *Zone) Tick(now time.Time) error {
	if z.closed.Load() {
		return walerrors.ErrEngineClosed
	}
	z.log.tick(now)

	z.flushMu.Lock()
	state := z.flushState
	retry := z.retryFlush && state == FlushDoing
	if retry {
		z.retryFlush = false
	}
	z.flushMu.Unlock()

	if retry {
		z.notify(evFlush)
		return nil
	}
	if state != FlushDone || z.opts.IdleFlushInterval <= 0 {
		return nil
	}
	has, last := z.log.idleSince()
	if !has || now.Sub(last) < z.opts.IdleFlushInterval {
		return nil
	}
	if err := z.switchBuffers(switchIdle); err != nil && !errors.Is(err, walerrors.ErrBusyRetry) {
		return err
	}
	return nil
}

// FlushState returns the current flush state.
func (z *Zone) FlushState() FlushState {
	z.flushMu.Lock()
	defer z.flushMu.Unlock()
	return z.flushState
}

func (z *Zone) setFlushState(s FlushState) {
	z.flushMu.Lock()
	if z.flushState != FlushExit {
		z.flushState = s
	}
	z.flushCond.Broadcast()
	z.flushMu.Unlock()
}

// WaitFlushed blocks until no flush is in progress.
func (z *Zone) WaitFlushed(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		z.flushMu.Lock()
		z.flushCond.Broadcast()
		z.flushMu.Unlock()
	})
	defer stop()

	z.flushMu.Lock()
	defer z.flushMu.Unlock()
	for z.flushState == FlushDoing {
		if err := ctx.Err(); err != nil {
			return err
		}
		z.flushCond.Wait()
	}
	return nil
}

// ForEach visits every live key held by the zone, newest copy first. Keys
// shadowed by a log tombstone are skipped.
func (z *Zone) ForEach(fn func(key, value []byte) bool) error {
	stopped := false
	err := z.log.forEach(func(key, value []byte, deleted bool) bool {
		if deleted {
			return true
		}
		if !fn(key, value) {
			stopped = true
			return false
		}
		return true
	})
	if err != nil || stopped {
		return err
	}
	return z.flush.forEach(func(key, value []byte, deleted bool) bool {
		if deleted || z.log.status(NewKey(key)) != ItemInvalid {
			return true
		}
		return fn(key, value)
	})
}

// ZoneStats is a point-in-time view of a zone.
type ZoneStats struct {
	ID           int
	Medium       Medium
	FlushState   FlushState
	Log          BufferStats
	Flush        BufferStats
	BatchTarget  int
	BatchTimeout time.Duration
	Queue        device.QueueStats
}

// Stats returns a snapshot of the zone.
func (z *Zone) Stats() ZoneStats {
	z.flushMu.Lock()
	logBuf, flushBuf, state := z.log, z.flush, z.flushState
	z.flushMu.Unlock()
	batch, timeout := z.tuning.current()
	return ZoneStats{
		ID:           z.id,
		Medium:       z.medium,
		FlushState:   state,
		Log:          logBuf.Stats(),
		Flush:        flushBuf.Stats(),
		BatchTarget:  batch,
		BatchTimeout: timeout,
		Queue:        z.queue.Stats(),
	}
}

// Close seals the open dump group, lets the flush worker finish, persists
// the log header and stops the device queue.
func (z *Zone) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	z.log.sealNow(sealClose)

	z.flushMu.Lock()
	started := z.started
	z.flushMu.Unlock()
	if started {
		z.notify(evExit)
		<-z.exited
	}
	z.cancel()
	z.setFlushState(FlushExit)

	err := z.persistHeaders(z.log.Header())
	z.queue.Close()
	if err != nil {
		return fmt.Errorf("zone %d close: %w", z.id, err)
	}
	return nil
}
