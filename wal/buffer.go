package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/walerrors"
	"golang.org/x/exp/slices"
)

// errBufferFull asks the zone to switch buffers.
var errBufferFull = errors.New("buffer full")

// Buffer is one half of a zone: a device range with an in-memory image, the
// map indexing the records written to it and the open dump group.
type Buffer struct {
	mu sync.Mutex

	zone   int
	index  int
	role   BufferRole
	medium Medium
	align  int
	start  int64
	end    int64
	curr   int64
	seq    uint32
	image  []byte
	m      *Map

	inserted   int
	lastInsert time.Time
	threshold  int
	putLookup LookupType
	syncDumps bool

	dump     DumpInfo
	group    dumpGroup
	tuning   *dumpTuning
	queue    *device.Queue
	pool     *device.BlockPool
	inflight sync.WaitGroup
	metrics  *Metrics
	now      func() time.Time
	scratch  Record
}

type bufferConfig struct {
	zone    int
	index   int
	start   int64
	end     int64
	opts    *Options
	tuning  *dumpTuning
	queue   *device.Queue
	pool    *device.BlockPool
	metrics *Metrics
	now     func() time.Time
}

func newBuffer(cfg bufferConfig) *Buffer {
	opts := cfg.opts
	b := &Buffer{
		zone:      cfg.zone,
		index:     cfg.index,
		medium:    opts.medium,
		align:     opts.Alignment,
		start:     cfg.start,
		end:       cfg.end,
		image:     device.AllocAligned(int(cfg.end-cfg.start), opts.Alignment),
		m:         NewMap(opts.BucketCount, opts.MaxItemsPerBuffer, true),
		threshold: opts.FlushThreshold,
		putLookup: LookupWriteAppend,
		syncDumps: opts.SyncWrites && opts.medium == MediumBlock,
		tuning:    cfg.tuning,
		queue:     cfg.queue,
		pool:      cfg.pool,
		metrics:   cfg.metrics,
		now:       cfg.now,
	}
	if opts.InplaceUpdates {
		b.putLookup = LookupWriteInplaceBestEffort
	}
	b.curr = b.dataStart()
	b.group.open(b.curr)
	return b
}

func (b *Buffer) dataStart() int64 { return b.start + int64(b.align) }

func (b *Buffer) capacity() int64 { return b.end - b.dataStart() - int64(b.align) }

func (b *Buffer) full(size int64) bool {
	if b.curr+size+int64(b.align) >= b.end {
		return true
	}
	return b.threshold > 0 && b.inserted >= b.threshold
}

func (b *Buffer) slot(addr, size int64) []byte {
	off := addr - b.start
	return b.image[off : off+size]
}

// InsertObject appends obj as a put, or as a tombstone when isDeletion is
// set, and indexes it. A tombstone is written even if this buffer never saw
// the key, so that it shadows older copies elsewhere.
func (b *Buffer) InsertObject(obj *Object, isDeletion bool) (*MapItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.role != RoleLog {
		return nil, fmt.Errorf("insert into %s buffer %d of zone %d", b.role, b.index, b.zone)
	}
	value, state := obj.Value, RecordPut
	if isDeletion {
		value, state = nil, RecordDelete
	}
	size := RecordSize(len(obj.Key.Bytes), len(value), b.align)
	if size >= b.capacity() {
		return nil, fmt.Errorf("%w: %d bytes, buffer holds %d", walerrors.ErrRecordTooLarge, size, b.capacity())
	}
	if b.full(size) {
		return nil, errBufferFull
	}

	write := b.writer(obj, value, state)
	if !isDeletion {
		return b.m.Lookup(obj.Key, b.putLookup, write)
	}
	if it := b.m.Find(obj.Key); it != nil && it.Live() {
		return b.m.Lookup(obj.Key, LookupDelete, write)
	}
	return b.m.Lookup(obj.Key, LookupWriteAppend, write)
}

func (b *Buffer) writer(obj *Object, value []byte, state RecordState) InsertFunc {
	return func(it *MapItem, op InsertOp) error {
		if op == OverwriteInplace {
			return b.rewrite(it, obj.Key.Bytes, value, obj.Done)
		}
		addr, err := b.append(obj.Key.Bytes, value, state, obj.Done)
		if err != nil {
			return err
		}
		it.Addr = addr
		it.ValueSize = uint32(len(value))
		if state == RecordDelete && op != InsertDelete {
			it.Status = ItemDeleted
		}
		return nil
	}
}

func (b *Buffer) append(key, value []byte, state RecordState, done Completion) (int64, error) {
	size := RecordSize(len(key), len(value), b.align)
	addr := b.curr
	if err := encodeRecord(b.slot(addr, size), addr, b.align, b.seq, key, value, state); err != nil {
		return 0, err
	}
	b.curr += size
	b.inserted++

	now := b.now()
	b.lastInsert = now
	b.group.add(now, uint32(size/int64(b.align)), done)
	b.dump = b.group.info(b.openFlag())
	if batch, _ := b.tuning.current(); b.group.count >= batch {
		b.seal(now, sealFull)
	}
	return addr, nil
}

// rewrite overwrites a record in place. Only records of the open dump group
// qualify: earlier groups may still be in flight to the device.
func (b *Buffer) rewrite(it *MapItem, key, value []byte, done Completion) error {
	if b.group.count == 0 || it.Addr < b.group.addr {
		return fmt.Errorf("%w: record at %d already dumped", walerrors.ErrInplaceTooLarge, it.Addr)
	}
	blocks := binary.LittleEndian.Uint16(b.image[it.Addr-b.start:])
	slot := int64(blocks) * int64(b.align)
	if need := RecordSize(len(key), len(value), b.align); need > slot {
		return fmt.Errorf("%w: need %d bytes, slot has %d", walerrors.ErrInplaceTooLarge, need, slot)
	}
	if err := encodeRecord(b.slot(it.Addr, slot), it.Addr, b.align, b.seq, key, value, RecordPut); err != nil {
		return err
	}
	it.ValueSize = uint32(len(value))
	if done != nil {
		b.group.handles = append(b.group.handles, done)
	}
	b.lastInsert = b.now()
	b.group.lastInsert = b.lastInsert
	return nil
}

func (b *Buffer) openFlag() DumpFlag {
	switch b.group.count {
	case 0:
		return DumpNotReady
	case 1:
		return DumpSingle
	default:
		return DumpBatch
	}
}

// seal submits the open dump group as one data write followed by a header
// write, then opens a new group at curr_pos.
func (b *Buffer) seal(now time.Time, reason sealReason) {
	g := &b.group
	if g.count == 0 {
		return
	}
	end := b.curr
	hdr := b.headerLocked()
	hdr.Dump = g.info(DumpInProgress)
	block := b.pool.Alloc()
	hdr.MarshalTo(block)

	ops := []device.Op{
		device.WriteOp(b.image[g.addr-b.start:end-b.start], g.addr),
		device.WriteOp(block, b.start),
	}
	if b.syncDumps {
		ops = append(ops, device.SyncOp())
	}
	handles := slices.Clone(g.handles)
	complete := func(err error) {
		b.pool.Dealloc(block)
		for _, h := range handles {
			h(err)
		}
		b.inflight.Done()
	}
	b.inflight.Add(1)
	if err := b.queue.Submit(ops, complete); err != nil {
		complete(err)
	}
	b.metrics.RecordDumpGroup(g.count, g.blocks)

	switch reason {
	case sealFull:
		b.tuning.onFull()
	case sealTimeout:
		b.tuning.onTimeout(now.Sub(g.lastInsert))
	}
	log.Trace(log.WalMonitoring, "dump group sealed", "zone", b.zone, "buffer", b.index,
		"reason", reason, "addr", g.addr, "objects", g.count, "blocks", g.blocks)

	b.dump = hdr.Dump
	g.open(end)
}

// tick seals the open group once its deadline passed.
func (b *Buffer) tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group.count == 0 {
		return
	}
	if _, timeout := b.tuning.current(); now.Sub(b.group.opened) >= timeout {
		b.seal(now, sealTimeout)
	}
}

func (b *Buffer) sealNow(reason sealReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seal(b.now(), reason)
}

// reset starts a new generation: empty map, curr_pos at the first record.
func (b *Buffer) reset(role BufferRole, seq uint32) {
	b.role = role
	b.seq = seq
	b.curr = b.dataStart()
	b.inserted = 0
	b.lastInsert = time.Time{}
	b.m.Reinit()
	b.group.open(b.curr)
	b.dump = DumpInfo{Addr: b.curr, Flags: DumpNotReady}
}

func (b *Buffer) headerLocked() BufferHeader {
	return BufferHeader{
		StartAddr: b.start,
		EndAddr:   b.end,
		CurrPos:   b.curr,
		Role:      b.role,
		Medium:    b.medium,
		Sequence:  b.seq,
		Dump:      b.dump,
	}
}

// Header returns the header as it would be persisted now.
func (b *Buffer) Header() BufferHeader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headerLocked()
}

// ReadObject decodes the record at addr into rec, growing its key and value
// slices when they are too small.
func (b *Buffer) ReadObject(addr int64, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(addr, rec)
}

func (b *Buffer) readLocked(addr int64, rec *Record) error {
	if addr < b.dataStart() || addr >= b.curr {
		return fmt.Errorf("%w: address %d outside [%d, %d)", walerrors.ErrBadRecord, addr, b.dataStart(), b.curr)
	}
	return decodeRecord(b.image[addr-b.start:b.end-b.start], addr, b.align, b.seq, rec)
}

func (b *Buffer) valueLocked(it *MapItem) ([]byte, error) {
	if err := b.readLocked(it.Addr, &b.scratch); err != nil {
		return nil, err
	}
	return slices.Clone(b.scratch.Value), nil
}

// lookupValue returns the value of key, ErrDeleted for a tombstone and
// ErrMiss when the buffer does not hold the key.
func (b *Buffer) lookupValue(key Key) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it := b.m.Find(key)
	switch {
	case it == nil:
		return nil, walerrors.ErrMiss
	case it.Status == ItemDeleted:
		return nil, walerrors.ErrDeleted
	}
	return b.valueLocked(it)
}

// idleSince reports whether the buffer holds records and when it last
// took one.
func (b *Buffer) idleSince() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inserted > 0, b.lastInsert
}

// status returns the item status of key, ItemInvalid when absent.
func (b *Buffer) status(key Key) ItemStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if it := b.m.Find(key); it != nil {
		return it.Status
	}
	return ItemInvalid
}

// invalidate drops key from the index. Items that are part of an
// unacknowledged flush batch are left alone and reported as busy.
func (b *Buffer) invalidate(key Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it := b.m.Find(key)
	if it == nil {
		return false, nil
	}
	if it.inFlight || it.Status == ItemFlushing {
		return false, walerrors.ErrBusyRetry
	}
	if err := b.markInvalidated(it.Addr); err != nil {
		return false, err
	}
	it, err := b.m.Lookup(key, LookupInvalidate, nil)
	return it != nil, err
}

// markInvalidated flips the state byte of the record at addr. A record still
// in the open dump group goes out with the group; a sealed one gets its first
// block rewritten and synced before the caller sees the invalidation.
func (b *Buffer) markInvalidated(addr int64) error {
	off := addr - b.start + recordStateOffset
	if b.group.count > 0 && addr >= b.group.addr {
		b.image[off] = byte(RecordInvalidated)
		return nil
	}
	block := b.pool.Alloc()
	defer b.pool.Dealloc(block)
	copy(block, b.image[addr-b.start:])
	block[recordStateOffset] = byte(RecordInvalidated)
	if err := b.queue.Do(device.WriteOp(block, addr), device.SyncOp()); err != nil {
		return fmt.Errorf("invalidate record at %d: %w", addr, err)
	}
	b.image[off] = byte(RecordInvalidated)
	return nil
}

// forEach visits every indexed key with its value; value is nil for
// tombstones.
func (b *Buffer) forEach(fn func(key, value []byte, deleted bool) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	b.m.ForEach(func(it *MapItem) bool {
		if it.Status == ItemDeleted {
			return fn(it.Key(), nil, true)
		}
		var v []byte
		if v, err = b.valueLocked(it); err != nil {
			return false
		}
		return fn(it.Key(), v, false)
	})
	return err
}

func (b *Buffer) items() []*MapItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MapItem, 0, b.m.Len()+b.m.Tombstones())
	b.m.ForEach(func(it *MapItem) bool {
		out = append(out, it)
		return true
	})
	return out
}

// BufferStats is a point-in-time view of a buffer.
type BufferStats struct {
	Index      int
	Role       BufferRole
	Medium     Medium
	Sequence   uint32
	StartAddr  int64
	EndAddr    int64
	CurrPos    int64
	Items      int
	Tombstones int
	Inserted   int
	Dump       DumpInfo
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Index:      b.index,
		Role:       b.role,
		Medium:     b.medium,
		Sequence:   b.seq,
		StartAddr:  b.start,
		EndAddr:    b.end,
		CurrPos:    b.curr,
		Items:      b.m.Len(),
		Tombstones: b.m.Tombstones(),
		Inserted:   b.inserted,
		Dump:       b.dump,
	}
}
