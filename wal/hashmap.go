package wal

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/walerrors"
	"golang.org/x/exp/slices"
)

// ItemStatus is the lifecycle state of a MapItem.
type ItemStatus uint8

const (
	ItemInvalid ItemStatus = iota
	ItemValid
	ItemDeleted
	ItemFlushing
	ItemFlushed
)

func (s ItemStatus) String() string {
	switch s {
	case ItemInvalid:
		return "invalid"
	case ItemValid:
		return "valid"
	case ItemDeleted:
		return "deleted"
	case ItemFlushing:
		return "flushing"
	case ItemFlushed:
		return "flushed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// RecoveryStatus marks items rebuilt by replay.
type RecoveryStatus uint8

const (
	RecoveryNone RecoveryStatus = iota
	RecoveryReplayed
)

// LookupType selects what Map.Lookup does with a key.
type LookupType uint8

const (
	LookupWriteAppend LookupType = iota
	LookupWriteInplace
	LookupWriteInplaceBestEffort
	LookupDelete
	LookupRead
	LookupInvalidate
)

func (t LookupType) isWrite() bool {
	return t == LookupWriteAppend || t == LookupWriteInplace || t == LookupWriteInplaceBestEffort
}

// InsertOp tells an InsertFunc how the item was reached.
type InsertOp uint8

const (
	InsertNew InsertOp = iota
	OverwriteAppend
	OverwriteInplace
	InsertDelete
)

// InsertFunc persists the mutation behind a lookup. It may set the item's
// address, value size and, for tombstones, mark it ItemDeleted.
type InsertFunc func(it *MapItem, op InsertOp) error

const nilIndex int32 = -1

// MapItem is one indexed key. Items live in a slab arena and are recycled,
// never freed, so pointers stay valid for the map's lifetime.
type MapItem struct {
	key       []byte
	hash      uint64
	ValueSize uint32
	Addr      int64
	Status    ItemStatus
	Recovery  RecoveryStatus

	// set while the item is part of an unacknowledged backing-store batch
	inFlight bool
	next     int32
}

// Key returns the item's key. The slice is owned by the map.
func (it *MapItem) Key() []byte { return it.key }

// Hash returns the cached key hash.
func (it *MapItem) Hash() uint64 { return it.hash }

// Live reports whether a read should see this item.
func (it *MapItem) Live() bool {
	return it.Status != ItemInvalid && it.Status != ItemDeleted
}

type bucket struct {
	head   int32
	valid  uint32
	total  uint32
	active bool
}

const (
	slabShift = 10
	slabSize  = 1 << slabShift
	slabMask  = slabSize - 1
)

// Map is the per-buffer hash index. It is not safe for concurrent use; the
// owning Buffer serializes access.
type Map struct {
	buckets       []bucket
	slabs         [][]MapItem
	count         int32
	maxItems      int
	active        []int32
	activeSorted  bool
	retainDeleted bool
	live          int
	deleted       int
}

// NewMap returns a map with bucketCount chains and room for maxItems arena
// items. When retainDeleted is set, deletions leave tombstones behind.
func NewMap(bucketCount, maxItems int, retainDeleted bool) *Map {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	m := &Map{
		buckets:       make([]bucket, bucketCount),
		maxItems:      maxItems,
		retainDeleted: retainDeleted,
		activeSorted:  true,
	}
	for i := range m.buckets {
		m.buckets[i].head = nilIndex
	}
	return m
}

func (m *Map) item(idx int32) *MapItem {
	return &m.slabs[idx>>slabShift][idx&slabMask]
}

func (m *Map) alloc() (int32, error) {
	if m.maxItems > 0 && int(m.count) >= m.maxItems {
		return nilIndex, fmt.Errorf("%w: %d items", walerrors.ErrOutOfMemory, m.count)
	}
	idx := m.count
	if int(idx>>slabShift) == len(m.slabs) {
		m.slabs = append(m.slabs, make([]MapItem, slabSize))
	}
	m.count++
	it := m.item(idx)
	it.next = nilIndex
	return idx, nil
}

func (m *Map) bucketOf(key Key) int {
	return int(key.Hash % uint64(len(m.buckets)))
}

func (m *Map) activate(bi int) {
	b := &m.buckets[bi]
	if b.active {
		return
	}
	b.active = true
	if n := len(m.active); n > 0 && m.active[n-1] > int32(bi) {
		m.activeSorted = false
	}
	m.active = append(m.active, int32(bi))
}

func (m *Map) setStatus(it *MapItem, bi int, s ItemStatus) {
	if it.Status == s {
		return
	}
	b := &m.buckets[bi]
	if it.Status == ItemInvalid {
		b.valid++
	}
	if s == ItemInvalid {
		b.valid--
	}
	if it.Live() {
		m.live--
	} else if it.Status == ItemDeleted {
		m.deleted--
	}
	it.Status = s
	if it.Live() {
		m.live++
	} else if s == ItemDeleted {
		m.deleted++
	}
}

// Lookup finds, inserts, deletes or invalidates key according to lt. insert
// is called for write and delete lookups; its failure is returned wrapped
// in walerrors.ErrInsertCallback and leaves the item as it was.
func (m *Map) Lookup(key Key, lt LookupType, insert InsertFunc) (*MapItem, error) {
	bi := m.bucketOf(key)
	b := &m.buckets[bi]

	free, last, match := nilIndex, nilIndex, nilIndex
	var seen uint32
	for idx := b.head; idx != nilIndex; {
		it := m.item(idx)
		last = idx
		if it.Status == ItemInvalid {
			if free == nilIndex {
				free = idx
			}
		} else {
			if it.hash == key.Hash && bytes.Equal(it.key, key.Bytes) {
				match = idx
				break
			}
			seen++
		}
		idx = it.next
	}
	if match == nilIndex && seen != b.valid {
		m.revalidate(bi, seen)
	}

	switch lt {
	case LookupRead:
		if match == nilIndex {
			return nil, nil
		}
		if it := m.item(match); it.Live() {
			return it, nil
		}
		return nil, nil

	case LookupInvalidate:
		if match == nilIndex {
			return nil, nil
		}
		it := m.item(match)
		m.setStatus(it, bi, ItemInvalid)
		return it, nil

	case LookupDelete:
		if match == nilIndex {
			return nil, nil
		}
		it := m.item(match)
		if !it.Live() {
			return nil, nil
		}
		if err := m.call(insert, it, InsertDelete); err != nil {
			return nil, err
		}
		if m.retainDeleted {
			m.setStatus(it, bi, ItemDeleted)
		} else {
			m.setStatus(it, bi, ItemInvalid)
		}
		return it, nil
	}

	if !lt.isWrite() {
		return nil, fmt.Errorf("unknown lookup type %d", lt)
	}

	if match != nilIndex {
		it := m.item(match)
		prev := *it
		m.setStatus(it, bi, ItemValid)
		op := OverwriteAppend
		if lt != LookupWriteAppend {
			op = OverwriteInplace
		}
		err := m.call(insert, it, op)
		if err != nil && lt == LookupWriteInplaceBestEffort && errors.Is(err, walerrors.ErrInplaceTooLarge) {
			err = m.call(insert, it, OverwriteAppend)
		}
		if err != nil {
			m.setStatus(it, bi, prev.Status)
			it.Addr, it.ValueSize = prev.Addr, prev.ValueSize
			return nil, err
		}
		m.settle(it, bi)
		return it, nil
	}

	var idx int32
	if b.valid < b.total && free != nilIndex {
		idx = free
	} else {
		var err error
		if idx, err = m.alloc(); err != nil {
			return nil, err
		}
		if last == nilIndex {
			b.head = idx
		} else {
			m.item(last).next = idx
		}
		b.total++
	}
	it := m.item(idx)
	it.key = append(it.key[:0], key.Bytes...)
	it.hash = key.Hash
	it.Addr = 0
	it.ValueSize = 0
	it.Recovery = RecoveryNone
	it.inFlight = false
	m.setStatus(it, bi, ItemValid)
	m.activate(bi)
	if err := m.call(insert, it, InsertNew); err != nil {
		m.setStatus(it, bi, ItemInvalid)
		return nil, err
	}
	m.settle(it, bi)
	return it, nil
}

// settle recounts an item whose callback changed its status directly.
func (m *Map) settle(it *MapItem, bi int) {
	want := it.Status
	if want == ItemValid {
		return
	}
	it.Status = ItemValid
	m.setStatus(it, bi, want)
}

func (m *Map) call(insert InsertFunc, it *MapItem, op InsertOp) error {
	if insert == nil {
		return nil
	}
	if err := insert(it, op); err != nil {
		return fmt.Errorf("%w: %w", walerrors.ErrInsertCallback, err)
	}
	return nil
}

// revalidate repairs a bucket whose valid counter drifted from its chain.
func (m *Map) revalidate(bi int, counted uint32) {
	b := &m.buckets[bi]
	log.Warn(log.WalMonitoring, "revalidate bucket", "bucket", bi, "valid", b.valid, "counted", counted, "total", b.total)
	b.valid = counted
}

// Find returns the item for key in any non-invalid state, tombstones and
// flush states included.
func (m *Map) Find(key Key) *MapItem {
	b := &m.buckets[m.bucketOf(key)]
	for idx := b.head; idx != nilIndex; {
		it := m.item(idx)
		if it.Status != ItemInvalid && it.hash == key.Hash && bytes.Equal(it.key, key.Bytes) {
			return it
		}
		idx = it.next
	}
	return nil
}

// Reinit invalidates every item and detaches all buckets from the active
// list. Arena items and key capacity are kept for reuse.
func (m *Map) Reinit() {
	for _, bi := range m.active {
		b := &m.buckets[bi]
		for idx := b.head; idx != nilIndex; {
			it := m.item(idx)
			it.Status = ItemInvalid
			it.inFlight = false
			idx = it.next
		}
		b.valid = 0
		b.active = false
	}
	m.active = m.active[:0]
	m.activeSorted = true
	m.live = 0
	m.deleted = 0
}

// ForEach visits every non-invalid item in ascending bucket order until fn
// returns false.
func (m *Map) ForEach(fn func(it *MapItem) bool) {
	if !m.activeSorted {
		slices.Sort(m.active)
		m.activeSorted = true
	}
	for _, bi := range m.active {
		for idx := m.buckets[bi].head; idx != nilIndex; {
			it := m.item(idx)
			if it.Status != ItemInvalid && !fn(it) {
				return
			}
			idx = it.next
		}
	}
}

// Len is the number of live items.
func (m *Map) Len() int { return m.live }

// Tombstones is the number of deleted items retained.
func (m *Map) Tombstones() int { return m.deleted }

// Allocated is the number of arena items ever handed out.
func (m *Map) Allocated() int { return int(m.count) }

// ActiveBuckets is the number of buckets touched since the last Reinit.
func (m *Map) ActiveBuckets() int { return len(m.active) }

// BucketCounts returns the valid and total counters of the bucket key maps to.
func (m *Map) BucketCounts(key Key) (valid, total uint32) {
	b := m.buckets[m.bucketOf(key)]
	return b.valid, b.total
}
