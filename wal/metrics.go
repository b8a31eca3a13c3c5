package wal

import "sync/atomic"

// Metrics tracks engine-wide counters. All zones share one instance.
type Metrics struct {
	stores       atomic.Uint64
	deletes      atomic.Uint64
	reads        atomic.Uint64
	readHits     atomic.Uint64
	writeMisses  atomic.Uint64
	busyRetries  atomic.Uint64
	switches     atomic.Uint64
	flushes      atomic.Uint64
	flushedItems atomic.Uint64
	flushErrors  atomic.Uint64
	dumpGroups   atomic.Uint64
	dumpObjects  atomic.Uint64
	dumpBlocks   atomic.Uint64
	replayed     atomic.Uint64
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordStore records an accepted put.
func (m *Metrics) RecordStore() { m.stores.Add(1) }

// RecordDelete records an accepted delete.
func (m *Metrics) RecordDelete() { m.deletes.Add(1) }

// RecordRead records a read served from the zone buffers or not.
func (m *Metrics) RecordRead(hit bool) {
	m.reads.Add(1)
	if hit {
		m.readHits.Add(1)
	}
}

// RecordWriteMiss records a write diverted to the backing store.
func (m *Metrics) RecordWriteMiss() { m.writeMisses.Add(1) }

// RecordBusy records a request bounced with ErrBusyRetry.
func (m *Metrics) RecordBusy() { m.busyRetries.Add(1) }

// RecordSwitch records a log/flush switch.
func (m *Metrics) RecordSwitch() { m.switches.Add(1) }

// RecordFlush records a finished flush cycle.
func (m *Metrics) RecordFlush(items int) {
	m.flushes.Add(1)
	m.flushedItems.Add(uint64(items))
}

// RecordFlushError records a failed backing store batch.
func (m *Metrics) RecordFlushError() { m.flushErrors.Add(1) }

// RecordDumpGroup records a sealed dump group.
func (m *Metrics) RecordDumpGroup(objects int, blocks uint32) {
	m.dumpGroups.Add(1)
	m.dumpObjects.Add(uint64(objects))
	m.dumpBlocks.Add(uint64(blocks))
}

// RecordReplayed records records rebuilt by recovery.
func (m *Metrics) RecordReplayed(n int) { m.replayed.Add(uint64(n)) }

// MetricsSnapshot is a copy of the counters.
type MetricsSnapshot struct {
	Stores       uint64
	Deletes      uint64
	Reads        uint64
	ReadHits     uint64
	WriteMisses  uint64
	BusyRetries  uint64
	Switches     uint64
	Flushes      uint64
	FlushedItems uint64
	FlushErrors  uint64
	DumpGroups   uint64
	DumpObjects  uint64
	DumpBlocks   uint64
	Replayed     uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Stores:       m.stores.Load(),
		Deletes:      m.deletes.Load(),
		Reads:        m.reads.Load(),
		ReadHits:     m.readHits.Load(),
		WriteMisses:  m.writeMisses.Load(),
		BusyRetries:  m.busyRetries.Load(),
		Switches:     m.switches.Load(),
		Flushes:      m.flushes.Load(),
		FlushedItems: m.flushedItems.Load(),
		FlushErrors:  m.flushErrors.Load(),
		DumpGroups:   m.dumpGroups.Load(),
		DumpObjects:  m.dumpObjects.Load(),
		DumpBlocks:   m.dumpBlocks.Load(),
		Replayed:     m.replayed.Load(),
	}
}

// ReadHitRatio returns the share of reads answered by the buffers.
func (m *Metrics) ReadHitRatio() float64 {
	reads := m.reads.Load()
	if reads == 0 {
		return 0.0
	}
	return float64(m.readHits.Load()) / float64(reads)
}

// Reset resets all metrics to zero.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.stores, &m.deletes, &m.reads, &m.readHits, &m.writeMisses, &m.busyRetries,
		&m.switches, &m.flushes, &m.flushedItems, &m.flushErrors, &m.dumpGroups,
		&m.dumpObjects, &m.dumpBlocks, &m.replayed,
	} {
		c.Store(0)
	}
}
