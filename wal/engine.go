package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/storage"
	"github.com/colorfulnotion/kvwal/walerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine owns the zones laid out on one device.
type Engine struct {
	mu      sync.Mutex
	dev     device.Device
	opts    Options
	sb      *Superblock
	zones   []*Zone
	store   storage.Store
	syncs   *device.SyncGroup
	metrics *Metrics
	reports []RecoveryReport
	closed  bool
}

// Format writes a fresh superblock and empty zone headers to dev. Any WAL
// content on the device is lost.
func Format(dev device.Device, opts Options) (*Superblock, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	sb, err := NewSuperblock(dev.Size(), opts.ZoneCount, opts.ZoneSizeMB, opts.Alignment, now)
	if err != nil {
		return nil, err
	}

	block := device.AllocAligned(opts.Alignment, opts.Alignment)
	for i, zs := range sb.Zones {
		half := zs.Size() / 2
		for b := 0; b < 2; b++ {
			start := zs.Addr() + int64(b)*half
			h := BufferHeader{
				StartAddr: start,
				EndAddr:   start + half,
				CurrPos:   start + int64(opts.Alignment),
				Role:      RoleLog,
				Medium:    opts.medium,
				Sequence:  uint32(now.Unix()),
				Dump:      DumpInfo{Addr: start + int64(opts.Alignment), Flags: DumpNotReady},
			}
			if b == 1 {
				h.Role = RoleFlush
				h.Sequence = 0
				h.Dump.Flags = DumpDone
			}
			h.MarshalTo(block)
			if _, err := dev.WriteAt(block, start); err != nil {
				return nil, fmt.Errorf("format zone %d buffer %d: %w", i, b, err)
			}
		}
	}
	if _, err := dev.WriteAt(sb.Marshal(), 0); err != nil {
		return nil, fmt.Errorf("format superblock: %w", err)
	}
	if err := dev.Sync(); err != nil {
		return nil, fmt.Errorf("format sync: %w", err)
	}
	log.Info(log.WalMonitoring, "device formatted", "zones", len(sb.Zones),
		"zone_size_mb", opts.ZoneSizeMB, "alignment", opts.Alignment)
	return sb, nil
}

// ReadSuperblock loads and validates the superblock of dev.
func ReadSuperblock(dev device.Device) (*Superblock, error) {
	buf := device.AllocAligned(SuperblockSize, SuperblockSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	sb, err := UnmarshalSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if sb.End() > dev.Size() {
		return nil, fmt.Errorf("%w: zones end at %d, device has %d", walerrors.ErrDeviceTooSmall, sb.End(), dev.Size())
	}
	return sb, nil
}

// ReadBufferHeaders returns the two persisted buffer headers of zone zs
// without opening the engine.
func ReadBufferHeaders(dev device.Device, sb *Superblock, zs ZoneSpace) ([2]BufferHeader, error) {
	var hdrs [2]BufferHeader
	align := int(sb.Alignment)
	block := device.AllocAligned(align, align)
	for i := range hdrs {
		if _, err := dev.ReadAt(block, zs.Addr()+int64(i)*zs.Size()/2); err != nil {
			return hdrs, err
		}
		h, err := UnmarshalBufferHeader(block)
		if err != nil {
			return hdrs, fmt.Errorf("buffer %d: %w", i, err)
		}
		hdrs[i] = h
	}
	return hdrs, nil
}

// Open recovers every zone of a formatted device and starts their flush
// workers. The engine does not take ownership of dev or store.
func Open(dev device.Device, store storage.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("open: nil backing store")
	}
	sb, err := ReadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	opts.Alignment = int(sb.Alignment)
	opts.ZoneCount = len(sb.Zones)
	opts.ZoneSizeMB = int(sb.Zones[0].SizeMB)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if sb.Status == StatusDirty {
		log.Warn(log.RecoveryMonitoring, "device was not shut down cleanly", "init", sb.InitTime)
	}

	ctx, span := tracer.Start(context.Background(), "wal.engine.open",
		trace.WithAttributes(attribute.Int("zones", len(sb.Zones))))
	defer span.End()

	e := &Engine{
		dev:     dev,
		opts:    opts,
		sb:      sb,
		store:   store,
		syncs:   device.NewSyncGroup(dev),
		metrics: NewMetrics(),
	}
	for i, zs := range sb.Zones {
		z, rep, err := recoverZone(ctx, zoneConfig{
			id:      i,
			addr:    zs.Addr(),
			size:    zs.Size(),
			dev:     dev,
			syncs:   e.syncs,
			store:   store,
			opts:    &e.opts,
			metrics: e.metrics,
		})
		if err != nil {
			span.RecordError(err)
			for _, opened := range e.zones {
				opened.queue.Close()
			}
			return nil, fmt.Errorf("open: %w", err)
		}
		e.zones = append(e.zones, z)
		e.reports = append(e.reports, rep)
	}

	sb.Status = StatusDirty
	if err := e.writeSuperblock(); err != nil {
		for _, z := range e.zones {
			z.queue.Close()
		}
		return nil, err
	}
	for _, z := range e.zones {
		z.start()
	}
	return e, nil
}

func (e *Engine) writeSuperblock() error {
	if _, err := e.dev.WriteAt(e.sb.Marshal(), 0); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	if err := e.syncs.Sync(); err != nil {
		return fmt.Errorf("sync superblock: %w", err)
	}
	return nil
}

// NumZones returns the number of zones.
func (e *Engine) NumZones() int { return len(e.zones) }

// Zone returns zone id.
func (e *Engine) Zone(id int) (*Zone, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, walerrors.ErrEngineClosed
	}
	if id < 0 || id >= len(e.zones) {
		return nil, fmt.Errorf("%w: %d of %d", walerrors.ErrUnknownZone, id, len(e.zones))
	}
	return e.zones[id], nil
}

// ZoneIndex maps a key to its zone. The upper hash bits are used so zone
// choice is independent of the bucket index.
func (e *Engine) ZoneIndex(key Key) int {
	return int((key.Hash >> 32) % uint64(len(e.zones)))
}

// ZoneFor returns the zone owning key.
func (e *Engine) ZoneFor(key Key) *Zone {
	return e.zones[e.ZoneIndex(key)]
}

// Switch forces zone id to switch its log buffer.
func (e *Engine) Switch(id int) error {
	z, err := e.Zone(id)
	if err != nil {
		return err
	}
	return z.Switch()
}

// WaitFlushed waits for every zone's in-progress flush.
func (e *Engine) WaitFlushed(ctx context.Context) error {
	for _, z := range e.zones {
		if err := z.WaitFlushed(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stats is an engine-wide snapshot.
type Stats struct {
	Metrics MetricsSnapshot
	Status  SuperblockStatus
	Zones   []ZoneStats
}

// Stats returns counters and per-zone state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	status := e.sb.Status
	zones := e.zones
	e.mu.Unlock()
	st := Stats{Metrics: e.metrics.Snapshot(), Status: status}
	for _, z := range zones {
		st.Zones = append(st.Zones, z.Stats())
	}
	return st
}

// Metrics returns the shared counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// RecoveryReports returns one report per zone from Open.
func (e *Engine) RecoveryReports() []RecoveryReport { return e.reports }

// Superblock returns the layout the engine was opened with.
func (e *Engine) Superblock() Superblock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.sb
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Close stops every zone and marks the superblock clean.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, z := range e.zones {
		if err := z.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		e.mu.Lock()
		e.sb.Status = StatusClean
		e.mu.Unlock()
		if err := e.writeSuperblock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
