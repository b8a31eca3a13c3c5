package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/colorfulnotion/kvwal/walerrors"
)

const (
	// SuperblockSize is the on-device size of the superblock at offset 0.
	SuperblockSize = 4096
	// MaxZones is the size of the superblock zone table.
	MaxZones = 128

	superblockMagic   uint64 = 0x4b5657414c534231 // "KVWALSB1"
	superblockVersion uint32 = 1
	superblockFields         = 48
	checksumOffset           = SuperblockSize - 8

	// DataOffsetMB is where the first zone starts.
	DataOffsetMB = 1
)

// SuperblockStatus tracks whether the engine was shut down cleanly.
type SuperblockStatus uint32

const (
	StatusFormatted SuperblockStatus = iota + 1
	StatusClean
	StatusDirty
)

func (s SuperblockStatus) String() string {
	switch s {
	case StatusFormatted:
		return "formatted"
	case StatusClean:
		return "clean"
	case StatusDirty:
		return "dirty"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// ZoneSpace locates one zone on the device, in MiB.
type ZoneSpace struct {
	AddrMB uint32
	SizeMB uint32
}

// Addr returns the zone's byte offset.
func (z ZoneSpace) Addr() int64 { return int64(z.AddrMB) << 20 }

// Size returns the zone's byte length.
func (z ZoneSpace) Size() int64 { return int64(z.SizeMB) << 20 }

// Superblock describes the device layout.
type Superblock struct {
	Version      uint32
	Status       SuperblockStatus
	InitTime     time.Time
	Alignment    uint32
	DataOffsetMB uint32
	Zones        []ZoneSpace
}

// NewSuperblock lays out zoneCount zones of zoneSizeMB each after the data
// offset and checks that they fit a device of devSize bytes.
func NewSuperblock(devSize int64, zoneCount, zoneSizeMB, alignment int, now time.Time) (*Superblock, error) {
	if zoneCount <= 0 || zoneCount > MaxZones {
		return nil, fmt.Errorf("%w: %d", walerrors.ErrTooManyZones, zoneCount)
	}
	need := int64(DataOffsetMB+zoneCount*zoneSizeMB) << 20
	if need > devSize {
		return nil, fmt.Errorf("%w: layout needs %d bytes, device has %d", walerrors.ErrDeviceTooSmall, need, devSize)
	}
	sb := &Superblock{
		Version:      superblockVersion,
		Status:       StatusFormatted,
		InitTime:     now,
		Alignment:    uint32(alignment),
		DataOffsetMB: DataOffsetMB,
		Zones:        make([]ZoneSpace, zoneCount),
	}
	for i := range sb.Zones {
		sb.Zones[i] = ZoneSpace{
			AddrMB: uint32(DataOffsetMB + i*zoneSizeMB),
			SizeMB: uint32(zoneSizeMB),
		}
	}
	return sb, nil
}

// Marshal encodes the superblock into one SuperblockSize block.
func (sb *Superblock) Marshal() []byte {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], superblockFields+MaxZones*8)
	le.PutUint32(buf[4:], sb.Version)
	le.PutUint64(buf[8:], superblockMagic)
	le.PutUint32(buf[16:], uint32(sb.Status))
	le.PutUint64(buf[24:], uint64(sb.InitTime.UnixNano()))
	le.PutUint32(buf[32:], sb.Alignment)
	le.PutUint32(buf[36:], sb.DataOffsetMB)
	le.PutUint32(buf[40:], uint32(len(sb.Zones)))
	for i, z := range sb.Zones {
		off := superblockFields + i*8
		le.PutUint32(buf[off:], z.AddrMB)
		le.PutUint32(buf[off+4:], z.SizeMB)
	}
	le.PutUint64(buf[checksumOffset:], xxhash.Sum64(buf[:checksumOffset]))
	return buf
}

// UnmarshalSuperblock decodes and validates a superblock block.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockSize {
		return nil, fmt.Errorf("%w: short block of %d bytes", walerrors.ErrBadSuperblock, len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint64(buf[8:]); magic != superblockMagic {
		return nil, fmt.Errorf("%w: magic %#x", walerrors.ErrBadSuperblock, magic)
	}
	if sum := le.Uint64(buf[checksumOffset:]); sum != xxhash.Sum64(buf[:checksumOffset]) {
		return nil, fmt.Errorf("%w: checksum mismatch", walerrors.ErrBadSuperblock)
	}
	if size := le.Uint32(buf[0:]); size != superblockFields+MaxZones*8 {
		return nil, fmt.Errorf("%w: size %d", walerrors.ErrBadSuperblock, size)
	}
	sb := &Superblock{
		Version:      le.Uint32(buf[4:]),
		Status:       SuperblockStatus(le.Uint32(buf[16:])),
		InitTime:     time.Unix(0, int64(le.Uint64(buf[24:]))),
		Alignment:    le.Uint32(buf[32:]),
		DataOffsetMB: le.Uint32(buf[36:]),
	}
	if sb.Version != superblockVersion {
		return nil, fmt.Errorf("%w: version %d", walerrors.ErrBadSuperblock, sb.Version)
	}
	if sb.Alignment < 512 || sb.Alignment&(sb.Alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d", walerrors.ErrBadSuperblock, sb.Alignment)
	}
	count := le.Uint32(buf[40:])
	if count == 0 || count > MaxZones {
		return nil, fmt.Errorf("%w: %d zones", walerrors.ErrBadSuperblock, count)
	}
	sb.Zones = make([]ZoneSpace, count)
	for i := range sb.Zones {
		off := superblockFields + i*8
		sb.Zones[i] = ZoneSpace{AddrMB: le.Uint32(buf[off:]), SizeMB: le.Uint32(buf[off+4:])}
		if sb.Zones[i].AddrMB < sb.DataOffsetMB || sb.Zones[i].SizeMB < 2 {
			return nil, fmt.Errorf("%w: zone %d at %dMB size %dMB", walerrors.ErrBadSuperblock,
				i, sb.Zones[i].AddrMB, sb.Zones[i].SizeMB)
		}
	}
	return sb, nil
}

// End returns the byte offset just past the last zone.
func (sb *Superblock) End() int64 {
	var end int64
	for _, z := range sb.Zones {
		end = max(end, z.Addr()+z.Size())
	}
	return end
}
