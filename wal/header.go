package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/colorfulnotion/kvwal/walerrors"
)

// BufferRole is the part a buffer currently plays in its zone.
type BufferRole uint8

const (
	RoleLog BufferRole = iota + 1
	RoleFlush
)

func (r BufferRole) String() string {
	switch r {
	case RoleLog:
		return "log"
	case RoleFlush:
		return "flush"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Medium is where the log buffer lives. DRAM buffers degrade to write-miss
// under backpressure, block buffers ask the caller to retry.
type Medium uint8

const (
	MediumBlock Medium = iota + 1
	MediumDRAM
)

func (m Medium) String() string {
	switch m {
	case MediumBlock:
		return "block"
	case MediumDRAM:
		return "dram"
	default:
		return fmt.Sprintf("medium(%d)", uint8(m))
	}
}

// ParseMedium accepts "block" or "dram".
func ParseMedium(s string) (Medium, error) {
	switch s {
	case "block", "BLOCK", "":
		return MediumBlock, nil
	case "dram", "DRAM":
		return MediumDRAM, nil
	}
	return 0, fmt.Errorf("unknown medium %q", s)
}

// DumpFlag is the state of the buffer's most recent dump group.
type DumpFlag uint8

const (
	DumpNotReady DumpFlag = iota
	DumpBatch
	DumpSingle
	DumpInProgress
	DumpDone
)

func (f DumpFlag) String() string {
	switch f {
	case DumpNotReady:
		return "not_ready"
	case DumpBatch:
		return "batch"
	case DumpSingle:
		return "single"
	case DumpInProgress:
		return "in_progress"
	case DumpDone:
		return "done"
	default:
		return fmt.Sprintf("dump(%d)", uint8(f))
	}
}

// DumpInfo describes the dump group covered by a header write.
type DumpInfo struct {
	Addr       int64
	BlockCount uint32
	Flags      DumpFlag
	Timestamp  time.Time
	Idle       time.Time
}

// BufferHeader is the persisted state of one buffer. It occupies the first
// alignment unit of the buffer range.
type BufferHeader struct {
	StartAddr int64
	EndAddr   int64
	CurrPos   int64
	Role      BufferRole
	Medium    Medium
	Sequence  uint32
	Dump      DumpInfo
}

const (
	bufferHeaderMagic   uint32 = 0x4c41574b // "KWAL"
	bufferHeaderVersion uint32 = 1

	// BufferHeaderSize is the encoded header length including its checksum.
	BufferHeaderSize = 88

	roleLogBit     = 0x01
	roleFlushBit   = 0x02
	mediumDRAMBit  = 0x10
	mediumBlockBit = 0x20
)

func encodeRole(r BufferRole, m Medium) uint32 {
	var v uint32
	switch r {
	case RoleLog:
		v |= roleLogBit
	case RoleFlush:
		v |= roleFlushBit
	}
	switch m {
	case MediumDRAM:
		v |= mediumDRAMBit
	case MediumBlock:
		v |= mediumBlockBit
	}
	return v
}

func decodeRole(v uint32) (BufferRole, Medium, error) {
	var r BufferRole
	switch v & (roleLogBit | roleFlushBit) {
	case roleLogBit:
		r = RoleLog
	case roleFlushBit:
		r = RoleFlush
	default:
		return 0, 0, fmt.Errorf("%w: role bits %#x", walerrors.ErrBadBufferHeader, v)
	}
	var m Medium
	switch v & (mediumDRAMBit | mediumBlockBit) {
	case mediumDRAMBit:
		m = MediumDRAM
	case mediumBlockBit:
		m = MediumBlock
	default:
		return 0, 0, fmt.Errorf("%w: medium bits %#x", walerrors.ErrBadBufferHeader, v)
	}
	return r, m, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MarshalTo encodes h into dst and zeroes the rest of it. dst must hold at
// least BufferHeaderSize bytes.
func (h *BufferHeader) MarshalTo(dst []byte) {
	le := binary.LittleEndian
	le.PutUint32(dst[0:], bufferHeaderMagic)
	le.PutUint32(dst[4:], bufferHeaderVersion)
	le.PutUint64(dst[8:], uint64(h.StartAddr))
	le.PutUint64(dst[16:], uint64(h.EndAddr))
	le.PutUint64(dst[24:], uint64(h.CurrPos))
	le.PutUint32(dst[32:], encodeRole(h.Role, h.Medium))
	le.PutUint32(dst[36:], h.Sequence)
	le.PutUint64(dst[40:], uint64(h.Dump.Addr))
	le.PutUint32(dst[48:], h.Dump.BlockCount)
	le.PutUint32(dst[52:], uint32(h.Dump.Flags))
	le.PutUint64(dst[56:], uint64(unixNano(h.Dump.Timestamp)))
	le.PutUint64(dst[64:], uint64(unixNano(h.Dump.Idle)))
	le.PutUint64(dst[72:], 0)
	le.PutUint64(dst[80:], xxhash.Sum64(dst[:80]))
	clear(dst[BufferHeaderSize:])
}

// UnmarshalBufferHeader decodes and validates a header block.
func UnmarshalBufferHeader(src []byte) (BufferHeader, error) {
	var h BufferHeader
	if len(src) < BufferHeaderSize {
		return h, fmt.Errorf("%w: short block of %d bytes", walerrors.ErrBadBufferHeader, len(src))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(src[0:]); magic != bufferHeaderMagic {
		return h, fmt.Errorf("%w: magic %#x", walerrors.ErrBadBufferHeader, magic)
	}
	if v := le.Uint32(src[4:]); v != bufferHeaderVersion {
		return h, fmt.Errorf("%w: version %d", walerrors.ErrBadBufferHeader, v)
	}
	if sum := le.Uint64(src[80:]); sum != xxhash.Sum64(src[:80]) {
		return h, fmt.Errorf("%w: checksum mismatch", walerrors.ErrBadBufferHeader)
	}
	role, medium, err := decodeRole(le.Uint32(src[32:]))
	if err != nil {
		return h, err
	}
	h = BufferHeader{
		StartAddr: int64(le.Uint64(src[8:])),
		EndAddr:   int64(le.Uint64(src[16:])),
		CurrPos:   int64(le.Uint64(src[24:])),
		Role:      role,
		Medium:    medium,
		Sequence:  le.Uint32(src[36:]),
		Dump: DumpInfo{
			Addr:       int64(le.Uint64(src[40:])),
			BlockCount: le.Uint32(src[48:]),
			Flags:      DumpFlag(le.Uint32(src[52:])),
			Timestamp:  fromUnixNano(int64(le.Uint64(src[56:]))),
			Idle:       fromUnixNano(int64(le.Uint64(src[64:]))),
		},
	}
	if h.StartAddr > h.CurrPos || h.CurrPos > h.EndAddr {
		return h, fmt.Errorf("%w: curr_pos %d outside [%d, %d]",
			walerrors.ErrBadBufferHeader, h.CurrPos, h.StartAddr, h.EndAddr)
	}
	if h.Dump.Flags > DumpDone {
		return h, fmt.Errorf("%w: dump flags %d", walerrors.ErrBadBufferHeader, h.Dump.Flags)
	}
	return h, nil
}
