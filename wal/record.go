package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/colorfulnotion/kvwal/walerrors"
)

const (
	// RecordHeaderSize is the encoded size of recordHeader.
	RecordHeaderSize = 16
	// ChecksumSize is the encoded size of the record trailer.
	ChecksumSize = 8
	// RecordVersion is written into every record header.
	RecordVersion = 1
	// MaxKeySize is the largest key the header key field can describe.
	MaxKeySize = math.MaxUint16
)

// RecordState tells replay what a record means.
type RecordState uint8

const (
	RecordPut         RecordState = 1
	RecordDelete      RecordState = 2
	// RecordInvalidated marks a record whose key was written around the
	// log. Replay drops the key from the buffer.
	RecordInvalidated RecordState = 3
)

// recordStateOffset is the position of the state byte in the header.
const recordStateOffset = 8

// Record layout, little endian:
//
//	header   blocks u16 | key_size u16 | value_size u32 | state u8 | version u8 | reserved u16 | addr_blocks u32
//	payload  key | value
//	checksum sequence u32 | padding_size u32
//	padding  zeros up to the alignment unit
type recordHeader struct {
	Blocks     uint16
	KeySize    uint16
	ValueSize  uint32
	State      RecordState
	Version    uint8
	AddrBlocks uint32
}

// Record is a decoded record. Key and Value are reused across ReadObject calls.
type Record struct {
	Addr     int64
	Size     int64
	State    RecordState
	Sequence uint32
	Key      []byte
	Value    []byte
}

// RecordSize returns the aligned on-device size of a record.
func RecordSize(keyLen, valueLen, align int) int64 {
	raw := int64(keyLen + valueLen + RecordHeaderSize + ChecksumSize)
	a := int64(align)
	return (raw + a - 1) / a * a
}

func recordBlocks(size int64, align int) (uint16, error) {
	blocks := size / int64(align)
	if blocks > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d blocks", walerrors.ErrRecordTooLarge, blocks)
	}
	return uint16(blocks), nil
}

// encodeRecord writes a full record into dst, which must be exactly the
// slot size (a multiple of align) and starts at device address addr.
func encodeRecord(dst []byte, addr int64, align int, seq uint32, key, value []byte, state RecordState) error {
	blocks, err := recordBlocks(int64(len(dst)), align)
	if err != nil {
		return err
	}
	payload := len(key) + len(value)
	used := RecordHeaderSize + payload + ChecksumSize
	if used > len(dst) {
		return fmt.Errorf("%w: record needs %d bytes, slot has %d", walerrors.ErrInplaceTooLarge, used, len(dst))
	}

	binary.LittleEndian.PutUint16(dst[0:2], blocks)
	binary.LittleEndian.PutUint16(dst[2:4], uint16(len(key)))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(value)))
	dst[recordStateOffset] = byte(state)
	dst[9] = RecordVersion
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(addr/int64(align)))

	off := RecordHeaderSize
	off += copy(dst[off:], key)
	off += copy(dst[off:], value)
	binary.LittleEndian.PutUint32(dst[off:off+4], seq)
	binary.LittleEndian.PutUint32(dst[off+4:off+8], uint32(len(dst)-used))
	clear(dst[off+ChecksumSize:])
	return nil
}

func decodeHeader(src []byte) recordHeader {
	return recordHeader{
		Blocks:     binary.LittleEndian.Uint16(src[0:2]),
		KeySize:    binary.LittleEndian.Uint16(src[2:4]),
		ValueSize:  binary.LittleEndian.Uint32(src[4:8]),
		State:      RecordState(src[recordStateOffset]),
		Version:    src[9],
		AddrBlocks: binary.LittleEndian.Uint32(src[12:16]),
	}
}

// decodeRecord validates and decodes the record at the start of src, which
// extends to the end of the owning buffer. seq is the buffer generation.
func decodeRecord(src []byte, addr int64, align int, seq uint32, rec *Record) error {
	if len(src) < RecordHeaderSize+ChecksumSize {
		return fmt.Errorf("%w: %d bytes left at %d", walerrors.ErrBadRecord, len(src), addr)
	}
	h := decodeHeader(src)
	size := int64(h.Blocks) * int64(align)
	if h.Blocks == 0 || size > int64(len(src)) {
		return fmt.Errorf("%w: %d blocks at %d", walerrors.ErrBadRecord, h.Blocks, addr)
	}
	used := int64(RecordHeaderSize) + int64(h.KeySize) + int64(h.ValueSize) + ChecksumSize
	if used > size {
		return fmt.Errorf("%w: key %d + value %d overflow %d-byte record at %d",
			walerrors.ErrBadRecord, h.KeySize, h.ValueSize, size, addr)
	}
	if int64(h.AddrBlocks)*int64(align) != addr {
		return fmt.Errorf("%w: record claims block %d, found at %d", walerrors.ErrBadRecord, h.AddrBlocks, addr)
	}

	trailer := RecordHeaderSize + int(h.KeySize) + int(h.ValueSize)
	gotSeq := binary.LittleEndian.Uint32(src[trailer : trailer+4])
	padding := binary.LittleEndian.Uint32(src[trailer+4 : trailer+8])
	if gotSeq != seq {
		return fmt.Errorf("%w: sequence %d, buffer %d at %d", walerrors.ErrBadChecksum, gotSeq, seq, addr)
	}
	if int64(padding) != size-used {
		return fmt.Errorf("%w: padding %d, expected %d at %d", walerrors.ErrBadChecksum, padding, size-used, addr)
	}
	if h.Version != RecordVersion {
		return fmt.Errorf("%w: version %d at %d", walerrors.ErrBadRecordVersion, h.Version, addr)
	}
	if h.State < RecordPut || h.State > RecordInvalidated {
		return fmt.Errorf("%w: state %d at %d", walerrors.ErrBadRecord, h.State, addr)
	}

	rec.Addr = addr
	rec.Size = size
	rec.State = h.State
	rec.Sequence = gotSeq
	rec.Key = append(rec.Key[:0], src[RecordHeaderSize:RecordHeaderSize+int(h.KeySize)]...)
	rec.Value = append(rec.Value[:0], src[RecordHeaderSize+int(h.KeySize):trailer]...)
	return nil
}
