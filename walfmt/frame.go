// Package walfmt implements the on-disk frame record used by the WAL engine:
// a fixed 24-byte header followed by one page payload. It is pure: no I/O,
// no package-level state.
package walfmt

import (
	"encoding/binary"
	"errors"
	"hash/crc64"
)

// PageSize is the only supported page size (spec §6: "page_size: 4096 only").
const PageSize = 4096

// HeaderSize is the fixed width of a frame header, before the payload.
const HeaderSize = 24

// FrameSize is the total on-disk size of one frame.
const FrameSize = HeaderSize + PageSize

var (
	// ErrBadLength is returned by Decode when the input is not exactly FrameSize bytes.
	ErrBadLength = errors.New("walfmt: frame has wrong length")
	// ErrBadChecksum is returned when a decoded frame's checksum does not match
	// the expected rolling value given the previous frame's checksum.
	ErrBadChecksum = errors.New("walfmt: frame checksum mismatch")
)

var isoTable = crc64.MakeTable(crc64.ISO)

// Frame is one WAL log record: a page mutation plus its header.
type Frame struct {
	FrameNo   uint64
	Checksum  uint64
	PageNo    uint32
	SizeAfter uint32
	Payload   [PageSize]byte
}

// IsCommit reports whether this frame is the terminal frame of a commit
// batch (spec §3: "size_after > 0").
func (f *Frame) IsCommit() bool { return f.SizeAfter > 0 }

// RollingChecksum extends prevChecksum over payload using CRC-64/ISO. The
// first frame of a database is seeded with 0 (spec §3). Deterministic across
// platforms since it operates purely over bytes already in memory order.
func RollingChecksum(prevChecksum uint64, payload []byte) uint64 {
	return crc64.Update(prevChecksum, isoTable, payload)
}

// Encode writes frame's on-disk representation: exactly FrameSize bytes.
func Encode(f *Frame, dst []byte) []byte {
	if cap(dst) < FrameSize {
		dst = make([]byte, FrameSize)
	}
	dst = dst[:FrameSize]
	binary.LittleEndian.PutUint64(dst[0:8], f.FrameNo)
	binary.LittleEndian.PutUint64(dst[8:16], f.Checksum)
	binary.LittleEndian.PutUint32(dst[16:20], f.PageNo)
	binary.LittleEndian.PutUint32(dst[20:24], f.SizeAfter)
	copy(dst[HeaderSize:FrameSize], f.Payload[:])
	return dst
}

// PatchSizeAfter rewrites just the size_after field of an already-encoded
// frame buffer in place, used when the writer discovers only after encoding
// that a frame is the terminal frame of a commit (spec §4.2).
func PatchSizeAfter(buf []byte, sizeAfter uint32) {
	binary.LittleEndian.PutUint32(buf[20:24], sizeAfter)
}

// SizeAfterOffset is the byte offset of the size_after field within an
// encoded frame, for callers that patch it directly on disk.
const SizeAfterOffset = 20

// Decode parses an encoded frame and validates its checksum against
// prevChecksum, the previous frame's checksum in the chain (0 for the first
// frame of a database). It does no I/O.
func Decode(b []byte, prevChecksum uint64) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, ErrBadLength
	}
	f.FrameNo = binary.LittleEndian.Uint64(b[0:8])
	f.Checksum = binary.LittleEndian.Uint64(b[8:16])
	f.PageNo = binary.LittleEndian.Uint32(b[16:20])
	f.SizeAfter = binary.LittleEndian.Uint32(b[20:24])
	copy(f.Payload[:], b[HeaderSize:FrameSize])

	want := RollingChecksum(prevChecksum, f.Payload[:])
	if want != f.Checksum {
		return f, ErrBadChecksum
	}
	return f, nil
}

// DecodeHeader parses only the header portion (length HeaderSize), used by
// segment recovery to replay frame headers without reading their payloads.
func DecodeHeader(b []byte) (Frame, error) {
	var f Frame
	if len(b) < HeaderSize {
		return f, ErrBadLength
	}
	f.FrameNo = binary.LittleEndian.Uint64(b[0:8])
	f.Checksum = binary.LittleEndian.Uint64(b[8:16])
	f.PageNo = binary.LittleEndian.Uint32(b[16:20])
	f.SizeAfter = binary.LittleEndian.Uint32(b[20:24])
	return f, nil
}

// DecodeUnchecked parses an encoded frame without validating its checksum
// against the rolling chain. Used by callers (chain/replstream) that read a
// frame the local writer already validated at write time and only need its
// fields, not a re-verification of P1.
func DecodeUnchecked(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, ErrBadLength
	}
	f.FrameNo = binary.LittleEndian.Uint64(b[0:8])
	f.Checksum = binary.LittleEndian.Uint64(b[8:16])
	f.PageNo = binary.LittleEndian.Uint32(b[16:20])
	f.SizeAfter = binary.LittleEndian.Uint32(b[20:24])
	copy(f.Payload[:], b[HeaderSize:FrameSize])
	return f, nil
}
