package walfmt

import "encoding/binary"

// HeaderByteSize is the fixed size of SegmentHeader on disk (spec §3, §6).
const HeaderByteSize = 40

// SegmentHeader is the fixed-layout record at offset 0 of every segment
// file (spec §3, §6).
type SegmentHeader struct {
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	DBSizePages          uint32
	IndexOffset          uint64
	IndexSize            uint64
}

// EncodeHeader writes h's on-disk representation: exactly HeaderByteSize bytes.
func EncodeHeader(h *SegmentHeader) []byte {
	buf := make([]byte, HeaderByteSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], h.LastCommittedFrameNo)
	binary.LittleEndian.PutUint32(buf[16:20], h.DBSizePages)
	binary.LittleEndian.PutUint64(buf[24:32], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[32:40], h.IndexSize)
	return buf
}

// DecodeSegmentHeader parses a SegmentHeader from its on-disk bytes.
func DecodeSegmentHeader(b []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(b) < HeaderByteSize {
		return h, ErrBadLength
	}
	h.StartFrameNo = binary.LittleEndian.Uint64(b[0:8])
	h.LastCommittedFrameNo = binary.LittleEndian.Uint64(b[8:16])
	h.DBSizePages = binary.LittleEndian.Uint32(b[16:20])
	h.IndexOffset = binary.LittleEndian.Uint64(b[24:32])
	h.IndexSize = binary.LittleEndian.Uint64(b[32:40])
	return h, nil
}

// IsSealed reports whether a header describes a sealed (immutable, indexed)
// segment (spec §3 invariant I5: index_offset > 0).
func (h SegmentHeader) IsSealed() bool { return h.IndexOffset > 0 }

// FrameOffset returns the byte offset of the slot-th frame within a segment
// file, counting from the first frame at HeaderByteSize.
func FrameOffset(slot uint32) int64 {
	return int64(HeaderByteSize) + int64(slot)*int64(FrameSize)
}
