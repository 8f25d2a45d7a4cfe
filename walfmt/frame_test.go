package walfmt

import (
	"hash/crc64"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 1)

	for i := 0; i < 50; i++ {
		var in Frame
		f.Fuzz(&in.PageNo)
		in.FrameNo = uint64(i) + 1
		var payload [PageSize]byte
		f.Fuzz(&payload)
		in.Payload = payload
		in.Checksum = RollingChecksum(0, in.Payload[:])
		if i%7 == 0 {
			in.SizeAfter = uint32(i + 1)
		}

		buf := Encode(&in, nil)
		require.Len(t, buf, FrameSize)

		out, err := Decode(buf, 0)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestDecodeBadLength(t *testing.T) {
	_, err := Decode(make([]byte, FrameSize-1), 0)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeBadChecksum(t *testing.T) {
	var f Frame
	f.FrameNo = 1
	f.Checksum = RollingChecksum(0, f.Payload[:])
	buf := Encode(&f, nil)

	// Corrupt the payload without touching the checksum field.
	buf[HeaderSize] ^= 0xFF

	_, err := Decode(buf, 0)
	require.ErrorIs(t, err, ErrBadChecksum)
}

// TestRollingChecksumChain verifies P1: for every adjacent pair of frames,
// f'.checksum == crc64(f.checksum, f'.payload), chained from a 0 seed.
func TestRollingChecksumChain(t *testing.T) {
	f := fuzz.New().NilChance(0)

	prev := uint64(0)
	for i := 0; i < 20; i++ {
		var payload [PageSize]byte
		f.Fuzz(&payload)
		cs := RollingChecksum(prev, payload[:])
		require.Equal(t, cs, RollingChecksum(prev, payload[:]), "checksum must be deterministic")
		require.Equal(t, crc64.Update(prev, crc64.MakeTable(crc64.ISO), payload[:]), cs, "checksum must be CRC-64/ISO of payload seeded with the previous checksum")
		prev = cs
	}
}

func TestPatchSizeAfter(t *testing.T) {
	var f Frame
	f.FrameNo = 1
	f.Checksum = RollingChecksum(0, f.Payload[:])
	buf := Encode(&f, nil)
	require.Equal(t, uint32(0), f.SizeAfter)

	PatchSizeAfter(buf, 7)
	out, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(7), out.SizeAfter)
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	h := SegmentHeader{
		StartFrameNo:         1,
		LastCommittedFrameNo: 42,
		DBSizePages:          10,
		IndexOffset:          4096,
		IndexSize:            128,
	}
	buf := EncodeHeader(&h)
	require.Len(t, buf, HeaderByteSize)

	out, err := DecodeSegmentHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, out)
	require.True(t, out.IsSealed())
}
