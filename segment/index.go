package segment

import (
	"encoding/binary"
	"sort"
)

// indexRecordSize is the on-disk width of one materialised index record:
// page_no (u32) + frame_no (u64) + slot_offset (u32).
const indexRecordSize = 16

// indexRecord is one (pgno, frame_no, slot) tuple of the materialised index
// (spec §3 "Materialised index"). Sorted ascending by (PageNo, FrameNo) so
// that iteration is ascending in PageNo (compaction's requirement) and a
// binary search locates all versions of one page contiguously.
type indexRecord struct {
	PageNo  uint32
	FrameNo uint64
	Slot    uint32
}

func sortIndexRecords(records []indexRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].PageNo != records[j].PageNo {
			return records[i].PageNo < records[j].PageNo
		}
		return records[i].FrameNo < records[j].FrameNo
	})
}

func encodeIndex(records []indexRecord) []byte {
	buf := make([]byte, len(records)*indexRecordSize)
	for i, r := range records {
		off := i * indexRecordSize
		binary.LittleEndian.PutUint32(buf[off:off+4], r.PageNo)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], r.FrameNo)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], r.Slot)
	}
	return buf
}

func decodeIndexRecord(b []byte) indexRecord {
	return indexRecord{
		PageNo:  binary.LittleEndian.Uint32(b[0:4]),
		FrameNo: binary.LittleEndian.Uint64(b[4:12]),
		Slot:    binary.LittleEndian.Uint32(b[12:16]),
	}
}

// lookupIndex finds the highest FrameNo <= snapshotFno among all records for
// pgno in a byte region holding indexRecordSize-sized records sorted
// ascending by (PageNo, FrameNo).
func lookupIndex(region []byte, pgno uint32, snapshotFno uint64) (uint32, bool) {
	n := len(region) / indexRecordSize
	// First record whose PageNo >= pgno.
	lo := sort.Search(n, func(i int) bool {
		return decodeIndexRecord(region[i*indexRecordSize:(i+1)*indexRecordSize]).PageNo >= pgno
	})

	var bestSlot uint32
	found := false
	for i := lo; i < n; i++ {
		rec := decodeIndexRecord(region[i*indexRecordSize : (i+1)*indexRecordSize])
		if rec.PageNo != pgno {
			break
		}
		if rec.FrameNo <= snapshotFno {
			bestSlot = rec.Slot
			found = true
		}
	}
	return bestSlot, found
}

// iterAscending calls fn for every record in region in ascending PageNo
// order (ties broken by ascending FrameNo), used by compaction (spec §4.3
// "iter_pages_ascending"). Stops early if fn returns false.
func iterAscending(region []byte, fn func(pgno uint32, slot uint32) bool) {
	n := len(region) / indexRecordSize
	for i := 0; i < n; i++ {
		rec := decodeIndexRecord(region[i*indexRecordSize : (i+1)*indexRecordSize])
		if !fn(rec.PageNo, rec.Slot) {
			return
		}
	}
}
