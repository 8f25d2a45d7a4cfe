package segment

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-kit/log"

	"github.com/tursodatabase/libsql-sub004/walerr"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

// Sealed is an immutable, memory-mapped segment (spec §4.3). No mutating
// operation is defined on it.
type Sealed struct {
	path      string
	file      *os.File
	data      []byte
	header    walfmt.SegmentHeader
	readLocks atomic.Uint64
	m         *metrics
	logger    log.Logger
}

// OpenSealed memory-maps an already-sealed segment file for reading.
func OpenSealed(path string, m *metrics, logger log.Logger) (*Sealed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open sealed %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat sealed %s: %w", path, err)
	}
	data, err := mmapFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: mmap sealed %s: %w", path, err)
	}
	h, err := walfmt.DecodeSegmentHeader(data)
	if err != nil {
		munmapFile(data)
		f.Close()
		return nil, fmt.Errorf("segment: %w: %s", walerr.ErrCorrupt, err)
	}
	if !h.IsSealed() {
		munmapFile(data)
		f.Close()
		return nil, fmt.Errorf("segment: %w: header has no index_offset", walerr.ErrCorrupt)
	}
	if m == nil {
		m = newMetrics(nil)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sealed{path: path, file: f, data: data, header: h, m: m, logger: logger}, nil
}

// Header returns the segment's header, read from the mapped prefix.
func (s *Sealed) Header() walfmt.SegmentHeader { return s.header }

// Path returns the sealed segment's underlying file path.
func (s *Sealed) Path() string { return s.path }

// Lookup returns the slot offset of the newest frame for pgno whose
// frame_no is <= snapshotFno, if the segment's range can answer it at all.
func (s *Sealed) Lookup(pgno uint32, snapshotFno uint64) (uint32, bool) {
	if snapshotFno < s.header.StartFrameNo {
		// Predates this segment entirely; caller must consult an older one.
		return 0, false
	}
	s.m.lookups.Inc()
	region := s.data[s.header.IndexOffset : s.header.IndexOffset+s.header.IndexSize]
	slot, ok := lookupIndex(region, pgno, snapshotFno)
	if !ok {
		s.m.lookupMisses.Inc()
	}
	return slot, ok
}

// ReadPage reads the page payload for pgno at snapshotFno into buf, which
// must be walfmt.PageSize bytes. Returns false if the page is not present
// in this segment at that snapshot.
func (s *Sealed) ReadPage(pgno uint32, snapshotFno uint64, buf []byte) bool {
	slot, ok := s.Lookup(pgno, snapshotFno)
	if !ok {
		return false
	}
	off := walfmt.FrameOffset(slot) + walfmt.HeaderSize
	copy(buf, s.data[off:off+walfmt.PageSize])
	return true
}

// StartFrameNo returns the frame number of the segment's first frame.
func (s *Sealed) StartFrameNo() uint64 { return s.header.StartFrameNo }

// LastCommittedFrameNo returns the segment's last (inclusive) committed
// frame number.
func (s *Sealed) LastCommittedFrameNo() uint64 { return s.header.LastCommittedFrameNo }

// FrameCount returns the number of frame slots stored in the segment.
func (s *Sealed) FrameCount() uint32 {
	return uint32((s.header.IndexOffset - walfmt.HeaderByteSize) / walfmt.FrameSize)
}

// ReadFrame decodes the frame stored at slot, without re-validating its
// checksum.
func (s *Sealed) ReadFrame(slot uint32) (walfmt.Frame, error) {
	off := walfmt.FrameOffset(slot)
	end := off + walfmt.FrameSize
	if end > int64(len(s.data)) {
		return walfmt.Frame{}, fmt.Errorf("segment: %w: slot %d out of range", walerr.ErrCorrupt, slot)
	}
	return walfmt.DecodeUnchecked(s.data[off:end])
}

// IterPagesAscending calls fn for every (pgno, slot) entry in the
// materialised index in ascending pgno order, used by the checkpointer
// (spec §4.3).
func (s *Sealed) IterPagesAscending(fn func(pgno uint32, slot uint32) bool) {
	region := s.data[s.header.IndexOffset : s.header.IndexOffset+s.header.IndexSize]
	iterAscending(region, fn)
}

// AcquireRead increments the read-lock counter; pair with ReleaseRead.
func (s *Sealed) AcquireRead() { s.readLocks.Add(1) }

// ReleaseRead decrements the read-lock counter.
func (s *Sealed) ReleaseRead() { s.readLocks.Add(^uint64(0)) }

// ReadLocked reports whether any reader currently holds this segment alive.
func (s *Sealed) ReadLocked() bool { return s.readLocks.Load() > 0 }

// Close unmaps and closes the underlying file. Callers must ensure
// ReadLocked() is false first (spec: "dropped only when ... retired and the
// read-lock counter hits zero").
func (s *Sealed) Close() error {
	if err := munmapFile(s.data); err != nil {
		return fmt.Errorf("segment: munmap: %w", err)
	}
	return s.file.Close()
}

// Delete closes and removes the sealed segment's backing file (checkpointer
// retirement, spec §4.6/§3 "Lifecycle").
func (s *Sealed) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}
