// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the current (appendable) and sealed
// (immutable, memory-mapped) WAL segment (spec §4.2, §4.3).
package segment

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tursodatabase/libsql-sub004/walerr"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

// PageWrite is one page mutation presented to InsertPages, in the order the
// embedding SQL engine hands it to the writer.
type PageWrite struct {
	PageNo  uint32
	Payload [walfmt.PageSize]byte
}

// pageIndexEntry is the per-page value kept by the in-memory index: enough
// to locate the frame's slot and recover its frame number (spec §3's
// "in-memory page index").
type pageIndexEntry struct {
	Slot    uint32
	FrameNo uint64
}

// commitEntry is one committed transaction's contribution to the segment's
// page index: the set of pages it touched, tagged with the last frame number
// of that commit. Lookups scan entries newest-first so that a page touched
// by several commits resolves to the most recent one not newer than the
// reader's snapshot (spec invariant I4).
type commitEntry struct {
	lastFrameNo uint64
	pages       map[uint32]pageIndexEntry
}

// Txn carries one write transaction's mutable state: the next frame number
// and slot to assign, the rolling checksum seed, and the staged delta that
// is only promoted into the segment's index on commit (spec §3
// "Transaction state").
type Txn struct {
	nextFrameNo  uint64
	nextSlot     uint32
	lastChecksum uint64
	delta        map[uint32]pageIndexEntry
	committed    bool
}

// TxnSnapshot is an opaque copy of a Txn's mutable state, produced by
// Snapshot and consumed by Restore, used to implement the virtual-WAL
// adapter's savepoint/savepoint_undo callbacks (spec §4.5).
type TxnSnapshot struct {
	nextFrameNo  uint64
	nextSlot     uint32
	lastChecksum uint64
	delta        map[uint32]pageIndexEntry
}

// Snapshot captures txn's current state for later restoration.
func (t *Txn) Snapshot() TxnSnapshot {
	cp := make(map[uint32]pageIndexEntry, len(t.delta))
	for k, v := range t.delta {
		cp[k] = v
	}
	return TxnSnapshot{
		nextFrameNo:  t.nextFrameNo,
		nextSlot:     t.nextSlot,
		lastChecksum: t.lastChecksum,
		delta:        cp,
	}
}

// Restore rewinds txn to a previously captured snapshot.
func (t *Txn) Restore(s TxnSnapshot) {
	cp := make(map[uint32]pageIndexEntry, len(s.delta))
	for k, v := range s.delta {
		cp[k] = v
	}
	t.nextFrameNo = s.nextFrameNo
	t.nextSlot = s.nextSlot
	t.lastChecksum = s.lastChecksum
	t.delta = cp
}

// Current is the single appendable segment for one database (spec §4.2).
type Current struct {
	file   *os.File
	logger log.Logger
	m      *metrics

	mu         sync.RWMutex
	header     walfmt.SegmentHeader
	history    []commitEntry
	nextSlot   uint32
	lastChecksum uint64

	sealed    atomic.Bool
	readLocks atomic.Uint64

	fsyncOnCommit atomic.Bool
}

// SetFsyncOnCommit enables or disables an fsync of the commit header write
// on every commit, honoring the embedding SQL engine's fsync_on_commit
// option (spec §6 "Per-namespace configuration"). Off by default: frames
// themselves are written with WriteAt before the header is patched to
// point at them, so a crash without this enabled can lose the last commit
// but never corrupts one already durable.
func (c *Current) SetFsyncOnCommit(on bool) { c.fsyncOnCommit.Store(on) }

// Create initialises a brand new current segment file starting at
// startFrameNo with the database at dbSizePages pages.
func Create(path string, startFrameNo uint64, dbSizePages uint32, reg prometheus.Registerer, logger log.Logger) (*Current, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	h := walfmt.SegmentHeader{
		StartFrameNo:         startFrameNo,
		LastCommittedFrameNo: 0,
		DBSizePages:          dbSizePages,
	}
	if _, err := f.WriteAt(walfmt.EncodeHeader(&h), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: write header: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Current{
		file:   f,
		logger: logger,
		m:      newMetrics(reg),
		header: h,
	}, nil
}

// OpenCurrent reopens an existing, not-yet-sealed segment file, rebuilding
// its in-memory index by scanning the frames it holds up to the header's
// last_committed_frame_no; frames written after the last header write are
// ignored. Used at database-open time to recover the tail segment after a
// restart.
func OpenCurrent(path string, reg prometheus.Registerer, logger log.Logger) (*Current, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open current %s: %w", path, err)
	}
	hdrBuf := make([]byte, walfmt.HeaderByteSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read header %s: %w", path, err)
	}
	h, err := walfmt.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: %w: %s", walerr.ErrCorrupt, err)
	}
	if h.IsSealed() {
		f.Close()
		return nil, fmt.Errorf("segment: %w: %s is already sealed", walerr.ErrCorrupt, path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	nFrames := uint32((st.Size() - walfmt.HeaderByteSize) / walfmt.FrameSize)
	// The header is the sole source of commit truth: only frames up to its
	// last_committed_frame_no belong to a commit.
	committed := uint32(0)
	if h.LastCommittedFrameNo > 0 && h.LastCommittedFrameNo >= h.StartFrameNo {
		committed = uint32(h.LastCommittedFrameNo - h.StartFrameNo + 1)
	}
	if committed < nFrames {
		nFrames = committed
	}

	history, lastChecksum, err := rebuildHistory(f, h, nFrames)
	if err != nil {
		f.Close()
		return nil, err
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Current{
		file:         f,
		logger:       logger,
		m:            newMetrics(reg),
		header:       h,
		history:      history,
		nextSlot:     nFrames,
		lastChecksum: lastChecksum,
	}, nil
}

// rebuildHistory replays the already-written frame headers (payload is not
// needed) to reconstruct the segment's commit-grouped page index (spec §3
// "in-memory page index") and the checksum to resume the rolling chain
// from.
func rebuildHistory(f *os.File, h walfmt.SegmentHeader, nFrames uint32) ([]commitEntry, uint64, error) {
	var history []commitEntry
	pending := make(map[uint32]pageIndexEntry)
	buf := make([]byte, walfmt.HeaderSize)
	var lastChecksum uint64

	for slot := uint32(0); slot < nFrames; slot++ {
		if _, err := f.ReadAt(buf, walfmt.FrameOffset(slot)); err != nil {
			return nil, 0, fmt.Errorf("segment: rebuild history: read frame header at slot %d: %w", slot, err)
		}
		fh, err := walfmt.DecodeHeader(buf)
		if err != nil {
			return nil, 0, fmt.Errorf("segment: rebuild history: %w", err)
		}
		lastChecksum = fh.Checksum
		pending[fh.PageNo] = pageIndexEntry{Slot: slot, FrameNo: fh.FrameNo}
		if fh.SizeAfter > 0 {
			history = append(history, commitEntry{lastFrameNo: fh.FrameNo, pages: pending})
			pending = make(map[uint32]pageIndexEntry)
		}
	}
	return history, lastChecksum, nil
}

// StartFrameNo returns the segment's first frame number.
func (c *Current) StartFrameNo() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.StartFrameNo
}

// BeginTxn starts a new write transaction, seeding its frame-number/slot
// counters and checksum from the segment's current durable state.
func (c *Current) BeginTxn() *Txn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nextFrameNo := c.header.LastCommittedFrameNo + 1
	if c.header.LastCommittedFrameNo == 0 && c.header.StartFrameNo > 0 {
		nextFrameNo = c.header.StartFrameNo
	}
	return &Txn{
		nextFrameNo:  nextFrameNo,
		nextSlot:     c.nextSlot,
		lastChecksum: c.lastChecksum,
		delta:        make(map[uint32]pageIndexEntry),
	}
}

// InsertPages implements spec §4.2 "Append". pages are written in order;
// a page already staged earlier in txn is overwritten in place. If
// sizeAfter > 0 this call is the commit of the transaction and the last
// *newly appended* frame (or, if every page in this call was an in-place
// overwrite, the most recent new frame of the whole transaction) carries
// sizeAfter. Returns the number of new frames appended by this call.
func (c *Current) InsertPages(txn *Txn, pages []PageWrite, sizeAfter uint32) (int, error) {
	if c.sealed.Load() {
		return 0, walerr.ErrClosed
	}
	if txn.committed {
		return 0, fmt.Errorf("segment: %w: txn already committed", walerr.ErrMisuse)
	}
	if sizeAfter > 0 && len(pages) == 0 {
		return 0, fmt.Errorf("segment: %w: commit with no pages", walerr.ErrMisuse)
	}

	nNew := 0
	wroteCommitFrame := false
	var scratch []byte

	for i, pw := range pages {
		if entry, ok := txn.delta[pw.PageNo]; ok {
			// Overwrite the existing frame's payload in place; the header
			// (frame_no, checksum) is left untouched.
			off := walfmt.FrameOffset(entry.Slot) + walfmt.HeaderSize
			if _, err := c.file.WriteAt(pw.Payload[:], off); err != nil {
				return nNew, fmt.Errorf("segment: overwrite page %d: %w", pw.PageNo, err)
			}
			c.m.framesOverwritten.Inc()
			continue
		}

		isLast := i == len(pages)-1
		frameSizeAfter := uint32(0)
		if sizeAfter > 0 && isLast {
			frameSizeAfter = sizeAfter
			wroteCommitFrame = true
		}

		frame := walfmt.Frame{
			FrameNo:   txn.nextFrameNo,
			PageNo:    pw.PageNo,
			SizeAfter: frameSizeAfter,
			Payload:   pw.Payload,
		}
		frame.Checksum = walfmt.RollingChecksum(txn.lastChecksum, frame.Payload[:])

		scratch = walfmt.Encode(&frame, scratch)
		off := walfmt.FrameOffset(txn.nextSlot)
		if _, err := c.file.WriteAt(scratch, off); err != nil {
			return nNew, fmt.Errorf("segment: write frame: %w", err)
		}

		txn.delta[pw.PageNo] = pageIndexEntry{Slot: txn.nextSlot, FrameNo: txn.nextFrameNo}
		txn.lastChecksum = frame.Checksum
		txn.nextSlot++
		txn.nextFrameNo++
		nNew++
		c.m.framesAppended.Inc()
		c.m.bytesWritten.Add(float64(walfmt.PageSize))
	}

	if sizeAfter == 0 {
		return nNew, nil
	}

	if !wroteCommitFrame {
		if txn.nextSlot == 0 {
			return nNew, fmt.Errorf("segment: %w: commit with no frames in transaction", walerr.ErrMisuse)
		}
		if err := c.patchSizeAfter(txn.nextSlot-1, sizeAfter); err != nil {
			return nNew, err
		}
	}

	lastFrameNo := txn.nextFrameNo - 1
	c.mu.Lock()
	c.header.LastCommittedFrameNo = lastFrameNo
	c.header.DBSizePages = sizeAfter
	c.nextSlot = txn.nextSlot
	c.lastChecksum = txn.lastChecksum
	c.history = append(c.history, commitEntry{lastFrameNo: lastFrameNo, pages: txn.delta})
	hdrBytes := walfmt.EncodeHeader(&c.header)
	c.mu.Unlock()

	if _, err := c.file.WriteAt(hdrBytes, 0); err != nil {
		return nNew, fmt.Errorf("segment: write header: %w", err)
	}
	if c.fsyncOnCommit.Load() {
		if err := c.file.Sync(); err != nil {
			return nNew, fmt.Errorf("segment: fsync on commit: %w", err)
		}
	}
	txn.committed = true
	c.m.commits.Inc()
	return nNew, nil
}

func (c *Current) patchSizeAfter(slot uint32, sizeAfter uint32) error {
	off := walfmt.FrameOffset(slot) + walfmt.SizeAfterOffset
	var buf [4]byte
	buf[0] = byte(sizeAfter)
	buf[1] = byte(sizeAfter >> 8)
	buf[2] = byte(sizeAfter >> 16)
	buf[3] = byte(sizeAfter >> 24)
	if _, err := c.file.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("segment: patch size_after: %w", err)
	}
	return nil
}

// Undo discards txn's staged delta without touching persisted state (spec
// §4.2 failure model / §4.5 undo). onPage, if non-nil, is invoked for every
// page staged by the transaction so the caller can invalidate its cache.
func (c *Current) Undo(txn *Txn, onPage func(pgno uint32)) {
	if onPage != nil {
		for pgno := range txn.delta {
			onPage(pgno)
		}
	}
	txn.delta = make(map[uint32]pageIndexEntry)
	level.Debug(c.logger).Log("msg", "write transaction aborted", "frames_discarded", txn.nextSlot-c.nextSlot)
	// Rewind the counters too, so frames written after the undo reuse the
	// discarded slots and frame numbers instead of leaving a gap.
	fresh := c.BeginTxn()
	txn.nextFrameNo = fresh.nextFrameNo
	txn.nextSlot = fresh.nextSlot
	txn.lastChecksum = fresh.lastChecksum
}

// Lookup returns the slot offset of the newest committed frame for pgno
// whose frame_no is <= snapshotFno, if any (spec §4.2 "Read").
func (c *Current) Lookup(pgno uint32, snapshotFno uint64) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.m.lookups.Inc()
	for i := len(c.history) - 1; i >= 0; i-- {
		ce := c.history[i]
		if ce.lastFrameNo > snapshotFno {
			continue
		}
		if entry, ok := ce.pages[pgno]; ok {
			return entry.Slot, true
		}
	}
	c.m.lookupMisses.Inc()
	return 0, false
}

// ReadPageAt reads the page payload stored at the frame in slot into buf,
// which must be walfmt.PageSize bytes.
func (c *Current) ReadPageAt(slot uint32, buf []byte) error {
	off := walfmt.FrameOffset(slot) + walfmt.HeaderSize
	if _, err := c.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("segment: read page at slot %d: %w", slot, err)
	}
	return nil
}

// BeginReadInfo is an atomic read of (last_committed_fno, db_size_pages)
// (spec §4.2 "Snapshot open").
func (c *Current) BeginReadInfo() (uint64, uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.LastCommittedFrameNo, c.header.DBSizePages
}

// LastCommittedFrameNo returns the segment's last committed frame number, 0
// if nothing has been committed to it yet.
func (c *Current) LastCommittedFrameNo() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.LastCommittedFrameNo
}

// FrameCount returns the number of frame slots occupied by committed
// transactions so far; used by rotation and checkpointing to measure the
// segment's size.
func (c *Current) FrameCount() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextSlot
}

// ReadFrame decodes the frame stored at slot, without re-validating its
// checksum (the local writer already validated it at append time).
func (c *Current) ReadFrame(slot uint32) (walfmt.Frame, error) {
	buf := make([]byte, walfmt.FrameSize)
	if _, err := c.file.ReadAt(buf, walfmt.FrameOffset(slot)); err != nil {
		return walfmt.Frame{}, fmt.Errorf("segment: read frame at slot %d: %w", slot, err)
	}
	return walfmt.DecodeUnchecked(buf)
}

// AcquireRead increments the read-lock counter; pair with ReleaseRead.
func (c *Current) AcquireRead() { c.readLocks.Add(1) }

// ReleaseRead decrements the read-lock counter.
func (c *Current) ReleaseRead() { c.readLocks.Add(^uint64(0)) }

// ReadLocked reports whether any reader currently holds this segment alive.
func (c *Current) ReadLocked() bool { return c.readLocks.Load() > 0 }

// Seal transitions the segment from appendable to sealed exactly once,
// writing the materialised index and returning a handle to it (spec §4.2
// "Seal").
func (c *Current) Seal() (*Sealed, error) {
	if !c.sealed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("segment: %w: already sealed", walerr.ErrMisuse)
	}

	c.mu.Lock()
	records := flattenHistory(c.history)
	header := c.header
	c.mu.Unlock()

	sortIndexRecords(records)
	indexBytes := encodeIndex(records)
	indexOffset := walfmt.FrameOffset(c.nextSlot)

	if _, err := c.file.WriteAt(indexBytes, indexOffset); err != nil {
		return nil, fmt.Errorf("segment: write index: %w", err)
	}

	header.IndexOffset = uint64(indexOffset)
	header.IndexSize = uint64(len(indexBytes))
	if _, err := c.file.WriteAt(walfmt.EncodeHeader(&header), 0); err != nil {
		return nil, fmt.Errorf("segment: write sealed header: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return nil, fmt.Errorf("segment: fsync: %w", err)
	}
	c.m.seals.Inc()

	sealed, err := OpenSealed(c.file.Name(), c.m, c.logger)
	if err != nil {
		return nil, err
	}
	level.Info(c.logger).Log("msg", "segment sealed", "start_frame_no", header.StartFrameNo, "last_committed_frame_no", header.LastCommittedFrameNo)
	return sealed, nil
}

// IterCommittedPagesAscending calls fn for every (pgno, slot) pair committed
// so far, in the same ascending (pgno, frame_no) order Sealed's materialised
// index iterates in, so a checkpoint can backfill a still-open current
// segment's committed pages identically to a sealed one's (spec §4.6).
func (c *Current) IterCommittedPagesAscending(fn func(pgno uint32, slot uint32) bool) {
	c.mu.RLock()
	records := flattenHistory(c.history)
	c.mu.RUnlock()

	sortIndexRecords(records)
	for _, r := range records {
		if !fn(r.PageNo, r.Slot) {
			return
		}
	}
}

// Close closes the underlying file handle without sealing.
func (c *Current) Close() error {
	return c.file.Close()
}

// Path returns the current segment's file path.
func (c *Current) Path() string { return c.file.Name() }

func flattenHistory(history []commitEntry) []indexRecord {
	n := 0
	for _, ce := range history {
		n += len(ce.pages)
	}
	records := make([]indexRecord, 0, n)
	for _, ce := range history {
		for pgno, entry := range ce.pages {
			records = append(records, indexRecord{PageNo: pgno, FrameNo: entry.FrameNo, Slot: entry.Slot})
		}
	}
	return records
}
