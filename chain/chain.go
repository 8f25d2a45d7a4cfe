// Package chain implements the segment chain (spec §4.4, C4): the ordered
// sequence of sealed segments plus the current segment for one database,
// and the resolution of a page read at a snapshot against that history.
package chain

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

// state is the chain's immutable snapshot: a sorted map of sealed segments
// keyed by StartFrameNo, plus the current appendable segment. Readers load
// it without a lock; the writer replaces it wholesale under its own
// exclusion (vwal's per-database writer slot).
type state struct {
	sealed *immutable.SortedMap[uint64, *segment.Sealed]
	cur    *segment.Current
}

// Chain is the segment chain for one database (spec §4.4).
type Chain struct {
	s atomic.Value // *state

	reg    prometheus.Registerer
	logger log.Logger
	m      *metrics
}

// New constructs a chain around an already-open current segment with no
// sealed segments (a fresh database, or one recovering only its tail).
func New(cur *segment.Current, reg prometheus.Registerer, logger log.Logger) *Chain {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Chain{reg: reg, logger: logger, m: newMetrics(reg)}
	c.s.Store(&state{
		sealed: &immutable.SortedMap[uint64, *segment.Sealed]{},
		cur:    cur,
	})
	return c
}

func (c *Chain) load() *state { return c.s.Load().(*state) }

// Current returns the chain's current appendable segment.
func (c *Chain) Current() *segment.Current { return c.load().cur }

// LastCommittedFrameNo returns the highest committed frame number anywhere
// in the chain, 0 if the database has never committed a frame.
func (c *Chain) LastCommittedFrameNo() uint64 {
	s := c.load()
	if fno := s.cur.LastCommittedFrameNo(); fno > 0 {
		return fno
	}
	it := s.sealed.Iterator()
	it.Last()
	if it.Done() {
		return 0
	}
	_, seg, _ := it.Prev()
	return seg.LastCommittedFrameNo()
}

// OldestFrameNo returns the frame number of the oldest retained frame in
// the chain: the start frame number of the oldest sealed segment, or of the
// current segment when no sealed segment is retained.
func (c *Chain) OldestFrameNo() uint64 {
	s := c.load()
	it := s.sealed.Iterator()
	if !it.Done() {
		_, seg, _ := it.Next()
		return seg.StartFrameNo()
	}
	return s.cur.StartFrameNo()
}

// ReadPage implements spec §4.4 "read_page": iterate segments newest to
// oldest, first hit wins.
func (c *Chain) ReadPage(pgno uint32, snapshotFno uint64, buf []byte) (bool, error) {
	s := c.load()

	if s.cur.StartFrameNo() <= snapshotFno {
		if slot, ok := s.cur.Lookup(pgno, snapshotFno); ok {
			c.m.hits.Inc()
			return true, s.cur.ReadPageAt(slot, buf)
		}
	}

	it := s.sealed.Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		if seg.StartFrameNo() > snapshotFno {
			continue
		}
		if seg.ReadPage(pgno, snapshotFno, buf) {
			c.m.hits.Inc()
			return true, nil
		}
	}
	c.m.misses.Inc()
	return false, nil
}

// FrameAt locates the frame with the given frame number anywhere in the
// chain and decodes it; used by replstream to stream committed frames in
// ascending order. Returns ok=false if fno is not (yet, or no longer)
// present.
func (c *Chain) FrameAt(fno uint64) (walfmt.Frame, bool, error) {
	s := c.load()

	if fno >= s.cur.StartFrameNo() && fno <= s.cur.LastCommittedFrameNo() {
		slot := uint32(fno - s.cur.StartFrameNo())
		f, err := s.cur.ReadFrame(slot)
		return f, err == nil, err
	}

	it := s.sealed.Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		if fno < seg.StartFrameNo() || fno > seg.LastCommittedFrameNo() {
			continue
		}
		slot := uint32(fno - seg.StartFrameNo())
		f, err := seg.ReadFrame(slot)
		return f, err == nil, err
	}
	return walfmt.Frame{}, false, nil
}

// Rotate atomically appends a newly sealed segment (the just-rotated
// current segment) and installs the fresh current segment that replaces
// it. Must only be called by the single writer (spec §4.5 "Rotation
// policy").
func (c *Chain) Rotate(sealed *segment.Sealed, newCur *segment.Current) {
	old := c.load()
	newSealed := old.sealed.Set(sealed.StartFrameNo(), sealed)
	c.s.Store(&state{sealed: newSealed, cur: newCur})
	c.m.sealedSegments.Set(float64(newSealed.Len()))
	level.Info(c.logger).Log("msg", "chain rotated", "sealed_start_frame_no", sealed.StartFrameNo(),
		"new_cur_start_frame_no", newCur.StartFrameNo())
}

// RetirePrefix drops every leading sealed segment whose entire frame range
// is <= upToFno and whose read-lock counter is 0 (spec §4.4
// "retire_prefix", §3 "Lifecycle"). It stops at the first segment it
// cannot retire (still locked, or beyond upToFno) since segments must
// retire in order. Returns the segments removed from the chain; callers
// (the checkpointer) are responsible for physically deleting them.
func (c *Chain) RetirePrefix(upToFno uint64) []*segment.Sealed {
	old := c.load()
	newSealed := old.sealed
	var removed []*segment.Sealed

	it := old.sealed.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.LastCommittedFrameNo() > upToFno {
			break
		}
		if seg.ReadLocked() {
			break
		}
		newSealed = newSealed.Delete(seg.StartFrameNo())
		removed = append(removed, seg)
	}

	if len(removed) == 0 {
		return nil
	}
	c.s.Store(&state{sealed: newSealed, cur: old.cur})
	c.m.sealedSegments.Set(float64(newSealed.Len()))
	c.m.retirements.Add(float64(len(removed)))
	return removed
}

// SealedSegments returns the chain's sealed segments in ascending
// start-frame-no order, for the checkpointer's per-segment backfill walk.
func (c *Chain) SealedSegments() []*segment.Sealed {
	s := c.load()
	out := make([]*segment.Sealed, 0, s.sealed.Len())
	it := s.sealed.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		out = append(out, seg)
	}
	return out
}

// Reset discards all sealed segments and replaces the current segment,
// used by a Restart/Truncate checkpoint (spec §4.6). It does not consult
// the discarded segments' read-lock counters.
func (c *Chain) Reset(newCur *segment.Current) {
	c.s.Store(&state{
		sealed: &immutable.SortedMap[uint64, *segment.Sealed]{},
		cur:    newCur,
	})
	c.m.sealedSegments.Set(0)
}
