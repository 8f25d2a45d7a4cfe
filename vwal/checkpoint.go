package vwal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"

	"github.com/tursodatabase/libsql-sub004/checkpoint"
	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/walerr"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

// mainDBFileName is the embedding SQL engine's page-addressed database file
// that Checkpoint backfills into (spec §4.6 "Per-namespace checkpoint
// body").
const mainDBFileName = "data.db"

// Checkpoint implements checkpoint.Backend for this database: it applies
// every sealed segment's pages to the main database file in order, then
// retires the segments it fully applied (spec §4.6).
//
// The namespace argument is accepted only to satisfy checkpoint.Backend;
// this package has one database per Checkpoint call, so it is unused.
func (db *Database) Checkpoint(_ string, mode checkpoint.Mode, busy checkpoint.BusyHandler) (backfilled, inWAL uint32, err error) {
	db.checkpointWG.Add(1)
	defer db.checkpointWG.Done()

	if mode != checkpoint.Passive {
		if !db.acquireExclusive(busy) {
			return 0, 0, fmt.Errorf("vwal: checkpoint: %w", walerr.ErrBusy)
		}
		defer db.releaseExclusive()
	}

	f, err := os.OpenFile(filepath.Join(db.cfg.Dir, mainDBFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("vwal: open main db file: %w", err)
	}
	defer f.Close()

	backfill := func(iter func(func(pgno, slot uint32) bool), readFrame func(slot uint32) (walfmt.Frame, error)) error {
		var applyErr error
		iter(func(pgno uint32, slot uint32) bool {
			frame, err := readFrame(slot)
			if err != nil {
				applyErr = err
				return false
			}
			off := int64(pgno-1) * walfmt.PageSize
			if _, err := f.WriteAt(frame.Payload[:], off); err != nil {
				applyErr = fmt.Errorf("vwal: checkpoint: write page %d: %w", pgno, err)
				return false
			}
			backfilled++
			return true
		})
		return applyErr
	}

	var upToFno uint64
	for _, seg := range db.chain.SealedSegments() {
		if err := backfill(seg.IterPagesAscending, seg.ReadFrame); err != nil {
			return backfilled, inWAL, err
		}
		upToFno = seg.LastCommittedFrameNo()
	}

	// The current segment is never sealed by a checkpoint, but its already
	// committed pages must still land in the main DB file — otherwise a page
	// touched only there reads stale from data.db while the chain itself
	// returns the new value (spec P7).
	cur := db.chain.Current()
	if err := backfill(cur.IterCommittedPagesAscending, cur.ReadFrame); err != nil {
		return backfilled, inWAL, err
	}

	if err := f.Sync(); err != nil {
		return backfilled, inWAL, fmt.Errorf("vwal: checkpoint: fsync main db: %w", err)
	}

	removed := db.chain.RetirePrefix(upToFno)
	for _, seg := range removed {
		if err := seg.Delete(); err != nil {
			level.Error(db.logger).Log("msg", "failed to delete retired segment", "path", seg.Path(), "err", err)
		}
	}

	inWAL = cur.FrameCount()

	if mode == checkpoint.Restart || mode == checkpoint.Truncate {
		if err := db.resetChain(cur); err != nil {
			return backfilled, inWAL, fmt.Errorf("vwal: checkpoint: reset on %s: %w", mode, err)
		}
		inWAL = 0
	}

	// Persist the new retention floor so a restarted replication cursor can
	// recompute its NeedSnapshot threshold without re-scanning segment files
	// (spec §4.4 "replication_cursor").
	if len(removed) > 0 || mode == checkpoint.Restart || mode == checkpoint.Truncate {
		if err := db.meta.StoreOldestRetainedFrameNo(db.chain.OldestFrameNo()); err != nil {
			level.Error(db.logger).Log("msg", "failed to persist oldest retained frame_no", "err", err)
		}
	}

	level.Info(db.logger).Log("msg", "checkpoint complete", "mode", mode.String(), "backfilled_frames", backfilled, "frames_in_wal", inWAL)
	return backfilled, inWAL, nil
}

// resetChain discards every sealed segment remaining in the chain plus cur
// (both now fully applied to the main DB file above) and installs a fresh,
// empty current segment, so the next writer begins a new segment with no
// sealed history behind it (spec §4.6 Restart/Truncate: "all sealed
// segments gone"). Must be called with the writer slot held.
func (db *Database) resetChain(cur *segment.Current) error {
	for _, seg := range db.chain.SealedSegments() {
		if err := seg.Delete(); err != nil {
			level.Error(db.logger).Log("msg", "failed to delete retired segment", "path", seg.Path(), "err", err)
		}
	}

	lastFno, dbSize := cur.BeginReadInfo()
	nextStart := lastFno + 1
	if nextStart < cur.StartFrameNo() {
		nextStart = cur.StartFrameNo()
	}
	path := filepath.Join(db.cfg.Dir, segmentFileName(nextStart))
	newCur, err := segment.Create(path, nextStart, dbSize, db.cfg.Registerer, db.cfg.Logger)
	if err != nil {
		return fmt.Errorf("vwal: create reset segment: %w", err)
	}
	newCur.SetFsyncOnCommit(db.cfg.FsyncOnCommit)
	db.chain.Reset(newCur)

	oldPath := cur.Path()
	if err := cur.Close(); err != nil {
		level.Error(db.logger).Log("msg", "failed to close retired current segment", "path", oldPath, "err", err)
	}
	if err := os.Remove(oldPath); err != nil {
		level.Error(db.logger).Log("msg", "failed to delete retired current segment", "path", oldPath, "err", err)
	}
	return nil
}

// acquireExclusive takes the writer slot for Full/Restart/Truncate modes,
// invoking busy (if set) to retry while another writer holds it (spec §4.6
// "respect a busy handler"). Retries are throttled by busyLimiter instead of
// spinning tight against a live writer.
func (db *Database) acquireExclusive(busy checkpoint.BusyHandler) bool {
	for {
		if db.writerHeld.CompareAndSwap(false, true) {
			db.writeMu.Lock()
			return true
		}
		if busy == nil || !busy() {
			return false
		}
		_ = db.busyLimiter.Wait(context.Background())
	}
}

func (db *Database) releaseExclusive() {
	db.writeMu.Unlock()
	db.writerHeld.Store(false)
}
