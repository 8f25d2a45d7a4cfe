// Package inject implements the follower-side frame injector (spec §4.7,
// C7): it applies an ordered stream of frames pulled from a remote primary
// directly to a local database file, bypassing the embedding SQL engine's
// page cache, and persists a crash-safe commit marker pair so a restart can
// tell a fully-applied commit from a torn one.
package inject

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tursodatabase/libsql-sub004/metadb"
	"github.com/tursodatabase/libsql-sub004/walerr"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

// Injector applies primary frames to one follower database file (spec
// §4.7).
type Injector struct {
	dbFile *os.File
	meta   *metadb.DB
	logger log.Logger

	expectedFno  uint64
	lastChecksum uint64
	buffered     []walfmt.Frame
}

// Open loads (or initialises) the follower's persistent metadata and
// prepares an injector seeded from it. dbPath is the local database file
// the injector writes pages into directly.
func Open(dbPath string, meta *metadb.DB, logger log.Logger) (*Injector, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("inject: open db file %s: %w", dbPath, err)
	}

	state, ok, err := meta.LoadFollowerState()
	if err != nil {
		f.Close()
		return nil, err
	}

	inj := &Injector{dbFile: f, meta: meta, logger: logger}
	if !ok {
		// Fresh follower: expect the first frame ever produced.
		inj.expectedFno = 1
		return inj, nil
	}
	if state.Dirty() {
		level.Error(logger).Log("msg", "follower metadata dirty on startup, snapshot re-sync required",
			"pre_commit_fno", state.PreCommitFno, "post_commit_fno", state.PostCommitFno)
		f.Close()
		return nil, walerr.ErrNeedSnapshot
	}
	inj.expectedFno = state.PostCommitFno + 1
	return inj, nil
}

// ExpectedFrameNo returns the frame number the injector next expects (spec
// §4.7 step 2, "frame.frame_no == expected_next_fno").
func (inj *Injector) ExpectedFrameNo() uint64 { return inj.expectedFno }

// Close closes the injector's database file handle.
func (inj *Injector) Close() error { return inj.dbFile.Close() }

// Apply validates and buffers frame, applying the buffered batch to the
// database file once a commit boundary (size_after > 0) arrives (spec §4.7
// steps 2-3). Returns committed=true iff this call performed a commit.
func (inj *Injector) Apply(frame walfmt.Frame) (committed bool, err error) {
	if frame.FrameNo != inj.expectedFno {
		return false, fmt.Errorf("inject: %w: got frame_no %d, expected %d", walerr.ErrWriteConflict, frame.FrameNo, inj.expectedFno)
	}
	wantChecksum := walfmt.RollingChecksum(inj.lastChecksum, frame.Payload[:])
	if frame.Checksum != wantChecksum {
		return false, fmt.Errorf("inject: %w: frame %d checksum mismatch", walerr.ErrBadFrame, frame.FrameNo)
	}

	inj.buffered = append(inj.buffered, frame)
	inj.lastChecksum = frame.Checksum
	inj.expectedFno++

	if frame.SizeAfter == 0 {
		return false, nil
	}
	if err := inj.commit(frame.FrameNo, frame.SizeAfter); err != nil {
		return false, err
	}
	return true, nil
}

// commit performs spec §4.7 step 3's pre-commit/apply/post-commit sequence.
func (inj *Injector) commit(lastBufferedFno uint64, sizeAfter uint32) error {
	state, _, err := inj.meta.LoadFollowerState()
	if err != nil {
		return err
	}
	state.PreCommitFno = lastBufferedFno
	if err := inj.meta.StoreFollowerState(state); err != nil {
		return fmt.Errorf("inject: write pre-commit marker: %w", err)
	}

	for _, f := range inj.buffered {
		off := int64(f.PageNo-1) * walfmt.PageSize
		if _, err := inj.dbFile.WriteAt(f.Payload[:], off); err != nil {
			return fmt.Errorf("inject: write page %d: %w", f.PageNo, err)
		}
	}
	if err := inj.dbFile.Truncate(int64(sizeAfter) * walfmt.PageSize); err != nil {
		return fmt.Errorf("inject: truncate to %d pages: %w", sizeAfter, err)
	}
	if err := inj.dbFile.Sync(); err != nil {
		return fmt.Errorf("inject: fsync db file: %w", err)
	}

	state.PostCommitFno = lastBufferedFno
	if err := inj.meta.StoreFollowerState(state); err != nil {
		return fmt.Errorf("inject: write post-commit marker: %w", err)
	}

	inj.buffered = inj.buffered[:0]
	level.Debug(inj.logger).Log("msg", "applied frames batch", "applied_frame_no", lastBufferedFno)
	return nil
}

// NeedSnapshot swaps the injector into snapshot-ingest mode: it drains any
// partially buffered (uncommitted) batch, bulk-copies base into the
// database file, and resets metadata/expectations to resume frame
// injection from snapshotFno+1 (spec §4.7 "A NeedSnapshot signal...").
// checksumSeed is the rolling checksum the primary reports the snapshot is
// consistent at, so the next injected frame's checksum can be verified.
func (inj *Injector) NeedSnapshot(base []byte, snapshotFno uint64, sizePages uint32, checksumSeed uint64) error {
	inj.buffered = inj.buffered[:0]

	if _, err := inj.dbFile.WriteAt(base, 0); err != nil {
		return fmt.Errorf("inject: write snapshot base image: %w", err)
	}
	if err := inj.dbFile.Truncate(int64(sizePages) * walfmt.PageSize); err != nil {
		return fmt.Errorf("inject: truncate snapshot to %d pages: %w", sizePages, err)
	}
	if err := inj.dbFile.Sync(); err != nil {
		return fmt.Errorf("inject: fsync snapshot: %w", err)
	}

	state := metadb.FollowerState{PreCommitFno: snapshotFno, PostCommitFno: snapshotFno}
	if err := inj.meta.StoreFollowerState(state); err != nil {
		return fmt.Errorf("inject: write snapshot metadata: %w", err)
	}

	inj.expectedFno = snapshotFno + 1
	inj.lastChecksum = checksumSeed
	level.Info(inj.logger).Log("msg", "applied snapshot, resuming frame injection", "snapshot_fno", snapshotFno)
	return nil
}
