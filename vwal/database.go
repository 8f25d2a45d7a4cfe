package vwal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/tursodatabase/libsql-sub004/chain"
	"github.com/tursodatabase/libsql-sub004/checkpoint"
	"github.com/tursodatabase/libsql-sub004/metadb"
	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/walerr"
)

// metaFileName holds the injector's follower record and the chain's
// persisted retention bookkeeping (spec §6 "Metadata file layout").
const metaFileName = "meta.db"

// checkpointBusyRetryRate bounds how often a Full/Restart/Truncate
// checkpoint re-polls its busy handler while waiting for a live writer to
// release the writer slot, so contention backs off instead of spinning.
const checkpointBusyRetryRate = 100

// segmentSuffix names every segment file written by this package, sealed or
// not; the leading, zero-padded start_frame_no keeps a directory listing in
// chain order.
const segmentSuffix = ".seg"

func segmentFileName(startFrameNo uint64) string {
	return fmt.Sprintf("%020d%s", startFrameNo, segmentSuffix)
}

func parseSegmentStartFrameNo(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Database is one embedding SQL engine's virtual-WAL database: a segment
// chain plus the single-writer slot and connection bookkeeping described by
// spec §4.5.
type Database struct {
	cfg    Config
	chain  *chain.Chain
	meta   *metadb.DB
	m      *metrics
	logger log.Logger

	writeMu     sync.Mutex // serialises begin_write_txn across connections
	writerHeld  atomic.Bool
	busyLimiter *rate.Limiter

	// checkpointWG is waited on by Close so it never returns while a
	// checkpoint this database started is still running (resolves the
	// Close-vs-in-flight-checkpoint race a bare reference-count can miss).
	checkpointWG sync.WaitGroup

	closed atomic.Bool
}

// Open opens or creates the chain rooted at cfg.Dir (spec §4.5 "open").
func Open(opts ...Option) (*Database, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("vwal: %w: Dir is required", walerr.ErrMisuse)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("vwal: create dir %s: %w", cfg.Dir, err)
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("vwal: read dir %s: %w", cfg.Dir, err)
	}

	type found struct {
		startFrameNo uint64
		path         string
	}
	var segments []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sfn, ok := parseSegmentStartFrameNo(e.Name()); ok {
			segments = append(segments, found{startFrameNo: sfn, path: filepath.Join(cfg.Dir, e.Name())})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].startFrameNo < segments[j].startFrameNo })

	m := newMetrics(cfg.Registerer)

	meta, err := metadb.Open(filepath.Join(cfg.Dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("vwal: open metadata store: %w", err)
	}

	db := &Database{
		cfg:         cfg,
		meta:        meta,
		m:           m,
		logger:      cfg.Logger,
		busyLimiter: rate.NewLimiter(checkpointBusyRetryRate, 1),
	}

	if len(segments) == 0 {
		cur, err := segment.Create(filepath.Join(cfg.Dir, segmentFileName(1)), 1, 0, cfg.Registerer, cfg.Logger)
		if err != nil {
			meta.Close()
			return nil, err
		}
		cur.SetFsyncOnCommit(cfg.FsyncOnCommit)
		db.chain = chain.New(cur, cfg.Registerer, cfg.Logger)
		return db, nil
	}

	// Every segment but the last is necessarily sealed; the last is the
	// live current segment unless a clean shutdown sealed it without a
	// rotation ever creating its successor.
	sealedList := make([]*segment.Sealed, 0, len(segments))
	for _, s := range segments[:len(segments)-1] {
		sealed, err := segment.OpenSealed(s.path, nil, cfg.Logger)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("vwal: open sealed segment %s: %w", s.path, err)
		}
		sealedList = append(sealedList, sealed)
	}

	last := segments[len(segments)-1]
	cur, err := segment.OpenCurrent(last.path, cfg.Registerer, cfg.Logger)
	if err != nil {
		sealed, serr := segment.OpenSealed(last.path, nil, cfg.Logger)
		if serr != nil {
			meta.Close()
			return nil, fmt.Errorf("vwal: open tail segment %s: neither current (%v) nor sealed (%w)", last.path, err, serr)
		}
		sealedList = append(sealedList, sealed)
		nextStart := sealed.LastCommittedFrameNo() + 1
		if nextStart < sealed.StartFrameNo() {
			nextStart = sealed.StartFrameNo()
		}
		cur, err = segment.Create(filepath.Join(cfg.Dir, segmentFileName(nextStart)), nextStart, sealed.Header().DBSizePages, cfg.Registerer, cfg.Logger)
		if err != nil {
			meta.Close()
			return nil, err
		}
	}
	cur.SetFsyncOnCommit(cfg.FsyncOnCommit)

	db.chain = chain.New(cur, cfg.Registerer, cfg.Logger)
	for _, sealed := range sealedList {
		db.chain.Rotate(sealed, cur)
	}

	level.Info(cfg.Logger).Log("msg", "vwal database opened", "dir", cfg.Dir, "sealed_segments", len(sealedList))
	return db, nil
}

// Connect opens a new connection handle against this database (spec §4.5
// "open" at the connection level).
func (db *Database) Connect() *Connection {
	return &Connection{db: db, state: stateInit}
}

// Close releases the database's current segment handle. It blocks until any
// checkpoint this database started has finished (Open Question: Close must
// not race a running checkpoint's segment reads).
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.checkpointWG.Wait()
	segErr := db.chain.Current().Close()
	metaErr := db.meta.Close()
	if segErr != nil {
		return segErr
	}
	return metaErr
}

// acquireWriter takes the single per-database writer slot, failing Busy if
// already held (spec §4.5 "begin_write_txn").
func (db *Database) acquireWriter() error {
	if !db.writerHeld.CompareAndSwap(false, true) {
		db.m.writeConflicts.Inc()
		return walerr.ErrBusy
	}
	db.writeMu.Lock()
	return nil
}

func (db *Database) releaseWriter() {
	db.writeMu.Unlock()
	db.writerHeld.Store(false)
}

// maybeRotate seals the current segment and installs a fresh one if the
// current segment has grown past the configured threshold (spec §4.5
// "Rotation policy"). Must be called with the writer slot held.
func (db *Database) maybeRotate() error {
	cur := db.chain.Current()
	if cur.FrameCount() <= db.cfg.MaxSegmentFrames {
		return nil
	}
	return db.rotate()
}

// rotate seals the current segment and installs a fresh one in its place.
// A current segment with no frames written to it is left alone instead of
// sealed: an empty segment is discarded, not sealed (spec invariant I5),
// and sealing one would reset the next segment's start_frame_no to 1,
// breaking the chain's start_frame_no monotonicity (I1).
func (db *Database) rotate() error {
	cur := db.chain.Current()
	if cur.FrameCount() == 0 {
		return nil
	}

	sealed, err := cur.Seal()
	if err != nil {
		return fmt.Errorf("vwal: seal for rotation: %w", err)
	}

	nextStart := sealed.LastCommittedFrameNo() + 1
	if nextStart < sealed.StartFrameNo() {
		nextStart = sealed.StartFrameNo()
	}
	path := filepath.Join(db.cfg.Dir, segmentFileName(nextStart))

	newCur, err := segment.Create(path, nextStart, sealed.Header().DBSizePages, db.cfg.Registerer, db.cfg.Logger)
	if err != nil {
		return fmt.Errorf("vwal: create rotated segment: %w", err)
	}
	newCur.SetFsyncOnCommit(db.cfg.FsyncOnCommit)
	db.chain.Rotate(sealed, newCur)
	db.m.rotations.Inc()
	level.Info(db.logger).Log("msg", "segment rotated", "next_start_frame_no", nextStart)
	return nil
}

// maybeAutoCheckpoint runs a Passive checkpoint once the current segment has
// grown past the configured threshold (spec §6 "auto_checkpoint_after_frames").
// A Passive checkpoint never blocks a writer, so this is safe to call with
// the writer slot still held by the commit that triggered it. Failures are
// logged, not propagated: an automatic checkpoint is best-effort maintenance,
// not part of the commit's own durability contract.
func (db *Database) maybeAutoCheckpoint() {
	if db.cfg.AutoCheckpointAfterFrames == 0 {
		return
	}
	if db.chain.Current().FrameCount() <= db.cfg.AutoCheckpointAfterFrames {
		return
	}
	if _, _, err := db.Checkpoint("", checkpoint.Passive, nil); err != nil {
		level.Error(db.logger).Log("msg", "automatic checkpoint failed", "err", err)
	}
}
