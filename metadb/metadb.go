// Package metadb stores small, fsync-durable records that must survive a
// crash independent of the segment files: the injector's follower metadata
// record (spec §6 "Metadata file layout") and per-database chain
// bookkeeping. It is a thin wrapper over go.etcd.io/bbolt, the durable
// key/value store the teacher's own metadata store ships with in
// production (raft-wal's MetaStore is itself boltdb-backed).
package metadb

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketInjector = []byte("injector")
	bucketChain    = []byte("chain")
)

// DB is a handle to one bbolt-backed metadata file.
type DB struct {
	bolt *bbolt.DB
}

// Open opens or creates the metadata file at path, creating its buckets.
func Open(path string) (*DB, error) {
	bdb, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketInjector); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketChain); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("metadb: create buckets: %w", err)
	}
	return &DB{bolt: bdb}, nil
}

// Close closes the underlying bbolt file.
func (db *DB) Close() error { return db.bolt.Close() }

// FollowerState is the injector's persistent metadata record (spec §6).
type FollowerState struct {
	PreCommitFno  uint64
	PostCommitFno uint64
	GenerationID  [16]byte
	DatabaseID    [16]byte
}

// Dirty reports whether the follower crashed mid-commit: a pre-commit
// marker was fsynced but the matching post-commit marker never was (spec
// §4.7 step 4).
func (s FollowerState) Dirty() bool { return s.PreCommitFno > s.PostCommitFno }

var followerKey = []byte("state")

// LoadFollowerState reads the injector's metadata record. A fresh follower
// (no record yet written) returns the zero value and ok=false.
func (db *DB) LoadFollowerState() (FollowerState, bool, error) {
	var s FollowerState
	var found bool
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketInjector).Get(followerKey)
		if v == nil {
			return nil
		}
		var err error
		s, err = decodeFollowerState(v)
		found = err == nil
		return err
	})
	if err != nil {
		return FollowerState{}, false, fmt.Errorf("metadb: load follower state: %w", err)
	}
	return s, found, nil
}

// StoreFollowerState writes and fsyncs the injector's metadata record.
// bbolt.Update commits and fsyncs in one step (spec §4.7's "write + fsync"
// requirement).
func (db *DB) StoreFollowerState(s FollowerState) error {
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInjector).Put(followerKey, encodeFollowerState(s))
	})
	if err != nil {
		return fmt.Errorf("metadb: store follower state: %w", err)
	}
	return nil
}

func encodeFollowerState(s FollowerState) []byte {
	buf := make([]byte, 8+8+16+16)
	binary.LittleEndian.PutUint64(buf[0:8], s.PreCommitFno)
	binary.LittleEndian.PutUint64(buf[8:16], s.PostCommitFno)
	copy(buf[16:32], s.GenerationID[:])
	copy(buf[32:48], s.DatabaseID[:])
	return buf
}

func decodeFollowerState(b []byte) (FollowerState, error) {
	var s FollowerState
	if len(b) != 48 {
		return s, fmt.Errorf("metadb: corrupt follower state record: got %d bytes, want 48", len(b))
	}
	s.PreCommitFno = binary.LittleEndian.Uint64(b[0:8])
	s.PostCommitFno = binary.LittleEndian.Uint64(b[8:16])
	copy(s.GenerationID[:], b[16:32])
	copy(s.DatabaseID[:], b[32:48])
	return s, nil
}

var chainOldestKey = []byte("oldest_retained_fno")

// StoreOldestRetainedFrameNo persists the chain's oldest still-retained
// frame number, so a restarted checkpointer/cursor can recompute
// NeedSnapshot thresholds without re-scanning segment files.
func (db *DB) StoreOldestRetainedFrameNo(fno uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], fno)
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChain).Put(chainOldestKey, buf[:])
	})
	if err != nil {
		return fmt.Errorf("metadb: store oldest retained frame_no: %w", err)
	}
	return nil
}

// LoadOldestRetainedFrameNo reads back the value stored by
// StoreOldestRetainedFrameNo, 0 if never written.
func (db *DB) LoadOldestRetainedFrameNo() (uint64, error) {
	var fno uint64
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChain).Get(chainOldestKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt oldest retained frame_no record: got %d bytes, want 8", len(v))
		}
		fno = binary.LittleEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("metadb: load oldest retained frame_no: %w", err)
	}
	return fno, nil
}
