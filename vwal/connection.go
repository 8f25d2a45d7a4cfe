package vwal

import (
	"fmt"

	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/walerr"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

type txnState int

const (
	stateInit txnState = iota
	stateReadTxn
	stateWriteTxn
)

// Connection is one embedding SQL engine connection's callback handle (spec
// §4.5's per-connection state machine). Not safe for concurrent use by
// multiple goroutines, matching the embedding engine's own single-threaded
// connection contract.
type Connection struct {
	db *Database

	state txnState

	// read txn state
	snapshotFno     uint64
	dbSize          uint32
	lastObservedFno uint64
	// readSeg is the exact current-segment object the read lock was
	// acquired against; released against that same object, since a
	// rotation between begin and end would otherwise make
	// db.chain.Current() return a different segment than the one locked.
	readSeg *segment.Current

	// write txn state
	txn       *segment.Txn
	savedTxn  segment.TxnSnapshot
	hasSaved  bool

	closed bool
}

// Close releases the connection handle (spec §4.5 "close"). It does not
// seal the chain's current segment.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	switch c.state {
	case stateReadTxn:
		c.readSeg.ReleaseRead()
		c.readSeg = nil
	case stateWriteTxn:
		c.db.chain.Current().Undo(c.txn, nil)
		c.db.releaseWriter()
	}
	c.state = stateInit
	return nil
}

// BeginReadTxn acquires a snapshot and reports whether it differs from the
// last snapshot this connection observed (spec §4.5 "begin_read_txn").
func (c *Connection) BeginReadTxn() (changed bool, err error) {
	if c.state != stateInit {
		return false, fmt.Errorf("vwal: %w: begin_read_txn from state %d", walerr.ErrMisuse, c.state)
	}
	cur := c.db.chain.Current()
	cur.AcquireRead()
	fno, size := cur.BeginReadInfo()
	if fno == 0 {
		fno = c.db.chain.LastCommittedFrameNo()
	}
	changed = fno != c.lastObservedFno
	c.snapshotFno = fno
	c.dbSize = size
	c.lastObservedFno = fno
	c.readSeg = cur
	c.state = stateReadTxn
	c.db.m.readTxnsTotal.Inc()
	return changed, nil
}

// EndReadTxn releases the read snapshot (spec §4.5 "end_read_txn").
func (c *Connection) EndReadTxn() error {
	if c.state != stateReadTxn {
		return fmt.Errorf("vwal: %w: end_read_txn from state %d", walerr.ErrMisuse, c.state)
	}
	c.readSeg.ReleaseRead()
	c.readSeg = nil
	c.state = stateInit
	return nil
}

// FindFrame reports whether pgno is present in the log at this connection's
// snapshot (spec §4.5 "find_frame").
func (c *Connection) FindFrame(pgno uint32) (marker uint32, ok bool, err error) {
	if c.state != stateReadTxn {
		return 0, false, fmt.Errorf("vwal: %w: find_frame outside a read txn", walerr.ErrMisuse)
	}
	var buf [walfmt.PageSize]byte
	found, err := c.db.chain.ReadPage(pgno, c.snapshotFno, buf[:])
	if err != nil || !found {
		return 0, false, err
	}
	return uint32(pgno), true, nil
}

// ReadFrame reads the page identified by marker into buf (spec §4.5
// "read_frame"). buf must be walfmt.PageSize bytes.
func (c *Connection) ReadFrame(marker uint32, buf []byte) error {
	if c.state != stateReadTxn {
		return fmt.Errorf("vwal: %w: read_frame outside a read txn", walerr.ErrMisuse)
	}
	found, err := c.db.chain.ReadPage(marker, c.snapshotFno, buf)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("vwal: %w: page %d not present at snapshot %d", walerr.ErrNotFound, marker, c.snapshotFno)
	}
	return nil
}

// DBSize returns the database size in pages at this connection's snapshot
// (spec §4.5 "db_size").
func (c *Connection) DBSize() uint32 { return c.dbSize }

// BeginWriteTxn takes the database's single writer slot (spec §4.5
// "begin_write_txn").
func (c *Connection) BeginWriteTxn() error {
	if c.state != stateInit {
		return fmt.Errorf("vwal: %w: begin_write_txn from state %d", walerr.ErrMisuse, c.state)
	}
	if err := c.db.acquireWriter(); err != nil {
		return err
	}
	c.txn = c.db.chain.Current().BeginTxn()
	c.state = stateWriteTxn
	c.db.m.writeTxnsTotal.Inc()
	return nil
}

// EndWriteTxn releases the writer slot, discarding any uncommitted delta
// (spec §4.5 "end_write_txn").
func (c *Connection) EndWriteTxn() error {
	if c.state != stateWriteTxn {
		return fmt.Errorf("vwal: %w: end_write_txn from state %d", walerr.ErrMisuse, c.state)
	}
	c.db.chain.Current().Undo(c.txn, nil)
	c.txn = nil
	c.db.releaseWriter()
	c.state = stateInit
	return nil
}

// InsertPages implements spec §4.5 "insert_frames": applies pages to the
// current segment and, on commit, rotates if the segment has grown past the
// configured threshold.
func (c *Connection) InsertPages(pages []segment.PageWrite, sizeAfter uint32, isCommit bool) (nCommitted int, err error) {
	if c.state != stateWriteTxn {
		return 0, fmt.Errorf("vwal: %w: insert_frames outside a write txn", walerr.ErrMisuse)
	}
	effectiveSize := uint32(0)
	if isCommit {
		effectiveSize = sizeAfter
	}
	n, err := c.db.chain.Current().InsertPages(c.txn, pages, effectiveSize)
	if err != nil {
		return n, err
	}
	c.db.m.framesInserted.Add(float64(n))
	if !isCommit {
		return n, nil
	}
	if err := c.db.maybeRotate(); err != nil {
		return n, err
	}
	c.db.maybeAutoCheckpoint()
	return n, nil
}

// Undo aborts the in-flight write transaction, invoking handler for every
// staged page (spec §4.5 "undo").
func (c *Connection) Undo(handler func(pgno uint32)) error {
	if c.state != stateWriteTxn {
		return fmt.Errorf("vwal: %w: undo outside a write txn", walerr.ErrMisuse)
	}
	c.db.chain.Current().Undo(c.txn, handler)
	return nil
}

// Savepoint captures the write transaction's current state (spec §4.5
// "savepoint").
func (c *Connection) Savepoint() error {
	if c.state != stateWriteTxn {
		return fmt.Errorf("vwal: %w: savepoint outside a write txn", walerr.ErrMisuse)
	}
	c.savedTxn = c.txn.Snapshot()
	c.hasSaved = true
	return nil
}

// SavepointUndo restores the write transaction to its last savepoint (spec
// §4.5 "savepoint_undo").
func (c *Connection) SavepointUndo() error {
	if c.state != stateWriteTxn {
		return fmt.Errorf("vwal: %w: savepoint_undo outside a write txn", walerr.ErrMisuse)
	}
	if !c.hasSaved {
		return fmt.Errorf("vwal: %w: savepoint_undo with no savepoint taken", walerr.ErrMisuse)
	}
	c.txn.Restore(c.savedTxn)
	return nil
}
