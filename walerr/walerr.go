// Package walerr defines the sentinel error kinds shared across the engine's
// packages (spec §7), mirroring the teacher's types.ErrXxx sentinels but
// extended to the full error taxonomy this spec requires.
package walerr

import "errors"

var (
	// ErrBusy is returned when the writer slot is contended, or a checkpoint
	// mode could not acquire the exclusivity it needed.
	ErrBusy = errors.New("walerr: busy")

	// ErrMisuse is returned on an illegal state-machine transition.
	ErrMisuse = errors.New("walerr: misuse")

	// ErrBadFrame is returned when a decoded frame fails its length or
	// checksum check.
	ErrBadFrame = errors.New("walerr: bad frame")

	// ErrCorrupt is returned when segment header invariants are violated.
	ErrCorrupt = errors.New("walerr: corrupt segment")

	// ErrNeedSnapshot is returned when a replication cursor (or injector)
	// cannot serve a requested range because older segments were retired.
	ErrNeedSnapshot = errors.New("walerr: need snapshot")

	// ErrWriteConflict is returned when the injector receives a frame whose
	// frame_no does not match the expected next value.
	ErrWriteConflict = errors.New("walerr: write conflict")

	// ErrClosed is returned by an append to a segment that has already been
	// sealed.
	ErrClosed = errors.New("walerr: closed")

	// ErrNotFound is returned when a page or frame lookup misses everywhere
	// in the chain; the caller should fall back to the main database file.
	ErrNotFound = errors.New("walerr: not found")
)
