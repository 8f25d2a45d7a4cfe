package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFollowerStateRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LoadFollowerState()
	require.NoError(t, err)
	require.False(t, ok)

	want := FollowerState{PreCommitFno: 10, PostCommitFno: 10}
	want.GenerationID[0] = 0xAB
	want.DatabaseID[0] = 0xCD
	require.NoError(t, db.StoreFollowerState(want))

	got, ok, err := db.LoadFollowerState()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
	require.False(t, got.Dirty())
}

func TestFollowerStateDirty(t *testing.T) {
	s := FollowerState{PreCommitFno: 11, PostCommitFno: 10}
	require.True(t, s.Dirty())

	clean := FollowerState{PreCommitFno: 10, PostCommitFno: 10}
	require.False(t, clean.Dirty())
}

func TestOldestRetainedFrameNoRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer db.Close()

	fno, err := db.LoadOldestRetainedFrameNo()
	require.NoError(t, err)
	require.Equal(t, uint64(0), fno)

	require.NoError(t, db.StoreOldestRetainedFrameNo(42))
	fno, err = db.LoadOldestRetainedFrameNo()
	require.NoError(t, err)
	require.Equal(t, uint64(42), fno)
}
