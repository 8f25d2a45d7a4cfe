package chain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

func payload(b byte) [walfmt.PageSize]byte {
	var p [walfmt.PageSize]byte
	for i := range p {
		p[i] = b
	}
	return p
}

func mustCurrent(t *testing.T, dir, name string, start uint64) *segment.Current {
	t.Helper()
	cur, err := segment.Create(filepath.Join(dir, name), start, 1, nil, nil)
	require.NoError(t, err)
	return cur
}

// TestReadAcrossRotation covers end-to-end scenario 3: rotation must not
// disturb reads taken at a snapshot that predates the seal.
func TestReadAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	cur := mustCurrent(t, dir, "seg-0000000001", 1)
	c := New(cur, nil, nil)

	for i := 0; i < 10; i++ {
		txn := cur.BeginTxn()
		_, err := cur.InsertPages(txn, []segment.PageWrite{{PageNo: 1, Payload: payload(byte(i))}}, uint32(i+1))
		require.NoError(t, err)
	}

	sealed, err := cur.Seal()
	require.NoError(t, err)

	newCur := mustCurrent(t, dir, "seg-0000000011", 11)
	c.Rotate(sealed, newCur)

	var buf [walfmt.PageSize]byte
	ok, err := c.ReadPage(1, 10, buf[:])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload(9), buf)

	ok, err = c.ReadPage(1, 5, buf[:])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload(4), buf)
}

func TestRetirePrefixHonoursReadLock(t *testing.T) {
	dir := t.TempDir()
	cur := mustCurrent(t, dir, "seg-0000000001", 1)
	c := New(cur, nil, nil)

	txn := cur.BeginTxn()
	_, err := cur.InsertPages(txn, []segment.PageWrite{{PageNo: 1, Payload: payload(1)}}, 1)
	require.NoError(t, err)
	sealed, err := cur.Seal()
	require.NoError(t, err)

	newCur := mustCurrent(t, dir, "seg-0000000002", 2)
	c.Rotate(sealed, newCur)

	sealed.AcquireRead()
	removed := c.RetirePrefix(100)
	require.Empty(t, removed)
	require.Len(t, c.SealedSegments(), 1)

	sealed.ReleaseRead()
	removed = c.RetirePrefix(100)
	require.Len(t, removed, 1)
	require.Empty(t, c.SealedSegments())
}

func TestFrameAtSpansSegments(t *testing.T) {
	dir := t.TempDir()
	cur := mustCurrent(t, dir, "seg-0000000001", 1)
	c := New(cur, nil, nil)

	txn := cur.BeginTxn()
	_, err := cur.InsertPages(txn, []segment.PageWrite{{PageNo: 1, Payload: payload(1)}}, 1)
	require.NoError(t, err)
	sealed, err := cur.Seal()
	require.NoError(t, err)

	newCur := mustCurrent(t, dir, "seg-0000000002", 2)
	c.Rotate(sealed, newCur)

	txn2 := newCur.BeginTxn()
	_, err = newCur.InsertPages(txn2, []segment.PageWrite{{PageNo: 2, Payload: payload(2)}}, 2)
	require.NoError(t, err)

	f1, ok, err := c.FrameAt(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), f1.PageNo)

	f2, ok, err := c.FrameAt(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), f2.PageNo)

	require.Equal(t, uint64(2), c.LastCommittedFrameNo())
	require.Equal(t, uint64(1), c.OldestFrameNo())
}
