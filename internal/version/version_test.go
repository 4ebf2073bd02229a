package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/freespace"
	"github.com/cuemby/warrendb/internal/lockmgr"
	"github.com/cuemby/warrendb/internal/pagecache"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/txnid"
	"github.com/cuemby/warrendb/internal/walog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	dataPath := filepath.Join(dir, "data.db")
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	cache := pagecache.Open(dataPath, f, 0)

	wal, err := walog.Create(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	rs := recordstore.New(cache, wal, freespace.New())

	tm, err := txnid.Create(filepath.Join(dir, "test.xid"))
	require.NoError(t, err)
	t.Cleanup(func() { tm.Close() })

	return New(rs, tm, lockmgr.New())
}

func TestInsertAndReadOwnWrite(t *testing.T) {
	s := newTestStore(t)
	xid, err := s.Begin(ReadCommitted)
	require.NoError(t, err)

	uid, err := s.Insert(xid, []byte("row-1"))
	require.NoError(t, err)

	got, err := s.Read(xid, uid)
	require.NoError(t, err)
	assert.Equal(t, "row-1", string(got))
}

func TestUncommittedInsertInvisibleToOtherReadCommittedTxn(t *testing.T) {
	s := newTestStore(t)
	xid1, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	uid, err := s.Insert(xid1, []byte("row-1"))
	require.NoError(t, err)

	xid2, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	_, err = s.Read(xid2, uid)
	assert.True(t, dberr.Is(err, dberr.NullEntry))
}

func TestCommittedInsertVisibleToReadCommitted(t *testing.T) {
	s := newTestStore(t)
	xid1, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	uid, err := s.Insert(xid1, []byte("row-1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(xid1))

	xid2, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	got, err := s.Read(xid2, uid)
	require.NoError(t, err)
	assert.Equal(t, "row-1", string(got))
}

func TestRepeatableReadSnapshotHidesLaterCommits(t *testing.T) {
	s := newTestStore(t)

	xidWriter, err := s.Begin(ReadCommitted)
	require.NoError(t, err)

	xidReader, err := s.Begin(RepeatableRead)
	require.NoError(t, err)

	uid, err := s.Insert(xidWriter, []byte("row-1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(xidWriter))

	// xidWriter was active (in xidReader's snapshot) at xidReader's start,
	// so its insert stays invisible even after it commits.
	_, err = s.Read(xidReader, uid)
	assert.True(t, dberr.Is(err, dberr.NullEntry))
}

func TestDeleteThenReadIsInvisible(t *testing.T) {
	s := newTestStore(t)
	xid, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	uid, err := s.Insert(xid, []byte("row-1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(xid))

	xidDeleter, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	ok, err := s.Delete(xidDeleter, uid)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Commit(xidDeleter))

	xidReader, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	_, err = s.Read(xidReader, uid)
	assert.True(t, dberr.Is(err, dberr.NullEntry))
}

func TestAbortRollsBackInsertVisibility(t *testing.T) {
	s := newTestStore(t)
	xid, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	uid, err := s.Insert(xid, []byte("row-1"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(xid))

	xidReader, err := s.Begin(ReadCommitted)
	require.NoError(t, err)
	_, err = s.Read(xidReader, uid)
	assert.True(t, dberr.Is(err, dberr.NullEntry))
}

func TestReadUnknownTransactionErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(9999, recordstore.MakeUID(1, 2))
	assert.True(t, dberr.Is(err, dberr.NoTransaction))
}

func TestIsolationLevelString(t *testing.T) {
	assert.Equal(t, "read_committed", ReadCommitted.String())
	assert.Equal(t, "repeatable_read", RepeatableRead.String())
}
