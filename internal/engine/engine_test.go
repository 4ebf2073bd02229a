package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/version"
)

func TestCreateThenOpenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")

	c, err := Create(path)
	require.NoError(t, err)

	xid, err := c.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	uid, err := c.Versions.Insert(xid, []byte("row"))
	require.NoError(t, err)
	require.NoError(t, c.Versions.Commit(xid))
	require.NoError(t, c.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	xid2, err := reopened.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	got, err := reopened.Versions.Read(xid2, uid)
	require.NoError(t, err)
	assert.Equal(t, "row", string(got))
}

func TestCreateRejectsExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	c, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Create(path)
	assert.Error(t, err)
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, dberr.Is(err, dberr.FileNotExists))
}

func TestIndexCreateAndOpenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	c, err := Create(path)
	require.NoError(t, err)
	defer c.Close()

	handleUID, err := c.NewIndex()
	require.NoError(t, err)

	idx, err := c.OpenIndex(handleUID)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(42, 4200))

	rows, err := idx.Search(42)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4200}, rows)
}

func TestStatsReportsPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	c, err := Create(path)
	require.NoError(t, err)
	defer c.Close()

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.PageCount, "a freshly created database has only the witness page")
	assert.Equal(t, uint64(1), stats.NextXID, "no transaction has begun yet, so the next id is 1")
	assert.Equal(t, 0, stats.OpenHandles, "no handle is held open at rest")
}

func TestStatsReflectsBegunTxnAndOpenHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	c, err := Create(path)
	require.NoError(t, err)
	defer c.Close()

	xid, err := c.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	uid, err := c.Versions.Insert(xid, []byte("row"))
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, xid+1, stats.NextXID, "NextXID reports the id that would be allocated next")

	// hold a handle open without releasing it, to observe OpenHandles
	// reflect a live reference rather than staying permanently zero.
	handle, err := c.Records.OpenHandle(uid)
	require.NoError(t, err)
	stats, err = c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OpenHandles)
	require.NoError(t, c.Records.ReleaseHandle(handle))

	stats, err = c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.OpenHandles, "releasing the handle drops it back out of the open set")
}

func TestOpenRunsRecoveryAfterUncleanShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	c, err := Create(path)
	require.NoError(t, err)

	xid, err := c.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	_, err = c.Versions.Insert(xid, []byte("uncommitted"))
	require.NoError(t, err)
	// simulate a crash: neither commit nor close, so the witness stays
	// dirty and the xid stays active on disk.

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.TxnID.IsAborted(xid), "Open must run recovery and abort the orphaned transaction")
}
