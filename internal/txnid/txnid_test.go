package txnid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/dberr"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.xid")
}

func TestCreateRejectsExisting(t *testing.T) {
	path := tempPath(t)
	s, err := Create(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = Create(path)
	assert.True(t, dberr.Is(err, dberr.FileExists))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.xid"))
	assert.True(t, dberr.Is(err, dberr.FileNotExists))
}

func TestBeginAllocatesSequentialActiveIDs(t *testing.T) {
	s, err := Create(tempPath(t))
	require.NoError(t, err)
	defer s.Close()

	xid1, err := s.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), xid1)
	assert.True(t, s.IsActive(xid1))

	xid2, err := s.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), xid2)
	assert.True(t, s.IsActive(xid2))
}

func TestCommitAndAbortTransitions(t *testing.T) {
	s, err := Create(tempPath(t))
	require.NoError(t, err)
	defer s.Close()

	xid1, _ := s.Begin()
	require.NoError(t, s.Commit(xid1))
	assert.True(t, s.IsCommitted(xid1))
	assert.False(t, s.IsActive(xid1))
	assert.False(t, s.IsAborted(xid1))

	xid2, _ := s.Begin()
	require.NoError(t, s.Abort(xid2))
	assert.True(t, s.IsAborted(xid2))
	assert.False(t, s.IsCommitted(xid2))
}

func TestSuperXIDAlwaysCommitted(t *testing.T) {
	s, err := Create(tempPath(t))
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.IsCommitted(SuperXID))
	assert.False(t, s.IsAborted(SuperXID))
	assert.False(t, s.IsActive(SuperXID))

	// writeStatus on SuperXID must be a no-op, not an out-of-range write.
	assert.NoError(t, s.Commit(SuperXID))
	assert.NoError(t, s.Abort(SuperXID))
}

func TestStateSurvivesReopen(t *testing.T) {
	path := tempPath(t)
	s, err := Create(path)
	require.NoError(t, err)

	xid, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Commit(xid))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.IsCommitted(xid))

	nextXID, err := reopened.Begin()
	require.NoError(t, err)
	assert.Equal(t, xid+1, nextXID)
}

func TestStatusOfNeverAllocatedID(t *testing.T) {
	s, err := Create(tempPath(t))
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.IsCommitted(999))
	assert.False(t, s.IsAborted(999))
	assert.False(t, s.IsActive(999))
}
