package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/engine"
	"github.com/cuemby/warrendb/internal/sqlmini"
	"github.com/cuemby/warrendb/internal/version"
)

func newTestCatalog(t *testing.T) (*engine.Coordinator, *Catalog) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mydb")
	coord, err := engine.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	cat, err := Open(coord)
	require.NoError(t, err)
	return coord, cat
}

func usersSchema() []sqlmini.ColumnDef {
	return []sqlmini.ColumnDef{
		{Name: "id", Type: "INT64"},
		{Name: "name", Type: "TEXT"},
		{Name: "age", Type: "INT32"},
	}
}

func TestCreateTableThenTableNames(t *testing.T) {
	_, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))
	assert.Equal(t, []string{"users"}, cat.TableNames())
}

func TestCreateTableDuplicateRejected(t *testing.T) {
	_, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))
	err := cat.CreateTable("users", usersSchema())
	assert.True(t, dberr.Is(err, dberr.DuplicatedTable))
}

func TestInsertThenSelectAll(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)

	_, err = cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	_, err = cat.Insert(xid, "users", []string{"2", "bob", "40"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))

	xidReader, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	rows, err := cat.Select(xidReader, "users", sqlmini.Where{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSelectWithEqWhereOnKeyColumn(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	_, err = cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	_, err = cat.Insert(xid, "users", []string{"2", "bob", "40"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))

	xidReader, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	rows, err := cat.Select(xidReader, "users", sqlmini.Where{Present: true, Column: "id", Eq: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2", "bob", "40"}, rows[0])
}

func TestSelectOnNonKeyColumnIsFieldNotIndexed(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	_, err = cat.Select(xid, "users", sqlmini.Where{Present: true, Column: "name", Eq: 1})
	assert.True(t, dberr.Is(err, dberr.FieldNotIndexed))
}

func TestSelectUnknownTableErrors(t *testing.T) {
	coord, cat := newTestCatalog(t)
	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	_, err = cat.Select(xid, "ghosts", sqlmini.Where{})
	assert.True(t, dberr.Is(err, dberr.TableNotFound))
}

func TestUpdateRewritesNamedColumns(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	uid, err := cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))

	xidUpdater, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, cat.Update(xidUpdater, "users", uid, []string{"age"}, []string{"31"}))
	require.NoError(t, coord.Versions.Commit(xidUpdater))

	xidReader, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	rows, err := cat.Select(xidReader, "users", sqlmini.Where{Present: true, Column: "id", Eq: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "alice", "31"}, rows[0])
}

func TestUpdateUnknownColumnErrors(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	uid, err := cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))

	xidUpdater, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	err = cat.Update(xidUpdater, "users", uid, []string{"nonexistent"}, []string{"x"})
	assert.True(t, dberr.Is(err, dberr.FieldNotFound))
}

func TestDeleteThenSelectOmitsRow(t *testing.T) {
	coord, cat := newTestCatalog(t)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	uid, err := cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))

	xidDeleter, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	ok, err := cat.Delete(xidDeleter, "users", uid)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, coord.Versions.Commit(xidDeleter))

	xidReader, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	rows, err := cat.Select(xidReader, "users", sqlmini.Where{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCatalogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mydb")
	coord, err := engine.Create(path)
	require.NoError(t, err)

	cat, err := Open(coord)
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable("users", usersSchema()))

	xid, err := coord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	_, err = cat.Insert(xid, "users", []string{"1", "alice", "30"})
	require.NoError(t, err)
	require.NoError(t, coord.Versions.Commit(xid))
	require.NoError(t, coord.Close())

	reopenedCoord, err := engine.Open(path)
	require.NoError(t, err)
	defer reopenedCoord.Close()

	reopenedCat, err := Open(reopenedCoord)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, reopenedCat.TableNames())

	xidReader, err := reopenedCoord.Versions.Begin(version.ReadCommitted)
	require.NoError(t, err)
	rows, err := reopenedCat.Select(xidReader, "users", sqlmini.Where{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "alice", "30"}, rows[0])
}
