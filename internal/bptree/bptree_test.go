package bptree

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/freespace"
	"github.com/cuemby/warrendb/internal/pagecache"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/walog"
)

func newTestTree(t *testing.T) *Tree {
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

	handleUID, err := Create(rs)
	require.NoError(t, err)
	tree, err := Open(handleUID, rs)
	require.NoError(t, err)
	return tree
}

func TestSearchEmptyTree(t *testing.T) {
	tree := newTestTree(t)
	got, err := tree.Search(1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertThenSearchExactKey(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(5, 500))
	require.NoError(t, tree.Insert(7, 700))

	got, err := tree.Search(5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{500}, got)
}

func TestSearchRangeReturnsKeysWithinBounds(t *testing.T) {
	tree := newTestTree(t)
	keys := []int64{10, 3, 7, 1, 9, 5}
	for _, k := range keys {
		require.NoError(t, tree.Insert(k, uint64(k)*100))
	}

	got, err := tree.SearchRange(3, 9)
	require.NoError(t, err)

	var gotKeys []int64
	for _, rowUID := range got {
		gotKeys = append(gotKeys, int64(rowUID)/100)
	}
	sort.Slice(gotKeys, func(i, j int) bool { return gotKeys[i] < gotKeys[j] })
	assert.Equal(t, []int64{3, 5, 7, 9}, gotKeys)
}

func TestInsertManyTriggersSplit(t *testing.T) {
	tree := newTestTree(t)
	const n = 200
	for i := int64(0); i < n; i++ {
		require.NoError(t, tree.Insert(i, uint64(i)))
	}

	got, err := tree.SearchRange(0, n-1)
	require.NoError(t, err)
	assert.Len(t, got, n, "every inserted key must be findable after the tree has split several times")

	for i := int64(0); i < n; i += 37 {
		rows, err := tree.Search(i)
		require.NoError(t, err)
		assert.Equal(t, []uint64{uint64(i)}, rows)
	}
}

func TestSearchMissingKeyReturnsEmpty(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(1, 100))

	got, err := tree.Search(999)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDuplicateKeysBothRetrievable(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(42, 1))
	require.NoError(t, tree.Insert(42, 2))

	got, err := tree.Search(42)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, got)
}
