package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/pagecache"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "./warrendb", cfg.DataPath)
	assert.Equal(t, ":7781", cfg.ListenAddr)
	assert.Equal(t, "64MB", cfg.PageCacheBudget)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, dberr.Is(err, dberr.FileNotExists))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warrendb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	// unset fields keep the Default() baseline
	assert.Equal(t, "./warrendb", cfg.DataPath)
	assert.Equal(t, "64MB", cfg.PageCacheBudget)
}

func TestPageCapacityZeroMeansUnbounded(t *testing.T) {
	cfg := Default()
	cfg.PageCacheBudget = "0"
	cap, err := cfg.PageCapacity()
	require.NoError(t, err)
	assert.Equal(t, 0, cap)

	cfg.PageCacheBudget = ""
	cap, err = cfg.PageCapacity()
	require.NoError(t, err)
	assert.Equal(t, 0, cap)
}

func TestPageCapacityParsesHumanSize(t *testing.T) {
	cfg := Default()
	cfg.PageCacheBudget = "64MB"
	cap, err := cfg.PageCapacity()
	require.NoError(t, err)
	assert.Equal(t, 64*1024*1024/pagecache.PageSize, cap)
}

func TestPageCapacityRejectsGarbage(t *testing.T) {
	cfg := Default()
	cfg.PageCacheBudget = "not-a-size"
	_, err := cfg.PageCapacity()
	assert.True(t, dberr.Is(err, dberr.InvalidMem))
}
