// Package config loads warrendb's startup configuration (§6.3): a YAML
// file supplying DataPath, ListenAddr, PageCacheBudget, and LogLevel,
// with flag overrides applied on top by the cobra command layer.
package config

import (
	"os"

	"github.com/docker/go-units"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/pagecache"
	"gopkg.in/yaml.v3"
)

// Config is the full set of values warrendb needs to create or open a
// database and serve it over the wire.
type Config struct {
	DataPath        string `yaml:"data_path"`
	ListenAddr      string `yaml:"listen_addr"`
	PageCacheBudget string `yaml:"page_cache_budget"`
	LogLevel        string `yaml:"log_level"`
}

// Default returns the baseline configuration used when no file is
// supplied.
func Default() Config {
	return Config{
		DataPath:        "./warrendb",
		ListenAddr:      ":7781",
		PageCacheBudget: "64MB",
		LogLevel:        "info",
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// omitted fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, dberr.New(dberr.FileNotExists, "config file %s not found", path)
		}
		return Config{}, dberr.Wrapf(dberr.FileCannotRW, err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, dberr.Wrapf(dberr.InvalidMem, err, "parse config file %s", path)
	}
	return cfg, nil
}

// PageCapacity parses PageCacheBudget into a page-count capacity for
// pagecache.Cache. "0" (or an empty string) means unbounded.
func (c Config) PageCapacity() (int, error) {
	if c.PageCacheBudget == "" || c.PageCacheBudget == "0" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(c.PageCacheBudget)
	if err != nil {
		return 0, dberr.Wrapf(dberr.InvalidMem, err, "parse page cache budget %q", c.PageCacheBudget)
	}
	if bytes <= 0 {
		return 0, nil
	}
	return int(bytes / pagecache.PageSize), nil
}
