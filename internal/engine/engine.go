// Package engine implements the Coordinator facade (§4.11): it owns the
// full lifecycle of one database file — the transaction id allocator,
// page cache, WAL, recovery driver, free-space index, and the version
// store and B+tree factory built on top of them — and is the single
// entry point every outer layer (SQL, wire, CLI) goes through.
package engine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/warrendb/internal/bootcell"
	"github.com/cuemby/warrendb/internal/bptree"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/freespace"
	"github.com/cuemby/warrendb/internal/lockmgr"
	"github.com/cuemby/warrendb/internal/pagecache"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/recovery"
	"github.com/cuemby/warrendb/internal/txnid"
	"github.com/cuemby/warrendb/internal/version"
	"github.com/cuemby/warrendb/internal/walog"
	"github.com/cuemby/warrendb/pkg/log"
)

// File suffixes for the four files that make up one database (§6.1).
const (
	dataSuffix  = ".db"
	logSuffix   = ".log"
	xidSuffix   = ".xid"
	cellSuffix  = "" // bootcell appends its own .bt/.bt_tmp
)

// DefaultFatalHandler logs the fatal error and terminates the process.
// Production Coordinators use this unless a caller supplies its own.
func DefaultFatalHandler(err *dberr.Error) {
	log.WithComponent("engine").Error().Err(err).Msg("fatal storage error, terminating")
	os.Exit(1)
}

// Stats is a point-in-time snapshot of coordinator-level counters,
// returned to callers implementing a SHOW STATUS style statement.
type Stats struct {
	PageCount   uint32
	NextXID     uint64
	OpenHandles int
}

// Coordinator owns one database's on-disk files and the full component
// stack layered over them.
type Coordinator struct {
	path string

	mu       sync.Mutex
	fatal    dberr.FatalHandler
	dataFile *os.File

	TxnID   *txnid.Store
	Cache   *pagecache.Cache
	Log     *walog.Log
	Free    *freespace.Index
	Records *recordstore.Store
	Locks   *lockmgr.Manager
	Versions *version.Store
	Cell    *bootcell.Cell
}

// Option configures a Coordinator at Create/Open time.
type Option func(*options)

type options struct {
	pageCap int
	fatal   dberr.FatalHandler
}

// WithPageCapacity bounds the page cache to n pages; 0 means unbounded.
func WithPageCapacity(n int) Option {
	return func(o *options) { o.pageCap = n }
}

// WithFatalHandler overrides the default log-and-exit fatal handler,
// used by tests to observe fatal conditions without killing the process.
func WithFatalHandler(h dberr.FatalHandler) Option {
	return func(o *options) { o.fatal = h }
}

func resolveOptions(opts []Option) options {
	o := options{fatal: DefaultFatalHandler}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

func filePaths(path string) (data, logp, xidp, cellBase string) {
	return path + dataSuffix, path + logSuffix, path + xidSuffix, path + cellSuffix
}

// Create initializes a brand-new database at path (all four files must
// not already exist) and returns an opened Coordinator.
func Create(path string, opts ...Option) (*Coordinator, error) {
	o := resolveOptions(opts)
	dataPath, logPath, xidPath, cellBase := filePaths(path)

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "create data directory for %s", path)
	}

	xidStore, err := txnid.Create(xidPath)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		xidStore.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "create data file %s", dataPath)
	}
	firstPage := make([]byte, pagecache.PageSize)
	if _, err := f.Write(firstPage); err != nil {
		f.Close()
		xidStore.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "init data file %s", dataPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		xidStore.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "fsync data file %s", dataPath)
	}

	wal, err := walog.Create(logPath)
	if err != nil {
		f.Close()
		xidStore.Close()
		return nil, err
	}

	c := &Coordinator{path: path, fatal: o.fatal, dataFile: f, TxnID: xidStore}
	c.Cache = pagecache.Open(dataPath, f, o.pageCap)
	c.Log = wal
	c.Free = freespace.New()
	c.Records = recordstore.New(c.Cache, c.Log, c.Free)
	c.Locks = lockmgr.New()
	c.Versions = version.New(c.Records, c.TxnID, c.Locks)

	pg1, err := c.Cache.Get(1)
	if err != nil {
		return nil, err
	}
	if err := pagecache.WriteWitnessOpen(pg1); err != nil {
		c.Cache.Release(pg1)
		return nil, err
	}
	c.Cache.Release(pg1)

	cell, err := bootcell.Create(cellBase, 0)
	if err != nil {
		return nil, err
	}
	c.Cell = cell

	log.WithComponent("engine").Info().Str("path", path).Msg("database created")
	return c, nil
}

// Open attaches to an existing database at path, running recovery if
// the start witness shows the previous session did not shut down
// cleanly.
func Open(path string, opts ...Option) (*Coordinator, error) {
	o := resolveOptions(opts)
	dataPath, logPath, xidPath, cellBase := filePaths(path)

	xidStore, err := txnid.Open(xidPath)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		xidStore.Close()
		if os.IsNotExist(err) {
			return nil, dberr.New(dberr.FileNotExists, "data file %s not found", dataPath)
		}
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "open data file %s", dataPath)
	}
	wal, err := walog.Open(logPath)
	if err != nil {
		f.Close()
		xidStore.Close()
		return nil, err
	}
	cell, err := bootcell.Open(cellBase)
	if err != nil {
		f.Close()
		xidStore.Close()
		wal.Close()
		return nil, err
	}

	c := &Coordinator{path: path, fatal: o.fatal, dataFile: f, TxnID: xidStore}
	c.Cache = pagecache.Open(dataPath, f, o.pageCap)
	c.Log = wal
	c.Cell = cell

	pg1, err := c.Cache.Get(1)
	if err != nil {
		return nil, err
	}
	if pagecache.WitnessDirty(pg1) {
		c.Cache.Release(pg1)
		if err := recovery.Run(c.Cache, c.Log, c.TxnID); err != nil {
			return nil, err
		}
		pg1, err = c.Cache.Get(1)
		if err != nil {
			return nil, err
		}
	}

	c.Free = freespace.New()
	pageCount, err := c.Cache.PageCount()
	if err != nil {
		c.Cache.Release(pg1)
		return nil, err
	}
	c.Records = recordstore.New(c.Cache, c.Log, c.Free)
	if err := c.Free.Rebuild(pageCount, c.Records.FreeBytesOf); err != nil {
		c.Cache.Release(pg1)
		return nil, err
	}

	if err := pagecache.WriteWitnessOpen(pg1); err != nil {
		c.Cache.Release(pg1)
		return nil, err
	}
	c.Cache.Release(pg1)

	c.Locks = lockmgr.New()
	c.Versions = version.New(c.Records, c.TxnID, c.Locks)

	log.WithComponent("engine").Info().Str("path", path).Msg("database opened")
	return c, nil
}

// NewIndex creates a fresh B+tree index over this Coordinator's record
// store, returning its durable handle uid.
func (c *Coordinator) NewIndex() (recordstore.UID, error) {
	return bptree.Create(c.Records)
}

// OpenIndex attaches a B+tree to an existing handle uid.
func (c *Coordinator) OpenIndex(handleUID recordstore.UID) (*bptree.Tree, error) {
	return bptree.Open(handleUID, c.Records)
}

// Fatal routes an unrecoverable error to the configured FatalHandler.
func (c *Coordinator) Fatal(err *dberr.Error) {
	c.fatal(err)
}

// Stats returns a snapshot of coordinator-level counters.
func (c *Coordinator) Stats() (Stats, error) {
	pageCount, err := c.Cache.PageCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		PageCount:   pageCount,
		NextXID:     c.TxnID.NextXID(),
		OpenHandles: c.Records.OpenHandleCount(),
	}, nil
}

// Close flushes the page cache, marks the start witness clean, and
// closes the log and transaction-id files in turn.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pg1, err := c.Cache.Get(1)
	if err != nil {
		return err
	}
	pagecache.WriteWitnessClean(pg1)
	if err := c.Cache.Release(pg1); err != nil {
		return err
	}
	if err := c.Records.Close(); err != nil {
		return err
	}
	if err := c.TxnID.Close(); err != nil {
		return err
	}
	log.WithComponent("engine").Info().Str("path", c.path).Msg("database closed")
	return nil
}
