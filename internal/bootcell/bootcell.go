// Package bootcell implements the catalog's boot cell (§4.10): an
// 8-byte pointer to the head of the catalog's linked list, replaced
// atomically on every update via write-scratch/fsync/rename so a crash
// mid-update can never leave a torn head pointer.
package bootcell

import (
	"os"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
)

const cellSize = 8

// Cell is the boot cell at path "<p>.bt", backed by a scratch file at
// "<p>.bt_tmp" used only during an atomic update.
type Cell struct {
	path    string
	tmpPath string
}

func paths(basePath string) (string, string) {
	return basePath + ".bt", basePath + ".bt_tmp"
}

// Create writes a fresh boot cell holding head.
func Create(basePath string, head uint64) (*Cell, error) {
	path, tmpPath := paths(basePath)
	if _, err := os.Stat(path); err == nil {
		return nil, dberr.New(dberr.FileExists, "boot cell %s already exists", path)
	}
	c := &Cell{path: path, tmpPath: tmpPath}
	if err := c.writeAtomic(head); err != nil {
		return nil, err
	}
	return c, nil
}

// Open attaches to an existing boot cell, discarding any stale scratch
// file left behind by a crash between write and rename.
func Open(basePath string) (*Cell, error) {
	path, tmpPath := paths(basePath)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, dberr.New(dberr.FileNotExists, "boot cell %s not found", path)
		}
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "stat boot cell %s", path)
	}
	if _, err := os.Stat(tmpPath); err == nil {
		os.Remove(tmpPath)
	}
	return &Cell{path: path, tmpPath: tmpPath}, nil
}

// Read returns the current head value.
func (c *Cell) Read() (uint64, error) {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "read boot cell %s", c.path)
	}
	if len(buf) != cellSize {
		return 0, dberr.New(dberr.FileCannotRW, "boot cell %s has unexpected length %d", c.path, len(buf))
	}
	return byteutil.Uint64(buf, 0), nil
}

// Update atomically replaces the head value: write scratch, fsync, then
// rename over the live cell.
func (c *Cell) Update(head uint64) error {
	return c.writeAtomic(head)
}

func (c *Cell) writeAtomic(head uint64) error {
	buf := make([]byte, cellSize)
	byteutil.PutUint64(buf, 0, head)

	f, err := os.OpenFile(c.tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "create boot cell scratch %s", c.tmpPath)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return dberr.Wrapf(dberr.FileCannotRW, err, "write boot cell scratch %s", c.tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dberr.Wrapf(dberr.FileCannotRW, err, "fsync boot cell scratch %s", c.tmpPath)
	}
	if err := f.Close(); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "close boot cell scratch %s", c.tmpPath)
	}
	if err := os.Rename(c.tmpPath, c.path); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "rename boot cell scratch over %s", c.path)
	}
	return nil
}
