// Package txnid implements the transaction id allocator (§4.1): a
// durable file holding an 8-byte counter followed by one status byte per
// id ever handed out. It is the one component every transaction,
// committed or not, is recorded in forever, so recovery can tell a
// committed insert from an abandoned one after a crash.
package txnid

import (
	"os"
	"sync"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/pkg/log"
)

const (
	// StatusActive marks a transaction still in flight or abandoned
	// without a terminal status (recovery treats these as abandoned).
	StatusActive byte = 0
	// StatusCommitted marks a transaction that reached commit.
	StatusCommitted byte = 1
	// StatusAborted marks a transaction that was rolled back.
	StatusAborted byte = 2
)

// SuperXID is the distinguished always-committed id used for maintenance
// writes (B+tree structural updates, boot cell rewrites) that must never
// be rolled back by recovery.
const SuperXID uint64 = 0

const counterWidth = 8

// Store is the durable transaction-id allocator described in §4.1. All
// methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	f    *os.File
	c    uint64 // cached counter value; authoritative copy is on disk
	path string
}

// Create initializes an empty transaction-id file at path with counter 0.
// It fails with FileExists if path already exists.
func Create(path string) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, dberr.New(dberr.FileExists, "txnid file %s already exists", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "create txnid file %s", path)
	}
	buf := make([]byte, counterWidth)
	byteutil.PutUint64(buf, 0, 0)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "init txnid file %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "fsync txnid file %s", path)
	}
	return &Store{f: f, c: 0, path: path}, nil
}

// Open attaches to an existing transaction-id file, verifying its length
// matches the counter it stores. A mismatch is fatal corruption (§7).
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberr.New(dberr.FileNotExists, "txnid file %s not found", path)
		}
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "open txnid file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "stat txnid file %s", path)
	}
	hdr := make([]byte, counterWidth)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.BadXIDFile, err, "read counter of %s", path)
	}
	c := byteutil.Uint64(hdr, 0)
	if info.Size() != int64(counterWidth)+int64(c) {
		f.Close()
		return nil, dberr.New(dberr.BadXIDFile,
			"txnid file %s: length %d does not match counter %d", path, info.Size(), c)
	}
	return &Store{f: f, c: c, path: path}, nil
}

func (s *Store) forceWrite(off int64, b []byte) error {
	if _, err := s.f.WriteAt(b, off); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "write txnid file %s", s.path)
	}
	if err := s.f.Sync(); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "fsync txnid file %s", s.path)
	}
	return nil
}

// Begin allocates the next transaction id, durably marking it ACTIVE
// before the counter advances past it, and returns the new id.
func (s *Store) Begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newID := s.c + 1
	if err := s.forceWrite(int64(counterWidth)+int64(s.c), []byte{StatusActive}); err != nil {
		return 0, err
	}
	buf := make([]byte, counterWidth)
	byteutil.PutUint64(buf, 0, newID)
	if err := s.forceWrite(0, buf); err != nil {
		return 0, err
	}
	s.c = newID
	log.WithComponent("txnid").Debug().Uint64("xid", newID).Msg("transaction begun")
	return newID, nil
}

// NextXID reports the id that the next call to Begin will allocate,
// without allocating it.
func (s *Store) NextXID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c + 1
}

func (s *Store) writeStatus(xid uint64, status byte) error {
	if xid == SuperXID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceWrite(int64(counterWidth)+int64(xid-1), []byte{status})
}

// Commit marks xid COMMITTED.
func (s *Store) Commit(xid uint64) error {
	if err := s.writeStatus(xid, StatusCommitted); err != nil {
		return err
	}
	log.WithComponent("txnid").Debug().Uint64("xid", xid).Msg("transaction committed")
	return nil
}

// Abort marks xid ABORTED.
func (s *Store) Abort(xid uint64) error {
	if err := s.writeStatus(xid, StatusAborted); err != nil {
		return err
	}
	log.WithComponent("txnid").Debug().Uint64("xid", xid).Msg("transaction aborted")
	return nil
}

func (s *Store) status(xid uint64) (byte, error) {
	if xid == SuperXID {
		return StatusCommitted, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if xid > s.c {
		return StatusActive, dberr.New(dberr.NullEntry, "xid %d was never allocated", xid)
	}
	var b [1]byte
	if _, err := s.f.ReadAt(b[:], int64(counterWidth)+int64(xid-1)); err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "read status of xid %d", xid)
	}
	return b[0], nil
}

// IsCommitted reports whether xid's status byte is COMMITTED. Id 0 is
// always committed.
func (s *Store) IsCommitted(xid uint64) bool {
	st, err := s.status(xid)
	return err == nil && st == StatusCommitted
}

// IsAborted reports whether xid's status byte is ABORTED. Id 0 is never
// aborted.
func (s *Store) IsAborted(xid uint64) bool {
	st, err := s.status(xid)
	return err == nil && st == StatusAborted
}

// IsActive reports whether xid's status byte is ACTIVE. Id 0 is never
// active.
func (s *Store) IsActive(xid uint64) bool {
	st, err := s.status(xid)
	return err == nil && st == StatusActive
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
