// Package recordstore carves variable-length records out of pages
// (§4.6). Records are immutable in size after insert: updates overwrite
// the payload region in place, logged through the WAL before the page is
// touched, so a crash between log-append and page-write can always be
// redone or undone by internal/recovery.
package recordstore

import (
	"strconv"
	"sync"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/freespace"
	"github.com/cuemby/warrendb/internal/pagecache"
	"github.com/cuemby/warrendb/internal/walog"
	"github.com/cuemby/warrendb/pkg/log"
	"golang.org/x/sync/singleflight"
)

// Page layout constants (§3, §4.6).
const (
	fsoWidth     = 2
	validWidth   = 1
	sizeWidth    = 2
	recHeaderLen = validWidth + sizeWidth

	// MaxPayload is the largest user_payload that insert() will accept.
	MaxPayload = pagecache.PageSize - fsoWidth - recHeaderLen

	validLive     byte = 0
	validDeleted  byte = 1

	maxInsertRetries = 8
)

// UID identifies a record: (page_no<<32)|offset.
type UID uint64

// MakeUID builds a uid from a page number and in-page byte offset.
func MakeUID(pageNo uint32, offset uint16) UID {
	return UID(uint64(pageNo)<<32 | uint64(offset))
}

// PageNo extracts the page number component of a uid.
func (u UID) PageNo() uint32 { return uint32(u >> 32) }

// Offset extracts the in-page offset component of a uid.
func (u UID) Offset() uint16 { return uint16(u) }

// Store is the record layer over one PageCache and one WAL.
type Store struct {
	cache *pagecache.Cache
	log   *walog.Log
	free  *freespace.Index

	handleMu sync.Mutex
	handles  map[UID]*Handle
	group    singleflight.Group
}

// New constructs a record store over an already-open page cache, log,
// and free-space index.
func New(cache *pagecache.Cache, wal *walog.Log, free *freespace.Index) *Store {
	return &Store{cache: cache, log: wal, free: free, handles: make(map[UID]*Handle)}
}

func readFSO(buf []byte) int {
	return int(byteutil.Uint16(buf, 0))
}

func writeFSO(buf []byte, fso int) {
	byteutil.PutUint16(buf, 0, uint16(fso))
}

// emptyPageImage returns a freshly initialized page image with FSO=2.
func emptyPageImage() []byte {
	buf := make([]byte, fsoWidth)
	writeFSO(buf, fsoWidth)
	return buf
}

// OpenHandleCount reports how many record handles are currently held
// open by this store, used for coordinator-level diagnostics.
func (s *Store) OpenHandleCount() int {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return len(s.handles)
}

// FreeBytesOf reads a page's FSO and returns PageSize-FSO, used by
// FreeSpaceIndex.Rebuild.
func (s *Store) FreeBytesOf(pageNo uint32) (int, error) {
	pg, err := s.cache.Get(pageNo)
	if err != nil {
		return 0, err
	}
	defer s.cache.Release(pg)
	pg.RLock()
	fso := readFSO(pg.Buf)
	pg.RUnlock()
	return pagecache.PageSize - fso, nil
}

// Insert wraps userPayload as [valid=0][size][payload], places it in a
// page with room via the free-space index, WAL-logs it before mutating
// the page, and returns its uid.
func (s *Store) Insert(xid uint64, userPayload []byte) (UID, error) {
	recLen := recHeaderLen + len(userPayload)
	if len(userPayload) > MaxPayload {
		return 0, dberr.New(dberr.DataTooLarge, "payload %d bytes exceeds max %d", len(userPayload), MaxPayload)
	}

	recBytes := make([]byte, recLen)
	recBytes[0] = validLive
	byteutil.PutUint16(recBytes, validWidth, uint16(len(userPayload)))
	copy(recBytes[recHeaderLen:], userPayload)

	for attempt := 0; attempt < maxInsertRetries; attempt++ {
		pageNo, _, ok := s.free.Select(recLen)
		if !ok {
			newPageNo, err := s.cache.NewPage(emptyPageImage())
			if err != nil {
				return 0, err
			}
			s.free.Add(newPageNo, pagecache.PageSize-fsoWidth)
			continue
		}

		uid, done, curFree, err := s.tryInsertInto(pageNo, xid, recBytes)
		if err != nil {
			return 0, err
		}
		if done {
			return uid, nil
		}
		// Lost a race for room on this page: re-add it with its
		// current free-byte count so it isn't lost from the index.
		s.free.Add(pageNo, curFree)
	}
	return 0, dberr.New(dberr.DatabaseBusy, "no page had room for a %d byte record after retry", recLen)
}

func (s *Store) tryInsertInto(pageNo uint32, xid uint64, recBytes []byte) (uid UID, done bool, curFree int, err error) {
	pg, err := s.cache.Get(pageNo)
	if err != nil {
		return 0, false, 0, err
	}
	defer s.cache.Release(pg)

	pg.Lock()
	defer pg.Unlock()
	fso := readFSO(pg.Buf)
	if fso+len(recBytes) > pagecache.PageSize {
		return 0, false, pagecache.PageSize - fso, nil
	}

	if err := s.log.Append(walog.EncodeInsert(walog.InsertRecord{
		XID:        xid,
		PageNo:     pageNo,
		Offset:     uint16(fso),
		RecordByts: recBytes,
	})); err != nil {
		return 0, false, 0, err
	}

	copy(pg.Buf[fso:fso+len(recBytes)], recBytes)
	newFSO := fso + len(recBytes)
	writeFSO(pg.Buf, newFSO)
	pg.MarkDirty()

	u := MakeUID(pageNo, uint16(fso))
	s.free.Add(pageNo, pagecache.PageSize-newFSO)
	log.WithUID(uint64(u)).Debug().Msg("record inserted")
	return u, true, 0, nil
}

// Record is a borrowed view onto one stored record's payload, backed by
// a pinned page. Callers must Release it.
type Record struct {
	UID     UID
	Valid   bool
	Payload []byte
	pg      *pagecache.Page
}

// Read decodes the record at uid, pinning its page. It returns a
// NullEntry error (§7) if the record is logically deleted.
func (s *Store) Read(uid UID) (*Record, error) {
	pg, err := s.cache.Get(uid.PageNo())
	if err != nil {
		return nil, err
	}
	pg.RLock()
	off := int(uid.Offset())
	if off+recHeaderLen > pagecache.PageSize {
		pg.RUnlock()
		s.cache.Release(pg)
		return nil, dberr.New(dberr.NullEntry, "uid %d out of page bounds", uid)
	}
	validByte := pg.Buf[off]
	size := byteutil.Uint16(pg.Buf, off+validWidth)
	if validByte == validDeleted {
		pg.RUnlock()
		s.cache.Release(pg)
		return nil, dberr.New(dberr.NullEntry, "uid %d is logically deleted", uid)
	}
	payload := pg.Buf[off+recHeaderLen : off+recHeaderLen+int(size)]
	pg.RUnlock()
	return &Record{UID: uid, Valid: true, Payload: payload, pg: pg}, nil
}

// Release returns the record's pinned page.
func (s *Store) Release(r *Record) error {
	return s.cache.Release(r.pg)
}

// Handle is a cached, ref-counted reference to a record used by the
// version store for locked read/update sequences (§4.6 "Record handle
// operations"). Handles are kept in Store.handles, a second cache keyed
// by uid, to avoid re-parsing the page header on every access.
type Handle struct {
	store    *Store
	uid      UID
	pg       *pagecache.Page
	off      int
	snapshot []byte // saved old payload image between before/after write
	refs     int
}

// OpenHandle returns a cached Handle for uid, pinning its underlying
// page. Concurrent OpenHandle calls for the same uid coalesce via
// singleflight.
func (s *Store) OpenHandle(uid UID) (*Handle, error) {
	s.handleMu.Lock()
	if h, ok := s.handles[uid]; ok {
		h.refs++
		s.handleMu.Unlock()
		return h, nil
	}
	s.handleMu.Unlock()

	key := strconv.FormatUint(uint64(uid), 10)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		pg, err := s.cache.Get(uid.PageNo())
		if err != nil {
			return nil, err
		}
		return &Handle{store: s, uid: uid, pg: pg, off: int(uid.Offset()), refs: 0}, nil
	})
	if err != nil {
		return nil, err.(*dberr.Error)
	}
	h := v.(*Handle)

	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if existing, ok := s.handles[uid]; ok {
		existing.refs++
		return existing, nil
	}
	h.refs = 1
	s.handles[uid] = h
	return h, nil
}

// ReleaseHandle decrements a handle's ref-count, releasing the
// underlying page once it reaches zero.
func (s *Store) ReleaseHandle(h *Handle) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	h.refs--
	if h.refs <= 0 {
		delete(s.handles, h.uid)
		return s.cache.Release(h.pg)
	}
	return nil
}

// ReadLock takes the record's shared content latch.
func (h *Handle) ReadLock() { h.pg.RLock() }

// ReadUnlock releases the record's shared content latch.
func (h *Handle) ReadUnlock() { h.pg.RUnlock() }

// WriteLock takes the record's exclusive content latch.
func (h *Handle) WriteLock() { h.pg.Lock() }

// WriteUnlock releases the record's exclusive content latch.
func (h *Handle) WriteUnlock() { h.pg.Unlock() }

func (h *Handle) payloadBounds() (int, int) {
	size := int(byteutil.Uint16(h.pg.Buf, h.off+validWidth))
	start := h.off + recHeaderLen
	return start, start + size
}

// Payload returns the current payload bytes. Caller must hold at least
// a read lock.
func (h *Handle) Payload() []byte {
	start, end := h.payloadBounds()
	return h.pg.Buf[start:end]
}

// Valid reports whether the record's valid byte marks it live. Caller
// must hold at least a read lock.
func (h *Handle) Valid() bool {
	return h.pg.Buf[h.off] == validLive
}

// BeforeWrite snapshots the current payload for later logging or undo.
// Caller must hold the write lock.
func (h *Handle) BeforeWrite() {
	start, end := h.payloadBounds()
	h.snapshot = append([]byte(nil), h.pg.Buf[start:end]...)
}

// AfterWrite appends an UPDATE log frame pairing the snapshot taken by
// BeforeWrite with the payload's current bytes, then marks the page
// dirty. Caller must hold the write lock and have already mutated the
// payload in place.
func (h *Handle) AfterWrite(xid uint64) error {
	start, end := h.payloadBounds()
	newPayload := append([]byte(nil), h.pg.Buf[start:end]...)
	if err := h.store.log.Append(walog.EncodeUpdate(walog.UpdateRecord{
		XID:        xid,
		UID:        uint64(h.uid),
		OldPayload: h.snapshot,
		NewPayload: newPayload,
	})); err != nil {
		return err
	}
	h.pg.MarkDirty()
	h.snapshot = nil
	return nil
}

// UndoWrite restores the snapshot taken by BeforeWrite without logging,
// used when a caller aborts before committing a change it made in place.
// Caller must hold the write lock.
func (h *Handle) UndoWrite() {
	start, _ := h.payloadBounds()
	copy(h.pg.Buf[start:start+len(h.snapshot)], h.snapshot)
	h.pg.MarkDirty()
	h.snapshot = nil
}

// MarkDeletedInPage sets the valid byte of the record at off in buf to
// logically-deleted, used by
// recovery when undoing an uncommitted insert.
func MarkDeletedInPage(buf []byte, off int) {
	buf[off] = validDeleted
}

// PayloadOffset returns the byte offset of the payload region of the
// record at off, used by recovery which overwrites payload bytes
// directly without opening a Handle.
func PayloadOffset(off int) int {
	return off + recHeaderLen
}

// ReadFSO and WriteFSO expose the page free-space-offset header to
// recovery, which mutates pages directly via PageCache.
func ReadFSO(buf []byte) int          { return readFSO(buf) }
func WriteFSO(buf []byte, fso int) { writeFSO(buf, fso) }

// Close flushes the page cache and closes the log.
func (s *Store) Close() error {
	if err := s.cache.Close(); err != nil {
		return err
	}
	return s.log.Close()
}
