// Package version implements the multi-version record store (§4.7): it
// wraps each RecordStore row with [xmin:8][xmax:8][user...], maintains
// the active-transaction table, and applies the visibility rules from
// §4.7.1 so each transaction sees a consistent view of the data under
// either isolation level.
package version

import (
	"sync"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/lockmgr"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/txnid"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

// IsolationLevel selects the visibility rule a transaction reads under.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
)

func (l IsolationLevel) String() string {
	if l == RepeatableRead {
		return "repeatable_read"
	}
	return "read_committed"
}

const versionHeaderLen = 16 // xmin(8) + xmax(8)

// Transaction tracks one in-flight transaction's isolation level and, for
// REPEATABLE_READ, its start-time snapshot of active ids.
type Transaction struct {
	XID         uint64
	Level       IsolationLevel
	Snapshot    map[uint64]struct{} // nil for READ_COMMITTED
	err         *dberr.Error        // latched error; further ops rethrow it
	autoAborted bool
}

// InSnapshot reports whether xid was active (thus invisible) at this
// transaction's start. Always false for the super xid and for
// READ_COMMITTED transactions, which carry no snapshot.
func (t *Transaction) InSnapshot(xid uint64) bool {
	if xid == txnid.SuperXID || t.Snapshot == nil {
		return false
	}
	_, ok := t.Snapshot[xid]
	return ok
}

// Store layers MVCC semantics over a RecordStore.
type Store struct {
	rs   *recordstore.Store
	tm   *txnid.Store
	lm   *lockmgr.Manager

	mu     sync.Mutex
	active map[uint64]*Transaction
}

// New constructs a version store. The super transaction (id 0, always
// committed) is pre-populated in the active table.
func New(rs *recordstore.Store, tm *txnid.Store, lm *lockmgr.Manager) *Store {
	s := &Store{
		rs:     rs,
		tm:     tm,
		lm:     lm,
		active: make(map[uint64]*Transaction),
	}
	s.active[txnid.SuperXID] = &Transaction{XID: txnid.SuperXID, Level: ReadCommitted}
	return s
}

// Begin allocates a new transaction id and registers it in the active
// table, snapshotting currently-active ids for REPEATABLE_READ.
func (s *Store) Begin(level IsolationLevel) (uint64, error) {
	xid, err := s.tm.Begin()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	t := &Transaction{XID: xid, Level: level}
	if level == RepeatableRead {
		snap := make(map[uint64]struct{}, len(s.active))
		for id := range s.active {
			if id != txnid.SuperXID {
				snap[id] = struct{}{}
			}
		}
		t.Snapshot = snap
	}
	s.active[xid] = t
	s.mu.Unlock()

	metrics.TxnsBegun.WithLabelValues(level.String()).Inc()
	log.WithTxnID(xid).Info().Str("level", level.String()).Msg("transaction begun")
	return xid, nil
}

func (s *Store) txn(xid uint64) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[xid]
	if !ok {
		return nil, dberr.New(dberr.NoTransaction, "xid %d is not active", xid)
	}
	if t.err != nil {
		return nil, t.err
	}
	return t, nil
}

// Insert creates a new version owned by xid.
func (s *Store) Insert(xid uint64, userBytes []byte) (recordstore.UID, error) {
	if _, err := s.txn(xid); err != nil {
		return 0, err
	}
	buf := make([]byte, versionHeaderLen+len(userBytes))
	byteutil.PutUint64(buf, 0, xid)
	byteutil.PutUint64(buf, 8, 0)
	copy(buf[versionHeaderLen:], userBytes)
	return s.rs.Insert(xid, buf)
}

func decodeVersion(buf []byte) (xmin, xmax uint64, user []byte) {
	return byteutil.Uint64(buf, 0), byteutil.Uint64(buf, 8), buf[versionHeaderLen:]
}

// visible implements the §4.7.1 visibility rules.
func visible(tm *txnid.Store, t *Transaction, xmin, xmax uint64) bool {
	if t.Level == RepeatableRead {
		if xmin == t.XID && xmax == 0 {
			return true
		}
		if t.InSnapshot(xmin) {
			return false
		}
		if !tm.IsCommitted(xmin) {
			return false
		}
		if xmax == 0 {
			return true
		}
		if xmax == t.XID {
			return true
		}
		return t.InSnapshot(xmax) || !tm.IsCommitted(xmax)
	}

	// READ_COMMITTED
	if xmin == t.XID && xmax == 0 {
		return true
	}
	if !tm.IsCommitted(xmin) {
		return false
	}
	if xmax == 0 {
		return true
	}
	if xmax == t.XID {
		return true
	}
	return xmax != t.XID && !tm.IsCommitted(xmax)
}

// versionSkip implements the delete-time version-skip test (§4.7.1),
// always false for READ_COMMITTED.
func versionSkip(tm *txnid.Store, t *Transaction, xmax uint64) bool {
	if t.Level != RepeatableRead || xmax == 0 {
		return false
	}
	if !tm.IsCommitted(xmax) {
		return false
	}
	return xmax > t.XID || t.InSnapshot(xmax)
}

// Read returns the user bytes of uid as visible to xid, or NullEntry if
// no visible version exists.
func (s *Store) Read(xid uint64, uid recordstore.UID) ([]byte, error) {
	t, err := s.txn(xid)
	if err != nil {
		return nil, err
	}
	rec, err := s.rs.Read(uid)
	if err != nil {
		return nil, err
	}
	defer s.rs.Release(rec)

	xmin, xmax, user := decodeVersion(rec.Payload)
	if !visible(s.tm, t, xmin, xmax) {
		return nil, dberr.New(dberr.NullEntry, "uid %d not visible to xid %d", uid, xid)
	}
	return append([]byte(nil), user...), nil
}

// Delete logically deletes uid on behalf of xid by setting xmax, after
// acquiring the record's exclusive lock. Returns false if the version
// was already deleted by this same transaction or was not visible in the
// first place; raises ConcurrentUpdate if an invisible concurrent update
// must abort this transaction (REPEATABLE_READ version-skip).
func (s *Store) Delete(xid uint64, uid recordstore.UID) (bool, error) {
	t, err := s.txn(xid)
	if err != nil {
		return false, err
	}

	rec, err := s.rs.Read(uid)
	if err != nil {
		return false, err
	}
	xminPre, xmaxPre, _ := decodeVersion(rec.Payload)
	s.rs.Release(rec)
	if !visible(s.tm, t, xminPre, xmaxPre) {
		return false, nil
	}

	timer := metrics.NewTimer()
	latch, lerr := s.lm.Acquire(xid, uint64(uid))
	if lerr != nil {
		s.internalAbort(xid, true)
		return false, lerr
	}
	if latch != nil {
		latch.Lock()
	}
	timer.ObserveDuration(metrics.LockWaitDuration)

	h, err := s.rs.OpenHandle(uid)
	if err != nil {
		return false, err
	}
	defer s.rs.ReleaseHandle(h)

	h.WriteLock()
	defer h.WriteUnlock()

	_, xmax, _ := decodeVersion(h.Payload())
	if xmax == xid {
		return false, nil
	}
	if versionSkip(s.tm, t, xmax) {
		s.internalAbort(xid, true)
		return false, dberr.New(dberr.ConcurrentUpdate,
			"uid %d was concurrently updated by xid %d", uid, xmax)
	}

	h.BeforeWrite()
	byteutil.PutUint64(h.Payload(), 8, xid)
	if err := h.AfterWrite(xid); err != nil {
		h.UndoWrite()
		return false, err
	}
	log.WithTxnID(xid).Debug().Uint64("uid", uint64(uid)).Msg("version deleted")
	return true, nil
}

// Commit finalizes xid: any latched error is raised first, otherwise the
// transaction is removed from the active table, its locks released, and
// its status durably marked COMMITTED.
func (s *Store) Commit(xid uint64) error {
	s.mu.Lock()
	t, ok := s.active[xid]
	if !ok {
		s.mu.Unlock()
		return dberr.New(dberr.NoTransaction, "xid %d is not active", xid)
	}
	if t.err != nil {
		err := t.err
		s.mu.Unlock()
		return err
	}
	delete(s.active, xid)
	s.mu.Unlock()

	s.lm.ReleaseAll(xid)
	if err := s.tm.Commit(xid); err != nil {
		return err
	}
	metrics.TxnsCommitted.Inc()
	log.WithTxnID(xid).Info().Msg("transaction committed")
	return nil
}

// Abort rolls back xid. It is the public wrapper around internalAbort
// with auto=false.
func (s *Store) Abort(xid uint64) error {
	return s.internalAbort(xid, false)
}

func (s *Store) internalAbort(xid uint64, auto bool) error {
	s.mu.Lock()
	t, ok := s.active[xid]
	if !ok {
		s.mu.Unlock()
		if auto {
			return nil
		}
		return dberr.New(dberr.NoTransaction, "xid %d is not active", xid)
	}
	if t.autoAborted {
		s.mu.Unlock()
		return nil // idempotent: already auto-aborted
	}
	if auto {
		t.autoAborted = true
		t.err = dberr.New(dberr.ConcurrentUpdate, "transaction %d was auto-aborted", xid)
	} else {
		delete(s.active, xid)
	}
	s.mu.Unlock()

	s.lm.ReleaseAll(xid)
	if err := s.tm.Abort(xid); err != nil {
		return err
	}
	cause := "user"
	if auto {
		cause = "auto"
	}
	metrics.TxnsAborted.WithLabelValues(cause).Inc()
	log.WithTxnID(xid).Info().Bool("auto", auto).Msg("transaction aborted")
	return nil
}
