// Package lockmgr implements the per-record exclusive lock manager with
// cycle-detection deadlock avoidance (§4.8). It tracks an explicit
// waits-for graph in memory; no timed waits are needed because every
// cycle is broken at acquire time by the thread that discovers it.
package lockmgr

import (
	"sync"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

// Manager holds the waits-for graph state described in §4.8. All fields
// are protected by mu.
type Manager struct {
	mu sync.Mutex

	held       map[uint64]map[uint64]struct{} // xid -> set of held uids
	owner      map[uint64]uint64              // uid -> owning xid
	waiters    map[uint64][]uint64            // uid -> FIFO of waiting xids
	waitingFor map[uint64]uint64              // xid -> uid it wants
	park       map[uint64]*sync.Mutex         // xid -> latch, locked, for caller to block on
}

// New returns an empty lock manager.
func New() *Manager {
	return &Manager{
		held:       make(map[uint64]map[uint64]struct{}),
		owner:      make(map[uint64]uint64),
		waiters:    make(map[uint64][]uint64),
		waitingFor: make(map[uint64]uint64),
		park:       make(map[uint64]*sync.Mutex),
	}
}

// Acquire attempts to take the exclusive lock on uid for xid. If the
// record is free or already owned by xid, it returns (nil, nil)
// immediately. If another transaction owns it, Acquire either detects a
// deadlock (returning a Deadlock error) or returns a locked latch the
// caller must then Lock() to block until it becomes the owner.
func (m *Manager) Acquire(xid, uid uint64) (*sync.Mutex, error) {
	m.mu.Lock()

	if set, ok := m.held[xid]; ok {
		if _, has := set[uid]; has {
			m.mu.Unlock()
			return nil, nil
		}
	}

	if _, taken := m.owner[uid]; !taken {
		m.owner[uid] = xid
		if m.held[xid] == nil {
			m.held[xid] = make(map[uint64]struct{})
		}
		m.held[xid][uid] = struct{}{}
		m.mu.Unlock()
		log.WithTxnID(xid).Debug().Uint64("uid", uid).Msg("lock acquired, no contention")
		return nil, nil
	}

	m.waitingFor[xid] = uid
	m.waiters[uid] = append(m.waiters[uid], xid)

	if m.hasCycleLocked(xid) {
		m.undoWaitLocked(xid, uid)
		m.mu.Unlock()
		metrics.DeadlocksDetected.Inc()
		log.WithTxnID(xid).Warn().Uint64("uid", uid).Msg("deadlock detected on lock acquire")
		return nil, dberr.New(dberr.Deadlock, "xid %d would deadlock waiting for uid %d", xid, uid)
	}

	latch := &sync.Mutex{}
	latch.Lock()
	m.park[xid] = latch
	m.mu.Unlock()
	return latch, nil
}

func (m *Manager) undoWaitLocked(xid, uid uint64) {
	delete(m.waitingFor, xid)
	q := m.waiters[uid]
	for i, w := range q {
		if w == xid {
			m.waiters[uid] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(m.waiters[uid]) == 0 {
		delete(m.waiters, uid)
	}
}

// hasCycleLocked runs iterated DFS over edges xid -> owner[waiting_for[xid]]
// starting from the given xid, looking for a back-edge into the current
// walk. Caller holds m.mu.
func (m *Manager) hasCycleLocked(start uint64) bool {
	visiting := map[uint64]bool{start: true}
	cur := start
	for {
		uid, waiting := m.waitingFor[cur]
		if !waiting {
			return false
		}
		owner, held := m.owner[uid]
		if !held {
			return false
		}
		if owner == start {
			return true
		}
		if visiting[owner] {
			return false
		}
		visiting[owner] = true
		cur = owner
	}
}

// ReleaseAll releases every lock xid holds, transferring ownership of
// each to the next waiter in its FIFO queue, and clears xid's
// bookkeeping.
func (m *Manager) ReleaseAll(xid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uid := range m.held[xid] {
		m.selectSuccessorLocked(uid)
	}
	delete(m.held, xid)
	delete(m.waitingFor, xid)
	delete(m.park, xid)
}

func (m *Manager) selectSuccessorLocked(uid uint64) {
	delete(m.owner, uid)
	q := m.waiters[uid]
	for len(q) > 0 {
		xid := q[0]
		q = q[1:]
		latch, parked := m.park[xid]
		if !parked {
			continue // stale entry
		}
		m.owner[uid] = xid
		if m.held[xid] == nil {
			m.held[xid] = make(map[uint64]struct{})
		}
		m.held[xid][uid] = struct{}{}
		delete(m.park, xid)
		delete(m.waitingFor, xid)
		latch.Unlock()
		break
	}
	if len(q) == 0 {
		delete(m.waiters, uid)
	} else {
		m.waiters[uid] = q
	}
}
