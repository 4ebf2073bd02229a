// Package bptree implements the long->long B+tree index (§4.9): every
// node is itself a RecordStore row, addressed by its own uid, linked at
// each level by a right-sibling chain so inserters whose key lands past
// a node's last entry can retry at the sibling instead of blocking on a
// structural lock.
package bptree

import (
	"math"
	"sort"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/txnid"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

// BAL is the per-node half-capacity; nodes split once they reach 2*BAL
// entries and the two halves each end up with BAL entries.
const BAL = 32

const (
	nodeHeaderLen = 1 + 2 + 8 // is_leaf + key_count + right_sibling_uid
	entryWidth    = 16        // child_uid(8) + key(8)
	// maxEntries is the entry-slot count of an encoded node. A node is
	// split as soon as an insert brings it to 2*BAL entries, so an encoded
	// node never holds more than 2*BAL-1 of these slots.
	maxEntries     = 2*BAL + 2
	nodePayloadLen = nodeHeaderLen + maxEntries*entryWidth

	offIsLeaf  = 0
	offKeyCnt  = 1
	offSibling = 3
	offEntries = nodeHeaderLen
)

// MaxKey is the sentinel used as the last key of a stable internal node,
// acting as a +infinity separator.
const MaxKey = int64(math.MaxInt64)

type entry struct {
	childUID uint64
	key      int64
}

type node struct {
	isLeaf  bool
	sibling uint64
	entries []entry
}

func decodeNode(buf []byte) node {
	n := node{isLeaf: buf[offIsLeaf] != 0, sibling: byteutil.Uint64(buf, offSibling)}
	cnt := int(byteutil.Uint16(buf, offKeyCnt))
	n.entries = make([]entry, cnt)
	for i := 0; i < cnt; i++ {
		off := offEntries + i*entryWidth
		n.entries[i] = entry{
			childUID: byteutil.Uint64(buf, off),
			key:      int64(byteutil.Uint64(buf, off+8)),
		}
	}
	return n
}

func encodeNode(n node) []byte {
	buf := make([]byte, nodePayloadLen)
	if n.isLeaf {
		buf[offIsLeaf] = 1
	}
	byteutil.PutUint16(buf, offKeyCnt, uint16(len(n.entries)))
	byteutil.PutUint64(buf, offSibling, n.sibling)
	for i, e := range n.entries {
		off := offEntries + i*entryWidth
		byteutil.PutUint64(buf, off, e.childUID)
		byteutil.PutUint64(buf, off+8, uint64(e.key))
	}
	return buf
}

func insertEntryAt(entries []entry, idx int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// Tree is a B+tree index over an already-open RecordStore.
type Tree struct {
	rs        *recordstore.Store
	handleUID recordstore.UID
}

// Create builds an empty root leaf and a handle record pointing at it,
// returning the handle's uid — the index's durable, stable reference.
func Create(rs *recordstore.Store) (recordstore.UID, error) {
	rootBuf := encodeNode(node{isLeaf: true})
	rootUID, err := rs.Insert(txnid.SuperXID, rootBuf)
	if err != nil {
		return 0, err
	}
	handleBuf := make([]byte, 8)
	byteutil.PutUint64(handleBuf, 0, uint64(rootUID))
	handleUID, err := rs.Insert(txnid.SuperXID, handleBuf)
	if err != nil {
		return 0, err
	}
	return handleUID, nil
}

// Open attaches a Tree to an existing handle record.
func Open(handleUID recordstore.UID, rs *recordstore.Store) (*Tree, error) {
	return &Tree{rs: rs, handleUID: handleUID}, nil
}

func (t *Tree) rootUID() (recordstore.UID, error) {
	h, err := t.rs.OpenHandle(t.handleUID)
	if err != nil {
		return 0, err
	}
	defer t.rs.ReleaseHandle(h)
	h.ReadLock()
	defer h.ReadUnlock()
	return recordstore.UID(byteutil.Uint64(h.Payload(), 0)), nil
}

func (t *Tree) readNode(uid recordstore.UID) (node, error) {
	rec, err := t.rs.Read(uid)
	if err != nil {
		return node{}, err
	}
	defer t.rs.Release(rec)
	return decodeNode(rec.Payload), nil
}

// descendTo walks from uid down to the leaf that would contain key,
// following the "first separator strictly greater than key" rule,
// falling back to the right sibling when every local separator is <= key.
func (t *Tree) descendTo(start recordstore.UID, key int64) (recordstore.UID, error) {
	cur := start
	for {
		n, err := t.readNode(cur)
		if err != nil {
			return 0, err
		}
		if n.isLeaf {
			return cur, nil
		}
		idx := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].key > key })
		if idx < len(n.entries) {
			cur = recordstore.UID(n.entries[idx].childUID)
			continue
		}
		if n.sibling != 0 {
			cur = recordstore.UID(n.sibling)
			continue
		}
		return 0, dberr.New(dberr.NullEntry, "b+tree descent found no child for key %d", key)
	}
}

// SearchRange returns every row uid whose key k satisfies low <= k <= high.
func (t *Tree) SearchRange(low, high int64) ([]uint64, error) {
	root, err := t.rootUID()
	if err != nil {
		return nil, err
	}
	leaf, err := t.descendTo(root, low)
	if err != nil {
		return nil, err
	}

	var out []uint64
	for leaf != 0 {
		n, err := t.readNode(leaf)
		if err != nil {
			return nil, err
		}
		done := false
		for _, e := range n.entries {
			if e.key < low {
				continue
			}
			if e.key > high {
				done = true
				break
			}
			out = append(out, e.childUID)
		}
		if done || n.sibling == 0 {
			break
		}
		leaf = recordstore.UID(n.sibling)
	}
	return out, nil
}

// Search returns every row uid stored under exactly key.
func (t *Tree) Search(key int64) ([]uint64, error) {
	return t.SearchRange(key, key)
}

// splitResult carries a completed split back up the recursion.
type splitResult struct {
	split  bool
	newUID recordstore.UID
	newKey int64
}

// Insert adds (key, rowUID) to the tree, splitting nodes bottom-up and
// replacing the handle's root pointer if the split propagates past the
// root.
func (t *Tree) Insert(key int64, rowUID uint64) error {
	root, err := t.rootUID()
	if err != nil {
		return err
	}
	res, err := t.insertInto(root, key, rowUID)
	if err != nil {
		return err
	}
	if !res.split {
		return nil
	}

	newRootEntries := []entry{
		{childUID: uint64(root), key: res.newKey},
		{childUID: uint64(res.newUID), key: MaxKey},
	}
	newRootBuf := encodeNode(node{isLeaf: false, entries: newRootEntries})
	newRootUID, err := t.rs.Insert(txnid.SuperXID, newRootBuf)
	if err != nil {
		return err
	}
	if err := t.swapRoot(newRootUID); err != nil {
		return err
	}
	log.WithComponent("bptree").Debug().Uint64("new_root", uint64(newRootUID)).Msg("root split, handle updated")
	return nil
}

func (t *Tree) swapRoot(newRoot recordstore.UID) error {
	h, err := t.rs.OpenHandle(t.handleUID)
	if err != nil {
		return err
	}
	defer t.rs.ReleaseHandle(h)
	h.WriteLock()
	defer h.WriteUnlock()
	h.BeforeWrite()
	byteutil.PutUint64(h.Payload(), 0, uint64(newRoot))
	return h.AfterWrite(txnid.SuperXID)
}

// insertInto routes (key, rowUID) down from uid to the leaf that should
// hold it, then propagates any resulting split back up. A leaf insert
// and an internal separator insert are the same operation one level
// apart (§4.9 step 4), so both go through insertEntryHere; insertInto's
// own job is purely the routing decision at each internal level.
func (t *Tree) insertInto(uid recordstore.UID, key int64, rowUID uint64) (splitResult, error) {
	n, err := t.readNode(uid)
	if err != nil {
		return splitResult{}, err
	}

	if n.isLeaf {
		res, err := t.insertEntryHere(uid, entry{childUID: rowUID, key: key})
		if err == nil && !res.split {
			metrics.BPTreeInserts.Inc()
		}
		return res, err
	}

	idx := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].key > key })
	if idx == len(n.entries) {
		if n.sibling == 0 {
			return splitResult{}, dberr.New(dberr.NullEntry, "b+tree insert found no child for key %d", key)
		}
		return t.insertInto(recordstore.UID(n.sibling), key, rowUID)
	}

	childUID := recordstore.UID(n.entries[idx].childUID)
	res, err := t.insertInto(childUID, key, rowUID)
	if err != nil || !res.split {
		return res, err
	}
	return t.insertSplitHere(uid, uint64(childUID), res.newKey, res.newUID)
}

// insertEntryHere inserts e into the node at uid in sorted position,
// applying the sibling-retry rule when e would land at the rightmost
// slot and a right sibling exists, then splits the node if it is now
// full. Used both for leaf row inserts and for propagating a split's
// separator entry into the parent level.
func (t *Tree) insertEntryHere(uid recordstore.UID, e entry) (splitResult, error) {
	h, err := t.rs.OpenHandle(uid)
	if err != nil {
		return splitResult{}, err
	}
	defer t.rs.ReleaseHandle(h)

	h.WriteLock()
	n := decodeNode(h.Payload())

	idx := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].key >= e.key })
	if idx == len(n.entries) && n.sibling != 0 {
		sibling := recordstore.UID(n.sibling)
		h.WriteUnlock()
		return t.insertEntryHere(sibling, e)
	}

	h.BeforeWrite()
	n.entries = insertEntryAt(n.entries, idx, e)

	if len(n.entries) < 2*BAL {
		copy(h.Payload(), encodeNode(n))
		err := h.AfterWrite(txnid.SuperXID)
		h.WriteUnlock()
		return splitResult{}, err
	}

	res, err := t.splitLocked(h, n)
	h.WriteUnlock()
	return res, err
}

// insertSplitHere propagates a child's split into its parent at uid. The
// parent's existing entry for childUID carried the pre-split child's
// boundary key, which now belongs to the upper half (newUID): that entry
// is updated to the split's new key (the upper half's first key), so
// keys below it route to the lower half, and a fresh entry for newUID is
// inserted right after it carrying the old boundary. Mirrors
// insertEntryHere's sibling-retry and split-on-overflow behavior, but
// replaces one entry and inserts a second instead of inserting one.
func (t *Tree) insertSplitHere(uid recordstore.UID, childUID uint64, lowerNewKey int64, newUID recordstore.UID) (splitResult, error) {
	h, err := t.rs.OpenHandle(uid)
	if err != nil {
		return splitResult{}, err
	}
	defer t.rs.ReleaseHandle(h)

	h.WriteLock()
	n := decodeNode(h.Payload())

	idx := -1
	for i, e := range n.entries {
		if e.childUID == childUID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if n.sibling != 0 {
			sibling := recordstore.UID(n.sibling)
			h.WriteUnlock()
			return t.insertSplitHere(sibling, childUID, lowerNewKey, newUID)
		}
		h.WriteUnlock()
		return splitResult{}, dberr.New(dberr.NullEntry, "b+tree split propagation found no parent entry for child")
	}
	oldKey := n.entries[idx].key

	h.BeforeWrite()
	n.entries[idx].key = lowerNewKey
	n.entries = insertEntryAt(n.entries, idx+1, entry{childUID: uint64(newUID), key: oldKey})

	if len(n.entries) < 2*BAL {
		copy(h.Payload(), encodeNode(n))
		err := h.AfterWrite(txnid.SuperXID)
		h.WriteUnlock()
		return splitResult{}, err
	}

	res, err := t.splitLocked(h, n)
	h.WriteUnlock()
	return res, err
}

// splitLocked splits a full node in place: the lower BAL entries stay at
// uid, the upper BAL move to a freshly inserted sibling row. Caller
// holds h's write lock and has already called h.BeforeWrite().
func (t *Tree) splitLocked(h *recordstore.Handle, n node) (splitResult, error) {
	lower := append([]entry(nil), n.entries[:BAL]...)
	upper := append([]entry(nil), n.entries[BAL:]...)

	newNode := node{isLeaf: n.isLeaf, sibling: n.sibling, entries: upper}
	newUID, err := t.rs.Insert(txnid.SuperXID, encodeNode(newNode))
	if err != nil {
		return splitResult{}, err
	}

	// lower's last entry keeps its real key, not MAX_KEY: a routing
	// search that overshoots it with no matching separator falls through
	// to the new right sibling via the "no separator > key" descent
	// rule, which is exactly what makes the sibling-retry path work
	// right after a split. The separator handed up is the upper half's
	// first key, so a key equal to lower's last key still routes to the
	// lower half.
	orig := node{isLeaf: n.isLeaf, sibling: uint64(newUID), entries: lower}
	copy(h.Payload(), encodeNode(orig))
	if err := h.AfterWrite(txnid.SuperXID); err != nil {
		return splitResult{}, err
	}

	metrics.BPTreeSplits.Inc()
	return splitResult{split: true, newUID: newUID, newKey: upper[0].key}, nil
}
