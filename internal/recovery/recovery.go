// Package recovery implements the three-pass crash recovery driver
// (§4.4): Analyse trims any file tail the log cannot describe, Redo
// reapplies every frame belonging to a transaction that reached a
// terminal status, and Undo rolls back, in reverse, every frame
// belonging to a transaction that was still active at crash time.
package recovery

import (
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/pagecache"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/txnid"
	"github.com/cuemby/warrendb/internal/walog"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

type frame struct {
	xid       uint64
	isInsert  bool
	insert    walog.InsertRecord
	update    walog.UpdateRecord
}

// Run executes the three passes against wal, mutating pages through
// cache directly and recording undone transactions in tm.
func Run(cache *pagecache.Cache, wal *walog.Log, tm *txnid.Store) error {
	metrics.RecoveryRuns.Inc()
	l := log.WithComponent("recovery")
	l.Info().Msg("unclean shutdown detected, running recovery")

	maxPageNo, frames, lastGoodEnd, err := analyse(wal)
	if err != nil {
		return err
	}
	if maxPageNo < 1 {
		maxPageNo = 1
	}
	if err := cache.TruncateByPageNo(maxPageNo); err != nil {
		return err
	}
	if err := wal.TruncateTailBefore(lastGoodEnd); err != nil {
		return err
	}
	l.Info().Uint32("max_page_no", maxPageNo).Msg("analyse pass complete")

	if err := redo(cache, tm, frames); err != nil {
		return err
	}
	l.Info().Msg("redo pass complete")

	undone, err := undo(cache, tm, frames)
	if err != nil {
		return err
	}
	metrics.RecoveryUndoneTxns.Set(float64(undone))
	l.Info().Int("undone_txns", undone).Msg("undo pass complete")
	return nil
}

// analyse walks the log once, decoding every frame (so later passes
// don't re-parse) and tracking the largest page_no any frame touches.
func analyse(wal *walog.Log) (uint32, []frame, int64, error) {
	var maxPageNo uint32
	var frames []frame

	lastGoodEnd, err := wal.Iter(func(payload []byte) error {
		typ, err := walog.FrameType(payload)
		if err != nil {
			return err
		}
		switch typ {
		case walog.TypeInsert:
			r, err := walog.DecodeInsert(payload)
			if err != nil {
				return err
			}
			if r.PageNo > maxPageNo {
				maxPageNo = r.PageNo
			}
			frames = append(frames, frame{xid: r.XID, isInsert: true, insert: r})
		case walog.TypeUpdate:
			r, err := walog.DecodeUpdate(payload)
			if err != nil {
				return err
			}
			pn := recordstore.UID(r.UID).PageNo()
			if pn > maxPageNo {
				maxPageNo = pn
			}
			frames = append(frames, frame{xid: r.XID, isInsert: false, update: r})
		default:
			return dberr.New(dberr.InvalidLogOp, "unrecognized log frame type %d", typ)
		}
		return nil
	})
	return maxPageNo, frames, lastGoodEnd, err
}

// redo reapplies every frame whose transaction reached a terminal
// status (committed or aborted), in original log order.
func redo(cache *pagecache.Cache, tm *txnid.Store, frames []frame) error {
	for _, f := range frames {
		if tm.IsActive(f.xid) {
			continue
		}
		if f.isInsert {
			if err := applyInsert(cache, f.insert, false); err != nil {
				return err
			}
		} else {
			if err := applyUpdate(cache, f.update, f.update.NewPayload); err != nil {
				return err
			}
		}
	}
	return nil
}

// undo buckets frames by still-active xid, then replays each xid's
// frames in reverse, restoring pre-transaction state, and marks the xid
// ABORTED. Returns the number of transactions undone.
func undo(cache *pagecache.Cache, tm *txnid.Store, frames []frame) (int, error) {
	byXID := make(map[uint64][]frame)
	var order []uint64
	for _, f := range frames {
		if !tm.IsActive(f.xid) {
			continue
		}
		if _, seen := byXID[f.xid]; !seen {
			order = append(order, f.xid)
		}
		byXID[f.xid] = append(byXID[f.xid], f)
	}

	for _, xid := range order {
		fs := byXID[xid]
		for i := len(fs) - 1; i >= 0; i-- {
			f := fs[i]
			if f.isInsert {
				if err := applyInsert(cache, f.insert, true); err != nil {
					return 0, err
				}
			} else {
				if err := applyUpdate(cache, f.update, f.update.OldPayload); err != nil {
					return 0, err
				}
			}
		}
		if err := tm.Abort(xid); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

// applyInsert writes an INSERT frame's record bytes into its page at
// its recorded offset. When undo is true the valid byte is forced to
// logically-deleted instead of the bytes' original value. FSO only ever
// advances, never retreats.
func applyInsert(cache *pagecache.Cache, r walog.InsertRecord, undo bool) error {
	pg, err := cache.Get(r.PageNo)
	if err != nil {
		return err
	}
	defer cache.Release(pg)

	pg.Lock()
	defer pg.Unlock()

	off := int(r.Offset)
	copy(pg.Buf[off:off+len(r.RecordByts)], r.RecordByts)
	if undo {
		recordstore.MarkDeletedInPage(pg.Buf, off)
	}
	newFSO := off + len(r.RecordByts)
	if recordstore.ReadFSO(pg.Buf) < newFSO {
		recordstore.WriteFSO(pg.Buf, newFSO)
	}
	pg.MarkDirty()
	return nil
}

// applyUpdate overwrites an UPDATE frame's record payload with the
// given image (new_payload for redo, old_payload for undo).
func applyUpdate(cache *pagecache.Cache, r walog.UpdateRecord, image []byte) error {
	uid := recordstore.UID(r.UID)
	pg, err := cache.Get(uid.PageNo())
	if err != nil {
		return err
	}
	defer cache.Release(pg)

	pg.Lock()
	defer pg.Unlock()

	start := recordstore.PayloadOffset(int(uid.Offset()))
	copy(pg.Buf[start:start+len(image)], image)
	pg.MarkDirty()
	return nil
}
