package walog

import (
	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
)

// Log record types written by recordstore and consumed by recovery.
const (
	TypeInsert byte = 0
	TypeUpdate byte = 1
)

// InsertRecord is the payload of an INSERT log frame:
// [type=0:1][xid:8][page_no:4][offset:2][record_bytes:...]
type InsertRecord struct {
	XID        uint64
	PageNo     uint32
	Offset     uint16
	RecordByts []byte
}

// EncodeInsert serializes an InsertRecord into a WAL frame payload.
func EncodeInsert(r InsertRecord) []byte {
	buf := make([]byte, 1+8+4+2+len(r.RecordByts))
	buf[0] = TypeInsert
	byteutil.PutUint64(buf, 1, r.XID)
	byteutil.PutUint32(buf, 9, r.PageNo)
	byteutil.PutUint16(buf, 13, r.Offset)
	copy(buf[15:], r.RecordByts)
	return buf
}

// DecodeInsert parses an InsertRecord from a WAL frame payload.
func DecodeInsert(buf []byte) (InsertRecord, error) {
	if len(buf) < 15 {
		return InsertRecord{}, dberr.New(dberr.BadLogFile, "insert frame too short")
	}
	return InsertRecord{
		XID:        byteutil.Uint64(buf, 1),
		PageNo:     byteutil.Uint32(buf, 9),
		Offset:     byteutil.Uint16(buf, 13),
		RecordByts: append([]byte(nil), buf[15:]...),
	}, nil
}

// UpdateRecord is the payload of an UPDATE log frame:
// [type=1:1][xid:8][uid:8][old_payload:L][new_payload:L]
type UpdateRecord struct {
	XID        uint64
	UID        uint64
	OldPayload []byte
	NewPayload []byte
}

// EncodeUpdate serializes an UpdateRecord. old and new must be equal length.
func EncodeUpdate(r UpdateRecord) []byte {
	l := len(r.OldPayload)
	buf := make([]byte, 1+8+8+2*l)
	buf[0] = TypeUpdate
	byteutil.PutUint64(buf, 1, r.XID)
	byteutil.PutUint64(buf, 9, r.UID)
	copy(buf[17:17+l], r.OldPayload)
	copy(buf[17+l:], r.NewPayload)
	return buf
}

// DecodeUpdate parses an UpdateRecord from a WAL frame payload.
func DecodeUpdate(buf []byte) (UpdateRecord, error) {
	if len(buf) < 17 {
		return UpdateRecord{}, dberr.New(dberr.BadLogFile, "update frame too short")
	}
	rest := buf[17:]
	if len(rest)%2 != 0 {
		return UpdateRecord{}, dberr.New(dberr.BadLogFile, "update frame has odd payload length")
	}
	l := len(rest) / 2
	return UpdateRecord{
		XID:        byteutil.Uint64(buf, 1),
		UID:        byteutil.Uint64(buf, 9),
		OldPayload: append([]byte(nil), rest[:l]...),
		NewPayload: append([]byte(nil), rest[l:]...),
	}, nil
}

// FrameType peeks the type tag of a decoded frame payload.
func FrameType(buf []byte) (byte, error) {
	if len(buf) < 1 {
		return 0, dberr.New(dberr.BadLogFile, "empty log frame")
	}
	return buf[0], nil
}
