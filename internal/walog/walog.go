// Package walog implements the append-only write-ahead log (§4.3): frames
// of [payload_len:4][checksum:4][payload] with a running checksum that
// lets recovery detect and discard a crash-torn tail frame. No frame is
// considered durable until append's fsync returns.
package walog

import (
	"io"
	"os"
	"sync"

	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

const (
	checksumSeed  = 13331
	frameHeaderSz = 8 // payload_len(4) + checksum(4)
	fileHeaderSz  = 4 // placeholder total length, ignored by readers
)

// Log is an append-only WAL file with one writer at a time.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Checksum folds payload bytes into the WAL's running 32-bit checksum.
func Checksum(payload []byte) uint32 {
	var sum uint32 = checksumSeed
	for _, b := range payload {
		sum = sum*checksumSeed + uint32(b)
	}
	return sum
}

// Create initializes an empty log file with its placeholder header.
func Create(path string) (*Log, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, dberr.New(dberr.FileExists, "log file %s already exists", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "create log file %s", path)
	}
	hdr := make([]byte, fileHeaderSz)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "init log file %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "fsync log file %s", path)
	}
	return &Log{f: f, path: path}, nil
}

// Open attaches to an existing log file for append and iteration.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberr.New(dberr.FileNotExists, "log file %s not found", path)
		}
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "open log file %s", path)
	}
	return &Log{f: f, path: path}, nil
}

// Append writes one frame and fsyncs before returning, per the WAL
// durability contract.
func (l *Log) Append(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	timer := metrics.NewTimer()
	frame := make([]byte, frameHeaderSz+len(payload))
	byteutil.PutUint32(frame, 0, uint32(len(payload)))
	byteutil.PutUint32(frame, 4, Checksum(payload))
	copy(frame[frameHeaderSz:], payload)

	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "seek log file %s", l.path)
	}
	if _, err := l.f.Write(frame); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "append log frame to %s", l.path)
	}
	if err := l.f.Sync(); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "fsync log file %s", l.path)
	}
	timer.ObserveDuration(metrics.WALAppendDuration)
	metrics.WALFramesAppended.Inc()
	log.WithComponent("walog").Debug().Int("payload_len", len(payload)).Msg("frame appended")
	return nil
}

// Iter walks frames in file order, invoking fn with each payload. It
// stops at the first malformed or truncated frame (the normal shape of a
// crash-torn write) and returns the byte offset just past the last good
// frame, suitable for Log.TruncateTailBefore.
func (l *Log) Iter(fn func(payload []byte) error) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Seek(fileHeaderSz, io.SeekStart); err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "seek log file %s", l.path)
	}
	pos := int64(fileHeaderSz)
	hdr := make([]byte, frameHeaderSz)
	for {
		n, err := io.ReadFull(l.f, hdr)
		if err == io.EOF || (err == io.ErrUnexpectedEOF) || n < frameHeaderSz {
			break
		}
		if err != nil {
			return pos, dberr.Wrapf(dberr.BadLogFile, err, "read frame header at %d", pos)
		}
		plen := byteutil.Uint32(hdr, 0)
		wantSum := byteutil.Uint32(hdr, 4)
		payload := make([]byte, plen)
		n, err = io.ReadFull(l.f, payload)
		if err != nil || uint32(n) != plen {
			// truncated payload: crash-torn tail, stop here.
			break
		}
		if Checksum(payload) != wantSum {
			// checksum mismatch: crash-torn tail, stop here.
			break
		}
		if err := fn(payload); err != nil {
			return pos, err
		}
		pos += int64(frameHeaderSz) + int64(plen)
	}
	return pos, nil
}

// TruncateTailBefore resets the writer position after recovery has
// determined lastGoodEnd is the true end of well-formed log data.
func (l *Log) TruncateTailBefore(lastGoodEnd int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Truncate(lastGoodEnd); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "truncate log file %s", l.path)
	}
	_, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "seek log file %s", l.path)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
