// Package byteutil provides the little-endian integer codecs and
// bounds-checked slicing used throughout the page, record, and log
// layers. Centralizing it here keeps the encode/decode convention
// identical across pagecache, recordstore, version, walog, and bptree.
package byteutil

import "github.com/cuemby/warrendb/internal/dberr"

// PutUint16 writes v as 2-byte little-endian into buf[off:off+2].
func PutUint16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

// Uint16 reads a 2-byte little-endian value from buf[off:off+2].
func Uint16(buf []byte, off int) uint16 {
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}

// PutUint32 writes v as 4-byte little-endian into buf[off:off+4].
func PutUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// Uint32 reads a 4-byte little-endian value from buf[off:off+4].
func Uint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 |
		uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

// PutUint64 writes v as 8-byte little-endian into buf[off:off+8].
func PutUint64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// Uint64 reads an 8-byte little-endian value from buf[off:off+8].
func Uint64(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

// PutInt64 writes v as 8-byte little-endian two's complement.
func PutInt64(buf []byte, off int, v int64) {
	PutUint64(buf, off, uint64(v))
}

// Int64 reads an 8-byte little-endian two's complement value.
func Int64(buf []byte, off int) int64 {
	return int64(Uint64(buf, off))
}

// SubSlice returns buf[off:off+n], failing with InvalidPkgData instead of
// panicking when the range falls outside buf. Decoders that read
// lengths from untrusted bytes (catalog rows and table definitions) use
// it; fixed-layout page and record accessors index buffers directly.
func SubSlice(buf []byte, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(buf) {
		return nil, dberr.New(dberr.InvalidPkgData,
			"sub-slice out of range: off=%d n=%d len=%d", off, n, len(buf))
	}
	return buf[off : off+n], nil
}
