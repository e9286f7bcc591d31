package ogstore

import (
	"encoding/binary"
	"io"
	"math"
	"slices"
)

// reserve extends buf by n bytes and returns the offset of the new bytes.
func reserve(buf []byte, n int) (int, []byte) {
	off := len(buf)
	return off, slices.Grow(buf, n)[:off+n]
}

// bytesBuilder lets encoders that want an io.Writer append to a buffer
// owned by the caller.
type bytesBuilder struct {
	Buf []byte
}

var _ io.ByteWriter = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// byteDecoder reads fixed-width integers sequentially, reporting bounds
// violations as *DataError relative to Orig.
type byteDecoder struct {
	Orig  []byte
	Buf   []byte
	order binary.ByteOrder
}

func makeByteDecoder(buf []byte, order binary.ByteOrder) byteDecoder {
	return byteDecoder{buf, buf, order}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Remaining() int {
	return len(d.Buf)
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if n < 0 || len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uint64() (uint64, error) {
	b, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *byteDecoder) Uint32() (uint32, error) {
	b, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

// Count reads a uint64 element count and checks that at least count*elemSize
// bytes follow, so a corrupted count never drives a huge allocation.
func (d *byteDecoder) Count(elemSize int) (int, error) {
	off := d.Off()
	v, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 || int(v)*elemSize > len(d.Buf) {
		return 0, dataErrf(d.Orig, off, nil, "invalid count %d (%d bytes remaining)", v, len(d.Buf))
	}
	return int(v), nil
}

// VarBytes reads a [length:8][bytes] chunk.
func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Count(1)
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}

func appendUint64(buf []byte, order binary.ByteOrder, v uint64) []byte {
	off, buf := reserve(buf, 8)
	order.PutUint64(buf[off:], v)
	return buf
}

func appendUint32(buf []byte, order binary.ByteOrder, v uint32) []byte {
	off, buf := reserve(buf, 4)
	order.PutUint32(buf[off:], v)
	return buf
}

func appendUint16(buf []byte, order binary.ByteOrder, v uint16) []byte {
	off, buf := reserve(buf, 2)
	order.PutUint16(buf[off:], v)
	return buf
}

func appendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// appendVarBytes writes v as [length:8][bytes].
func appendVarBytes(buf []byte, order binary.ByteOrder, v []byte) []byte {
	return append(appendUint64(buf, order, uint64(len(v))), v...)
}

// ByteOrderCode returns the one-byte code used on the wire for order.
func ByteOrderCode(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return 'B'
	}
	return 'L'
}

// ByteOrderFromCode is the inverse of ByteOrderCode.
func ByteOrderFromCode(c byte) (binary.ByteOrder, bool) {
	switch c {
	case 'L':
		return binary.LittleEndian, true
	case 'B':
		return binary.BigEndian, true
	default:
		return nil, false
	}
}
