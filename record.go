package ogstore

import (
	"encoding/binary"
	"math"
)

// ObjectID identifies one persisted instance. Zero is the nil reference.
type ObjectID uint64

// TypeID identifies one TypeDescriptor.
type TypeID uint64

const (
	// RecordHeaderSize is the size of [entityLength][typeId][objectId].
	RecordHeaderSize = 24

	refSize = 8
)

// RecordWriter appends binary records to Buf:
//
//	[entityLength:8][typeId:8][objectId:8][payload...]
//
// entityLength counts the whole record including the header. Integers are
// written in the writer's byte order.
type RecordWriter struct {
	Buf   []byte
	order binary.ByteOrder
	start int
	count int
}

func NewRecordWriter(buf []byte, order binary.ByteOrder) *RecordWriter {
	if order == nil {
		order = binary.LittleEndian
	}
	return &RecordWriter{Buf: buf, order: order, start: -1}
}

func (w *RecordWriter) Order() binary.ByteOrder { return w.order }

// Records returns the number of completed records.
func (w *RecordWriter) Records() int { return w.count }

// Begin opens a record. The length field is patched by End.
func (w *RecordWriter) Begin(tid TypeID, oid ObjectID) {
	if w.start >= 0 {
		panic("RecordWriter.Begin: previous record not ended")
	}
	w.start = len(w.Buf)
	w.Buf = appendUint64(w.Buf, w.order, 0)
	w.Buf = appendUint64(w.Buf, w.order, uint64(tid))
	w.Buf = appendUint64(w.Buf, w.order, uint64(oid))
}

func (w *RecordWriter) End() {
	if w.start < 0 {
		panic("RecordWriter.End: no record open")
	}
	w.order.PutUint64(w.Buf[w.start:], uint64(len(w.Buf)-w.start))
	w.start = -1
	w.count++
}

// Abort drops the currently open record, if any.
func (w *RecordWriter) Abort() {
	if w.start >= 0 {
		w.Buf = w.Buf[:w.start]
		w.start = -1
	}
}

func (w *RecordWriter) AppendUint64(v uint64) { w.Buf = appendUint64(w.Buf, w.order, v) }
func (w *RecordWriter) AppendUint32(v uint32) { w.Buf = appendUint32(w.Buf, w.order, v) }
func (w *RecordWriter) AppendUint16(v uint16) { w.Buf = appendUint16(w.Buf, w.order, v) }
func (w *RecordWriter) AppendUint8(v uint8)   { w.Buf = appendUint8(w.Buf, v) }
func (w *RecordWriter) AppendID(id ObjectID)  { w.AppendUint64(uint64(id)) }
func (w *RecordWriter) AppendFloat32(v float32) {
	w.AppendUint32(math.Float32bits(v))
}
func (w *RecordWriter) AppendFloat64(v float64) {
	w.AppendUint64(math.Float64bits(v))
}
func (w *RecordWriter) AppendVarBytes(v []byte) {
	w.Buf = appendVarBytes(w.Buf, w.order, v)
}
func (w *RecordWriter) AppendString(v string) {
	w.AppendUint64(uint64(len(v)))
	w.Buf = append(w.Buf, v...)
}

// Record is a view of one complete binary record.
type Record struct {
	Data  []byte
	order binary.ByteOrder
}

func (r Record) Order() binary.ByteOrder { return r.order }
func (r Record) Length() uint64          { return r.order.Uint64(r.Data[0:]) }
func (r Record) TypeID() TypeID          { return TypeID(r.order.Uint64(r.Data[8:])) }
func (r Record) ObjectID() ObjectID      { return ObjectID(r.order.Uint64(r.Data[16:])) }
func (r Record) Payload() []byte         { return r.Data[RecordHeaderSize:] }

// Uint64At reads the fixed-width payload field at off.
func (r Record) Uint64At(off int) (uint64, error) {
	p := r.Payload()
	if off < 0 || off+8 > len(p) {
		return 0, dataErrf(r.Data, RecordHeaderSize+off, nil, "payload field [%d:%d] out of bounds", off, off+8)
	}
	return r.order.Uint64(p[off:]), nil
}

func (r Record) Uint32At(off int) (uint32, error) {
	p := r.Payload()
	if off < 0 || off+4 > len(p) {
		return 0, dataErrf(r.Data, RecordHeaderSize+off, nil, "payload field [%d:%d] out of bounds", off, off+4)
	}
	return r.order.Uint32(p[off:]), nil
}

func (r Record) IDAt(off int) (ObjectID, error) {
	v, err := r.Uint64At(off)
	return ObjectID(v), err
}

func (r Record) Float32At(off int) (float32, error) {
	v, err := r.Uint32At(off)
	return math.Float32frombits(v), err
}

// decoderAt returns a sequential decoder positioned at payload offset off.
func (r Record) decoderAt(off int) (byteDecoder, error) {
	p := r.Payload()
	if off < 0 || off > len(p) {
		return byteDecoder{}, dataErrf(r.Data, RecordHeaderSize+off, nil, "payload offset %d out of bounds", off)
	}
	d := makeByteDecoder(r.Data, r.order)
	d.Buf = p[off:]
	return d, nil
}

// ReadRecord reads one record from the front of data. The length field is
// validated before anything else is interpreted.
func ReadRecord(data []byte, order binary.ByteOrder) (Record, []byte, error) {
	if len(data) < RecordHeaderSize {
		return Record{}, nil, dataErrf(data, 0, nil, "truncated record header")
	}
	n := order.Uint64(data)
	if n < RecordHeaderSize || n > uint64(len(data)) {
		return Record{}, nil, dataErrf(data, 0, nil, "invalid entity length %d (%d bytes available)", n, len(data))
	}
	return Record{Data: data[:n:n], order: order}, data[n:], nil
}

// SplitRecords splits a concatenation of records.
func SplitRecords(data []byte, order binary.ByteOrder) ([]Record, error) {
	var recs []Record
	for len(data) > 0 {
		rec, rem, err := ReadRecord(data, order)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		data = rem
	}
	return recs, nil
}
