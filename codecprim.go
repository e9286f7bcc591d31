package ogstore

import (
	"math"
	"reflect"
)

// primitiveCodec reads and writes one fixed-width primitive of a given kind.
// The reflect.Value may have any type of that kind.
type primitiveCodec struct {
	width int
	write func(w *RecordWriter, v reflect.Value)
	read  func(d *byteDecoder, v reflect.Value) error
}

var primitiveTypes = map[string]reflect.Type{
	"bool":    reflect.TypeFor[bool](),
	"int8":    reflect.TypeFor[int8](),
	"uint8":   reflect.TypeFor[uint8](),
	"int16":   reflect.TypeFor[int16](),
	"uint16":  reflect.TypeFor[uint16](),
	"int32":   reflect.TypeFor[int32](),
	"uint32":  reflect.TypeFor[uint32](),
	"float32": reflect.TypeFor[float32](),
	"int64":   reflect.TypeFor[int64](),
	"uint64":  reflect.TypeFor[uint64](),
	"float64": reflect.TypeFor[float64](),
	"int":     reflect.TypeFor[int](),
	"uint":    reflect.TypeFor[uint](),
}

var primitiveCodecs = map[reflect.Kind]primitiveCodec{
	reflect.Bool: {1,
		func(w *RecordWriter, v reflect.Value) {
			if v.Bool() {
				w.AppendUint8(1)
			} else {
				w.AppendUint8(0)
			}
		},
		func(d *byteDecoder, v reflect.Value) error {
			u, err := readUint(d, 1)
			v.SetBool(u != 0)
			return err
		}},
	reflect.Int8:    signedCodec(1),
	reflect.Int16:   signedCodec(2),
	reflect.Int32:   signedCodec(4),
	reflect.Int64:   signedCodec(8),
	reflect.Int:     signedCodec(8),
	reflect.Uint8:   unsignedCodec(1),
	reflect.Uint16:  unsignedCodec(2),
	reflect.Uint32:  unsignedCodec(4),
	reflect.Uint64:  unsignedCodec(8),
	reflect.Uint:    unsignedCodec(8),
	reflect.Float32: {4,
		func(w *RecordWriter, v reflect.Value) { w.AppendFloat32(float32(v.Float())) },
		func(d *byteDecoder, v reflect.Value) error {
			u, err := readUint(d, 4)
			v.SetFloat(float64(math.Float32frombits(uint32(u))))
			return err
		}},
	reflect.Float64: {8,
		func(w *RecordWriter, v reflect.Value) { w.AppendFloat64(v.Float()) },
		func(d *byteDecoder, v reflect.Value) error {
			u, err := readUint(d, 8)
			v.SetFloat(math.Float64frombits(u))
			return err
		}},
}

func signedCodec(width int) primitiveCodec {
	return primitiveCodec{width,
		func(w *RecordWriter, v reflect.Value) { writeUint(w, width, uint64(v.Int())) },
		func(d *byteDecoder, v reflect.Value) error {
			u, err := readUint(d, width)
			if err != nil {
				return err
			}
			switch width {
			case 1:
				v.SetInt(int64(int8(u)))
			case 2:
				v.SetInt(int64(int16(u)))
			case 4:
				v.SetInt(int64(int32(u)))
			default:
				v.SetInt(int64(u))
			}
			return nil
		}}
}

func unsignedCodec(width int) primitiveCodec {
	return primitiveCodec{width,
		func(w *RecordWriter, v reflect.Value) { writeUint(w, width, v.Uint()) },
		func(d *byteDecoder, v reflect.Value) error {
			u, err := readUint(d, width)
			v.SetUint(u)
			return err
		}}
}

func writeUint(w *RecordWriter, width int, u uint64) {
	switch width {
	case 1:
		w.AppendUint8(uint8(u))
	case 2:
		w.AppendUint16(uint16(u))
	case 4:
		w.AppendUint32(uint32(u))
	default:
		w.AppendUint64(u)
	}
}

func readUint(d *byteDecoder, width int) (uint64, error) {
	b, err := d.Raw(width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(d.order.Uint16(b)), nil
	case 4:
		return uint64(d.order.Uint32(b)), nil
	default:
		return d.order.Uint64(b), nil
	}
}

// isPrimitiveKind reports whether values of kind k are stored inline as
// fixed-width primitives.
func isPrimitiveKind(k reflect.Kind) bool {
	_, ok := primitiveCodecs[k]
	return ok
}

// convertPrimitive converts a decoded legacy primitive to the current field
// type. Numbers convert between all numeric kinds, bools only to bools.
func convertPrimitive(v reflect.Value, to reflect.Type) (reflect.Value, bool) {
	if (v.Kind() == reflect.Bool) != (to.Kind() == reflect.Bool) {
		return reflect.Value{}, false
	}
	if !v.CanConvert(to) {
		return reflect.Value{}, false
	}
	return v.Convert(to), true
}
