package ogstore

import (
	"errors"
	"testing"
)

const pointText = "5000 Point {\n\tfloat64 Point#x;\n\tfloat64 Point#y;\n}\n"

func point5000() *TypeDescriptor {
	return mustDescriptor(5000, "Point", Field("float64", "Point", "x"), Field("float64", "Point", "y"))
}

func TestTypeDescriptorOffsets(t *testing.T) {
	d := mustDescriptor(1000, "Item",
		Field("Item", "Item", "next"),
		Field("int32", "Item", "n"),
		Field("bool", "Item", "ok"),
		Field("string", "Item", "name"),
		Field("int64", "Item", "after"),
	)
	var offsets, widths []int
	for _, m := range d.Members {
		offsets = append(offsets, m.Offset)
		widths = append(widths, m.Width)
	}
	deepEqual(t, offsets, []int{0, 8, 12, 13, -1})
	deepEqual(t, widths, []int{8, 4, 1, -1, 8})
	deepEqual(t, d.FixedSize(), 21)
	deepEqual(t, d.IsReflective(), true)
	deepEqual(t, d.MemberIndex("Item#name"), 3)
	deepEqual(t, d.MemberIndex("name"), -1)
}

func TestTypeDescriptorValidation(t *testing.T) {
	var se *SchemaValidationError
	_, err := NewTypeDescriptor(1000, "Item", []Member{Field("int32", "Item", "n"), Field("int64", "Item", "n")})
	if !errors.As(err, &se) {
		t.Fatalf("** duplicate member: got %v, wanted *SchemaValidationError", err)
	}
	_, err = NewTypeDescriptor(1000, "bad name", nil)
	if !errors.As(err, &se) {
		t.Fatalf("** invalid name: got %v, wanted *SchemaValidationError", err)
	}
	_, err = NewTypeDescriptor(1000, "Item", []Member{Primitive("int32"), Field("int32", "Item", "n")})
	if !errors.As(err, &se) {
		t.Fatalf("** primitive with siblings: got %v, wanted *SchemaValidationError", err)
	}
}

func TestAssembleTypeDescriptor(t *testing.T) {
	d := point5000()
	deepEqual(t, AssembleTypeDescriptor(d), pointText)
	deepEqual(t, d.Members[0].Offset, 0)
	deepEqual(t, d.Members[1].Offset, 8)
}

func TestAssemblePadsFirstColumn(t *testing.T) {
	d := mustDescriptor(7, "ogs.Tuple", Pseudo("uint64", "count"), Pseudo("[]ref", "elements"))
	deepEqual(t, AssembleTypeDescriptor(d), "7 ogs.Tuple {\n\tuint64 count;\n\t[]ref  elements;\n}\n")
}

func TestParseTypeDictionary(t *testing.T) {
	descs, err := ParseTypeDictionary(pointText)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, len(descs), 1)
	if !descs[0].Equal(point5000()) {
		t.Errorf("** got %v, wanted %v", AssembleTypeDescriptor(descs[0]), pointText)
	}
	deepEqual(t, descs[0], point5000())
}

func TestParseBuiltinDictionary(t *testing.T) {
	types := NewTypeHandlers(TypeHandlersOptions{})
	descs := types.Descriptors()
	text := AssembleTypeDictionary(descs)
	parsed, err := ParseTypeDictionary(text)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, parsed, descs)
	deepEqual(t, AssembleTypeDictionary(parsed), text)
}

func TestParseTolerance(t *testing.T) {
	descs, err := ParseTypeDictionary("\n  5000   Point{float64 Point#x ;float64 Point#y;}  \r\n")
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, descs, []*TypeDescriptor{point5000()})

	descs, err = ParseTypeDictionary("  \n")
	if err != nil {
		t.Fatal(err)
	}
	isempty(t, descs)
}

func TestParseErrors(t *testing.T) {
	const boolBlock = "1 bool {\n\tprimitive bool;\n}\n"
	tests := []struct {
		text  string
		index int
		msg   string
	}{
		{"abc Point {\n}\n", 0, `invalid type id "abc"`},
		{"0 Point {\n}\n", 0, `invalid type id "0"`},
		{"{", 0, "expected type id"},
		{"5000 Point float64", 11, "expected '{'"},
		{"5000 {", 5, "expected type name"},
		{"5000 Point {\n\tfloat64 Point#x;\n", 31, "unterminated type block for Point"},
		{"5000 Point {\n\tfloat64 Point#x\n}", 30, "expected ';'"},
		{"5000 Point {\n\tfloat64 #x;\n}", 22, `invalid field name "#x"`},
		{boolBlock + "5000 Point {\n\tfloat64 Point#x;\n\tint32 Point#x;\n}\n", len(boolBlock), ""},
	}
	for _, tt := range tests {
		_, err := ParseTypeDictionary(tt.text)
		var pe *ParserError
		if !errors.As(err, &pe) {
			t.Errorf("** ParseTypeDictionary(%q) = %v, wanted *ParserError", tt.text, err)
			continue
		}
		if pe.Index != tt.index {
			t.Errorf("** ParseTypeDictionary(%q): got index %d, wanted %d (%v)", tt.text, pe.Index, tt.index, pe)
		}
		if tt.msg != "" && pe.Msg != tt.msg {
			t.Errorf("** ParseTypeDictionary(%q): got %q, wanted %q", tt.text, pe.Msg, tt.msg)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := point5000()
	b := a.withID(6000)
	c := mustDescriptor(5000, "Point", Field("float32", "Point", "x"), Field("float64", "Point", "y"))
	deepEqual(t, Fingerprint(a), Fingerprint(b))
	if Fingerprint(a) == Fingerprint(c) {
		t.Errorf("** fingerprints of different shapes are equal")
	}
}

func TestTypeDictionary(t *testing.T) {
	dict := NewTypeDictionary()
	deepEqual(t, dict.MintTypeID(), FirstUserTypeID)

	p := point5000()
	ensure(dict.Register(p))
	ensure(dict.Register(point5000()))
	deepEqual(t, dict.Len(), 1)
	deepEqual(t, dict.HighWater(), TypeID(5000))
	deepEqual(t, dict.MintTypeID(), TypeID(5001))

	var ce *ConsistencyError
	err := dict.Register(mustDescriptor(5000, "Point", Field("float32", "Point", "x")))
	if !errors.As(err, &ce) {
		t.Fatalf("** conflicting Register = %v, wanted *ConsistencyError", err)
	}
	deepEqual(t, dict.ByID(5000), p)

	p2 := mustDescriptor(6000, "Point", Field("float64", "Point", "x"))
	ensure(dict.Register(p2))
	deepEqual(t, dict.ByName("Point"), p2)
	deepEqual(t, dict.Versions("Point"), []*TypeDescriptor{p, p2})
	deepEqual(t, dict.All(), []*TypeDescriptor{p, p2})
	isnil(t, dict.ByName("Missing"))

	dict.RaiseHighWater(7000)
	dict.RaiseHighWater(10)
	deepEqual(t, dict.MintTypeID(), TypeID(7001))
}

func TestTypeDictionaryRegisterAllIsAtomic(t *testing.T) {
	dict := NewTypeDictionary()
	ensure(dict.Register(point5000()))
	err := dict.RegisterAll([]*TypeDescriptor{
		mustDescriptor(5001, "Other", Field("int32", "Other", "n")),
		mustDescriptor(5000, "Point", Field("int32", "Point", "x")),
	})
	if err == nil {
		t.Fatalf("** RegisterAll succeeded despite a conflict")
	}
	deepEqual(t, dict.Len(), 1)
	isnil(t, dict.ByID(5001))
}
