package ogstore

import (
	"errors"
	"strings"
	"testing"
)

type (
	shapeV1 struct {
		Sides int32
		Name  string
		Old   bool
	}
	shapeV2 struct {
		Sides int64
		Name  string
		Area  float64
	}
	shapeV3 struct {
		Count uint8
		Name  string
	}
)

func shapeTypes[T any](o TypeHandlersOptions) *TypeHandlers {
	types := NewTypeHandlers(o)
	MustRegister[T](types, "Shape")
	return types
}

// storeLegacyShape stores a shapeV1 and returns the storage and its oid.
func storeLegacyShape(t testing.TB) (Storage, ObjectID) {
	t.Helper()
	storage := NewMemStorage()
	ch := setupWith(t, storage, shapeTypes[shapeV1](TypeHandlersOptions{}), ChannelOptions{})
	id := must(ch.Store(&shapeV1{Sides: 6, Name: "hex", Old: true}))
	return storage, id
}

func TestLegacyStructWidening(t *testing.T) {
	storage, id := storeLegacyShape(t)
	ch := setupWith(t, storage, shapeTypes[shapeV2](TypeHandlersOptions{}), ChannelOptions{})

	deepEqual(t, ch.Types().ByName("Shape").TypeID(), TypeID(1001))
	loaded := must(ch.Load(id))
	deepEqual(t, loaded, any(&shapeV2{Sides: 6, Name: "hex"}))

	h := must(ch.Types().ByTypeID(1000))
	deepEqual(t, h.Type(), ch.Types().ByName("Shape").Type())
	if err := h.Store(NewRecordWriter(nil, ch.ByteOrder()), loaded, id, nil); err == nil {
		t.Errorf("** legacy handler accepted a store")
	}
}

func TestLegacyMappingRejected(t *testing.T) {
	storage, id := storeLegacyShape(t)
	ch := setupWith(t, storage, shapeTypes[shapeV2](TypeHandlersOptions{Approver: AutoReject}), ChannelOptions{})
	_, err := ch.Load(id)
	var re *MappingRejectedError
	if !errors.As(err, &re) {
		t.Fatalf("** Load = %v, wanted *MappingRejectedError", err)
	}
	deepEqual(t, re.Mapping.Discarded, []int{1})
	deepEqual(t, re.Mapping.New, []int{1})
}

func TestLegacyMappingApproval(t *testing.T) {
	storage, id := storeLegacyShape(t)
	var seen *LegacyMapping
	approver := ApproveFunc(func(m *LegacyMapping) error {
		seen = m
		return nil
	})
	ch := setupWith(t, storage, shapeTypes[shapeV2](TypeHandlersOptions{Approver: approver}), ChannelOptions{})
	must(ch.Load(id))
	isnonnil(t, seen)
	desc := seen.Describe()
	for _, s := range []string{"bool Shape#Old -> discarded", "new float64 Shape#Area", "string Shape#Name -> string Shape#Name 1.00"} {
		if !strings.Contains(desc, s) {
			t.Errorf("** mapping description does not contain %q:\n%s", s, desc)
		}
	}
}

func TestLegacyOverrides(t *testing.T) {
	storage, id := storeLegacyShape(t)
	types := shapeTypes[shapeV3](TypeHandlersOptions{
		Approver: AutoReject,
		Overrides: []MemberOverride{
			{TypeName: "Shape", Legacy: "Shape#Sides", Current: "Shape#Count"},
			{TypeName: "Shape", Legacy: "Shape#Old"},
		},
	})
	ch := setupWith(t, storage, types, ChannelOptions{})
	deepEqual(t, must(ch.Load(id)), any(&shapeV3{Count: 6, Name: "hex"}))
}

func TestLegacyConfidentScore(t *testing.T) {
	storage, id := storeLegacyShape(t)
	types := shapeTypes[shapeV2](TypeHandlersOptions{
		Approver:  AutoReject,
		Matcher:   &Matcher{ConfidentScore: 0.8},
		Overrides: []MemberOverride{{TypeName: "Shape", Legacy: "Shape#Old"}},
	})
	ch := setupWith(t, storage, types, ChannelOptions{})
	deepEqual(t, must(ch.Load(id)), any(&shapeV2{Sides: 6, Name: "hex"}))
}

func TestLegacyKindMismatch(t *testing.T) {
	storage, id := storeLegacyShape(t)
	types := NewTypeHandlers(TypeHandlersOptions{})
	ensure(RegisterEnum[Color](types, "Shape", "Circle", "Square"))
	ch := setupWith(t, storage, types, ChannelOptions{})
	_, err := ch.Load(id)
	var se *SchemaValidationError
	if !errors.As(err, &se) {
		t.Fatalf("** Load = %v, wanted *SchemaValidationError", err)
	}
}

func TestLegacyUnknownType(t *testing.T) {
	storage, id := storeLegacyShape(t)
	ch := setupWith(t, storage, NewTypeHandlers(TypeHandlersOptions{}), ChannelOptions{})
	_, err := ch.Load(id)
	var ue *UnresolvableTypeError
	if !errors.As(err, &ue) {
		t.Fatalf("** Load = %v, wanted *UnresolvableTypeError", err)
	}
	deepEqual(t, ue.TypeName, "Shape")
	deepEqual(t, ue.TypeID, TypeID(1000))
}

func colorTypes(o TypeHandlersOptions, constants ...string) *TypeHandlers {
	types := NewTypeHandlers(o)
	MustRegister[Point](types, "Point")
	MustRegister[Pixel](types, "Pixel")
	ensure(RegisterEnum[Color](types, "Color", constants...))
	return types
}

func storePixel(t testing.TB, c Color) (Storage, ObjectID) {
	t.Helper()
	storage := NewMemStorage()
	ch := setupWith(t, storage, colorTypes(TypeHandlersOptions{}, "Red", "Green", "Blue"), ChannelOptions{})
	return storage, must(ch.Store(&Pixel{Color: c}))
}

func TestLegacyEnumAddedConstant(t *testing.T) {
	storage, id := storePixel(t, Blue)
	ch := setupWith(t, storage, colorTypes(TypeHandlersOptions{}, "Red", "Green", "Blue", "Alpha"), ChannelOptions{})
	deepEqual(t, must(ch.Load(id)).(*Pixel).Color, Blue)
}

func TestLegacyEnumOrdinalChange(t *testing.T) {
	storage, id := storePixel(t, Green)
	ch := setupWith(t, storage, colorTypes(TypeHandlersOptions{}, "Red", "Blue", "Green"), ChannelOptions{})
	_, err := ch.Load(id)
	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("** Load = %v, wanted *ConsistencyError", err)
	}
	deepEqual(t, ce.TypeName, "Color")
}

func TestLegacyEnumOrdinalOverride(t *testing.T) {
	storage, id := storePixel(t, Green)
	o := TypeHandlersOptions{Overrides: []MemberOverride{
		{TypeName: "Color", Legacy: "Green", Current: "Green"},
		{TypeName: "Color", Legacy: "Blue", Current: "Blue"},
	}}
	ch := setupWith(t, storage, colorTypes(o, "Red", "Blue", "Green"), ChannelOptions{})
	deepEqual(t, must(ch.Load(id)).(*Pixel).Color, Color(2))
}

func TestLegacyEnumRemovedConstant(t *testing.T) {
	storage, id := storePixel(t, Blue)
	ch := setupWith(t, storage, colorTypes(TypeHandlersOptions{}, "Red", "Green"), ChannelOptions{})
	_, err := ch.Load(id)
	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("** Load = %v, wanted *ConsistencyError", err)
	}

	o := TypeHandlersOptions{Overrides: []MemberOverride{{TypeName: "Color", Legacy: "Blue"}}}
	ch = setupWith(t, storage, colorTypes(o, "Red", "Green"), ChannelOptions{})
	px := must(ch.Load(id)).(*Pixel)
	deepEqual(t, px.Color, Red)
}

func TestMatcherIsDeterministic(t *testing.T) {
	legacy := mustDescriptor(1000, "A",
		Field("int32", "A", "x"),
		Field("int32", "A", "y"),
		Field("bool", "A", "flag"),
	)
	current := mustDescriptor(1001, "A",
		Field("int64", "A", "y"),
		Field("int64", "A", "x"),
		Field("string", "A", "title"),
	)
	m := &Matcher{}
	first := must(m.Match(legacy, current, nil))
	for range 10 {
		deepEqual(t, must(m.Match(legacy, current, nil)), first)
	}

	var pairs [][2]int
	for _, mm := range first.Matches {
		pairs = append(pairs, [2]int{mm.Legacy, mm.Current})
	}
	deepEqual(t, pairs, [][2]int{{0, 1}, {1, 0}})
	deepEqual(t, first.Discarded, []int{2})
	deepEqual(t, first.New, []int{2})
	deepEqual(t, first.Ambiguous, true)
}

func TestMatcherOverrideErrors(t *testing.T) {
	legacy := mustDescriptor(1000, "A", Field("int32", "A", "x"), Field("string", "A", "s"))
	current := mustDescriptor(1001, "A", Field("int64", "A", "x"), Field("string", "A", "s"))
	m := &Matcher{}
	for _, o := range []MemberOverride{
		{TypeName: "A", Legacy: "A#missing", Current: "A#x"},
		{TypeName: "A", Legacy: "A#x", Current: "A#missing"},
		{TypeName: "A", Legacy: "A#x", Current: "A#s"},
	} {
		_, err := m.Match(legacy, current, []MemberOverride{o})
		var se *SchemaValidationError
		if !errors.As(err, &se) {
			t.Errorf("** Match with %+v = %v, wanted *SchemaValidationError", o, err)
		}
	}
	// overrides of other types are ignored
	mapping := must(m.Match(legacy, current, []MemberOverride{{TypeName: "B", Legacy: "B#x"}}))
	isempty(t, mapping.Discarded)
}

func TestDefaultSimilarity(t *testing.T) {
	pos := func(m Member, i, n int) MemberPosition { return MemberPosition{m, i, n} }
	same := Field("int32", "A", "count")
	deepEqual(t, DefaultSimilarity(pos(same, 0, 2), pos(same, 1, 2)), 1.0)

	renamed := DefaultSimilarity(pos(same, 0, 2), pos(Field("int32", "A", "counts"), 0, 2))
	unrelated := DefaultSimilarity(pos(same, 0, 2), pos(Field("int32", "A", "zzz"), 0, 2))
	if renamed <= unrelated {
		t.Errorf("** renamed %v <= unrelated %v", renamed, unrelated)
	}
	if renamed < DefaultMatchThreshold {
		t.Errorf("** renamed %v is below the threshold", renamed)
	}
}
