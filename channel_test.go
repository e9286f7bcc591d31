package ogstore

import (
	"cmp"
	"encoding/binary"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type (
	Point struct {
		X float64 `ogs:"x"`
		Y float64 `ogs:"y"`
	}

	Node struct {
		Name  string
		Next  *Node
		Value any
		Items *List
	}

	Color int

	Pixel struct {
		Point
		Color Color
		Alpha uint8
		Data  []byte
		Note  string `ogs:"-"`
	}

	Tag struct {
		Name string
	}

	numberOrder struct {
		Reverse bool
	}
)

const (
	Red Color = iota
	Green
	Blue
)

func (t *Tag) MapKey() any { return t.Name }

func (o *numberOrder) Compare(a, b any) int {
	if o.Reverse {
		a, b = b, a
	}
	return cmp.Compare(a.(int), b.(int))
}

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func newTestTypes(o TypeHandlersOptions) *TypeHandlers {
	types := NewTypeHandlers(o)
	MustRegister[Point](types, "Point")
	MustRegister[Node](types, "Node")
	MustRegister[Pixel](types, "Pixel")
	MustRegister[Tag](types, "Tag")
	MustRegister[numberOrder](types, "NumberOrder")
	ensure(RegisterEnum[Color](types, "Color", "Red", "Green", "Blue"))
	return types
}

func setup(t testing.TB, storage Storage) *Channel {
	t.Helper()
	return setupWith(t, storage, newTestTypes(TypeHandlersOptions{}), ChannelOptions{})
}

func setupWith(t testing.TB, storage Storage, types *TypeHandlers, o ChannelOptions) *Channel {
	t.Helper()
	ch, err := OpenChannel(storage, types, NewRegistry(RegistryOptions{}), o)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

// roundTrip stores root through one channel and loads it back through
// another one with its own types and registry.
func roundTrip[T any](t testing.TB, root T) T {
	t.Helper()
	storage := NewMemStorage()
	id := must(setup(t, storage).Store(root))
	v, err := setup(t, storage).Load(id)
	if err != nil {
		t.Fatal(err)
	}
	result, ok := v.(T)
	if !ok {
		t.Fatalf("** got %T, wanted %T", v, root)
	}
	return result
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func TestChannel(t *testing.T) {
	storage := NewMemStorage()
	ch := setup(t, storage)

	p := &Point{1.5, -2}
	id := must(ch.Store(p))
	deepEqual(t, id, ObjectID(1))
	deepEqual(t, must(ch.Load(id)), any(p))

	other := setup(t, storage)
	loaded := must(other.Load(id)).(*Point)
	if loaded == p {
		t.Fatalf("** a separate registry returned the same instance")
	}
	deepEqual(t, loaded, p)

	// same registry, same instance
	deepEqual(t, must(other.Load(id)), any(loaded))
}

func TestChannelStructFields(t *testing.T) {
	px := &Pixel{Point: Point{3, 4}, Color: Blue, Alpha: 200, Data: []byte{1, 2, 3}, Note: "skipped"}
	loaded := roundTrip(t, px)
	deepEqual(t, loaded, &Pixel{Point: Point{3, 4}, Color: Blue, Alpha: 200, Data: []byte{1, 2, 3}})
}

func TestChannelDescriptors(t *testing.T) {
	ch := setup(t, NewMemStorage())
	types := ch.Types()

	deepEqual(t, AssembleTypeDescriptor(types.ByName("Point").Descriptor()),
		"1000 Point {\n\tfloat64 Point#x;\n\tfloat64 Point#y;\n}\n")
	deepEqual(t, AssembleTypeDescriptor(types.ByName("Node").Descriptor()),
		"1001 Node {\n\tNode     Node#Next;\n\tany      Node#Value;\n\togs.List Node#Items;\n\tstring   Node#Name;\n}\n")
	deepEqual(t, AssembleTypeDescriptor(types.ByName("Pixel").Descriptor()),
		"1002 Pixel {\n\tColor   Pixel#Color;\n\tfloat64 Point#x;\n\tfloat64 Point#y;\n\tuint8   Pixel#Alpha;\n\t[]byte  Pixel#Data;\n}\n")
}

func TestChannelSharedReference(t *testing.T) {
	a := &Point{1, 1}
	b := &Point{2, 2}
	l := NewList(3)
	l.Append(a, b, a)

	storage := NewMemStorage()
	ch := setup(t, storage)
	id := must(ch.Store(l))

	stats := must(ch.Stats())
	deepEqual(t, stats.Objects, 3)

	loaded := must(setup(t, storage).Load(id)).(*List)
	deepEqual(t, loaded.Len(), 3)
	if loaded.Get(0) != loaded.Get(2) {
		t.Errorf("** shared element loaded as two instances")
	}
	if loaded.Get(0) == loaded.Get(1) {
		t.Errorf("** distinct elements loaded as one instance")
	}
	deepEqual(t, loaded.Get(1), any(&Point{2, 2}))
}

func TestChannelCycle(t *testing.T) {
	a := &Node{Name: "a"}
	b := &Node{Name: "b", Next: a}
	a.Next = b
	a.Value = b

	loaded := roundTrip(t, a)
	deepEqual(t, loaded.Name, "a")
	deepEqual(t, loaded.Next.Name, "b")
	if loaded.Next.Next != loaded {
		t.Errorf("** cycle not restored")
	}
	if loaded.Value != any(loaded.Next) {
		t.Errorf("** interface field not resolved to the shared instance")
	}
}

func TestChannelValues(t *testing.T) {
	l := NewList(0)
	l.Append(42, "hello", 2.5, true, []byte("raw"), Green, nil, int8(-3), uint64(1<<63))
	loaded := roundTrip(t, l)
	deepEqual(t, loaded.Elements(), []any{42, "hello", 2.5, true, []byte("raw"), Green, nil, int8(-3), uint64(1 << 63)})
}

func TestChannelValueDedupe(t *testing.T) {
	l := NewList(0)
	l.Append("x", "x", 7, 7, int64(7))
	ch := setup(t, NewMemStorage())
	must(ch.Store(l))
	// list, "x", 7, int64(7)
	deepEqual(t, must(ch.Stats()).Objects, 4)
}

func TestChannelLazyAndEager(t *testing.T) {
	storage := NewMemStorage()
	ch := setup(t, storage)
	n := &Node{Name: "root", Next: &Node{Name: "child"}}
	id := must(ch.Store(n))

	n.Name = "root2"
	n.Next.Name = "child2"
	deepEqual(t, must(ch.Store(n)), id)

	loaded := must(setup(t, storage).Load(id)).(*Node)
	deepEqual(t, loaded.Name, "root2")
	deepEqual(t, loaded.Next.Name, "child")

	eager := setupWith(t, storage, newTestTypes(TypeHandlersOptions{}), ChannelOptions{Eager: true})
	m := must(eager.Load(id)).(*Node)
	m.Next.Name = "child3"
	must(eager.Store(m))
	loaded = must(setup(t, storage).Load(id)).(*Node)
	deepEqual(t, loaded.Next.Name, "child3")
}

func TestChannelRefresh(t *testing.T) {
	storage := NewMemStorage()
	ch := setup(t, storage)
	p := &Point{1, 1}
	id := must(ch.Store(p))

	reader := setupWith(t, storage, newTestTypes(TypeHandlersOptions{}), ChannelOptions{Refresh: true})
	q := must(reader.Load(id)).(*Point)

	p.X = 10
	must(ch.Store(p))
	deepEqual(t, must(reader.Load(id)), any(q))
	deepEqual(t, q.X, 10.0)
}

func TestChannelStoreAll(t *testing.T) {
	ch := setup(t, NewMemStorage())
	shared := &Point{5, 5}
	n1 := &Node{Name: "n1", Value: shared}
	n2 := &Node{Name: "n2", Value: shared}
	ids := must(ch.StoreAll(n1, n2))
	deepEqual(t, ids, []ObjectID{1, 3})
	deepEqual(t, must(ch.Stats()).Objects, 3)
	id, _ := ch.Registry().LookupObjectID(shared)
	deepEqual(t, id, ObjectID(2))
}

func TestChannelStoreFailureRegistersNothing(t *testing.T) {
	type unregistered struct{ N int }
	ch := setup(t, NewMemStorage())
	n := &Node{Name: "n", Next: &Node{Name: "m"}, Value: &unregistered{}}
	_, err := ch.Store(n)
	var se *SchemaValidationError
	if !errors.As(err, &se) {
		t.Fatalf("** Store = %v, wanted *SchemaValidationError", err)
	}
	deepEqual(t, ch.Registry().Size(), 0)
	deepEqual(t, must(ch.Stats()).Objects, 0)

	n.Value = nil
	deepEqual(t, must(ch.Store(n)), ObjectID(1))
}

func TestChannelLoadMissing(t *testing.T) {
	ch := setup(t, NewMemStorage())
	_, err := ch.Load(77)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("** Load = %v, wanted ErrObjectNotFound", err)
	}
}

func TestChannelRoots(t *testing.T) {
	storage := NewMemStorage()
	ch := setup(t, storage)
	id := must(ch.Store(&Point{1, 2}))
	ensure(ch.SetRoot("origin", id))
	deepEqual(t, must(ch.Root("origin")), id)
	deepEqual(t, must(ch.Root("missing")), ObjectID(0))

	deepEqual(t, must(setup(t, storage).Root("origin")), id)

	ensure(ch.SetRoot("origin", 0))
	deepEqual(t, must(ch.Root("origin")), ObjectID(0))
}

func TestChannelBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.db")
	open := func() *Channel {
		storage, err := OpenBoltStorage(path, BoltOptions{IsTesting: true})
		if err != nil {
			t.Fatal(err)
		}
		return setup(t, storage)
	}

	ch := open()
	a := &Node{Name: "a", Items: NewList(2)}
	a.Items.Append(&Point{1, 2}, "two")
	id := must(ch.Store(a))
	ensure(ch.SetRoot("a", id))
	ensure(ch.Close())

	ch = open()
	defer ch.Close()
	loaded := must(ch.Load(must(ch.Root("a")))).(*Node)
	deepEqual(t, loaded, a)

	// ids keep growing across reopen
	deepEqual(t, must(ch.Store(&Point{})), ObjectID(5))
}

func TestChannelJournal(t *testing.T) {
	dir := t.TempDir()
	open := func() *Channel {
		storage, err := OpenJournalStorage(dir, JournalOptions{IsTesting: true})
		if err != nil {
			t.Fatal(err)
		}
		return setup(t, storage)
	}

	ch := open()
	a := &Node{Name: "a", Value: Green}
	id := must(ch.Store(a))
	ensure(ch.SetRoot("a", id))
	a.Name = "renamed"
	must(ch.Store(a))
	ensure(ch.Close())

	ch = open()
	defer ch.Close()
	loaded := must(ch.Load(must(ch.Root("a")))).(*Node)
	deepEqual(t, loaded, a)

	// every pass gives the Green value a fresh id
	deepEqual(t, must(ch.Store(&Point{})), ObjectID(4))
}

func TestChannelByteOrder(t *testing.T) {
	storage := NewMemStorage()
	ch := setupWith(t, storage, newTestTypes(TypeHandlersOptions{}), ChannelOptions{ByteOrder: binary.BigEndian})
	id := must(ch.Store(&Point{1, 2}))

	other := setup(t, storage)
	deepEqual(t, other.ByteOrder(), binary.ByteOrder(binary.BigEndian))
	deepEqual(t, must(other.Load(id)), any(&Point{1, 2}))
}

func TestChannelClose(t *testing.T) {
	ch := setup(t, NewMemStorage())
	ensure(ch.Close())
	ensure(ch.Close())
	if _, err := ch.Store(&Point{}); !errors.Is(err, ErrClosed) {
		t.Errorf("** Store after Close = %v, wanted ErrClosed", err)
	}
	if _, err := ch.Load(1); !errors.Is(err, ErrClosed) {
		t.Errorf("** Load after Close = %v, wanted ErrClosed", err)
	}
	if _, err := ch.Stats(); !errors.Is(err, ErrClosed) {
		t.Errorf("** Stats after Close = %v, wanted ErrClosed", err)
	}
}

func TestChannelDump(t *testing.T) {
	ch := setup(t, NewMemStorage())
	l := NewList(1)
	l.Append(&Point{1, 2})
	id := must(ch.Store(l))
	ensure(ch.SetRoot("list", id))

	out := must(ch.Dump(DumpAll))
	for _, s := range []string{
		"stats: objects = 2, roots = 1",
		"1000 Point {",
		"root list = 1",
		"1. oid 1 = ogs.List(20) len 48 refs [2]",
		"2. oid 2 = Point(1000) len 40 refs []",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("** dump does not contain %q:\n%s", s, out)
		}
	}

	out = must(ch.Dump(DumpRoots))
	if strings.Contains(out, "oid") {
		t.Errorf("** roots-only dump contains records:\n%s", out)
	}
}

func TestChannelDumpEnum(t *testing.T) {
	ch := setup(t, NewMemStorage())
	must(ch.Store(&Node{Name: "n", Value: Blue}))

	out := must(ch.Dump(DumpRecords))
	for _, s := range []string{"2. oid 2 = Color(", "len 32 refs [] value Blue"} {
		if !strings.Contains(out, s) {
			t.Errorf("** dump does not contain %q:\n%s", s, out)
		}
	}
}
