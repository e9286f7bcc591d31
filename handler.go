package ogstore

import (
	"fmt"
	"reflect"
)

// TypeHandler encodes and decodes the instances of one type into binary
// records. A handler is bound to exactly one TypeID and is immutable once
// bound, so it can be shared by concurrent store and load passes.
//
// Loading runs in three phases over a batch of records: Create allocates an
// empty instance that is registered before anything is populated,
// UpdateState fills it in, and Complete runs after every UpdateState of the
// batch for invariants that depend on referenced objects being populated.
type TypeHandler interface {
	TypeID() TypeID
	TypeName() string
	Descriptor() *TypeDescriptor

	// Type is the Go type of the instances, a pointer type for
	// identity-bearing handlers.
	Type() reflect.Type

	// HasIdentity is false for value types (numbers, strings, enums), whose
	// records are never registered.
	HasIdentity() bool

	// Store writes the payload of inst into the record opened by the
	// caller. Every embedded reference goes through sh.Apply.
	Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error

	Create(rec Record, lh LoadHandler) (any, error)
	UpdateState(rec Record, inst any, lh LoadHandler) error
	Complete(rec Record, inst any, lh LoadHandler) error

	IterateInstanceReferences(inst any, f func(ref any))
	IterateLoadableReferences(rec Record, f func(id ObjectID))
}

// StoreHandler assigns an ObjectID to a referenced value, scheduling it for
// storage if it has not been written yet.
type StoreHandler interface {
	Apply(ref any) (ObjectID, error)
}

// LoadHandler resolves ObjectIDs to instances during a load. The returned
// instance may still be mid-population.
type LoadHandler interface {
	LookupObject(id ObjectID) any
}

// managedHandler is what TypeHandlers needs beyond TypeHandler.
type managedHandler interface {
	TypeHandler

	// prepare builds the unbound descriptor once all types are registered.
	prepare(types *TypeHandlers) error
	template() *TypeDescriptor
	bindTypeID(id TypeID) error
}

type handlerBase struct {
	name string
	typ  reflect.Type
	tmpl *TypeDescriptor
	desc *TypeDescriptor
}

func (h *handlerBase) TypeName() string            { return h.name }
func (h *handlerBase) Type() reflect.Type          { return h.typ }
func (h *handlerBase) template() *TypeDescriptor   { return h.tmpl }
func (h *handlerBase) prepare(*TypeHandlers) error { return nil }

func (h *handlerBase) TypeID() TypeID {
	if h.desc == nil {
		return 0
	}
	return h.desc.ID
}

func (h *handlerBase) Descriptor() *TypeDescriptor {
	if h.desc == nil {
		return h.tmpl
	}
	return h.desc
}

func (h *handlerBase) bindTypeID(id TypeID) error {
	if h.desc != nil {
		if h.desc.ID == id {
			return nil
		}
		return &ConsistencyError{TypeName: h.name, Msg: fmt.Sprintf("handler is bound to type id %d, cannot rebind to %d", h.desc.ID, id)}
	}
	if h.tmpl == nil {
		return schemaErrf(h.name, "", "handler not prepared")
	}
	h.desc = h.tmpl.withID(id)
	return nil
}

func (h *handlerBase) Complete(Record, any, LoadHandler) error { return nil }

func (h *handlerBase) typeMismatch(inst any) error {
	return fmt.Errorf("%s handler: got %T, wanted %v", h.name, inst, h.typ)
}

// valueHandler is the base of handlers for identity-less values. Create
// produces the final value, so UpdateState has nothing to do.
type valueHandler struct {
	handlerBase
}

func (h *valueHandler) HasIdentity() bool                          { return false }
func (h *valueHandler) UpdateState(Record, any, LoadHandler) error { return nil }
func (h *valueHandler) IterateInstanceReferences(any, func(any)) {}
func (h *valueHandler) IterateLoadableReferences(Record, func(ObjectID)) {}

// primitiveHandler handles fixed-width numbers and bools.
type primitiveHandler struct {
	valueHandler
	codec primitiveCodec
}

func newPrimitiveHandler(name string, typ reflect.Type) *primitiveHandler {
	h := &primitiveHandler{codec: primitiveCodecs[typ.Kind()]}
	h.name = name
	h.typ = typ
	h.tmpl = mustDescriptor(0, name, Primitive(typ.Kind().String()))
	return h
}

func (h *primitiveHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.typ {
		return h.typeMismatch(inst)
	}
	h.codec.write(w, v)
	return nil
}

func (h *primitiveHandler) Create(rec Record, lh LoadHandler) (any, error) {
	v := reflect.New(h.typ).Elem()
	d, err := rec.decoderAt(0)
	if err != nil {
		return nil, err
	}
	if err := h.codec.read(&d, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// stringHandler handles string and []byte values in reference slots.
type stringHandler struct {
	valueHandler
	bytes bool
}

func newStringHandler(name string, typ reflect.Type) *stringHandler {
	h := &stringHandler{bytes: typ.Kind() == reflect.Slice}
	h.name = name
	h.typ = typ
	layout := LayoutString
	if h.bytes {
		layout = LayoutBytes
	}
	h.tmpl = mustDescriptor(0, name, Pseudo(layout, "value"))
	return h
}

func (h *stringHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	switch v := inst.(type) {
	case string:
		if h.bytes {
			return h.typeMismatch(inst)
		}
		w.AppendString(v)
	case []byte:
		if !h.bytes {
			return h.typeMismatch(inst)
		}
		w.AppendVarBytes(v)
	default:
		return h.typeMismatch(inst)
	}
	return nil
}

func (h *stringHandler) Create(rec Record, lh LoadHandler) (any, error) {
	d, err := rec.decoderAt(0)
	if err != nil {
		return nil, err
	}
	b, err := d.VarBytes()
	if err != nil {
		return nil, err
	}
	if h.bytes {
		return append([]byte(nil), b...), nil
	}
	return string(b), nil
}

// enumHandler handles named integer types with a fixed set of named
// constants. Values are written as [ordinal:8] under the enum's own TypeID.
type enumHandler struct {
	valueHandler
	constants []string
}

func newEnumHandler(name string, typ reflect.Type, constants []string) (*enumHandler, error) {
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return nil, schemaErrf(name, "", "enum type %v is not an integer type", typ)
	}
	if len(constants) == 0 {
		return nil, schemaErrf(name, "", "enum has no constants")
	}
	members := []Member{Pseudo("int64", "ordinal")}
	for _, c := range constants {
		members = append(members, Pseudo(LayoutConst, c))
	}
	tmpl, err := NewTypeDescriptor(0, name, members)
	if err != nil {
		return nil, err
	}
	h := &enumHandler{constants: constants}
	h.name = name
	h.typ = typ
	h.tmpl = tmpl
	return h, nil
}

func (h *enumHandler) ordinal(inst any) (int64, error) {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.typ {
		return 0, h.typeMismatch(inst)
	}
	var ord int64
	if v.CanInt() {
		ord = v.Int()
	} else {
		ord = int64(v.Uint())
	}
	if ord < 0 || ord >= int64(len(h.constants)) {
		return 0, fmt.Errorf("%s: ordinal %d out of range", h.name, ord)
	}
	return ord, nil
}

func (h *enumHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	ord, err := h.ordinal(inst)
	if err != nil {
		return err
	}
	w.AppendUint64(uint64(ord))
	return nil
}

func (h *enumHandler) Create(rec Record, lh LoadHandler) (any, error) {
	ord, err := rec.Uint64At(0)
	if err != nil {
		return nil, err
	}
	if ord >= uint64(len(h.constants)) {
		return nil, dataErrf(rec.Data, RecordHeaderSize, nil, "%s: ordinal %d out of range", h.name, ord)
	}
	return h.valueOf(int64(ord)), nil
}

func (h *enumHandler) valueOf(ord int64) any {
	v := reflect.New(h.typ).Elem()
	if v.CanInt() {
		v.SetInt(ord)
	} else {
		v.SetUint(uint64(ord))
	}
	return v.Interface()
}

func (h *enumHandler) constantName(inst any) (string, error) {
	ord, err := h.ordinal(inst)
	if err != nil {
		return "", err
	}
	return h.constants[ord], nil
}
