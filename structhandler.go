package ogstore

import (
	"fmt"
	"reflect"
	"slices"
)

// structHandler is the reflective handler of a registered struct type.
// Instances are *T. Members are laid out as references first, then fixed
// primitives, then variable-length strings and byte slices.
type structHandler struct {
	handlerBase
	elem   reflect.Type
	fields []fieldAccessor // in member order
}

// fieldAccessor reads and writes one struct field, generated once when the
// handler is prepared.
type fieldAccessor struct {
	structField
	member Member
	codec  primitiveCodec
}

func (a *fieldAccessor) value(v reflect.Value) reflect.Value {
	return v.FieldByIndex(a.Index)
}

func newStructHandler(name string, typ reflect.Type) (*structHandler, error) {
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, schemaErrf(name, "", "%v is not a pointer to a struct", typ)
	}
	info := reflectStruct(typ.Elem())
	if info.err != nil {
		return nil, schemaErrf(name, "", "%v", info.err)
	}
	h := &structHandler{elem: typ.Elem()}
	h.name = name
	h.typ = typ
	return h, nil
}

func (h *structHandler) HasIdentity() bool { return true }

func (h *structHandler) prepare(types *TypeHandlers) error {
	if h.tmpl != nil {
		return nil
	}
	info := reflectStruct(h.elem)
	fields := make([]fieldAccessor, 0, len(info.fields))
	for _, sf := range info.fields {
		a := fieldAccessor{structField: sf}
		declaring := types.declaringName(sf.Declaring)
		if sf.Declaring == h.elem {
			declaring = h.name
		}
		switch {
		case sf.Kind == fieldPrimitive && types.enumFor(sf.Type) != nil:
			a.Kind = fieldRef
			a.member = Field(types.enumFor(sf.Type).name, declaring, sf.Name)
		case sf.Kind == fieldPrimitive:
			a.codec = primitiveCodecs[sf.Type.Kind()]
			a.member = Field(sf.Type.Kind().String(), declaring, sf.Name)
		case sf.Kind == fieldString:
			a.member = Field(LayoutString, declaring, sf.Name)
		case sf.Kind == fieldBytes:
			a.member = Field(LayoutBytes, declaring, sf.Name)
		default:
			ft, err := types.referenceTypeName(sf.Type)
			if err != nil {
				return schemaErrf(h.name, sf.Name, "%v", err)
			}
			a.member = Field(ft, declaring, sf.Name)
		}
		fields = append(fields, a)
	}
	slices.SortStableFunc(fields, func(a, b fieldAccessor) int {
		return layoutGroup(a) - layoutGroup(b)
	})

	members := make([]Member, len(fields))
	for i, a := range fields {
		members[i] = a.member
	}
	tmpl, err := NewTypeDescriptor(0, h.name, members)
	if err != nil {
		return err
	}
	for i := range fields {
		fields[i].member = tmpl.Members[i]
	}
	h.fields = fields
	h.tmpl = tmpl
	return nil
}

func layoutGroup(a fieldAccessor) int {
	switch a.Kind {
	case fieldRef:
		return 0
	case fieldPrimitive:
		return 1
	default:
		return 2
	}
}

func (h *structHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.typ || v.IsNil() {
		return h.typeMismatch(inst)
	}
	v = v.Elem()
	for i := range h.fields {
		a := &h.fields[i]
		fv := a.value(v)
		switch a.Kind {
		case fieldRef:
			rid, err := sh.Apply(refValue(fv))
			if err != nil {
				return err
			}
			w.AppendID(rid)
		case fieldPrimitive:
			a.codec.write(w, fv)
		case fieldString:
			w.AppendString(fv.String())
		case fieldBytes:
			w.AppendVarBytes(fv.Bytes())
		}
	}
	return nil
}

func (h *structHandler) Create(rec Record, lh LoadHandler) (any, error) {
	return reflect.New(h.elem).Interface(), nil
}

func (h *structHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.typ || v.IsNil() {
		return h.typeMismatch(inst)
	}
	v = v.Elem()
	d, err := rec.decoderAt(0)
	if err != nil {
		return err
	}
	for i := range h.fields {
		a := &h.fields[i]
		fv := a.value(v)
		switch a.Kind {
		case fieldRef:
			rid, err := d.Uint64()
			if err != nil {
				return err
			}
			if err := assignRef(fv, lh.LookupObject(ObjectID(rid))); err != nil {
				return schemaErrf(h.name, a.Name, "%v", err)
			}
		case fieldPrimitive:
			if err := a.codec.read(&d, fv); err != nil {
				return err
			}
		case fieldString:
			b, err := d.VarBytes()
			if err != nil {
				return err
			}
			fv.SetString(string(b))
		case fieldBytes:
			b, err := d.VarBytes()
			if err != nil {
				return err
			}
			fv.SetBytes(cloneBytes(b))
		}
	}
	return nil
}

func (h *structHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.typ || v.IsNil() {
		return
	}
	v = v.Elem()
	for i := range h.fields {
		a := &h.fields[i]
		if a.Kind != fieldRef {
			continue
		}
		if ref := refValue(a.value(v)); ref != nil {
			f(ref)
		}
	}
}

func (h *structHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefMembers(rec, h.Descriptor(), f)
}

// iterateRefMembers reports the non-nil ids of all fixed-offset reference
// members of a record.
func iterateRefMembers(rec Record, desc *TypeDescriptor, f func(id ObjectID)) {
	for _, m := range desc.Members {
		if !m.IsReference() || m.Offset < 0 {
			continue
		}
		if id, err := rec.IDAt(m.Offset); err == nil && id != 0 {
			f(id)
		}
	}
}

// refValue returns the referenced value held by a reference field, or nil
// for nil pointers and interfaces.
func refValue(fv reflect.Value) any {
	switch fv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if fv.IsNil() {
			return nil
		}
	}
	return fv.Interface()
}

// assignRef stores a loaded reference into a field. A missing object
// leaves the zero value.
func assignRef(fv reflect.Value, obj any) error {
	if obj == nil {
		fv.SetZero()
		return nil
	}
	ov := reflect.ValueOf(obj)
	if !ov.Type().AssignableTo(fv.Type()) {
		return typeAssignError(ov.Type(), fv.Type())
	}
	fv.Set(ov)
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func typeAssignError(from, to reflect.Type) error {
	return fmt.Errorf("cannot assign %v to %v", from, to)
}
