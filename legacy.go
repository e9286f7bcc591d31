package ogstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// MappingApprover decides whether an ambiguous legacy mapping is used.
// It must not block indefinitely.
type MappingApprover interface {
	Approve(m *LegacyMapping) error
}

// ApproveFunc adapts a function to MappingApprover. A non-nil error rejects
// the mapping.
type ApproveFunc func(m *LegacyMapping) error

func (f ApproveFunc) Approve(m *LegacyMapping) error { return f(m) }

var errAutoRejected = errors.New("ambiguous mappings are rejected")

var (
	AutoAccept MappingApprover = ApproveFunc(func(*LegacyMapping) error { return nil })
	AutoReject MappingApprover = ApproveFunc(func(*LegacyMapping) error { return errAutoRejected })
)

func (types *TypeHandlers) newLegacyHandler(legacy *TypeDescriptor, current managedHandler) (TypeHandler, error) {
	cd := current.Descriptor()
	if legacy.SameStructure(cd) {
		return &reboundHandler{TypeHandler: current, desc: legacy}, nil
	}
	switch current := current.(type) {
	case *structHandler:
		if !legacy.IsReflective() {
			return nil, schemaErrf(legacy.Name, "", "stored layout %v is not a reflective type", legacy)
		}
		mapping, err := types.approvedMapping(legacy, cd)
		if err != nil {
			return nil, err
		}
		return newReflectiveLegacyHandler(legacy, current, mapping)
	case *enumHandler:
		if !legacy.IsEnum() {
			return nil, schemaErrf(legacy.Name, "", "stored layout %v is not an enum", legacy)
		}
		return types.newEnumLegacyHandler(legacy, current)
	default:
		return nil, schemaErrf(legacy.Name, "", "stored layout %v does not match the built-in layout %v", legacy, cd)
	}
}

func (types *TypeHandlers) approvedMapping(legacy, current *TypeDescriptor) (*LegacyMapping, error) {
	mapping, err := types.matcher.Match(legacy, current, types.overrides)
	if err != nil {
		return nil, err
	}
	if mapping.Ambiguous {
		if err := types.approver.Approve(mapping); err != nil {
			return nil, &MappingRejectedError{Mapping: mapping, Err: err}
		}
	}
	types.logMapping(mapping)
	return mapping, nil
}

func (types *TypeHandlers) logMapping(m *LegacyMapping) {
	ctx := context.Background()
	types.logger.LogAttrs(ctx, slog.LevelInfo, "types: legacy mapping", slog.String("mapping", m.String()), slog.Int("matched", len(m.Matches)), slog.Int("discarded", len(m.Discarded)), slog.Int("new", len(m.New)), slog.Bool("ambiguous", m.Ambiguous))
	for _, i := range m.Discarded {
		types.logger.LogAttrs(ctx, slog.LevelWarn, "types: legacy member discarded", slog.String("mapping", m.String()), slog.String("member", m.Legacy.Members[i].Identifier()))
	}
}

// reboundHandler serves an old TypeID whose layout is identical to the
// current one.
type reboundHandler struct {
	TypeHandler
	desc *TypeDescriptor
}

func (h *reboundHandler) TypeID() TypeID              { return h.desc.ID }
func (h *reboundHandler) Descriptor() *TypeDescriptor { return h.desc }

func (h *reboundHandler) Store(*RecordWriter, any, ObjectID, StoreHandler) error {
	return errLegacyStore(h.desc)
}

func errLegacyStore(desc *TypeDescriptor) error {
	return fmt.Errorf("%v: legacy layouts are read-only", desc)
}

// legacyField copies one legacy member into the current instance.
type legacyField struct {
	member Member
	target *fieldAccessor // nil if discarded
	conv   reflect.Type   // decode type of a legacy primitive
}

// reflectiveLegacyHandler decodes an old struct layout into the current
// struct type.
type reflectiveLegacyHandler struct {
	desc    *TypeDescriptor
	current *structHandler
	mapping *LegacyMapping
	fields  []legacyField
}

func newReflectiveLegacyHandler(legacy *TypeDescriptor, current *structHandler, mapping *LegacyMapping) (*reflectiveLegacyHandler, error) {
	h := &reflectiveLegacyHandler{desc: legacy, current: current, mapping: mapping}
	for i, m := range legacy.Members {
		f := legacyField{member: m}
		if IsPrimitiveTypeName(m.FieldType) {
			f.conv = primitiveTypes[m.FieldType]
		}
		if j := mapping.CurrentFor(i); j >= 0 {
			f.target = &current.fields[j]
		}
		h.fields = append(h.fields, f)
	}
	return h, nil
}

func (h *reflectiveLegacyHandler) TypeID() TypeID              { return h.desc.ID }
func (h *reflectiveLegacyHandler) TypeName() string            { return h.desc.Name }
func (h *reflectiveLegacyHandler) Descriptor() *TypeDescriptor { return h.desc }
func (h *reflectiveLegacyHandler) Type() reflect.Type          { return h.current.Type() }
func (h *reflectiveLegacyHandler) HasIdentity() bool           { return true }
func (h *reflectiveLegacyHandler) Mapping() *LegacyMapping     { return h.mapping }

func (h *reflectiveLegacyHandler) Store(*RecordWriter, any, ObjectID, StoreHandler) error {
	return errLegacyStore(h.desc)
}

func (h *reflectiveLegacyHandler) Create(rec Record, lh LoadHandler) (any, error) {
	return h.current.Create(rec, lh)
}

func (h *reflectiveLegacyHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	v := reflect.ValueOf(inst)
	if !v.IsValid() || v.Type() != h.current.typ || v.IsNil() {
		return h.current.typeMismatch(inst)
	}
	v = v.Elem()
	d, err := rec.decoderAt(0)
	if err != nil {
		return err
	}
	for i := range h.fields {
		f := &h.fields[i]
		var fv reflect.Value
		if f.target != nil {
			fv = f.target.value(v)
		}
		if err := h.copyField(&d, f, fv, lh); err != nil {
			return err
		}
	}
	return nil
}

func (h *reflectiveLegacyHandler) copyField(d *byteDecoder, f *legacyField, fv reflect.Value, lh LoadHandler) error {
	m := f.member
	switch {
	case f.conv != nil:
		lv := reflect.New(f.conv).Elem()
		if err := primitiveCodecs[f.conv.Kind()].read(d, lv); err != nil {
			return err
		}
		if fv.IsValid() {
			cv, ok := convertPrimitive(lv, fv.Type())
			if !ok {
				return schemaErrf(h.desc.Name, m.Identifier(), "cannot convert %v to %v", lv.Type(), fv.Type())
			}
			fv.Set(cv)
		}
	case isInlineBytes(m.FieldType):
		b, err := d.VarBytes()
		if err != nil {
			return err
		}
		if fv.IsValid() {
			if fv.Kind() == reflect.String {
				fv.SetString(string(b))
			} else {
				fv.SetBytes(cloneBytes(b))
			}
		}
	case m.Width == 0:
	case m.IsReference():
		rid, err := d.Uint64()
		if err != nil {
			return err
		}
		if fv.IsValid() {
			if err := assignRef(fv, lookupRef(ObjectID(rid), lh)); err != nil {
				return schemaErrf(h.desc.Name, m.Identifier(), "%v", err)
			}
		}
	default:
		return schemaErrf(h.desc.Name, m.Identifier(), "unsupported legacy member type %s", m.FieldType)
	}
	return nil
}

func (h *reflectiveLegacyHandler) Complete(rec Record, inst any, lh LoadHandler) error {
	return nil
}

func (h *reflectiveLegacyHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	h.current.IterateInstanceReferences(inst, f)
}

func (h *reflectiveLegacyHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefMembers(rec, h.desc, f)
}

// enumLegacyHandler translates the ordinals of an old enum layout by
// constant name.
type enumLegacyHandler struct {
	valueHandler
	current *enumHandler
	ordinals []int64 // legacy ordinal -> current ordinal, -1 if discarded
}

func enumConstants(d *TypeDescriptor) []string {
	var result []string
	for _, m := range d.Members {
		if m.Kind == MemberPseudo && m.FieldType == LayoutConst {
			result = append(result, m.Name)
		}
	}
	return result
}

func (types *TypeHandlers) newEnumLegacyHandler(legacy *TypeDescriptor, current *enumHandler) (*enumLegacyHandler, error) {
	overrides := make(map[string]string)
	for _, o := range types.overrides {
		if o.TypeName == current.name {
			overrides[o.Legacy] = o.Current
		}
	}
	currentOrd := make(map[string]int64, len(current.constants))
	for i, c := range current.constants {
		currentOrd[c] = int64(i)
	}

	legacyConsts := enumConstants(legacy)
	h := &enumLegacyHandler{current: current, ordinals: make([]int64, len(legacyConsts))}
	h.name = legacy.Name
	h.typ = current.typ
	h.tmpl = legacy
	h.desc = legacy
	for i, c := range legacyConsts {
		target, overridden := overrides[c]
		if !overridden {
			target = c
		}
		if target == "" {
			h.ordinals[i] = -1
			continue
		}
		ord, ok := currentOrd[target]
		if !ok {
			if overridden {
				return nil, schemaErrf(legacy.Name, target, "override names an unknown constant")
			}
			return nil, &ConsistencyError{TypeName: legacy.Name, Msg: fmt.Sprintf("enum constant %s was removed without an override", c)}
		}
		if ord != int64(i) && !overridden {
			return nil, &ConsistencyError{TypeName: legacy.Name, Msg: fmt.Sprintf("enum constant %s would change ordinal from %d to %d", c, i, ord)}
		}
		h.ordinals[i] = ord
	}
	types.logger.LogAttrs(context.Background(), slog.LevelInfo, "types: legacy enum mapping", slog.String("legacy", legacy.String()), slog.String("current", current.Descriptor().String()))
	return h, nil
}

func (h *enumLegacyHandler) Store(*RecordWriter, any, ObjectID, StoreHandler) error {
	return errLegacyStore(h.desc)
}

// Create returns nil for constants discarded by an override.
func (h *enumLegacyHandler) Create(rec Record, lh LoadHandler) (any, error) {
	ord, err := rec.Uint64At(0)
	if err != nil {
		return nil, err
	}
	if ord >= uint64(len(h.ordinals)) {
		return nil, dataErrf(rec.Data, RecordHeaderSize, nil, "%s: ordinal %d out of range", h.name, ord)
	}
	if h.ordinals[ord] < 0 {
		return nil, nil
	}
	return h.current.valueOf(h.ordinals[ord]), nil
}

// unreachableHandler stands in for a peer type with no local equivalent.
// Its records load as nil.
type unreachableHandler struct {
	desc *TypeDescriptor
}

// NewUnreachableHandler returns a handler that skips the records of desc.
func NewUnreachableHandler(desc *TypeDescriptor) TypeHandler {
	return &unreachableHandler{desc: desc}
}

func (h *unreachableHandler) TypeID() TypeID              { return h.desc.ID }
func (h *unreachableHandler) TypeName() string            { return h.desc.Name }
func (h *unreachableHandler) Descriptor() *TypeDescriptor { return h.desc }
func (h *unreachableHandler) Type() reflect.Type          { return nil }
func (h *unreachableHandler) HasIdentity() bool           { return false }

func (h *unreachableHandler) Store(*RecordWriter, any, ObjectID, StoreHandler) error {
	return &UnresolvableTypeError{TypeID: h.desc.ID, TypeName: h.desc.Name}
}

func (h *unreachableHandler) Create(Record, LoadHandler) (any, error)    { return nil, nil }
func (h *unreachableHandler) UpdateState(Record, any, LoadHandler) error { return nil }
func (h *unreachableHandler) Complete(Record, any, LoadHandler) error    { return nil }
func (h *unreachableHandler) IterateInstanceReferences(any, func(ref any)) {}

func (h *unreachableHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefMembers(rec, h.desc, f)
}
