package ogstore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

// FirstUserTypeID is the lowest TypeID minted for registered user types.
// Lower ids are reserved for built-in kinds.
const FirstUserTypeID TypeID = 1000

type builtinKind struct {
	id   TypeID
	name string
	new  func() managedHandler
}

func primitiveKind[T any](id TypeID) builtinKind {
	typ := reflect.TypeFor[T]()
	name := typ.Kind().String()
	return builtinKind{id, name, func() managedHandler { return newPrimitiveHandler(name, typ) }}
}

var builtinKinds = []builtinKind{
	primitiveKind[bool](1),
	primitiveKind[int8](2),
	primitiveKind[uint8](3),
	primitiveKind[int16](4),
	primitiveKind[uint16](5),
	primitiveKind[int32](6),
	primitiveKind[uint32](7),
	primitiveKind[int64](8),
	primitiveKind[uint64](9),
	primitiveKind[int](10),
	primitiveKind[uint](11),
	primitiveKind[float32](12),
	primitiveKind[float64](13),
	{14, LayoutString, func() managedHandler { return newStringHandler(LayoutString, reflect.TypeFor[string]()) }},
	{15, LayoutBytes, func() managedHandler { return newStringHandler(LayoutBytes, reflect.TypeFor[[]byte]()) }},

	{20, TypeNameList, func() managedHandler { return newListHandler() }},
	{21, TypeNameFixedList, func() managedHandler { return newFixedListHandler() }},
	{22, TypeNameLimitedList, func() managedHandler { return newLimitedListHandler() }},
	{23, TypeNameConstList, func() managedHandler { return newConstListHandler() }},
	{24, TypeNameSingleton, func() managedHandler { return newSingletonHandler() }},
	{25, TypeNameHashSet, func() managedHandler { return newHashSetHandler() }},
	{26, TypeNameHashTable, func() managedHandler { return newHashTableHandler() }},
	{27, TypeNameSortedTable, func() managedHandler { return newSortedTableHandler() }},
	{28, TypeNameConstTable, func() managedHandler { return newConstTableHandler() }},
}

type TypeHandlersOptions struct {
	// Dictionary is shared with other handler sets if given.
	Dictionary *TypeDictionary
	Matcher    *Matcher
	Overrides  []MemberOverride
	Approver   MappingApprover
	Logger     *slog.Logger
}

// TypeHandlers resolves handlers by Go type, by name and by TypeID. It holds
// the built-in kinds plus the registered user types; handlers for obsolete
// TypeIDs are built on first lookup.
type TypeHandlers struct {
	mu          sync.RWMutex
	dict        *TypeDictionary
	current     []managedHandler // in registration order
	byType      map[reflect.Type]managedHandler
	byName      map[string]managedHandler
	byID        map[TypeID]TypeHandler
	enums       map[reflect.Type]*enumHandler
	initialized bool

	matcher   *Matcher
	overrides []MemberOverride
	approver  MappingApprover
	logger    *slog.Logger
}

func NewTypeHandlers(o TypeHandlersOptions) *TypeHandlers {
	if o.Dictionary == nil {
		o.Dictionary = NewTypeDictionary()
	}
	if o.Matcher == nil {
		o.Matcher = &Matcher{}
	}
	if o.Approver == nil {
		o.Approver = AutoAccept
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	types := &TypeHandlers{
		dict:      o.Dictionary,
		byType:    make(map[reflect.Type]managedHandler),
		byName:    make(map[string]managedHandler),
		byID:      make(map[TypeID]TypeHandler),
		enums:     make(map[reflect.Type]*enumHandler),
		matcher:   o.Matcher,
		overrides: o.Overrides,
		approver:  o.Approver,
		logger:    o.Logger,
	}
	for _, k := range builtinKinds {
		h := k.new()
		ensure(h.bindTypeID(k.id))
		ensure(types.dict.Register(h.Descriptor()))
		types.add(h)
		types.byID[k.id] = h
	}
	return types
}

func (types *TypeHandlers) Dictionary() *TypeDictionary { return types.dict }
func (types *TypeHandlers) Logger() *slog.Logger        { return types.logger }

func (types *TypeHandlers) add(h managedHandler) {
	types.current = append(types.current, h)
	types.byType[h.Type()] = h
	types.byName[h.TypeName()] = h
}

// Register adds the reflective handler of struct type T. Instances are *T.
func Register[T any](types *TypeHandlers, name string) error {
	h, err := newStructHandler(name, reflect.TypeFor[*T]())
	if err != nil {
		return err
	}
	return types.register(h)
}

// MustRegister is Register that panics on error.
func MustRegister[T any](types *TypeHandlers, name string) {
	ensure(Register[T](types, name))
}

// RegisterEnum adds an enum type whose values 0..len(constants)-1 are named
// by constants.
func RegisterEnum[E any](types *TypeHandlers, name string, constants ...string) error {
	h, err := newEnumHandler(name, reflect.TypeFor[E](), constants)
	if err != nil {
		return err
	}
	return types.register(h)
}

func (types *TypeHandlers) register(h managedHandler) error {
	if err := validateName(h.TypeName()); err != nil {
		return schemaErrf(h.TypeName(), "", "invalid type name: %v", err)
	}
	if IsPrimitiveTypeName(h.TypeName()) || isVariableLayout(h.TypeName()) || h.TypeName() == LayoutConst || h.TypeName() == LayoutRef || h.TypeName() == TypeNameAny {
		return schemaErrf(h.TypeName(), "", "type name is reserved")
	}

	types.mu.Lock()
	defer types.mu.Unlock()
	if types.byName[h.TypeName()] != nil {
		return schemaErrf(h.TypeName(), "", "type name already registered")
	}
	if other := types.byType[h.Type()]; other != nil {
		return schemaErrf(h.TypeName(), "", "%v is already registered as %s", h.Type(), other.TypeName())
	}
	types.add(h)
	if eh, ok := h.(*enumHandler); ok {
		types.enums[eh.typ] = eh
	}
	if types.initialized {
		if err := types.bindCurrent([]managedHandler{h}); err != nil {
			types.current = types.current[:len(types.current)-1]
			delete(types.byType, h.Type())
			delete(types.byName, h.TypeName())
			if eh, ok := h.(*enumHandler); ok {
				delete(types.enums, eh.typ)
			}
			return err
		}
	}
	return nil
}

// Initialize adds stored descriptors to the dictionary and binds every
// registered handler: to a stored TypeID with the same structure if there
// is one, to a freshly minted TypeID otherwise. It can be called again with
// more stored descriptors, already bound handlers keep their TypeID.
func (types *TypeHandlers) Initialize(stored []*TypeDescriptor) error {
	types.mu.Lock()
	defer types.mu.Unlock()
	if err := types.dict.RegisterAll(stored); err != nil {
		return err
	}
	var unbound []managedHandler
	for _, h := range types.current {
		if h.TypeID() == 0 {
			unbound = append(unbound, h)
		}
	}
	if err := types.bindCurrent(unbound); err != nil {
		return err
	}
	types.initialized = true
	return nil
}

func (types *TypeHandlers) bindCurrent(handlers []managedHandler) error {
	for _, h := range handlers {
		if err := h.prepare(types); err != nil {
			return err
		}
	}
	for _, h := range handlers {
		tmpl := h.template()
		var id TypeID
		versions := types.dict.Versions(h.TypeName())
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].SameStructure(tmpl) {
				id = versions[i].ID
				break
			}
		}
		minted := id == 0
		if minted {
			id = types.dict.MintTypeID()
		}
		if err := h.bindTypeID(id); err != nil {
			return err
		}
		if minted {
			if err := types.dict.Register(h.Descriptor()); err != nil {
				return err
			}
			types.logger.LogAttrs(context.Background(), slog.LevelDebug, "types: new type id", slog.String("type", h.TypeName()), slog.Uint64("tid", uint64(id)))
		}
		types.byID[id] = h
	}
	return nil
}

// ForType returns the current handler of Go type t, or nil.
func (types *TypeHandlers) ForType(t reflect.Type) TypeHandler {
	types.mu.RLock()
	defer types.mu.RUnlock()
	if h := types.byType[t]; h != nil && h.TypeID() != 0 {
		return h
	}
	return nil
}

func (types *TypeHandlers) ForInstance(inst any) TypeHandler {
	if inst == nil {
		return nil
	}
	return types.ForType(reflect.TypeOf(inst))
}

// ByName returns the current handler registered under name, or nil.
func (types *TypeHandlers) ByName(name string) TypeHandler {
	types.mu.RLock()
	defer types.mu.RUnlock()
	if h := types.byName[name]; h != nil && h.TypeID() != 0 {
		return h
	}
	return nil
}

// ByTypeID returns the handler bound to id. For an obsolete TypeID of a
// known type, a legacy handler decoding the old layout into the current
// type is built on first lookup and kept for later ones.
func (types *TypeHandlers) ByTypeID(id TypeID) (TypeHandler, error) {
	types.mu.RLock()
	h := types.byID[id]
	types.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	types.mu.Lock()
	defer types.mu.Unlock()
	if h := types.byID[id]; h != nil {
		return h, nil
	}
	desc := types.dict.ByID(id)
	if desc == nil {
		return nil, &UnresolvableTypeError{TypeID: id}
	}
	h, err := types.legacyHandlerLocked(desc)
	if err != nil {
		return nil, err
	}
	types.byID[id] = h
	return h, nil
}

// LegacyHandler builds a handler decoding records laid out as desc into the
// current type of the same name, without remembering it. Used for
// descriptors received from a peer, whose TypeIDs belong to the peer.
func (types *TypeHandlers) LegacyHandler(desc *TypeDescriptor) (TypeHandler, error) {
	types.mu.Lock()
	defer types.mu.Unlock()
	return types.legacyHandlerLocked(desc)
}

func (types *TypeHandlers) legacyHandlerLocked(desc *TypeDescriptor) (TypeHandler, error) {
	current := types.byName[desc.Name]
	if current == nil || current.TypeID() == 0 {
		return nil, &UnresolvableTypeError{TypeID: desc.ID, TypeName: desc.Name}
	}
	return types.newLegacyHandler(desc, current)
}

// Handlers returns the bound current handlers in TypeID order.
func (types *TypeHandlers) Handlers() []TypeHandler {
	types.mu.RLock()
	defer types.mu.RUnlock()
	var result []TypeHandler
	for _, h := range types.current {
		if h.TypeID() != 0 {
			result = append(result, h)
		}
	}
	sortHandlers(result)
	return result
}

// Descriptors returns the descriptors of the current handlers.
func (types *TypeHandlers) Descriptors() []*TypeDescriptor {
	hs := types.Handlers()
	result := make([]*TypeDescriptor, len(hs))
	for i, h := range hs {
		result[i] = h.Descriptor()
	}
	return result
}

func (types *TypeHandlers) declaringName(t reflect.Type) string {
	if h := types.byType[reflect.PointerTo(t)]; h != nil {
		return h.TypeName()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func (types *TypeHandlers) enumFor(t reflect.Type) *enumHandler {
	return types.enums[t]
}

// referenceTypeName is the member field type of a reference field.
func (types *TypeHandlers) referenceTypeName(t reflect.Type) (string, error) {
	if t.Kind() == reflect.Interface {
		return TypeNameAny, nil
	}
	if h := types.byType[t]; h != nil {
		return h.TypeName(), nil
	}
	return "", fmt.Errorf("%v is not a registered type", t)
}

func sortHandlers(hs []TypeHandler) {
	slices.SortFunc(hs, func(a, b TypeHandler) int {
		return cmp.Compare(a.TypeID(), b.TypeID())
	})
}
