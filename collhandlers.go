package ogstore

import (
	"math"
	"reflect"
)

const (
	TypeNameList        = "ogs.List"
	TypeNameFixedList   = "ogs.FixedList"
	TypeNameLimitedList = "ogs.LimitedList"
	TypeNameConstList   = "ogs.ConstList"
	TypeNameSingleton   = "ogs.Singleton"
	TypeNameHashSet     = "ogs.HashSet"
	TypeNameHashTable   = "ogs.HashTable"
	TypeNameSortedTable = "ogs.SortedTable"
	TypeNameConstTable  = "ogs.ConstTable"
)

// Payload offsets of the container layouts.
const (
	densitySize       = 4
	listRefsOffset    = refSize     // after capacity
	hashRefsOffset    = densitySize // after density
	sortedRefsOffset  = refSize     // after comparator
	constTableOffset  = 0
	hashTableOffset   = densitySize
	singletonIDOffset = 0
)

type containerBase struct {
	handlerBase
}

func (h *containerBase) HasIdentity() bool { return true }

func (h *containerBase) init(name string, typ reflect.Type, members ...Member) {
	h.name = name
	h.typ = typ
	h.tmpl = mustDescriptor(0, name, members...)
}

func sizedArrayMembers() []Member {
	return []Member{Pseudo("int64", "capacity"), Pseudo(LayoutRefs, "elements")}
}

// maxPreallocHeadroom bounds the spare capacity allocated for a loaded list
// beyond its elements. The stored capacity is not trusted for allocation.
const maxPreallocHeadroom = 4096

// sizedArrayHandler handles the list-like containers. Exact containers
// always store capacity == count.
type sizedArrayHandler[C any] struct {
	containerBase
	capacity func(c *C) int
	get      func(c *C) []any
	set      func(c *C, capacity int, elems []any)
	nilEmpty bool
	exact    bool
}

func (h *sizedArrayHandler[C]) cast(inst any) (*C, error) {
	c, ok := inst.(*C)
	if !ok || c == nil {
		return nil, h.typeMismatch(inst)
	}
	return c, nil
}

func (h *sizedArrayHandler[C]) header(rec Record) (capacity, count int, err error) {
	capacity, count, err = sizedArrayHeader(rec)
	if err == nil && h.exact && capacity != count {
		err = dataErrf(rec.Data, RecordHeaderSize, nil, "%s capacity %d differs from element count %d", h.name, capacity, count)
	}
	return
}

func (h *sizedArrayHandler[C]) makeElems(capacity, count int) []any {
	if count == 0 && h.nilEmpty {
		return nil
	}
	return make([]any, count, min(capacity, count+maxPreallocHeadroom))
}

func (h *sizedArrayHandler[C]) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	c, err := h.cast(inst)
	if err != nil {
		return err
	}
	return storeSizedArray(w, h.capacity(c), h.get(c), sh)
}

func (h *sizedArrayHandler[C]) Create(rec Record, lh LoadHandler) (any, error) {
	capacity, count, err := h.header(rec)
	if err != nil {
		return nil, err
	}
	c := new(C)
	h.set(c, capacity, h.makeElems(capacity, count))
	return c, nil
}

func (h *sizedArrayHandler[C]) UpdateState(rec Record, inst any, lh LoadHandler) error {
	c, err := h.cast(inst)
	if err != nil {
		return err
	}
	capacity, _, err := h.header(rec)
	if err != nil {
		return err
	}
	ids, err := readRefIDs(rec, listRefsOffset)
	if err != nil {
		return err
	}
	elems := h.get(c)
	if len(elems) != len(ids) {
		elems = h.makeElems(capacity, len(ids))
	}
	resolveRefs(elems, ids, lh)
	h.set(c, capacity, elems)
	return nil
}

func (h *sizedArrayHandler[C]) IterateInstanceReferences(inst any, f func(ref any)) {
	if c, err := h.cast(inst); err == nil {
		iterateAll(h.get(c), f)
	}
}

func (h *sizedArrayHandler[C]) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefIDs(rec, listRefsOffset, f)
}

func newListHandler() *sizedArrayHandler[List] {
	h := &sizedArrayHandler[List]{
		capacity: func(l *List) int { return cap(l.elems) },
		get:      func(l *List) []any { return l.elems },
		set:      func(l *List, _ int, elems []any) { l.elems = elems },
	}
	h.init(TypeNameList, reflect.TypeFor[*List](), sizedArrayMembers()...)
	return h
}

func newFixedListHandler() *sizedArrayHandler[FixedList] {
	h := &sizedArrayHandler[FixedList]{
		capacity: func(l *FixedList) int { return len(l.elems) },
		get:      func(l *FixedList) []any { return l.elems },
		set:      func(l *FixedList, _ int, elems []any) { l.elems = elems },
		exact:    true,
	}
	h.init(TypeNameFixedList, reflect.TypeFor[*FixedList](), sizedArrayMembers()...)
	return h
}

func newLimitedListHandler() *sizedArrayHandler[LimitedList] {
	h := &sizedArrayHandler[LimitedList]{
		capacity: func(l *LimitedList) int { return l.limit },
		get:      func(l *LimitedList) []any { return l.elems },
		set: func(l *LimitedList, limit int, elems []any) {
			l.limit = limit
			l.elems = elems
		},
	}
	h.init(TypeNameLimitedList, reflect.TypeFor[*LimitedList](), sizedArrayMembers()...)
	return h
}

func newConstListHandler() *sizedArrayHandler[ConstList] {
	h := &sizedArrayHandler[ConstList]{
		capacity: func(l *ConstList) int { return len(l.elems) },
		get:      func(l *ConstList) []any { return l.elems },
		set:      func(l *ConstList, _ int, elems []any) { l.elems = elems },
		nilEmpty: true,
		exact:    true,
	}
	h.init(TypeNameConstList, reflect.TypeFor[*ConstList](), sizedArrayMembers()...)
	return h
}

type singletonHandler struct {
	containerBase
}

func newSingletonHandler() *singletonHandler {
	h := &singletonHandler{}
	h.init(TypeNameSingleton, reflect.TypeFor[*Singleton](), Pseudo(LayoutRef, "element"))
	return h
}

func (h *singletonHandler) cast(inst any) (*Singleton, error) {
	s, ok := inst.(*Singleton)
	if !ok || s == nil {
		return nil, h.typeMismatch(inst)
	}
	return s, nil
}

func (h *singletonHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	s, err := h.cast(inst)
	if err != nil {
		return err
	}
	eid, err := sh.Apply(s.elem)
	if err != nil {
		return err
	}
	w.AppendID(eid)
	return nil
}

func (h *singletonHandler) Create(rec Record, lh LoadHandler) (any, error) {
	if _, err := rec.IDAt(singletonIDOffset); err != nil {
		return nil, err
	}
	return &Singleton{}, nil
}

func (h *singletonHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	s, err := h.cast(inst)
	if err != nil {
		return err
	}
	eid, err := rec.IDAt(singletonIDOffset)
	if err != nil {
		return err
	}
	s.elem = lookupRef(eid, lh)
	return nil
}

func (h *singletonHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	if s, err := h.cast(inst); err == nil && s.elem != nil {
		f(s.elem)
	}
}

func (h *singletonHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefMembers(rec, h.Descriptor(), f)
}

func readDensity(rec Record) (float32, error) {
	d, err := rec.Float32At(0)
	if err != nil {
		return 0, err
	}
	if d <= 0 || math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
		return 0, dataErrf(rec.Data, RecordHeaderSize, nil, "invalid hash density %v", d)
	}
	return d, nil
}

// storedDensity substitutes the default for zero-value containers.
func storedDensity(d float32) float32 {
	if d <= 0 {
		return DefaultHashDensity
	}
	return d
}

type hashSetHandler struct {
	containerBase
}

func newHashSetHandler() *hashSetHandler {
	h := &hashSetHandler{}
	h.init(TypeNameHashSet, reflect.TypeFor[*HashSet](), Pseudo("float32", "density"), Pseudo(LayoutRefs, "elements"))
	return h
}

func (h *hashSetHandler) cast(inst any) (*HashSet, error) {
	s, ok := inst.(*HashSet)
	if !ok || s == nil {
		return nil, h.typeMismatch(inst)
	}
	return s, nil
}

func (h *hashSetHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	s, err := h.cast(inst)
	if err != nil {
		return err
	}
	w.AppendFloat32(storedDensity(s.density))
	return storeRefs(w, s.elems, sh)
}

func (h *hashSetHandler) Create(rec Record, lh LoadHandler) (any, error) {
	density, err := readDensity(rec)
	if err != nil {
		return nil, err
	}
	count, err := refCount(rec, hashRefsOffset)
	if err != nil {
		return nil, err
	}
	return &HashSet{density: density, index: make(map[any]int, count)}, nil
}

func (h *hashSetHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	s, err := h.cast(inst)
	if err != nil {
		return err
	}
	density, err := readDensity(rec)
	if err != nil {
		return err
	}
	ids, err := readRefIDs(rec, hashRefsOffset)
	if err != nil {
		return err
	}
	s.density = density
	s.elems = nil
	if len(ids) > 0 {
		s.elems = make([]any, len(ids))
		resolveRefs(s.elems, ids, lh)
	}
	return nil
}

// Complete builds the index. Element map keys may depend on other objects of
// the batch, which are only fully populated now.
func (h *hashSetHandler) Complete(rec Record, inst any, lh LoadHandler) error {
	s, err := h.cast(inst)
	if err != nil {
		return err
	}
	s.reindex()
	return nil
}

func (h *hashSetHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	if s, err := h.cast(inst); err == nil {
		iterateAll(s.elems, f)
	}
}

func (h *hashSetHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefIDs(rec, hashRefsOffset, f)
}

type hashTableHandler struct {
	containerBase
}

func newHashTableHandler() *hashTableHandler {
	h := &hashTableHandler{}
	h.init(TypeNameHashTable, reflect.TypeFor[*HashTable](), Pseudo("float32", "density"), Pseudo(LayoutEntries, "entries"))
	return h
}

func (h *hashTableHandler) cast(inst any) (*HashTable, error) {
	t, ok := inst.(*HashTable)
	if !ok || t == nil {
		return nil, h.typeMismatch(inst)
	}
	return t, nil
}

func (h *hashTableHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	w.AppendFloat32(storedDensity(t.density))
	return storeEntries(w, t.keys, t.values, sh)
}

func (h *hashTableHandler) Create(rec Record, lh LoadHandler) (any, error) {
	density, err := readDensity(rec)
	if err != nil {
		return nil, err
	}
	count, err := entryCount(rec, hashTableOffset)
	if err != nil {
		return nil, err
	}
	return &HashTable{density: density, index: make(map[any]int, count)}, nil
}

func (h *hashTableHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	density, err := readDensity(rec)
	if err != nil {
		return err
	}
	keys, values, err := loadEntries(rec, hashTableOffset, lh)
	if err != nil {
		return err
	}
	t.density, t.keys, t.values = density, keys, values
	return nil
}

func (h *hashTableHandler) Complete(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	t.reindex()
	return nil
}

func (h *hashTableHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	if t, err := h.cast(inst); err == nil {
		iterateEntries(t.keys, t.values, f)
	}
}

func (h *hashTableHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateEntryIDs(rec, hashTableOffset, f)
}

type sortedTableHandler struct {
	containerBase
}

func newSortedTableHandler() *sortedTableHandler {
	h := &sortedTableHandler{}
	h.init(TypeNameSortedTable, reflect.TypeFor[*SortedTable](), Pseudo(LayoutRef, "comparator"), Pseudo(LayoutEntries, "entries"))
	return h
}

func (h *sortedTableHandler) cast(inst any) (*SortedTable, error) {
	t, ok := inst.(*SortedTable)
	if !ok || t == nil {
		return nil, h.typeMismatch(inst)
	}
	return t, nil
}

func (h *sortedTableHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	var cmp any
	if t.cmp != nil {
		cmp = t.cmp
	}
	cid, err := sh.Apply(cmp)
	if err != nil {
		return err
	}
	w.AppendID(cid)
	return storeEntries(w, t.keys, t.values, sh)
}

func (h *sortedTableHandler) Create(rec Record, lh LoadHandler) (any, error) {
	if _, err := entryCount(rec, sortedRefsOffset); err != nil {
		return nil, err
	}
	return &SortedTable{}, nil
}

func (h *sortedTableHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	cid, err := rec.IDAt(0)
	if err != nil {
		return err
	}
	var cmp Comparator
	if obj := lookupRef(cid, lh); obj != nil {
		var ok bool
		if cmp, ok = obj.(Comparator); !ok {
			return schemaErrf(h.name, "comparator", "%T does not implement Comparator", obj)
		}
	}
	keys, values, err := loadEntries(rec, sortedRefsOffset, lh)
	if err != nil {
		return err
	}
	t.cmp, t.keys, t.values = cmp, keys, values
	return nil
}

// Complete sorts the entries; the comparator and the keys are populated by
// now.
func (h *sortedTableHandler) Complete(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	t.sort()
	return nil
}

func (h *sortedTableHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	t, err := h.cast(inst)
	if err != nil {
		return
	}
	if t.cmp != nil {
		f(t.cmp)
	}
	iterateEntries(t.keys, t.values, f)
}

func (h *sortedTableHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateRefMembers(rec, h.Descriptor(), f)
	iterateEntryIDs(rec, sortedRefsOffset, f)
}

type constTableHandler struct {
	containerBase
}

func newConstTableHandler() *constTableHandler {
	h := &constTableHandler{}
	h.init(TypeNameConstTable, reflect.TypeFor[*ConstTable](), Pseudo(LayoutEntries, "entries"))
	return h
}

func (h *constTableHandler) cast(inst any) (*ConstTable, error) {
	t, ok := inst.(*ConstTable)
	if !ok || t == nil {
		return nil, h.typeMismatch(inst)
	}
	return t, nil
}

func (h *constTableHandler) Store(w *RecordWriter, inst any, id ObjectID, sh StoreHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	return storeEntries(w, t.keys, t.values, sh)
}

func (h *constTableHandler) Create(rec Record, lh LoadHandler) (any, error) {
	count, err := entryCount(rec, constTableOffset)
	if err != nil {
		return nil, err
	}
	return &ConstTable{index: make(map[any]int, count)}, nil
}

func (h *constTableHandler) UpdateState(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	keys, values, err := loadEntries(rec, constTableOffset, lh)
	if err != nil {
		return err
	}
	t.keys, t.values = keys, values
	return nil
}

func (h *constTableHandler) Complete(rec Record, inst any, lh LoadHandler) error {
	t, err := h.cast(inst)
	if err != nil {
		return err
	}
	t.reindex()
	return nil
}

func (h *constTableHandler) IterateInstanceReferences(inst any, f func(ref any)) {
	if t, err := h.cast(inst); err == nil {
		iterateEntries(t.keys, t.values, f)
	}
}

func (h *constTableHandler) IterateLoadableReferences(rec Record, f func(id ObjectID)) {
	iterateEntryIDs(rec, constTableOffset, f)
}
