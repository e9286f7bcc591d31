package ogstore

import (
	"errors"
	"slices"
)

// ErrCapacityExceeded is returned when appending to a full LimitedList.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// MapKeyer lets HashSet and HashTable keys supply their own equality key.
// Map keys are computed in the final load phase, once the key object has
// been fully populated.
type MapKeyer interface {
	MapKey() any
}

// Comparator orders the keys of a SortedTable. Comparators are persisted as
// part of the table, so they must be registered types.
type Comparator interface {
	Compare(a, b any) int
}

type Entry struct {
	Key   any
	Value any
}

func mapKey(k any) any {
	if mk, ok := k.(MapKeyer); ok {
		return mk.MapKey()
	}
	return k
}

// List is a growable list of references.
type List struct {
	elems []any
}

func NewList(capacity int) *List {
	return &List{elems: make([]any, 0, capacity)}
}

func (l *List) Len() int         { return len(l.elems) }
func (l *List) Cap() int         { return cap(l.elems) }
func (l *List) Get(i int) any    { return l.elems[i] }
func (l *List) Set(i int, v any) { l.elems[i] = v }
func (l *List) Append(vs ...any) { l.elems = append(l.elems, vs...) }
func (l *List) Elements() []any  { return slices.Clone(l.elems) }

func (l *List) Truncate(n int) {
	clear(l.elems[n:])
	l.elems = l.elems[:n]
}

// FixedList has a fixed number of settable slots.
type FixedList struct {
	elems []any
}

func NewFixedList(n int) *FixedList {
	return &FixedList{elems: make([]any, n)}
}

func (l *FixedList) Len() int         { return len(l.elems) }
func (l *FixedList) Get(i int) any    { return l.elems[i] }
func (l *FixedList) Set(i int, v any) { l.elems[i] = v }
func (l *FixedList) Elements() []any  { return slices.Clone(l.elems) }

// LimitedList is a list that cannot grow beyond its limit.
type LimitedList struct {
	elems []any
	limit int
}

func NewLimitedList(limit int) *LimitedList {
	return &LimitedList{limit: limit}
}

func (l *LimitedList) Len() int         { return len(l.elems) }
func (l *LimitedList) Limit() int       { return l.limit }
func (l *LimitedList) Get(i int) any    { return l.elems[i] }
func (l *LimitedList) Set(i int, v any) { l.elems[i] = v }
func (l *LimitedList) Elements() []any  { return slices.Clone(l.elems) }

func (l *LimitedList) Append(v any) error {
	if len(l.elems) >= l.limit {
		return ErrCapacityExceeded
	}
	l.elems = append(l.elems, v)
	return nil
}

// ConstList is an immutable list.
type ConstList struct {
	elems []any
}

func NewConstList(elems ...any) *ConstList {
	return &ConstList{elems: slices.Clone(elems)}
}

func (l *ConstList) Len() int        { return len(l.elems) }
func (l *ConstList) Get(i int) any   { return l.elems[i] }
func (l *ConstList) Elements() []any { return slices.Clone(l.elems) }

// Singleton is an immutable one-element list.
type Singleton struct {
	elem any
}

func NewSingleton(v any) *Singleton {
	return &Singleton{elem: v}
}

func (s *Singleton) Get() any { return s.elem }

// HashSet is an insertion-ordered set.
type HashSet struct {
	density float32
	elems   []any
	index   map[any]int
}

func NewHashSet() *HashSet {
	return &HashSet{density: DefaultHashDensity, index: make(map[any]int)}
}

func (s *HashSet) Len() int             { return len(s.elems) }
func (s *HashSet) Density() float32     { return s.density }
func (s *HashSet) Elements() []any      { return slices.Clone(s.elems) }
func (s *HashSet) SetDensity(d float32) { s.density = d }

func (s *HashSet) Contains(v any) bool {
	_, ok := s.index[mapKey(v)]
	return ok
}

// Add returns false if an equal element is already present.
func (s *HashSet) Add(v any) bool {
	k := mapKey(v)
	if _, ok := s.index[k]; ok {
		return false
	}
	if s.index == nil {
		s.index = make(map[any]int)
	}
	s.index[k] = len(s.elems)
	s.elems = append(s.elems, v)
	return true
}

func (s *HashSet) Remove(v any) bool {
	i, ok := s.index[mapKey(v)]
	if !ok {
		return false
	}
	s.elems = slices.Delete(s.elems, i, i+1)
	s.reindex()
	return true
}

func (s *HashSet) reindex() {
	s.index = make(map[any]int, len(s.elems))
	for i, v := range s.elems {
		s.index[mapKey(v)] = i
	}
}

// HashTable is an insertion-ordered map.
type HashTable struct {
	density float32
	keys    []any
	values  []any
	index   map[any]int
}

func NewHashTable() *HashTable {
	return &HashTable{density: DefaultHashDensity, index: make(map[any]int)}
}

func (t *HashTable) Len() int             { return len(t.keys) }
func (t *HashTable) Density() float32     { return t.density }
func (t *HashTable) SetDensity(d float32) { t.density = d }
func (t *HashTable) Keys() []any          { return slices.Clone(t.keys) }

func (t *HashTable) Get(k any) (any, bool) {
	i, ok := t.index[mapKey(k)]
	if !ok {
		return nil, false
	}
	return t.values[i], true
}

func (t *HashTable) Put(k, v any) {
	mk := mapKey(k)
	if i, ok := t.index[mk]; ok {
		t.values[i] = v
		return
	}
	if t.index == nil {
		t.index = make(map[any]int)
	}
	t.index[mk] = len(t.keys)
	t.keys = append(t.keys, k)
	t.values = append(t.values, v)
}

func (t *HashTable) Delete(k any) bool {
	i, ok := t.index[mapKey(k)]
	if !ok {
		return false
	}
	t.keys = slices.Delete(t.keys, i, i+1)
	t.values = slices.Delete(t.values, i, i+1)
	t.reindex()
	return true
}

func (t *HashTable) Entries() []Entry {
	return zipEntries(t.keys, t.values)
}

func (t *HashTable) reindex() {
	t.index = make(map[any]int, len(t.keys))
	for i, k := range t.keys {
		t.index[mapKey(k)] = i
	}
}

// SortedTable keeps its entries ordered by a Comparator.
type SortedTable struct {
	cmp    Comparator
	keys   []any
	values []any
}

func NewSortedTable(cmp Comparator) *SortedTable {
	return &SortedTable{cmp: cmp}
}

func (t *SortedTable) Comparator() Comparator { return t.cmp }
func (t *SortedTable) Len() int               { return len(t.keys) }
func (t *SortedTable) Keys() []any            { return slices.Clone(t.keys) }
func (t *SortedTable) Entries() []Entry       { return zipEntries(t.keys, t.values) }

func (t *SortedTable) search(k any) (int, bool) {
	return slices.BinarySearchFunc(t.keys, k, t.cmp.Compare)
}

func (t *SortedTable) Get(k any) (any, bool) {
	i, ok := t.search(k)
	if !ok {
		return nil, false
	}
	return t.values[i], true
}

func (t *SortedTable) Put(k, v any) {
	i, ok := t.search(k)
	if ok {
		t.values[i] = v
		return
	}
	t.keys = slices.Insert(t.keys, i, k)
	t.values = slices.Insert(t.values, i, v)
}

// sort restores key order after the table was populated out of order.
func (t *SortedTable) sort() {
	if t.cmp == nil || len(t.keys) < 2 {
		return
	}
	idx := make([]int, len(t.keys))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return t.cmp.Compare(t.keys[a], t.keys[b])
	})
	keys, values := make([]any, len(idx)), make([]any, len(idx))
	for i, j := range idx {
		keys[i], values[i] = t.keys[j], t.values[j]
	}
	t.keys, t.values = keys, values
}

// ConstTable is an immutable insertion-ordered map.
type ConstTable struct {
	keys   []any
	values []any
	index  map[any]int
}

func NewConstTable(entries ...Entry) *ConstTable {
	t := &ConstTable{}
	for _, e := range entries {
		t.keys = append(t.keys, e.Key)
		t.values = append(t.values, e.Value)
	}
	t.reindex()
	return t
}

func (t *ConstTable) Len() int         { return len(t.keys) }
func (t *ConstTable) Keys() []any      { return slices.Clone(t.keys) }
func (t *ConstTable) Entries() []Entry { return zipEntries(t.keys, t.values) }

func (t *ConstTable) Get(k any) (any, bool) {
	i, ok := t.index[mapKey(k)]
	if !ok {
		return nil, false
	}
	return t.values[i], true
}

func (t *ConstTable) reindex() {
	t.index = make(map[any]int, len(t.keys))
	for i, k := range t.keys {
		t.index[mapKey(k)] = i
	}
}

func zipEntries(keys, values []any) []Entry {
	result := make([]Entry, len(keys))
	for i := range keys {
		result[i] = Entry{keys[i], values[i]}
	}
	return result
}
