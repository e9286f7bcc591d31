package ogstore

import (
	"cmp"
	"slices"
	"sync"
)

// TypeDictionary holds every TypeDescriptor known at one endpoint. It is
// append-only: a TypeID, once registered, keeps its descriptor forever.
type TypeDictionary struct {
	mut       sync.RWMutex
	byID      map[TypeID]*TypeDescriptor
	byName    map[string][]*TypeDescriptor
	highWater TypeID
}

func NewTypeDictionary() *TypeDictionary {
	return &TypeDictionary{
		byID:      make(map[TypeID]*TypeDescriptor),
		byName:    make(map[string][]*TypeDescriptor),
		highWater: FirstUserTypeID - 1,
	}
}

// Register adds d. Registering an equal descriptor again is a no-op;
// registering a structurally different one under a known TypeID fails.
func (dict *TypeDictionary) Register(d *TypeDescriptor) error {
	dict.mut.Lock()
	defer dict.mut.Unlock()
	return dict.register(d)
}

// RegisterAll registers ds atomically: either all of them are added or none.
func (dict *TypeDictionary) RegisterAll(ds []*TypeDescriptor) error {
	dict.mut.Lock()
	defer dict.mut.Unlock()
	seen := make(map[TypeID]*TypeDescriptor, len(ds))
	for _, d := range ds {
		if err := dict.checkConflict(d); err != nil {
			return err
		}
		if prev := seen[d.ID]; prev != nil && !prev.SameStructure(d) {
			return &ConsistencyError{TypeName: d.Name, Msg: "two different descriptors share a type id " + d.String()}
		}
		seen[d.ID] = d
	}
	for _, d := range ds {
		ensure(dict.register(d))
	}
	return nil
}

func (dict *TypeDictionary) checkConflict(d *TypeDescriptor) error {
	if d.ID == 0 {
		return &ConsistencyError{TypeName: d.Name, Msg: "descriptor has no type id"}
	}
	if existing := dict.byID[d.ID]; existing != nil && !existing.SameStructure(d) {
		return &ConsistencyError{TypeName: d.Name, Msg: "type id " + existing.String() + " is already bound to a different descriptor"}
	}
	return nil
}

func (dict *TypeDictionary) register(d *TypeDescriptor) error {
	if err := dict.checkConflict(d); err != nil {
		return err
	}
	if dict.byID[d.ID] != nil {
		return nil
	}
	dict.byID[d.ID] = d
	versions := append(dict.byName[d.Name], d)
	slices.SortFunc(versions, compareDescriptorIDs)
	dict.byName[d.Name] = versions
	if d.ID > dict.highWater {
		dict.highWater = d.ID
	}
	return nil
}

func (dict *TypeDictionary) ByID(id TypeID) *TypeDescriptor {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	return dict.byID[id]
}

// ByName returns the latest (highest TypeID) descriptor registered for name.
func (dict *TypeDictionary) ByName(name string) *TypeDescriptor {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	versions := dict.byName[name]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

// Versions returns every descriptor registered for name, oldest first.
func (dict *TypeDictionary) Versions(name string) []*TypeDescriptor {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	return slices.Clone(dict.byName[name])
}

// All returns every descriptor in ascending TypeID order.
func (dict *TypeDictionary) All() []*TypeDescriptor {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	result := make([]*TypeDescriptor, 0, len(dict.byID))
	for _, d := range dict.byID {
		result = append(result, d)
	}
	slices.SortFunc(result, compareDescriptorIDs)
	return result
}

func (dict *TypeDictionary) Len() int {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	return len(dict.byID)
}

// HighWater is the highest TypeID ever registered or reserved.
func (dict *TypeDictionary) HighWater() TypeID {
	dict.mut.RLock()
	defer dict.mut.RUnlock()
	return dict.highWater
}

// RaiseHighWater makes sure future MintTypeID calls never return id or
// anything below it.
func (dict *TypeDictionary) RaiseHighWater(id TypeID) {
	dict.mut.Lock()
	defer dict.mut.Unlock()
	if id > dict.highWater {
		dict.highWater = id
	}
}

// MintTypeID reserves a fresh TypeID above the high-water mark.
func (dict *TypeDictionary) MintTypeID() TypeID {
	dict.mut.Lock()
	defer dict.mut.Unlock()
	dict.highWater++
	return dict.highWater
}

func compareDescriptorIDs(a, b *TypeDescriptor) int {
	return cmp.Compare(a.ID, b.ID)
}
