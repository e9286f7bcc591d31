package ogstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"reflect"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultHashDensity = 1.0

	minRegistryLength = 16
	maxRegistryLength = 1 << 30
)

type RegistryOptions struct {
	InitialCapacity int
	HashDensity     float32
	Logger          *slog.Logger

	// LivenessProbe, if set, is consulted by Consolidate for every
	// non-constant entry that has not been released. Returning false marks the
	// instance as unreachable. The probe runs under the registry lock and must
	// not call back into the registry.
	LivenessProbe func(inst any) bool
}

// Registry is the bidirectional ObjectID <-> instance mapping.
//
// Entries live in an arena owned by the registry and are linked into two
// chained hash tables of equal power-of-two length, one keyed by id and one
// by the identity hash of the instance pointer. Entries hold the instance
// together with a reference count; an entry is dead once its count drops to
// zero (see Release) or the liveness probe rejects it. Dead entries are
// removed by Consolidate and opportunistically during rehash.
//
// All operations run under a single mutex.
type Registry struct {
	mu sync.Mutex

	entries  []regEntry // index 0 is unused so that 0 can mean "none"
	freeHead int32
	byID     []int32
	byInst   []int32
	size     int
	density  float32
	limit    int

	constants []constantPair
	probe     func(inst any) bool
	logger    *slog.Logger
}

type regEntry struct {
	id       ObjectID
	inst     any // nil for free arena slots
	hash     uint64
	refs     int32
	constant bool
	nextID   int32
	nextInst int32
}

type constantPair struct {
	id   ObjectID
	inst any
}

func NewRegistry(o RegistryOptions) *Registry {
	if o.HashDensity <= 0 {
		o.HashDensity = DefaultHashDensity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	reg := &Registry{
		density: o.HashDensity,
		probe:   o.LivenessProbe,
		logger:  o.Logger,
	}
	reg.reset(reg.lengthFor(o.InitialCapacity))
	return reg
}

// SetLivenessProbe replaces the liveness probe, see RegistryOptions.
func (reg *Registry) SetLivenessProbe(probe func(inst any) bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.probe = probe
}

// Size returns the number of entries, including released ones that
// Consolidate has not removed yet.
func (reg *Registry) Size() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.size
}

// Length returns the current hash table length.
func (reg *Registry) Length() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byID)
}

func (reg *Registry) LookupObjectID(inst any) (ObjectID, bool) {
	h, ok := identityHash(inst)
	if !ok {
		return 0, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if i := reg.findByInst(inst, h); i != 0 && reg.entries[i].live() {
		return reg.entries[i].id, true
	}
	return 0, false
}

func (reg *Registry) LookupObject(id ObjectID) any {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if i := reg.findByID(id); i != 0 && reg.entries[i].live() {
		return reg.entries[i].inst
	}
	return nil
}

// RegisterObject binds id to inst. Registering an existing identical pair is
// a no-op (apart from reviving a released entry). Binding id to a second live
// instance, or inst to a second id, fails with *ConsistencyError and leaves
// the registry unchanged.
func (reg *Registry) RegisterObject(id ObjectID, inst any) error {
	h, err := checkRegistrable(id, inst)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, err = reg.register(id, inst, h, false, false)
	return err
}

// OptionalRegisterObject is like RegisterObject, but if id is already bound
// to a live instance, that instance is returned instead of failing. This is
// how concurrent loads of the same id converge on a single instance.
func (reg *Registry) OptionalRegisterObject(id ObjectID, inst any) (any, error) {
	h, err := checkRegistrable(id, inst)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.register(id, inst, h, true, false)
}

// RegisterAll registers every (ids[i], insts[i]) pair, or none of them if any
// pair conflicts with the registry or with another pair of the batch.
func (reg *Registry) RegisterAll(ids []ObjectID, insts []any) error {
	if len(ids) != len(insts) {
		panic("RegisterAll: mismatched lengths")
	}
	hashes := make([]uint64, len(ids))
	for i := range ids {
		h, err := checkRegistrable(ids[i], insts[i])
		if err != nil {
			return err
		}
		hashes[i] = h
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	batchIDs := make(map[ObjectID]int, len(ids))
	batchInsts := make(map[any]int, len(ids))
	for i, id := range ids {
		inst := insts[i]
		if j, dup := batchIDs[id]; dup && insts[j] != inst {
			return &ConsistencyError{ObjectID: id, Instance: inst, Other: insts[j], Msg: "object id bound twice within one batch"}
		}
		if j, dup := batchInsts[inst]; dup && ids[j] != id {
			return &ConsistencyError{ObjectID: id, OtherID: ids[j], Instance: inst, Msg: "instance bound twice within one batch"}
		}
		batchIDs[id], batchInsts[inst] = i, i
		if ei := reg.findByID(id); ei != 0 && reg.entries[ei].live() && reg.entries[ei].inst != inst {
			return &ConsistencyError{ObjectID: id, Instance: inst, Other: reg.entries[ei].inst, Msg: "object id already bound to a different instance"}
		}
		if ii := reg.findByInst(inst, hashes[i]); ii != 0 && reg.entries[ii].live() && reg.entries[ii].id != id {
			return &ConsistencyError{ObjectID: id, OtherID: reg.entries[ii].id, Instance: inst, Msg: "instance already bound to a different object id"}
		}
	}
	for i, id := range ids {
		_, err := reg.register(id, insts[i], hashes[i], false, false)
		ensure(err)
	}
	return nil
}

// RegisterConstant registers a pair that survives Clear and Truncate.
func (reg *Registry) RegisterConstant(id ObjectID, inst any) error {
	h, err := checkRegistrable(id, inst)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, err := reg.register(id, inst, h, false, true); err != nil {
		return err
	}
	for _, c := range reg.constants {
		if c.id == id {
			return nil
		}
	}
	reg.constants = append(reg.constants, constantPair{id, inst})
	return nil
}

// Retain increments the reference count of a registered instance.
func (reg *Registry) Retain(inst any) bool {
	return reg.adjustRefs(inst, +1)
}

// Release decrements the reference count of a registered instance. Once it
// reaches zero the entry is dead: lookups no longer return it and the next
// Consolidate removes it.
func (reg *Registry) Release(inst any) bool {
	return reg.adjustRefs(inst, -1)
}

func (reg *Registry) adjustRefs(inst any, delta int32) bool {
	h, ok := identityHash(inst)
	if !ok {
		return false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	i := reg.findByInst(inst, h)
	if i == 0 {
		return false
	}
	e := &reg.entries[i]
	if e.refs+delta < 0 {
		return false
	}
	e.refs += delta
	return true
}

// Unregister removes the binding of id to inst at once, regardless of its
// reference count. Constants and bindings of id to other instances are kept.
func (reg *Registry) Unregister(id ObjectID, inst any) bool {
	h, ok := identityHash(inst)
	if !ok {
		return false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	i := reg.findByInst(inst, h)
	if i == 0 || reg.entries[i].id != id || reg.entries[i].constant {
		return false
	}
	reg.remove(i)
	return true
}

// Consolidate removes every entry whose instance is no longer reachable and
// returns the number of removed entries. Backing storage shrinks if the
// registry has become sparse.
func (reg *Registry) Consolidate() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var removed int
	for i := 1; i < len(reg.entries); i++ {
		e := &reg.entries[i]
		if e.inst == nil || e.constant {
			continue
		}
		if e.refs <= 0 || (reg.probe != nil && !reg.probe(e.inst)) {
			reg.remove(int32(i))
			removed++
		}
	}

	if l := reg.lengthFor(reg.size); l < len(reg.byID)/2 {
		reg.rehash(l)
	}
	if removed > 0 {
		reg.logger.LogAttrs(context.Background(), slog.LevelDebug, "registry: consolidated", slog.Int("removed", removed), slog.Int("size", reg.size))
	}
	return removed
}

// EnsureCapacity pre-sizes the tables so that n entries fit without rehash.
func (reg *Registry) EnsureCapacity(n int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if n > reg.limit {
		reg.rehash(reg.lengthFor(n))
	}
}

// SetHashDensity changes the average chain length the tables grow at.
// Higher density saves memory at the cost of longer chains.
func (reg *Registry) SetHashDensity(d float32) {
	if d <= 0 {
		panic(fmt.Errorf("invalid hash density %v", d))
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.density = d
	reg.rehash(reg.lengthFor(reg.size))
}

// Clear removes all entries except constants, keeping the table length.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.reset(len(reg.byID))
	reg.readdConstants()
}

// Truncate removes all entries except constants and shrinks the tables to
// the minimum length required for the constants.
func (reg *Registry) Truncate() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.reset(reg.lengthFor(len(reg.constants)))
	reg.readdConstants()
}

// ClearAll is Clear including constants.
func (reg *Registry) ClearAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.constants = nil
	reg.reset(len(reg.byID))
}

// TruncateAll is Truncate including constants.
func (reg *Registry) TruncateAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.constants = nil
	reg.reset(minRegistryLength)
}

// Range calls f for every live entry until f returns false.
func (reg *Registry) Range(f func(id ObjectID, inst any) bool) {
	reg.mu.Lock()
	pairs := make([]constantPair, 0, reg.size)
	for i := 1; i < len(reg.entries); i++ {
		if e := &reg.entries[i]; e.inst != nil && e.live() {
			pairs = append(pairs, constantPair{e.id, e.inst})
		}
	}
	reg.mu.Unlock()
	for _, p := range pairs {
		if !f(p.id, p.inst) {
			return
		}
	}
}

func (reg *Registry) register(id ObjectID, inst any, h uint64, optional, constant bool) (any, error) {
	ei := reg.findByID(id)
	ii := reg.findByInst(inst, h)

	if ei != 0 && reg.entries[ei].live() && reg.entries[ei].inst != inst {
		if optional {
			return reg.entries[ei].inst, nil
		}
		return nil, &ConsistencyError{ObjectID: id, Instance: inst, Other: reg.entries[ei].inst, Msg: "object id already bound to a different instance"}
	}
	if ii != 0 && reg.entries[ii].live() && reg.entries[ii].id != id {
		return nil, &ConsistencyError{ObjectID: id, OtherID: reg.entries[ii].id, Instance: inst, Msg: "instance already bound to a different object id"}
	}

	if ei != 0 && ei == ii {
		e := &reg.entries[ei]
		if e.refs <= 0 {
			e.refs = 1
		}
		if constant {
			e.constant = true
		}
		return inst, nil
	}
	if ei != 0 {
		reg.remove(ei)
	}
	if ii != 0 {
		reg.remove(ii)
	}

	reg.add(id, inst, h, constant)
	if reg.size > reg.limit && len(reg.byID) < maxRegistryLength {
		reg.rehash(len(reg.byID) * 2)
	}
	return inst, nil
}

func (reg *Registry) add(id ObjectID, inst any, h uint64, constant bool) {
	var i int32
	if reg.freeHead != 0 {
		i = reg.freeHead
		reg.freeHead = reg.entries[i].nextID
	} else {
		reg.entries = append(reg.entries, regEntry{})
		i = int32(len(reg.entries) - 1)
	}
	mask := uint64(len(reg.byID) - 1)
	bi, bh := uint64(id)&mask, h&mask
	reg.entries[i] = regEntry{
		id:       id,
		inst:     inst,
		hash:     h,
		refs:     1,
		constant: constant,
		nextID:   reg.byID[bi],
		nextInst: reg.byInst[bh],
	}
	reg.byID[bi] = i
	reg.byInst[bh] = i
	reg.size++
}

func (reg *Registry) remove(i int32) {
	e := &reg.entries[i]
	mask := uint64(len(reg.byID) - 1)
	unlink(reg.byID, uint64(e.id)&mask, i, reg.entries, func(e *regEntry) *int32 { return &e.nextID })
	unlink(reg.byInst, e.hash&mask, i, reg.entries, func(e *regEntry) *int32 { return &e.nextInst })
	*e = regEntry{nextID: reg.freeHead}
	reg.freeHead = i
	reg.size--
}

func unlink(heads []int32, bucket uint64, i int32, entries []regEntry, next func(e *regEntry) *int32) {
	p := &heads[bucket]
	for *p != 0 {
		if *p == i {
			*p = *next(&entries[i])
			return
		}
		p = next(&entries[*p])
	}
	panic("registry: entry missing from its chain")
}

func (reg *Registry) findByID(id ObjectID) int32 {
	i := reg.byID[uint64(id)&uint64(len(reg.byID)-1)]
	for i != 0 {
		if reg.entries[i].id == id {
			return i
		}
		i = reg.entries[i].nextID
	}
	return 0
}

func (reg *Registry) findByInst(inst any, h uint64) int32 {
	i := reg.byInst[h&uint64(len(reg.byInst)-1)]
	for i != 0 {
		if e := &reg.entries[i]; e.hash == h && e.inst == inst {
			return i
		}
		i = reg.entries[i].nextInst
	}
	return 0
}

func (reg *Registry) reset(length int) {
	reg.entries = make([]regEntry, 1, minRegistryLength)
	reg.freeHead = 0
	reg.byID = make([]int32, length)
	reg.byInst = make([]int32, length)
	reg.size = 0
	reg.limit = int(float32(length) * reg.density)
}

func (reg *Registry) readdConstants() {
	for _, c := range reg.constants {
		h, _ := identityHash(c.inst)
		reg.add(c.id, c.inst, h, true)
	}
}

// rehash rebuilds both tables at the given length, compacting the arena and
// dropping dead entries along the way.
func (reg *Registry) rehash(length int) {
	old := reg.entries
	reg.entries = make([]regEntry, 1, reg.size+1)
	reg.freeHead = 0
	reg.byID = make([]int32, length)
	reg.byInst = make([]int32, length)
	reg.size = 0
	reg.limit = int(float32(length) * reg.density)
	for i := 1; i < len(old); i++ {
		e := &old[i]
		if e.inst == nil || !e.live() {
			continue
		}
		refs := e.refs
		reg.add(e.id, e.inst, e.hash, e.constant)
		reg.entries[len(reg.entries)-1].refs = refs
	}
}

func (reg *Registry) lengthFor(n int) int {
	need := int(float32(n)/reg.density) + 1
	if need <= minRegistryLength {
		return minRegistryLength
	}
	if need >= maxRegistryLength {
		return maxRegistryLength
	}
	return 1 << bits.Len(uint(need-1))
}

func (e *regEntry) live() bool {
	return e.constant || e.refs > 0
}

func checkRegistrable(id ObjectID, inst any) (uint64, error) {
	if id == 0 {
		return 0, fmt.Errorf("registry: cannot register object id 0")
	}
	h, ok := identityHash(inst)
	if !ok {
		return 0, fmt.Errorf("registry: %T is not an identity-bearing instance", inst)
	}
	return h, nil
}

// identityHash hashes the pointer address of inst. Only non-nil pointers
// have identity.
func identityHash(inst any) (uint64, bool) {
	if inst == nil {
		return 0, false
	}
	v := reflect.ValueOf(inst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v.Pointer()))
	return xxhash.Sum64(buf[:]), true
}

// HasIdentity reports whether inst can be registered. Identity is the
// pointer address, so distinct pointers to zero-size values may share one
// identity and end up as a single entry.
func HasIdentity(inst any) bool {
	_, ok := identityHash(inst)
	return ok
}
