package ogstore

import (
	"context"
	"log/slog"
	"reflect"
)

type StorerOptions struct {
	// Eager rewrites already registered objects reachable from the roots.
	// By default only the roots themselves and newly encountered objects
	// are written.
	Eager  bool
	Logger *slog.Logger
}

// Storer writes object graphs as records. One Storer is one store pass:
// any number of Store calls followed by Commit, which registers the newly
// assigned ObjectIDs. Nothing is registered if the pass fails.
type Storer struct {
	types  *TypeHandlers
	reg    *Registry
	w      *RecordWriter
	nextID func() ObjectID
	eager  bool
	logger *slog.Logger

	local  map[any]ObjectID
	values map[valueKey]ObjectID
	queue  []pendingStore

	newIDs   []ObjectID
	newInsts []any
	failed   error
}

type pendingStore struct {
	inst any
	id   ObjectID
	h    TypeHandler
}

type valueKey struct {
	tid TypeID
	v   any
}

func NewStorer(types *TypeHandlers, reg *Registry, w *RecordWriter, nextID func() ObjectID, o StorerOptions) *Storer {
	if o.Logger == nil {
		o.Logger = types.logger
	}
	return &Storer{
		types:  types,
		reg:    reg,
		w:      w,
		nextID: nextID,
		eager:  o.Eager,
		logger: o.Logger,
		local:  make(map[any]ObjectID),
		values: make(map[valueKey]ObjectID),
	}
}

// Store writes root and everything reachable from it that has to be
// written, returning root's ObjectID. The root's own record is always
// written.
func (s *Storer) Store(root any) (ObjectID, error) {
	if s.failed != nil {
		return 0, s.failed
	}
	id, err := s.apply(root, true)
	if err == nil {
		err = s.drain()
	}
	if err != nil {
		s.failed = err
		return 0, err
	}
	return id, nil
}

// Apply implements StoreHandler.
func (s *Storer) Apply(ref any) (ObjectID, error) {
	return s.apply(ref, false)
}

func (s *Storer) apply(ref any, root bool) (ObjectID, error) {
	if isNilRef(ref) {
		return 0, nil
	}
	h := s.types.ForInstance(ref)
	if h == nil {
		return 0, schemaErrf(reflect.TypeOf(ref).String(), "", "no handler registered for %T", ref)
	}

	if !h.HasIdentity() {
		key := valueDedupeKey(h.TypeID(), ref)
		if id, ok := s.values[key]; ok {
			return id, nil
		}
		id := s.nextID()
		s.values[key] = id
		s.queue = append(s.queue, pendingStore{ref, id, h})
		return id, nil
	}

	if id, ok := s.local[ref]; ok {
		return id, nil
	}
	if id, ok := s.reg.LookupObjectID(ref); ok {
		if root || s.eager {
			s.local[ref] = id
			s.queue = append(s.queue, pendingStore{ref, id, h})
		}
		return id, nil
	}
	id := s.nextID()
	s.local[ref] = id
	s.newIDs = append(s.newIDs, id)
	s.newInsts = append(s.newInsts, ref)
	s.queue = append(s.queue, pendingStore{ref, id, h})
	return id, nil
}

// drain writes queued objects. Handlers only enqueue the references they
// encounter, so exactly one record is open at a time.
func (s *Storer) drain() error {
	for len(s.queue) > 0 {
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.w.Begin(p.h.TypeID(), p.id)
		if err := p.h.Store(s.w, p.inst, p.id, s); err != nil {
			s.w.Abort()
			return err
		}
		s.w.End()
	}
	s.queue = nil
	return nil
}

// Commit registers the instances that were assigned new ObjectIDs during
// this pass.
func (s *Storer) Commit() error {
	if s.failed != nil {
		return s.failed
	}
	if err := s.reg.RegisterAll(s.newIDs, s.newInsts); err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "store: committed", slog.Int("records", s.w.Records()), slog.Int("registered", len(s.newIDs)))
	s.newIDs, s.newInsts = nil, nil
	return nil
}

// NewObjects returns the number of objects assigned new ObjectIDs so far.
func (s *Storer) NewObjects() int {
	return len(s.newIDs)
}

func isNilRef(ref any) bool {
	if ref == nil {
		return true
	}
	v := reflect.ValueOf(ref)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func valueDedupeKey(tid TypeID, v any) valueKey {
	if b, ok := v.([]byte); ok {
		return valueKey{tid, string(b)}
	}
	return valueKey{tid, v}
}
