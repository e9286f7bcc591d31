package ogstore

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// HandlerResolver resolves the TypeIDs found in records.
type HandlerResolver interface {
	ByTypeID(id TypeID) (TypeHandler, error)
}

type LoaderOptions struct {
	// Refresh repopulates instances that are already registered. By default
	// they are kept as they are.
	Refresh bool
	Logger  *slog.Logger
}

// Loader materializes batches of records in three phases: every record is
// created (and registered) first, then populated, then completed. This is
// what lets references, including cyclic ones, resolve to instances of the
// same batch.
type Loader struct {
	resolver HandlerResolver
	reg      *Registry
	refresh  bool
	logger   *slog.Logger

	local map[ObjectID]any
}

type pendingLoad struct {
	rec  Record
	h    TypeHandler
	inst any
}

func NewLoader(resolver HandlerResolver, reg *Registry, o LoaderOptions) *Loader {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Loader{
		resolver: resolver,
		reg:      reg,
		refresh:  o.Refresh,
		logger:   o.Logger,
		local:    make(map[ObjectID]any),
	}
}

// LookupObject implements LoadHandler. Values and instances of the current
// batch take precedence over the registry.
func (l *Loader) LookupObject(id ObjectID) any {
	if id == 0 {
		return nil
	}
	if v, ok := l.local[id]; ok {
		return v
	}
	return l.reg.LookupObject(id)
}

// Load materializes recs and returns their instances in record order. On
// failure, instances registered by this call are unregistered again.
func (l *Loader) Load(recs []Record) ([]any, error) {
	result := make([]any, len(recs))
	var pending []pendingLoad
	var registered []pendingLoad

	fail := func(err error) ([]any, error) {
		for _, p := range registered {
			l.reg.Unregister(p.rec.ObjectID(), p.inst)
		}
		for _, p := range pending {
			delete(l.local, p.rec.ObjectID())
		}
		return nil, err
	}

	for i, rec := range recs {
		oid := rec.ObjectID()
		if v, ok := l.local[oid]; ok {
			result[i] = v
			continue
		}
		h, err := l.resolver.ByTypeID(rec.TypeID())
		if err != nil {
			return fail(err)
		}

		if !h.HasIdentity() {
			v, err := h.Create(rec, l)
			if err != nil {
				return fail(err)
			}
			l.local[oid] = v
			result[i] = v
			continue
		}

		if existing := l.reg.LookupObject(oid); existing != nil {
			if reflect.TypeOf(existing) != h.Type() {
				return fail(&ConsistencyError{ObjectID: oid, Instance: existing, TypeName: h.TypeName(), Msg: fmt.Sprintf("registered instance is a %T", existing)})
			}
			l.local[oid] = existing
			result[i] = existing
			if l.refresh {
				pending = append(pending, pendingLoad{rec, h, existing})
			}
			continue
		}

		inst, err := h.Create(rec, l)
		if err != nil {
			return fail(err)
		}
		actual, err := l.reg.OptionalRegisterObject(oid, inst)
		if err != nil {
			return fail(err)
		}
		l.local[oid] = actual
		result[i] = actual
		if actual != inst {
			// registered concurrently by someone else
			if l.refresh {
				pending = append(pending, pendingLoad{rec, h, actual})
			}
			continue
		}
		registered = append(registered, pendingLoad{rec, h, inst})
		pending = append(pending, pendingLoad{rec, h, inst})
	}

	for _, p := range pending {
		if err := p.h.UpdateState(p.rec, p.inst, l); err != nil {
			return fail(fmt.Errorf("%s oid %d: %w", p.h.TypeName(), p.rec.ObjectID(), err))
		}
	}
	for _, p := range pending {
		if err := p.h.Complete(p.rec, p.inst, l); err != nil {
			return fail(fmt.Errorf("%s oid %d: %w", p.h.TypeName(), p.rec.ObjectID(), err))
		}
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "load: batch done", slog.Int("records", len(recs)), slog.Int("populated", len(pending)), slog.Int("registered", len(registered)))
	return result, nil
}

// WalkGraph visits root and every instance and value reachable from it.
// Identity-bearing instances are visited once.
func WalkGraph(types *TypeHandlers, root any, f func(inst any, h TypeHandler) error) error {
	seen := make(map[any]bool)
	stack := []any{root}
	for len(stack) > 0 {
		inst := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isNilRef(inst) {
			continue
		}
		h := types.ForInstance(inst)
		if h == nil {
			return schemaErrf(reflect.TypeOf(inst).String(), "", "no handler registered for %T", inst)
		}
		if h.HasIdentity() {
			if seen[inst] {
				continue
			}
			seen[inst] = true
		}
		if err := f(inst, h); err != nil {
			return err
		}
		h.IterateInstanceReferences(inst, func(ref any) {
			stack = append(stack, ref)
		})
	}
	return nil
}
