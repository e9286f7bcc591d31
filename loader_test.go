package ogstore

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// sizedArrayRecords builds a record of a list-like container.
func sizedArrayRecords(tid TypeID, oid ObjectID, capacity uint64, refs ...ObjectID) []Record {
	w := NewRecordWriter(nil, binary.LittleEndian)
	w.Begin(tid, oid)
	w.AppendUint64(capacity)
	w.AppendUint64(uint64(len(refs)))
	for _, id := range refs {
		w.AppendID(id)
	}
	w.End()
	return must(SplitRecords(w.Buf, binary.LittleEndian))
}

func TestLoaderCapacityFromRecord(t *testing.T) {
	types := NewTypeHandlers(TypeHandlersOptions{})
	tid := func(name string) TypeID { return types.ByName(name).TypeID() }

	for _, c := range []struct {
		name     string
		capacity uint64
	}{
		{TypeNameList, 1 << 40},
		{TypeNameLimitedList, math.MaxInt32 + 1},
		{TypeNameFixedList, 1 << 25},
		{TypeNameConstList, 1 << 25},
	} {
		reg := NewRegistry(RegistryOptions{})
		_, err := NewLoader(types, reg, LoaderOptions{}).Load(sizedArrayRecords(tid(c.name), 7, c.capacity))
		var de *DataError
		if !errors.As(err, &de) {
			t.Errorf("** %s with capacity %d: Load = %v, wanted *DataError", c.name, c.capacity, err)
		}
		deepEqual(t, reg.Size(), 0)
	}

	reg := NewRegistry(RegistryOptions{})
	l := NewLoader(types, reg, LoaderOptions{})
	insts := must(l.Load(sizedArrayRecords(tid(TypeNameList), 7, math.MaxInt32)))
	list := insts[0].(*List)
	deepEqual(t, list.Len(), 0)
	if list.Cap() > maxPreallocHeadroom {
		t.Errorf("** list capacity %d allocated from the record", list.Cap())
	}

	insts = must(l.Load(sizedArrayRecords(tid(TypeNameLimitedList), 8, math.MaxInt32)))
	limited := insts[0].(*LimitedList)
	deepEqual(t, limited.Limit(), math.MaxInt32)
	ensure(limited.Append(1))
	deepEqual(t, limited.Len(), 1)
}

func TestLoaderFailureUnregisters(t *testing.T) {
	types := NewTypeHandlers(TypeHandlersOptions{})
	reg := NewRegistry(RegistryOptions{})
	l := NewLoader(types, reg, LoaderOptions{})
	listID := types.ByName(TypeNameList).TypeID()

	recs := sizedArrayRecords(listID, 1, 1, 2)
	recs = append(recs, sizedArrayRecords(999, 2, 0)...)
	_, err := l.Load(recs)
	var ue *UnresolvableTypeError
	if !errors.As(err, &ue) {
		t.Fatalf("** Load = %v, wanted *UnresolvableTypeError", err)
	}
	deepEqual(t, reg.Size(), 0)
	deepEqual(t, reg.LookupObject(1), nil)

	insts := must(l.Load(sizedArrayRecords(listID, 1, 1)))
	deepEqual(t, reg.LookupObject(1), insts[0])
}
