package ogstore

import "math"

// Sized array encoding shared by the list-like containers:
//
//	[capacity:8][count:8][count x objectId]
//
// The [count][ids] part is also used on its own (LayoutRefs) after other
// fixed header slots, e.g. by HashSet.

func storeRefs(w *RecordWriter, elems []any, sh StoreHandler) error {
	w.AppendUint64(uint64(len(elems)))
	for _, e := range elems {
		id, err := sh.Apply(e)
		if err != nil {
			return err
		}
		w.AppendID(id)
	}
	return nil
}

func storeSizedArray(w *RecordWriter, capacity int, elems []any, sh StoreHandler) error {
	w.AppendUint64(uint64(capacity))
	return storeRefs(w, elems, sh)
}

// readRefIDs decodes a [count][ids] section at payload offset off.
func readRefIDs(rec Record, off int) ([]ObjectID, error) {
	d, err := rec.decoderAt(off)
	if err != nil {
		return nil, err
	}
	n, err := d.Count(refSize)
	if err != nil {
		return nil, err
	}
	ids := make([]ObjectID, n)
	for i := range ids {
		v, err := d.Uint64()
		if err != nil {
			return nil, err
		}
		ids[i] = ObjectID(v)
	}
	return ids, nil
}

func refCount(rec Record, off int) (int, error) {
	d, err := rec.decoderAt(off)
	if err != nil {
		return 0, err
	}
	return d.Count(refSize)
}

// sizedArrayHeader reads capacity and count without touching the elements.
func sizedArrayHeader(rec Record) (capacity, count int, err error) {
	c, err := rec.Uint64At(0)
	if err != nil {
		return 0, 0, err
	}
	count, err = refCount(rec, refSize)
	if err != nil {
		return 0, 0, err
	}
	if c > math.MaxInt32 || int(c) < count {
		return 0, 0, dataErrf(rec.Data, RecordHeaderSize, nil, "invalid capacity %d for %d elements", c, count)
	}
	return int(c), count, nil
}

func iterateRefIDs(rec Record, off int, f func(id ObjectID)) {
	ids, err := readRefIDs(rec, off)
	if err != nil {
		return
	}
	for _, id := range ids {
		if id != 0 {
			f(id)
		}
	}
}

// resolveRefs fills dst with the instances of ids.
func resolveRefs(dst []any, ids []ObjectID, lh LoadHandler) {
	for i, id := range ids {
		dst[i] = lookupRef(id, lh)
	}
}

func lookupRef(id ObjectID, lh LoadHandler) any {
	if id == 0 {
		return nil
	}
	return lh.LookupObject(id)
}

func iterateAll(elems []any, f func(ref any)) {
	for _, e := range elems {
		if e != nil {
			f(e)
		}
	}
}
