package ogstore

// Key-value encoding shared by the map-like containers. Fixed header slots
// (a density, a comparator reference) come first, followed by
//
//	[count:8][count x (keyId, valueId)]
//
// so the header is readable at a fixed offset without decoding the
// entries.

const entrySize = 2 * refSize

func storeEntries(w *RecordWriter, keys, values []any, sh StoreHandler) error {
	w.AppendUint64(uint64(len(keys)))
	for i := range keys {
		kid, err := sh.Apply(keys[i])
		if err != nil {
			return err
		}
		vid, err := sh.Apply(values[i])
		if err != nil {
			return err
		}
		w.AppendID(kid)
		w.AppendID(vid)
	}
	return nil
}

// readEntryIDs decodes the entries section at payload offset off.
func readEntryIDs(rec Record, off int) (keys, values []ObjectID, err error) {
	d, err := rec.decoderAt(off)
	if err != nil {
		return nil, nil, err
	}
	n, err := d.Count(entrySize)
	if err != nil {
		return nil, nil, err
	}
	keys, values = make([]ObjectID, n), make([]ObjectID, n)
	for i := range n {
		k, err := d.Uint64()
		if err != nil {
			return nil, nil, err
		}
		v, err := d.Uint64()
		if err != nil {
			return nil, nil, err
		}
		keys[i], values[i] = ObjectID(k), ObjectID(v)
	}
	return keys, values, nil
}

func entryCount(rec Record, off int) (int, error) {
	d, err := rec.decoderAt(off)
	if err != nil {
		return 0, err
	}
	return d.Count(entrySize)
}

func iterateEntryIDs(rec Record, off int, f func(id ObjectID)) {
	keys, values, err := readEntryIDs(rec, off)
	if err != nil {
		return
	}
	for i := range keys {
		if keys[i] != 0 {
			f(keys[i])
		}
		if values[i] != 0 {
			f(values[i])
		}
	}
}

// loadEntries resolves keys and values. Both slices are nil when empty.
func loadEntries(rec Record, off int, lh LoadHandler) ([]any, []any, error) {
	kids, vids, err := readEntryIDs(rec, off)
	if err != nil || len(kids) == 0 {
		return nil, nil, err
	}
	keys, values := make([]any, len(kids)), make([]any, len(vids))
	resolveRefs(keys, kids, lh)
	resolveRefs(values, vids, lh)
	return keys, values, nil
}

func iterateEntries(keys, values []any, f func(ref any)) {
	iterateAll(keys, f)
	iterateAll(values, f)
}
