package ogstore

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTypes = DumpFlags(1 << iota)
	DumpRoots
	DumpRecords
	DumpPayload
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the channel contents for debugging.
func (c *Channel) Dump(f DumpFlags) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	var buf strings.Builder
	err := c.read(func(tx StorageTx) error {
		if f.Contains(DumpStats) {
			s := c.statsIn(tx)
			fmt.Fprintln(&buf, dumpSep1)
			fmt.Fprintf(&buf, "stats: objects = %d, roots = %d, types = %d, data_size = %d, data_alloc = %d, file_size = %d\n", s.Objects, s.Roots, s.Types, s.DataSize, s.DataAlloc, s.FileSize)
		}
		if f.Contains(DumpTypes) {
			fmt.Fprintln(&buf, dumpSep1)
			buf.WriteString(AssembleTypeDictionary(c.types.Dictionary().All()))
		}
		if f.Contains(DumpRoots) {
			fmt.Fprintln(&buf, dumpSep1)
			cur := tx.Bucket(rootsBucket).Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				fmt.Fprintf(&buf, "root %s = %d\n", k, objectIDFromKey(v))
			}
		}
		if f.Contains(DumpRecords) {
			fmt.Fprintln(&buf, dumpSep1)
			cur := tx.Bucket(objectsBucket).Cursor()
			var pos int
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				pos++
				c.dumpRecord(&buf, f, pos, objectIDFromKey(k), v)
			}
		}
		return nil
	})
	return buf.String(), err
}

func (c *Channel) dumpRecord(w *strings.Builder, f DumpFlags, pos int, oid ObjectID, raw []byte) {
	rec, _, err := ReadRecord(raw, c.state.order)
	if err != nil {
		fmt.Fprintf(w, "%d. oid %d ** ERROR: %v\n", pos, oid, err)
		return
	}
	typeName := "?"
	var refs []ObjectID
	var value string
	if h, err := c.types.ByTypeID(rec.TypeID()); err == nil {
		typeName = h.TypeName()
		h.IterateLoadableReferences(rec, func(id ObjectID) {
			refs = append(refs, id)
		})
		if eh, ok := h.(*enumHandler); ok {
			value = dumpEnumValue(eh, rec)
		}
	}
	fmt.Fprintf(w, "%d. oid %d = %s(%d) len %d refs %v%s\n", pos, oid, typeName, rec.TypeID(), rec.Length(), refs, value)
	if f.Contains(DumpPayload) {
		fmt.Fprintf(w, "%s\n", dumpSep2)
		fmt.Fprintf(w, "\t%s\n", hexstr(rec.Payload()))
	}
}

func dumpEnumValue(h *enumHandler, rec Record) string {
	v, err := h.Create(rec, nil)
	if err != nil {
		return fmt.Sprintf(" ** ERROR: %v", err)
	}
	name, err := h.constantName(v)
	if err != nil {
		return fmt.Sprintf(" ** ERROR: %v", err)
	}
	return " value " + name
}
