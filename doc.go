/*
Package ogstore persists graphs of Go objects as binary records and loads
them back, preserving identity, shared references and cycles.

We implement:

1. An object registry, a bijection between live instances and ObjectIDs.

2. Type handlers that turn instances of registered types into records and
back, including built-in containers (lists, sets, tables).

3. A type dictionary with a plain text format, so that the layout of every
record can be understood without the Go types that wrote it.

4. Legacy type mapping, which loads records written by older layouts of a
type into its current layout.

5. Channels, which keep records, the dictionary and named roots in a storage
backend (Bolt, a journal or memory).

Package com reconciles the dictionaries of two endpoints over a connection.

# Technical Details

**Identity.**
Only pointers to structs and containers have identity. Primitives, strings,
byte slices and enum constants held in `any` slots are values: every store
pass writes them anew under fresh ObjectIDs and they are never registered.
Identity is the pointer address, so pointers to zero-size structs (such as a
field-less comparator) may collapse into one instance.

**Type ids.**
TypeIDs below 1000 are reserved for built-in handlers. User types are bound
to the id of the stored descriptor with the same name and layout, or get a
freshly minted one. TypeIDs are never reused.

**Lazy and eager stores.**
A store pass always writes the root. Registered instances reachable from it
are written again only in eager mode; new instances are always written.

## Binary encoding

**Record**: [entityLength:8][typeId:8][objectId:8][payload], in the byte
order of the channel or session. entityLength includes the header.

**Payload**: reference members as 8-byte ObjectIDs, then primitive members
at their natural width, then strings and byte slices as [length:8][bytes].
Containers write their pseudo members the same way; element arrays are
[count:8][ref:8]*.

**Dictionary text**:

	5000 Point {
		float64 Point#x;
		float64 Point#y;
	}

## Storage layout

Buckets `objects` (ObjectID → record), `meta` (`types` → dictionary text,
`state` → MsgPack channel state) and `roots` (name → ObjectID).
*/
package ogstore
