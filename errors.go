package ogstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a closed channel or session.
var ErrClosed = errors.New("closed")

// DataError reports malformed binary data: buffer bounds violations,
// invalid length or count fields, truncated records.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// ParserError reports malformed type dictionary text. Index is the byte
// offset into the source text where the problem was detected.
type ParserError struct {
	Index int
	Msg   string
}

func parserErrf(index int, format string, args ...any) error {
	return &ParserError{index, fmt.Sprintf(format, args...)}
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("type dictionary: %s (at index %d)", e.Msg, e.Index)
}

// ConsistencyError reports an operation that would break one of the engine's
// identity or schema invariants. The operation that returned it has not
// mutated any state.
type ConsistencyError struct {
	ObjectID ObjectID
	OtherID  ObjectID
	Instance any
	Other    any
	TypeName string
	Msg      string
}

func (e *ConsistencyError) Error() string {
	var buf strings.Builder
	buf.WriteString("consistency error: ")
	buf.WriteString(e.Msg)
	if e.TypeName != "" {
		fmt.Fprintf(&buf, " [type %s]", e.TypeName)
	}
	if e.ObjectID != 0 {
		fmt.Fprintf(&buf, " [oid %d]", e.ObjectID)
	}
	if e.OtherID != 0 {
		fmt.Fprintf(&buf, " [other oid %d]", e.OtherID)
	}
	if e.Instance != nil {
		fmt.Fprintf(&buf, " [instance %T@%p]", e.Instance, e.Instance)
	}
	if e.Other != nil {
		fmt.Fprintf(&buf, " [other %T@%p]", e.Other, e.Other)
	}
	return buf.String()
}

// UnresolvableTypeError is returned when a descriptor names a type that has
// no local equivalent.
type UnresolvableTypeError struct {
	TypeID   TypeID
	TypeName string
}

func (e *UnresolvableTypeError) Error() string {
	return fmt.Sprintf("unresolvable type %s (tid %d): no local equivalent", e.TypeName, e.TypeID)
}

// SchemaValidationError is returned when a local type shape and a declared
// shape cannot be reconciled, or when a Go type cannot be persisted at all.
type SchemaValidationError struct {
	TypeName string
	Member   string
	Msg      string
}

func schemaErrf(typeName, member string, format string, args ...any) error {
	return &SchemaValidationError{typeName, member, fmt.Sprintf(format, args...)}
}

func (e *SchemaValidationError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("schema validation: %s.%s: %s", e.TypeName, e.Member, e.Msg)
	}
	return fmt.Sprintf("schema validation: %s: %s", e.TypeName, e.Msg)
}

// MappingRejectedError is returned when the configured MappingApprover
// refuses a legacy type mapping.
type MappingRejectedError struct {
	Mapping *LegacyMapping
	Err     error
}

func (e *MappingRejectedError) Unwrap() error {
	return e.Err
}

func (e *MappingRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("legacy mapping %s rejected: %v", e.Mapping, e.Err)
	}
	return fmt.Sprintf("legacy mapping %s rejected", e.Mapping)
}
