package ogstore

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type MemberKind uint8

const (
	// MemberField is a reflective field of a struct type.
	MemberField MemberKind = iota + 1
	// MemberPseudo describes part of a non-reflective binary layout, e.g.
	// a container's density header or its sized array of elements.
	MemberPseudo
	// MemberPrimitive marks a primitive value type. Its Name holds the
	// primitive definition.
	MemberPrimitive
)

func (k MemberKind) String() string {
	switch k {
	case MemberField:
		return "field"
	case MemberPseudo:
		return "pseudo"
	case MemberPrimitive:
		return "primitive"
	default:
		return "kind" + strconv.Itoa(int(k))
	}
}

// Layout type names that are not references.
const (
	LayoutString  = "string"
	LayoutBytes   = "[]byte"
	LayoutRefs    = "[]ref"   // sized array: [count:8][count x objectId]
	LayoutEntries = "[]entry" // key-value: [count:8][count x (keyId, valueId)]
	LayoutConst   = "const"   // zero-width enum constant declaration
	LayoutRef     = "ref"

	TypeNameAny = "any"
)

var primitiveWidths = map[string]int{
	"bool":    1,
	"int8":    1,
	"uint8":   1,
	"int16":   2,
	"uint16":  2,
	"int32":   4,
	"uint32":  4,
	"float32": 4,
	"int64":   8,
	"uint64":  8,
	"float64": 8,
	"int":     8,
	"uint":    8,
}

// IsPrimitiveTypeName reports whether name is a fixed-width primitive.
func IsPrimitiveTypeName(name string) bool {
	_, ok := primitiveWidths[name]
	return ok
}

func isVariableLayout(fieldType string) bool {
	switch fieldType {
	case LayoutString, LayoutBytes, LayoutRefs, LayoutEntries:
		return true
	default:
		return false
	}
}

// isReferenceTypeName reports whether a member of this field type holds an
// ObjectID.
func isReferenceTypeName(fieldType string) bool {
	if fieldType == LayoutConst || isVariableLayout(fieldType) || IsPrimitiveTypeName(fieldType) {
		return false
	}
	return true
}

func memberWidth(kind MemberKind, fieldType string) int {
	if kind == MemberPrimitive {
		return 0
	}
	if w, ok := primitiveWidths[fieldType]; ok {
		return w
	}
	switch {
	case fieldType == LayoutConst:
		return 0
	case isVariableLayout(fieldType):
		return -1
	default:
		return refSize
	}
}

// Member is one element of a TypeDescriptor.
type Member struct {
	Kind          MemberKind
	FieldType     string
	DeclaringType string
	Name          string

	// Width is the fixed byte width, -1 for variable-length members.
	Width int
	// Offset is the payload offset, -1 unless every preceding member is
	// fixed-width.
	Offset int
}

func Field(fieldType, declaringType, name string) Member {
	return Member{Kind: MemberField, FieldType: fieldType, DeclaringType: declaringType, Name: name}
}

func Pseudo(fieldType, name string) Member {
	return Member{Kind: MemberPseudo, FieldType: fieldType, Name: name}
}

func Primitive(definition string) Member {
	return Member{Kind: MemberPrimitive, Name: definition}
}

// Identifier is the name overrides and matchers refer to the member by.
func (m Member) Identifier() string {
	if m.Kind == MemberField {
		return m.DeclaringType + "#" + m.Name
	}
	return m.Name
}

func (m Member) IsReference() bool {
	return m.Kind != MemberPrimitive && isReferenceTypeName(m.FieldType)
}

func (m Member) IsVariable() bool {
	return m.Width < 0
}

func (m Member) SameAs(o Member) bool {
	return m.Kind == o.Kind && m.FieldType == o.FieldType && m.DeclaringType == o.DeclaringType && m.Name == o.Name
}

func (m Member) String() string {
	switch m.Kind {
	case MemberField:
		return m.FieldType + " " + m.DeclaringType + "#" + m.Name
	case MemberPrimitive:
		return "primitive " + m.Name
	default:
		return m.FieldType + " " + m.Name
	}
}

// TypeDescriptor is the persistent shape of one type. It is immutable once
// created.
type TypeDescriptor struct {
	ID      TypeID
	Name    string
	Members []Member

	fixedSize int
}

// NewTypeDescriptor validates the members and computes their offsets.
func NewTypeDescriptor(id TypeID, name string, members []Member) (*TypeDescriptor, error) {
	if err := validateName(name); err != nil {
		return nil, schemaErrf(name, "", "invalid type name: %v", err)
	}
	d := &TypeDescriptor{
		ID:      id,
		Name:    name,
		Members: slices.Clone(members),
	}
	seen := make(map[string]bool, len(members))
	off := 0
	for i := range d.Members {
		m := &d.Members[i]
		if err := validateMember(*m); err != nil {
			return nil, schemaErrf(name, m.Name, "%v", err)
		}
		if m.Kind == MemberPrimitive && len(members) != 1 {
			return nil, schemaErrf(name, m.Name, "primitive definition must be the only member")
		}
		ident := m.Identifier()
		if seen[ident] {
			return nil, schemaErrf(name, ident, "duplicate member")
		}
		seen[ident] = true

		m.Width = memberWidth(m.Kind, m.FieldType)
		if off >= 0 {
			m.Offset = off
			if m.Width < 0 {
				off = -1
			} else {
				off += m.Width
			}
		} else {
			m.Offset = -1
		}
	}
	if off >= 0 {
		d.fixedSize = off
	} else {
		for _, m := range d.Members {
			if m.Width > 0 {
				d.fixedSize += m.Width
			}
		}
	}
	return d, nil
}

func mustDescriptor(id TypeID, name string, members ...Member) *TypeDescriptor {
	return must(NewTypeDescriptor(id, name, members))
}

func (d *TypeDescriptor) String() string {
	return d.Name + "(" + strconv.FormatUint(uint64(d.ID), 10) + ")"
}

// FixedSize is the total width of the fixed-width members.
func (d *TypeDescriptor) FixedSize() int {
	return d.fixedSize
}

func (d *TypeDescriptor) IsPrimitive() bool {
	return len(d.Members) == 1 && d.Members[0].Kind == MemberPrimitive
}

func (d *TypeDescriptor) IsReflective() bool {
	for _, m := range d.Members {
		if m.Kind != MemberField {
			return false
		}
	}
	return true
}

// IsEnum reports whether the descriptor declares enum constants.
func (d *TypeDescriptor) IsEnum() bool {
	for _, m := range d.Members {
		if m.Kind == MemberPseudo && m.FieldType == LayoutConst {
			return true
		}
	}
	return false
}

// MemberIndex returns the index of the member with the given identifier.
func (d *TypeDescriptor) MemberIndex(ident string) int {
	for i, m := range d.Members {
		if m.Identifier() == ident {
			return i
		}
	}
	return -1
}

// SameStructure reports whether both descriptors describe the same type
// shape, ignoring TypeIDs.
func (d *TypeDescriptor) SameStructure(o *TypeDescriptor) bool {
	if d.Name != o.Name || len(d.Members) != len(o.Members) {
		return false
	}
	for i := range d.Members {
		if !d.Members[i].SameAs(o.Members[i]) {
			return false
		}
	}
	return true
}

func (d *TypeDescriptor) Equal(o *TypeDescriptor) bool {
	return d.ID == o.ID && d.SameStructure(o)
}

// withID returns a copy bound to another TypeID.
func (d *TypeDescriptor) withID(id TypeID) *TypeDescriptor {
	c := *d
	c.ID = id
	c.Members = slices.Clone(d.Members)
	return &c
}

func validateMember(m Member) error {
	switch m.Kind {
	case MemberField:
		if err := validateName(m.DeclaringType); err != nil {
			return fmt.Errorf("invalid declaring type: %w", err)
		}
		fallthrough
	case MemberPseudo:
		if err := validateName(m.FieldType); err != nil {
			return fmt.Errorf("invalid field type: %w", err)
		}
		if m.FieldType == primitiveKeyword {
			return fmt.Errorf("field type %q is reserved", m.FieldType)
		}
		if err := validateName(m.Name); err != nil {
			return fmt.Errorf("invalid member name: %w", err)
		}
	case MemberPrimitive:
		if err := validateName(m.Name); err != nil {
			return fmt.Errorf("invalid primitive definition: %w", err)
		}
	default:
		return fmt.Errorf("invalid member kind %v", m.Kind)
	}
	return nil
}

func validateName(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	if i := strings.IndexAny(s, " \t\r\n#;{}"); i >= 0 {
		return fmt.Errorf("%q contains %q", s, s[i])
	}
	return nil
}
