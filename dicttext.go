package ogstore

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const primitiveKeyword = "primitive"

// AssembleTypeDictionary renders descriptors in the type dictionary text
// format, one block per descriptor:
//
//	5000 Point {
//		float64 Point#X;
//		float64 Point#Y;
//	}
func AssembleTypeDictionary(descs []*TypeDescriptor) string {
	var buf []byte
	for _, d := range descs {
		buf = AppendTypeDescriptor(buf, d)
	}
	return string(buf)
}

func AssembleTypeDescriptor(d *TypeDescriptor) string {
	return string(AppendTypeDescriptor(nil, d))
}

func AppendTypeDescriptor(buf []byte, d *TypeDescriptor) []byte {
	buf = strconv.AppendUint(buf, uint64(d.ID), 10)
	buf = append(buf, ' ')
	return appendTypeBody(buf, d)
}

func appendTypeBody(buf []byte, d *TypeDescriptor) []byte {
	buf = append(buf, d.Name...)
	buf = append(buf, " {\n"...)
	var w int
	for _, m := range d.Members {
		w = max(w, len(memberFirstColumn(m)))
	}
	for _, m := range d.Members {
		buf = append(buf, '\t')
		buf = append(buf, rpad(memberFirstColumn(m), w, ' ')...)
		buf = append(buf, ' ')
		if m.Kind == MemberField {
			buf = append(buf, m.DeclaringType...)
			buf = append(buf, '#')
		}
		buf = append(buf, m.Name...)
		buf = append(buf, ";\n"...)
	}
	buf = append(buf, "}\n"...)
	return buf
}

func memberFirstColumn(m Member) string {
	if m.Kind == MemberPrimitive {
		return primitiveKeyword
	}
	return m.FieldType
}

// Fingerprint hashes the descriptor's text form without its TypeID, so two
// endpoints can tell whether they agree on a type's shape.
func Fingerprint(d *TypeDescriptor) uint64 {
	return xxhash.Sum64(appendTypeBody(nil, d))
}

// ParseTypeDictionary is the inverse of AssembleTypeDictionary.
func ParseTypeDictionary(text string) ([]*TypeDescriptor, error) {
	p := &dictParser{src: text}
	var result []*TypeDescriptor
	for {
		p.skipSpace()
		if p.eof() {
			break
		}
		d, err := p.parseType()
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

type dictParser struct {
	src string
	pos int
}

func (p *dictParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *dictParser) skipSpace() {
	for p.pos < len(p.src) && isDictSpace(p.src[p.pos]) {
		p.pos++
	}
}

// token reads up to the next whitespace or one of the stop characters.
func (p *dictParser) token() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if isDictSpace(c) || c == ';' || c == '{' || c == '}' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *dictParser) expect(c byte, what string) error {
	p.skipSpace()
	if p.eof() || p.src[p.pos] != c {
		return parserErrf(p.pos, "expected %s", what)
	}
	p.pos++
	return nil
}

func (p *dictParser) parseType() (*TypeDescriptor, error) {
	start := p.pos
	idStr := p.token()
	if idStr == "" {
		return nil, parserErrf(p.pos, "expected type id")
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || id == 0 {
		return nil, parserErrf(start, "invalid type id %q", idStr)
	}
	p.skipSpace()
	nameStart := p.pos
	name := p.token()
	if name == "" {
		return nil, parserErrf(nameStart, "expected type name")
	}
	if err := p.expect('{', "'{'"); err != nil {
		return nil, err
	}

	var members []Member
	for {
		p.skipSpace()
		if p.eof() {
			return nil, parserErrf(p.pos, "unterminated type block for %s", name)
		}
		if p.src[p.pos] == '}' {
			p.pos++
			break
		}
		m, err := p.parseMember()
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	d, err := NewTypeDescriptor(TypeID(id), name, members)
	if err != nil {
		return nil, &ParserError{Index: start, Msg: err.Error()}
	}
	return d, nil
}

func (p *dictParser) parseMember() (Member, error) {
	first := p.token()
	if first == "" {
		return Member{}, parserErrf(p.pos, "expected member type")
	}
	p.skipSpace()
	secondStart := p.pos
	second := p.token()
	if second == "" {
		return Member{}, parserErrf(p.pos, "expected member name")
	}
	if err := p.expect(';', "';'"); err != nil {
		return Member{}, err
	}

	if first == primitiveKeyword {
		return Primitive(second), nil
	}
	if decl, name, ok := strings.Cut(second, "#"); ok {
		if decl == "" || name == "" || strings.IndexByte(name, '#') >= 0 {
			return Member{}, parserErrf(secondStart, "invalid field name %q", second)
		}
		return Field(first, decl, name), nil
	}
	return Pseudo(first, second), nil
}

func isDictSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
