package ogstore

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var structInfoCache sync.Map

type fieldKind uint8

const (
	fieldPrimitive fieldKind = iota
	fieldString
	fieldBytes
	fieldRef
)

// structField is one persistent field of a struct type, with embedded
// struct values already flattened.
type structField struct {
	Name      string
	Index     []int
	Type      reflect.Type
	Declaring reflect.Type
	Kind      fieldKind
}

type structInfo struct {
	typ    reflect.Type
	fields []structField
	err    error
}

func reflectStruct(typ reflect.Type) *structInfo {
	if v, ok := structInfoCache.Load(typ); ok {
		return v.(*structInfo)
	}
	info := reflectStructWithoutCache(typ)
	actual, _ := structInfoCache.LoadOrStore(typ, info)
	return actual.(*structInfo)
}

func reflectStructWithoutCache(typ reflect.Type) *structInfo {
	info := &structInfo{typ: typ}
	if typ.Kind() != reflect.Struct {
		info.err = fmt.Errorf("%v is not a struct", typ)
		return info
	}
	seen := make(map[string]bool)
	info.err = collectFields(typ, nil, seen, func(f structField) {
		info.fields = append(info.fields, f)
	})
	return info
}

func collectFields(typ reflect.Type, prefix []int, seen map[string]bool, add func(f structField)) error {
	for i := range typ.NumField() {
		sf := typ.Field(i)
		name, skip := parseFieldTag(sf)
		if skip {
			continue
		}
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := collectFields(sf.Type, index, seen, add); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		kind, err := fieldKindOf(sf.Type)
		if err != nil {
			return fmt.Errorf("%v.%s: %w", typ, sf.Name, err)
		}
		key := typ.String() + "#" + name
		if seen[key] {
			return fmt.Errorf("%v.%s: duplicate field name %q", typ, sf.Name, name)
		}
		seen[key] = true
		add(structField{
			Name:      name,
			Index:     index,
			Type:      sf.Type,
			Declaring: typ,
			Kind:      kind,
		})
	}
	return nil
}

// parseFieldTag handles `ogs:"-"` and `ogs:"name"`.
func parseFieldTag(sf reflect.StructField) (string, bool) {
	tag, ok := sf.Tag.Lookup("ogs")
	if !ok {
		return sf.Name, false
	}
	name, _, _ := strings.Cut(tag, ",")
	switch name {
	case "-":
		return "", true
	case "":
		return sf.Name, false
	default:
		return name, false
	}
}

func fieldKindOf(t reflect.Type) (fieldKind, error) {
	switch k := t.Kind(); {
	case isPrimitiveKind(k):
		return fieldPrimitive, nil
	case k == reflect.String:
		return fieldString, nil
	case k == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return fieldBytes, nil
	case k == reflect.Pointer, k == reflect.Interface:
		return fieldRef, nil
	case k == reflect.Struct:
		return 0, fmt.Errorf("struct value fields must be embedded or referenced by pointer")
	default:
		return 0, fmt.Errorf("unsupported field type %v", t)
	}
}
