package ogstore

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError(t *testing.T) {
	eof := errors.New("eof")
	err := dataErrf([]byte{0xAA, 0xBB}, 1, eof, "record %d", 7)
	deepEqual(t, err.Error(), "record 7 at 1: eof: (2) aabb")
	if !errors.Is(err, eof) {
		t.Errorf("** errors.Is(err, eof) = false")
	}

	long := make([]byte, 100)
	s := dataErrf(long, 99, nil, "bad").Error()
	if !strings.HasPrefix(s, "bad at 99: (100) ") || !strings.Contains(s, "...") {
		t.Errorf("** long data error = %q", s)
	}
	if len(s) > 250 {
		t.Errorf("** long data error has %d chars, data not elided", len(s))
	}
}

func TestConsistencyError(t *testing.T) {
	err := &ConsistencyError{ObjectID: 10, OtherID: 11, TypeName: "Point", Msg: "already bound"}
	s := err.Error()
	for _, sub := range []string{"already bound", "[type Point]", "[oid 10]", "[other oid 11]"} {
		if !strings.Contains(s, sub) {
			t.Errorf("** %q does not contain %q", s, sub)
		}
	}
	if strings.Contains(s, "instance") {
		t.Errorf("** %q mentions an instance", s)
	}
}

func TestSchemaValidationError(t *testing.T) {
	deepEqual(t, schemaErrf("Point", "x", "bad %d", 1).Error(), "schema validation: Point.x: bad 1")
	deepEqual(t, schemaErrf("Point", "", "bad").Error(), "schema validation: Point: bad")
}

func TestParserError(t *testing.T) {
	deepEqual(t, parserErrf(5, "expected %q", "{").Error(), `type dictionary: expected "{" (at index 5)`)
}

func TestMappingRejectedError(t *testing.T) {
	err := &MappingRejectedError{Mapping: &LegacyMapping{}, Err: errAutoRejected}
	if !errors.Is(err, errAutoRejected) {
		t.Errorf("** errors.Is(err, errAutoRejected) = false")
	}
}
