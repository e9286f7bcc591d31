package com

import (
	"encoding/binary"
	"fmt"

	"github.com/andreyvit/ogstore"
)

const (
	// fieldDigits is the width of the decimal ASCII length and count fields.
	fieldDigits   = 8
	maxFieldValue = 99999999

	// EmptyFrameSize is the size of a descriptor frame with nothing in it.
	EmptyFrameSize = 2 * fieldDigits
)

func frameErrf(data []byte, off int, format string, args ...any) error {
	return &ogstore.DataError{Data: data, Off: off, Msg: fmt.Sprintf(format, args...)}
}

func appendDecimalField(buf []byte, v int) ([]byte, error) {
	if v < 0 || v > maxFieldValue {
		return nil, fmt.Errorf("value %d does not fit into %d decimal digits", v, fieldDigits)
	}
	return fmt.Appendf(buf, "%0*d", fieldDigits, v), nil
}

func parseDecimalField(raw []byte) (int, error) {
	if len(raw) != fieldDigits {
		return 0, frameErrf(raw, 0, "decimal field must be %d bytes", fieldDigits)
	}
	var v int
	for i, c := range raw {
		if c < '0' || c > '9' {
			return 0, frameErrf(raw, i, "invalid character %q in decimal field", c)
		}
		v = v*10 + int(c-'0')
	}
	return v, nil
}

func readDecimalField(conn Conn) (int, error) {
	var raw [fieldDigits]byte
	if err := conn.Read(raw[:], fieldDigits); err != nil {
		return 0, err
	}
	return parseDecimalField(raw[:])
}

// AppendDescriptorFrame appends the frame carrying descs:
//
//	[8-digit length][8-digit count][type blocks]
//
// The length counts the type block bytes only.
func AppendDescriptorFrame(buf []byte, descs []*ogstore.TypeDescriptor) ([]byte, error) {
	body := ogstore.AssembleTypeDictionary(descs)
	buf, err := appendDecimalField(buf, len(body))
	if err != nil {
		return nil, err
	}
	buf, err = appendDecimalField(buf, len(descs))
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

func WriteDescriptorFrame(conn Conn, descs []*ogstore.TypeDescriptor) error {
	buf, err := AppendDescriptorFrame(nil, descs)
	if err != nil {
		return err
	}
	return conn.WriteCompletely(buf)
}

// ReadDescriptorFrame reads one descriptor frame. Both header fields are
// always read; when the count is zero nothing else is.
func ReadDescriptorFrame(conn Conn) ([]*ogstore.TypeDescriptor, error) {
	length, err := readDecimalField(conn)
	if err != nil {
		return nil, err
	}
	count, err := readDecimalField(conn)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if length != 0 {
			return nil, frameErrf(nil, 0, "frame declares no types but %d bytes", length)
		}
		return nil, nil
	}
	if length == 0 {
		return nil, frameErrf(nil, 0, "frame declares %d types but no bytes", count)
	}

	body := make([]byte, length)
	if err := conn.Read(body, length); err != nil {
		return nil, err
	}
	descs, err := ogstore.ParseTypeDictionary(string(body))
	if err != nil {
		return nil, err
	}
	if len(descs) != count {
		return nil, frameErrf(body, 0, "frame declares %d types, contains %d", count, len(descs))
	}
	return descs, nil
}

// writeHelloFrame sends [8-digit length][msgpack payload].
func writeHelloFrame(conn Conn, h *hello) error {
	payload, err := h.encode()
	if err != nil {
		return err
	}
	buf, err := appendDecimalField(make([]byte, 0, fieldDigits+len(payload)), len(payload))
	if err != nil {
		return err
	}
	return conn.WriteCompletely(append(buf, payload...))
}

func readHelloFrame(conn Conn) (*hello, error) {
	length, err := readDecimalField(conn)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, frameErrf(nil, 0, "empty hello")
	}
	payload := make([]byte, length)
	if err := conn.Read(payload, length); err != nil {
		return nil, err
	}
	return decodeHello(payload)
}

// writeMessage sends [8-byte length][records] with the length in order.
func writeMessage(conn Conn, order binary.ByteOrder, records []byte) error {
	buf := make([]byte, 8, 8+len(records))
	order.PutUint64(buf, uint64(len(records)))
	return conn.WriteCompletely(append(buf, records...))
}

func readMessage(conn Conn, order binary.ByteOrder, maxSize int) ([]byte, error) {
	var hdr [8]byte
	if err := conn.Read(hdr[:], len(hdr)); err != nil {
		return nil, err
	}
	n := order.Uint64(hdr[:])
	if n < ogstore.RecordHeaderSize || n > uint64(maxSize) {
		return nil, frameErrf(hdr[:], 0, "invalid message length %d", n)
	}
	records := make([]byte, n)
	if err := conn.Read(records, int(n)); err != nil {
		return nil, err
	}
	return records, nil
}
