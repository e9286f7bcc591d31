package com

import (
	"io"
	"net"
)

// Conn is the blocking transport a session runs over.
type Conn interface {
	// Read fills buf[:length], blocking until all of it has arrived.
	Read(buf []byte, length int) error
	WriteCompletely(buf []byte) error
}

// NetConn adapts a net.Conn. Closing the session closes c.
func NetConn(c net.Conn) Conn {
	return netConn{c}
}

type netConn struct {
	c net.Conn
}

func (nc netConn) Read(buf []byte, length int) error {
	_, err := io.ReadFull(nc.c, buf[:length])
	return err
}

func (nc netConn) WriteCompletely(buf []byte) error {
	for len(buf) > 0 {
		n, err := nc.c.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (nc netConn) Close() error {
	return nc.c.Close()
}

func closeConn(conn Conn) error {
	if c, ok := conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
