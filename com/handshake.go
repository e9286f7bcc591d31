// Package com reconciles the type dictionaries of two endpoints when a
// connection is set up and then exchanges object graphs over it.
//
// The handshake runs in two rounds. First both sides exchange a hello
// (protocol version, role, byte order, the ObjectID range the host assigns
// to the client, and a fingerprint of every current type). Then each side
// sends the descriptors the other one does not know in that exact form, as
// a descriptor frame:
//
//	[8-digit length][8-digit count][type blocks]
//
// The receiver builds a legacy handler for each received descriptor,
// bound to the peer's TypeID, so records written by the peer decode into
// local types for the life of the session.
//
// The host writes first in both rounds and the client reads first, so the
// exchange works over unbuffered transports. There is no timeout; a peer
// that stalls stalls the handshake.
package com

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andreyvit/ogstore"
)

var ErrIncompatible = errors.New("incompatible peer")

const (
	DefaultClientIDStart  ogstore.ObjectID = 1 << 48
	DefaultMaxMessageSize                  = 64 * 1024 * 1024
)

type Options struct {
	// Registry tracks the instances exchanged over the session. Defaults
	// to a new registry.
	Registry *ogstore.Registry

	// ByteOrder of records on the wire. Only the host's matters.
	ByteOrder binary.ByteOrder
	// FirstObjectID is the first ObjectID the host assigns. Defaults to 1.
	FirstObjectID ogstore.ObjectID
	// ClientIDStart is the first ObjectID the host lets the client assign.
	ClientIDStart ogstore.ObjectID

	// AllowUnreachable installs a handler that loads records of unknown
	// peer types as nil instead of failing the handshake.
	AllowUnreachable bool

	Eager          bool
	MaxMessageSize int
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Registry == nil {
		o.Registry = ogstore.NewRegistry(ogstore.RegistryOptions{Logger: o.Logger})
	}
	if o.ByteOrder == nil {
		o.ByteOrder = binary.LittleEndian
	}
	if o.FirstObjectID == 0 {
		o.FirstObjectID = 1
	}
	if o.ClientIDStart == 0 {
		o.ClientIDStart = DefaultClientIDStart
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Host runs the host side of the handshake. On failure conn is closed.
func Host(conn Conn, types *ogstore.TypeHandlers, o Options) (*Session, error) {
	return handshake(conn, types, RoleHost, o)
}

// Join runs the client side of the handshake. On failure conn is closed.
func Join(conn Conn, types *ogstore.TypeHandlers, o Options) (*Session, error) {
	return handshake(conn, types, RoleClient, o)
}

func handshake(conn Conn, types *ogstore.TypeHandlers, role Role, o Options) (*Session, error) {
	o.setDefaults()
	s := &Session{
		conn:       conn,
		role:       role,
		types:      types,
		reg:        o.Registry,
		eager:      o.Eager,
		maxMessage: o.MaxMessageSize,
		logger:     o.Logger,
		peer:       make(map[ogstore.TypeID]ogstore.TypeHandler),
	}
	if err := s.handshake(o); err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "com: handshake failed", slog.String("role", role.String()), slog.Any("err", err))
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(o Options) error {
	if err := s.types.Initialize(nil); err != nil {
		return err
	}
	local := s.types.Descriptors()

	mine := &hello{
		Version:   protocolVersion,
		Role:      s.role,
		ByteOrder: ogstore.ByteOrderCode(o.ByteOrder),
		Types:     fingerprints(local),
	}
	if s.role == RoleHost {
		mine.IDStart = uint64(o.ClientIDStart)
	}

	var peer *hello
	var err error
	if s.role == RoleHost {
		err = writeHelloFrame(s.conn, mine)
		if err == nil {
			peer, err = readHelloFrame(s.conn)
		}
	} else {
		peer, err = readHelloFrame(s.conn)
		if err == nil {
			err = writeHelloFrame(s.conn, mine)
		}
	}
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if peer.Role == s.role {
		return fmt.Errorf("%w: both sides are %v", ErrIncompatible, s.role)
	}

	if s.role == RoleHost {
		s.order = o.ByteOrder
		s.nextID = o.FirstObjectID
	} else {
		s.order, _ = ogstore.ByteOrderFromCode(peer.ByteOrder)
		s.nextID = ogstore.ObjectID(peer.IDStart)
		if s.nextID == 0 {
			return fmt.Errorf("%w: host assigned no ObjectID range", ErrIncompatible)
		}
	}

	s.sent = changedDescriptors(local, peer.Types)
	var received []*ogstore.TypeDescriptor
	if s.role == RoleHost {
		err = WriteDescriptorFrame(s.conn, s.sent)
		if err == nil {
			received, err = ReadDescriptorFrame(s.conn)
		}
	} else {
		received, err = ReadDescriptorFrame(s.conn)
		if err == nil {
			err = WriteDescriptorFrame(s.conn, s.sent)
		}
	}
	if err != nil {
		return fmt.Errorf("types: %w", err)
	}

	if err := s.install(received, o.AllowUnreachable); err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "com: handshake done", slog.String("role", s.role.String()), slog.Int("sent", len(s.sent)), slog.Int("received", len(received)), slog.String("byte_order", s.order.String()), slog.Uint64("next_oid", uint64(s.nextID)))
	return nil
}

// install binds a handler to every received descriptor under the peer's
// TypeID and raises the local high-water mark past them.
func (s *Session) install(received []*ogstore.TypeDescriptor, allowUnreachable bool) error {
	var high ogstore.TypeID
	for _, d := range received {
		if _, dup := s.peer[d.ID]; dup {
			return &ogstore.ConsistencyError{TypeName: d.Name, Msg: fmt.Sprintf("peer sent tid %d twice", d.ID)}
		}
		high = max(high, d.ID)
		h, err := s.types.LegacyHandler(d)
		if err != nil {
			var ute *ogstore.UnresolvableTypeError
			if !allowUnreachable || !errors.As(err, &ute) {
				return err
			}
			s.logger.LogAttrs(context.Background(), slog.LevelWarn, "com: peer type has no local equivalent", slog.String("type", d.String()))
			h = ogstore.NewUnreachableHandler(d)
		}
		s.peer[d.ID] = h
	}
	if high != 0 {
		s.types.Dictionary().RaiseHighWater(high)
	}
	return nil
}
