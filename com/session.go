package com

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/andreyvit/ogstore"
)

var errNilRoot = errors.New("cannot send a nil root")

// Session exchanges object graphs with a peer after a successful
// handshake. Send and Receive may run concurrently with each other, but
// not with themselves.
type Session struct {
	conn       Conn
	role       Role
	types      *ogstore.TypeHandlers
	reg        *ogstore.Registry
	order      binary.ByteOrder
	eager      bool
	maxMessage int
	logger     *slog.Logger

	// peer maps the peer's TypeIDs that differ from ours. Immutable after
	// the handshake.
	peer map[ogstore.TypeID]ogstore.TypeHandler
	sent []*ogstore.TypeDescriptor

	sendMu sync.Mutex
	nextID ogstore.ObjectID

	recvMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func (s *Session) Role() Role                      { return s.role }
func (s *Session) ByteOrder() binary.ByteOrder     { return s.order }
func (s *Session) Registry() *ogstore.Registry     { return s.reg }
func (s *Session) Types() *ogstore.TypeHandlers    { return s.types }
func (s *Session) Sent() []*ogstore.TypeDescriptor { return slices.Clone(s.sent) }

// PeerHandlers returns the handlers installed for the peer's descriptors,
// in TypeID order.
func (s *Session) PeerHandlers() []ogstore.TypeHandler {
	result := make([]ogstore.TypeHandler, 0, len(s.peer))
	for _, h := range s.peer {
		result = append(result, h)
	}
	slices.SortFunc(result, func(a, b ogstore.TypeHandler) int {
		return cmp.Compare(a.TypeID(), b.TypeID())
	})
	return result
}

type peerResolver struct {
	s *Session
}

func (r peerResolver) ByTypeID(id ogstore.TypeID) (ogstore.TypeHandler, error) {
	if h := r.s.peer[id]; h != nil {
		return h, nil
	}
	return r.s.types.ByTypeID(id)
}

// Send writes root and whatever the peer has not seen yet as one message
// whose first record is root's.
func (s *Session) Send(root any) error {
	if root == nil {
		return errNilRoot
	}
	if s.closed.Load() {
		return ogstore.ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	next := s.nextID
	w := ogstore.NewRecordWriter(nil, s.order)
	st := ogstore.NewStorer(s.types, s.reg, w, func() ogstore.ObjectID {
		id := next
		next++
		return id
	}, ogstore.StorerOptions{Eager: s.eager, Logger: s.logger})
	if _, err := st.Store(root); err != nil {
		return err
	}
	if err := writeMessage(s.conn, s.order, w.Buf); err != nil {
		return s.fail(err)
	}
	s.nextID = next
	if err := st.Commit(); err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "com: sent", slog.String("role", s.role.String()), slog.Int("records", w.Records()), slog.Int("bytes", len(w.Buf)))
	return nil
}

// Receive blocks until the next message arrives and returns its root.
// Instances the session already tracks are updated in place. Malformed
// messages close the session.
func (s *Session) Receive() (any, error) {
	if s.closed.Load() {
		return nil, ogstore.ErrClosed
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	raw, err := readMessage(s.conn, s.order, s.maxMessage)
	if err != nil {
		return nil, s.fail(err)
	}
	recs, err := ogstore.SplitRecords(raw, s.order)
	if err != nil {
		return nil, s.fail(err)
	}
	l := ogstore.NewLoader(peerResolver{s}, s.reg, ogstore.LoaderOptions{Refresh: true, Logger: s.logger})
	insts, err := l.Load(recs)
	if err != nil {
		return nil, s.fail(err)
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "com: received", slog.String("role", s.role.String()), slog.Int("records", len(recs)), slog.Int("bytes", len(raw)))
	return insts[0], nil
}

func (s *Session) fail(err error) error {
	if s.closed.Load() {
		return ogstore.ErrClosed
	}
	s.logger.LogAttrs(context.Background(), slog.LevelError, "com: closing session", slog.String("role", s.role.String()), slog.Any("err", err))
	s.Close()
	return err
}

// Close closes the underlying connection. Closing again is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = closeConn(s.conn)
	})
	return s.closeErr
}
