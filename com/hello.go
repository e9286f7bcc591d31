package com

import (
	"fmt"

	"github.com/andreyvit/ogstore"
	"github.com/vmihailenco/msgpack/v5"
)

const protocolVersion = 1

type Role int

const (
	RoleHost Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// hello opens the handshake. The host's byte order and ObjectID ranges are
// authoritative; the client's are ignored.
type hello struct {
	Version   int               `msgpack:"v"`
	Role      Role              `msgpack:"r"`
	ByteOrder byte              `msgpack:"bo"`
	IDStart   uint64            `msgpack:"ids,omitempty"` // first ObjectID the client assigns
	Types     []typeFingerprint `msgpack:"t"`
}

type typeFingerprint struct {
	ID          ogstore.TypeID `msgpack:"i"`
	Name        string         `msgpack:"n"`
	Fingerprint uint64         `msgpack:"f"`
}

func fingerprints(descs []*ogstore.TypeDescriptor) []typeFingerprint {
	result := make([]typeFingerprint, len(descs))
	for i, d := range descs {
		result[i] = typeFingerprint{d.ID, d.Name, ogstore.Fingerprint(d)}
	}
	return result
}

func (h *hello) encode() ([]byte, error) {
	raw, err := msgpack.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hello using MsgPack: %w", err)
	}
	return raw, nil
}

func decodeHello(raw []byte) (*hello, error) {
	h := new(hello)
	if err := msgpack.Unmarshal(raw, h); err != nil {
		return nil, &ogstore.DataError{Data: raw, Err: err, Msg: "failed to decode hello"}
	}
	if h.Version != protocolVersion {
		return nil, fmt.Errorf("%w: peer speaks version %d, wanted %d", ErrIncompatible, h.Version, protocolVersion)
	}
	if _, ok := ogstore.ByteOrderFromCode(h.ByteOrder); !ok {
		return nil, &ogstore.DataError{Data: raw, Msg: fmt.Sprintf("invalid byte order code %q", h.ByteOrder)}
	}
	return h, nil
}

// changedDescriptors returns the local descriptors the peer needs to be
// told about: those whose name it lacks, or declares with another TypeID
// or another layout.
func changedDescriptors(local []*ogstore.TypeDescriptor, peer []typeFingerprint) []*ogstore.TypeDescriptor {
	byName := make(map[string]typeFingerprint, len(peer))
	for _, fp := range peer {
		byName[fp.Name] = fp
	}
	var result []*ogstore.TypeDescriptor
	for _, d := range local {
		fp, ok := byName[d.Name]
		if ok && fp.ID == d.ID && fp.Fingerprint == ogstore.Fingerprint(d) {
			continue
		}
		result = append(result, d)
	}
	return result
}
