package ogstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	objectsBucket = "objects"
	metaBucket    = "meta"
	rootsBucket   = "roots"

	channelFormatVersion = 1
)

var (
	stateKey      = []byte("state")
	dictionaryKey = []byte("types")
)

// channelState is the persistent bookkeeping of a Channel, kept in the meta
// bucket next to the type dictionary text.
type channelState struct {
	Version      int       `msgpack:"v"`
	ByteOrder    byte      `msgpack:"bo"`
	NextObjectID uint64    `msgpack:"n"`
	StoreCount   uint64    `msgpack:"sc,omitempty"`
	LastSeen     time.Time `msgpack:"t"`

	order binary.ByteOrder `msgpack:"-"`
}

func loadChannelState(meta StorageBucket, defaultOrder binary.ByteOrder) (*channelState, error) {
	st := new(channelState)
	if raw := meta.Get(stateKey); raw != nil {
		if err := decodeMsgpack(raw, st); err != nil {
			return nil, err
		}
		if st.Version > channelFormatVersion {
			return nil, fmt.Errorf("channel format version %d is newer than supported %d", st.Version, channelFormatVersion)
		}
		order, ok := ByteOrderFromCode(st.ByteOrder)
		if !ok {
			return nil, dataErrf(raw, 0, nil, "invalid byte order code %q", st.ByteOrder)
		}
		st.order = order
		return st, nil
	}
	st.Version = channelFormatVersion
	st.order = defaultOrder
	st.ByteOrder = ByteOrderCode(defaultOrder)
	st.NextObjectID = 1
	return st, nil
}

func (st *channelState) save(meta StorageBucket, now time.Time) error {
	st.LastSeen = now
	raw, err := encodeMsgpack(nil, st)
	if err != nil {
		return err
	}
	return meta.Put(stateKey, raw)
}

func encodeMsgpack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgpack(buf []byte, v any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

// objectKey is big-endian regardless of the record byte order so that the
// objects bucket iterates in ObjectID order.
func objectKey(id ObjectID) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(id))
}

func objectIDFromKey(k []byte) ObjectID {
	return ObjectID(binary.BigEndian.Uint64(k))
}
