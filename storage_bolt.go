package ogstore

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type BoltOptions struct {
	// IsTesting skips fsync and freelist persistence.
	IsTesting bool
	MmapSize  int
	// Timeout bounds waiting for the file lock, 10s by default.
	Timeout time.Duration
}

// OpenBoltStorage opens (creating if needed) a Bolt file at path.
func OpenBoltStorage(path string, o BoltOptions) (Storage, error) {
	bo := *bbolt.DefaultOptions
	bo.Timeout = o.Timeout
	if bo.Timeout == 0 {
		bo.Timeout = 10 * time.Second
	}
	if o.IsTesting {
		bo.NoSync = true
		bo.NoFreelistSync = true
		bo.InitialMmapSize = 5 << 20
	} else {
		bo.FreelistType = bbolt.FreelistMapType
	}
	if o.MmapSize != 0 {
		bo.InitialMmapSize = o.MmapSize
	}

	db, err := bbolt.Open(path, 0666, &bo)
	if err != nil {
		return nil, fmt.Errorf("ogstore: %w", err)
	}
	return NewBoltStorage(db), nil
}

// NewBoltStorage wraps an open Bolt database. Closing the storage closes db.
func NewBoltStorage(db *bbolt.DB) Storage {
	return boltStorage{db}
}

type boltStorage struct {
	db *bbolt.DB
}

func (s boltStorage) BeginTx(writable bool) (StorageTx, error) {
	tx, err := s.db.Begin(writable)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	} else if err != nil {
		return nil, err
	}
	return boltTx{tx}, nil
}

func (s boltStorage) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t boltTx) Bucket(name string) StorageBucket {
	if b := t.tx.Bucket(nameBytes(name)); b != nil {
		return boltBucket{b}
	}
	return nil
}

func (t boltTx) CreateBucket(name string) (StorageBucket, error) {
	b, err := t.tx.CreateBucketIfNotExists(nameBytes(name))
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (t boltTx) Commit() error { return t.tx.Commit() }

func (t boltTx) Rollback() error {
	if err := t.tx.Rollback(); !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

func (t boltTx) Size() int64 { return t.tx.Size() }

type boltBucket struct {
	*bbolt.Bucket
}

func (b boltBucket) Cursor() StorageCursor { return b.Bucket.Cursor() }

func (b boltBucket) Stats() BucketStats {
	st := b.Bucket.Stats()
	return BucketStats{
		KeyN:        st.KeyN,
		LeafInuse:   int64(st.LeafInuse),
		LeafAlloc:   int64(st.LeafAlloc),
		BranchAlloc: int64(st.BranchAlloc),
	}
}

// nameBytes avoids copying bucket names; Bolt copies keys it retains.
func nameBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
