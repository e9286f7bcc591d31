package ogstore

// Storage is the key-value backend of a Channel. Bolt, journal and memory
// implementations are provided.
type Storage interface {
	BeginTx(writable bool) (StorageTx, error)
	Close() error
}

type StorageTx interface {
	// Bucket returns nil if the bucket doesn't exist.
	Bucket(name string) StorageBucket
	// CreateBucket returns the existing bucket if there is one.
	CreateBucket(name string) (StorageBucket, error)

	Commit() error
	// Rollback aborts the transaction. Calling it after Commit is a no-op.
	Rollback() error

	// Size returns the database size in bytes, or 0 if not applicable.
	Size() int64
}

// StorageBucket is a sorted key-value collection. Values returned by Get and
// by cursors are only valid until the transaction ends; values passed to Put
// must stay untouched until then.
type StorageBucket interface {
	// Get returns nil if not found.
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() StorageCursor
	Stats() BucketStats
}

// BucketStats reports bucket usage. Backends that do not track allocation
// report the live data size as allocated.
type BucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s BucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// StorageCursor iterates over a bucket in key order. Both methods return a
// nil key past the end.
type StorageCursor interface {
	First() (key, value []byte)
	Next() (key, value []byte)
}
