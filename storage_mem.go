package ogstore

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/andreyvit/ogstore/journal"
)

var errReadOnlyTx = errors.New("read-only transaction")

// memStorage never mutates committed buckets. A write transaction copies a
// bucket the first time it changes it and publishes its bucket map on
// commit, so readers keep the state as of BeginTx. Writers are serialized.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	writer  bool
	closed  bool

	// journal, if set, receives the changes of every commit
	journal *journal.Journal
}

// NewMemStorage returns a transient in-memory Storage, mostly useful for tests.
func NewMemStorage() Storage {
	return newMemStorage()
}

func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (StorageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writer && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, ErrClosed
	}
	tx := &memTx{s: s, writable: writable, buckets: maps.Clone(s.buckets)}
	if writable {
		s.writer = true
		tx.owned = make(map[*memBucket]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	done     bool
	buckets  map[string]*memBucket
	owned    map[*memBucket]bool // copies made by this transaction
	ops      []memOp
}

func (tx *memTx) Bucket(name string) StorageBucket {
	if tx.buckets[name] == nil {
		return nil
	}
	return &memBucketRef{tx: tx, name: name}
}

func (tx *memTx) CreateBucket(name string) (StorageBucket, error) {
	if !tx.writable {
		return nil, errReadOnlyTx
	}
	if tx.buckets[name] == nil {
		b := &memBucket{}
		tx.buckets[name] = b
		tx.owned[b] = true
		tx.record(memOp{Kind: opCreateBucket, Bucket: name})
	}
	return &memBucketRef{tx: tx, name: name}, nil
}

// mutable returns the transaction's own copy of the named bucket.
func (tx *memTx) mutable(name string) *memBucket {
	b := tx.buckets[name]
	if !tx.owned[b] {
		b = b.clone()
		tx.buckets[name] = b
		tx.owned[b] = true
	}
	return b
}

func (tx *memTx) record(op memOp) {
	if tx.s.journal != nil {
		tx.ops = append(tx.ops, op)
	}
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.writable {
		return errReadOnlyTx
	}
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	defer tx.finishLocked()
	if s.closed {
		return ErrClosed
	}
	if len(tx.ops) > 0 {
		if err := s.logOps(tx.ops); err != nil {
			return err
		}
	}
	s.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.finishLocked()
	return nil
}

func (tx *memTx) finishLocked() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.s.writer = false
		tx.s.cond.Broadcast()
	}
}

func (tx *memTx) Size() int64 { return 0 }

// memBucket holds items sorted by key. Keys and values are never modified
// in place, so copies of a bucket share them.
type memBucket struct {
	items []memKV
}

type memKV struct {
	key   []byte
	value []byte
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: slices.Clone(b.items)}
}

func (b *memBucket) find(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// put stores copies of key and value and returns them.
func (b *memBucket) put(key, value []byte) ([]byte, []byte) {
	key = slices.Clone(key)
	value = slices.Clone(value)
	i, ok := b.find(key)
	if ok {
		b.items[i].value = value
	} else {
		b.items = slices.Insert(b.items, i, memKV{key: key, value: value})
	}
	return key, value
}

func (b *memBucket) delete(key []byte) bool {
	i, ok := b.find(key)
	if !ok {
		return false
	}
	b.items = slices.Delete(b.items, i, i+1)
	return true
}

type memBucketRef struct {
	tx   *memTx
	name string
}

func (r *memBucketRef) bucket() *memBucket {
	return r.tx.buckets[r.name]
}

func (r *memBucketRef) Get(key []byte) []byte {
	b := r.bucket()
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	return b.items[i].value
}

func (r *memBucketRef) Put(key, value []byte) error {
	if !r.tx.writable {
		return errReadOnlyTx
	}
	key, value = r.tx.mutable(r.name).put(key, value)
	r.tx.record(memOp{Kind: opPut, Bucket: r.name, Key: key, Value: value})
	return nil
}

func (r *memBucketRef) Delete(key []byte) error {
	if !r.tx.writable {
		return errReadOnlyTx
	}
	if _, ok := r.bucket().find(key); !ok {
		return nil
	}
	r.tx.mutable(r.name).delete(key)
	r.tx.record(memOp{Kind: opDelete, Bucket: r.name, Key: slices.Clone(key)})
	return nil
}

func (r *memBucketRef) Cursor() StorageCursor {
	return &memCursor{items: r.bucket().items, pos: -1}
}

func (r *memBucketRef) Stats() BucketStats {
	var inuse int64
	items := r.bucket().items
	for _, kv := range items {
		inuse += int64(len(kv.key) + len(kv.value))
	}
	return BucketStats{KeyN: len(items), LeafInuse: inuse, LeafAlloc: inuse}
}

type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) at() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.items) {
		return nil, nil
	}
	return c.items[c.pos].key, c.items[c.pos].value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at()
}

func (c *memCursor) Next() ([]byte, []byte) {
	c.pos++
	return c.at()
}
