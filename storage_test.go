package ogstore

import (
	"path/filepath"
	"testing"
)

func TestStorage(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"mem": func(t *testing.T) Storage {
			return NewMemStorage()
		},
		"bolt": func(t *testing.T) Storage {
			return must(OpenBoltStorage(filepath.Join(t.TempDir(), "test.db"), BoltOptions{IsTesting: true}))
		},
		"journal": func(t *testing.T) Storage {
			return must(OpenJournalStorage(t.TempDir(), JournalOptions{IsTesting: true}))
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			tx := must(s.BeginTx(true))
			if tx.Bucket("a") != nil {
				t.Fatalf("** bucket exists before creation")
			}
			b := must(tx.CreateBucket("a"))
			ensure(b.Put([]byte("c"), []byte("3")))
			ensure(b.Put([]byte("a"), []byte("1")))
			ensure(b.Put([]byte("b"), []byte("2")))
			ensure(b.Put([]byte("a"), []byte("1'")))
			ensure(b.Delete([]byte("missing")))
			deepEqual(t, string(b.Get([]byte("a"))), "1'")
			if v := b.Get([]byte("missing")); v != nil {
				t.Errorf("** Get(missing) = %q, wanted nil", v)
			}
			ensure(tx.Commit())
			ensure(tx.Rollback())

			reader := must(s.BeginTx(false))
			defer reader.Rollback()

			tx = must(s.BeginTx(true))
			b = must(tx.CreateBucket("a"))
			ensure(b.Delete([]byte("b")))
			ensure(b.Put([]byte("d"), []byte("4")))
			deepEqual(t, bucketKeys(b), []string{"a", "c", "d"})
			ensure(tx.Commit())

			// the earlier transaction keeps its snapshot
			rb := reader.Bucket("a")
			deepEqual(t, bucketKeys(rb), []string{"a", "b", "c"})
			deepEqual(t, rb.Stats().KeyN, 3)
			ensure(reader.Rollback())

			tx = must(s.BeginTx(false))
			deepEqual(t, bucketKeys(tx.Bucket("a")), []string{"a", "c", "d"})
			ensure(tx.Rollback())
		})
	}
}

func TestMemStorageRollback(t *testing.T) {
	s := NewMemStorage()
	defer s.Close()

	tx := must(s.BeginTx(true))
	ensure(must(tx.CreateBucket("a")).Put([]byte("k"), []byte("v")))
	ensure(tx.Commit())

	tx = must(s.BeginTx(true))
	ensure(tx.Bucket("a").Put([]byte("k"), []byte("changed")))
	must(tx.CreateBucket("b"))
	ensure(tx.Rollback())

	tx = must(s.BeginTx(false))
	defer tx.Rollback()
	deepEqual(t, string(tx.Bucket("a").Get([]byte("k"))), "v")
	if tx.Bucket("b") != nil {
		t.Errorf("** rolled back bucket exists")
	}
	if _, err := tx.CreateBucket("c"); err != errReadOnlyTx {
		t.Errorf("** CreateBucket in read-only tx = %v, wanted errReadOnlyTx", err)
	}
	if err := tx.Bucket("a").Put([]byte("k"), nil); err != errReadOnlyTx {
		t.Errorf("** Put in read-only tx = %v, wanted errReadOnlyTx", err)
	}
}

func bucketKeys(b StorageBucket) []string {
	var keys []string
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys
}
