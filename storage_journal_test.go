package ogstore

import (
	"testing"
)

func TestJournalStorageReplay(t *testing.T) {
	dir := t.TempDir()
	s := must(OpenJournalStorage(dir, JournalOptions{IsTesting: true}))

	tx := must(s.BeginTx(true))
	b := must(tx.CreateBucket("a"))
	ensure(b.Put([]byte("k1"), []byte("v1")))
	ensure(b.Put([]byte("k2"), []byte("v2")))
	must(tx.CreateBucket("empty"))
	ensure(tx.Commit())

	tx = must(s.BeginTx(true))
	b = tx.Bucket("a")
	ensure(b.Delete([]byte("k1")))
	ensure(b.Put([]byte("k2"), []byte("v2'")))
	ensure(tx.Commit())

	// rolled back changes are not journaled
	tx = must(s.BeginTx(true))
	ensure(tx.Bucket("a").Put([]byte("k3"), []byte("v3")))
	must(tx.CreateBucket("b"))
	ensure(tx.Rollback())
	ensure(s.Close())

	s = must(OpenJournalStorage(dir, JournalOptions{IsTesting: true}))
	defer s.Close()
	tx = must(s.BeginTx(false))
	defer tx.Rollback()
	if tx.Bucket("empty") == nil {
		t.Errorf("** empty bucket was not restored")
	}
	if tx.Bucket("b") != nil {
		t.Errorf("** bucket from a rolled back transaction was restored")
	}
	b = tx.Bucket("a")
	var keys, values []string
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		keys = append(keys, string(k))
		values = append(values, string(v))
	}
	deepEqual(t, keys, []string{"k2"})
	deepEqual(t, values, []string{"v2'"})
}

func TestJournalStorageClose(t *testing.T) {
	s := must(OpenJournalStorage(t.TempDir(), JournalOptions{IsTesting: true}))
	ensure(s.Close())
	ensure(s.Close())
	if _, err := s.BeginTx(false); err != ErrClosed {
		t.Errorf("** BeginTx after Close = %v, wanted ErrClosed", err)
	}
}
