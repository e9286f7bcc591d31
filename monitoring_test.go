package ogstore

import "testing"

func TestChannelStats(t *testing.T) {
	ch := setup(t, NewMemStorage())
	s := must(ch.Stats())
	deepEqual(t, s.Objects, 0)
	deepEqual(t, s.Roots, 0)

	id := must(ch.Store(&Node{Name: "a", Next: &Node{Name: "b"}}))
	ensure(ch.SetRoot("a", id))
	s = must(ch.Stats())
	deepEqual(t, s.Objects, 2)
	deepEqual(t, s.Roots, 1)
	deepEqual(t, s.Types, ch.Types().Dictionary().Len())
	if s.DataSize <= 0 {
		t.Errorf("** DataSize = %d, wanted positive", s.DataSize)
	}
	deepEqual(t, s.DataAlloc, s.DataSize)

	ensure(ch.Close())
	if _, err := ch.Stats(); err != ErrClosed {
		t.Errorf("** Stats after Close = %v, wanted ErrClosed", err)
	}
}
