package journal

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	c.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

func testOptions(t testing.TB, now *time.Time) Options {
	return Options{
		FileName: "j*.wal",
		Now:      func() time.Time { return *now },
		NoSync:   true,
		Logger:   slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func open(t testing.TB, dir string, o Options) *Journal {
	t.Helper()
	j, err := Open(dir, o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func replay(t testing.TB, j *Journal) []Record {
	t.Helper()
	var recs []Record
	err := j.Replay(func(rec Record) error {
		rec.Data = append([]byte(nil), rec.Data...)
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestJournal_trivial(t *testing.T) {
	dir := t.TempDir()
	now := start
	j := open(t, dir, testOptions(t, &now))
	deepEq(t, must(j.Append([]byte("hello"))), uint64(1))
	deepEq(t, must(j.Append(nil)), uint64(0))
	now = now.Add(1000 * time.Second)
	deepEq(t, must(j.Append([]byte("world"))), uint64(2))
	ensure(j.Sync())

	deepEq(t, j.FileNames(), []string{"j000000000001-20240101T000000-0000000000000001.wal"})
	ts := uint32(start.Unix())
	deepEq(t, replay(t, j), []Record{
		{1, ts, []byte("hello")},
		{2, ts + 1000, []byte("world")},
	})

	// header, then 1+1+5+8 and 1+2+5+8 bytes of records
	fi := must(os.Stat(filepath.Join(dir, j.FileNames()[0])))
	deepEq(t, fi.Size(), int64(segmentHeaderSize+15+16))
}

func TestJournal_reopen(t *testing.T) {
	dir := t.TempDir()
	now := start
	j := open(t, dir, testOptions(t, &now))
	must(j.Append([]byte("a")))
	must(j.Append([]byte("b")))
	ensure(j.Close())

	if _, err := j.Append([]byte("c")); !errors.Is(err, ErrClosed) {
		t.Errorf("** Append after Close = %v, wanted ErrClosed", err)
	}

	j = open(t, dir, testOptions(t, &now))
	deepEq(t, j.Len(), uint64(2))
	deepEq(t, must(j.Append([]byte("c"))), uint64(3))
	deepEq(t, len(j.FileNames()), 2)

	var data []string
	for _, rec := range replay(t, j) {
		data = append(data, string(rec.Data))
	}
	deepEq(t, data, []string{"a", "b", "c"})
}

func TestJournal_rotation(t *testing.T) {
	dir := t.TempDir()
	now := start
	o := testOptions(t, &now)
	o.MaxFileSize = segmentHeaderSize + 20
	j := open(t, dir, o)
	for _, s := range []string{"one", "two", "three"} {
		must(j.Append([]byte(s)))
	}
	// "three" no longer fits into the first segment
	deepEq(t, len(j.FileNames()), 2)
	j.Rotate()
	must(j.Append([]byte("four")))
	deepEq(t, len(j.FileNames()), 3)
	ensure(j.Close())

	j = open(t, dir, o)
	deepEq(t, j.Len(), uint64(4))
	recs := replay(t, j)
	deepEq(t, recs[3].Seq, uint64(4))
	deepEq(t, string(recs[3].Data), "four")
}

func TestJournal_tornTail(t *testing.T) {
	dir := t.TempDir()
	now := start
	j := open(t, dir, testOptions(t, &now))
	must(j.Append([]byte("kept")))
	must(j.Append([]byte("torn")))
	name := j.FileNames()[0]
	ensure(j.Close())

	fn := filepath.Join(dir, name)
	data := must(os.ReadFile(fn))
	ensure(os.WriteFile(fn, data[:len(data)-3], 0o644))

	j = open(t, dir, testOptions(t, &now))
	deepEq(t, j.Len(), uint64(1))
	deepEq(t, must(j.Append([]byte("next"))), uint64(2))
	recs := replay(t, j)
	deepEq(t, len(recs), 2)
	deepEq(t, string(recs[1].Data), "next")
}

func TestJournal_damagedMiddle(t *testing.T) {
	dir := t.TempDir()
	now := start
	j := open(t, dir, testOptions(t, &now))
	must(j.Append([]byte("first")))
	j.Rotate()
	must(j.Append([]byte("second")))
	name := j.FileNames()[0]
	ensure(j.Close())

	fn := filepath.Join(dir, name)
	data := must(os.ReadFile(fn))
	data[len(data)-10] ^= 0xFF
	ensure(os.WriteFile(fn, data, 0o644))

	_, err := Open(dir, testOptions(t, &now))
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("** Open = %v, wanted ErrCorrupted", err)
	}
}

func TestJournal_invariant(t *testing.T) {
	dir := t.TempDir()
	now := start
	o := testOptions(t, &now)
	o.Invariant[0] = 1
	j := open(t, dir, o)
	must(j.Append([]byte("x")))
	ensure(j.Close())

	o.Invariant[0] = 2
	_, err := Open(dir, o)
	if !errors.Is(err, ErrIncompatible) {
		t.Errorf("** Open = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_replayError(t *testing.T) {
	now := start
	j := open(t, t.TempDir(), testOptions(t, &now))
	must(j.Append([]byte("x")))
	stop := errors.New("stop")
	if err := j.Replay(func(Record) error { return stop }); err != stop {
		t.Errorf("** Replay = %v, wanted %v", err, stop)
	}
}

func TestParseName(t *testing.T) {
	ordinal, ts, first, err := parseSegmentName("123-20230101T000000-11223344aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	deepEq(t, ordinal, uint32(123))
	deepEq(t, ts, uint32(1672531200))
	deepEq(t, first, uint64(0x11223344_aabbccdd))
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd)
	deepEq(t, name, "x000000000123-20230101T000000-11223344aabbccddy")
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
