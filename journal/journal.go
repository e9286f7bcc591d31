// Package journal implements append-only journal files made of checksummed
// records, split into numbered segments.
//
// File format:
//
//   - segment = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 firstRecord:64 invariant:8*32 reserved:64*2 checksum:64
//   - record = size:uvarint tsDelta:uvarint bytes* checksum:64
//
// Checksums are xxhash64 of every segment byte written so far, trailers
// excluded, so a record cannot be removed or reordered without notice. A torn
// tail of the last segment is trimmed when the journal is opened; damage
// anywhere else fails Open.
package journal

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal")
	ErrClosed             = errors.New("journal closed")
)

type Options struct {
	FileName    string // e.g. "objects-*.ogj"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time
	// Invariant must match between the writer and every later reader.
	Invariant [32]byte
	// NoSync turns Sync into a no-op.
	NoSync bool

	Logger *slog.Logger
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic    = 0x314c4e524a53474f // "OGSJRNL1" as little-endian uint64
	version0 = 0

	segmentHeaderSize = 88
	trailerSize       = 8
	timestampFmt      = "20060102T150405"
)

type segmentHeader struct {
	Magic       uint64
	Version     uint8
	_           uint8
	Flags       uint16
	_           uint32
	Ordinal     uint32
	Timestamp   uint32
	FirstRecord uint64
	Invariant   [32]byte
	_           [2]uint64
	Checksum    uint64
}

// Record is one entry of the journal. Seq numbers records from 1 across all
// segments.
type Record struct {
	Seq       uint64
	Timestamp uint32
	Data      []byte
}

type segment struct {
	name    string
	ordinal uint32
	first   uint64
	size    int64
}

type Journal struct {
	dir         string
	prefix      string
	suffix      string
	debugName   string
	maxFileSize int64
	now         func() time.Time
	invariant   [32]byte
	noSync      bool
	logger      *slog.Logger

	mu       sync.Mutex
	segments []segment
	nextRec  uint64
	w        *segmentWriter
	err      error
	closed   bool
}

// Open scans the segments under dir, creating dir if needed. Appends go to a
// fresh segment.
func Open(dir string, o Options) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		dir:         dir,
		prefix:      prefix,
		suffix:      suffix,
		debugName:   o.DebugName,
		maxFileSize: o.MaxFileSize,
		now:         o.Now,
		invariant:   o.Invariant,
		noSync:      o.NoSync,
		logger:      o.Logger,
		nextRec:     1,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := j.scan(); err != nil {
		return nil, fmt.Errorf("%v: %w", j.debugName, err)
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) scan() error {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return err
	}
	var found []segment
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		inner, ok := j.trimName(name)
		if !ok {
			continue
		}
		ordinal, _, first, err := parseSegmentName(inner)
		if err != nil {
			return err
		}
		found = append(found, segment{name: name, ordinal: ordinal, first: first})
	}
	slices.SortFunc(found, func(a, b segment) int {
		return cmp.Compare(a.ordinal, b.ordinal)
	})

	ctx := context.Background()
	for i, seg := range found {
		last := i == len(found)-1
		if i > 0 && seg.ordinal != found[i-1].ordinal+1 {
			return fmt.Errorf("%w: segment %d missing before %s", ErrCorrupted, found[i-1].ordinal+1, seg.name)
		}
		data, err := os.ReadFile(j.path(seg.name))
		if err != nil {
			return err
		}

		h, err := j.decodeHeader(data, seg.ordinal)
		if errors.Is(err, ErrCorrupted) && last {
			j.logger.LogAttrs(ctx, slog.LevelWarn, "journal: deleting segment with a torn header", slog.String("jrnl", j.debugName), slog.String("file", seg.name), slog.Int("size", len(data)))
			if err := os.Remove(j.path(seg.name)); err != nil {
				return fmt.Errorf("failed to delete torn segment: %w", err)
			}
			break
		} else if err != nil {
			return fmt.Errorf("%s: %w", seg.name, err)
		}
		if h.FirstRecord != j.nextRec {
			return fmt.Errorf("%w: %s starts at record %d, wanted %d", ErrCorrupted, seg.name, h.FirstRecord, j.nextRec)
		}

		end, count, err := scanRecords(data, h, nil)
		if err != nil {
			return err
		}
		if end < len(data) {
			if !last {
				return fmt.Errorf("%w: %s damaged at offset %d", ErrCorrupted, seg.name, end)
			}
			j.logger.LogAttrs(ctx, slog.LevelWarn, "journal: trimming torn tail", slog.String("jrnl", j.debugName), slog.String("file", seg.name), slog.Int("valid", end), slog.Int("size", len(data)))
			if err := os.Truncate(j.path(seg.name), int64(end)); err != nil {
				return fmt.Errorf("failed to trim torn tail: %w", err)
			}
		}
		seg.size = int64(end)
		j.nextRec += uint64(count)
		j.segments = append(j.segments, seg)
	}
	j.logger.LogAttrs(ctx, slog.LevelDebug, "journal: opened", slog.String("jrnl", j.debugName), slog.Int("segments", len(j.segments)), slog.Uint64("records", j.nextRec-1))
	return nil
}

func (j *Journal) trimName(name string) (string, bool) {
	if len(name) < len(j.prefix)+len(j.suffix) || !strings.HasPrefix(name, j.prefix) || !strings.HasSuffix(name, j.suffix) {
		return "", false
	}
	return name[len(j.prefix) : len(name)-len(j.suffix)], true
}

func (j *Journal) path(name string) string {
	return filepath.Join(j.dir, name)
}

func (j *Journal) decodeHeader(data []byte, ordinal uint32) (*segmentHeader, error) {
	if len(data) < segmentHeaderSize {
		return nil, ErrCorrupted
	}
	h := new(segmentHeader)
	if _, err := binary.Decode(data[:segmentHeaderSize], binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != magic || h.Checksum != xxhash.Sum64(data[:segmentHeaderSize-trailerSize]) || h.Ordinal != ordinal {
		return nil, ErrCorrupted
	}
	if h.Version > version0 {
		return nil, ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return nil, ErrIncompatible
	}
	return h, nil
}

// scanRecords walks the records of one segment and returns the offset just
// past the last intact one.
func scanRecords(data []byte, h *segmentHeader, f func(rec Record) error) (end, count int, err error) {
	hash := xxhash.New()
	hash.Write(data[:segmentHeaderSize])
	off := segmentHeaderSize
	ts := h.Timestamp
	seq := h.FirstRecord
	for off < len(data) {
		size, n1 := binary.Uvarint(data[off:])
		if n1 <= 0 {
			break
		}
		tsDelta, n2 := binary.Uvarint(data[off+n1:])
		if n2 <= 0 || tsDelta > math.MaxUint32 {
			break
		}
		start := off + n1 + n2
		if avail := len(data) - start - trailerSize; avail < 0 || size > uint64(avail) {
			break
		}
		stop := start + int(size)
		hash.Write(data[off:stop])
		if binary.LittleEndian.Uint64(data[stop:]) != hash.Sum64() {
			break
		}
		ts += uint32(tsDelta)
		if f != nil {
			if err := f(Record{Seq: seq, Timestamp: ts, Data: data[start:stop]}); err != nil {
				return off, count, err
			}
		}
		seq++
		count++
		off = stop + trailerSize
	}
	return off, count, nil
}

// Replay calls f for every record in order. Record data is only valid for
// the duration of the call.
func (j *Journal) Replay(f func(rec Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	for _, seg := range j.segments {
		data, err := os.ReadFile(j.path(seg.name))
		if err != nil {
			return err
		}
		if int64(len(data)) < seg.size {
			return fmt.Errorf("%w: %s shrank to %d bytes", ErrCorrupted, seg.name, len(data))
		}
		data = data[:seg.size]
		h, err := j.decodeHeader(data, seg.ordinal)
		if err != nil {
			return fmt.Errorf("%s: %w", seg.name, err)
		}
		if _, _, err := scanRecords(data, h, f); err != nil {
			return err
		}
	}
	return nil
}

// Now returns the current time as a journal timestamp.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// Append writes one record and returns its sequence number. Empty records
// are not written.
func (j *Journal) Append(data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	if j.err != nil {
		return 0, j.err
	}
	if len(data) == 0 {
		return 0, nil
	}

	ts := j.Now()
	if j.w != nil && j.w.size >= j.maxFileSize {
		j.closeWriter()
	}
	if j.w == nil {
		if err := j.startSegment(ts); err != nil {
			return 0, j.fail(err)
		}
	}
	if err := j.w.writeRecord(ts, data); err != nil {
		return 0, j.fail(err)
	}
	j.segments[len(j.segments)-1].size = j.w.size
	seq := j.nextRec
	j.nextRec++
	return seq, nil
}

// Sync flushes the current segment to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	if j.w == nil || j.noSync {
		return nil
	}
	return j.fail(j.w.f.Sync())
}

// Rotate makes the next Append start a new segment.
func (j *Journal) Rotate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeWriter()
}

// Len returns the number of records in the journal.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRec - 1
}

// FileNames returns the segment file names in order.
func (j *Journal) FileNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, len(j.segments))
	for i, seg := range j.segments {
		names[i] = seg.name
	}
	return names
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeWriter()
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(context.Background(), slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	j.closeWriter()
	if j.err == nil {
		j.err = err
	}
	return err
}

func (j *Journal) closeWriter() error {
	if j.w == nil {
		return nil
	}
	err := j.w.f.Close()
	j.w = nil
	return err
}

func (j *Journal) startSegment(ts uint32) error {
	var ordinal uint32 = 1
	if n := len(j.segments); n > 0 {
		ordinal = j.segments[n-1].ordinal + 1
	}
	name := formatSegmentName(j.prefix, j.suffix, ordinal, ts, j.nextRec)

	f, err := os.OpenFile(j.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	h := segmentHeader{
		Magic:       magic,
		Version:     version0,
		Ordinal:     ordinal,
		Timestamp:   ts,
		FirstRecord: j.nextRec,
		Invariant:   j.invariant,
	}
	var buf [segmentHeaderSize]byte
	if _, err := binary.Encode(buf[:], binary.LittleEndian, &h); err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-trailerSize:], xxhash.Sum64(buf[:segmentHeaderSize-trailerSize]))
	if _, err := f.Write(buf[:]); err != nil {
		return err
	}

	sw := &segmentWriter{f: f, ts: ts, size: segmentHeaderSize, hash: xxhash.New()}
	sw.hash.Write(buf[:])
	j.w = sw
	j.segments = append(j.segments, segment{name: name, ordinal: ordinal, first: j.nextRec, size: segmentHeaderSize})
	ok = true

	j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", name))
	return nil
}

type segmentWriter struct {
	f    *os.File
	ts   uint32
	size int64
	hash *xxhash.Digest
	buf  []byte
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	buf := binary.AppendUvarint(sw.buf[:0], uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(tsDelta))
	sw.hash.Write(buf)
	sw.hash.Write(data)
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint64(buf, sw.hash.Sum64())
	sw.buf = buf

	if _, err := sw.f.Write(buf); err != nil {
		return err
	}
	sw.size += int64(len(buf))
	return nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func formatSegmentName(prefix, suffix string, ordinal, ts uint32, first uint64) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, ordinal, t.Format(timestampFmt), first, suffix)
}

func parseSegmentName(name string) (ordinal, ts uint32, first uint64, err error) {
	ordStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(ordStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	ordinal = uint32(v)

	tsStr, firstStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return ordinal, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	first, err = strconv.ParseUint(firstStr, 16, 64)
	if err != nil {
		return ordinal, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record number)", name)
	}
	return
}
