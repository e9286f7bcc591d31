package ogstore

import (
	"fmt"
	"log/slog"

	"github.com/andreyvit/ogstore/journal"
	"github.com/vmihailenco/msgpack/v5"
)

type JournalOptions struct {
	// FileName is the segment file pattern, "objects-*.ogj" by default.
	FileName    string
	MaxFileSize int64
	// IsTesting skips fsync on commit.
	IsTesting bool
	Logger    *slog.Logger
}

var journalInvariant = func() (inv [32]byte) {
	copy(inv[:], "ogstore/buckets/1")
	return
}()

type memOpKind uint8

const (
	opPut memOpKind = iota + 1
	opDelete
	opCreateBucket
)

// memOp is one change made by a write transaction. A committed transaction
// is journaled as the MsgPack array of its changes.
type memOp struct {
	Kind   memOpKind `msgpack:"k"`
	Bucket string    `msgpack:"b"`
	Key    []byte    `msgpack:"key,omitempty"`
	Value  []byte    `msgpack:"v,omitempty"`
}

// OpenJournalStorage opens (creating if needed) a Storage kept in memory and
// persisted as a journal under dir. Opening replays every committed
// transaction.
//
// TODO: compact the journal into a snapshot segment once replay gets slow.
func OpenJournalStorage(dir string, o JournalOptions) (Storage, error) {
	if o.FileName == "" {
		o.FileName = "objects-*.ogj"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j, err := journal.Open(dir, journal.Options{
		FileName:    o.FileName,
		MaxFileSize: o.MaxFileSize,
		DebugName:   "ogstore",
		Invariant:   journalInvariant,
		NoSync:      o.IsTesting,
		Logger:      o.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("ogstore: %w", err)
	}

	s := newMemStorage()
	err = j.Replay(func(rec journal.Record) error {
		var ops []memOp
		if err := msgpack.Unmarshal(rec.Data, &ops); err != nil {
			return dataErrf(rec.Data, 0, err, "journal record %d", rec.Seq)
		}
		for _, op := range ops {
			if err := applyMemOp(s.buckets, op); err != nil {
				return fmt.Errorf("journal record %d: %w", rec.Seq, err)
			}
		}
		return nil
	})
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("ogstore: %w", err)
	}
	s.journal = j
	return s, nil
}

func applyMemOp(buckets map[string]*memBucket, op memOp) error {
	switch op.Kind {
	case opCreateBucket:
		if buckets[op.Bucket] == nil {
			buckets[op.Bucket] = &memBucket{}
		}
		return nil
	}
	b := buckets[op.Bucket]
	if b == nil {
		return fmt.Errorf("bucket %q does not exist", op.Bucket)
	}
	switch op.Kind {
	case opPut:
		b.put(op.Key, op.Value)
	case opDelete:
		b.delete(op.Key)
	default:
		return fmt.Errorf("invalid change kind %d", op.Kind)
	}
	return nil
}

// logOps journals the changes of a transaction that is about to commit.
func (s *memStorage) logOps(ops []memOp) error {
	data, err := msgpack.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode changes using MsgPack: %w", err)
	}
	if _, err := s.journal.Append(data); err != nil {
		return err
	}
	return s.journal.Sync()
}
