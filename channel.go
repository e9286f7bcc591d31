package ogstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by Channel.Load for an ObjectID that was
// never stored.
var ErrObjectNotFound = errors.New("object not found")

type ChannelOptions struct {
	// ByteOrder of a new channel; an existing channel keeps the one it was
	// created with. Defaults to little endian.
	ByteOrder binary.ByteOrder
	// Eager rewrites registered objects reachable from stored roots.
	Eager bool
	// Refresh repopulates registered instances on Load.
	Refresh bool
	Logger  *slog.Logger
}

// Channel persists object graphs in a Storage: records in the objects
// bucket keyed by ObjectID, the type dictionary text and channel state in
// the meta bucket, named roots in the roots bucket. A Channel owns its
// storage and closes it on Close.
type Channel struct {
	storage Storage
	types   *TypeHandlers
	reg     *Registry
	eager   bool
	refresh bool
	logger  *slog.Logger

	mu         sync.Mutex
	state      *channelState
	savedTypes int
	closed     bool
}

// OpenChannel prepares the buckets, reads the stored type dictionary and
// initializes types against it, binding every registered handler to a
// stored or newly minted TypeID.
func OpenChannel(storage Storage, types *TypeHandlers, reg *Registry, o ChannelOptions) (*Channel, error) {
	if o.ByteOrder == nil {
		o.ByteOrder = binary.LittleEndian
	}
	if o.Logger == nil {
		o.Logger = types.Logger()
	}
	c := &Channel{
		storage: storage,
		types:   types,
		reg:     reg,
		eager:   o.Eager,
		refresh: o.Refresh,
		logger:  o.Logger,
	}

	err := c.write(func(tx StorageTx) error {
		for _, name := range []string{objectsBucket, metaBucket, rootsBucket} {
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		st, err := loadChannelState(meta, o.ByteOrder)
		if err != nil {
			return err
		}
		var stored []*TypeDescriptor
		if text := meta.Get(dictionaryKey); text != nil {
			stored, err = ParseTypeDictionary(string(text))
			if err != nil {
				return fmt.Errorf("stored type dictionary: %w", err)
			}
		}
		if err := types.Initialize(stored); err != nil {
			return err
		}
		c.state = st
		c.savedTypes, err = c.saveDictionary(meta)
		if err != nil {
			return err
		}
		return st.save(meta, time.Now())
	})
	if err != nil {
		return nil, err
	}
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "channel: opened", slog.Uint64("next_oid", c.state.NextObjectID), slog.Int("types", c.savedTypes), slog.String("byte_order", c.state.order.String()))
	return c, nil
}

func (c *Channel) Types() *TypeHandlers { return c.types }
func (c *Channel) Registry() *Registry  { return c.reg }

func (c *Channel) ByteOrder() binary.ByteOrder { return c.state.order }

func (c *Channel) write(f func(tx StorageTx) error) error {
	tx, err := c.storage.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Channel) read(f func(tx StorageTx) error) error {
	tx, err := c.storage.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

// saveDictionary rewrites the dictionary text if types were added since it
// was last saved, returning the number of saved descriptors.
func (c *Channel) saveDictionary(meta StorageBucket) (int, error) {
	descs := c.types.Dictionary().All()
	if len(descs) == c.savedTypes {
		return c.savedTypes, nil
	}
	if err := meta.Put(dictionaryKey, []byte(AssembleTypeDictionary(descs))); err != nil {
		return 0, err
	}
	return len(descs), nil
}

// Store writes root and the objects reachable from it that have not been
// stored yet, returning root's ObjectID.
func (c *Channel) Store(root any) (ObjectID, error) {
	ids, err := c.StoreAll(root)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// StoreAll stores several roots in one pass and one transaction. Either
// everything is written and registered, or nothing is.
func (c *Channel) StoreAll(roots ...any) ([]ObjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	next := c.state.NextObjectID
	nextID := func() ObjectID {
		id := ObjectID(next)
		next++
		return id
	}
	w := NewRecordWriter(getRecordBuf(), c.state.order)
	defer func() { releaseRecordBuf(w.Buf) }()
	s := NewStorer(c.types, c.reg, w, nextID, StorerOptions{Eager: c.eager, Logger: c.logger})
	ids := make([]ObjectID, len(roots))
	for i, root := range roots {
		id, err := s.Store(root)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	recs := must(SplitRecords(w.Buf, c.state.order))
	var savedTypes int
	err := c.write(func(tx StorageTx) error {
		objects := tx.Bucket(objectsBucket)
		for _, rec := range recs {
			if err := objects.Put(objectKey(rec.ObjectID()), rec.Data); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		var err error
		savedTypes, err = c.saveDictionary(meta)
		if err != nil {
			return err
		}
		st := *c.state
		st.NextObjectID = next
		st.StoreCount++
		return st.save(meta, time.Now())
	})
	if err != nil {
		return nil, err
	}
	c.state.NextObjectID = next
	c.state.StoreCount++
	c.savedTypes = savedTypes
	if err := s.Commit(); err != nil {
		return nil, err
	}
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "channel: stored", slog.Int("roots", len(roots)), slog.Int("records", len(recs)), slog.Int("new", s.NewObjects()))
	return ids, nil
}

// Load returns the instance stored under id, materializing it together
// with everything reachable from its record.
func (c *Channel) Load(id ObjectID) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	var recs []Record
	err := c.read(func(tx StorageTx) error {
		objects := tx.Bucket(objectsBucket)
		seen := map[ObjectID]bool{id: true}
		queue := []ObjectID{id}
		for len(queue) > 0 {
			oid := queue[0]
			queue = queue[1:]
			raw := objects.Get(objectKey(oid))
			if raw == nil {
				if oid == id {
					return fmt.Errorf("oid %d: %w", id, ErrObjectNotFound)
				}
				if c.reg.LookupObject(oid) != nil {
					continue
				}
				return &ConsistencyError{ObjectID: oid, Msg: "dangling reference"}
			}
			rec, _, err := ReadRecord(slices.Clone(raw), c.state.order)
			if err != nil {
				return err
			}
			if rec.ObjectID() != oid {
				return &ConsistencyError{ObjectID: oid, OtherID: rec.ObjectID(), Msg: "record stored under a different oid"}
			}
			recs = append(recs, rec)

			h, err := c.types.ByTypeID(rec.TypeID())
			if err != nil {
				return err
			}
			h.IterateLoadableReferences(rec, func(ref ObjectID) {
				if ref != 0 && !seen[ref] {
					seen[ref] = true
					queue = append(queue, ref)
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l := NewLoader(c.types, c.reg, LoaderOptions{Refresh: c.refresh, Logger: c.logger})
	insts, err := l.Load(recs)
	if err != nil {
		return nil, err
	}
	return insts[0], nil
}

// SetRoot names a stored ObjectID. A zero id removes the name.
func (c *Channel) SetRoot(name string, id ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.write(func(tx StorageTx) error {
		roots := tx.Bucket(rootsBucket)
		if id == 0 {
			return roots.Delete([]byte(name))
		}
		return roots.Put([]byte(name), objectKey(id))
	})
}

// Root returns the ObjectID named name, or 0.
func (c *Channel) Root(name string) (ObjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	var id ObjectID
	err := c.read(func(tx StorageTx) error {
		if raw := tx.Bucket(rootsBucket).Get([]byte(name)); raw != nil {
			id = objectIDFromKey(raw)
		}
		return nil
	})
	return id, err
}

// Close closes the channel and its storage. Closing again is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "channel: closed")
	return c.storage.Close()
}
