package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/events"
)

// Write operations, as reported to metrics and event builders.
const (
	opPut    = "put"
	opDelete = "delete"
)

// Tx is a read-write or read-only view over every store, backed by one
// badger transaction. Events queued during a Tx are published only after
// it commits.
type Tx struct {
	txn     *badger.Txn
	pending []events.Event
	writes  [][2]string
}

func (tx *Tx) emit(e events.Event) {
	tx.pending = append(tx.pending, e)
}

func (tx *Tx) wrote(store, op string) {
	tx.writes = append(tx.writes, [2]string{store, op})
}

// eventFunc builds the change event for a write. ok=false means no event.
type eventFunc[T any] func(op string, existed bool, id string, v *T) (events.Event, bool)

// Collection is a typed store with secondary indexes.
type Collection[T any] struct {
	db       *Database
	store    string
	codec    codec[T]
	indexes  []index[T]
	validate func(*T) []string
	event    eventFunc[T]
}

// Name returns the store name.
func (c *Collection[T]) Name() string { return c.store }

// Get returns the record with id, or ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	var out *T
	err := c.db.View(ctx, func(tx *Tx) error {
		var err error
		out, err = c.GetTx(tx, id)
		return err
	})
	return out, err
}

// GetTx is Get inside an existing transaction.
func (c *Collection[T]) GetTx(tx *Tx, id string) (*T, error) {
	item, err := tx.txn.Get(recordKey(c.store, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s %q: %w", c.codec.kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	v, err := c.codec.decode(id, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s %q: %v", ErrSerialization, c.codec.kind, id, err)
	}
	return v, nil
}

// GetAll returns every record in id order.
func (c *Collection[T]) GetAll(ctx context.Context) ([]*T, error) {
	var out []*T
	err := c.db.View(ctx, func(tx *Tx) error {
		var err error
		out, err = c.GetAllTx(tx)
		return err
	})
	return out, err
}

// GetAllTx is GetAll inside an existing transaction. Records that fail to
// decode are logged and skipped.
func (c *Collection[T]) GetAllTx(tx *Tx) ([]*T, error) {
	var out []*T
	prefix := recordPrefix(c.store)
	it := tx.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		id := idFromRecordKey(item.Key(), c.store)
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		v, err := c.codec.decode(id, raw)
		if err != nil {
			c.db.log.Warn("skipping undecodable record",
				zap.String("store", c.store),
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of records.
func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	n := 0
	err := c.db.View(ctx, func(tx *Tx) error {
		it := tx.txn.NewIterator(badger.IteratorOptions{Prefix: recordPrefix(c.store)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Put inserts or replaces v. A colliding id is an upsert, never an error.
func (c *Collection[T]) Put(ctx context.Context, v *T) error {
	return c.db.Update(ctx, func(tx *Tx) error {
		return c.PutTx(tx, v)
	})
}

// PutTx is Put inside an existing transaction.
func (c *Collection[T]) PutTx(tx *Tx, v *T) error {
	if v == nil {
		return &ValidationError{Kind: c.codec.kind, Reasons: []string{"record is nil"}}
	}
	id := c.codec.id(v)
	if reasons := c.check(id, v); len(reasons) > 0 {
		return &ValidationError{Kind: c.codec.kind, ID: id, Reasons: reasons}
	}

	data, stripped, err := c.codec.encode(v)
	if len(stripped) > 0 {
		c.db.log.Warn("stripped unserializable fields",
			zap.String("store", c.store),
			zap.String("id", id),
			zap.Strings("fields", stripped))
	}
	if err != nil {
		return fmt.Errorf("%w: encode %s %q: %v", ErrSerialization, c.codec.kind, id, err)
	}

	old, err := c.GetTx(tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		old = nil
	case errors.Is(err, ErrSerialization):
		// Stale index entries for an undecodable record cannot be located.
		c.db.log.Warn("overwriting undecodable record",
			zap.String("store", c.store),
			zap.String("id", id),
			zap.Error(err))
		old = nil
	case err != nil:
		return err
	}

	for _, ix := range c.indexes {
		oldValue, hadOld := "", false
		if old != nil {
			oldValue, hadOld = ix.value(old)
		}
		newValue, hasNew := ix.value(v)
		if hadOld && (!hasNew || oldValue != newValue) {
			if err := tx.txn.Delete(indexKey(c.store, ix.name, oldValue, id)); err != nil {
				return err
			}
		}
		if hasNew {
			if err := tx.txn.Set(indexKey(c.store, ix.name, newValue, id), []byte{}); err != nil {
				return err
			}
		}
	}
	if err := tx.txn.Set(recordKey(c.store, id), data); err != nil {
		return err
	}

	tx.wrote(c.store, opPut)
	if c.event != nil {
		if e, ok := c.event(opPut, old != nil, id, v); ok {
			tx.emit(e)
		}
	}
	return nil
}

// Delete removes the record and its index entries. Deleting a missing id
// is a no-op.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.db.Update(ctx, func(tx *Tx) error {
		_, err := c.DeleteTx(tx, id)
		return err
	})
}

// DeleteTx is Delete inside an existing transaction. It reports whether a
// record was removed.
func (c *Collection[T]) DeleteTx(tx *Tx, id string) (bool, error) {
	old, err := c.GetTx(tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case errors.Is(err, ErrSerialization):
		old = nil
	case err != nil:
		return false, err
	}

	if old != nil {
		for _, ix := range c.indexes {
			if value, ok := ix.value(old); ok {
				if err := tx.txn.Delete(indexKey(c.store, ix.name, value, id)); err != nil {
					return false, err
				}
			}
		}
	}
	if err := tx.txn.Delete(recordKey(c.store, id)); err != nil {
		return false, err
	}

	tx.wrote(c.store, opDelete)
	if c.event != nil {
		if e, ok := c.event(opDelete, true, id, old); ok {
			tx.emit(e)
		}
	}
	return true, nil
}

// ByIndex returns the records whose index value equals value.
func (c *Collection[T]) ByIndex(ctx context.Context, indexName, value string) ([]*T, error) {
	var out []*T
	err := c.db.View(ctx, func(tx *Tx) error {
		var err error
		out, err = c.ByIndexTx(tx, indexName, value)
		return err
	})
	return out, err
}

// ByIndexTx is ByIndex inside an existing transaction.
func (c *Collection[T]) ByIndexTx(tx *Tx, indexName, value string) ([]*T, error) {
	if !c.hasIndex(indexName) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownIndex, c.store, indexName)
	}
	ids := c.scanIDs(tx, indexValuePrefix(c.store, indexName, value), false, 0)
	return c.resolve(tx, ids)
}

// Scan returns records ordered by an index, ascending unless reverse is set.
// A limit of zero or less returns everything.
func (c *Collection[T]) Scan(ctx context.Context, indexName string, reverse bool, limit int) ([]*T, error) {
	if !c.hasIndex(indexName) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownIndex, c.store, indexName)
	}
	var out []*T
	err := c.db.View(ctx, func(tx *Tx) error {
		ids := c.scanIDs(tx, indexPrefix(c.store, indexName), reverse, limit)
		var err error
		out, err = c.resolve(tx, ids)
		return err
	})
	return out, err
}

func (c *Collection[T]) scanIDs(tx *Tx, prefix []byte, reverse bool, limit int) []string {
	it := tx.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: reverse})
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	var ids []string
	for it.Seek(seek); it.Valid(); it.Next() {
		ids = append(ids, idFromIndexKey(it.Item().Key()))
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}

// resolve loads records for index hits. Stale entries are skipped.
func (c *Collection[T]) resolve(tx *Tx, ids []string) ([]*T, error) {
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetTx(tx, id)
		if errors.Is(err, ErrNotFound) {
			c.db.log.Debug("stale index entry", zap.String("store", c.store), zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Collection[T]) hasIndex(name string) bool {
	for _, ix := range c.indexes {
		if ix.name == name {
			return true
		}
	}
	return false
}

func (c *Collection[T]) check(id string, v *T) []string {
	var reasons []string
	if c.validate != nil {
		reasons = c.validate(v)
	} else if strings.TrimSpace(id) == "" {
		reasons = append(reasons, "id is empty")
	}
	if strings.IndexByte(id, sep) >= 0 {
		reasons = append(reasons, "id contains a NUL byte")
	}
	return reasons
}
