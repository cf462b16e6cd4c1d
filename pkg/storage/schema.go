// Package storage schema management for stores and indexes.
//
// The schema is a catalog of store and index entries plus a version key.
// Upgrades walk from the stored version to the build's version one step at a
// time. Every step checks each store and index for existence before creating
// it, so a repeated or partially applied step is harmless. Nothing is ever
// removed or rewritten in place.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// SchemaInfo describes the catalog of an open store.
type SchemaInfo struct {
	Version int
	Stores  []string
	// Indexes are "store/index" pairs.
	Indexes []string
}

// HasStore reports whether the catalog contains store.
func (s SchemaInfo) HasStore(store string) bool {
	for _, name := range s.Stores {
		if name == store {
			return true
		}
	}
	return false
}

// HasIndex reports whether the catalog contains the index.
func (s SchemaInfo) HasIndex(store, index string) bool {
	want := store + "/" + index
	for _, name := range s.Indexes {
		if name == want {
			return true
		}
	}
	return false
}

func readVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get(versionKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return parseVersion(raw)
}

// upgradeSchema brings db to target and returns the version found on disk.
func upgradeSchema(db *badger.DB, target int, log *zap.Logger) (int, error) {
	var stored int
	err := db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn)
		stored = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if stored > target {
		return stored, fmt.Errorf("%w: stored v%d, build v%d", ErrSchemaDowngrade, stored, target)
	}

	for v := stored + 1; v <= target; v++ {
		err := db.Update(func(txn *badger.Txn) error {
			return applySchemaStep(txn, v, log)
		})
		if err != nil {
			return stored, fmt.Errorf("upgrade to schema v%d: %w", v, err)
		}
		log.Info("schema upgraded", zap.Int("version", v))
	}
	return stored, nil
}

func applySchemaStep(txn *badger.Txn, version int, log *zap.Logger) error {
	for _, s := range schemaStores {
		if s.since == version {
			created, err := ensureCatalogKey(txn, catalogStoreKey(s.name))
			if err != nil {
				return err
			}
			if created {
				log.Debug("store created", zap.String("store", s.name))
			}
		}
		for _, ix := range s.indexes {
			if ix.since != version {
				continue
			}
			created, err := ensureCatalogKey(txn, catalogIndexKey(s.name, ix.name))
			if err != nil {
				return err
			}
			if !created {
				continue
			}
			n, err := backfillIndex(txn, s.name, ix)
			if err != nil {
				return fmt.Errorf("backfill %s/%s: %w", s.name, ix.name, err)
			}
			log.Debug("index created",
				zap.String("store", s.name),
				zap.String("index", ix.name),
				zap.Int("backfilled", n))
		}
	}
	return txn.Set(versionKey, []byte(strconv.Itoa(version)))
}

// ensureCatalogKey creates key if absent and reports whether it did.
func ensureCatalogKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return true, txn.Set(key, []byte{})
}

// backfillIndex writes index entries for records stored before the index existed.
func backfillIndex(txn *badger.Txn, store string, ix rawIndex) (int, error) {
	var keys [][]byte

	prefix := recordPrefix(store)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		id := idFromRecordKey(item.Key(), store)
		raw, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return 0, err
		}
		value, ok, err := ix.value(id, raw)
		if err != nil {
			it.Close()
			return 0, fmt.Errorf("decode %s: %w", id, err)
		}
		if ok {
			keys = append(keys, indexKey(store, ix.name, value, id))
		}
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Set(k, []byte{}); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func readSchemaInfo(txn *badger.Txn) (SchemaInfo, error) {
	v, err := readVersion(txn)
	if err != nil {
		return SchemaInfo{}, err
	}
	info := SchemaInfo{Version: v}

	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("m\x00")})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		switch {
		case bytes.HasPrefix(key, catalogStoreBytes):
			info.Stores = append(info.Stores, string(key[len(catalogStoreBytes):]))
		case bytes.HasPrefix(key, catalogIndexBytes):
			rest := key[len(catalogIndexBytes):]
			for i, b := range rest {
				if b == sep {
					info.Indexes = append(info.Indexes, string(rest[:i])+"/"+string(rest[i+1:]))
					break
				}
			}
		}
	}
	return info, nil
}
