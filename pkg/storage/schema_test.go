package storage

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSchema_FreshStoreHasEverything(t *testing.T) {
	m := NewConnectionManager(Options{InMemory: true})
	defer m.Close()

	info, err := m.Schema(ctxT(t))
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, info.Version)
	for _, s := range schemaStores {
		assert.True(t, info.HasStore(s.name), s.name)
		for _, ix := range s.indexes {
			assert.True(t, info.HasIndex(s.name, ix.name), s.name+"/"+ix.name)
		}
	}
	assert.Len(t, info.Stores, 6)
	assert.Len(t, info.Indexes, 5)
}

func TestSchema_UpgradeBackfillsNewIndexes(t *testing.T) {
	dir := t.TempDir()
	ctx := ctxT(t)

	v1 := NewConnectionManager(Options{Dir: dir})
	v1.targetVersion = 1
	info, err := v1.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	assert.True(t, info.HasIndex(StoreTopics, IndexByAssistant))
	assert.False(t, info.HasStore(StoreImages))
	assert.False(t, info.HasIndex(StoreTopics, IndexByLastTime))

	// A v1 build only maintained the by-assistant index.
	h, err := v1.Open(ctx)
	require.NoError(t, err)
	topic := testTopic("t1", "a1", time.Hour)
	data, _, err := topicCodec.encode(topic)
	require.NoError(t, err)
	require.NoError(t, h.update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(StoreTopics, "t1"), data); err != nil {
			return err
		}
		return txn.Set(indexKey(StoreTopics, IndexByAssistant, "a1", "t1"), []byte{})
	}))
	require.NoError(t, v1.Close())

	v3 := NewConnectionManager(Options{Dir: dir})
	defer v3.Close()
	db := NewDatabase(v3, DatabaseOptions{})

	h3, err := v3.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h3.UpgradedFrom())
	assert.Equal(t, 3, h3.Version())

	recent, err := db.Topics.Scan(ctx, IndexByLastTime, true, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, topic, recent[0])
}

func TestSchema_StepsAreIdempotent(t *testing.T) {
	m := NewConnectionManager(Options{InMemory: true})
	defer m.Close()
	db := NewDatabase(m, DatabaseOptions{})
	ctx := ctxT(t)

	mustPut(t, db.Topics, testTopic("t1", "a1", 0))
	before, err := m.Schema(ctx)
	require.NoError(t, err)

	h, err := m.Open(ctx)
	require.NoError(t, err)
	for v := 1; v <= SchemaVersion; v++ {
		require.NoError(t, h.update(func(txn *badger.Txn) error {
			return applySchemaStep(txn, v, zap.NewNop())
		}))
	}

	after, err := m.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	hits, err := db.Topics.ByIndex(ctx, IndexByAssistant, "a1")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSchema_DowngradeDetected(t *testing.T) {
	m := NewConnectionManager(Options{InMemory: true})
	defer m.Close()

	h, err := m.Open(ctxT(t))
	require.NoError(t, err)

	_, err = upgradeSchema(h.db, 2, zap.NewNop())
	assert.ErrorIs(t, err, ErrSchemaDowngrade)
}
