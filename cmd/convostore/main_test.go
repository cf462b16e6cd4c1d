package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/convostore/pkg/compat"
	"github.com/orneryd/convostore/pkg/config"
	"github.com/orneryd/convostore/pkg/convostore"
)

func openMem(t *testing.T) *convostore.DB {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.InMemory = true
	db, err := convostore.Open(context.Background(), cfg, convostore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)

	require.NoError(t, runInit(ctx, db))
	require.NoError(t, runStatus(ctx, db))
	require.NoError(t, runMigrate(ctx, db, nil))
	require.NoError(t, runValidate(ctx, db))
	require.NoError(t, runReconcile(ctx, db))

	require.NoError(t, runCompat(ctx, db, []string{"rollback"}))
	assert.Equal(t, compat.ModeRollback, db.Compat.Mode())
	require.NoError(t, runCompat(ctx, db, nil))
	assert.ErrorIs(t, runCompat(ctx, db, []string{"maybe"}), compat.ErrUnknownMode)

	assert.Error(t, runCleanup(ctx, db, "kv"))
}

func TestValidateReportsProblems(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)

	all, err := db.Store.Assistants.GetAll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	a := all[0]
	a.TopicIDs = append(a.TopicIDs, "ghost")
	require.NoError(t, db.Store.Assistants.Put(ctx, a))

	assert.Error(t, runValidate(ctx, db))
	require.NoError(t, runReconcile(ctx, db))
	assert.NoError(t, runValidate(ctx, db))
}
