package sqlitesource

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/storage"
)

const t0 = int64(1_700_000_000_000)

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(Schema)
	require.NoError(t, err)

	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO assistants (id, name, description, system_prompt, is_system, topic_ids) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"a1", "Default", "built in", "Be brief.", 1, `["t1","t2"]`}},
		{`INSERT INTO assistants (id, name, topic_ids) VALUES (?, ?, ?)`,
			[]any{"a2", "Broken ids", `not json`}},
		{`INSERT INTO topics (id, assistant_id, title, prompt, last_message_time, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"t1", "a1", "First", "", t0 + 2000, t0}},
		{`INSERT INTO topics (id, assistant_id, title, created_at) VALUES (?, ?, ?, ?)`,
			[]any{"t2", "a1", "Empty", t0 + 1}},
		{`INSERT INTO messages (id, topic_id, role, content, timestamp, metadata, position) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			[]any{"m2", "t1", "assistant", "hello", t0 + 2000, `{"model":"x","tokens":12}`, 1}},
		{`INSERT INTO messages (id, topic_id, role, content, timestamp, position) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"m1", "t1", "user", "hi", t0 + 1000, 0}},
		{`INSERT INTO images (id, topic_id, message_id, mime_type, data, created) VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{"img1", "t1", "m2", "image/png", []byte{0x89, 0x50, 0x4e, 0x47}, t0}},
		{`INSERT INTO settings (key, value) VALUES (?, ?)`, []any{"theme", `"dark"`}},
		{`INSERT INTO settings (key, value) VALUES (?, ?)`, []any{"fontSize", `14`}},
		{`INSERT INTO settings (key, value) VALUES (?, ?)`, []any{"raw", `plain text`}},
	}
	for _, s := range stmts {
		_, err := db.Exec(s.q, s.args...)
		require.NoError(t, err, s.q)
	}
	return path
}

func TestSource_Reads(t *testing.T) {
	ctx := context.Background()
	src := New(writeFixture(t), Options{})
	t.Cleanup(func() { _ = src.Close() })

	require.True(t, src.CheckAvailability(ctx))
	assert.Equal(t, SourceID, src.SourceID())

	assistants, err := src.Assistants(ctx)
	require.NoError(t, err)
	require.Len(t, assistants, 2)
	assert.Equal(t, "a1", assistants[0].ID)
	assert.True(t, assistants[0].IsSystem)
	assert.Equal(t, []string{"t1", "t2"}, assistants[0].TopicIDs)
	assert.Empty(t, assistants[1].TopicIDs)

	topics, err := src.Topics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	first := topics[0]
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, time.UnixMilli(t0+2000).UTC(), first.LastMessageTime)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "m1", first.Messages[0].ID)
	assert.Equal(t, models.RoleUser, first.Messages[0].Role)
	assert.Equal(t, "x", first.Messages[1].Metadata["model"])
	assert.Empty(t, topics[1].Messages)
	assert.True(t, topics[1].LastMessageTime.IsZero())

	images, err := src.Images(ctx)
	require.NoError(t, err)
	require.Contains(t, images, "img1")
	assert.Equal(t, "image/png", images["img1"].Meta.MimeType)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, images["img1"].Blob)

	settings, err := src.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", settings["theme"])
	assert.Equal(t, float64(14), settings["fontSize"])
	assert.Equal(t, "plain text", settings["raw"])
}

func TestSource_Unavailable(t *testing.T) {
	ctx := context.Background()
	missing := New(filepath.Join(t.TempDir(), "nope.db"), Options{})
	assert.False(t, missing.CheckAvailability(ctx))
	_, err := missing.Assistants(ctx)
	assert.ErrorIs(t, err, migration.ErrMigrationSourceUnavailable)

	path := filepath.Join(t.TempDir(), "other.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE unrelated (id TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	other := New(path, Options{})
	t.Cleanup(func() { _ = other.Close() })
	assert.False(t, other.CheckAvailability(ctx))
}

func TestSource_MigratesAndClears(t *testing.T) {
	ctx := context.Background()
	path := writeFixture(t)
	src := New(path, Options{})

	conn := storage.NewConnectionManager(storage.Options{InMemory: true})
	t.Cleanup(func() { _ = conn.Close() })
	db := storage.NewDatabase(conn, storage.DatabaseOptions{})

	o := migration.New(db, migration.Options{}, src)
	st, err := o.StartMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.StateCompleted, st.State)
	assert.Equal(t, 2, st.Stats.Assistants)
	assert.Equal(t, 2, st.Stats.Topics)
	assert.Equal(t, 2, st.Stats.Messages)
	assert.Equal(t, 1, st.Stats.Images)
	assert.Equal(t, 3, st.Stats.Settings)

	byAssistant, err := db.Topics.ByIndex(ctx, storage.IndexByAssistant, "a1")
	require.NoError(t, err)
	assert.Len(t, byAssistant, 2)

	require.NoError(t, o.CleanupSource(ctx, SourceID))
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, src.CheckAvailability(ctx))
}
