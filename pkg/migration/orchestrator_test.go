package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/storage"
)

var testNow = time.UnixMilli(1_700_000_000_000).UTC()

type fakeSource struct {
	id         string
	available  bool
	assistants []*models.Assistant
	topics     []*models.Topic
	images     map[string]ImageRecord
	settings   map[string]any

	topicsErr error
	block     chan struct{}
	entered   chan struct{}

	mu      sync.Mutex
	reads   int
	cleared bool
}

func (f *fakeSource) SourceID() string                       { return f.id }
func (f *fakeSource) CheckAvailability(context.Context) bool { return f.available }

func (f *fakeSource) Assistants(context.Context) ([]*models.Assistant, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		<-f.block
	}
	out := make([]*models.Assistant, len(f.assistants))
	for i, a := range f.assistants {
		out[i] = a.Clone()
	}
	return out, nil
}

func (f *fakeSource) Topics(context.Context) ([]*models.Topic, error) {
	if f.topicsErr != nil {
		return nil, f.topicsErr
	}
	return f.topics, nil
}

func (f *fakeSource) Images(context.Context) (map[string]ImageRecord, error) { return f.images, nil }
func (f *fakeSource) Settings(context.Context) (map[string]any, error)       { return f.settings, nil }

func (f *fakeSource) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	conn := storage.NewConnectionManager(storage.Options{InMemory: true})
	t.Cleanup(func() { _ = conn.Close() })
	return storage.NewDatabase(conn, storage.DatabaseOptions{})
}

func newOrchestrator(db *storage.Database, sources ...DataSource) *Orchestrator {
	return New(db, Options{Now: func() time.Time { return testNow }}, sources...)
}

func legacySource(id, name string) *fakeSource {
	return &fakeSource{
		id:        id,
		available: true,
		assistants: []*models.Assistant{
			{ID: "a1", Name: name, SystemPrompt: "legacy prompt", TopicIDs: []string{"t1"}},
		},
		topics: []*models.Topic{{
			ID:              "t1",
			Title:           "Legacy topic from " + id,
			AssistantID:     "a1",
			LastMessageTime: testNow,
			Messages: []models.Message{
				{ID: "m1", Role: models.RoleUser, Content: "hi", Timestamp: testNow.Add(-time.Minute)},
				{ID: "m2", Role: models.RoleAssistant, Content: "hello", Timestamp: testNow},
			},
		}},
		images: map[string]ImageRecord{
			"img1": {Meta: models.ImageMetadata{TopicID: "t1", MimeType: "image/png", Created: testNow}, Blob: []byte{1, 2, 3}},
		},
		settings: map[string]any{"theme": "dark"},
	}
}

func snapshot(t *testing.T, db *storage.Database) map[string]int {
	t.Helper()
	stats, err := db.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestStartMigration_ImportsEverything(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	src := legacySource("kv", "Legacy")
	o := newOrchestrator(db, src)

	st, err := o.StartMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.True(t, st.Completed)
	assert.False(t, st.InProgress)
	assert.Equal(t, []string{"kv"}, st.Sources)
	assert.Equal(t, []string{"kv"}, st.CompletedSources)
	assert.Equal(t, models.MigrationStats{Assistants: 1, Topics: 1, Messages: 2, Images: 1, Settings: 1}, st.Stats)

	topic, err := db.Topics.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, topic.Messages, 2)

	img, err := db.Images.Get(ctx, "img1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, img.Blob)

	var theme string
	ok, err := db.LoadSetting(ctx, "theme", &theme)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", theme)

	persisted, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Stats, persisted.Stats)
	assert.Equal(t, StateCompleted, persisted.State)
}

func TestStartMigration_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	o := newOrchestrator(db, legacySource("kv", "Legacy"))

	_, err := o.StartMigration(ctx, "kv")
	require.NoError(t, err)
	first := snapshot(t, db)
	firstTopic, err := db.Topics.Get(ctx, "t1")
	require.NoError(t, err)

	st, err := o.StartMigration(ctx, "kv")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, first, snapshot(t, db), "second run must not add records")

	secondTopic, err := db.Topics.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, firstTopic, secondTopic)
}

func TestStartMigration_LastSourceWins(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	older := legacySource("sqlite", "From SQLite")
	newer := legacySource("kv", "From KV")
	o := newOrchestrator(db, older, newer)

	_, err := o.StartMigration(ctx, "kv", "sqlite")
	require.NoError(t, err)

	a, err := db.Assistants.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "From KV", a.Name, "registration order decides, not argument order")

	topic, err := db.Topics.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Legacy topic from kv", topic.Title)
}

func TestStartMigration_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	src := legacySource("kv", "Legacy")
	src.assistants = append(src.assistants, &models.Assistant{ID: "broken"})
	src.topics = append(src.topics, &models.Topic{ID: "t-untitled"})
	o := newOrchestrator(db, src)

	st, err := o.StartMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Stats.Rejected)
	assert.Equal(t, 1, st.Stats.Assistants)
	assert.Equal(t, 1, st.Stats.Topics)

	_, err = db.Assistants.Get(ctx, "broken")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartMigration_SkipsUnavailableSource(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gone := legacySource("sqlite", "Gone")
	gone.available = false
	o := newOrchestrator(db, gone, legacySource("kv", "Present"))

	assert.Equal(t, []string{"kv"}, o.DetectSources(ctx))

	st, err := o.StartMigration(ctx, "sqlite", "kv", "missing")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, []string{"kv"}, st.CompletedSources)
	assert.Zero(t, gone.readCount())
}

func TestStartMigration_AdapterErrorFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	src := legacySource("kv", "Legacy")
	src.topicsErr = errors.New("corrupt dump")
	o := newOrchestrator(db, src)

	st, err := o.StartMigration(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt dump")
	assert.Equal(t, StateFailed, st.State)
	assert.False(t, st.InProgress)
	assert.Contains(t, st.Error, "corrupt dump")

	// records written before the failure are kept
	_, err = db.Assistants.Get(ctx, "a1")
	require.NoError(t, err)

	persisted, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, persisted.State)

	src.topicsErr = nil
	st, err = o.StartMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Empty(t, st.Error)
}

func TestStartMigration_ResumesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	done := legacySource("sqlite", "Done")
	pending := legacySource("kv", "Pending")
	pending.assistants[0].ID = "a2"
	pending.assistants[0].TopicIDs = nil

	require.NoError(t, db.SaveSetting(ctx, StatusKey, models.MigrationStatus{
		Started:          true,
		InProgress:       true,
		Sources:          []string{"sqlite", "kv"},
		CompletedSources: []string{"sqlite"},
		State:            StateInProgress,
		Stats:            models.MigrationStats{Assistants: 1},
	}))

	o := newOrchestrator(db, done, pending)
	st, err := o.StartMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, []string{"sqlite", "kv"}, st.CompletedSources)
	assert.Equal(t, 2, st.Stats.Assistants)
	assert.Zero(t, done.readCount(), "finished source must not be re-read")
	assert.Equal(t, 1, pending.readCount())
}

func TestStartMigration_SingleFlight(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	src := legacySource("kv", "Legacy")
	src.block = make(chan struct{})
	src.entered = make(chan struct{})
	o := newOrchestrator(db, src)

	result := make(chan error, 1)
	go func() {
		_, err := o.StartMigration(ctx)
		result <- err
	}()
	<-src.entered

	st, err := o.StartMigration(ctx)
	require.NoError(t, err)
	assert.True(t, st.InProgress)
	assert.Equal(t, StateInProgress, st.State)

	live, err := o.Status(ctx)
	require.NoError(t, err)
	assert.True(t, live.InProgress)

	close(src.block)
	require.NoError(t, <-result)
	assert.Equal(t, 1, src.readCount())
}

func TestValidateMigratedData(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	o := newOrchestrator(db, legacySource("kv", "Legacy"))
	_, err := o.StartMigration(ctx)
	require.NoError(t, err)

	ok, err := o.ValidateMigratedData(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := db.Assistants.Get(ctx, "a1")
	require.NoError(t, err)
	a.TopicIDs = append(a.TopicIDs, "ghost")
	require.NoError(t, db.Assistants.Put(ctx, a))

	ok, err = o.ValidateMigratedData(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	report, err := o.IntegrityReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1/ghost"}, report.DanglingTopicRefs)
}

func TestCleanupSource(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	src := legacySource("kv", "Legacy")
	o := newOrchestrator(db, src)

	err := o.CleanupSource(ctx, "kv")
	assert.ErrorIs(t, err, ErrNotMigrated)

	_, err = o.StartMigration(ctx)
	require.NoError(t, err)
	require.NoError(t, o.CleanupSource(ctx, "kv"))
	assert.True(t, src.cleared)

	err = o.CleanupSource(ctx, "nope")
	assert.ErrorIs(t, err, ErrMigrationSourceUnavailable)
}
