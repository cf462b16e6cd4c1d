package relations

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/storage"
	"github.com/orneryd/convostore/pkg/validate"
)

var fixedNow = time.UnixMilli(1_700_000_000_000).UTC()

type fixture struct {
	db  *storage.Database
	mgr *Manager
	bus *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(nil)
	conn := storage.NewConnectionManager(storage.Options{InMemory: true, Events: bus})
	t.Cleanup(func() { _ = conn.Close() })
	db := storage.NewDatabase(conn, storage.DatabaseOptions{Events: bus})

	var seq atomic.Int64
	mgr := NewManager(db, Options{
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { return fmt.Sprintf("gen-%d", seq.Add(1)) },
	})
	return &fixture{db: db, mgr: mgr, bus: bus}
}

func (f *fixture) putAssistant(t *testing.T, id string, topicIDs ...string) {
	t.Helper()
	if topicIDs == nil {
		topicIDs = []string{}
	}
	require.NoError(t, f.db.Assistants.Put(context.Background(), &models.Assistant{
		ID: id, Name: "Assistant " + id, TopicIDs: topicIDs,
	}))
}

func (f *fixture) putTopic(t *testing.T, id, assistantID string) *models.Topic {
	t.Helper()
	topic := &models.Topic{
		ID:          id,
		Title:       "Topic " + id,
		AssistantID: assistantID,
		Messages: []models.Message{{
			ID: id + "-m", Role: models.RoleUser, Content: "hi", Timestamp: fixedNow,
		}},
	}
	require.NoError(t, f.db.Topics.Put(context.Background(), topic))
	return topic
}

func (f *fixture) assistant(t *testing.T, id string) *models.Assistant {
	t.Helper()
	a, err := f.db.Assistants.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) countEvents() *int {
	n := new(int)
	f.bus.SubscribeAll(func(events.Event) { *n++ })
	return n
}

func TestEnsureAssistantHasTopic_CreatesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")

	topic, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)

	assert.True(t, validate.IsUsableTopic(topic))
	assert.Equal(t, DefaultPrompt, topic.Prompt)
	assert.Empty(t, topic.Messages)
	assert.Equal(t, fixedNow, topic.LastMessageTime)
	assert.Equal(t, "A1", topic.AssistantID)
	assert.Equal(t, []string{topic.ID}, f.assistant(t, "A1").TopicIDs)

	stored, err := f.db.Topics.Get(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, topic, stored)
}

func TestEnsureAssistantHasTopic_AfterDeletingOnlyTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")

	t1, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)
	require.NoError(t, f.mgr.DeleteTopic(ctx, t1.ID))
	assert.Empty(t, f.assistant(t, "A1").TopicIDs)

	t2, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
	assert.Equal(t, []string{t2.ID}, f.assistant(t, "A1").TopicIDs)
}

func TestEnsureAssistantHasTopic_DropsDanglingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")

	t1, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)
	// Deleted behind the manager's back.
	require.NoError(t, f.db.DeleteTopic(ctx, t1.ID))

	t2, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{t2.ID}, f.assistant(t, "A1").TopicIDs)
}

func TestEnsureAssistantHasTopic_ReturnsExistingWithoutWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")
	f.putAssistant(t, "A1", "T1")
	n := f.countEvents()

	topic, err := f.mgr.EnsureAssistantHasTopic(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "T1", topic.ID)
	assert.Zero(t, *n)
}

func TestEnsureAssistantHasTopic_MissingAssistant(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.EnsureAssistantHasTopic(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddTopicToAssistant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")
	f.putTopic(t, "T1", "")

	require.NoError(t, f.mgr.AddTopicToAssistant(ctx, "A1", "T1"))
	assert.Equal(t, []string{"T1"}, f.assistant(t, "A1").TopicIDs)

	topic, err := f.db.Topics.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "A1", topic.AssistantID)

	n := f.countEvents()
	require.NoError(t, f.mgr.AddTopicToAssistant(ctx, "A1", "T1"))
	assert.Zero(t, *n, "relinking is a no-op")
}

func TestAddTopicToAssistant_MovesFromPreviousOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")
	f.putAssistant(t, "B1", "T1", "T2")
	f.putTopic(t, "T1", "B1")
	f.putTopic(t, "T2", "B1")

	require.NoError(t, f.mgr.AddTopicToAssistant(ctx, "A1", "T1"))

	assert.Equal(t, []string{"T1"}, f.assistant(t, "A1").TopicIDs)
	assert.Equal(t, []string{"T2"}, f.assistant(t, "B1").TopicIDs)

	topic, err := f.db.Topics.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "A1", topic.AssistantID)

	assistants, err := f.db.Assistants.GetAll(ctx)
	require.NoError(t, err)
	topics, err := f.db.Topics.GetAll(ctx)
	require.NoError(t, err)
	report := validate.DataIntegrity(assistants, topics)
	assert.Empty(t, report.SharedTopics)
	assert.True(t, report.OK())
}

func TestAddTopicToAssistant_RepairsUnusableTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")
	require.NoError(t, f.db.Topics.Put(ctx, &models.Topic{ID: "T1", Title: "Draft"}))

	require.NoError(t, f.mgr.AddTopicToAssistant(ctx, "A1", "T1"))

	topic, err := f.db.Topics.Get(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, validate.IsUsableTopic(topic))
	assert.Equal(t, DefaultPrompt, topic.Prompt)
	assert.Equal(t, "Draft", topic.Title)
	assert.Equal(t, fixedNow, topic.LastMessageTime)
}

func TestAddTopicToAssistant_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")

	assert.ErrorIs(t, f.mgr.AddTopicToAssistant(ctx, "A1", "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, f.mgr.AddTopicToAssistant(ctx, "missing", "T1"), storage.ErrNotFound)
}

func TestRemoveTopicFromAssistant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")
	f.putTopic(t, "T2", "A1")
	f.putAssistant(t, "A1", "T1", "T2")

	require.NoError(t, f.mgr.RemoveTopicFromAssistant(ctx, "A1", "T1"))
	require.NoError(t, f.mgr.RemoveTopicFromAssistant(ctx, "A1", "T1"))
	assert.Equal(t, []string{"T2"}, f.assistant(t, "A1").TopicIDs)

	_, err := f.db.Topics.Get(ctx, "T1")
	assert.NoError(t, err, "unlinking keeps the topic")
}

func TestClearAssistantTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")
	f.putAssistant(t, "A1", "T1")

	require.NoError(t, f.mgr.ClearAssistantTopics(ctx, "A1"))
	assert.Empty(t, f.assistant(t, "A1").TopicIDs)

	n, err := f.db.Topics.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateAndFixAssistantTopicReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")
	f.putAssistant(t, "A1", "T1", "Tghost")

	res, err := f.mgr.ValidateAndFixAssistantTopicReferences(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, FixResult{Fixed: true, RemovedCount: 1, ValidCount: 1}, res)
	assert.Equal(t, []string{"T1"}, f.assistant(t, "A1").TopicIDs)

	n := f.countEvents()
	res, err = f.mgr.ValidateAndFixAssistantTopicReferences(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, FixResult{Fixed: false, RemovedCount: 0, ValidCount: 1}, res)
	assert.Zero(t, *n, "a clean assistant is not rewritten")
}

func TestValidateAndFixAssistantTopicReferences_UnusableTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Topics.Put(ctx, &models.Topic{ID: "empty", Title: "No messages"}))
	f.putAssistant(t, "A1", "empty")

	res, err := f.mgr.ValidateAndFixAssistantTopicReferences(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, FixResult{Fixed: true, RemovedCount: 1, ValidCount: 0}, res)
	assert.Empty(t, f.assistant(t, "A1").TopicIDs)
}

func TestValidateAndFixAllAssistantsTopicReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")
	f.putTopic(t, "T2", "A2")
	f.putAssistant(t, "A1", "T1", "ghost1", "ghost2")
	f.putAssistant(t, "A2", "T2")

	sweep, err := f.mgr.ValidateAndFixAllAssistantsTopicReferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Assistants: 2, Fixed: 1, Removed: 2, Valid: 2}, sweep)
}

func TestSeedDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.True(t, created)

	all, err := f.db.Assistants.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsSystem)
	require.Len(t, all[0].TopicIDs, 1)

	topic, err := f.db.Topics.Get(ctx, all[0].TopicIDs[0])
	require.NoError(t, err)
	assert.True(t, validate.IsUsableTopic(topic))

	created, err = f.mgr.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAppendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")

	later := fixedNow.Add(time.Minute)
	topic, err := f.mgr.AppendMessage(ctx, "T1", models.Message{
		Role: models.RoleAssistant, Content: "hello back", Timestamp: later,
	})
	require.NoError(t, err)
	require.Len(t, topic.Messages, 2)
	assert.NotEmpty(t, topic.Messages[1].ID)
	assert.Equal(t, later, topic.LastMessageTime)

	_, err = f.mgr.AppendMessage(ctx, "T1", models.Message{Role: "robot"})
	assert.ErrorIs(t, err, storage.ErrValidationFailed)

	_, err = f.mgr.AppendMessage(ctx, "missing", models.Message{Role: models.RoleUser})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReplaceMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTopic(t, "T1", "A1")

	later := fixedNow.Add(time.Hour)
	topic, err := f.mgr.ReplaceMessages(ctx, "T1", []models.Message{
		{ID: "x1", Role: models.RoleUser, Content: "one", Timestamp: fixedNow.Add(time.Minute)},
		{ID: "x2", Role: models.RoleAssistant, Content: "two", Timestamp: later},
	})
	require.NoError(t, err)
	assert.Equal(t, later, topic.LastMessageTime)

	topic, err = f.mgr.ReplaceMessages(ctx, "T1", nil)
	require.NoError(t, err)
	assert.Empty(t, topic.Messages)
	assert.Equal(t, later, topic.LastMessageTime)
	assert.True(t, validate.IsUsableTopic(topic))

	_, err = f.mgr.ReplaceMessages(ctx, "missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentLinksAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putAssistant(t, "A1")

	const n = 20
	for i := 0; i < n; i++ {
		f.putTopic(t, fmt.Sprintf("T%02d", i), "")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.mgr.AddTopicToAssistant(ctx, "A1", fmt.Sprintf("T%02d", i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.assistant(t, "A1").TopicIDs, n)
	assert.Zero(t, f.mgr.locks.size())
}

func TestKeyedLocks_ContextCancel(t *testing.T) {
	locks := newKeyedLocks()

	unlock, err := locks.lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, locks.size())
}
