package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/models"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestDB(t *testing.T) (*Database, *recorder) {
	t.Helper()
	rec := &recorder{}
	conn := NewConnectionManager(Options{InMemory: true, Events: rec})
	t.Cleanup(func() { _ = conn.Close() })
	return NewDatabase(conn, DatabaseOptions{Events: rec}), rec
}

var baseTime = time.UnixMilli(1_700_000_000_000).UTC()

func testAssistant(id string, topicIDs ...string) *models.Assistant {
	return &models.Assistant{
		ID:           id,
		Name:         "Assistant " + id,
		Description:  "test assistant",
		SystemPrompt: "You are helpful.",
		TopicIDs:     topicIDs,
	}
}

func testTopic(id, assistantID string, offset time.Duration) *models.Topic {
	return &models.Topic{
		ID:              id,
		Title:           "Topic " + id,
		Prompt:          "prompt",
		AssistantID:     assistantID,
		LastMessageTime: baseTime.Add(offset),
		Messages: []models.Message{{
			ID:        id + "-m1",
			Role:      models.RoleUser,
			Content:   "hello",
			Timestamp: baseTime.Add(offset),
		}},
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPut[T any](t *testing.T, c *Collection[T], v *T) {
	t.Helper()
	require.NoError(t, c.Put(ctxT(t), v))
}
