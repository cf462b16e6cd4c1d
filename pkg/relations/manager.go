// Package relations maintains the links between assistants and topics.
//
// Two invariants are owned here: every id in an assistant's TopicIDs resolves
// to a usable topic (dangling or unusable ids are removed by reconciliation),
// and an existing assistant can always be given a usable topic on demand.
//
// Every mutation of one assistant runs under a per-assistant lock, so
// concurrent read-modify-write cycles on TopicIDs cannot lose updates within
// a process. Each operation commits in a single transaction; when a new topic
// and the assistant update are written together the topic is written first.
package relations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/metrics"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/storage"
	"github.com/orneryd/convostore/pkg/validate"
)

const (
	DefaultPrompt        = "You are a helpful assistant."
	DefaultTopicTitle    = "New conversation"
	DefaultAssistantName = "Default Assistant"
)

// Options configures a Manager.
type Options struct {
	DefaultPrompt     string
	DefaultTopicTitle string
	Logger            *zap.Logger

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// FixResult reports one reconciliation.
type FixResult struct {
	Fixed        bool
	RemovedCount int
	ValidCount   int
}

// SweepResult aggregates reconciliation over every assistant.
type SweepResult struct {
	Assistants int
	Fixed      int
	Removed    int
	Valid      int
	// Failed counts assistants that could not be reconciled.
	Failed int
}

// Manager applies relationship rules on top of a Database.
type Manager struct {
	db    *storage.Database
	log   *zap.Logger
	locks *keyedLocks

	defaultPrompt string
	defaultTitle  string
	now           func() time.Time
	newID         func() string
}

// NewManager creates a Manager over db.
func NewManager(db *storage.Database, opts Options) *Manager {
	m := &Manager{
		db:            db,
		log:           logger.OrNop(opts.Logger).Named(logger.ComponentRelations),
		locks:         newKeyedLocks(),
		defaultPrompt: opts.DefaultPrompt,
		defaultTitle:  opts.DefaultTopicTitle,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if m.defaultPrompt == "" {
		m.defaultPrompt = DefaultPrompt
	}
	if m.defaultTitle == "" {
		m.defaultTitle = DefaultTopicTitle
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// withAssistant runs fn in one transaction while holding the assistant's lock.
func (m *Manager) withAssistant(ctx context.Context, assistantID string, fn func(*storage.Tx, *models.Assistant) error) error {
	unlock, err := m.locks.lock(ctx, "assistant:"+assistantID)
	if err != nil {
		return err
	}
	defer unlock()

	return m.db.Update(ctx, func(tx *storage.Tx) error {
		a, err := m.db.Assistants.GetTx(tx, assistantID)
		if err != nil {
			return err
		}
		return fn(tx, a)
	})
}

// AddTopicToAssistant links topicID to assistantID. An unusable topic gets
// one repair pass (default prompt, title and last message time) before the
// link is refused. A topic owned by another assistant moves. Linking an
// already linked topic is a no-op.
func (m *Manager) AddTopicToAssistant(ctx context.Context, assistantID, topicID string) error {
	return m.withAssistant(ctx, assistantID, func(tx *storage.Tx, a *models.Assistant) error {
		t, err := m.db.Topics.GetTx(tx, topicID)
		if err != nil {
			return err
		}

		dirty := false
		if !validate.IsUsableTopic(t) {
			m.repair(t)
			if !validate.IsUsableTopic(t) {
				return &storage.ValidationError{
					Kind:    "topic",
					ID:      topicID,
					Reasons: []string{"topic is not usable after repair"},
				}
			}
			m.log.Info("repaired topic before linking",
				zap.String("assistant", assistantID),
				zap.String("topic", topicID))
			dirty = true
		}
		if t.AssistantID != assistantID {
			if err := m.unlinkPrevious(tx, t.AssistantID, topicID); err != nil {
				return err
			}
			t.AssistantID = assistantID
			dirty = true
		}
		if dirty {
			if err := m.db.Topics.PutTx(tx, t); err != nil {
				return err
			}
		}

		if a.HasTopic(topicID) {
			return nil
		}
		a.TopicIDs = append(a.TopicIDs, topicID)
		return m.db.Assistants.PutTx(tx, a)
	})
}

// unlinkPrevious drops topicID from its previous owner inside tx so a topic
// is never listed by two assistants. A missing owner is ignored.
func (m *Manager) unlinkPrevious(tx *storage.Tx, ownerID, topicID string) error {
	if ownerID == "" {
		return nil
	}
	prev, err := m.db.Assistants.GetTx(tx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !prev.HasTopic(topicID) {
		return nil
	}
	prev.TopicIDs = slices.DeleteFunc(prev.TopicIDs, func(id string) bool { return id == topicID })
	m.log.Info("moved topic between assistants",
		zap.String("from", ownerID),
		zap.String("topic", topicID))
	return m.db.Assistants.PutTx(tx, prev)
}

func (m *Manager) repair(t *models.Topic) {
	if t.Prompt == "" {
		t.Prompt = m.defaultPrompt
	}
	if t.Title == "" {
		t.Title = m.defaultTitle
	}
	if len(t.Messages) == 0 && t.LastMessageTime.IsZero() {
		t.LastMessageTime = m.now()
	}
}

// RemoveTopicFromAssistant unlinks topicID. The topic record is kept.
// Unlinking a topic that is not linked is a no-op.
func (m *Manager) RemoveTopicFromAssistant(ctx context.Context, assistantID, topicID string) error {
	return m.withAssistant(ctx, assistantID, func(tx *storage.Tx, a *models.Assistant) error {
		if !a.HasTopic(topicID) {
			return nil
		}
		a.TopicIDs = slices.DeleteFunc(a.TopicIDs, func(id string) bool { return id == topicID })
		return m.db.Assistants.PutTx(tx, a)
	})
}

// EnsureAssistantHasTopic returns the first usable linked topic, creating and
// linking a default topic when there is none. Ids that no longer resolve are
// dropped from the assistant in the same write. It fails only when the
// assistant does not exist or the store fails.
func (m *Manager) EnsureAssistantHasTopic(ctx context.Context, assistantID string) (*models.Topic, error) {
	var out *models.Topic
	err := m.withAssistant(ctx, assistantID, func(tx *storage.Tx, a *models.Assistant) error {
		live := a.TopicIDs[:0:0]
		for _, id := range a.TopicIDs {
			t, err := m.db.Topics.GetTx(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if validate.IsUsableTopic(t) {
				out = t
				return nil
			}
			live = append(live, id)
		}

		t := m.newTopic(assistantID)
		// Topic first: a crash here leaves an orphan, never a dangling link.
		if err := m.db.Topics.PutTx(tx, t); err != nil {
			return err
		}
		if dropped := len(a.TopicIDs) - len(live); dropped > 0 {
			m.log.Info("dropped dangling topic ids",
				zap.String("assistant", assistantID),
				zap.Int("count", dropped))
		}
		a.TopicIDs = append(live, t.ID)
		if err := m.db.Assistants.PutTx(tx, a); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) newTopic(assistantID string) *models.Topic {
	return &models.Topic{
		ID:              m.newID(),
		Title:           m.defaultTitle,
		Prompt:          m.defaultPrompt,
		Messages:        []models.Message{},
		LastMessageTime: m.now(),
		AssistantID:     assistantID,
	}
}

// ClearAssistantTopics empties TopicIDs without deleting any topic.
func (m *Manager) ClearAssistantTopics(ctx context.Context, assistantID string) error {
	return m.withAssistant(ctx, assistantID, func(tx *storage.Tx, a *models.Assistant) error {
		if len(a.TopicIDs) == 0 {
			return nil
		}
		a.TopicIDs = []string{}
		return m.db.Assistants.PutTx(tx, a)
	})
}

// ValidateAndFixAssistantTopicReferences drops every id that does not resolve
// to a usable topic. Nothing is written when all ids are valid.
func (m *Manager) ValidateAndFixAssistantTopicReferences(ctx context.Context, assistantID string) (FixResult, error) {
	var res FixResult
	err := m.withAssistant(ctx, assistantID, func(tx *storage.Tx, a *models.Assistant) error {
		res = FixResult{}
		valid := make([]string, 0, len(a.TopicIDs))
		for _, id := range a.TopicIDs {
			t, err := m.db.Topics.GetTx(tx, id)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				res.RemovedCount++
			case err != nil:
				return err
			case validate.IsUsableTopic(t):
				valid = append(valid, id)
			default:
				res.RemovedCount++
			}
		}
		res.ValidCount = len(valid)
		if res.RemovedCount == 0 {
			return nil
		}
		a.TopicIDs = valid
		if err := m.db.Assistants.PutTx(tx, a); err != nil {
			return err
		}
		res.Fixed = true
		return nil
	})
	if err != nil {
		return FixResult{}, err
	}
	if res.Fixed {
		metrics.AddReconciled(res.RemovedCount)
		m.log.Info("removed invalid topic references",
			zap.String("assistant", assistantID),
			zap.Int("removed", res.RemovedCount),
			zap.Int("valid", res.ValidCount))
	}
	return res, nil
}

// ValidateAndFixAllAssistantsTopicReferences reconciles every assistant one
// after another. A failing assistant is logged and counted; the sweep goes on.
func (m *Manager) ValidateAndFixAllAssistantsTopicReferences(ctx context.Context) (SweepResult, error) {
	var sweep SweepResult

	assistants, err := m.db.Assistants.GetAll(ctx)
	if err != nil {
		return sweep, err
	}
	for _, a := range assistants {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		sweep.Assistants++

		res, err := m.ValidateAndFixAssistantTopicReferences(ctx, a.ID)
		if err != nil {
			if storage.IsFatal(err) {
				return sweep, err
			}
			sweep.Failed++
			m.log.Warn("reconciliation failed", zap.String("assistant", a.ID), zap.Error(err))
			continue
		}
		if res.Fixed {
			sweep.Fixed++
		}
		sweep.Removed += res.RemovedCount
		sweep.Valid += res.ValidCount
	}
	return sweep, nil
}

// SeedDefaults creates the default system assistant and its first topic when
// no assistant exists yet. It reports whether anything was created.
func (m *Manager) SeedDefaults(ctx context.Context) (bool, error) {
	n, err := m.db.Assistants.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	a := &models.Assistant{
		ID:           m.newID(),
		Name:         DefaultAssistantName,
		Description:  "General purpose assistant",
		SystemPrompt: m.defaultPrompt,
		IsSystem:     true,
	}
	t := m.newTopic(a.ID)
	a.TopicIDs = []string{t.ID}

	err = m.db.Update(ctx, func(tx *storage.Tx) error {
		if err := m.db.Topics.PutTx(tx, t); err != nil {
			return err
		}
		return m.db.Assistants.PutTx(tx, a)
	})
	if err != nil {
		return false, fmt.Errorf("seed defaults: %w", err)
	}
	m.log.Info("seeded default assistant", zap.String("assistant", a.ID), zap.String("topic", t.ID))
	return true, nil
}

// DeleteTopic deletes a topic with its images and unlinks it from its owner.
// Deleting a missing topic is a no-op.
func (m *Manager) DeleteTopic(ctx context.Context, topicID string) error {
	t, err := m.db.Topics.Get(ctx, topicID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if t.AssistantID == "" {
		return m.db.DeleteTopic(ctx, topicID)
	}

	err = m.withAssistant(ctx, t.AssistantID, func(tx *storage.Tx, a *models.Assistant) error {
		if _, err := m.db.DeleteTopicTx(tx, topicID); err != nil {
			return err
		}
		if !a.HasTopic(topicID) {
			return nil
		}
		a.TopicIDs = slices.DeleteFunc(a.TopicIDs, func(id string) bool { return id == topicID })
		return m.db.Assistants.PutTx(tx, a)
	})
	if errors.Is(err, storage.ErrNotFound) {
		// The owner is gone; the topic still has to go.
		return m.db.DeleteTopic(ctx, topicID)
	}
	return err
}

// AppendMessage appends msg to a topic and advances LastMessageTime. Missing
// ids and timestamps are filled in.
func (m *Manager) AppendMessage(ctx context.Context, topicID string, msg models.Message) (*models.Topic, error) {
	if msg.ID == "" {
		msg.ID = m.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	if reasons := validate.Message(&msg); len(reasons) > 0 {
		return nil, &storage.ValidationError{Kind: "message", ID: msg.ID, Reasons: reasons}
	}

	unlock, err := m.locks.lock(ctx, "topic:"+topicID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *models.Topic
	err = m.db.Update(ctx, func(tx *storage.Tx) error {
		t, err := m.db.Topics.GetTx(tx, topicID)
		if err != nil {
			return err
		}
		t.Messages = append(t.Messages, msg)
		if msg.Timestamp.After(t.LastMessageTime) {
			t.LastMessageTime = msg.Timestamp
		}
		if err := m.db.Topics.PutTx(tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceMessages overwrites the message list of a topic and sets
// LastMessageTime to the newest message. An empty list keeps the previous
// LastMessageTime so the topic stays usable.
func (m *Manager) ReplaceMessages(ctx context.Context, topicID string, msgs []models.Message) (*models.Topic, error) {
	unlock, err := m.locks.lock(ctx, "topic:"+topicID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *models.Topic
	err = m.db.Update(ctx, func(tx *storage.Tx) error {
		t, err := m.db.Topics.GetTx(tx, topicID)
		if err != nil {
			return err
		}
		t.Messages = slices.Clone(msgs)
		for _, msg := range msgs {
			if msg.Timestamp.After(t.LastMessageTime) {
				t.LastMessageTime = msg.Timestamp
			}
		}
		if err := m.db.Topics.PutTx(tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
