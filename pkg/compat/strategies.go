package compat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/relations"
	"github.com/orneryd/convostore/pkg/storage"
	"github.com/orneryd/convostore/pkg/validate"
)

// disabledStrategy talks to the record stores directly.
type disabledStrategy struct {
	db *storage.Database
}

func (s *disabledStrategy) GetMessages(ctx context.Context, topicID string) ([]models.Message, error) {
	t, err := s.db.Topics.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return t.Messages, nil
}

func (s *disabledStrategy) SaveMessages(ctx context.Context, topicID string, msgs []models.Message) error {
	return s.db.Update(ctx, func(tx *storage.Tx) error {
		t, err := s.db.Topics.GetTx(tx, topicID)
		if err != nil {
			return err
		}
		t.Messages = msgs
		return s.db.Topics.PutTx(tx, t)
	})
}

func (s *disabledStrategy) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	return s.db.Assistants.Get(ctx, id)
}

func (s *disabledStrategy) SaveAssistant(ctx context.Context, a *models.Assistant) error {
	return s.db.Assistants.Put(ctx, a)
}

func (s *disabledStrategy) ListTopics(ctx context.Context, assistantID string) ([]*models.Topic, error) {
	return s.db.Topics.ByIndex(ctx, storage.IndexByAssistant, assistantID)
}

// enabledStrategy gives legacy callers the forgiving behavior they expect:
// reads of unknown topics are empty, saves keep LastMessageTime current and
// assistant writes are reconciled.
type enabledStrategy struct {
	db  *storage.Database
	rel *relations.Manager
}

func (s *enabledStrategy) GetMessages(ctx context.Context, topicID string) ([]models.Message, error) {
	t, err := s.db.Topics.Get(ctx, topicID)
	if errors.Is(err, storage.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return t.Messages, nil
}

func (s *enabledStrategy) SaveMessages(ctx context.Context, topicID string, msgs []models.Message) error {
	_, err := s.rel.ReplaceMessages(ctx, topicID, msgs)
	return err
}

func (s *enabledStrategy) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	return s.db.Assistants.Get(ctx, id)
}

func (s *enabledStrategy) SaveAssistant(ctx context.Context, a *models.Assistant) error {
	if err := s.db.Assistants.Put(ctx, a); err != nil {
		return err
	}
	_, err := s.rel.ValidateAndFixAssistantTopicReferences(ctx, a.ID)
	return err
}

// ListTopics returns the assistant's topics in TopicIDs order, skipping ids
// that do not resolve.
func (s *enabledStrategy) ListTopics(ctx context.Context, assistantID string) ([]*models.Topic, error) {
	a, err := s.db.Assistants.Get(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Topic, 0, len(a.TopicIDs))
	for _, id := range a.TopicIDs {
		t, err := s.db.Topics.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// rollbackStrategy is enabledStrategy with a legacy fallback on misses.
// Writes always go to the current store.
type rollbackStrategy struct {
	*enabledStrategy
	legacy migration.DataSource
	log    *zap.Logger
}

func (s *rollbackStrategy) legacyReady(ctx context.Context) bool {
	return s.legacy != nil && s.legacy.CheckAvailability(ctx)
}

func (s *rollbackStrategy) legacyTopic(ctx context.Context, topicID string) (*models.Topic, error) {
	topics, err := s.legacy.Topics(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range topics {
		if t.ID == topicID {
			return t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *rollbackStrategy) GetMessages(ctx context.Context, topicID string) ([]models.Message, error) {
	t, err := s.db.Topics.Get(ctx, topicID)
	if err == nil {
		return t.Messages, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if s.legacyReady(ctx) {
		lt, err := s.legacyTopic(ctx, topicID)
		if err == nil {
			s.log.Info("served messages from legacy store", zap.String("topic", topicID))
			return lt.Messages, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("legacy lookup failed", zap.String("topic", topicID), zap.Error(err))
		}
	}
	return []models.Message{}, nil
}

// SaveMessages writes to the current store. A topic known only to the legacy
// store is imported first so the write has a target.
func (s *rollbackStrategy) SaveMessages(ctx context.Context, topicID string, msgs []models.Message) error {
	err := s.enabledStrategy.SaveMessages(ctx, topicID, msgs)
	if !errors.Is(err, storage.ErrNotFound) || !s.legacyReady(ctx) {
		return err
	}
	lt, lerr := s.legacyTopic(ctx, topicID)
	if lerr != nil {
		return err
	}
	if !validate.ValidTopic(lt) {
		return err
	}
	if err := s.db.Topics.Put(ctx, lt); err != nil {
		return err
	}
	s.log.Info("imported topic from legacy store", zap.String("topic", topicID))
	return s.enabledStrategy.SaveMessages(ctx, topicID, msgs)
}

func (s *rollbackStrategy) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	a, err := s.db.Assistants.Get(ctx, id)
	if !errors.Is(err, storage.ErrNotFound) || !s.legacyReady(ctx) {
		return a, err
	}
	legacy, lerr := s.legacy.Assistants(ctx)
	if lerr != nil {
		s.log.Warn("legacy lookup failed", zap.String("assistant", id), zap.Error(lerr))
		return nil, err
	}
	for _, la := range legacy {
		if la.ID == id {
			s.log.Info("served assistant from legacy store", zap.String("assistant", id))
			return la, nil
		}
	}
	return nil, err
}

func (s *rollbackStrategy) ListTopics(ctx context.Context, assistantID string) ([]*models.Topic, error) {
	current, err := s.enabledStrategy.ListTopics(ctx, assistantID)
	if err == nil && len(current) > 0 {
		return current, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if !s.legacyReady(ctx) {
		return current, err
	}
	topics, lerr := s.legacy.Topics(ctx)
	if lerr != nil {
		s.log.Warn("legacy lookup failed", zap.String("assistant", assistantID), zap.Error(lerr))
		return current, err
	}
	var out []*models.Topic
	for _, t := range topics {
		if t.AssistantID == assistantID {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return current, err
	}
	s.log.Info("served topics from legacy store", zap.String("assistant", assistantID), zap.Int("topics", len(out)))
	return out, nil
}
