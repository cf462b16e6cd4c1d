// Package kvsource reads the flat key-value store generation as a migration
// source. The store is a JSON object mapping string keys to string values,
// where most values are themselves JSON documents:
//
//	"assistants"  array of assistants with their topics inlined
//	"settings"    object of setting key to value
//	"image:<id>"  {dataUrl, topicId, messageId, created}
package kvsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/models"
)

// SourceID identifies this source in migration status and CLI flags.
const SourceID = "kv"

const (
	keyAssistants = "assistants"
	keySettings   = "settings"
	prefixImage   = "image:"
)

// ErrBadDataURL is returned for an image entry whose data URL cannot be decoded.
var ErrBadDataURL = errors.New("malformed data url")

type legacyMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    string         `json:"status,omitempty"`
	ParentID  string         `json:"parentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type legacyTopic struct {
	ID          string          `json:"id"`
	AssistantID string          `json:"assistantId"`
	Name        string          `json:"name"`
	Prompt      string          `json:"prompt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Messages    []legacyMessage `json:"messages"`
}

type legacyAssistant struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Prompt      string        `json:"prompt"`
	Type        string        `json:"type,omitempty"`
	Topics      []legacyTopic `json:"topics"`
}

type legacyImage struct {
	DataURL   string    `json:"dataUrl"`
	TopicID   string    `json:"topicId"`
	MessageID string    `json:"messageId"`
	Created   time.Time `json:"created"`
}

// Options configures a Source.
type Options struct {
	// Events receives localStorageCleared after Clear.
	Events events.Publisher
	Logger *zap.Logger
}

// Source is a migration.DataSource over a key-value dump file.
type Source struct {
	path   string
	events events.Publisher
	log    *zap.Logger

	mu      sync.Mutex
	entries map[string]string
}

var (
	_ migration.DataSource = (*Source)(nil)
	_ migration.Clearable  = (*Source)(nil)
)

// New returns a Source for the dump at path. The file is read on first use.
func New(path string, opts Options) *Source {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Source{
		path:   path,
		events: opts.Events,
		log:    logger.OrNop(opts.Logger).Named(logger.ComponentMigration).With(zap.String("source", SourceID)),
	}
}

// SourceID implements migration.DataSource.
func (s *Source) SourceID() string { return SourceID }

func (s *Source) load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil {
		return s.entries, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", migration.ErrMigrationSourceUnavailable, err)
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.entries = entries
	return entries, nil
}

// CheckAvailability reports whether the dump exists and holds assistants.
func (s *Source) CheckAvailability(context.Context) bool {
	entries, err := s.load()
	if err != nil {
		s.log.Debug("legacy kv store unavailable", zap.Error(err))
		return false
	}
	_, ok := entries[keyAssistants]
	return ok
}

func (s *Source) assistants() ([]legacyAssistant, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	raw, ok := entries[keyAssistants]
	if !ok {
		return nil, nil
	}
	var out []legacyAssistant
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keyAssistants, err)
	}
	return out, nil
}

// Assistants implements migration.DataSource. TopicIDs come from the inlined
// topics in their stored order.
func (s *Source) Assistants(context.Context) ([]*models.Assistant, error) {
	legacy, err := s.assistants()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Assistant, 0, len(legacy))
	for _, la := range legacy {
		a := &models.Assistant{
			ID:           la.ID,
			Name:         la.Name,
			Description:  la.Description,
			SystemPrompt: la.Prompt,
			IsSystem:     la.Type == "system",
		}
		for _, lt := range la.Topics {
			a.TopicIDs = append(a.TopicIDs, lt.ID)
		}
		out = append(out, a)
	}
	return out, nil
}

// Topics implements migration.DataSource. A topic's LastMessageTime is the
// newest of its update time and message times.
func (s *Source) Topics(context.Context) ([]*models.Topic, error) {
	legacy, err := s.assistants()
	if err != nil {
		return nil, err
	}
	var out []*models.Topic
	for _, la := range legacy {
		for _, lt := range la.Topics {
			t := &models.Topic{
				ID:              lt.ID,
				Title:           lt.Name,
				Prompt:          lt.Prompt,
				AssistantID:     lt.AssistantID,
				LastMessageTime: lt.UpdatedAt.UTC(),
			}
			if t.AssistantID == "" {
				t.AssistantID = la.ID
			}
			if t.LastMessageTime.IsZero() {
				t.LastMessageTime = lt.CreatedAt.UTC()
			}
			for _, lm := range lt.Messages {
				m := models.Message{
					ID:        lm.ID,
					Role:      models.Role(lm.Role),
					Content:   lm.Content,
					Timestamp: lm.CreatedAt.UTC(),
					Status:    lm.Status,
					ParentID:  lm.ParentID,
					Metadata:  lm.Metadata,
				}
				if m.Timestamp.After(t.LastMessageTime) {
					t.LastMessageTime = m.Timestamp
				}
				t.Messages = append(t.Messages, m)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// Images implements migration.DataSource. Entries with an unreadable data
// URL are logged and left out.
func (s *Source) Images(context.Context) (map[string]migration.ImageRecord, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]migration.ImageRecord)
	for key, raw := range entries {
		id, ok := strings.CutPrefix(key, prefixImage)
		if !ok || id == "" {
			continue
		}
		var li legacyImage
		if err := json.Unmarshal([]byte(raw), &li); err != nil {
			s.log.Warn("unreadable image entry", zap.String("image", id), zap.Error(err))
			continue
		}
		mime, blob, err := decodeDataURL(li.DataURL)
		if err != nil {
			s.log.Warn("unreadable image entry", zap.String("image", id), zap.Error(err))
			continue
		}
		out[id] = migration.ImageRecord{
			Meta: models.ImageMetadata{
				ID:        id,
				TopicID:   li.TopicID,
				MessageID: li.MessageID,
				MimeType:  mime,
				Created:   li.Created.UTC(),
			},
			Blob: blob,
		}
	}
	return out, nil
}

// Settings implements migration.DataSource.
func (s *Source) Settings(context.Context) (map[string]any, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	raw, ok := entries[keySettings]
	if !ok {
		return map[string]any{}, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keySettings, err)
	}
	return out, nil
}

// Clear implements migration.Clearable. It removes the dump and publishes
// localStorageCleared.
func (s *Source) Clear(context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove legacy kv store: %w", err)
	}
	s.log.Info("legacy kv store removed", zap.String("path", s.path))
	s.events.Publish(events.Event{Kind: events.LocalStorageCleared})
	return nil
}

// decodeDataURL parses "data:<mime>[;base64],<payload>".
func decodeDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrBadDataURL
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrBadDataURL
	}
	mime, isBase64 := strings.CutSuffix(header, ";base64")
	if mime == "" {
		mime = "text/plain"
	}
	if isBase64 {
		blob, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
		}
		return mime, blob, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return mime, []byte(text), nil
}
