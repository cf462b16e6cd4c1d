package storage

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/orneryd/convostore/pkg/models"
)

// codec is the explicit allow-list serializer for one record type. Only the
// fields copied into the serializable* structs below ever reach disk.
type codec[T any] struct {
	kind string
	id   func(*T) string
	// encode returns the bytes to store and the paths of any values that
	// were stripped because they cannot be serialized.
	encode func(*T) ([]byte, []string, error)
	decode func(id string, raw []byte) (*T, error)
}

// ============================================================================
// Serializable forms
// ============================================================================

type serializableAssistant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	IsSystem     bool     `json:"isSystem"`
	TopicIDs     []string `json:"topicIds"`
}

type serializableMessage struct {
	ID           string         `json:"id"`
	Role         string         `json:"role"`
	Content      string         `json:"content"`
	Timestamp    storedTime     `json:"timestamp"`
	Status       string         `json:"status,omitempty"`
	ParentID     string         `json:"parentId,omitempty"`
	AlternateIDs []string       `json:"alternateIds,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type serializableTopic struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	Prompt          string                `json:"prompt"`
	Messages        []serializableMessage `json:"messages"`
	LastMessageTime storedTime            `json:"lastMessageTime"`
	AssistantID     string                `json:"assistantId,omitempty"`
}

type serializableValue struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

type serializableImageMetadata struct {
	ID        string `json:"id"`
	TopicID   string `json:"topicId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Created   storedTime `json:"created"`
	Digest    string `json:"digest,omitempty"`
}

// imageBlob is the raw image payload stored under the images store.
type imageBlob struct {
	ID   string
	Data []byte
}

// ============================================================================
// Codecs
// ============================================================================

var assistantCodec = codec[models.Assistant]{
	kind: "assistant",
	id:   func(a *models.Assistant) string { return a.ID },
	encode: func(a *models.Assistant) ([]byte, []string, error) {
		// Icon is runtime-only.
		data, err := json.Marshal(serializableAssistant{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			SystemPrompt: a.SystemPrompt,
			IsSystem:     a.IsSystem,
			TopicIDs:     a.TopicIDs,
		})
		return data, nil, err
	},
	decode: func(_ string, raw []byte) (*models.Assistant, error) {
		var sa serializableAssistant
		if err := unmarshal(raw, &sa); err != nil {
			return nil, err
		}
		return &models.Assistant{
			ID:           sa.ID,
			Name:         sa.Name,
			Description:  sa.Description,
			SystemPrompt: sa.SystemPrompt,
			IsSystem:     sa.IsSystem,
			TopicIDs:     sa.TopicIDs,
		}, nil
	},
}

var topicCodec = codec[models.Topic]{
	kind: "topic",
	id:   func(t *models.Topic) string { return t.ID },
	encode: func(t *models.Topic) ([]byte, []string, error) {
		st := serializableTopic{
			ID:              t.ID,
			Title:           t.Title,
			Prompt:          t.Prompt,
			LastMessageTime: storedTime(t.LastMessageTime),
			AssistantID:     t.AssistantID,
		}
		var stripped []string
		if t.Messages != nil {
			st.Messages = make([]serializableMessage, len(t.Messages))
			for i := range t.Messages {
				m := &t.Messages[i]
				meta, lost := sanitizeMap(fmt.Sprintf("messages[%d].metadata", i), m.Metadata)
				stripped = append(stripped, lost...)
				st.Messages[i] = serializableMessage{
					ID:           m.ID,
					Role:         string(m.Role),
					Content:      m.Content,
					Timestamp:    storedTime(m.Timestamp),
					Status:       m.Status,
					ParentID:     m.ParentID,
					AlternateIDs: m.AlternateIDs,
					Metadata:     meta,
				}
			}
		}
		data, err := json.Marshal(st)
		return data, stripped, err
	},
	decode: func(_ string, raw []byte) (*models.Topic, error) {
		var st serializableTopic
		if err := unmarshal(raw, &st); err != nil {
			return nil, err
		}
		t := &models.Topic{
			ID:              st.ID,
			Title:           st.Title,
			Prompt:          st.Prompt,
			LastMessageTime: time.Time(st.LastMessageTime),
			AssistantID:     st.AssistantID,
		}
		if st.Messages != nil {
			t.Messages = make([]models.Message, len(st.Messages))
			for i, sm := range st.Messages {
				t.Messages[i] = models.Message{
					ID:           sm.ID,
					Role:         models.Role(sm.Role),
					Content:      sm.Content,
					Timestamp:    time.Time(sm.Timestamp),
					Status:       sm.Status,
					ParentID:     sm.ParentID,
					AlternateIDs: sm.AlternateIDs,
					Metadata:     sm.Metadata,
				}
			}
		}
		return t, nil
	},
}

var settingCodec = codec[models.Setting]{
	kind: "setting",
	id:   func(s *models.Setting) string { return s.ID },
	encode: func(s *models.Setting) ([]byte, []string, error) {
		return encodeValue(s.ID, s.Value)
	},
	decode: func(_ string, raw []byte) (*models.Setting, error) {
		var sv serializableValue
		if err := unmarshal(raw, &sv); err != nil {
			return nil, err
		}
		return &models.Setting{ID: sv.ID, Value: sv.Value}, nil
	},
}

var metadataCodec = codec[models.MetadataEntry]{
	kind: "metadata",
	id:   func(m *models.MetadataEntry) string { return m.ID },
	encode: func(m *models.MetadataEntry) ([]byte, []string, error) {
		return encodeValue(m.ID, m.Value)
	},
	decode: func(_ string, raw []byte) (*models.MetadataEntry, error) {
		var sv serializableValue
		if err := unmarshal(raw, &sv); err != nil {
			return nil, err
		}
		return &models.MetadataEntry{ID: sv.ID, Value: sv.Value}, nil
	},
}

var imageMetadataCodec = codec[models.ImageMetadata]{
	kind: "imageMetadata",
	id:   func(m *models.ImageMetadata) string { return m.ID },
	encode: func(m *models.ImageMetadata) ([]byte, []string, error) {
		data, err := json.Marshal(serializableImageMetadata{
			ID:        m.ID,
			TopicID:   m.TopicID,
			MessageID: m.MessageID,
			MimeType:  m.MimeType,
			Size:      m.Size,
			Created:   storedTime(m.Created),
			Digest:    m.Digest,
		})
		return data, nil, err
	},
	decode: func(_ string, raw []byte) (*models.ImageMetadata, error) {
		var sm serializableImageMetadata
		if err := unmarshal(raw, &sm); err != nil {
			return nil, err
		}
		return &models.ImageMetadata{
			ID:        sm.ID,
			TopicID:   sm.TopicID,
			MessageID: sm.MessageID,
			MimeType:  sm.MimeType,
			Size:      sm.Size,
			Created:   time.Time(sm.Created),
			Digest:    sm.Digest,
		}, nil
	},
}

var blobCodec = codec[imageBlob]{
	kind: "image",
	id:   func(b *imageBlob) string { return b.ID },
	encode: func(b *imageBlob) ([]byte, []string, error) {
		return b.Data, nil, nil
	},
	decode: func(id string, raw []byte) (*imageBlob, error) {
		return &imageBlob{ID: id, Data: append([]byte(nil), raw...)}, nil
	},
}

// ============================================================================
// Sanitize helpers
// ============================================================================

// encodeValue serializes an opaque value. Nested unencodable values are
// stripped; an unencodable top-level value is an error.
func encodeValue(id string, v any) ([]byte, []string, error) {
	var stripped []string
	clean, ok := sanitizeValue("value", v, &stripped)
	if !ok {
		return nil, stripped, fmt.Errorf("value of %q has unsupported type %T", id, v)
	}
	data, err := json.Marshal(serializableValue{ID: id, Value: clean})
	return data, stripped, err
}

func sanitizeMap(path string, m map[string]any) (map[string]any, []string) {
	if m == nil {
		return nil, nil
	}
	var stripped []string
	clean, _ := sanitizeValue(path, m, &stripped)
	slices.Sort(stripped)
	return clean.(map[string]any), stripped
}

// sanitizeValue returns v with every unencodable element removed. The bool
// result is false when v itself cannot be encoded.
func sanitizeValue(path string, v any, stripped *[]string) (any, bool) {
	switch x := v.(type) {
	case nil, bool, string, json.Number, time.Time, []byte, []string,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			*stripped = append(*stripped, path)
			return nil, false
		}
		return v, true
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			*stripped = append(*stripped, path)
			return nil, false
		}
		return v, true
	case []any:
		out := make([]any, 0, len(x))
		for i, e := range x {
			if clean, ok := sanitizeValue(path+"["+strconv.Itoa(i)+"]", e, stripped); ok {
				out = append(out, clean)
			}
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if clean, ok := sanitizeValue(path+"."+k, e, stripped); ok {
				out[k] = clean
			}
		}
		return out, true
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		*stripped = append(*stripped, path)
		return nil, false
	}
	// Structs and typed containers: keep them only if they encode cleanly.
	if _, err := json.Marshal(v); err != nil {
		*stripped = append(*stripped, path)
		return nil, false
	}
	return v, true
}

// unmarshal decodes a stored record. Numbers inside opaque values come back
// as json.Number so integers beyond 2^53 keep their digits.
func unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// storedTime encodes as RFC 3339 with nanoseconds and the zone offset.
// Records written as unix millis still decode.
type storedTime time.Time

func (t storedTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("0"), nil
	}
	return json.Marshal(tt.Format(time.RFC3339Nano))
}

func (t *storedTime) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		tt, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*t = storedTime(tt)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	if ms == 0 {
		*t = storedTime{}
		return nil
	}
	*t = storedTime(time.UnixMilli(ms).UTC())
	return nil
}
