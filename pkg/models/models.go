// Package models defines the records persisted by convostore.
//
// These are plain data types. Persistence shape is decided by the storage
// codecs, which serialize an explicit allow-list of fields per type; fields
// documented as runtime-only never reach disk.
package models

import (
	"time"

	"github.com/orneryd/convostore/pkg/presentation"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Assistant is a persona with a system prompt that owns a set of topics.
// TopicIDs is the authoritative membership list.
type Assistant struct {
	ID           string
	Name         string
	Description  string
	SystemPrompt string
	IsSystem     bool
	TopicIDs     []string

	// Icon is runtime-only and never persisted.
	Icon *presentation.Presentation
}

// HasTopic reports whether topicID is linked to the assistant.
func (a *Assistant) HasTopic(topicID string) bool {
	for _, id := range a.TopicIDs {
		if id == topicID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the persisted fields. Icon is shared.
func (a *Assistant) Clone() *Assistant {
	if a == nil {
		return nil
	}
	c := *a
	c.TopicIDs = append([]string(nil), a.TopicIDs...)
	return &c
}

// Topic is one conversation thread.
type Topic struct {
	ID              string
	Title           string
	Prompt          string
	Messages        []Message
	LastMessageTime time.Time
	// AssistantID is a denormalized back-reference to the owning assistant.
	AssistantID string
}

// Message is a single turn in a topic. ParentID and AlternateIDs are weak
// references used for version lineage lookups only.
type Message struct {
	ID           string
	Role         Role
	Content      string
	Timestamp    time.Time
	Status       string
	ParentID     string
	AlternateIDs []string
	Metadata     map[string]any
}

// Setting is an opaque key/value pair.
type Setting struct {
	ID    string
	Value any
}

// ImageMetadata describes an image blob stored under the same id.
type ImageMetadata struct {
	ID        string
	TopicID   string
	MessageID string
	MimeType  string
	Size      int64
	Created   time.Time
	// Digest is the hex BLAKE2b-256 of the blob.
	Digest string
}

// Image pairs a blob with its metadata.
type Image struct {
	Meta ImageMetadata
	Blob []byte
}

// MetadataEntry is a free-form record in the metadata store.
type MetadataEntry struct {
	ID    string
	Value any
}

// MigrationStats counts records imported per type.
type MigrationStats struct {
	Assistants int `json:"assistants"`
	Topics     int `json:"topics"`
	Messages   int `json:"messages"`
	Images     int `json:"images"`
	Settings   int `json:"settings"`
	// Rejected counts records that failed validation and were skipped.
	Rejected int `json:"rejected"`
}

// MigrationStatus is the resumable migration record, persisted as a setting.
type MigrationStatus struct {
	Started          bool           `json:"started"`
	Completed        bool           `json:"completed"`
	InProgress       bool           `json:"inProgress"`
	LastRun          time.Time      `json:"lastRun"`
	Error            string         `json:"error,omitempty"`
	Sources          []string       `json:"sources"`
	CompletedSources []string       `json:"completedSources"`
	State            string         `json:"state"`
	Stats            MigrationStats `json:"stats"`
}
