package storage

import (
	"github.com/orneryd/convostore/pkg/models"
)

// SchemaVersion is the schema this build writes. Versions only grow and each
// step only adds stores and indexes.
//
//	v1: assistants, topics (by-assistant), settings
//	v2: images, imageMetadata (by-topic)
//	v3: metadata, topics by-last-time, imageMetadata by-time, assistants by-system
const SchemaVersion = 3

// index describes a typed secondary index. value returns false when the
// record has nothing to index.
type index[T any] struct {
	name  string
	since int
	value func(*T) (string, bool)
}

var assistantIndexes = []index[models.Assistant]{
	{name: IndexBySystem, since: 3, value: func(a *models.Assistant) (string, bool) {
		return boolValue(a.IsSystem), true
	}},
}

var topicIndexes = []index[models.Topic]{
	{name: IndexByAssistant, since: 1, value: func(t *models.Topic) (string, bool) {
		return t.AssistantID, t.AssistantID != ""
	}},
	{name: IndexByLastTime, since: 3, value: func(t *models.Topic) (string, bool) {
		return timeValue(t.LastMessageTime), true
	}},
}

var imageMetadataIndexes = []index[models.ImageMetadata]{
	{name: IndexByTopic, since: 2, value: func(m *models.ImageMetadata) (string, bool) {
		return m.TopicID, m.TopicID != ""
	}},
	{name: IndexByTime, since: 3, value: func(m *models.ImageMetadata) (string, bool) {
		return timeValue(m.Created), true
	}},
}

// rawIndex is an index usable on encoded records, for backfilling.
type rawIndex struct {
	name  string
	since int
	value func(id string, raw []byte) (string, bool, error)
}

type storeDef struct {
	name    string
	since   int
	indexes []rawIndex
}

func rawIndexes[T any](c codec[T], idx []index[T]) []rawIndex {
	out := make([]rawIndex, len(idx))
	for i, ix := range idx {
		ix := ix
		out[i] = rawIndex{
			name:  ix.name,
			since: ix.since,
			value: func(id string, raw []byte) (string, bool, error) {
				v, err := c.decode(id, raw)
				if err != nil {
					return "", false, err
				}
				s, ok := ix.value(v)
				return s, ok, nil
			},
		}
	}
	return out
}

// schemaStores is the full catalog, in creation order.
var schemaStores = []storeDef{
	{name: StoreAssistants, since: 1, indexes: rawIndexes(assistantCodec, assistantIndexes)},
	{name: StoreTopics, since: 1, indexes: rawIndexes(topicCodec, topicIndexes)},
	{name: StoreSettings, since: 1},
	{name: StoreImages, since: 2},
	{name: StoreImageMetadata, since: 2, indexes: rawIndexes(imageMetadataCodec, imageMetadataIndexes)},
	{name: StoreMetadata, since: 3},
}
