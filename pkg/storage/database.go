package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/orneryd/convostore/pkg/events"
	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/metrics"
	"github.com/orneryd/convostore/pkg/models"
	"github.com/orneryd/convostore/pkg/validate"
)

// DatabaseOptions configures a Database.
type DatabaseOptions struct {
	// Events receives change events after each commit.
	Events events.Publisher
	Logger *zap.Logger
}

// Database groups the record stores over one connection.
type Database struct {
	conn   *ConnectionManager
	events events.Publisher
	log    *zap.Logger

	Assistants    *Collection[models.Assistant]
	Topics        *Collection[models.Topic]
	Settings      *Collection[models.Setting]
	ImageMetadata *Collection[models.ImageMetadata]
	Metadata      *Collection[models.MetadataEntry]
	Images        *ImageStore
}

// NewDatabase wires the collections to conn.
func NewDatabase(conn *ConnectionManager, opts DatabaseOptions) *Database {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	d := &Database{
		conn:   conn,
		events: opts.Events,
		log:    logger.OrNop(opts.Logger).Named(logger.ComponentStorage),
	}

	d.Assistants = &Collection[models.Assistant]{
		db:       d,
		store:    StoreAssistants,
		codec:    assistantCodec,
		indexes:  assistantIndexes,
		validate: validate.Assistant,
		event: func(op string, existed bool, id string, _ *models.Assistant) (events.Event, bool) {
			kind := events.AssistantAdded
			switch {
			case op == opDelete:
				kind = events.AssistantDeleted
			case existed:
				kind = events.AssistantUpdated
			}
			return events.Event{Kind: kind, AssistantID: id}, true
		},
	}

	d.Topics = &Collection[models.Topic]{
		db:       d,
		store:    StoreTopics,
		codec:    topicCodec,
		indexes:  topicIndexes,
		validate: validate.Topic,
		event: func(op string, existed bool, id string, t *models.Topic) (events.Event, bool) {
			kind := events.TopicAdded
			switch {
			case op == opDelete:
				kind = events.TopicDeleted
			case existed:
				kind = events.TopicUpdated
			}
			e := events.Event{Kind: kind, TopicID: id}
			if t != nil {
				e.AssistantID = t.AssistantID
			}
			return e, true
		},
	}

	d.Settings = &Collection[models.Setting]{
		db:    d,
		store: StoreSettings,
		codec: settingCodec,
		event: func(_ string, _ bool, id string, _ *models.Setting) (events.Event, bool) {
			return events.Event{Kind: events.SettingChanged, SettingKey: id}, true
		},
	}

	d.ImageMetadata = &Collection[models.ImageMetadata]{
		db:      d,
		store:   StoreImageMetadata,
		codec:   imageMetadataCodec,
		indexes: imageMetadataIndexes,
		event: func(op string, _ bool, id string, m *models.ImageMetadata) (events.Event, bool) {
			if op == opDelete {
				return events.Event{Kind: events.ImageDeleted, ImageID: id}, true
			}
			return events.Event{Kind: events.ImageAdded, ImageID: id, TopicID: m.TopicID}, true
		},
	}

	d.Metadata = &Collection[models.MetadataEntry]{
		db:    d,
		store: StoreMetadata,
		codec: metadataCodec,
		event: func(_ string, _ bool, id string, _ *models.MetadataEntry) (events.Event, bool) {
			return events.Event{Kind: events.MetadataChanged, MetadataKey: id}, true
		},
	}

	d.Images = &ImageStore{
		db:    d,
		meta:  d.ImageMetadata,
		blobs: &Collection[imageBlob]{db: d, store: StoreImages, codec: blobCodec},
	}
	return d
}

// Conn returns the underlying connection manager.
func (d *Database) Conn() *ConnectionManager { return d.conn }

// Update runs fn in a single read-write transaction. Events queued by fn are
// published after the commit succeeds and dropped otherwise.
func (d *Database) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.conn.Open(ctx)
	if err != nil {
		return err
	}

	tx := &Tx{}
	err = h.update(func(txn *badger.Txn) error {
		tx.txn = txn
		tx.pending = tx.pending[:0]
		tx.writes = tx.writes[:0]
		return fn(tx)
	})
	if err != nil {
		return err
	}

	for _, w := range tx.writes {
		metrics.IncWrite(w[0], w[1])
	}
	for _, e := range tx.pending {
		d.events.Publish(e)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (d *Database) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.conn.Open(ctx)
	if err != nil {
		return err
	}
	return h.view(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// DeleteTopic removes a topic together with its images.
func (d *Database) DeleteTopic(ctx context.Context, topicID string) error {
	return d.Update(ctx, func(tx *Tx) error {
		_, err := d.DeleteTopicTx(tx, topicID)
		return err
	})
}

// DeleteTopicTx is DeleteTopic inside an existing transaction. It reports
// whether the topic existed.
func (d *Database) DeleteTopicTx(tx *Tx, topicID string) (bool, error) {
	images, err := d.ImageMetadata.ByIndexTx(tx, IndexByTopic, topicID)
	if err != nil {
		return false, err
	}
	for _, m := range images {
		if err := d.Images.DeleteTx(tx, m.ID); err != nil {
			return false, fmt.Errorf("delete image %s: %w", m.ID, err)
		}
	}
	return d.Topics.DeleteTx(tx, topicID)
}

// ClearAll removes every record and index entry. The schema catalog stays.
func (d *Database) ClearAll(ctx context.Context) error {
	h, err := d.conn.Open(ctx)
	if err != nil {
		return err
	}
	if err := h.check(h.db.DropPrefix(recordPrefixByte, indexPrefixByte)); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	d.log.Warn("all data cleared")
	d.events.Publish(events.Event{Kind: events.AllDataCleared})
	return nil
}

// LoadSetting decodes the setting key into out. It reports false when the
// setting does not exist.
func (d *Database) LoadSetting(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := d.View(ctx, func(tx *Tx) error {
		item, err := tx.txn.Get(recordKey(StoreSettings, key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var sv struct {
		Value json.RawMessage `json:"value"`
	}
	if err := unmarshal(raw, &sv); err != nil {
		return false, fmt.Errorf("%w: setting %q: %v", ErrSerialization, key, err)
	}
	if err := unmarshal(sv.Value, out); err != nil {
		return false, fmt.Errorf("%w: setting %q: %v", ErrSerialization, key, err)
	}
	return true, nil
}

// SaveSetting stores value under key.
func (d *Database) SaveSetting(ctx context.Context, key string, value any) error {
	return d.Settings.Put(ctx, &models.Setting{ID: key, Value: value})
}

// Stats returns the record count of every store.
func (d *Database) Stats(ctx context.Context) (map[string]int, error) {
	counters := []interface {
		Name() string
		Count(context.Context) (int, error)
	}{d.Assistants, d.Topics, d.Settings, d.Images.blobs, d.ImageMetadata, d.Metadata}

	out := make(map[string]int, len(counters))
	for _, c := range counters {
		n, err := c.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c.Name(), err)
		}
		out[c.Name()] = n
	}
	return out, nil
}
