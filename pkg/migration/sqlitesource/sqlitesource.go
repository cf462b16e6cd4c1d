// Package sqlitesource reads the older embedded store generation, a SQLite
// file, as a migration source.
package sqlitesource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/orneryd/convostore/pkg/logger"
	"github.com/orneryd/convostore/pkg/migration"
	"github.com/orneryd/convostore/pkg/models"
)

// SourceID identifies this source in migration status and CLI flags.
const SourceID = "sqlite"

// Schema is the table layout of the legacy file. Times are unix
// milliseconds; JSON columns may be NULL.
const Schema = `
CREATE TABLE IF NOT EXISTS assistants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	is_system     INTEGER NOT NULL DEFAULT 0,
	topic_ids     TEXT
);
CREATE TABLE IF NOT EXISTS topics (
	id                TEXT PRIMARY KEY,
	assistant_id      TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	prompt            TEXT NOT NULL DEFAULT '',
	last_message_time INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id        TEXT PRIMARY KEY,
	topic_id  TEXT NOT NULL,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL DEFAULT 0,
	status    TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	metadata  TEXT,
	position  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS images (
	id         TEXT PRIMARY KEY,
	topic_id   TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	data       BLOB,
	created    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// Options configures a Source.
type Options struct {
	Logger *zap.Logger
}

// Source is a read-only migration.DataSource over a legacy SQLite file.
type Source struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

var (
	_ migration.DataSource = (*Source)(nil)
	_ migration.Clearable  = (*Source)(nil)
)

// New returns a Source for the file at path. Nothing is opened until the
// first read.
func New(path string, opts Options) *Source {
	return &Source{
		path: path,
		log:  logger.OrNop(opts.Logger).Named(logger.ComponentMigration).With(zap.String("source", SourceID)),
	}
}

// SourceID implements migration.DataSource.
func (s *Source) SourceID() string { return SourceID }

func (s *Source) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("%w: %v", migration.ErrMigrationSourceUnavailable, err)
	}

	db, err := sql.Open("sqlite", "file:"+s.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db
	return db, nil
}

// CheckAvailability reports whether the file exists and holds the legacy
// assistants table.
func (s *Source) CheckAvailability(ctx context.Context) bool {
	db, err := s.conn(ctx)
	if err != nil {
		s.log.Debug("legacy sqlite store unavailable", zap.Error(err))
		return false
	}
	var name string
	err = db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'assistants'`).Scan(&name)
	if err != nil {
		s.log.Debug("legacy sqlite store has no assistants table", zap.Error(err))
		return false
	}
	return true
}

// Assistants implements migration.DataSource.
func (s *Source) Assistants(ctx context.Context) ([]*models.Assistant, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, description, system_prompt, is_system, topic_ids
		FROM assistants
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query assistants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Assistant
	for rows.Next() {
		var (
			a        models.Assistant
			isSystem int
			topicIDs sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.SystemPrompt, &isSystem, &topicIDs); err != nil {
			return nil, fmt.Errorf("scan assistant: %w", err)
		}
		a.IsSystem = isSystem != 0
		if topicIDs.Valid && topicIDs.String != "" {
			if err := json.Unmarshal([]byte(topicIDs.String), &a.TopicIDs); err != nil {
				s.log.Warn("unreadable topic_ids", zap.String("assistant", a.ID), zap.Error(err))
				a.TopicIDs = nil
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Topics implements migration.DataSource. Messages are attached in position
// order.
func (s *Source) Topics(ctx context.Context) ([]*models.Topic, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages(ctx, db)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, assistant_id, title, prompt, last_message_time
		FROM topics
		ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Topic
	for rows.Next() {
		var (
			t    models.Topic
			last int64
		)
		if err := rows.Scan(&t.ID, &t.AssistantID, &t.Title, &t.Prompt, &last); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		t.LastMessageTime = fromMillis(last)
		t.Messages = messages[t.ID]
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Source) messages(ctx context.Context, db *sql.DB) (map[string][]models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, topic_id, role, content, timestamp, status, parent_id, metadata
		FROM messages
		ORDER BY topic_id, position, timestamp
	`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]models.Message)
	for rows.Next() {
		var (
			m        models.Message
			topicID  string
			role     string
			ts       int64
			metadata sql.NullString
		)
		if err := rows.Scan(&m.ID, &topicID, &role, &m.Content, &ts, &m.Status, &m.ParentID, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.Timestamp = fromMillis(ts)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				s.log.Warn("unreadable message metadata", zap.String("message", m.ID), zap.Error(err))
			}
		}
		out[topicID] = append(out[topicID], m)
	}
	return out, rows.Err()
}

// Images implements migration.DataSource.
func (s *Source) Images(ctx context.Context) (map[string]migration.ImageRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, topic_id, message_id, mime_type, data, created
		FROM images
	`)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]migration.ImageRecord)
	for rows.Next() {
		var (
			rec     migration.ImageRecord
			created int64
		)
		if err := rows.Scan(&rec.Meta.ID, &rec.Meta.TopicID, &rec.Meta.MessageID, &rec.Meta.MimeType, &rec.Blob, &created); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		rec.Meta.Created = fromMillis(created)
		out[rec.Meta.ID] = rec
	}
	return out, rows.Err()
}

// Settings implements migration.DataSource. Values that are not valid JSON
// are kept as plain strings.
func (s *Source) Settings(ctx context.Context) (map[string]any, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]any)
	for rows.Next() {
		var (
			key string
			raw sql.NullString
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		if !raw.Valid {
			out[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
			v = raw.String
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Close releases the underlying connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Clear implements migration.Clearable by deleting the legacy file and its
// journal siblings.
func (s *Source) Clear(context.Context) error {
	if err := s.Close(); err != nil {
		s.log.Warn("closing legacy store", zap.Error(err))
	}
	var errs []error
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove legacy store: %w", err)
	}
	s.log.Info("legacy sqlite store removed", zap.String("path", s.path))
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
