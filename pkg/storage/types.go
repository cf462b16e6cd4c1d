// Package storage is convostore's embedded document store.
//
// Records live in a single BadgerDB instance owned by a ConnectionManager.
// Each record type is a named store with a static allow-list codec and a set
// of declared secondary indexes; Collection[T] exposes typed CRUD and index
// queries over one store, and Database groups the collections and runs
// multi-store transactions.
//
// Key Structure:
//   - Record:  "r" 0x00 store 0x00 id -> encoded record
//   - Index:   "i" 0x00 store 0x00 index 0x00 value 0x00 id -> empty
//   - Catalog: "m" 0x00 "store" 0x00 store, "m" 0x00 "index" 0x00 store 0x00 index
//   - Version: "m" 0x00 "version" -> decimal schema version
//
// Example Usage:
//
//	conn := storage.NewConnectionManager(storage.Options{Dir: "./data"})
//	db := storage.NewDatabase(conn, storage.DatabaseOptions{Events: bus})
//	defer conn.Close()
//
//	err := db.Topics.Put(ctx, &models.Topic{ID: id, Title: "New chat"})
//	recent, err := db.Topics.Scan(ctx, storage.IndexByLastTime, true, 20)
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Connection errors. These are fatal for the caller: the UI should offer a
// retry rather than render partial data.
var (
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrConnectionBlocked    = errors.New("connection blocked by another session")
	ErrSchemaUpgradeBlocked = errors.New("schema upgrade blocked by another session")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrSchemaDowngrade      = errors.New("stored schema is newer than this build")
	ErrConnectionTerminated = errors.New("connection terminated")
	ErrStorageClosed        = errors.New("storage closed")
)

// Record errors.
var (
	ErrNotFound             = errors.New("not found")
	ErrValidationFailed     = errors.New("validation failed")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrSerialization        = errors.New("serialization error")
	ErrDigestMismatch       = errors.New("image digest mismatch")
	ErrUnknownIndex         = errors.New("unknown index")
)

// Store names.
const (
	StoreAssistants    = "assistants"
	StoreTopics        = "topics"
	StoreSettings      = "settings"
	StoreImages        = "images"
	StoreImageMetadata = "imageMetadata"
	StoreMetadata      = "metadata"
)

// Index names.
const (
	IndexBySystem    = "by-system"
	IndexByAssistant = "by-assistant"
	IndexByLastTime  = "by-last-time"
	IndexByTopic     = "by-topic"
	IndexByTime      = "by-time"
)

// ValidationError carries the reasons a record was rejected.
// It matches ErrValidationFailed with errors.Is.
type ValidationError struct {
	Kind    string
	ID      string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s: %s", e.Kind, e.ID, ErrValidationFailed, strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// IsFatal reports whether err is a connection-level failure that the caller
// cannot recover from locally.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionBlocked) ||
		errors.Is(err, ErrSchemaUpgradeBlocked) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrSchemaDowngrade)
}
