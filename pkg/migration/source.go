package migration

import (
	"context"
	"errors"

	"github.com/orneryd/convostore/pkg/models"
)

// ErrMigrationSourceUnavailable marks a requested source that was skipped.
var ErrMigrationSourceUnavailable = errors.New("migration source unavailable")

// ImageRecord is an image blob with its metadata as read from a legacy source.
type ImageRecord struct {
	Meta models.ImageMetadata
	Blob []byte
}

// DataSource reads records from one legacy storage generation. Topics are
// returned with their messages inlined.
type DataSource interface {
	SourceID() string
	CheckAvailability(ctx context.Context) bool
	Assistants(ctx context.Context) ([]*models.Assistant, error)
	Topics(ctx context.Context) ([]*models.Topic, error)
	Images(ctx context.Context) (map[string]ImageRecord, error)
	Settings(ctx context.Context) (map[string]any, error)
}

// Clearable is implemented by sources that can delete their legacy data once
// it has been migrated.
type Clearable interface {
	Clear(ctx context.Context) error
}
