package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/convostore/pkg/models"
)

// ImageStore keeps image blobs and their metadata in step.
type ImageStore struct {
	db    *Database
	meta  *Collection[models.ImageMetadata]
	blobs *Collection[imageBlob]
}

// Digest returns the hex BLAKE2b-256 of blob.
func Digest(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Put stores blob and meta atomically. Size and Digest are computed from the
// blob; Created defaults to now.
func (s *ImageStore) Put(ctx context.Context, meta models.ImageMetadata, blob []byte) (*models.ImageMetadata, error) {
	var out *models.ImageMetadata
	err := s.db.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = s.PutTx(tx, meta, blob)
		return err
	})
	return out, err
}

// PutTx is Put inside an existing transaction.
func (s *ImageStore) PutTx(tx *Tx, meta models.ImageMetadata, blob []byte) (*models.ImageMetadata, error) {
	meta.Size = int64(len(blob))
	meta.Digest = Digest(blob)
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	if err := s.blobs.PutTx(tx, &imageBlob{ID: meta.ID, Data: blob}); err != nil {
		return nil, err
	}
	if err := s.meta.PutTx(tx, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Get returns the image and verifies its digest.
func (s *ImageStore) Get(ctx context.Context, id string) (*models.Image, error) {
	var out *models.Image
	err := s.db.View(ctx, func(tx *Tx) error {
		meta, err := s.meta.GetTx(tx, id)
		if err != nil {
			return err
		}
		blob, err := s.blobs.GetTx(tx, id)
		if err != nil {
			return err
		}
		if meta.Digest != "" && Digest(blob.Data) != meta.Digest {
			return fmt.Errorf("%w: image %q", ErrDigestMismatch, id)
		}
		out = &models.Image{Meta: *meta, Blob: blob.Data}
		return nil
	})
	return out, err
}

// Delete removes the blob and its metadata.
func (s *ImageStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(tx *Tx) error {
		return s.DeleteTx(tx, id)
	})
}

// DeleteTx is Delete inside an existing transaction.
func (s *ImageStore) DeleteTx(tx *Tx, id string) error {
	if _, err := s.blobs.DeleteTx(tx, id); err != nil {
		return err
	}
	_, err := s.meta.DeleteTx(tx, id)
	return err
}

// ByTopic returns the metadata of every image owned by topicID.
func (s *ImageStore) ByTopic(ctx context.Context, topicID string) ([]*models.ImageMetadata, error) {
	return s.meta.ByIndex(ctx, IndexByTopic, topicID)
}

// Recent returns up to limit image metadata records, newest first.
func (s *ImageStore) Recent(ctx context.Context, limit int) ([]*models.ImageMetadata, error) {
	return s.meta.Scan(ctx, IndexByTime, true, limit)
}
