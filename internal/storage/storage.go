// Package storage defines read access to catalog item embeddings.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/mirip/internal/models"
)

var (
	// ErrStoreUnavailable wraps any failure to reach or read the catalog store.
	ErrStoreUnavailable = errors.New("embedding store unavailable")
	// ErrNotFound is returned when an item has no eligible embedding.
	ErrNotFound = errors.New("embedding not found")
)

// EmbeddingStore is read-only, paginated access to persisted item embeddings.
// Only items whose embedding is present and non-empty are eligible.
type EmbeddingStore interface {
	// FetchCount returns the number of eligible items.
	FetchCount(ctx context.Context) (int, error)
	// FetchPage returns eligible items ordered by ascending id.
	FetchPage(ctx context.Context, offset, limit int) ([]models.EmbeddingRecord, error)
	// GetEmbedding reads one item's embedding directly.
	GetEmbedding(ctx context.Context, id int64) (*models.EmbeddingRecord, error)

	Close() error
}
