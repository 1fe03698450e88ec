// Package search answers similarity requests by image, by catalog item, or by raw vector.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/extract"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/utils"
)

// ErrCouldNotProcessImage is returned when an uploaded image cannot be turned into an embedding.
var ErrCouldNotProcessImage = errors.New("could not process image")

// Engine runs similarity queries against the index.
type Engine struct {
	index     *vector.Index
	extractor extract.Extractor
	store     storage.EmbeddingStore
	config    *config.SearchConfig
	fallback  Fallback
	tolerance float64
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFallback sets the strategy used for items that have no stored embedding.
func WithFallback(f Fallback) EngineOption {
	return func(e *Engine) {
		if f != nil {
			e.fallback = f
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithNormTolerance sets the tolerance applied to vectors read directly from the store.
func WithNormTolerance(tol float64) EngineOption {
	return func(e *Engine) {
		if tol > 0 {
			e.tolerance = tol
		}
	}
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(
	index *vector.Index,
	extractor extract.Extractor,
	store storage.EmbeddingStore,
	cfg *config.SearchConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		index:     index,
		extractor: extractor,
		store:     store,
		config:    cfg,
		fallback:  NewRandomFallback(nil),
		tolerance: vector.DefaultNormTolerance,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueryByImage extracts features from an encoded image and returns the k most similar items.
// The index is not consulted when extraction fails.
func (e *Engine) QueryByImage(ctx context.Context, image []byte, k int) (*models.SimilarResponse, error) {
	start := time.Now()
	k, err := e.limit(k)
	if err != nil {
		return nil, err
	}
	if e.extractor == nil {
		return nil, fmt.Errorf("%w: no feature extractor configured", ErrCouldNotProcessImage)
	}
	vec, err := e.extractor.Extract(ctx, image)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Debug("image extraction failed", zap.Int("bytes", len(image)), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrCouldNotProcessImage, err)
	}
	return e.query(ctx, start, vec, k)
}

// QueryByItem returns the k items most similar to the catalog item id, excluding the item itself.
// The item's vector comes from the current snapshot, or from the store when the item was added
// after the last sync. Items without a usable embedding get fallback results.
func (e *Engine) QueryByItem(ctx context.Context, id int64, k int) (*models.SimilarResponse, error) {
	start := time.Now()
	k, err := e.limit(k)
	if err != nil {
		return nil, err
	}
	snap := e.index.Snapshot()
	if snap == nil {
		return nil, vector.ErrNotReady
	}

	vec, ok := snap.Lookup(id)
	if !ok {
		vec, err = e.storedVector(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, vector.ErrInvalidVector) &&
				!errors.Is(err, vector.ErrDimensionMismatch) {
				return nil, err
			}
			e.logger.Debug("item has no usable embedding, using fallback", zap.Int64("id", id), zap.Error(err))
			matches, ferr := e.fallback.Fallback(ctx, snap, id, k)
			if ferr != nil {
				return nil, ferr
			}
			resp := respond(start, matches, snap)
			resp.Fallback = true
			return resp, nil
		}
	}

	// Rank against the snapshot the vector was looked up in.
	matches, err := e.index.SearchSnapshot(ctx, snap, vec, k, vector.Exclude(id))
	if err != nil {
		return nil, err
	}
	return respond(start, matches, snap), nil
}

// QueryByVector returns the k items most similar to a caller-supplied vector.
func (e *Engine) QueryByVector(ctx context.Context, vec []float32, k int, excludeID *int64) (*models.SimilarResponse, error) {
	start := time.Now()
	k, err := e.limit(k)
	if err != nil {
		return nil, err
	}
	var opts []vector.QueryOption
	if excludeID != nil {
		opts = append(opts, vector.Exclude(*excludeID))
	}
	matches, snap, err := e.index.QueryWithSnapshot(ctx, vec, k, opts...)
	if err != nil {
		return nil, err
	}
	return respond(start, matches, snap), nil
}

func (e *Engine) query(ctx context.Context, start time.Time, vec []float32, k int) (*models.SimilarResponse, error) {
	matches, snap, err := e.index.QueryWithSnapshot(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	return respond(start, matches, snap), nil
}

// storedVector reads one item's embedding straight from the store and validates it.
func (e *Engine) storedVector(ctx context.Context, id int64) ([]float32, error) {
	if e.store == nil {
		return nil, storage.ErrNotFound
	}
	rec, err := e.store.GetEmbedding(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := vector.CheckUnit(rec.Vector, e.index.Dimensions(), e.tolerance); err != nil {
		return nil, err
	}
	return rec.Vector, nil
}

// limit rejects negative k and caps it at the configured maximum. Zero stays zero.
func (e *Engine) limit(k int) (int, error) {
	if k < 0 {
		return 0, fmt.Errorf("%w: got %d", vector.ErrInvalidK, k)
	}
	if e.config != nil && e.config.MaxLimit > 0 && k > e.config.MaxLimit {
		k = e.config.MaxLimit
	}
	return k, nil
}

func respond(start time.Time, matches []models.Match, snap *vector.Snapshot) *models.SimilarResponse {
	resp := &models.SimilarResponse{
		Results:   matches,
		Total:     len(matches),
		QueryTime: time.Since(start).Milliseconds(),
	}
	if snap != nil {
		resp.SnapshotBuiltAt = snap.BuiltAt
	}
	return resp
}
