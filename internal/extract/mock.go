package extract

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/hyperjump/mirip/pkg/utils"
)

// MockExtractor is a deterministic extractor for tests and model-less runs. It returns
// a unit vector seeded from the image bytes, so the same bytes always get the same embedding.
// The bytes are not decoded.
type MockExtractor struct {
	dimensions int
}

// NewMockExtractor returns an extractor that produces deterministic embeddings of the given dimensions.
func NewMockExtractor(dimensions int) *MockExtractor {
	if dimensions <= 0 {
		dimensions = 2048
	}
	return &MockExtractor{dimensions: dimensions}
}

// Extract returns a deterministic embedding derived from the SHA-256 of data.
func (e *MockExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrExtraction)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16])))
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(rng.NormFloat64())
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (e *MockExtractor) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockExtractor.
func (e *MockExtractor) Close() error {
	return nil
}
