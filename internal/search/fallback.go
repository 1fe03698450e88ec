package search

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/vector"
)

// Fallback supplies results for an item that has no usable embedding.
type Fallback interface {
	Fallback(ctx context.Context, snap *vector.Snapshot, id int64, k int) ([]models.Match, error)
}

// RandomFallback samples k items uniformly from the snapshot, never returning the item itself.
// Every sampled match has score 0.
type RandomFallback struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomFallback returns a fallback drawing from src; a nil src is seeded randomly.
func NewRandomFallback(src rand.Source) *RandomFallback {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &RandomFallback{rng: rand.New(src)}
}

func (f *RandomFallback) Fallback(ctx context.Context, snap *vector.Snapshot, id int64, k int) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, vector.ErrNotReady
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return snap.Sample(k, &id, f.rng), nil
}
