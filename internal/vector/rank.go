package vector

import (
	"cmp"
	"container/heap"
	"context"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/mirip/internal/models"
)

// cancelCheckEvery is how many records are scored between context checks.
const cancelCheckEvery = 4096

type candidate struct {
	id   int64
	dist float64
}

// closer is the ranking order: ascending distance, then ascending id.
func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.id < b.id
}

func compareCandidates(a, b candidate) int {
	if closer(a, b) {
		return -1
	}
	if closer(b, a) {
		return 1
	}
	return 0
}

// farthestFirst is a max-heap on the ranking order; the root is the worst kept candidate.
type farthestFirst []candidate

func (h farthestFirst) Len() int           { return len(h) }
func (h farthestFirst) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h farthestFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *farthestFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *farthestFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// scanTopK scores every record against q and keeps the k closest, sorted.
func scanTopK(ctx context.Context, records []models.EmbeddingRecord, q []float32, k int, exclude *int64) ([]candidate, error) {
	h := make(farthestFirst, 0, min(k, len(records)))
	for i := range records {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		r := &records[i]
		if exclude != nil && r.ID == *exclude {
			continue
		}
		c := candidate{id: r.ID, dist: 1 - Dot(q, r.Vector)}
		switch {
		case len(h) < k:
			heap.Push(&h, c)
		case closer(c, h[0]):
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	out := []candidate(h)
	slices.SortFunc(out, compareCandidates)
	return out, nil
}

// scanSharded splits the scan across GOMAXPROCS goroutines and merges the per-shard top k.
// The ranking order is total, so the result equals scanTopK over the whole slice.
func scanSharded(ctx context.Context, records []models.EmbeddingRecord, q []float32, k int, exclude *int64) ([]candidate, error) {
	shards := runtime.GOMAXPROCS(0)
	if shards > len(records) {
		shards = len(records)
	}
	size := (len(records) + shards - 1) / shards
	partial := make([][]candidate, shards)

	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < shards; s++ {
		lo := s * size
		hi := min(lo+size, len(records))
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			top, err := scanTopK(gctx, records[lo:hi], q, k, exclude)
			partial[s] = top
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := slices.Concat(partial...)
	slices.SortFunc(merged, compareCandidates)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// toMatches converts ranked candidates to scored matches. Rounding can make
// neighbouring distances share a score; those runs are reordered by ascending id.
func toMatches(top []candidate) []models.Match {
	out := make([]models.Match, len(top))
	for i, c := range top {
		out[i] = models.Match{ID: c.id, Score: Score(c.dist)}
	}
	slices.SortStableFunc(out, func(a, b models.Match) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
