package vector

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/hyperjump/mirip/internal/models"
)

// Snapshot is an immutable set of validated embeddings produced by one sync pass.
// It is shared by all queries that loaded it and is never modified after publication.
type Snapshot struct {
	records   []models.EmbeddingRecord
	positions map[int64]int

	BuiltAt       time.Time
	SourceCount   int
	RejectedCount int
	SyncID        string
}

// Len returns the number of records in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Lookup returns a copy of the stored vector for id.
func (s *Snapshot) Lookup(id int64) ([]float32, bool) {
	pos, ok := s.positions[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(s.records[pos].Vector), true
}

// Search ranks the snapshot against q. q must already have the snapshot's dimension.
// shardMin is the record count at or above which the scan is split across goroutines; 0 disables it.
func (s *Snapshot) Search(ctx context.Context, q []float32, k int, exclude *int64, shardMin int) ([]models.Match, error) {
	if k == 0 || len(s.records) == 0 {
		return []models.Match{}, nil
	}
	var (
		top []candidate
		err error
	)
	if shardMin > 0 && len(s.records) >= shardMin {
		top, err = scanSharded(ctx, s.records, q, k, exclude)
	} else {
		top, err = scanTopK(ctx, s.records, q, k, exclude)
	}
	if err != nil {
		return nil, err
	}
	return toMatches(top), nil
}

// Sample returns up to k ids drawn uniformly without replacement, excluding exclude.
// All scores are zero, so the result is ordered by ascending id.
func (s *Snapshot) Sample(k int, exclude *int64, rng *rand.Rand) []models.Match {
	pool := make([]int64, 0, len(s.records))
	for i := range s.records {
		if exclude != nil && s.records[i].ID == *exclude {
			continue
		}
		pool = append(pool, s.records[i].ID)
	}
	if k > len(pool) {
		k = len(pool)
	}
	// partial Fisher-Yates
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	picked := pool[:k]
	slices.Sort(picked)
	out := make([]models.Match, k)
	for i, id := range picked {
		out[i] = models.Match{ID: id}
	}
	return out
}

// snapshotBuilder accumulates records for one sync pass.
type snapshotBuilder struct {
	dim       int
	tol       float64
	records   []models.EmbeddingRecord
	positions map[int64]int
	source    int
	rejected  int
}

func newSnapshotBuilder(dim int, tol float64, expected int) *snapshotBuilder {
	return &snapshotBuilder{
		dim:       dim,
		tol:       tol,
		records:   make([]models.EmbeddingRecord, 0, expected),
		positions: make(map[int64]int, expected),
	}
}

// add validates and stores rec. A later record with an id already seen replaces
// the earlier vector in place. Returns the validation error for rejected records.
func (b *snapshotBuilder) add(rec models.EmbeddingRecord) error {
	b.source++
	if err := CheckUnit(rec.Vector, b.dim, b.tol); err != nil {
		b.rejected++
		return err
	}
	vec := slices.Clone(rec.Vector)
	if pos, ok := b.positions[rec.ID]; ok {
		b.records[pos].Vector = vec
		return nil
	}
	b.positions[rec.ID] = len(b.records)
	b.records = append(b.records, models.EmbeddingRecord{ID: rec.ID, Vector: vec})
	return nil
}

func (b *snapshotBuilder) build(builtAt time.Time, syncID string) *Snapshot {
	return &Snapshot{
		records:       b.records,
		positions:     b.positions,
		BuiltAt:       builtAt,
		SourceCount:   b.source,
		RejectedCount: b.rejected,
		SyncID:        syncID,
	}
}
