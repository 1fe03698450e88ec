package vector

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"
)

func benchSnapshot(b *testing.B, n, dim int) *Snapshot {
	b.Helper()
	rng := rand.New(rand.NewPCG(7, 7))
	bld := newSnapshotBuilder(dim, DefaultNormTolerance, n)
	for _, r := range randomRecords(rng, n, dim) {
		if err := bld.add(r); err != nil {
			b.Fatal(err)
		}
	}
	return bld.build(time.Time{}, "bench")
}

func BenchmarkSnapshotSearch(b *testing.B) {
	snap := benchSnapshot(b, 20000, 2048)
	q := randomUnit(rand.New(rand.NewPCG(1, 2)), 2048)
	ctx := context.Background()

	b.Run("sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = snap.Search(ctx, q, 10, nil, 0)
		}
	})
	b.Run("sharded", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = snap.Search(ctx, q, 10, nil, 1)
		}
	})
}

func BenchmarkDot(b *testing.B) {
	rng := rand.New(rand.NewPCG(3, 4))
	x, y := randomUnit(rng, 2048), randomUnit(rng, 2048)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Dot(x, y)
	}
}
