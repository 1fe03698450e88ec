package vector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/pkg/utils"
)

const (
	// DefaultPageSize is the number of records requested per store page.
	DefaultPageSize = 1000
	// DefaultNormTolerance bounds |norm-1| for accepted vectors.
	DefaultNormTolerance = 1e-4

	syncKey = "sync"
)

// Index serves similarity queries from an immutable snapshot of the catalog's
// embeddings and rebuilds that snapshot from the store on demand.
//
// Queries load the current snapshot pointer once and never block on a rebuild.
// Rebuilds paginate the store without holding any lock and publish the new
// snapshot with a single pointer swap.
type Index struct {
	store             storage.EmbeddingStore
	dimensions        int
	pageSize          int
	tolerance         float64
	parallelThreshold int
	logger            *zap.Logger
	now               func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	group   singleflight.Group

	mu           sync.Mutex
	state        models.IndexState
	publishedGen uint64
	inflight     int
	rerun        bool
	lastErr      error
	lastSyncID   string
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithPageSize sets the number of records requested per store page.
func WithPageSize(n int) IndexOption {
	return func(idx *Index) {
		if n > 0 {
			idx.pageSize = n
		}
	}
}

// WithNormTolerance sets the accepted deviation of a stored vector's norm from 1.
func WithNormTolerance(tol float64) IndexOption {
	return func(idx *Index) {
		if tol > 0 {
			idx.tolerance = tol
		}
	}
}

// WithParallelThreshold sets the snapshot size at which queries scan in parallel shards.
// Zero disables sharding.
func WithParallelThreshold(n int) IndexOption {
	return func(idx *Index) { idx.parallelThreshold = n }
}

// WithLogger sets a logger for sync progress and rejected records.
func WithLogger(l *zap.Logger) IndexOption {
	return func(idx *Index) { idx.logger = utils.OrNop(l) }
}

// WithClock sets the time source used to stamp snapshots.
func WithClock(now func() time.Time) IndexOption {
	return func(idx *Index) { idx.now = now }
}

// NewIndex creates an uninitialized index over store for vectors of the given dimension.
// Call Initialize before the first query.
func NewIndex(store storage.EmbeddingStore, dimensions int, opts ...IndexOption) (*Index, error) {
	if store == nil {
		return nil, fmt.Errorf("embedding store is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	ctx, cancel := context.WithCancel(context.Background())
	idx := &Index{
		store:      store,
		dimensions: dimensions,
		pageSize:   DefaultPageSize,
		tolerance:  DefaultNormTolerance,
		logger:     zap.NewNop(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		state:      models.StateUninitialized,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Dimensions returns the vector dimension the index accepts.
func (idx *Index) Dimensions() int {
	return idx.dimensions
}

// Initialize builds the first snapshot and blocks until it is published or the
// build fails. Concurrent callers share one build. If a snapshot already exists
// it returns immediately.
func (idx *Index) Initialize(ctx context.Context) (models.IndexState, error) {
	if idx.current.Load() != nil {
		return models.StateReady, nil
	}
	ch := idx.group.DoChan(syncKey, idx.initialSync)
	select {
	case res := <-ch:
		if res.Err != nil {
			return idx.State(), res.Err
		}
		return models.StateReady, nil
	case <-ctx.Done():
		return idx.State(), ctx.Err()
	}
}

// Resync starts a rebuild in the background and returns immediately. The
// returned channel receives the outcome of the pass once it finishes and may be
// ignored. A resync requested while a pass is running schedules one more pass
// after it, so changes made mid-pass are picked up.
func (idx *Index) Resync() <-chan error {
	idx.mu.Lock()
	if idx.inflight > 0 {
		idx.rerun = true
	}
	idx.mu.Unlock()

	out := make(chan error, 1)
	ch := idx.group.DoChan(syncKey, idx.runSync)
	go func() {
		res := <-ch
		out <- res.Err
	}()
	return out
}

// Query returns the k records closest to q by cosine distance, best first.
// q must have the index dimension. An empty snapshot yields an empty result;
// an index that has never published a snapshot yields ErrNotReady.
func (idx *Index) Query(ctx context.Context, q []float32, k int, opts ...QueryOption) ([]models.Match, error) {
	matches, _, err := idx.QueryWithSnapshot(ctx, q, k, opts...)
	return matches, err
}

// QueryWithSnapshot is Query that also returns the snapshot the results came from.
func (idx *Index) QueryWithSnapshot(ctx context.Context, q []float32, k int, opts ...QueryOption) ([]models.Match, *Snapshot, error) {
	if k < 0 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if len(q) != idx.dimensions {
		return nil, nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(q), idx.dimensions)
	}
	if err := CheckFinite(q); err != nil {
		return nil, nil, err
	}
	snap := idx.current.Load()
	if snap == nil {
		return nil, nil, ErrNotReady
	}
	matches, err := idx.SearchSnapshot(ctx, snap, q, k, opts...)
	if err != nil {
		return nil, nil, err
	}
	return matches, snap, nil
}

// SearchSnapshot ranks q against a snapshot the caller already holds, with the
// index's sharding settings. q must have the index dimension.
func (idx *Index) SearchSnapshot(ctx context.Context, snap *Snapshot, q []float32, k int, opts ...QueryOption) ([]models.Match, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return snap.Search(ctx, q, k, o.exclude, idx.parallelThreshold)
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	exclude *int64
}

// Exclude drops the record with the given id from the candidates.
func Exclude(id int64) QueryOption {
	return func(o *queryOptions) { o.exclude = &id }
}

// Snapshot returns the current snapshot, or nil before the first publish.
func (idx *Index) Snapshot() *Snapshot {
	return idx.current.Load()
}

// Lookup returns the stored vector for id from the current snapshot.
func (idx *Index) Lookup(id int64) ([]float32, bool) {
	snap := idx.current.Load()
	if snap == nil {
		return nil, false
	}
	return snap.Lookup(id)
}

// State returns the lifecycle state.
func (idx *Index) State() models.IndexState {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.state
}

// Status returns the lifecycle state and the current snapshot's metadata.
func (idx *Index) Status() models.IndexStatus {
	idx.mu.Lock()
	st := models.IndexStatus{
		State:          idx.state,
		Dimensions:     idx.dimensions,
		LastSyncID:     idx.lastSyncID,
		SyncInProgress: idx.inflight > 0,
	}
	if idx.lastErr != nil {
		st.LastError = idx.lastErr.Error()
	}
	idx.mu.Unlock()

	if snap := idx.current.Load(); snap != nil {
		st.RecordCount = snap.Len()
		st.RejectedCount = snap.RejectedCount
		st.SourceCount = snap.SourceCount
		st.LastSyncTime = snap.BuiltAt
	}
	return st
}

// Close cancels any running sync pass. Queries against the last snapshot keep working.
func (idx *Index) Close() error {
	idx.cancel()
	return nil
}

// initialSync runs a pass unless a snapshot was published since the caller checked.
func (idx *Index) initialSync() (any, error) {
	if snap := idx.current.Load(); snap != nil {
		return snap, nil
	}
	return idx.runSync()
}

func (idx *Index) runSync() (any, error) {
	gen := idx.gen.Add(1)
	syncID := uuid.NewString()

	idx.mu.Lock()
	idx.inflight++
	idx.state = models.StateLoading
	idx.mu.Unlock()

	snap, err := idx.load(idx.ctx, syncID)

	idx.mu.Lock()
	// Later triggers must start a fresh pass rather than join this finished one.
	idx.group.Forget(syncKey)
	idx.inflight--
	if err == nil {
		if gen > idx.publishedGen {
			idx.current.Store(snap)
			idx.publishedGen = gen
		}
		idx.lastErr = nil
		idx.lastSyncID = syncID
	} else {
		idx.lastErr = err
	}
	switch {
	case idx.inflight > 0:
		idx.state = models.StateLoading
	case idx.current.Load() != nil:
		idx.state = models.StateReady
	default:
		idx.state = models.StateFailed
	}
	rerun := idx.rerun && idx.inflight == 0 && idx.ctx.Err() == nil
	if idx.inflight == 0 {
		idx.rerun = false
	}
	hadSnapshot := idx.current.Load() != nil
	idx.mu.Unlock()

	if err != nil {
		if hadSnapshot {
			idx.logger.Warn("resync failed; keeping previous snapshot", zap.String("sync_id", syncID), zap.Error(err))
		} else {
			idx.logger.Error("index build failed", zap.String("sync_id", syncID), zap.Error(err))
		}
	}
	if rerun {
		go func() { <-idx.Resync() }()
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// load paginates the store from offset 0 and builds a snapshot. Individual
// records failing validation are dropped and counted; any store error aborts
// the pass.
func (idx *Index) load(ctx context.Context, syncID string) (*Snapshot, error) {
	start := time.Now()
	total, err := idx.store.FetchCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count embeddings: %w", err)
	}
	idx.logger.Debug("sync started", zap.String("sync_id", syncID), zap.Int("expected", total), zap.Int("page_size", idx.pageSize))

	b := newSnapshotBuilder(idx.dimensions, idx.tolerance, total)
	for offset := 0; offset < total; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := idx.store.FetchPage(ctx, offset, idx.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			// The catalog shrank since FetchCount.
			break
		}
		for _, rec := range page {
			if err := b.add(rec); err != nil {
				idx.logger.Debug("embedding rejected", zap.String("sync_id", syncID), zap.Int64("id", rec.ID), zap.Error(err))
			}
		}
		offset += len(page)
		idx.logger.Debug("sync page loaded", zap.String("sync_id", syncID), zap.Int("offset", offset), zap.Int("expected", total))
	}

	snap := b.build(idx.now(), syncID)
	fields := []zap.Field{
		zap.String("sync_id", syncID),
		zap.Int("records", snap.Len()),
		zap.Int("source", snap.SourceCount),
		zap.Int("rejected", snap.RejectedCount),
		zap.Duration("took", time.Since(start)),
	}
	if snap.RejectedCount > 0 {
		idx.logger.Warn("sync completed with rejected embeddings", fields...)
	} else {
		idx.logger.Info("sync completed", fields...)
	}
	return snap, nil
}
