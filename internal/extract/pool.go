package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/utils"
)

// Pool spreads extraction over a fixed set of extractor instances. Callers wait
// for a free instance; results are validated before they are returned.
type Pool struct {
	free       chan Extractor
	all        []Extractor
	dimensions int
	tolerance  float64
	logger     *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets a logger for extraction timings and failures.
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = utils.OrNop(l) }
}

// WithPoolTolerance sets the accepted deviation of an output norm from 1.
func WithPoolTolerance(tol float64) PoolOption {
	return func(p *Pool) {
		if tol > 0 {
			p.tolerance = tol
		}
	}
}

// NewPool creates size instances with newExtractor. All instances must report the same dimension.
func NewPool(size int, newExtractor func() (Extractor, error), opts ...PoolOption) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		free:      make(chan Extractor, size),
		tolerance: vector.DefaultNormTolerance,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		ext, err := newExtractor()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("create extractor %d: %w", i, err)
		}
		if i == 0 {
			p.dimensions = ext.Dimensions()
		} else if ext.Dimensions() != p.dimensions {
			_ = ext.Close()
			_ = p.Close()
			return nil, fmt.Errorf("extractor %d has dimension %d, expected %d", i, ext.Dimensions(), p.dimensions)
		}
		p.all = append(p.all, ext)
		p.free <- ext
	}
	return p, nil
}

// Extract runs ext.Extract on a free instance, waiting for one until ctx is done.
func (p *Pool) Extract(ctx context.Context, data []byte) ([]float32, error) {
	var ext Extractor
	select {
	case ext = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- ext }()

	start := time.Now()
	v, err := ext.Extract(ctx, data)
	if err != nil {
		p.logger.Debug("extraction failed", zap.Int("bytes", len(data)), zap.Error(err))
		return nil, err
	}
	if err := vector.CheckUnit(v, p.dimensions, p.tolerance); err != nil {
		p.logger.Warn("extractor returned an invalid vector", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	p.logger.Debug("extracted image features", zap.Int("bytes", len(data)), zap.Duration("took", time.Since(start)))
	return v, nil
}

// Dimensions returns the embedding dimension.
func (p *Pool) Dimensions() int {
	return p.dimensions
}

// Size returns the number of instances.
func (p *Pool) Size() int {
	return len(p.all)
}

// Close closes every instance.
func (p *Pool) Close() error {
	var errs []error
	for _, ext := range p.all {
		if err := ext.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.all = nil
	return errors.Join(errs...)
}
