// Package vector provides the in-memory similarity index over catalog embeddings.
package vector

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidVector is returned for vectors with non-finite components or a non-unit norm.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrNotReady is returned by queries before any snapshot has been published.
	ErrNotReady = errors.New("similarity index not ready")
	// ErrInvalidK is returned for a negative result count.
	ErrInvalidK = errors.New("k must be non-negative")
)

// Dot returns the inner product of two equal-length vectors, accumulated in float64.
// For unit vectors this equals cosine similarity.
func Dot(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	return math.Sqrt(Dot(x, x))
}

// CheckFinite reports whether every component is a finite number.
func CheckFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrInvalidVector, i)
		}
	}
	return nil
}

// CheckUnit validates that v has exactly dim finite components and unit L2 norm within tol.
func CheckUnit(v []float32, dim int, tol float64) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(v), dim)
	}
	if err := CheckFinite(v); err != nil {
		return err
	}
	if norm := L2Norm(v); math.Abs(norm-1) > tol {
		return fmt.Errorf("%w: norm %.6f outside 1±%g", ErrInvalidVector, norm, tol)
	}
	return nil
}

// Score maps a cosine distance to a similarity percentage in [0, 100],
// rounded to one decimal place.
func Score(distance float64) float64 {
	s := (1 - distance) * 100
	s = math.Max(0, math.Min(100, s))
	return math.Round(s*10) / 10
}
