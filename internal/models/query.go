package models

import "fmt"

// VectorQuery is a raw-vector similarity request.
type VectorQuery struct {
	Vector    []float32 `json:"vector"`
	K         int       `json:"k,omitempty"`
	ExcludeID *int64    `json:"exclude_id,omitempty"`
}

// Validate checks the query and applies limits. A zero K becomes defaultK; K is capped at maxK.
func (q *VectorQuery) Validate(defaultK, maxK int) error {
	if len(q.Vector) == 0 {
		return fmt.Errorf("vector cannot be empty")
	}
	k, err := ClampK(q.K, defaultK, maxK)
	if err != nil {
		return err
	}
	q.K = k
	return nil
}

// ClampK returns k with defaults applied: 0 becomes defaultK and values above maxK are capped.
// Negative k is an error.
func ClampK(k, defaultK, maxK int) (int, error) {
	if k < 0 {
		return 0, fmt.Errorf("k must be non-negative, got %d", k)
	}
	if k == 0 {
		k = defaultK
	}
	if maxK > 0 && k > maxK {
		k = maxK
	}
	return k, nil
}
