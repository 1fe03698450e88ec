package models

import "time"

// Match is a single similarity hit. Score is in [0, 100], higher is more similar.
type Match struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// SimilarResponse is the response for any similarity request.
type SimilarResponse struct {
	Results []Match `json:"results"`
	Total   int     `json:"total"`
	// QueryTime is the wall time spent answering, in milliseconds.
	QueryTime int64 `json:"query_time_ms"`
	// Fallback is set when the item had no stored embedding and results
	// come from the fallback strategy instead of the index.
	Fallback        bool      `json:"fallback,omitempty"`
	SnapshotBuiltAt time.Time `json:"snapshot_built_at"`
}
