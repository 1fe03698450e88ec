// Package models defines core data structures for embeddings, queries, and similarity results.
package models

import "time"

// EmbeddingRecord is one catalog item's stored embedding.
type EmbeddingRecord struct {
	ID     int64     `json:"id"`
	Vector []float32 `json:"vector"`
}

// IndexState is the lifecycle state of the similarity index.
type IndexState string

const (
	StateUninitialized IndexState = "uninitialized"
	StateLoading       IndexState = "loading"
	StateReady         IndexState = "ready"
	StateFailed        IndexState = "failed"
)

// IndexStatus is a point-in-time view of the similarity index.
type IndexStatus struct {
	State          IndexState `json:"state"`
	RecordCount    int        `json:"record_count"`
	RejectedCount  int        `json:"rejected_count"`
	SourceCount    int        `json:"source_count"`
	Dimensions     int        `json:"dimensions"`
	LastSyncTime   time.Time  `json:"last_sync_time"`
	LastSyncID     string     `json:"last_sync_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	SyncInProgress bool       `json:"sync_in_progress"`
}
