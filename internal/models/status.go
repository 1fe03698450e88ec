package models

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Index             IndexStatus  `json:"index"`
	Config            StatusConfig `json:"config"`
	DatabaseSizeBytes *int64       `json:"database_size_bytes,omitempty"`
}

// StatusConfig summarizes the settings the index runs with.
type StatusConfig struct {
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	DatabasePath        string `json:"database_path,omitempty"`
	ModelPath           string `json:"model_path,omitempty"`
	PageSize            int    `json:"page_size"`
	ParallelThreshold   int    `json:"parallel_threshold"`
	WatchStore          bool   `json:"watch_store"`
}
