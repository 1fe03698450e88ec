package config

// DefaultMaxUploadBytes caps image uploads when server.max_upload_bytes is unset.
const DefaultMaxUploadBytes = 10 << 20

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/mirip/data/catalog.db"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "product"
	}
	if cfg.Storage.IDColumn == "" {
		cfg.Storage.IDColumn = "id"
	}
	if cfg.Storage.EmbeddingColumn == "" {
		cfg.Storage.EmbeddingColumn = "embedding"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/mirip/data/models/resnet50-maxpool.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 2048
	}
	if cfg.Embedding.InputSize == 0 {
		cfg.Embedding.InputSize = 224
	}
	if cfg.Embedding.InputName == "" {
		cfg.Embedding.InputName = "input"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "output"
	}
	if cfg.Embedding.Layout == "" {
		cfg.Embedding.Layout = "nhwc"
	}
	if cfg.Embedding.Preprocess == "" {
		cfg.Embedding.Preprocess = "caffe"
	}
	if cfg.Embedding.Workers == 0 {
		cfg.Embedding.Workers = 1
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.MaxImagePixels == 0 {
		cfg.Embedding.MaxImagePixels = 40_000_000
	}
	if cfg.Index.PageSize == 0 {
		cfg.Index.PageSize = 1000
	}
	if cfg.Index.NormTolerance == 0 {
		cfg.Index.NormTolerance = 1e-4
	}
	if cfg.Index.WatchDebounceMS == 0 {
		cfg.Index.WatchDebounceMS = 2000
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.ItemDefaultLimit == 0 {
		cfg.Search.ItemDefaultLimit = 6
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
}
