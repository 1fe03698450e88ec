// Package main is the mirip CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/cli"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/extract"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/server"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/internal/watcher"
	"github.com/hyperjump/mirip/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/mirip/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A missing default config yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "similar":
		runSimilar()
	case "resync":
		runResync()
	case "status":
		runStatus()
	case "init-config":
		runInitConfig()
	case "version", "--version", "-v":
		fmt.Printf("mirip version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (sync pages, rejected rows, extraction timings)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Serve 503 until the first snapshot is published instead of blocking startup.
	go func() {
		state, err := components.Index.Initialize(ctx)
		if err != nil {
			logger.Error("initial index build failed; retry with resync", zap.String("state", string(state)), zap.Error(err))
			return
		}
		logger.Info("index ready", zap.Int("records", components.Index.Status().RecordCount))
	}()

	if cfg.Index.WatchStore {
		watchSvc := watcher.NewWatcher(
			cfg.Storage.DatabasePath,
			func() { components.Index.Resync() },
			watcher.WithDebounce(cfg.Index.WatchDebounce()),
			watcher.WithLogger(logger),
		)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start store watcher", zap.Error(err))
		}
		defer watchSvc.Stop()
	}
	if interval := cfg.Index.ResyncInterval(); interval > 0 {
		go resyncEvery(ctx, components.Index, interval, logger)
	}

	srv := server.NewServer(components.Engine, components.Index, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// resyncEvery triggers a resync on every tick until ctx is done.
func resyncEvery(ctx context.Context, idx *vector.Index, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("periodic resync")
			idx.Resync()
		}
	}
}

// argsReorder moves any flags (and their values) that appear after the positional
// argument to the front so that flag.Parse() sees them. Go's flag package stops at
// the first non-flag argument, so "mirip similar 42 -k 5" would otherwise leave -k unparsed.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// queryFlags are shared by search and similar.
type queryFlags struct {
	configPath *string
	serverURL  *string
	k          *int
	output     *string
}

func newQueryFlags(fs *flag.FlagSet) queryFlags {
	return queryFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path (for direct mode)"),
		serverURL:  fs.String("server", defaultServerURL, "server URL (empty = load the index in-process)"),
		k:          fs.Int("k", 0, "number of results (0 = server default)"),
		output:     fs.String("output", "text", "output format: text, compact, or json"),
	}
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	qf := newQueryFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mirip search [flags] <image-file>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	format := mustFormat(*qf.output)
	path := fs.Arg(0)
	image, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	var resp *models.SimilarResponse
	if *qf.serverURL != "" {
		resp, err = cli.NewClient(*qf.serverURL).SearchImage(context.Background(), path, image, *qf.k)
	} else {
		err = withLocalComponents(*qf.configPath, func(ctx context.Context, cfg *config.Config, c *Components) error {
			k, kerr := models.ClampK(*qf.k, cfg.Search.DefaultLimit, cfg.Search.MaxLimit)
			if kerr != nil {
				return kerr
			}
			var qerr error
			resp, qerr = c.Engine.QueryByImage(ctx, image, k)
			return qerr
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	writeResults(resp, format)
}

func runSimilar() {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	qf := newQueryFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mirip similar [flags] <item-id>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	format := mustFormat(*qf.output)
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid item id %q\n", fs.Arg(0))
		os.Exit(1)
	}

	var resp *models.SimilarResponse
	if *qf.serverURL != "" {
		resp, err = cli.NewClient(*qf.serverURL).SimilarItems(context.Background(), id, *qf.k)
	} else {
		err = withLocalComponents(*qf.configPath, func(ctx context.Context, cfg *config.Config, c *Components) error {
			k, kerr := models.ClampK(*qf.k, cfg.Search.ItemDefaultLimit, cfg.Search.MaxLimit)
			if kerr != nil {
				return kerr
			}
			var qerr error
			resp, qerr = c.Engine.QueryByItem(ctx, id, k)
			return qerr
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Similar failed: %v\n", err)
		os.Exit(1)
	}
	writeResults(resp, format)
}

func runResync() {
	fs := flag.NewFlagSet("resync", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[2:])

	status, err := cli.NewClient(*serverURL).Resync(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("resync started (state: %s, %d records in current snapshot)\n", status.State, status.RecordCount)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the index in-process)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := mustFormat(*outputFormat)

	var (
		status *models.StatusResponse
		err    error
	)
	if *serverURL != "" {
		status, err = cli.NewClient(*serverURL).Status(context.Background())
	} else {
		err = withLocalComponents(*configPath, func(ctx context.Context, cfg *config.Config, c *Components) error {
			status = localStatus(cfg, c.Index)
			return nil
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func localStatus(cfg *config.Config, idx *vector.Index) *models.StatusResponse {
	status := &models.StatusResponse{
		Index: idx.Status(),
		Config: models.StatusConfig{
			EmbeddingDimensions: cfg.Embedding.Dimensions,
			DatabasePath:        cfg.Storage.DatabasePath,
			ModelPath:           cfg.Embedding.ModelPath,
			PageSize:            cfg.Index.PageSize,
			ParallelThreshold:   cfg.Index.ParallelThresholdOrDefault(),
			WatchStore:          cfg.Index.WatchStore,
		},
	}
	if size, err := storage.DatabaseSizeBytes(cfg.Storage.DatabasePath); err == nil {
		status.DatabaseSizeBytes = &size
	}
	return status
}

func runInitConfig() {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("config", "config.yaml", "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])

	if err := writeDefaultConfig(*path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "init-config failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *path)
}

// writeDefaultConfig saves the built-in defaults to path, refusing to overwrite unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return config.Save(path, cfg)
}

func mustFormat(s string) cli.OutputFormat {
	format, err := cli.ParseFormat(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return format
}

func writeResults(resp *models.SimilarResponse, format cli.OutputFormat) {
	if err := cli.WriteSimilarResults(os.Stdout, resp, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// withLocalComponents loads config, builds the index in-process and runs fn.
func withLocalComponents(configPath string, fn func(ctx context.Context, cfg *config.Config, c *Components) error) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	ctx := context.Background()
	if _, err := components.Index.Initialize(ctx); err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	return fn(ctx, cfg, components)
}

// Components holds the wired dependencies.
type Components struct {
	Store     *storage.SQLiteStore
	Extractor extract.Extractor
	Index     *vector.Index
	Engine    *search.Engine
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Extractor != nil {
		_ = c.Extractor.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath, storage.Schema{
		Table:           cfg.Storage.Table,
		IDColumn:        cfg.Storage.IDColumn,
		EmbeddingColumn: cfg.Storage.EmbeddingColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	ext, err := newExtractor(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize feature extractor: %w", err)
	}
	if ext.Dimensions() != cfg.Embedding.Dimensions {
		_ = ext.Close()
		_ = store.Close()
		return nil, fmt.Errorf("extractor produces %d dimensions, config expects %d", ext.Dimensions(), cfg.Embedding.Dimensions)
	}

	idx, err := vector.NewIndex(store, cfg.Embedding.Dimensions,
		vector.WithPageSize(cfg.Index.PageSize),
		vector.WithNormTolerance(cfg.Index.NormTolerance),
		vector.WithParallelThreshold(cfg.Index.ParallelThresholdOrDefault()),
		vector.WithLogger(logger),
	)
	if err != nil {
		_ = ext.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	engine := search.NewEngine(idx, ext, store, &cfg.Search,
		search.WithLogger(logger),
		search.WithNormTolerance(cfg.Index.NormTolerance),
	)
	return &Components{
		Store:     store,
		Extractor: ext,
		Index:     idx,
		Engine:    engine,
	}, nil
}

// newExtractor builds a pool of ONNX extractors behind an image-hash cache. When the model
// cannot be loaded it falls back to deterministic mock embeddings, which only match
// catalog vectors produced by the same mock.
func newExtractor(cfg *config.Config, logger *zap.Logger) (extract.Extractor, error) {
	opts := extract.ModelOptions{
		Dimensions: cfg.Embedding.Dimensions,
		InputSize:  cfg.Embedding.InputSize,
		InputName:  cfg.Embedding.InputName,
		OutputName: cfg.Embedding.OutputName,
		Layout:     extract.Layout(cfg.Embedding.Layout),
		Preprocess: extract.Preprocess(cfg.Embedding.Preprocess),
		MaxPixels:  cfg.Embedding.MaxImagePixels,
	}
	poolOpts := []extract.PoolOption{
		extract.WithPoolLogger(logger),
		extract.WithPoolTolerance(cfg.Index.NormTolerance),
	}
	pool, err := extract.NewPool(cfg.Embedding.Workers, func() (extract.Extractor, error) {
		e, err := extract.NewONNXExtractor(cfg.Embedding.ModelPath, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	}, poolOpts...)
	if err != nil {
		logger.Warn("ONNX extractor unavailable, using mock embeddings",
			zap.String("model_path", cfg.Embedding.ModelPath),
			zap.Error(err))
		pool, err = extract.NewPool(1, func() (extract.Extractor, error) {
			return extract.NewMockExtractor(cfg.Embedding.Dimensions), nil
		}, poolOpts...)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("feature extractor initialized",
			zap.String("model_path", cfg.Embedding.ModelPath),
			zap.Int("workers", pool.Size()))
	}
	return extract.WithCache(pool, extract.NewCache(cfg.Embedding.CacheSize)), nil
}

func printUsage() {
	fmt.Println(`mirip - visual similarity search for the product catalog

Usage:
  mirip server [flags]                 Start the HTTP server
  mirip search [flags] <image-file>    Find catalog items that look like an image
  mirip similar [flags] <item-id>      Find items similar to a catalog item
  mirip resync [flags]                 Ask the server to reload embeddings
  mirip status [flags]                 Show index status
  mirip init-config [flags]            Write a config file with the defaults
  mirip version                        Show version
  mirip help                           Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/mirip/config.yaml)
  --debug            Enable debug logging

Search/Similar Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to load the index in-process.
  --k int            Number of results (default: 10 for search, 6 for similar)
  --output string    Output format: text, compact, or json (default: text)

Status Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct mode.
  --output string    Output format: text or json (default: text)

Examples:
  mirip server
  mirip search ./photo.jpg
  mirip search --k 20 --output json ./photo.jpg
  mirip similar 1042 -k 6
  mirip resync
  mirip status --output json`)
}
