// Package app assembles the pipeline from configuration. Every client is built
// here and passed down explicitly.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"docpipeline/internal/config"
	"docpipeline/internal/handlers"
	apihttp "docpipeline/internal/http"
	"docpipeline/internal/indexer"
	"docpipeline/internal/ingest"
	"docpipeline/internal/llm"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/outbox"
	"docpipeline/internal/parser"
	"docpipeline/internal/reconcile"
	"docpipeline/internal/schedule"
	"docpipeline/internal/service"
	"docpipeline/internal/storage"
	"docpipeline/internal/vectorstore"
	"docpipeline/internal/worker"
)

// App holds the assembled components. Close releases them in reverse order.
type App struct {
	Config *config.Config

	DB      *sql.DB
	Store   *storage.Store
	Objects *objectstore.BadgerStore
	Vectors vectorstore.VectorStore
	Indexer *indexer.VectorIndexer

	Runner     *worker.Runner
	Dispatcher *outbox.Dispatcher
	Cleaner    *outbox.Cleaner
	Reconciler *reconcile.Reconciler
	Documents  service.DocumentService

	closers []func() error
	loops   []*schedule.Loop
}

// Options narrows what Build constructs.
type Options struct {
	// StorageOnly skips the embedding provider, worker pool and dispatcher.
	// The CLI uses it for commands that only touch the stores.
	StorageOnly bool
}

// Build opens every store and wires the pipeline. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := slog.Default()
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.DB, err = storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := storage.Migrate(a.DB); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.Store = storage.NewStore(a.DB)
	logger.InfoContext(ctx, "Database initialized", "path", cfg.DBPath)

	a.Objects, err = objectstore.OpenBadgerStore(cfg.ObjectStorePath, false, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Objects.Close)
	logger.InfoContext(ctx, "Object store initialized", "path", cfg.ObjectStorePath)

	if err := a.openVectorStore(ctx); err != nil {
		return nil, err
	}
	a.Indexer = indexer.NewVectorIndexer(a.Vectors, cfg.QdrantCollectionPrefix, cfg.VectorSize, cfg.IndexMaxRetries)

	a.Reconciler = reconcile.New(a.Store, a.Indexer, a.Objects, reconcile.Config{
		Interval:          cfg.ReconcileInterval,
		ProcessingTimeout: cfg.ProcessingTimeout,
		MaxRetries:        cfg.ProcessingMaxRetries,
	})
	a.Cleaner = outbox.NewCleaner(a.Store.Outbox, cfg.OutboxRetention, cfg.OutboxCleanupInterval)
	a.Documents = service.NewDocumentService(a.Store, a.Objects)

	if opts.StorageOnly {
		return a, nil
	}

	processor, err := a.buildProcessor(ctx)
	if err != nil {
		return nil, err
	}

	a.Runner, err = worker.NewRunner(cfg.WorkerPoolSize, cfg.ProcessingTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	a.Dispatcher = outbox.NewDispatcher(a.Store.Outbox, outbox.Config{
		BatchSize:    cfg.OutboxBatchSize,
		Lease:        cfg.OutboxLease,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		PollInterval: cfg.OutboxPollInterval,
	})
	ingest.NewHandlers(a.Store, a.Objects, a.Indexer, processor, a.Runner).Register(a.Dispatcher)

	logger.InfoContext(ctx, "Pipeline assembled",
		"workers", cfg.WorkerPoolSize,
		"embedding_provider", cfg.EmbeddingProvider,
		"vector_backend", cfg.VectorBackend,
	)
	return a, nil
}

func (a *App) openVectorStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.VectorBackend {
	case "memory":
		a.Vectors = vectorstore.NewMemoryStore()
		slog.WarnContext(ctx, "Using in-memory vector store, vectors are lost on restart")
	default:
		qs, err := vectorstore.NewQdrantStore(cfg.QdrantURL)
		if err != nil {
			return fmt.Errorf("failed to create Qdrant client: %w", err)
		}
		a.closers = append(a.closers, qs.Close)
		a.Vectors = qs
		slog.InfoContext(ctx, "Qdrant client ready", "url", cfg.QdrantURL, "collection_prefix", cfg.QdrantCollectionPrefix)
	}
	return nil
}

func (a *App) buildProcessor(ctx context.Context) (*ingest.Processor, error) {
	cfg := a.Config

	var embedder llm.Embedder
	switch cfg.EmbeddingProvider {
	case "langchain":
		lc, err := llm.NewLangchainEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.EmbeddingRateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		embedder = lc
	default:
		embedder = llm.NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.EmbeddingRateLimit)
	}

	// Fail fast when the provider is unreachable or returns the wrong size.
	probe, err := embedder.EmbedTexts(ctx, []string{"test"})
	if err != nil {
		return nil, fmt.Errorf("failed to validate embedding provider: %w", err)
	}
	if len(probe) == 0 || len(probe[0]) != cfg.VectorSize {
		got := 0
		if len(probe) > 0 {
			got = len(probe[0])
		}
		return nil, fmt.Errorf("embedding vector size mismatch: expected %d, got %d", cfg.VectorSize, got)
	}
	slog.InfoContext(ctx, "Embedding provider validated", "provider", cfg.EmbeddingProvider, "vector_size", cfg.VectorSize)

	counter, err := indexer.NewTiktokenCounter(cfg.TokenizerEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	chunker, err := indexer.NewChunker(counter, cfg.ChunkSizeTokens, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	generator := indexer.NewEmbeddingGenerator(embedder, counter, indexer.EmbeddingConfig{
		BatchSize:  cfg.EmbeddingBatchSize,
		MaxRetries: cfg.EmbeddingMaxRetries,
		BaseDelay:  cfg.EmbeddingRetryBaseDelay,
		MaxTokens:  cfg.EmbeddingMaxTokens,
		Dimensions: cfg.VectorSize,
	})

	return ingest.NewProcessor(a.Store, a.Objects, parser.NewRegistry(), chunker, generator, a.Indexer, cfg.ProcessingMaxRetries), nil
}

// Router builds the admin API handler.
func (a *App) Router() http.Handler {
	return apihttp.NewRouter(a.routerDeps())
}

func (a *App) routerDeps() *apihttp.Deps {
	return &apihttp.Deps{
		Documents:      a.Documents,
		Health:         handlers.NewHealthHandler(a.DB, a.Vectors, a.Objects, a.Indexer.CollectionName("health")),
		Reconciler:     a.Reconciler,
		Outbox:         a.Store.Outbox,
		RequestTimeout: a.Config.APIRequestTimeout,
	}
}

// StartBackground starts the dispatcher, cleaner and reconciler loops. Each
// runs on its own schedule.
func (a *App) StartBackground(ctx context.Context) {
	if a.Dispatcher != nil {
		a.loops = append(a.loops, a.Dispatcher.Loop())
	}
	a.loops = append(a.loops, a.Cleaner.Loop(), a.Reconciler.Loop())
	for _, l := range a.loops {
		l.Start(ctx)
	}
}

// Close stops the loops, waits for in-flight tasks and closes every store.
func (a *App) Close(ctx context.Context) error {
	for _, l := range a.loops {
		l.Stop()
	}
	a.loops = nil

	var errs []error
	if a.Runner != nil {
		if err := a.Runner.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain worker pool: %w", err))
		}
		a.Runner = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
