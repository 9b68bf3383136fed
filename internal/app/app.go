// Package app wires the Memovox subsystems into a running application.
//
// New creates the storage backend, the embedding and LLM providers, and the
// indexing and answering pipelines from a validated config. Close tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore, WithEmbedder,
// WithLLM). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/memovox/memovox/internal/config"
	"github.com/memovox/memovox/internal/rag"
	"github.com/memovox/memovox/pkg/memo"
	memopostgres "github.com/memovox/memovox/pkg/memo/postgres"
	memosqlite "github.com/memovox/memovox/pkg/memo/sqlite"
	"github.com/memovox/memovox/pkg/provider/embeddings"
	embedmock "github.com/memovox/memovox/pkg/provider/embeddings/mock"
	embedollama "github.com/memovox/memovox/pkg/provider/embeddings/ollama"
	embedopenai "github.com/memovox/memovox/pkg/provider/embeddings/openai"
	"github.com/memovox/memovox/pkg/provider/llm"
	"github.com/memovox/memovox/pkg/provider/llm/anyllm"
	llmmock "github.com/memovox/memovox/pkg/provider/llm/mock"
	llmopenai "github.com/memovox/memovox/pkg/provider/llm/openai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	store    memo.Store
	embedder embeddings.Provider
	llm      llm.Provider

	indexer   *rag.Indexer
	retriever *rag.Retriever
	engine    *rag.Engine

	// closers are called in reverse order during Close.
	closers []func() error

	// stopOnce guards the Close path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s memo.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEmbedder injects an embeddings provider instead of creating one from config.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithLLM injects an LLM provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// New creates an App by wiring storage, providers, and the retrieval
// pipelines together. All initialisation is synchronous; on error the
// partially constructed App is torn down before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initProviders(); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	a.indexer = rag.NewIndexer(a.store, a.embedder,
		rag.WithChunking(cfg.RAG.ChunkSize, *cfg.RAG.ChunkOverlap))
	a.retriever = rag.NewRetriever(a.store, a.store, a.store, a.embedder,
		rag.WithCandidateMultiplier(cfg.RAG.CandidateMultiplier))
	a.engine = rag.NewEngine(a.retriever, a.llm, a.store,
		rag.WithMaxContextChars(cfg.RAG.MaxContextChars))

	slog.Info("app initialised",
		"backend", cfg.Storage.Backend,
		"llm", cfg.Providers.LLM.Name,
		"embeddings", cfg.Providers.Embeddings.Name,
	)
	return a, nil
}

// initStore opens the configured storage backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dims := a.cfg.Storage.EmbeddingDimensions

	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := memopostgres.NewStore(ctx, a.cfg.Storage.PostgresDSN, dims)
		if err != nil {
			return err
		}
		a.store = store
	case config.BackendSQLite:
		store, err := memosqlite.NewStore(ctx, a.cfg.Storage.SQLitePath, dims)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unsupported storage backend %q", a.cfg.Storage.Backend)
	}

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initProviders constructs the embeddings and LLM providers unless injected.
func (a *App) initProviders() error {
	if a.embedder == nil {
		p, err := buildEmbedder(a.cfg.Providers.Embeddings, a.cfg.Storage.EmbeddingDimensions)
		if err != nil {
			return fmt.Errorf("embeddings: %w", err)
		}
		a.embedder = p
	}
	if a.llm == nil {
		p, err := buildLLM(a.cfg.Providers.LLM)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		a.llm = p
	}
	return nil
}

// buildEmbedder constructs an embeddings provider from its config entry.
func buildEmbedder(e config.ProviderEntry, dims int) (embeddings.Provider, error) {
	switch e.Name {
	case "openai":
		var opts []embedopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embedopenai.WithBaseURL(e.BaseURL))
		}
		return embedopenai.New(e.APIKey, e.Model, opts...)
	case "ollama":
		return embedollama.New(e.BaseURL, e.Model, embedollama.WithDimensions(dims))
	case "mock":
		return embedmock.New(dims), nil
	case "":
		return nil, errors.New("providers.embeddings.name is required")
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", e.Name)
	}
}

// buildLLM constructs an LLM provider from its config entry. The "openai"
// name uses the native client; every other supported name goes through the
// any-llm gateway.
func buildLLM(e config.ProviderEntry) (llm.Provider, error) {
	switch e.Name {
	case "openai":
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	case "mock":
		// Dry-run provider for wiring checks without a live backend.
		return &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: "(mock answer)", FinishReason: "stop"}},
		}, nil
	case "":
		return nil, errors.New("providers.llm.name is required")
	default:
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New(e.Name, e.Model, opts...)
	}
}

// Store exposes the storage backend for direct record access.
func (a *App) Store() memo.Store { return a.store }

// Indexer exposes the chunking and embedding pipeline.
func (a *App) Indexer() *rag.Indexer { return a.indexer }

// Engine exposes the question answering engine.
func (a *App) Engine() *rag.Engine { return a.engine }

// Ask runs a question through the answer engine with the configured
// retrieval tuning. History is loaded from the chat log for sessionID.
func (a *App) Ask(ctx context.Context, sessionID, query string, hybrid bool) (*rag.AnswerStream, error) {
	return a.engine.Ask(ctx, rag.AskRequest{
		SessionID:     sessionID,
		Query:         query,
		Hybrid:        hybrid,
		Alpha:         *a.cfg.RAG.HybridAlpha,
		RetrievalK:    a.cfg.RAG.RetrievalK,
		ContextChunks: a.cfg.RAG.MaxContextChunks,
	})
}

// Close tears down all subsystems in reverse-init order. Safe to call more
// than once.
func (a *App) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
