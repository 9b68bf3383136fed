package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; questions cannot be answered")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; retrieval falls back to lexical search only")
	}

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: postgres, sqlite", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == BackendPostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must be positive", cfg.Storage.EmbeddingDimensions))
	}

	// RAG tuning
	if cfg.RAG.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size %d must be positive", cfg.RAG.ChunkSize))
	}
	if overlap := cfg.RAG.ChunkOverlap; overlap != nil {
		if *overlap < 0 {
			errs = append(errs, fmt.Errorf("rag.chunk_overlap %d must not be negative", *overlap))
		}
		if cfg.RAG.ChunkSize > 0 && *overlap >= cfg.RAG.ChunkSize {
			errs = append(errs, fmt.Errorf("rag.chunk_overlap %d must be smaller than rag.chunk_size %d", *overlap, cfg.RAG.ChunkSize))
		}
	}
	if alpha := cfg.RAG.HybridAlpha; alpha != nil && (*alpha < 0 || *alpha > 1) {
		errs = append(errs, fmt.Errorf("rag.hybrid_alpha %.2f is out of range [0, 1]", *alpha))
	}
	if cfg.RAG.CandidateMultiplier < 1 {
		errs = append(errs, fmt.Errorf("rag.candidate_multiplier %d must be at least 1", cfg.RAG.CandidateMultiplier))
	}
	if cfg.RAG.RetrievalK < 1 {
		errs = append(errs, fmt.Errorf("rag.retrieval_k %d must be at least 1", cfg.RAG.RetrievalK))
	}
	if cfg.RAG.MaxContextChunks < 1 {
		errs = append(errs, fmt.Errorf("rag.max_context_chunks %d must be at least 1", cfg.RAG.MaxContextChunks))
	}
	if cfg.RAG.MaxContextChars < 1 {
		errs = append(errs, fmt.Errorf("rag.max_context_chars %d must be at least 1", cfg.RAG.MaxContextChars))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
