package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ajitpratap0/phenom-core/internal/config"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Embed returns a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vector embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int
}

// New builds the embedder named by cfg.EmbeddingProvider, wrapped in a bounded cache
// when EmbedCacheSize is positive.
func New(cfg config.RetrievalConfig, ollamaURL string, logger *slog.Logger) (Embedder, error) {
	var base Embedder
	switch cfg.EmbeddingProvider {
	case "ollama":
		url := cfg.EmbeddingBaseURL
		if url == "" {
			url = ollamaURL
		}
		base = NewOllamaEmbedder(url, cfg.EmbeddingModel, cfg.Dimension, logger)
	case "openai":
		endpoint := openAIEmbedURL
		if cfg.EmbeddingBaseURL != "" {
			endpoint = cfg.EmbeddingBaseURL + "/embeddings"
		}
		base = NewOpenAIEmbedderWithURL(endpoint, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.Dimension, logger)
	case "hash":
		base = NewHashEmbedder(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	if cfg.EmbedCacheSize <= 0 {
		return base, nil
	}
	return NewCached(base, cfg.EmbedCacheSize, logger)
}
