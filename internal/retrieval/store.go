// Package retrieval maintains the embedded document index used for prompt augmentation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/embedder"
	"github.com/ajitpratap0/phenom-core/internal/metrics"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

// ErrRetrieval wraps every index or embedding failure.
var ErrRetrieval = errors.New("retrieval failure")

// ErrDisabled is returned by Add when the store is disabled.
var ErrDisabled = errors.New("retrieval disabled")

// Index holds embedded documents and answers nearest-neighbour queries.
type Index interface {
	// Add stores a document. The document's Embedding must be set.
	Add(ctx context.Context, doc models.Document) error

	// Query returns at most k hits ordered by ascending distance.
	Query(ctx context.Context, vector []float32, k int) ([]models.SearchHit, error)

	// Count returns the number of stored documents.
	Count() int

	// Reset removes every document.
	Reset(ctx context.Context) error

	// Name identifies the index implementation.
	Name() string

	// Close releases resources.
	Close() error
}

// Store embeds text and delegates to an Index. A Store built with Disabled
// accepts nothing and returns no hits.
type Store struct {
	index      Index
	emb        embedder.Embedder
	collection string
	workers    int
	logger     *slog.Logger
}

// NewStore creates an enabled store.
func NewStore(index Index, emb embedder.Embedder, collection string, logger *slog.Logger) *Store {
	return &Store{
		index:      index,
		emb:        emb,
		collection: collection,
		workers:    4,
		logger:     logger.With("component", "retrieval"),
	}
}

// Disabled returns a store that is permanently empty.
func Disabled(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "retrieval")}
}

// Open builds the store described by cfg. A disabled config yields Disabled.
func Open(cfg config.RetrievalConfig, emb embedder.Embedder, logger *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return Disabled(logger), nil
	}
	var index Index
	switch cfg.Provider {
	case "memory":
		index = NewMemoryIndex()
	case "chromem":
		ci, err := NewChromemIndex(cfg.Path, cfg.Collection, emb, logger)
		if err != nil {
			return nil, err
		}
		index = ci
	default:
		return nil, fmt.Errorf("unknown retrieval provider %q", cfg.Provider)
	}
	return NewStore(index, emb, cfg.Collection, logger), nil
}

// Enabled reports whether the store has an index.
func (s *Store) Enabled() bool {
	return s != nil && s.index != nil
}

// Add embeds text and stores it, returning the new document id.
// The metadata map is copied and stamped with added_at.
func (s *Store) Add(ctx context.Context, text string, metadata map[string]any) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty document", models.ErrInvalidRequest)
	}

	vec, err := s.emb.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: embedding document: %v", ErrRetrieval, err)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["added_at"] = time.Now().UTC().Format(time.RFC3339)

	doc := models.Document{
		ID:        "doc_" + uuid.New().String(),
		Text:      text,
		Metadata:  meta,
		Embedding: vec,
	}
	if err := s.index.Add(ctx, doc); err != nil {
		return "", fmt.Errorf("%w: adding document: %v", ErrRetrieval, err)
	}
	metrics.DocumentsAdded.Inc()
	return doc.ID, nil
}

// AddBulk adds texts concurrently and returns how many succeeded. Individual failures are
// logged and do not roll back the others. metadatas may be shorter than texts or nil.
func (s *Store) AddBulk(ctx context.Context, texts []string, metadatas []map[string]any) int {
	if !s.Enabled() {
		return 0
	}
	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, text := range texts {
		var meta map[string]any
		if i < len(metadatas) {
			meta = metadatas[i]
		}
		g.Go(func() error {
			if _, err := s.Add(gctx, text, meta); err != nil {
				s.logger.Warn("bulk add: document skipped", "index", i, "error", err)
				return nil
			}
			added.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(added.Load())
}

// Search returns up to k hits for query, nearest first. A disabled or empty store yields
// no hits and no error; index or embedding failures wrap ErrRetrieval.
func (s *Store) Search(ctx context.Context, query string, k int) ([]models.SearchHit, error) {
	if !s.Enabled() || k <= 0 || s.index.Count() == 0 {
		metrics.RetrievalSearches.WithLabelValues(metrics.OutcomeEmpty).Inc()
		return nil, nil
	}
	vec, err := s.emb.Embed(ctx, query)
	if err != nil {
		metrics.RetrievalSearches.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("%w: embedding query: %v", ErrRetrieval, err)
	}
	hits, err := s.index.Query(ctx, vec, k)
	if err != nil {
		metrics.RetrievalSearches.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("%w: querying index: %v", ErrRetrieval, err)
	}
	metrics.RetrievalSearches.WithLabelValues(metrics.OutcomeOK).Inc()
	return hits, nil
}

// Clear wipes the entire index.
func (s *Store) Clear(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.index.Reset(ctx); err != nil {
		return fmt.Errorf("%w: clearing index: %v", ErrRetrieval, err)
	}
	s.logger.Info("retrieval index cleared", "collection", s.collection)
	return nil
}

// Stats reports what the index holds.
func (s *Store) Stats() models.RetrievalStats {
	if !s.Enabled() {
		return models.RetrievalStats{Enabled: false}
	}
	return models.RetrievalStats{
		Enabled:       true,
		Provider:      s.index.Name(),
		Collection:    s.collection,
		DocumentCount: s.index.Count(),
	}
}

// Close releases the index.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.index.Close()
}
