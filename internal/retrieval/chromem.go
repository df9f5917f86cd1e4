package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ajitpratap0/phenom-core/internal/embedder"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

// ChromemIndex stores documents in a persistent chromem-go collection.
type ChromemIndex struct {
	db     *chromem.DB
	name   string
	embed  chromem.EmbeddingFunc
	mu     sync.RWMutex
	col    *chromem.Collection
	logger *slog.Logger
}

// NewChromemIndex opens (or creates) the collection under path. An empty path keeps
// the index in memory only.
func NewChromemIndex(path, collection string, emb embedder.Embedder, logger *slog.Logger) (*ChromemIndex, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating vector db dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	idx := &ChromemIndex{
		db:     db,
		name:   collection,
		embed:  func(ctx context.Context, text string) ([]float32, error) { return emb.Embed(ctx, text) },
		logger: logger,
	}
	col, err := idx.openCollection()
	if err != nil {
		return nil, err
	}
	idx.col = col
	logger.Info("chromem collection ready", "collection", collection, "documents", col.Count())
	return idx, nil
}

func (c *ChromemIndex) openCollection() (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(c.name, map[string]string{
		"description": "Document embeddings for semantic search",
	}, c.embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", c.name, err)
	}
	return col, nil
}

func (c *ChromemIndex) Name() string { return "chromem" }

func (c *ChromemIndex) collection() *chromem.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col
}

func (c *ChromemIndex) Add(ctx context.Context, doc models.Document) error {
	meta, err := encodeMeta(doc.Metadata)
	if err != nil {
		return err
	}
	return c.collection().AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Embedding: doc.Embedding,
		Metadata:  meta,
	})
}

// Query clamps k to the collection size; chromem rejects larger result counts.
func (c *ChromemIndex) Query(ctx context.Context, vector []float32, k int) ([]models.SearchHit, error) {
	col := c.collection()
	n := min(k, col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, models.SearchHit{
			Document: models.Document{
				ID:       r.ID,
				Text:     r.Content,
				Metadata: decodeMeta(r.Metadata),
			},
			Distance: 1 - float64(r.Similarity),
		})
	}
	return hits, nil
}

func (c *ChromemIndex) Count() int {
	return c.collection().Count()
}

// Reset drops and recreates the collection.
func (c *ChromemIndex) Reset(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", c.name, err)
	}
	col, err := c.openCollection()
	if err != nil {
		return err
	}
	c.col = col
	return nil
}

// Close is a no-op: the persistent DB writes each document as it is added.
func (c *ChromemIndex) Close() error { return nil }

// encodeMeta flattens metadata to strings; non-string values are JSON encoded.
func encodeMeta(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

func decodeMeta(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
