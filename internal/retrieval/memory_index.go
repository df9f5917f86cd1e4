package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

// MemoryIndex is an in-process cosine index. Distance is 1 - cosine similarity;
// equal distances keep insertion order.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []models.Document
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Name() string { return "memory" }

func (m *MemoryIndex) Add(_ context.Context, doc models.Document) error {
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding", doc.ID)
	}
	doc.Metadata = copyMeta(doc.Metadata)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, vector []float32, k int) ([]models.SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]models.SearchHit, 0, len(m.docs))
	for _, d := range m.docs {
		if len(d.Embedding) != len(vector) {
			return nil, fmt.Errorf("dimension mismatch: query %d, document %d", len(vector), len(d.Embedding))
		}
		doc := d
		doc.Metadata = copyMeta(d.Metadata)
		hits = append(hits, models.SearchHit{Document: doc, Distance: 1 - cosineSimilarity(vector, d.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = nil
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

func copyMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
