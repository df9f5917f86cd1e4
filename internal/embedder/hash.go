package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/ajitpratap0/phenom-core/pkg/tokenizer"
)

// HashEmbedder is a deterministic offline embedder: each lower-cased token is hashed into
// one of Dimension buckets and the resulting bag-of-words vector is L2-normalized.
// Texts sharing words score closer than texts that do not.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder returns a HashEmbedder. Non-positive dimension defaults to 256.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)
	for _, tok := range tokenizer.Words(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[int(f.Sum32()%uint32(h.dimension))]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// chromem rejects zero vectors; a constant direction keeps empty text searchable.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}
