package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/embedder"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/retrieval"
	"github.com/ajitpratap0/phenom-core/pkg/tokenizer"
)

type recordingGenerator struct {
	mu   sync.Mutex
	gens []models.GenerationRequest
	chat []models.GenerationRequest
}

func (r *recordingGenerator) Generate(_ context.Context, req models.GenerationRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens = append(r.gens, req)
	return "answer", nil
}

func (r *recordingGenerator) Chat(_ context.Context, req models.GenerationRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, req)
	return "chat answer", nil
}

// brokenEmbedder fails every query.
type brokenEmbedder struct{ embedder.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func newPipeline(t *testing.T, cfg config.RetrievalConfig) (*Pipeline, *recordingGenerator, *retrieval.Store) {
	t.Helper()
	store := retrieval.NewStore(retrieval.NewMemoryIndex(), embedder.NewHashEmbedder(1024), "documents", slog.Default())
	gen := &recordingGenerator{}
	return New(gen, store, cfg, slog.Default()), gen, store
}

func TestGenerate_AugmentsPrompt(t *testing.T) {
	p, gen, _ := newPipeline(t, config.RetrievalConfig{TopK: 3, MaxContextChars: 2000})
	ctx := context.Background()
	_, err := p.AddKnowledge(ctx, "Paris is the capital of France", nil)
	require.NoError(t, err)

	out, err := p.Generate(ctx, models.GenerationRequest{Prompt: "capital of France"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	require.Len(t, gen.gens, 1)
	want := "Use the following context to answer the question. If the context doesn't contain relevant information, use your general knowledge.\n\n" +
		"Context:\nParis is the capital of France\n\nQuestion: capital of France\n\nAnswer:"
	assert.Equal(t, want, gen.gens[0].Prompt)
	assert.Equal(t, "capital of France", gen.gens[0].UserText())
}

func TestGenerate_LogsContextTokenEstimate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := retrieval.NewStore(retrieval.NewMemoryIndex(), embedder.NewHashEmbedder(1024), "documents", logger)
	p := New(&recordingGenerator{}, store, config.RetrievalConfig{TopK: 3, MaxContextChars: 2000}, logger)
	ctx := context.Background()
	doc := "Paris is the capital of France"
	_, err := p.AddKnowledge(ctx, doc, nil)
	require.NoError(t, err)

	_, err = p.Generate(ctx, models.GenerationRequest{Prompt: "capital of France"})
	require.NoError(t, err)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		require.NoError(t, json.Unmarshal(line, &e))
		if e["msg"] == "context assembled" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.EqualValues(t, tokenizer.EstimateTokens(doc), entry["est_tokens"])
	assert.EqualValues(t, len(doc), entry["chars"])
}

func TestGenerate_EmptyStoreFallsBackToPlain(t *testing.T) {
	p, gen, _ := newPipeline(t, config.RetrievalConfig{TopK: 3, MaxContextChars: 2000})

	_, err := p.Generate(context.Background(), models.GenerationRequest{Prompt: "hello"})
	require.NoError(t, err)
	require.Len(t, gen.gens, 1)
	assert.Equal(t, "hello", gen.gens[0].Prompt)
}

func TestGenerate_OverBudgetContextFallsBackToPlain(t *testing.T) {
	p, gen, _ := newPipeline(t, config.RetrievalConfig{TopK: 3, MaxContextChars: 5})
	ctx := context.Background()
	_, err := p.AddKnowledge(ctx, "a document longer than five characters", nil)
	require.NoError(t, err)

	_, _ = p.Generate(ctx, models.GenerationRequest{Prompt: "document"})
	require.Len(t, gen.gens, 1)
	assert.Equal(t, "document", gen.gens[0].Prompt)
}

func TestGenerate_RetrievalFailureDegrades(t *testing.T) {
	hash := embedder.NewHashEmbedder(64)
	index := retrieval.NewMemoryIndex()
	good := retrieval.NewStore(index, hash, "documents", slog.Default())
	_, err := good.Add(context.Background(), "some text", nil)
	require.NoError(t, err)

	broken := retrieval.NewStore(index, brokenEmbedder{hash}, "documents", slog.Default())
	gen := &recordingGenerator{}
	p := New(gen, broken, config.RetrievalConfig{}, slog.Default())

	out, err := p.Generate(context.Background(), models.GenerationRequest{Prompt: "some text"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, "some text", gen.gens[0].Prompt)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	p, _, _ := newPipeline(t, config.RetrievalConfig{})
	_, err := p.Generate(context.Background(), models.GenerationRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = p.Chat(context.Background(), models.GenerationRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestChat_PrependsContextTurn(t *testing.T) {
	p, gen, _ := newPipeline(t, config.RetrievalConfig{TopK: 3, MaxContextChars: 2000})
	ctx := context.Background()
	_, err := p.AddKnowledge(ctx, "The office opens at nine", nil)
	require.NoError(t, err)

	history := []models.Turn{
		{Role: models.RoleUser, Content: "when does the office open"},
		{Role: models.RoleAssistant, Content: "let me check"},
	}
	out, err := p.Chat(ctx, models.GenerationRequest{History: history})
	require.NoError(t, err)
	assert.Equal(t, "chat answer", out)

	require.Len(t, gen.chat, 1)
	got := gen.chat[0].History
	require.Len(t, got, 3)
	assert.Equal(t, models.Turn{Role: models.RoleSystem, Content: "Use this context in your responses:\n\nThe office opens at nine"}, got[0])
	assert.Equal(t, history, got[1:])
	assert.Len(t, history, 2, "caller history untouched")
}

func TestChat_NoUserTurnIsPlain(t *testing.T) {
	p, gen, _ := newPipeline(t, config.RetrievalConfig{})
	_, err := p.AddKnowledge(context.Background(), "hello", nil)
	require.NoError(t, err)

	history := []models.Turn{{Role: models.RoleAssistant, Content: "hello"}}
	_, _ = p.Chat(context.Background(), models.GenerationRequest{History: history})
	require.Len(t, gen.chat, 1)
	assert.Equal(t, history, gen.chat[0].History)
}

func TestKnowledgeOperations(t *testing.T) {
	p, _, _ := newPipeline(t, config.RetrievalConfig{TopK: 2})
	ctx := context.Background()

	n := p.AddKnowledgeBulk(ctx, []string{"alpha one", "beta two", "", "gamma three"}, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.Stats().DocumentCount)

	hits, err := p.Search(ctx, "beta", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.True(t, strings.Contains(hits[0].Document.Text, "beta"))

	require.NoError(t, p.Clear(ctx))
	assert.Zero(t, p.Stats().DocumentCount)
}
