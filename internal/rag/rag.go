// Package rag layers best-effort retrieval augmentation over the orchestrator.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/retrieval"
	"github.com/ajitpratap0/phenom-core/pkg/tokenizer"
)

const (
	promptTemplate = "Use the following context to answer the question. If the context doesn't contain relevant information, use your general knowledge.\n\nContext:\n%s\n\nQuestion: %s\n\nAnswer:"

	chatContextPrefix = "Use this context in your responses:\n\n"

	defaultTopK = 3
)

// Generator is the plain generation path rag falls back to.
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest) (string, error)
	Chat(ctx context.Context, req models.GenerationRequest) (string, error)
}

// Pipeline augments prompts with retrieved context. Retrieval failures degrade to
// plain generation and are never returned.
type Pipeline struct {
	gen       Generator
	store     *retrieval.Store
	assembler retrieval.ContextAssembler
	topK      int
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(gen Generator, store *retrieval.Store, cfg config.RetrievalConfig, logger *slog.Logger) *Pipeline {
	topK := cfg.TopK
	if topK < 1 {
		topK = defaultTopK
	}
	maxChars := cfg.MaxContextChars
	if maxChars < 1 {
		maxChars = config.DefaultMaxContextChars
	}
	return &Pipeline{
		gen:       gen,
		store:     store,
		assembler: retrieval.ContextAssembler{MaxChars: maxChars},
		topK:      topK,
		logger:    logger.With("component", "rag"),
	}
}

// Generate retrieves context for req.Prompt and answers the augmented prompt, or the
// plain prompt when no context was found.
func (p *Pipeline) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	if err := req.ValidateGenerate(); err != nil {
		return "", err
	}
	block := p.context(ctx, req.Prompt)
	if block == "" {
		return p.gen.Generate(ctx, req)
	}
	augmented := req
	augmented.Query = req.UserText()
	augmented.Prompt = fmt.Sprintf(promptTemplate, block, req.Prompt)
	return p.gen.Generate(ctx, augmented)
}

// Chat retrieves context for the last user turn and prepends it as a system turn.
// Without a user turn or context it is plain chat.
func (p *Pipeline) Chat(ctx context.Context, req models.GenerationRequest) (string, error) {
	if err := req.ValidateChat(); err != nil {
		return "", err
	}
	query, ok := req.LastUserTurn()
	if !ok {
		return p.gen.Chat(ctx, req)
	}
	block := p.context(ctx, query)
	if block == "" {
		return p.gen.Chat(ctx, req)
	}
	augmented := req
	augmented.History = make([]models.Turn, 0, len(req.History)+1)
	augmented.History = append(augmented.History, models.Turn{Role: models.RoleSystem, Content: chatContextPrefix + block})
	augmented.History = append(augmented.History, req.History...)
	return p.gen.Chat(ctx, augmented)
}

func (p *Pipeline) context(ctx context.Context, query string) string {
	hits, err := p.store.Search(ctx, query, p.topK)
	if err != nil {
		p.logger.Warn("retrieval failed, answering without context", "error", err)
		return ""
	}
	block, n := p.assembler.Assemble(hits)
	p.logger.Debug("context assembled", "hits", len(hits), "used", n, "chars", len(block),
		"est_tokens", tokenizer.EstimateTokens(block))
	return block
}

// AddKnowledge stores one document.
func (p *Pipeline) AddKnowledge(ctx context.Context, text string, metadata map[string]any) (string, error) {
	return p.store.Add(ctx, text, metadata)
}

// AddKnowledgeBulk stores documents and returns how many succeeded.
func (p *Pipeline) AddKnowledgeBulk(ctx context.Context, texts []string, metadatas []map[string]any) int {
	return p.store.AddBulk(ctx, texts, metadatas)
}

// Search returns up to k hits; k < 1 uses the configured top_k.
func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]models.SearchHit, error) {
	if k < 1 {
		k = p.topK
	}
	return p.store.Search(ctx, query, k)
}

// Clear removes every stored document.
func (p *Pipeline) Clear(ctx context.Context) error {
	return p.store.Clear(ctx)
}

// Stats reports the retrieval index contents.
func (p *Pipeline) Stats() models.RetrievalStats {
	return p.store.Stats()
}
