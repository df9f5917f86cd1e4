package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/embedder"
	phenommcp "github.com/ajitpratap0/phenom-core/internal/mcp"
	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/orchestrator"
	"github.com/ajitpratap0/phenom-core/internal/rag"
	"github.com/ajitpratap0/phenom-core/internal/retrieval"
)

// echoBackend answers "echo: <prompt>" for generate and "echo: <last turn>" for chat.
type echoBackend struct{}

func (echoBackend) Name() string { return "local" }

func (echoBackend) Generate(_ context.Context, prompt, _ string) (string, error) {
	return "echo: " + prompt, nil
}

func (echoBackend) Chat(_ context.Context, turns []models.Turn) (string, error) {
	return "echo: " + turns[len(turns)-1].Content + " (" + string(turns[0].Role) + ")", nil
}

func (echoBackend) IsAvailable(context.Context) bool { return true }

func newMCPServer(t *testing.T) (*phenommcp.Server, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mem := memory.New(context.Background(), memory.Options{MaxHistory: 10}, logger)
	orch := orchestrator.New(config.AIConfig{Mode: "local", Workers: 2}, orchestrator.Deps{Local: echoBackend{}}, logger)
	t.Cleanup(orch.Close)
	store := retrieval.NewStore(retrieval.NewMemoryIndex(), embedder.NewHashEmbedder(1024), "documents", logger)
	pipeline := rag.New(orch, store, config.RetrievalConfig{TopK: 2, MaxContextChars: 2000}, logger)
	return phenommcp.NewServer(orch, pipeline, mem, logger), mem
}

// makeReq builds a CallToolRequest with the given arguments.
func makeReq(toolName string, args map[string]any) mcpgo.CallToolRequest {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	return req
}

// textContent extracts the first TextContent string from a CallToolResult.
func textContent(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content item")
	tc, ok := result.Content[0].(mcpgo.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func decode(t *testing.T, result *mcpgo.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "tool returned error: %s", textContent(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &out))
	return out
}

func TestMCPGenerate(t *testing.T) {
	srv, _ := newMCPServer(t)
	result, err := srv.HandleGenerate(context.Background(), makeReq("generate", map[string]any{"prompt": "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", decode(t, result)["response"])
}

func TestMCPGenerate_EmptyPromptIsToolError(t *testing.T) {
	srv, _ := newMCPServer(t)
	result, err := srv.HandleGenerate(context.Background(), makeReq("generate", map[string]any{"prompt": ""}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "invalid request")
}

func TestMCPChat(t *testing.T) {
	srv, _ := newMCPServer(t)
	ctx := context.Background()

	result, err := srv.HandleChat(ctx, makeReq("chat", map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
			map[string]any{"role": "user", "content": "how are you"},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "echo: how are you (user)", decode(t, result)["response"])

	result, err = srv.HandleChat(ctx, makeReq("chat", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.HandleChat(ctx, makeReq("chat", map[string]any{"messages": []any{}}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPChat_UseKnowledge(t *testing.T) {
	srv, _ := newMCPServer(t)
	ctx := context.Background()
	_, err := srv.HandleAddKnowledge(ctx, makeReq("add_knowledge", map[string]any{"text": "the library closes at six"}))
	require.NoError(t, err)

	result, err := srv.HandleChat(ctx, makeReq("chat", map[string]any{
		"messages":      []any{map[string]any{"role": "user", "content": "when does the library close"}},
		"use_knowledge": true,
	}))
	require.NoError(t, err)
	assert.Equal(t, "echo: when does the library close (system)", decode(t, result)["response"])
}

func TestMCPRememberRecall(t *testing.T) {
	srv, mem := newMCPServer(t)
	ctx := context.Background()

	result, err := srv.HandleRemember(ctx, makeReq("remember", map[string]any{"key": "city", "value": "Lisbon"}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, result)["stored"])
	v, ok := mem.Recall("city")
	require.True(t, ok)
	assert.Equal(t, "Lisbon", v)

	result, err = srv.HandleRecall(ctx, makeReq("recall", map[string]any{"key": "city"}))
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", decode(t, result)["value"])

	result, err = srv.HandleRecall(ctx, makeReq("recall", map[string]any{"key": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.HandleRemember(ctx, makeReq("remember", map[string]any{"key": " "}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPKnowledgeAndAsk(t *testing.T) {
	srv, _ := newMCPServer(t)
	ctx := context.Background()

	result, err := srv.HandleAddKnowledge(ctx, makeReq("add_knowledge", map[string]any{"text": "Go was released in 2009", "source": "wiki"}))
	require.NoError(t, err)
	assert.NotEmpty(t, decode(t, result)["id"])

	result, err = srv.HandleSearchKnowledge(ctx, makeReq("search_knowledge", map[string]any{"query": "Go release", "k": 1}))
	require.NoError(t, err)
	results := decode(t, result)["results"].([]any)
	require.Len(t, results, 1)
	doc := results[0].(map[string]any)["document"].(map[string]any)
	assert.Equal(t, "Go was released in 2009", doc["text"])
	assert.Equal(t, "wiki", doc["metadata"].(map[string]any)["source"])

	result, err = srv.HandleAsk(ctx, makeReq("ask", map[string]any{"prompt": "when was Go released"}))
	require.NoError(t, err)
	assert.Contains(t, decode(t, result)["response"], "Context:\nGo was released in 2009")

	result, err = srv.HandleAddKnowledge(ctx, makeReq("add_knowledge", map[string]any{"text": ""}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPStatus(t *testing.T) {
	srv, _ := newMCPServer(t)
	result, err := srv.HandleStatus(context.Background(), makeReq("status", nil))
	require.NoError(t, err)
	st := decode(t, result)
	assert.Equal(t, "local", st["mode"])
	assert.Contains(t, st, "retrieval")
}

func TestMCPServer_NilDeps(t *testing.T) {
	srv := phenommcp.NewServer(nil, nil, nil, slog.Default())
	require.NotNil(t, srv.MCPServer())
	ctx := context.Background()

	for name, call := range map[string]func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error){
		"generate": srv.HandleGenerate,
		"ask":      srv.HandleAsk,
		"remember": srv.HandleRemember,
		"status":   srv.HandleStatus,
	} {
		result, err := call(ctx, makeReq(name, map[string]any{"prompt": "x", "key": "k"}))
		require.NoError(t, err)
		assert.True(t, result.IsError, name)
	}
}
