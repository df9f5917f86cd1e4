// Package mcp implements the Model Context Protocol server for phenom-core.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/orchestrator"
	"github.com/ajitpratap0/phenom-core/internal/rag"
)

// Server wraps an MCPServer with phenom-core dependencies.
type Server struct {
	mcp    *mcpserver.MCPServer
	orch   *orchestrator.Orchestrator
	rag    *rag.Pipeline
	memory *memory.Store
	logger *slog.Logger
}

// NewServer creates a new MCP server. Tools whose dependency is nil return an
// error result instead of panicking.
func NewServer(orch *orchestrator.Orchestrator, pipeline *rag.Pipeline, mem *memory.Store, logger *slog.Logger) *Server {
	s := &Server{
		orch:   orch,
		rag:    pipeline,
		memory: mem,
		logger: logger.With("component", "mcp"),
	}

	mcpSrv := mcpserver.NewMCPServer(
		"phenom-core",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildGenerateTool(), s.handleGenerate)
	mcpSrv.AddTool(buildChatTool(), s.handleChat)
	mcpSrv.AddTool(buildAskTool(), s.handleAsk)
	mcpSrv.AddTool(buildRememberTool(), s.handleRemember)
	mcpSrv.AddTool(buildRecallTool(), s.handleRecall)
	mcpSrv.AddTool(buildAddKnowledgeTool(), s.handleAddKnowledge)
	mcpSrv.AddTool(buildSearchKnowledgeTool(), s.handleSearchKnowledge)
	mcpSrv.AddTool(buildStatusTool(), s.handleStatus)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// HandleGenerate is the exported handler for the "generate" tool.
// It is exposed for direct testing without the mcp-go transport layer.
func (s *Server) HandleGenerate(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleGenerate(ctx, req)
}

// HandleChat is the exported handler for the "chat" tool.
func (s *Server) HandleChat(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleChat(ctx, req)
}

// HandleAsk is the exported handler for the "ask" tool.
func (s *Server) HandleAsk(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleAsk(ctx, req)
}

// HandleRemember is the exported handler for the "remember" tool.
func (s *Server) HandleRemember(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleRemember(ctx, req)
}

// HandleRecall is the exported handler for the "recall" tool.
func (s *Server) HandleRecall(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleRecall(ctx, req)
}

// HandleAddKnowledge is the exported handler for the "add_knowledge" tool.
func (s *Server) HandleAddKnowledge(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleAddKnowledge(ctx, req)
}

// HandleSearchKnowledge is the exported handler for the "search_knowledge" tool.
func (s *Server) HandleSearchKnowledge(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleSearchKnowledge(ctx, req)
}

// HandleStatus is the exported handler for the "status" tool.
func (s *Server) HandleStatus(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleStatus(ctx, req)
}

// --- helpers ---

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

func generationRequest(req mcpgo.CallToolRequest) models.GenerationRequest {
	out := models.GenerationRequest{
		Prompt:     req.GetString("prompt", ""),
		ForceCloud: req.GetBool("force_cloud", false),
		Provider:   req.GetString("provider", ""),
	}
	if sys := req.GetString("system", ""); sys != "" {
		out.System = models.SystemPrompt(sys)
	}
	return out
}

// parseTurns accepts the "messages" argument as an array of {role, content} objects.
func parseTurns(req mcpgo.CallToolRequest) ([]models.Turn, error) {
	raw, ok := req.GetArguments()["messages"]
	if !ok {
		return nil, errors.New("messages is required")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}
	var turns []models.Turn
	if err := json.Unmarshal(b, &turns); err != nil {
		return nil, fmt.Errorf("messages must be an array of {role, content}: %w", err)
	}
	return turns, nil
}

func answer(out string, err error) (*mcpgo.CallToolResult, error) {
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(map[string]string{"response": out})
}

// --- tool definitions ---

func buildGenerateTool() mcpgo.Tool {
	return mcpgo.NewTool("generate",
		mcpgo.WithDescription("Generate a response for a prompt, routed to the local or cloud model by the configured mode."),
		mcpgo.WithString("prompt",
			mcpgo.Required(),
			mcpgo.Description("The prompt to answer"),
		),
		mcpgo.WithString("system",
			mcpgo.Description("System prompt overriding the personal context"),
		),
		mcpgo.WithBoolean("force_cloud",
			mcpgo.Description("Prefer the cloud backend in hybrid mode"),
		),
		mcpgo.WithString("provider",
			mcpgo.Description("Cloud provider for this request: openai, anthropic or openrouter"),
		),
	)
}

func buildChatTool() mcpgo.Tool {
	return mcpgo.NewTool("chat",
		mcpgo.WithDescription("Continue a conversation given as an ordered list of turns."),
		mcpgo.WithArray("messages",
			mcpgo.Required(),
			mcpgo.Description("Ordered turns, each {role: user|assistant|system, content}"),
			mcpgo.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
			}),
		),
		mcpgo.WithBoolean("use_knowledge",
			mcpgo.Description("Augment the conversation with retrieved knowledge (default: false)"),
		),
	)
}

func buildAskTool() mcpgo.Tool {
	return mcpgo.NewTool("ask",
		mcpgo.WithDescription("Answer a question using retrieved knowledge as context, falling back to plain generation."),
		mcpgo.WithString("prompt",
			mcpgo.Required(),
			mcpgo.Description("The question to answer"),
		),
	)
}

func buildRememberTool() mcpgo.Tool {
	return mcpgo.NewTool("remember",
		mcpgo.WithDescription("Store a personal fact, overwriting any previous value."),
		mcpgo.WithString("key", mcpgo.Required(), mcpgo.Description("Fact key")),
		mcpgo.WithString("value", mcpgo.Required(), mcpgo.Description("Fact value")),
	)
}

func buildRecallTool() mcpgo.Tool {
	return mcpgo.NewTool("recall",
		mcpgo.WithDescription("Look up a stored personal fact."),
		mcpgo.WithString("key", mcpgo.Required(), mcpgo.Description("Fact key")),
	)
}

func buildAddKnowledgeTool() mcpgo.Tool {
	return mcpgo.NewTool("add_knowledge",
		mcpgo.WithDescription("Add a document to the retrieval index."),
		mcpgo.WithString("text", mcpgo.Required(), mcpgo.Description("Document text")),
		mcpgo.WithString("source", mcpgo.Description("Optional source label stored as metadata")),
	)
}

func buildSearchKnowledgeTool() mcpgo.Tool {
	return mcpgo.NewTool("search_knowledge",
		mcpgo.WithDescription("Search the retrieval index; nearest documents first."),
		mcpgo.WithString("query", mcpgo.Required(), mcpgo.Description("Search text")),
		mcpgo.WithNumber("k", mcpgo.Description("Maximum results (default: configured top_k)")),
	)
}

func buildStatusTool() mcpgo.Tool {
	return mcpgo.NewTool("status",
		mcpgo.WithDescription("Report routing mode, backend availability, retrieval and memory statistics."),
	)
}

// --- handlers ---

func (s *Server) handleGenerate(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.orch == nil {
		return mcpgo.NewToolResultError("orchestrator is unavailable"), nil
	}
	return answer(s.orch.Generate(ctx, generationRequest(req)))
}

func (s *Server) handleChat(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.orch == nil {
		return mcpgo.NewToolResultError("orchestrator is unavailable"), nil
	}
	turns, err := parseTurns(req)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	gr := models.GenerationRequest{History: turns}
	if req.GetBool("use_knowledge", false) && s.rag != nil {
		return answer(s.rag.Chat(ctx, gr))
	}
	return answer(s.orch.Chat(ctx, gr))
}

func (s *Server) handleAsk(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.rag == nil {
		return mcpgo.NewToolResultError("retrieval pipeline is unavailable"), nil
	}
	return answer(s.rag.Generate(ctx, generationRequest(req)))
}

func (s *Server) handleRemember(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memory == nil {
		return mcpgo.NewToolResultError("memory is unavailable"), nil
	}
	key := strings.TrimSpace(req.GetString("key", ""))
	if key == "" {
		return mcpgo.NewToolResultError("key is required and must not be empty"), nil
	}
	s.memory.Remember(key, req.GetString("value", ""))
	return toolResultJSON(map[string]any{"key": key, "stored": true})
}

func (s *Server) handleRecall(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.memory == nil {
		return mcpgo.NewToolResultError("memory is unavailable"), nil
	}
	key := req.GetString("key", "")
	value, ok := s.memory.Recall(key)
	if !ok {
		return mcpgo.NewToolResultError(fmt.Sprintf("no fact stored under %q", key)), nil
	}
	return toolResultJSON(map[string]string{"key": key, "value": value})
}

func (s *Server) handleAddKnowledge(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.rag == nil {
		return mcpgo.NewToolResultError("retrieval pipeline is unavailable"), nil
	}
	var meta map[string]any
	if src := req.GetString("source", ""); src != "" {
		meta = map[string]any{"source": src}
	}
	id, err := s.rag.AddKnowledge(ctx, req.GetString("text", ""), meta)
	if err != nil {
		return mcpgo.NewToolResultError("add failed: "+err.Error()), nil
	}
	return toolResultJSON(map[string]any{"id": id, "stored": true})
}

func (s *Server) handleSearchKnowledge(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.rag == nil {
		return mcpgo.NewToolResultError("retrieval pipeline is unavailable"), nil
	}
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcpgo.NewToolResultError("query is required and must not be empty"), nil
	}
	hits, err := s.rag.Search(ctx, query, req.GetInt("k", 0))
	if err != nil {
		return mcpgo.NewToolResultError("search failed: "+err.Error()), nil
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	return toolResultJSON(map[string]any{"results": hits})
}

func (s *Server) handleStatus(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.orch == nil {
		return mcpgo.NewToolResultError("orchestrator is unavailable"), nil
	}
	st := s.orch.Status(ctx)
	if s.rag != nil {
		rs := s.rag.Stats()
		st.Retrieval = &rs
	}
	return toolResultJSON(st)
}
