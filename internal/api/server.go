package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/metrics"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/orchestrator"
	"github.com/ajitpratap0/phenom-core/internal/rag"
	"github.com/ajitpratap0/phenom-core/internal/retrieval"
)

const maxBodyBytes = 1 << 20

// Server is an HTTP API server that exposes generation, knowledge and memory operations.
type Server struct {
	orch      *orchestrator.Orchestrator
	rag       *rag.Pipeline
	memory    *memory.Store
	logger    *slog.Logger
	authToken string // empty = no auth required
}

// NewServer creates a new Server with the given dependencies.
func NewServer(orch *orchestrator.Orchestrator, pipeline *rag.Pipeline, mem *memory.Store, logger *slog.Logger, authToken string) *Server {
	return &Server{
		orch:      orch,
		rag:       pipeline,
		memory:    mem,
		logger:    logger.With("component", "api"),
		authToken: authToken,
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics need no auth.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/generate", s.auth(s.handleGenerate))
	mux.HandleFunc("POST /v1/chat", s.auth(s.handleChat))
	mux.HandleFunc("POST /v1/rag/generate", s.auth(s.handleRAGGenerate))
	mux.HandleFunc("POST /v1/rag/chat", s.auth(s.handleRAGChat))

	mux.HandleFunc("POST /v1/knowledge", s.auth(s.handleAddKnowledge))
	mux.HandleFunc("POST /v1/knowledge/bulk", s.auth(s.handleAddKnowledgeBulk))
	mux.HandleFunc("POST /v1/knowledge/search", s.auth(s.handleSearchKnowledge))
	mux.HandleFunc("DELETE /v1/knowledge", s.auth(s.handleClearKnowledge))

	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("PUT /v1/mode", s.auth(s.handleSetMode))

	mux.HandleFunc("POST /v1/memory/facts", s.auth(s.handleRemember))
	mux.HandleFunc("GET /v1/memory/facts", s.auth(s.handleListFacts))
	mux.HandleFunc("GET /v1/memory/facts/{key}", s.auth(s.handleRecall))
	mux.HandleFunc("DELETE /v1/memory/facts/{key}", s.auth(s.handleForget))
	mux.HandleFunc("GET /v1/memory/profile", s.auth(s.handleProfile))
	mux.HandleFunc("GET /v1/memory/history", s.auth(s.handleHistory))
	mux.HandleFunc("GET /v1/memory/patterns", s.auth(s.handlePatterns))

	return mux
}

// --- middleware ---

// auth wraps a handler with Bearer token authentication when authToken is set.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateResponse is returned by every generation endpoint.
type generateResponse struct {
	Response string `json:"response"`
}

type generateFunc func(ctx context.Context, req models.GenerationRequest) (string, error)

func (s *Server) generation(fn generateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.GenerationRequest
		if !s.decode(w, r, &req) {
			return
		}
		out, err := fn(r.Context(), req)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, generateResponse{Response: out})
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.generation(s.orch.Generate)(w, r)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.generation(s.orch.Chat)(w, r)
}

func (s *Server) handleRAGGenerate(w http.ResponseWriter, r *http.Request) {
	s.generation(s.rag.Generate)(w, r)
}

func (s *Server) handleRAGChat(w http.ResponseWriter, r *http.Request) {
	s.generation(s.rag.Chat)(w, r)
}

// addKnowledgeRequest is the body accepted by POST /v1/knowledge.
type addKnowledgeRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	var req addKnowledgeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.rag.AddKnowledge(r.Context(), req.Text, req.Metadata)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "stored": true})
}

// addBulkRequest is the body accepted by POST /v1/knowledge/bulk.
type addBulkRequest struct {
	Texts     []string         `json:"texts"`
	Metadatas []map[string]any `json:"metadatas"`
}

func (s *Server) handleAddKnowledgeBulk(w http.ResponseWriter, r *http.Request) {
	var req addBulkRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Texts) == 0 {
		s.writeError(w, http.StatusBadRequest, "texts is required")
		return
	}
	if !s.rag.Stats().Enabled {
		s.writeError(w, http.StatusServiceUnavailable, "retrieval is disabled")
		return
	}
	added := s.rag.AddKnowledgeBulk(r.Context(), req.Texts, req.Metadatas)
	s.writeJSON(w, http.StatusOK, map[string]int{"added": added, "total": len(req.Texts)})
}

// searchRequest is the body accepted by POST /v1/knowledge/search.
type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// searchResponse is returned by POST /v1/knowledge/search.
type searchResponse struct {
	Results []models.SearchHit `json:"results"`
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	hits, err := s.rag.Search(r.Context(), req.Query, req.K)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Results: hits})
}

func (s *Server) handleClearKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.rag.Clear(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status(r.Context())
	rs := s.rag.Stats()
	st.Retrieval = &rs
	s.writeJSON(w, http.StatusOK, st)
}

// modeRequest is the body accepted by PUT /v1/mode.
type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := models.ParseBackendMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orch.SetMode(mode); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]models.BackendMode{"mode": mode})
}

// rememberRequest is the body accepted by POST /v1/memory/facts.
type rememberRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	s.memory.Remember(req.Key, req.Value)
	s.writeJSON(w, http.StatusOK, map[string]bool{"stored": true})
}

func (s *Server) handleListFacts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]models.Fact{"facts": s.memory.Facts()})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := s.memory.Recall(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rememberRequest{Key: key, Value: value})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if !s.memory.Forget(r.PathValue("key")) {
		s.writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleProfile(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.memory.Profile())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 10)
	turns := s.memory.RecentTurns(n)
	if q := r.URL.Query().Get("q"); q != "" {
		turns = s.memory.SearchTurns(q)
	}
	if turns == nil {
		turns = []models.ConversationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"patterns": s.memory.CommonPatterns(queryInt(r, "n", 10))})
}

// --- helpers ---

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// decode reads a JSON body limited to 1 MB, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeFailure maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, retrieval.ErrDisabled):
		s.writeError(w, http.StatusServiceUnavailable, "retrieval is disabled")
	case errors.Is(err, retrieval.ErrRetrieval):
		s.logger.Error("retrieval request failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "retrieval failed")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		s.logger.Error("failed to encode response", "error", encErr)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Shutdown gracefully shuts down an http.Server with the given timeout.
// This is a convenience helper used by the serve command.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
