package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

func localCfg(url string) config.LocalConfig {
	return config.LocalConfig{
		Enabled:      true,
		Model:        "phi3:mini",
		BaseURL:      url,
		Temperature:  0.7,
		NumCtx:       2048,
		NumThread:    4,
		Timeout:      5 * time.Second,
		ProbeTimeout: time.Second,
	}
}

// newFakeOllama returns an httptest.Server answering the Ollama generate, chat and tags endpoints.
func newFakeOllama(t *testing.T, reply string, tags *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			if tags != nil {
				tags.Add(1)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
		case "/api/generate":
			var req ollamaGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"response": reply + "|" + req.System + "|" + req.Prompt})
		case "/api/chat":
			var req ollamaChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			last := req.Messages[len(req.Messages)-1].Content
			_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": reply + ":" + last}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLocal_Generate(t *testing.T) {
	srv := newFakeOllama(t, "ok", nil)
	l := NewLocal(localCfg(srv.URL), slog.Default())

	out, err := l.Generate(context.Background(), "hi", "be nice")
	require.NoError(t, err)
	assert.Equal(t, "ok|be nice|hi", out)
}

func TestLocal_GeneratePayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "x"})
	}))
	defer srv.Close()

	cfg := localCfg(srv.URL)
	cfg.MaxTokens = 64
	_, err := NewLocal(cfg, slog.Default()).Generate(context.Background(), "p", "")
	require.NoError(t, err)

	assert.Equal(t, "phi3:mini", got["model"])
	assert.Equal(t, false, got["stream"])
	_, hasSystem := got["system"]
	assert.False(t, hasSystem)
	opts := got["options"].(map[string]any)
	assert.Equal(t, 0.7, opts["temperature"])
	assert.Equal(t, float64(2048), opts["num_ctx"])
	assert.Equal(t, float64(4), opts["num_thread"])
	assert.Equal(t, float64(64), opts["num_predict"])
}

func TestLocal_Chat(t *testing.T) {
	srv := newFakeOllama(t, "re", nil)
	l := NewLocal(localCfg(srv.URL), slog.Default())

	out, err := l.Chat(context.Background(), []models.Turn{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, "re:three", out)
}

func TestLocal_EmptyResponseIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": ""})
	}))
	defer srv.Close()

	_, err := NewLocal(localCfg(srv.URL), slog.Default()).Generate(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocal_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewLocal(localCfg(srv.URL), slog.Default()).Generate(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocal_TimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := localCfg(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	_, err := NewLocal(cfg, slog.Default()).Generate(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocal_DisabledMakesNoRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := localCfg(srv.URL)
	cfg.Enabled = false
	l := NewLocal(cfg, slog.Default())

	_, err := l.Generate(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, l.IsAvailable(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}

func TestLocal_IsAvailable(t *testing.T) {
	srv := newFakeOllama(t, "", nil)
	assert.True(t, NewLocal(localCfg(srv.URL), slog.Default()).IsAvailable(context.Background()))

	down := NewLocal(localCfg("http://127.0.0.1:1"), slog.Default())
	assert.False(t, down.IsAvailable(context.Background()))
}

func TestLocal_IsAvailableCachesProbe(t *testing.T) {
	var tags atomic.Int32
	srv := newFakeOllama(t, "", &tags)

	cfg := localCfg(srv.URL)
	cfg.ProbeCacheTTL = time.Minute
	l := NewLocal(cfg, slog.Default())

	for i := 0; i < 3; i++ {
		assert.True(t, l.IsAvailable(context.Background()))
	}
	assert.Equal(t, int32(1), tags.Load())
}

func TestLocal_ProbeHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := localCfg(srv.URL)
	cfg.ProbeTimeout = 50 * time.Millisecond
	start := time.Now()
	assert.False(t, NewLocal(cfg, slog.Default()).IsAvailable(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}
