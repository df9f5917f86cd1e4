package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

const probeKey = "tags"

// Local talks to an Ollama-compatible inference server.
type Local struct {
	cfg    config.LocalConfig
	client *http.Client
	probes *cache.Cache
	logger *slog.Logger
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
	NumThread   int     `json:"num_thread"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// NewLocal creates the local backend. A zero ProbeCacheTTL disables probe caching.
func NewLocal(cfg config.LocalConfig, logger *slog.Logger) *Local {
	l := &Local{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("backend", "local"),
	}
	if cfg.ProbeCacheTTL > 0 {
		l.probes = cache.New(cfg.ProbeCacheTTL, 2*cfg.ProbeCacheTTL)
	}
	return l
}

func (l *Local) Name() string { return "local" }

// Model returns the configured model name.
func (l *Local) Model() string { return l.cfg.Model }

func (l *Local) options() ollamaOptions {
	return ollamaOptions{
		Temperature: l.cfg.Temperature,
		NumCtx:      l.cfg.NumCtx,
		NumThread:   l.cfg.NumThread,
		NumPredict:  l.cfg.MaxTokens,
	}
}

func (l *Local) Generate(ctx context.Context, prompt, system string) (string, error) {
	if !l.cfg.Enabled {
		return "", unavailable("local backend disabled")
	}
	var out ollamaGenerateResponse
	err := l.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:   l.cfg.Model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Options: l.options(),
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", unavailable("local backend returned empty response")
	}
	return out.Response, nil
}

func (l *Local) Chat(ctx context.Context, turns []models.Turn) (string, error) {
	if !l.cfg.Enabled {
		return "", unavailable("local backend disabled")
	}
	msgs := make([]ollamaMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, ollamaMessage{Role: string(t.Role), Content: t.Content})
	}
	var out ollamaChatResponse
	err := l.post(ctx, "/api/chat", ollamaChatRequest{
		Model:    l.cfg.Model,
		Messages: msgs,
		Stream:   false,
		Options:  l.options(),
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", unavailable("local backend returned empty chat response")
	}
	return out.Message.Content, nil
}

func (l *Local) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := withTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return unavailable("marshalling request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return unavailable("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("local request failed", "path", path, "error", err)
		return unavailable("calling local server: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		l.logger.Warn("local server error", "path", path, "status", resp.StatusCode, "body", string(raw))
		return unavailable("local server returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		l.logger.Warn("decoding local response", "path", path, "error", err)
		return unavailable("decoding response: %v", err)
	}
	l.logger.Debug("local request done", "path", path, "model", l.cfg.Model, "latency", time.Since(start))
	return nil
}

// IsAvailable probes GET /api/tags with the probe timeout. Results are cached for ProbeCacheTTL.
func (l *Local) IsAvailable(ctx context.Context) bool {
	if !l.cfg.Enabled {
		return false
	}
	if l.probes != nil {
		if v, ok := l.probes.Get(probeKey); ok {
			return v.(bool)
		}
	}
	up := l.probe(ctx)
	if l.probes != nil {
		l.probes.SetDefault(probeKey, up)
	}
	return up
}

func (l *Local) probe(ctx context.Context) bool {
	ctx, cancel := withTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Debug("local probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (l *Local) String() string {
	return fmt.Sprintf("Local{model:%s, url:%s}", l.cfg.Model, l.cfg.BaseURL)
}
