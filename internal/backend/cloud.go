package backend

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

// completer is one provider's request/response mapping.
type completer interface {
	complete(ctx context.Context, turns []models.Turn) (string, error)
}

// Cloud is a hosted provider selected from configuration at construction time.
type Cloud struct {
	cfg     config.CloudConfig
	client  completer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCloud builds the cloud backend for cfg.Provider. A disabled config or a missing API key
// yields a Cloud that reports unavailable without touching the network.
func NewCloud(cfg config.CloudConfig, logger *slog.Logger) *Cloud {
	cfg = config.WithProviderDefaults(cfg)
	c := &Cloud{
		cfg:    cfg,
		logger: logger.With("backend", "cloud", "provider", cfg.Provider),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	if !cfg.Enabled {
		return c
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		c.logger.Warn("cloud backend enabled without an API key; it will report unavailable")
		return c
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		c.client = newAnthropicClient(cfg)
	case config.ProviderOpenRouter:
		c.client = newOpenAIClient(cfg, map[string]string{
			"HTTP-Referer": "https://github.com/ajitpratap0/phenom-core",
			"X-Title":      "phenom-core",
		})
	case config.ProviderOpenAI:
		c.client = newOpenAIClient(cfg, nil)
	default:
		c.logger.Warn("unknown cloud provider")
	}
	return c
}

func (c *Cloud) Name() string { return "cloud" }

// Provider returns the configured provider name.
func (c *Cloud) Provider() string { return c.cfg.Provider }

// IsAvailable reports whether the backend is enabled and has a constructed client.
func (c *Cloud) IsAvailable(_ context.Context) bool {
	return c.cfg.Enabled && c.client != nil
}

func (c *Cloud) Generate(ctx context.Context, prompt, system string) (string, error) {
	turns := make([]models.Turn, 0, 2)
	if system != "" {
		turns = append(turns, models.Turn{Role: models.RoleSystem, Content: system})
	}
	turns = append(turns, models.Turn{Role: models.RoleUser, Content: prompt})
	return c.Chat(ctx, turns)
}

func (c *Cloud) Chat(ctx context.Context, turns []models.Turn) (string, error) {
	if !c.cfg.Enabled || c.client == nil {
		return "", unavailable("cloud backend %s not configured", c.cfg.Provider)
	}

	ctx, cancel := withTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("cloud rate limiter", "error", err)
			return "", unavailable("rate limited: %v", err)
		}
	}

	text, err := c.client.complete(ctx, turns)
	if err != nil {
		c.logger.Warn("cloud request failed", "model", c.cfg.Model, "error", err)
		return "", unavailable("%s: %v", c.cfg.Provider, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", unavailable("%s returned empty response", c.cfg.Provider)
	}
	return text, nil
}
