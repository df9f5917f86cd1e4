package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

// anthropicClient maps turns onto the Messages API. System turns are lifted into the
// separate system parameter; the last one wins.
type anthropicClient struct {
	client      *anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

func newAnthropicClient(cfg config.CloudConfig) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := anthropic.NewClient(opts...)
	return &anthropicClient{
		client:      &c,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxTokens),
	}
}

// splitSystem separates system turns from the conversation.
func splitSystem(turns []models.Turn) (string, []models.Turn) {
	var system string
	rest := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == models.RoleSystem {
			system = t.Content
			continue
		}
		rest = append(rest, t)
	}
	return system, rest
}

func (a *anthropicClient) complete(ctx context.Context, turns []models.Turn) (string, error) {
	system, convo := splitSystem(turns)
	if len(convo) == 0 {
		return "", fmt.Errorf("no user or assistant turns")
	}

	msgs := make([]anthropic.MessageParam, 0, len(convo))
	for _, t := range convo {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == models.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(a.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response from Claude")
}
