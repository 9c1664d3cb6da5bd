package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/common"
)

const defaultAnthropicModel = "claude-haiku-4-5"

// AnthropicTranslator translates prompts through the Anthropic API.
type AnthropicTranslator struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

func NewAnthropicTranslator(cfg common.TranslateConfig, logger arbor.ILogger) (*AnthropicTranslator, error) {
	apiKey := resolveAPIKey(cfg.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured (set translate.api_key or ANTHROPIC_API_KEY)")
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	logger.Info().
		Str("provider", "anthropic").
		Str("model", model).
		Msg("Translation service initialized")

	return &AnthropicTranslator{
		client:  &client,
		model:   model,
		timeout: cfg.TimeoutDuration(),
		logger:  logger,
	}, nil
}

func (t *AnthropicTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(translatePrompt(text, targetLang))),
		},
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: translateSystemPrompt},
		},
	}

	resp, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic translation failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("anthropic translation returned no text")
	}
	return strings.TrimSpace(out.String()), nil
}
