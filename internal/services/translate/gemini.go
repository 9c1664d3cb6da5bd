package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/maestro/internal/common"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiTranslator translates prompts through the Gemini API.
type GeminiTranslator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

func NewGeminiTranslator(cfg common.TranslateConfig, logger arbor.ILogger) (*GeminiTranslator, error) {
	apiKey := resolveAPIKey(cfg.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key not configured (set translate.api_key or GEMINI_API_KEY)")
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info().
		Str("provider", "gemini").
		Str("model", model).
		Msg("Translation service initialized")

	return &GeminiTranslator{
		client:  client,
		model:   model,
		timeout: cfg.TimeoutDuration(),
		logger:  logger,
	}, nil
}

func (t *GeminiTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(translatePrompt(text, targetLang))},
		},
	}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(0)),
		SystemInstruction: genai.NewContentFromText(translateSystemPrompt, genai.RoleUser),
	}

	resp, err := t.client.Models.GenerateContent(ctx, t.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini translation failed: %w", err)
	}

	var out strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					out.WriteString(part.Text)
				}
			}
			if out.Len() > 0 {
				break
			}
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("gemini translation returned no text")
	}
	return strings.TrimSpace(out.String()), nil
}
