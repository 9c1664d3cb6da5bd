// Package translate turns prompt text into the language the downstream
// generator expects. The music backend in particular only accepts its
// native language, so prompts are translated right before dispatch.
package translate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/interfaces"
)

const translateSystemPrompt = "You are a translation engine. Translate the user's text into the requested language. Output only the translated text with no commentary."

// NewTranslator builds the configured translation provider. Provider
// "none" (or empty) returns a passthrough that leaves text untouched.
func NewTranslator(cfg common.TranslateConfig, logger arbor.ILogger) (interfaces.Translator, error) {
	switch cfg.Provider {
	case "", "none":
		return NoopTranslator{}, nil
	case "anthropic":
		return NewAnthropicTranslator(cfg, logger)
	case "gemini":
		return NewGeminiTranslator(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown translate provider: %s", cfg.Provider)
	}
}

// NoopTranslator returns the input unchanged. It keeps the pipeline
// working when no LLM credentials are configured.
type NoopTranslator struct{}

func (NoopTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	return text, nil
}

func resolveAPIKey(configured string, envVars ...string) string {
	if key := strings.TrimSpace(configured); key != "" {
		return key
	}
	for _, name := range envVars {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

func translatePrompt(text, targetLang string) string {
	return fmt.Sprintf("Translate into %s:\n\n%s", targetLang, text)
}
