package planner

import (
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/maestro/internal/models"
)

// ErrPromptRequired is returned when a submission carries neither a
// UIR document nor a usable prompt.
var ErrPromptRequired = errors.New("prompt is required")

// defaultTargets is what a bare prompt submission plans for.
var defaultTargets = []string{
	models.ModalityScene,
	models.ModalityMotion,
	models.ModalityMusic,
	models.ModalityPreview,
	models.ModalityExport,
}

// BuildUIR turns a submission payload into a UIR document. Payloads
// that already look like a UIR (or embed one under "uir") pass through
// untouched; otherwise a document is assembled from the prompt and the
// optional "options" object. The job id is left blank so the store
// assigns one at creation.
func BuildUIR(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if looksLikeUIR(payload) {
		return payload, nil
	}
	if embedded, ok := payload["uir"].(map[string]any); ok {
		return embedded, nil
	}

	prompt := extractPrompt(payload)
	if prompt == "" {
		return nil, ErrPromptRequired
	}
	options, _ := payload["options"].(map[string]any)

	targets := coerceTargets(options["targets"])
	if len(targets) == 0 {
		targets = coerceTargets(payload["targets"])
	}
	if len(targets) == 0 {
		targets = append([]string(nil), defaultTargets...)
	}

	duration := coerceDuration(options["duration_s"])
	if duration == nil {
		duration = coerceDuration(options["duration"])
	}
	if duration == nil {
		d := float64(models.DefaultIntentDurationS)
		duration = &d
	}

	hooks := mergeHooks(payload["hooks"], options["hooks"])
	if _, ok := hooks["event_stream"]; !ok {
		if v, ok := options["event_stream"].(bool); ok {
			hooks["event_stream"] = v
		} else {
			hooks["event_stream"] = true
		}
	}

	input := map[string]any{"raw_prompt": prompt}
	if lang, ok := options["lang"].(string); ok && lang != "" {
		input["lang"] = lang
	}

	return map[string]any{
		"uir_version": models.UIRVersion,
		"job": map[string]any{
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"input": input,
		"intent": map[string]any{
			"targets":    targets,
			"duration_s": *duration,
		},
		"modules": buildModules(targets, options),
		"hooks":   hooks,
	}, nil
}

func looksLikeUIR(payload map[string]any) bool {
	_, hasVersion := payload["uir_version"]
	_, hasJob := payload["job"]
	_, hasInput := payload["input"]
	return hasVersion && hasJob && hasInput
}

func extractPrompt(payload map[string]any) string {
	if prompt, ok := payload["prompt"].(string); ok {
		if trimmed := strings.TrimSpace(prompt); trimmed != "" {
			return trimmed
		}
	}
	if input, ok := payload["input"].(map[string]any); ok {
		if raw, ok := input["raw_prompt"].(string); ok {
			return strings.TrimSpace(raw)
		}
	}
	return ""
}

// coerceTargets accepts a list of strings or a comma-separated string
// and returns the trimmed, order-preserving deduplicated values.
func coerceTargets(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	default:
		return nil
	}
	seen := make(map[string]bool, len(raw))
	var targets []string
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		targets = append(targets, item)
	}
	return targets
}

func coerceDuration(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case int:
		d := float64(v)
		return &d
	default:
		return nil
	}
}

func mergeHooks(candidates ...any) map[string]any {
	hooks := map[string]any{}
	for _, entry := range candidates {
		if m, ok := entry.(map[string]any); ok {
			for k, v := range m {
				hooks[k] = v
			}
		}
	}
	return hooks
}

func buildModules(targets []string, options map[string]any) map[string]any {
	enabled := make(map[string]bool, len(targets))
	for _, t := range targets {
		enabled[strings.ToLower(t)] = true
	}
	modules := make(map[string]any, len(models.Modalities))
	for _, name := range models.Modalities {
		modules[name] = map[string]any{"enabled": enabled[name]}
	}
	for _, name := range []string{models.ModalityScene, models.ModalityMotion, models.ModalityMusic} {
		if prompt, ok := options[name+"_prompt"].(string); ok && prompt != "" {
			modules[name].(map[string]any)["prompt"] = prompt
		}
	}
	return modules
}
