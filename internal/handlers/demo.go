package handlers

// DemoDocument is the built-in submission used when POST /jobs arrives
// with an empty body. It targets motion and preview through the dummy
// providers so a fresh checkout can run a job with no model backends
// installed.
func DemoDocument() map[string]any {
	return map[string]any{
		"uir_version": "1.0",
		"job": map[string]any{
			"title": "demo walk cycle",
			"tags":  []any{"demo"},
		},
		"input": map[string]any{
			"raw_prompt": "a character walks forward at a relaxed pace",
			"lang":       "en",
		},
		"intent": map[string]any{
			"targets":    []any{"motion", "preview"},
			"duration_s": 4.0,
			"style":      "neutral",
		},
		"routing": map[string]any{
			"motion": map[string]any{"provider": "dummy_motion"},
		},
		"modules": map[string]any{
			"motion": map[string]any{
				"enabled":    true,
				"prompt":     "relaxed walk cycle",
				"duration_s": 4.0,
			},
			"preview": map[string]any{
				"enabled":  true,
				"autoplay": true,
			},
		},
	}
}
