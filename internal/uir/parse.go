package uir

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ternarybob/maestro/internal/models"
)

// Parse decodes a UIR document into its typed form, applies defaults,
// and validates it. The returned map is the canonical document --
// defaults materialized, null values dropped, unknown keys from the
// submission preserved -- which is what gets hashed, written to
// uir.json, and projected into manifests.
func Parse(doc map[string]any) (*models.UIR, map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	var u models.UIR
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, nil, decodeError(err)
	}
	applyDefaults(&u)
	if err := Validate(&u); err != nil {
		return nil, nil, err
	}
	canonical, err := Canonical(&u, doc)
	if err != nil {
		return nil, nil, err
	}
	return &u, canonical, nil
}

// Canonical renders the validated document in canonical form: the
// typed fields re-serialized over the submitted document, so defaults
// win for known keys while unknown extensions survive at every level.
func Canonical(u *models.UIR, submitted map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var typed map[string]any
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, err
	}
	base, _ := stripNulls(submitted).(map[string]any)
	if base == nil {
		return typed, nil
	}
	return overlay(base, typed), nil
}

// overlay merges typed values over the submitted document. Typed
// values win; nested maps merge key-by-key.
func overlay(base, typed map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(typed))
	for k, v := range base {
		out[k] = v
	}
	for k, tv := range typed {
		if tm, ok := tv.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = overlay(bm, tm)
				continue
			}
		}
		out[k] = tv
	}
	return out
}

func applyDefaults(u *models.UIR) {
	if u.Intent.DurationS == nil {
		d := float64(models.DefaultIntentDurationS)
		u.Intent.DurationS = &d
	}
	if u.Modules.Motion.FPS == nil {
		fps := models.DefaultMotionFPS
		u.Modules.Motion.FPS = &fps
	}
	if len(u.Modules.Scene.Resolution) == 0 {
		u.Modules.Scene.Resolution = append([]int(nil), models.DefaultSceneResolution...)
	}
	if u.Modules.Motion.Enabled && u.Modules.Motion.DurationS == nil {
		d := *u.Intent.DurationS
		u.Modules.Motion.DurationS = &d
	}
	if u.Modules.Music.Enabled && u.Modules.Music.DurationS == nil {
		d := *u.Intent.DurationS
		u.Modules.Music.DurationS = &d
	}
}

// decodeError converts JSON decode failures into a ValidationError so
// type mismatches surface with a document path like any other issue.
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		loc := make([]any, 0, 4)
		for _, part := range strings.Split(typeErr.Field, ".") {
			if part != "" {
				loc = append(loc, part)
			}
		}
		return &ValidationError{Issues: []Issue{{
			Loc:  loc,
			Msg:  "invalid type: expected " + typeErr.Type.String(),
			Type: "type_error",
		}}}
	}
	return &ValidationError{Issues: []Issue{{
		Msg:  err.Error(),
		Type: "type_error",
	}}}
}
