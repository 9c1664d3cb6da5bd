package models

import (
	"strconv"
	"strings"
)

// UIRVersion is the only accepted uir_version value.
const UIRVersion = "1.0"

// UIR is the Unified Intent Representation a job executes against.
// Optional scalars are pointers so that absent fields stay absent in
// the canonical form used for hashing; empty strings count as absent.
type UIR struct {
	Version     string       `json:"uir_version" validate:"required,eq=1.0"`
	Job         JobBlock     `json:"job"`
	Input       InputBlock   `json:"input"`
	Intent      IntentBlock  `json:"intent"`
	Routing     *Routing     `json:"routing,omitempty"`
	Modules     Modules      `json:"modules"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Runtime     *RuntimeHint `json:"runtime,omitempty"`
	Hooks       *Hooks       `json:"hooks,omitempty"`
}

// JobBlock identifies the job inside the document. The store assigns
// ID and CreatedAt when the caller leaves them blank.
type JobBlock struct {
	ID        string         `json:"id,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	Title     string         `json:"title,omitempty"`
	Client    map[string]any `json:"client,omitempty"`
	Tags      []string       `json:"tags,omitempty" validate:"omitempty,dive,min=1"`
}

// InputBlock carries the caller's original prompt and its language tag.
type InputBlock struct {
	RawPrompt  string         `json:"raw_prompt" validate:"required"`
	Lang       string         `json:"lang,omitempty" validate:"omitempty,min=2"`
	References []AssetRef     `json:"references,omitempty"`
	UIChoices  map[string]any `json:"ui_choices,omitempty"`
}

// IntentBlock is the cross-module creative intent.
type IntentBlock struct {
	Targets        []string       `json:"targets" validate:"required,min=1,unique"`
	DurationS      *float64       `json:"duration_s,omitempty" validate:"omitempty,gte=1"`
	Style          string         `json:"style,omitempty"`
	Mood           string         `json:"mood,omitempty"`
	Storybeat      string         `json:"storybeat,omitempty"`
	LanguagePolicy map[string]any `json:"language_policy,omitempty"`
}

// AutoTranslateToEN reports whether language_policy asks for prompt
// translation before model dispatch.
func (i IntentBlock) AutoTranslateToEN() bool {
	if i.LanguagePolicy == nil {
		return false
	}
	v, ok := i.LanguagePolicy["auto_translate_to_en"].(bool)
	return ok && v
}

// RoutingItem names the provider that should serve one modality.
type RoutingItem struct {
	Provider string `json:"provider,omitempty"`
}

// Routing overrides the default provider table per modality.
type Routing struct {
	Scene     *RoutingItem `json:"scene,omitempty"`
	Motion    *RoutingItem `json:"motion,omitempty"`
	Music     *RoutingItem `json:"music,omitempty"`
	Character *RoutingItem `json:"character,omitempty"`
	Preview   *RoutingItem `json:"preview,omitempty"`
	Export    *RoutingItem `json:"export,omitempty"`
}

// Provider returns the routed provider id for a modality, or "".
func (r *Routing) Provider(modality string) string {
	if r == nil {
		return ""
	}
	var item *RoutingItem
	switch modality {
	case ModalityScene:
		item = r.Scene
	case ModalityMotion:
		item = r.Motion
	case ModalityMusic:
		item = r.Music
	case ModalityCharacter:
		item = r.Character
	case ModalityPreview:
		item = r.Preview
	case ModalityExport:
		item = r.Export
	}
	if item == nil {
		return ""
	}
	return item.Provider
}

// Modules groups the six per-modality blocks. Absent blocks decode to
// their zero value, which means disabled.
type Modules struct {
	Scene     SceneModule     `json:"scene"`
	Motion    MotionModule    `json:"motion"`
	Music     MusicModule     `json:"music"`
	Character CharacterModule `json:"character"`
	Preview   PreviewModule   `json:"preview"`
	Export    ExportModule    `json:"export"`
}

// SceneModule configures equirectangular panorama generation.
// Resolution is [width, height] with width exactly twice the height.
type SceneModule struct {
	Enabled        bool           `json:"enabled"`
	Prompt         string         `json:"prompt,omitempty"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Resolution     []int          `json:"resolution,omitempty"`
	Seed           *int64         `json:"seed,omitempty" validate:"omitempty,gte=0"`
	Steps          *int           `json:"steps,omitempty" validate:"omitempty,gte=1"`
	CFGScale       *float64       `json:"cfg_scale,omitempty" validate:"omitempty,gte=0"`
	Upscale        *bool          `json:"upscale,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
}

// MotionModule configures skeletal motion synthesis.
type MotionModule struct {
	Enabled   bool     `json:"enabled"`
	Prompt    string   `json:"prompt,omitempty"`
	DurationS *float64 `json:"duration_s,omitempty" validate:"omitempty,gte=1"`
	FPS       *int     `json:"fps,omitempty" validate:"omitempty,gte=15,lte=60"`
	Style     string   `json:"style,omitempty"`
}

// FPSValue returns the effective frame rate, defaulting to 30.
func (m MotionModule) FPSValue() int {
	if m.FPS == nil {
		return DefaultMotionFPS
	}
	return *m.FPS
}

// MusicModule configures background music generation.
type MusicModule struct {
	Enabled   bool           `json:"enabled"`
	Prompt    string         `json:"prompt,omitempty"`
	DurationS *float64       `json:"duration_s,omitempty" validate:"omitempty,gte=1"`
	TempoBPM  *float64       `json:"tempo_bpm,omitempty" validate:"omitempty,gte=1"`
	Genre     string         `json:"genre,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// CharacterModule selects the rigged character used by the preview.
type CharacterModule struct {
	Enabled     bool           `json:"enabled"`
	CharacterID string         `json:"character_id,omitempty"`
	Style       string         `json:"style,omitempty"`
	Retarget    map[string]any `json:"retarget,omitempty"`
}

// PreviewModule configures the browser preview composition.
type PreviewModule struct {
	Enabled      bool           `json:"enabled"`
	CameraPreset string         `json:"camera_preset,omitempty"`
	Autoplay     *bool          `json:"autoplay,omitempty"`
	Timeline     map[string]any `json:"timeline,omitempty"`
}

// ExportModule configures the final deliverable.
type ExportModule struct {
	Enabled    bool     `json:"enabled"`
	Format     string   `json:"format,omitempty"`
	Resolution []int    `json:"resolution,omitempty"`
	FPS        *int     `json:"fps,omitempty" validate:"omitempty,gte=1"`
	Bitrate    string   `json:"bitrate,omitempty"`
	Include    []string `json:"include,omitempty" validate:"omitempty,dive,min=1"`
}

// FormatValue returns the effective export format, defaulting to mp4.
func (e ExportModule) FormatValue() string {
	if e.Format == "" {
		return "mp4"
	}
	return e.Format
}

// Constraints bound the run as a whole.
type Constraints struct {
	MaxRuntimeS *float64       `json:"max_runtime_s,omitempty" validate:"omitempty,gte=1"`
	Quality     string         `json:"quality,omitempty"`
	Safety      map[string]any `json:"safety,omitempty"`
}

// RuntimeHint carries execution placement hints.
type RuntimeHint struct {
	Priority       *int           `json:"priority,omitempty" validate:"omitempty,gte=0,lte=10"`
	ConcurrencyKey string         `json:"concurrency_key,omitempty"`
	Locks          map[string]any `json:"locks,omitempty"`
}

// GPULock returns the GPU device lock hint ("0" or "cuda:0" style),
// normalized to the bare device index, or "".
func (r *RuntimeHint) GPULock() string {
	if r == nil || r.Locks == nil {
		return ""
	}
	var value string
	switch v := r.Locks["gpu"].(type) {
	case string:
		value = v
	case float64:
		value = strconv.Itoa(int(v))
	default:
		return ""
	}
	value = strings.TrimSpace(value)
	return strings.TrimPrefix(value, "cuda:")
}

// Hooks toggles per-job integrations.
type Hooks struct {
	EventStream *bool `json:"event_stream,omitempty"`
}

// EventStreamEnabled reports whether event delivery is on for this
// document. Absent hooks default to enabled.
func (u *UIR) EventStreamEnabled() bool {
	if u.Hooks == nil || u.Hooks.EventStream == nil {
		return true
	}
	return *u.Hooks.EventStream
}

// MaxRuntimeS returns the per-subprocess timeout in seconds, or 0 when
// unbounded.
func (u *UIR) MaxRuntimeS() float64 {
	if u.Constraints == nil || u.Constraints.MaxRuntimeS == nil {
		return 0
	}
	return *u.Constraints.MaxRuntimeS
}

// Quality returns the requested quality tier, or "".
func (u *UIR) Quality() string {
	if u.Constraints == nil {
		return ""
	}
	return u.Constraints.Quality
}

// IntentDurationS returns intent.duration_s, defaulting to 12.
func (u *UIR) IntentDurationS() float64 {
	if u.Intent.DurationS == nil {
		return DefaultIntentDurationS
	}
	return *u.Intent.DurationS
}

// ModuleEnabled reports whether the named module is enabled.
func (u *UIR) ModuleEnabled(name string) bool {
	switch name {
	case ModalityScene:
		return u.Modules.Scene.Enabled
	case ModalityMotion:
		return u.Modules.Motion.Enabled
	case ModalityMusic:
		return u.Modules.Music.Enabled
	case ModalityCharacter:
		return u.Modules.Character.Enabled
	case ModalityPreview:
		return u.Modules.Preview.Enabled
	case ModalityExport:
		return u.Modules.Export.Enabled
	default:
		return false
	}
}

// Targeted reports whether the named module appears in intent.targets.
func (u *UIR) Targeted(name string) bool {
	for _, t := range u.Intent.Targets {
		if t == name {
			return true
		}
	}
	return false
}

// ModuleSelected reports whether a module is both enabled and targeted,
// which is the condition for its pipeline stage to run.
func (u *UIR) ModuleSelected(name string) bool {
	return u.ModuleEnabled(name) && u.Targeted(name)
}

