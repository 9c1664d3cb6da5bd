package adapters

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

// previewRoleDefaults maps a dependency role to the conventional file a
// producing adapter leaves under the job directory, used as the last
// resolution step when neither the job artifacts nor the manifest name
// the asset.
var previewRoleDefaults = map[string]struct {
	relPath string
	mime    string
}{
	models.RoleScenePanorama:     {"scene/panorama.png", "image/png"},
	models.RoleMotionBVH:         {"motion/motion.bvh", "text/plain"},
	models.RoleMusicWAV:          {"music/music.wav", "audio/wav"},
	models.RoleCharacterManifest: {"character/character_manifest.json", "application/json"},
}

// previewManifestSlots locates each dependency role inside the manifest
// outputs tree.
var previewManifestSlots = map[string][]string{
	models.RoleScenePanorama:     {"scene", "panorama"},
	models.RoleMotionBVH:         {"motion", "bvh"},
	models.RoleMusicWAV:          {"music", "wav"},
	models.RoleCharacterManifest: {"character", "manifest"},
}

// PreviewConfigBuilder assembles preview/preview_config.json, the scene
// description the browser viewer loads. It consumes artifacts produced
// by the scene, motion, music and character stages; only motion is
// mandatory, every other input degrades to a default with a warning.
type PreviewConfigBuilder struct{}

func NewPreviewConfigBuilder() *PreviewConfigBuilder {
	return &PreviewConfigBuilder{}
}

func (p *PreviewConfigBuilder) ProviderID() string  { return "web_threejs" }
func (p *PreviewConfigBuilder) Modality() string    { return models.ModalityPreview }
func (p *PreviewConfigBuilder) MaxConcurrency() int { return 1 }

func (p *PreviewConfigBuilder) Validate(u *models.UIR) error {
	return uir.Validate(u)
}

func (p *PreviewConfigBuilder) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, p.Modality(), rep)
	defer log.Close()

	outputDir, err := ResolveOutputDir(job.Dir, p.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(p.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}

	rep.Stage("collect", 0.2, "collecting preview inputs", nil)

	outputs := manifestOutputs(job.Dir)
	sceneAsset := p.resolveAsset(job, outputs, models.RoleScenePanorama)
	motionAsset := p.resolveAsset(job, outputs, models.RoleMotionBVH)
	musicAsset := p.resolveAsset(job, outputs, models.RoleMusicWAV)
	characterAsset := p.resolveAsset(job, outputs, models.RoleCharacterManifest)

	motionURI := assetURI(motionAsset)
	if motionURI == "" {
		log.Line("[collect] motion_bvh missing; cannot build preview")
		return models.FailedResult(p.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"missing required artifacts",
			map[string]any{"missing": []string{models.RoleMotionBVH}},
		)), nil
	}
	log.Line("[collect] motion_bvh=" + motionURI)

	config := map[string]any{}

	if sceneURI := assetURI(sceneAsset); sceneURI != "" {
		config["scene"] = map[string]any{"panorama_uri": sceneURI}
	} else {
		config["scene"] = map[string]any{}
		warnings = append(warnings, "scene_panorama missing; using default background")
	}

	config["character"] = p.characterConfig(job, characterAsset, &warnings, log)

	motion := map[string]any{"bvh_uri": motionURI}
	motion["fps"] = p.motionFPS(job)
	config["motion"] = motion

	if musicURI := assetURI(musicAsset); musicURI != "" {
		config["music"] = map[string]any{"wav_uri": musicURI, "offset_s": 0}
	} else {
		config["music"] = map[string]any{"offset_s": 0}
		warnings = append(warnings, "music_wav missing; preview will be silent")
	}

	preview := job.UIR.Modules.Preview
	preset := strings.TrimSpace(preview.CameraPreset)
	if preset == "" {
		preset = "orbit"
	}
	autoRotate := true
	if preview.Autoplay != nil {
		autoRotate = *preview.Autoplay
	}
	config["camera"] = map[string]any{"preset": preset, "auto_rotate": autoRotate}

	timeline := map[string]any{}
	for k, v := range preview.Timeline {
		timeline[k] = v
	}
	if _, ok := timeline["duration_s"]; !ok {
		duration := job.UIR.IntentDurationS()
		if d := job.UIR.Modules.Motion.DurationS; d != nil {
			duration = *d
		}
		timeline["duration_s"] = duration
	}
	config["timeline"] = timeline

	configPath := filepath.Join(outputDir, "preview_config.json")
	if err := jobfs.WriteJSON(configPath, config); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(p.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write preview_config.json",
			map[string]any{"path": configPath, "error": err.Error()},
		)), nil
	}
	log.Line("[write] preview_config.json")

	artifact, err := BuildAssetRef(configPath, job.ID, models.RolePreviewConfig, "application/json", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "preview config ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  p.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"dummy": false},
		Warnings:  warnings,
	}, nil
}

// resolveAsset finds one dependency by role: artifacts reported so far
// win, then the manifest outputs slot, then the conventional file on
// disk when a producing adapter ran without registering its output.
func (p *PreviewConfigBuilder) resolveAsset(job *models.Job, outputs map[string]any, role string) map[string]any {
	if artifact := job.FindArtifact(role); artifact != nil {
		return artifact
	}
	if asset := assetFromOutputs(outputs, previewManifestSlots[role]); asset != nil {
		return asset
	}
	def, ok := previewRoleDefaults[role]
	if !ok {
		return nil
	}
	path := filepath.Join(job.Dir, filepath.FromSlash(def.relPath))
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil
	}
	ref, err := BuildAssetRef(path, job.ID, role, def.mime, nil)
	if err != nil {
		return nil
	}
	return ref.Map()
}

// assetFromOutputs walks the manifest outputs tree along slot and
// coerces whatever it finds into an asset map with a uri.
func assetFromOutputs(outputs map[string]any, slot []string) map[string]any {
	if len(slot) == 0 {
		return nil
	}
	var value any = outputs
	for _, key := range slot {
		bucket, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = bucket[key]
	}
	switch v := value.(type) {
	case map[string]any:
		if uri, ok := v["uri"].(string); ok && strings.TrimSpace(uri) != "" {
			return v
		}
		for _, key := range []string{"url", "path"} {
			if candidate, ok := v[key].(string); ok && strings.TrimSpace(candidate) != "" {
				normalized := make(map[string]any, len(v)+1)
				for k, val := range v {
					normalized[k] = val
				}
				normalized["uri"] = candidate
				return normalized
			}
		}
		return nil
	case string:
		if strings.TrimSpace(v) != "" {
			return map[string]any{"uri": v}
		}
	}
	return nil
}

func assetURI(asset map[string]any) string {
	if asset == nil {
		return ""
	}
	uri, _ := asset["uri"].(string)
	return strings.TrimSpace(uri)
}

// manifestOutputs reads the outputs section of the job manifest,
// returning an empty map when the manifest is absent or malformed.
func manifestOutputs(jobDir string) map[string]any {
	data, err := os.ReadFile(filepath.Join(jobDir, jobfs.ManifestFileName))
	if err != nil {
		return map[string]any{}
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		return map[string]any{}
	}
	outputs, ok := manifest["outputs"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return outputs
}

// characterConfig builds the character section from the selector's
// manifest file. A missing or unreadable manifest degrades to the
// requested character id, then to the default rig.
func (p *PreviewConfigBuilder) characterConfig(job *models.Job, asset map[string]any, warnings *[]string, log *stageLogger) map[string]any {
	if asset == nil {
		*warnings = append(*warnings, "character_manifest missing; using default rig")
		return p.fallbackCharacter(job)
	}

	path := filepath.Join(job.Dir, "character", "character_manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Line("[collect] character manifest unreadable: " + err.Error())
		*warnings = append(*warnings, "character_manifest invalid; using default rig")
		return p.fallbackCharacter(job)
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Line("[collect] character manifest undecodable: " + err.Error())
		*warnings = append(*warnings, "character_manifest invalid; using default rig")
		return p.fallbackCharacter(job)
	}

	character := map[string]any{}
	if modelURI, ok := manifest["model_uri"].(string); ok && strings.TrimSpace(modelURI) != "" {
		character["model_uri"] = strings.TrimSpace(modelURI)
	}
	if skeleton, ok := manifest["skeleton"].(string); ok && strings.TrimSpace(skeleton) != "" {
		character["skeleton"] = strings.TrimSpace(skeleton)
	}
	if len(character) == 0 {
		*warnings = append(*warnings, "character_manifest invalid; using default rig")
		return p.fallbackCharacter(job)
	}
	return character
}

func (p *PreviewConfigBuilder) fallbackCharacter(job *models.Job) map[string]any {
	if id := strings.TrimSpace(job.UIR.Modules.Character.CharacterID); id != "" {
		return map[string]any{
			"model_uri": defaultCharacterStaticBase + "/" + id + ".glb",
			"skeleton":  defaultSkeleton,
		}
	}
	return map[string]any{"skeleton": defaultSkeleton}
}

// motionFPS prefers the frame rate the motion adapter recorded in its
// meta file over the requested module value.
func (p *PreviewConfigBuilder) motionFPS(job *models.Job) int {
	if job.FindArtifact(models.RoleMotionMeta) != nil {
		path := filepath.Join(job.Dir, "motion", "motion_meta.json")
		if data, err := os.ReadFile(path); err == nil {
			var meta map[string]any
			if err := json.Unmarshal(data, &meta); err == nil {
				if fps, ok := meta["fps"].(float64); ok && fps > 0 {
					return int(fps)
				}
			}
		}
	}
	return job.UIR.Modules.Motion.FPSValue()
}
