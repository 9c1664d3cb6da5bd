package jobfs

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/maestro/internal/models"
)

// roleOutputSlots maps artifact roles to their dotted manifest slot.
var roleOutputSlots = map[string]string{
	models.RoleScenePanorama:     "scene.panorama",
	models.RoleSceneCubemapFaces: "scene.cubemap",
	models.RoleSceneDepth:        "scene.depth",
	models.RoleSceneMeta:         "scene.meta",
	models.RoleMotionBVH:         "motion.bvh",
	models.RoleMotionMeta:        "motion.meta",
	models.RoleMusicWAV:          "music.wav",
	models.RoleMusicMeta:         "music.meta",
	models.RolePreviewConfig:     "preview.config",
	models.RoleExportZip:         "export.zip",
	models.RoleExportMP4:         "export.mp4",
	models.RoleCharacterManifest: "character.manifest",
	models.RoleCharacterModelGLB: "character.model",
}

// defaultOutputs is the skeleton every manifest starts from. Slots stay
// null until an artifact with the matching role lands.
func defaultOutputs() map[string]any {
	return map[string]any{
		"scene":   map[string]any{"panorama": nil},
		"motion":  map[string]any{"bvh": nil},
		"music":   map[string]any{"wav": nil},
		"preview": map[string]any{"config": nil},
		"export":  map[string]any{"zip": nil, "mp4": nil},
	}
}

// WriteManifest renders and atomically writes the job manifest,
// returning the written document. Artifacts are projected into the
// outputs skeleton by role; the UIR contributes fps and duration
// metadata next to the slots they describe.
func WriteManifest(jobDir string, doc map[string]any, status string, artifacts []map[string]any, errList []map[string]any) (map[string]any, error) {
	outputs := defaultOutputs()
	applyArtifacts(outputs, artifacts)
	applyOutputMeta(outputs, doc)

	jobID := filepath.Base(jobDir)
	uirVersion := models.UIRVersion
	if v, ok := doc["uir_version"].(string); ok && v != "" {
		uirVersion = v
	}

	errs := make([]any, 0, len(errList))
	for _, e := range errList {
		errs = append(errs, e)
	}

	manifest := map[string]any{
		"job_id":      jobID,
		"uir_version": uirVersion,
		"created_at":  manifestCreationTime(doc),
		"status":      status,
		"inputs":      manifestInputs(doc),
		"outputs":     outputs,
		"errors":      errs,
	}

	data, err := encodeASCII(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(jobDir, ManifestFileName), data); err != nil {
		return nil, err
	}
	return manifest, nil
}

// manifestInputs merges the document's input and intent sections; a
// document without either is copied whole.
func manifestInputs(doc map[string]any) map[string]any {
	inputs := map[string]any{}
	section, ok := doc["input"].(map[string]any)
	if !ok {
		section, _ = doc["inputs"].(map[string]any)
	}
	for k, v := range section {
		inputs[k] = v
	}
	if intent, ok := doc["intent"].(map[string]any); ok {
		for k, v := range intent {
			inputs[k] = v
		}
	}
	if len(inputs) == 0 {
		for k, v := range doc {
			inputs[k] = v
		}
	}
	return inputs
}

func manifestCreationTime(doc map[string]any) string {
	if job, ok := doc["job"].(map[string]any); ok {
		if created, ok := job["created_at"].(string); ok && created != "" {
			return created
		}
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func applyArtifacts(outputs map[string]any, artifacts []map[string]any) {
	for _, artifact := range artifacts {
		slot := artifactSlot(artifact)
		if slot == "" {
			continue
		}
		payload := artifactPayload(artifact)
		if payload == nil {
			continue
		}
		assignOutput(outputs, slot, payload)
	}
}

// artifactSlot prefers an explicit output key on the artifact over the
// fixed role table.
func artifactSlot(artifact map[string]any) string {
	if key, ok := artifact["output"].(string); ok && key != "" {
		return key
	}
	if key, ok := artifact["output_key"].(string); ok && key != "" {
		return key
	}
	if role, ok := artifact["role"].(string); ok && role != "" {
		return roleOutputSlots[role]
	}
	return ""
}

func artifactPayload(artifact map[string]any) map[string]any {
	uri, ok := artifact["uri"].(string)
	if !ok || uri == "" {
		return nil
	}
	payload := map[string]any{"uri": uri}
	for _, key := range []string{"mime", "id", "sha256", "bytes", "meta"} {
		if value, exists := artifact[key]; exists && value != nil {
			payload[key] = value
		}
	}
	return payload
}

func assignOutput(outputs map[string]any, slot string, payload map[string]any) {
	parts := strings.Split(slot, ".")
	cursor := outputs
	for _, part := range parts[:len(parts)-1] {
		bucket, ok := cursor[part].(map[string]any)
		if !ok {
			bucket = map[string]any{}
			cursor[part] = bucket
		}
		cursor = bucket
	}
	cursor[parts[len(parts)-1]] = payload
}

// applyOutputMeta copies fps and duration hints from the document into
// the motion and music buckets without clobbering adapter-reported
// values.
func applyOutputMeta(outputs map[string]any, doc map[string]any) {
	intent, _ := doc["intent"].(map[string]any)
	modules, _ := doc["modules"].(map[string]any)
	motion, _ := modules["motion"].(map[string]any)
	music, _ := modules["music"].(map[string]any)

	motionBucket, _ := outputs["motion"].(map[string]any)
	if motionBucket != nil {
		if fps, ok := motion["fps"]; ok && fps != nil {
			if _, exists := motionBucket["fps"]; !exists {
				motionBucket["fps"] = fps
			}
		}
	}

	duration, ok := motion["duration_s"]
	if !ok || duration == nil {
		duration, _ = intent["duration_s"]
	}
	if duration != nil {
		if motionBucket != nil {
			if _, exists := motionBucket["duration_s"]; !exists {
				motionBucket["duration_s"] = duration
			}
		}
		if musicBucket, ok := outputs["music"].(map[string]any); ok {
			if _, exists := musicBucket["duration_s"]; !exists {
				musicBucket["duration_s"] = duration
			}
		}
	}

	if musicDuration, ok := music["duration_s"]; ok && musicDuration != nil {
		if musicBucket, ok := outputs["music"].(map[string]any); ok {
			musicBucket["duration_s"] = musicDuration
		}
	}
}
