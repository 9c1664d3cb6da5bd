package models

// Artifact roles produced by the reference adapters. The prefix before
// the first underscore names the owning modality.
const (
	RoleScenePanorama     = "scene_panorama"
	RoleSceneCubemapFaces = "scene_cubemap_faces"
	RoleSceneDepth        = "scene_depth"
	RoleSceneMeta         = "scene_meta"
	RoleMotionBVH         = "motion_bvh"
	RoleMotionNPY         = "motion_npy"
	RoleMotionMeta        = "motion_meta"
	RoleMusicWAV          = "music_wav"
	RoleMusicMeta         = "music_meta"
	RoleCharacterManifest = "character_manifest"
	RoleCharacterModelGLB = "character_model_glb"
	RolePreviewConfig     = "preview_config"
	RoleExportMP4         = "export_mp4"
	RoleExportZip         = "export_zip"
)

// AssetRef points at one produced file. URI is the public asset path
// ("/assets/<job_id>/..."); Output optionally overrides the manifest
// slot the artifact lands in.
type AssetRef struct {
	ID     string         `json:"id"`
	Role   string         `json:"role"`
	MIME   string         `json:"mime"`
	URI    string         `json:"uri"`
	SHA256 string         `json:"sha256,omitempty"`
	Bytes  int64          `json:"bytes,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Output string         `json:"output,omitempty"`
}

// Map renders the reference in its wire form, omitting empty fields
// the same way the JSON encoder would.
func (a AssetRef) Map() map[string]any {
	out := map[string]any{
		"id":   a.ID,
		"role": a.Role,
		"mime": a.MIME,
		"uri":  a.URI,
	}
	if a.SHA256 != "" {
		out["sha256"] = a.SHA256
	}
	if a.Bytes > 0 {
		out["bytes"] = a.Bytes
	}
	if a.Meta != nil {
		out["meta"] = a.Meta
	}
	if a.Output != "" {
		out["output"] = a.Output
	}
	return out
}

// ModalityOfRole returns the modality prefix of a role ("motion_bvh"
// yields "motion").
func ModalityOfRole(role string) string {
	for i := 0; i < len(role); i++ {
		if role[i] == '_' {
			return role[:i]
		}
	}
	return role
}
