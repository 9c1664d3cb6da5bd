package models

import (
	"time"
)

// JobStatus represents the lifecycle state of an orchestration job.
// Statuses move from QUEUED through PLANNING and the per-modality
// running states to exactly one terminal state.
type JobStatus string

const (
	JobStatusQueued           JobStatus = "QUEUED"
	JobStatusPlanning         JobStatus = "PLANNING"
	JobStatusRunningMotion    JobStatus = "RUNNING_MOTION"
	JobStatusRunningScene     JobStatus = "RUNNING_SCENE"
	JobStatusRunningMusic     JobStatus = "RUNNING_MUSIC"
	JobStatusRunningCharacter JobStatus = "RUNNING_CHARACTER"
	JobStatusComposingPreview JobStatus = "COMPOSING_PREVIEW"
	JobStatusExportingVideo   JobStatus = "EXPORTING_VIDEO"
	JobStatusDone             JobStatus = "DONE"
	JobStatusFailed           JobStatus = "FAILED"
	JobStatusCanceled         JobStatus = "CANCELED"
)

// ParseJobStatus maps a status string back to its enum value.
func ParseJobStatus(value string) (JobStatus, bool) {
	switch JobStatus(value) {
	case JobStatusQueued, JobStatusPlanning, JobStatusRunningMotion,
		JobStatusRunningScene, JobStatusRunningMusic, JobStatusRunningCharacter,
		JobStatusComposingPreview, JobStatusExportingVideo,
		JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return JobStatus(value), true
	default:
		return "", false
	}
}

// IsTerminal returns true when the status is one of DONE, FAILED, CANCELED.
// Terminal jobs never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Modality returns the module a running status executes, or "" for
// statuses that are not adapter stages.
func (s JobStatus) Modality() string {
	switch s {
	case JobStatusRunningScene:
		return ModalityScene
	case JobStatusRunningMotion:
		return ModalityMotion
	case JobStatusRunningMusic:
		return ModalityMusic
	case JobStatusRunningCharacter:
		return ModalityCharacter
	case JobStatusComposingPreview:
		return ModalityPreview
	case JobStatusExportingVideo:
		return ModalityExport
	default:
		return ""
	}
}

// Modality names shared by the UIR, the planner, and the adapters.
const (
	ModalityScene     = "scene"
	ModalityMotion    = "motion"
	ModalityMusic     = "music"
	ModalityCharacter = "character"
	ModalityPreview   = "preview"
	ModalityExport    = "export"
)

// Modalities lists all module names in canonical order.
var Modalities = []string{
	ModalityScene,
	ModalityMotion,
	ModalityMusic,
	ModalityCharacter,
	ModalityPreview,
	ModalityExport,
}

// Defaults materialized while parsing a UIR.
const (
	DefaultMotionFPS       = 30
	DefaultIntentDurationS = 12.0
)

// DefaultSceneResolution is the panorama size used when the scene
// module does not specify one.
var DefaultSceneResolution = []int{2048, 1024}

// MaxLogLines bounds the in-memory log ring kept per job.
const MaxLogLines = 200

// Job is the in-memory record of a single orchestration run.
//
// Doc holds the canonical UIR document (defaults applied, nulls
// dropped, unknown keys preserved) that is hashed, persisted as
// uir.json, and projected into manifests. UIR is the typed view of the
// same document that the pipeline executes against. Progress is
// normalized to [0,1]; StartedAt is set when the job leaves QUEUED and
// EndedAt exactly once on the first terminal transition.
type Job struct {
	ID       string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Stage    string    `json:"stage"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message"`

	Doc     map[string]any `json:"uir"`
	UIR     *UIR           `json:"-"`
	UIRHash string         `json:"uir_hash"`

	// Error carries the classified failure once the job is FAILED.
	Error *AdapterError `json:"error,omitempty"`

	ManifestPath string `json:"manifest_path,omitempty"`
	ManifestURL  string `json:"manifest_url,omitempty"`

	// StagePlan is the display-ordered plan computed at submission.
	StagePlan []JobStatus `json:"stage_plan"`

	// Logs is a bounded ring of human-readable lines, newest last.
	Logs []string `json:"logs"`

	// Assets is the scoped output tree ("scene": {...}, "artifacts":
	// [...]) populated as adapters report results.
	Assets map[string]any `json:"assets"`

	// Queue placement, populated only while the job is QUEUED.
	QueuePosition *int `json:"queue_position,omitempty"`
	QueueSize     *int `json:"queue_size,omitempty"`

	// EventStream gates bus publishes for this job (default true).
	EventStream bool `json:"event_stream"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Dir is the absolute job directory under the assets root.
	Dir string `json:"-"`
}

// Artifacts returns the accumulated adapter artifacts in report order.
func (j *Job) Artifacts() []map[string]any {
	if j.Assets == nil {
		return nil
	}
	stored, ok := j.Assets["artifacts"].([]map[string]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(stored))
	for _, item := range stored {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

// FindArtifact returns the first stored artifact with the given role.
func (j *Job) FindArtifact(role string) map[string]any {
	for _, artifact := range j.Artifacts() {
		if r, _ := artifact["role"].(string); r == role {
			return artifact
		}
	}
	return nil
}

// LogsTail returns up to limit of the newest log lines.
func (j *Job) LogsTail(limit int) []string {
	if limit <= 0 {
		return []string{}
	}
	if len(j.Logs) <= limit {
		return append([]string{}, j.Logs...)
	}
	return append([]string{}, j.Logs[len(j.Logs)-limit:]...)
}

// NormalizeProgress clamps p to [0,1]; values above 1 are interpreted
// as percentages and divided by 100 first.
func NormalizeProgress(p float64) float64 {
	if p > 1 {
		p = p / 100
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ProgressPercent converts a stored [0,1] progress to a percentage for
// socket frames; values already above 1 are treated as percentages.
func ProgressPercent(p float64) float64 {
	if p <= 1 {
		p *= 100
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
