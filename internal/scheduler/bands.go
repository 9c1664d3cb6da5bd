package scheduler

import "github.com/ternarybob/maestro/internal/models"

// band is the [start, end] slice of overall job progress a stage owns.
type band struct {
	start float64
	end   float64
}

// progressBands carves [0,1] across the pipeline. Motion runs before
// scene because the motion model dominates wall time.
var progressBands = map[models.JobStatus]band{
	models.JobStatusPlanning:         {0.00, 0.10},
	models.JobStatusRunningMotion:    {0.10, 0.35},
	models.JobStatusRunningScene:     {0.35, 0.55},
	models.JobStatusRunningMusic:     {0.55, 0.70},
	models.JobStatusRunningCharacter: {0.70, 0.78},
	models.JobStatusComposingPreview: {0.78, 0.90},
	models.JobStatusExportingVideo:   {0.90, 0.99},
	models.JobStatusDone:             {1.00, 1.00},
}

// pipelineOrder is the fixed execution order the worker walks. Stages
// missing from a job's plan are announced as skipped, not run.
var pipelineOrder = []models.JobStatus{
	models.JobStatusPlanning,
	models.JobStatusRunningMotion,
	models.JobStatusRunningScene,
	models.JobStatusRunningMusic,
	models.JobStatusRunningCharacter,
	models.JobStatusComposingPreview,
	models.JobStatusExportingVideo,
}

// gpuStages serialize on the process-wide GPU semaphore.
var gpuStages = map[models.JobStatus]bool{
	models.JobStatusRunningMotion:    true,
	models.JobStatusRunningScene:     true,
	models.JobStatusRunningMusic:     true,
	models.JobStatusComposingPreview: true,
	models.JobStatusExportingVideo:   true,
}

// stageStartMessages are the human-readable band-start announcements.
var stageStartMessages = map[models.JobStatus]string{
	models.JobStatusPlanning:         "planning",
	models.JobStatusRunningMotion:    "running motion",
	models.JobStatusRunningScene:     "running scene",
	models.JobStatusRunningMusic:     "running music",
	models.JobStatusRunningCharacter: "running character",
	models.JobStatusComposingPreview: "composing preview",
	models.JobStatusExportingVideo:   "exporting video",
}

// DefaultProviders maps each modality to the provider used when the
// document's routing block does not name one.
var DefaultProviders = map[string]string{
	models.ModalityScene:     "diffusion360_local",
	models.ModalityMotion:    "animationgpt_local",
	models.ModalityMusic:     "musicgpt_cli",
	models.ModalityCharacter: "builtin_library",
	models.ModalityPreview:   "web_threejs",
	models.ModalityExport:    "ffmpeg_export",
}

// BandStart returns the stage's starting overall progress.
func BandStart(status models.JobStatus) float64 {
	return progressBands[status].start
}

// BandEnd returns the stage's final overall progress.
func BandEnd(status models.JobStatus) float64 {
	return progressBands[status].end
}

// BandProgress maps intra-stage progress p into the stage's band.
// Values above 1 are reinterpreted as percentages, then clamped.
func BandProgress(status models.JobStatus, p float64) float64 {
	p = models.NormalizeProgress(p)
	b, ok := progressBands[status]
	if !ok {
		return p
	}
	return b.start + (b.end-b.start)*p
}
