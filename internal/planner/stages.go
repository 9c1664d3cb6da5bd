package planner

import "github.com/ternarybob/maestro/internal/models"

// stageByModule pairs each modality with its pipeline status in plan
// order. Preview and export come last so they see upstream artifacts.
var stageByModule = []struct {
	module string
	stage  models.JobStatus
}{
	{models.ModalityScene, models.JobStatusRunningScene},
	{models.ModalityMotion, models.JobStatusRunningMotion},
	{models.ModalityMusic, models.JobStatusRunningMusic},
	{models.ModalityCharacter, models.JobStatusRunningCharacter},
	{models.ModalityPreview, models.JobStatusComposingPreview},
	{models.ModalityExport, models.JobStatusExportingVideo},
}

// PlanStages derives the ordered stage list for a validated document.
// PLANNING always leads; a module contributes its stage only when it is
// both enabled and listed in intent.targets. Stages not planned are
// skipped entirely, not run as no-ops.
func PlanStages(u *models.UIR) []models.JobStatus {
	stages := []models.JobStatus{models.JobStatusPlanning}
	if u == nil {
		return stages
	}
	for _, entry := range stageByModule {
		if u.ModuleSelected(entry.module) {
			stages = append(stages, entry.stage)
		}
	}
	return stages
}
