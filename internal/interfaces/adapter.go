package interfaces

import (
	"context"

	"github.com/ternarybob/maestro/internal/models"
)

// StageReporter is the narrow progress surface handed to adapters.
// Stage progress is intra-stage [0,1]; the scheduler maps it into the
// job's overall progress band.
type StageReporter interface {
	Stage(name string, progress float64, message string, extra map[string]any)
	Log(line string)
}

// Adapter executes one modality for one job. Implementations must be
// safe for concurrent use across jobs up to MaxConcurrency.
type Adapter interface {
	// ProviderID is the routing key, e.g. "animationgpt_local".
	ProviderID() string
	// Modality names the module this adapter serves.
	Modality() string
	// MaxConcurrency bounds simultaneous runs of this provider.
	MaxConcurrency() int
	// Validate re-checks the parts of the document this adapter needs
	// before any work is scheduled.
	Validate(uir *models.UIR) error
	// Run produces artifacts under the job directory. Cancellation and
	// per-run timeouts arrive through ctx.
	Run(ctx context.Context, job *models.Job, rep StageReporter) (*models.AdapterResult, error)
}
