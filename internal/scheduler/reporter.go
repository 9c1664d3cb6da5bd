package scheduler

import (
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
)

// Reporter is the one path from pipeline execution to observable job
// state: every call mutates the store first, then fans the change out
// on the event bus. Jobs whose document disabled event_stream still
// get their store mutations; only the publishes are suppressed.
type Reporter struct {
	store  *jobs.Store
	bus    *events.Bus
	logger arbor.ILogger
}

func NewReporter(store *jobs.Store, bus *events.Bus, logger arbor.ILogger) *Reporter {
	return &Reporter{store: store, bus: bus, logger: logger}
}

// Status moves the job to the given status/progress/message and
// publishes a status event. Terminal statuses additionally publish
// done or failed carrying the same payload.
func (r *Reporter) Status(jobID string, status models.JobStatus, progress float64, message string, extra map[string]any) {
	job, err := r.store.Update(jobID, jobs.Update{
		Status:   &status,
		Progress: &progress,
		Message:  &message,
	})
	if err != nil {
		r.logger.Warn().Str("job_id", jobID).Err(err).Msg("status update for unknown job")
		return
	}

	payload := StatusPayload(job)
	for k, v := range extra {
		payload[k] = v
	}
	r.publish(job, "status", payload)

	switch status {
	case models.JobStatusDone:
		r.publish(job, "done", payload)
	case models.JobStatusFailed:
		r.publish(job, "failed", payload)
	}
}

// Log appends a line to the job's log ring and publishes a log event.
func (r *Reporter) Log(jobID, line string) {
	job, err := r.store.AppendLog(jobID, line)
	if err != nil {
		return
	}
	r.publish(job, "log", map[string]any{
		"job_id": jobID,
		"line":   line,
		"ts":     eventTimestamp(),
	})
}

// Asset records an artifact under its scoped assets key and publishes
// an asset event. The kind is "<modality>.<role suffix>", so role
// motion_bvh surfaces as motion.bvh.
func (r *Reporter) Asset(jobID, modality string, ref models.AssetRef) {
	kind := assetKind(modality, ref.Role)
	job, err := r.store.SetAsset(jobID, kind, ref.URI, nil)
	if err != nil {
		return
	}
	meta := map[string]any{
		"role": ref.Role,
		"type": modality,
		"mime": ref.MIME,
		"id":   ref.ID,
	}
	if ref.Bytes > 0 {
		meta["bytes"] = ref.Bytes
	}
	if ref.Meta != nil {
		meta["meta"] = ref.Meta
	}
	r.publish(job, "asset", map[string]any{
		"job_id": jobID,
		"kind":   kind,
		"value":  ref.URI,
		"meta":   meta,
		"ts":     eventTimestamp(),
	})
}

func (r *Reporter) publish(job *models.Job, name string, payload map[string]any) {
	if job == nil || !job.EventStream {
		return
	}
	r.bus.Publish(job.ID, name, payload)
}

// StatusPayload builds the wire snapshot shared by status events, the
// SSE handshake, and the websocket snapshot frame.
func StatusPayload(job *models.Job) map[string]any {
	payload := map[string]any{
		"job_id":   job.ID,
		"status":   string(job.Status),
		"stage":    job.Stage,
		"progress": job.Progress,
		"message":  job.Message,
		"ts":       eventTimestamp(),
	}

	partial := make([]map[string]any, 0, 4)
	for _, artifact := range job.Artifacts() {
		entry := map[string]any{
			"id":   artifact["id"],
			"role": artifact["role"],
			"mime": artifact["mime"],
			"uri":  artifact["uri"],
		}
		if b, ok := artifact["bytes"]; ok {
			entry["bytes"] = b
		}
		partial = append(partial, entry)
	}
	payload["artifacts_partial"] = partial

	if job.QueuePosition != nil {
		payload["queue_position"] = *job.QueuePosition
	}
	if job.QueueSize != nil {
		payload["queue_size"] = *job.QueueSize
	}
	if job.ManifestURL != "" {
		payload["manifest_url"] = job.ManifestURL
	}
	if job.Error != nil {
		payload["error"] = job.Error.Map()
	}
	return payload
}

func assetKind(modality, role string) string {
	if suffix, ok := strings.CutPrefix(role, modality+"_"); ok && suffix != "" {
		return modality + "." + suffix
	}
	return modality + "." + role
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// stageReporter is the bridged, per-stage view handed to adapters. It
// maps the adapter's intra-stage progress into the job's current band
// and drops updates once the run is canceled.
type stageReporter struct {
	rep      *Reporter
	jobID    string
	status   models.JobStatus
	canceled func() bool
}

func (s *stageReporter) Stage(name string, progress float64, message string, extra map[string]any) {
	if s.canceled != nil && s.canceled() {
		return
	}
	merged := map[string]any{}
	for k, v := range extra {
		merged[k] = v
	}
	if name != "" {
		merged["phase"] = name
	}
	s.rep.Status(s.jobID, s.status, BandProgress(s.status, progress), message, merged)
}

func (s *stageReporter) Log(line string) {
	s.rep.Log(s.jobID, line)
}
