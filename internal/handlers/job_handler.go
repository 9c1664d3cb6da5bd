package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/planner"
	"github.com/ternarybob/maestro/internal/scheduler"
	"github.com/ternarybob/maestro/internal/storage/archive"
	"github.com/ternarybob/maestro/internal/uir"
)

// logsTailSize is how many trailing log lines job projections carry.
const logsTailSize = 8

// JobHandler serves the job lifecycle endpoints: submit, list, get,
// cancel. The events subpath is delegated to the SSE handler.
type JobHandler struct {
	store     *jobs.Store
	scheduler *scheduler.Scheduler
	archive   *archive.Store
	sse       *SSEHandler
	limiter   *rate.Limiter
	logger    arbor.ILogger
}

func NewJobHandler(store *jobs.Store, sched *scheduler.Scheduler, archiveStore *archive.Store, sse *SSEHandler, limiter *rate.Limiter, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:     store,
		scheduler: sched,
		archive:   archiveStore,
		sse:       sse,
		limiter:   limiter,
		logger:    logger,
	}
}

// HandleJobs serves POST /jobs and GET /jobs.
func (h *JobHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitJob(w, r)
	case http.MethodGet:
		h.listJobs(w, r)
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleJobByID dispatches /jobs/{id}, /jobs/{id}/cancel, and
// /jobs/{id}/events on the trailing path.
func (h *JobHandler) HandleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.getJob(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.cancelJob(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.sse.Stream(w, r, parts[0])
	default:
		WriteDetail(w, http.StatusNotFound, "not found")
	}
}

func (h *JobHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		WriteDetail(w, http.StatusTooManyRequests, "too many submissions")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload map[string]any
	if len(strings.TrimSpace(string(body))) == 0 {
		payload = DemoDocument()
	} else if err := json.Unmarshal(body, &payload); err != nil {
		WriteDetail(w, http.StatusUnprocessableEntity, "request body is not a json object")
		return
	}

	doc, err := planner.BuildUIR(payload)
	if err != nil {
		WriteDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	job, err := h.store.Create(doc)
	if err != nil {
		var validationErr *uir.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"detail": validationErr.Error(),
				"errors": validationErr.Issues,
			})
			return
		}
		WriteDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.scheduler.Submit(job.ID); err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			WriteDetail(w, http.StatusTooManyRequests, "job queue is full")
			return
		}
		h.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to enqueue job")
		WriteDetail(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("uir_hash", job.UIRHash).
		Msg("Job submitted")

	WriteJSON(w, http.StatusCreated, map[string]any{
		"job_id": job.ID,
		"status": string(models.JobStatusQueued),
	})
}

func (h *JobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	live := h.store.List("")
	projections := make([]map[string]any, 0, len(live))
	seen := make(map[string]bool, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		projections = append(projections, h.projectJob(live[i]))
		seen[live[i].ID] = true
	}

	if h.archive != nil {
		archived, err := h.archive.List(0)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Archive listing failed")
		}
		for _, record := range archived {
			if !seen[record.ID] {
				projections = append(projections, projectArchived(record))
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"jobs": projections})
}

func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.Get(jobID)
	if err == nil {
		WriteJSON(w, http.StatusOK, h.projectJob(job))
		return
	}

	if h.archive != nil {
		if record, archiveErr := h.archive.Get(jobID); archiveErr == nil {
			WriteJSON(w, http.StatusOK, projectArchived(record))
			return
		}
	}
	WriteDetail(w, http.StatusNotFound, "job not found")
}

func (h *JobHandler) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	canceled, err := h.scheduler.Cancel(jobID)
	if err != nil {
		WriteDetail(w, http.StatusNotFound, "job not found")
		return
	}
	if !canceled {
		WriteDetail(w, http.StatusConflict, "job already finished")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancel requested")
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": string(models.JobStatusCanceled),
	})
}

// projectJob is the read-side view of a live job.
func (h *JobHandler) projectJob(job *models.Job) map[string]any {
	projection := map[string]any{
		"job_id":       job.ID,
		"status":       string(job.Status),
		"stage":        job.Stage,
		"progress":     job.Progress,
		"message":      job.Message,
		"artifacts":    job.Artifacts(),
		"logs_tail":    job.LogsTail(logsTailSize),
		"stage_plan":   stagePlanStrings(job.StagePlan),
		"created_at":   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"manifest_url": job.ManifestURL,
	}
	if job.Error != nil {
		projection["error"] = job.Error.Map()
	}
	if job.QueuePosition != nil {
		projection["queue_position"] = *job.QueuePosition
	}
	if job.QueueSize != nil {
		projection["queue_size"] = *job.QueueSize
	}
	if job.StartedAt != nil {
		projection["started_at"] = job.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.EndedAt != nil {
		projection["ended_at"] = job.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return projection
}

// projectArchived renders an evicted terminal job in the same shape.
func projectArchived(record *archive.ArchivedJob) map[string]any {
	artifacts := make([]map[string]any, 0, len(record.Artifacts))
	for _, summary := range record.Artifacts {
		artifact := map[string]any{
			"id":   summary.ID,
			"role": summary.Role,
			"mime": summary.MIME,
			"uri":  summary.URI,
		}
		if summary.Bytes > 0 {
			artifact["bytes"] = summary.Bytes
		}
		artifacts = append(artifacts, artifact)
	}

	projection := map[string]any{
		"job_id":       record.ID,
		"status":       record.Status,
		"stage":        record.Stage,
		"progress":     record.Progress,
		"message":      record.Message,
		"artifacts":    artifacts,
		"logs_tail":    []string{},
		"stage_plan":   record.StagePlan,
		"created_at":   record.CreatedAt.UTC().Format(time.RFC3339Nano),
		"manifest_url": record.ManifestURL,
		"archived":     true,
	}
	if record.Error != nil {
		projection["error"] = record.Error.Map()
	}
	if record.StartedAt != nil {
		projection["started_at"] = record.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if record.EndedAt != nil {
		projection["ended_at"] = record.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return projection
}

func stagePlanStrings(plan []models.JobStatus) []string {
	out := make([]string, 0, len(plan))
	for _, stage := range plan {
		out = append(out, string(stage))
	}
	return out
}
