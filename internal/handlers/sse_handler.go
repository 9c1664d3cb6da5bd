package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/scheduler"
)

// ssePingInterval is the heartbeat cadence for idle streams.
const ssePingInterval = 15 * time.Second

// SSEHandler streams one job's lifecycle events as Server-Sent Events.
type SSEHandler struct {
	store  *jobs.Store
	bus    *events.Bus
	logger arbor.ILogger
}

func NewSSEHandler(store *jobs.Store, bus *events.Bus, logger arbor.ILogger) *SSEHandler {
	return &SSEHandler{store: store, bus: bus, logger: logger}
}

// Stream serves GET /jobs/{id}/events. The subscription is registered
// before the snapshot is written so no event published in between is
// lost.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.Get(jobID)
	if err != nil {
		WriteDetail(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.EventStream {
		WriteDetail(w, http.StatusConflict, "event streaming disabled for this job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.bus.Subscribe(jobID)
	defer h.bus.Unsubscribe(sub)

	h.logger.Debug().Str("job_id", jobID).Msg("SSE stream opened")

	if err := writeSSE(w, flusher, "status", scheduler.StatusPayload(job)); err != nil {
		return
	}
	// A job that finished before the subscription has nothing more to say.
	if job.Status.IsTerminal() {
		return
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("job_id", jobID).Msg("SSE client disconnected")
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, event.Name, event.Data); err != nil {
				return
			}
			if sseTerminalEvent(event) {
				return
			}
		}
	}
}

// writeSSE emits one event in "event: <name>\ndata: <json>\n\n" form.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, encoded); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// sseTerminalEvent reports whether the stream is complete after this
// event is delivered. DONE and FAILED status events are not terminal
// here: the dedicated done/failed event follows them on the bus.
func sseTerminalEvent(event events.Event) bool {
	switch event.Name {
	case "done", "failed":
		return true
	case "status":
		status, _ := event.Data["status"].(string)
		return models.JobStatus(status) == models.JobStatusCanceled
	default:
		return false
	}
}
