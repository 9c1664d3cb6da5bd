package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
)

func newWebSocketServer(t *testing.T) (*httptest.Server, *WebSocketHandler, *jobs.Store, *events.Bus) {
	t.Helper()
	logger := arbor.NewLogger()
	store := jobs.NewStore(t.TempDir(), logger)
	bus := events.NewBus()
	handler := NewWebSocketHandler(store, bus, time.Minute, logger)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
		handler.HandleJobSocket(w, r, jobID)
	}))
	t.Cleanup(server.Close)
	return server, handler, store, bus
}

func dialJob(t *testing.T, server *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/jobs/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestSocketUnknownJobClosesWithApplicationCode(t *testing.T) {
	server, _, _, _ := newWebSocketServer(t)

	conn := dialJob(t, server, "missing")

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "job not found", frame["error"])

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, closeJobNotFound, closeErr.Code)
}

func TestSocketSendsSnapshotFirst(t *testing.T) {
	server, _, store, _ := newWebSocketServer(t)

	job, err := store.Create(DemoDocument())
	require.NoError(t, err)

	conn := dialJob(t, server, job.ID)

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "snapshot", frame["type"])
	require.Equal(t, job.ID, frame["job_id"])
	require.Equal(t, "QUEUED", frame["status"])
	require.Contains(t, frame, "logs_tail")
}

func TestSocketForwardsJobEvents(t *testing.T) {
	server, _, store, bus := newWebSocketServer(t)

	job, err := store.Create(DemoDocument())
	require.NoError(t, err)

	conn := dialJob(t, server, job.ID)

	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, "snapshot", snapshot["type"])

	// Mutate the store the way the reporter would, then publish.
	status := models.JobStatusRunningMotion
	progress := 0.2
	message := "running motion"
	_, err = store.Update(job.ID, jobs.Update{Status: &status, Progress: &progress, Message: &message})
	require.NoError(t, err)
	bus.Publish(job.ID, "status", map[string]any{"message": message, "phase": "motion"})

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "status", frame["type"])
	require.Equal(t, "RUNNING_MOTION", frame["status"])
	require.Equal(t, "running motion", frame["message"])
	require.Equal(t, "motion", frame["hint"])
	// Socket progress is a percentage.
	require.InDelta(t, 20.0, frame["progress"], 0.01)
}

func TestSocketTerminalJobClosesAfterSnapshot(t *testing.T) {
	server, _, store, _ := newWebSocketServer(t)

	job, err := store.Create(DemoDocument())
	require.NoError(t, err)
	_, err = store.Cancel(job.ID, "canceled")
	require.NoError(t, err)

	conn := dialJob(t, server, job.ID)

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "CANCELED", frame["status"])

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestBroadcastLogReachesConnectedClients(t *testing.T) {
	server, handler, store, _ := newWebSocketServer(t)

	job, err := store.Create(DemoDocument())
	require.NoError(t, err)

	conn := dialJob(t, server, job.ID)

	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	handler.BroadcastLog(LogEntry{
		Timestamp: "12:00:00",
		Level:     "warn",
		Message:   "gpu temperature high",
	})

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "service_log", frame["type"])
	require.Equal(t, "warn", frame["level"])
	require.Equal(t, "gpu temperature high", frame["message"])
}
