package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/uir"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), arbor.NewLogger())
}

func testDoc() map[string]any {
	return map[string]any{
		"uir_version": "1.0",
		"job":         map[string]any{},
		"input":       map[string]any{"raw_prompt": "a quiet rainy street at night"},
		"intent": map[string]any{
			"targets": []any{"motion", "preview"},
		},
	}
}

func TestCreateAssignsJobID(t *testing.T) {
	store := newTestStore(t)

	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	if strings.Contains(job.ID, "-") {
		t.Errorf("generated id should be bare hex, got %q", job.ID)
	}
	if len(job.ID) != 32 {
		t.Errorf("generated id length = %d, want 32", len(job.ID))
	}

	other, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if other.ID == job.ID {
		t.Error("two creations produced the same id")
	}
}

func TestCreateKeepsSuppliedID(t *testing.T) {
	store := newTestStore(t)
	doc := testDoc()
	doc["job"] = map[string]any{"id": "  job-007  "}

	job, err := store.Create(doc)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if job.ID != "job-007" {
		t.Errorf("ID = %q, want trimmed supplied id", job.ID)
	}
	if got, _ := doc["job"].(map[string]any)["created_at"].(string); got != "" {
		t.Error("Create() must not mutate the caller's document")
	}
}

func TestCreateInitialState(t *testing.T) {
	store := newTestStore(t)

	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Status = %s, want QUEUED", job.Status)
	}
	if job.Stage != "QUEUED" {
		t.Errorf("Stage = %q, want QUEUED", job.Stage)
	}
	if !strings.HasPrefix(job.UIRHash, "sha256:") {
		t.Errorf("UIRHash = %q, want sha256: prefix", job.UIRHash)
	}
	wantPlan := []models.JobStatus{
		models.JobStatusPlanning,
		models.JobStatusRunningMotion,
		models.JobStatusComposingPreview,
	}
	if len(job.StagePlan) != len(wantPlan) {
		t.Fatalf("StagePlan = %v, want %v", job.StagePlan, wantPlan)
	}
	for i, stage := range wantPlan {
		if job.StagePlan[i] != stage {
			t.Errorf("StagePlan[%d] = %s, want %s", i, job.StagePlan[i], stage)
		}
	}
	if job.Logs == nil || len(job.Logs) != 0 {
		t.Errorf("Logs = %v, want empty slice", job.Logs)
	}
	if job.StartedAt != nil || job.EndedAt != nil {
		t.Error("new job must not carry started_at or ended_at")
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if !job.EventStream {
		t.Error("EventStream should default to true")
	}

	createdAt, _ := job.Doc["job"].(map[string]any)["created_at"].(string)
	if createdAt == "" {
		t.Error("canonical document missing job.created_at")
	}
}

func TestCreateWritesJobDirectory(t *testing.T) {
	store := newTestStore(t)
	doc := testDoc()
	doc["job"] = map[string]any{"id": "disk-check"}

	job, err := store.Create(doc)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	jobDir := filepath.Join(store.AssetsRoot(), "disk-check")
	if job.Dir != jobDir {
		t.Errorf("Dir = %q, want %q", job.Dir, jobDir)
	}
	for _, name := range []string{"uir.json", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(jobDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if job.ManifestPath != filepath.Join(jobDir, "manifest.json") {
		t.Errorf("ManifestPath = %q", job.ManifestPath)
	}
	if job.ManifestURL != "/assets/disk-check/manifest.json" {
		t.Errorf("ManifestURL = %q", job.ManifestURL)
	}
}

func TestCreateEventStreamFromHooks(t *testing.T) {
	store := newTestStore(t)
	doc := testDoc()
	doc["hooks"] = map[string]any{"event_stream": false}

	job, err := store.Create(doc)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if job.EventStream {
		t.Error("EventStream should honor hooks.event_stream=false")
	}
}

func TestCreateValidationFailure(t *testing.T) {
	store := newTestStore(t)
	doc := testDoc()
	delete(doc, "input")
	doc["job"] = map[string]any{"id": "invalid-doc"}

	if _, err := store.Create(doc); err == nil {
		t.Fatal("expected validation error")
	} else {
		var verr *uir.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error type = %T, want *uir.ValidationError", err)
		}
	}
	if _, err := os.Stat(filepath.Join(store.AssetsRoot(), "invalid-doc")); !os.IsNotExist(err) {
		t.Error("invalid job must not leave a job directory behind")
	}
	if _, err := store.Get("invalid-doc"); !errors.Is(err, ErrNotFound) {
		t.Error("invalid job must not be registered")
	}
}

func TestCreateNilDocument(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(nil); err == nil {
		t.Fatal("expected error for nil document")
	}
}

func TestUpdateStatusMirrorsStage(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	status := models.JobStatusRunningMotion
	updated, err := store.Update(job.ID, Update{Status: &status})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Stage != "RUNNING_MOTION" {
		t.Errorf("Stage = %q, want status mirrored", updated.Stage)
	}
	if updated.StartedAt == nil {
		t.Error("StartedAt not stamped on leaving QUEUED")
	}
	if updated.EndedAt != nil {
		t.Error("EndedAt must stay unset for non-terminal status")
	}
}

func TestUpdateExplicitStageWins(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	status := models.JobStatusPlanning
	stage := "warmup"
	updated, err := store.Update(job.ID, Update{Status: &status, Stage: &stage})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Stage != "warmup" {
		t.Errorf("Stage = %q, want explicit stage", updated.Stage)
	}
}

func TestUpdateTerminalStampsEndedOnce(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	done := models.JobStatusDone
	first, err := store.Update(job.ID, Update{Status: &done})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if first.EndedAt == nil {
		t.Fatal("EndedAt not stamped on terminal status")
	}

	failed := models.JobStatusFailed
	second, err := store.Update(job.ID, Update{Status: &failed})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Error("EndedAt must only be stamped once")
	}
}

func TestUpdateTerminalStatusIsSink(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	canceled, err := store.Cancel(job.ID, "canceled")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if canceled.EndedAt == nil {
		t.Fatal("EndedAt not stamped on cancel")
	}

	// A worker finishing a stage after the cancel landed must not pull
	// the job back to a running state.
	running := models.JobStatusRunningMotion
	progress := 0.35
	message := "motion done"
	after, err := store.Update(job.ID, Update{
		Status:   &running,
		Progress: &progress,
		Message:  &message,
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if after.Status != models.JobStatusCanceled {
		t.Errorf("Status = %s, want CANCELED", after.Status)
	}
	if after.Stage != string(models.JobStatusCanceled) {
		t.Errorf("Stage = %s, want CANCELED", after.Stage)
	}
	if after.Message != "canceled" {
		t.Errorf("Message = %q, late stage message must be dropped", after.Message)
	}
	if after.EndedAt == nil {
		t.Error("EndedAt must survive the late update")
	}

	// Re-setting the same terminal status still applies its fields.
	same := models.JobStatusCanceled
	finalMessage := "canceled by operator"
	again, err := store.Update(job.ID, Update{Status: &same, Message: &finalMessage})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if again.Status != models.JobStatusCanceled || again.Message != finalMessage {
		t.Errorf("idempotent re-set: status = %s, message = %q", again.Status, again.Message)
	}
}

func TestUpdateProgressClamped(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	cases := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0.42, 0.42},
		{1.7, 1},
	}
	for _, tc := range cases {
		p := tc.in
		updated, err := store.Update(job.ID, Update{Progress: &p})
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
		if updated.Progress != tc.want {
			t.Errorf("Progress(%v) = %v, want %v", tc.in, updated.Progress, tc.want)
		}
	}
}

func TestUpdateQueueInfo(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	pos, size := 2, 5
	updated, err := store.Update(job.ID, Update{QueuePosition: &pos, QueueSize: &size})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.QueuePosition == nil || *updated.QueuePosition != 2 {
		t.Errorf("QueuePosition = %v, want 2", updated.QueuePosition)
	}
	if updated.QueueSize == nil || *updated.QueueSize != 5 {
		t.Errorf("QueueSize = %v, want 5", updated.QueueSize)
	}

	cleared, err := store.Update(job.ID, Update{ClearQueueInfo: true})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if cleared.QueuePosition != nil || cleared.QueueSize != nil {
		t.Error("ClearQueueInfo must drop both queue fields")
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	store := newTestStore(t)
	msg := "nope"
	if _, err := store.Update("missing", Update{Message: &msg}); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAppendLogKeepsBoundedRing(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	total := models.MaxLogLines + 25
	for i := 0; i < total; i++ {
		if _, err := store.AppendLog(job.ID, "line "+strconv.Itoa(i)); err != nil {
			t.Fatalf("AppendLog() error: %v", err)
		}
	}

	got, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(got.Logs) != models.MaxLogLines {
		t.Fatalf("len(Logs) = %d, want %d", len(got.Logs), models.MaxLogLines)
	}
	if got.Logs[0] != "line 25" {
		t.Errorf("oldest line = %q, want line 25", got.Logs[0])
	}
	if got.Logs[len(got.Logs)-1] != "line "+strconv.Itoa(total-1) {
		t.Errorf("newest line = %q", got.Logs[len(got.Logs)-1])
	}
}

func TestSetAssetDottedKind(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	updated, err := store.SetAsset(job.ID, "scene.panorama", "/assets/x/scene/p.png", map[string]any{"mime": "image/png"})
	if err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	bucket, ok := updated.Assets["scene"].(map[string]any)
	if !ok {
		t.Fatalf("scene bucket missing: %v", updated.Assets)
	}
	if bucket["panorama"] != "/assets/x/scene/p.png" {
		t.Errorf("panorama = %v", bucket["panorama"])
	}
	if bucket["mime"] != "image/png" {
		t.Errorf("meta not merged into bucket: %v", bucket)
	}

	// Second field lands in the same bucket.
	updated, err = store.SetAsset(job.ID, "scene.depth", "/assets/x/scene/d.png", nil)
	if err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	bucket = updated.Assets["scene"].(map[string]any)
	if bucket["panorama"] == nil || bucket["depth"] == nil {
		t.Errorf("bucket lost fields across writes: %v", bucket)
	}
}

func TestSetAssetReplacesNonMapBucket(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := store.SetAsset(job.ID, "scene", "scalar", nil); err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	updated, err := store.SetAsset(job.ID, "scene.panorama", "uri", nil)
	if err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	bucket, ok := updated.Assets["scene"].(map[string]any)
	if !ok || bucket["panorama"] != "uri" {
		t.Errorf("dotted write should replace scalar bucket, got %v", updated.Assets["scene"])
	}
}

func TestSetAssetFlatKind(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	updated, err := store.SetAsset(job.ID, "thumbnail", "/assets/x/t.png", map[string]any{"bytes": 10})
	if err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	entry, ok := updated.Assets["thumbnail"].(map[string]any)
	if !ok {
		t.Fatalf("flat kind with meta should wrap value, got %T", updated.Assets["thumbnail"])
	}
	if entry["value"] != "/assets/x/t.png" || entry["bytes"] != 10 {
		t.Errorf("entry = %v", entry)
	}

	updated, err = store.SetAsset(job.ID, "plain", "raw", nil)
	if err != nil {
		t.Fatalf("SetAsset() error: %v", err)
	}
	if updated.Assets["plain"] != "raw" {
		t.Errorf("flat kind without meta should store the value, got %v", updated.Assets["plain"])
	}
}

func TestAppendArtifactsMerges(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	first := []map[string]any{{"role": "motion_bvh", "uri": "/assets/x/motion/m.bvh"}}
	merged, err := store.AppendArtifacts(job.ID, first)
	if err != nil {
		t.Fatalf("AppendArtifacts() error: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}

	second := []map[string]any{{"role": "music_wav", "uri": "/assets/x/music/a.wav"}}
	merged, err = store.AppendArtifacts(job.ID, second)
	if err != nil {
		t.Fatalf("AppendArtifacts() error: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}

	// Mutating the returned list must not reach the store.
	merged[0]["uri"] = "tampered"
	got, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	artifacts := got.Artifacts()
	if len(artifacts) != 2 {
		t.Fatalf("Artifacts() = %v", artifacts)
	}
	if artifacts[0]["uri"] != "/assets/x/motion/m.bvh" {
		t.Error("returned artifact list must be detached from store state")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := store.AppendLog(job.ID, "hello"); err != nil {
		t.Fatalf("AppendLog() error: %v", err)
	}

	snap, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	snap.Logs[0] = "tampered"
	snap.Assets["scene"] = "tampered"

	fresh, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if fresh.Logs[0] != "hello" {
		t.Error("log mutation leaked into store")
	}
	if _, ok := fresh.Assets["scene"]; ok {
		t.Error("asset mutation leaked into store")
	}
}

func TestListOrderAndFilter(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := store.Create(testDoc())
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids = append(ids, job.ID)
	}

	done := models.JobStatusDone
	if _, err := store.Update(ids[1], Update{Status: &done}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	all := store.List("")
	if len(all) != 3 {
		t.Fatalf("List(\"\") = %d jobs, want 3", len(all))
	}
	for i, job := range all {
		if job.ID != ids[i] {
			t.Errorf("List order[%d] = %s, want %s", i, job.ID, ids[i])
		}
	}

	doneJobs := store.List(models.JobStatusDone)
	if len(doneJobs) != 1 || doneJobs[0].ID != ids[1] {
		t.Errorf("List(DONE) = %v", doneJobs)
	}
}

func TestCancelForcesCanceled(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(testDoc())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	canceled, err := store.Cancel(job.ID, "canceled by client")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if canceled.Status != models.JobStatusCanceled {
		t.Errorf("Status = %s, want CANCELED", canceled.Status)
	}
	if canceled.Message != "canceled by client" {
		t.Errorf("Message = %q", canceled.Message)
	}
	if canceled.EndedAt == nil {
		t.Error("cancel must stamp ended_at")
	}
}

