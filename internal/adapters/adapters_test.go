package adapters

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

// stageRecorder captures reporter traffic for assertions.
type stageRecorder struct {
	mu     sync.Mutex
	stages []recordedStage
	logs   []string
}

type recordedStage struct {
	name     string
	progress float64
	message  string
}

func (r *stageRecorder) Stage(name string, progress float64, message string, extra map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, recordedStage{name: name, progress: progress, message: message})
}

func (r *stageRecorder) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *stageRecorder) stageNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stages))
	for _, s := range r.stages {
		names = append(names, s.name)
	}
	return names
}

func (r *stageRecorder) lastStage() recordedStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stages) == 0 {
		return recordedStage{}
	}
	return r.stages[len(r.stages)-1]
}

// newTestJob parses doc and materializes a job directory under a temp
// assets root, mirroring what the store does at submission.
func newTestJob(t *testing.T, jobID string, doc map[string]any) *models.Job {
	t.Helper()
	u, canonical, err := uir.Parse(doc)
	if err != nil {
		t.Fatalf("parse uir: %v", err)
	}
	jobDir, err := jobfs.EnsureJobDirs(t.TempDir(), jobID)
	if err != nil {
		t.Fatalf("ensure job dirs: %v", err)
	}
	return &models.Job{
		ID:     jobID,
		Status: models.JobStatusQueued,
		Doc:    canonical,
		UIR:    u,
		Assets: map[string]any{},
		Dir:    jobDir,
	}
}

// seedArtifact appends a minimal artifact record of the kind adapters
// report, so dependency resolution can find it.
func seedArtifact(job *models.Job, role, uri string) {
	artifacts, _ := job.Assets["artifacts"].([]map[string]any)
	job.Assets["artifacts"] = append(artifacts, map[string]any{
		"id":   job.ID + ":" + role,
		"role": role,
		"mime": "application/octet-stream",
		"uri":  uri,
	})
}

func hasWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if w == want {
			return true
		}
	}
	return false
}

// writeJobFile writes content at relPath under the job directory,
// creating parent directories as needed.
func writeJobFile(t *testing.T, job *models.Job, relPath, content string) string {
	t.Helper()
	path := filepath.Join(job.Dir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", relPath, err)
	}
	return path
}

// writeScript materializes an executable shell script standing in for
// an external tool.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}
