package jobfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureJobDirs(t *testing.T) {
	root := t.TempDir()
	jobDir, err := EnsureJobDirs(root, "job-1")
	if err != nil {
		t.Fatalf("EnsureJobDirs() error = %v", err)
	}
	if jobDir != filepath.Join(root, "job-1") {
		t.Errorf("jobDir = %q", jobDir)
	}
	for _, name := range []string{"logs", "scene", "motion", "music", "preview", "export"} {
		info, err := os.Stat(filepath.Join(jobDir, name))
		if err != nil || !info.IsDir() {
			t.Errorf("subdir %s missing: %v", name, err)
		}
	}
	// Idempotent on existing directories.
	if _, err := EnsureJobDirs(root, "job-1"); err != nil {
		t.Errorf("EnsureJobDirs() second call error = %v", err)
	}
}

func TestWriteUIR(t *testing.T) {
	root := t.TempDir()
	jobDir, err := EnsureJobDirs(root, "job-1")
	if err != nil {
		t.Fatalf("EnsureJobDirs() error = %v", err)
	}
	doc := map[string]any{
		"uir_version": "1.0",
		"input":       map[string]any{"raw_prompt": "武士"},
	}
	if err := WriteUIR(jobDir, doc); err != nil {
		t.Fatalf("WriteUIR() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(jobDir, UIRFileName))
	if err != nil {
		t.Fatalf("read uir.json: %v", err)
	}
	for _, b := range data {
		if b >= 0x80 {
			t.Fatalf("uir.json contains non-ASCII byte %#x", b)
		}
	}
	if !strings.Contains(string(data), `\u6b66\u58eb`) {
		t.Errorf("uir.json should escape unicode, got %s", data)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("uir.json not valid JSON: %v", err)
	}
	if decoded["input"].(map[string]any)["raw_prompt"] != "武士" {
		t.Errorf("round trip lost the prompt: %v", decoded)
	}
}

func TestAssetURL(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{"no parts", nil, "/assets/j1"},
		{"single file", []string{"manifest.json"}, "/assets/j1/manifest.json"},
		{"nested", []string{"scene", "panorama.png"}, "/assets/j1/scene/panorama.png"},
		{"windows separators", []string{`motion\motion.bvh`}, "/assets/j1/motion/motion.bvh"},
		{"extra slashes", []string{"/scene/", "", "//panorama.png"}, "/assets/j1/scene/panorama.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssetURL("j1", tt.parts...); got != tt.want {
				t.Errorf("AssetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListManifestsSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, tc := range []struct{ id, createdAt string }{
		{"job-old", "2025-01-01T00:00:00Z"},
		{"job-new", "2025-06-01T00:00:00Z"},
		{"job-mid", "2025-03-01T00:00:00Z"},
	} {
		jobDir, err := EnsureJobDirs(root, tc.id)
		if err != nil {
			t.Fatalf("EnsureJobDirs() error = %v", err)
		}
		doc := map[string]any{
			"uir_version": "1.0",
			"job":         map[string]any{"id": tc.id, "created_at": tc.createdAt},
			"input":       map[string]any{"raw_prompt": "p"},
		}
		if _, err := WriteManifest(jobDir, doc, "QUEUED", nil, nil); err != nil {
			t.Fatalf("WriteManifest() error = %v", err)
		}
	}
	// A directory without a manifest is skipped.
	if err := os.MkdirAll(filepath.Join(root, "not-a-job"), 0o755); err != nil {
		t.Fatal(err)
	}
	// A corrupt manifest is skipped too.
	badDir := filepath.Join(root, "job-bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, ManifestFileName), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	manifests := ListManifests(root)
	if len(manifests) != 3 {
		t.Fatalf("ListManifests() returned %d entries, want 3", len(manifests))
	}
	want := []string{"job-new", "job-mid", "job-old"}
	for i, manifest := range manifests {
		if manifest["job_id"] != want[i] {
			t.Errorf("manifests[%d].job_id = %v, want %s", i, manifest["job_id"], want[i])
		}
	}
}

func TestListManifestsMissingRoot(t *testing.T) {
	manifests := ListManifests(filepath.Join(t.TempDir(), "nope"))
	if len(manifests) != 0 {
		t.Errorf("ListManifests() = %v, want empty", manifests)
	}
}

func TestReadManifestMissing(t *testing.T) {
	if _, err := ReadManifest(t.TempDir(), "ghost"); !os.IsNotExist(err) {
		t.Errorf("ReadManifest() error = %v, want not-exist", err)
	}
}
