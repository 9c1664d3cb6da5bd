package jobfs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// UIRFileName and ManifestFileName are the fixed document names inside
// a job directory.
const (
	UIRFileName      = "uir.json"
	ManifestFileName = "manifest.json"
)

// jobSubdirs are created for every job at creation time. The character
// adapter creates its own directory on demand.
var jobSubdirs = []string{"logs", "scene", "motion", "music", "preview", "export"}

// EnsureJobDirs creates the per-job directory tree under the assets
// root and returns the job directory path.
func EnsureJobDirs(assetsRoot, jobID string) (string, error) {
	jobDir := filepath.Join(assetsRoot, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	for _, name := range jobSubdirs {
		if err := os.MkdirAll(filepath.Join(jobDir, name), 0o755); err != nil {
			return "", fmt.Errorf("failed to create job subdir %s: %w", name, err)
		}
	}
	return jobDir, nil
}

// WriteUIR persists the canonical document as uir.json.
func WriteUIR(jobDir string, doc map[string]any) error {
	data, err := encodeASCII(doc)
	if err != nil {
		return fmt.Errorf("failed to encode uir.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(jobDir, UIRFileName), data)
}

// AssetURL joins path parts under the public asset prefix for a job.
// Separators are normalized to forward slashes and empty parts are
// dropped.
func AssetURL(jobID string, parts ...string) string {
	safe := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ReplaceAll(part, "\\", "/")
		part = strings.Trim(part, "/")
		if part != "" {
			safe = append(safe, part)
		}
	}
	if len(safe) == 0 {
		return "/assets/" + jobID
	}
	return "/assets/" + jobID + "/" + strings.Join(safe, "/")
}

// ReadManifest loads a job's manifest from disk.
func ReadManifest(assetsRoot, jobID string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(assetsRoot, jobID, ManifestFileName))
	if err != nil {
		return nil, err
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return manifest, nil
}

// ListManifests scans the assets root for job manifests and returns
// them sorted by created_at, newest first. Entries that cannot be read
// or decoded are skipped.
func ListManifests(assetsRoot string) []map[string]any {
	entries, err := os.ReadDir(assetsRoot)
	if err != nil {
		return []map[string]any{}
	}
	manifests := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := ReadManifest(assetsRoot, entry.Name())
		if err != nil || manifest == nil {
			continue
		}
		if _, ok := manifest["job_id"]; !ok {
			manifest["job_id"] = entry.Name()
		}
		manifests = append(manifests, manifest)
	}
	sort.SliceStable(manifests, func(i, j int) bool {
		return manifestCreatedAt(manifests[i]) > manifestCreatedAt(manifests[j])
	})
	return manifests
}

func manifestCreatedAt(manifest map[string]any) string {
	if v, ok := manifest["created_at"].(string); ok {
		return v
	}
	return ""
}

// WriteJSON writes v at path as two-space-indented ASCII-safe JSON,
// the encoding every document under a job directory uses.
func WriteJSON(path string, v any) error {
	data, err := encodeASCII(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// encodeASCII renders JSON with two-space indent, sorted keys, and all
// non-ASCII runes escaped, so identical content yields identical bytes.
func encodeASCII(v any) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	if isASCII(raw) {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) + 64)
	for _, r := range string(raw) {
		if r < utf8.RuneSelf {
			buf.WriteByte(byte(r))
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, "\\u%04x\\u%04x", hi, lo)
			continue
		}
		fmt.Fprintf(&buf, "\\u%04x", r)
	}
	return buf.Bytes(), nil
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
