package adapters

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
)

// ResolveOutputDir creates and returns jobDir/<subdir>. The subdir must
// be a single path segment so adapters cannot write outside the job
// directory.
func ResolveOutputDir(jobDir, subdir string) (string, error) {
	if subdir == "" || subdir == "." || subdir == ".." || strings.ContainsAny(subdir, `/\`) {
		return "", fmt.Errorf("subdir must be a single path segment")
	}
	dir := filepath.Join(jobDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// BuildAssetRef builds the wire reference for a produced file. The path
// must sit below the job directory; the uri becomes
// /assets/<job_id>/<rel_path>. Bytes is stat'd from the file when it
// already exists.
func BuildAssetRef(path, jobID, role, mime string, meta map[string]any) (models.AssetRef, error) {
	rel, err := relativeAssetPath(path, jobID)
	if err != nil {
		return models.AssetRef{}, err
	}
	ref := models.AssetRef{
		ID:   jobID + ":" + role,
		Role: role,
		MIME: mime,
		URI:  jobfs.AssetURL(jobID, rel),
	}
	if len(meta) > 0 {
		copied := make(map[string]any, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		ref.Meta = copied
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		ref.Bytes = info.Size()
	}
	return ref, nil
}

// relativeAssetPath derives the job-relative path. Absolute paths must
// contain the job id as a component; relative paths may lead with it.
// At least <subdir>/<file> must remain after stripping.
func relativeAssetPath(path, jobID string) (string, error) {
	parts := splitPathParts(path)
	if filepath.IsAbs(path) {
		idx := -1
		for i, part := range parts {
			if strings.EqualFold(part, jobID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("file path must be under the job directory: %s", jobID)
		}
		parts = parts[idx+1:]
	} else if len(parts) > 0 && strings.EqualFold(parts[0], jobID) {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return "", fmt.Errorf("asset path must be under out_dir/<subdir>/")
	}
	return strings.Join(parts, "/"), nil
}

func splitPathParts(path string) []string {
	normalized := strings.ReplaceAll(filepath.ToSlash(path), `\`, "/")
	raw := strings.Split(normalized, "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// copyFile copies src to dst, truncating dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
