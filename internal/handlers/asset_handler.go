package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

// AssetHandler serves generated files under /assets/ straight from the
// runtime assets root.
type AssetHandler struct {
	root   string
	logger arbor.ILogger
}

func NewAssetHandler(root string, logger arbor.ILogger) *AssetHandler {
	return &AssetHandler{root: root, logger: logger}
}

// HandleAssets serves GET /assets/{job_id}/... with path traversal
// rejected before the filesystem is touched.
func (h *AssetHandler) HandleAssets(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/assets/")
	if rel == "" || strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") {
		WriteDetail(w, http.StatusBadRequest, "invalid asset path")
		return
	}

	full := filepath.Join(h.root, filepath.FromSlash(rel))
	// Join cleans the path; a result outside the root means traversal.
	rootAbs, err := filepath.Abs(h.root)
	if err != nil {
		WriteDetail(w, http.StatusInternalServerError, "asset root unavailable")
		return
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil || !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		WriteDetail(w, http.StatusBadRequest, "invalid asset path")
		return
	}

	info, err := os.Stat(fullAbs)
	if err != nil || info.IsDir() {
		WriteDetail(w, http.StatusNotFound, "asset not found")
		return
	}

	http.ServeFile(w, r, fullAbs)
}
