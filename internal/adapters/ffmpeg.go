package adapters

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/uir"
)

const (
	defaultExportFPS    = 30
	defaultExportWidth  = 1920
	defaultExportHeight = 960
)

// zipInclude maps an include key to the job-relative files bundled for
// it. Missing files are skipped, not errors.
var zipInclude = map[string][]string{
	"scene":     {"scene/panorama.png", "scene/scene_meta.json"},
	"motion":    {"motion/motion.bvh", "motion/motion_meta.json"},
	"music":     {"music/music.wav", "music/music_meta.json"},
	"preview":   {"preview/preview_config.json"},
	"character": {"character/character_manifest.json"},
	"manifest":  {"manifest.json"},
}

var defaultZipInclude = []string{"scene", "motion", "music", "preview", "manifest"}

// FfmpegExportConfig locates ffmpeg, the AnimationGPT clip renderer
// used for the motion overlay, and the interpreter that runs it. Zero
// values fall back to FFMPEG_BIN, ANIMATION_PY (or ANIMATIONGPT_ROOT)
// and PYTHON_MP4_EXE / ANIMATIONGPT_PYTHON / PYTHON_EXE.
type FfmpegExportConfig struct {
	FfmpegBin   string
	AnimationPy string
	PythonExe   string
}

func (c FfmpegExportConfig) withDefaults() FfmpegExportConfig {
	if c.FfmpegBin == "" {
		c.FfmpegBin = strings.TrimSpace(os.Getenv("FFMPEG_BIN"))
	}
	if c.AnimationPy == "" {
		root := envOr("ANIMATIONGPT_ROOT", filepath.Join("third_party", "AnimationGPT"))
		c.AnimationPy = envOr("ANIMATION_PY", filepath.Join(root, "tools", "animation.py"))
	}
	if c.PythonExe == "" {
		c.PythonExe = envOr("PYTHON_MP4_EXE", envOr("ANIMATIONGPT_PYTHON", envOr("PYTHON_EXE", "python3")))
	}
	return c
}

// FfmpegExportAdapter produces the final deliverable: an mp4 that
// composites the scene panorama, the rendered motion clip and the
// music track, or a zip bundling the per-modality outputs.
type FfmpegExportAdapter struct {
	cfg FfmpegExportConfig
}

func NewFfmpegExportAdapter(cfg FfmpegExportConfig) *FfmpegExportAdapter {
	return &FfmpegExportAdapter{cfg: cfg.withDefaults()}
}

func (f *FfmpegExportAdapter) ProviderID() string  { return "ffmpeg_export" }
func (f *FfmpegExportAdapter) Modality() string    { return models.ModalityExport }
func (f *FfmpegExportAdapter) MaxConcurrency() int { return 1 }

func (f *FfmpegExportAdapter) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	export := u.Modules.Export
	if export.Enabled {
		if format := exportFormat(export); format != "mp4" && format != "zip" {
			return fmt.Errorf("modules.export.format must be mp4 or zip")
		}
	}
	return nil
}

func (f *FfmpegExportAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, f.Modality(), rep)
	defer log.Close()

	outputDir, err := ResolveOutputDir(job.Dir, f.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}

	export := job.UIR.Modules.Export
	switch format := exportFormat(export); format {
	case "zip":
		return f.runZip(job, outputDir, rep, log, warnings, export.Include)
	case "mp4":
		return f.runMP4(ctx, job, outputDir, rep, log, warnings)
	default:
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrUnsupported,
			"unsupported export format: "+format,
			nil,
		)), nil
	}
}

func (f *FfmpegExportAdapter) runMP4(ctx context.Context, job *models.Job, outputDir string, rep interfaces.StageReporter, log *stageLogger, warnings []string) (*models.AdapterResult, error) {
	u := job.UIR
	export := u.Modules.Export

	durationS, known := exportDuration(u)
	if !known {
		warnings = append(warnings, "duration_s missing; defaulting to 12s")
	}
	fps := exportFPS(export)
	width, height := exportResolution(u)
	bitrate := strings.TrimSpace(export.Bitrate)

	rep.Stage("collect", 0.2, "collecting export inputs", nil)

	sceneArtifact := job.FindArtifact(models.RoleScenePanorama)
	if sceneArtifact == nil {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"missing required artifacts",
			map[string]any{"missing": []string{models.RoleScenePanorama}},
		)), nil
	}
	scenePath := artifactDiskPath(sceneArtifact, job.Dir, job.ID)
	if !fileExists(scenePath) {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"scene panorama not found on disk",
			map[string]any{"path": scenePath},
		)), nil
	}

	motionNPY := findMotionNPY(job)
	if motionNPY == "" {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"missing required artifacts",
			map[string]any{"missing": []string{models.RoleMotionNPY}},
		)), nil
	}
	log.Line("[collect] scene=" + scenePath + " motion_npy=" + motionNPY)

	// The motion stage records the frame rate and duration it actually
	// produced; those beat the requested values, except an explicit
	// export.fps.
	if meta := readJSONFile(filepath.Join(job.Dir, "motion", "motion_meta.json")); len(meta) > 0 {
		if export.FPS == nil {
			if v, ok := meta["fps"].(float64); ok && int(v) > 0 {
				fps = int(v)
			}
		}
		if v, ok := meta["duration_s"].(float64); ok {
			durationS = v
		}
	}

	var musicPath string
	if musicArtifact := job.FindArtifact(models.RoleMusicWAV); musicArtifact != nil {
		candidate := artifactDiskPath(musicArtifact, job.Dir, job.ID)
		if fileExists(candidate) {
			musicPath = candidate
		} else {
			warnings = append(warnings, "music_wav missing on disk; exporting silent video")
		}
	} else {
		warnings = append(warnings, "music_wav missing; exporting silent video")
	}

	ffmpegBin := f.resolveFfmpeg()
	if ffmpegBin == "" {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"ffmpeg executable not found",
			map[string]any{"env": "FFMPEG_BIN"},
		)), nil
	}
	if _, err := os.Stat(f.cfg.AnimationPy); err != nil {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"animation.py not found",
			map[string]any{"path": f.cfg.AnimationPy},
		)), nil
	}

	renderDir := filepath.Join(outputDir, "render")
	if err := os.MkdirAll(renderDir, 0o755); err != nil {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to create render directory",
			map[string]any{"path": renderDir, "error": err.Error()},
		)), nil
	}
	outputPath := filepath.Join(outputDir, "final.mp4")

	rep.Stage("render", 0.45, "rendering motion video", nil)
	renderCmd := f.renderCmd(filepath.Dir(motionNPY), renderDir, fps, ffmpegBin)
	log.Line("[render_cmd] " + strings.Join(renderCmd, " "))
	res, err := runCommand(ctx, log, commandSpec{
		argv: renderCmd,
		dir:  filepath.Dir(f.cfg.AnimationPy),
		env:  append(os.Environ(), "PYTHONIOENCODING=utf-8"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"motion render failed",
			map[string]any{"error": err.Error()},
		)), nil
	}
	if res.exitCode != 0 {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"motion render failed",
			map[string]any{"return_code": res.exitCode, "log": log.Path()},
		)), nil
	}

	motionVideo := newestMatch(renderDir, "*.mp4")
	if motionVideo == "" {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"motion mp4 missing",
			map[string]any{"dir": renderDir},
		)), nil
	}

	rep.Stage("compose", 0.75, "compositing scene and music", nil)
	composeCmd := compositeCmd(ffmpegBin, scenePath, motionVideo, musicPath, outputPath, durationS, fps, width, height, bitrate)
	log.Line("[compose_cmd] " + strings.Join(composeCmd, " "))
	res, err = runCommand(ctx, log, commandSpec{argv: composeCmd})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"ffmpeg composition failed",
			map[string]any{"error": err.Error()},
		)), nil
	}
	if res.exitCode != 0 {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"ffmpeg composition failed",
			map[string]any{"return_code": res.exitCode, "log": log.Path()},
		)), nil
	}

	if !waitForFile(outputPath, 5*time.Second) {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"export mp4 missing",
			map[string]any{"path": outputPath},
		)), nil
	}

	artifact, err := BuildAssetRef(outputPath, job.ID, models.RoleExportMP4, "video/mp4", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "export mp4 ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  f.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta: map[string]any{
			"format":     "mp4",
			"duration_s": durationS,
			"fps":        fps,
			"resolution": []int{width, height},
		},
		Warnings: warnings,
	}, nil
}

func (f *FfmpegExportAdapter) runZip(job *models.Job, outputDir string, rep interfaces.StageReporter, log *stageLogger, warnings []string, include []string) (*models.AdapterResult, error) {
	outputPath := filepath.Join(outputDir, "bundle.zip")

	rep.Stage("collect", 0.3, "collecting export assets", nil)
	files := gatherZipFiles(job.Dir, normalizeInclude(include))
	if len(files) == 0 {
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"no exportable assets found",
			nil,
		)), nil
	}
	for _, entry := range files {
		log.Line("[collect] " + entry.arcname)
	}

	rep.Stage("running", 0.7, "building export zip", nil)
	if err := writeZip(outputPath, files); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(f.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write export zip",
			map[string]any{"path": outputPath, "error": err.Error()},
		)), nil
	}

	artifact, err := BuildAssetRef(outputPath, job.ID, models.RoleExportZip, "application/zip", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "export zip ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  f.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"format": "zip", "files": len(files)},
		Warnings:  warnings,
	}, nil
}

// renderCmd drives the AnimationGPT clip renderer over the npy folder,
// leaving one mp4 per clip in renderDir.
func (f *FfmpegExportAdapter) renderCmd(npyDir, renderDir string, fps int, ffmpegBin string) []string {
	argv := []string{
		f.cfg.PythonExe, f.cfg.AnimationPy,
		"--npy-folder", npyDir,
		"--mp4-folder", renderDir,
		"--fps", strconv.Itoa(fps),
	}
	if ffmpegBin != "" {
		argv = append(argv, "--ffmpeg", ffmpegBin)
	}
	return argv
}

// resolveFfmpeg returns the configured binary when it exists, then
// falls back to PATH.
func (f *FfmpegExportAdapter) resolveFfmpeg() string {
	if f.cfg.FfmpegBin != "" {
		if _, err := os.Stat(f.cfg.FfmpegBin); err == nil {
			return f.cfg.FfmpegBin
		}
	}
	if found, err := exec.LookPath("ffmpeg"); err == nil {
		return found
	}
	return ""
}

// compositeCmd builds the ffmpeg invocation: the panorama looped as
// background, the motion render overlaid at 45% of the frame height in
// the lower right corner, and the music track muxed in when present.
func compositeCmd(ffmpegBin, scenePath, motionPath, musicPath, outputPath string, durationS float64, fps, width, height int, bitrate string) []string {
	overlayHeight := int(float64(height) * 0.45)
	if overlayHeight < 1 {
		overlayHeight = 1
	}
	filter := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d[bg];"+
			"[1:v]scale=-2:%d[fg];"+
			"[bg][fg]overlay=W-w-40:H-h-40:shortest=1[v]",
		width, height, width, height, overlayHeight,
	)
	argv := []string{
		ffmpegBin,
		"-y",
		"-loglevel", "error",
		"-loop", "1",
		"-framerate", strconv.Itoa(fps),
		"-i", scenePath,
		"-i", motionPath,
	}
	if musicPath != "" {
		argv = append(argv, "-i", musicPath)
	}
	argv = append(argv,
		"-t", fmt.Sprintf("%.2f", durationS),
		"-filter_complex", filter,
		"-map", "[v]",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps),
		"-movflags", "+faststart",
	)
	if bitrate != "" {
		argv = append(argv, "-b:v", bitrate)
	}
	if musicPath != "" {
		argv = append(argv,
			"-map", "2:a",
			"-af", "aformat=channel_layouts=stereo",
			"-c:a", "aac",
			"-shortest",
		)
	} else {
		argv = append(argv, "-an")
	}
	return append(argv, outputPath)
}

// findMotionNPY locates the raw joints file: the registered artifact
// first, then the conventional motion/motion_out.npy, then the newest
// *_out.npy the motion stage left behind.
func findMotionNPY(job *models.Job) string {
	if artifact := job.FindArtifact(models.RoleMotionNPY); artifact != nil {
		if candidate := artifactDiskPath(artifact, job.Dir, job.ID); fileExists(candidate) {
			return candidate
		}
	}
	fallback := filepath.Join(job.Dir, "motion", "motion_out.npy")
	if fileExists(fallback) {
		return fallback
	}
	return newestMatch(filepath.Join(job.Dir, "motion"), "*_out.npy")
}

// artifactDiskPath maps a stored artifact reference back to its file
// under the job directory. Only /assets/<job_id>/ URIs and job-relative
// paths resolve; anything else returns "".
func artifactDiskPath(artifact map[string]any, jobDir, jobID string) string {
	uri, _ := artifact["uri"].(string)
	if uri == "" {
		return ""
	}
	if rel, ok := strings.CutPrefix(uri, "/assets/"+jobID+"/"); ok {
		rel = strings.TrimLeft(rel, "/")
		if rel == "" {
			return ""
		}
		return filepath.Join(jobDir, filepath.FromSlash(rel))
	}
	if !strings.HasPrefix(uri, "/") {
		return filepath.Join(jobDir, filepath.FromSlash(uri))
	}
	return ""
}

func exportFormat(export models.ExportModule) string {
	format := strings.ToLower(strings.TrimSpace(export.Format))
	if format == "" {
		return "mp4"
	}
	return format
}

func exportFPS(export models.ExportModule) int {
	if export.FPS != nil && *export.FPS > 0 {
		return *export.FPS
	}
	return defaultExportFPS
}

// exportResolution prefers the export override, then the scene render
// size, then the 2:1 default frame.
func exportResolution(u *models.UIR) (int, int) {
	if w, h, ok := validResolution(u.Modules.Export.Resolution); ok {
		return w, h
	}
	if w, h, ok := validResolution(u.Modules.Scene.Resolution); ok {
		return w, h
	}
	return defaultExportWidth, defaultExportHeight
}

func validResolution(value []int) (width, height int, ok bool) {
	if len(value) != 2 || value[0] <= 0 || value[1] <= 0 {
		return 0, 0, false
	}
	return value[0], value[1], true
}

// exportDuration returns the clip duration and whether the document
// set one.
func exportDuration(u *models.UIR) (float64, bool) {
	if d := u.Modules.Motion.DurationS; d != nil {
		return *d, true
	}
	if d := u.Intent.DurationS; d != nil {
		return *d, true
	}
	return models.DefaultIntentDurationS, false
}

func normalizeInclude(include []string) []string {
	if include == nil {
		return defaultZipInclude
	}
	out := make([]string, 0, len(include))
	for _, item := range include {
		if trimmed := strings.ToLower(strings.TrimSpace(item)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type zipEntry struct {
	path    string
	arcname string
}

func gatherZipFiles(jobDir string, include []string) []zipEntry {
	files := []zipEntry{}
	for _, key := range include {
		for _, rel := range zipInclude[key] {
			path := filepath.Join(jobDir, filepath.FromSlash(rel))
			if fileExists(path) {
				files = append(files, zipEntry{path: path, arcname: rel})
			}
		}
	}
	return files
}

// writeZip bundles entries under their job-relative names.
func writeZip(outputPath string, entries []zipEntry) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	archive := zip.NewWriter(out)
	for _, entry := range entries {
		in, err := os.Open(entry.path)
		if err != nil {
			archive.Close()
			out.Close()
			return err
		}
		w, err := archive.Create(entry.arcname)
		if err == nil {
			_, err = io.Copy(w, in)
		}
		in.Close()
		if err != nil {
			archive.Close()
			out.Close()
			return err
		}
	}
	if err := archive.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// newestMatch returns the most recently modified regular file in dir
// matching pattern, or "".
func newestMatch(dir, pattern string) string {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return ""
	}
	newest := ""
	var newestMod time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = match
			newestMod = info.ModTime()
		}
	}
	return newest
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// waitForFile polls until path exists with non-zero size or the
// timeout lapses.
func waitForFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}
