package adapters

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

// AnimationGPTConfig locates the local AnimationGPT checkout and the
// interpreter that drives it. Zero values fall back to the
// ANIMATIONGPT_ROOT, MOTIONGPT_ROOT and ANIMATIONGPT_PYTHON (or
// PYTHON_EXE) environment variables, then to the conventional layout
// under third_party/.
type AnimationGPTConfig struct {
	Root       string
	MotionRoot string
	PythonExe  string
}

func (c AnimationGPTConfig) withDefaults() AnimationGPTConfig {
	if c.Root == "" {
		c.Root = envOr("ANIMATIONGPT_ROOT", filepath.Join("third_party", "AnimationGPT"))
	}
	if c.MotionRoot == "" {
		c.MotionRoot = envOr("MOTIONGPT_ROOT", filepath.Join(c.Root, "algorithm", "MotionGPT"))
	}
	if c.PythonExe == "" {
		c.PythonExe = envOr("ANIMATIONGPT_PYTHON", envOr("PYTHON_EXE", "python3"))
	}
	return c
}

// motionQuality maps constraints.quality to BVH converter settings.
type motionQuality struct {
	label      string
	iterations int
	footIK     bool
}

// AnimationGPTAdapter drives the local AnimationGPT demo to synthesize
// skeletal motion from a text prompt, then converts the raw joints
// array to BVH. Both steps run as subprocesses of the configured
// python interpreter.
type AnimationGPTAdapter struct {
	cfg AnimationGPTConfig
}

func NewAnimationGPTAdapter(cfg AnimationGPTConfig) *AnimationGPTAdapter {
	return &AnimationGPTAdapter{cfg: cfg.withDefaults()}
}

func (a *AnimationGPTAdapter) ProviderID() string  { return "animationgpt_local" }
func (a *AnimationGPTAdapter) Modality() string    { return models.ModalityMotion }
func (a *AnimationGPTAdapter) MaxConcurrency() int { return 1 }

func (a *AnimationGPTAdapter) demoScript() string { return filepath.Join(a.cfg.MotionRoot, "demo.py") }
func (a *AnimationGPTAdapter) demoConfig() string {
	return filepath.Join(a.cfg.MotionRoot, "config_AGPT.yaml")
}
func (a *AnimationGPTAdapter) checkpoint() string {
	return filepath.Join(a.cfg.MotionRoot, "mGPT.ckpt")
}
func (a *AnimationGPTAdapter) converterDir() string {
	return filepath.Join(a.cfg.Root, "tools", "npy2bvh")
}
func (a *AnimationGPTAdapter) converterScript() string {
	return filepath.Join(a.converterDir(), "joints2bvh.py")
}

func (a *AnimationGPTAdapter) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	motion := u.Modules.Motion
	if motion.Enabled && strings.TrimSpace(motion.Prompt) == "" {
		return fmt.Errorf("modules.motion.prompt is required when motion.enabled=true")
	}
	if fps := motion.FPSValue(); fps < 15 || fps > 60 {
		return fmt.Errorf("modules.motion.fps must be between 15 and 60")
	}
	if duration := motionDurationS(u); duration < 1 || duration > 60 {
		return fmt.Errorf("duration_s must be between 1 and 60")
	}
	return nil
}

func (a *AnimationGPTAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, a.Modality(), rep)
	defer log.Close()

	outputDir, err := ResolveOutputDir(job.Dir, a.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}

	u := job.UIR
	prompt := strings.TrimSpace(u.Modules.Motion.Prompt)
	if prompt == "" {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrValidationInput,
			"modules.motion.prompt is required",
			nil,
		)), nil
	}
	fps := u.Modules.Motion.FPSValue()
	requested := motionDurationS(u)
	quality, qualityWarning := qualityForTier(u)
	if qualityWarning != "" {
		warnings = append(warnings, qualityWarning)
	}

	rep.Stage("prepare", 0.1, "preparing AnimationGPT inputs", nil)
	log.Line(fmt.Sprintf("[prepare] job_id=%s prompt=%q", job.ID, prompt))

	promptPath := filepath.Join(outputDir, "motion_prompt.txt")
	if err := os.WriteFile(promptPath, []byte(prompt+"\n"), 0o644); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write prompt file",
			map[string]any{"path": promptPath, "error": err.Error()},
		)), nil
	}

	rep.Stage("running", 0.5, "running AnimationGPT demo", nil)
	start := time.Now()
	if missing := a.missingDependencies(); len(missing) > 0 {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"AnimationGPT scripts are missing",
			map[string]any{"missing": missing},
		)), nil
	}

	demo := commandSpec{
		argv:     []string{a.cfg.PythonExe, a.demoScript(), "--cfg", a.demoConfig(), "--example", promptPath},
		dir:      a.cfg.MotionRoot,
		env:      a.demoEnv(u),
		timeoutS: u.MaxRuntimeS(),
	}
	log.Line("[running] " + strings.Join(demo.argv, " "))
	res, err := runCommand(ctx, log, demo)
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrTimeout,
			"AnimationGPT timed out",
			map[string]any{"timeout_s": u.MaxRuntimeS()},
		)), nil
	}
	if res.exitCode != 0 {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"AnimationGPT demo failed",
			map[string]any{"exit_code": res.exitCode, "log": log.Path()},
		)), nil
	}

	samplesDir, err := a.findLatestSamplesDir(start)
	if err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"AnimationGPT output not found",
			map[string]any{"error": err.Error()},
		)), nil
	}
	npyPath, multiple, err := findOutputNPY(samplesDir)
	if err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"AnimationGPT output not found",
			map[string]any{"error": err.Error()},
		)), nil
	}
	if multiple {
		warnings = append(warnings, fmt.Sprintf("multiple output npy files found; using %s", filepath.Base(npyPath)))
	}

	motionNPYPath := filepath.Join(outputDir, "motion_out.npy")
	if err := copyFile(npyPath, motionNPYPath); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to copy motion npy",
			map[string]any{"path": motionNPYPath, "error": err.Error()},
		)), nil
	}

	rep.Stage("finalize", 0.9, "converting motion to BVH", nil)
	frames, err := motionFrames(motionNPYPath)
	if err != nil {
		log.Line("[convert] " + err.Error())
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"BVH conversion failed",
			map[string]any{"error": err.Error()},
		)), nil
	}
	log.Line(fmt.Sprintf("[convert] quality=%s iterations=%d foot_ik=%t",
		quality.label, quality.iterations, quality.footIK))

	bvhPath := filepath.Join(outputDir, "motion.bvh")
	convertArgs := []string{
		a.cfg.PythonExe, a.converterScript(),
		"--npy", motionNPYPath,
		"--bvh", bvhPath,
		"--fps", strconv.Itoa(fps),
		"--iterations", strconv.Itoa(quality.iterations),
	}
	if quality.footIK {
		convertArgs = append(convertArgs, "--foot-ik")
	}
	res, err = runCommand(ctx, log, commandSpec{argv: convertArgs, dir: a.converterDir()})
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"BVH conversion failed",
			map[string]any{"exit_code": res.exitCode, "log": log.Path()},
		)), nil
	}
	if _, err := os.Stat(bvhPath); err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"BVH output missing",
			map[string]any{"path": bvhPath},
		)), nil
	}

	actual := float64(frames) / float64(fps)
	if math.Abs(actual-requested) > 1.0/float64(fps) {
		warnings = append(warnings,
			fmt.Sprintf("generated duration %.2fs differs from requested %.2fs", actual, requested))
	}

	meta := map[string]any{
		"fps":                  fps,
		"duration_s":           actual,
		"requested_duration_s": requested,
		"frames":               frames,
		"skeleton":             defaultSkeleton,
		"source_provider":      a.ProviderID(),
		"prompt_used":          prompt,
		"quality":              quality.label,
	}
	metaPath := filepath.Join(outputDir, "motion_meta.json")
	if err := jobfs.WriteJSON(metaPath, meta); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write motion_meta.json",
			map[string]any{"path": metaPath, "error": err.Error()},
		)), nil
	}

	bvhRef, err := BuildAssetRef(bvhPath, job.ID, models.RoleMotionBVH, "text/plain", nil)
	if err != nil {
		return nil, err
	}
	npyRef, err := BuildAssetRef(motionNPYPath, job.ID, models.RoleMotionNPY, "application/octet-stream", nil)
	if err != nil {
		return nil, err
	}
	metaRef, err := BuildAssetRef(metaPath, job.ID, models.RoleMotionMeta, "application/json", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "motion artifacts ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  a.ProviderID(),
		Artifacts: []models.AssetRef{bvhRef, npyRef, metaRef},
		Meta: map[string]any{
			"fps":        fps,
			"duration_s": actual,
			"frames":     frames,
		},
		Warnings: warnings,
	}, nil
}

// demoEnv extends the process environment with the python paths the
// demo needs and the GPU pin from runtime.locks.gpu.
func (a *AnimationGPTAdapter) demoEnv(u *models.UIR) []string {
	pythonPath := a.cfg.MotionRoot + string(os.PathListSeparator) +
		filepath.Join(a.cfg.Root, "algorithm", "HumanML3D")
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		pythonPath += string(os.PathListSeparator) + existing
	}
	env := append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONPATH="+pythonPath)
	if lock := u.Runtime.GPULock(); lock != "" {
		env = append(env, "CUDA_VISIBLE_DEVICES="+lock)
	}
	return env
}

func (a *AnimationGPTAdapter) missingDependencies() []string {
	missing := []string{}
	for _, path := range []string{a.demoScript(), a.demoConfig(), a.checkpoint(), a.converterScript()} {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	return missing
}

// findLatestSamplesDir locates the newest samples_* directory the demo
// produced. Directories older than the run start (with two seconds of
// slack for clock skew) are only considered when no fresh one exists.
func (a *AnimationGPTAdapter) findLatestSamplesDir(start time.Time) (string, error) {
	roots := []string{
		filepath.Join(a.cfg.MotionRoot, "results"),
		filepath.Join(a.cfg.MotionRoot, "output"),
		filepath.Join(a.cfg.Root, "results"),
		a.cfg.MotionRoot,
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	all := []candidate{}
	for _, root := range roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(root), "**/samples_*")
		if err != nil {
			continue
		}
		for _, match := range matches {
			path := filepath.Join(root, filepath.FromSlash(match))
			info, err := os.Stat(path)
			if err != nil || !info.IsDir() {
				continue
			}
			all = append(all, candidate{path: path, mtime: info.ModTime()})
		}
	}

	threshold := start.Add(-2 * time.Second)
	pool := []candidate{}
	for _, c := range all {
		if !c.mtime.Before(threshold) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = all
	}
	if len(pool) == 0 {
		return "", fmt.Errorf("no samples_* directory found")
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].mtime.After(pool[j].mtime) })
	return pool[0].path, nil
}

// findOutputNPY picks the first *_out.npy in lexical order and reports
// whether more than one was produced.
func findOutputNPY(samplesDir string) (string, bool, error) {
	matches, err := filepath.Glob(filepath.Join(samplesDir, "*_out.npy"))
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, fmt.Errorf("no *_out.npy in %s", samplesDir)
	}
	return matches[0], len(matches) > 1, nil
}

// motionDurationS is the effective clip length: the motion module's
// request, falling back to the intent duration.
func motionDurationS(u *models.UIR) float64 {
	if d := u.Modules.Motion.DurationS; d != nil {
		return *d
	}
	return u.IntentDurationS()
}

// qualityForTier resolves constraints.quality to converter settings.
// Unknown tiers degrade to standard with a warning.
func qualityForTier(u *models.UIR) (motionQuality, string) {
	label := strings.ToLower(strings.TrimSpace(u.Quality()))
	if label == "" {
		label = "standard"
	}
	switch label {
	case "fast":
		return motionQuality{label: "fast", iterations: 5, footIK: false}, ""
	case "high":
		return motionQuality{label: "high", iterations: 20, footIK: true}, ""
	case "standard":
		return motionQuality{label: "standard", iterations: 10, footIK: false}, ""
	default:
		return motionQuality{label: "standard", iterations: 10, footIK: false},
			fmt.Sprintf("unsupported quality '%s', using standard", label)
	}
}

// envOr returns the environment value for key, or fallback when unset
// or blank.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
