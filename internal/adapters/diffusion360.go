package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/uir"
)

// Diffusion360Config locates the SD-T2I-360PanoImage checkout, the
// runner script, and the interpreter of the diffusion environment.
// Zero values fall back to DIFFUSION360_ROOT, DIFFUSION360_RUNNER and
// DIFFUSION360_PYTHON. The interpreter has no non-env default: the
// diffusion stack lives in its own virtualenv.
type Diffusion360Config struct {
	Root         string
	RunnerScript string
	PythonExe    string
}

func (c Diffusion360Config) withDefaults() Diffusion360Config {
	if c.Root == "" {
		c.Root = envOr("DIFFUSION360_ROOT", filepath.Join("third_party", "SD-T2I-360PanoImage"))
	}
	if c.RunnerScript == "" {
		c.RunnerScript = envOr("DIFFUSION360_RUNNER", filepath.Join("scripts", "diffusion360_runner.py"))
	}
	if c.PythonExe == "" {
		c.PythonExe = strings.TrimSpace(os.Getenv("DIFFUSION360_PYTHON"))
	}
	return c
}

// Diffusion360Adapter renders an equirectangular panorama from the
// scene prompt by driving the Diffusion360 runner in a dedicated
// python environment.
type Diffusion360Adapter struct {
	cfg Diffusion360Config
}

func NewDiffusion360Adapter(cfg Diffusion360Config) *Diffusion360Adapter {
	return &Diffusion360Adapter{cfg: cfg.withDefaults()}
}

func (d *Diffusion360Adapter) ProviderID() string  { return "diffusion360_local" }
func (d *Diffusion360Adapter) Modality() string    { return models.ModalityScene }
func (d *Diffusion360Adapter) MaxConcurrency() int { return 1 }

func (d *Diffusion360Adapter) modelRoot() string { return filepath.Join(d.cfg.Root, "models") }

// requiredModels are the weights the runner refuses to start without.
func (d *Diffusion360Adapter) requiredModels() []string {
	root := d.modelRoot()
	return []string{
		filepath.Join(root, "sd-base"),
		filepath.Join(root, "sr-base"),
		filepath.Join(root, "sr-control"),
		filepath.Join(root, "RealESRGAN_x2plus.pth"),
	}
}

func (d *Diffusion360Adapter) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	scene := u.Modules.Scene
	if scene.Enabled && strings.TrimSpace(scene.Prompt) == "" {
		return fmt.Errorf("modules.scene.prompt is required when scene.enabled=true")
	}
	return nil
}

func (d *Diffusion360Adapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, d.Modality(), rep)
	defer log.Close()

	u := job.UIR
	prompt := strings.TrimSpace(u.Modules.Scene.Prompt)
	if prompt == "" {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrValidationInput,
			"modules.scene.prompt is required",
			nil,
		)), nil
	}

	missing := []string{}
	for _, path := range d.requiredModels() {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"Diffusion360 models missing",
			map[string]any{"missing": missing},
		)), nil
	}

	outputDir, err := ResolveOutputDir(job.Dir, d.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}
	panoramaPath := filepath.Join(outputDir, "panorama.png")
	metaPath := filepath.Join(outputDir, "scene_meta.json")

	rep.Stage("prepare", 0.1, "preparing Diffusion360 input", nil)
	if d.cfg.PythonExe == "" {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"DIFFUSION360_PYTHON not configured",
			map[string]any{"env": "DIFFUSION360_PYTHON"},
		)), nil
	}
	if _, err := os.Stat(d.cfg.RunnerScript); err != nil {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"diffusion360 runner missing",
			map[string]any{"path": d.cfg.RunnerScript},
		)), nil
	}

	device, cudaVisible := deviceFromUIR(u)
	argv := d.runnerCmd(u, prompt, panoramaPath, metaPath, device)

	rep.Stage("running", 0.6, "running Diffusion360", nil)
	log.Line("[cmd] " + strings.Join(argv, " "))
	res, err := runCommand(ctx, log, commandSpec{
		argv:     argv,
		dir:      d.cfg.Root,
		env:      d.runnerEnv(cudaVisible),
		timeoutS: u.MaxRuntimeS(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"Diffusion360 execution failed",
			map[string]any{"error": err.Error()},
		)), nil
	}
	if res.timedOut {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrTimeout,
			"Diffusion360 timed out",
			map[string]any{"timeout_s": u.MaxRuntimeS()},
		)), nil
	}
	if res.exitCode != 0 {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"Diffusion360 inference failed",
			map[string]any{"return_code": res.exitCode, "log": log.Path()},
		)), nil
	}
	if _, err := os.Stat(panoramaPath); err != nil {
		return models.FailedResult(d.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"panorama output missing",
			map[string]any{"path": panoramaPath},
		)), nil
	}

	meta := readJSONFile(metaPath)
	resultMeta := map[string]any{"width": meta["width"], "height": meta["height"]}

	panoramaRef, err := BuildAssetRef(panoramaPath, job.ID, models.RoleScenePanorama, "image/png", nil)
	if err != nil {
		return nil, err
	}
	metaRef, err := BuildAssetRef(metaPath, job.ID, models.RoleSceneMeta, "application/json", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "scene artifacts ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  d.ProviderID(),
		Artifacts: []models.AssetRef{panoramaRef, metaRef},
		Meta:      resultMeta,
		Warnings:  warnings,
	}, nil
}

// runnerCmd assembles the runner invocation; optional scene knobs are
// passed through only when the document sets them.
func (d *Diffusion360Adapter) runnerCmd(u *models.UIR, prompt, panoramaPath, metaPath, device string) []string {
	scene := u.Modules.Scene
	argv := []string{
		d.cfg.PythonExe, d.cfg.RunnerScript,
		"--model-root", d.modelRoot(),
		"--prompt", prompt,
		"--output", panoramaPath,
		"--meta-out", metaPath,
		"--device", device,
	}
	if negative := strings.TrimSpace(scene.NegativePrompt); negative != "" {
		argv = append(argv, "--negative-prompt", negative)
	}
	if scene.Seed != nil {
		argv = append(argv, "--seed", strconv.FormatInt(*scene.Seed, 10))
	}
	if scene.Steps != nil {
		argv = append(argv, "--steps", strconv.Itoa(*scene.Steps))
	}
	if scene.CFGScale != nil {
		argv = append(argv, "--cfg-scale", strconv.FormatFloat(*scene.CFGScale, 'f', -1, 64))
	}
	if scene.Upscale != nil && *scene.Upscale {
		argv = append(argv, "--upscale")
	}
	return argv
}

func (d *Diffusion360Adapter) runnerEnv(cudaVisible string) []string {
	pythonPath := d.cfg.Root
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		pythonPath += string(os.PathListSeparator) + existing
	}
	env := append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONPATH="+pythonPath)
	switch {
	case cudaVisible != "":
		env = append(env, "CUDA_VISIBLE_DEVICES="+cudaVisible)
	case strings.EqualFold(strings.TrimSpace(os.Getenv("DIFFUSION360_DEVICE")), "cpu"):
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}
	return env
}

// deviceFromUIR picks the torch device. The DIFFUSION360_DEVICE
// environment override wins over the document's runtime.locks.gpu pin.
func deviceFromUIR(u *models.UIR) (device, cudaVisible string) {
	if override := strings.ToLower(strings.TrimSpace(os.Getenv("DIFFUSION360_DEVICE"))); override != "" {
		if override == "cpu" {
			return "cpu", ""
		}
		if rest, ok := strings.CutPrefix(override, "cuda:"); ok {
			return "cuda", rest
		}
		return "cuda", ""
	}
	if lock := u.Runtime.GPULock(); lock != "" {
		return "cuda", lock
	}
	return "cuda", ""
}

// readJSONFile loads a JSON object, returning an empty map on any
// read or decode failure.
func readJSONFile(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
