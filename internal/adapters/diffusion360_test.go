package adapters

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/uir"
)

func sceneDoc(params map[string]any) map[string]any {
	scene := map[string]any{"enabled": true, "prompt": "a mountain shrine at dusk"}
	for k, v := range params {
		scene[k] = v
	}
	return map[string]any{
		"uir_version": "1.0",
		"job":         map[string]any{},
		"input":       map[string]any{"raw_prompt": "a mountain shrine at dusk"},
		"intent":      map[string]any{"targets": []any{"scene"}},
		"modules":     map[string]any{"scene": scene},
	}
}

// fakeSceneRig lays out the model weights Diffusion360 checks for and a
// shell interpreter that writes the runner's --output and --meta-out
// files.
func fakeSceneRig(t *testing.T) Diffusion360Config {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"sd-base", "sr-base", "sr-control"} {
		if err := os.MkdirAll(filepath.Join(root, "models", dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	weights := filepath.Join(root, "models", "RealESRGAN_x2plus.pth")
	if err := os.WriteFile(weights, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	runner := filepath.Join(root, "runner.py")
	if err := os.WriteFile(runner, []byte("placeholder\n"), 0o644); err != nil {
		t.Fatalf("write runner: %v", err)
	}
	python := writeScript(t, t.TempDir(), "python", `out=""
meta=""
prev=""
for a in "$@"; do
  case "$prev" in
    --output) out="$a";;
    --meta-out) meta="$a";;
  esac
  prev="$a"
done
printf 'png' > "$out"
printf '{"width": 2048, "height": 1024}' > "$meta"`)
	return Diffusion360Config{Root: root, RunnerScript: runner, PythonExe: python}
}

func TestDiffusion360Validate(t *testing.T) {
	adapter := NewDiffusion360Adapter(Diffusion360Config{PythonExe: "python3"})

	u, _, err := uir.Parse(sceneDoc(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := adapter.Validate(u); err != nil {
		t.Errorf("valid doc rejected: %v", err)
	}

	u, _, err = uir.Parse(sceneDoc(map[string]any{"prompt": "  "}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = adapter.Validate(u)
	if err == nil || !strings.Contains(err.Error(), "modules.scene.prompt is required when scene.enabled=true") {
		t.Errorf("missing prompt: got %v", err)
	}
}

func TestDiffusion360MissingModels(t *testing.T) {
	job := newTestJob(t, "scene-no-models", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(Diffusion360Config{
		Root:         t.TempDir(),
		RunnerScript: "runner.py",
		PythonExe:    "python3",
	})
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK || result.Error == nil {
		t.Fatal("expected failure")
	}
	if result.Error.Code != models.ErrDependencyMissing {
		t.Errorf("code = %s", result.Error.Code)
	}
	if result.Error.Message != "Diffusion360 models missing" {
		t.Errorf("message = %q", result.Error.Message)
	}
	missing, ok := result.Error.Detail["missing"].([]string)
	if !ok || len(missing) != 4 {
		t.Errorf("missing = %v", result.Error.Detail["missing"])
	}
	if got := rep.stageNames(); len(got) != 0 {
		t.Errorf("stages = %v, model check precedes staging", got)
	}
}

func TestDiffusion360PythonNotConfigured(t *testing.T) {
	t.Setenv("DIFFUSION360_PYTHON", "")
	cfg := fakeSceneRig(t)
	cfg.PythonExe = ""
	job := newTestJob(t, "scene-no-python", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(cfg)
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK || result.Error == nil {
		t.Fatal("expected failure")
	}
	if result.Error.Code != models.ErrDependencyMissing {
		t.Errorf("code = %s", result.Error.Code)
	}
	if result.Error.Message != "DIFFUSION360_PYTHON not configured" {
		t.Errorf("message = %q", result.Error.Message)
	}
	if result.Error.Detail["env"] != "DIFFUSION360_PYTHON" {
		t.Errorf("detail = %v", result.Error.Detail)
	}
	if got := rep.stageNames(); !reflect.DeepEqual(got, []string{"prepare"}) {
		t.Errorf("stages = %v", got)
	}
}

func TestDiffusion360RunnerMissing(t *testing.T) {
	cfg := fakeSceneRig(t)
	cfg.RunnerScript = filepath.Join(t.TempDir(), "gone.py")
	job := newTestJob(t, "scene-no-runner", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(cfg)
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK || result.Error == nil {
		t.Fatal("expected failure")
	}
	if result.Error.Code != models.ErrDependencyMissing {
		t.Errorf("code = %s", result.Error.Code)
	}
	if result.Error.Message != "diffusion360 runner missing" {
		t.Errorf("message = %q", result.Error.Message)
	}
	if result.Error.Detail["path"] != cfg.RunnerScript {
		t.Errorf("detail = %v", result.Error.Detail)
	}
}

func TestDiffusion360RunPipeline(t *testing.T) {
	cfg := fakeSceneRig(t)
	job := newTestJob(t, "scene-full", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(cfg)
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.OK {
		t.Fatalf("run failed: %+v", result.Error)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}

	roles := make([]string, 0, len(result.Artifacts))
	for _, ref := range result.Artifacts {
		roles = append(roles, ref.Role)
	}
	if !reflect.DeepEqual(roles, []string{models.RoleScenePanorama, models.RoleSceneMeta}) {
		t.Errorf("artifact roles = %v", roles)
	}
	if result.Artifacts[0].URI != "/assets/scene-full/scene/panorama.png" {
		t.Errorf("panorama uri = %s", result.Artifacts[0].URI)
	}
	if result.Meta["width"] != 2048.0 || result.Meta["height"] != 1024.0 {
		t.Errorf("meta = %v", result.Meta)
	}

	png, err := os.ReadFile(filepath.Join(job.Dir, "scene", "panorama.png"))
	if err != nil {
		t.Fatalf("read panorama: %v", err)
	}
	if string(png) != "png" {
		t.Errorf("panorama content = %q", png)
	}

	if got := rep.stageNames(); !reflect.DeepEqual(got, []string{"prepare", "running", "finalize"}) {
		t.Errorf("stages = %v", got)
	}
	cmdLogged := false
	for _, line := range rep.logs {
		if strings.Contains(line, "[cmd]") && strings.Contains(line, "--prompt") {
			cmdLogged = true
		}
	}
	if !cmdLogged {
		t.Error("runner invocation not logged")
	}
}

func TestDiffusion360InferenceFailed(t *testing.T) {
	cfg := fakeSceneRig(t)
	cfg.PythonExe = writeScript(t, t.TempDir(), "python", `exit 2`)
	job := newTestJob(t, "scene-fail", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(cfg)
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK || result.Error == nil {
		t.Fatal("expected failure")
	}
	if result.Error.Code != models.ErrModelRuntime {
		t.Errorf("code = %s", result.Error.Code)
	}
	if result.Error.Message != "Diffusion360 inference failed" {
		t.Errorf("message = %q", result.Error.Message)
	}
	if result.Error.Detail["return_code"] != 2 {
		t.Errorf("return_code = %v", result.Error.Detail["return_code"])
	}
	if result.Error.Detail["log"] != filepath.Join(job.Dir, "logs", "scene.log") {
		t.Errorf("log = %v", result.Error.Detail["log"])
	}
}

func TestDiffusion360PanoramaMissing(t *testing.T) {
	cfg := fakeSceneRig(t)
	cfg.PythonExe = writeScript(t, t.TempDir(), "python", `exit 0`)
	job := newTestJob(t, "scene-no-output", sceneDoc(nil))
	adapter := NewDiffusion360Adapter(cfg)
	rep := &stageRecorder{}

	result, err := adapter.Run(context.Background(), job, rep)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.OK || result.Error == nil {
		t.Fatal("expected failure")
	}
	if result.Error.Code != models.ErrIOWrite {
		t.Errorf("code = %s", result.Error.Code)
	}
	if result.Error.Message != "panorama output missing" {
		t.Errorf("message = %q", result.Error.Message)
	}
	want := filepath.Join(job.Dir, "scene", "panorama.png")
	if result.Error.Detail["path"] != want {
		t.Errorf("detail path = %v", result.Error.Detail["path"])
	}
}

func TestRunnerCmdFlags(t *testing.T) {
	cfg := Diffusion360Config{Root: "/opt/pano", RunnerScript: "runner.py", PythonExe: "python3"}
	adapter := NewDiffusion360Adapter(cfg)

	u, _, err := uir.Parse(sceneDoc(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	argv := adapter.runnerCmd(u, "a shrine", "/out/panorama.png", "/out/scene_meta.json", "cuda")
	base := strings.Join(argv, " ")
	want := "python3 runner.py --model-root /opt/pano/models --prompt a shrine --output /out/panorama.png --meta-out /out/scene_meta.json --device cuda"
	if base != want {
		t.Errorf("base argv = %q", base)
	}

	u, _, err = uir.Parse(sceneDoc(map[string]any{
		"negative_prompt": "blurry",
		"seed":            42,
		"steps":           30,
		"cfg_scale":       9.5,
		"upscale":         true,
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	full := strings.Join(adapter.runnerCmd(u, "a shrine", "p.png", "m.json", "cuda"), " ")
	for _, fragment := range []string{
		"--negative-prompt blurry",
		"--seed 42",
		"--steps 30",
		"--cfg-scale 9.5",
		"--upscale",
	} {
		if !strings.Contains(full, fragment) {
			t.Errorf("argv missing %q: %s", fragment, full)
		}
	}
}

func TestDeviceFromUIR(t *testing.T) {
	base, _, err := uir.Parse(sceneDoc(nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	doc := sceneDoc(nil)
	doc["runtime"] = map[string]any{"locks": map[string]any{"gpu": "cuda:0"}}
	locked, _, err := uir.Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		name        string
		env         string
		u           *models.UIR
		device      string
		cudaVisible string
	}{
		{"env cpu", "cpu", base, "cpu", ""},
		{"env cuda index", "cuda:1", base, "cuda", "1"},
		{"env uppercase", "CUDA:2", base, "cuda", "2"},
		{"env other", "gpu", base, "cuda", ""},
		{"doc lock", "", locked, "cuda", "0"},
		{"default", "", base, "cuda", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DIFFUSION360_DEVICE", tc.env)
			device, cudaVisible := deviceFromUIR(tc.u)
			if device != tc.device || cudaVisible != tc.cudaVisible {
				t.Errorf("deviceFromUIR = (%q, %q), want (%q, %q)",
					device, cudaVisible, tc.device, tc.cudaVisible)
			}
		})
	}
}

func TestReadJSONFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"width": 2048}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readJSONFile(good); got["width"] != 2048.0 {
		t.Errorf("good = %v", got)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readJSONFile(bad); len(got) != 0 {
		t.Errorf("bad = %v", got)
	}
	if got := readJSONFile(filepath.Join(dir, "missing.json")); len(got) != 0 {
		t.Errorf("missing = %v", got)
	}
}
