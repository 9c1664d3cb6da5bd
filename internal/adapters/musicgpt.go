package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

// musicGPTCandidates are the binary names probed inside the configured
// bin directory, most specific first.
var musicGPTCandidates = []string{
	"musicgpt",
	"MusicGPT",
	"musicgpt.exe",
	"MusicGPT.exe",
	"musicgpt-x86_64-pc-windows-msvc.exe",
}

// MusicGPTConfig locates the MusicGPT CLI. An explicit Exe wins;
// otherwise BinDir is probed for known names, then PATH. Zero values
// fall back to the MUSICGPT_BIN and MUSICGPT_DIR environment variables.
type MusicGPTConfig struct {
	Exe    string
	BinDir string
}

func (c MusicGPTConfig) withDefaults() MusicGPTConfig {
	if c.Exe == "" {
		c.Exe = strings.TrimSpace(os.Getenv("MUSICGPT_BIN"))
	}
	if c.BinDir == "" {
		c.BinDir = envOr("MUSICGPT_DIR", ".")
	}
	return c
}

// MusicGPTAdapter shells out to the MusicGPT CLI to render a short
// music clip. Chinese prompts are translated to English first when the
// document's language policy asks for it.
type MusicGPTAdapter struct {
	cfg        MusicGPTConfig
	translator interfaces.Translator
}

// NewMusicGPTAdapter builds the adapter; translator may be nil, in
// which case translation requests degrade to the original prompt with
// a warning.
func NewMusicGPTAdapter(cfg MusicGPTConfig, translator interfaces.Translator) *MusicGPTAdapter {
	return &MusicGPTAdapter{cfg: cfg.withDefaults(), translator: translator}
}

func (m *MusicGPTAdapter) ProviderID() string  { return "musicgpt_cli" }
func (m *MusicGPTAdapter) Modality() string    { return models.ModalityMusic }
func (m *MusicGPTAdapter) MaxConcurrency() int { return 1 }

func (m *MusicGPTAdapter) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	music := u.Modules.Music
	if music.Enabled && strings.TrimSpace(music.Prompt) == "" {
		return fmt.Errorf("modules.music.prompt is required when music.enabled=true")
	}
	if duration := musicDurationS(u); duration < 3 || duration > 60 {
		return fmt.Errorf("duration_s must be between 3 and 60")
	}
	if _, err := m.findExecutable(); err != nil {
		return err
	}
	return nil
}

func (m *MusicGPTAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{}
	log := newStageLogger(job.Dir, m.Modality(), rep)
	defer log.Close()

	outputDir, err := ResolveOutputDir(job.Dir, m.Modality())
	if err != nil {
		return nil, err
	}
	if err := assertDirWritable(outputDir); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"output directory is not writable",
			map[string]any{"path": outputDir, "error": err.Error()},
		)), nil
	}

	u := job.UIR
	promptOriginal := strings.TrimSpace(u.Modules.Music.Prompt)
	if promptOriginal == "" {
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrValidationInput,
			"modules.music.prompt is required",
			nil,
		)), nil
	}
	duration := musicDurationS(u)

	rep.Stage("prepare", 0.1, "preparing MusicGPT inputs", nil)
	log.Line(fmt.Sprintf("[prepare] job_id=%s duration_s=%s prompt_len=%d",
		job.ID, formatSeconds(duration), len(promptOriginal)))

	promptUsed := m.maybeTranslate(ctx, u, promptOriginal, &warnings, log)

	exe, err := m.findExecutable()
	if err != nil {
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrDependencyMissing,
			"MusicGPT executable not found",
			nil,
		)), nil
	}

	rep.Stage("running", 0.5, "running MusicGPT CLI", nil)
	wavPath := filepath.Join(outputDir, "music.wav")
	argv := []string{exe, promptUsed, "--secs", formatSeconds(duration), "--output", wavPath}
	log.Line("[running] " + strings.Join(argv, " "))
	res, err := runCommand(ctx, log, commandSpec{
		argv:          argv,
		dir:           m.cfg.BinDir,
		timeoutS:      u.MaxRuntimeS(),
		captureStderr: true,
	})
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrTimeout,
			"MusicGPT timed out",
			map[string]any{"timeout_s": u.MaxRuntimeS(), "log": log.Path()},
		)), nil
	}
	if res.exitCode != 0 {
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrModelRuntime,
			"MusicGPT CLI failed",
			map[string]any{
				"exit_code":   res.exitCode,
				"stderr_tail": tailText(res.stderr, 2000),
				"log":         log.Path(),
			},
		)), nil
	}
	if _, err := os.Stat(wavPath); err != nil {
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"MusicGPT output wav missing",
			map[string]any{"path": wavPath},
		)), nil
	}

	meta := map[string]any{
		"duration_s":      duration,
		"provider":        m.ProviderID(),
		"prompt_original": promptOriginal,
		"prompt_used":     promptUsed,
		"cmdline":         redactCmdline(argv, promptUsed, wavPath),
	}
	metaPath := filepath.Join(outputDir, "music_meta.json")
	if err := jobfs.WriteJSON(metaPath, meta); err != nil {
		log.Line("[io] " + err.Error())
		return models.FailedResult(m.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write music_meta.json",
			map[string]any{"path": metaPath, "error": err.Error()},
		)), nil
	}

	wavRef, err := BuildAssetRef(wavPath, job.ID, models.RoleMusicWAV, "audio/wav", nil)
	if err != nil {
		return nil, err
	}
	metaRef, err := BuildAssetRef(metaPath, job.ID, models.RoleMusicMeta, "application/json", nil)
	if err != nil {
		return nil, err
	}

	rep.Stage("finalize", 1.0, "music artifacts ready", nil)
	return &models.AdapterResult{
		OK:        true,
		Provider:  m.ProviderID(),
		Artifacts: []models.AssetRef{wavRef, metaRef},
		Meta:      map[string]any{"duration_s": duration},
		Warnings:  warnings,
	}, nil
}

// maybeTranslate runs the prompt through the translator when the
// language policy asks for English, the input is tagged Chinese, and
// the prompt actually contains CJK. Failures keep the original prompt.
func (m *MusicGPTAdapter) maybeTranslate(ctx context.Context, u *models.UIR, prompt string, warnings *[]string, log *stageLogger) string {
	if !u.Intent.AutoTranslateToEN() || !isZhLang(u.Input.Lang) || !containsCJK(prompt) {
		return prompt
	}
	note := "translator_unavailable"
	if m.translator != nil {
		translated, err := m.translator.Translate(ctx, prompt, "en")
		switch {
		case err != nil:
			note = "translate_error: " + err.Error()
		case len(strings.TrimSpace(translated)) < 2:
			note = "empty_translation"
		default:
			log.Line("[translate] ok")
			return strings.TrimSpace(translated)
		}
	}
	*warnings = append(*warnings,
		fmt.Sprintf("auto_translate_to_en enabled but translation unavailable (%s); using original prompt", note))
	log.Line("[translate] failed: " + note)
	return prompt
}

func (m *MusicGPTAdapter) findExecutable() (string, error) {
	if m.cfg.Exe != "" {
		if err := checkExecutable(m.cfg.Exe); err != nil {
			return "", err
		}
		return m.cfg.Exe, nil
	}
	for _, name := range musicGPTCandidates {
		candidate := filepath.Join(m.cfg.BinDir, name)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := checkExecutable(candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}
	entries, err := os.ReadDir(m.cfg.BinDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.Contains(strings.ToLower(entry.Name()), "musicgpt") {
				continue
			}
			candidate := filepath.Join(m.cfg.BinDir, entry.Name())
			if err := checkExecutable(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	if path, err := exec.LookPath("musicgpt"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("MusicGPT executable not found")
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("MusicGPT executable missing: %s", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("MusicGPT executable is not executable: %s", path)
	}
	return nil
}

// musicDurationS is the effective clip length: the music module's
// request, falling back to the intent duration.
func musicDurationS(u *models.UIR) float64 {
	if d := u.Modules.Music.DurationS; d != nil {
		return *d
	}
	return u.IntentDurationS()
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isZhLang(lang string) bool {
	value := strings.ToLower(strings.TrimSpace(lang))
	return value == "zh" || strings.HasPrefix(value, "zh-") || strings.HasPrefix(value, "zh_")
}

func containsCJK(text string) bool {
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

func redactCmdline(argv []string, prompt, output string) string {
	redacted := make([]string, 0, len(argv))
	for _, arg := range argv {
		switch arg {
		case prompt:
			redacted = append(redacted, "<prompt>")
		case output:
			redacted = append(redacted, "<output>")
		default:
			redacted = append(redacted, arg)
		}
	}
	return strings.Join(redacted, " ")
}

func tailText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[len(text)-limit:]
}
