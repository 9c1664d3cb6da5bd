package adapters

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/uir"
)

// DummyAdapter writes a tiny scene_meta JSON file. It exists so the
// pipeline can be exercised end to end without any model runtime.
type DummyAdapter struct{}

func NewDummyAdapter() *DummyAdapter { return &DummyAdapter{} }

func (a *DummyAdapter) ProviderID() string  { return "dummy" }
func (a *DummyAdapter) Modality() string    { return models.ModalityScene }
func (a *DummyAdapter) MaxConcurrency() int { return 1 }

func (a *DummyAdapter) Validate(u *models.UIR) error {
	if err := uir.Validate(u); err != nil {
		return err
	}
	if !u.Targeted(a.Modality()) {
		return fmt.Errorf("%s requires intent.targets to include %s", a.ProviderID(), a.Modality())
	}
	return nil
}

func (a *DummyAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	outputDir, err := ResolveOutputDir(job.Dir, a.Modality())
	if err != nil {
		return nil, err
	}
	rep.Stage("dummy_start", 0.0, "dummy adapter starting", nil)

	payload := map[string]any{"provider": a.ProviderID(), "note": "dummy output"}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	metaPath := filepath.Join(outputDir, "dummy_meta.json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return models.FailedResult(a.ProviderID(), nil, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write dummy_meta.json",
			map[string]any{"path": metaPath, "error": err.Error()},
		)), nil
	}
	rep.Stage("dummy_done", 1.0, "dummy adapter done", nil)

	artifact, err := BuildAssetRef(metaPath, job.ID, models.RoleSceneMeta, "application/json", map[string]any{"dummy": true})
	if err != nil {
		return nil, err
	}
	return &models.AdapterResult{
		OK:        true,
		Provider:  a.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"adapter": "dummy"},
		Warnings:  []string{},
	}, nil
}

// DummySceneAdapter emits a 2x1 placeholder panorama so downstream
// stages (preview, export) have a real file to reference.
type DummySceneAdapter struct{}

func NewDummySceneAdapter() *DummySceneAdapter { return &DummySceneAdapter{} }

func (a *DummySceneAdapter) ProviderID() string  { return "dummy_scene" }
func (a *DummySceneAdapter) Modality() string    { return models.ModalityScene }
func (a *DummySceneAdapter) MaxConcurrency() int { return 1 }

func (a *DummySceneAdapter) Validate(u *models.UIR) error {
	return uir.Validate(u)
}

func (a *DummySceneAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{"dummy output"}
	outputDir, err := ResolveOutputDir(job.Dir, a.Modality())
	if err != nil {
		return nil, err
	}
	rep.Stage("prepare", 0.2, "building dummy panorama", nil)

	panoramaPath := filepath.Join(outputDir, "panorama.png")
	if err := writeDummyPNG(panoramaPath, 2, 1); err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write panorama.png",
			map[string]any{"path": panoramaPath, "error": err.Error()},
		)), nil
	}
	rep.Stage("finalize", 1.0, "dummy panorama ready", nil)

	artifact, err := BuildAssetRef(panoramaPath, job.ID, models.RoleScenePanorama, "image/png", map[string]any{"dummy": true})
	if err != nil {
		return nil, err
	}
	return &models.AdapterResult{
		OK:        true,
		Provider:  a.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"dummy": true},
		Warnings:  warnings,
	}, nil
}

// DummyMotionAdapter emits a single-joint BVH clip so motion-targeted
// documents run without the motion model installed.
type DummyMotionAdapter struct{}

func NewDummyMotionAdapter() *DummyMotionAdapter { return &DummyMotionAdapter{} }

func (a *DummyMotionAdapter) ProviderID() string  { return "dummy_motion" }
func (a *DummyMotionAdapter) Modality() string    { return models.ModalityMotion }
func (a *DummyMotionAdapter) MaxConcurrency() int { return 1 }

func (a *DummyMotionAdapter) Validate(u *models.UIR) error {
	return uir.Validate(u)
}

func (a *DummyMotionAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{"dummy output"}
	outputDir, err := ResolveOutputDir(job.Dir, a.Modality())
	if err != nil {
		return nil, err
	}
	rep.Stage("prepare", 0.2, "building dummy motion clip", nil)

	motionPath := filepath.Join(outputDir, "motion.bvh")
	if err := os.WriteFile(motionPath, []byte(dummyBVH), 0o644); err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write motion.bvh",
			map[string]any{"path": motionPath, "error": err.Error()},
		)), nil
	}
	rep.Stage("finalize", 1.0, "dummy motion ready", nil)

	artifact, err := BuildAssetRef(motionPath, job.ID, models.RoleMotionBVH, "application/octet-stream", map[string]any{"dummy": true})
	if err != nil {
		return nil, err
	}
	return &models.AdapterResult{
		OK:        true,
		Provider:  a.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"dummy": true},
		Warnings:  warnings,
	}, nil
}

// dummyBVH is the smallest parseable clip: one root joint, two frames.
const dummyBVH = `HIERARCHY
ROOT Hips
{
	OFFSET 0.00 0.00 0.00
	CHANNELS 6 Xposition Yposition Zposition Zrotation Xrotation Yrotation
	End Site
	{
		OFFSET 0.00 1.00 0.00
	}
}
MOTION
Frames: 2
Frame Time: 0.033333
0.00 0.00 0.00 0.00 0.00 0.00
0.00 0.01 0.00 0.00 0.00 0.00
`

// DummyMusicAdapter emits a silent WAV of the requested duration.
type DummyMusicAdapter struct{}

func NewDummyMusicAdapter() *DummyMusicAdapter { return &DummyMusicAdapter{} }

func (a *DummyMusicAdapter) ProviderID() string  { return "dummy_music" }
func (a *DummyMusicAdapter) Modality() string    { return models.ModalityMusic }
func (a *DummyMusicAdapter) MaxConcurrency() int { return 1 }

func (a *DummyMusicAdapter) Validate(u *models.UIR) error {
	return uir.Validate(u)
}

func (a *DummyMusicAdapter) Run(ctx context.Context, job *models.Job, rep interfaces.StageReporter) (*models.AdapterResult, error) {
	warnings := []string{"dummy output"}
	outputDir, err := ResolveOutputDir(job.Dir, a.Modality())
	if err != nil {
		return nil, err
	}
	rep.Stage("prepare", 0.2, "building dummy music", nil)

	duration := dummyMusicDuration(job.UIR)
	musicPath := filepath.Join(outputDir, "music.wav")
	if err := writeDummyWAV(musicPath, duration, 22050); err != nil {
		return models.FailedResult(a.ProviderID(), warnings, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to write music.wav",
			map[string]any{"path": musicPath, "error": err.Error()},
		)), nil
	}
	rep.Stage("finalize", 1.0, "dummy music ready", nil)

	artifact, err := BuildAssetRef(musicPath, job.ID, models.RoleMusicWAV, "audio/wav", map[string]any{"dummy": true})
	if err != nil {
		return nil, err
	}
	return &models.AdapterResult{
		OK:        true,
		Provider:  a.ProviderID(),
		Artifacts: []models.AssetRef{artifact},
		Meta:      map[string]any{"dummy": true, "duration_s": duration},
		Warnings:  warnings,
	}, nil
}

func dummyMusicDuration(u *models.UIR) float64 {
	if u == nil {
		return 1.0
	}
	if u.Modules.Music.DurationS != nil {
		return *u.Modules.Music.DurationS
	}
	if u.Intent.DurationS != nil {
		return *u.Intent.DurationS
	}
	return 1.0
}

// writeDummyPNG renders a solid-color RGBA image.
func writeDummyPNG(path string, width, height int) error {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	fill := color.NRGBA{R: 64, G: 128, B: 255, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// writeDummyWAV writes silent 16-bit mono PCM.
func writeDummyWAV(path string, durationS float64, sampleRate int) error {
	if durationS < 0.1 {
		durationS = 0.1
	}
	if sampleRate < 8000 {
		sampleRate = 8000
	}
	frames := int(durationS * float64(sampleRate))
	dataSize := frames * 2

	header := make([]byte, 0, 44)
	header = append(header, "RIFF"...)
	header = binary.LittleEndian.AppendUint32(header, uint32(36+dataSize))
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = binary.LittleEndian.AppendUint16(header, 1) // PCM
	header = binary.LittleEndian.AppendUint16(header, 1) // mono
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate))
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate*2))
	header = binary.LittleEndian.AppendUint16(header, 2)  // block align
	header = binary.LittleEndian.AppendUint16(header, 16) // bits per sample
	header = append(header, "data"...)
	header = binary.LittleEndian.AppendUint32(header, uint32(dataSize))

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := file.Write(header); err != nil {
		file.Close()
		return err
	}
	if _, err := file.Write(make([]byte, dataSize)); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
