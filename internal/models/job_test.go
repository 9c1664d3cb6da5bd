package models

import "testing"

func TestJobStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusPlanning, false},
		{JobStatusRunningMotion, false},
		{JobStatusRunningScene, false},
		{JobStatusRunningMusic, false},
		{JobStatusRunningCharacter, false},
		{JobStatusComposingPreview, false},
		{JobStatusExportingVideo, false},
		{JobStatusDone, true},
		{JobStatusFailed, true},
		{JobStatusCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestJobStatusModality(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   string
	}{
		{JobStatusRunningScene, ModalityScene},
		{JobStatusRunningMotion, ModalityMotion},
		{JobStatusRunningMusic, ModalityMusic},
		{JobStatusRunningCharacter, ModalityCharacter},
		{JobStatusComposingPreview, ModalityPreview},
		{JobStatusExportingVideo, ModalityExport},
		{JobStatusPlanning, ""},
		{JobStatusQueued, ""},
		{JobStatusDone, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Modality(); got != tt.want {
				t.Errorf("Modality() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseJobStatus(t *testing.T) {
	if got, ok := ParseJobStatus("RUNNING_MOTION"); !ok || got != JobStatusRunningMotion {
		t.Errorf("ParseJobStatus(RUNNING_MOTION) = %q, %v", got, ok)
	}
	if _, ok := ParseJobStatus("SLEEPING"); ok {
		t.Error("ParseJobStatus(SLEEPING) should not parse")
	}
}

func TestNormalizeProgress(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"mid", 0.5, 0.5},
		{"one", 1, 1},
		{"negative", -0.3, 0},
		{"percent", 45, 0.45},
		{"over_percent", 250, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeProgress(tt.in); got != tt.want {
				t.Errorf("NormalizeProgress(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"fraction", 0.35, 35},
		{"one", 1, 100},
		{"already_percent", 72, 72},
		{"clamped", 180, 100},
		{"negative", -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProgressPercent(tt.in); got != tt.want {
				t.Errorf("ProgressPercent(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewAdapterErrorRetryable(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{ErrValidationInput, false},
		{ErrValidationRouting, false},
		{ErrDependencyMissing, false},
		{ErrUnsupported, false},
		{ErrModelRuntime, true},
		{ErrTimeout, true},
		{ErrIOWrite, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewAdapterError(tt.code, "boom", nil)
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestUIRModuleSelection(t *testing.T) {
	u := &UIR{
		Intent: IntentBlock{Targets: []string{"scene", "motion"}},
		Modules: Modules{
			Scene:  SceneModule{Enabled: true},
			Motion: MotionModule{Enabled: false},
			Music:  MusicModule{Enabled: true},
		},
	}

	if !u.ModuleSelected(ModalityScene) {
		t.Error("scene should be selected: enabled and targeted")
	}
	if u.ModuleSelected(ModalityMotion) {
		t.Error("motion should not be selected: targeted but disabled")
	}
	if u.ModuleSelected(ModalityMusic) {
		t.Error("music should not be selected: enabled but not targeted")
	}
}

func TestUIRDefaultsAccessors(t *testing.T) {
	u := &UIR{}
	if got := u.IntentDurationS(); got != DefaultIntentDurationS {
		t.Errorf("IntentDurationS() = %v, want %v", got, DefaultIntentDurationS)
	}
	if got := u.Modules.Motion.FPSValue(); got != DefaultMotionFPS {
		t.Errorf("FPSValue() = %v, want %v", got, DefaultMotionFPS)
	}
	if !u.EventStreamEnabled() {
		t.Error("EventStreamEnabled() should default to true")
	}

	off := false
	u.Hooks = &Hooks{EventStream: &off}
	if u.EventStreamEnabled() {
		t.Error("EventStreamEnabled() should honor hooks.event_stream=false")
	}
}

func TestRuntimeGPULock(t *testing.T) {
	tests := []struct {
		name  string
		locks map[string]any
		want  string
	}{
		{"absent", nil, ""},
		{"plain", map[string]any{"gpu": "1"}, "1"},
		{"cuda_prefix", map[string]any{"gpu": "cuda:0"}, "0"},
		{"numeric", map[string]any{"gpu": float64(2)}, "2"},
		{"wrong_type", map[string]any{"gpu": true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &RuntimeHint{Locks: tt.locks}
			if got := r.GPULock(); got != tt.want {
				t.Errorf("GPULock() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModalityOfRole(t *testing.T) {
	if got := ModalityOfRole(RoleMotionBVH); got != ModalityMotion {
		t.Errorf("ModalityOfRole(motion_bvh) = %q", got)
	}
	if got := ModalityOfRole("artifact"); got != "artifact" {
		t.Errorf("ModalityOfRole(artifact) = %q", got)
	}
}

func TestJobLogsTail(t *testing.T) {
	j := &Job{Logs: []string{"a", "b", "c", "d"}}
	tail := j.LogsTail(2)
	if len(tail) != 2 || tail[0] != "c" || tail[1] != "d" {
		t.Errorf("LogsTail(2) = %v", tail)
	}
	if got := j.LogsTail(10); len(got) != 4 {
		t.Errorf("LogsTail(10) = %v", got)
	}
	if got := j.LogsTail(0); len(got) != 0 {
		t.Errorf("LogsTail(0) = %v", got)
	}
}
