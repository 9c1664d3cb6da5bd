package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/archive"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
)

func newTestService(t *testing.T) (*Service, *jobs.Store, *archive.Store) {
	t.Helper()
	logger := arbor.NewLogger()
	store := jobs.NewStore(t.TempDir(), logger)
	archiveStore, err := archive.Open(filepath.Join(t.TempDir(), "archive"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { archiveStore.Close() })

	svc := NewService(common.JanitorConfig{
		Enabled:  true,
		Schedule: "@every 1h",
		MaxAge:   "24h",
	}, store, archiveStore, logger)
	return svc, store, archiveStore
}

// seedJobDir writes a job directory with a manifest in the given status
// and backdates its mtime.
func seedJobDir(t *testing.T, assetsRoot, jobID string, status models.JobStatus, age time.Duration) {
	t.Helper()
	jobDir, err := jobfs.EnsureJobDirs(assetsRoot, jobID)
	require.NoError(t, err)
	_, err = jobfs.WriteManifest(jobDir, map[string]any{}, string(status), nil, nil)
	require.NoError(t, err)

	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(jobDir, old, old))
}

func TestSweepRemovesExpiredTerminalDirs(t *testing.T) {
	svc, store, archiveStore := newTestService(t)
	root := store.AssetsRoot()

	seedJobDir(t, root, "expired-done", models.JobStatusDone, 48*time.Hour)
	require.NoError(t, archiveStore.Archive(&models.Job{
		ID:        "expired-done",
		Status:    models.JobStatusDone,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(root, "expired-done"))
	require.True(t, os.IsNotExist(err), "job directory should be gone")

	_, err = archiveStore.Get("expired-done")
	require.ErrorIs(t, err, badgerhold.ErrNotFound)
}

func TestSweepKeepsYoungTerminalDirs(t *testing.T) {
	svc, store, _ := newTestService(t)
	root := store.AssetsRoot()

	seedJobDir(t, root, "fresh-done", models.JobStatusDone, time.Hour)

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)

	_, err = os.Stat(filepath.Join(root, "fresh-done"))
	require.NoError(t, err)
}

func TestSweepKeepsNonTerminalManifests(t *testing.T) {
	svc, store, _ := newTestService(t)
	root := store.AssetsRoot()

	seedJobDir(t, root, "old-running", models.JobStatusRunningMotion, 48*time.Hour)

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)

	_, err = os.Stat(filepath.Join(root, "old-running"))
	require.NoError(t, err)
}

func TestSweepKeepsLiveJobsRegardlessOfAge(t *testing.T) {
	svc, store, _ := newTestService(t)
	root := store.AssetsRoot()

	job, err := store.Create(map[string]any{
		"uir_version": "1.0",
		"input":       map[string]any{"raw_prompt": "walk"},
		"intent": map[string]any{
			"targets":    []any{"motion"},
			"duration_s": 2.0,
		},
		"modules": map[string]any{
			"motion": map[string]any{"enabled": true, "prompt": "walk", "duration_s": 2.0},
		},
	})
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, job.ID), old, old))

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)

	_, err = store.Get(job.ID)
	require.NoError(t, err)
}

// Orphan directories with no readable manifest and no live store entry
// age out like terminal jobs.
func TestSweepRemovesAgedOrphanDirs(t *testing.T) {
	svc, store, _ := newTestService(t)
	root := store.AssetsRoot()

	orphan := filepath.Join(root, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestSweepMissingAssetsRootIsNoop(t *testing.T) {
	logger := arbor.NewLogger()
	store := jobs.NewStore(filepath.Join(t.TempDir(), "never-created"), logger)
	svc := NewService(common.JanitorConfig{Enabled: true, MaxAge: "24h"}, store, nil, logger)

	removed, err := svc.Sweep(time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestStartDisabledIsNoop(t *testing.T) {
	logger := arbor.NewLogger()
	store := jobs.NewStore(t.TempDir(), logger)
	svc := NewService(common.JanitorConfig{Enabled: false}, store, nil, logger)
	require.NoError(t, svc.Start())
}
