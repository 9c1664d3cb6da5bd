package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/maestro/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "archive"), arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func terminalJob(id string, createdAt time.Time) *models.Job {
	ended := createdAt.Add(time.Minute)
	return &models.Job{
		ID:        id,
		Status:    models.JobStatusDone,
		Stage:     string(models.JobStatusDone),
		Progress:  1.0,
		Message:   "done",
		UIRHash:   "deadbeef",
		CreatedAt: createdAt,
		EndedAt:   &ended,
		Assets: map[string]any{
			"artifacts": []map[string]any{
				{
					"id":    id + "-motion",
					"role":  models.RoleMotionBVH,
					"mime":  "application/bvh",
					"uri":   "/assets/" + id + "/motion/motion.bvh",
					"bytes": float64(1024),
				},
			},
		},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	store := openTestStore(t)

	job := terminalJob("job-1", time.Now().UTC())
	require.NoError(t, store.Archive(job))

	record, err := store.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", record.ID)
	require.Equal(t, string(models.JobStatusDone), record.Status)
	require.Equal(t, 1.0, record.Progress)
	require.Len(t, record.Artifacts, 1)
	require.Equal(t, models.RoleMotionBVH, record.Artifacts[0].Role)
	require.Equal(t, int64(1024), record.Artifacts[0].Bytes)
	require.NotNil(t, record.EndedAt)
}

func TestArchiveRejectsNonTerminalJob(t *testing.T) {
	store := openTestStore(t)

	job := terminalJob("job-live", time.Now().UTC())
	job.Status = models.JobStatusRunningMotion

	require.Error(t, store.Archive(job))

	_, err := store.Get("job-live")
	require.ErrorIs(t, err, badgerhold.ErrNotFound)
}

func TestArchiveUpsertReplacesRecord(t *testing.T) {
	store := openTestStore(t)

	job := terminalJob("job-2", time.Now().UTC())
	require.NoError(t, store.Archive(job))

	job.Status = models.JobStatusFailed
	job.Message = "export failed"
	job.Error = models.NewAdapterError(models.ErrModelRuntime, "export failed", nil)
	require.NoError(t, store.Archive(job))

	record, err := store.Get("job-2")
	require.NoError(t, err)
	require.Equal(t, string(models.JobStatusFailed), record.Status)
	require.NotNil(t, record.Error)
	require.Equal(t, models.ErrModelRuntime, record.Error.Code)
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Archive(terminalJob(id, base.Add(time.Duration(i)*time.Minute))))
	}

	records, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "new", records[0].ID)
	require.Equal(t, "old", records[2].ID)

	limited, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "new", limited[0].ID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Archive(terminalJob("job-3", time.Now().UTC())))
	require.NoError(t, store.Delete("job-3"))
	require.NoError(t, store.Delete("job-3"))

	_, err := store.Get("job-3")
	require.ErrorIs(t, err, badgerhold.ErrNotFound)
}
