package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ArtifactSummary is the compact artifact view kept per archived job.
type ArtifactSummary struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	MIME  string `json:"mime"`
	URI   string `json:"uri"`
	Bytes int64  `json:"bytes,omitempty"`
}

// ArchivedJob is the durable record written on every terminal
// transition. It backs job lookups after in-memory eviction; the
// on-disk manifest remains the canonical artifact record.
type ArchivedJob struct {
	ID           string               `json:"job_id" badgerhold:"key"`
	Status       string               `json:"status" badgerhold:"index"`
	Stage        string               `json:"stage"`
	Progress     float64              `json:"progress"`
	Message      string               `json:"message"`
	UIRHash      string               `json:"uir_hash"`
	ManifestPath string               `json:"manifest_path"`
	ManifestURL  string               `json:"manifest_url"`
	Error        *models.AdapterError `json:"error,omitempty"`
	Artifacts    []ArtifactSummary    `json:"artifacts"`
	StagePlan    []string             `json:"stage_plan"`
	CreatedAt    time.Time            `json:"created_at" badgerhold:"index"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// Store is a badgerhold-backed index of terminal jobs.
type Store struct {
	db     *badgerhold.Store
	logger arbor.ILogger
}

// Open creates or opens the archive database at path.
func Open(path string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Job archive opened")
	return &Store{db: db, logger: logger}, nil
}

// Archive upserts the job's terminal record. Non-terminal jobs are
// rejected so live state never leaks into the archive.
func (s *Store) Archive(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job with an id is required")
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is not terminal: %s", job.ID, job.Status)
	}

	record := recordFromJob(job)
	if err := s.db.Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the archived record, or badgerhold.ErrNotFound.
func (s *Store) Get(jobID string) (*ArchivedJob, error) {
	var record ArchivedJob
	if err := s.db.Get(jobID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read archived job %s: %w", jobID, err)
	}
	return &record, nil
}

// List returns archived jobs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*ArchivedJob, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []*ArchivedJob
	if err := s.db.Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}
	return records, nil
}

// Delete removes the archived record; missing records are not errors.
func (s *Store) Delete(jobID string) error {
	err := s.db.Delete(jobID, &ArchivedJob{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete archived job %s: %w", jobID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func recordFromJob(job *models.Job) *ArchivedJob {
	record := &ArchivedJob{
		ID:           job.ID,
		Status:       string(job.Status),
		Stage:        job.Stage,
		Progress:     job.Progress,
		Message:      job.Message,
		UIRHash:      job.UIRHash,
		ManifestPath: job.ManifestPath,
		ManifestURL:  job.ManifestURL,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		EndedAt:      job.EndedAt,
	}
	for _, stage := range job.StagePlan {
		record.StagePlan = append(record.StagePlan, string(stage))
	}
	for _, artifact := range job.Artifacts() {
		summary := ArtifactSummary{}
		summary.ID, _ = artifact["id"].(string)
		summary.Role, _ = artifact["role"].(string)
		summary.MIME, _ = artifact["mime"].(string)
		summary.URI, _ = artifact["uri"].(string)
		switch b := artifact["bytes"].(type) {
		case int64:
			summary.Bytes = b
		case float64:
			summary.Bytes = int64(b)
		}
		record.Artifacts = append(record.Artifacts, summary)
	}
	return record
}
