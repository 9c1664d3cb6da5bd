package jobs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/planner"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
	"github.com/ternarybob/maestro/internal/uir"
)

// ErrNotFound is returned when a job id has no entry in the store.
var ErrNotFound = errors.New("job not found")

// Store keeps every submitted job in memory, in submission order, and
// mirrors the durable pieces (uir.json, skeletal manifest) into the
// per-job directory tree at creation time. All reads return snapshots
// so callers never observe concurrent mutation.
type Store struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	order      []string
	assetsRoot string
	logger     arbor.ILogger
}

func NewStore(assetsRoot string, logger arbor.ILogger) *Store {
	return &Store{
		jobs:       make(map[string]*models.Job),
		assetsRoot: assetsRoot,
		logger:     logger,
	}
}

// AssetsRoot returns the directory job directories are created under.
func (s *Store) AssetsRoot() string {
	return s.assetsRoot
}

// Update names the mutable job fields. Nil members leave the current
// value untouched; ClearQueueInfo drops both queue fields.
type Update struct {
	Status         *models.JobStatus
	Stage          *string
	Progress       *float64
	Message        *string
	Error          *models.AdapterError
	ManifestPath   *string
	ManifestURL    *string
	QueuePosition  *int
	QueueSize      *int
	ClearQueueInfo bool
}

// Create validates the submitted document, fills in the job id and
// created_at when missing, computes the stable hash and stage plan,
// writes the job directory with uir.json and a skeletal QUEUED
// manifest, and registers the job. The returned job is a snapshot.
func (s *Store) Create(doc map[string]any) (*models.Job, error) {
	if doc == nil {
		return nil, fmt.Errorf("uir payload must be a json object")
	}

	jobID := suppliedJobID(doc)
	if jobID == "" {
		jobID = newJobID()
	}

	u, canonical, err := uir.Parse(ensureJobMetadata(doc, jobID))
	if err != nil {
		return nil, err
	}
	if id := suppliedJobID(canonical); id != "" {
		jobID = id
	}

	hash, err := uir.StableHash(canonical)
	if err != nil {
		return nil, fmt.Errorf("hash uir: %w", err)
	}

	jobDir, err := jobfs.EnsureJobDirs(s.assetsRoot, jobID)
	if err != nil {
		return nil, fmt.Errorf("create job dirs: %w", err)
	}
	if err := jobfs.WriteUIR(jobDir, canonical); err != nil {
		return nil, fmt.Errorf("write uir: %w", err)
	}
	if _, err := jobfs.WriteManifest(jobDir, canonical, string(models.JobStatusQueued), nil, nil); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	job := &models.Job{
		ID:           jobID,
		Status:       models.JobStatusQueued,
		Stage:        string(models.JobStatusQueued),
		Doc:          canonical,
		UIR:          u,
		UIRHash:      hash,
		ManifestPath: filepath.Join(jobDir, jobfs.ManifestFileName),
		ManifestURL:  jobfs.AssetURL(jobID, jobfs.ManifestFileName),
		StagePlan:    planner.PlanStages(u),
		Logs:         []string{},
		Assets:       map[string]any{},
		EventStream:  u.EventStreamEnabled(),
		CreatedAt:    time.Now().UTC(),
		Dir:          jobDir,
	}

	s.mu.Lock()
	if _, exists := s.jobs[jobID]; !exists {
		s.order = append(s.order, jobID)
	}
	s.jobs[jobID] = job
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", jobID).
		Str("uir_hash", hash).
		Msg("job registered")

	return snapshot(job), nil
}

// Get returns a snapshot of the job, or ErrNotFound.
func (s *Store) Get(jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return snapshot(job), nil
}

// List returns snapshots in submission order. An empty status matches
// every job.
func (s *Store) List(status models.JobStatus) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, snapshot(job))
	}
	return out
}

// Update applies the set fields atomically. Setting a status mirrors
// it into stage unless the same update carries an explicit stage,
// stamps started_at on the first transition away from QUEUED, and
// stamps ended_at on the first terminal transition. A terminal job
// never transitions to a different status.
func (s *Store) Update(jobID string, u Update) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	// Terminal statuses are sinks. A stage update racing a cancel must
	// not pull the job back to a running state, so the whole
	// status/stage/progress/message group is dropped; re-setting the
	// same terminal status still applies its message and progress.
	if u.Status != nil && job.Status.IsTerminal() && *u.Status != job.Status {
		u.Status = nil
		u.Stage = nil
		u.Progress = nil
		u.Message = nil
	}

	if u.Status != nil {
		status := *u.Status
		job.Status = status
		if u.Stage == nil {
			job.Stage = string(status)
		}
		now := time.Now().UTC()
		if job.StartedAt == nil && status != models.JobStatusQueued {
			started := now
			job.StartedAt = &started
		}
		if status.IsTerminal() && job.EndedAt == nil {
			ended := now
			job.EndedAt = &ended
		}
	}
	if u.Stage != nil {
		job.Stage = *u.Stage
	}
	if u.Progress != nil {
		p := *u.Progress
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		job.Progress = p
	}
	if u.Message != nil {
		job.Message = *u.Message
	}
	if u.Error != nil {
		adapterErr := *u.Error
		job.Error = &adapterErr
	}
	if u.ManifestPath != nil {
		job.ManifestPath = *u.ManifestPath
	}
	if u.ManifestURL != nil {
		job.ManifestURL = *u.ManifestURL
	}
	if u.ClearQueueInfo {
		job.QueuePosition = nil
		job.QueueSize = nil
	}
	if u.QueuePosition != nil {
		pos := *u.QueuePosition
		job.QueuePosition = &pos
	}
	if u.QueueSize != nil {
		size := *u.QueueSize
		job.QueueSize = &size
	}

	return snapshot(job), nil
}

// AppendLog pushes a line onto the job's log ring, dropping the oldest
// lines past models.MaxLogLines.
func (s *Store) AppendLog(jobID, line string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	job.Logs = append(job.Logs, line)
	if overflow := len(job.Logs) - models.MaxLogLines; overflow > 0 {
		job.Logs = job.Logs[overflow:]
	}
	return snapshot(job), nil
}

// SetAsset records an asset value under the job's asset tree. A dotted
// kind such as "scene.panorama" merges into the category bucket
// (setting bucket["panorama"] and splatting meta alongside); a flat
// kind stores the value directly, wrapped as {"value": ...} plus meta
// when meta is present.
func (s *Store) SetAsset(jobID, kind string, value any, meta map[string]any) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.Assets == nil {
		job.Assets = map[string]any{}
	}
	assignAsset(job.Assets, kind, value, meta)
	return snapshot(job), nil
}

// AppendArtifacts merges adapter artifacts into assets["artifacts"]
// under the store lock and returns the merged list.
func (s *Store) AppendArtifacts(jobID string, artifacts []map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.Assets == nil {
		job.Assets = map[string]any{}
	}
	merged, _ := job.Assets["artifacts"].([]map[string]any)
	for _, artifact := range artifacts {
		if artifact == nil {
			continue
		}
		merged = append(merged, deepCopyMap(artifact))
	}
	job.Assets["artifacts"] = merged

	out := make([]map[string]any, len(merged))
	for i, artifact := range merged {
		out[i] = deepCopyMap(artifact)
	}
	return out, nil
}

// Cancel force-sets CANCELED with the given message. Queue removal and
// context cancellation are the scheduler's concern.
func (s *Store) Cancel(jobID, message string) (*models.Job, error) {
	status := models.JobStatusCanceled
	return s.Update(jobID, Update{Status: &status, Message: &message})
}

// Evict drops a terminal job from memory. Lookups fall through to the
// archive afterwards. Non-terminal jobs are left in place.
func (s *Store) Evict(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !job.Status.IsTerminal() {
		return false
	}
	delete(s.jobs, jobID)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func newJobID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// suppliedJobID returns the trimmed job.id from the document, or "".
func suppliedJobID(doc map[string]any) string {
	jobSection, ok := doc["job"].(map[string]any)
	if !ok {
		return ""
	}
	id, ok := jobSection["id"].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}

// ensureJobMetadata returns a copy of the document whose job block
// carries the resolved id and a created_at timestamp. The caller's
// document is left untouched.
func ensureJobMetadata(doc map[string]any, jobID string) map[string]any {
	enriched := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		enriched[k] = v
	}
	jobSection := map[string]any{}
	if existing, ok := doc["job"].(map[string]any); ok {
		for k, v := range existing {
			jobSection[k] = v
		}
	}
	if id, _ := jobSection["id"].(string); strings.TrimSpace(id) == "" {
		jobSection["id"] = jobID
	}
	if createdAt, _ := jobSection["created_at"].(string); strings.TrimSpace(createdAt) == "" {
		jobSection["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	enriched["job"] = jobSection
	return enriched
}

func assignAsset(assets map[string]any, kind string, value any, meta map[string]any) {
	if category, field, found := strings.Cut(kind, "."); found {
		bucket, ok := assets[category].(map[string]any)
		if !ok {
			bucket = map[string]any{}
		}
		bucket[field] = value
		for k, v := range meta {
			bucket[k] = v
		}
		assets[category] = bucket
		return
	}
	if len(meta) > 0 {
		entry := map[string]any{"value": value}
		for k, v := range meta {
			entry[k] = v
		}
		assets[kind] = entry
		return
	}
	assets[kind] = value
}

// snapshot copies the job deeply enough that callers can hold it
// without racing store mutations. Doc and UIR are immutable after
// creation and stay shared.
func snapshot(job *models.Job) *models.Job {
	out := *job
	if job.Logs != nil {
		out.Logs = append([]string(nil), job.Logs...)
	}
	if job.StagePlan != nil {
		out.StagePlan = append([]models.JobStatus(nil), job.StagePlan...)
	}
	if job.Assets != nil {
		out.Assets = deepCopyMap(job.Assets)
	}
	if job.Error != nil {
		adapterErr := *job.Error
		out.Error = &adapterErr
	}
	if job.QueuePosition != nil {
		pos := *job.QueuePosition
		out.QueuePosition = &pos
	}
	if job.QueueSize != nil {
		size := *job.QueueSize
		out.QueueSize = &size
	}
	if job.StartedAt != nil {
		started := *job.StartedAt
		out.StartedAt = &started
	}
	if job.EndedAt != nil {
		ended := *job.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

func deepCopyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = deepCopyMap(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return value
	}
}
