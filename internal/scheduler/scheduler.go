package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/maestro/internal/adapters"
	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/models"
	"github.com/ternarybob/maestro/internal/storage/jobfs"
)

// TerminalArchiver persists a compact record of a finished job so
// lookups survive in-memory eviction. Implemented by storage/archive.
type TerminalArchiver interface {
	Archive(job *models.Job) error
}

// Options tune the worker pool and resource gates. Zero values fall
// back to the defaults noted per field.
type Options struct {
	// WorkerCount is the number of concurrent job workers (default 2).
	WorkerCount int
	// GPUSlots sizes the process-wide GPU semaphore (default 1).
	GPUSlots int
	// QueueCapacity bounds the intake FIFO (default 128).
	QueueCapacity int
	// ProviderLimits overrides Adapter.MaxConcurrency per provider id.
	ProviderLimits map[string]int
	// DefaultProviders overrides the built-in per-modality routing
	// fallbacks for the listed modalities.
	DefaultProviders map[string]string
}

// jobRun tracks one in-flight job so Cancel can reach its context.
type jobRun struct {
	cancel   context.CancelFunc
	canceled bool
}

// Scheduler owns the intake queue and the worker pool that drives jobs
// through the staged pipeline. One instance per process.
type Scheduler struct {
	store    *jobs.Store
	bus      *events.Bus
	registry *adapters.Registry
	reporter *Reporter
	queue    *Queue
	archive  TerminalArchiver
	logger   arbor.ILogger

	workerCount      int
	gpu              chan struct{}
	defaultProviders map[string]string
	providerLimits   map[string]int

	provMu    sync.Mutex
	providers map[string]chan struct{}

	runMu   sync.Mutex
	running map[string]*jobRun

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler; archive may be nil when terminal archiving is
// disabled. Call Start to launch the workers.
func New(store *jobs.Store, bus *events.Bus, registry *adapters.Registry, archive TerminalArchiver, logger arbor.ILogger, opts Options) *Scheduler {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 2
	}
	if opts.GPUSlots <= 0 {
		opts.GPUSlots = 1
	}
	defaults := make(map[string]string, len(DefaultProviders))
	for modality, provider := range DefaultProviders {
		defaults[modality] = provider
	}
	for modality, provider := range opts.DefaultProviders {
		if provider != "" {
			defaults[modality] = provider
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:            store,
		bus:              bus,
		registry:         registry,
		reporter:         NewReporter(store, bus, logger),
		queue:            NewQueue(opts.QueueCapacity),
		archive:          archive,
		logger:           logger,
		workerCount:      opts.WorkerCount,
		gpu:              make(chan struct{}, opts.GPUSlots),
		defaultProviders: defaults,
		providerLimits:   opts.ProviderLimits,
		providers:        make(map[string]chan struct{}),
		running:          make(map[string]*jobRun),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Reporter exposes the scheduler's reporter for handlers that need to
// publish snapshots in the same wire shape.
func (s *Scheduler) Reporter() *Reporter {
	return s.reporter
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	s.logger.Info().
		Int("workers", s.workerCount).
		Int("gpu_slots", cap(s.gpu)).
		Msg("Scheduler started")
}

// Stop cancels the workers and waits for in-flight jobs to unwind or
// ctx to expire, whichever happens first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// Submit enqueues a created job and broadcasts refreshed queue
// positions to every queued job's subscribers.
func (s *Scheduler) Submit(jobID string) error {
	if _, err := s.store.Get(jobID); err != nil {
		return err
	}
	if _, _, err := s.queue.Enqueue(jobID); err != nil {
		return err
	}
	s.broadcastQueue()
	return nil
}

// Cancel requests cancellation. Queued jobs flip to CANCELED at once
// and are skipped at dequeue; running jobs get their stage context
// canceled and finish through the worker's cancel path. Returns false
// without error when the job is already terminal.
func (s *Scheduler) Cancel(jobID string) (bool, error) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	if _, err := s.store.Cancel(jobID, "canceled"); err != nil {
		return false, err
	}
	s.runMu.Lock()
	run := s.running[jobID]
	if run != nil {
		run.canceled = true
	}
	s.runMu.Unlock()
	if run != nil {
		run.cancel()
	}
	return true, nil
}

func (s *Scheduler) workerLoop(worker int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker", worker).Msg("worker loop started")
	for {
		jobID, ok := s.queue.Dequeue(s.ctx)
		if !ok {
			return
		}
		s.broadcastQueue()
		s.runJob(jobID)
	}
}

func (s *Scheduler) runJob(jobID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("worker failed")
			s.failJob(jobID, models.NewAdapterError(
				models.ErrModelRuntime,
				"worker failed",
				map[string]any{"error": fmt.Sprintf("%v", r)},
			))
		}
	}()

	job, err := s.store.Get(jobID)
	if err != nil {
		s.logger.Warn().Str("job_id", jobID).Msg("dequeued unknown job")
		return
	}
	if _, err := s.store.Update(jobID, jobs.Update{ClearQueueInfo: true}); err != nil {
		return
	}
	if job.Status == models.JobStatusCanceled {
		s.finishCanceled(jobID)
		return
	}

	if _, err := jobfs.EnsureJobDirs(s.store.AssetsRoot(), jobID); err != nil {
		s.failJob(jobID, models.NewAdapterError(
			models.ErrIOWrite,
			"failed to prepare job directory",
			map[string]any{"error": err.Error()},
		))
		return
	}

	runCtx, cancelRun := context.WithCancel(s.ctx)
	defer cancelRun()
	s.runMu.Lock()
	s.running[jobID] = &jobRun{cancel: cancelRun}
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		delete(s.running, jobID)
		s.runMu.Unlock()
	}()

	planned := make(map[models.JobStatus]bool, len(job.StagePlan))
	for _, stage := range job.StagePlan {
		planned[stage] = true
	}

	for _, stage := range pipelineOrder {
		if s.isCanceled(jobID) {
			s.finishCanceled(jobID)
			return
		}

		s.reporter.Status(jobID, stage, BandStart(stage), stageStartMessages[stage], nil)
		if stage == models.JobStatusPlanning {
			continue
		}

		modality := stage.Modality()
		if !planned[stage] {
			s.reporter.Status(jobID, stage, BandEnd(stage), modality+" skipped", nil)
			s.writeManifest(jobID, stage, nil)
			continue
		}

		if adapterErr := s.runStage(runCtx, jobID, stage, modality); adapterErr != nil {
			if s.isCanceled(jobID) {
				s.finishCanceled(jobID)
				return
			}
			s.failJob(jobID, adapterErr)
			return
		}
		if s.isCanceled(jobID) {
			s.finishCanceled(jobID)
			return
		}
	}

	s.reporter.Status(jobID, models.JobStatusDone, 1.0, "done", nil)
	s.writeManifest(jobID, models.JobStatusDone, nil)
	s.archiveJob(jobID)
	s.bus.CloseJob(jobID)
}

// runStage resolves the provider, gates on the provider and GPU
// semaphores, and runs the adapter. A nil return means the stage's
// artifacts are merged and its band-end status is published.
func (s *Scheduler) runStage(ctx context.Context, jobID string, stage models.JobStatus, modality string) *models.AdapterError {
	job, err := s.store.Get(jobID)
	if err != nil {
		return models.NewAdapterError(models.ErrModelRuntime, "job vanished mid-run", nil)
	}

	providerID := job.UIR.Routing.Provider(modality)
	if providerID == "" {
		providerID = s.defaultProviders[modality]
	}
	if providerID == "" {
		return models.NewAdapterError(
			models.ErrValidationRouting,
			"missing provider for "+modality,
			map[string]any{"modality": modality},
		)
	}

	adapter, err := s.registry.Get(providerID)
	if err != nil {
		return models.NewAdapterError(
			models.ErrDependencyMissing,
			"adapter not registered: "+providerID,
			map[string]any{"provider": providerID, "modality": modality},
		)
	}
	if adapter.Modality() != modality {
		return models.NewAdapterError(
			models.ErrUnsupported,
			fmt.Sprintf("provider %s serves %s, not %s", providerID, adapter.Modality(), modality),
			map[string]any{"provider": providerID},
		)
	}

	if err := adapter.Validate(job.UIR); err != nil {
		var adapterErr *models.AdapterError
		if errors.As(err, &adapterErr) {
			return adapterErr
		}
		return models.NewAdapterError(
			models.ErrValidationInput,
			"validation failed",
			map[string]any{"provider": providerID, "error": err.Error()},
		)
	}

	sem := s.providerSem(adapter)
	if acquireErr := acquire(ctx, sem); acquireErr != nil {
		return models.NewAdapterError(models.ErrModelRuntime, "canceled while waiting for provider slot", nil)
	}
	defer func() { <-sem }()

	if gpuStages[stage] {
		if acquireErr := acquire(ctx, s.gpu); acquireErr != nil {
			return models.NewAdapterError(models.ErrModelRuntime, "canceled while waiting for gpu", nil)
		}
		defer func() { <-s.gpu }()
	}

	bridged := &stageReporter{
		rep:      s.reporter,
		jobID:    jobID,
		status:   stage,
		canceled: func() bool { return s.isCanceled(jobID) },
	}

	result, runErr := runAdapter(ctx, adapter, job, bridged)
	if runErr != nil {
		return models.NewAdapterError(
			models.ErrModelRuntime,
			"adapter execution failed",
			map[string]any{"provider": providerID, "error": runErr.Error()},
		)
	}
	if !result.OK {
		return normalizeResultError(result, providerID)
	}

	artifacts := make([]map[string]any, 0, len(result.Artifacts))
	for _, ref := range result.Artifacts {
		artifacts = append(artifacts, ref.Map())
	}
	if _, err := s.store.AppendArtifacts(jobID, artifacts); err != nil {
		return models.NewAdapterError(models.ErrModelRuntime, "job vanished mid-run", nil)
	}
	for _, warning := range result.Warnings {
		s.reporter.Log(jobID, "[warn] "+warning)
	}
	for _, ref := range result.Artifacts {
		s.reporter.Asset(jobID, modality, ref)
	}

	s.reporter.Status(jobID, stage, BandEnd(stage), modality+" done", nil)
	s.writeManifest(jobID, stage, nil)
	return nil
}

// runAdapter confines adapter panics to the stage that raised them.
func runAdapter(ctx context.Context, adapter interfaces.Adapter, job *models.Job, rep interfaces.StageReporter) (result *models.AdapterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	result, err = adapter.Run(ctx, job, rep)
	if err == nil && result == nil {
		err = fmt.Errorf("adapter returned no result")
	}
	return result, err
}

// normalizeResultError fills the fallback fields on an adapter-flagged
// failure so downstream consumers always see a complete error.
func normalizeResultError(result *models.AdapterResult, providerID string) *models.AdapterError {
	if result.Error == nil {
		return models.NewAdapterError(
			models.ErrModelRuntime,
			"adapter returned ok=false: "+providerID,
			map[string]any{"provider": providerID},
		)
	}
	adapterErr := *result.Error
	if adapterErr.Code == "" {
		adapterErr.Code = models.ErrModelRuntime
		adapterErr.Retryable = true
	}
	if adapterErr.Message == "" {
		adapterErr.Message = "adapter returned ok=false: " + providerID
	}
	if adapterErr.Detail == nil {
		adapterErr.Detail = map[string]any{}
	}
	return &adapterErr
}

func (s *Scheduler) failJob(jobID string, adapterErr *models.AdapterError) {
	job, err := s.store.Update(jobID, jobs.Update{Error: adapterErr})
	if err != nil {
		return
	}
	s.reporter.Status(jobID, models.JobStatusFailed, job.Progress, adapterErr.Message, nil)
	s.writeManifest(jobID, models.JobStatusFailed, []map[string]any{adapterErr.Map()})
	s.archiveJob(jobID)
	s.bus.CloseJob(jobID)
}

func (s *Scheduler) finishCanceled(jobID string) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return
	}
	if job.Status != models.JobStatusCanceled {
		if _, err := s.store.Cancel(jobID, "canceled"); err != nil {
			return
		}
	}
	s.reporter.Status(jobID, models.JobStatusCanceled, job.Progress, "canceled", nil)
	s.writeManifest(jobID, models.JobStatusCanceled, []map[string]any{})
	s.archiveJob(jobID)
	s.bus.CloseJob(jobID)
}

func (s *Scheduler) isCanceled(jobID string) bool {
	s.runMu.Lock()
	if run := s.running[jobID]; run != nil && run.canceled {
		s.runMu.Unlock()
		return true
	}
	s.runMu.Unlock()
	job, err := s.store.Get(jobID)
	if err != nil {
		return false
	}
	return job.Status == models.JobStatusCanceled
}

// writeManifest checkpoints the on-disk manifest with the job's
// current artifacts. errs is nil mid-run, the error list on failure,
// and the empty list on cancellation.
func (s *Scheduler) writeManifest(jobID string, status models.JobStatus, errs []map[string]any) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return
	}
	if _, err := jobfs.WriteManifest(job.Dir, job.Doc, string(status), job.Artifacts(), errs); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("manifest write failed")
	}
}

func (s *Scheduler) archiveJob(jobID string) {
	if s.archive == nil {
		return
	}
	job, err := s.store.Get(jobID)
	if err != nil {
		return
	}
	if err := s.archive.Archive(job); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("terminal archive write failed")
	}
}

// broadcastQueue recomputes 1-based queue positions and publishes a
// QUEUED status event to each still-queued job's subscribers.
func (s *Scheduler) broadcastQueue() {
	pending := s.queue.Pending()
	size := len(pending)
	for i, jobID := range pending {
		position := i + 1
		job, err := s.store.Update(jobID, jobs.Update{
			QueuePosition: &position,
			QueueSize:     &size,
		})
		if err != nil || job.Status != models.JobStatusQueued {
			continue
		}
		s.reporter.Status(jobID, models.JobStatusQueued, job.Progress, "queued", nil)
	}
}

func (s *Scheduler) providerSem(adapter interfaces.Adapter) chan struct{} {
	providerID := adapter.ProviderID()
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if sem, ok := s.providers[providerID]; ok {
		return sem
	}
	capacity := adapter.MaxConcurrency()
	if override, ok := s.providerLimits[providerID]; ok && override > 0 {
		capacity = override
	}
	if capacity < 1 {
		capacity = 1
	}
	sem := make(chan struct{}, capacity)
	s.providers[providerID] = sem
	return sem
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
