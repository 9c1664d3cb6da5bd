// Package app owns construction and lifecycle of every service: config
// in, running orchestrator out.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/maestro/internal/adapters"
	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/events"
	"github.com/ternarybob/maestro/internal/handlers"
	"github.com/ternarybob/maestro/internal/interfaces"
	"github.com/ternarybob/maestro/internal/jobs"
	"github.com/ternarybob/maestro/internal/scheduler"
	"github.com/ternarybob/maestro/internal/services/janitor"
	"github.com/ternarybob/maestro/internal/services/translate"
	"github.com/ternarybob/maestro/internal/storage/archive"
)

// App holds the wired application graph.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store      *jobs.Store
	Bus        *events.Bus
	Archive    *archive.Store
	Registry   *adapters.Registry
	Scheduler  *scheduler.Scheduler
	Translator interfaces.Translator
	Janitor    *janitor.Service

	JobHandler   *handlers.JobHandler
	SSEHandler   *handlers.SSEHandler
	WSHandler    *handlers.WebSocketHandler
	AssetHandler *handlers.AssetHandler

	logPump *handlers.LogPump
}

// New builds the application graph. Nothing is running yet; call Start.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: config,
		Logger: logger,
	}

	if err := config.EnsureRuntimeDirs(); err != nil {
		return nil, err
	}

	app.Store = jobs.NewStore(config.AssetsRoot(), logger)
	app.Bus = events.NewBus()

	archiveStore, err := archive.Open(filepath.Join(config.CacheDir(), "archive"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open job archive: %w", err)
	}
	app.Archive = archiveStore

	app.initTranslator()
	if err := app.initAdapters(); err != nil {
		return nil, err
	}

	app.Scheduler = scheduler.New(app.Store, app.Bus, app.Registry, app.Archive, logger, scheduler.Options{
		WorkerCount:      config.Runtime.WorkerCount,
		GPUSlots:         config.Runtime.GPUSlots,
		QueueCapacity:    config.Runtime.QueueCapacity,
		ProviderLimits:   config.Runtime.ProviderLimits,
		DefaultProviders: config.Runtime.DefaultProviders,
	})

	app.Janitor = janitor.NewService(config.Janitor, app.Store, app.Archive, logger)

	app.initHandlers()

	logger.Info().
		Str("runtime_dir", config.Runtime.Dir).
		Int("workers", config.Runtime.WorkerCount).
		Int("gpu_slots", config.Runtime.GPUSlots).
		Msg("Application initialized")

	return app, nil
}

// initTranslator wires the prompt-translation provider. A missing API
// key degrades to the passthrough translator rather than failing boot.
func (a *App) initTranslator() {
	translator, err := translate.NewTranslator(a.Config.Translate, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Translation provider unavailable, prompts pass through untranslated")
		translator = translate.NoopTranslator{}
	}
	a.Translator = translator
}

// initAdapters registers every provider the scheduler can route to.
func (a *App) initAdapters() error {
	cfg := a.Config.Adapters
	registry := adapters.NewRegistry()

	library := adapters.DefaultCharacterLibrary()
	if cfg.CharacterLibrary != "" {
		loaded, err := adapters.LoadCharacterLibrary(cfg.CharacterLibrary)
		if err != nil {
			a.Logger.Warn().Err(err).Str("path", cfg.CharacterLibrary).Msg("Character library unreadable, using built-in set")
		} else {
			library = loaded
		}
	}

	toRegister := []interfaces.Adapter{
		adapters.NewAnimationGPTAdapter(adapters.AnimationGPTConfig{Root: cfg.MotionRoot}),
		adapters.NewDiffusion360Adapter(adapters.Diffusion360Config{Root: cfg.SceneRoot}),
		adapters.NewMusicGPTAdapter(adapters.MusicGPTConfig{Exe: cfg.MusicExe, BinDir: cfg.MusicBinDir}, a.Translator),
		adapters.NewCharacterSelector(cfg.CharacterStaticBase, cfg.CharacterStaticDir, library),
		adapters.NewPreviewConfigBuilder(),
		adapters.NewFfmpegExportAdapter(adapters.FfmpegExportConfig{FfmpegBin: cfg.FfmpegBin}),
	}
	if cfg.RegisterDummies {
		toRegister = append(toRegister,
			adapters.NewDummyAdapter(),
			adapters.NewDummySceneAdapter(),
			adapters.NewDummyMotionAdapter(),
			adapters.NewDummyMusicAdapter(),
		)
	}

	for _, adapter := range toRegister {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("failed to register adapter %s: %w", adapter.ProviderID(), err)
		}
	}

	a.Registry = registry
	a.Logger.Info().
		Int("providers", len(registry.Providers())).
		Msg("Adapter registry initialized")
	return nil
}

func (a *App) initHandlers() {
	var limiter *rate.Limiter
	if a.Config.Limits.SubmitRPS > 0 {
		burst := a.Config.Limits.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(a.Config.Limits.SubmitRPS), burst)
	}

	a.SSEHandler = handlers.NewSSEHandler(a.Store, a.Bus, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Store, a.Bus, a.Config.WebSocket.PingIntervalDuration(), a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Store, a.Scheduler, a.Archive, a.SSEHandler, limiter, a.Logger)
	a.AssetHandler = handlers.NewAssetHandler(a.Config.AssetsRoot(), a.Logger)

	a.logPump = handlers.NewLogPump(a.WSHandler, a.Logger)
}

// Start launches the background services.
func (a *App) Start() error {
	a.Scheduler.Start()
	return a.Janitor.Start()
}

// Stop unwinds the graph in reverse order of construction.
func (a *App) Stop(ctx context.Context) error {
	a.Janitor.Stop()

	if err := a.Scheduler.Stop(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}

	if a.logPump != nil {
		a.logPump.Stop()
	}

	if err := a.Archive.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Archive close failed")
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}
