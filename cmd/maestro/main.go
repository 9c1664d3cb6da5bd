package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/maestro/internal/app"
	"github.com/ternarybob/maestro/internal/common"
	"github.com/ternarybob/maestro/internal/server"
)

// exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration error
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	runtimeDir   = flag.String("runtime-dir", "", "Runtime directory (overrides config)")
	logLevel     = flag.String("log-level", "", "Log level (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Maestro version %s\n", common.GetVersion())
		return exitOK
	}

	// Auto-discover a config file when none is named. Missing files
	// are not an error; defaults apply.
	if len(configFiles) == 0 {
		for _, candidate := range []string{"maestro.toml", "config.toml", "deployments/local/maestro.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	// Startup order: config (defaults -> files -> env), CLI overrides,
	// logger, banner.
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	common.ApplyFlagOverrides(config, *serverPort, *serverHost, *runtimeDir, *logLevel)

	logger := common.InitLogger(config)

	common.InstallCrashHandler(config.LogsDir())
	defer common.RecoverWithCrashFile()

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("runtime_dir", config.Runtime.Dir).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return exitError
	}

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start background services")
		return exitError
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				serverErr <- fmt.Errorf("server goroutine panicked: %v", r)
			}
		}()
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	code := exitOK
	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			code = exitError
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
		code = exitError
	}
	if err := application.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Application shutdown failed")
		code = exitError
	}

	logger.Info().Msg("Server stopped")
	return code
}
